package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCreateFiresOnce(t *testing.T) {
	w := NewWheel(NewSoftwareDriver(), 10000, 4)
	fired := make(chan struct{}, 1)
	id, err := w.Create(w.GetTicks(10, 1000), 0, func(arg any) {
		fired <- struct{}{}
	}, nil)
	assert.Nil(t, err)
	assert.GreaterOrEqual(t, id, 0)

	deadline := time.After(200 * time.Millisecond)
	for {
		w.Service()
		w.Process()
		select {
		case <-fired:
			return
		case <-deadline:
			t.Fatal("action never fired")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestCreateRequiresDeadline(t *testing.T) {
	w := NewWheel(NewSoftwareDriver(), 10000, 4)
	_, err := w.Create(0, 0, func(any) {}, nil)
	assert.ErrorIs(t, err, ErrNoDeadline)
}

func TestDeleteCancelsAction(t *testing.T) {
	w := NewWheel(NewSoftwareDriver(), 10000, 4)
	fired := false
	id, err := w.Create(w.GetTicks(20, 1000), 0, func(any) { fired = true }, nil)
	assert.Nil(t, err)
	assert.Nil(t, w.Delete(id))

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		w.Service()
		w.Process()
		time.Sleep(time.Millisecond)
	}
	assert.False(t, fired)
}

func TestCyclicActionReschedules(t *testing.T) {
	w := NewWheel(NewSoftwareDriver(), 10000, 4)
	count := 0
	ticks := w.GetTicks(5, 1000)
	_, err := w.Create(ticks, ticks, func(any) { count++ }, nil)
	assert.Nil(t, err)

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		w.Service()
		w.Process()
		time.Sleep(time.Millisecond)
	}
	assert.GreaterOrEqual(t, count, 2)
}

func TestTwoActionsShareOneEvent(t *testing.T) {
	w := NewWheel(NewSoftwareDriver(), 10000, 4)
	var a, b bool
	ticks := w.GetTicks(10, 1000)
	_, err := w.Create(ticks, 0, func(any) { a = true }, nil)
	assert.Nil(t, err)
	_, err = w.Create(ticks, 0, func(any) { b = true }, nil)
	assert.Nil(t, err)

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		w.Service()
		w.Process()
		time.Sleep(time.Millisecond)
	}
	assert.True(t, a)
	assert.True(t, b)
}

func TestNoFreeActionError(t *testing.T) {
	w := NewWheel(NewSoftwareDriver(), 10000, 1)
	_, err := w.Create(1000, 0, func(any) {}, nil)
	assert.Nil(t, err)
	_, err = w.Create(1000, 0, func(any) {}, nil)
	assert.ErrorIs(t, err, ErrNoFreeAction)
}
