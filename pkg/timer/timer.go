// Package timer implements the cooperative timer wheel that schedules every
// periodic and one-shot callback in the stack: NMT heartbeat production,
// heartbeat consumer timeouts, PDO inhibit/event timers, RPDO receive
// timeouts and SDO client/server timeouts. It is a Go port of the Action/
// Event pool scheduler found in the original C core (co_tmr.c/co_tmr.h):
// two linked pools, Actions (callback, argument, cycle ticks) and Events
// (delta-ticks-from-previous-event, head/tail of an action list), serviced
// from a tick source and drained from a main loop.
package timer

import (
	"errors"
	"runtime"
	"sync"
	"time"
)

// DefaultFreqHz is the wheel tick frequency used by the node package: 10kHz,
// i.e. 100us resolution, matching the original core's CO_TMR_UNIT_100US.
const DefaultFreqHz uint32 = 10000

// DefaultMaxActions bounds how many concurrently scheduled actions a node's
// wheel can hold: one heartbeat producer, one heartbeat-consumer timeout per
// monitored node, one inhibit and one event timer per TPDO, one receive
// timeout per RPDO, one TIME producer tick and one SDO client/server
// timeout, with headroom for application-created timers.
const DefaultMaxActions = 64

var (
	// ErrNoFreeAction is returned by Create when the action pool is exhausted.
	ErrNoFreeAction = errors.New("timer: no free action slot")
	// ErrNoDeadline is returned by Create when both startTicks and
	// cycleTicks are zero: such an action would never fire.
	ErrNoDeadline = errors.New("timer: startTicks and cycleTicks both zero")
	// ErrUnknownAction is returned by Delete for an id that is not currently
	// scheduled (already fired without a cycle, or never created).
	ErrUnknownAction = errors.New("timer: unknown action id")
)

// Func is a timer wheel callback. It runs from Process, outside of the
// wheel's lock, so it may itself call Create or Delete.
type Func func(arg any)

// action is one scheduled callback, pulled from a fixed pool.
type action struct {
	id         int
	next       *action
	fn         Func
	arg        any
	cycleTicks uint32
}

// event is one wheel slot: every action sharing an absolute deadline hangs
// off the same event. Events form the used list in ascending order, each
// holding the delta in ticks from the previous event, so servicing only
// ever needs to look at the head.
type event struct {
	next      *event
	action    *action // head of this event's action list
	actionEnd *action // tail of this event's action list
	delta     uint32
}

// Driver is the host timer peripheral contract (external interface §6):
// a single hardware (or simulated) timer the wheel reloads with the delta
// to its next deadline. Init configures the tick frequency; Reload arms the
// next delay; Delay reports ticks remaining before the next fire; Start/Stop
// gate counting; Update is polled from Service and reports whether the
// armed delay has elapsed.
type Driver interface {
	Init(freqHz uint32)
	Reload(ticks uint32)
	Delay() uint32
	Start()
	Stop()
	Update() bool
}

// Wheel is a fixed-capacity cooperative timer wheel. Service runs from the
// tick source (an interrupt, or the single asynchronous producer goroutine
// in this host port) and only ever moves an elapsed event onto the elapsed
// list; Process runs from the main loop and is the only place callbacks are
// invoked. The mutex brackets mutation of the free/used/elapsed lists the
// same way the original's lock/unlock pair brackets them against the tick
// interrupt; callbacks always run unlocked.
type Wheel struct {
	mu     sync.Mutex
	driver Driver
	freq   uint32

	actionPool []action
	eventPool  []event

	freeAction *action
	freeEvent  *event
	use        *event
	elapsed    *event
}

// NewWheel allocates a wheel with room for max concurrently scheduled
// actions/events and arms the driver at freqHz. A nil driver is invalid.
func NewWheel(driver Driver, freqHz uint32, max int) *Wheel {
	w := &Wheel{
		driver:     driver,
		freq:       freqHz,
		actionPool: make([]action, max),
		eventPool:  make([]event, max),
	}
	w.reset()
	driver.Init(freqHz)
	return w
}

// reset rebuilds the free lists from the preallocated pools and assigns
// sequential ids to actions, mirroring COTmrReset.
func (w *Wheel) reset() {
	for i := range w.actionPool {
		w.actionPool[i] = action{id: i}
		if i+1 < len(w.actionPool) {
			w.actionPool[i].next = &w.actionPool[i+1]
		}
	}
	for i := range w.eventPool {
		w.eventPool[i] = event{}
		if i+1 < len(w.eventPool) {
			w.eventPool[i].next = &w.eventPool[i+1]
		}
	}
	if len(w.actionPool) > 0 {
		w.freeAction = &w.actionPool[0]
	}
	if len(w.eventPool) > 0 {
		w.freeEvent = &w.eventPool[0]
	}
	w.use = nil
	w.elapsed = nil
}

// GetTicks converts a duration expressed in unitsPerSecond (e.g. 1000 for
// milliseconds, 10000 for 100us units) into wheel ticks at the configured
// frequency.
func (w *Wheel) GetTicks(duration uint32, unitsPerSecond uint32) uint32 {
	if unitsPerSecond == 0 {
		return 0
	}
	return uint32((uint64(duration) * uint64(w.freq)) / uint64(unitsPerSecond))
}

// FromDuration converts a [time.Duration] into wheel ticks at the
// configured frequency, for callers whose periods are already expressed
// with Go's time package rather than a raw CiA 301 time unit.
func (w *Wheel) FromDuration(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d * time.Duration(w.freq) / time.Second)
}

// WaitTicks blocks the calling goroutine until ticks wheel-ticks have
// elapsed, polled through a private [SoftwareDriver] instance (whatever
// driver backs this wheel) rather than through time.Sleep directly. It exists for
// synchronous host-side convenience APIs (SDO client raw read/write) that
// need to wait between cooperative protocol steps without reaching for a
// second timing primitive outside the Timer driver contract.
func (w *Wheel) WaitTicks(ticks uint32) {
	d := NewSoftwareDriver()
	d.Init(w.freq)
	d.Reload(ticks)
	d.Start()
	for !d.Update() {
		runtime.Gosched()
	}
}

// WaitDuration is [Wheel.WaitTicks] for callers expressing their wait as a
// [time.Duration] rather than a raw tick count.
func (w *Wheel) WaitDuration(d time.Duration) {
	w.WaitTicks(w.FromDuration(d))
}

// Create schedules fn(arg) to first fire after startTicks, then (if
// cycleTicks is non-zero) every cycleTicks thereafter. If startTicks is
// zero and cycleTicks is not, the first fire is after one cycle. Both zero
// is an error. Returns the action id, which Delete later takes.
func (w *Wheel) Create(startTicks, cycleTicks uint32, fn Func, arg any) (int, error) {
	if startTicks == 0 {
		startTicks = cycleTicks
	}
	if startTicks == 0 {
		return -1, ErrNoDeadline
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.freeAction == nil {
		return -1, ErrNoFreeAction
	}
	act := w.freeAction
	w.freeAction = act.next
	act.next = nil
	act.fn = fn
	act.arg = arg
	act.cycleTicks = cycleTicks

	if err := w.insertLocked(startTicks, act); err != nil {
		act.next = w.freeAction
		w.freeAction = act
		return -1, err
	}
	return act.id, nil
}

// Delete cancels a previously created action. If it was the only action on
// its event, the event itself is removed and, if it was the head, the
// driver is re-armed with (or stopped for) the new head.
func (w *Wheel) Delete(id int) error {
	if id < 0 || id >= len(w.actionPool) {
		return ErrUnknownAction
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	target := &w.actionPool[id]
	for _, list := range []*event{w.use, w.elapsed} {
		for ev := list; ev != nil; ev = ev.next {
			var prev *action
			for act := ev.action; act != nil; act = act.next {
				if act != target {
					prev = act
					continue
				}
				if prev == nil {
					ev.action = act.next
				} else {
					prev.next = act.next
				}
				if act == ev.actionEnd {
					ev.actionEnd = prev
				}
				act.fn = nil
				act.arg = nil
				act.cycleTicks = 0
				act.next = w.freeAction
				w.freeAction = act
				if ev.action == nil {
					w.removeLocked(ev)
				}
				return nil
			}
		}
	}
	return ErrUnknownAction
}

// insertLocked places a new action at deltaTicks from now, creating a new
// event (possibly splitting an existing gap) unless an event already sits
// at exactly that deadline. Mirrors COTmrInsert.
func (w *Wheel) insertLocked(deltaTicks uint32, act *action) error {
	if w.use == nil {
		if w.freeEvent == nil {
			return ErrNoFreeAction
		}
		ev := w.freeEvent
		w.freeEvent = ev.next
		ev.next = nil
		ev.delta = deltaTicks
		ev.action = act
		ev.actionEnd = act
		w.use = ev
		w.driver.Reload(deltaTicks)
		w.driver.Start()
		return nil
	}

	remaining := w.driver.Delay()
	var prev *event
	acc := remaining
	for ev := w.use; ev != nil; ev = ev.next {
		switch {
		case deltaTicks == acc:
			if ev.actionEnd == nil {
				ev.action = act
			} else {
				ev.actionEnd.next = act
			}
			ev.actionEnd = act
			return nil
		case deltaTicks < acc:
			if w.freeEvent == nil {
				return ErrNoFreeAction
			}
			ne := w.freeEvent
			w.freeEvent = ne.next
			ne.next = ev
			ne.action = act
			ne.actionEnd = act
			if prev == nil {
				ne.delta = deltaTicks
				ev.delta = acc - deltaTicks
				w.use = ne
				w.driver.Reload(ne.delta)
			} else {
				ne.delta = deltaTicks - (acc - ev.delta)
				ev.delta -= ne.delta
				prev.next = ne
			}
			return nil
		default:
			prev = ev
			if ev.next != nil {
				acc += ev.next.delta
			}
		}
	}

	// Reached the tail: append as a new event after prev.
	if w.freeEvent == nil {
		return ErrNoFreeAction
	}
	ne := w.freeEvent
	w.freeEvent = ne.next
	ne.next = nil
	ne.action = act
	ne.actionEnd = act
	tailDelta := remaining
	for ev := w.use; ev != prev; ev = ev.next {
		tailDelta += ev.next.delta
	}
	ne.delta = deltaTicks - tailDelta
	prev.next = ne
	return nil
}

// removeLocked unlinks an emptied event from the used list, merging its
// delta forward or re-arming the driver when it was the head.
func (w *Wheel) removeLocked(ev *event) {
	if w.use == ev {
		w.use = ev.next
		if w.use == nil {
			w.driver.Stop()
		} else {
			w.use.delta += w.driver.Delay()
			w.driver.Reload(w.use.delta)
		}
	} else {
		for p := w.use; p != nil; p = p.next {
			if p.next == ev {
				p.next = ev.next
				if ev.next != nil {
					ev.next.delta += ev.delta
				}
				break
			}
		}
	}
	ev.next = w.freeEvent
	ev.action = nil
	ev.actionEnd = nil
	w.freeEvent = ev
}

// Service polls the driver and, if its armed delay elapsed, moves the head
// event onto the elapsed list and reloads the driver with the new head's
// delta. Intended to be called from the wheel's single tick source; never
// invokes a callback. Returns true if an event elapsed.
func (w *Wheel) Service() bool {
	if !w.driver.Update() {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.use == nil {
		return false
	}
	ev := w.use
	w.use = ev.next
	ev.next = w.elapsed
	w.elapsed = ev

	if w.use == nil {
		w.driver.Stop()
	} else {
		w.driver.Reload(w.use.delta)
		w.driver.Start()
	}
	return true
}

// Process drains the elapsed list from the main loop: cyclic actions are
// reinserted before their callback runs, one-shot actions are freed, and
// every callback fires outside of the wheel's lock so it may safely call
// Create or Delete.
func (w *Wheel) Process() {
	for {
		w.mu.Lock()
		ev := w.elapsed
		if ev == nil {
			w.mu.Unlock()
			return
		}
		w.elapsed = ev.next
		ev.next = w.freeEvent
		w.freeEvent = ev
		acts := ev.action
		ev.action = nil
		ev.actionEnd = nil

		type pending struct {
			fn  Func
			arg any
		}
		var toRun []pending
		for act := acts; act != nil; {
			next := act.next
			fn, arg := act.fn, act.arg
			if act.cycleTicks == 0 {
				act.next = w.freeAction
				w.freeAction = act
			} else {
				act.next = nil
				_ = w.insertLocked(act.cycleTicks, act)
			}
			toRun = append(toRun, pending{fn, arg})
			act = next
		}
		w.mu.Unlock()

		for _, p := range toRun {
			if p.fn != nil {
				p.fn(p.arg)
			}
		}
	}
}
