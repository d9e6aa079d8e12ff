package pdo

import (
	"testing"

	canopen "github.com/colibri-automation/codevice"
	"github.com/colibri-automation/codevice/pkg/can/virtual"
	"github.com/colibri-automation/codevice/pkg/emcy"
	"github.com/colibri-automation/codevice/pkg/od"
	"github.com/colibri-automation/codevice/pkg/timer"
	"github.com/stretchr/testify/assert"
)

func BenchmarkXxx(b *testing.B) {
	b.StopTimer()
	bus, err := virtual.NewVirtualCanBus("localhost:18888")
	bus.Connect()
	assert.Nil(b, err)
	bm := canopen.NewBusManager(bus)
	od := od.Default()
	tpdo, err := NewTPDO(bm, nil, timer.NewWheel(timer.NewSoftwareDriver(), timer.DefaultFreqHz, timer.DefaultMaxActions), od, &emcy.EMCY{}, nil, od.Index(0x1801), od.Index(0x1A01), 0)
	assert.Nil(b, err)
	b.StartTimer()
	for n := 0; n < b.N; n++ {
		err := tpdo.send()
		assert.Nil(b, err)
	}

}
