package node

import (
	"log/slog"
	"sync"

	codevice "github.com/colibri-automation/codevice"
	"github.com/colibri-automation/codevice/pkg/od"
	"github.com/colibri-automation/codevice/pkg/sdo"
	"github.com/colibri-automation/codevice/pkg/timer"
)

// BaseNode carries the state shared by every node flavour: its bus
// transport, its Object Dictionary, its fixed CiA 301 node-id and the
// cooperative timer wheel every timed service (heartbeat, PDO inhibit/event,
// TIME production) schedules its actions on.
// Node-id is assigned once at construction time; this stack does not
// support LSS-driven dynamic node-id (re-)assignment.
type BaseNode struct {
	*codevice.BusManager
	mu     sync.Mutex
	logger *slog.Logger
	od     *od.ObjectDictionary
	id     uint8
	wheel  *timer.Wheel
}

func newBaseNode(
	bm *codevice.BusManager,
	logger *slog.Logger,
	odict *od.ObjectDictionary,
	nodeId uint8,
	wheel *timer.Wheel,
) (*BaseNode, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if wheel == nil {
		wheel = timer.NewWheel(timer.NewSoftwareDriver(), timer.DefaultFreqHz, timer.DefaultMaxActions)
	}
	return &BaseNode{
		BusManager: bm,
		logger:     logger,
		od:         odict,
		id:         nodeId,
		wheel:      wheel,
	}, nil
}

func (node *BaseNode) GetOD() *od.ObjectDictionary {
	return node.od
}

func (node *BaseNode) GetID() uint8 {
	return node.id
}

// Wheel returns the node's cooperative timer wheel. [NodeProcessor] drives
// it every tick via Service/Process; every timed service on the node
// schedules its actions on this single instance.
func (node *BaseNode) Wheel() *timer.Wheel {
	return node.wheel
}

// Node is the contract [NodeProcessor] drives: one periodic SYNC/PDO tick,
// one periodic housekeeping tick, and the SDO servers it keeps alive.
type Node interface {
	ProcessSYNC(timeDifferenceUs uint32) bool
	ProcessPDO(syncWas bool, timeDifferenceUs uint32)
	ProcessMain(enableGateway bool, timeDifferenceUs uint32) uint8
	Servers() []*sdo.SDOServer
	GetID() uint8
	Wheel() *timer.Wheel
	Reset() error
}
