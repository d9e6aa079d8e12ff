// Package codevice implements a CANopen CiA 301 slave (device) stack: an
// Object Dictionary, SDO server and client, PDO engine, NMT state machine
// with heartbeat, EMCY emergency reporting and SYNC/TIME producers and
// consumers, built on top of the pkg/can transport abstraction.
package codevice

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/colibri-automation/codevice/pkg/can"
)

// Frame, FrameListener and Bus are the transport-level types every
// sub-package (sdo, pdo, nmt, emcy, sync, timestamp) is built against.
// They are aliases rather than a second definition so that a can.Bus
// driver (socketcan, virtual, kvaser, ...) can be handed to NewBusManager
// without an adapter type.
type (
	Frame         = can.Frame
	FrameListener = can.FrameListener
	Bus           = can.Bus
)

var NewFrame = can.NewFrame
var IsIDRestricted = can.IsIDRestricted

// CAN bus error flags, mirrored from pkg/can for callers that only import
// the root package.
const (
	CanErrorTxWarning   = can.CanErrorTxWarning
	CanErrorTxPassive   = can.CanErrorTxPassive
	CanErrorTxBusOff    = can.CanErrorTxBusOff
	CanErrorTxOverflow  = can.CanErrorTxOverflow
	CanErrorPdoLate     = can.CanErrorPdoLate
	CanErrorRxWarning   = can.CanErrorRxWarning
	CanErrorRxPassive   = can.CanErrorRxPassive
	CanErrorRxOverflow  = can.CanErrorRxOverflow
	CanErrorWarnPassive = can.CanErrorWarnPassive
)

const (
	// MaxCanId is the highest standard (11-bit) CAN identifier.
	MaxCanId = 0x7FF
	// lookupArraySize holds standard frames and RTR frames in one array,
	// RTR entries offset by MaxCanId+1.
	lookupArraySize = (MaxCanId + 1) * 2
)

type subscriber struct {
	id       uint64
	callback FrameListener
}

// BusManager wraps a can.Bus and fans out received frames to whichever
// sub-packages subscribed to their COB-ID. It is the single FrameListener
// registered against the underlying driver.
type BusManager struct {
	logger    *slog.Logger
	mu        sync.Mutex
	bus       Bus
	listeners [lookupArraySize][]subscriber
	nextSubId uint64
	canError  uint16
}

func NewBusManager(bus Bus) *BusManager {
	return &BusManager{
		bus:    bus,
		logger: slog.Default(),
	}
}

// Handle implements FrameListener. It is registered once against the
// underlying driver and dispatches to every subscriber of frame.ID.
// Must not block.
func (bm *BusManager) Handle(frame Frame) {
	idx := bm.index(frame.ID, frame.Flags&0x40 != 0)
	if idx < 0 {
		return
	}

	bm.mu.Lock()
	listeners := bm.listeners[idx]
	bm.mu.Unlock()

	for _, sub := range listeners {
		sub.callback.Handle(frame)
	}
}

func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Send transmits a frame on the bus. Errors are logged, not retried.
func (bm *BusManager) Send(frame Frame) error {
	err := bm.bus.Send(frame)
	if err != nil {
		bm.logger.Warn("error sending frame", "err", err, "id", frame.ID)
	}
	return err
}

// Process resets the stored CAN bus error flags to zero. BusManager does not
// query the driver for error status, so nothing sets those flags again.
func (bm *BusManager) Process() error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.canError = 0
	return nil
}

func (bm *BusManager) index(ident uint32, rtr bool) int {
	if ident > MaxCanId {
		return -1
	}
	idx := int(ident)
	if rtr {
		idx += MaxCanId + 1
	}
	return idx
}

// Subscribe registers callback for frames matching ident (standard 11-bit
// IDs only). mask is accepted for API symmetry with richer bus managers but
// is not evaluated; every subscriber is keyed on the exact ident/rtr pair.
// The returned cancel func removes the subscription.
func (bm *BusManager) Subscribe(ident uint32, mask uint32, rtr bool, callback FrameListener) (cancel func(), err error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	idx := bm.index(ident, rtr)
	if idx < 0 {
		return nil, fmt.Errorf("bus manager only supports standard 11-bit IDs, got %#x", ident)
	}

	bm.nextSubId++
	subId := bm.nextSubId
	bm.listeners[idx] = append(bm.listeners[idx], subscriber{id: subId, callback: callback})

	cancel = func() {
		bm.mu.Lock()
		defer bm.mu.Unlock()
		subs := bm.listeners[idx]
		for i, sub := range subs {
			if sub.id == subId {
				bm.listeners[idx] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}

	return cancel, nil
}

// Unsubscribe removes the first subscriber matching callback for ident/rtr.
func (bm *BusManager) Unsubscribe(ident uint32, mask uint32, rtr bool, callback FrameListener) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	idx := bm.index(ident, rtr)
	if idx < 0 {
		return fmt.Errorf("bus manager only supports standard 11-bit IDs, got %#x", ident)
	}

	subs := bm.listeners[idx]
	for i, sub := range subs {
		if sub.callback == callback {
			bm.listeners[idx] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no registered callback for id %#x", ident)
}

// Error returns the stored CAN bus error flags, which Process resets to zero.
func (bm *BusManager) Error() uint16 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.canError
}
