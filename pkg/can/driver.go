package can

import "errors"

var ErrDriverQueueFull = errors.New("can: driver receive queue full, frame dropped")

// Driver is the host CAN controller contract (external interface §6):
// Init configures the controller once, Enable arms it at a bitrate, Read
// and Send move frames, Reset re-arms after a bus-off, Close tears it
// down. It is a pull-based, non-blocking counterpart to [Bus] (which is a
// push/callback transport): [BusDriver] adapts any [Bus] implementation to
// it by queuing received frames instead of dispatching them inline, so a
// cooperative main loop can poll Read without blocking.
type Driver interface {
	Init() error
	Enable(baudrate int) error
	Read() (Frame, bool, error)
	Send(frame Frame) error
	Reset() error
	Close() error
}

// BusDriver adapts a push-style [Bus] to the pull-style [Driver] contract.
// Frames handed to Handle are queued; Read drains the queue non-blockingly.
// When the queue is full the newly received frame is dropped, mirroring for
// reception the non-blocking "queue full, frame dropped" rule of the
// transmit side.
type BusDriver struct {
	bus   Bus
	queue chan Frame
}

// NewBusDriver wraps bus with a receive queue of the given depth and
// subscribes itself as the bus's frame listener.
func NewBusDriver(bus Bus, queueDepth int) (*BusDriver, error) {
	d := &BusDriver{bus: bus, queue: make(chan Frame, queueDepth)}
	if err := bus.Subscribe(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Handle implements [FrameListener]; it is called by the underlying [Bus]
// on every received frame and never blocks.
func (d *BusDriver) Handle(frame Frame) {
	select {
	case d.queue <- frame:
	default:
		// Queue full: drop the frame, same discipline as a non-blocking send.
	}
}

func (d *BusDriver) Init() error {
	return nil
}

func (d *BusDriver) Enable(baudrate int) error {
	return d.bus.Connect(baudrate)
}

// Read returns the next queued frame without blocking. ok is false if the
// queue is currently empty.
func (d *BusDriver) Read() (Frame, bool, error) {
	select {
	case frame := <-d.queue:
		return frame, true, nil
	default:
		return Frame{}, false, nil
	}
}

func (d *BusDriver) Send(frame Frame) error {
	return d.bus.Send(frame)
}

func (d *BusDriver) Reset() error {
	if err := d.bus.Disconnect(); err != nil {
		return err
	}
	return d.bus.Connect()
}

func (d *BusDriver) Close() error {
	return d.bus.Disconnect()
}
