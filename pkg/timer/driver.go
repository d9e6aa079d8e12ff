package timer

import "time"

// SoftwareDriver is a [Driver] backed by the host's monotonic clock instead
// of a hardware timer peripheral. It is the one place in this package that
// touches wall-clock time; the wheel itself never sleeps or blocks. Useful
// on hosts without a dedicated timer/counter interface (the node package
// uses it by default) and in tests.
type SoftwareDriver struct {
	freq     uint32
	armed    bool
	deadline time.Time
	ticks    uint32
}

// NewSoftwareDriver returns a [Driver] that measures ticks against
// time.Now(). Call Init before use (NewWheel does this automatically).
func NewSoftwareDriver() *SoftwareDriver {
	return &SoftwareDriver{}
}

func (d *SoftwareDriver) Init(freqHz uint32) {
	d.freq = freqHz
}

func (d *SoftwareDriver) Reload(ticks uint32) {
	d.ticks = ticks
	d.deadline = time.Now().Add(d.ticksToDuration(ticks))
}

func (d *SoftwareDriver) Start() {
	d.armed = true
}

func (d *SoftwareDriver) Stop() {
	d.armed = false
}

// Delay reports ticks remaining before the armed deadline, floored at zero.
func (d *SoftwareDriver) Delay() uint32 {
	if !d.armed {
		return 0
	}
	remaining := time.Until(d.deadline)
	if remaining <= 0 {
		return 0
	}
	return d.durationToTicks(remaining)
}

// Update reports whether the armed deadline has passed.
func (d *SoftwareDriver) Update() bool {
	if !d.armed {
		return false
	}
	return !time.Now().Before(d.deadline)
}

func (d *SoftwareDriver) ticksToDuration(ticks uint32) time.Duration {
	if d.freq == 0 {
		return 0
	}
	return time.Duration(ticks) * time.Second / time.Duration(d.freq)
}

func (d *SoftwareDriver) durationToTicks(dur time.Duration) uint32 {
	if d.freq == 0 {
		return 0
	}
	return uint32(dur * time.Duration(d.freq) / time.Second)
}
