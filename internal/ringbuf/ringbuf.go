// Package ringbuf implements the byte ring buffer the SDO client uses to
// stage payload data across a block transfer. A block transfer streams a
// train of up to 127 segments before the server acknowledges how many it
// actually received, so the client needs to retransmit from wherever the ack
// says the train broke off. That requires holding data that has already been
// "read" by the transport in case it has to be replayed, hence the separate
// mark/commit/rewind cursor on top of the plain producer/consumer ring.
package ringbuf

import "github.com/colibri-automation/codevice/internal/crc"

// Ring is a fixed-capacity circular byte buffer with one read cursor used for
// normal consumption and a second, markable cursor used to replay data that
// was consumed optimistically but may need to be resent.
type Ring struct {
	buf      []byte
	writePos int
	readPos  int
	markPos  int
}

// New allocates a ring able to hold size-1 bytes (one slot is always kept
// empty to distinguish full from empty).
func New(size uint16) *Ring {
	return &Ring{buf: make([]byte, size)}
}

// Reset drops all buffered data.
func (r *Ring) Reset() {
	r.readPos = 0
	r.writePos = 0
}

// Space reports how many bytes can still be written before the buffer is full.
func (r *Ring) Space() int {
	space := r.readPos - r.writePos - 1
	if space < 0 {
		space += len(r.buf)
	}
	return space
}

// Occupied reports how many unread bytes are currently buffered.
func (r *Ring) Occupied() int {
	occupied := r.writePos - r.readPos
	if occupied < 0 {
		occupied += len(r.buf)
	}
	return occupied
}

// Write appends as much of data as fits, optionally folding each written
// byte into a running CRC (used while staging a block download so the CRC
// is computed incrementally as data streams in).
func (r *Ring) Write(data []byte, running *crc.CRC16) int {
	written := 0
	for _, b := range data {
		next := r.writePos + 1
		atWrap := next == len(r.buf) && r.readPos == 0
		if next == r.readPos || atWrap {
			break
		}
		r.buf[r.writePos] = b
		written++
		if running != nil {
			running.Single(b)
		}
		if next == len(r.buf) {
			next = 0
		}
		r.writePos = next
	}
	return written
}

// Read drains up to len(dst) buffered bytes into dst and returns how many
// were copied.
func (r *Ring) Read(dst []byte) int {
	n := 0
	for n < len(dst) && r.readPos != r.writePos {
		dst[n] = r.buf[r.readPos]
		n++
		r.readPos++
		if r.readPos == len(r.buf) {
			r.readPos = 0
		}
	}
	return n
}

// Mark positions the replay cursor offset bytes ahead of the committed read
// cursor, without consuming anything yet, and reports how many of those
// offset bytes actually exist. Used before resending a segment train: the
// caller walks the mark cursor forward to find out how much data it can
// still replay from a given sequence number.
func (r *Ring) Mark(offset int) int {
	r.markPos = r.readPos
	i := offset
	for ; i > 0; i-- {
		if r.markPos == r.writePos {
			break
		}
		r.markPos++
		if r.markPos == len(r.buf) {
			r.markPos = 0
		}
	}
	return offset - i
}

// Commit advances the real read cursor up to the mark, optionally folding
// the skipped bytes into running. Call once the replayed segments have been
// acknowledged and need not be kept any longer.
func (r *Ring) Commit(running *crc.CRC16) {
	if running == nil {
		r.readPos = r.markPos
		return
	}
	for r.readPos != r.markPos {
		running.Single(r.buf[r.readPos])
		r.readPos++
		if r.readPos == len(r.buf) {
			r.readPos = 0
		}
	}
}

// MarkedRead drains from the mark cursor (not the committed read cursor)
// into dst, for streaming out a replay without disturbing what Commit will
// later retire.
func (r *Ring) MarkedRead(dst []byte) int {
	n := 0
	for n < len(dst) && r.markPos != r.writePos {
		dst[n] = r.buf[r.markPos]
		n++
		r.markPos++
		if r.markPos == len(r.buf) {
			r.markPos = 0
		}
	}
	return n
}

// MarkedOccupied reports how many bytes remain between the mark cursor and
// the write cursor.
func (r *Ring) MarkedOccupied() int {
	occupied := r.writePos - r.markPos
	if occupied < 0 {
		occupied += len(r.buf)
	}
	return occupied
}
