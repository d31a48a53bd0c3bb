// Package txunit holds the transfer descriptor handed from a channel to a
// transmit engine.
//
// A Unit's buffer is owned by its producer (a channel) while the unit is
// Idle. Submit hands it to exactly one engine; from then on only that engine
// may move it forward (MarkTransmitting) or hand it back (Release), and the
// producer must not touch the bytes until it is Idle again.
package txunit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// State is the ownership state of a unit's buffer.
type State uint32

const (
	Idle State = iota
	Submitted
	Transmitting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitted:
		return "submitted"
	case Transmitting:
		return "transmitting"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

var (
	ErrInUse    = errors.New("txunit: buffer is owned by an engine")
	ErrNotOwner = errors.New("txunit: caller does not own the unit")
)

// PadFunc writes src into dst, which is longer than src, filling the
// remainder with protocol-neutral padding so that dst is still a valid
// frame for the chipset.
type PadFunc func(dst, src []byte)

// Unit is a reusable transfer descriptor: pin identity, chipset timing and
// the encoded bytes of one frame.
type Unit struct {
	Pin     int
	Chipset Chipset
	Pad     PadFunc

	state atomic.Uint32

	mu    sync.Mutex
	owner any
	buf   []byte
}

// New returns an idle unit for the given pin and chipset.
func New(pin int, c Chipset) *Unit {
	return &Unit{Pin: pin, Chipset: c}
}

func (u *Unit) String() string {
	return fmt.Sprintf("unit{pin=%d %s %dB %s}", u.Pin, u.Chipset.Name(), u.Len(), u.State())
}

// State returns the current ownership state.
func (u *Unit) State() State { return State(u.state.Load()) }

// InUse reports whether an engine holds the buffer.
func (u *Unit) InUse() bool { return u.State() != Idle }

// Owner returns the engine holding the unit, or nil.
func (u *Unit) Owner() any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.owner
}

// Bytes returns the encoded frame. Callers must not modify it.
func (u *Unit) Bytes() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.buf
}

// Len is the encoded frame length in bytes.
func (u *Unit) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.buf)
}

// Encode clears the buffer and lets fill append a new frame to it. The
// backing array is reused between frames.
func (u *Unit) Encode(fill func(dst []byte) ([]byte, error)) error {
	if u.InUse() {
		return ErrInUse
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	out, err := fill(u.buf[:0])
	if err != nil {
		u.buf = u.buf[:0]
		return err
	}
	u.buf = out
	return nil
}

// SetBytes replaces the frame with a copy of b.
func (u *Unit) SetBytes(b []byte) error {
	return u.Encode(func(dst []byte) ([]byte, error) {
		return append(dst, b...), nil
	})
}

// Submit hands the unit to owner. It fails if another engine already holds
// it.
func (u *Unit) Submit(owner any) bool {
	if owner == nil {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.state.CompareAndSwap(uint32(Idle), uint32(Submitted)) {
		return false
	}
	u.owner = owner
	return true
}

// MarkTransmitting records that owner's hardware started consuming the
// buffer.
func (u *Unit) MarkTransmitting(owner any) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.owner != owner {
		return false
	}
	return u.state.CompareAndSwap(uint32(Submitted), uint32(Transmitting))
}

// Release returns the buffer to the producer. Only the owner may release.
func (u *Unit) Release(owner any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.owner == nil || u.owner != owner {
		return ErrNotOwner
	}
	u.owner = nil
	u.state.Store(uint32(Idle))
	return nil
}

// PaddedTo returns the frame extended to target bytes. Units with a Pad
// function use it; others are left-padded with zeros so that the real data
// ends at the same point as longer frames. dst is reused when large enough.
func (u *Unit) PaddedTo(dst []byte, target int) []byte {
	src := u.Bytes()
	if len(src) >= target {
		return src
	}
	if cap(dst) < target {
		dst = make([]byte, target)
	}
	dst = dst[:target]
	if u.Pad != nil {
		u.Pad(dst, src)
		return dst
	}
	n := target - len(src)
	for i := 0; i < n; i++ {
		dst[i] = 0
	}
	copy(dst[n:], src)
	return dst
}
