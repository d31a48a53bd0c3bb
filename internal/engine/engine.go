package engine

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/FastLED/FastLED-sub016/internal/txunit"
)

// State is an engine's transmit state.
type State uint8

const (
	Ready State = iota
	Busy
	Draining
	Error
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Draining:
		return "draining"
	case Error:
		return "error"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Severity orders states for aggregation: Error > Busy/Draining > Ready.
func (s State) Severity() int {
	switch s {
	case Error:
		return 2
	case Busy, Draining:
		return 1
	}
	return 0
}

// Worse returns whichever of a and b ranks higher.
func Worse(a, b State) State {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// Capabilities lists the chipset families an engine can drive.
type Capabilities struct {
	PulseCoded bool
	Clocked    bool
}

// Supports reports whether f is one of the families.
func (c Capabilities) Supports(f txunit.Family) bool {
	switch f {
	case txunit.PulseCoded:
		return c.PulseCoded
	case txunit.Clocked:
		return c.Clocked
	}
	return false
}

func (c Capabilities) String() string {
	var parts []string
	if c.PulseCoded {
		parts = append(parts, "pulse-coded")
	}
	if c.Clocked {
		parts = append(parts, "clocked")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// Engine is a transmit backend.
type Engine interface {
	// Name is stable and unique within a router.
	Name() string
	Capabilities() Capabilities
	// CanHandle reports whether the engine can drive u's chipset.
	// Overlapping capability flags are not enough: a pulse-over-SPI
	// engine still rejects clocked SPI units.
	CanHandle(u *txunit.Unit) bool
	// Enqueue queues u for the next Show. It never blocks.
	Enqueue(u *txunit.Unit)
	// Show starts transmitting everything enqueued since the last Show.
	Show()
	// Poll advances the state machine without blocking. The error is
	// non-nil only in Error.
	Poll() (State, error)
}

// Queuer is implemented by engines that can report units still waiting
// for Show.
type Queuer interface {
	Pending() int
}

// Discarder is implemented by engines that can hand queued units back
// without sending them. Discard returns how many were dropped.
type Discarder interface {
	Discard() int
}

// Forgetter is implemented by engines that keep per-unit state beyond one
// frame, such as a bus slot. Forget drops that state; u must be idle.
type Forgetter interface {
	Forget(u *txunit.Unit) error
}

// Yield is the default cooperative yield hook.
func Yield() { runtime.Gosched() }

// WaitForReady polls e until it has no batch in flight, calling yield
// between polls. Error counts as finished since it also releases units.
// It returns false on timeout.
func WaitForReady(e Engine, timeout time.Duration, yield func()) bool {
	if yield == nil {
		yield = Yield
	}
	deadline := time.Now().Add(timeout)
	for {
		st, _ := e.Poll()
		if st == Ready || st == Error {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		yield()
	}
}
