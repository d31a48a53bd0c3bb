// Package sim is an in-memory transmit engine. It records every batch it
// is shown and can be scripted to take time or fail, which makes it the
// default output when no hardware is configured.
package sim

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/FastLED/FastLED-sub016/internal/engine"
	"github.com/FastLED/FastLED-sub016/internal/txunit"
)

// Transmission is one unit as seen by the engine.
type Transmission struct {
	Pin     int
	Chipset string
	Data    []byte
}

// Engine implements engine.Engine in memory.
type Engine struct {
	name string
	caps engine.Capabilities

	// Latency is how long a batch stays in flight. The second half of it
	// reports Draining.
	Latency time.Duration
	// Accept further restricts CanHandle when set.
	Accept func(u *txunit.Unit) bool
	// ShowTimeout bounds the wait for a previous batch inside Show.
	ShowTimeout time.Duration

	mu      sync.Mutex
	batch   engine.Batch
	fault   error
	started time.Time
	state   engine.State
	err     error
	frames  [][]Transmission
}

// New returns a ready engine.
func New(name string, caps engine.Capabilities) *Engine {
	return &Engine{name: name, caps: caps, ShowTimeout: time.Second}
}

func (e *Engine) Name() string                     { return e.name }
func (e *Engine) Capabilities() engine.Capabilities { return e.caps }

func (e *Engine) CanHandle(u *txunit.Unit) bool {
	if u == nil || !e.caps.Supports(u.Chipset.Family) {
		return false
	}
	return e.Accept == nil || e.Accept(u)
}

func (e *Engine) Enqueue(u *txunit.Unit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batch.Add(e, u)
}

func (e *Engine) Show() {
	e.mu.Lock()
	busy := e.batch.Busy()
	e.mu.Unlock()
	if busy && !engine.WaitForReady(e, e.ShowTimeout, nil) {
		log.Warn().Str("engine", e.name).Msg("previous batch still in flight, show deferred")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.batch.Pending() == 0 {
		return
	}
	units := e.batch.Take(e)
	frame := make([]Transmission, 0, len(units))
	for _, u := range units {
		frame = append(frame, Transmission{
			Pin:     u.Pin,
			Chipset: u.Chipset.Name(),
			Data:    append([]byte(nil), u.Bytes()...),
		})
	}
	e.frames = append(e.frames, frame)
	e.started = time.Now()
	e.state = engine.Busy
	e.err = nil
}

func (e *Engine) Poll() (engine.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.batch.Busy() {
		if e.state == engine.Error && e.fault != nil {
			return engine.Error, e.err
		}
		e.state, e.err = engine.Ready, nil
		return e.state, nil
	}
	if e.fault != nil {
		e.batch.Release(e)
		e.state, e.err = engine.Error, e.fault
		return e.state, e.err
	}
	elapsed := time.Since(e.started)
	switch {
	case elapsed >= e.Latency:
		e.batch.Release(e)
		e.state = engine.Ready
	case elapsed >= e.Latency/2:
		e.state = engine.Draining
	default:
		e.state = engine.Busy
	}
	return e.state, nil
}

// SetFault makes the in-flight batch fail. A nil err clears the fault so
// the next Poll recovers.
func (e *Engine) SetFault(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fault = err
}

// Frames returns every batch shown so far.
func (e *Engine) Frames() [][]Transmission {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]Transmission(nil), e.frames...)
}

// Shows counts batches started.
func (e *Engine) Shows() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

// Pending is the number of units waiting for Show.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batch.Pending()
}

// Discard hands back units queued since the last Show.
func (e *Engine) Discard() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batch.Drop(e)
}
