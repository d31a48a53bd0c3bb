// Package bitbang drives clocked LED strips by toggling two GPIO pins in
// software. It is the fallback when no SPI controller is free.
package bitbang

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"github.com/FastLED/FastLED-sub016/internal/engine"
	"github.com/FastLED/FastLED-sub016/internal/txunit"
)

// Engine implements engine.Engine on a clock and a data pin.
type Engine struct {
	name string
	clk  gpio.PinOut
	data gpio.PinOut

	// HalfPeriod is held after every clock edge. Zero runs as fast as the
	// pins allow.
	HalfPeriod  time.Duration
	ShowTimeout time.Duration

	mu    sync.Mutex
	batch engine.Batch
	job   engine.Job
	bufs  [][]byte
}

// New returns an engine on the given pins. Both are driven low.
func New(name string, clk, data gpio.PinOut) (*Engine, error) {
	if err := clk.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("bitbang %s: clock %s: %w", name, clk, err)
	}
	if err := data.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("bitbang %s: data %s: %w", name, data, err)
	}
	return &Engine{name: name, clk: clk, data: data, ShowTimeout: time.Second}, nil
}

// Open looks the pins up in periph's registry.
func Open(name, clkPin, dataPin string) (*Engine, error) {
	clk := gpioreg.ByName(clkPin)
	if clk == nil {
		return nil, fmt.Errorf("bitbang %s: no pin %q", name, clkPin)
	}
	data := gpioreg.ByName(dataPin)
	if data == nil {
		return nil, fmt.Errorf("bitbang %s: no pin %q", name, dataPin)
	}
	return New(name, clk, data)
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{Clocked: true}
}

// CanHandle accepts clocked units wired to this engine's pins.
func (e *Engine) CanHandle(u *txunit.Unit) bool {
	if u == nil || u.Chipset.Family != txunit.Clocked {
		return false
	}
	return u.Pin == e.data.Number() && u.Chipset.Clock.ClockPin == e.clk.Number()
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
	for len(e.bufs) < len(units) {
		e.bufs = append(e.bufs, nil)
	}
	bufs := e.bufs[:len(units)]
	for i, u := range units {
		bufs[i] = append(bufs[i][:0], u.Bytes()...)
	}
	e.job.Start(len(bufs), func(i int) error { return e.shift(bufs[i]) })
}

// shift clocks buf out MSB first; data is sampled on the rising edge.
func (e *Engine) shift(buf []byte) error {
	for _, v := range buf {
		for b := 7; b >= 0; b-- {
			if err := e.data.Out(gpio.Level(v>>uint(b)&1 == 1)); err != nil {
				return err
			}
			if err := e.clk.Out(gpio.High); err != nil {
				return err
			}
			e.hold()
			if err := e.clk.Out(gpio.Low); err != nil {
				return err
			}
			e.hold()
		}
	}
	return nil
}

func (e *Engine) hold() {
	if e.HalfPeriod > 0 {
		time.Sleep(e.HalfPeriod)
	}
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

func (e *Engine) Poll() (engine.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.job.Status()
	if (st == engine.Ready || st == engine.Error) && e.batch.Busy() {
		e.batch.Release(e)
	}
	if err != nil {
		err = fmt.Errorf("bitbang %s: %w", e.name, err)
	}
	return st, err
}
