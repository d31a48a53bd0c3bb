// Package spidev drives LED strips from a periph SPI port.
//
// In Clocked mode the port's clock and MOSI lines drive an APA102-style
// strip and unit bytes go out unchanged. In Pulse mode only MOSI is used
// and every color bit is stretched into a short SPI bit pattern that
// reproduces the chipset's pulse timing.
package spidev

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/FastLED/FastLED-sub016/internal/encode"
	"github.com/FastLED/FastLED-sub016/internal/engine"
	"github.com/FastLED/FastLED-sub016/internal/txunit"
)

// Mode selects which chipset family the port drives.
type Mode uint8

const (
	Pulse Mode = iota
	Clocked
)

func (m Mode) String() string {
	if m == Clocked {
		return "clocked"
	}
	return "pulse"
}

// Opts configures an Engine.
type Opts struct {
	Mode Mode
	// Speed is the SPI clock. Pulse mode defaults to 2.4MHz, clocked mode
	// to 4MHz.
	Speed physic.Frequency
	// DataPins restricts the units accepted to these pins. Empty accepts
	// any pin.
	DataPins []int
	// Protocols restricts clocked mode to these protocols. Empty accepts
	// every protocol with a frame encoder.
	Protocols []txunit.Protocol
}

// Engine implements engine.Engine on one spi.Port.
type Engine struct {
	name string
	opts Opts
	conn spi.Conn
	port spi.Port

	ShowTimeout time.Duration

	mu    sync.Mutex
	batch engine.Batch
	job   engine.Job
	waves map[txunit.Timing]*encode.Waveform
	bufs  [][]byte
}

// New connects to p and returns a ready engine.
func New(name string, p spi.Port, o Opts) (*Engine, error) {
	mode := spi.Mode0
	if o.Speed == 0 {
		o.Speed = 2400 * physic.KiloHertz
		if o.Mode == Clocked {
			o.Speed = 4 * physic.MegaHertz
		}
	}
	if o.Mode == Clocked {
		mode = spi.Mode3
	}
	c, err := p.Connect(o.Speed, mode, 8)
	if err != nil {
		return nil, fmt.Errorf("spidev %s: connect: %w", name, err)
	}
	log.Debug().Str("engine", name).Str("port", fmt.Sprint(p)).Str("mode", o.Mode.String()).
		Str("speed", o.Speed.String()).Msg("spi engine connected")
	return &Engine{
		name:        name,
		opts:        o,
		conn:        c,
		port:        p,
		ShowTimeout: time.Second,
		waves:       map[txunit.Timing]*encode.Waveform{},
	}, nil
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{PulseCoded: e.opts.Mode == Pulse, Clocked: e.opts.Mode == Clocked}
}

func (e *Engine) CanHandle(u *txunit.Unit) bool {
	if u == nil || !e.pinOK(u.Pin) {
		return false
	}
	switch e.opts.Mode {
	case Pulse:
		if u.Chipset.Family != txunit.PulseCoded {
			return false
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		_, err := e.waveLocked(u.Chipset.Timing)
		return err == nil
	case Clocked:
		if u.Chipset.Family != txunit.Clocked {
			return false
		}
		if len(e.opts.Protocols) == 0 {
			_, err := encode.For(u.Chipset)
			return err == nil
		}
		for _, p := range e.opts.Protocols {
			if p == u.Chipset.Clock.Protocol {
				return true
			}
		}
	}
	return false
}

func (e *Engine) pinOK(pin int) bool {
	if len(e.opts.DataPins) == 0 {
		return true
	}
	for _, p := range e.opts.DataPins {
		if p == pin {
			return true
		}
	}
	return false
}

func (e *Engine) waveLocked(t txunit.Timing) (*encode.Waveform, error) {
	if w, ok := e.waves[t]; ok {
		return w, nil
	}
	w, err := encode.NewWaveform(t, e.opts.Speed)
	if err != nil {
		return nil, err
	}
	e.waves[t] = w
	return w, nil
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
		bufs[i] = bufs[i][:0]
		if e.opts.Mode == Clocked {
			bufs[i] = append(bufs[i], u.Bytes()...)
			continue
		}
		w, err := e.waveLocked(u.Chipset.Timing)
		if err != nil {
			log.Warn().Err(err).Str("engine", e.name).Str("unit", u.String()).Msg("unit skipped")
			continue
		}
		bufs[i] = w.Expand(bufs[i], u.Bytes())
	}
	c := e.conn
	e.job.Start(len(bufs), func(i int) error {
		if len(bufs[i]) == 0 {
			return nil
		}
		return c.Tx(bufs[i], nil)
	})
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
		err = fmt.Errorf("spidev %s: %w", e.name, err)
	}
	return st, err
}

// Close waits for the current batch and closes the port when it is a
// spi.PortCloser.
func (e *Engine) Close() error {
	engine.WaitForReady(e, e.ShowTimeout, nil)
	if pc, ok := e.port.(spi.PortCloser); ok {
		return pc.Close()
	}
	return nil
}
