// Package multilane sends units through the shared SPI bus arbiter, so
// strips that share a clock pin are merged into one parallel transfer.
//
// A unit becomes a device on its clock pin's bus the first time it is
// enqueued. The bus is promoted on the first Show; strips added after
// that are disabled by the arbiter until the bus is released.
package multilane

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/physic"

	"github.com/FastLED/FastLED-sub016/internal/encode"
	"github.com/FastLED/FastLED-sub016/internal/engine"
	"github.com/FastLED/FastLED-sub016/internal/spibus"
	"github.com/FastLED/FastLED-sub016/internal/txunit"
)

// PulseOpts lets the engine carry pulse-coded strips as waveforms on a
// dedicated clock line.
type PulseOpts struct {
	ClockPin int
	Speed    physic.Frequency
}

// Opts configures an Engine.
type Opts struct {
	// Pulse enables pulse-coded units. Nil restricts the engine to clocked
	// chipsets.
	Pulse *PulseOpts
	// Timeout bounds each bus finalization.
	Timeout time.Duration
}

type device struct {
	h      spibus.Handle
	clock  int
	warned bool
}

type send struct {
	h    spibus.Handle
	data []byte
}

// Engine implements engine.Engine on a spibus.Manager.
type Engine struct {
	name string
	mgr  *spibus.Manager
	opts Opts

	ShowTimeout time.Duration

	mu      sync.Mutex
	batch   engine.Batch
	job     engine.Job
	devices map[*txunit.Unit]device
	waves   map[txunit.Timing]*encode.Waveform
	buses   [][]send
	scratch [][]byte
}

// New returns an engine on mgr; a nil mgr uses spibus.Default.
func New(name string, mgr *spibus.Manager, o Opts) *Engine {
	if mgr == nil {
		mgr = spibus.Default()
	}
	if o.Timeout <= 0 {
		o.Timeout = spibus.DefaultTimeout
	}
	if o.Pulse != nil && o.Pulse.Speed <= 0 {
		o.Pulse.Speed = 2400 * physic.KiloHertz
	}
	return &Engine{
		name:        name,
		mgr:         mgr,
		opts:        o,
		ShowTimeout: time.Second,
		devices:     map[*txunit.Unit]device{},
		waves:       map[txunit.Timing]*encode.Waveform{},
	}
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{PulseCoded: e.opts.Pulse != nil, Clocked: true}
}

func (e *Engine) CanHandle(u *txunit.Unit) bool {
	if u == nil {
		return false
	}
	switch u.Chipset.Family {
	case txunit.Clocked:
		_, err := encode.For(u.Chipset)
		return err == nil
	case txunit.PulseCoded:
		if e.opts.Pulse == nil {
			return false
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		_, err := e.waveLocked(u.Chipset.Timing)
		return err == nil
	}
	return false
}

func (e *Engine) waveLocked(t txunit.Timing) (*encode.Waveform, error) {
	if w, ok := e.waves[t]; ok {
		return w, nil
	}
	w, err := encode.NewWaveform(t, e.opts.Pulse.Speed)
	if err != nil {
		return nil, err
	}
	e.waves[t] = w
	return w, nil
}

func (e *Engine) clockOf(u *txunit.Unit) (int, physic.Frequency) {
	if u.Chipset.Family == txunit.PulseCoded {
		return e.opts.Pulse.ClockPin, e.opts.Pulse.Speed
	}
	return u.Chipset.Clock.ClockPin, u.Chipset.Clock.Speed
}

func (e *Engine) Enqueue(u *txunit.Unit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u == nil {
		return
	}
	if _, ok := e.devices[u]; !ok {
		clock, speed := e.clockOf(u)
		h, err := e.mgr.RegisterDevice(clock, u.Pin, speed, u)
		if err != nil {
			log.Warn().Err(err).Str("engine", e.name).Str("unit", u.String()).Msg("bus registration failed, unit dropped")
			return
		}
		e.devices[u] = device{h: h, clock: clock}
	}
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
	e.mgr.Initialize()
	e.warnDisabledLocked(units)

	// Group by clock pin, keeping enqueue order within a bus.
	byClock := map[int][]*txunit.Unit{}
	var clocks []int
	for _, u := range units {
		c := e.devices[u].clock
		if _, ok := byClock[c]; !ok {
			clocks = append(clocks, c)
		}
		byClock[c] = append(byClock[c], u)
	}
	sort.Ints(clocks)

	e.buses = e.buses[:0]
	k := 0
	for _, c := range clocks {
		group := byClock[c]
		max := 0
		for _, u := range group {
			if n := e.payloadLen(u); n > max {
				max = n
			}
		}
		var sends []send
		for _, u := range group {
			for len(e.scratch) <= k {
				e.scratch = append(e.scratch, nil)
			}
			e.scratch[k] = e.payload(e.scratch[k][:0], u, max)
			sends = append(sends, send{h: e.devices[u].h, data: e.scratch[k]})
			k++
		}
		e.buses = append(e.buses, sends)
	}

	buses, mgr, timeout, name := e.buses, e.mgr, e.opts.Timeout, e.name
	e.job.Start(len(buses), func(i int) error {
		return transmitBus(mgr, buses[i], timeout, name)
	})
}

// warnDisabledLocked reports, once per device, units the arbiter keeps off
// the wire.
func (e *Engine) warnDisabledLocked(units []*txunit.Unit) {
	for _, u := range units {
		d := e.devices[u]
		info, ok := e.mgr.Device(d.h)
		if !ok || info.Enabled {
			if d.warned {
				d.warned = false
				e.devices[u] = d
			}
			continue
		}
		if d.warned {
			continue
		}
		d.warned = true
		e.devices[u] = d
		b, _ := e.mgr.Bus(d.clock)
		log.Warn().Str("engine", e.name).Str("unit", u.String()).Int("clock_pin", d.clock).
			Str("bus", b.Type.String()).Str("reason", b.Err).Msg("device disabled on its bus, strip will stay dark")
	}
}

func (e *Engine) payloadLen(u *txunit.Unit) int {
	if u.Chipset.Family == txunit.PulseCoded {
		w, err := e.waveLocked(u.Chipset.Timing)
		if err != nil {
			return 0
		}
		return w.Len(u.Len())
	}
	return u.Len()
}

// payload renders u's bytes for the wire. Clocked frames are stretched to
// n bytes with the unit's padding so every lane latches together; pulse
// waveforms are left to the transposer, whose leading zeros only lengthen
// the idle-low time.
func (e *Engine) payload(dst []byte, u *txunit.Unit, n int) []byte {
	if u.Chipset.Family == txunit.PulseCoded {
		w, err := e.waveLocked(u.Chipset.Timing)
		if err != nil {
			return dst
		}
		return w.Expand(dst, u.Bytes())
	}
	if u.Len() >= n {
		return append(dst, u.Bytes()...)
	}
	return u.PaddedTo(dst, n)
}

func transmitBus(mgr *spibus.Manager, sends []send, timeout time.Duration, name string) error {
	var last spibus.Handle
	for _, s := range sends {
		err := mgr.Transmit(s.h, s.data)
		switch {
		case err == nil:
			last = s.h
		case errors.Is(err, spibus.ErrDeviceDisabled):
			log.Debug().Str("engine", name).Str("device", s.h.String()).Msg("device disabled on its bus, skipped")
		default:
			return fmt.Errorf("bus %d: %w", s.h.ClockPin(), err)
		}
	}
	if !last.Valid() {
		return nil
	}
	if err := mgr.FinalizeTransmission(last, timeout); err != nil {
		return fmt.Errorf("bus %d: %w", last.ClockPin(), err)
	}
	return nil
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
		err = fmt.Errorf("multilane %s: %w", e.name, err)
	}
	return st, err
}

// Forget unregisters u's device, releasing the bus hardware when it was
// the last device. A unit still queued or in flight cannot be forgotten.
func (e *Engine) Forget(u *txunit.Unit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[u]
	if !ok {
		return nil
	}
	if u.InUse() {
		return fmt.Errorf("multilane %s: forget %s: %w", e.name, u, txunit.ErrInUse)
	}
	delete(e.devices, u)
	return e.mgr.UnregisterDevice(d.h)
}

// Close waits for the current batch and unregisters every device.
func (e *Engine) Close() error {
	engine.WaitForReady(e, e.ShowTimeout, nil)
	e.mu.Lock()
	defer e.mu.Unlock()
	var first error
	for u, d := range e.devices {
		if err := e.mgr.UnregisterDevice(d.h); err != nil && first == nil {
			first = err
		}
		delete(e.devices, u)
	}
	return first
}
