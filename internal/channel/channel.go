// Package channel is the per-strip façade: it owns a strip's transmission
// unit, encodes pixels into it and hands it to an engine chosen by the
// router.
package channel

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/display"

	"github.com/FastLED/FastLED-sub016/internal/encode"
	"github.com/FastLED/FastLED-sub016/internal/engine"
	"github.com/FastLED/FastLED-sub016/internal/engine/router"
	"github.com/FastLED/FastLED-sub016/internal/pixel"
	"github.com/FastLED/FastLED-sub016/internal/txunit"
)

// DefaultWait bounds how long ShowPixels waits for the previous frame to
// leave the unit.
const DefaultWait = 100 * time.Millisecond

var (
	ErrFrameDropped = errors.New("channel: previous frame still in flight, frame dropped")
	ErrNoEngine     = router.ErrNoEngine
)

// Config describes one strip.
type Config struct {
	ID      int
	Name    string
	Chipset txunit.Chipset
	Pin     int
	Order   pixel.Order
	// Affinity names the engine to use. Empty lets the router pick by
	// capability and priority every frame.
	Affinity string
	// Encoder overrides the chipset's default byte encoder.
	Encoder encode.Encoder
	// Mirror, when set, also receives every frame.
	Mirror display.Drawer
	// NumLeds sizes the buffer returned by Leds.
	NumLeds int
	// Wait bounds the in-flight wait; zero means DefaultWait.
	Wait time.Duration
}

// Channel drives one strip.
type Channel struct {
	r *router.Router

	mu     sync.Mutex
	cfg    Config
	unit   *txunit.Unit
	enc    encode.Encoder
	bound  engine.Engine
	cached engine.Engine
	leds   []pixel.RGB
	list   *DrawList
	yield  func()
}

// New validates cfg and returns a channel routed by r; a nil r uses
// router.Default.
func New(cfg Config, r *router.Router) (*Channel, error) {
	if r == nil {
		r = router.Default()
	}
	c := &Channel{r: r, yield: engine.Yield}
	if err := c.apply(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Channel) apply(cfg Config) error {
	if err := cfg.Chipset.Validate(); err != nil {
		return fmt.Errorf("channel %q: %w", cfg.Name, err)
	}
	if !cfg.Order.Valid() {
		return fmt.Errorf("channel %q: invalid color order %v", cfg.Name, cfg.Order)
	}
	enc := cfg.Encoder
	if enc == nil {
		var err error
		if enc, err = encode.For(cfg.Chipset); err != nil {
			return fmt.Errorf("channel %q: %w", cfg.Name, err)
		}
	}
	if cfg.Wait <= 0 {
		cfg.Wait = DefaultWait
	}
	if c.unit == nil || c.unit.Pin != cfg.Pin || c.unit.Chipset != cfg.Chipset {
		c.forgetLocked()
		c.unit = txunit.New(cfg.Pin, cfg.Chipset)
		c.unit.Pad = encode.PadFor(cfg.Chipset)
	}
	if len(c.leds) != cfg.NumLeds {
		leds := make([]pixel.RGB, cfg.NumLeds)
		copy(leds, c.leds)
		c.leds = leds
	}
	c.cfg = cfg
	c.enc = enc
	c.cached = nil
	return nil
}

// ApplyConfig replaces the channel's configuration. A frame still in
// flight is waited for; the unit is replaced when the pin or chipset
// changes.
func (c *Channel) ApplyConfig(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unit.InUse() && !c.waitLocked() {
		return ErrFrameDropped
	}
	return c.apply(cfg)
}

func (c *Channel) ID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.ID
}

func (c *Channel) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Name
}

func (c *Channel) String() string {
	return fmt.Sprintf("channel %d %q", c.ID(), c.Name())
}

// Unit returns the channel's transmission unit.
func (c *Channel) Unit() *txunit.Unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unit
}

// Engine returns the engine that received the last frame, or nil.
func (c *Channel) Engine() engine.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound
}

// Leds returns the channel's pixel buffer, sent by Show.
func (c *Channel) Leds() []pixel.RGB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leds
}

// Show sends the Leds buffer.
func (c *Channel) Show() error {
	return c.ShowPixels(c.Leds())
}

// waitLocked waits for the bound engine to finish with the unit.
func (c *Channel) waitLocked() bool {
	if c.bound == nil {
		return false
	}
	if !engine.WaitForReady(c.bound, c.cfg.Wait, c.yield) {
		return false
	}
	return !c.unit.InUse()
}

func (c *Channel) resolveLocked() (engine.Engine, error) {
	if c.cfg.Affinity == "" {
		return c.r.SelectEngineForChannel(c.unit, "")
	}
	if c.cached != nil && c.r.Registered(c.cached) {
		return c.cached, nil
	}
	e, err := c.r.SelectEngineForChannel(c.unit, c.cfg.Affinity)
	if err != nil {
		c.cached = nil
		return nil, err
	}
	c.cached = e
	return e, nil
}

// ShowPixels encodes px and enqueues the frame on the channel's engine. The
// frame is dropped when the previous one is still in flight after a
// bounded wait, or when no engine can carry it.
func (c *Channel) ShowPixels(px []pixel.RGB) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unit.InUse() && !c.waitLocked() {
		log.Warn().Str("channel", c.cfg.Name).Str("unit", c.unit.String()).Msg("frame dropped")
		return ErrFrameDropped
	}

	e, err := c.resolveLocked()
	if err != nil {
		log.Warn().Err(err).Str("channel", c.cfg.Name).Str("affinity", c.cfg.Affinity).Msg("no engine for channel")
		return fmt.Errorf("channel %q: %w", c.cfg.Name, err)
	}

	order := c.cfg.Order
	if err := c.unit.Encode(func(dst []byte) ([]byte, error) {
		return c.enc.Encode(dst, px, order)
	}); err != nil {
		return fmt.Errorf("channel %q: %w", c.cfg.Name, err)
	}
	if c.bound != nil && c.bound != e {
		c.forgetLocked()
	}
	e.Enqueue(c.unit)
	c.bound = e

	if m := c.cfg.Mirror; m != nil {
		if err := m.Draw(m.Bounds(), pixel.Image(px), image.Point{}); err != nil {
			log.Debug().Err(err).Str("channel", c.cfg.Name).Msg("mirror draw failed")
		}
	}
	return nil
}

// forgetLocked tells the bound engine the unit is gone, so per-unit state
// such as a bus slot is freed. The unit must be idle.
func (c *Channel) forgetLocked() {
	if c.bound == nil || c.unit == nil {
		return
	}
	if f, ok := c.bound.(engine.Forgetter); ok {
		if err := f.Forget(c.unit); err != nil {
			log.Warn().Err(err).Str("channel", c.cfg.Name).Str("engine", c.bound.Name()).Msg("engine kept unit state")
		}
	}
	c.bound = nil
}

// Close detaches the channel from its draw list and releases what its
// engine keeps for the unit, after waiting for a frame still in flight.
func (c *Channel) Close() error {
	c.RemoveFromDrawList()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unit.InUse() && !c.waitLocked() {
		return fmt.Errorf("channel %q: close: %w", c.cfg.Name, ErrFrameDropped)
	}
	c.forgetLocked()
	c.cached = nil
	return nil
}

// RemoveFromDrawList detaches the channel from the draw list it was added
// to. It is a no-op for a detached channel.
func (c *Channel) RemoveFromDrawList() {
	c.mu.Lock()
	l := c.list
	c.list = nil
	c.mu.Unlock()
	if l != nil {
		l.remove(c)
	}
}
