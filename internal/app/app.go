// Package app assembles a running rig from its configuration: platform
// table, bus arbiter, engines, channels and the frame driver.
package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"

	"github.com/FastLED/FastLED-sub016/internal/backend/bitbang"
	"github.com/FastLED/FastLED-sub016/internal/backend/multilane"
	"github.com/FastLED/FastLED-sub016/internal/backend/sim"
	"github.com/FastLED/FastLED-sub016/internal/backend/spidev"
	"github.com/FastLED/FastLED-sub016/internal/backend/uart"
	"github.com/FastLED/FastLED-sub016/internal/channel"
	"github.com/FastLED/FastLED-sub016/internal/config"
	"github.com/FastLED/FastLED-sub016/internal/engine"
	"github.com/FastLED/FastLED-sub016/internal/engine/router"
	"github.com/FastLED/FastLED-sub016/internal/frame"
	"github.com/FastLED/FastLED-sub016/internal/pattern"
	"github.com/FastLED/FastLED-sub016/internal/platform"
	"github.com/FastLED/FastLED-sub016/internal/spibus"
)

// Options are the parts of a rig that do not come from the file.
type Options struct {
	// Mirror returns an extra sink for a channel's pixels, or nil.
	Mirror func(ch config.Channel) display.Drawer
}

type System struct {
	Config *config.Config
	Table  platform.Table
	Buses  *spibus.Manager
	Router *router.Router
	List   *channel.DrawList
	Driver *frame.Driver

	closers []func() error
}

// Build validates cfg and wires the rig. Engines whose hardware cannot be
// opened are logged and left out, so their channels fall back to whatever
// else can carry them.
func Build(cfg *config.Config, o Options) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var table platform.Table
	var err error
	if cfg.Platform == "host" {
		table, err = platform.Host()
	} else {
		table, err = platform.FromProfile(cfg.Platform)
	}
	if err != nil {
		return nil, err
	}

	s := &System{
		Config: cfg,
		Table:  table,
		Buses:  spibus.NewManager(table),
		Router: router.New(),
		List:   &channel.DrawList{},
	}

	for _, ec := range cfg.Engines {
		e, closer, err := s.open(ec)
		if err != nil {
			log.Warn().Err(err).Str("engine", ec.Name).Str("kind", ec.Kind).Msg("engine unavailable, skipped")
			continue
		}
		if closer != nil {
			s.closers = append(s.closers, closer)
		}
		if err := s.Router.AddEngine(ec.Priority, e); err != nil {
			_ = s.Close()
			return nil, err
		}
		if ec.Disabled {
			s.Router.SetDriverEnabled(ec.Name, false)
		}
		log.Info().Str("engine", ec.Name).Str("kind", ec.Kind).Int("priority", ec.Priority).
			Str("caps", e.Capabilities().String()).Msg("engine registered")
	}
	if cfg.Exclusive != "" && !s.Router.SetExclusiveDriver(cfg.Exclusive) {
		log.Warn().Str("engine", cfg.Exclusive).Msg("exclusive engine not registered")
	}

	for _, ch := range cfg.Channels {
		cc, err := ch.Config()
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		if o.Mirror != nil {
			cc.Mirror = o.Mirror(ch)
		}
		c, err := channel.New(cc, s.Router)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.List.Add(c)
	}

	s.Driver = frame.New(s.Router, s.List)
	s.Driver.FPS = cfg.FPS
	if cfg.Pattern != "" {
		if err := s.Play(cfg.Pattern); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Play starts a test pattern on every channel.
func (s *System) Play(name string) error {
	k, err := pattern.Parse(name)
	if err != nil {
		return err
	}
	s.Driver.SetSource(pattern.NewRunner(pattern.Plan{Kind: k, Hold: max(1, s.Config.FPS/4)}))
	return nil
}

func (s *System) open(ec config.Engine) (engine.Engine, func() error, error) {
	speed := physic.Frequency(ec.SpeedHz) * physic.Hertz
	switch ec.Kind {
	case config.Sim:
		var caps engine.Capabilities
		for _, c := range ec.Caps {
			switch c {
			case "pulse":
				caps.PulseCoded = true
			case "clocked":
				caps.Clocked = true
			}
		}
		if len(ec.Caps) == 0 {
			caps = engine.Capabilities{PulseCoded: true, Clocked: true}
		}
		e := sim.New(ec.Name, caps)
		e.Latency = time.Duration(ec.LatencyMs) * time.Millisecond
		return e, nil, nil

	case config.SPIDev:
		p, err := spireg.Open(ec.Port)
		if err != nil {
			return nil, nil, fmt.Errorf("open spi port %q: %w", ec.Port, err)
		}
		mode := spidev.Pulse
		if ec.Mode == "clocked" {
			mode = spidev.Clocked
		}
		e, err := spidev.New(ec.Name, p, spidev.Opts{Mode: mode, Speed: speed, DataPins: ec.Pins})
		if err != nil {
			_ = p.Close()
			return nil, nil, err
		}
		return e, e.Close, nil

	case config.UART:
		e, err := uart.Open(ec.Name, ec.Port, ec.Baud)
		if err != nil {
			return nil, nil, err
		}
		return e, e.Close, nil

	case config.BitBang:
		e, err := bitbang.Open(ec.Name, ec.ClockPin, ec.DataPin)
		if err != nil {
			return nil, nil, err
		}
		return e, nil, nil

	case config.MultiLane:
		var o multilane.Opts
		if ec.PulseClock != nil {
			o.Pulse = &multilane.PulseOpts{ClockPin: *ec.PulseClock, Speed: speed}
		}
		e := multilane.New(ec.Name, s.Buses, o)
		return e, e.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown engine kind %q", ec.Kind)
}

// Close detaches every channel, retires every engine and releases the
// hardware.
func (s *System) Close() error {
	var errs []error
	for _, ch := range s.List.Channels() {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.Router.ClearAllEngines()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
