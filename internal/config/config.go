// Package config is the YAML description of a rig: the platform, the
// engines to register and the strips to drive.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/FastLED/FastLED-sub016/internal/channel"
	"github.com/FastLED/FastLED-sub016/internal/encode"
	"github.com/FastLED/FastLED-sub016/internal/pixel"
	"github.com/FastLED/FastLED-sub016/internal/txunit"
)

// Engine kinds.
const (
	Sim       = "sim"
	SPIDev    = "spidev"
	UART      = "uart"
	BitBang   = "bitbang"
	MultiLane = "multilane"
)

var ErrInvalid = errors.New("config: invalid")

type Engine struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"` // sim | spidev | uart | bitbang | multilane
	Priority int    `yaml:"priority"`
	Disabled bool   `yaml:"disabled,omitempty"`

	// sim
	Caps      []string `yaml:"caps,omitempty"` // pulse, clocked
	LatencyMs int      `yaml:"latency_ms,omitempty"`

	// spidev: periph port name ("" picks the first); uart: serial device
	Port    string `yaml:"port,omitempty"`
	Mode    string `yaml:"mode,omitempty"` // spidev: pulse | clocked
	SpeedHz int64  `yaml:"speed_hz,omitempty"`
	Baud    int    `yaml:"baud,omitempty"`
	Pins    []int  `yaml:"pins,omitempty"`

	// bitbang: periph pin names
	ClockPin string `yaml:"clock_pin,omitempty"`
	DataPin  string `yaml:"data_pin,omitempty"`

	// multilane: pulse-coded strips are carried on this clock line
	PulseClock *int `yaml:"pulse_clock,omitempty"`
}

type Channel struct {
	ID       int    `yaml:"id"`
	Name     string `yaml:"name"`
	Chipset  string `yaml:"chipset"` // ws2812, sk6812, apa102, ws2801, ...
	Pin      int    `yaml:"pin"`
	ClockPin int    `yaml:"clock_pin,omitempty"`
	SpeedHz  int64  `yaml:"speed_hz,omitempty"`
	Order    string `yaml:"order,omitempty"`
	Affinity string `yaml:"affinity,omitempty"`
	Leds     int    `yaml:"leds"`
	RGBW     bool   `yaml:"rgbw,omitempty"`
}

type Monitor struct {
	Addr string `yaml:"addr"` // empty disables the HTTP server
}

type Config struct {
	// Platform is "host" for periph hardware or a simulated chip profile
	// (esp32, esp32s3, rp2040, sim, ...).
	Platform  string    `yaml:"platform"`
	FPS       int       `yaml:"fps"`
	Exclusive string    `yaml:"exclusive,omitempty"`
	Pattern   string    `yaml:"pattern,omitempty"`
	LogLevel  string    `yaml:"log_level,omitempty"`
	Engines   []Engine  `yaml:"engines"`
	Channels  []Channel `yaml:"channels"`
	Monitor   Monitor   `yaml:"monitor"`
}

// Default is a simulated rig with one engine per family and a single
// WS2812 strip.
func Default() *Config {
	return &Config{
		Platform: "sim",
		FPS:      30,
		Pattern:  "rainbow",
		LogLevel: "info",
		Engines: []Engine{
			{Name: "RMT", Kind: Sim, Priority: 10, Caps: []string{"pulse"}},
			{Name: "SPI", Kind: MultiLane, Priority: 50},
		},
		Channels: []Channel{
			{ID: 0, Name: "strip0", Chipset: "ws2812", Pin: 2, Order: "GRB", Leds: 60},
		},
	}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := &Config{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if c.FPS == 0 {
		c.FPS = 30
	}
	if c.Platform == "" {
		c.Platform = "sim"
	}
	return c, nil
}

func Save(path string, c *Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks names, kinds and chipsets. It does not touch hardware.
func (c *Config) Validate() error {
	if c.FPS < 0 {
		return invalid("fps %d", c.FPS)
	}
	names := map[string]bool{}
	for i, e := range c.Engines {
		if e.Name == "" {
			return invalid("engine %d: empty name", i)
		}
		if names[e.Name] {
			return invalid("engine %q: duplicate name", e.Name)
		}
		names[e.Name] = true
		switch e.Kind {
		case Sim:
			for _, cp := range e.Caps {
				if cp != "pulse" && cp != "clocked" {
					return invalid("engine %q: unknown capability %q", e.Name, cp)
				}
			}
		case SPIDev:
			if e.Mode != "" && e.Mode != "pulse" && e.Mode != "clocked" {
				return invalid("engine %q: unknown mode %q", e.Name, e.Mode)
			}
		case UART, MultiLane:
		case BitBang:
			if e.ClockPin == "" || e.DataPin == "" {
				return invalid("engine %q: bitbang needs clock_pin and data_pin", e.Name)
			}
		default:
			return invalid("engine %q: unknown kind %q", e.Name, e.Kind)
		}
	}
	if c.Exclusive != "" && !names[c.Exclusive] {
		return invalid("exclusive engine %q not configured", c.Exclusive)
	}
	ids := map[int]bool{}
	for _, ch := range c.Channels {
		if ids[ch.ID] {
			return invalid("channel %d: duplicate id", ch.ID)
		}
		ids[ch.ID] = true
		if ch.Affinity != "" && !names[ch.Affinity] {
			return invalid("channel %q: affinity %q not configured", ch.Name, ch.Affinity)
		}
		if ch.Leds < 0 {
			return invalid("channel %q: leds %d", ch.Name, ch.Leds)
		}
		if _, err := ch.Config(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return nil
}

// ResolveChipset resolves the chipset name. Pulse-coded names come from
// txunit.LookupTiming; anything else is a clocked protocol on ClockPin.
func (ch Channel) ResolveChipset() (txunit.Chipset, error) {
	name := strings.ToLower(ch.Chipset)
	if t, ok := txunit.LookupTiming(name); ok {
		return txunit.PulseChipset(t), nil
	}
	switch p := txunit.Protocol(name); p {
	case txunit.APA102, txunit.SK9822, txunit.WS2801, txunit.LPD8806:
		speed := physic.Frequency(ch.SpeedHz) * physic.Hertz
		if speed <= 0 {
			speed = 4 * physic.MegaHertz
		}
		return txunit.ClockedChipset(p, ch.ClockPin, speed), nil
	}
	return txunit.Chipset{}, fmt.Errorf("channel %q: unknown chipset %q", ch.Name, ch.Chipset)
}

// Config converts the entry into a channel configuration.
func (ch Channel) Config() (channel.Config, error) {
	cs, err := ch.ResolveChipset()
	if err != nil {
		return channel.Config{}, err
	}
	var order pixel.Order
	if ch.Order != "" {
		if order, err = pixel.ParseOrder(ch.Order); err != nil {
			return channel.Config{}, fmt.Errorf("channel %q: %w", ch.Name, err)
		}
	}
	cfg := channel.Config{
		ID:       ch.ID,
		Name:     ch.Name,
		Chipset:  cs,
		Pin:      ch.Pin,
		Order:    order,
		Affinity: ch.Affinity,
		NumLeds:  ch.Leds,
	}
	if ch.RGBW {
		if cs.Family != txunit.PulseCoded {
			return channel.Config{}, fmt.Errorf("channel %q: rgbw needs a pulse-coded chipset", ch.Name)
		}
		cfg.Encoder = encode.Clockless{RGBW: true}
	}
	return cfg, nil
}
