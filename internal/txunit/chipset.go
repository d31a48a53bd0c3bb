package txunit

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"
)

// Family is the protocol family of a chipset. Engines declare which
// families they can drive.
type Family uint8

const (
	// PulseCoded chipsets (WS2812, SK6812, ...) use a single data wire and
	// encode each bit as a high pulse of one of two widths.
	PulseCoded Family = iota + 1
	// Clocked chipsets (APA102, WS2801, ...) use a data and a clock wire.
	Clocked
)

func (f Family) String() string {
	switch f {
	case PulseCoded:
		return "pulse-coded"
	case Clocked:
		return "clocked"
	default:
		return fmt.Sprintf("Family(%d)", uint8(f))
	}
}

// Timing is the three-phase timing of a pulse-coded chipset. A zero bit is
// high for T1 then low for T2+T3; a one bit is high for T1+T2 then low for
// T3.
type Timing struct {
	Name  string
	T1    time.Duration
	T2    time.Duration
	T3    time.Duration
	Reset time.Duration // latch low time after a frame
}

// Period is the duration of one encoded bit.
func (t Timing) Period() time.Duration { return t.T1 + t.T2 + t.T3 }

// Protocol tags a clocked chipset's frame format.
type Protocol string

const (
	APA102 Protocol = "apa102"
	SK9822 Protocol = "sk9822"
	WS2801 Protocol = "ws2801"
	LPD8806 Protocol = "lpd8806"
)

// Clock describes a clocked chipset's wiring and rate.
type Clock struct {
	Protocol Protocol
	ClockPin int
	Speed    physic.Frequency
}

// Chipset is a tagged union: Timing is meaningful for PulseCoded, Clock for
// Clocked.
type Chipset struct {
	Family Family
	Timing Timing
	Clock  Clock
}

// Name returns the timing name or clocked protocol tag.
func (c Chipset) Name() string {
	switch c.Family {
	case PulseCoded:
		if c.Timing.Name != "" {
			return c.Timing.Name
		}
		return "clockless"
	case Clocked:
		return string(c.Clock.Protocol)
	}
	return "unknown"
}

// Validate reports programmer errors in a chipset descriptor.
func (c Chipset) Validate() error {
	switch c.Family {
	case PulseCoded:
		if c.Timing.T1 <= 0 || c.Timing.T2 < 0 || c.Timing.T3 <= 0 {
			return fmt.Errorf("chipset %s: invalid timing %v/%v/%v", c.Name(), c.Timing.T1, c.Timing.T2, c.Timing.T3)
		}
	case Clocked:
		if c.Clock.Protocol == "" {
			return fmt.Errorf("clocked chipset: missing protocol")
		}
		if c.Clock.Speed <= 0 {
			return fmt.Errorf("chipset %s: invalid clock speed %s", c.Name(), c.Clock.Speed)
		}
	default:
		return fmt.Errorf("chipset: unknown family %d", c.Family)
	}
	return nil
}

// Well known pulse-coded timings.
var (
	WS2812 = Timing{Name: "ws2812", T1: 250 * time.Nanosecond, T2: 625 * time.Nanosecond, T3: 375 * time.Nanosecond, Reset: 280 * time.Microsecond}
	WS2811 = Timing{Name: "ws2811", T1: 320 * time.Nanosecond, T2: 320 * time.Nanosecond, T3: 640 * time.Nanosecond, Reset: 280 * time.Microsecond}
	SK6812 = Timing{Name: "sk6812", T1: 300 * time.Nanosecond, T2: 300 * time.Nanosecond, T3: 600 * time.Nanosecond, Reset: 80 * time.Microsecond}
	TM1814 = Timing{Name: "tm1814", T1: 360 * time.Nanosecond, T2: 600 * time.Nanosecond, T3: 340 * time.Nanosecond, Reset: 200 * time.Microsecond}
)

// PulseChipset is a shortcut for a pulse-coded descriptor.
func PulseChipset(t Timing) Chipset {
	return Chipset{Family: PulseCoded, Timing: t}
}

// ClockedChipset is a shortcut for a clocked descriptor.
func ClockedChipset(p Protocol, clockPin int, speed physic.Frequency) Chipset {
	return Chipset{Family: Clocked, Clock: Clock{Protocol: p, ClockPin: clockPin, Speed: speed}}
}

// LookupTiming returns a well known timing by name.
func LookupTiming(name string) (Timing, bool) {
	switch name {
	case "ws2812", "ws2812b", "neopixel":
		return WS2812, true
	case "ws2811":
		return WS2811, true
	case "sk6812":
		return SK6812, true
	case "tm1814":
		return TM1814, true
	}
	return Timing{}, false
}
