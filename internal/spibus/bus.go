// Package spibus arbitrates shared clock lines between LED devices.
//
// Devices that share a clock pin are collected on one bus. Nothing is
// committed to hardware until Initialize, so every device on a bus can
// register first; Initialize then picks single, dual, quad or octal lane
// hardware from the number of devices and the platform's free controllers.
// When the required controller is not available the bus degrades to the
// first registered device only, running single-lane.
package spibus

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// MaxDevices is the number of device slots per bus.
const MaxDevices = 8

// BusType is how a bus is driven.
type BusType uint8

const (
	SoftSPI BusType = iota
	SingleSPI
	DualSPI
	QuadSPI
	OctalSPI
)

func (t BusType) String() string {
	switch t {
	case SoftSPI:
		return "soft"
	case SingleSPI:
		return "single"
	case DualSPI:
		return "dual"
	case QuadSPI:
		return "quad"
	case OctalSPI:
		return "octal"
	}
	return fmt.Sprintf("BusType(%d)", uint8(t))
}

// Lanes is the number of data wires the bus type drives.
func (t BusType) Lanes() int {
	switch t {
	case DualSPI:
		return 2
	case QuadSPI:
		return 4
	case OctalSPI:
		return 8
	}
	return 1
}

// Multi reports whether transmissions are interleaved.
func (t BusType) Multi() bool { return t.Lanes() > 1 }

func typeForWidth(w int) BusType {
	switch w {
	case 2:
		return DualSPI
	case 4:
		return QuadSPI
	case 8:
		return OctalSPI
	}
	return SingleSPI
}

// widthFor is the smallest lane width that fits n devices.
func widthFor(n int) int {
	switch {
	case n <= 1:
		return 1
	case n == 2:
		return 2
	case n <= 4:
		return 4
	default:
		return 8
	}
}

var (
	ErrBusFull         = errors.New("spibus: bus already has 8 devices")
	ErrInvalidHandle   = errors.New("spibus: invalid device handle")
	ErrDeviceDisabled  = errors.New("spibus: device is disabled")
	ErrNoController    = errors.New("spibus: bus has no controller")
	ErrTransmitTimeout = errors.New("spibus: timed out waiting for hardware")
)

// Handle identifies a registered device. The zero Handle is invalid.
type Handle struct {
	clock   int
	slot    int
	gen     uint32
	slotGen uint32
	ok      bool
}

// Valid reports whether h was returned by RegisterDevice.
func (h Handle) Valid() bool { return h.ok }

// ClockPin is the bus the handle belongs to.
func (h Handle) ClockPin() int { return h.clock }

func (h Handle) String() string {
	if !h.ok {
		return "handle{invalid}"
	}
	return fmt.Sprintf("handle{clk=%d slot=%d}", h.clock, h.slot)
}

// DeviceInfo is a snapshot of one device slot.
type DeviceInfo struct {
	ClockPin  int
	DataPin   int
	Owner     any
	Speed     physic.Frequency
	Lane      int
	Enabled   bool
	Allocated bool
}

// BusInfo is a snapshot of one bus.
type BusInfo struct {
	ClockPin    int
	Type        BusType
	Speed       physic.Frequency
	Initialized bool
	Controller  string
	Err         string
	Devices     []DeviceInfo
}

// Allocated counts allocated device slots.
func (b BusInfo) Allocated() int {
	n := 0
	for _, d := range b.Devices {
		if d.Allocated {
			n++
		}
	}
	return n
}

// Enabled counts enabled device slots.
func (b BusInfo) Enabled() int {
	n := 0
	for _, d := range b.Devices {
		if d.Enabled {
			n++
		}
	}
	return n
}
