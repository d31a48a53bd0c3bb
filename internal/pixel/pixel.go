package pixel

import (
	"fmt"
	"image"
	"image/color"
	"strings"
)

// RGB is one LED's worth of color, before any chipset encoding.
type RGB struct {
	R, G, B uint8
}

// Packed returns the color as 0x00RRGGBB.
func (c RGB) Packed() uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

// FromPacked builds an RGB from 0x00RRGGBB.
func FromPacked(v uint32) RGB {
	return RGB{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}
}

func (c RGB) NRGBA() color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: 255}
}

// Order is the wire order of the three color components, e.g. GRB for WS2812.
type Order [3]byte

var (
	RGBOrder = Order{'R', 'G', 'B'}
	RBGOrder = Order{'R', 'B', 'G'}
	GRBOrder = Order{'G', 'R', 'B'}
	GBROrder = Order{'G', 'B', 'R'}
	BRGOrder = Order{'B', 'R', 'G'}
	BGROrder = Order{'B', 'G', 'R'}
)

// ParseOrder accepts strings like "GRB" or "rgb".
func ParseOrder(s string) (Order, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 3 {
		return Order{}, fmt.Errorf("color order %q: want three letters", s)
	}
	var o Order
	seen := map[byte]bool{}
	for i := 0; i < 3; i++ {
		switch s[i] {
		case 'R', 'G', 'B':
		default:
			return Order{}, fmt.Errorf("color order %q: unknown component %q", s, s[i])
		}
		if seen[s[i]] {
			return Order{}, fmt.Errorf("color order %q: duplicate component %q", s, s[i])
		}
		seen[s[i]] = true
		o[i] = s[i]
	}
	return o, nil
}

func (o Order) String() string {
	if o == (Order{}) {
		return "RGB"
	}
	return string(o[:])
}

// Valid reports whether o is a permutation of R, G and B. The zero Order is
// treated as RGB and is valid.
func (o Order) Valid() bool {
	if o == (Order{}) {
		return true
	}
	_, err := ParseOrder(string(o[:]))
	return err == nil
}

// Apply returns the three components of c in wire order.
func (o Order) Apply(c RGB) [3]byte {
	if o == (Order{}) {
		o = RGBOrder
	}
	var v [3]byte
	for i := 0; i < 3; i++ {
		switch o[i] {
		case 'R':
			v[i] = c.R
		case 'G':
			v[i] = c.G
		case 'B':
			v[i] = c.B
		}
	}
	return v
}

// Image lays the pixels out as a single row, the way display.Drawer
// implementations for LED strips expect them.
func Image(px []RGB) *image.NRGBA {
	im := image.NewNRGBA(image.Rect(0, 0, len(px), 1))
	for x := range px {
		im.SetNRGBA(x, 0, px[x].NRGBA())
	}
	return im
}
