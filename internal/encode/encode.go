// Package encode turns pixels into the bytes a chipset expects on the wire.
package encode

import (
	"bytes"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/spi/spitest"
	"periph.io/x/devices/v3/apa102"

	"github.com/FastLED/FastLED-sub016/internal/pixel"
	"github.com/FastLED/FastLED-sub016/internal/txunit"
)

// Encoder appends the encoded frame for px to dst.
type Encoder interface {
	Encode(dst []byte, px []pixel.RGB, order pixel.Order) ([]byte, error)
}

// Clockless emits color-ordered bytes for pulse-coded chipsets. The bit
// waveform itself is produced by the engine.
type Clockless struct {
	// RGBW moves the common part of the three channels to a fourth, white
	// byte.
	RGBW bool
}

func (c Clockless) Encode(dst []byte, px []pixel.RGB, order pixel.Order) ([]byte, error) {
	for _, p := range px {
		if !c.RGBW {
			b := order.Apply(p)
			dst = append(dst, b[0], b[1], b[2])
			continue
		}
		w := p.R
		if p.G < w {
			w = p.G
		}
		if p.B < w {
			w = p.B
		}
		b := order.Apply(pixel.RGB{R: p.R - w, G: p.G - w, B: p.B - w})
		dst = append(dst, b[0], b[1], b[2], w)
	}
	return dst, nil
}

// WS2801 is raw color-ordered bytes; the chip latches on a clock pause.
type WS2801 struct{}

func (WS2801) Encode(dst []byte, px []pixel.RGB, order pixel.Order) ([]byte, error) {
	return Clockless{}.Encode(dst, px, order)
}

// LPD8806 sends 7 bits per channel with the high bit set, followed by
// zero latch bytes.
type LPD8806 struct{}

func (LPD8806) Encode(dst []byte, px []pixel.RGB, order pixel.Order) ([]byte, error) {
	for _, p := range px {
		b := order.Apply(p)
		dst = append(dst, 0x80|b[0]>>1, 0x80|b[1]>>1, 0x80|b[2]>>1)
	}
	for i := 0; i < (len(px)+31)/32; i++ {
		dst = append(dst, 0)
	}
	return dst, nil
}

// APA102 renders frames with periph's apa102 driver into an in-memory SPI
// port, so start frame, brightness header and end frame follow the
// driver.
type APA102 struct {
	opts apa102.Opts

	mu  sync.Mutex
	dev *apa102.Dev
	n   int
	out bytes.Buffer
	rgb []byte
}

// NewAPA102 returns an encoder using o for intensity and color
// temperature. o.NumPixels is ignored.
func NewAPA102(o apa102.Opts) *APA102 {
	return &APA102{opts: o, n: -1}
}

func (a *APA102) Encode(dst []byte, px []pixel.RGB, order pixel.Order) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev == nil || a.n != len(px) {
		o := a.opts
		o.NumPixels = len(px)
		d, err := apa102.New(spitest.NewRecordRaw(&a.out), &o)
		if err != nil {
			return dst, fmt.Errorf("apa102: %w", err)
		}
		a.dev, a.n = d, len(px)
	}
	a.rgb = a.rgb[:0]
	for _, p := range px {
		b := order.Apply(p)
		a.rgb = append(a.rgb, b[0], b[1], b[2])
	}
	a.out.Reset()
	if _, err := a.dev.Write(a.rgb); err != nil {
		return dst, fmt.Errorf("apa102: %w", err)
	}
	return append(dst, a.out.Bytes()...), nil
}

// For returns the default encoder for a chipset.
func For(c txunit.Chipset) (Encoder, error) {
	switch c.Family {
	case txunit.PulseCoded:
		return Clockless{}, nil
	case txunit.Clocked:
		switch c.Clock.Protocol {
		case txunit.APA102, txunit.SK9822:
			return NewAPA102(apa102.PassThruOpts), nil
		case txunit.WS2801:
			return WS2801{}, nil
		case txunit.LPD8806:
			return LPD8806{}, nil
		}
		return nil, fmt.Errorf("encode: no encoder for protocol %q", c.Clock.Protocol)
	}
	return nil, fmt.Errorf("encode: unknown chipset family %d", c.Family)
}

// PadFor returns how a frame for c is stretched to a longer transfer.
// Leading zeros are a longer start frame for most chipsets; shift-register
// chips such as the WS2801 need trailing bytes instead, which fall off the
// end of the strip.
func PadFor(c txunit.Chipset) txunit.PadFunc {
	if c.Family == txunit.Clocked && (c.Clock.Protocol == txunit.WS2801 || c.Clock.Protocol == txunit.LPD8806) {
		return padTrailing
	}
	return nil
}

func padTrailing(dst, src []byte) {
	n := copy(dst, src)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}
