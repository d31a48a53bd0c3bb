package encode

import (
	"fmt"
	"math"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/FastLED/FastLED-sub016/internal/txunit"
)

// Waveform expands color bytes into an SPI bit stream that reproduces a
// pulse-coded chipset's timing. Every LED bit becomes Slots SPI bits; a
// zero is ZeroHigh slots high, a one OneHigh slots high.
type Waveform struct {
	Slots    int
	ZeroHigh int
	OneHigh  int
	Reset    int // zero bytes appended as the latch

	lut []byte // 256 entries of Slots bytes
}

// NewWaveform builds the lookup table for t clocked at rate.
func NewWaveform(t txunit.Timing, rate physic.Frequency) (*Waveform, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("waveform %s: invalid rate %s", t.Name, rate)
	}
	slot := float64(time.Second) / (float64(rate) / float64(physic.Hertz))
	w := &Waveform{
		Slots:    int(math.Round(float64(t.Period()) / slot)),
		ZeroHigh: int(math.Round(float64(t.T1) / slot)),
		OneHigh:  int(math.Round(float64(t.T1+t.T2) / slot)),
	}
	if w.ZeroHigh < 1 {
		w.ZeroHigh = 1
	}
	if w.Slots < 2 || w.OneHigh <= w.ZeroHigh || w.OneHigh > w.Slots {
		return nil, fmt.Errorf("waveform %s: rate %s cannot resolve %v/%v/%v", t.Name, rate, t.T1, t.T2, t.T3)
	}
	w.Reset = int(math.Ceil(float64(t.Reset) / (8 * slot)))

	w.lut = make([]byte, 256*w.Slots)
	for v := 0; v < 256; v++ {
		out := w.lut[v*w.Slots : (v+1)*w.Slots]
		pos := 0
		for bit := 7; bit >= 0; bit-- {
			high := w.ZeroHigh
			if v>>bit&1 == 1 {
				high = w.OneHigh
			}
			for s := 0; s < high; s++ {
				out[(pos+s)>>3] |= 0x80 >> ((pos + s) & 7)
			}
			pos += w.Slots
		}
	}
	return w, nil
}

// Pattern returns the Slots-bit pattern of one LED bit, MSB first, for
// display.
func (w *Waveform) Pattern(bit bool) string {
	high := w.ZeroHigh
	if bit {
		high = w.OneHigh
	}
	b := make([]byte, w.Slots)
	for i := range b {
		b[i] = '0'
		if i < high {
			b[i] = '1'
		}
	}
	return string(b)
}

// Len is the expanded size of n color bytes, latch included.
func (w *Waveform) Len(n int) int { return n*w.Slots + w.Reset }

// Expand appends the waveform for src and the latch to dst.
func (w *Waveform) Expand(dst, src []byte) []byte {
	for _, v := range src {
		dst = append(dst, w.lut[int(v)*w.Slots:(int(v)+1)*w.Slots]...)
	}
	for i := 0; i < w.Reset; i++ {
		dst = append(dst, 0)
	}
	return dst
}
