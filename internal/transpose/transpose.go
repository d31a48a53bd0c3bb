// Package transpose interleaves independent byte lanes into one stream for
// a K-wire parallel bus, and back.
//
// Every lane byte becomes a group of K output bytes. Inside a group the
// eight bit clocks (MSB first) each carry a K-bit word whose bit l is lane
// l's bit for that clock, and the words are packed MSB first. For K=8 this
// means output byte t of a group has lane l at bit l; for K=16 a clock
// spans two bytes with lanes 15..8 in the first.
package transpose

import (
	"errors"
	"fmt"
)

// Lane is one wire's contribution to a multi-lane transfer.
type Lane struct {
	// Payload is the real data. It is never modified.
	Payload []byte
	// Padding is a frame repeated in front of a short payload so that every
	// lane's real data ends on the same clock.
	Padding []byte
}

var ErrLaneCount = errors.New("transpose: lane count must be 2, 4, 8 or 16")

// Supported reports whether k lanes can be interleaved.
func Supported(k int) bool {
	return k == 2 || k == 4 || k == 8 || k == 16
}

// MaxLaneSize is the longest payload that fits out for k lanes.
func MaxLaneSize(k, outLen int) int {
	if k <= 0 {
		return 0
	}
	return outLen / k
}

// Transpose interleaves lanes into out. len(out) must be a multiple of
// len(lanes); len(out)/len(lanes) is the padded length of every lane. It
// allocates nothing.
func Transpose(lanes []Lane, out []byte) error {
	k := len(lanes)
	if !Supported(k) {
		return fmt.Errorf("%w, got %d", ErrLaneCount, k)
	}
	if len(out)%k != 0 {
		return fmt.Errorf("transpose: output size %d is not a multiple of %d lanes", len(out), k)
	}
	max := MaxLaneSize(k, len(out))
	for l := range lanes {
		if n := len(lanes[l].Payload); n > max {
			return fmt.Errorf("transpose: lane %d has %d bytes, output fits %d", l, n, max)
		}
	}
	for i := 0; i < max; i++ {
		group := out[i*k : (i+1)*k]
		for j := range group {
			group[j] = 0
		}
		for l := range lanes {
			b := laneByte(&lanes[l], i, max)
			if b == 0 {
				continue
			}
			for t := 0; t < 8; t++ {
				if b&(0x80>>uint(t)) == 0 {
					continue
				}
				pos := t*k + (k - 1 - l)
				group[pos>>3] |= 0x80 >> uint(pos&7)
			}
		}
	}
	return nil
}

// laneByte returns byte i of the lane once left-padded to max bytes.
func laneByte(l *Lane, i, max int) byte {
	pad := max - len(l.Payload)
	if i >= pad {
		return l.Payload[i-pad]
	}
	if len(l.Padding) == 0 {
		return 0
	}
	return l.Padding[i%len(l.Padding)]
}

// Untranspose is the inverse of Transpose: it splits in back into
// len(lanes) lanes. Every lanes[l] must be len(in)/len(lanes) bytes long.
// Padding is not stripped.
func Untranspose(in []byte, lanes [][]byte) error {
	k := len(lanes)
	if !Supported(k) {
		return fmt.Errorf("%w, got %d", ErrLaneCount, k)
	}
	if len(in)%k != 0 {
		return fmt.Errorf("transpose: input size %d is not a multiple of %d lanes", len(in), k)
	}
	n := len(in) / k
	for l := range lanes {
		if len(lanes[l]) != n {
			return fmt.Errorf("transpose: lane %d is %d bytes, want %d", l, len(lanes[l]), n)
		}
	}
	for i := 0; i < n; i++ {
		group := in[i*k : (i+1)*k]
		for l := 0; l < k; l++ {
			var b byte
			for t := 0; t < 8; t++ {
				pos := t*k + (k - 1 - l)
				if group[pos>>3]&(0x80>>uint(pos&7)) != 0 {
					b |= 0x80 >> uint(t)
				}
			}
			lanes[l][i] = b
		}
	}
	return nil
}
