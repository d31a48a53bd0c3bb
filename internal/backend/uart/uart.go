// Package uart drives pulse-coded strips from a serial port's TX line.
//
// The port runs 7N1 with its TX output inverted. Each UART frame is then
// nine line slots: the start bit, seven data bits and the stop bit. Three
// slots make one LED bit, so every UART byte carries three LED bits.
package uart

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tarm/serial"

	"github.com/FastLED/FastLED-sub016/internal/engine"
	"github.com/FastLED/FastLED-sub016/internal/txunit"
)

// DefaultBaud matches 800kHz chipsets.
const DefaultBaud = 2400000

// Tolerance is how far a chipset's ideal baud may be from the port's.
const Tolerance = 0.15

// Encode appends the UART bytes for src. A trailing partial group is
// filled with zero bits.
func Encode(dst, src []byte) []byte {
	var bits [3]byte
	n := 0
	for _, v := range src {
		for b := 7; b >= 0; b-- {
			bits[n] = v >> uint(b) & 1
			n++
			if n == 3 {
				dst = append(dst, pack(bits))
				n = 0
			}
		}
	}
	if n > 0 {
		for ; n < 3; n++ {
			bits[n] = 0
		}
		dst = append(dst, pack(bits))
	}
	return dst
}

// pack lays out three LED bits as 1x0 1x0 1x0 on an inverted line. Data
// bits go out LSB first and the start and stop bits supply the outer
// slots.
func pack(b [3]byte) byte {
	return (1 - b[0]) | 1<<1 | (1-b[1])<<3 | 1<<4 | (1-b[2])<<6
}

// EncodedLen is the number of UART bytes for n color bytes.
func EncodedLen(n int) int { return (n*8 + 2) / 3 }

// BaudFor is the baud rate that gives three slots per bit of t.
func BaudFor(t txunit.Timing) int {
	if t.Period() <= 0 {
		return 0
	}
	return int(math.Round(3 * float64(time.Second) / float64(t.Period())))
}

// Engine implements engine.Engine on a serial port.
type Engine struct {
	name string
	w    io.Writer
	baud int

	ShowTimeout time.Duration

	mu    sync.Mutex
	batch engine.Batch
	job   engine.Job
	bufs  [][]byte
	reset []time.Duration
}

// New returns an engine writing to w, which must already be configured
// for baud, 7N1 and inverted TX.
func New(name string, w io.Writer, baud int) *Engine {
	if baud <= 0 {
		baud = DefaultBaud
	}
	return &Engine{name: name, w: w, baud: baud, ShowTimeout: time.Second}
}

// Open opens a serial device and returns an engine on it.
func Open(name, device string, baud int) (*Engine, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	p, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud, Size: 7, StopBits: serial.Stop1})
	if err != nil {
		return nil, fmt.Errorf("uart %s: open %s: %w", name, device, err)
	}
	log.Debug().Str("engine", name).Str("device", device).Int("baud", baud).Msg("uart engine opened")
	return New(name, p, baud), nil
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{PulseCoded: true}
}

func (e *Engine) CanHandle(u *txunit.Unit) bool {
	if u == nil || u.Chipset.Family != txunit.PulseCoded {
		return false
	}
	want := BaudFor(u.Chipset.Timing)
	if want == 0 {
		return false
	}
	return math.Abs(float64(want-e.baud))/float64(e.baud) <= Tolerance
}

func (e *Engine) Enqueue(u *txunit.Unit) {
	e.mu.Lock()
	defer e.mu.Unlock()
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
	for len(e.bufs) < len(units) {
		e.bufs = append(e.bufs, nil)
	}
	bufs := e.bufs[:len(units)]
	e.reset = e.reset[:0]
	for i, u := range units {
		bufs[i] = Encode(bufs[i][:0], u.Bytes())
		e.reset = append(e.reset, u.Chipset.Timing.Reset)
	}
	w, reset := e.w, e.reset
	e.job.Start(len(bufs), func(i int) error {
		if _, err := w.Write(bufs[i]); err != nil {
			return err
		}
		// The inverted line idles low, which is the latch.
		time.Sleep(reset[i])
		return nil
	})
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
		err = fmt.Errorf("uart %s: %w", e.name, err)
	}
	return st, err
}

// Close waits for the current batch and closes the port if it can be
// closed.
func (e *Engine) Close() error {
	engine.WaitForReady(e, e.ShowTimeout, nil)
	if c, ok := e.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
