// Package frame runs the per-frame cycle: release finished buffers, show
// every channel on the draw list, then start the engines that received
// work.
package frame

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/FastLED/FastLED-sub016/internal/channel"
	"github.com/FastLED/FastLED-sub016/internal/engine/router"
	"github.com/FastLED/FastLED-sub016/internal/pixel"
)

const DefaultFPS = 30

// Source fills the channels' pixel buffers before each frame. Step returns
// false once it has nothing more to show; the driver then keeps sending
// the last frame.
type Source interface {
	Step(strips [][]pixel.RGB) bool
}

// Stats counts frames since the driver was created.
type Stats struct {
	Frames   uint64  `json:"frames"`
	Dropped  uint64  `json:"dropped"`
	NoEngine uint64  `json:"no_engine"`
	Failed   uint64  `json:"failed"`
	FPS      float64 `json:"fps"`
}

// Driver shows a draw list through a router.
type Driver struct {
	Router *router.Router
	List   *channel.DrawList
	FPS    int
	// OnError, when set, sees every channel error in the frame it happened.
	OnError func(c *channel.Channel, err error)

	mu     sync.Mutex
	source Source
	stats  Stats
	last   time.Time
}

// New returns a driver for list on r; a nil r uses router.Default.
func New(r *router.Router, list *channel.DrawList) *Driver {
	if r == nil {
		r = router.Default()
	}
	return &Driver{Router: r, List: list, FPS: DefaultFPS}
}

// SetSource replaces the frame source. Nil stops updating the buffers.
func (d *Driver) SetSource(s Source) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.source = s
}

func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Frame runs one frame. The returned error joins every channel error;
// channels that fail do not stop the others.
func (d *Driver) Frame() error {
	chans := d.List.Channels()

	d.mu.Lock()
	if d.source != nil {
		strips := make([][]pixel.RGB, len(chans))
		for i, c := range chans {
			strips[i] = c.Leds()
		}
		if !d.source.Step(strips) {
			log.Info().Msg("frame source complete")
			d.source = nil
		}
	}
	d.mu.Unlock()

	d.Router.OnBeginFrame()
	var errs []error
	for _, c := range chans {
		if err := c.Show(); err != nil {
			d.count(err)
			if d.OnError != nil {
				d.OnError(c, err)
			}
			errs = append(errs, err)
		}
	}
	d.Router.OnEndFrame()

	d.mu.Lock()
	now := time.Now()
	if !d.last.IsZero() {
		if dt := now.Sub(d.last); dt > 0 {
			d.stats.FPS = float64(time.Second) / float64(dt)
		}
	}
	d.last = now
	d.stats.Frames++
	d.mu.Unlock()
	return errors.Join(errs...)
}

func (d *Driver) count(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case errors.Is(err, channel.ErrFrameDropped):
		d.stats.Dropped++
	case errors.Is(err, channel.ErrNoEngine):
		d.stats.NoEngine++
	default:
		d.stats.Failed++
	}
}

func (d *Driver) period() time.Duration {
	fps := d.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	return time.Second / time.Duration(fps)
}

// Run shows frames at FPS until ctx is done, then waits for the engines to
// go idle.
func (d *Driver) Run(ctx context.Context) error {
	period := d.period()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t := time.Now()
			_ = d.Frame()

			// Shorten the next tick by the time the frame took.
			delta := period - time.Since(t)
			if delta > time.Millisecond {
				ticker.Reset(delta)
			} else {
				ticker.Reset(period)
			}

		case <-ctx.Done():
			if !d.Router.WaitIdle(router.DefaultTimeout) {
				log.Warn().Msg("engines still busy at shutdown")
			}
			return ctx.Err()
		}
	}
}

// Start runs until an interrupt arrives.
func (d *Driver) Start() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := d.Run(ctx); errors.Is(err, context.Canceled) {
		log.Info().Msg("interrupted, stopped")
	}
}
