// Package pattern holds diagnostic test patterns for wiring checks: they
// show which pixel, color channel and strip a frame actually reached.
package pattern

import (
	"fmt"
	"math"

	"github.com/FastLED/FastLED-sub016/internal/pixel"
)

type Kind string

const (
	None       Kind = ""
	IndexSweep Kind = "index_sweep"
	RGBTest    Kind = "rgb_channels"
	StripID    Kind = "strip_id"
	Solid      Kind = "solid"
	Rainbow    Kind = "rainbow"
)

// Kinds lists every pattern by name.
var Kinds = []Kind{IndexSweep, RGBTest, StripID, Solid, Rainbow}

func Parse(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return None, fmt.Errorf("pattern: unknown %q", s)
}

type Plan struct {
	Kind Kind
	// Color is used by Solid and IndexSweep; zero means white.
	Color pixel.RGB
	// Brightness scales Rainbow, 0..1; zero means full.
	Brightness float64
	// Hold repeats each step for this many frames.
	Hold int
}

// Runner steps through a plan one frame at a time.
type Runner struct {
	plan  Plan
	step  int
	held  int
	phase float64
}

func NewRunner(plan Plan) *Runner {
	if plan.Color == (pixel.RGB{}) {
		plan.Color = pixel.RGB{R: 255, G: 255, B: 255}
	}
	if plan.Brightness <= 0 || plan.Brightness > 1 {
		plan.Brightness = 1
	}
	if plan.Hold < 1 {
		plan.Hold = 1
	}
	return &Runner{plan: plan}
}

func (r *Runner) Kind() Kind { return r.plan.Kind }

// Step fills every strip for the current step; returns false when complete.
func (r *Runner) Step(strips [][]pixel.RGB) bool {
	longest := 0
	for _, s := range strips {
		clear(s)
		if len(s) > longest {
			longest = len(s)
		}
	}

	switch r.plan.Kind {
	case IndexSweep:
		if r.step >= longest {
			return false
		}
		for _, s := range strips {
			if r.step < len(s) {
				s[r.step] = r.plan.Color
			}
		}
	case RGBTest:
		var c pixel.RGB
		switch r.step % 3 {
		case 0:
			c.R = 255
		case 1:
			c.G = 255
		case 2:
			c.B = 255
		}
		for _, s := range strips {
			fillAll(s, c)
		}
	case StripID:
		// Strip i lights only its first i+1 pixels.
		if r.step > 0 {
			return false
		}
		for i, s := range strips {
			for j := 0; j <= i && j < len(s); j++ {
				s[j] = r.plan.Color
			}
		}
	case Solid:
		for _, s := range strips {
			fillAll(s, r.plan.Color)
		}
	case Rainbow:
		for _, s := range strips {
			for i := range s {
				h := math.Mod(float64(i)/float64(max(1, len(s)))+r.phase, 1.0)
				s[i] = hsv(h, 1, r.plan.Brightness)
			}
		}
		r.phase += 0.01
	default:
		return false
	}

	r.held++
	if r.held >= r.plan.Hold {
		r.held = 0
		r.step++
	}
	return true
}

func fillAll(s []pixel.RGB, c pixel.RGB) {
	for i := range s {
		s[i] = c
	}
}

func hsv(h, s, v float64) pixel.RGB {
	i := int(h * 6.0)
	f := h*6.0 - float64(i)
	p := v * (1.0 - s)
	q := v * (1.0 - f*s)
	t := v * (1.0 - (1.0-f)*s)
	var r, g, b float64
	switch i % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return pixel.RGB{R: byte(r * 255), G: byte(g * 255), B: byte(b * 255)}
}

// WhiteCap scales pixels so r+g+b stays within cap*3*255. Caps outside
// (0, 1) leave px unchanged.
func WhiteCap(px []pixel.RGB, cap float64) {
	if cap <= 0 || cap >= 1 {
		return
	}
	limit := cap * 3.0 * 255.0
	for i, c := range px {
		s := float64(c.R) + float64(c.G) + float64(c.B)
		if s <= limit {
			continue
		}
		k := limit / s
		px[i] = pixel.RGB{
			R: byte(math.Round(float64(c.R) * k)),
			G: byte(math.Round(float64(c.G) * k)),
			B: byte(math.Round(float64(c.B) * k)),
		}
	}
}
