// Package platform describes what transmit hardware a chip offers: which
// parallel lane widths exist, how many controllers of each width are free
// and how fast they may be clocked.
package platform

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"
)

// Controller is one hardware SPI-style transmitter driving Lanes() data
// wires from a single clock.
type Controller interface {
	fmt.Stringer
	Lanes() int
	// Begin claims the hardware at the given clock.
	Begin(speed physic.Frequency) error
	// Transmit starts sending buf. It returns before the hardware is done.
	Transmit(buf []byte) error
	// WaitComplete blocks until the last Transmit finished or timeout.
	WaitComplete(timeout time.Duration) bool
	// Err reports a fault from the last transmission, if any.
	Err() error
	End() error
}

// Pool hands out free controllers by lane width.
type Pool struct {
	mu   sync.Mutex
	free map[int][]Controller
	used map[Controller]bool
}

func NewPool(cs ...Controller) *Pool {
	p := &Pool{free: map[int][]Controller{}, used: map[Controller]bool{}}
	for _, c := range cs {
		p.free[c.Lanes()] = append(p.free[c.Lanes()], c)
	}
	return p
}

// Acquire borrows a free controller of exactly the given width.
func (p *Pool) Acquire(lanes int) (Controller, bool) {
	if p == nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.free[lanes]
	if len(l) == 0 {
		return nil, false
	}
	c := l[0]
	p.free[lanes] = l[1:]
	p.used[c] = true
	return c, true
}

// Release returns a borrowed controller.
func (p *Pool) Release(c Controller) {
	if p == nil || c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.used[c] {
		return
	}
	delete(p.used, c)
	p.free[c.Lanes()] = append(p.free[c.Lanes()], c)
}

// Free is the number of idle controllers of a width.
func (p *Pool) Free(lanes int) int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free[lanes])
}

// InUse is the number of borrowed controllers.
func (p *Pool) InUse() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}

// Table is the capability description the bus arbiter works from.
type Table struct {
	Name       string
	LaneWidths []int
	MaxSpeed   physic.Frequency
	Pool       *Pool
	// Software builds a bit-banged fallback for a bus with no free
	// single-lane controller. May be nil.
	Software func(clockPin, dataPin int) Controller
}

// Supports reports whether the chip has controllers of the given width.
func (t Table) Supports(lanes int) bool {
	for _, w := range t.LaneWidths {
		if w == lanes {
			return true
		}
	}
	return false
}

// ClampSpeed limits f to the platform maximum.
func (t Table) ClampSpeed(f physic.Frequency) physic.Frequency {
	if t.MaxSpeed > 0 && f > t.MaxSpeed {
		return t.MaxSpeed
	}
	return f
}

// Profile is a chip family's static description.
type Profile struct {
	MaxSpeed    physic.Frequency
	Controllers map[int]int // lane width -> count
}

// Profiles lists the chip families the arbiter knows about.
var Profiles = map[string]Profile{
	"esp32":   {MaxSpeed: 40 * physic.MegaHertz, Controllers: map[int]int{1: 2, 2: 2, 4: 2}},
	"esp32s3": {MaxSpeed: 40 * physic.MegaHertz, Controllers: map[int]int{1: 2, 2: 2, 4: 2, 8: 1}},
	"esp32c3": {MaxSpeed: 40 * physic.MegaHertz, Controllers: map[int]int{1: 1, 2: 1, 4: 1}},
	"esp32p4": {MaxSpeed: 80 * physic.MegaHertz, Controllers: map[int]int{1: 2, 2: 2, 4: 2, 8: 2}},
	"rp2040":  {MaxSpeed: 62500 * physic.KiloHertz, Controllers: map[int]int{1: 2, 2: 2, 4: 2, 8: 2}},
	"sim":     {MaxSpeed: 40 * physic.MegaHertz, Controllers: map[int]int{1: 8, 2: 4, 4: 4, 8: 2}},
}

// FromProfile builds a table backed by simulated controllers for a chip
// family.
func FromProfile(name string) (Table, error) {
	p, ok := Profiles[name]
	if !ok {
		return Table{}, fmt.Errorf("platform: unknown profile %q", name)
	}
	t := Sim(p.Controllers)
	t.Name = name
	t.MaxSpeed = p.MaxSpeed
	return t, nil
}

// Sim builds a table of simulated controllers, count per lane width.
func Sim(counts map[int]int) Table {
	var cs []Controller
	var widths []int
	for w, n := range counts {
		if n > 0 {
			widths = append(widths, w)
		}
		for i := 0; i < n; i++ {
			cs = append(cs, NewSimController(fmt.Sprintf("sim%dx%d", w, i), w))
		}
	}
	sort.Ints(widths)
	sort.Slice(cs, func(i, j int) bool { return cs[i].String() < cs[j].String() })
	return Table{
		Name:       "sim",
		LaneWidths: widths,
		MaxSpeed:   40 * physic.MegaHertz,
		Pool:       NewPool(cs...),
		Software: func(clockPin, dataPin int) Controller {
			return NewSimController(fmt.Sprintf("soft%d/%d", clockPin, dataPin), 1)
		},
	}
}
