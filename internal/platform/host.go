package platform

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// PortController drives a periph SPI port. Every Begin opens the port and
// every End closes it, so the controller can be pooled.
type PortController struct {
	name  string
	lanes int
	open  func() (spi.PortCloser, error)

	mu   sync.Mutex
	port spi.PortCloser
	conn spi.Conn
	err  error
	done chan struct{}
}

// NewPortController wraps an opener such as spireg.Ref.Open.
func NewPortController(name string, lanes int, open func() (spi.PortCloser, error)) *PortController {
	return &PortController{name: name, lanes: lanes, open: open}
}

func (p *PortController) String() string { return p.name }
func (p *PortController) Lanes() int     { return p.lanes }

func (p *PortController) Begin(speed physic.Frequency) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port != nil {
		return fmt.Errorf("%s: already begun", p.name)
	}
	port, err := p.open()
	if err != nil {
		return fmt.Errorf("%s: open: %w", p.name, err)
	}
	c, err := port.Connect(speed, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return fmt.Errorf("%s: connect: %w", p.name, err)
	}
	p.port, p.conn = port, c
	return nil
}

func (p *PortController) Transmit(buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return errors.New(p.name + ": not begun")
	}
	done := make(chan struct{})
	p.done = done
	p.err = nil
	c := p.conn
	go func() {
		err := c.Tx(buf, nil)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(done)
	}()
	return nil
}

func (p *PortController) WaitComplete(timeout time.Duration) bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *PortController) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *PortController) End() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port, p.conn = nil, nil
	return err
}

// Host initializes periph's host drivers and builds a table with one
// single-lane controller per registered SPI port. Linux spidev exposes no
// multi-wire mode through periph, so only width 1 is offered.
func Host() (Table, error) {
	state, err := host.Init()
	if err != nil {
		return Table{}, fmt.Errorf("periph host init: %w", err)
	}
	for _, f := range state.Failed {
		log.Debug().Str("driver", f.D.String()).Err(f.Err).Msg("periph driver failed")
	}
	var cs []Controller
	for _, ref := range spireg.All() {
		cs = append(cs, NewPortController(ref.Name, 1, ref.Open))
	}
	log.Info().Int("spi_ports", len(cs)).Msg("host platform ready")
	return Table{
		Name:       "host",
		LaneWidths: []int{1},
		MaxSpeed:   32 * physic.MegaHertz,
		Pool:       NewPool(cs...),
	}, nil
}
