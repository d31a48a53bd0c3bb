package channel

import (
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/FastLED/FastLED-sub016/internal/backend/multilane"
	"github.com/FastLED/FastLED-sub016/internal/backend/sim"
	"github.com/FastLED/FastLED-sub016/internal/engine"
	"github.com/FastLED/FastLED-sub016/internal/engine/router"
	"github.com/FastLED/FastLED-sub016/internal/pixel"
	"github.com/FastLED/FastLED-sub016/internal/platform"
	"github.com/FastLED/FastLED-sub016/internal/spibus"
	"github.com/FastLED/FastLED-sub016/internal/transpose"
	"github.com/FastLED/FastLED-sub016/internal/txunit"
)

var pulse = engine.Capabilities{PulseCoded: true}

type mirror struct {
	n     int
	drawn *image.NRGBA
}

func (m *mirror) String() string              { return "mirror" }
func (m *mirror) Halt() error                 { return nil }
func (m *mirror) ColorModel() color.Model     { return color.NRGBAModel }
func (m *mirror) Bounds() image.Rectangle     { return image.Rect(0, 0, m.n, 1) }
func (m *mirror) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	m.drawn = src.(*image.NRGBA)
	return nil
}

func wsConfig(name string, pin int) Config {
	return Config{Name: name, Pin: pin, Chipset: txunit.PulseChipset(txunit.WS2812), Order: pixel.GRBOrder, NumLeds: 2}
}

func TestShowPixels(t *testing.T) {
	r := router.New()
	rmt := sim.New("RMT", pulse)
	require.NoError(t, r.AddEngine(10, rmt))

	m := &mirror{n: 2}
	cfg := wsConfig("strip", 5)
	cfg.Mirror = m
	c, err := New(cfg, r)
	require.NoError(t, err)

	px := []pixel.RGB{{R: 1, G: 2, B: 3}, {R: 4, G: 5, B: 6}}
	require.NoError(t, c.ShowPixels(px))
	assert.True(t, c.Unit().InUse())
	assert.Equal(t, "RMT", c.Engine().Name())

	r.OnEndFrame()
	require.True(t, r.WaitIdle(time.Second))
	assert.False(t, c.Unit().InUse())

	frames := rmt.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{2, 1, 3, 5, 4, 6}, frames[0][0].Data)
	assert.Equal(t, 5, frames[0][0].Pin)
	require.NotNil(t, m.drawn)
	assert.Equal(t, color.NRGBA{R: 4, G: 5, B: 6, A: 255}, m.drawn.NRGBAAt(1, 0))
}

func TestShowPixels_NoEngine(t *testing.T) {
	r := router.New()
	require.NoError(t, r.AddEngine(10, sim.New("clocked-only", engine.Capabilities{Clocked: true})))
	c, err := New(wsConfig("strip", 5), r)
	require.NoError(t, err)

	err = c.ShowPixels([]pixel.RGB{{R: 1}})
	assert.True(t, errors.Is(err, ErrNoEngine))
	assert.False(t, c.Unit().InUse())
	assert.Nil(t, c.Engine())
}

func TestShowPixels_FrameDropped(t *testing.T) {
	r := router.New()
	slow := sim.New("slow", pulse)
	slow.Latency = time.Second
	require.NoError(t, r.AddEngine(10, slow))
	cfg := wsConfig("strip", 5)
	cfg.Wait = 10 * time.Millisecond
	c, err := New(cfg, r)
	require.NoError(t, err)

	require.NoError(t, c.ShowPixels([]pixel.RGB{{R: 1}}))
	r.OnEndFrame()
	err = c.ShowPixels([]pixel.RGB{{R: 2}})
	assert.ErrorIs(t, err, ErrFrameDropped)
	assert.Equal(t, 1, slow.Shows())
}

func TestShowPixels_WaitsForPrevious(t *testing.T) {
	r := router.New()
	e := sim.New("rmt", pulse)
	e.Latency = 5 * time.Millisecond
	require.NoError(t, r.AddEngine(10, e))
	c, err := New(wsConfig("strip", 5), r)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.ShowPixels([]pixel.RGB{{R: byte(i)}}))
		r.OnEndFrame()
	}
	require.True(t, r.WaitIdle(time.Second))
	assert.Equal(t, 3, e.Shows())
}

func TestAffinity(t *testing.T) {
	r := router.New()
	hi := sim.New("PARLIO", pulse)
	lo := sim.New("SPI", pulse)
	require.NoError(t, r.AddEngine(100, hi))
	require.NoError(t, r.AddEngine(50, lo))

	cfg := wsConfig("strip", 5)
	cfg.Affinity = "SPI"
	c, err := New(cfg, r)
	require.NoError(t, err)

	require.NoError(t, c.ShowPixels([]pixel.RGB{{R: 1}}))
	r.OnEndFrame()
	require.True(t, r.WaitIdle(time.Second))
	assert.Equal(t, 1, lo.Shows())
	assert.Zero(t, hi.Shows())

	require.True(t, r.RemoveEngine(lo))
	err = c.ShowPixels([]pixel.RGB{{R: 1}})
	assert.ErrorIs(t, err, router.ErrAffinityNotFound)

	require.NoError(t, r.AddEngine(10, sim.New("SPI", pulse)))
	assert.NoError(t, c.ShowPixels([]pixel.RGB{{R: 1}}))
}

func TestShowPixels_EngineReplacedBeforeShow(t *testing.T) {
	r := router.New()
	old := sim.New("RMT", pulse)
	require.NoError(t, r.AddEngine(10, old))
	cfg := wsConfig("strip", 5)
	cfg.Affinity = "RMT"
	c, err := New(cfg, r)
	require.NoError(t, err)

	require.NoError(t, c.ShowPixels([]pixel.RGB{{R: 1}}))
	next := sim.New("RMT", pulse)
	require.NoError(t, r.AddEngine(10, next))
	r.OnEndFrame()
	assert.Equal(t, 1, old.Shows(), "frame queued before the swap still goes out")
	assert.False(t, c.Unit().InUse())

	for i := 0; i < 5; i++ {
		require.NoError(t, c.ShowPixels([]pixel.RGB{{R: byte(i)}}), "frame %d", i)
		r.OnEndFrame()
	}
	assert.Equal(t, 5, next.Shows())
	assert.Equal(t, 1, old.Shows())
}

func TestShowPixels_EngineRemovedBeforeShow(t *testing.T) {
	r := router.New()
	hi := sim.New("PARLIO", pulse)
	lo := sim.New("RMT", pulse)
	require.NoError(t, r.AddEngine(100, hi))
	require.NoError(t, r.AddEngine(10, lo))
	c, err := New(wsConfig("strip", 5), r)
	require.NoError(t, err)

	require.NoError(t, c.ShowPixels([]pixel.RGB{{R: 1}}))
	require.True(t, r.RemoveEngine(hi))
	for i := 0; i < 3; i++ {
		require.NoError(t, c.ShowPixels([]pixel.RGB{{R: byte(i)}}), "frame %d", i)
		r.OnEndFrame()
	}
	assert.Equal(t, 1, hi.Shows())
	assert.Equal(t, 3, lo.Shows())
	assert.Equal(t, "RMT", c.Engine().Name())
}

func busRig(t *testing.T, lanes int) (*router.Router, *spibus.Manager, *platform.SimController) {
	t.Helper()
	ctrl := platform.NewSimController("spi", lanes)
	mgr := spibus.NewManager(platform.Table{LaneWidths: []int{lanes}, Pool: platform.NewPool(ctrl)})
	r := router.New()
	require.NoError(t, r.AddEngine(10, multilane.New("SPI", mgr, multilane.Opts{})))
	return r, mgr, ctrl
}

func ws2801Config(name string, pin int) Config {
	return Config{
		Name:    name,
		Pin:     pin,
		Chipset: txunit.ClockedChipset(txunit.WS2801, 14, 4*physic.MegaHertz),
		NumLeds: 1,
	}
}

func showAll(t *testing.T, r *router.Router, px []pixel.RGB, chans ...*Channel) {
	t.Helper()
	for _, c := range chans {
		require.NoError(t, c.ShowPixels(px), c.Name())
	}
	r.OnEndFrame()
	require.True(t, r.WaitIdle(time.Second))
}

func TestApplyConfig_RepinOnBus(t *testing.T) {
	r, mgr, ctrl := busRig(t, 1)
	c, err := New(ws2801Config("strip", 20), r)
	require.NoError(t, err)
	showAll(t, r, []pixel.RGB{{R: 1, G: 2, B: 3}}, c)
	require.Len(t, ctrl.Sent(), 1)

	cfg := ws2801Config("strip", 21)
	require.NoError(t, c.ApplyConfig(cfg))
	for i := 0; i < 3; i++ {
		showAll(t, r, []pixel.RGB{{R: 9, G: 9, B: 9}}, c)
	}
	assert.Len(t, ctrl.Sent(), 4, "every frame after the repin reaches the wire")

	b, _ := mgr.Bus(14)
	require.Equal(t, 1, b.Allocated(), "old device released")
	assert.Equal(t, 21, b.Devices[0].DataPin)
	assert.True(t, b.Devices[0].Enabled)
}

func TestApplyConfig_RepinSharedBus(t *testing.T) {
	r, mgr, ctrl := busRig(t, 2)
	a, err := New(ws2801Config("a", 20), r)
	require.NoError(t, err)
	b, err := New(ws2801Config("b", 21), r)
	require.NoError(t, err)
	showAll(t, r, []pixel.RGB{{R: 1, G: 1, B: 1}}, a, b)

	require.NoError(t, b.ApplyConfig(ws2801Config("b", 22)))
	showAll(t, r, []pixel.RGB{{R: 0xF0, G: 0x0F, B: 0xAA}}, a, b)

	sent := ctrl.Sent()
	require.Len(t, sent, 2)
	lanes := [][]byte{make([]byte, 3), make([]byte, 3)}
	require.NoError(t, transpose.Untranspose(sent[1], lanes))
	assert.Equal(t, lanes[0], lanes[1], "repinned strip keeps its lane")
	assert.Equal(t, []byte{0xF0, 0x0F, 0xAA}, lanes[1])

	info, _ := mgr.Bus(14)
	assert.Equal(t, 2, info.Enabled())
}

func TestClose(t *testing.T) {
	r, mgr, _ := busRig(t, 1)
	var l DrawList
	c, err := New(ws2801Config("strip", 20), r)
	require.NoError(t, err)
	l.Add(c)
	showAll(t, r, []pixel.RGB{{R: 1}}, c)

	require.NoError(t, c.Close())
	assert.Zero(t, l.Len())
	assert.Nil(t, c.Engine())
	b, _ := mgr.Bus(14)
	assert.Zero(t, b.Allocated())
}

func TestApplyConfig(t *testing.T) {
	r := router.New()
	require.NoError(t, r.AddEngine(10, sim.New("rmt", pulse)))
	c, err := New(wsConfig("strip", 5), r)
	require.NoError(t, err)
	u := c.Unit()

	cfg := wsConfig("renamed", 5)
	cfg.NumLeds = 4
	require.NoError(t, c.ApplyConfig(cfg))
	assert.Same(t, u, c.Unit())
	assert.Equal(t, "renamed", c.Name())
	assert.Len(t, c.Leds(), 4)

	cfg.Chipset = txunit.ClockedChipset(txunit.APA102, 6, 4*physic.MegaHertz)
	require.NoError(t, c.ApplyConfig(cfg))
	assert.NotSame(t, u, c.Unit())
	assert.Equal(t, txunit.Clocked, c.Unit().Chipset.Family)

	cfg.Chipset = txunit.ClockedChipset("p9813", 6, physic.MegaHertz)
	assert.Error(t, c.ApplyConfig(cfg))
	cfg.Chipset = txunit.Chipset{}
	assert.Error(t, c.ApplyConfig(cfg))
}

func TestDrawList(t *testing.T) {
	r := router.New()
	var l, other DrawList
	a, err := New(wsConfig("a", 1), r)
	require.NoError(t, err)
	b, err := New(wsConfig("b", 2), r)
	require.NoError(t, err)

	l.Add(a)
	l.Add(b)
	assert.Equal(t, []*Channel{a, b}, l.Channels())
	assert.Same(t, b, l.ByName("b"))

	other.Add(a)
	assert.Equal(t, []*Channel{b}, l.Channels())
	assert.Equal(t, 1, other.Len())

	b.RemoveFromDrawList()
	b.RemoveFromDrawList()
	assert.Zero(t, l.Len())
	assert.Nil(t, l.ByName("b"))
}
