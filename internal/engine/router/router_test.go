package router

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/FastLED/FastLED-sub016/internal/backend/sim"
	"github.com/FastLED/FastLED-sub016/internal/engine"
	"github.com/FastLED/FastLED-sub016/internal/txunit"
)

var (
	pulse   = engine.Capabilities{PulseCoded: true}
	clocked = engine.Capabilities{Clocked: true}
)

func ws2812(pin int) *txunit.Unit {
	return txunit.New(pin, txunit.PulseChipset(txunit.WS2812))
}

func apa102(pin int) *txunit.Unit {
	return txunit.New(pin, txunit.ClockedChipset(txunit.APA102, pin+1, 4*physic.MegaHertz))
}

func names(infos []DriverInfo) []string {
	var out []string
	for _, i := range infos {
		out = append(out, i.Name)
	}
	return out
}

func TestRouter_PriorityOrder(t *testing.T) {
	r := New()
	require.NoError(t, r.AddEngine(10, sim.New("RMT", pulse)))
	require.NoError(t, r.AddEngine(50, sim.New("SPI", pulse)))
	require.NoError(t, r.AddEngine(100, sim.New("PARLIO", pulse)))

	infos := r.DriverInfos()
	assert.Equal(t, []string{"PARLIO", "SPI", "RMT"}, names(infos))
	for _, i := range infos {
		assert.True(t, i.Enabled)
	}

	require.True(t, r.SetDriverEnabled("SPI", false))
	infos = r.DriverInfos()
	assert.Equal(t, []bool{true, false, true}, []bool{infos[0].Enabled, infos[1].Enabled, infos[2].Enabled})
	assert.False(t, r.SetDriverEnabled("I2S", false))
}

func TestRouter_EqualPriorityKeepsRegistrationOrder(t *testing.T) {
	r := New()
	require.NoError(t, r.AddEngine(5, sim.New("a", pulse)))
	require.NoError(t, r.AddEngine(5, sim.New("b", pulse)))
	require.NoError(t, r.AddEngine(5, sim.New("c", pulse)))
	assert.Equal(t, []string{"a", "b", "c"}, names(r.DriverInfos()))
}

func TestRouter_ReplaceSameName(t *testing.T) {
	r := New()
	first := sim.New("SPI", pulse)
	second := sim.New("SPI", pulse)
	require.NoError(t, r.AddEngine(50, first))
	require.NoError(t, r.AddEngine(60, second))
	assert.Equal(t, 1, r.Len())
	assert.Same(t, second, r.EngineByName("SPI"))
	assert.Equal(t, 60, r.DriverInfos()[0].Priority)
}

func TestRouter_ReplaceWaitsForOld(t *testing.T) {
	r := New()
	old := sim.New("SPI", pulse)
	old.Latency = 20 * time.Millisecond
	require.NoError(t, r.AddEngine(50, old))
	u := ws2812(1)
	e, err := r.SelectEngineForChannel(u, "")
	require.NoError(t, err)
	e.Enqueue(u)
	r.OnEndFrame()
	require.True(t, u.InUse())

	require.NoError(t, r.AddEngine(50, sim.New("SPI", pulse)))
	assert.False(t, u.InUse(), "old engine drained before replacement")
}

func TestRouter_ReplaceShowsQueuedWork(t *testing.T) {
	r := New()
	old := sim.New("RMT", pulse)
	require.NoError(t, r.AddEngine(10, old))
	u := ws2812(5)
	require.NoError(t, u.SetBytes([]byte{1, 2, 3}))
	e, err := r.SelectEngineForChannel(u, "RMT")
	require.NoError(t, err)
	e.Enqueue(u)

	next := sim.New("RMT", pulse)
	require.NoError(t, r.AddEngine(10, next))
	assert.Equal(t, 1, old.Shows(), "queued work goes out on the retired engine")
	assert.False(t, u.InUse())
	assert.False(t, r.Registered(e))

	e.Enqueue(u)
	assert.False(t, u.InUse(), "retired handle takes no more work")
	r.OnEndFrame()
	assert.Zero(t, next.Shows())
}

func TestRouter_RetireDiscardsStuckQueue(t *testing.T) {
	r := New(WithClearTimeout(5 * time.Millisecond))
	stuck := sim.New("RMT", pulse)
	stuck.Latency = time.Hour
	stuck.ShowTimeout = time.Millisecond
	require.NoError(t, r.AddEngine(10, stuck))
	e, err := r.SelectEngineForChannel(ws2812(1), "")
	require.NoError(t, err)
	first := ws2812(1)
	e.Enqueue(first)
	r.OnEndFrame()
	queued := ws2812(2)
	e.Enqueue(queued)

	assert.True(t, r.RemoveEngine(stuck))
	assert.False(t, queued.InUse(), "queued unit handed back")
	assert.Zero(t, stuck.Pending())
}

func TestRouter_ClearShowsQueuedWork(t *testing.T) {
	r := New()
	a := sim.New("a", pulse)
	require.NoError(t, r.AddEngine(1, a))
	u := ws2812(1)
	e, err := r.SelectEngineForChannel(u, "")
	require.NoError(t, err)
	e.Enqueue(u)
	r.ClearAllEngines()
	assert.Equal(t, 1, a.Shows())
	assert.False(t, u.InUse())
}

func TestRouter_DeferredShowRetried(t *testing.T) {
	r := New()
	slow := sim.New("slow", pulse)
	slow.Latency = 30 * time.Millisecond
	slow.ShowTimeout = time.Millisecond
	require.NoError(t, r.AddEngine(1, slow))
	e, err := r.SelectEngineForChannel(ws2812(1), "")
	require.NoError(t, err)

	e.Enqueue(ws2812(1))
	r.OnEndFrame()
	late := ws2812(2)
	e.Enqueue(late)
	r.OnEndFrame()
	require.Equal(t, 1, slow.Shows(), "second show deferred")
	require.Equal(t, 1, slow.Pending())

	time.Sleep(40 * time.Millisecond)
	r.OnBeginFrame()
	r.OnEndFrame()
	assert.Equal(t, 2, slow.Shows(), "deferred units shown without new work")
	assert.Zero(t, slow.Pending())
}

type forgetful struct {
	*sim.Engine
	forgot []*txunit.Unit
}

func (f *forgetful) Forget(u *txunit.Unit) error {
	f.forgot = append(f.forgot, u)
	return nil
}

func TestRouter_ForgetForwarded(t *testing.T) {
	r := New()
	f := &forgetful{Engine: sim.New("bus", pulse)}
	require.NoError(t, r.AddEngine(1, f))
	require.NoError(t, r.AddEngine(2, sim.New("plain", pulse)))
	u := ws2812(1)

	e, err := r.SelectEngineForChannel(u, "bus")
	require.NoError(t, err)
	fg, ok := e.(engine.Forgetter)
	require.True(t, ok)
	require.NoError(t, fg.Forget(u))
	assert.Equal(t, []*txunit.Unit{u}, f.forgot)

	e, err = r.SelectEngineForChannel(u, "plain")
	require.NoError(t, err)
	assert.NoError(t, e.(engine.Forgetter).Forget(u), "engines without bus state ignore it")
}

func TestRouter_EmptyNameRejected(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.AddEngine(1, sim.New("", pulse)), ErrEmptyName)
	assert.ErrorIs(t, r.AddEngine(1, nil), ErrEmptyName)
	assert.Zero(t, r.Len())
}

func TestRouter_Select(t *testing.T) {
	r := New()
	require.NoError(t, r.AddEngine(10, sim.New("RMT", pulse)))
	require.NoError(t, r.AddEngine(100, sim.New("PARLIO", pulse)))
	require.NoError(t, r.AddEngine(20, sim.New("HWSPI", clocked)))

	e, err := r.SelectEngineForChannel(ws2812(1), "")
	require.NoError(t, err)
	assert.Equal(t, "PARLIO", e.Name())

	e, err = r.SelectEngineForChannel(apa102(1), "")
	require.NoError(t, err)
	assert.Equal(t, "HWSPI", e.Name())

	r.SetDriverEnabled("PARLIO", false)
	e, err = r.SelectEngineForChannel(ws2812(1), "")
	require.NoError(t, err)
	assert.Equal(t, "RMT", e.Name())

	r.SetDriverEnabled("RMT", false)
	_, err = r.SelectEngineForChannel(ws2812(1), "")
	assert.ErrorIs(t, err, ErrNoEngine)
}

func TestRouter_Affinity(t *testing.T) {
	r := New()
	require.NoError(t, r.AddEngine(10, sim.New("RMT", pulse)))
	require.NoError(t, r.AddEngine(100, sim.New("PARLIO", pulse)))

	e, err := r.SelectEngineForChannel(ws2812(1), "RMT")
	require.NoError(t, err)
	assert.Equal(t, "RMT", e.Name())
	assert.True(t, r.Registered(e))

	_, err = r.SelectEngineForChannel(ws2812(1), "I2S")
	assert.ErrorIs(t, err, ErrAffinityNotFound)

	r.SetDriverEnabled("RMT", false)
	_, err = r.SelectEngineForChannel(ws2812(1), "RMT")
	assert.ErrorIs(t, err, ErrDriverDisabled)
	assert.False(t, r.Registered(e))
}

func TestRouter_Exclusive(t *testing.T) {
	r := New()
	require.NoError(t, r.AddEngine(10, sim.New("RMT", pulse)))
	require.NoError(t, r.AddEngine(100, sim.New("PARLIO", pulse)))
	assert.True(t, r.SetExclusiveDriver("RMT"))
	require.NoError(t, r.AddEngine(200, sim.New("I2S", pulse)))

	for _, i := range r.DriverInfos() {
		assert.Equal(t, i.Name == "RMT", i.Enabled, i.Name)
	}
	e, err := r.SelectEngineForChannel(ws2812(1), "")
	require.NoError(t, err)
	assert.Equal(t, "RMT", e.Name())

	assert.True(t, r.SetExclusiveDriver(""))
	for _, i := range r.DriverInfos() {
		assert.True(t, i.Enabled, i.Name)
	}
}

func TestRouter_SetPriority(t *testing.T) {
	r := New()
	require.NoError(t, r.AddEngine(10, sim.New("RMT", pulse)))
	require.NoError(t, r.AddEngine(100, sim.New("PARLIO", pulse)))
	require.True(t, r.SetDriverPriority("RMT", 200))
	assert.Equal(t, []string{"RMT", "PARLIO"}, names(r.DriverInfos()))
	assert.False(t, r.SetDriverPriority("nope", 1))
}

func TestRouter_RemoveAndClear(t *testing.T) {
	r := New()
	a := sim.New("a", pulse)
	require.NoError(t, r.AddEngine(1, a))
	require.NoError(t, r.AddEngine(2, sim.New("b", pulse)))

	assert.True(t, r.RemoveEngine(a))
	assert.False(t, r.RemoveEngine(a))
	assert.Nil(t, r.EngineByName("a"))
	assert.Equal(t, 1, r.Len())

	r.ClearAllEngines()
	assert.Zero(t, r.Len())
}

func TestRouter_FrameHooks(t *testing.T) {
	r := New()
	busy := sim.New("busy", pulse)
	idle := sim.New("idle", clocked)
	require.NoError(t, r.AddEngine(10, busy))
	require.NoError(t, r.AddEngine(5, idle))

	u := ws2812(4)
	require.NoError(t, u.SetBytes([]byte{1, 2, 3}))
	r.OnBeginFrame()
	e, err := r.SelectEngineForChannel(u, "")
	require.NoError(t, err)
	e.Enqueue(u)
	assert.True(t, u.InUse())
	r.OnEndFrame()

	assert.Equal(t, 1, busy.Shows())
	assert.Zero(t, idle.Shows(), "no work, no show")

	r.OnBeginFrame()
	assert.False(t, u.InUse(), "begin frame releases finished units")

	// Nothing enqueued: the next end frame shows nothing.
	r.OnEndFrame()
	assert.Equal(t, 1, busy.Shows())
}

func TestRouter_PollAggregate(t *testing.T) {
	r := New()
	slow := sim.New("slow", pulse)
	slow.Latency = time.Hour
	broken := sim.New("broken", pulse)
	broken.Latency = time.Hour
	require.NoError(t, r.AddEngine(1, slow))
	require.NoError(t, r.AddEngine(2, broken))

	st, err := r.Poll()
	assert.Equal(t, engine.Ready, st)
	assert.NoError(t, err)

	u := ws2812(1)
	slow.Enqueue(u)
	slow.Show()
	st, _ = r.Poll()
	assert.Equal(t, engine.Busy, st)

	v := ws2812(2)
	broken.Enqueue(v)
	broken.Show()
	broken.SetFault(errors.New("underrun"))
	st, err = r.Poll()
	assert.Equal(t, engine.Error, st)
	assert.ErrorContains(t, err, "broken")
}

func TestDefault(t *testing.T) {
	Reset()
	a := Default()
	assert.Same(t, a, Default())
	Reset()
	assert.NotSame(t, a, Default())
}
