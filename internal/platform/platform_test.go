package platform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spitest"
)

func TestPool_AcquireRelease(t *testing.T) {
	a := NewSimController("a", 4)
	b := NewSimController("b", 4)
	p := NewPool(a, b, NewSimController("c", 1))

	assert.Equal(t, 2, p.Free(4))
	c1, ok := p.Acquire(4)
	require.True(t, ok)
	c2, ok := p.Acquire(4)
	require.True(t, ok)
	assert.NotEqual(t, c1, c2)
	_, ok = p.Acquire(4)
	assert.False(t, ok, "pool exhausted")
	_, ok = p.Acquire(8)
	assert.False(t, ok, "no such width")
	assert.Equal(t, 2, p.InUse())

	p.Release(c1)
	p.Release(c1) // double release is ignored
	assert.Equal(t, 1, p.Free(4))
	assert.Equal(t, 1, p.InUse())
}

func TestPool_Nil(t *testing.T) {
	var p *Pool
	_, ok := p.Acquire(1)
	assert.False(t, ok)
	assert.Zero(t, p.Free(1))
	p.Release(nil)
}

func TestSimTable(t *testing.T) {
	tb := Sim(map[int]int{1: 2, 4: 1, 8: 0})
	assert.Equal(t, []int{1, 4}, tb.LaneWidths)
	assert.True(t, tb.Supports(4))
	assert.False(t, tb.Supports(8))
	assert.Equal(t, 2, tb.Pool.Free(1))
	assert.Equal(t, 40*physic.MegaHertz, tb.ClampSpeed(80*physic.MegaHertz))
	assert.Equal(t, physic.MegaHertz, tb.ClampSpeed(physic.MegaHertz))
	require.NotNil(t, tb.Software)
	assert.Equal(t, 1, tb.Software(14, 13).Lanes())
}

func TestFromProfile(t *testing.T) {
	tb, err := FromProfile("esp32")
	require.NoError(t, err)
	assert.Equal(t, "esp32", tb.Name)
	assert.Equal(t, []int{1, 2, 4}, tb.LaneWidths)
	assert.False(t, tb.Supports(8))

	_, err = FromProfile("z80")
	assert.Error(t, err)
}

func TestSimController(t *testing.T) {
	s := NewSimController("s", 1)
	assert.Error(t, s.Transmit([]byte{1}), "transmit before begin")
	require.NoError(t, s.Begin(physic.MegaHertz))
	assert.Equal(t, physic.MegaHertz, s.Speed())

	s.Latency = 20 * time.Millisecond
	require.NoError(t, s.Transmit([]byte{1, 2}))
	assert.False(t, s.WaitComplete(time.Millisecond))
	assert.True(t, s.WaitComplete(time.Second))
	assert.Equal(t, [][]byte{{1, 2}}, s.Sent())
	require.NoError(t, s.End())
	assert.Equal(t, 1, s.Begins())
	assert.Equal(t, 1, s.Ends())
}

func TestPortController(t *testing.T) {
	var recs []*spitest.Record
	open := func() (spi.PortCloser, error) {
		r := &spitest.Record{}
		recs = append(recs, r)
		return r, nil
	}
	p := NewPortController("SPI0.0", 1, open)
	assert.Equal(t, "SPI0.0", p.String())
	require.NoError(t, p.Begin(4*physic.MegaHertz))
	assert.Error(t, p.Begin(4*physic.MegaHertz), "double begin")

	require.NoError(t, p.Transmit([]byte{0xDE, 0xAD}))
	require.True(t, p.WaitComplete(time.Second))
	assert.NoError(t, p.Err())
	require.Len(t, recs, 1)
	require.Len(t, recs[0].Ops, 1)
	assert.Equal(t, []byte{0xDE, 0xAD}, recs[0].Ops[0].W)

	require.NoError(t, p.End())
	assert.Error(t, p.Transmit([]byte{1}))

	// The controller reopens the port on the next Begin.
	require.NoError(t, p.Begin(physic.MegaHertz))
	assert.Len(t, recs, 2)
	require.NoError(t, p.End())
}
