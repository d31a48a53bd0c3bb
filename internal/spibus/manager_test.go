package spibus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/FastLED/FastLED-sub016/internal/platform"
	"github.com/FastLED/FastLED-sub016/internal/transpose"
)

func simManager(t *testing.T, counts map[int]int) *Manager {
	t.Helper()
	return NewManager(platform.Sim(counts))
}

func register(t *testing.T, m *Manager, clock, n int) []Handle {
	t.Helper()
	var hs []Handle
	for i := 0; i < n; i++ {
		h, err := m.RegisterDevice(clock, 100+i, 10*physic.MegaHertz, fmt.Sprint("dev", i))
		require.NoError(t, err)
		hs = append(hs, h)
	}
	return hs
}

func TestManager_TwoBuses(t *testing.T) {
	m := simManager(t, map[int]int{1: 2, 2: 1, 4: 1, 8: 1})
	register(t, m, 14, 3)
	register(t, m, 18, 1)
	m.Initialize()

	require.Equal(t, 2, m.NumBuses())
	b14, ok := m.Bus(14)
	require.True(t, ok)
	assert.Equal(t, QuadSPI, b14.Type)
	assert.Equal(t, 3, b14.Enabled())
	b18, ok := m.Bus(18)
	require.True(t, ok)
	assert.Equal(t, SingleSPI, b18.Type)
	assert.True(t, b18.Initialized)
}

func TestManager_PromotionByCount(t *testing.T) {
	cases := []struct {
		n    int
		want BusType
	}{
		{1, SingleSPI},
		{2, DualSPI},
		{3, QuadSPI},
		{4, QuadSPI},
		{5, OctalSPI},
		{8, OctalSPI},
	}
	for _, c := range cases {
		t.Run(fmt.Sprint(c.n), func(t *testing.T) {
			m := simManager(t, map[int]int{1: 1, 2: 1, 4: 1, 8: 1})
			register(t, m, 5, c.n)
			m.Initialize()
			b, _ := m.Bus(5)
			assert.Equal(t, c.want, b.Type)
			assert.Equal(t, c.n, b.Enabled())
			assert.Empty(t, b.Err)
		})
	}
}

func TestManager_NinthDeviceRejected(t *testing.T) {
	m := simManager(t, map[int]int{8: 1})
	register(t, m, 5, MaxDevices)
	_, err := m.RegisterDevice(5, 99, physic.MegaHertz, nil)
	assert.ErrorIs(t, err, ErrBusFull)
}

func TestManager_DualFallback(t *testing.T) {
	m := simManager(t, map[int]int{1: 1, 4: 1})
	hs := register(t, m, 14, 2)
	m.Initialize()

	b, _ := m.Bus(14)
	assert.Equal(t, SingleSPI, b.Type)
	assert.NotEmpty(t, b.Err)
	d0, _ := m.Device(hs[0])
	d1, _ := m.Device(hs[1])
	assert.True(t, d0.Enabled)
	assert.False(t, d1.Enabled)
	assert.ErrorIs(t, m.Transmit(hs[1], []byte{1}), ErrDeviceDisabled)
	assert.NoError(t, m.Transmit(hs[0], []byte{1}))
}

func TestManager_SoftwareFallback(t *testing.T) {
	m := simManager(t, map[int]int{4: 1})
	hs := register(t, m, 3, 1)
	m.Initialize()
	b, _ := m.Bus(3)
	assert.Equal(t, SoftSPI, b.Type)
	assert.Equal(t, "soft3/100", b.Controller)
	assert.NoError(t, m.Transmit(hs[0], []byte{1}))
	assert.NoError(t, m.FinalizeTransmission(hs[0], 0))
}

func TestManager_InitializeIdempotent(t *testing.T) {
	c := platform.NewSimController("q", 4)
	m := NewManager(platform.Table{LaneWidths: []int{4}, Pool: platform.NewPool(c)})
	register(t, m, 14, 3)
	m.Initialize()
	m.Initialize()
	assert.Equal(t, 1, c.Begins())
}

func TestManager_LateRegistrationDisabled(t *testing.T) {
	m := simManager(t, map[int]int{1: 1, 2: 1})
	register(t, m, 14, 1)
	m.Initialize()
	h, err := m.RegisterDevice(14, 7, physic.MegaHertz, nil)
	require.NoError(t, err)
	d, ok := m.Device(h)
	require.True(t, ok)
	assert.True(t, d.Allocated)
	assert.False(t, d.Enabled)
}

func TestManager_SpeedIsMinimum(t *testing.T) {
	m := simManager(t, map[int]int{2: 1})
	_, err := m.RegisterDevice(1, 2, 20*physic.MegaHertz, nil)
	require.NoError(t, err)
	_, err = m.RegisterDevice(1, 3, 8*physic.MegaHertz, nil)
	require.NoError(t, err)
	m.Initialize()
	b, _ := m.Bus(1)
	assert.Equal(t, 8*physic.MegaHertz, b.Speed)
}

func TestManager_SpeedClamped(t *testing.T) {
	m := simManager(t, map[int]int{1: 1})
	_, err := m.RegisterDevice(1, 2, 100*physic.MegaHertz, nil)
	require.NoError(t, err)
	m.Initialize()
	b, _ := m.Bus(1)
	assert.Equal(t, 40*physic.MegaHertz, b.Speed)
}

func TestManager_UnregisterReleases(t *testing.T) {
	c := platform.NewSimController("d", 2)
	pool := platform.NewPool(c)
	m := NewManager(platform.Table{LaneWidths: []int{2}, Pool: pool})
	hs := register(t, m, 14, 2)
	m.Initialize()
	assert.Equal(t, 0, pool.Free(2))

	require.NoError(t, m.UnregisterDevice(hs[0]))
	assert.Equal(t, 0, pool.Free(2), "one device left")
	require.NoError(t, m.UnregisterDevice(hs[1]))
	assert.Equal(t, 1, pool.Free(2))
	assert.Equal(t, 1, c.Ends())

	b, _ := m.Bus(14)
	assert.Equal(t, SoftSPI, b.Type)
	assert.False(t, b.Initialized)
	assert.ErrorIs(t, m.UnregisterDevice(hs[1]), ErrInvalidHandle)
	assert.ErrorIs(t, m.Transmit(hs[0], nil), ErrInvalidHandle, "stale handle")
}

func TestManager_SlotReuse(t *testing.T) {
	m := simManager(t, map[int]int{8: 1})
	hs := register(t, m, 1, MaxDevices)
	require.NoError(t, m.UnregisterDevice(hs[3]))
	h, err := m.RegisterDevice(1, 50, physic.MegaHertz, nil)
	require.NoError(t, err)
	b, _ := m.Bus(1)
	assert.Len(t, b.Devices, MaxDevices)
	d, _ := m.Device(h)
	assert.Equal(t, 50, d.DataPin)
}

func TestManager_MultiLaneFinalize(t *testing.T) {
	c := platform.NewSimController("q", 4)
	m := NewManager(platform.Table{LaneWidths: []int{4}, Pool: platform.NewPool(c)})
	hs := register(t, m, 14, 3)
	m.Initialize()

	data := [][]byte{{0x12, 0x34}, {0xAB, 0xCD}, {0xFF, 0x00}}
	for i, h := range hs {
		require.NoError(t, m.Transmit(h, data[i]))
	}
	assert.Empty(t, c.Sent(), "multi-lane data is buffered")
	require.NoError(t, m.FinalizeTransmission(hs[0], time.Second))

	sent := c.Sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0], 8)
	lanes := make([][]byte, 4)
	for i := range lanes {
		lanes[i] = make([]byte, 2)
	}
	require.NoError(t, transpose.Untranspose(sent[0], lanes))
	for i := range data {
		assert.Equal(t, data[i], lanes[i])
	}
	assert.Equal(t, []byte{0, 0}, lanes[3], "absent lane is zero")

	// Nothing pending.
	require.NoError(t, m.FinalizeTransmission(hs[0], time.Second))
	assert.Len(t, c.Sent(), 1)
}

func TestManager_MultiLaneUnequalLengths(t *testing.T) {
	c := platform.NewSimController("d", 2)
	m := NewManager(platform.Table{LaneWidths: []int{2}, Pool: platform.NewPool(c)})
	hs := register(t, m, 14, 2)
	m.Initialize()

	require.NoError(t, m.Transmit(hs[0], []byte{1, 2, 3}))
	require.NoError(t, m.Transmit(hs[1], []byte{9}))
	require.NoError(t, m.FinalizeTransmission(hs[1], time.Second))

	lanes := [][]byte{make([]byte, 3), make([]byte, 3)}
	require.NoError(t, transpose.Untranspose(c.Sent()[0], lanes))
	assert.Equal(t, []byte{1, 2, 3}, lanes[0])
	assert.Equal(t, []byte{0, 0, 9}, lanes[1], "short lane ends with the long one")
}

func TestManager_StaleHandleAfterSlotReuse(t *testing.T) {
	c := platform.NewSimController("d", 2)
	m := NewManager(platform.Table{LaneWidths: []int{2}, Pool: platform.NewPool(c)})
	hs := register(t, m, 14, 2)
	m.Initialize()

	require.NoError(t, m.UnregisterDevice(hs[0]))
	h, err := m.RegisterDevice(14, 50, 10*physic.MegaHertz, "new")
	require.NoError(t, err)
	assert.Equal(t, hs[0].slot, h.slot, "freed slot reused")

	assert.ErrorIs(t, m.Transmit(hs[0], []byte{0xFF}), ErrInvalidHandle)
	assert.ErrorIs(t, m.UnregisterDevice(hs[0]), ErrInvalidHandle)
	_, ok := m.Device(hs[0])
	assert.False(t, ok)
	d, ok := m.Device(h)
	require.True(t, ok)
	assert.Equal(t, "new", d.Owner)
}

func TestManager_FreedLaneTakenOver(t *testing.T) {
	c := platform.NewSimController("d", 2)
	m := NewManager(platform.Table{LaneWidths: []int{2}, Pool: platform.NewPool(c)})
	hs := register(t, m, 14, 2)
	m.Initialize()

	require.NoError(t, m.UnregisterDevice(hs[1]))
	h, err := m.RegisterDevice(14, 60, 10*physic.MegaHertz, nil)
	require.NoError(t, err)
	d, _ := m.Device(h)
	assert.True(t, d.Enabled)
	assert.Equal(t, 1, d.Lane)

	require.NoError(t, m.Transmit(hs[0], []byte{1}))
	require.NoError(t, m.Transmit(h, []byte{2}))
	require.NoError(t, m.FinalizeTransmission(h, time.Second))
	lanes := [][]byte{make([]byte, 1), make([]byte, 1)}
	require.NoError(t, transpose.Untranspose(c.Sent()[0], lanes))
	assert.Equal(t, [][]byte{{1}, {2}}, lanes)

	late, err := m.RegisterDevice(14, 61, 10*physic.MegaHertz, nil)
	require.NoError(t, err)
	d, _ = m.Device(late)
	assert.False(t, d.Enabled, "no freed lane left")
}

func TestManager_FinalizeTimeout(t *testing.T) {
	c := platform.NewSimController("s", 1)
	c.Latency = 200 * time.Millisecond
	m := NewManager(platform.Table{LaneWidths: []int{1}, Pool: platform.NewPool(c)})
	hs := register(t, m, 1, 1)
	require.NoError(t, m.Transmit(hs[0], []byte{1}))
	assert.ErrorIs(t, m.FinalizeTransmission(hs[0], time.Millisecond), ErrTransmitTimeout)
}

func TestManager_Reset(t *testing.T) {
	c := platform.NewSimController("s", 1)
	pool := platform.NewPool(c)
	m := NewManager(platform.Table{LaneWidths: []int{1}, Pool: pool})
	register(t, m, 1, 1)
	m.Initialize()
	m.Reset()
	assert.Zero(t, m.NumBuses())
	assert.Equal(t, 1, pool.Free(1))
}

func TestDefault(t *testing.T) {
	m := NewManager(platform.Sim(map[int]int{1: 1}))
	SetDefault(m)
	assert.Same(t, m, Default())
}
