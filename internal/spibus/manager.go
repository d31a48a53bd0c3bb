package spibus

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/physic"

	"github.com/FastLED/FastLED-sub016/internal/platform"
	"github.com/FastLED/FastLED-sub016/internal/transpose"
)

// DefaultTimeout bounds every wait for hardware completion.
const DefaultTimeout = time.Second

type device struct {
	data      int
	owner     any
	speed     physic.Frequency
	lane      int
	gen       uint32
	enabled   bool
	allocated bool
}

type bus struct {
	clock       int
	typ         BusType
	gen         uint32
	devices     []device
	initialized bool
	speed       physic.Frequency
	ctrl        platform.Controller
	pooled      bool
	lanes       [][]byte
	pending     bool
	dma         []byte
	err         string
}

func (b *bus) allocated() int {
	n := 0
	for i := range b.devices {
		if b.devices[i].allocated {
			n++
		}
	}
	return n
}

// Manager owns every bus keyed by clock pin.
type Manager struct {
	Timeout time.Duration

	mu    sync.Mutex
	table platform.Table
	buses map[int]*bus
}

// NewManager returns a manager borrowing controllers from table.
func NewManager(table platform.Table) *Manager {
	return &Manager{Timeout: DefaultTimeout, table: table, buses: map[int]*bus{}}
}

var (
	defaultOnce sync.Once
	defaultMgr  *Manager
)

// Default is the process-wide manager, backed by the simulated platform
// profile until replaced with SetDefault.
func Default() *Manager {
	defaultOnce.Do(func() {
		if defaultMgr == nil {
			t, _ := platform.FromProfile("sim")
			defaultMgr = NewManager(t)
		}
	})
	return defaultMgr
}

// SetDefault replaces the process-wide manager.
func SetDefault(m *Manager) {
	defaultOnce.Do(func() {})
	defaultMgr = m
}

// Table returns the platform description the manager works from.
func (m *Manager) Table() platform.Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table
}

// Reset ends all hardware and forgets every bus.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.buses {
		m.releaseLocked(b)
	}
	m.buses = map[int]*bus{}
}

// RegisterDevice adds a device on the bus for clockPin. No hardware is
// touched; promotion happens in Initialize.
func (m *Manager) RegisterDevice(clockPin, dataPin int, speed physic.Frequency, owner any) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buses[clockPin]
	if !ok {
		b = &bus{clock: clockPin, typ: SoftSPI}
		m.buses[clockPin] = b
	}
	if b.allocated() >= MaxDevices {
		log.Warn().Int("clock_pin", clockPin).Int("data_pin", dataPin).Msg("spi bus full, device rejected")
		return Handle{}, fmt.Errorf("%w (clock pin %d)", ErrBusFull, clockPin)
	}
	slot := freeSlot(b)
	if slot < 0 {
		b.devices = append(b.devices, device{lane: -1})
		b.lanes = append(b.lanes, nil)
		slot = len(b.devices) - 1
	}
	prev := b.devices[slot]
	d := device{data: dataPin, owner: owner, speed: speed, lane: -1, gen: prev.gen, allocated: true, enabled: true}
	if b.initialized {
		if prev.lane >= 0 {
			d.lane = prev.lane
			log.Info().Int("clock_pin", clockPin).Int("data_pin", dataPin).Int("lane", d.lane).
				Msg("device took over a freed lane")
		} else {
			d.enabled = false
			log.Warn().Int("clock_pin", clockPin).Int("data_pin", dataPin).Str("bus", b.typ.String()).
				Msg("device registered after bus initialization, disabled")
		}
	}
	b.devices[slot] = d
	b.lanes[slot] = b.lanes[slot][:0]
	return Handle{clock: clockPin, slot: slot, gen: b.gen, slotGen: d.gen, ok: true}, nil
}

// freeSlot picks an unallocated slot, preferring one whose lane is still
// wired on an initialized bus. It returns -1 when every slot is taken.
func freeSlot(b *bus) int {
	slot := -1
	for i := range b.devices {
		if b.devices[i].allocated {
			continue
		}
		if b.devices[i].lane >= 0 {
			return i
		}
		if slot < 0 {
			slot = i
		}
	}
	return slot
}

// UnregisterDevice frees a device slot. The last device on a bus releases
// its hardware and resets the bus.
func (m *Manager) UnregisterDevice(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, d, err := m.lookupLocked(h)
	if err != nil {
		return err
	}
	if !d.enabled {
		d.lane = -1
	}
	d.allocated = false
	d.enabled = false
	d.owner = nil
	d.gen++
	b.lanes[h.slot] = b.lanes[h.slot][:0]
	if b.allocated() > 0 {
		return nil
	}
	m.releaseLocked(b)
	b.devices = nil
	b.lanes = nil
	b.dma = b.dma[:0]
	b.typ = SoftSPI
	b.initialized = false
	b.speed = 0
	b.err = ""
	b.gen++
	log.Debug().Int("clock_pin", b.clock).Msg("spi bus released")
	return nil
}

func (m *Manager) lookupLocked(h Handle) (*bus, *device, error) {
	if !h.ok {
		return nil, nil, ErrInvalidHandle
	}
	b, ok := m.buses[h.clock]
	if !ok || b.gen != h.gen || h.slot < 0 || h.slot >= len(b.devices) {
		return nil, nil, ErrInvalidHandle
	}
	if d := &b.devices[h.slot]; !d.allocated || d.gen != h.slotGen {
		return nil, nil, ErrInvalidHandle
	}
	return b, &b.devices[h.slot], nil
}

func (m *Manager) releaseLocked(b *bus) {
	if b.ctrl == nil {
		return
	}
	if err := b.ctrl.End(); err != nil {
		log.Warn().Err(err).Int("clock_pin", b.clock).Msg("controller end failed")
	}
	if b.pooled {
		m.table.Pool.Release(b.ctrl)
	}
	b.ctrl = nil
	b.pooled = false
	b.pending = false
	for i := range b.lanes {
		b.lanes[i] = b.lanes[i][:0]
	}
}

// Initialize decides the bus type of every bus not yet initialized. It is
// idempotent.
func (m *Manager) Initialize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, clock := range m.clocksLocked() {
		m.initBusLocked(m.buses[clock])
	}
}

func (m *Manager) clocksLocked() []int {
	clocks := make([]int, 0, len(m.buses))
	for c := range m.buses {
		clocks = append(clocks, c)
	}
	sort.Ints(clocks)
	return clocks
}

func (m *Manager) initBusLocked(b *bus) {
	if b.initialized {
		return
	}
	n := b.allocated()
	if n == 0 {
		return
	}
	b.initialized = true
	b.err = ""
	width := widthFor(n)
	if width > 1 {
		if m.acquireLocked(b, width) {
			lane := 0
			for i := range b.devices {
				if b.devices[i].allocated {
					b.devices[i].lane = lane
					lane++
				}
			}
			log.Info().Int("clock_pin", b.clock).Int("devices", n).Str("bus", b.typ.String()).
				Str("controller", b.ctrl.String()).Msg("spi bus promoted")
			return
		}
		b.err = fmt.Sprintf("no free %d-lane controller for %d devices", width, n)
		first := true
		for i := range b.devices {
			if !b.devices[i].allocated {
				continue
			}
			if first {
				first = false
				continue
			}
			b.devices[i].enabled = false
		}
		log.Warn().Int("clock_pin", b.clock).Int("devices", n).Str("reason", b.err).
			Msg("spi bus promotion failed, keeping first device only")
	}
	for i := range b.devices {
		if b.devices[i].enabled {
			b.devices[i].lane = 0
			break
		}
	}
	if m.acquireLocked(b, 1) {
		return
	}
	b.typ = SoftSPI
	if m.table.Software != nil {
		d := m.firstEnabledLocked(b)
		c := m.table.Software(b.clock, d.data)
		b.speed = m.speedLocked(b)
		if err := c.Begin(b.speed); err == nil {
			b.ctrl = c
			return
		}
	}
	if b.err == "" {
		b.err = "no single-lane controller available"
	}
	log.Warn().Int("clock_pin", b.clock).Str("reason", b.err).Msg("spi bus has no hardware")
}

func (m *Manager) firstEnabledLocked(b *bus) *device {
	for i := range b.devices {
		if b.devices[i].enabled {
			return &b.devices[i]
		}
	}
	return &b.devices[0]
}

// acquireLocked borrows and begins a controller of width lanes.
func (m *Manager) acquireLocked(b *bus, width int) bool {
	if !m.table.Supports(width) {
		return false
	}
	c, ok := m.table.Pool.Acquire(width)
	if !ok {
		return false
	}
	speed := m.speedLocked(b)
	if err := c.Begin(speed); err != nil {
		log.Warn().Err(err).Str("controller", c.String()).Msg("controller begin failed")
		m.table.Pool.Release(c)
		return false
	}
	b.ctrl = c
	b.pooled = true
	b.speed = speed
	b.typ = typeForWidth(width)
	return true
}

// speedLocked is the slowest enabled device's speed, clamped to the
// platform maximum.
func (m *Manager) speedLocked(b *bus) physic.Frequency {
	var s physic.Frequency
	for i := range b.devices {
		d := &b.devices[i]
		if !d.enabled || d.speed <= 0 {
			continue
		}
		if s == 0 || d.speed < s {
			s = d.speed
		}
	}
	if s == 0 {
		s = m.table.MaxSpeed
	}
	return m.table.ClampSpeed(s)
}

// Transmit sends data for one device. Single-lane buses write through;
// multi-lane buses buffer the data until FinalizeTransmission.
func (m *Manager) Transmit(h Handle, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, d, err := m.lookupLocked(h)
	if err != nil {
		return err
	}
	m.initBusLocked(b)
	if !d.enabled {
		return ErrDeviceDisabled
	}
	if b.ctrl == nil {
		return ErrNoController
	}
	if b.typ.Multi() {
		b.lanes[h.slot] = append(b.lanes[h.slot], data...)
		b.pending = true
		return nil
	}
	if b.pending && !b.ctrl.WaitComplete(m.Timeout) {
		return ErrTransmitTimeout
	}
	if err := b.ctrl.Transmit(data); err != nil {
		return err
	}
	b.pending = true
	return nil
}

// FinalizeTransmission completes the frame on h's bus: multi-lane buses
// interleave every lane into one buffer and send it. It blocks until the
// hardware is done or timeout expires; a zero timeout uses m.Timeout.
func (m *Manager) FinalizeTransmission(h Handle, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timeout <= 0 {
		timeout = m.Timeout
	}
	b, _, err := m.lookupLocked(h)
	if err != nil {
		return err
	}
	if !b.pending || b.ctrl == nil {
		return nil
	}
	if b.typ.Multi() {
		if err := m.flushLanesLocked(b); err != nil {
			return err
		}
	}
	b.pending = false
	if !b.ctrl.WaitComplete(timeout) {
		return ErrTransmitTimeout
	}
	return b.ctrl.Err()
}

func (m *Manager) flushLanesLocked(b *bus) error {
	k := b.typ.Lanes()
	var lanes [16]transpose.Lane
	max := 0
	for i := range b.devices {
		d := &b.devices[i]
		if !d.enabled || d.lane < 0 || d.lane >= k {
			continue
		}
		lanes[d.lane] = transpose.Lane{Payload: b.lanes[i]}
		if n := len(b.lanes[i]); n > max {
			max = n
		}
	}
	if cap(b.dma) < max*k {
		b.dma = make([]byte, max*k)
	}
	b.dma = b.dma[:max*k]
	if err := transpose.Transpose(lanes[:k], b.dma); err != nil {
		return err
	}
	for i := range b.lanes {
		b.lanes[i] = b.lanes[i][:0]
	}
	return b.ctrl.Transmit(b.dma)
}

// NumBuses is the number of known clock lines.
func (m *Manager) NumBuses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buses)
}

// Bus returns a snapshot of the bus on clockPin.
func (m *Manager) Bus(clockPin int) (BusInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buses[clockPin]
	if !ok {
		return BusInfo{}, false
	}
	return b.info(), true
}

// Buses returns snapshots of every bus ordered by clock pin.
func (m *Manager) Buses() []BusInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BusInfo, 0, len(m.buses))
	for _, c := range m.clocksLocked() {
		out = append(out, m.buses[c].info())
	}
	return out
}

// Device returns a snapshot of h's slot.
func (m *Manager) Device(h Handle) (DeviceInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, _, err := m.lookupLocked(h)
	if err != nil {
		return DeviceInfo{}, false
	}
	return b.deviceInfo(h.slot), true
}

func (b *bus) deviceInfo(i int) DeviceInfo {
	d := &b.devices[i]
	return DeviceInfo{
		ClockPin:  b.clock,
		DataPin:   d.data,
		Owner:     d.owner,
		Speed:     d.speed,
		Lane:      d.lane,
		Enabled:   d.enabled,
		Allocated: d.allocated,
	}
}

func (b *bus) info() BusInfo {
	bi := BusInfo{
		ClockPin:    b.clock,
		Type:        b.typ,
		Speed:       b.speed,
		Initialized: b.initialized,
		Err:         b.err,
	}
	if b.ctrl != nil {
		bi.Controller = b.ctrl.String()
	}
	for i := range b.devices {
		bi.Devices = append(bi.Devices, b.deviceInfo(i))
	}
	return bi
}
