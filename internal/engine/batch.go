package engine

import (
	"github.com/rs/zerolog/log"

	"github.com/FastLED/FastLED-sub016/internal/txunit"
)

// Batch is the queue bookkeeping every backend embeds by value: units
// waiting for Show, and units the hardware currently owns.
//
// Batch is not safe for concurrent use; backends guard it with their own
// lock.
type Batch struct {
	pending  []*txunit.Unit
	inflight []*txunit.Unit
}

// Add claims u for owner and queues it. Units held by another engine are
// refused with a warning.
func (b *Batch) Add(owner any, u *txunit.Unit) bool {
	if u == nil {
		return false
	}
	if !u.Submit(owner) {
		log.Warn().Str("unit", u.String()).Msg("unit already owned, enqueue ignored")
		return false
	}
	b.pending = append(b.pending, u)
	return true
}

// Pending is the number of queued units.
func (b *Batch) Pending() int { return len(b.pending) }

// Busy reports whether a batch is in flight.
func (b *Batch) Busy() bool { return len(b.inflight) > 0 }

// Take moves the pending queue in flight, marks every unit transmitting
// and returns it. The pending queue is cleared.
func (b *Batch) Take(owner any) []*txunit.Unit {
	b.inflight = append(b.inflight[:0], b.pending...)
	for i := range b.pending {
		b.pending[i] = nil
	}
	b.pending = b.pending[:0]
	for _, u := range b.inflight {
		u.MarkTransmitting(owner)
	}
	return b.inflight
}

// Release hands every in-flight unit back to its producer.
func (b *Batch) Release(owner any) {
	for i, u := range b.inflight {
		if err := u.Release(owner); err != nil {
			log.Warn().Err(err).Str("unit", u.String()).Msg("release failed")
		}
		b.inflight[i] = nil
	}
	b.inflight = b.inflight[:0]
}

// Drop hands queued units back without sending them and returns how many
// there were.
func (b *Batch) Drop(owner any) int {
	n := len(b.pending)
	for i, u := range b.pending {
		if err := u.Release(owner); err != nil {
			log.Warn().Err(err).Str("unit", u.String()).Msg("release failed")
		}
		b.pending[i] = nil
	}
	b.pending = b.pending[:0]
	return n
}
