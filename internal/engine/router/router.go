// Package router picks the transmit engine for each channel and drives
// the per-frame show cycle across all engines.
package router

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/FastLED/FastLED-sub016/internal/engine"
	"github.com/FastLED/FastLED-sub016/internal/txunit"
)

var (
	ErrNoEngine         = errors.New("router: no enabled engine can handle the unit")
	ErrAffinityNotFound = errors.New("router: affinity engine not registered")
	ErrDriverDisabled   = errors.New("router: engine is disabled")
	ErrEmptyName        = errors.New("router: engine has no name")
)

// DefaultTimeout bounds waits for an engine to become ready before it is
// replaced or removed.
const DefaultTimeout = time.Second

// DriverInfo describes one registered engine.
type DriverInfo struct {
	Name         string
	Priority     int
	Enabled      bool
	Capabilities string
}

type entry struct {
	name     string
	priority int
	enabled  bool
	seq      uint64
	eng      engine.Engine
	dirty    bool
	handle   *tracked
	removed  bool
}

// tracked is the engine handed to channels. It records that the engine got
// work this frame, and stops passing work on once the engine is retired.
type tracked struct {
	engine.Engine
	r *Router
	e *entry
}

func (t *tracked) Enqueue(u *txunit.Unit) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	if t.e.removed {
		log.Warn().Str("engine", t.e.name).Str("unit", u.String()).Msg("enqueue on retired engine ignored")
		return
	}
	t.e.dirty = true
	t.Engine.Enqueue(u)
}

// Forget passes u on to the engine when it keeps per-unit state.
func (t *tracked) Forget(u *txunit.Unit) error {
	if f, ok := t.Engine.(engine.Forgetter); ok {
		return f.Forget(u)
	}
	return nil
}

// Router holds the engines in descending priority order.
type Router struct {
	mu        sync.Mutex
	entries   []*entry
	seq       uint64
	exclusive string

	yield          func()
	replaceTimeout time.Duration
	clearTimeout   time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithYield sets the hook called between polls while waiting.
func WithYield(f func()) Option { return func(r *Router) { r.yield = f } }

// WithReplaceTimeout bounds the wait for an engine being replaced by one
// with the same name.
func WithReplaceTimeout(d time.Duration) Option { return func(r *Router) { r.replaceTimeout = d } }

// WithClearTimeout bounds the wait for each engine in ClearAllEngines.
func WithClearTimeout(d time.Duration) Option { return func(r *Router) { r.clearTimeout = d } }

// New returns an empty router.
func New(opts ...Option) *Router {
	r := &Router{
		yield:          engine.Yield,
		replaceTimeout: DefaultTimeout,
		clearTimeout:   DefaultTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

var (
	defaultMu sync.Mutex
	defaultR  *Router
)

// Default returns the process-wide router, creating it on first use.
func Default() *Router {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultR == nil {
		defaultR = New()
	}
	return defaultR
}

// Reset discards the process-wide router. Engines still registered with
// it are not waited for.
func Reset() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultR = nil
}

func (r *Router) sortLocked() {
	sort.SliceStable(r.entries, func(i, j int) bool {
		a, b := r.entries[i], r.entries[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.seq < b.seq
	})
}

func (r *Router) findLocked(name string) int {
	for i, e := range r.entries {
		if e.name == name {
			return i
		}
	}
	return -1
}

// AddEngine registers e at priority; higher wins. An engine with the same
// name is retired first: work it was given this frame is shown and waited
// for, and anything it still holds queued is discarded.
func (r *Router) AddEngine(priority int, e engine.Engine) error {
	if e == nil || e.Name() == "" {
		log.Warn().Int("priority", priority).Msg("engine without name ignored")
		return ErrEmptyName
	}
	name := e.Name()

	r.mu.Lock()
	old := r.unlinkLocked(name)
	r.mu.Unlock()
	if old != nil {
		r.retire(old, r.replaceTimeout)
		log.Info().Str("engine", name).Msg("engine replaced")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.findLocked(name); i >= 0 {
		r.unlinkAtLocked(i)
	}
	r.seq++
	ent := &entry{
		name:     name,
		priority: priority,
		enabled:  r.exclusive == "" || r.exclusive == name,
		seq:      r.seq,
		eng:      e,
	}
	ent.handle = &tracked{Engine: e, r: r, e: ent}
	r.entries = append(r.entries, ent)
	r.sortLocked()
	log.Debug().Str("engine", name).Int("priority", priority).Bool("enabled", ent.enabled).
		Str("caps", e.Capabilities().String()).Msg("engine registered")
	return nil
}

// RemoveEngine unregisters e and retires it like AddEngine does for a
// replaced engine. It reports whether e was registered.
func (r *Router) RemoveEngine(e engine.Engine) bool {
	if e == nil {
		return false
	}
	r.mu.Lock()
	var ent *entry
	if i := r.indexOfLocked(e); i >= 0 {
		ent = r.entries[i]
		r.unlinkAtLocked(i)
	}
	r.mu.Unlock()
	if ent == nil {
		return false
	}
	r.retire(ent, r.clearTimeout)
	return true
}

// unlinkLocked removes the entry called name and returns it, or nil.
func (r *Router) unlinkLocked(name string) *entry {
	i := r.findLocked(name)
	if i < 0 {
		return nil
	}
	ent := r.entries[i]
	r.unlinkAtLocked(i)
	return ent
}

func (r *Router) unlinkAtLocked(i int) {
	r.entries[i].removed = true
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
}

// retire settles an unlinked entry so it owns no unit afterwards. Queued
// work is shown and waited for; what is still queued then is handed back.
func (r *Router) retire(ent *entry, timeout time.Duration) {
	r.mu.Lock()
	dirty := ent.dirty
	ent.dirty = false
	r.mu.Unlock()
	if dirty || pending(ent.eng) > 0 {
		ent.eng.Show()
	}
	if !engine.WaitForReady(ent.eng, timeout, r.yield) {
		log.Warn().Str("engine", ent.name).Dur("timeout", timeout).Msg("retired engine still busy")
	}
	if d, ok := ent.eng.(engine.Discarder); ok {
		if n := d.Discard(); n > 0 {
			log.Warn().Str("engine", ent.name).Int("units", n).Msg("retired engine dropped queued units")
		}
	}
}

func pending(e engine.Engine) int {
	if q, ok := e.(engine.Queuer); ok {
		return q.Pending()
	}
	return 0
}

func (r *Router) indexOfLocked(e engine.Engine) int {
	for i, ent := range r.entries {
		if ent.eng == e || engine.Engine(ent.handle) == e {
			return i
		}
	}
	return -1
}

// ClearAllEngines unregisters every engine and retires each in priority
// order.
func (r *Router) ClearAllEngines() {
	r.mu.Lock()
	ents := r.entries
	r.entries = nil
	for _, e := range ents {
		e.removed = true
	}
	r.mu.Unlock()
	for _, e := range ents {
		r.retire(e, r.clearTimeout)
	}
}

// SetDriverEnabled toggles one engine. It reports whether name exists.
func (r *Router) SetDriverEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.findLocked(name)
	if i < 0 {
		return false
	}
	r.entries[i].enabled = enabled
	return true
}

// SetExclusiveDriver enables name and disables everything else, including
// engines registered later. An empty name leaves exclusive mode and
// enables every engine. It reports whether name is registered now.
func (r *Router) SetExclusiveDriver(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exclusive = name
	found := false
	for _, e := range r.entries {
		e.enabled = name == "" || e.name == name
		if e.name == name {
			found = true
		}
	}
	if name != "" && !found {
		log.Warn().Str("engine", name).Msg("exclusive engine not registered yet")
	}
	return found || name == ""
}

// SetDriverPriority changes an engine's priority. It reports whether name
// exists.
func (r *Router) SetDriverPriority(name string, priority int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.findLocked(name)
	if i < 0 {
		return false
	}
	r.entries[i].priority = priority
	r.sortLocked()
	return true
}

// SelectEngineForChannel returns the engine for u. A non-empty affinity
// names the engine to use; otherwise the highest-priority enabled engine
// that can handle u wins.
func (r *Router) SelectEngineForChannel(u *txunit.Unit, affinity string) (engine.Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if affinity != "" {
		i := r.findLocked(affinity)
		if i < 0 {
			return nil, fmt.Errorf("%w: %q", ErrAffinityNotFound, affinity)
		}
		if !r.entries[i].enabled {
			return nil, fmt.Errorf("%w: %q", ErrDriverDisabled, affinity)
		}
		return r.entries[i].handle, nil
	}
	for _, e := range r.entries {
		if e.enabled && e.eng.CanHandle(u) {
			return e.handle, nil
		}
	}
	return nil, ErrNoEngine
}

// Registered reports whether an engine returned by SelectEngineForChannel
// is still registered and enabled.
func (r *Router) Registered(e engine.Engine) bool {
	t, ok := e.(*tracked)
	if !ok || t.r != r {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !t.e.removed && t.e.enabled
}

// EngineByName returns the registered engine itself, or nil.
func (r *Router) EngineByName(name string) engine.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.findLocked(name); i >= 0 {
		return r.entries[i].eng
	}
	return nil
}

// DriverInfos lists engines in priority order.
func (r *Router) DriverInfos() []DriverInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DriverInfo, len(r.entries))
	for i, e := range r.entries {
		out[i] = DriverInfo{
			Name:         e.name,
			Priority:     e.priority,
			Enabled:      e.enabled,
			Capabilities: e.eng.Capabilities().String(),
		}
	}
	return out
}

// Len is the number of registered engines.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Router) engines() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*entry(nil), r.entries...)
}

// Poll polls every engine and returns the worst state seen. The error is
// the first engine fault.
func (r *Router) Poll() (engine.State, error) {
	worst := engine.Ready
	var first error
	for _, e := range r.engines() {
		st, err := e.eng.Poll()
		worst = engine.Worse(worst, st)
		if err != nil && first == nil {
			first = fmt.Errorf("%s: %w", e.name, err)
		}
	}
	return worst, first
}

// OnBeginFrame polls all engines so buffers from the previous frame are
// released before channels encode again.
func (r *Router) OnBeginFrame() {
	for _, e := range r.engines() {
		if st, err := e.eng.Poll(); st == engine.Error {
			log.Warn().Str("engine", e.name).Err(err).Msg("engine fault")
		}
	}
}

// OnEndFrame shows every engine that received work this frame. An engine
// that still holds queued units afterwards, because its previous batch
// outlived the show wait, is shown again next frame.
func (r *Router) OnEndFrame() {
	r.mu.Lock()
	var show []*entry
	for _, e := range r.entries {
		if e.dirty {
			show = append(show, e)
			e.dirty = false
		}
	}
	r.mu.Unlock()
	for _, e := range show {
		e.eng.Show()
		if pending(e.eng) > 0 {
			r.mu.Lock()
			if !e.removed {
				e.dirty = true
			}
			r.mu.Unlock()
			log.Debug().Str("engine", e.name).Msg("show deferred, retrying next frame")
		}
	}
}

// WaitIdle polls until no engine is busy or timeout. An engine fault ends
// the wait early.
func (r *Router) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if st, _ := r.Poll(); st == engine.Ready || st == engine.Error {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		r.yield()
	}
}
