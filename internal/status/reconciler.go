// Package status keeps the latest known status per order/purchase and
// arbitrates which observation wins when push events, REST fetches and local
// optimistic guesses disagree.
package status

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/boostsync/internal/bus"
	"github.com/matheus3301/boostsync/internal/order"
	"go.uber.org/zap"
)

// Default timing rules.
const (
	DefaultTTL               = 5 * time.Minute
	DefaultAPIConflictWindow = 30 * time.Second
	DefaultLocalGuardWindow  = 10 * time.Second
)

// Config holds the reconciler's timing rules.
type Config struct {
	// TTL is how long an entry stays readable after its last accepted write.
	TTL time.Duration
	// APIConflictWindow rejects an api write that disagrees with an entry
	// younger than this.
	APIConflictWindow time.Duration
	// LocalGuardWindow rejects a local write while a websocket entry is
	// younger than this.
	LocalGuardWindow time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the standard timing rules.
func DefaultConfig() Config {
	return Config{
		TTL:               DefaultTTL,
		APIConflictWindow: DefaultAPIConflictWindow,
		LocalGuardWindow:  DefaultLocalGuardWindow,
	}
}

// Observer is notified of every write decision. Metrics hook in here.
type Observer interface {
	ObserveWrite(src order.Source, accepted bool)
}

// Reconciler is a keyed cache of the latest accepted status per entity.
// It is built once per daemon and shared; all methods are safe for
// concurrent use and run to completion under one lock.
type Reconciler struct {
	mu       sync.Mutex
	entries  map[string]order.Entry
	cfg      Config
	bus      *bus.Bus
	logger   *zap.Logger
	observer Observer
}

// NewReconciler creates an empty reconciler. Zero durations in cfg fall back
// to the defaults.
func NewReconciler(cfg Config, b *bus.Bus, logger *zap.Logger) *Reconciler {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.APIConflictWindow <= 0 {
		cfg.APIConflictWindow = DefaultAPIConflictWindow
	}
	if cfg.LocalGuardWindow <= 0 {
		cfg.LocalGuardWindow = DefaultLocalGuardWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		entries: make(map[string]order.Entry),
		cfg:     cfg,
		bus:     b,
		logger:  logger,
	}
}

// SetObserver installs an observer for write decisions.
func (r *Reconciler) SetObserver(o Observer) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

// Set offers a status observation for id and reports whether it was
// accepted. A rejected write is normal steady-state behavior.
func (r *Reconciler) Set(id string, st order.Status, payload order.Payload, src order.Source) bool {
	if id == "" || !st.Valid() || !src.Valid() {
		r.logger.Debug("status write dropped",
			zap.String("entity_id", id), zap.String("status", string(st)), zap.String("source", string(src)))
		return false
	}

	now := r.cfg.Now()
	r.mu.Lock()
	existing, found := r.entries[id]
	accepted, reason := r.admit(existing, found, st, src, now)
	entry := order.Entry{EntityID: id, Status: st, Timestamp: now, Source: src, Payload: payload}
	if accepted {
		r.entries[id] = entry
	}
	observer := r.observer
	r.mu.Unlock()

	if observer != nil {
		observer.ObserveWrite(src, accepted)
	}
	if !accepted {
		r.logger.Debug("status write rejected",
			zap.String("entity_id", id),
			zap.String("status", string(st)),
			zap.String("source", string(src)),
			zap.String("reason", reason))
		return false
	}

	// Websocket writes always win, even when they walk the lifecycle
	// backwards or leave a terminal state.
	if found && src == order.SourceWebSocket && !order.CanTransition(existing.Status, st) {
		r.logger.Warn("push overwrote status outside the order lifecycle",
			zap.String("entity_id", id),
			zap.String("from", string(existing.Status)),
			zap.String("to", string(st)))
	}
	r.bus.Publish(bus.NewEvent(bus.OrderStatusAccepted, entry))
	return true
}

// admit applies the source-priority and staleness rules. Must hold r.mu.
func (r *Reconciler) admit(existing order.Entry, found bool, st order.Status, src order.Source, now time.Time) (bool, string) {
	if !found {
		return true, "new entity"
	}
	age := existing.Age(now)
	if age > r.cfg.TTL {
		return true, "existing entry expired"
	}
	switch src {
	case order.SourceWebSocket:
		return true, "push always wins"
	case order.SourceAPI:
		if existing.Source == order.SourceWebSocket && age < r.cfg.TTL {
			return false, "fresh push entry outranks fetch"
		}
		if age < r.cfg.APIConflictWindow && existing.Status != st {
			return false, "conflicting status inside conflict window"
		}
		return true, "fetch accepted"
	case order.SourceLocal:
		if existing.Source == order.SourceWebSocket && age < r.cfg.LocalGuardWindow {
			return false, "fresh push entry outranks local guess"
		}
		return true, "local accepted"
	}
	return false, "unknown source"
}

// SetBatch applies a batch of observations from one source, such as a REST
// list response. When the batch names an entity more than once the higher
// ranked status wins; equal ranks keep the later item. Returns the number
// of accepted writes.
func (r *Reconciler) SetBatch(entries []order.Entry, src order.Source) int {
	winners := make(map[string]order.Entry, len(entries))
	var ids []string
	for _, e := range entries {
		prev, seen := winners[e.EntityID]
		if !seen {
			ids = append(ids, e.EntityID)
			winners[e.EntityID] = e
			continue
		}
		if e.Status.Rank() >= prev.Status.Rank() {
			winners[e.EntityID] = e
		}
	}
	accepted := 0
	for _, id := range ids {
		e := winners[id]
		if r.Set(id, e.Status, e.Payload, src) {
			accepted++
		}
	}
	return accepted
}

// Get returns the entry for id. An entry older than the TTL is evicted and
// reported missing even if no sweep has run.
func (r *Reconciler) Get(id string) (order.Entry, bool) {
	now := r.cfg.Now()
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok && e.Age(now) > r.cfg.TTL {
		delete(r.entries, id)
		r.mu.Unlock()
		r.bus.Publish(bus.NewEvent(bus.OrderStatusEvicted, id))
		return order.Entry{}, false
	}
	r.mu.Unlock()
	return e, ok
}

// Remove drops id regardless of age.
func (r *Reconciler) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	return ok
}

// Cleanup evicts every expired entry in a single pass and returns how many
// were removed.
func (r *Reconciler) Cleanup() int {
	now := r.cfg.Now()
	r.mu.Lock()
	removed := 0
	for id, e := range r.entries {
		if e.Age(now) > r.cfg.TTL {
			delete(r.entries, id)
			removed++
		}
	}
	r.mu.Unlock()
	if removed > 0 {
		r.logger.Debug("status cache swept", zap.Int("removed", removed))
	}
	return removed
}

// Len returns the number of cached entries, expired or not.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entries returns the live entries ordered by entity id.
func (r *Reconciler) Entries() []order.Entry {
	now := r.cfg.Now()
	r.mu.Lock()
	out := make([]order.Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Age(now) <= r.cfg.TTL {
			out = append(out, e)
		}
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b order.Entry) int {
		return strings.Compare(a.EntityID, b.EntityID)
	})
	return out
}

// Stats summarizes the cache for diagnostics.
type Stats struct {
	Total      int                  `json:"total"`
	BySource   map[order.Source]int `json:"bySource"`
	AverageAge time.Duration        `json:"averageAge"`
}

// Stats counts entries by source and averages their age.
func (r *Reconciler) Stats() Stats {
	now := r.cfg.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{BySource: make(map[order.Source]int, len(order.Sources))}
	for _, src := range order.Sources {
		s.BySource[src] = 0
	}
	var total time.Duration
	for _, e := range r.entries {
		s.Total++
		s.BySource[e.Source]++
		total += e.Age(now)
	}
	if s.Total > 0 {
		s.AverageAge = total / time.Duration(s.Total)
	}
	return s
}
