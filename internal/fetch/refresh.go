package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/boostsync/internal/order"
	"github.com/matheus3301/boostsync/internal/status"
	"go.uber.org/zap"
)

// ErrSuperseded is returned when a fresher observation made an in-flight
// fetch irrelevant before it completed.
var ErrSuperseded = errors.New("status fetch superseded")

// StatusFetcher is the part of Client a Refresher needs.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, id string) (order.Update, error)
	FetchStatuses(ctx context.Context, ids []string) ([]order.Update, error)
}

type inflight struct {
	gen    uint64
	cancel context.CancelFunc
}

// Refresher runs REST status fetches whose results feed the status
// reconciler as api observations. A push event for the same entity cancels
// the fetch through Supersede, so a slow response never races a fresher one.
type Refresher struct {
	mu       sync.Mutex
	inflight map[string]inflight
	gen      uint64

	fetcher StatusFetcher
	rec     *status.Reconciler
	logger  *zap.Logger
}

// NewRefresher creates a refresher writing into rec.
func NewRefresher(fetcher StatusFetcher, rec *status.Reconciler, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		inflight: make(map[string]inflight),
		fetcher:  fetcher,
		rec:      rec,
		logger:   logger,
	}
}

// Refresh fetches one entity and offers the result to the reconciler. A
// newer Refresh for the same id supersedes this one. It returns whether the
// write was accepted.
func (r *Refresher) Refresh(ctx context.Context, id string) (bool, error) {
	ctx, gen := r.begin(ctx, id)
	defer r.end(id, gen)

	start := time.Now()
	u, err := r.fetcher.FetchStatus(ctx, id)
	if !r.current(id, gen) {
		r.logger.Debug("status fetch superseded", zap.String("entity_id", id), zap.Duration("took", time.Since(start)))
		return false, ErrSuperseded
	}
	if err != nil {
		return false, err
	}
	if u.EntityID != id {
		r.logger.Debug("status fetch returned another entity",
			zap.String("entity_id", id), zap.String("got", u.EntityID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-checked under the lock so Supersede cannot slip in before Set.
	if r.inflight[id].gen != gen {
		return false, ErrSuperseded
	}
	return r.rec.Set(u.EntityID, u.Status, u.Payload, order.SourceAPI), nil
}

// RefreshAll fetches several entities in one request. Entities superseded
// while the request was in flight are left out of the batch.
func (r *Refresher) RefreshAll(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	gens := make(map[string]uint64, len(ids))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	for _, id := range ids {
		r.gen++
		gens[id] = r.gen
		if prev, ok := r.inflight[id]; ok {
			prev.cancel()
		}
		r.inflight[id] = inflight{gen: r.gen, cancel: func() {}}
	}
	r.mu.Unlock()
	defer func() {
		for id, gen := range gens {
			r.end(id, gen)
		}
	}()

	us, err := r.fetcher.FetchStatuses(ctx, ids)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	batch := make([]order.Entry, 0, len(us))
	for _, u := range us {
		gen, asked := gens[u.EntityID]
		if asked && r.inflight[u.EntityID].gen != gen {
			continue
		}
		batch = append(batch, u.Entry(time.Time{}, order.SourceAPI))
	}
	return r.rec.SetBatch(batch, order.SourceAPI), nil
}

// Supersede cancels any in-flight fetch for id. It reports whether one was
// running.
func (r *Refresher) Supersede(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.inflight[id]
	if !ok {
		return false
	}
	f.cancel()
	delete(r.inflight, id)
	return true
}

// InFlight returns the number of entities with a running fetch.
func (r *Refresher) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func (r *Refresher) begin(ctx context.Context, id string) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.inflight[id]; ok {
		prev.cancel()
	}
	r.gen++
	r.inflight[id] = inflight{gen: r.gen, cancel: cancel}
	return ctx, r.gen
}

func (r *Refresher) current(id string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[id].gen == gen
}

// end releases the slot if it still belongs to gen.
func (r *Refresher) end(id string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.inflight[id]; ok && f.gen == gen {
		f.cancel()
		delete(r.inflight, id)
	}
}
