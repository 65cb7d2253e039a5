package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/boostsync/internal/order"
	"github.com/matheus3301/boostsync/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedFetcher blocks every fetch until release is closed or ctx ends.
type gatedFetcher struct {
	mu      sync.Mutex
	started chan string
	release chan struct{}
	updates map[string]order.Update
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{
		started: make(chan string, 8),
		release: make(chan struct{}),
		updates: make(map[string]order.Update),
	}
}

func (f *gatedFetcher) set(u order.Update) {
	f.mu.Lock()
	f.updates[u.EntityID] = u
	f.mu.Unlock()
}

func (f *gatedFetcher) FetchStatus(ctx context.Context, id string) (order.Update, error) {
	f.started <- id
	select {
	case <-ctx.Done():
		return order.Update{}, ctx.Err()
	case <-f.release:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[id], nil
}

func (f *gatedFetcher) FetchStatuses(ctx context.Context, ids []string) ([]order.Update, error) {
	var out []order.Update
	for _, id := range ids {
		u, err := f.FetchStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func waitStarted(t *testing.T, f *gatedFetcher) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never started")
	}
}

func TestRefreshAccepted(t *testing.T) {
	f := newGatedFetcher()
	f.set(order.Update{EntityID: "p1", Status: order.Shipped})
	close(f.release)
	rec := status.NewReconciler(status.DefaultConfig(), nil, nil)
	r := NewRefresher(f, rec, nil)

	ok, err := r.Refresh(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	e, found := rec.Get("p1")
	require.True(t, found)
	assert.Equal(t, order.SourceAPI, e.Source)
	assert.Equal(t, 0, r.InFlight())
}

func TestSupersedeDiscardsSlowFetch(t *testing.T) {
	f := newGatedFetcher()
	f.set(order.Update{EntityID: "p1", Status: order.EscrowReserved})
	rec := status.NewReconciler(status.DefaultConfig(), nil, nil)
	r := NewRefresher(f, rec, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.Refresh(context.Background(), "p1")
		done <- err
	}()
	waitStarted(t, f)

	// A push event arrives first.
	assert.True(t, r.Supersede("p1"))
	rec.Set("p1", order.Shipped, order.Payload{}, order.SourceWebSocket)

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrSuperseded), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not return after supersede")
	}
	e, _ := rec.Get("p1")
	assert.Equal(t, order.Shipped, e.Status)
	assert.Equal(t, order.SourceWebSocket, e.Source)
	assert.False(t, r.Supersede("p1"), "nothing left in flight")
}

func TestNewerRefreshSupersedesOlder(t *testing.T) {
	f := newGatedFetcher()
	f.set(order.Update{EntityID: "p1", Status: order.Initiated})
	rec := status.NewReconciler(status.DefaultConfig(), nil, nil)
	r := NewRefresher(f, rec, nil)

	first := make(chan error, 1)
	go func() {
		_, err := r.Refresh(context.Background(), "p1")
		first <- err
	}()
	waitStarted(t, f)

	second := make(chan error, 1)
	go func() {
		_, err := r.Refresh(context.Background(), "p1")
		second <- err
	}()

	select {
	case err := <-first:
		assert.True(t, errors.Is(err, ErrSuperseded), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("first refresh not superseded")
	}
	waitStarted(t, f)
	close(f.release)
	select {
	case err := <-second:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second refresh did not finish")
	}
	_, found := rec.Get("p1")
	assert.True(t, found)
}

func TestRefreshAllSkipsSuperseded(t *testing.T) {
	f := newGatedFetcher()
	f.set(order.Update{EntityID: "p1", Status: order.Initiated})
	f.set(order.Update{EntityID: "p2", Status: order.Shipped})
	rec := status.NewReconciler(status.DefaultConfig(), nil, nil)
	r := NewRefresher(f, rec, nil)

	done := make(chan int, 1)
	go func() {
		n, err := r.RefreshAll(context.Background(), []string{"p1", "p2"})
		assert.NoError(t, err)
		done <- n
	}()
	waitStarted(t, f)
	r.Supersede("p2")
	close(f.release)

	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("RefreshAll did not finish")
	}
	_, found := rec.Get("p2")
	assert.False(t, found, "superseded entity left out of the batch")
	_, found = rec.Get("p1")
	assert.True(t, found)
}
