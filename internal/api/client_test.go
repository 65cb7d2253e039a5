package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/matheus3301/boostsync/internal/order"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveUnix(t *testing.T, h http.Handler) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "boost-api-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	socketPath := filepath.Join(dir, "d.sock")
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	srv := &http.Server{Handler: h}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return socketPath
}

func TestClientOverUnixSocket(t *testing.T) {
	f := newFixture(t)
	c := NewClient(serveUnix(t, NewHandler(f.deps, nil).Router()))
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	res, err := c.SetOrder(ctx, "p1", order.Shipped)
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	e, err := c.Order(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, order.Shipped, e.Status)

	orders, err := c.Orders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	m, err := c.Send(ctx, "c1", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, m.TempID)

	items, err := c.Timeline(ctx, "c1", "UTC")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Status.Total)
}

func TestClientErrors(t *testing.T) {
	f := newFixture(t)
	c := NewClient(serveUnix(t, NewHandler(f.deps, nil).Router()))

	_, err := c.Order(context.Background(), "missing")
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "no cached status", apiErr.Message)

	err = c.Unarchive(context.Background(), "nothing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClientDaemonDown(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	err := c.Health(context.Background())
	require.Error(t, err)
	var apiErr *Error
	assert.False(t, errors.As(err, &apiErr))
}
