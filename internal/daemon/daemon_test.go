package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/boostsync/internal/api"
	"github.com/matheus3301/boostsync/internal/config"
	"github.com/matheus3301/boostsync/internal/lock"
	"github.com/matheus3301/boostsync/internal/order"
	"github.com/matheus3301/boostsync/internal/session"
	"github.com/matheus3301/boostsync/internal/status"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// shortHome keeps socket paths under the 104-char macOS limit.
func shortHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "boost-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.HomeEnv, dir)
	return dir
}

func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/orders/p7" {
			_, _ = w.Write([]byte(`{"entityId":"p7","status":"escrow_reserved"}`))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func startApp(t *testing.T, p Params) *fx.App {
	t.Helper()
	app := fx.New(Module(p), fx.NopLogger)
	if err := app.Err(); err != nil {
		t.Fatalf("fx graph: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("app.Start() error = %v", err)
	}
	return app
}

func stopApp(t *testing.T, app *fx.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Errorf("app.Stop() error = %v", err)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	shortHome(t)
	cfg := config.Default()
	cfg.User.ID = "me"
	cfg.Server.BaseURL = upstream(t).URL

	app := startApp(t, Params{Profile: "test", Config: cfg, Quiet: true})
	client := api.NewClient(session.SocketPath("test"))
	ctx := context.Background()

	if err := client.Health(ctx); err != nil {
		t.Fatalf("Health() error = %v", err)
	}

	info, err := os.Stat(session.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("socket permission = %o, want 0600", info.Mode().Perm())
	}

	res, err := client.SetOrder(ctx, "p1", order.Initiated)
	if err != nil {
		t.Fatalf("SetOrder() error = %v", err)
	}
	if !res.Accepted {
		t.Error("local write on empty cache should be accepted")
	}

	res, err = client.RefreshOrder(ctx, "p7")
	if err != nil {
		t.Fatalf("RefreshOrder() error = %v", err)
	}
	if res.Entry == nil || res.Entry.Status != order.EscrowReserved || res.Entry.Source != order.SourceAPI {
		t.Errorf("unexpected refresh result %+v", res)
	}

	// A second daemon for the same profile must be refused.
	if _, err := lock.Acquire(session.Dir("test")); err == nil {
		t.Error("lock should be held while the daemon runs")
	} else {
		var held *lock.LockHeldError
		if !errors.As(err, &held) {
			t.Errorf("expected LockHeldError, got %T", err)
		}
	}

	body := getMetrics(t, session.SocketPath("test"))
	if !strings.Contains(body, `boostsync_status_writes_total{result="accepted",source="local"} 1`) {
		t.Errorf("metrics missing local write counter:\n%s", body)
	}

	stopApp(t, app)

	if _, err := os.Stat(session.SocketPath("test")); !os.IsNotExist(err) {
		t.Errorf("socket should be removed on stop, stat err = %v", err)
	}
	l, err := lock.Acquire(session.Dir("test"))
	if err != nil {
		t.Fatalf("lock should be free after stop: %v", err)
	}
	_ = l.Release()
}

func getMetrics(t *testing.T, socketPath string) string {
	t.Helper()
	hc := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}}
	resp, err := hc.Get("http://boostd/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestDaemonOfflineWithBolt(t *testing.T) {
	shortHome(t)
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendBolt

	app := startApp(t, Params{Profile: "offline", Config: cfg, Quiet: true})
	client := api.NewClient(session.SocketPath("offline"))

	if _, err := client.RefreshOrder(context.Background(), "p1"); err == nil {
		t.Error("refresh without a server should fail")
	} else {
		var apiErr *api.Error
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %v", err)
		}
	}
	if _, err := os.Stat(session.BoltPath("offline")); err != nil {
		t.Errorf("bolt file not created: %v", err)
	}

	stopApp(t, app)
}

func TestDaemonLoadsConfigFromHome(t *testing.T) {
	shortHome(t)
	cfg := config.Default()
	cfg.Jobs.StatusSweepCron = "not a cron"
	if err := config.Save(session.ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}

	app := fx.New(Module(Params{Profile: "bad", Quiet: true}), fx.NopLogger)
	if app.Err() == nil {
		t.Error("an invalid cron expression should fail the graph")
	}
}

func TestSchedulerJobs(t *testing.T) {
	cfg := config.Default()
	st := status.NewReconciler(status.DefaultConfig(), nil, nil)

	s, err := provideScheduler(cfg, st, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, j := range s.Jobs() {
		names = append(names, j.Name)
	}
	if strings.Join(names, ",") != JobStatusSweep+","+JobArchiveCleanup {
		t.Errorf("jobs = %v; status refresh needs a server", names)
	}
}

func TestOpenOrders(t *testing.T) {
	st := status.NewReconciler(status.DefaultConfig(), nil, nil)
	st.Set("p1", order.Shipped, order.Payload{}, order.SourceWebSocket)
	st.Set("p2", order.Completed, order.Payload{}, order.SourceWebSocket)
	st.Set("p3", order.Cancelled, order.Payload{}, order.SourceWebSocket)
	st.Set("p4", order.Initiated, order.Payload{}, order.SourceWebSocket)

	got := openOrders(st)
	if strings.Join(got, ",") != "p1,p4" {
		t.Errorf("openOrders() = %v, want [p1 p4]", got)
	}
}
