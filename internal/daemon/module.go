package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/boostsync/internal/api"
	"github.com/matheus3301/boostsync/internal/archive"
	"github.com/matheus3301/boostsync/internal/bus"
	"github.com/matheus3301/boostsync/internal/chat"
	"github.com/matheus3301/boostsync/internal/config"
	"github.com/matheus3301/boostsync/internal/fetch"
	"github.com/matheus3301/boostsync/internal/jobs"
	"github.com/matheus3301/boostsync/internal/kv"
	"github.com/matheus3301/boostsync/internal/lock"
	"github.com/matheus3301/boostsync/internal/logging"
	"github.com/matheus3301/boostsync/internal/metrics"
	"github.com/matheus3301/boostsync/internal/outbox"
	"github.com/matheus3301/boostsync/internal/push"
	"github.com/matheus3301/boostsync/internal/session"
	"github.com/matheus3301/boostsync/internal/status"
	"github.com/matheus3301/boostsync/internal/store"
	intsync "github.com/matheus3301/boostsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Job names registered with the scheduler.
const (
	JobStatusSweep    = "status-sweep"
	JobArchiveCleanup = "archive-cleanup"
	JobStatusRefresh  = "status-refresh"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional; nil = load config.toml and the profile .env
	LogLevel   string
	Quiet      bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideKV,
			provideGuard,
			provideStatus,
			provideFetchClient,
			provideRefresher,
			provideMessages,
			provideArchive,
			provideEngine,
			provideJournal,
			provideArchiver,
			provideSender,
			providePush,
			provideMetrics,
			provideScheduler,
			provideHandler,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(session.EnvPath(p.Profile)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile, logging.Options{
		Level: logging.ParseLevel(p.LogLevel),
		Quiet: p.Quiet,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by a
// second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideKV selects the backend holding the archive document and the
// last-message cache.
func provideKV(lc fx.Lifecycle, p Params, cfg *config.Config, db *store.DB, logger *zap.Logger) (kv.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendBolt:
		b, err := kv.OpenBolt(session.BoltPath(p.Profile))
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return b.Close() }})
		logger.Info("kv backend ready", zap.String("backend", "bolt"))
		return b, nil
	case config.BackendSQLite, "":
		return db, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func provideGuard(s kv.Store, logger *zap.Logger) *kv.Guard {
	return kv.NewGuard(s, logger)
}

func provideStatus(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *status.Reconciler {
	return status.NewReconciler(status.Config{
		TTL:               cfg.Reconcile.StatusTTL.Duration,
		APIConflictWindow: cfg.Reconcile.APIConflictWindow.Duration,
		LocalGuardWindow:  cfg.Reconcile.LocalGuardWindow.Duration,
	}, b, logger)
}

// provideFetchClient returns nil when no server is configured; the daemon
// then runs on push and local writes only.
func provideFetchClient(cfg *config.Config, logger *zap.Logger) *fetch.Client {
	if cfg.Server.BaseURL == "" {
		logger.Warn("no base_url configured, REST fetches and sends disabled")
		return nil
	}
	return fetch.NewClient(fetch.Config{
		BaseURL:       cfg.Server.BaseURL,
		Token:         cfg.Server.Token,
		RatePerSecond: cfg.Fetch.RatePerSecond,
		Burst:         cfg.Fetch.Burst,
		Timeout:       cfg.Fetch.Timeout.Duration,
	}, logger)
}

func provideRefresher(client *fetch.Client, st *status.Reconciler, logger *zap.Logger) *fetch.Refresher {
	if client == nil {
		return nil
	}
	return fetch.NewRefresher(client, st, logger)
}

func provideMessages(cfg *config.Config, client *fetch.Client, b *bus.Bus, logger *zap.Logger) *chat.Reconciler {
	var transport chat.Transport
	if client != nil {
		transport = client
	}
	return chat.NewReconciler(chat.Config{UserID: cfg.User.ID}, transport, b, logger)
}

func provideArchive(guard *kv.Guard, b *bus.Bus, logger *zap.Logger) *archive.Store {
	return archive.New(archive.Config{}, guard, b, logger)
}

func provideEngine(st *status.Reconciler, msgs *chat.Reconciler, refresher *fetch.Refresher, client *fetch.Client, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	var (
		fetches intsync.Superseder
		pages   intsync.MessageFetcher
	)
	if refresher != nil {
		fetches = refresher
	}
	if client != nil {
		pages = client
	}
	return intsync.NewEngine(st, msgs, fetches, pages, b, logger)
}

func provideJournal(db *store.DB, guard *kv.Guard, b *bus.Bus, logger *zap.Logger) *intsync.Journal {
	return intsync.NewJournal(db, guard, b, logger)
}

func provideArchiver(cfg *config.Config, db *store.DB, msgs *chat.Reconciler, arch *archive.Store, b *bus.Bus, logger *zap.Logger) *intsync.Archiver {
	return intsync.NewArchiver(db, msgs, arch, cfg.User.ID, b, logger)
}

func provideSender(msgs *chat.Reconciler, db *store.DB, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(msgs, db, logger)
}

func providePush(cfg *config.Config, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *push.Client {
	if cfg.Server.PushURL == "" {
		logger.Warn("no push_url configured, push updates disabled")
		return nil
	}
	return push.NewClient(push.Config{URL: cfg.Server.PushURL, Token: cfg.Server.Token}, engine, b, logger)
}

func provideMetrics(st *status.Reconciler, msgs *chat.Reconciler, arch *archive.Store, b *bus.Bus) *metrics.Metrics {
	return metrics.New(st, msgs, arch, b)
}

func provideScheduler(cfg *config.Config, st *status.Reconciler, arch *archive.Store, refresher *fetch.Refresher, logger *zap.Logger) (*jobs.Scheduler, error) {
	s := jobs.New(logger)
	if err := s.Register(JobStatusSweep, cfg.Jobs.StatusSweepCron, func(context.Context) error {
		if n := st.Cleanup(); n > 0 {
			logger.Debug("stale statuses evicted", zap.Int("count", n))
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := s.Register(JobArchiveCleanup, cfg.Jobs.ArchiveCleanupCron, func(context.Context) error {
		if n := arch.CleanupExpired(); n > 0 {
			logger.Info("expired archives removed", zap.Int("count", n))
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if refresher != nil && cfg.Jobs.StatusRefreshCron != "" {
		if err := s.Register(JobStatusRefresh, cfg.Jobs.StatusRefreshCron, func(ctx context.Context) error {
			_, err := refresher.RefreshAll(ctx, openOrders(st))
			return err
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// openOrders lists cached orders that can still change.
func openOrders(st *status.Reconciler) []string {
	var out []string
	for _, e := range st.Entries() {
		if !e.Status.Terminal() {
			out = append(out, e.EntityID)
		}
	}
	return out
}

type handlerParams struct {
	fx.In

	Config    *config.Config
	Status    *status.Reconciler
	Refresher *fetch.Refresher
	Messages  *chat.Reconciler
	Sender    *outbox.Sender
	Engine    *intsync.Engine
	Archive   *archive.Store
	Archiver  *intsync.Archiver
	Store     *store.DB
	Push      *push.Client
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

func provideHandler(hp handlerParams) *api.Handler {
	d := api.Deps{
		UserID:    hp.Config.User.ID,
		Status:    hp.Status,
		Refresher: hp.Refresher,
		Messages:  hp.Messages,
		Outbox:    hp.Sender,
		Archive:   hp.Archive,
		Archiver:  hp.Archiver,
		Store:     hp.Store,
		Metrics:   hp.Metrics.Handler(),
	}
	if hp.Refresher != nil {
		d.Engine = hp.Engine
	}
	if hp.Push != nil {
		d.Connected = hp.Push.Connected
	}
	return api.NewHandler(d, hp.Logger)
}

type lifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Server    *Server
	Lock      *lock.Lock
	Store     *store.DB
	Engine    *intsync.Engine
	Journal   *intsync.Journal
	Archive   *archive.Store
	Archiver  *intsync.Archiver
	Sender    *outbox.Sender
	Push      *push.Client
	Metrics   *metrics.Metrics
	Scheduler *jobs.Scheduler
	Logger    *zap.Logger
}

func registerLifecycle(lp lifecycleParams) {
	logger := lp.Logger
	var stopPush context.CancelFunc
	pushDone := make(chan struct{})

	lp.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Consumers subscribe before anything can publish.
			lp.Archive.Start(context.Background())
			lp.Journal.Start(context.Background())
			lp.Archiver.Start(context.Background())
			lp.Engine.Start(context.Background())
			lp.Metrics.Start(context.Background())

			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()

			lp.Sender.Start(context.Background())
			lp.Scheduler.Start(context.Background())

			if lp.Push != nil {
				var ctx context.Context
				ctx, stopPush = context.WithCancel(context.Background())
				go func() {
					defer close(pushDone)
					_ = lp.Push.Run(ctx)
				}()
			} else {
				close(pushDone)
			}

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if stopPush != nil {
				stopPush()
			}
			<-pushDone
			lp.Server.Stop(ctx)
			lp.Scheduler.Stop()
			lp.Sender.Stop()
			lp.Engine.Stop()
			lp.Archiver.Stop()
			lp.Journal.Stop()
			lp.Archive.Stop()
			lp.Metrics.Stop()
			if err := lp.Store.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
