package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/retry"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/store/badgerkv"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	ConfigPath string // optional override; empty = ~/.chatsync/config.toml
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			providePersister,
			provideQueue,
			provideMonitor,
			provideProber,
			provideTransport,
			provideCoordinator,
			provideQueueService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	return config.LoadOrDefault(path)
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

// provideLock takes the profile lock. Its stop hook is registered first so
// the lock is released after everything else has shut down.
func provideLock(lc fx.Lifecycle, p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			if err := l.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
	return l, nil
}

// provideStore opens the message store. It depends on the lock so the
// database is never opened by a second daemon.
func provideStore(lc fx.Lifecycle, p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
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
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", db.Path()))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return db.Close() },
	})
	return db, nil
}

// providePersister selects where the queue blob lives.
func providePersister(lc fx.Lifecycle, p Params, cfg *config.Config, db *store.DB, logger *zap.Logger) (outbox.Persister, error) {
	if cfg.Storage.Backend != config.BackendBadger {
		return db.KV(), nil
	}
	dir := profile.BadgerDir(p.Profile)
	kv, err := badgerkv.Open(dir, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("queue persisted in badger", zap.String("dir", dir))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return kv.Close() },
	})
	return kv, nil
}

func provideQueue(persister outbox.Persister, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(persister, b, logger.Named("outbox"), outbox.Options{
		MaxQueueSize:     cfg.Queue.MaxQueueSize,
		MaxActionRetries: cfg.Queue.MaxRetries,
		PersistInterval:  cfg.Queue.PersistInterval.Duration,
	})
}

// provideMonitor starts offline. The prober or the UI reports reachability.
func provideMonitor(b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(connectivity.State{Foreground: true}, b, logger.Named("connectivity"))
}

// provideProber returns nil when no probe URL is configured.
func provideProber(cfg *config.Config, m *connectivity.Monitor, logger *zap.Logger) *connectivity.Prober {
	if cfg.Connectivity.ProbeURL == "" {
		return nil
	}
	return connectivity.NewProber(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval.Duration, nil, m, logger.Named("prober"))
}

func provideTransport(cfg *config.Config, logger *zap.Logger) intsync.Transport {
	if cfg.Transport.BaseURL == "" {
		logger.Warn("transport.base_url not set, messages stay queued")
	}
	return transport.NewHTTP(cfg.Transport.BaseURL, cfg.Transport.Token, cfg.Transport.Timeout.Duration, nil, logger.Named("transport"))
}

func provideCoordinator(cfg *config.Config, q *outbox.Queue, tr intsync.Transport, db *store.DB, m *connectivity.Monitor, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *intsync.Coordinator {
	qc := cfg.Queue
	return intsync.NewCoordinator(intsync.Deps{
		Queue:     q,
		Transport: tr,
		DB:        db,
		Monitor:   m,
		Machine:   machine,
		Bus:       b,
		Logger:    logger.Named("sync"),
	}, intsync.Options{
		Policy: retry.Policy{
			BaseDelay:  qc.BaseDelay.Duration,
			MaxDelay:   qc.MaxDelay.Duration,
			MaxRetries: qc.MaxRetries,
		},
		DrainInterval:           qc.DrainInterval.Duration,
		SentGrace:               qc.SentGrace.Duration,
		ActionGrace:             qc.ActionGrace.Duration,
		StrictConversationOrder: qc.StrictConversationOrder,
	})
}

func provideQueueService(c *intsync.Coordinator, m *connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *api.QueueService {
	return api.NewQueueService(c, m, b, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, coord *intsync.Coordinator, prober *connectivity.Prober, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := coord.Initialize(ctx); err != nil {
				return err
			}
			if prober != nil {
				prober.Start(context.Background())
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if prober != nil {
				prober.Stop()
			}
			srv.Stop(ctx)

			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout(cfg))
			defer cancel()
			if err := coord.Destroy(shutdownCtx); err != nil {
				logger.Warn("queue shutdown incomplete", zap.Error(err))
			}
			return nil
		},
	})
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if d := cfg.Queue.ShutdownTimeout.Duration; d > 0 {
		return d
	}
	return 5 * time.Second
}
