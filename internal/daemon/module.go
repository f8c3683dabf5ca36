package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/leadwave/wpsync/internal/automation"
	"github.com/leadwave/wpsync/internal/bus"
	"github.com/leadwave/wpsync/internal/config"
	"github.com/leadwave/wpsync/internal/connection"
	"github.com/leadwave/wpsync/internal/conversation"
	"github.com/leadwave/wpsync/internal/domain"
	"github.com/leadwave/wpsync/internal/lock"
	"github.com/leadwave/wpsync/internal/logging"
	"github.com/leadwave/wpsync/internal/prefs"
	"github.com/leadwave/wpsync/internal/provider"
	"github.com/leadwave/wpsync/internal/provider/direct"
	"github.com/leadwave/wpsync/internal/provider/rest"
	"github.com/leadwave/wpsync/internal/rpc"
	"github.com/leadwave/wpsync/internal/session"
	"github.com/leadwave/wpsync/internal/status"
	"github.com/leadwave/wpsync/internal/store"
	intsync "github.com/leadwave/wpsync/internal/sync"
	"github.com/leadwave/wpsync/internal/threads"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// resumeTimeout bounds the status check that adopts an existing connection
// at startup.
const resumeTimeout = 30 * time.Second

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
	SocketPath  string // optional override for testing; empty = use default

	// Backend replaces the configured backend; used by tests.
	Backend provider.Backend
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			providePrefs,
			provideBackend,
			provideManager,
			provideDirectory,
			provideToggle,
			provideSynchronizer,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(lc fx.Lifecycle, p Params) (*zap.Logger, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	l := p.Config.Log
	logger, err := logging.New(session.LogPath(p.SessionName), p.SessionName, logging.Options{
		Level:      l.Level,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
	return logger, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(lc fx.Lifecycle, p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			if err := l.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			return nil
		},
	})
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// daemon that owns the session.
func provideStore(lc fx.Lifecycle, p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

func providePrefs(db *store.DB) *prefs.Store {
	return prefs.New(db)
}

func provideBackend(lc fx.Lifecycle, p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) (provider.Backend, error) {
	if p.Backend != nil {
		return p.Backend, nil
	}
	cfg := p.Config.Backend
	switch cfg.Kind {
	case config.BackendREST:
		logger.Info("using REST backend", zap.String("base_url", cfg.BaseURL), zap.String("tenant", cfg.Tenant))
		return rest.New(rest.Options{
			BaseURL:   cfg.BaseURL,
			Token:     cfg.APIToken,
			Tenant:    cfg.Tenant,
			Timeout:   cfg.Timeout.Duration,
			RateLimit: cfg.RateLimit,
			Burst:     cfg.Burst,
			Logger:    logger.Named("rest"),
		})
	case config.BackendDirect:
		return provideDirect(lc, p, db, b, logger.Named("direct"))
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// provideDirect opens the linked-device store and wires whatsmeow events
// through the bus into the ingestion engine.
func provideDirect(lc fx.Lifecycle, p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) (provider.Backend, error) {
	adapter, err := direct.Open(context.Background(), session.SessionDBPath(p.SessionName), logger)
	if err != nil {
		return nil, err
	}
	engine := intsync.NewEngine(db, b, logger)
	backend := direct.NewBackend(adapter, db, engine, logger)

	handler := direct.NewEventHandler(b, adapter, logger)
	adapter.AddEventHandler(handler.Handle)
	adapter.AddEventHandler(backend.HandleEvent)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			if adapter.IsLoggedIn() {
				// Reconnect a paired device; the connection manager adopts it.
				go func() {
					if err := adapter.Connect(); err != nil {
						logger.Warn("auto-connect failed", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			adapter.Disconnect()
			backend.Close()
			engine.Stop()
			return nil
		},
	})
	return backend, nil
}

func provideManager(p Params, backend provider.Backend, ps *prefs.Store, m *status.Machine, b *bus.Bus, logger *zap.Logger) *connection.Manager {
	poll := p.Config.Polling
	return connection.NewManager(backend, ps, m, b, logger.Named("connection"), connection.Config{
		PairingAttempts: poll.PairingAttempts,
		PairingInterval: poll.PairingInterval.Duration,
		WatchInterval:   poll.PairingWatchInterval.Duration,
		PairingWindow:   poll.PairingWindow.Duration,
		StatusInterval:  poll.StatusInterval.Duration,
	})
}

func provideDirectory(p Params, backend provider.Backend, b *bus.Bus, logger *zap.Logger) *threads.Directory {
	return threads.NewDirectory(backend, b, logger.Named("threads"), threads.Config{
		PollInterval: p.Config.Polling.ThreadInterval.Duration,
	})
}

func provideToggle(backend provider.Backend, b *bus.Bus, logger *zap.Logger) *automation.Toggle {
	return automation.NewToggle(backend, b, logger.Named("automation"))
}

func provideSynchronizer(p Params, backend provider.Backend, toggle *automation.Toggle, dir *threads.Directory, b *bus.Bus, logger *zap.Logger) *conversation.Synchronizer {
	return conversation.NewSynchronizer(backend, toggle, dir, b, logger.Named("conversation"), conversation.Config{
		PollInterval: p.Config.Polling.MessageInterval.Duration,
	})
}

func provideService(conn *connection.Manager, dir *threads.Directory, syncer *conversation.Synchronizer, ps *prefs.Store, b *bus.Bus, logger *zap.Logger) *rpc.Service {
	return rpc.NewService(conn, dir, syncer, ps, b, logger.Named("rpc"))
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	conn *connection.Manager,
	dir *threads.Directory,
	syncer *conversation.Synchronizer,
	b *bus.Bus,
	logger *zap.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())
	var followDone <-chan struct{}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			followDone = followConnection(ctx, b, dir, logger)
			dir.Start(ctx)

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Adopt a backend session that is already live.
			go func() {
				rctx, rcancel := context.WithTimeout(ctx, resumeTimeout)
				defer rcancel()
				connected, err := conn.Resume(rctx)
				switch {
				case err != nil:
					logger.Warn("initial status check failed", zap.Error(err))
				case connected:
					logger.Info("resumed existing connection")
				default:
					logger.Info("not connected; pairing required")
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			srv.Stop(stopCtx)
			syncer.Close()
			dir.Stop()
			conn.Close()
			cancel()
			if followDone != nil {
				<-followDone
			}
			return nil
		},
	})
}

// followConnection feeds connection status into the thread directory and
// refreshes threads whenever the connection becomes live.
func followConnection(ctx context.Context, b *bus.Bus, dir *threads.Directory, logger *zap.Logger) <-chan struct{} {
	ch, unsub := b.Subscribe("connection.", 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				switch p := evt.Payload.(type) {
				case domain.ConnectionStatus:
					dir.Observe(p)
				case status.StatusChange:
					if p.To != status.Connected {
						continue
					}
					if err := dir.Refresh(ctx); err != nil {
						logger.Warn("thread refresh after connect failed", zap.Error(err))
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}
