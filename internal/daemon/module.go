package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/membership"
	"github.com/matheus3301/chatsync/internal/netmon"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/receipt"
	"github.com/matheus3301/chatsync/internal/reconcile"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/retry"
	"github.com/matheus3301/chatsync/internal/send"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const tracerName = "github.com/matheus3301/chatsync/internal/remote"

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = load from the config file
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
			provideRemote,
			provideNetwork,
			provideMembership,
			provideTyping,
			provideReconciler,
			provideRealtime,
			provideOutbox,
			provideReceipts,
			provideSender,
			provideEngine,
			provideService,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		loaded, err := config.LoadOrDefault(session.ConfigPath())
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyDefaults()
	if err := cfg.ValidateDaemon(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened by a second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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
	return db, nil
}

func provideRemote(cfg *config.Config) *remote.Client {
	return remote.New(cfg.Remote.URL, cfg.Remote.APIKey,
		remote.WithAccessToken(cfg.Remote.AccessToken),
		remote.WithTimeout(cfg.Outbox.SendTimeout.Duration),
		remote.WithTracer(otel.Tracer(tracerName)),
	)
}

func provideNetwork(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	var prober netmon.Prober
	if cfg.Network.ProbeAddr != "" {
		prober = netmon.DialProber{Addr: cfg.Network.ProbeAddr, Timeout: cfg.Network.ProbeInterval.Duration}
	}
	return netmon.New(prober, cfg.Network.ProbeInterval.Duration, b, logger.Named("netmon"))
}

func provideMembership(db *store.DB, rc *remote.Client, logger *zap.Logger) *membership.Cache {
	return membership.New(db, rc, logger.Named("membership"), 0)
}

func provideTyping() *reconcile.TypingTracker {
	return reconcile.NewTypingTracker(reconcile.DefaultTypingTTL)
}

func provideReconciler(cfg *config.Config, db *store.DB, members *membership.Cache, typing *reconcile.TypingTracker, b *bus.Bus, logger *zap.Logger) *reconcile.Reconciler {
	return reconcile.New(db, members, cfg.Remote.UserID, typing, b, logger.Named("reconcile"))
}

func provideRealtime(cfg *config.Config, rec *reconcile.Reconciler, b *bus.Bus, logger *zap.Logger) *realtime.Manager {
	log := logger.Named("realtime")
	dial := realtime.NewDialer(realtime.SocketConfig{
		URL:       cfg.Realtime.URL,
		APIKey:    cfg.Remote.APIKey,
		Heartbeat: cfg.Realtime.Heartbeat.Duration,
	}, log)
	return realtime.NewManager(dial, rec, b, log, realtime.Config{
		AccessToken: cfg.Remote.AccessToken,
		JoinTimeout: cfg.Realtime.JoinTimeout.Duration,
		Join:        retryStrategy(cfg),
		Reconnect:   retry.DefaultStrategy(),
	})
}

func provideOutbox(cfg *config.Config, db *store.DB, rc *remote.Client, net *netmon.Monitor, b *bus.Bus, logger *zap.Logger) *outbox.Synchronizer {
	return outbox.New(db, rc, net, b, logger.Named("outbox"), outbox.Config{
		SendTimeout:   cfg.Outbox.SendTimeout.Duration,
		SweepInterval: cfg.Outbox.SweepInterval.Duration,
		Strategy:      retryStrategy(cfg),
	})
}

func retryStrategy(cfg *config.Config) retry.Strategy {
	s := retry.DefaultStrategy()
	s.MaxAttempts = cfg.Outbox.MaxAttempts
	return s
}

func provideReceipts(cfg *config.Config, db *store.DB, rc *remote.Client, b *bus.Bus, logger *zap.Logger) *receipt.Marker {
	return receipt.New(db, rc, b, logger.Named("receipt"), cfg.Outbox.SendTimeout.Duration)
}

func provideSender(cfg *config.Config, db *store.DB, sync *outbox.Synchronizer, b *bus.Bus, logger *zap.Logger) *send.Coordinator {
	return send.New(db, sync, cfg.Remote.UserID, b, logger.Named("send"))
}

type engineParams struct {
	fx.In

	Config     *config.Config
	DB         *store.DB
	Bus        *bus.Bus
	Logger     *zap.Logger
	Remote     *remote.Client
	Network    *netmon.Monitor
	Outbox     *outbox.Synchronizer
	Realtime   *realtime.Manager
	Reconciler *reconcile.Reconciler
	Typing     *reconcile.TypingTracker
	Receipts   *receipt.Marker
	Members    *membership.Cache
	Sender     *send.Coordinator
}

func provideEngine(p engineParams) *engine.Engine {
	return engine.New(engine.Deps{
		DB:         p.DB,
		Bus:        p.Bus,
		Logger:     p.Logger.Named("engine"),
		Remote:     p.Remote,
		Network:    p.Network,
		Outbox:     p.Outbox,
		Realtime:   p.Realtime,
		Reconciler: p.Reconciler,
		Typing:     p.Typing,
		Receipts:   p.Receipts,
		Members:    p.Members,
		Sender:     p.Sender,
	}, engine.Config{
		UserID:  p.Config.Remote.UserID,
		Timeout: p.Config.Outbox.SendTimeout.Duration,
	})
}

func provideService(p Params, e *engine.Engine, logger *zap.Logger) *api.Service {
	return api.NewService(p.SessionName, e, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, metricsSrv *MetricsServer, lk *lock.Lock, db *store.DB, e *engine.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine outlives the start hook's context.
			if err := e.Start(context.Background()); err != nil {
				return err
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if err := metricsSrv.Start(); err != nil {
				logger.Warn("metrics endpoint disabled", zap.Error(err))
			}
			logger.Info("daemon started", zap.String("user_id", e.UserID()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			e.Stop()
			metricsSrv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
