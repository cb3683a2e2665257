package daemon

import (
	"context"

	"github.com/matheus3301/wppdesk/internal/api"
	"github.com/matheus3301/wppdesk/internal/assign"
	"github.com/matheus3301/wppdesk/internal/bus"
	"github.com/matheus3301/wppdesk/internal/cache"
	"github.com/matheus3301/wppdesk/internal/config"
	"github.com/matheus3301/wppdesk/internal/conn"
	"github.com/matheus3301/wppdesk/internal/gateway"
	"github.com/matheus3301/wppdesk/internal/lock"
	"github.com/matheus3301/wppdesk/internal/logging"
	"github.com/matheus3301/wppdesk/internal/metrics"
	"github.com/matheus3301/wppdesk/internal/notify"
	"github.com/matheus3301/wppdesk/internal/outbox"
	"github.com/matheus3301/wppdesk/internal/poller"
	"github.com/matheus3301/wppdesk/internal/session"
	"github.com/matheus3301/wppdesk/internal/status"
	"github.com/matheus3301/wppdesk/internal/store"
	msync "github.com/matheus3301/wppdesk/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName   string
	SocketPath    string // optional override for testing; empty = use default
	APISocketPath string // optional override for testing; empty = use default
	ConfigPath    string // optional override; empty = ~/.wppdesk/config.toml
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
			provideMetrics,
			provideLock,
			provideStore,
			provideCache,
			provideGateway,
			provideConnManager,
			provideSender,
			provideMessageStore,
			provideEngine,
			providePoller,
			provideTrigger,
			provideQueue,
			provideCore,
			NewServer,
			NewAPIServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.LoadOrDefault(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// The lock parameter orders the store after the lock: a second daemon must
// fail before touching the database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
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
	return db, nil
}

func provideCache(m *metrics.Metrics, logger *zap.Logger) *cache.Cache {
	return cache.New(cache.WithMetrics(m), cache.WithLogger(logger.Named("cache")))
}

func provideGateway(cfg *config.Config, logger *zap.Logger) *gateway.Client {
	return gateway.New(cfg.Gateway.BaseURL, cfg.Gateway.Token, gateway.WithLogger(logger.Named("gateway")))
}

func provideConnManager(cfg *config.Config, b *bus.Bus, machine *status.Machine, e *msync.Engine, m *metrics.Metrics, logger *zap.Logger) (*conn.Manager, error) {
	u, err := conn.PushURL(cfg.Gateway.BaseURL, cfg.Gateway.PushPath, cfg.Gateway.Token)
	if err != nil {
		return nil, err
	}
	mgr := conn.NewManager(conn.Config{
		URL:               u,
		Token:             cfg.Gateway.Token,
		HeartbeatInterval: cfg.Sync.HeartbeatInterval,
		ReconnectInterval: cfg.Sync.ReconnectInterval,
		MaxAttempts:       cfg.Sync.MaxReconnectAttempts,
	}, nil, b, machine, m, logger.Named("conn"))
	mgr.SetFrameSink(e)
	return mgr, nil
}

func provideSender(gw *gateway.Client, db *store.DB, m *metrics.Metrics, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(gw, db, m, logger.Named("outbox"))
}

func provideMessageStore(cfg *config.Config, gw *gateway.Client, sender *outbox.Sender, db *store.DB, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *msync.MessageStore {
	return msync.NewMessageStore(msync.StoreConfig{
		History:    gw,
		Seen:       gw,
		Sender:     sender,
		Counters:   db,
		Cache:      c,
		Bus:        b,
		HistoryTTL: cfg.Sync.HistoryTTL,
		Logger:     logger.Named("messages"),
	})
}

func provideEngine(s *msync.MessageStore, b *bus.Bus, logger *zap.Logger) *msync.Engine {
	return msync.NewEngine(s, b, logger.Named("sync"))
}

func providePoller(cfg *config.Config, gw *gateway.Client, s *msync.MessageStore, c *cache.Cache, m *metrics.Metrics, logger *zap.Logger) *poller.Poller {
	return poller.New(poller.Config{
		PageSize:        cfg.Sync.PageSize,
		RefreshInterval: cfg.Sync.RefreshInterval,
		ListTTL:         cfg.Sync.ListTTL,
		PictureTTL:      cfg.Sync.PictureTTL,
	}, gw, s, c, m, logger.Named("poller"))
}

func provideTrigger(cfg *config.Config, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *notify.Trigger {
	l := logger.Named("notify")
	return notify.NewTrigger(cfg.Notify.MinInterval, notify.LogNotifier{Logger: l}, b, m, l)
}

func provideQueue(cfg *config.Config, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *assign.Queue {
	return assign.NewQueue(cfg.Assign.Timeout, b, assign.WithMetrics(m), assign.WithLogger(logger.Named("assign")))
}

func provideCore(s *msync.MessageStore, mgr *conn.Manager, p *poller.Poller, q *assign.Queue, c *cache.Cache, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.Core {
	return api.NewCore(s, mgr, p, q, c, db, b, logger.Named("core"))
}

type lifecycleParams struct {
	fx.In

	Server  *Server
	API     *APIServer
	Metrics *MetricsServer
	Lock    *lock.Lock
	DB      *store.DB
	Conn    *conn.Manager
	Engine  *msync.Engine
	Poller  *poller.Poller
	Trigger *notify.Trigger
	Queue   *assign.Queue
	Bus     *bus.Bus
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	ctx, cancel := context.WithCancel(context.Background())
	w := newWatcher(p.Server, p.Poller, qrOutput(), p.Logger)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if n, err := p.DB.AbandonQueued(); err != nil {
				p.Logger.Warn("abandon queued outbox rows", zap.Error(err))
			} else if n > 0 {
				p.Logger.Info("abandoned outbox rows from previous run", zap.Int64("count", n))
			}

			// Start sync engine (receives frames from the push channel).
			p.Engine.Start(ctx)
			p.Trigger.Start(ctx)
			w.Start(ctx, p.Bus)

			go func() {
				if err := p.Server.Start(); err != nil {
					p.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			p.API.Start()
			p.Metrics.Start()

			if err := p.Poller.Start(ctx); err != nil {
				return err
			}
			p.Conn.Connect(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			p.API.Stop(stopCtx)
			p.Conn.Disconnect()
			p.Poller.Stop()
			p.Queue.Stop()
			w.Stop()
			p.Trigger.Stop()
			p.Engine.Stop()
			cancel()
			p.Metrics.Stop(stopCtx)
			p.Server.Stop(stopCtx)
			if err := p.DB.Close(); err != nil {
				p.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				p.Logger.Warn("error releasing lock", zap.Error(err))
			}
			p.Logger.Info("daemon stopped")
			return nil
		},
	})
}
