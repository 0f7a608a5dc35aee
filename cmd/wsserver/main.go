package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/duochat/chat-app/internal/auth"
	"github.com/duochat/chat-app/internal/config"
	"github.com/duochat/chat-app/internal/logging"
	"github.com/duochat/chat-app/internal/messaging"
	"github.com/duochat/chat-app/internal/metrics"
	"github.com/duochat/chat-app/internal/presence"
	"github.com/duochat/chat-app/internal/ratelimit"
	"github.com/duochat/chat-app/internal/session"
	"github.com/duochat/chat-app/internal/store"
	"github.com/duochat/chat-app/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to a duochat.yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("duochat presence server starting",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("server_name", cfg.Server.Name),
		zap.Int("worker_pool", cfg.Server.WorkerPoolSize),
		zap.Int("max_connections", cfg.Server.MaxConnections),
		zap.String("store", cfg.Store.Backend),
		zap.String("auth", cfg.Auth.Mode),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("nats", cfg.NATS.Enabled))

	// --- Message store ---
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logger.Warn("store close error", zap.Error(err))
		}
	}()

	identity, err := auth.New(cfg.Auth.Mode, cfg.Auth.Secret, cfg.Auth.Cookie)
	if err != nil {
		return err
	}

	engine := presence.NewEngine(cfg.Engine(), st, logger)

	// --- Redis: connection mirror and rate limiting ---
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = session.NewClient(ctx, session.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		mirror := session.NewStore(redisClient, cfg.Server.Name, cfg.Redis.TTL, logger)
		defer mirror.Close()
		engine.AddSink(mirror)
	}

	// --- NATS: collaborator bus ---
	if cfg.NATS.Enabled {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = cfg.NATS.Name
		natsConfig.QueueGroup = cfg.NATS.QueueGroup

		natsClient, err := messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			return err
		}
		defer natsClient.Close()

		bridge := messaging.NewBridge(natsClient, engine, natsConfig.QueueGroup, cfg.NATS.RequestTimeout, logger)
		if err := bridge.Start(); err != nil {
			return err
		}
		engine.AddSink(bridge)
	}

	// --- WebSocket transport ---
	var server *ws.Server
	dispatcher := ws.NewMessageDispatcher(logger)
	h := &handlers{engine: engine, closer: func(c *ws.Connection) { server.CloseConnection(c, "logout") }, logger: logger.Named("handlers")}
	h.register(dispatcher)

	server = ws.NewServer(cfg.WSServer(), cfg.WSHeartbeat(), identity, dispatcher.Dispatch, logger)
	server.SetOnConnect(func(c *ws.Connection) error {
		return engine.Connect(c)
	})
	server.SetOnDisconnect(func(c *ws.Connection) {
		engine.Disconnect(c)
	})
	server.Handle("/metrics", metrics.Handler())

	if cfg.RateLimit.Enabled && redisClient != nil {
		event, connect := cfg.Rules()
		limiter := ratelimit.NewLimiter(redisClient, logger).WithRules(event, connect)
		dispatcher.SetEventLimiter(limiter)
		server.SetConnectLimiter(limiter)
	}

	go engine.RunResync(ctx, cfg.Presence.ResyncInterval)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	engine.Wait()
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		if cfg.Store.MigrateOnStart {
			if err := store.Migrate(cfg.Store.PostgresDSN, true); err != nil {
				return nil, err
			}
			logger.Info("postgres migrations applied")
		}
		pc := store.DefaultPostgresConfig()
		pc.DSN = cfg.Store.PostgresDSN
		return store.NewPostgresStore(ctx, pc, logger)

	case config.BackendMongo:
		mc := store.DefaultMongoConfig()
		mc.URI = cfg.Store.MongoURI
		mc.Database = cfg.Store.MongoDatabase
		mc.Collection = cfg.Store.MongoCollection
		return store.NewMongoStore(ctx, mc, logger)

	default:
		logger.Warn("using in-memory message store; messages are lost on restart")
		return store.NewMemoryStore(), nil
	}
}
