package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/riderpresence/internal/auth"
	"github.com/example/riderpresence/internal/config"
	ratelimitmw "github.com/example/riderpresence/internal/http/middleware"
	"github.com/example/riderpresence/internal/location"
	"github.com/example/riderpresence/internal/presence/broadcast"
	"github.com/example/riderpresence/internal/presence/directory"
	"github.com/example/riderpresence/internal/presence/domain"
	"github.com/example/riderpresence/internal/presence/geo"
	"github.com/example/riderpresence/internal/presence/handler"
	"github.com/example/riderpresence/internal/presence/repository"
	"github.com/example/riderpresence/internal/presence/service"
	"github.com/example/riderpresence/internal/presence/store"
	"github.com/example/riderpresence/internal/realtime"
	"github.com/example/riderpresence/internal/retention"
	"github.com/example/riderpresence/pkg/observability"
	"github.com/example/riderpresence/pkg/relay"
)

const geoKey = "presence:riders:geo"

func serve(ctx context.Context, cfg config.Config) error {
	logger := observability.SetupLogger(cfg.ServiceName, cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdownTracer, err := observability.SetupTracer(ctx, cfg.ServiceName, cfg.TraceStdout)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdownTracer(context.Background()) //nolint:errcheck
	}

	checks := map[string]observability.Check{}
	clock := domain.SystemClock{}

	var (
		repo  domain.LocationRepository
		purge retention.Purger
		db    *sql.DB
	)
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		pg := repository.NewPostgres(db, cfg.Retention.History, clock)
		repo, purge = pg, pg
		checks["postgres"] = db.PingContext
	} else {
		logger.Warn("postgres.dsn not set, durable state is in memory only")
		mem := repository.NewMemoryRepository(cfg.Retention.History, clock)
		repo, purge = mem, mem
	}

	redisClient := newRedisClient(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var dir domain.RiderDirectory
	if db != nil {
		dir = directory.NewSQL(db, cfg.DirectoryQuery)
		if redisClient != nil {
			dir = directory.NewRedisCache(dir, redisClient, cfg.IdentityTTL)
		}
	}

	var geoIndex domain.GeoIndex = geo.NewMemoryIndex()
	if redisClient != nil {
		geoIndex = geo.NewRedisIndex(redisClient, geoKey)
	}

	hubOpts := []broadcast.Option{}
	nc := connectNATS(cfg, logger)
	if nc != nil {
		defer func() { _ = nc.Drain() }()
		hubOpts = append(hubOpts, broadcast.WithRelay(relay.NewPublisher(nc, cfg.NATSPrefix)))
		checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return nats.ErrConnectionClosed
			}
			return nil
		}
	}
	hub := broadcast.NewHub(logger, hubOpts...)

	dispatcher := service.NewDispatcher(logger, service.DispatcherConfig{
		Workers:     cfg.Dispatcher.Workers,
		QueueDepth:  cfg.Dispatcher.QueueDepth,
		TaskTimeout: cfg.Dispatcher.TaskTimeout,
	})

	svc := service.New(service.Deps{
		Store:       store.New(cfg.StoreShards),
		Repository:  repo,
		Directory:   dir,
		GeoIndex:    geoIndex,
		Broadcaster: hub,
		Scheduler:   dispatcher,
		Clock:       clock,
		Logger:      logger,
	}, service.Config{
		IdleAfter:           cfg.Presence.IdleAfter,
		OfflineAfter:        cfg.Presence.OfflineAfter,
		SweepInterval:       cfg.Presence.SweepInterval,
		ActiveWindow:        cfg.Presence.ActiveWindow,
		DefaultHistoryLimit: cfg.Presence.DefaultHistoryLimit,
		MaxHistoryLimit:     cfg.Presence.MaxHistoryLimit,
		TripIdleAfter:       cfg.Presence.TripIdleAfter,
	})

	verifier := auth.NewVerifier(cfg.JWTSecret)
	if verifier == nil {
		logger.Warn("jwt.secret not set, admin endpoints are unauthenticated")
	}
	limiter := ratelimitmw.NewRateLimiter(redisClient)

	api := handler.NewHTTP(svc,
		handler.WithAuth(verifier),
		handler.WithIngestLimit(limiter, ratelimitmw.RateConfig{Rate: cfg.RateLimit.Rate, Burst: cfg.RateLimit.Burst}),
		handler.WithLogger(logger),
	)
	gateway := realtime.NewGateway(svc, hub, verifier, logger, realtime.Config{
		CheckOrigin: func(*http.Request) bool { return true },
	})

	r := chi.NewRouter()
	r.Handle("/ws", gateway)
	r.Mount("/", api.Router())

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: observability.MetricsRouter(checks), ReadHeaderTimeout: 5 * time.Second}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	grpcSrv := grpc.NewServer()
	location.RegisterIngestServer(grpcSrv, location.NewServer(svc, logger))

	errCh := make(chan error, 4)
	go func() {
		logger.Info("presence http listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	go func() {
		logger.Info("location grpc listening", zap.String("addr", grpcLis.Addr().String()))
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	go func() {
		if err := svc.RunSweeper(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", zap.Error(err))
		}
	}()
	go func() {
		w := retention.NewWorker(purge, clock, logger, retention.WorkerConfig{Interval: cfg.Retention.Interval})
		if err := w.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("retention worker stopped", zap.Error(err))
		}
	}()

	if len(cfg.KafkaBrokers) > 0 {
		consumer := location.NewKafkaConsumer(location.NewKafkaReader(location.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroup,
		}), svc, logger)
		defer consumer.Close() //nolint:errcheck
		go func() {
			if err := consumer.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("kafka consumer stopped", zap.Error(err))
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("server failed, shutting down", zap.Error(runErr))
	}

	stopWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("dispatcher drain incomplete", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	return runErr
}

func newRedisClient(ctx context.Context, cfg config.Config, logger *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed, continuing without redis", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}

func connectNATS(cfg config.Config, logger *zap.Logger) *nats.Conn {
	if cfg.NATSURL == "" {
		return nil
	}
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name(cfg.ServiceName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		logger.Warn("nats connect failed, relay disabled", zap.Error(err))
		return nil
	}
	return nc
}
