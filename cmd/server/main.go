package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"quotefeed/internal/dashauth"
	"quotefeed/internal/feed/history"
	"quotefeed/internal/feed/hub"
	"quotefeed/internal/feed/mirror/kafka"
	"quotefeed/internal/feed/normalizer"
	feedservice "quotefeed/internal/feed/service"
	"quotefeed/internal/feed/transport/ws"
	"quotefeed/internal/ingest"
	ingesthandler "quotefeed/internal/ingest/handler"
	"quotefeed/internal/platform/config"
	"quotefeed/internal/platform/httpserver"
	"quotefeed/internal/platform/logger"
	"quotefeed/internal/platform/metrics"
	"quotefeed/internal/platform/middleware"
	"quotefeed/internal/platform/postgres"
	"quotefeed/internal/platform/redis"
	rlmetrics "quotefeed/internal/ratelimit/metrics"
	rlmodels "quotefeed/internal/ratelimit/models"
	ratelimit "quotefeed/internal/ratelimit/service"
	"quotefeed/internal/ratelimit/store/window"
	"quotefeed/internal/submission/store"
	"quotefeed/internal/submission/store/memory"
	pgstore "quotefeed/internal/submission/store/postgres"
	httptransport "quotefeed/internal/transport/http"
	"quotefeed/pkg/platform/middleware/metadata"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("quotefeed stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("quotefeed stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	feedMetrics := metrics.New(reg)

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	limiter, err := newLimiter(cfg, redisClient, reg, log)
	if err != nil {
		return err
	}
	ingestSvc, err := ingest.New(limiter, st,
		ingest.WithMaxFields(cfg.Ingest.MaxFields),
		ingest.WithLogger(log),
	)
	if err != nil {
		return err
	}

	n := normalizer.New()
	hist := history.New(n.Base(),
		history.WithCapacity(cfg.History.Capacity),
		history.WithMaxAge(cfg.History.MaxAge),
	)
	h := hub.New(hist, st,
		hub.WithBacklogLimit(cfg.Hub.BacklogLimit),
		hub.WithLagTimeout(cfg.Hub.LagTimeout),
		hub.WithWriteTimeout(cfg.Hub.WriteTimeout),
		hub.WithDrainTimeout(cfg.Hub.DrainTimeout),
		hub.WithStoreTimeout(cfg.Feed.StoreTimeout),
		hub.WithLogger(log),
		hub.WithMetrics(feedMetrics),
	)

	svcOpts := []feedservice.Option{
		feedservice.WithPollInterval(cfg.Feed.PollInterval),
		feedservice.WithPollBatch(cfg.Feed.PollBatch),
		feedservice.WithNativeRetryInterval(cfg.Feed.NativeRetryInterval),
		feedservice.WithStoreTimeout(cfg.Feed.StoreTimeout),
		feedservice.WithRestartBackoff(cfg.Feed.RestartInitial, cfg.Feed.RestartMax),
		feedservice.WithLogger(log),
		feedservice.WithMetrics(feedMetrics),
	}
	if cfg.Kafka.Enabled() {
		mirror, err := kafka.NewMirror(kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
			StreamID: h.StreamID(),

			Partitions:        cfg.Kafka.Partitions,
			ReplicationFactor: cfg.Kafka.ReplicationFactor,
			DeliveryTimeout:   cfg.Kafka.DeliveryTimeout,
			MaxBuffered:       cfg.Kafka.MaxBuffered,
		}, kafka.WithLogger(log), kafka.WithMetrics(feedMetrics))
		if err != nil {
			return fmt.Errorf("start kafka mirror: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := mirror.Close(closeCtx); err != nil {
				log.Warn("kafka mirror did not flush", "error", err)
			}
		}()
		if cfg.Kafka.CreateTopic {
			if err := mirror.EnsureTopic(ctx); err != nil {
				return err
			}
		}
		svcOpts = append(svcOpts, feedservice.WithMirror(mirror))
	}
	feed := feedservice.New(st, h, n, svcOpts...)

	routerCfg := httptransport.Config{
		Feed: ws.NewHandler(h,
			ws.WithPingInterval(cfg.Hub.PingInterval),
			ws.WithLivenessTimeout(cfg.Hub.LivenessTimeout),
			ws.WithWriteTimeout(cfg.Hub.WriteTimeout),
			ws.WithLogger(log),
		),
		FeedStatus:    feed,
		Ingest:        ingesthandler.New(ingestSvc, log),
		Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		IngestTimeout: cfg.Ingest.HTTPTimeout,
		Logger:        log,
		HealthChecks:  []httptransport.HealthCheck{{Name: "store", Check: st.Ping}},
		ClientHeaders: metadata.Options{
			TrustProxyHeaders:   cfg.Ingest.TrustProxyHeaders,
			TrustClientIDHeader: cfg.Ingest.TrustClientIDHeader,
		},
	}
	if redisClient != nil {
		routerCfg.HealthChecks = append(routerCfg.HealthChecks, httptransport.HealthCheck{Name: "redis", Check: redisClient.Health})
	}
	if cfg.Auth.Disabled {
		log.Warn("dashboard authentication disabled")
	} else {
		jwt := dashauth.NewJWTService(cfg.Auth.SigningKey, cfg.Auth.Issuer, cfg.Auth.Audience)
		routerCfg.DashboardAuth = middleware.RequireDashboardAuth(jwt, log)
	}
	srv := httpserver.New(cfg.Server.Addr, httptransport.NewRouter(routerCfg))

	log.Info("starting quotefeed",
		"addr", cfg.Server.Addr,
		"stream_id", h.StreamID(),
		"base_sequence", n.Base(),
		"kafka_mirror", cfg.Kafka.Enabled(),
		"shared_rate_limit", redisClient != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return feed.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// Websocket handlers return once the hub has closed their connections.
		if err := h.Stop(shutdownCtx); err != nil {
			log.Warn("hub did not drain before shutdown deadline", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, func(), error) {
	if cfg.Postgres.DSN == "" {
		log.Warn("postgres not configured, submissions are kept in memory")
		return memory.New(), func() {}, nil
	}
	pool, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Postgres.Migrate {
		if err := pgstore.Migrate(ctx, pool, cfg.Postgres.NotifyChannel); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	st := pgstore.New(pool,
		pgstore.WithChannel(cfg.Postgres.NotifyChannel),
		pgstore.WithFetchTimeout(cfg.Feed.StoreTimeout),
		pgstore.WithLogger(log),
	)
	return st, pool.Close, nil
}

func newLimiter(cfg config.Config, client *redis.Client, reg prometheus.Registerer, log *slog.Logger) (*ratelimit.Service, error) {
	limit, err := rlmodels.NewLimit(cfg.Ingest.RateLimit, cfg.Ingest.RateWindow)
	if err != nil {
		return nil, fmt.Errorf("ingest rate limit: %w", err)
	}
	local := window.NewInMemoryWindowStore()
	opts := []ratelimit.Option{
		ratelimit.WithLogger(log),
		ratelimit.WithMetrics(rlmetrics.New(reg)),
	}
	if client == nil {
		return ratelimit.New(local, limit, opts...)
	}
	opts = append(opts, ratelimit.WithFallback(local))
	return ratelimit.New(window.NewRedisWindowStore(client, nil), limit, opts...)
}
