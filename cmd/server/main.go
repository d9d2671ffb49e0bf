package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/job-dispatch/internal/auth"
	"github.com/example/job-dispatch/internal/chat"
	"github.com/example/job-dispatch/internal/claim"
	"github.com/example/job-dispatch/internal/config"
	"github.com/example/job-dispatch/internal/drivers"
	"github.com/example/job-dispatch/internal/eventbus"
	"github.com/example/job-dispatch/internal/geo"
	httpapi "github.com/example/job-dispatch/internal/http"
	"github.com/example/job-dispatch/internal/idempotency"
	"github.com/example/job-dispatch/internal/ingest"
	"github.com/example/job-dispatch/internal/jobstore"
	"github.com/example/job-dispatch/internal/logging"
	"github.com/example/job-dispatch/internal/matcher"
	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/pgdb"
	"github.com/example/job-dispatch/internal/pricing"
	"github.com/example/job-dispatch/internal/reconcile"
	"github.com/example/job-dispatch/internal/routing"
	"github.com/example/job-dispatch/internal/stats"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warn("could not read .env", "err", envErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("job-dispatch exited", "err", err)
		os.Exit(1)
	}
}

// run wires the backends chosen by cfg, serves until ctx is done, then shuts
// down the HTTP server and waits for background workers.
func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	busOpts := eventbus.Options{MaxPending: cfg.BusMaxPending, Logger: logger}
	jobBus := eventbus.New[models.JobEvent](busOpts)
	locBus := eventbus.New[models.DriverLocation](busOpts)
	chatBus := eventbus.New[models.Message](busOpts)
	defer func() {
		jobBus.Close()
		locBus.Close()
		chatBus.Close()
	}()

	ready := map[string]func(context.Context) error{}

	var (
		repo     jobstore.Repository
		chatRepo chat.Repository
		dir      drivers.Registry
	)
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := pgdb.RunMigrations(cfg.PGDSN); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied")
		}
		db, err := pgdb.Open(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer db.Close()
		repo = jobstore.NewPostgresRepository(db)
		chatRepo = chat.NewPostgresRepository(db)
		dir = drivers.NewPostgresDirectory(db)
		logger.Info("storage backend", "backend", "postgres")
	} else {
		repo = jobstore.NewMemoryRepository()
		chatRepo = chat.NewMemoryRepository()
		dir = drivers.NewMemoryDirectory()
		logger.Warn("PG_DSN not set, jobs, chat and drivers are kept in memory")
	}
	store := jobstore.New(repo, jobBus, logger)
	ready["jobs"] = store.Ping

	var (
		positions geo.Positions
		keys      idempotency.Keys
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		positions = geo.NewRedisPositions(rc, cfg.RedisGeoKey)
		keys = idempotency.NewRedisKeys(rc, cfg.IdempotencyTTL)
		ready["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		logger.Info("position backend", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		positions = geo.NewMemoryPositions()
		keys = idempotency.NewMemoryKeys(cfg.IdempotencyTTL)
		logger.Warn("REDIS_ADDR not set, positions and idempotency keys are kept in memory")
	}

	var claimOpts []claim.Option
	if cfg.DriverApprovalRequired {
		claimOpts = append(claimOpts, claim.WithApproval(dir))
	}
	tracker := geo.NewTracker(positions, locBus, cfg.LocationMinDistanceM, logger)
	agg := stats.NewAggregator(logger)

	var quoteOpts []pricing.Option
	matchOpts := []matcher.Option{matcher.WithSpeed(cfg.MatcherSpeedMps)}
	if cfg.OSRMURL != "" {
		router := routing.NewCache(routing.NewOSRMClient(cfg.OSRMURL, 2*time.Second), cfg.RouteCacheTTL)
		quoteOpts = append(quoteOpts, pricing.WithRouter(router, logger))
		matchOpts = append(matchOpts, matcher.WithRouter(router))
		logger.Info("road distances enabled", "osrm", cfg.OSRMURL)
	}

	var authn auth.Authenticator = auth.HeaderAuthenticator{}
	if cfg.JWTSecret != "" {
		authn = auth.NewJWTAuthenticator(cfg.JWTSecret)
	} else {
		logger.Warn("JWT_SECRET not set, trusting X-User-* identity headers")
	}

	deps := httpapi.Deps{
		Jobs:      store,
		Claims:    claim.New(store, logger, claimOpts...),
		Locations: tracker,
		Chat:      chat.NewRelay(store, chatRepo, chatBus, logger),
		Stats:     agg,
		Quotes: pricing.NewQuoter(pricing.Config{
			BaseFare:     cfg.PricingBaseFare,
			PerKm:        cfg.PricingPerKm,
			RouteFactor:  cfg.PricingRouteFactor,
			PerStop:      cfg.PricingPerStop,
			PerExtraStop: cfg.PricingPerExtraStop,
			TaxRate:      cfg.PricingTaxRate,
		}, quoteOpts...),
		Matcher:     matcher.New(tracker, logger, matchOpts...),
		Drivers:     dir,
		Idempotency: keys,
		Auth:        authn,
		Ready:       ready,
	}

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()
	var wg sync.WaitGroup
	goWork := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(workCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker stopped", "worker", name, "err", err)
			}
		}()
	}

	goWork("stats", func(ctx context.Context) error { return agg.Run(ctx, store) })

	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewHeartbeatProducer(ingest.NewWriter(cfg.KafkaBrokers, cfg.KafkaHeartbeatTopic))
		defer producer.Close()
		deps.Heartbeats = producer

		reader := ingest.NewReader(cfg.KafkaBrokers, cfg.KafkaHeartbeatTopic, cfg.KafkaGroup)
		defer reader.Close()
		consumer := ingest.NewHeartbeatConsumer(reader, tracker, logger)
		goWork("heartbeat-consumer", consumer.Run)

		events := ingest.NewWriter(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer events.Close()
		forwarder := ingest.NewEventForwarder(events, logger)
		goWork("event-forwarder", func(ctx context.Context) error { return forwarder.Run(ctx, store) })

		logger.Info("kafka enabled", "brokers", cfg.KafkaBrokers,
			"heartbeat_topic", cfg.KafkaHeartbeatTopic, "events_topic", cfg.KafkaEventsTopic)
	}

	reconciler := reconcile.NewStatsJob(store, agg, cfg.ReconcileSchedule, logger)
	if err := reconciler.Start(); err != nil {
		return fmt.Errorf("schedule stats reconciliation: %w", err)
	}
	defer reconciler.Stop()

	api := httpapi.NewServer(deps, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("job-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	api.CloseStreams()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", "err", err)
	}
	cancelWork()
	wg.Wait()
	logger.Info("job-dispatch stopped")
	return runErr
}
