package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/audit"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/confirmation"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
	"github.com/lalithlochan/herald/internal/events"
	"github.com/lalithlochan/herald/internal/mailer"
	"github.com/lalithlochan/herald/internal/memstore"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/orchestrator"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/sns"
	"github.com/lalithlochan/herald/internal/sqs"
	"github.com/lalithlochan/herald/internal/worker"
)

// store is everything the pipeline needs from persistence; db.Repository and memstore.Store both satisfy it
type store interface {
	orchestrator.Repository
	worker.Repository
	confirmation.Repository
	audit.Repository
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		repo     store
		health   func(context.Context) error
		database *db.DB
	)
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		repo = memstore.New()
	default:
		database, err = db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			MaxConns: cfg.DBMaxConns,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		repo = db.NewRepository(database, logger)
		health = database.Health
	}

	// Outbound mail carries both letters and owner notices
	var mail delivery.Mailer
	if cfg.MailSender == "ses" {
		mail, err = mailer.NewSESSender(ctx, mailer.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES sender: %w", err)
		}
	} else {
		mail = mailer.NewLogSender(logger)
	}

	publisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}

	breakers := circuitbreaker.NewGroup(circuitbreaker.DefaultConfig(""), logger)
	apiAdapter := delivery.NewAPIAdapter(delivery.APIConfig{
		Timeout:    cfg.APITimeout,
		MaxRetries: cfg.APIMaxRetries,
		BaseDelay:  cfg.APIRetryBaseDelay,
	}, logger)
	registry := delivery.NewRegistry(logger,
		circuitbreaker.NewProtectedAdapter(apiAdapter, breakers, logger),
		delivery.NewEmailAdapter(mail, logger),
		delivery.NewManualAdapter(logger),
	)

	emitter := events.NewEmitter(publisher, logger)
	trail := audit.NewTrail(repo, logger)
	notifier := confirmation.NewOwnerNotifier(repo, mail, logger)

	orch := orchestrator.New(repo, registry, emitter, trail, notifier, logger)
	queue := worker.New(repo, orch, emitter, trail, worker.Config{
		PollInterval: cfg.WorkerInterval,
		BatchSize:    cfg.WorkerBatchSize,
		MaxAttempts:  cfg.QueueMaxAttempts,
		ClaimLease:   cfg.QueueClaimLease,
	}, logger)
	dispatcher := orchestrator.NewDispatcher(orch, repo, queue, emitter, trail, logger)
	tracker := confirmation.NewTracker(repo, orch, registry, emitter, trail, notifier, logger)

	// Redis backs webhook idempotency and rate limiting; both are skipped without it
	var (
		idempotency *redis.IdempotencyService
		limiter     *redis.RateLimiter
	)
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.WebhookRateLimit,
			Window: time.Minute,
		})
	}

	handler := api.NewHandler(logger, api.Deps{
		Repo:        repo,
		Dispatcher:  dispatcher,
		Queue:       queue,
		Tracker:     tracker,
		Trail:       trail,
		Breakers:    breakers,
		Idempotency: idempotency,
		Limiter:     limiter,
		Health:      health,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(api.RequestLogger(logger))

	r.Route("/v1", handler.Routes)
	r.Get("/health", handler.HealthCheck)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	loops := []*worker.Loop{
		queue.Loop(),
		worker.NewLoop("confirmation-sweep", cfg.SweepInterval, func(ctx context.Context) {
			if _, err := tracker.SweepPending(ctx, cfg.SweepThreshold); err != nil {
				logger.Error("confirmation sweep failed", zap.Error(err))
			}
		}, logger),
	}
	if cfg.AuditRetention > 0 {
		loops = append(loops, worker.NewLoop("audit-retention", 24*time.Hour, func(ctx context.Context) {
			if _, err := trail.Sweep(ctx, cfg.AuditRetention); err != nil {
				logger.Error("audit retention sweep failed", zap.Error(err))
			}
		}, logger))
	}
	if database != nil {
		loops = append(loops, worker.NewLoop("db-pool-metrics", 15*time.Second, func(context.Context) {
			metrics.SetDBConnections(database.AcquiredConns())
		}, logger))
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, l := range loops {
		l.Start(gctx)
	}
	defer func() {
		for _, l := range loops {
			l.Stop()
		}
	}()

	if cfg.SQSSignalQueueURL != "" {
		source, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SQSSignalQueueURL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create signal consumer: %w", err)
		}
		consumer := confirmation.NewSignalConsumer(source, tracker, logger)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("gateway stopped gracefully")
	return nil
}

// newPublisher picks the lifecycle event sink
func newPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (events.Publisher, error) {
	switch cfg.EventSink {
	case "sns":
		p, err := sns.NewPublisher(ctx, cfg.SNSTopicARN, cfg.AWSRegion, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS publisher: %w", err)
		}
		return p, nil
	case "sqs":
		p, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SQSEventQueueURL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQS producer: %w", err)
		}
		return p, nil
	default:
		return events.NewLogPublisher(logger), nil
	}
}
