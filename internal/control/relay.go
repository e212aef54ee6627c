// Package control assembles the delivery core and manages its lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coldsend/relay/internal/api"
	"github.com/coldsend/relay/internal/core/config"
	"github.com/coldsend/relay/internal/delivery/breaker"
	"github.com/coldsend/relay/internal/delivery/classify"
	"github.com/coldsend/relay/internal/delivery/queue"
	"github.com/coldsend/relay/internal/delivery/ratelimit"
	"github.com/coldsend/relay/internal/delivery/retry"
	"github.com/coldsend/relay/internal/delivery/transport"
	"github.com/coldsend/relay/internal/ingest"
	redisclient "github.com/coldsend/relay/internal/infra/redis"
	"github.com/coldsend/relay/internal/infra/storage"
	"github.com/coldsend/relay/internal/infra/storage/memory"
	"github.com/coldsend/relay/internal/infra/storage/postgres"
	"github.com/coldsend/relay/internal/metrics"
	"github.com/coldsend/relay/internal/warmup"
)

// Relay is the main application struct that manages the delivery
// lifecycle.
type Relay struct {
	cfg         *config.AppConfig
	processor   *queue.Processor
	scheduler   *warmup.Scheduler
	consumer    *ingest.Consumer
	httpServer  *http.Server
	db          *postgres.DB
	redisClient *redisclient.Client
	log         *slog.Logger

	cancel context.CancelFunc
}

// NewRelay creates a Relay instance with all dependencies initialized.
func NewRelay(cfg *config.AppConfig) (*Relay, error) {
	// 1. Initialize Storage
	var (
		messageRepo storage.MessageRepository
		warmupRepo  storage.WarmupRepository
		eventRepo   storage.EventRepository
		db          *postgres.DB
	)
	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(); err != nil {
			return nil, err
		}
		messageRepo = postgres.NewMessageRepo(db)
		warmupRepo = postgres.NewWarmupRepo(db)
		eventRepo = postgres.NewEventRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		messageRepo = memory.NewMessageRepo(store)
		warmupRepo = memory.NewWarmupRepo(store)
		eventRepo = memory.NewEventRepo(store)
		slog.Info("Using Memory storage")
	}

	// 2. Initialize Transports and Pacing
	transports := make(map[string]transport.Transport, len(cfg.Providers))
	limits := make(map[string]ratelimit.Limits, len(cfg.Providers))
	for _, p := range cfg.Providers {
		t, err := transport.New(p)
		if err != nil {
			return nil, err
		}
		transports[p.Name] = t
		limits[p.Name] = ratelimit.Limits{Hourly: p.HourlyLimit, Daily: p.DailyLimit}
		slog.Info("Provider initialized", "name", p.Name, "type", string(p.Type))
	}
	limiter := ratelimit.New(limits)

	// 3. Circuit Breakers with metrics transitions
	breakers := breaker.NewRegistry(breaker.DefaultConfig, func(name string, from, to breaker.State) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		switch to {
		case breaker.StateOpen:
			metrics.BreakerTrips.WithLabelValues(name).Inc()
		case breaker.StateClosed:
			metrics.BreakerResets.WithLabelValues(name).Inc()
		}
		slog.Warn("Circuit breaker state change", "resource", name, "from", from.String(), "to", to.String())
	})

	// 4. Retry Engine observing delays
	engine := retry.NewEngine(func(category classify.Category, delay time.Duration) {
		metrics.RetryDelay.WithLabelValues(string(category)).Observe(delay.Seconds())
	})

	// 5. Redis (optional: webhook dedup fast path, cross-process claims)
	var redisClient *redisclient.Client
	serverOpts := []api.Option{api.WithBatchSize(cfg.Queue.BatchSize)}
	procOpts := []queue.Option{queue.WithWorkers(cfg.Queue.Workers)}
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, webhook dedup falls back to the database", "error", err)
		} else {
			serverOpts = append(serverOpts, api.WithDeduper(redisClient))
			procOpts = append(procOpts, queue.WithClaimLocker(redisClient))
		}
	}

	// 6. Queue Processor and Warm-up Scheduler
	processor := queue.NewProcessor(messageRepo, transports, breakers, engine, limiter, procOpts...)
	scheduler := warmup.NewScheduler(warmupRepo, processor, cfg.Warmup.Provider)

	// 7. HTTP Surface
	server := api.NewServer(processor, messageRepo, eventRepo, scheduler, serverOpts...)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.Router(),
	}

	// 8. Broker Ingest (optional)
	var consumer *ingest.Consumer
	if cfg.Broker.URL != "" {
		consumer = ingest.NewConsumer(cfg.Broker, processor)
	}

	return &Relay{
		cfg:         cfg,
		processor:   processor,
		scheduler:   scheduler,
		consumer:    consumer,
		httpServer:  httpServer,
		db:          db,
		redisClient: redisClient,
		log:         slog.Default(),
	}, nil
}

// Start starts the HTTP server, broker consumer and periodic loops.
func (r *Relay) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	go func() {
		r.log.Info("HTTP server listening", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.log.Error("HTTP server failed", "error", err)
		}
	}()

	if r.consumer != nil {
		if err := r.consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start broker consumer: %w", err)
		}
	}

	go r.runBatchLoop(ctx)
	go r.runWarmupLoop(ctx)
	go r.runRolloverLoop(ctx)
	return nil
}

// Stop shuts everything down, waiting for in-flight HTTP requests up to
// the context deadline.
func (r *Relay) Stop(ctx context.Context) error {
	r.log.Info("Stopping Relay...")
	if r.cancel != nil {
		r.cancel()
	}
	if r.consumer != nil {
		r.consumer.Stop()
	}
	if r.redisClient != nil {
		if err := r.redisClient.Close(); err != nil {
			r.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.log.Warn("Failed to close database", "error", err)
		}
	}
	return r.httpServer.Shutdown(ctx)
}

func (r *Relay) runBatchLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Queue.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := r.processor.ProcessBatch(ctx, r.cfg.Queue.BatchSize)
			if err != nil {
				r.log.Error("Batch processing failed", "error", err)
				continue
			}
			if result.Processed > 0 {
				r.log.Info("Batch processed",
					"processed", result.Processed,
					"successful", result.Successful,
					"failed", result.Failed)
			}
		}
	}
}

func (r *Relay) runWarmupLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Warmup.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent, err := r.scheduler.RunOnce(ctx)
			if err != nil {
				r.log.Error("Warm-up pass failed", "error", err)
				continue
			}
			if sent > 0 {
				r.log.Info("Warm-up pass completed", "sends", sent)
			}
		}
	}
}

// runRolloverLoop fires the warm-up daily boundary shortly after local
// midnight.
func (r *Relay) runRolloverLoop(ctx context.Context) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 5, 0, 0, now.Location()).AddDate(0, 0, 1)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := r.scheduler.DailyRollover(ctx); err != nil {
				r.log.Error("Warm-up rollover failed", "error", err)
			}
		}
	}
}
