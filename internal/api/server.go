// Package api exposes the queue, webhook and operational HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coldsend/relay/internal/delivery/queue"
	"github.com/coldsend/relay/internal/infra/storage"
	"github.com/coldsend/relay/internal/warmup"
)

// EventDeduper is the fast-path duplicate check for provider callbacks;
// the Redis client satisfies it. The delivery_events unique index
// remains the durable check, so a nil deduper only costs extra DB hits.
// ClearEventSeen undoes the mark when durable processing fails, keeping
// the provider's redelivery viable.
type EventDeduper interface {
	MarkEventSeen(ctx context.Context, messageID, eventType string, ttl time.Duration) (bool, error)
	ClearEventSeen(ctx context.Context, messageID, eventType string) error
}

// Server wires HTTP handlers to the delivery core.
type Server struct {
	queue    *queue.Processor
	repo     storage.MessageRepository
	events   storage.EventRepository
	warmup   *warmup.Scheduler
	dedup    EventDeduper
	notifier queue.RecipientNotifier
	log      *slog.Logger

	batchSize int
	dedupTTL  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithDeduper installs the fast-path event deduper.
func WithDeduper(d EventDeduper) Option {
	return func(s *Server) { s.dedup = d }
}

// WithNotifier sets the recipient-status collaborator used by the
// webhook handlers.
func WithNotifier(n queue.RecipientNotifier) Option {
	return func(s *Server) { s.notifier = n }
}

// WithBatchSize sets the default scheduler-tick batch size.
func WithBatchSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// NewServer creates the HTTP surface over the queue processor, message
// store and warm-up scheduler.
func NewServer(q *queue.Processor, repo storage.MessageRepository, events storage.EventRepository, wu *warmup.Scheduler, opts ...Option) *Server {
	s := &Server{
		queue:     q,
		repo:      repo,
		events:    events,
		warmup:    wu,
		notifier:  queue.NopNotifier{},
		log:       slog.Default(),
		batchSize: 50,
		dedupTTL:  24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Route("/messages", func(r chi.Router) {
			r.Post("/", s.handleEnqueue)
			r.Get("/", s.handleList)
			r.Get("/{id}", s.handleGet)
			r.Post("/cancel", s.handleCancel)
			r.Post("/cancel-all", s.handleCancelAll)
			r.Post("/retry", s.handleRetryAll)
		})
		r.Route("/warmup/identities", func(r chi.Router) {
			r.Post("/", s.handleWarmupEnroll)
			r.Post("/{id}/pause", s.handleWarmupPause)
			r.Post("/{id}/resume", s.handleWarmupResume)
		})
		r.Post("/webhooks/delivery", s.handleDeliveryEvent)
		r.Post("/scheduler/tick", s.handleSchedulerTick)
	})

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
