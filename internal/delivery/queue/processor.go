// Package queue drains the durable send queue in short batch invocations.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coldsend/relay/internal/core/domain"
	"github.com/coldsend/relay/internal/delivery/breaker"
	"github.com/coldsend/relay/internal/delivery/classify"
	"github.com/coldsend/relay/internal/delivery/ratelimit"
	"github.com/coldsend/relay/internal/delivery/retry"
	"github.com/coldsend/relay/internal/delivery/transport"
	"github.com/coldsend/relay/internal/infra/storage"
	"github.com/coldsend/relay/internal/metrics"
)

const (
	defaultMaxAttempts = 4
	defaultWorkers     = 4

	// claimLockTTL bounds how long a crashed worker can hold a message's
	// cross-process lock.
	claimLockTTL = 2 * time.Minute
)

// ErrInvalidRequest marks enqueue rejections callers should not retry.
var ErrInvalidRequest = errors.New("invalid enqueue request")

// RecipientNotifier is the external lead/mailbox-status collaborator.
// Both calls must be safe to invoke at most once per message; the
// processor guarantees that via the conditional terminal write.
type RecipientNotifier interface {
	RecipientUndeliverable(ctx context.Context, tenantID, address, reason string) error
	RecipientUnsubscribed(ctx context.Context, tenantID, address string) error
}

// ClaimLocker serializes sends per message across processes; the Redis
// client satisfies it. The conditional status claim in the store stays
// authoritative, the lock only cuts cross-process claim races short.
type ClaimLocker interface {
	AcquireClaim(ctx context.Context, messageID string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, messageID string) error
}

// NopNotifier discards recipient-status signals.
type NopNotifier struct{}

func (NopNotifier) RecipientUndeliverable(ctx context.Context, tenantID, address, reason string) error {
	return nil
}
func (NopNotifier) RecipientUnsubscribed(ctx context.Context, tenantID, address string) error {
	return nil
}

// EnqueueRequest is a producer's send intent.
type EnqueueRequest struct {
	TenantID     string             `json:"tenant_id"`
	CampaignID   string             `json:"campaign_id"`
	FromIdentity string             `json:"from_identity"`
	ToAddress    string             `json:"to_address"`
	Subject      string             `json:"subject"`
	BodyHTML     string             `json:"body_html"`
	BodyText     string             `json:"body_text"`
	Provider     string             `json:"provider"`
	Priority     *int               `json:"priority"`
	ScheduledAt  *time.Time         `json:"scheduled_at"`
	SendWindow   *domain.SendWindow `json:"send_window"`
	MaxAttempts  int                `json:"max_attempts"`
}

// BatchResult summarizes one ProcessBatch invocation.
type BatchResult struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Processor owns the batch send loop and the shared reliability state
// (breakers, limiter) for all providers.
type Processor struct {
	repo       storage.MessageRepository
	transports map[string]transport.Transport
	breakers   *breaker.Registry
	engine     *retry.Engine
	limiter    *ratelimit.Limiter
	claims     ClaimLocker
	notifier   RecipientNotifier
	policy     retry.Policy
	workers    int
	log        *slog.Logger

	now func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithWorkers bounds per-batch concurrency.
func WithWorkers(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithNotifier sets the recipient-status collaborator.
func WithNotifier(n RecipientNotifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// WithClaimLocker installs the cross-process claim lock for deployments
// running more than one batch worker.
func WithClaimLocker(l ClaimLocker) Option {
	return func(p *Processor) { p.claims = l }
}

// WithPolicy overrides the transport retry policy.
func WithPolicy(policy retry.Policy) Option {
	return func(p *Processor) { p.policy = policy }
}

// NewProcessor creates a batch processor over the given transports.
func NewProcessor(
	repo storage.MessageRepository,
	transports map[string]transport.Transport,
	breakers *breaker.Registry,
	engine *retry.Engine,
	limiter *ratelimit.Limiter,
	opts ...Option,
) *Processor {
	p := &Processor{
		repo:       repo,
		transports: transports,
		breakers:   breakers,
		engine:     engine,
		limiter:    limiter,
		notifier:   NopNotifier{},
		policy:     retry.TransportPolicy,
		workers:    defaultWorkers,
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue validates and stores a new outbound message, returning it with
// its assigned id.
func (p *Processor) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.QueuedMessage, error) {
	if req.ToAddress == "" {
		return nil, fmt.Errorf("%w: to_address is required", ErrInvalidRequest)
	}
	if req.BodyHTML == "" {
		return nil, fmt.Errorf("%w: body_html is required", ErrInvalidRequest)
	}
	if req.Provider == "" {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidRequest)
	}
	if _, ok := p.transports[req.Provider]; !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidRequest, req.Provider)
	}

	now := p.now()
	priority := domain.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}
	// Future scheduling is expressed through scheduled_at alone; the batch
	// selector only looks at pending/retrying rows.
	scheduledAt := now
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	m := &domain.QueuedMessage{
		ID:           uuid.NewString(),
		TenantID:     req.TenantID,
		CampaignID:   req.CampaignID,
		FromIdentity: req.FromIdentity,
		ToAddress:    req.ToAddress,
		Subject:      req.Subject,
		BodyHTML:     req.BodyHTML,
		BodyText:     req.BodyText,
		Provider:     req.Provider,
		Priority:     priority,
		MaxAttempts:  maxAttempts,
		Status:       domain.StatusPending,
		ScheduledAt:  scheduledAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.SendWindow != nil {
		m.WindowStart = req.SendWindow.Start
		m.WindowEnd = req.SendWindow.End
		m.WindowTimezone = req.SendWindow.Timezone
	}

	if err := p.repo.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}
	return m, nil
}

// ProcessBatch selects up to limit eligible messages and sends them with
// bounded concurrency. Scheduled messages whose time has come are picked
// up through the same pending/retrying selection.
func (p *Processor) ProcessBatch(ctx context.Context, limit int) (BatchResult, error) {
	now := p.now()
	candidates, err := p.repo.SelectBatch(ctx, limit, now)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to select batch: %w", err)
	}

	// Send windows filter at selection time; skipped messages stay
	// pending for a later batch.
	var eligible []*domain.QueuedMessage
	for _, m := range candidates {
		if !m.Window().Contains(now) {
			continue
		}
		eligible = append(eligible, m)
	}

	var (
		mu     sync.Mutex
		result BatchResult
		wg     sync.WaitGroup
	)
	jobs := make(chan *domain.QueuedMessage)

	workers := p.workers
	if workers > len(eligible) {
		workers = len(eligible)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				outcome := p.processOne(ctx, m)
				mu.Lock()
				// Skipped messages (pacing, lost claims) were never
				// attempted and do not count as processed.
				if outcome != outcomeSkipped {
					result.Processed++
				}
				switch outcome {
				case outcomeSent:
					result.Successful++
				case outcomeFailed:
					result.Failed++
				}
				mu.Unlock()
			}
		}()
	}

	// Jobs are emitted in (priority, scheduled_at) order; with a single
	// worker processing is strictly ordered, with more the pool only
	// starts them in order.
	for _, m := range eligible {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return result, ctx.Err()
		case jobs <- m:
		}
	}
	close(jobs)
	wg.Wait()

	p.updateDepthGauge(ctx)
	return result, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota // never attempted
	outcomeSent
	outcomeFailed
	outcomeRequeued
	outcomeDiscarded // attempted, result thrown away (cancel race, store error)
)

func (p *Processor) processOne(ctx context.Context, m *domain.QueuedMessage) outcome {
	// Pacing is re-checked per message because earlier sends in this same
	// batch consume the provider's window.
	if !p.limiter.Allow(m.Provider) {
		metrics.RateLimitRejections.WithLabelValues(m.Provider).Inc()
		return outcomeSkipped
	}

	if p.claims != nil {
		held, err := p.claims.AcquireClaim(ctx, m.ID, claimLockTTL)
		if err != nil {
			// The status claim below still guarantees single-flight.
			p.log.Warn("claim lock unavailable", "message_id", m.ID, "error", err)
		} else if !held {
			return outcomeSkipped
		} else {
			defer func() {
				if err := p.claims.ReleaseClaim(ctx, m.ID); err != nil {
					p.log.Warn("failed to release claim lock", "message_id", m.ID, "error", err)
				}
			}()
		}
	}

	claimed, err := p.repo.Claim(ctx, m.ID)
	if err != nil {
		p.log.Error("failed to claim message", "message_id", m.ID, "error", err)
		return outcomeSkipped
	}
	if !claimed {
		// Another worker took it, or it was cancelled since selection.
		return outcomeSkipped
	}

	result, sendErr := p.Send(ctx, m.Provider, transport.SendRequest{
		FromIdentity: m.FromIdentity,
		ToAddress:    m.ToAddress,
		Subject:      m.Subject,
		BodyHTML:     m.BodyHTML,
		BodyText:     m.BodyText,
	})

	now := p.now()
	if sendErr == nil {
		ok, err := p.repo.MarkSent(ctx, m.ID, result.ProviderMessageID, now)
		if err != nil {
			p.log.Error("failed to mark message sent", "message_id", m.ID, "error", err)
			return outcomeDiscarded
		}
		if !ok {
			// Cancelled while in flight: the attempt completed but its
			// terminal status stays cancelled and the result is discarded.
			p.log.Info("send result discarded for cancelled message", "message_id", m.ID)
			return outcomeDiscarded
		}
		metrics.MessagesSent.WithLabelValues(m.Provider).Inc()
		p.log.Info("message sent",
			"message_id", m.ID, "provider", m.Provider, "provider_message_id", result.ProviderMessageID)
		return outcomeSent
	}

	if oe, open := breaker.IsOpen(sendErr); open {
		// Circuit-open does not count against the message's attempt
		// budget; push it past the breaker's next probe time.
		if _, err := p.repo.Reschedule(ctx, m.ID, now.Add(oe.RetryAfter)); err != nil {
			p.log.Error("failed to reschedule message", "message_id", m.ID, "error", err)
		}
		return outcomeRequeued
	}

	// Retry exhaustion wraps the last transport error; classification and
	// the stored error text must see the provider's message, not the
	// wrapper's.
	cause := sendErr
	var rerr *retry.Error
	if errors.As(sendErr, &rerr) {
		cause = rerr.Last
	}

	c := classify.Classify(cause)
	attempts := m.Attempts + 1

	if c.Retryable && attempts < m.MaxAttempts {
		delay := p.engine.Delay(p.policy, c.Category, attempts)
		ok, err := p.repo.MarkRetrying(ctx, m.ID, attempts, now.Add(delay), string(c.Category), cause.Error())
		if err != nil {
			p.log.Error("failed to mark message retrying", "message_id", m.ID, "error", err)
			return outcomeDiscarded
		}
		if ok {
			metrics.MessagesRetried.WithLabelValues(m.Provider, string(c.Category)).Inc()
			p.log.Warn("message send failed, will retry",
				"message_id", m.ID, "category", c.Category, "attempts", attempts, "delay", delay)
		}
		return outcomeRequeued
	}

	ok, err := p.repo.MarkFailed(ctx, m.ID, attempts, string(c.Category), cause.Error(), c.Retryable)
	if err != nil {
		p.log.Error("failed to mark message failed", "message_id", m.ID, "error", err)
		return outcomeDiscarded
	}
	if !ok {
		return outcomeDiscarded
	}
	metrics.MessagesFailed.WithLabelValues(m.Provider, string(c.Category)).Inc()
	p.log.Error("message failed permanently",
		"message_id", m.ID, "category", c.Category, "attempts", attempts, "error", cause)

	// The conditional MarkFailed above fired exactly once, so the
	// collaborator signal cannot double-fire either.
	if c.Category == classify.InvalidRecipient || c.Category == classify.Rejected {
		if err := p.notifier.RecipientUndeliverable(ctx, m.TenantID, m.ToAddress, string(c.Category)); err != nil {
			p.log.Error("failed to notify recipient status", "message_id", m.ID, "error", err)
		}
	}
	return outcomeFailed
}

// Send is the shared send primitive: provider rate accounting, circuit
// breaker, then the retry engine around the raw transport call. The
// warm-up scheduler sends through this same path.
func (p *Processor) Send(ctx context.Context, provider string, req transport.SendRequest) (transport.SendResult, error) {
	t, ok := p.transports[provider]
	if !ok {
		return transport.SendResult{}, fmt.Errorf("unknown provider %q", provider)
	}
	b := p.breakers.Get(provider)

	var result transport.SendResult
	err := p.engine.Do(ctx, p.policy, func(ctx context.Context) error {
		return b.Execute(ctx, func(ctx context.Context) error {
			p.limiter.Record(provider)
			metrics.RateLimitHits.WithLabelValues(provider).Inc()
			start := time.Now()
			r, err := t.Send(ctx, req)
			metrics.SendDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})
	return result, err
}

// Cancel cancels the given ids where still possible and returns the count.
func (p *Processor) Cancel(ctx context.Context, ids []string) (int, error) {
	n, err := p.repo.Cancel(ctx, ids)
	if err != nil {
		return 0, err
	}
	metrics.MessagesCancelled.Add(float64(n))
	return n, nil
}

// CancelAll cancels every cancellable message matching the filter.
func (p *Processor) CancelAll(ctx context.Context, filter storage.MessageFilter) (int, error) {
	n, err := p.repo.CancelAll(ctx, filter)
	if err != nil {
		return 0, err
	}
	metrics.MessagesCancelled.Add(float64(n))
	return n, nil
}

// RetryAll returns retryable failed messages to the queue, preserving
// their attempt counts.
func (p *Processor) RetryAll(ctx context.Context) (int, error) {
	return p.repo.RetryAllFailed(ctx, p.now())
}

func (p *Processor) updateDepthGauge(ctx context.Context) {
	counts, err := p.repo.CountByStatus(ctx)
	if err != nil {
		p.log.Warn("failed to count queue depth", "error", err)
		return
	}
	for _, status := range []domain.MessageStatus{
		domain.StatusPending, domain.StatusScheduled, domain.StatusRetrying,
		domain.StatusSending, domain.StatusSent, domain.StatusFailed,
	} {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
