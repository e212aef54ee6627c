package storage

import (
	"context"
	"errors"
	"time"

	"github.com/coldsend/relay/internal/core/domain"
)

var (
	// ErrMessageNotFound is returned when a queued message doesn't exist
	ErrMessageNotFound = errors.New("message not found")

	// ErrIdentityNotFound is returned when a warm-up identity doesn't exist
	ErrIdentityNotFound = errors.New("warmup identity not found")
)

// MessageFilter narrows list and bulk operations.
type MessageFilter struct {
	TenantID   string
	CampaignID string
	Status     domain.MessageStatus
}

// MessageRepository is the durable send queue. The Claim and Mark*
// operations are conditional writes: they only apply when the row is in
// the expected prior status, which is what enforces single-flight and the
// cancelled-while-sending suppression.
type MessageRepository interface {
	// Create inserts a new queued message
	Create(ctx context.Context, m *domain.QueuedMessage) error

	// GetByID retrieves one message
	GetByID(ctx context.Context, id string) (*domain.QueuedMessage, error)

	// GetByProviderMessageID resolves a provider callback to a message
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.QueuedMessage, error)

	// SelectBatch returns up to limit eligible messages (pending/retrying,
	// scheduled_at <= now, next_retry_at elapsed) ordered by (priority, scheduled_at)
	SelectBatch(ctx context.Context, limit int, now time.Time) ([]*domain.QueuedMessage, error)

	// Claim atomically moves a pending/retrying message to sending.
	// Returns false if another worker claimed it first or it was cancelled.
	Claim(ctx context.Context, id string) (bool, error)

	// MarkSent records a transport accept. Returns false if the message
	// left the sending state concurrently (e.g. cancelled).
	MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) (bool, error)

	// MarkFailed records a terminal failure. Same suppression rule as MarkSent.
	MarkFailed(ctx context.Context, id string, attempts int, code, message string, retryable bool) (bool, error)

	// MarkRetrying schedules another attempt. Same suppression rule.
	MarkRetrying(ctx context.Context, id string, attempts int, nextRetryAt time.Time, code, message string) (bool, error)

	// Reschedule returns a sending message to pending with a retry-at time
	// without touching the attempt counter (circuit-open requeue).
	Reschedule(ctx context.Context, id string, nextRetryAt time.Time) (bool, error)

	// MarkDelivered records a delivery confirmation for a sent message
	MarkDelivered(ctx context.Context, id string) error

	// Cancel cancels any of the ids not yet terminal, returns count. A
	// sending message cancels too; its in-flight result is suppressed by
	// the conditional Mark* writes.
	Cancel(ctx context.Context, ids []string) (int, error)

	// CancelAll cancels all matching non-terminal messages
	CancelAll(ctx context.Context, filter MessageFilter) (int, error)

	// RetryAllFailed moves retryable failed messages back to pending with a
	// fresh next_retry_at, preserving attempts. Returns count.
	RetryAllFailed(ctx context.Context, now time.Time) (int, error)

	// List returns a page of messages plus the total count
	List(ctx context.Context, filter MessageFilter, page, pageSize int) ([]*domain.QueuedMessage, int, error)

	// CountByStatus returns queue depth per status
	CountByStatus(ctx context.Context) (map[domain.MessageStatus]int, error)
}

// WarmupRepository stores per-identity warm-up state and pair history.
type WarmupRepository interface {
	// Create registers an identity for warm-up
	Create(ctx context.Context, w *domain.WarmupIdentity) error

	// Get retrieves one identity's state
	Get(ctx context.Context, identityID string) (*domain.WarmupIdentity, error)

	// ListByStatus returns identities in the given status
	ListByStatus(ctx context.Context, status domain.WarmupStatus) ([]*domain.WarmupIdentity, error)

	// SetStatus updates an identity's status
	SetStatus(ctx context.Context, identityID string, status domain.WarmupStatus) error

	// RecordSend increments sent_today by one
	RecordSend(ctx context.Context, identityID string) error

	// DailyRollover resets sent_today and advances day for warming
	// identities; identities past maxDay move to completed. Returns the
	// number of identities advanced.
	DailyRollover(ctx context.Context, maxDay int) (int, error)

	// RecordInteraction stores one warm-up pairing
	RecordInteraction(ctx context.Context, i *domain.WarmupInteraction) error

	// LastInteractions returns, per partner, when fromIdentity last sent to it
	LastInteractions(ctx context.Context, fromIdentity string) (map[string]time.Time, error)
}

// EventRepository stores processed delivery events and is the durable
// half of webhook idempotency.
type EventRepository interface {
	// Insert stores the event; returns false without error when an event
	// with the same (message_id, event_type) was already recorded.
	Insert(ctx context.Context, e *domain.DeliveryEvent) (bool, error)

	// Delete removes a recorded event so a provider redelivery can be
	// processed after a failed apply.
	Delete(ctx context.Context, messageID string, eventType domain.DeliveryEventType) error
}
