package postgres

import (
	"context"

	"github.com/coldsend/relay/internal/core/domain"
)

type EventRepo struct {
	db *DB
}

func NewEventRepo(db *DB) *EventRepo {
	return &EventRepo{db: db}
}

// Insert relies on the (message_id, event_type) unique index: duplicate
// provider callbacks insert zero rows and report ok=false, which is the
// durable half of webhook idempotency.
func (r *EventRepo) Insert(ctx context.Context, e *domain.DeliveryEvent) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_events (id, event_type, message_id, bounce_code, bounce_message, timestamp, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (message_id, event_type) DO NOTHING
	`, e.ID, e.EventType, e.MessageID, e.BounceCode, e.BounceMessage, e.Timestamp)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *EventRepo) Delete(ctx context.Context, messageID string, eventType domain.DeliveryEventType) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM delivery_events WHERE message_id = $1 AND event_type = $2
	`, messageID, eventType)
	return err
}
