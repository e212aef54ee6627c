package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/coldsend/relay/internal/core/domain"
	"github.com/coldsend/relay/internal/infra/storage"
)

type MessageRepo struct {
	db *DB
}

func NewMessageRepo(db *DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, tenant_id, campaign_id, from_identity, to_address, subject,
	body_html, body_text, provider, priority, attempts, max_attempts, status,
	scheduled_at, next_retry_at, sent_at, window_start, window_end, window_timezone,
	provider_message_id, last_error_code, last_error_message, last_error_retryable,
	created_at, updated_at`

func (r *MessageRepo) Create(ctx context.Context, m *domain.QueuedMessage) error {
	query := `
		INSERT INTO queued_messages (
			id, tenant_id, campaign_id, from_identity, to_address, subject,
			body_html, body_text, provider, priority, attempts, max_attempts, status,
			scheduled_at, window_start, window_end, window_timezone, created_at, updated_at
		) VALUES (
			:id, :tenant_id, :campaign_id, :from_identity, :to_address, :subject,
			:body_html, :body_text, :provider, :priority, :attempts, :max_attempts, :status,
			:scheduled_at, :window_start, :window_end, :window_timezone, NOW(), NOW()
		)
	`
	_, err := r.db.NamedExecContext(ctx, query, m)
	return err
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.QueuedMessage, error) {
	var m domain.QueuedMessage
	query := fmt.Sprintf(`SELECT %s FROM queued_messages WHERE id = $1`, messageColumns)
	err := r.db.GetContext(ctx, &m, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MessageRepo) GetByProviderMessageID(ctx context.Context, pmid string) (*domain.QueuedMessage, error) {
	var m domain.QueuedMessage
	query := fmt.Sprintf(`SELECT %s FROM queued_messages WHERE provider_message_id = $1`, messageColumns)
	err := r.db.GetContext(ctx, &m, query, pmid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MessageRepo) SelectBatch(ctx context.Context, limit int, now time.Time) ([]*domain.QueuedMessage, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM queued_messages
		WHERE status IN ('pending', 'retrying')
		  AND scheduled_at <= $1
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY priority ASC, scheduled_at ASC, id ASC
		LIMIT $2
	`, messageColumns)

	var out []*domain.QueuedMessage
	if err := r.db.SelectContext(ctx, &out, query, now, limit); err != nil {
		return nil, err
	}
	return out, nil
}

// Claim is the single-flight gate: the conditional status predicate makes
// the pending->sending transition an atomic compare-and-set, so two batch
// workers can never both take the same row.
func (r *MessageRepo) Claim(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queued_messages
		SET status = 'sending', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'retrying')
	`, id)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (r *MessageRepo) MarkSent(ctx context.Context, id, pmid string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queued_messages
		SET status = 'sent', provider_message_id = $2, sent_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id, pmid, at)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (r *MessageRepo) MarkFailed(ctx context.Context, id string, attempts int, code, message string, retryable bool) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queued_messages
		SET status = 'failed', attempts = $2, last_error_code = $3, last_error_message = $4,
		    last_error_retryable = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id, attempts, code, message, retryable)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (r *MessageRepo) MarkRetrying(ctx context.Context, id string, attempts int, nextRetryAt time.Time, code, message string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queued_messages
		SET status = 'retrying', attempts = $2, next_retry_at = $3,
		    last_error_code = $4, last_error_message = $5,
		    last_error_retryable = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id, attempts, nextRetryAt, code, message)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (r *MessageRepo) Reschedule(ctx context.Context, id string, nextRetryAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queued_messages
		SET status = 'pending', next_retry_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id, nextRetryAt)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (r *MessageRepo) MarkDelivered(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE queued_messages
		SET status = 'delivered', updated_at = NOW()
		WHERE id = $1 AND status = 'sent'
	`, id)
	return err
}

func (r *MessageRepo) Cancel(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	// A sending row may be cancelled too; its in-flight attempt finishes
	// but the conditional terminal writes then find the row cancelled.
	query, args, err := sqlx.In(`
		UPDATE queued_messages
		SET status = 'cancelled', updated_at = NOW()
		WHERE id IN (?) AND status IN ('pending', 'scheduled', 'retrying', 'sending')
	`, ids)
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *MessageRepo) CancelAll(ctx context.Context, filter storage.MessageFilter) (int, error) {
	query := `
		UPDATE queued_messages
		SET status = 'cancelled', updated_at = NOW()
		WHERE status IN ('pending', 'scheduled', 'retrying', 'sending')
	`
	args := []any{}
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if filter.CampaignID != "" {
		args = append(args, filter.CampaignID)
		query += fmt.Sprintf(" AND campaign_id = $%d", len(args))
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *MessageRepo) RetryAllFailed(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queued_messages
		SET status = 'pending', next_retry_at = $1, updated_at = NOW()
		WHERE status = 'failed' AND last_error_retryable = TRUE
	`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *MessageRepo) List(ctx context.Context, filter storage.MessageFilter, page, pageSize int) ([]*domain.QueuedMessage, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		where += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if filter.CampaignID != "" {
		args = append(args, filter.CampaignID)
		where += fmt.Sprintf(" AND campaign_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT count(*) FROM queued_messages"+where, args...); err != nil {
		return nil, 0, err
	}

	args = append(args, pageSize, (page-1)*pageSize)
	query := fmt.Sprintf(
		"SELECT %s FROM queued_messages%s ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d",
		messageColumns, where, len(args)-1, len(args),
	)
	var out []*domain.QueuedMessage
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *MessageRepo) CountByStatus(ctx context.Context) (map[domain.MessageStatus]int, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT status, count(*) FROM queued_messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.MessageStatus]int)
	for rows.Next() {
		var status domain.MessageStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

func oneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
