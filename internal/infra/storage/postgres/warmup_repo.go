package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/coldsend/relay/internal/core/domain"
	"github.com/coldsend/relay/internal/infra/storage"
)

type WarmupRepo struct {
	db *DB
}

func NewWarmupRepo(db *DB) *WarmupRepo {
	return &WarmupRepo{db: db}
}

const warmupColumns = `identity_id, tenant_id, address, day, sent_today, status,
	reputation_score, started_at, updated_at`

func (r *WarmupRepo) Create(ctx context.Context, w *domain.WarmupIdentity) error {
	query := `
		INSERT INTO warmup_identities (identity_id, tenant_id, address, day, sent_today, status, reputation_score, started_at, updated_at)
		VALUES (:identity_id, :tenant_id, :address, :day, :sent_today, :status, :reputation_score, NOW(), NOW())
	`
	_, err := r.db.NamedExecContext(ctx, query, w)
	return err
}

func (r *WarmupRepo) Get(ctx context.Context, identityID string) (*domain.WarmupIdentity, error) {
	var w domain.WarmupIdentity
	err := r.db.GetContext(ctx, &w,
		`SELECT `+warmupColumns+` FROM warmup_identities WHERE identity_id = $1`, identityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WarmupRepo) ListByStatus(ctx context.Context, status domain.WarmupStatus) ([]*domain.WarmupIdentity, error) {
	var out []*domain.WarmupIdentity
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+warmupColumns+` FROM warmup_identities WHERE status = $1 ORDER BY identity_id`, status)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *WarmupRepo) SetStatus(ctx context.Context, identityID string, status domain.WarmupStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE warmup_identities SET status = $2, updated_at = NOW() WHERE identity_id = $1`,
		identityID, status)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrIdentityNotFound
	}
	return nil
}

func (r *WarmupRepo) RecordSend(ctx context.Context, identityID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE warmup_identities SET sent_today = sent_today + 1, updated_at = NOW() WHERE identity_id = $1`,
		identityID)
	return err
}

func (r *WarmupRepo) DailyRollover(ctx context.Context, maxDay int) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE warmup_identities
		SET sent_today = 0,
		    day = day + 1,
		    status = CASE WHEN day + 1 > $1 THEN 'completed' ELSE status END,
		    updated_at = NOW()
		WHERE status = 'warming'
	`, maxDay)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *WarmupRepo) RecordInteraction(ctx context.Context, i *domain.WarmupInteraction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO warmup_interactions (from_identity, to_identity, message_id, sent_at)
		VALUES ($1, $2, $3, $4)
	`, i.FromIdentity, i.ToIdentity, i.MessageID, i.SentAt)
	return err
}

func (r *WarmupRepo) LastInteractions(ctx context.Context, fromIdentity string) (map[string]time.Time, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT to_identity, max(sent_at) FROM warmup_interactions
		WHERE from_identity = $1 GROUP BY to_identity
	`, fromIdentity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var to string
		var at time.Time
		if err := rows.Scan(&to, &at); err != nil {
			return nil, err
		}
		out[to] = at
	}
	return out, rows.Err()
}
