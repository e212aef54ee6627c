package domain

import "time"

// WarmupStatus tracks an identity through its warm-up ramp.
type WarmupStatus string

const (
	WarmupStatusWarming   WarmupStatus = "warming"
	WarmupStatusPaused    WarmupStatus = "paused"
	WarmupStatusCompleted WarmupStatus = "completed"
)

// WarmupIdentity is the per-identity warm-up state. Day is monotonically
// non-decreasing; completed is terminal.
type WarmupIdentity struct {
	IdentityID      string       `db:"identity_id"      json:"identity_id"`
	TenantID        string       `db:"tenant_id"        json:"tenant_id"`
	Address         string       `db:"address"          json:"address"`
	Day             int          `db:"day"              json:"day"`
	SentToday       int          `db:"sent_today"       json:"sent_today"`
	Status          WarmupStatus `db:"status"           json:"status"`
	ReputationScore float64      `db:"reputation_score" json:"reputation_score"`
	StartedAt       time.Time    `db:"started_at"       json:"started_at"`
	UpdatedAt       time.Time    `db:"updated_at"       json:"updated_at"`
}

// WarmupInteraction records one warm-up send between two identities,
// used to prefer least-recently-paired partners.
type WarmupInteraction struct {
	FromIdentity string    `db:"from_identity" json:"from_identity"`
	ToIdentity   string    `db:"to_identity"   json:"to_identity"`
	MessageID    string    `db:"message_id"    json:"message_id"`
	SentAt       time.Time `db:"sent_at"       json:"sent_at"`
}
