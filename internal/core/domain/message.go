package domain

import (
	"time"
)

// MessageStatus tracks a queued message through its lifecycle.
// sent, failed and cancelled are terminal.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusScheduled MessageStatus = "scheduled"
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
	StatusRetrying  MessageStatus = "retrying"
	StatusCancelled MessageStatus = "cancelled"
)

// IsTerminal reports whether a message in this status can still change.
func (s MessageStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Priority is an integer where a lower value means higher priority.
const (
	PriorityHigh   = 10
	PriorityNormal = 50
	PriorityLow    = 90
)

// SendWindow restricts dispatch to a time-of-day range in a given zone.
// Start and End are "HH:MM" in the window's timezone.
type SendWindow struct {
	Start    string `json:"start"    yaml:"start"`
	End      string `json:"end"      yaml:"end"`
	Timezone string `json:"timezone" yaml:"timezone"`
}

// Contains reports whether now falls inside the window. Windows that wrap
// midnight (e.g. 22:00-06:00) are supported. A zero window always matches.
func (w SendWindow) Contains(now time.Time) bool {
	if w.Start == "" || w.End == "" {
		return true
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()
	start, ok1 := parseMinutes(w.Start)
	end, ok2 := parseMinutes(w.End)
	if !ok1 || !ok2 {
		return true
	}
	if start <= end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

func parseMinutes(s string) (int, bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// QueuedMessage is a durable outbound send intent.
type QueuedMessage struct {
	ID           string        `db:"id"            json:"id"`
	TenantID     string        `db:"tenant_id"     json:"tenant_id"`
	CampaignID   string        `db:"campaign_id"   json:"campaign_id,omitempty"`
	FromIdentity string        `db:"from_identity" json:"from_identity"`
	ToAddress    string        `db:"to_address"    json:"to_address"`
	Subject      string        `db:"subject"       json:"subject"`
	BodyHTML     string        `db:"body_html"     json:"body_html"`
	BodyText     string        `db:"body_text"     json:"body_text,omitempty"`
	Provider     string        `db:"provider"      json:"provider"`
	Priority     int           `db:"priority"      json:"priority"`
	Attempts     int           `db:"attempts"      json:"attempts"`
	MaxAttempts  int           `db:"max_attempts"  json:"max_attempts"`
	Status       MessageStatus `db:"status"        json:"status"`

	ScheduledAt time.Time  `db:"scheduled_at"  json:"scheduled_at"`
	NextRetryAt *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`
	SentAt      *time.Time `db:"sent_at"       json:"sent_at,omitempty"`

	WindowStart    string `db:"window_start"    json:"-"`
	WindowEnd      string `db:"window_end"      json:"-"`
	WindowTimezone string `db:"window_timezone" json:"-"`

	ProviderMessageID  string `db:"provider_message_id"  json:"provider_message_id,omitempty"`
	LastErrorCode      string `db:"last_error_code"      json:"last_error_code,omitempty"`
	LastErrorMessage   string `db:"last_error_message"   json:"last_error_message,omitempty"`
	LastErrorRetryable bool   `db:"last_error_retryable" json:"last_error_retryable"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Window assembles the send window from the flattened columns.
func (m *QueuedMessage) Window() SendWindow {
	return SendWindow{Start: m.WindowStart, End: m.WindowEnd, Timezone: m.WindowTimezone}
}
