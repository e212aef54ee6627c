package domain

import "time"

// DeliveryEventType is the kind of provider callback.
type DeliveryEventType string

const (
	EventDelivered   DeliveryEventType = "delivered"
	EventBounce      DeliveryEventType = "bounce"
	EventComplaint   DeliveryEventType = "complaint"
	EventUnsubscribe DeliveryEventType = "unsubscribe"
)

// DeliveryEvent is an inbound webhook event from the transport provider.
// (MessageID, EventType) must be processed at most once.
type DeliveryEvent struct {
	ID            string            `db:"id"             json:"id"`
	EventType     DeliveryEventType `db:"event_type"     json:"event_type"`
	MessageID     string            `db:"message_id"     json:"message_id"`
	BounceCode    string            `db:"bounce_code"    json:"bounce_code,omitempty"`
	BounceMessage string            `db:"bounce_message" json:"bounce_message,omitempty"`
	Timestamp     time.Time         `db:"timestamp"      json:"timestamp"`
	ReceivedAt    time.Time         `db:"received_at"    json:"received_at"`
}
