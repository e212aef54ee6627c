package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/coldsend/relay/internal/core/domain"
	"github.com/coldsend/relay/internal/delivery/classify"
	"github.com/coldsend/relay/internal/infra/storage"
	"github.com/coldsend/relay/internal/metrics"
)

type deliveryEventPayload struct {
	EventType     string    `json:"event_type"`
	MessageID     string    `json:"message_id"`
	Timestamp     time.Time `json:"timestamp"`
	BounceDetails *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"bounce_details"`
}

// handleDeliveryEvent ingests provider callbacks. Processing is
// idempotent per (messageId, eventType): Redis SETNX is the cheap first
// check, the delivery_events unique index is the one that actually
// guarantees it. Duplicates are acknowledged with 200 so the provider
// stops redelivering.
func (s *Server) handleDeliveryEvent(w http.ResponseWriter, r *http.Request) {
	var p deliveryEventPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if p.MessageID == "" {
		s.writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}
	eventType := domain.DeliveryEventType(p.EventType)
	switch eventType {
	case domain.EventDelivered, domain.EventBounce, domain.EventComplaint, domain.EventUnsubscribe:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown event_type "+p.EventType)
		return
	}

	ctx := r.Context()
	marked := false
	if s.dedup != nil {
		fresh, err := s.dedup.MarkEventSeen(ctx, p.MessageID, p.EventType, s.dedupTTL)
		if err != nil {
			s.log.Warn("event dedup check failed, falling through to store", "error", err)
		} else if !fresh {
			metrics.WebhookDuplicates.Inc()
			s.writeJSON(w, http.StatusOK, map[string]bool{"duplicate": true})
			return
		} else {
			marked = true
		}
	}

	event := &domain.DeliveryEvent{
		ID:         uuid.NewString(),
		EventType:  eventType,
		MessageID:  p.MessageID,
		Timestamp:  p.Timestamp,
		ReceivedAt: time.Now().UTC(),
	}
	if p.BounceDetails != nil {
		event.BounceCode = p.BounceDetails.Code
		event.BounceMessage = p.BounceDetails.Message
	}

	inserted, err := s.events.Insert(ctx, event)
	if err != nil {
		// Without the unmark the provider's next redelivery would hit the
		// fast path and be acked as a duplicate of an event never applied.
		if marked {
			s.clearEventMark(ctx, p.MessageID, p.EventType)
		}
		s.writeError(w, http.StatusInternalServerError, "failed to record event: "+err.Error())
		return
	}
	if !inserted {
		metrics.WebhookDuplicates.Inc()
		s.writeJSON(w, http.StatusOK, map[string]bool{"duplicate": true})
		return
	}

	if err := s.applyDeliveryEvent(ctx, event); err != nil {
		// Undo both idempotency records so the redelivery is processed
		// rather than acked as a duplicate.
		if delErr := s.events.Delete(ctx, p.MessageID, eventType); delErr != nil {
			s.log.Error("failed to delete unapplied event", "message_id", p.MessageID, "error", delErr)
		}
		if marked {
			s.clearEventMark(ctx, p.MessageID, p.EventType)
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"processed": true})
}

func (s *Server) clearEventMark(ctx context.Context, messageID, eventType string) {
	if err := s.dedup.ClearEventSeen(ctx, messageID, eventType); err != nil {
		s.log.Warn("failed to clear event dedup key",
			"message_id", messageID, "event_type", eventType, "error", err)
	}
}

// applyDeliveryEvent updates message and recipient state for a
// first-seen event.
func (s *Server) applyDeliveryEvent(ctx context.Context, event *domain.DeliveryEvent) error {
	m, err := s.resolveMessage(ctx, event.MessageID)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			// Providers occasionally call back for messages we no longer
			// hold. Counters still move, state updates are skipped.
			s.log.Warn("delivery event for unknown message", "message_id", event.MessageID, "event_type", event.EventType)
			m = nil
		} else {
			return err
		}
	}

	switch event.EventType {
	case domain.EventDelivered:
		if m != nil {
			if err := s.repo.MarkDelivered(ctx, m.ID); err != nil {
				return err
			}
		}

	case domain.EventBounce:
		c, hard := classify.ClassifyBounce(event.BounceCode, event.BounceMessage)
		kind := "soft"
		if hard {
			kind = "hard"
		}
		metrics.MessagesBounced.WithLabelValues(kind).Inc()
		if hard && m != nil {
			if err := s.notifier.RecipientUndeliverable(ctx, m.TenantID, m.ToAddress, string(c.Category)); err != nil {
				s.log.Error("failed to flag recipient undeliverable", "message_id", m.ID, "error", err)
			}
		}

	case domain.EventComplaint:
		metrics.Complaints.Inc()
		if m != nil {
			if err := s.notifier.RecipientUnsubscribed(ctx, m.TenantID, m.ToAddress); err != nil {
				s.log.Error("failed to flag recipient unsubscribed", "message_id", m.ID, "error", err)
			}
		}

	case domain.EventUnsubscribe:
		if m != nil {
			if err := s.notifier.RecipientUnsubscribed(ctx, m.TenantID, m.ToAddress); err != nil {
				s.log.Error("failed to flag recipient unsubscribed", "message_id", m.ID, "error", err)
			}
		}
	}
	return nil
}

// resolveMessage maps a provider callback id to a queued message. The
// provider's own message id is tried first since that is what callbacks
// normally carry; our queue id is accepted as a fallback.
func (s *Server) resolveMessage(ctx context.Context, id string) (*domain.QueuedMessage, error) {
	m, err := s.repo.GetByProviderMessageID(ctx, id)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, storage.ErrMessageNotFound) {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}
