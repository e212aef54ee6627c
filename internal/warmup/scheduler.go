// Package warmup ramps new sending identities' daily volume over a fixed
// horizon and pairs them so replies look organic.
package warmup

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/coldsend/relay/internal/core/domain"
	"github.com/coldsend/relay/internal/delivery/transport"
	"github.com/coldsend/relay/internal/infra/storage"
	"github.com/coldsend/relay/internal/metrics"
)

// Sender is the send primitive shared with the send queue; the queue
// processor satisfies it.
type Sender interface {
	Send(ctx context.Context, provider string, req transport.SendRequest) (transport.SendResult, error)
}

// Scheduler drives the per-identity daily ramp.
type Scheduler struct {
	repo     storage.WarmupRepository
	sender   Sender
	provider string
	log      *slog.Logger
	rand     *rand.Rand
	now      func() time.Time
}

// NewScheduler creates a warm-up scheduler sending through the named
// provider.
func NewScheduler(repo storage.WarmupRepository, sender Sender, provider string) *Scheduler {
	return &Scheduler{
		repo:     repo,
		sender:   sender,
		provider: provider,
		log:      slog.Default(),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// Enroll registers an identity at day 1 of the ramp.
func (s *Scheduler) Enroll(ctx context.Context, identityID, tenantID, address string) (*domain.WarmupIdentity, error) {
	if identityID == "" || address == "" {
		return nil, fmt.Errorf("identity_id and address are required")
	}
	w := &domain.WarmupIdentity{
		IdentityID: identityID,
		TenantID:   tenantID,
		Address:    address,
		Day:        1,
		Status:     domain.WarmupStatusWarming,
		StartedAt:  s.now(),
		UpdatedAt:  s.now(),
	}
	if err := s.repo.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to enroll identity: %w", err)
	}
	s.log.Info("identity enrolled for warm-up", "identity_id", identityID, "address", address)
	return w, nil
}

// Pause suspends a warming identity. Only warming identities can pause.
func (s *Scheduler) Pause(ctx context.Context, identityID string) error {
	w, err := s.repo.Get(ctx, identityID)
	if err != nil {
		return err
	}
	if w.Status != domain.WarmupStatusWarming {
		return fmt.Errorf("identity %s is %s, only warming identities can be paused", identityID, w.Status)
	}
	return s.repo.SetStatus(ctx, identityID, domain.WarmupStatusPaused)
}

// Resume returns a paused identity to warming. Completed is terminal and
// not reachable from paused, nor resumable.
func (s *Scheduler) Resume(ctx context.Context, identityID string) error {
	w, err := s.repo.Get(ctx, identityID)
	if err != nil {
		return err
	}
	if w.Status != domain.WarmupStatusPaused {
		return fmt.Errorf("identity %s is %s, only paused identities can be resumed", identityID, w.Status)
	}
	return s.repo.SetStatus(ctx, identityID, domain.WarmupStatusWarming)
}

// SelectDue returns warming identities with remaining quota today.
func (s *Scheduler) SelectDue(ctx context.Context) ([]*domain.WarmupIdentity, error) {
	warming, err := s.repo.ListByStatus(ctx, domain.WarmupStatusWarming)
	if err != nil {
		return nil, err
	}
	var due []*domain.WarmupIdentity
	for _, w := range warming {
		if DailyMax(w.Day)-w.SentToday > 0 {
			due = append(due, w)
		}
	}
	return due, nil
}

// RunOnce performs one warm-up pass: for each due identity, pick a small
// random batch of least-recently-paired partners and send templated
// traffic through the shared send primitive. Quota counts transport
// accepts, not confirmed deliveries.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	due, err := s.SelectDue(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to select due identities: %w", err)
	}
	pool, err := s.repo.ListByStatus(ctx, domain.WarmupStatusWarming)
	if err != nil {
		return 0, err
	}

	totalSent := 0
	for _, w := range due {
		remaining := DailyMax(w.Day) - w.SentToday
		if remaining <= 0 {
			continue
		}
		batch := 1 + s.rand.Intn(3)
		if batch > remaining {
			batch = remaining
		}

		partners, err := s.pickPartners(ctx, w, pool, batch)
		if err != nil {
			s.log.Warn("failed to pick warm-up partners", "identity_id", w.IdentityID, "error", err)
			continue
		}

		for _, partner := range partners {
			if err := s.sendWarmup(ctx, w, partner); err != nil {
				s.log.Warn("warm-up send failed",
					"identity_id", w.IdentityID, "partner", partner.IdentityID, "error", err)
				continue
			}
			totalSent++
		}
	}
	return totalSent, nil
}

// pickPartners prefers identities the sender has interacted with least
// recently, never-paired ones first, excluding self.
func (s *Scheduler) pickPartners(ctx context.Context, w *domain.WarmupIdentity, pool []*domain.WarmupIdentity, n int) ([]*domain.WarmupIdentity, error) {
	last, err := s.repo.LastInteractions(ctx, w.IdentityID)
	if err != nil {
		return nil, err
	}

	var candidates []*domain.WarmupIdentity
	for _, p := range pool {
		if p.IdentityID == w.IdentityID {
			continue
		}
		candidates = append(candidates, p)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ti, iok := last[candidates[i].IdentityID]
		tj, jok := last[candidates[j].IdentityID]
		if iok != jok {
			return !iok // never-paired first
		}
		if iok && !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return candidates[i].IdentityID < candidates[j].IdentityID
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates, nil
}

func (s *Scheduler) sendWarmup(ctx context.Context, from, to *domain.WarmupIdentity) error {
	subject, body := ComposeMessage(s.rand)
	result, err := s.sender.Send(ctx, s.provider, transport.SendRequest{
		FromIdentity: from.Address,
		ToAddress:    to.Address,
		Subject:      subject,
		BodyText:     body,
		BodyHTML:     "<p>" + body + "</p>",
	})
	if err != nil {
		return err
	}

	// Transport accepted: count toward today's quota even if the message
	// later bounces, since the ramp paces attempted volume.
	if err := s.repo.RecordSend(ctx, from.IdentityID); err != nil {
		return fmt.Errorf("failed to record warm-up send: %w", err)
	}
	if err := s.repo.RecordInteraction(ctx, &domain.WarmupInteraction{
		FromIdentity: from.IdentityID,
		ToIdentity:   to.IdentityID,
		MessageID:    result.ProviderMessageID,
		SentAt:       s.now(),
	}); err != nil {
		return fmt.Errorf("failed to record interaction: %w", err)
	}
	metrics.WarmupSends.Inc()
	return nil
}

// DailyRollover resets quotas and advances every warming identity by one
// day; identities past the horizon complete. Paused identities hold
// their position.
func (s *Scheduler) DailyRollover(ctx context.Context) (int, error) {
	n, err := s.repo.DailyRollover(ctx, MaxDay)
	if err != nil {
		return 0, fmt.Errorf("failed to roll warm-up day: %w", err)
	}
	if n > 0 {
		s.log.Info("warm-up daily rollover", "identities", n)
	}
	return n, nil
}
