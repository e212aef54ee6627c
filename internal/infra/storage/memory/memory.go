package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coldsend/relay/internal/core/domain"
	"github.com/coldsend/relay/internal/infra/storage"
)

// MemoryStorage backs the repository interfaces for tests and local runs
// without Postgres.
type MemoryStorage struct {
	mu           sync.RWMutex
	messages     map[string]*domain.QueuedMessage
	identities   map[string]*domain.WarmupIdentity
	interactions []*domain.WarmupInteraction
	events       map[string]*domain.DeliveryEvent
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages:   make(map[string]*domain.QueuedMessage),
		identities: make(map[string]*domain.WarmupIdentity),
		events:     make(map[string]*domain.DeliveryEvent),
	}
}

// -----------------------------------------------------------------------------
// Message Repository
// -----------------------------------------------------------------------------

type MessageRepo struct {
	store *MemoryStorage
}

func NewMessageRepo(store *MemoryStorage) *MessageRepo {
	return &MessageRepo{store: store}
}

func (r *MessageRepo) Create(ctx context.Context, m *domain.QueuedMessage) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *m
	r.store.messages[m.ID] = &cp
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.QueuedMessage, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	m, ok := r.store.messages[id]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MessageRepo) GetByProviderMessageID(ctx context.Context, pmid string) (*domain.QueuedMessage, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, m := range r.store.messages {
		if m.ProviderMessageID == pmid {
			cp := *m
			return &cp, nil
		}
	}
	return nil, storage.ErrMessageNotFound
}

func (r *MessageRepo) SelectBatch(ctx context.Context, limit int, now time.Time) ([]*domain.QueuedMessage, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var eligible []*domain.QueuedMessage
	for _, m := range r.store.messages {
		if m.Status != domain.StatusPending && m.Status != domain.StatusRetrying {
			continue
		}
		if m.ScheduledAt.After(now) {
			continue
		}
		if m.NextRetryAt != nil && m.NextRetryAt.After(now) {
			continue
		}
		cp := *m
		eligible = append(eligible, &cp)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		if !eligible[i].ScheduledAt.Equal(eligible[j].ScheduledAt) {
			return eligible[i].ScheduledAt.Before(eligible[j].ScheduledAt)
		}
		return eligible[i].ID < eligible[j].ID
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

func (r *MessageRepo) Claim(ctx context.Context, id string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	m, ok := r.store.messages[id]
	if !ok {
		return false, storage.ErrMessageNotFound
	}
	if m.Status != domain.StatusPending && m.Status != domain.StatusRetrying {
		return false, nil
	}
	m.Status = domain.StatusSending
	m.UpdatedAt = time.Now()
	return true, nil
}

func (r *MessageRepo) MarkSent(ctx context.Context, id, pmid string, at time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	m, ok := r.store.messages[id]
	if !ok {
		return false, storage.ErrMessageNotFound
	}
	if m.Status != domain.StatusSending {
		return false, nil
	}
	m.Status = domain.StatusSent
	m.ProviderMessageID = pmid
	m.SentAt = &at
	m.UpdatedAt = time.Now()
	return true, nil
}

func (r *MessageRepo) MarkFailed(ctx context.Context, id string, attempts int, code, message string, retryable bool) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	m, ok := r.store.messages[id]
	if !ok {
		return false, storage.ErrMessageNotFound
	}
	if m.Status != domain.StatusSending {
		return false, nil
	}
	m.Status = domain.StatusFailed
	m.Attempts = attempts
	m.LastErrorCode = code
	m.LastErrorMessage = message
	m.LastErrorRetryable = retryable
	m.UpdatedAt = time.Now()
	return true, nil
}

func (r *MessageRepo) MarkRetrying(ctx context.Context, id string, attempts int, nextRetryAt time.Time, code, message string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	m, ok := r.store.messages[id]
	if !ok {
		return false, storage.ErrMessageNotFound
	}
	if m.Status != domain.StatusSending {
		return false, nil
	}
	m.Status = domain.StatusRetrying
	m.Attempts = attempts
	m.NextRetryAt = &nextRetryAt
	m.LastErrorCode = code
	m.LastErrorMessage = message
	m.LastErrorRetryable = true
	m.UpdatedAt = time.Now()
	return true, nil
}

func (r *MessageRepo) Reschedule(ctx context.Context, id string, nextRetryAt time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	m, ok := r.store.messages[id]
	if !ok {
		return false, storage.ErrMessageNotFound
	}
	if m.Status != domain.StatusSending {
		return false, nil
	}
	m.Status = domain.StatusPending
	m.NextRetryAt = &nextRetryAt
	m.UpdatedAt = time.Now()
	return true, nil
}

func (r *MessageRepo) MarkDelivered(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	m, ok := r.store.messages[id]
	if !ok {
		return storage.ErrMessageNotFound
	}
	if m.Status == domain.StatusSent {
		m.Status = domain.StatusDelivered
		m.UpdatedAt = time.Now()
	}
	return nil
}

func (r *MessageRepo) Cancel(ctx context.Context, ids []string) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	count := 0
	for _, id := range ids {
		m, ok := r.store.messages[id]
		if !ok {
			continue
		}
		if cancelInPlace(m) {
			count++
		}
	}
	return count, nil
}

func (r *MessageRepo) CancelAll(ctx context.Context, filter storage.MessageFilter) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	count := 0
	for _, m := range r.store.messages {
		if !matches(m, filter) {
			continue
		}
		if cancelInPlace(m) {
			count++
		}
	}
	return count, nil
}

// cancelInPlace covers sending too: the in-flight attempt completes but
// its conditional terminal write finds the row cancelled and is discarded.
func cancelInPlace(m *domain.QueuedMessage) bool {
	switch m.Status {
	case domain.StatusPending, domain.StatusScheduled, domain.StatusRetrying, domain.StatusSending:
		m.Status = domain.StatusCancelled
		m.UpdatedAt = time.Now()
		return true
	}
	return false
}

func (r *MessageRepo) RetryAllFailed(ctx context.Context, now time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	count := 0
	for _, m := range r.store.messages {
		if m.Status == domain.StatusFailed && m.LastErrorRetryable {
			m.Status = domain.StatusPending
			next := now
			m.NextRetryAt = &next
			m.UpdatedAt = time.Now()
			count++
		}
	}
	return count, nil
}

func (r *MessageRepo) List(ctx context.Context, filter storage.MessageFilter, page, pageSize int) ([]*domain.QueuedMessage, int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var all []*domain.QueuedMessage
	for _, m := range r.store.messages {
		if matches(m, filter) {
			cp := *m
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	total := len(all)
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (r *MessageRepo) CountByStatus(ctx context.Context) (map[domain.MessageStatus]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make(map[domain.MessageStatus]int)
	for _, m := range r.store.messages {
		out[m.Status]++
	}
	return out, nil
}

func matches(m *domain.QueuedMessage, f storage.MessageFilter) bool {
	if f.TenantID != "" && m.TenantID != f.TenantID {
		return false
	}
	if f.CampaignID != "" && m.CampaignID != f.CampaignID {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	return true
}

// -----------------------------------------------------------------------------
// Warmup Repository
// -----------------------------------------------------------------------------

type WarmupRepo struct {
	store *MemoryStorage
}

func NewWarmupRepo(store *MemoryStorage) *WarmupRepo {
	return &WarmupRepo{store: store}
}

func (r *WarmupRepo) Create(ctx context.Context, w *domain.WarmupIdentity) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *w
	r.store.identities[w.IdentityID] = &cp
	return nil
}

func (r *WarmupRepo) Get(ctx context.Context, identityID string) (*domain.WarmupIdentity, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	w, ok := r.store.identities[identityID]
	if !ok {
		return nil, storage.ErrIdentityNotFound
	}
	cp := *w
	return &cp, nil
}

func (r *WarmupRepo) ListByStatus(ctx context.Context, status domain.WarmupStatus) ([]*domain.WarmupIdentity, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.WarmupIdentity
	for _, w := range r.store.identities {
		if w.Status == status {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out, nil
}

func (r *WarmupRepo) SetStatus(ctx context.Context, identityID string, status domain.WarmupStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	w, ok := r.store.identities[identityID]
	if !ok {
		return storage.ErrIdentityNotFound
	}
	w.Status = status
	w.UpdatedAt = time.Now()
	return nil
}

func (r *WarmupRepo) RecordSend(ctx context.Context, identityID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	w, ok := r.store.identities[identityID]
	if !ok {
		return storage.ErrIdentityNotFound
	}
	w.SentToday++
	w.UpdatedAt = time.Now()
	return nil
}

func (r *WarmupRepo) DailyRollover(ctx context.Context, maxDay int) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	count := 0
	for _, w := range r.store.identities {
		if w.Status != domain.WarmupStatusWarming {
			continue
		}
		w.SentToday = 0
		w.Day++
		if w.Day > maxDay {
			w.Status = domain.WarmupStatusCompleted
		}
		w.UpdatedAt = time.Now()
		count++
	}
	return count, nil
}

func (r *WarmupRepo) RecordInteraction(ctx context.Context, i *domain.WarmupInteraction) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *i
	r.store.interactions = append(r.store.interactions, &cp)
	return nil
}

func (r *WarmupRepo) LastInteractions(ctx context.Context, fromIdentity string) (map[string]time.Time, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make(map[string]time.Time)
	for _, i := range r.store.interactions {
		if i.FromIdentity != fromIdentity {
			continue
		}
		if t, ok := out[i.ToIdentity]; !ok || i.SentAt.After(t) {
			out[i.ToIdentity] = i.SentAt
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Event Repository
// -----------------------------------------------------------------------------

type EventRepo struct {
	store *MemoryStorage
}

func NewEventRepo(store *MemoryStorage) *EventRepo {
	return &EventRepo{store: store}
}

func (r *EventRepo) Insert(ctx context.Context, e *domain.DeliveryEvent) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := e.MessageID + ":" + string(e.EventType)
	if _, ok := r.store.events[key]; ok {
		return false, nil
	}
	cp := *e
	r.store.events[key] = &cp
	return true, nil
}

func (r *EventRepo) Delete(ctx context.Context, messageID string, eventType domain.DeliveryEventType) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.events, messageID+":"+string(eventType))
	return nil
}
