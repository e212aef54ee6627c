package warmup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/coldsend/relay/internal/core/domain"
	"github.com/coldsend/relay/internal/delivery/transport"
	"github.com/coldsend/relay/internal/infra/storage/memory"
)

func TestRampTableMonotone(t *testing.T) {
	for day := 2; day <= MaxDay; day++ {
		if DailyMin(day) < DailyMin(day-1) {
			t.Errorf("DailyMin decreased at day %d", day)
		}
		if DailyMax(day) < DailyMax(day-1) {
			t.Errorf("DailyMax decreased at day %d", day)
		}
		if DailyMin(day) > DailyMax(day) {
			t.Errorf("day %d: min %d > max %d", day, DailyMin(day), DailyMax(day))
		}
		if StepFor(day).ReplyRate > StepFor(day-1).ReplyRate {
			t.Errorf("ReplyRate increased at day %d", day)
		}
	}
	// Partner pools answer every send on day one and taper as the
	// identity's reputation establishes.
	if StepFor(1).ReplyRate != 1.0 {
		t.Errorf("day 1 reply rate = %v, want 1.0", StepFor(1).ReplyRate)
	}
	for day := 1; day <= MaxDay; day++ {
		if r := StepFor(day).ReplyRate; r <= 0 || r > 1 {
			t.Errorf("day %d: reply rate %v out of (0, 1]", day, r)
		}
	}
	if DailyMax(1) != 5 || DailyMax(MaxDay) != 150 {
		t.Errorf("ramp endpoints: day1=%d day30=%d", DailyMax(1), DailyMax(MaxDay))
	}
	// Out-of-range days clamp.
	if DailyMax(0) != DailyMax(1) || DailyMax(99) != DailyMax(MaxDay) {
		t.Error("clamping broken")
	}
}

func TestRampFactor(t *testing.T) {
	tests := []struct {
		day    int
		factor float64
	}{
		{1, 1.5}, {14, 1.5}, {15, 1.2}, {21, 1.2}, {22, 1.0}, {30, 1.0},
	}
	for _, tt := range tests {
		if got := RampFactor(tt.day); got != tt.factor {
			t.Errorf("RampFactor(%d) = %v, want %v", tt.day, got, tt.factor)
		}
	}
}

// stubSender accepts or rejects sends by script.
type stubSender struct {
	mu     sync.Mutex
	serial int
	fail   int // fail the first N sends
	sent   []transport.SendRequest
}

func (s *stubSender) Send(ctx context.Context, provider string, req transport.SendRequest) (transport.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serial++
	if s.fail > 0 {
		s.fail--
		return transport.SendResult{}, errors.New("421 try again later")
	}
	s.sent = append(s.sent, req)
	return transport.SendResult{ProviderMessageID: fmt.Sprintf("wu-%d", s.serial)}, nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *memory.WarmupRepo, *stubSender) {
	t.Helper()
	store := memory.NewMemoryStorage()
	repo := memory.NewWarmupRepo(store)
	sender := &stubSender{}
	return NewScheduler(repo, sender, "smtp"), repo, sender
}

func enrollN(t *testing.T, s *Scheduler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("id-%d", i)
		if _, err := s.Enroll(context.Background(), id, "t1", id+"@warm.example.com"); err != nil {
			t.Fatal(err)
		}
	}
}

func TestEnrollAndTransitions(t *testing.T) {
	s, repo, _ := newTestScheduler(t)
	ctx := context.Background()
	enrollN(t, s, 1)

	w, err := repo.Get(ctx, "id-0")
	if err != nil {
		t.Fatal(err)
	}
	if w.Day != 1 || w.Status != domain.WarmupStatusWarming {
		t.Fatalf("enrolled state = %+v", w)
	}

	if err := s.Pause(ctx, "id-0"); err != nil {
		t.Fatal(err)
	}
	if err := s.Pause(ctx, "id-0"); err == nil {
		t.Error("paused identity paused again")
	}
	if err := s.Resume(ctx, "id-0"); err != nil {
		t.Fatal(err)
	}
	if err := s.Resume(ctx, "id-0"); err == nil {
		t.Error("warming identity resumed")
	}

	// Drive to completion and verify terminality.
	for i := 0; i < MaxDay; i++ {
		if _, err := s.DailyRollover(ctx); err != nil {
			t.Fatal(err)
		}
	}
	w, _ = repo.Get(ctx, "id-0")
	if w.Status != domain.WarmupStatusCompleted {
		t.Fatalf("status = %s after %d rollovers", w.Status, MaxDay)
	}
	if err := s.Pause(ctx, "id-0"); err == nil {
		t.Error("completed identity paused")
	}
	if err := s.Resume(ctx, "id-0"); err == nil {
		t.Error("completed identity resumed")
	}
}

func TestDailyRolloverSkipsPaused(t *testing.T) {
	s, repo, _ := newTestScheduler(t)
	ctx := context.Background()
	enrollN(t, s, 2)
	if err := s.Pause(ctx, "id-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.DailyRollover(ctx); err != nil {
		t.Fatal(err)
	}
	warming, _ := repo.Get(ctx, "id-0")
	paused, _ := repo.Get(ctx, "id-1")
	if warming.Day != 2 {
		t.Errorf("warming day = %d, want 2", warming.Day)
	}
	if paused.Day != 1 {
		t.Errorf("paused day = %d, want 1 (held)", paused.Day)
	}
}

func TestRunOnceRespectsDailyQuota(t *testing.T) {
	s, repo, _ := newTestScheduler(t)
	ctx := context.Background()
	enrollN(t, s, 4)

	// Day 1 caps at 5; run enough passes to hit the cap.
	for i := 0; i < 20; i++ {
		if _, err := s.RunOnce(ctx); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 4; i++ {
		w, _ := repo.Get(ctx, fmt.Sprintf("id-%d", i))
		if w.SentToday > DailyMax(w.Day) {
			t.Errorf("identity %s sent %d, cap %d", w.IdentityID, w.SentToday, DailyMax(w.Day))
		}
		if w.SentToday != DailyMax(w.Day) {
			t.Errorf("identity %s should have reached the cap, sent %d", w.IdentityID, w.SentToday)
		}
	}

	// Nothing is due once everyone hit the cap.
	due, err := s.SelectDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("due = %d identities at cap", len(due))
	}

	// Rollover opens the next day's quota.
	if _, err := s.DailyRollover(ctx); err != nil {
		t.Fatal(err)
	}
	due, _ = s.SelectDue(ctx)
	if len(due) != 4 {
		t.Errorf("due after rollover = %d, want 4", len(due))
	}
	w, _ := repo.Get(ctx, "id-0")
	if w.SentToday != 0 || w.Day != 2 {
		t.Errorf("post-rollover state = %+v", w)
	}
}

func TestRunOncePairsExcludeSelf(t *testing.T) {
	s, _, sender := newTestScheduler(t)
	ctx := context.Background()
	enrollN(t, s, 3)

	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	for _, req := range sender.sent {
		if req.FromIdentity == req.ToAddress {
			t.Errorf("identity paired with itself: %+v", req)
		}
	}
}

func TestRunOncePrefersLeastRecentPartner(t *testing.T) {
	s, repo, _ := newTestScheduler(t)
	ctx := context.Background()
	enrollN(t, s, 3)

	// id-0 recently interacted with id-1, so id-2 must be preferred.
	if err := repo.RecordInteraction(ctx, &domain.WarmupInteraction{
		FromIdentity: "id-0", ToIdentity: "id-1", MessageID: "m1", SentAt: s.now(),
	}); err != nil {
		t.Fatal(err)
	}

	w, _ := repo.Get(ctx, "id-0")
	partners, err := s.pickPartners(ctx, w, mustList(t, repo), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(partners) != 1 || partners[0].IdentityID != "id-2" {
		t.Fatalf("partners = %v, want the never-paired id-2", ids(partners))
	}
}

func TestRunOnceFailedSendDoesNotCount(t *testing.T) {
	s, repo, sender := newTestScheduler(t)
	ctx := context.Background()
	enrollN(t, s, 2)
	sender.fail = 1000 // every send rejected

	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"id-0", "id-1"} {
		w, _ := repo.Get(ctx, id)
		if w.SentToday != 0 {
			t.Errorf("identity %s counted %d rejected sends toward quota", id, w.SentToday)
		}
	}
}

func mustList(t *testing.T, repo *memory.WarmupRepo) []*domain.WarmupIdentity {
	t.Helper()
	out, err := repo.ListByStatus(context.Background(), domain.WarmupStatusWarming)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func ids(ws []*domain.WarmupIdentity) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.IdentityID
	}
	return out
}
