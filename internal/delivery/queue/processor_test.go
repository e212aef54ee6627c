package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/coldsend/relay/internal/core/domain"
	"github.com/coldsend/relay/internal/delivery/breaker"
	"github.com/coldsend/relay/internal/delivery/ratelimit"
	"github.com/coldsend/relay/internal/delivery/retry"
	"github.com/coldsend/relay/internal/delivery/transport"
	"github.com/coldsend/relay/internal/infra/storage/memory"
	"github.com/coldsend/relay/internal/metrics"
)

// fastPolicy avoids real backoff sleeps in tests.
var fastPolicy = retry.Policy{
	MaxRetries:      2,
	InitialDelay:    time.Microsecond,
	MaxDelay:        10 * time.Microsecond,
	BackoffMultiple: 2.0,
}

type recordingNotifier struct {
	mu             sync.Mutex
	undeliverable  []string
	unsubscribed   []string
}

func (n *recordingNotifier) RecipientUndeliverable(ctx context.Context, tenantID, address, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.undeliverable = append(n.undeliverable, address)
	return nil
}

func (n *recordingNotifier) RecipientUnsubscribed(ctx context.Context, tenantID, address string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unsubscribed = append(n.unsubscribed, address)
	return nil
}

type fixture struct {
	repo      *memory.MessageRepo
	mock      *transport.Mock
	processor *Processor
	notifier  *recordingNotifier
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := memory.NewMemoryStorage()
	repo := memory.NewMessageRepo(store)
	mock := transport.NewMock("smtp")
	notifier := &recordingNotifier{}

	base := []Option{WithPolicy(fastPolicy), WithNotifier(notifier), WithWorkers(1)}
	p := NewProcessor(
		repo,
		map[string]transport.Transport{"smtp": mock},
		breaker.NewRegistry(breaker.DefaultConfig, nil),
		retry.NewEngine(nil),
		ratelimit.New(nil),
		append(base, opts...)...,
	)
	return &fixture{repo: repo, mock: mock, processor: p, notifier: notifier}
}

func enqueue(t *testing.T, f *fixture, mutate func(*EnqueueRequest)) *domain.QueuedMessage {
	t.Helper()
	req := EnqueueRequest{
		TenantID:     "t1",
		FromIdentity: "sales@acme.io",
		ToAddress:    "lead@example.com",
		Subject:      "Quick question",
		BodyHTML:     "<p>Hi</p>",
		Provider:     "smtp",
	}
	if mutate != nil {
		mutate(&req)
	}
	m, err := f.processor.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Enqueue() = %v", err)
	}
	return m
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.processor.Enqueue(ctx, EnqueueRequest{BodyHTML: "x", Provider: "smtp"}); err == nil {
		t.Error("missing to_address accepted")
	}
	if _, err := f.processor.Enqueue(ctx, EnqueueRequest{ToAddress: "a@b.c", Provider: "smtp"}); err == nil {
		t.Error("missing body accepted")
	}
	if _, err := f.processor.Enqueue(ctx, EnqueueRequest{ToAddress: "a@b.c", BodyHTML: "x", Provider: "nope"}); err == nil {
		t.Error("unknown provider accepted")
	}

	m := enqueue(t, f, nil)
	if m.Priority != domain.PriorityNormal {
		t.Errorf("default priority = %d", m.Priority)
	}
	if m.MaxAttempts != defaultMaxAttempts {
		t.Errorf("default max attempts = %d", m.MaxAttempts)
	}
	if m.Status != domain.StatusPending {
		t.Errorf("status = %s", m.Status)
	}
}

func TestProcessBatchSendsEligible(t *testing.T) {
	f := newFixture(t)
	m := enqueue(t, f, nil)

	res, err := f.processor.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessBatch() = %v", err)
	}
	if res.Processed != 1 || res.Successful != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}

	got, _ := f.repo.GetByID(context.Background(), m.ID)
	if got.Status != domain.StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
	if got.ProviderMessageID == "" || got.SentAt == nil {
		t.Error("sent bookkeeping missing")
	}
}

func TestProcessBatchOrdering(t *testing.T) {
	f := newFixture(t)
	base := time.Now().Add(-time.Hour)

	low := enqueue(t, f, func(r *EnqueueRequest) {
		p := domain.PriorityLow
		r.Priority = &p
		r.ToAddress = "low@example.com"
		at := base
		r.ScheduledAt = &at
	})
	high := enqueue(t, f, func(r *EnqueueRequest) {
		p := domain.PriorityHigh
		r.Priority = &p
		r.ToAddress = "high@example.com"
		at := base.Add(time.Minute)
		r.ScheduledAt = &at
	})
	_ = low
	_ = high

	if _, err := f.processor.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	sent := f.mock.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages", len(sent))
	}
	if sent[0].ToAddress != "high@example.com" {
		t.Errorf("first send = %s, want the higher-priority message", sent[0].ToAddress)
	}
}

func TestFutureScheduledNotSelected(t *testing.T) {
	f := newFixture(t)
	enqueue(t, f, func(r *EnqueueRequest) {
		at := time.Now().Add(time.Hour)
		r.ScheduledAt = &at
	})

	res, err := f.processor.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 0 {
		t.Fatalf("processed %d, want 0", res.Processed)
	}
}

func TestSendWindowExcludesOutOfWindow(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	// A window entirely in the past hour of day (wrapping around to avoid
	// 00:00 edge cases).
	closedStart := now.Add(2 * time.Hour).Format("15:04")
	closedEnd := now.Add(3 * time.Hour).Format("15:04")
	enqueue(t, f, func(r *EnqueueRequest) {
		r.SendWindow = &domain.SendWindow{Start: closedStart, End: closedEnd, Timezone: "UTC"}
	})

	res, err := f.processor.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 0 {
		t.Fatalf("out-of-window message processed")
	}
}

func TestRetryableFailureReschedules(t *testing.T) {
	f := newFixture(t)
	m := enqueue(t, f, nil)

	// Exhaust the in-call retry budget with transient errors.
	for i := 0; i < fastPolicy.MaxRetries+1; i++ {
		f.mock.Fail(errors.New("connection reset by peer"))
	}

	res, err := f.processor.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 0 {
		t.Fatalf("transient failure counted as terminal: %+v", res)
	}

	got, _ := f.repo.GetByID(context.Background(), m.ID)
	if got.Status != domain.StatusRetrying {
		t.Fatalf("status = %s, want retrying", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.NextRetryAt == nil {
		t.Error("next_retry_at not set")
	}
	if got.LastErrorCode != "connection_error" {
		t.Errorf("last_error_code = %q", got.LastErrorCode)
	}
	if got.LastErrorMessage != "connection reset by peer" {
		t.Errorf("last_error_message = %q, want the raw provider error", got.LastErrorMessage)
	}
}

func TestExhaustedRetryClassifiesUnderlyingError(t *testing.T) {
	f := newFixture(t)
	m := enqueue(t, f, func(r *EnqueueRequest) { r.MaxAttempts = 1 })

	// An unfamiliar provider string exhausts the in-call retries; the
	// retry wrapper's own rendering must not leak into classification or
	// the stored error.
	for i := 0; i < fastPolicy.MaxRetries+1; i++ {
		f.mock.Fail(errors.New("provider glitch xyz"))
	}

	if _, err := f.processor.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatal(err)
	}

	got, _ := f.repo.GetByID(context.Background(), m.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.LastErrorCode != "unknown" {
		t.Errorf("last_error_code = %q, want unknown", got.LastErrorCode)
	}
	if !got.LastErrorRetryable {
		t.Error("unknown failure must stay flagged retryable")
	}
	if got.LastErrorMessage != "provider glitch xyz" {
		t.Errorf("last_error_message = %q, want the raw provider error", got.LastErrorMessage)
	}
}

func TestNonRetryableFailsTerminallyAndNotifies(t *testing.T) {
	f := newFixture(t)
	m := enqueue(t, f, nil)
	f.mock.Fail(errors.New("550 no such user here"))

	res, err := f.processor.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if f.mock.Calls() != 1 {
		t.Errorf("transport called %d times for a non-retryable error", f.mock.Calls())
	}

	got, _ := f.repo.GetByID(context.Background(), m.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.LastErrorCode != "invalid_recipient" {
		t.Errorf("last_error_code = %q", got.LastErrorCode)
	}
	if got.LastErrorMessage != "550 no such user here" {
		t.Errorf("last_error_message = %q, want the raw provider error", got.LastErrorMessage)
	}
	if len(f.notifier.undeliverable) != 1 || f.notifier.undeliverable[0] != "lead@example.com" {
		t.Errorf("undeliverable notifications = %v", f.notifier.undeliverable)
	}
}

func TestAttemptsExhaustionFails(t *testing.T) {
	// The two batches land six transport failures; a default-threshold
	// breaker would trip before the last attempt and reschedule instead
	// of failing, so this fixture raises the threshold out of reach.
	store := memory.NewMemoryStorage()
	repo := memory.NewMessageRepo(store)
	mock := transport.NewMock("smtp")
	p := NewProcessor(
		repo,
		map[string]transport.Transport{"smtp": mock},
		breaker.NewRegistry(breaker.Config{FailureThreshold: 100}, nil),
		retry.NewEngine(nil),
		ratelimit.New(nil),
		WithPolicy(fastPolicy), WithWorkers(1),
	)
	f := &fixture{repo: repo, mock: mock, processor: p}
	m := enqueue(t, f, func(r *EnqueueRequest) { r.MaxAttempts = 2 })

	ctx := context.Background()
	for batch := 0; batch < 2; batch++ {
		for i := 0; i < fastPolicy.MaxRetries+1; i++ {
			f.mock.Fail(errors.New("timeout"))
		}
		// Clear the retry delay so the next batch picks it up again.
		if _, err := f.processor.ProcessBatch(ctx, 10); err != nil {
			t.Fatal(err)
		}
		got, _ := f.repo.GetByID(ctx, m.ID)
		if got.NextRetryAt != nil {
			// Force-eligible for the next pass.
			reset := time.Now().Add(-time.Minute)
			got.NextRetryAt = &reset
			_ = f.repo.Create(ctx, got)
		}
	}

	got, _ := f.repo.GetByID(ctx, m.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s after exhausting attempts", got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want max_attempts", got.Attempts)
	}
	if !got.LastErrorRetryable {
		t.Error("exhausted retryable failure should stay flagged retryable for bulk retry")
	}
}

func TestCircuitOpenReschedulesWithoutAttempt(t *testing.T) {
	f := newFixture(t)
	m := enqueue(t, f, nil)

	// Trip the breaker directly, then process.
	b := f.processor.breakers.Get("smtp")
	for i := 0; i < breaker.DefaultConfig.FailureThreshold; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("550 fail")
		})
	}

	res, err := f.processor.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 0 || res.Successful != 0 {
		t.Fatalf("result = %+v", res)
	}

	got, _ := f.repo.GetByID(context.Background(), m.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending (rescheduled)", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, circuit-open must not consume the budget", got.Attempts)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.After(time.Now()) {
		t.Error("next_retry_at should point past the breaker probe time")
	}
}

func TestCancelPendingExcludesFromBatches(t *testing.T) {
	f := newFixture(t)
	m := enqueue(t, f, nil)

	n, err := f.processor.Cancel(context.Background(), []string{m.ID})
	if err != nil || n != 1 {
		t.Fatalf("Cancel = (%d, %v)", n, err)
	}

	res, err := f.processor.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 0 {
		t.Fatal("cancelled message was processed")
	}
	got, _ := f.repo.GetByID(context.Background(), m.ID)
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}

	// Terminal states never transition out.
	if n, _ := f.processor.Cancel(context.Background(), []string{m.ID}); n != 0 {
		t.Error("cancelled message cancelled twice")
	}
}

func TestCancelledWhileSendingSuppressesTerminalWrite(t *testing.T) {
	store := memory.NewMemoryStorage()
	repo := memory.NewMessageRepo(store)
	mock := transport.NewMock("smtp")

	release := make(chan struct{})
	slow := &gateTransport{inner: mock, gate: release}

	p := NewProcessor(
		repo,
		map[string]transport.Transport{"smtp": slow},
		breaker.NewRegistry(breaker.DefaultConfig, nil),
		retry.NewEngine(nil),
		ratelimit.New(nil),
		WithPolicy(fastPolicy), WithWorkers(1),
	)
	m, err := p.Enqueue(context.Background(), EnqueueRequest{
		TenantID: "t1", ToAddress: "a@b.c", BodyHTML: "x", Provider: "smtp",
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan BatchResult, 1)
	go func() {
		res, _ := p.ProcessBatch(context.Background(), 10)
		done <- res
	}()

	// Wait until the send is in flight, then cancel underneath it.
	slow.waitInFlight(t)
	msg, _ := repo.GetByID(context.Background(), m.ID)
	if msg.Status != domain.StatusSending {
		t.Fatalf("status = %s while in flight", msg.Status)
	}
	if n, err := p.Cancel(context.Background(), []string{m.ID}); err != nil || n != 1 {
		t.Fatalf("Cancel() of a sending message = (%d, %v), want 1", n, err)
	}
	close(release)
	<-done

	got, _ := repo.GetByID(context.Background(), m.ID)
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled to win over the in-flight result", got.Status)
	}
}

// gateTransport blocks Send until its gate closes.
type gateTransport struct {
	inner    *transport.Mock
	gate     chan struct{}
	mu       sync.Mutex
	inFlight bool
}

func (g *gateTransport) Name() string { return g.inner.Name() }

func (g *gateTransport) Send(ctx context.Context, req transport.SendRequest) (transport.SendResult, error) {
	g.mu.Lock()
	g.inFlight = true
	g.mu.Unlock()
	<-g.gate
	return g.inner.Send(ctx, req)
}

func (g *gateTransport) waitInFlight(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		ok := g.inFlight
		g.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("send never became in-flight")
}

func TestRetryAllResetsRetryableFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hard := enqueue(t, f, func(r *EnqueueRequest) { r.ToAddress = "hard@example.com" })
	soft := enqueue(t, f, func(r *EnqueueRequest) { r.ToAddress = "soft@example.com"; r.MaxAttempts = 1 })

	f.mock.Fail(errors.New("550 no such user here")) // hard: non-retryable
	// soft: retryable but budget of 1 attempt exhausts immediately
	for i := 0; i < fastPolicy.MaxRetries+1; i++ {
		f.mock.Fail(errors.New("timeout"))
	}

	if _, err := f.processor.ProcessBatch(ctx, 10); err != nil {
		t.Fatal(err)
	}

	n, err := f.processor.RetryAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("RetryAll = %d, want only the retryable failure", n)
	}

	gotSoft, _ := f.repo.GetByID(ctx, soft.ID)
	if gotSoft.Status != domain.StatusPending {
		t.Errorf("soft status = %s", gotSoft.Status)
	}
	if gotSoft.Attempts != 1 {
		t.Errorf("attempts reset to %d, want preserved", gotSoft.Attempts)
	}
	gotHard, _ := f.repo.GetByID(ctx, hard.ID)
	if gotHard.Status != domain.StatusFailed {
		t.Errorf("hard status = %s", gotHard.Status)
	}
}

func TestRateLimiterDefersSelection(t *testing.T) {
	store := memory.NewMemoryStorage()
	repo := memory.NewMessageRepo(store)
	mock := transport.NewMock("smtp")
	limiter := ratelimit.New(map[string]ratelimit.Limits{"smtp": {Hourly: 1}})

	p := NewProcessor(
		repo,
		map[string]transport.Transport{"smtp": mock},
		breaker.NewRegistry(breaker.DefaultConfig, nil),
		retry.NewEngine(nil),
		limiter,
		WithPolicy(fastPolicy), WithWorkers(1),
	)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := p.Enqueue(ctx, EnqueueRequest{
			TenantID: "t1", ToAddress: "a@b.c", BodyHTML: "x", Provider: "smtp",
		}); err != nil {
			t.Fatal(err)
		}
	}

	res, err := p.ProcessBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Successful != 1 {
		t.Fatalf("successful = %d, want 1 (hourly limit)", res.Successful)
	}
	if res.Processed != 1 {
		t.Errorf("processed = %d, deferred messages must not count as processed", res.Processed)
	}

	counts, _ := repo.CountByStatus(ctx)
	if counts[domain.StatusPending] != 2 {
		t.Errorf("pending = %d, want the deferred messages to stay queued", counts[domain.StatusPending])
	}
}

// stubLocker scripts cross-process claim decisions.
type stubLocker struct {
	mu       sync.Mutex
	allow    bool
	acquired []string
	released []string
}

func (l *stubLocker) AcquireClaim(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.allow {
		return false, nil
	}
	l.acquired = append(l.acquired, messageID)
	return true, nil
}

func (l *stubLocker) ReleaseClaim(ctx context.Context, messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, messageID)
	return nil
}

func TestClaimLockHeldElsewhereSkipsMessage(t *testing.T) {
	locker := &stubLocker{allow: false}
	f := newFixture(t, WithClaimLocker(locker))
	m := enqueue(t, f, nil)

	res, err := f.processor.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 0 {
		t.Errorf("processed = %d, want 0 when another worker holds the claim", res.Processed)
	}
	if f.mock.Calls() != 0 {
		t.Errorf("transport called %d times despite a held claim", f.mock.Calls())
	}
	got, _ := f.repo.GetByID(context.Background(), m.ID)
	if got.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending for a later batch", got.Status)
	}
}

func TestClaimLockAcquiredAndReleased(t *testing.T) {
	locker := &stubLocker{allow: true}
	f := newFixture(t, WithClaimLocker(locker))
	m := enqueue(t, f, nil)

	res, err := f.processor.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Successful != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(locker.acquired) != 1 || locker.acquired[0] != m.ID {
		t.Errorf("acquired = %v", locker.acquired)
	}
	if len(locker.released) != 1 || locker.released[0] != m.ID {
		t.Errorf("released = %v, the lock must be given back after the send", locker.released)
	}
}

func TestSendCountsRateLimitHit(t *testing.T) {
	f := newFixture(t)
	enqueue(t, f, nil)

	before := testutil.ToFloat64(metrics.RateLimitHits.WithLabelValues("smtp"))
	if _, err := f.processor.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(metrics.RateLimitHits.WithLabelValues("smtp")) - before; got != 1 {
		t.Errorf("rate limit hits delta = %v, want 1", got)
	}
}
