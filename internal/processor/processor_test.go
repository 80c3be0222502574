package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pulsefit/mailqueue/internal/config"
	"github.com/pulsefit/mailqueue/internal/domain"
	"github.com/pulsefit/mailqueue/internal/provider"
)

type statusUpdate struct {
	id     string
	status domain.QueueStatus
	fields UpdateFields
}

type fakeStore struct {
	mu        sync.Mutex
	items     []domain.QueueItem
	unclaim   map[string]bool
	updates   []statusUpdate
	fetchErr  error
	lastLimit int
}

func (s *fakeStore) FetchPending(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	s.mu.Lock()
	s.lastLimit = limit
	s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if len(s.items) > limit {
		return s.items[:limit], nil
	}
	return s.items, nil
}

func (s *fakeStore) Claim(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unclaim[id] {
		return false, nil
	}
	return true, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id string, status domain.QueueStatus, fields UpdateFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, statusUpdate{id: id, status: status, fields: fields})
	return nil
}

func (s *fakeStore) Stats(ctx context.Context) (map[string]int, error) {
	return map[string]int{"pending": len(s.items)}, nil
}

func (s *fakeStore) lastUpdate(t *testing.T, id string) statusUpdate {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.updates) - 1; i >= 0; i-- {
		if s.updates[i].id == id {
			return s.updates[i]
		}
	}
	t.Fatalf("no status update recorded for item %s", id)
	return statusUpdate{}
}

type fakeSender struct {
	name      string
	available bool
	sendFn    func(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
}

func (f *fakeSender) Name() string    { return f.name }
func (f *fakeSender) Available() bool { return f.available }
func (f *fakeSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, msg)
	}
	return &domain.SendResult{Success: true, MessageID: "msg-" + msg.ID, Provider: f.name, SentAt: time.Now()}, nil
}

func testItem(id string) domain.QueueItem {
	return domain.QueueItem{
		ID:         id,
		ToEmail:    "jane@example.com",
		Kind:       domain.KindGeneric,
		Subject:    "hello",
		HTMLBody:   "<p>hi</p>",
		MaxRetries: 3,
		Status:     domain.StatusPending,
	}
}

func newTestProcessor(store Store, senders ...provider.Sender) *Processor {
	return NewProcessor(
		store,
		NewNormalizer(config.SenderConfig{FromName: "PulseFit", FromEmail: "no-reply@pulsefit.app"}),
		provider.NewSelector(senders...),
		config.QueueConfig{MaxBatchSize: 50, MaxRetries: 3},
		nil,
	)
}

func TestRunOnce_SendsBatch(t *testing.T) {
	store := &fakeStore{items: []domain.QueueItem{testItem("a"), testItem("b"), testItem("c")}}
	sender := &fakeSender{name: "smtp", available: true}

	p := newTestProcessor(store, sender)
	summary, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	if summary.Processed != 3 || summary.Sent != 3 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 3 processed, 3 sent", summary)
	}
	for _, id := range []string{"a", "b", "c"} {
		u := store.lastUpdate(t, id)
		if u.status != domain.StatusSent {
			t.Errorf("item %s status = %s, want sent", id, u.status)
		}
		if u.fields.ProviderMessageID != "msg-"+id {
			t.Errorf("item %s message id = %q", id, u.fields.ProviderMessageID)
		}
		if u.fields.Provider != "smtp" {
			t.Errorf("item %s provider = %q, want smtp", id, u.fields.Provider)
		}
	}
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	store := &fakeStore{}
	p := newTestProcessor(store, &fakeSender{name: "smtp", available: true})

	summary, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if summary.Processed != 0 || summary.Busy {
		t.Errorf("summary = %+v, want empty non-busy summary", summary)
	}
}

func TestRunOnce_BusyWhileRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	store := &fakeStore{items: []domain.QueueItem{testItem("a")}}
	sender := &fakeSender{
		name:      "smtp",
		available: true,
		sendFn: func(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
			close(started)
			<-release
			return &domain.SendResult{Success: true, MessageID: "x", Provider: "smtp"}, nil
		},
	}

	p := newTestProcessor(store, sender)

	done := make(chan *RunSummary, 1)
	go func() {
		s, _ := p.RunOnce(context.Background())
		done <- s
	}()

	<-started
	concurrent, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("concurrent RunOnce() error: %v", err)
	}
	if !concurrent.Busy {
		t.Error("concurrent run should report busy")
	}
	if concurrent.Processed != 0 {
		t.Errorf("busy run processed %d items, want 0", concurrent.Processed)
	}

	close(release)
	first := <-done
	if first.Busy || first.Sent != 1 {
		t.Errorf("first run summary = %+v, want 1 sent", first)
	}

	// Guard must be released after the run completes.
	again, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() after completion error: %v", err)
	}
	if again.Busy {
		t.Error("run after completion should not be busy")
	}
}

func TestRunOnce_GuardReleasedOnFetchError(t *testing.T) {
	store := &fakeStore{fetchErr: errors.New("db down")}
	p := newTestProcessor(store, &fakeSender{name: "smtp", available: true})

	if _, err := p.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce() should surface the fetch error")
	}

	store.fetchErr = nil
	summary, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() after error: %v", err)
	}
	if summary.Busy {
		t.Error("guard was not released after a failed run")
	}
}

func TestRunOnce_SkipsAlreadyClaimed(t *testing.T) {
	store := &fakeStore{
		items:   []domain.QueueItem{testItem("a"), testItem("b")},
		unclaim: map[string]bool{"a": true},
	}
	p := newTestProcessor(store, &fakeSender{name: "smtp", available: true})

	summary, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if summary.Skipped != 1 || summary.Sent != 1 || summary.Processed != 1 {
		t.Errorf("summary = %+v, want 1 skipped, 1 sent", summary)
	}
	// Skipped item must not be touched.
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, u := range store.updates {
		if u.id == "a" {
			t.Errorf("skipped item received update: %+v", u)
		}
	}
}

func TestRunOnce_FailureParksForRetry(t *testing.T) {
	item := testItem("a")
	item.RetryCount = 0
	item.MaxRetries = 3
	store := &fakeStore{items: []domain.QueueItem{item}}
	sender := &fakeSender{
		name:      "smtp",
		available: true,
		sendFn: func(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
			return nil, errors.New("connection refused")
		},
	}

	p := newTestProcessor(store, sender)
	before := time.Now()
	summary, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	if summary.Failed != 1 || summary.Processed != 1 {
		t.Errorf("summary = %+v, want 1 failed", summary)
	}
	if len(summary.Errors) != 1 {
		t.Fatalf("len(Errors) = %d, want 1", len(summary.Errors))
	}

	u := store.lastUpdate(t, "a")
	if u.status != domain.StatusPending {
		t.Fatalf("status = %s, want pending (parked for retry)", u.status)
	}
	if u.fields.RetryCount == nil || *u.fields.RetryCount != 1 {
		t.Errorf("retry count = %v, want 1", u.fields.RetryCount)
	}
	if u.fields.NextRetryAt == nil {
		t.Fatal("next_retry_at not set on parked item")
	}
	if got := u.fields.NextRetryAt.Sub(before); got < 4*time.Minute || got > 6*time.Minute {
		t.Errorf("first retry delay = %s, want ~5m", got)
	}
	if u.fields.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
}

func TestRunOnce_ExhaustedRetriesFailPermanently(t *testing.T) {
	item := testItem("a")
	item.RetryCount = 2
	item.MaxRetries = 3
	store := &fakeStore{items: []domain.QueueItem{item}}
	sender := &fakeSender{
		name:      "smtp",
		available: true,
		sendFn: func(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
			return &domain.SendResult{Success: false, Provider: "smtp", Error: errors.New("550 mailbox unavailable")}, nil
		},
	}

	p := newTestProcessor(store, sender)
	summary, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("summary = %+v, want 1 failed", summary)
	}

	u := store.lastUpdate(t, "a")
	if u.status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", u.status)
	}
	if u.fields.RetryCount == nil || *u.fields.RetryCount != 3 {
		t.Errorf("retry count = %v, want 3", u.fields.RetryCount)
	}
	if u.fields.NextRetryAt != nil {
		t.Error("failed item should not carry a next_retry_at")
	}
}

func TestRunOnce_PanicIsolatedToItem(t *testing.T) {
	store := &fakeStore{items: []domain.QueueItem{testItem("boom"), testItem("ok")}}
	sender := &fakeSender{
		name:      "smtp",
		available: true,
		sendFn: func(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
			if msg.ID == "boom" {
				panic("nil template")
			}
			return &domain.SendResult{Success: true, MessageID: "m", Provider: "smtp"}, nil
		},
	}

	p := newTestProcessor(store, sender)
	summary, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	if summary.Sent != 1 || summary.Failed != 1 || summary.Processed != 2 {
		t.Errorf("summary = %+v, want 1 sent and 1 failed", summary)
	}
	u := store.lastUpdate(t, "boom")
	if u.status != domain.StatusPending {
		t.Errorf("panicked item status = %s, want pending (retry)", u.status)
	}
	if store.lastUpdate(t, "ok").status != domain.StatusSent {
		t.Error("healthy item should still be sent")
	}
}

func TestRunOnce_NoProviderAvailable(t *testing.T) {
	store := &fakeStore{items: []domain.QueueItem{testItem("a")}}
	p := newTestProcessor(store, &fakeSender{name: "smtp", available: false})

	summary, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("summary = %+v, want 1 failed", summary)
	}
	u := store.lastUpdate(t, "a")
	if u.status != domain.StatusPending {
		t.Errorf("status = %s, want pending (provider outage is retryable)", u.status)
	}
}

type fakeLock struct {
	acquired bool
	err      error
	released bool
}

func (l *fakeLock) Acquire(ctx context.Context) (bool, error) { return l.acquired, l.err }
func (l *fakeLock) Release(ctx context.Context) error         { l.released = true; return nil }

func TestRunOnce_DistributedLockHeldElsewhere(t *testing.T) {
	store := &fakeStore{items: []domain.QueueItem{testItem("a")}}
	lock := &fakeLock{acquired: false}
	p := NewProcessor(
		store,
		NewNormalizer(config.SenderConfig{FromEmail: "no-reply@pulsefit.app"}),
		provider.NewSelector(&fakeSender{name: "smtp", available: true}),
		config.QueueConfig{},
		lock,
	)

	summary, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if !summary.Busy {
		t.Error("run should report busy when the lock is held elsewhere")
	}
	if lock.released {
		t.Error("lock we never acquired must not be released")
	}
}

func TestRunOnce_DistributedLockReleased(t *testing.T) {
	store := &fakeStore{items: []domain.QueueItem{testItem("a")}}
	lock := &fakeLock{acquired: true}
	p := NewProcessor(
		store,
		NewNormalizer(config.SenderConfig{FromEmail: "no-reply@pulsefit.app"}),
		provider.NewSelector(&fakeSender{name: "smtp", available: true}),
		config.QueueConfig{},
		lock,
	)

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if !lock.released {
		t.Error("lock must be released after the run")
	}
}

func TestRun_BatchSizeClampedToConfiguredMax(t *testing.T) {
	store := &fakeStore{}
	p := newTestProcessor(store, &fakeSender{name: "smtp", available: true})

	if _, err := p.Run(context.Background(), 10); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if store.lastLimit != 10 {
		t.Errorf("limit = %d, want requested 10", store.lastLimit)
	}

	if _, err := p.Run(context.Background(), 500); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if store.lastLimit != 50 {
		t.Errorf("limit = %d, want clamped to 50", store.lastLimit)
	}

	if _, err := p.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if store.lastLimit != 50 {
		t.Errorf("limit = %d, want default 50", store.lastLimit)
	}
}

func TestRunOnce_ErrorsNeverExceedFailed(t *testing.T) {
	var items []domain.QueueItem
	for i := 0; i < 5; i++ {
		items = append(items, testItem(fmt.Sprintf("item-%d", i)))
	}
	store := &fakeStore{items: items}
	sender := &fakeSender{
		name:      "smtp",
		available: true,
		sendFn: func(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
			return nil, errors.New("boom")
		},
	}

	p := newTestProcessor(store, sender)
	summary, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if len(summary.Errors) > summary.Failed {
		t.Errorf("len(Errors)=%d exceeds Failed=%d", len(summary.Errors), summary.Failed)
	}
}
