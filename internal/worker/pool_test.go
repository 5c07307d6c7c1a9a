package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"notifyd/internal/channels"
	"notifyd/internal/domain"
	"notifyd/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	terminals []store.JobTerminalUpdate
	retries   int
	logs      []domain.DeliveryLogEntry
}

func (f *fakeStore) MarkTerminal(ctx context.Context, in store.JobTerminalUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminals = append(f.terminals, in)
	return nil
}

func (f *fakeStore) IncrementRetry(ctx context.Context, jobID, reason string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
	return nil
}

func (f *fakeStore) InsertDeliveryLog(ctx context.Context, in domain.DeliveryLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, in)
	return nil
}

type fakeQueue struct {
	mu      sync.Mutex
	pending []domain.NotificationJob
	retries []retryItem
}

type retryItem struct {
	job   domain.NotificationJob
	runAt time.Time
}

func (f *fakeQueue) Dequeue(ctx context.Context, block time.Duration) (domain.NotificationJob, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return domain.NotificationJob{}, false, nil
	}
	job := f.pending[0]
	f.pending = f.pending[1:]
	return job, true, nil
}

func (f *fakeQueue) EnqueueRetry(ctx context.Context, job domain.NotificationJob, runAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, retryItem{job: job, runAt: runAt})
	return nil
}

type fakeDispatcher struct {
	calls  int
	result channels.DispatchResult
	err    error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job domain.NotificationJob) (channels.DispatchResult, error) {
	f.calls++
	if f.err != nil {
		return channels.DispatchResult{}, f.err
	}
	return f.result, nil
}

func testJob(method domain.DeliveryMethod) domain.NotificationJob {
	return domain.NotificationJob{
		ID:          "job_1",
		RecipientID: "rcpt_1",
		GroupID:     "grp_1",
		Method:      method,
		Urgency:     domain.UrgencyNormal,
		Status:      domain.StatusProcessing,
		Content:     domain.Content{Subject: "s", Body: "b"},
	}
}

func newPool(s *fakeStore, q *fakeQueue, method domain.DeliveryMethod, d channels.Dispatcher) *Pool {
	reg := channels.NewRegistry()
	if d != nil {
		reg.Register(method, d)
	}
	return &Pool{
		Store:    s,
		Queue:    q,
		Registry: reg,
		Retry:    RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute},
	}
}

func TestDispatchSuccess(t *testing.T) {
	s := &fakeStore{}
	q := &fakeQueue{}
	d := &fakeDispatcher{result: channels.DispatchResult{MessageID: "prov-1", Provider: "sendgrid"}}
	p := newPool(s, q, domain.MethodEmail, d)

	p.process(context.Background(), testJob(domain.MethodEmail))

	if d.calls != 1 {
		t.Fatalf("expected 1 dispatch, got %d", d.calls)
	}
	if len(s.terminals) != 1 || s.terminals[0].Status != domain.StatusSent {
		t.Fatalf("expected sent terminal, got %+v", s.terminals)
	}
	if s.terminals[0].MessageID != "prov-1" {
		t.Fatalf("expected provider message id recorded, got %q", s.terminals[0].MessageID)
	}
	if len(s.logs) != 1 || s.logs[0].Status != domain.DeliveryDelivered || s.logs[0].ProviderMsgID != "prov-1" {
		t.Fatalf("expected delivered log entry, got %+v", s.logs)
	}
	if len(q.retries) != 0 {
		t.Fatalf("expected no retries, got %d", len(q.retries))
	}
}

// A job that always fails dispatch reaches failed after exactly the
// configured ceiling of attempts.
func TestRetryBound(t *testing.T) {
	s := &fakeStore{}
	q := &fakeQueue{}
	d := &fakeDispatcher{err: &channels.Error{Reason: "provider down"}}
	p := newPool(s, q, domain.MethodEmail, d)

	job := testJob(domain.MethodEmail)
	for i := 0; i < 10; i++ {
		p.process(context.Background(), job)
		q.mu.Lock()
		n := len(q.retries)
		q.mu.Unlock()
		if n == 0 {
			break
		}
		// drive the re-enqueued job through the next attempt
		job = q.retries[n-1].job
		q.mu.Lock()
		q.retries = nil
		q.mu.Unlock()
	}

	if d.calls != 3 {
		t.Fatalf("expected exactly 3 dispatch attempts, got %d", d.calls)
	}
	if s.retries != 2 {
		t.Fatalf("expected 2 retry increments, got %d", s.retries)
	}
	if len(s.terminals) != 1 || s.terminals[0].Status != domain.StatusFailed {
		t.Fatalf("expected one failed terminal, got %+v", s.terminals)
	}
	if !strings.Contains(s.terminals[0].FailureReason, "provider down") {
		t.Fatalf("expected failure reason preserved, got %q", s.terminals[0].FailureReason)
	}
	if len(s.logs) != 1 || s.logs[0].Status != domain.DeliveryFailed {
		t.Fatalf("expected failed log entry, got %+v", s.logs)
	}
}

func TestPushNotImplementedRetriedToCeiling(t *testing.T) {
	s := &fakeStore{}
	q := &fakeQueue{}
	d := &channels.PushDispatcher{}
	p := newPool(s, q, domain.MethodPush, d)

	job := testJob(domain.MethodPush)
	for i := 0; i < 10; i++ {
		p.process(context.Background(), job)
		if len(q.retries) == 0 {
			break
		}
		job = q.retries[len(q.retries)-1].job
		q.retries = nil
	}

	if len(s.terminals) != 1 || s.terminals[0].Status != domain.StatusFailed {
		t.Fatalf("expected failed terminal, got %+v", s.terminals)
	}
	if !strings.Contains(s.terminals[0].FailureReason, "not implemented") {
		t.Fatalf("expected reason to mention not implemented, got %q", s.terminals[0].FailureReason)
	}
}

func TestUnregisteredMethodTerminalWithoutRetry(t *testing.T) {
	s := &fakeStore{}
	q := &fakeQueue{}
	p := newPool(s, q, domain.MethodEmail, nil) // empty registry

	p.process(context.Background(), testJob(domain.MethodEmail))

	if len(q.retries) != 0 {
		t.Fatalf("expected no retry for unregistered method")
	}
	if s.retries != 0 {
		t.Fatalf("expected no retry increment")
	}
	if len(s.terminals) != 1 || s.terminals[0].Status != domain.StatusFailed {
		t.Fatalf("expected failed terminal, got %+v", s.terminals)
	}
	if !strings.Contains(s.terminals[0].FailureReason, "no dispatcher registered") {
		t.Fatalf("expected explicit reason, got %q", s.terminals[0].FailureReason)
	}
}

func TestPermanentDispatchErrorNotRetried(t *testing.T) {
	s := &fakeStore{}
	q := &fakeQueue{}
	d := &fakeDispatcher{err: &channels.Error{Reason: "bad destination", Permanent: true}}
	p := newPool(s, q, domain.MethodSMS, d)

	p.process(context.Background(), testJob(domain.MethodSMS))

	if d.calls != 1 {
		t.Fatalf("expected single attempt, got %d", d.calls)
	}
	if len(q.retries) != 0 || s.retries != 0 {
		t.Fatal("permanent error must not schedule retries")
	}
	if len(s.terminals) != 1 || s.terminals[0].Status != domain.StatusFailed {
		t.Fatalf("expected failed terminal, got %+v", s.terminals)
	}
}

func TestBreakerOpenDoesNotConsumeAttempt(t *testing.T) {
	s := &fakeStore{}
	q := &fakeQueue{}
	d := &fakeDispatcher{err: gobreaker.ErrOpenState}
	p := newPool(s, q, domain.MethodEmail, d)

	p.process(context.Background(), testJob(domain.MethodEmail))

	if s.retries != 0 {
		t.Fatal("breaker-open must not increment retry count")
	}
	if len(s.terminals) != 0 {
		t.Fatalf("breaker-open must not mark terminal, got %+v", s.terminals)
	}
	if len(q.retries) != 1 {
		t.Fatalf("expected re-enqueue for later, got %d", len(q.retries))
	}
	if q.retries[0].job.RetryCount != 0 {
		t.Fatalf("retry count must be unchanged, got %d", q.retries[0].job.RetryCount)
	}
}

// A sustained stream of failing push jobs must not open a breaker in front
// of a healthy email provider.
func TestPushFailuresDoNotTripEmailBreaker(t *testing.T) {
	s := &fakeStore{}
	q := &fakeQueue{}
	email := &fakeDispatcher{result: channels.DispatchResult{MessageID: "prov-1", Provider: "sendgrid"}}
	reg := channels.NewRegistry()
	reg.Register(domain.MethodPush, &channels.PushDispatcher{})
	reg.Register(domain.MethodEmail, email)
	p := &Pool{
		Store:    s,
		Queue:    q,
		Registry: reg,
		Breakers: map[domain.DeliveryMethod]*gobreaker.CircuitBreaker{
			domain.MethodEmail: ProviderBreaker("sendgrid"),
		},
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}

	for i := 0; i < 12; i++ {
		job := testJob(domain.MethodPush)
		job.ID = fmt.Sprintf("job_push_%d", i)
		p.process(context.Background(), job)
	}

	p.process(context.Background(), testJob(domain.MethodEmail))

	if email.calls != 1 {
		t.Fatalf("email dispatch must not be short-circuited, calls=%d", email.calls)
	}
	sent := 0
	for _, term := range s.terminals {
		if term.Status == domain.StatusSent {
			sent++
		}
	}
	if sent != 1 {
		t.Fatalf("expected the email job marked sent, terminals=%+v", s.terminals)
	}
}

// Permanent dispatch errors are the job's fault, not the provider's; a run
// of them must leave the provider breaker closed.
func TestPermanentErrorsDoNotTripBreaker(t *testing.T) {
	s := &fakeStore{}
	q := &fakeQueue{}
	d := &fakeDispatcher{err: &channels.Error{Reason: "bad destination", Permanent: true}}
	reg := channels.NewRegistry()
	reg.Register(domain.MethodSMS, d)
	p := &Pool{
		Store:    s,
		Queue:    q,
		Registry: reg,
		Breakers: map[domain.DeliveryMethod]*gobreaker.CircuitBreaker{
			domain.MethodSMS: ProviderBreaker("twilio"),
		},
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}

	for i := 0; i < 15; i++ {
		job := testJob(domain.MethodSMS)
		job.ID = fmt.Sprintf("job_sms_%d", i)
		p.process(context.Background(), job)
	}

	d.err = nil
	d.result = channels.DispatchResult{MessageID: "SM1", Provider: "twilio"}
	p.process(context.Background(), testJob(domain.MethodSMS))

	if d.calls != 16 {
		t.Fatalf("breaker must stay closed through permanent errors, calls=%d", d.calls)
	}
	last := s.terminals[len(s.terminals)-1]
	if last.Status != domain.StatusSent {
		t.Fatalf("expected final job sent, got %+v", last)
	}
}

type blockingDispatcher struct {
	started chan struct{}
	release chan struct{}
	result  channels.DispatchResult
}

func (d *blockingDispatcher) Dispatch(ctx context.Context, job domain.NotificationJob) (channels.DispatchResult, error) {
	close(d.started)
	<-d.release
	if err := ctx.Err(); err != nil {
		return channels.DispatchResult{}, err
	}
	return d.result, nil
}

// Shutdown stops intake only: a dispatch already in flight finishes and
// records its outcome instead of stranding the job in processing.
func TestShutdownDrainsInFlightDispatch(t *testing.T) {
	s := &fakeStore{}
	q := &fakeQueue{pending: []domain.NotificationJob{testJob(domain.MethodEmail)}}
	d := &blockingDispatcher{
		started: make(chan struct{}),
		release: make(chan struct{}),
		result:  channels.DispatchResult{MessageID: "prov-1", Provider: "sendgrid"},
	}
	p := newPool(s, q, domain.MethodEmail, d)
	p.Concurrency = 1

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	<-d.started
	cancel()
	close(d.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain after cancel")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.terminals) != 1 || s.terminals[0].Status != domain.StatusSent {
		t.Fatalf("in-flight job must complete and be marked sent, got %+v", s.terminals)
	}
	if len(s.logs) != 1 || s.logs[0].ProviderMsgID != "prov-1" {
		t.Fatalf("expected delivery log for the drained job, got %+v", s.logs)
	}
}

func TestUrgentCeilingOverride(t *testing.T) {
	s := &fakeStore{}
	q := &fakeQueue{}
	d := &fakeDispatcher{err: &channels.Error{Reason: "provider down"}}
	p := newPool(s, q, domain.MethodEmail, d)
	p.Retry.UrgentMaxAttempts = 1

	job := testJob(domain.MethodEmail)
	job.Urgency = domain.UrgencyUrgent
	p.process(context.Background(), job)

	if d.calls != 1 {
		t.Fatalf("expected single attempt under urgent ceiling 1, got %d", d.calls)
	}
	if len(s.terminals) != 1 || s.terminals[0].Status != domain.StatusFailed {
		t.Fatalf("expected failed terminal, got %+v", s.terminals)
	}
}
