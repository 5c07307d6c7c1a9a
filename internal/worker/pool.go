package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"notifyd/internal/channels"
	"notifyd/internal/domain"
	"notifyd/internal/observability"
	"notifyd/internal/store"
	"notifyd/internal/util"
)

type Store interface {
	MarkTerminal(ctx context.Context, in store.JobTerminalUpdate) error
	IncrementRetry(ctx context.Context, jobID, reason string, now time.Time) error
	InsertDeliveryLog(ctx context.Context, in domain.DeliveryLogEntry) error
}

type Queue interface {
	Dequeue(ctx context.Context, block time.Duration) (domain.NotificationJob, bool, error)
	EnqueueRetry(ctx context.Context, job domain.NotificationJob, runAt time.Time) error
}

// Pool is the fixed-concurrency consumer side of the pipeline: each worker
// pulls one job at a time, dispatches it through the channel registry and
// writes the outcome back to the job store and delivery log.
// Breakers are keyed by delivery method so one provider's outage never
// short-circuits another channel; methods without an entry dispatch directly.
type Pool struct {
	Store    Store
	Queue    Queue
	Registry *channels.Registry
	Limiter  *rate.Limiter
	Breakers map[domain.DeliveryMethod]*gobreaker.CircuitBreaker
	Retry    RetryPolicy

	Concurrency     int
	DispatchTimeout time.Duration
}

func (p *Pool) Run(ctx context.Context) error {
	n := p.Concurrency
	if n <= 0 {
		n = 5
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consume(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := p.Queue.Dequeue(ctx, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("queue dequeue failed", "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if !ok {
			continue
		}
		// cancellation stops intake only: the dispatch in hand and its
		// bookkeeping run to completion on a detached context so shutdown
		// never strands a claimed job mid-flight
		p.process(context.WithoutCancel(ctx), job)
	}
}

func (p *Pool) process(ctx context.Context, job domain.NotificationJob) {
	start := time.Now()
	method := string(job.Method)

	dispatcher, err := p.Registry.Lookup(job.Method)
	if err != nil {
		// unknown channel: deterministic terminal failure, never retried
		p.fail(ctx, job, err.Error())
		observability.DispatchTotal.WithLabelValues(method, "unsupported").Inc()
		return
	}

	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			// the claim goes stale and the poller reclaims the job after
			// the stale horizon
			slog.Error("rate limiter wait failed", "err", err, "job_id", job.ID)
			return
		}
	}

	result, err := p.dispatch(ctx, dispatcher, job)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// provider protection, not a provider verdict; retry later without
		// consuming an attempt
		observability.DispatchTotal.WithLabelValues(method, "breaker_open").Inc()
		if qErr := p.Queue.EnqueueRetry(ctx, job, util.NowUTC().Add(p.Retry.Delay(job.Urgency, job.RetryCount))); qErr != nil {
			slog.Error("breaker re-enqueue failed", "err", qErr, "job_id", job.ID)
		}
		return
	}

	if err == nil {
		observability.DispatchTotal.WithLabelValues(method, "ok").Inc()
		observability.DispatchLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
		p.succeed(ctx, job, result)
		return
	}

	observability.DispatchTotal.WithLabelValues(method, "error").Inc()

	var dispErr *channels.Error
	if errors.As(err, &dispErr) && dispErr.Permanent {
		p.fail(ctx, job, err.Error())
		return
	}

	attempt := job.RetryCount + 1
	if attempt >= p.Retry.Ceiling(job.Urgency) {
		p.fail(ctx, job, err.Error())
		return
	}

	// transient failure below the ceiling: record the attempt and schedule
	// the next one with exponential backoff
	now := util.NowUTC()
	if sErr := p.Store.IncrementRetry(ctx, job.ID, err.Error(), now); sErr != nil {
		slog.Error("increment retry failed", "err", sErr, "job_id", job.ID)
	}
	job.RetryCount = attempt
	runAt := now.Add(p.Retry.Delay(job.Urgency, attempt))
	if qErr := p.Queue.EnqueueRetry(ctx, job, runAt); qErr != nil {
		slog.Error("retry enqueue failed", "err", qErr, "job_id", job.ID)
		p.fail(ctx, job, err.Error())
		return
	}
	observability.Retries.WithLabelValues(method).Inc()
	slog.Info("dispatch retry scheduled",
		"job_id", job.ID,
		"method", method,
		"attempt", attempt,
		"run_at", runAt,
		"err", err,
	)
}

func (p *Pool) dispatch(ctx context.Context, d channels.Dispatcher, job domain.NotificationJob) (channels.DispatchResult, error) {
	timeout := p.DispatchTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	call := func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return d.Dispatch(callCtx, job)
	}

	var res any
	var err error
	if br := p.Breakers[job.Method]; br != nil {
		res, err = br.Execute(call)
	} else {
		res, err = call()
	}
	if err != nil {
		return channels.DispatchResult{}, err
	}
	return res.(channels.DispatchResult), nil
}

func (p *Pool) succeed(ctx context.Context, job domain.NotificationJob, result channels.DispatchResult) {
	now := util.NowUTC()
	if err := p.Store.MarkTerminal(ctx, store.JobTerminalUpdate{
		ID:          job.ID,
		Status:      domain.StatusSent,
		MessageID:   result.MessageID,
		ProcessedAt: now,
	}); err != nil {
		slog.Error("mark sent failed", "err", err, "job_id", job.ID)
	}
	if err := p.Store.InsertDeliveryLog(ctx, domain.DeliveryLogEntry{
		JobID:         job.ID,
		RecipientID:   job.RecipientID,
		GroupID:       job.GroupID,
		Method:        job.Method,
		Status:        domain.DeliveryDelivered,
		ProviderMsgID: result.MessageID,
		DeliveryTime:  now,
	}); err != nil {
		slog.Error("insert delivery log failed", "err", err, "job_id", job.ID)
	}
	slog.Info("job dispatched", "job_id", job.ID, "method", job.Method, "message_id", result.MessageID)
}

func (p *Pool) fail(ctx context.Context, job domain.NotificationJob, reason string) {
	now := util.NowUTC()
	if err := p.Store.MarkTerminal(ctx, store.JobTerminalUpdate{
		ID:            job.ID,
		Status:        domain.StatusFailed,
		FailureReason: reason,
		ProcessedAt:   now,
	}); err != nil {
		slog.Error("mark failed failed", "err", err, "job_id", job.ID)
	}
	if err := p.Store.InsertDeliveryLog(ctx, domain.DeliveryLogEntry{
		JobID:        job.ID,
		RecipientID:  job.RecipientID,
		GroupID:      job.GroupID,
		Method:       job.Method,
		Status:       domain.DeliveryFailed,
		ErrorMessage: reason,
		DeliveryTime: now,
	}); err != nil {
		slog.Error("insert delivery log failed", "err", err, "job_id", job.ID)
	}
	slog.Error("job failed", "job_id", job.ID, "method", job.Method, "reason", reason, "retries", job.RetryCount)
}
