package poller

import (
	"context"
	"log/slog"
	"time"

	"notifyd/internal/domain"
	"notifyd/internal/observability"
	"notifyd/internal/util"
)

type Store interface {
	FetchDuePending(ctx context.Context, limit int, now time.Time) ([]domain.NotificationJob, error)
	MarkProcessing(ctx context.Context, jobID string, now time.Time) (bool, error)
}

type Queue interface {
	Enqueue(ctx context.Context, job domain.NotificationJob) error
}

// Poller periodically scans the job store for due pending jobs, claims them
// and hands them to the work queue. Safe to run from multiple instances:
// the claim update admits at most one winner per job.
type Poller struct {
	Store    Store
	Queue    Queue
	Interval time.Duration
	Batch    int
}

func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	batch := p.Batch
	if batch <= 0 {
		batch = 100
	}
	now := util.NowUTC()

	jobs, err := p.Store.FetchDuePending(ctx, batch, now)
	if err != nil {
		// store unavailability is a skipped cycle, never fatal
		slog.Error("poll fetch failed", "err", err)
		observability.PollCycles.WithLabelValues("error").Inc()
		return
	}

	enqueued := 0
	for _, job := range jobs {
		claimed, err := p.Store.MarkProcessing(ctx, job.ID, now)
		if err != nil {
			slog.Error("poll claim failed", "err", err, "job_id", job.ID)
			continue
		}
		if !claimed {
			// lost the race to another poller; expected, not an error
			continue
		}
		job.Status = domain.StatusProcessing
		if err := p.Queue.Enqueue(ctx, job); err != nil {
			slog.Error("poll enqueue failed", "err", err, "job_id", job.ID)
			observability.Enqueues.WithLabelValues("error").Inc()
			continue
		}
		observability.Enqueues.WithLabelValues("ok").Inc()
		enqueued++
	}

	observability.PollCycles.WithLabelValues("ok").Inc()
	if enqueued > 0 {
		slog.Info("poll cycle", "fetched", len(jobs), "enqueued", enqueued)
	}
}
