package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"

	"notifyd/internal/domain"
)

// Queue is the work queue substrate: one Redis list per urgency tier
// (strict priority via multi-key BRPOP, FIFO within a tier), a dedup set
// keyed by job id, and a sorted set of delayed retries scored by run-at.
type Queue struct {
	rdb *r.Client
}

func New(rdb *r.Client) *Queue { return &Queue{rdb} }

// tierKeys is in strict priority order; BRPOP serves the first non-empty key.
var tierKeys = []string{"notifyd:queue:urgent", "notifyd:queue:normal", "notifyd:queue:low"}

const (
	dedupKey   = "notifyd:queue:inflight"
	delayedKey = "notifyd:queue:delayed"
)

func tierKey(u domain.UrgencyLevel) string {
	return tierKeys[u.QueuePriority()]
}

// Enqueue pushes a job onto its urgency tier. The job id doubles as the
// dedup key: a job already in flight is not enqueued again, so re-polling
// before a worker picks up a prior enqueue cannot duplicate work.
func (q *Queue) Enqueue(ctx context.Context, job domain.NotificationJob) error {
	added, err := q.rdb.SAdd(ctx, dedupKey, job.ID).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return nil
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, tierKey(job.Urgency), payload).Err()
}

// Dequeue blocks up to block for the next job, urgent tier first.
// Returns ok=false on timeout.
func (q *Queue) Dequeue(ctx context.Context, block time.Duration) (domain.NotificationJob, bool, error) {
	res, err := q.rdb.BRPop(ctx, block, tierKeys...).Result()
	if err != nil {
		if errors.Is(err, r.Nil) {
			return domain.NotificationJob{}, false, nil
		}
		return domain.NotificationJob{}, false, err
	}
	if len(res) != 2 {
		return domain.NotificationJob{}, false, nil
	}
	var job domain.NotificationJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return domain.NotificationJob{}, false, fmt.Errorf("decode queued job: %w", err)
	}
	// hand-off complete; the job may re-enter the queue later as a retry
	_ = q.rdb.SRem(ctx, dedupKey, job.ID).Err()
	return job, true, nil
}

// EnqueueRetry schedules a job for re-dispatch at runAt.
func (q *Queue) EnqueueRetry(ctx context.Context, job domain.NotificationJob, runAt time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, delayedKey, r.Z{Score: float64(runAt.Unix()), Member: payload}).Err()
}

// MoveDue promotes delayed jobs whose run-at has passed back onto their
// urgency tier. Called on a short tick by the pipeline.
func (q *Queue) MoveDue(ctx context.Context, now time.Time, batch int64) error {
	members, err := q.rdb.ZRangeByScore(ctx, delayedKey, &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(members) == 0 {
		return err
	}
	pipe := q.rdb.TxPipeline()
	for _, m := range members {
		var job domain.NotificationJob
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			// undecodable member: drop it rather than loop forever
			pipe.ZRem(ctx, delayedKey, m)
			continue
		}
		pipe.LPush(ctx, tierKey(job.Urgency), m)
		pipe.ZRem(ctx, delayedKey, m)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Depths reports per-tier queue lengths plus the delayed set size.
func (q *Queue) Depths(ctx context.Context) (map[string]int64, error) {
	tiers := []string{"urgent", "normal", "low"}
	out := map[string]int64{}
	for i, key := range tierKeys {
		n, err := q.rdb.LLen(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		out[tiers[i]] = n
	}
	delayed, err := q.rdb.ZCard(ctx, delayedKey).Result()
	if err != nil {
		return nil, err
	}
	out["delayed"] = delayed
	return out, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *Queue) Close() error {
	return q.rdb.Close()
}
