//go:build integration
// +build integration

package integration

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"notifyd/internal/domain"
	"notifyd/internal/store"
	"notifyd/internal/store/pg"
	"notifyd/internal/util"
)

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	db, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return db, func() {
		ctx := context.Background()
		_, _ = db.Exec(ctx, `DELETE FROM delivery_logs`)
		_, _ = db.Exec(ctx, `DELETE FROM notification_jobs`)
		db.Close()
	}
}

func insertJob(t *testing.T, db *pgxpool.Pool, id string, scheduledFor time.Time) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO notification_jobs (id, recipient_id, group_id, update_id,
			notification_type, urgency_level, delivery_method, content,
			scheduled_for, status)
		VALUES ($1, 'rcpt_1', 'grp_1', 'upd_1', 'immediate', 'normal', 'email',
			'{"subject":"s","body":"b"}', $2, 'pending')
	`, id, scheduledFor)
	if err != nil {
		t.Fatalf("insert job: %v", err)
	}
}

// Concurrent claims on the same job succeed for exactly one caller.
func TestClaimIdempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := pg.New(db)

	jobID := util.NewJobID()
	insertJob(t, db, jobID, time.Now().Add(-time.Second))

	const callers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.MarkProcessing(context.Background(), jobID, util.NowUTC())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			wins <- claimed
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for claimed := range wins {
		if claimed {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}

func TestFetchDuePendingOrderAndLimit(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := pg.New(db)

	now := time.Now()
	late := util.NewJobID()
	early := util.NewJobID()
	future := util.NewJobID()
	insertJob(t, db, late, now.Add(-time.Minute))
	insertJob(t, db, early, now.Add(-time.Hour))
	insertJob(t, db, future, now.Add(time.Hour))

	jobs, err := s.FetchDuePending(context.Background(), 100, now)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 due jobs, got %d", len(jobs))
	}
	if jobs[0].ID != early || jobs[1].ID != late {
		t.Fatalf("expected oldest first, got %s then %s", jobs[0].ID, jobs[1].ID)
	}

	jobs, err = s.FetchDuePending(context.Background(), 1, now)
	if err != nil {
		t.Fatalf("fetch limited: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected limit respected, got %d", len(jobs))
	}
}

// A processing claim past the stale horizon re-enters the poll cycle and
// may be reclaimed; a fresh claim may not.
func TestStaleProcessingClaimReclaimed(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := pg.New(db)
	ctx := context.Background()

	jobID := util.NewJobID()
	insertJob(t, db, jobID, time.Now().Add(-time.Second))

	if claimed, err := s.MarkProcessing(ctx, jobID, util.NowUTC()); err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}

	jobs, err := s.FetchDuePending(ctx, 100, time.Now())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("freshly claimed job must not re-enter the cycle, got %d", len(jobs))
	}
	if claimed, err := s.MarkProcessing(ctx, jobID, util.NowUTC()); err != nil || claimed {
		t.Fatalf("fresh claim must not be taken over: claimed=%v err=%v", claimed, err)
	}

	// age the claim past the stale horizon
	if _, err := db.Exec(ctx, `
		UPDATE notification_jobs SET updated_at = now() - interval '1 hour' WHERE id=$1
	`, jobID); err != nil {
		t.Fatalf("backdate claim: %v", err)
	}

	jobs, err = s.FetchDuePending(ctx, 100, time.Now())
	if err != nil {
		t.Fatalf("fetch stale: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != jobID {
		t.Fatalf("stale claim must re-enter the cycle, got %+v", jobs)
	}
	if claimed, err := s.MarkProcessing(ctx, jobID, util.NowUTC()); err != nil || !claimed {
		t.Fatalf("stale claim takeover: claimed=%v err=%v", claimed, err)
	}
	// the takeover re-armed the claim
	if claimed, err := s.MarkProcessing(ctx, jobID, util.NowUTC()); err != nil || claimed {
		t.Fatalf("re-armed claim must hold: claimed=%v err=%v", claimed, err)
	}
}

func TestCancelOnlyWhilePending(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := pg.New(db)
	ctx := context.Background()

	jobID := util.NewJobID()
	insertJob(t, db, jobID, time.Now().Add(-time.Second))

	cancelled, err := s.CancelPending(ctx, jobID, util.NowUTC())
	if err != nil || !cancelled {
		t.Fatalf("cancel pending: cancelled=%v err=%v", cancelled, err)
	}

	// cancelled is terminal: neither claim nor a second cancel may touch it
	if claimed, err := s.MarkProcessing(ctx, jobID, util.NowUTC()); err != nil || claimed {
		t.Fatalf("claim after cancel: claimed=%v err=%v", claimed, err)
	}
	if cancelled, err := s.CancelPending(ctx, jobID, util.NowUTC()); err != nil || cancelled {
		t.Fatalf("double cancel: cancelled=%v err=%v", cancelled, err)
	}
}

func TestTerminalAndReconcile(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	s := pg.New(db)
	ctx := context.Background()

	jobID := util.NewJobID()
	insertJob(t, db, jobID, time.Now().Add(-time.Second))

	if claimed, err := s.MarkProcessing(ctx, jobID, util.NowUTC()); err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}

	now := util.NowUTC()
	if err := s.MarkTerminal(ctx, store.JobTerminalUpdate{
		ID: jobID, Status: domain.StatusSent, MessageID: "sg-abc", ProcessedAt: now,
	}); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := s.InsertDeliveryLog(ctx, domain.DeliveryLogEntry{
		JobID: jobID, RecipientID: "rcpt_1", GroupID: "grp_1",
		Method: domain.MethodEmail, Status: domain.DeliveryDelivered,
		ProviderMsgID: "sg-abc", DeliveryTime: now,
	}); err != nil {
		t.Fatalf("insert log: %v", err)
	}

	// terminal states accept no further worker transitions
	if err := s.MarkTerminal(ctx, store.JobTerminalUpdate{
		ID: jobID, Status: domain.StatusFailed, ProcessedAt: util.NowUTC(),
	}); err == nil {
		t.Fatal("expected transition out of sent to be rejected")
	}

	// a bounce event reconciles the log entry and fails the job outcome
	matched, err := s.UpdateDeliveryLogByProviderMsgID(ctx, store.DeliveryOutcomeUpdate{
		ProviderMsgID: "sg-abc",
		Status:        domain.DeliveryFailed,
		ErrorMessage:  "bounce: mailbox full",
		FailJob:       true,
		Now:           util.NowUTC(),
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !matched {
		t.Fatal("expected matching log entry")
	}

	job, found, err := s.GetJob(ctx, jobID)
	if err != nil || !found {
		t.Fatalf("get job: found=%v err=%v", found, err)
	}
	if job.Status != domain.StatusFailed {
		t.Fatalf("expected job failed after bounce, got %s", job.Status)
	}

	matched, err = s.UpdateDeliveryLogByProviderMsgID(ctx, store.DeliveryOutcomeUpdate{
		ProviderMsgID: "does-not-exist",
		Status:        domain.DeliveryFailed,
		Now:           util.NowUTC(),
	})
	if err != nil {
		t.Fatalf("reconcile unmatched: %v", err)
	}
	if matched {
		t.Fatal("expected no match")
	}
}
