package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"notifyd/internal/domain"
	"notifyd/internal/store"
)

type Store struct {
	DB *pgxpool.Pool

	// StaleAfter is how long a processing claim holds before other pollers
	// may reclaim the job (crashed worker, lost enqueue). Zero means the
	// default.
	StaleAfter time.Duration
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const defaultStaleAfter = 15 * time.Minute

func (s *Store) staleBefore(now time.Time) time.Time {
	d := s.StaleAfter
	if d <= 0 {
		d = defaultStaleAfter
	}
	return now.Add(-d)
}

const jobColumns = `
	id, recipient_id, group_id, update_id, notification_type, urgency_level,
	delivery_method, content, scheduled_for, status, retry_count,
	COALESCE(failure_reason,''), COALESCE(message_id,''), processed_at, created_at`

func scanJob(row pgx.Row) (domain.NotificationJob, error) {
	var j domain.NotificationJob
	var contentJSON []byte
	err := row.Scan(&j.ID, &j.RecipientID, &j.GroupID, &j.UpdateID, &j.Type, &j.Urgency,
		&j.Method, &contentJSON, &j.ScheduledFor, &j.Status, &j.RetryCount,
		&j.FailureReason, &j.MessageID, &j.ProcessedAt, &j.CreatedAt)
	if err != nil {
		return domain.NotificationJob{}, err
	}
	if err := json.Unmarshal(contentJSON, &j.Content); err != nil {
		return domain.NotificationJob{}, fmt.Errorf("decode job content %s: %w", j.ID, err)
	}
	return j, nil
}

// FetchDuePending returns pending jobs whose scheduled time has passed,
// oldest first, capped at limit to bound poll-cycle cost. Processing rows
// whose claim has gone stale are included so jobs orphaned by a crashed
// worker or a lost enqueue re-enter the pipeline.
func (s *Store) FetchDuePending(ctx context.Context, limit int, now time.Time) ([]domain.NotificationJob, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+jobColumns+`
		FROM notification_jobs
		WHERE (status='pending' AND scheduled_for <= $1)
		   OR (status='processing' AND updated_at < $2)
		ORDER BY scheduled_for ASC
		LIMIT $3
	`, now, s.staleBefore(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.NotificationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkProcessing is the claim primitive: the conditional pending->processing
// update succeeds for at most one caller per job. A stale processing claim
// may be taken over, which re-arms the claim's updated_at.
func (s *Store) MarkProcessing(ctx context.Context, jobID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE notification_jobs
		SET status='processing', updated_at=$2
		WHERE id=$1 AND (status='pending' OR (status='processing' AND updated_at < $3))
	`, jobID, now, s.staleBefore(now))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) MarkTerminal(ctx context.Context, in store.JobTerminalUpdate) error {
	if !domain.CanTransition(domain.StatusProcessing, in.Status) {
		return fmt.Errorf("%w: processing -> %s", domain.ErrInvalidTransition, in.Status)
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE notification_jobs
		SET status=$2, message_id=COALESCE($3, message_id), failure_reason=$4,
		    processed_at=$5, updated_at=$5
		WHERE id=$1 AND status='processing'
	`, in.ID, in.Status, nullIfEmpty(in.MessageID), nullIfEmpty(in.FailureReason), in.ProcessedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s not in processing", domain.ErrInvalidTransition, in.ID)
	}
	return nil
}

func (s *Store) IncrementRetry(ctx context.Context, jobID, reason string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE notification_jobs
		SET retry_count = retry_count + 1, failure_reason=$2, updated_at=$3
		WHERE id=$1
	`, jobID, nullIfEmpty(reason), now)
	return err
}

func (s *Store) CancelPending(ctx context.Context, jobID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE notification_jobs
		SET status='cancelled', updated_at=$2
		WHERE id=$1 AND status='pending'
	`, jobID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (domain.NotificationJob, bool, error) {
	j, err := scanJob(s.DB.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM notification_jobs WHERE id=$1
	`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NotificationJob{}, false, nil
		}
		return domain.NotificationJob{}, false, err
	}
	return j, true, nil
}

func (s *Store) InsertDeliveryLog(ctx context.Context, in domain.DeliveryLogEntry) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO delivery_logs (job_id, recipient_id, group_id, delivery_method,
			status, provider_message_id, error_message, delivery_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, in.JobID, in.RecipientID, in.GroupID, in.Method, in.Status,
		nullIfEmpty(in.ProviderMsgID), nullIfEmpty(in.ErrorMessage), in.DeliveryTime)
	return err
}

// UpdateDeliveryLogByProviderMsgID applies a webhook-reported outcome to the
// matching log entry. When FailJob is set the owning sent job is moved to a
// failed final outcome as well; informational events never touch the job.
func (s *Store) UpdateDeliveryLogByProviderMsgID(ctx context.Context, in store.DeliveryOutcomeUpdate) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var jobID string
	err = tx.QueryRow(ctx, `
		UPDATE delivery_logs
		SET status=$2, error_message=$3
		WHERE provider_message_id=$1
		RETURNING job_id
	`, in.ProviderMsgID, in.Status, nullIfEmpty(in.ErrorMessage)).Scan(&jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	if in.FailJob {
		_, err = tx.Exec(ctx, `
			UPDATE notification_jobs
			SET status='failed', failure_reason=$2, updated_at=$3
			WHERE id=$1 AND status='sent'
		`, jobID, nullIfEmpty(in.ErrorMessage), in.Now)
		if err != nil {
			return false, err
		}
	}

	return true, tx.Commit(ctx)
}

// ownerJoin scopes metrics queries to a single owner's recipients. Recipient
// ownership lives in the collaborating application's recipients table.
const ownerJoin = ` AND ($2 = '' OR recipient_id IN (SELECT id FROM recipients WHERE owner_id = $2))`

func (s *Store) CountByStatus(ctx context.Context, f store.MetricsFilter) (map[string]int, error) {
	return s.countBy(ctx, "status", f)
}

func (s *Store) CountByMethod(ctx context.Context, f store.MetricsFilter) (map[string]int, error) {
	return s.countBy(ctx, "delivery_method", f)
}

func (s *Store) CountByType(ctx context.Context, f store.MetricsFilter) (map[string]int, error) {
	return s.countBy(ctx, "notification_type", f)
}

func (s *Store) countBy(ctx context.Context, column string, f store.MetricsFilter) (map[string]int, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+column+`, COUNT(*) FROM notification_jobs
		WHERE created_at >= $1`+ownerJoin+`
		GROUP BY `+column, f.Since, f.OwnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

// AvgProcessingMillis averages scheduled_for -> processed_at over the latest
// 1000 processed jobs in the window.
func (s *Store) AvgProcessingMillis(ctx context.Context, f store.MetricsFilter) (float64, error) {
	var avg *float64
	err := s.DB.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (processed_at - scheduled_for)) * 1000)
		FROM (
			SELECT scheduled_for, processed_at FROM notification_jobs
			WHERE processed_at IS NOT NULL AND created_at >= $1`+ownerJoin+`
			ORDER BY processed_at DESC
			LIMIT 1000
		) sample
	`, f.Since, f.OwnerID).Scan(&avg)
	if err != nil || avg == nil {
		return 0, err
	}
	return *avg, nil
}

func (s *Store) RecentFailures(ctx context.Context, f store.MetricsFilter, limit int) ([]store.FailureRow, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, recipient_id, delivery_method, COALESCE(failure_reason,''), processed_at
		FROM notification_jobs
		WHERE status='failed' AND processed_at IS NOT NULL AND created_at >= $1`+ownerJoin+`
		ORDER BY processed_at DESC
		LIMIT $3
	`, f.Since, f.OwnerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.FailureRow
	for rows.Next() {
		var r store.FailureRow
		if err := rows.Scan(&r.JobID, &r.RecipientID, &r.Method, &r.FailureReason, &r.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) OverdueJobs(ctx context.Context, f store.MetricsFilter, now time.Time, limit int) ([]store.OverdueRow, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, recipient_id, delivery_method, urgency_level, scheduled_for
		FROM notification_jobs
		WHERE status='pending' AND scheduled_for < $3`+ownerJoin+` AND created_at >= $1
		ORDER BY scheduled_for ASC
		LIMIT $4
	`, f.Since, f.OwnerID, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.OverdueRow
	for rows.Next() {
		var r store.OverdueRow
		if err := rows.Scan(&r.JobID, &r.RecipientID, &r.Method, &r.Urgency, &r.ScheduledFor); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecipientEmail resolves a recipient's email address for the email channel.
// The recipients table belongs to the collaborating application.
func (s *Store) RecipientEmail(ctx context.Context, recipientID string) (string, error) {
	var email string
	err := s.DB.QueryRow(ctx, `SELECT email FROM recipients WHERE id=$1`, recipientID).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("recipient %s not found", recipientID)
		}
		return "", err
	}
	return email, nil
}

// RecipientPhone resolves a recipient's phone number for sms/whatsapp.
func (s *Store) RecipientPhone(ctx context.Context, recipientID string) (string, error) {
	var phone string
	err := s.DB.QueryRow(ctx, `SELECT phone FROM recipients WHERE id=$1`, recipientID).Scan(&phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("recipient %s not found", recipientID)
		}
		return "", err
	}
	return phone, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
