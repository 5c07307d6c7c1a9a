package store

import (
	"time"

	"notifyd/internal/domain"
)

type JobTerminalUpdate struct {
	ID            string
	Status        domain.JobStatus
	MessageID     string
	FailureReason string
	ProcessedAt   time.Time
}

// DeliveryOutcomeUpdate reconciles a provider webhook event against the
// delivery log entry (and owning job) matching ProviderMsgID.
type DeliveryOutcomeUpdate struct {
	ProviderMsgID string
	Status        domain.DeliveryStatus
	ErrorMessage  string
	// FailJob marks the owning job's final outcome failed as well
	// (bounce/dropped/blocked/spam_report).
	FailJob bool
	Now     time.Time
}

type FailureRow struct {
	JobID         string    `json:"jobId"`
	RecipientID   string    `json:"recipientId"`
	Method        string    `json:"deliveryMethod"`
	FailureReason string    `json:"failureReason"`
	ProcessedAt   time.Time `json:"processedAt"`
}

type OverdueRow struct {
	JobID        string    `json:"jobId"`
	RecipientID  string    `json:"recipientId"`
	Method       string    `json:"deliveryMethod"`
	Urgency      string    `json:"urgencyLevel"`
	ScheduledFor time.Time `json:"scheduledFor"`
}

// MetricsFilter scopes aggregation queries. OwnerID empty means system-wide.
type MetricsFilter struct {
	Since   time.Time
	OwnerID string
}
