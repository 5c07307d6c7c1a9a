package domain

import (
	"errors"
	"time"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusSent       JobStatus = "sent"
	StatusFailed     JobStatus = "failed"
	StatusSkipped    JobStatus = "skipped"
	StatusCancelled  JobStatus = "cancelled"
)

type NotificationType string

const (
	TypeImmediate NotificationType = "immediate"
	TypeDigest    NotificationType = "digest"
	TypeMilestone NotificationType = "milestone"
)

type UrgencyLevel string

const (
	UrgencyLow    UrgencyLevel = "low"
	UrgencyNormal UrgencyLevel = "normal"
	UrgencyUrgent UrgencyLevel = "urgent"
)

type DeliveryMethod string

const (
	MethodEmail    DeliveryMethod = "email"
	MethodSMS      DeliveryMethod = "sms"
	MethodWhatsApp DeliveryMethod = "whatsapp"
	MethodPush     DeliveryMethod = "push"
)

// Content is the rendered payload produced upstream. The pipeline passes it
// through to the provider and never interprets it.
type Content struct {
	Subject       string   `json:"subject"`
	Body          string   `json:"body"`
	MediaURLs     []string `json:"mediaUrls,omitempty"`
	MilestoneType string   `json:"milestoneType,omitempty"`
}

type NotificationJob struct {
	ID            string           `json:"id"`
	RecipientID   string           `json:"recipientId"`
	GroupID       string           `json:"groupId"`
	UpdateID      string           `json:"updateId"`
	Type          NotificationType `json:"notificationType"`
	Urgency       UrgencyLevel     `json:"urgencyLevel"`
	Method        DeliveryMethod   `json:"deliveryMethod"`
	Content       Content          `json:"content"`
	ScheduledFor  time.Time        `json:"scheduledFor"`
	Status        JobStatus        `json:"status"`
	RetryCount    int              `json:"retryCount"`
	FailureReason string           `json:"failureReason,omitempty"`
	MessageID     string           `json:"messageId,omitempty"`
	ProcessedAt   *time.Time       `json:"processedAt,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}

type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryLogEntry records one dispatch attempt. Entries are append-only
// except for webhook reconciliation, which may overwrite status and error
// once the provider reports the real outcome.
type DeliveryLogEntry struct {
	JobID         string         `json:"jobId"`
	RecipientID   string         `json:"recipientId"`
	GroupID       string         `json:"groupId"`
	Method        DeliveryMethod `json:"deliveryMethod"`
	Status        DeliveryStatus `json:"status"`
	ProviderMsgID string         `json:"providerMessageId,omitempty"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	DeliveryTime  time.Time      `json:"deliveryTime"`
}

var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the full edge set of the job state machine. Terminal states
// have no outgoing edges; cancellation is only meaningful while pending.
var transitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusSent, StatusFailed, StatusSkipped},
}

func CanTransition(from, to JobStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// QueuePriority maps urgency to the queue tier index, highest first.
func (u UrgencyLevel) QueuePriority() int {
	switch u {
	case UrgencyUrgent:
		return 0
	case UrgencyNormal:
		return 1
	default:
		return 2
	}
}

func ValidMethod(m DeliveryMethod) bool {
	switch m {
	case MethodEmail, MethodSMS, MethodWhatsApp, MethodPush:
		return true
	}
	return false
}
