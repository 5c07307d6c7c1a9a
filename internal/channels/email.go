package channels

import (
	"context"

	"notifyd/internal/domain"
	"notifyd/internal/providers/sendgrid"
	"notifyd/internal/util"
)

// Directory resolves recipient contact addresses. Recipient records belong
// to the collaborating application; only the lookup crosses the boundary.
type Directory interface {
	RecipientEmail(ctx context.Context, recipientID string) (string, error)
	RecipientPhone(ctx context.Context, recipientID string) (string, error)
}

type EmailSender interface {
	Send(ctx context.Context, req sendgrid.SendRequest) (sendgrid.SendResponse, int, []byte, error)
}

type EmailDispatcher struct {
	Sender    EmailSender
	Directory Directory
}

func (d *EmailDispatcher) Dispatch(ctx context.Context, job domain.NotificationJob) (DispatchResult, error) {
	to, err := d.Directory.RecipientEmail(ctx, job.RecipientID)
	if err != nil {
		return DispatchResult{}, &Error{Reason: "recipient email lookup failed", Cause: err}
	}

	resp, status, _, err := d.Sender.Send(ctx, sendgrid.SendRequest{
		To:       to,
		Subject:  job.Content.Subject,
		HTMLBody: job.Content.Body,
		TextBody: util.StripHTML(job.Content.Body),
		// correlation metadata: webhook events echo these back
		CustomArgs: map[string]string{
			"jobId":       job.ID,
			"recipientId": job.RecipientID,
			"groupId":     job.GroupID,
		},
	})
	if err != nil {
		// deterministic provider rejections (bad key, bad from-address)
		// fail outright; transient ones go through the retry path
		return DispatchResult{}, &Error{
			Reason:    "email provider send failed",
			Permanent: !sendgrid.ShouldRetry(err, status),
			Cause:     err,
		}
	}
	return DispatchResult{MessageID: resp.MessageID, Provider: "sendgrid"}, nil
}
