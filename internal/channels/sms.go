package channels

import (
	"context"
	"fmt"

	"notifyd/internal/domain"
	"notifyd/internal/providers/twilio"
	"notifyd/internal/util"
)

type MessageSender interface {
	SendMessage(ctx context.Context, req twilio.SendRequest) (twilio.SendResponse, int, []byte, error)
}

// SMSDispatcher covers both the sms and whatsapp methods; the two differ
// only in the address form the provider expects.
type SMSDispatcher struct {
	Sender    MessageSender
	Directory Directory
	WhatsApp  bool
}

func (d *SMSDispatcher) Dispatch(ctx context.Context, job domain.NotificationJob) (DispatchResult, error) {
	phone, err := d.Directory.RecipientPhone(ctx, job.RecipientID)
	if err != nil {
		return DispatchResult{}, &Error{Reason: "recipient phone lookup failed", Cause: err}
	}

	phone = util.NormalizePhone(phone)
	if !util.ValidE164(phone) {
		return DispatchResult{}, permanent(fmt.Sprintf("destination %q is not a valid E.164 number", phone))
	}

	body := job.Content.Body
	if job.Content.Subject != "" {
		body = job.Content.Subject + "\n" + body
	}

	resp, status, _, err := d.Sender.SendMessage(ctx, twilio.SendRequest{
		To:        phone,
		Body:      util.StripHTML(body),
		MediaURLs: job.Content.MediaURLs,
		WhatsApp:  d.WhatsApp,
	})
	if err != nil {
		return DispatchResult{}, &Error{
			Reason:    "message provider send failed",
			Permanent: !twilio.ShouldRetry(err, status),
			Cause:     err,
		}
	}
	return DispatchResult{MessageID: resp.Sid, Provider: "twilio"}, nil
}
