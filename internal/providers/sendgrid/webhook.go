package sendgrid

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

// Event is one entry in the event webhook's JSON array payload.
type Event struct {
	Email       string `json:"email"`
	Event       string `json:"event"`
	Timestamp   int64  `json:"timestamp"`
	SGMessageID string `json:"sg_message_id"`
	// MessageID is the explicit correlation id set via custom args at send
	// time. Preferred over sg_message_id when both are present.
	MessageID string `json:"messageId"`
	Reason    string `json:"reason,omitempty"`
	URL       string `json:"url,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"useragent,omitempty"`
}

// CorrelationID returns the provider message id used for delivery-log lookup.
// sg_message_id carries a routing suffix after the first dot; only the prefix
// matches what the send API returned.
func (e Event) CorrelationID() string {
	if e.MessageID != "" {
		return e.MessageID
	}
	if i := strings.IndexByte(e.SGMessageID, '.'); i >= 0 {
		return e.SGMessageID[:i]
	}
	return e.SGMessageID
}

// failureEvents map to a failed delivery outcome on reconciliation.
var failureEvents = map[string]bool{
	"bounce":      true,
	"dropped":     true,
	"blocked":     true,
	"spam_report": true,
}

func (e Event) IsFailure() bool { return failureEvents[e.Event] }

func (e Event) IsDeliveryConfirmation() bool { return e.Event == "delivered" }

func (e Event) OccurredAt() time.Time {
	return time.Unix(e.Timestamp, 0).UTC()
}

var ErrBadPublicKey = errors.New("invalid webhook public key")

// ParsePublicKey decodes the base64 PKIX ECDSA public key shown in the
// provider dashboard.
func ParsePublicKey(b64 string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, ErrBadPublicKey
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, ErrBadPublicKey
	}
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, ErrBadPublicKey
	}
	return key, nil
}

// VerifyEventSignature checks the ECDSA signature the provider computes over
// timestamp + raw body. The signature header is base64 ASN.1 DER.
func VerifyEventSignature(key *ecdsa.PublicKey, timestamp string, body []byte, signature string) bool {
	if key == nil || timestamp == "" || signature == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write(body)
	return ecdsa.VerifyASN1(key, h.Sum(nil), sig)
}
