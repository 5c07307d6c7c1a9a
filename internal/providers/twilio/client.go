package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

type Client struct {
	AccountSID string
	AuthToken  string
	HTTP       *http.Client

	FromNumber     string
	WhatsAppNumber string
	BaseURL        string
}

type SendRequest struct {
	To        string
	Body      string
	MediaURLs []string
	// WhatsApp selects the whatsapp: address form on both ends of the call.
	WhatsApp bool
}

type SendResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Message   string `json:"message"`
}

// whatsAppPrefix distinguishes a WhatsApp destination from a plain SMS one
// even when the underlying number is the same.
const whatsAppPrefix = "whatsapp:"

func (c *Client) SendMessage(ctx context.Context, req SendRequest) (SendResponse, int, []byte, error) {
	to := req.To
	from := c.FromNumber
	if req.WhatsApp {
		to = whatsAppPrefix + req.To
		from = whatsAppPrefix + c.WhatsAppNumber
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Body", req.Body)
	for _, u := range req.MediaURLs {
		form.Add("MediaUrl", u)
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	endpoint := baseURL + "/2010-04-01/Accounts/" + c.AccountSID + "/Messages.json"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(c.AccountSID, c.AuthToken)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	// Twilio returns 201 for created; treat 2xx as success
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return out, resp.StatusCode, b, errors.New(out.Message)
		}
		return out, resp.StatusCode, b, errors.New("twilio send failed")
	}
	return out, resp.StatusCode, b, nil
}

// Retry decision for transient errors
func ShouldRetry(err error, httpStatus int) bool {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		if httpStatus == 0 {
			return true
		}
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return true
	}
	return false
}
