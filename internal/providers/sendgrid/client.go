package sendgrid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
)

type Client struct {
	APIKey    string
	FromEmail string
	HTTP      *http.Client
	BaseURL   string
}

type SendRequest struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
	// CustomArgs ride on the provider message and come back verbatim on
	// every webhook event, which is how events correlate to jobs.
	CustomArgs map[string]string
}

type SendResponse struct {
	MessageID string
}

type apiError struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) Send(ctx context.Context, req SendRequest) (SendResponse, int, []byte, error) {
	content := []map[string]string{}
	if req.TextBody != "" {
		content = append(content, map[string]string{"type": "text/plain", "value": req.TextBody})
	}
	if req.HTMLBody != "" {
		content = append(content, map[string]string{"type": "text/html", "value": req.HTMLBody})
	}

	payload := map[string]any{
		"personalizations": []map[string]any{{
			"to":          []map[string]string{{"email": req.To}},
			"custom_args": req.CustomArgs,
		}},
		"from":    map[string]string{"email": c.FromEmail},
		"subject": req.Subject,
		"content": content,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.sendgrid.com"
	}
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v3/mail/send", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(raw, &apiErr)
		if len(apiErr.Errors) > 0 && apiErr.Errors[0].Message != "" {
			return SendResponse{}, resp.StatusCode, raw, errors.New(apiErr.Errors[0].Message)
		}
		return SendResponse{}, resp.StatusCode, raw, errors.New("sendgrid send failed")
	}

	// Accepted sends carry the provider message id in a response header.
	return SendResponse{MessageID: resp.Header.Get("X-Message-Id")}, resp.StatusCode, raw, nil
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
			// transport-level failure with no response
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
