package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Amsterdam/brp-kennisgevingen-api/internal/subscription"
)

// Payload is the notification body POSTed to a subscriber endpoint.
// Subscribers dedup on notification_id; delivery is at-least-once.
type Payload struct {
	NotificationID    string    `json:"notification_id"`
	EventID           string    `json:"event_id"`
	PersonRef         string    `json:"person_ref"`
	ChangedAttributes []string  `json:"changed_attributes"`
	ChangeType        string    `json:"change_type"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// Result is the outcome of one delivery attempt. Detail feeds the audit
// record, e.g. "200" or "timeout after 10s".
type Result struct {
	Success bool
	Detail  string
}

// Sender performs one delivery attempt against a subscriber endpoint.
type Sender interface {
	Send(ctx context.Context, target subscription.DeliveryTarget, p Payload) Result
}

// CredentialSource resolves a subscription's auth reference into a bearer
// token. The secret itself never lives on the subscription record.
type CredentialSource interface {
	Token(authRef string) (string, bool)
}

// HTTPSender delivers over HTTP POST. Any 2xx is success; every other
// response, and any transport error, is a retryable failure.
type HTTPSender struct {
	client      *http.Client
	timeout     time.Duration
	credentials CredentialSource
}

func NewHTTPSender(timeout time.Duration, credentials CredentialSource) *HTTPSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		client: &http.Client{
			Timeout: timeout,
			// Subscribers must answer at the registered URL; following
			// redirects would deliver person data to an unvetted location.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:     timeout,
		credentials: credentials,
	}
}

func (s *HTTPSender) Send(ctx context.Context, target subscription.DeliveryTarget, p Payload) Result {
	body, err := json.Marshal(p)
	if err != nil {
		return Result{Detail: fmt.Sprintf("encode payload: %v", err)}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Detail: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-Id", p.NotificationID)
	if s.credentials != nil && target.AuthRef != "" {
		if token, ok := s.credentials.Token(target.AuthRef); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return Result{Detail: fmt.Sprintf("timeout after %s", s.timeout)}
		}
		return Result{Detail: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Success: true, Detail: fmt.Sprintf("%d", resp.StatusCode)}
	}
	return Result{Detail: fmt.Sprintf("%d", resp.StatusCode)}
}
