package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Delivery headers let a receiver de-duplicate retried posts.
const (
	HeaderDeliveryID = "X-Shieldclaw-Delivery"
	HeaderAttempt    = "X-Shieldclaw-Attempt"
)

// Delivery reports how one alert post went.
type Delivery struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Attempts  int    `json:"attempts"`
	Status    int    `json:"status,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Sender posts formatted alerts with bounded retries. Transport errors, 5xx
// and 429 are retried with doubling backoff; any other 4xx is final.
type Sender struct {
	Client     *http.Client
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// NewSender returns a Sender with a 5s request timeout and three attempts.
func NewSender() *Sender {
	return &Sender{
		Client:     &http.Client{Timeout: 5 * time.Second},
		Attempts:   3,
		Backoff:    time.Second,
		MaxBackoff: 10 * time.Second,
	}
}

// Deliver formats event for cfg and posts it. The returned Delivery is
// filled in even when err is non-nil.
func (s *Sender) Deliver(ctx context.Context, cfg AlertConfig, event AlertEvent) (Delivery, error) {
	d := Delivery{ID: uuid.NewString(), URL: cfg.URL}
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return d, fmt.Errorf("format payload: %w", err)
	}

	attempts := max(s.Attempts, 1)
	delay := s.Backoff
	for d.Attempts < attempts {
		if d.Attempts > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return d, err
			}
			delay = min(delay*2, s.MaxBackoff)
		}
		d.Attempts++

		retry, err := s.post(ctx, cfg, body, &d)
		if err == nil {
			return d, nil
		}
		d.LastError = err.Error()
		if !retry {
			return d, err
		}
	}
	return d, fmt.Errorf("webhook failed after %d attempts: %s", d.Attempts, d.LastError)
}

// post makes one attempt and reports whether a failure may be retried.
func (s *Sender) post(ctx context.Context, cfg AlertConfig, body []byte, d *Delivery) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDeliveryID, d.ID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(d.Attempts))
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	resp.Body.Close()
	d.Status = resp.StatusCode

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
