package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultBaseBackoff    = 200 * time.Millisecond
	maxBackoff            = 5 * time.Second
	maxErrorBody          = 2048
)

// StatusError is returned when a webhook answers with a non-2xx status.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s responded %d: %s", e.Service, e.StatusCode, e.Body)
}

// Retryable reports whether another attempt may succeed (throttling or server side errors).
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// WebhookConfig configures a WebhookPoster.
type WebhookConfig struct {
	// Service names the remote end in errors ("slack", "pagerduty").
	Service     string
	URL         string
	Timeout     time.Duration
	RetryLimit  int
	BaseBackoff time.Duration
	Client      *http.Client
}

// WebhookPoster POSTs JSON documents with bounded retries. Only transport errors,
// 429 and 5xx responses are retried; a 429 Retry-After header overrides the backoff.
type WebhookPoster struct {
	service string
	url     string
	retries int
	backoff time.Duration
	client  *http.Client
}

// NewWebhookPoster builds a poster; URL is required.
func NewWebhookPoster(cfg WebhookConfig) (*WebhookPoster, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%s webhook url is required", cfg.Service)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	backoff := cfg.BaseBackoff
	if backoff <= 0 {
		backoff = defaultBaseBackoff
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &WebhookPoster{
		service: cfg.Service,
		url:     cfg.URL,
		retries: max(cfg.RetryLimit, 0),
		backoff: backoff,
		client:  hc,
	}, nil
}

// PostJSON encodes doc and posts it. When out is non-nil a 2xx body is decoded into it.
func (p *WebhookPoster) PostJSON(ctx context.Context, doc, out any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", p.service, err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, p.delay(attempt, lastErr)); err != nil {
				return errors.Join(lastErr, err)
			}
		}
		lastErr = p.post(ctx, body, out)
		if lastErr == nil {
			return nil
		}
		var se *StatusError
		if errors.As(lastErr, &se) && !se.Retryable() {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (p *WebhookPoster) delay(attempt int, lastErr error) time.Duration {
	var se *StatusError
	if errors.As(lastErr, &se) && se.RetryAfter > 0 {
		return min(se.RetryAfter, maxBackoff)
	}
	return min(p.backoff<<(attempt-1), maxBackoff)
}

func (p *WebhookPoster) post(ctx context.Context, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", p.service, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", p.service, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Service:    p.service,
			StatusCode: resp.StatusCode,
			Body:       string(bytes.TrimSpace(msg)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode %s response: %w", p.service, err)
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
