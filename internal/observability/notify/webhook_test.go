package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPoster(t *testing.T, srv *httptest.Server, retries int) *WebhookPoster {
	t.Helper()
	p, err := NewWebhookPoster(WebhookConfig{
		Service:     "test",
		URL:         srv.URL,
		RetryLimit:  retries,
		BaseBackoff: time.Millisecond,
		Client:      srv.Client(),
	})
	require.NoError(t, err)
	return p
}

func TestNewWebhookPosterRequiresURL(t *testing.T) {
	_, err := NewWebhookPoster(WebhookConfig{Service: "slack"})
	require.EqualError(t, err, "slack webhook url is required")
}

func TestPostJSON_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	var out struct {
		Status string `json:"status"`
	}
	require.NoError(t, newPoster(t, srv, 3).PostJSON(context.Background(), map[string]string{"a": "b"}, &out))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "success", out.Status)
}

func TestPostJSON_GivesUpAfterRetryLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "1")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := newPoster(t, srv, 1)
	start := time.Now()
	err := p.PostJSON(context.Background(), struct{}{}, nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, "slow down", se.Body)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "Retry-After honoured")
}

func TestPostJSON_StopsOnCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := NewWebhookPoster(WebhookConfig{Service: "test", URL: srv.URL, RetryLimit: 5, BaseBackoff: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = p.PostJSON(ctx, struct{}{}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	d := parseRetryAfter(time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat))
	assert.InDelta(t, float64(10*time.Second), float64(d), float64(2*time.Second))
}
