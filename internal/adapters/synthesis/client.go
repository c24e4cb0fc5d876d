// Package synthesis implements the speech synthesizer against an OpenAI-compatible
// /audio/speech endpoint.
package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/target/voice-message-api/internal/core"
	apperrors "github.com/target/voice-message-api/internal/errors"
)

const (
	// DefaultModel is the synthesis model sent with every request.
	DefaultModel = "tts-1"
	// DefaultVoice is the voice sent with every request.
	DefaultVoice = "alloy"
	// DefaultMaxBytes bounds the buffered response.
	DefaultMaxBytes int64 = 10 << 20

	maxErrorBody = 4 << 10
)

var _ core.SpeechSynthesizer = (*Client)(nil)

// Config captures the synthesis API settings.
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Voice    string
	MaxBytes int64
	Timeout  time.Duration
	Client   *http.Client
}

// Client converts text into audio with one POST per call. It never retries.
type Client struct {
	url      string
	apiKey   string
	model    string
	voice    string
	maxBytes int64
	client   *http.Client
}

// NewClient builds a synthesis client. Endpoint is the API base, e.g. https://api.openai.com/v1.
func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("synthesis endpoint is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	return &Client{
		url:      endpoint + "/audio/speech",
		apiKey:   strings.TrimSpace(cfg.APIKey),
		model:    fallbackString(strings.TrimSpace(cfg.Model), DefaultModel),
		voice:    fallbackString(strings.TrimSpace(cfg.Voice), DefaultVoice),
		maxBytes: maxBytes,
		client:   hc,
	}, nil
}

type speechRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice"`
}

// Synthesize returns the full audio body. Transport, auth and non-2xx failures are
// upstream errors; a body larger than the configured ceiling is an oversize error.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(speechRequest{Model: c.model, Input: text, Voice: c.voice})
	if err != nil {
		return nil, apperrors.Upstream(err, "encode synthesis request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Upstream(err, "create synthesis request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Upstream(err, "synthesis request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.Upstream(readErrorBody(resp), "synthesis api rejected request")
	}

	if resp.ContentLength > c.maxBytes {
		return nil, apperrors.Oversizef("synthesized audio is %d bytes, limit is %d", resp.ContentLength, c.maxBytes)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, apperrors.Upstream(err, "read synthesis response")
	}
	if int64(len(audio)) > c.maxBytes {
		return nil, apperrors.Oversizef("synthesized audio exceeds %d bytes", c.maxBytes)
	}
	return audio, nil
}

func readErrorBody(resp *http.Response) error {
	msg, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("synthesis api %s: read body: %w", resp.Status, err)
	}
	return fmt.Errorf("synthesis api %s: %s", resp.Status, strings.TrimSpace(string(msg)))
}

func fallbackString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
