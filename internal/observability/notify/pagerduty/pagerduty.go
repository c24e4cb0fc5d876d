// Package pagerduty raises incidents for failed messages through the Events API v2.
package pagerduty

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/target/voice-message-api/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

// Config captures runtime configuration for the PagerDuty sink.
type Config struct {
	// Endpoint overrides APIEndpoint (used by tests and regional ingest hosts).
	Endpoint   string
	RoutingKey string
	Source     string
	Component  string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client publishes trigger events. Incidents are keyed by message id so repeated
// failures of one message collapse into a single incident.
type Client struct {
	poster     *notify.WebhookPoster
	routingKey string
	source     string
	component  string
}

var _ notify.Sink = (*Client)(nil)

type event struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key"`
	Payload     eventPayload `json:"payload"`
}

type eventPayload struct {
	Summary       string            `json:"summary"`
	Severity      string            `json:"severity"`
	Source        string            `json:"source"`
	Component     string            `json:"component,omitempty"`
	Group         string            `json:"group,omitempty"`
	Class         string            `json:"class,omitempty"`
	Timestamp     string            `json:"timestamp"`
	CustomDetails map[string]string `json:"custom_details,omitempty"`
}

type enqueueResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	DedupKey string `json:"dedup_key"`
}

// NewClient constructs a PagerDuty events client. A routing key is required.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = APIEndpoint
	}
	poster, err := notify.NewWebhookPoster(notify.WebhookConfig{
		Service:    "pagerduty",
		URL:        endpoint,
		Timeout:    cfg.Timeout,
		RetryLimit: cfg.RetryLimit,
		Client:     cfg.Client,
	})
	if err != nil {
		return nil, err
	}
	return &Client{
		poster:     poster,
		routingKey: key,
		source:     orDefault(cfg.Source, "voice-message-api"),
		component:  orDefault(cfg.Component, "tts-pipeline"),
	}, nil
}

// SendSubmissionFailure submits a trigger event.
func (c *Client) SendSubmissionFailure(ctx context.Context, payload notify.SubmissionFailurePayload) error {
	var resp enqueueResponse
	if err := c.poster.PostJSON(ctx, c.buildEvent(payload), &resp); err != nil {
		return err
	}
	if resp.Status != "" && resp.Status != "success" {
		return fmt.Errorf("pagerduty rejected event: %s %s", resp.Status, resp.Message)
	}
	return nil
}

func (c *Client) buildEvent(p notify.SubmissionFailurePayload) event {
	at := p.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	id := orDefault(p.SubmissionID, "unknown")
	stage := orDefault(p.Stage, "unknown stage")

	details := make(map[string]string, len(p.Metadata)+4)
	for k, v := range p.Metadata {
		details[k] = v
	}
	details["message_id"] = id
	details["stage"] = stage
	if p.RequestedBy != "" {
		details["requested_by"] = p.RequestedBy
	}
	if p.Error != "" {
		details["error"] = p.Error
	}

	return event{
		RoutingKey:  c.routingKey,
		EventAction: "trigger",
		DedupKey:    "voice-message:" + id,
		Payload: eventPayload{
			Summary:       fmt.Sprintf("Voice message %s failed at %s", id, stage),
			Severity:      eventSeverity(p.Severity),
			Source:        c.source,
			Component:     c.component,
			Group:         p.Stage,
			Class:         p.ErrorClass,
			Timestamp:     at.UTC().Format(time.RFC3339),
			CustomDetails: details,
		},
	}
}

// eventSeverity maps onto the values the Events API accepts.
func eventSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case notify.SeverityWarning:
		return "warning"
	case "error", "info":
		return strings.ToLower(strings.TrimSpace(s))
	default:
		return "critical"
	}
}

func orDefault(v, fallback string) string {
	if v = strings.TrimSpace(v); v == "" {
		return fallback
	}
	return v
}
