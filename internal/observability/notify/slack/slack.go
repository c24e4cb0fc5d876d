// Package slack posts failed-message alerts to a Slack incoming webhook as a
// single colour-coded attachment.
package slack

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/target/voice-message-api/internal/observability/notify"
)

const (
	colorCritical = "#d62728"
	colorWarning  = "#ff9f1c"
	maxErrorText  = 500
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// MessageURLPrefix, when set, turns message ids into links (e.g. https://api.example/api/v1/messages).
	MessageURLPrefix string
}

// Client delivers submission failure notifications to a Slack webhook.
type Client struct {
	poster     *notify.WebhookPoster
	channel    string
	username   string
	linkPrefix *url.URL
}

var _ notify.Sink = (*Client)(nil)

type message struct {
	Channel     string       `json:"channel,omitempty"`
	Username    string       `json:"username,omitempty"`
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type attachment struct {
	Color    string  `json:"color"`
	Fallback string  `json:"fallback"`
	Fields   []field `json:"fields"`
	Footer   string  `json:"footer,omitempty"`
	Ts       int64   `json:"ts"`
}

type field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewClient builds a Slack webhook client.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}
	poster, err := notify.NewWebhookPoster(notify.WebhookConfig{
		Service:    "slack",
		URL:        webhookURL,
		Timeout:    cfg.Timeout,
		RetryLimit: cfg.RetryLimit,
		Client:     cfg.Client,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		poster:   poster,
		channel:  strings.TrimSpace(cfg.Channel),
		username: strings.TrimSpace(cfg.Username),
	}
	if c.username == "" {
		c.username = "voice-message-api"
	}
	if u, err := url.Parse(strings.TrimSpace(cfg.MessageURLPrefix)); err == nil && u.Scheme != "" && u.Host != "" {
		c.linkPrefix = u
	}
	return c, nil
}

// SendSubmissionFailure posts a formatted message to Slack.
func (c *Client) SendSubmissionFailure(ctx context.Context, payload notify.SubmissionFailurePayload) error {
	return c.poster.PostJSON(ctx, c.buildMessage(payload), nil)
}

func (c *Client) buildMessage(p notify.SubmissionFailurePayload) message {
	severity := p.Severity
	if severity == "" {
		severity = notify.SeverityCritical
	}
	at := p.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}

	headline := "*Voice message failed*"
	if id := c.messageRef(p.SubmissionID); id != "" {
		headline += " " + id
	}
	if p.Stage != "" {
		headline += " during `" + p.Stage + "`"
	}

	fields := []field{{Title: "Severity", Value: severity, Short: true}}
	fields = appendField(fields, "Stage", p.Stage, true)
	fields = appendField(fields, "Requested by", escape(p.RequestedBy), true)
	fields = appendField(fields, "Error class", p.ErrorClass, true)
	fields = appendField(fields, "Error", escape(truncate(p.Error, maxErrorText)), false)

	keys := make([]string, 0, len(p.Metadata))
	for k := range p.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fields = appendField(fields, k, escape(p.Metadata[k]), true)
	}

	return message{
		Channel:  c.channel,
		Username: c.username,
		Text:     headline,
		Attachments: []attachment{{
			Color:    severityColor(severity),
			Fallback: "Voice message " + p.SubmissionID + " failed",
			Fields:   fields,
			Footer:   c.username,
			Ts:       at.Unix(),
		}},
	}
}

// messageRef renders the id as a link when a prefix is configured, otherwise as code.
func (c *Client) messageRef(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if c.linkPrefix != nil {
		return "<" + c.linkPrefix.JoinPath(id).String() + "|" + escape(id) + ">"
	}
	return "`" + escape(id) + "`"
}

func appendField(fields []field, title, value string, short bool) []field {
	if strings.TrimSpace(value) == "" {
		return fields
	}
	return append(fields, field{Title: title, Value: value, Short: short})
}

func severityColor(severity string) string {
	if severity == notify.SeverityWarning {
		return colorWarning
	}
	return colorCritical
}

var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;") //nolint:gochecknoglobals // immutable

func escape(s string) string { return slackEscaper.Replace(s) }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
