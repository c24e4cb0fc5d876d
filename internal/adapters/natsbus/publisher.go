// Package natsbus publishes submission status events to NATS JetStream.
//
// A topic maps to one stream named after it. The stream captures the subjects
// <topic>.<partition>; an event lands on the partition derived from its submission id,
// so all events of one submission share a subject and keep their publish order.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/target/voice-message-api/internal/core"
	"github.com/target/voice-message-api/internal/domain/model"
	apperrors "github.com/target/voice-message-api/internal/errors"
)

const (
	// DefaultTopic is the stream that carries status events.
	DefaultTopic = "voice-processing-status"
	// DefaultPartitions is the number of partition subjects per topic.
	DefaultPartitions = 3

	// MessageIDHeader carries the submission id alongside the JSON payload.
	MessageIDHeader = "Voice-Message-Id"
)

var _ core.EventPublisher = (*Publisher)(nil)

// Config describes the stream the publisher writes to.
type Config struct {
	Topic      string
	Partitions int
	Replicas   int
	// DuplicateWindow bounds JetStream's Nats-Msg-Id de-duplication.
	DuplicateWindow time.Duration
	MaxAge          time.Duration
}

func (c *Config) sanitize() {
	c.Topic = strings.TrimSpace(c.Topic)
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.Partitions <= 0 {
		c.Partitions = DefaultPartitions
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 2 * time.Minute
	}
}

// Publisher implements core.EventPublisher on JetStream.
type Publisher struct {
	js         nats.JetStreamContext
	topic      string
	partitions int
}

// NewPublisher ensures the stream exists and returns a publisher bound to it.
func NewPublisher(js nats.JetStreamContext, cfg Config) (*Publisher, error) {
	if js == nil {
		return nil, errors.New("jetstream context is required")
	}
	cfg.sanitize()
	if strings.ContainsAny(cfg.Topic, ". *>") {
		return nil, fmt.Errorf("topic %q must not contain '.', '*', '>' or spaces", cfg.Topic)
	}

	streamCfg := &nats.StreamConfig{
		Name:        cfg.Topic,
		Description: "Voice message status events",
		Subjects:    []string{cfg.Topic + ".*"},
		Storage:     nats.FileStorage,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.DuplicateWindow,
		MaxAge:      cfg.MaxAge,
	}
	if _, err := js.StreamInfo(cfg.Topic); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("lookup stream %q: %w", cfg.Topic, err)
		}
		if _, err := js.AddStream(streamCfg); err != nil {
			return nil, fmt.Errorf("create stream %q: %w", cfg.Topic, err)
		}
	}

	return &Publisher{js: js, topic: cfg.Topic, partitions: cfg.Partitions}, nil
}

// Subject returns the partition subject for a submission id.
func (p *Publisher) Subject(messageID string) string {
	return p.topic + "." + strconv.Itoa(Partition(messageID, p.partitions))
}

// Publish sends evt and waits for the stream acknowledgement. The event id doubles as
// the JetStream message id, so redelivery from the outbox is de-duplicated server side.
func (p *Publisher) Publish(ctx context.Context, evt model.StatusEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return apperrors.Publish(err, "encode status event")
	}
	msg := nats.NewMsg(p.Subject(evt.MessageID))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, evt.EventID)
	msg.Header.Set(MessageIDHeader, evt.MessageID)

	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return apperrors.Publish(err, "publish status event")
	}
	return nil
}

// Partition maps a key onto [0, n) with 32-bit FNV-1a.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n)) //nolint:gosec // n is a small positive partition count
}

// LogPublisher writes events to the log instead of a bus. It is used when the event bus
// is disabled so status transitions stay observable in development.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "event_log_publisher")}
}

// Publish logs evt and never fails.
func (l *LogPublisher) Publish(ctx context.Context, evt model.StatusEvent) error {
	attrs := []any{
		"event_id", evt.EventID,
		"message_id", evt.MessageID,
		"status", evt.Status,
		"timestamp", evt.Timestamp,
	}
	if evt.ErrorMessage != nil {
		attrs = append(attrs, "error", *evt.ErrorMessage)
	}
	if evt.S3ObjectKey != nil {
		attrs = append(attrs, "object_key", *evt.S3ObjectKey)
	}
	l.logger.InfoContext(ctx, "status event", attrs...)
	return nil
}
