// Package statsd emits DogStatsD-style metrics over UDP. Lines are coalesced into
// packets of at most MaxPacketSize bytes and flushed when a packet fills up, on
// every FlushInterval tick, and on Close.
package statsd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxPacketSize = 1432 // fits a 1500-byte MTU after IP/UDP headers
	defaultFlushInterval = time.Second
	dialTimeout          = 5 * time.Second
)

// Sink describes the minimal interface required to emit StatsD-style metrics.
type Sink interface {
	Count(name string, value int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, value time.Duration, tags map[string]string)
}

// Config describes how to connect to a StatsD-compatible sink.
type Config struct {
	Enabled       bool
	Address       string
	Prefix        string
	GlobalTags    map[string]string
	MaxPacketSize int           // default 1432
	FlushInterval time.Duration // default 1s
	Logger        *slog.Logger
}

// Client buffers metric lines and writes them to a UDP connection. It is safe for
// concurrent use; a nil *Client discards everything.
type Client struct {
	prefix     string
	globalTags []tag
	maxPacket  int
	logger     *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	buf  []byte

	stop chan struct{}
	done chan struct{}
}

var _ Sink = (*Client)(nil)

type tag struct{ key, value string }

// NewClient dials the configured endpoint. A disabled config (or an empty address)
// yields a client that drops every metric.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		prefix:     strings.Trim(strings.TrimSpace(cfg.Prefix), "."),
		globalTags: normalizeTags(cfg.GlobalTags),
		maxPacket:  cfg.MaxPacketSize,
		logger:     logger.With("component", "statsd"),
	}
	if c.maxPacket <= 0 {
		c.maxPacket = defaultMaxPacketSize
	}

	address := strings.TrimSpace(cfg.Address)
	if !cfg.Enabled || address == "" {
		return c, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", address, err)
	}
	c.conn = conn
	c.buf = make([]byte, 0, c.maxPacket)

	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.flushLoop(interval)

	return c, nil
}

// Enabled reports whether the client is connected.
func (c *Client) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Count adds value to a counter.
func (c *Client) Count(name string, value int64, tags map[string]string) {
	c.emit(name, strconv.AppendInt(nil, value, 10), "c", tags)
}

// Gauge records the current value of a gauge.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	c.emit(name, strconv.AppendFloat(nil, value, 'f', -1, 64), "g", tags)
}

// Timing records a duration in milliseconds.
func (c *Client) Timing(name string, value time.Duration, tags map[string]string) {
	ms := float64(value) / float64(time.Millisecond)
	c.emit(name, strconv.AppendFloat(nil, ms, 'f', -1, 64), "ms", tags)
}

// Flush writes any buffered lines immediately.
func (c *Client) Flush() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

// Close flushes buffered lines, stops the flush loop, and closes the connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.flushLocked()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.stop)
	<-c.done
	return conn.Close()
}

func (c *Client) flushLoop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}

func (c *Client) emit(name string, value []byte, kind string, tags map[string]string) {
	if c == nil {
		return
	}
	metric := c.metricName(name)
	if metric == "" {
		return
	}
	line := c.appendLine(nil, metric, value, kind, tags)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if len(c.buf) > 0 && len(c.buf)+1+len(line) > c.maxPacket {
		c.flushLocked()
	}
	if len(c.buf) > 0 {
		c.buf = append(c.buf, '\n')
	}
	c.buf = append(c.buf, line...)
	if len(c.buf) >= c.maxPacket {
		c.flushLocked()
	}
}

func (c *Client) flushLocked() {
	if c.conn == nil || len(c.buf) == 0 {
		return
	}
	if _, err := c.conn.Write(c.buf); err != nil {
		c.logger.Debug("statsd write failed", "error", err, "bytes", len(c.buf))
	}
	c.buf = c.buf[:0]
}

// appendLine renders "<metric>:<value>|<kind>[|#k:v,...]" with global tags
// overridden by per-call tags and keys sorted.
func (c *Client) appendLine(dst []byte, metric string, value []byte, kind string, tags map[string]string) []byte {
	dst = append(dst, metric...)
	dst = append(dst, ':')
	dst = append(dst, value...)
	dst = append(dst, '|')
	dst = append(dst, kind...)

	merged := mergeTags(c.globalTags, tags)
	for i, t := range merged {
		if i == 0 {
			dst = append(dst, "|#"...)
		} else {
			dst = append(dst, ',')
		}
		dst = append(dst, t.key...)
		dst = append(dst, ':')
		dst = append(dst, t.value...)
	}
	return dst
}

func (c *Client) metricName(name string) string {
	n := normalizeMetricName(name)
	switch {
	case n == "":
		return ""
	case c.prefix == "":
		return n
	default:
		return c.prefix + "." + n
	}
}

// normalizeMetricName replaces characters the line protocol reserves and collapses
// empty path segments.
func normalizeMetricName(name string) string {
	n := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', ':', '|', '@', '#', ',', '\n':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	parts := strings.FieldsFunc(n, func(r rune) bool { return r == '.' })
	return strings.Join(parts, ".")
}

func normalizeTags(in map[string]string) []tag {
	out := make([]tag, 0, len(in))
	for k, v := range in {
		if key := sanitizeTag(k); key != "" {
			out = append(out, tag{key: key, value: sanitizeTag(v)})
		}
	}
	slices.SortFunc(out, func(a, b tag) int { return strings.Compare(a.key, b.key) })
	return out
}

func mergeTags(global []tag, local map[string]string) []tag {
	if len(local) == 0 {
		return global
	}
	merged := normalizeTags(local)
	for _, g := range global {
		if !slices.ContainsFunc(merged, func(t tag) bool { return t.key == g.key }) {
			merged = append(merged, g)
		}
	}
	slices.SortFunc(merged, func(a, b tag) int { return strings.Compare(a.key, b.key) })
	return merged
}

func sanitizeTag(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ',', '|', '#', '\n':
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
}
