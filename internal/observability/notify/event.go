package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// SeverityAtLeast reports whether severity meets minimum. An empty minimum accepts
// everything; unknown severities rank below warning.
func SeverityAtLeast(severity, minimum string) bool {
	if minimum == "" {
		return true
	}
	return severityRank(severity) >= severityRank(minimum)
}

func severityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// SubmissionFailurePayload captures the canonical data we emit when a submission ends FAILED.
type SubmissionFailurePayload struct {
	SubmissionID string
	RequestedBy  string
	// Stage names the pipeline step that failed (synthesize, upload, finalize, reap).
	Stage      string
	Error      string
	ErrorClass string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Sink describes a destination capable of consuming submission failure notifications.
type Sink interface {
	SendSubmissionFailure(ctx context.Context, payload SubmissionFailurePayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload SubmissionFailurePayload) error

// SendSubmissionFailure implements the Sink interface.
func (f SinkFunc) SendSubmissionFailure(ctx context.Context, payload SubmissionFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
