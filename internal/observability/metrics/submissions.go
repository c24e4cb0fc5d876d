package metrics

import (
	"time"

	obserrors "github.com/target/voice-message-api/internal/observability/errors"
	"github.com/target/voice-message-api/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// SubmissionMetric captures details about a submission lifecycle event for metric emission.
type SubmissionMetric struct {
	// Transition is the status the submission moved to (received, processing, completed, failed).
	Transition string
	// Stage is the pipeline step that produced the transition, if any.
	Stage    string
	Result   string
	Duration time.Duration
	Err      error
}

// EmitSubmissionTransition emits standardised submission lifecycle metrics.
func EmitSubmissionTransition(sink statsd.Sink, in SubmissionMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Stage != "" {
		tags["stage"] = in.Stage
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("submission.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("submission.duration", in.Duration, CloneTags(tags))
	}
}

// EmitAudioBytes records the size of a stored synthesis result.
func EmitAudioBytes(sink statsd.Sink, size int) {
	if sink == nil || size <= 0 {
		return
	}
	sink.Gauge("submission.audio_bytes", float64(size), nil)
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
