package metrics

import (
	"time"

	obserrors "github.com/target/voice-message-api/internal/observability/errors"
	"github.com/target/voice-message-api/internal/observability/statsd"
)

// OutboxBatchMetric summarises one dispatcher pass over the outbox.
type OutboxBatchMetric struct {
	Fetched   int
	Published int
	Failed    int
	Elapsed   time.Duration
	Err       error
}

// EmitOutboxBatch emits outbox dispatcher metrics for one batch.
func EmitOutboxBatch(sink statsd.Sink, in OutboxBatchMetric) {
	if sink == nil {
		return
	}

	result := ResultSuccess
	switch {
	case in.Err != nil || in.Failed > 0:
		result = ResultError
	case in.Fetched == 0:
		result = ResultNoop
	}

	tags := map[string]string{"result": result}
	if in.Err != nil {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("outbox.batch", 1, tags)
	if in.Published > 0 {
		sink.Count("outbox.published", int64(in.Published), nil)
	}
	if in.Failed > 0 {
		sink.Count("outbox.publish_failed", int64(in.Failed), nil)
	}
	if in.Elapsed > 0 && in.Fetched > 0 {
		sink.Timing("outbox.batch_duration", in.Elapsed, CloneTags(tags))
	}
}
