package audit

import (
	"context"
	"strings"

	"github.com/meridianos/chartmerge/pkg/common/kafka"
	"github.com/meridianos/chartmerge/pkg/common/logger"
)

// Audit event types.
const (
	EventMergeCompleted   = "merge_completed"
	EventMergeFailed      = "merge_failed"
	EventRollback         = "rollback"
	EventReviewTransition = "review_transition"
)

// Sink publishes one audit event per merge, rollback and review transition.
// Payloads pass through a scrubber so raw clinical values can never reach the
// audit topic, only identifiers and counts. A nil producer turns the sink
// into a logger-only no-op, which is how tests run.
type Sink struct {
	producer *kafka.Producer
	source   string
}

func NewSink(producer *kafka.Producer) *Sink {
	return &Sink{producer: producer, source: "merge-engine"}
}

func (s *Sink) Publish(ctx context.Context, eventType string, data map[string]interface{}) {
	scrubbed := Scrub(data)

	if s == nil || s.producer == nil {
		logger.Log.WithField("event_type", eventType).Debug("audit sink disabled, event dropped")
		return
	}

	if err := s.producer.PublishEvent(ctx, eventType, s.source, scrubbed); err != nil {
		// Audit delivery failures must not fail the clinical operation;
		// the event is logged for later reconciliation.
		logger.Log.WithError(err).WithField("event_type", eventType).Error("failed to publish audit event")
	}
}

// Keys whose values are clinical or demographic content. Matched as
// substrings of the lowercased key.
var sensitiveKeys = []string{
	"value", "dosage", "frequency", "description", "concept", "medication",
	"substance", "name", "birth", "dob", "text", "fields", "reaction",
}

// Scrub recursively removes clinically sensitive values from an audit
// payload. Maps and slices are walked; offending keys are dropped entirely
// rather than masked so even value shape does not leak.
func Scrub(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		if isSensitiveKey(key) {
			continue
		}
		out[key] = scrubValue(value)
	}
	return out
}

func scrubValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return Scrub(v)
	case []interface{}:
		out := make([]interface{}, 0, len(v))
		for _, item := range v {
			out = append(out, scrubValue(item))
		}
		return out
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}
