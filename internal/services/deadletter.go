package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ExceededRetries is the terminal signal emitted when an event's retry count
// reaches the scheduler's maximum. The event itself stays failed.
type ExceededRetries struct {
	EventID    string    `json:"event_id"`
	TaskID     string    `json:"task_id,omitempty"`
	EventType  string    `json:"event_type,omitempty"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error"`
	At         time.Time `json:"at"`
}

// DeadLetterSink receives ExceededRetries signals for operator visibility.
type DeadLetterSink interface {
	ExceededRetries(ctx context.Context, sig ExceededRetries) error
}

// LogSink reports signals as error-level log lines.
type LogSink struct {
	Log zerolog.Logger
}

// ExceededRetries implements DeadLetterSink.
func (s LogSink) ExceededRetries(_ context.Context, sig ExceededRetries) error {
	s.Log.Error().
		Str("event_id", sig.EventID).
		Str("task_id", sig.TaskID).
		Str("event_type", sig.EventType).
		Int("retry_count", sig.RetryCount).
		Str("last_error", sig.LastError).
		Msg("webhook event exceeded retries")
	return nil
}

// MultiSink fans a signal out to every sink and returns the first error.
type MultiSink []DeadLetterSink

// ExceededRetries implements DeadLetterSink.
func (m MultiSink) ExceededRetries(ctx context.Context, sig ExceededRetries) error {
	var first error
	for _, s := range m {
		if err := s.ExceededRetries(ctx, sig); err != nil && first == nil {
			first = err
		}
	}
	return first
}
