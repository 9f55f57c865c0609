// Package services – RetryScheduler
//
// This file implements RetryScheduler, which drains the webhook event log in
// one sequential pass: events still inside their exponential backoff window
// are skipped, task-relevant events are merged into the TaskStore, and the
// outcome is recorded back on the event. Repetition is driven from outside
// (cron); a run never loops.
package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Scheduler defaults.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 60 * time.Second
	DefaultPause      = 500 * time.Millisecond

	// maxBackoffShift keeps BaseDelay<<retry from overflowing.
	maxBackoffShift = 20
)

// TaskMerger is the TaskStore contract the scheduler depends on.
type TaskMerger interface {
	MergeFromEvent(ctx context.Context, payload map[string]any) (*domain.Task, error)
}

// RunResult summarizes one scheduler pass.
type RunResult struct {
	Scanned   int `json:"scanned"`
	Processed int `json:"processed"`
	NoOp      int `json:"noop"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Exceeded  int `json:"exceeded"`
	// Errors counts events whose outcome could not be recorded; they are
	// picked up again by the next run.
	Errors int `json:"errors"`
}

// RetryScheduler applies pending webhook events to the TaskStore.
type RetryScheduler struct {
	Events *EventLog
	Tasks  TaskMerger
	Sink   DeadLetterSink
	Keys   PayloadKeys
	Log    zerolog.Logger

	MaxRetries int
	BaseDelay  time.Duration
	// Pause is the minimum spacing between two applied events. Zero disables it.
	Pause time.Duration

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	running sync.Mutex
}

// NewRetryScheduler constructs a scheduler with the default limits.
func NewRetryScheduler(events *EventLog, tasks TaskMerger, sink DeadLetterSink, log zerolog.Logger) *RetryScheduler {
	return &RetryScheduler{
		Events:     events,
		Tasks:      tasks,
		Sink:       sink,
		Keys:       DefaultPayloadKeys(),
		Log:        log,
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		Pause:      DefaultPause,
	}
}

func (s *RetryScheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *RetryScheduler) maxRetries() int {
	if s.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return s.MaxRetries
}

// Backoff returns the wait required after attempt number retryCount.
func (s *RetryScheduler) Backoff(retryCount int) time.Duration {
	base := s.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if retryCount > maxBackoffShift {
		retryCount = maxBackoffShift
	}
	if retryCount < 0 {
		retryCount = 0
	}
	return base * time.Duration(1<<uint(retryCount))
}

// inBackoff reports whether ev must wait longer before its next attempt.
func (s *RetryScheduler) inBackoff(ev *domain.WebhookEvent, now time.Time) bool {
	if ev.LastRetryAt == nil {
		return false
	}
	return now.Sub(*ev.LastRetryAt) < s.Backoff(ev.RetryCount)
}

// Run makes one pass over the pending backlog. Failing to list the backlog
// aborts the run before any event is touched; per-event failures are
// recorded on the event and never abort the pass.
func (s *RetryScheduler) Run(ctx context.Context) (RunResult, error) {
	var res RunResult
	if !s.running.TryLock() {
		return res, ErrRunInProgress
	}
	defer s.running.Unlock()

	tr := otel.Tracer("services/RetryScheduler")
	ctx, span := tr.Start(ctx, "Run")
	defer span.End()

	start := time.Now()
	defer func() { schedulerRunDuration.Observe(time.Since(start).Seconds()) }()

	events, err := s.Events.ListPending(ctx, s.maxRetries())
	if err != nil {
		s.Log.Error().Err(err).Msg("scheduler: list pending events")
		return res, err
	}

	var limiter *rate.Limiter
	if s.Pause > 0 {
		limiter = rate.NewLimiter(rate.Every(s.Pause), 1)
	}

	for i := range events {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ev := &events[i]
		res.Scanned++

		if s.inBackoff(ev, s.now()) {
			res.Skipped++
			schedulerEvents.WithLabelValues("skipped").Inc()
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return res, err
			}
		}
		s.handle(ctx, ev, &res)
	}

	span.SetAttributes(
		attribute.Int("events.scanned", res.Scanned),
		attribute.Int("events.processed", res.Processed),
		attribute.Int("events.failed", res.Failed),
	)
	s.Log.Info().
		Int("scanned", res.Scanned).
		Int("processed", res.Processed).
		Int("noop", res.NoOp).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Int("exceeded", res.Exceeded).
		Msg("scheduler run complete")
	return res, nil
}

// handle applies one event and records its outcome.
func (s *RetryScheduler) handle(ctx context.Context, ev *domain.WebhookEvent, res *RunResult) {
	applied, err := s.apply(ctx, ev)
	if err == nil {
		if merr := s.Events.MarkProcessed(ctx, ev.ID); merr != nil {
			res.Errors++
			s.Log.Error().Err(merr).Str("event_id", ev.ID).Msg("scheduler: mark processed")
			return
		}
		if applied {
			res.Processed++
			schedulerEvents.WithLabelValues("processed").Inc()
		} else {
			res.NoOp++
			schedulerEvents.WithLabelValues("noop").Inc()
		}
		return
	}

	updated, merr := s.Events.MarkFailed(ctx, ev.ID, err.Error())
	if merr != nil {
		res.Errors++
		s.Log.Error().Err(merr).Str("event_id", ev.ID).Msg("scheduler: mark failed")
		return
	}
	res.Failed++
	schedulerEvents.WithLabelValues("failed").Inc()
	s.Log.Warn().
		Err(err).
		Str("event_id", ev.ID).
		Int("retry_count", updated.RetryCount).
		Msg("scheduler: event failed")

	if updated.RetryCount < s.maxRetries() {
		return
	}
	res.Exceeded++
	schedulerEvents.WithLabelValues("exceeded").Inc()
	if s.Sink == nil {
		return
	}
	sig := ExceededRetries{
		EventID:    updated.ID,
		TaskID:     updated.TaskID,
		EventType:  updated.EventType,
		RetryCount: updated.RetryCount,
		LastError:  updated.LastError,
		At:         s.now(),
	}
	if serr := s.Sink.ExceededRetries(ctx, sig); serr != nil {
		s.Log.Error().Err(serr).Str("event_id", ev.ID).Msg("scheduler: dead-letter sink")
	}
}

// apply merges ev into the TaskStore when it is task-relevant. It reports
// whether a merge happened; irrelevant or unidentifiable events succeed as
// no-ops.
func (s *RetryScheduler) apply(ctx context.Context, ev *domain.WebhookEvent) (bool, error) {
	payload, err := DecodePayload(ev.Payload)
	if err != nil {
		return false, nil
	}
	if ev.TaskID != "" && s.Keys.TaskIDOf(payload) == "" && len(s.Keys.TaskID) > 0 {
		payload[s.Keys.TaskID[0]] = ev.TaskID
	}
	if !isTaskEvent(ev.EventType) && s.Keys.TaskIDOf(payload) == "" {
		return false, nil
	}
	if _, err := s.Tasks.MergeFromEvent(ctx, payload); err != nil {
		if errors.Is(err, ErrMissingTaskIdentifier) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

var taskMarkers = []string{"task", "order", "job"}

// isTaskEvent reports whether eventType names a task, order or job event.
func isTaskEvent(eventType string) bool {
	folded := cases.Fold().String(eventType)
	for _, m := range taskMarkers {
		if strings.Contains(folded, m) {
			return true
		}
	}
	return false
}
