// Package retry implements the fixed-delay, bounded-count failure policy
// shared by schedule sends and agent tasks.
package retry

import (
	"context"
	"fmt"
	"time"

	"marketpulse/internal/types"
)

// Fixed delay, not exponential: a late campaign send loses value quickly,
// so the wait stays flat and the attempt count is capped.
const (
	ScheduleRetryDelay        = 5 * time.Minute
	DefaultScheduleMaxRetries = 3
	DefaultTaskRetryDelay     = time.Minute
	DefaultTaskMaxRetries     = 2
)

// Policy is the retry budget applied to one kind of job.
type Policy struct {
	MaxRetries int
	Delay      time.Duration
}

// SchedulePolicy is the default policy for campaign sends.
func SchedulePolicy() Policy {
	return Policy{MaxRetries: DefaultScheduleMaxRetries, Delay: ScheduleRetryDelay}
}

// TaskPolicy is the default policy for agent tasks.
func TaskPolicy() Policy {
	return Policy{MaxRetries: DefaultTaskMaxRetries, Delay: DefaultTaskRetryDelay}
}

// NextAttempt returns when a job failing at now may run again.
func (p Policy) NextAttempt(now time.Time) time.Time {
	return now.Add(p.Delay)
}

// Retryable reports whether a failure with code may be retried. Only
// transient failures are; configuration, validation, not-found and conflict
// failures are final on first sight.
func Retryable(code types.ErrorCode) bool {
	return code.Category() == types.CategoryTransient
}

// FailureStore records a failure atomically: bump the retry counter and
// either re-queue at nextRetryAt or fail terminally. applied is false when
// the row no longer accepts failures (missing or already terminal).
type FailureStore interface {
	FailWithRetry(ctx context.Context, id, reason string, nextRetryAt time.Time) (state types.RetryState, applied bool, err error)
}

// Outcome is the controller's verdict on one failure.
type Outcome struct {
	types.RetryState
	// Applied is false when the failure arrived after the row was already
	// terminal; nothing changed.
	Applied bool
}

// Exhausted reports whether the failure ended the job for good.
func (o Outcome) Exhausted() bool {
	return o.Applied && !o.Requeued
}

// Controller applies a Policy to failures of one job kind.
type Controller struct {
	store  FailureStore
	policy Policy
	kind   string
	logger types.Logger
	now    func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController builds a controller for kind ("schedule", "task") that
// records failures through store.
func NewController(store FailureStore, policy Policy, kind string, logger types.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = types.NewSlogLogger(nil)
	}
	c := &Controller{
		store:  store,
		policy: policy,
		kind:   kind,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the controller's policy.
func (c *Controller) Policy() Policy {
	return c.policy
}

// WriteFunc records one failure with the retry time the controller chose.
type WriteFunc func(ctx context.Context, nextRetryAt time.Time) (types.RetryState, bool, error)

// RecordFailure stores reason against id and reports whether the job was
// re-queued or is now terminally failed. Exhaustion is logged at error level
// so no terminal failure goes unreported.
func (c *Controller) RecordFailure(ctx context.Context, id, reason string) (Outcome, error) {
	return c.RecordFailureWith(ctx, id, reason, func(ctx context.Context, next time.Time) (types.RetryState, bool, error) {
		return c.store.FailWithRetry(ctx, id, reason, next)
	})
}

// RecordFailureWith is RecordFailure with a caller-supplied write, for stores
// that persist extra columns in the same statement as the retry bump.
func (c *Controller) RecordFailureWith(ctx context.Context, id, reason string, write WriteFunc) (Outcome, error) {
	next := c.policy.NextAttempt(c.now().UTC())

	state, applied, err := write(ctx, next)
	if err != nil {
		return Outcome{}, fmt.Errorf("RecordFailure: %w", err)
	}
	out := Outcome{RetryState: state, Applied: applied}

	switch {
	case !applied:
		c.logger.Info("failure ignored, job no longer active",
			"kind", c.kind, "id", id, "reason", reason)
	case state.Requeued:
		c.logger.Warn("job failed, retry scheduled",
			"kind", c.kind,
			"id", id,
			"retry_count", state.RetryCount,
			"max_retries", state.MaxRetries,
			"next_retry_at", next.Format(time.RFC3339),
			"reason", reason,
		)
	default:
		c.logger.Error("job permanently failed, retries exhausted",
			"kind", c.kind,
			"id", id,
			"retry_count", state.RetryCount,
			"max_retries", state.MaxRetries,
			"reason", reason,
		)
	}
	return out, nil
}

// StaleStore fails every in-flight row untouched since staleBefore in one
// statement, using the same retry bump as FailWithRetry.
type StaleStore interface {
	RecoverStale(ctx context.Context, staleBefore, nextRetryAt time.Time, reason string) ([]types.RecoveredRow, error)
}

// RecoverStale treats every row that has been in flight longer than
// olderThan as a failed attempt. Workers that die between claim and outcome
// leave such rows behind; nothing else moves them.
func (c *Controller) RecoverStale(ctx context.Context, store StaleStore, olderThan time.Duration) ([]types.RecoveredRow, error) {
	now := c.now().UTC()
	reason := fmt.Sprintf("no outcome recorded within %s of claim", olderThan)

	rows, err := store.RecoverStale(ctx, now.Add(-olderThan), c.policy.NextAttempt(now), reason)
	if err != nil {
		return nil, fmt.Errorf("RecoverStale: %w", err)
	}
	for _, r := range rows {
		if r.Requeued {
			c.logger.Warn("stale job requeued",
				"kind", c.kind, "id", r.ID,
				"retry_count", r.RetryCount, "max_retries", r.MaxRetries)
			continue
		}
		c.logger.Error("stale job permanently failed, retries exhausted",
			"kind", c.kind, "id", r.ID,
			"retry_count", r.RetryCount, "max_retries", r.MaxRetries)
	}
	return rows, nil
}
