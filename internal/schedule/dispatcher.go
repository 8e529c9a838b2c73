package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"marketpulse/internal/types"
)

// Sender hands a due step to the delivery system. It returns an identifier
// for the hand-off (a queue message id).
type Sender interface {
	SendStep(ctx context.Context, entry *types.ScheduleEntry) (string, error)
}

// DispatchMetrics receives per-batch dispatch counts.
type DispatchMetrics interface {
	RecordDispatch(ctx context.Context, sent, failed int)
}

// DispatchSummary reports one ProcessDueSchedules call.
type DispatchSummary struct {
	Processed int                `json:"processed"`
	Sent      int                `json:"sent"`
	Failed    int                `json:"failed"`
	Skipped   int                `json:"skipped"`
	Errors    []types.BatchError `json:"errors"`
}

// Dispatcher moves due schedule entries through queued and sending to a
// final status.
type Dispatcher struct {
	svc         *Service
	sender      Sender
	metrics     DispatchMetrics
	concurrency int
	logger      *slog.Logger
}

// NewDispatcher builds a dispatcher. metrics may be nil.
func NewDispatcher(svc *Service, sender Sender, metrics DispatchMetrics, concurrency int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Dispatcher{svc: svc, sender: sender, metrics: metrics, concurrency: concurrency, logger: logger}
}

type dispatchOutcome int

const (
	outcomeSent dispatchOutcome = iota
	outcomeFailed
	outcomeSkipped
)

// ProcessDueSchedules dispatches up to limit due entries concurrently. Each
// entry is claimed with compare-and-swap transitions, so an entry cancelled
// or claimed elsewhere in the meantime is skipped. One entry's failure never
// stops the others. When the due set cannot be read the summary carries a
// single synthetic error and nothing is processed.
func (d *Dispatcher) ProcessDueSchedules(ctx context.Context, limit int) DispatchSummary {
	summary := DispatchSummary{Errors: []types.BatchError{}}

	due, err := d.svc.GetDueSchedules(ctx, limit)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to fetch due schedules", "error", err)
		summary.Errors = append(summary.Errors, types.BatchError{
			JobID:   types.SyntheticBatchJobID,
			Message: err.Error(),
		})
		return summary
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for _, entry := range due {
		g.Go(func() error {
			outcome, err := d.dispatchOne(gctx, entry)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeSent:
				summary.Sent++
			case outcomeSkipped:
				summary.Skipped++
			default:
				summary.Failed++
			}
			if outcome != outcomeSkipped {
				summary.Processed++
			}
			if err != nil {
				summary.Errors = append(summary.Errors, types.BatchError{JobID: entry.ID, Message: err.Error()})
			}
			// Errors stay per entry; returning nil keeps the group's
			// context alive for the rest of the batch.
			return nil
		})
	}
	_ = g.Wait()

	if d.metrics != nil {
		d.metrics.RecordDispatch(ctx, summary.Sent, summary.Failed)
	}
	d.logger.InfoContext(ctx, "schedule dispatch complete",
		"due", len(due),
		"sent", summary.Sent,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)
	return summary
}

// RecoverStaleSchedules pushes queued or sending entries untouched for
// olderThan back through the retry path and returns how many it moved.
func (d *Dispatcher) RecoverStaleSchedules(ctx context.Context, olderThan time.Duration) (int, error) {
	rows, err := d.svc.RecoverStale(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, r := range rows {
		if !r.Requeued {
			failed++
		}
	}
	if d.metrics != nil && failed > 0 {
		d.metrics.RecordDispatch(ctx, 0, failed)
	}
	if len(rows) > 0 {
		d.logger.WarnContext(ctx, "stale schedules recovered", "recovered", len(rows), "failed", failed)
	}
	return len(rows), nil
}

// dispatchOne returns a non-nil error only for failures the caller should
// surface in the batch error list: store errors, and send errors that were
// recorded as failures.
func (d *Dispatcher) dispatchOne(ctx context.Context, entry *types.ScheduleEntry) (dispatchOutcome, error) {
	log := d.logger.With("schedule_id", entry.ID, "campaign_id", entry.CampaignID)

	for _, next := range []types.ScheduleStatus{types.ScheduleStatusQueued, types.ScheduleStatusSending} {
		if _, err := d.svc.UpdateScheduleStatus(ctx, entry.ID, next, types.ScheduleUpdate{}); err != nil {
			if types.CodeOf(err).Category() == types.CategoryConflict {
				log.InfoContext(ctx, "schedule claimed or cancelled elsewhere, skipping", "target", string(next))
				return outcomeSkipped, nil
			}
			return outcomeFailed, err
		}
	}

	msgID, sendErr := d.sender.SendStep(ctx, entry)

	// The entry is in sending now; its outcome is written even if the
	// batch is cancelled, or it would stay in flight until recovered.
	ctx = context.WithoutCancel(ctx)
	if sendErr != nil {
		updated, err := d.svc.UpdateScheduleStatus(ctx, entry.ID, types.ScheduleStatusFailed,
			types.ScheduleUpdate{ErrorMessage: sendErr.Error()})
		if err != nil {
			return outcomeFailed, err
		}
		log.WarnContext(ctx, "schedule send failed",
			"error", sendErr,
			"status", string(updated.Status),
			"retry_count", updated.RetryCount,
		)
		return outcomeFailed, sendErr
	}

	if _, err := d.svc.UpdateScheduleStatus(ctx, entry.ID, types.ScheduleStatusSent, types.ScheduleUpdate{}); err != nil {
		return outcomeFailed, err
	}
	log.InfoContext(ctx, "schedule handed to delivery", "message_id", msgID)
	return outcomeSent, nil
}
