// Package jobs runs agent tasks: it claims due tasks, routes each through
// the router and executor dispatch, stores the result and applies the retry
// policy to failures.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"marketpulse/internal/executor"
	"marketpulse/internal/retry"
	"marketpulse/internal/router"
	"marketpulse/internal/types"
)

// TaskStore is the task persistence the processor needs.
// *db.TaskRepository satisfies it.
type TaskStore interface {
	retry.FailureStore
	retry.StaleStore
	GetByID(ctx context.Context, id string) (*types.Task, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*types.Task, error)
	ClaimByID(ctx context.Context, id string) (*types.Task, bool, error)
	Complete(ctx context.Context, id string) (bool, error)
	FailTerminal(ctx context.Context, id, reason string) (bool, error)
}

// ContextProvider supplies routing context. *tenants.Provider satisfies it.
type ContextProvider interface {
	Context(ctx context.Context, tenantID string, brandID *string) (*types.TenantContext, *types.BrandContext, error)
}

// Executor runs a routed payload. *executor.Dispatcher satisfies it.
type Executor interface {
	Execute(ctx context.Context, kind types.ExecutorKind, payload types.JSONMap) executor.Result
}

// ResultSaver persists result records. *results.Store satisfies it.
type ResultSaver interface {
	Save(ctx context.Context, rec *types.ResultRecord) error
}

// BatchSummary reports one ProcessPendingJobs call. Processed always equals
// Successful + Failed.
type BatchSummary struct {
	Processed  int                `json:"processed"`
	Successful int                `json:"successful"`
	Failed     int                `json:"failed"`
	Errors     []types.BatchError `json:"errors"`
}

// Outcome describes what happened to one task.
type Outcome struct {
	TaskID   string             `json:"task_id"`
	TaskType types.TaskType     `json:"task_type"`
	Executor types.ExecutorKind `json:"executor,omitempty"`
	Status   types.TaskStatus   `json:"status"`
	Result   *executor.Result   `json:"result,omitempty"`
	Retry    *types.RetryState  `json:"retry,omitempty"`
}

// Processor is the batch processor.
type Processor struct {
	tasks       TaskStore
	contexts    ContextProvider
	exec        Executor
	results     ResultSaver
	retries     *retry.Controller
	metrics     Metrics
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// Config carries Processor dependencies.
type Config struct {
	Tasks       TaskStore
	Contexts    ContextProvider
	Executor    Executor
	Results     ResultSaver
	Policy      retry.Policy
	Metrics     Metrics
	Concurrency int
	Logger      *slog.Logger
}

// NewProcessor builds a Processor. Metrics and Logger are optional.
func NewProcessor(cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Processor{
		tasks:       cfg.Tasks,
		contexts:    cfg.Contexts,
		exec:        cfg.Executor,
		results:     cfg.Results,
		retries:     retry.NewController(cfg.Tasks, cfg.Policy, "task", types.NewSlogLogger(logger)),
		metrics:     metrics,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
	}
}

// ProcessPendingJobs claims up to limit due tasks, earliest due first, and
// runs them concurrently. Each task's outcome is stored independently. An
// execution failure counts as failed; a task that could not be driven to an
// outcome also lands in Errors with its id. If the due set cannot be
// claimed the summary holds a single synthetic error and nothing runs.
func (p *Processor) ProcessPendingJobs(ctx context.Context, limit int) BatchSummary {
	summary := BatchSummary{Errors: []types.BatchError{}}
	if limit <= 0 {
		summary.Errors = append(summary.Errors, types.BatchError{
			JobID:   types.SyntheticBatchJobID,
			Message: types.NewAppError(types.ErrCodeValidationInvalidLimit, "limit must be positive", nil).Error(),
		})
		return summary
	}

	claimed, err := p.tasks.ClaimDue(ctx, p.now().UTC(), limit)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to claim due tasks", "error", err)
		summary.Errors = append(summary.Errors, types.BatchError{JobID: types.SyntheticBatchJobID, Message: err.Error()})
		return summary
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, task := range claimed {
		g.Go(func() error {
			out, runErr := p.runClaimed(gctx, task)

			mu.Lock()
			defer mu.Unlock()
			summary.Processed++
			if runErr == nil && out.Status == types.TaskStatusCompleted {
				summary.Successful++
			} else {
				summary.Failed++
			}
			if runErr != nil {
				summary.Errors = append(summary.Errors, types.BatchError{JobID: task.ID, Message: runErr.Error()})
			}
			// Errors stay per task; returning nil keeps the rest of the batch running.
			return nil
		})
	}
	_ = g.Wait()

	p.metrics.RecordBatch(ctx, summary.Processed, summary.Successful, summary.Failed)
	p.logger.InfoContext(ctx, "task batch complete",
		"claimed", len(claimed),
		"successful", summary.Successful,
		"failed", summary.Failed,
		"errors", len(summary.Errors),
	)
	return summary
}

// RecoverStaleJobs fails every task that has been running longer than
// olderThan through the retry policy and returns how many it moved. Set
// olderThan above the executor timeout so live runs are never touched.
func (p *Processor) RecoverStaleJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	rows, err := p.retries.RecoverStale(ctx, p.tasks, olderThan)
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		p.metrics.RecordRetry(ctx, "task", !r.Requeued)
	}
	if len(rows) > 0 {
		p.logger.WarnContext(ctx, "stale tasks recovered", "recovered", len(rows))
	}
	return len(rows), nil
}

// RouteAndExecuteJob runs one task synchronously regardless of its retry
// delay. Only a pending or queued task can be run; anything else returns
// conflict_invalid_transition.
func (p *Processor) RouteAndExecuteJob(ctx context.Context, id string) (*Outcome, error) {
	task, ok, err := p.tasks.ClaimByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("RouteAndExecuteJob: %w", err)
	}
	if !ok {
		current, err := p.tasks.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictInvalidTransition,
			fmt.Sprintf("task in status %s cannot be run", current.Status), nil,
			map[string]any{"task_id": id, "status": string(current.Status)})
	}
	out, err := p.runClaimed(ctx, task)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// runClaimed drives a running task to completed, pending (retry) or
// failed. The returned error is non-nil only when the outcome could not be
// recorded.
func (p *Processor) runClaimed(ctx context.Context, task *types.Task) (Outcome, error) {
	log := p.logger.With("task_id", task.ID, "task_type", string(task.TaskType), "tenant_id", task.TenantID)
	out := Outcome{TaskID: task.ID, TaskType: task.TaskType}

	// The task is running; its outcome is written even after cancellation.
	wctx := context.WithoutCancel(ctx)

	tenant, brand, err := p.contexts.Context(ctx, task.TenantID, task.BrandID)
	if err != nil {
		return p.failErr(wctx, log, out, err)
	}

	route, err := router.RouteTask(task.TaskType, task.Payload, tenant, brand)
	if err != nil {
		return p.failErr(wctx, log, out, err)
	}
	out.Executor = route.Executor

	start := time.Now()
	res := p.exec.Execute(ctx, route.Executor, route.Payload)
	p.metrics.RecordExecution(ctx, route.Executor, task.TaskType, time.Since(start), res.Success)
	out.Result = &res

	if !res.Success {
		return p.fail(wctx, log, out, res.ErrorCode, res.Error)
	}

	rec := &types.ResultRecord{
		TaskID:          task.ID,
		TenantID:        task.TenantID,
		ResultType:      res.ResultType,
		Data:            res.Data,
		Cost:            res.Cost,
		CostSource:      res.CostSource,
		ExecutionTimeMs: res.ExecutionTimeMs,
	}
	if err := p.results.Save(wctx, rec); err != nil {
		// The task must not stay running; a lost result is retried like
		// any transient failure.
		if _, failErr := p.failErr(wctx, log, out, err); failErr != nil {
			log.ErrorContext(ctx, "failed to record result save failure", "error", failErr)
		}
		return out, fmt.Errorf("save result: %w", err)
	}

	ok, err := p.tasks.Complete(wctx, task.ID)
	if err != nil {
		return out, fmt.Errorf("complete task: %w", err)
	}
	if !ok {
		log.WarnContext(ctx, "task left running state before completion was recorded")
	}
	out.Status = types.TaskStatusCompleted
	log.InfoContext(ctx, "task completed",
		"executor", string(route.Executor),
		"cost", res.Cost,
		"cost_source", string(res.CostSource),
		"execution_time_ms", res.ExecutionTimeMs,
	)
	return out, nil
}

func (p *Processor) failErr(ctx context.Context, log *slog.Logger, out Outcome, cause error) (Outcome, error) {
	return p.fail(ctx, log, out, types.CodeOf(cause), cause.Error())
}

// fail applies the error taxonomy: transient failures go through the retry
// controller, every other category fails the task at once.
func (p *Processor) fail(ctx context.Context, log *slog.Logger, out Outcome, code types.ErrorCode, reason string) (Outcome, error) {
	if !retry.Retryable(code) {
		if _, err := p.tasks.FailTerminal(ctx, out.TaskID, reason); err != nil {
			return out, fmt.Errorf("fail task: %w", err)
		}
		out.Status = types.TaskStatusFailed
		log.WarnContext(ctx, "task failed without retry", "error_code", string(code), "error", reason)
		return out, nil
	}

	res, err := p.retries.RecordFailure(ctx, out.TaskID, reason)
	if err != nil {
		return out, fmt.Errorf("record task failure: %w", err)
	}
	if res.Applied {
		st := res.RetryState
		out.Retry = &st
		p.metrics.RecordRetry(ctx, "task", res.Exhausted())
	}
	out.Status = types.TaskStatusFailed
	if res.Requeued {
		out.Status = types.TaskStatusPending
	}
	return out, nil
}
