// Package main is the entrypoint for the job engine worker.
//
// The worker is a multiplexer over the engine's batch operations:
// processing due agent tasks, dispatching due campaign steps and recovering
// rows a dead worker left in flight. Under AWS
// Lambda an EventBridge rule sends a Payload naming the operation; anywhere
// else the worker runs both operations on a ticker and serves health
// endpoints.
//
// Each run takes a short job lock per (operation, minute) so overlapping
// triggers do not duplicate work, and records a job_history row.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"marketpulse/internal/app"
	"marketpulse/internal/health"
	"marketpulse/internal/jobs"
	"marketpulse/internal/schedule"
	"marketpulse/internal/types"
)

// Operation names a batch operation the worker can run.
type Operation string

const (
	OpProcessJobs       Operation = "process_jobs"
	OpDispatchSchedules Operation = "dispatch_schedules"
	OpRecoverStale      Operation = "recover_stale"
)

func (op Operation) known() bool {
	switch op {
	case OpProcessJobs, OpDispatchSchedules, OpRecoverStale:
		return true
	}
	return false
}

// Payload is the EventBridge input.
type Payload struct {
	Operation Operation `json:"operation"`
	Limit     int       `json:"limit,omitempty"`
}

// JobProcessor runs due agent tasks.
type JobProcessor interface {
	ProcessPendingJobs(ctx context.Context, limit int) jobs.BatchSummary
	RecoverStaleJobs(ctx context.Context, olderThan time.Duration) (int, error)
}

// ScheduleDispatcher hands due campaign steps to delivery.
type ScheduleDispatcher interface {
	ProcessDueSchedules(ctx context.Context, limit int) schedule.DispatchSummary
	RecoverStaleSchedules(ctx context.Context, olderThan time.Duration) (int, error)
}

// JobLocker abstracts the distributed lock.
type JobLocker interface {
	Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID, workerID string) error
}

// JobHistorian abstracts job history recording.
type JobHistorian interface {
	Start(ctx context.Context, jobType, workerID string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// Handler holds the dependencies of one worker process.
type Handler struct {
	Jobs       JobProcessor
	Schedules  ScheduleDispatcher
	JobLock    JobLocker
	JobHistory JobHistorian
	WorkerID   string
	BatchLimit int
	LockTTL    time.Duration
	Logger     *slog.Logger

	// Rows in flight longer than these are recovered by recover_stale.
	TaskStaleAfter     time.Duration
	ScheduleStaleAfter time.Duration

	// Now is the clock used for lock ids; nil means time.Now.
	Now func() time.Time
}

// Result reports one Handle call.
type Result struct {
	Operation Operation          `json:"operation"`
	Skipped   bool               `json:"skipped,omitempty"`
	Processed int                `json:"processed"`
	Failed    int                `json:"failed"`
	Errors    []types.BatchError `json:"errors,omitempty"`
}

// Handle runs one operation under its job lock.
func (h *Handler) Handle(ctx context.Context, payload Payload) (Result, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clock := h.Now
	if clock == nil {
		clock = time.Now
	}
	now := clock().UTC()
	limit := payload.Limit
	if limit <= 0 {
		limit = h.BatchLimit
	}
	res := Result{Operation: payload.Operation}

	if !payload.Operation.known() {
		return res, fmt.Errorf("unknown operation: %q", payload.Operation)
	}

	ctx = types.WithWorkerID(types.WithRequestID(ctx, uuid.NewString()), h.WorkerID)

	lockID := fmt.Sprintf("%s:%s", payload.Operation, now.Truncate(time.Minute).Format("2006-01-02T15:04"))
	acquired, err := h.JobLock.Acquire(ctx, lockID, h.WorkerID, h.LockTTL)
	if err != nil {
		return res, fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock held by another worker, skipping", "lock_id", lockID)
		res.Skipped = true
		return res, nil
	}
	defer func() {
		if err := h.JobLock.Release(context.WithoutCancel(ctx), lockID, h.WorkerID); err != nil {
			logger.WarnContext(ctx, "failed to release job lock", "lock_id", lockID, "error", err)
		}
	}()

	jobID, err := h.JobHistory.Start(ctx, string(payload.Operation), h.WorkerID)
	if err != nil {
		// History is for operators; the batch still runs.
		logger.ErrorContext(ctx, "failed to start job history", "operation", payload.Operation, "error", err)
		jobID = 0
	}

	runErr := h.dispatch(ctx, payload.Operation, limit, &res)

	if jobID != 0 {
		status := types.JobStatusSuccess
		if runErr != nil {
			status = types.JobStatusFailed
		}
		if err := h.JobHistory.Finish(context.WithoutCancel(ctx), jobID, status, res.Processed, runErr); err != nil {
			logger.ErrorContext(ctx, "failed to finish job history", "job_id", jobID, "error", err)
		}
	}

	if runErr != nil {
		return res, fmt.Errorf("operation %s failed: %w", payload.Operation, runErr)
	}
	logger.InfoContext(ctx, "operation complete",
		"operation", payload.Operation,
		"processed", res.Processed,
		"failed", res.Failed,
		"errors", len(res.Errors),
	)
	return res, nil
}

// dispatch runs op. The returned error is set only when the batch could not
// fetch its due set or a recovery sweep failed.
func (h *Handler) dispatch(ctx context.Context, op Operation, limit int, res *Result) error {
	switch op {
	case OpProcessJobs:
		s := h.Jobs.ProcessPendingJobs(ctx, limit)
		res.Processed, res.Failed, res.Errors = s.Processed, s.Failed, s.Errors
	case OpDispatchSchedules:
		s := h.Schedules.ProcessDueSchedules(ctx, limit)
		res.Processed, res.Failed, res.Errors = s.Processed, s.Failed, s.Errors
	case OpRecoverStale:
		return h.recoverStale(ctx, res)
	}
	return batchFailure(res.Errors)
}

// recoverStale runs both sweeps; one failing does not skip the other.
func (h *Handler) recoverStale(ctx context.Context, res *Result) error {
	tasks, taskErr := h.Jobs.RecoverStaleJobs(ctx, h.TaskStaleAfter)
	steps, stepErr := h.Schedules.RecoverStaleSchedules(ctx, h.ScheduleStaleAfter)
	res.Processed = tasks + steps
	return errors.Join(taskErr, stepErr)
}

func batchFailure(errs []types.BatchError) error {
	for _, e := range errs {
		if e.JobID == types.SyntheticBatchJobID {
			return errors.New(e.Message)
		}
	}
	return nil
}

// runLoop runs every operation each interval until ctx is cancelled.
func runLoop(ctx context.Context, h *Handler, interval time.Duration) {
	tick := func() {
		for _, op := range []Operation{OpRecoverStale, OpDispatchSchedules, OpProcessJobs} {
			if _, err := h.Handle(ctx, Payload{Operation: op}); err != nil {
				h.Logger.ErrorContext(ctx, "scheduled run failed", "operation", op, "error", err)
			}
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg.LogLevel)
	workerID := uuid.NewString()
	logger.Info("worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"worker_id", workerID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	h := &Handler{
		Jobs:       a.Processor,
		Schedules:  a.Dispatcher,
		JobLock:    a.JobLocks,
		JobHistory: a.JobHistory,
		WorkerID:   workerID,
		BatchLimit: cfg.Scheduler.BatchLimit,
		LockTTL:    cfg.Scheduler.LockTTL,
		Logger:     logger,

		TaskStaleAfter:     cfg.Generation.Timeout + cfg.Scheduler.StaleGrace,
		ScheduleStaleAfter: cfg.Scheduler.StaleGrace,
	}

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		lambda.StartWithOptions(h.Handle, lambda.WithContext(ctx))
		return nil
	}

	hs := health.NewServer(cfg.Build.Version, logger, a.Probes()...)
	ln, err := net.Listen("tcp", ":"+cfg.Server.HealthPort)
	if err != nil {
		return fmt.Errorf("health listener: %w", err)
	}
	go func() {
		if err := hs.Serve(ln); err != nil {
			logger.Error("health server stopped", "error", err)
		}
	}()

	logger.Info("polling for due work", "interval", cfg.Scheduler.PollInterval.String())
	runLoop(ctx, h, cfg.Scheduler.PollInterval)

	logger.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}
