package db

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"marketpulse/internal/types"
)

const taskColumns = `id, tenant_id, brand_id, task_type, payload, status, retry_count, max_retries,
	next_retry_at, error_message, started_at, completed_at, created_at, updated_at`

// TaskRepository provides data access for the tasks table.
type TaskRepository struct {
	db DBTX
}

// NewTaskRepository creates a TaskRepository backed by db.
func NewTaskRepository(db DBTX) *TaskRepository {
	return &TaskRepository{db: db}
}

func scanTask(row pgx.Row) (*types.Task, error) {
	var (
		t        types.Task
		taskType string
		status   string
	)
	err := row.Scan(
		&t.ID, &t.TenantID, &t.BrandID, &taskType, &t.Payload, &status, &t.RetryCount, &t.MaxRetries,
		&t.NextRetryAt, &t.ErrorMessage, &t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.TaskType = types.TaskType(taskType)
	t.Status = types.TaskStatus(status)
	return &t, nil
}

// dueTime is the instant a task became eligible to run.
func dueTime(t *types.Task) time.Time {
	if t.NextRetryAt != nil {
		return *t.NextRetryAt
	}
	return t.CreatedAt
}

// Create inserts a new pending task.
func (r *TaskRepository) Create(ctx context.Context, t *types.Task) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO tasks (id, tenant_id, brand_id, task_type, payload, status, max_retries)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.TenantID, t.BrandID, string(t.TaskType), t.Payload, string(t.Status), t.MaxRetries)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create task", err)
	}
	return nil
}

// GetByID returns the task or a not_found_task error.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*types.Task, error) {
	t, err := scanTask(r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTask, "task not found", nil).
				WithDetails(map[string]any{"task_id": id})
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get task", err)
	}
	return t, nil
}

// ClaimDue moves up to limit due tasks to running and returns them ordered
// by due time. Rows locked by a concurrent claimer are skipped, so two
// overlapping batches never receive the same task.
func (r *TaskRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*types.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`WITH picked AS (
			SELECT id FROM tasks
			WHERE status IN ('pending', 'queued')
			  AND (next_retry_at IS NULL OR next_retry_at <= $1)
			ORDER BY COALESCE(next_retry_at, created_at) ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET status = 'running', started_at = $1, updated_at = $1
		FROM picked p
		WHERE t.id = p.id
		RETURNING `+prefixed("t.", taskColumns),
		now, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim due tasks", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan task", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating claimed tasks", err)
	}

	// RETURNING does not preserve the CTE order.
	sort.SliceStable(out, func(i, j int) bool {
		return dueTime(out[i]).Before(dueTime(out[j]))
	})
	return out, nil
}

// ClaimByID moves one pending or queued task to running regardless of its
// retry delay. The bool is false when the task is not claimable.
func (r *TaskRepository) ClaimByID(ctx context.Context, id string) (*types.Task, bool, error) {
	t, err := scanTask(r.db.QueryRow(ctx,
		`UPDATE tasks SET status = 'running', started_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'queued')
		 RETURNING `+taskColumns, id))
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim task", err)
	}
	return t, true, nil
}

// Complete marks a running task completed.
func (r *TaskRepository) Complete(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE tasks
		 SET status = 'completed', completed_at = NOW(), next_retry_at = NULL,
		     error_message = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to complete task", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailWithRetry records a failed run of a running task in one statement,
// re-queuing it at nextRetryAt while retries remain and failing it otherwise.
func (r *TaskRepository) FailWithRetry(ctx context.Context, id, reason string, nextRetryAt time.Time) (types.RetryState, bool, error) {
	return scanRetryState(r.db.QueryRow(ctx,
		`UPDATE tasks
		 SET retry_count   = LEAST(retry_count + 1, max_retries),
		     status        = CASE WHEN retry_count + 1 < max_retries THEN 'pending' ELSE 'failed' END,
		     next_retry_at = CASE WHEN retry_count + 1 < max_retries THEN $3::timestamptz ELSE NULL END,
		     completed_at  = CASE WHEN retry_count + 1 < max_retries THEN NULL ELSE NOW() END,
		     error_message = $2,
		     updated_at    = NOW()
		 WHERE id = $1 AND status = 'running'
		 RETURNING status, retry_count, max_retries, next_retry_at`,
		id, reason, nextRetryAt), "task")
}

// RecoverStale sends every running task claimed before staleBefore through
// the retry path. A worker that died mid-run never writes an outcome, so
// this is the only way such a row leaves running.
func (r *TaskRepository) RecoverStale(ctx context.Context, staleBefore, nextRetryAt time.Time, reason string) ([]types.RecoveredRow, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE tasks
		 SET retry_count   = LEAST(retry_count + 1, max_retries),
		     status        = CASE WHEN retry_count + 1 < max_retries THEN 'pending' ELSE 'failed' END,
		     next_retry_at = CASE WHEN retry_count + 1 < max_retries THEN $2::timestamptz ELSE NULL END,
		     completed_at  = CASE WHEN retry_count + 1 < max_retries THEN NULL ELSE NOW() END,
		     error_message = $3,
		     updated_at    = NOW()
		 WHERE status = 'running' AND started_at < $1
		 RETURNING id, status, retry_count, max_retries, next_retry_at`,
		staleBefore, nextRetryAt, reason)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to recover stale tasks", err)
	}
	return collectRecovered(rows, "tasks")
}

// FailTerminal fails a non-terminal task without consuming a retry.
func (r *TaskRepository) FailTerminal(ctx context.Context, id, reason string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE tasks
		 SET status = 'failed', error_message = $2, next_retry_at = NULL,
		     completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'queued', 'running')`, id, reason)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to fail task", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Cancel marks a pending or queued task cancelled.
func (r *TaskRepository) Cancel(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE tasks SET status = 'cancelled', next_retry_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'queued')`, id)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel task", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListForCostWindow returns every task a tenant created in [start, end),
// whatever its final status.
func (r *TaskRepository) ListForCostWindow(ctx context.Context, tenantID string, start, end time.Time) ([]types.TaskCostRow, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, task_type, status FROM tasks
		 WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3`,
		tenantID, start, end)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query tenant tasks", err)
	}
	defer rows.Close()

	var out []types.TaskCostRow
	for rows.Next() {
		var (
			row              types.TaskCostRow
			taskType, status string
		)
		if err := rows.Scan(&row.TaskID, &taskType, &status); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan tenant task", err)
		}
		row.TaskType = types.TaskType(taskType)
		row.Status = types.TaskStatus(status)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating tenant tasks", err)
	}
	return out, nil
}
