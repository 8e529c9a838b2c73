package db

import (
	"context"
	"time"

	"marketpulse/internal/types"
)

// JobLockRepository is a lease table that keeps overlapping worker triggers
// from running the same batch operation twice in one window.
type JobLockRepository struct {
	db DBTX
}

// NewJobLockRepository creates a JobLockRepository backed by db.
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db}
}

// Acquire takes lockID for ttl. It reports false while another worker holds
// an unexpired lease. Timestamps are computed in Go so no interval parsing
// happens in SQL.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID, workerID, now, now.Add(ttl))
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release drops a lease early, but only if workerID still owns it.
func (r *JobLockRepository) Release(ctx context.Context, lockID, workerID string) error {
	if _, err := r.db.Exec(ctx,
		`DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`, lockID, workerID); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release job lock", err)
	}
	return nil
}

// JobRun is one job_history row.
type JobRun struct {
	ID         int64
	JobType    string
	WorkerID   string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Items      int
	Error      *string
}

// JobHistoryRepository records each batch operation a worker runs.
type JobHistoryRepository struct {
	db DBTX
}

// NewJobHistoryRepository creates a JobHistoryRepository backed by db.
func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db}
}

// Start inserts a running row and returns its id.
func (r *JobHistoryRepository) Start(ctx context.Context, jobType, workerID string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_history (job_type, worker_id, started_at, status)
		 VALUES ($1, $2, NOW(), $3)
		 RETURNING id`,
		jobType, workerID, types.JobStatusRunning,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start job history entry", err)
	}
	return id, nil
}

// Finish closes a row with its outcome. jobErr, when set, is stored verbatim.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status string, items int, jobErr error) error {
	var errMsg *string
	if jobErr != nil {
		s := jobErr.Error()
		errMsg = &s
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE job_history
		 SET finished_at = NOW(), status = $2, items_count = $3, error = $4
		 WHERE id = $1`,
		id, status, items, errMsg)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}

// Recent returns the newest limit runs, newest first.
func (r *JobHistoryRepository) Recent(ctx context.Context, limit int) ([]JobRun, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, job_type, worker_id, started_at, finished_at, status, items_count, error
		 FROM job_history ORDER BY started_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query job history", err)
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		var run JobRun
		if err := rows.Scan(&run.ID, &run.JobType, &run.WorkerID, &run.StartedAt, &run.FinishedAt,
			&run.Status, &run.Items, &run.Error); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job history", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating job history", err)
	}
	return out, nil
}
