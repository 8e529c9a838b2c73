package db

import (
	"context"
	"time"

	"marketpulse/internal/types"
)

// StoredResult is a task_results row with its payload still encoded.
type StoredResult struct {
	Record   types.ResultRecord
	Payload  []byte
	Encoding types.ResultEncoding
}

// ResultRepository provides data access for the task_results table.
type ResultRepository struct {
	db DBTX
}

// NewResultRepository creates a ResultRepository backed by db.
func NewResultRepository(db DBTX) *ResultRepository {
	return &ResultRepository{db: db}
}

// Insert stores one encoded result row. rec.Data is ignored; payload holds
// the encoded form.
func (r *ResultRepository) Insert(ctx context.Context, rec *types.ResultRecord, payload []byte, enc types.ResultEncoding) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO task_results
		 (id, task_id, tenant_id, result_type, payload, encoding, cost, cost_source, execution_time_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.TaskID, rec.TenantID, string(rec.ResultType), payload, string(enc),
		rec.Cost, string(rec.CostSource), rec.ExecutionTimeMs)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert task result", err)
	}
	return nil
}

// ListByTask returns a task's results oldest first.
func (r *ResultRepository) ListByTask(ctx context.Context, taskID string) ([]StoredResult, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, task_id, tenant_id, result_type, payload, encoding, cost, cost_source,
		        execution_time_ms, created_at
		 FROM task_results WHERE task_id = $1
		 ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list task results", err)
	}
	defer rows.Close()

	var out []StoredResult
	for rows.Next() {
		var (
			s                      StoredResult
			resultType, enc, cSrc string
		)
		if err := rows.Scan(&s.Record.ID, &s.Record.TaskID, &s.Record.TenantID, &resultType,
			&s.Payload, &enc, &s.Record.Cost, &cSrc, &s.Record.ExecutionTimeMs, &s.Record.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan task result", err)
		}
		s.Record.ResultType = types.ResultType(resultType)
		s.Record.CostSource = types.CostSource(cSrc)
		s.Encoding = types.ResultEncoding(enc)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating task results", err)
	}
	return out, nil
}

// SumMeteredCost totals the metered cost a tenant's results reported in
// [start, end). Estimated results are excluded.
func (r *ResultRepository) SumMeteredCost(ctx context.Context, tenantID string, start, end time.Time) (float64, error) {
	var total float64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost), 0)::float8 FROM task_results
		 WHERE tenant_id = $1 AND cost_source = 'metered'
		   AND created_at >= $2 AND created_at < $3`,
		tenantID, start, end).Scan(&total)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sum metered cost", err)
	}
	return total, nil
}
