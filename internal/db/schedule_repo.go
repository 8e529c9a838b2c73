package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"marketpulse/internal/types"
)

const scheduleColumns = `id, campaign_id, tenant_id, brand_id, step_index, send_at, timezone,
	status, sent_at, error_message, retry_count, max_retries, next_retry_at,
	recipient_count, sent_count, failed_count, created_at, updated_at`

// Statuses a schedule can still leave. Terminal rows never match a write.
const scheduleOpenStatuses = `('pending', 'queued', 'sending')`

// ScheduleRepository provides data access for the schedules table.
type ScheduleRepository struct {
	db DBTX
}

// NewScheduleRepository creates a ScheduleRepository backed by db.
func NewScheduleRepository(db DBTX) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

func scanSchedule(row pgx.Row) (*types.ScheduleEntry, error) {
	var (
		e      types.ScheduleEntry
		status string
	)
	err := row.Scan(
		&e.ID, &e.CampaignID, &e.TenantID, &e.BrandID, &e.StepIndex, &e.SendAt, &e.Timezone,
		&status, &e.SentAt, &e.ErrorMessage, &e.RetryCount, &e.MaxRetries, &e.NextRetryAt,
		&e.RecipientCount, &e.SentCount, &e.FailedCount, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = types.ScheduleStatus(status)
	return &e, nil
}

func collectSchedules(rows pgx.Rows) ([]*types.ScheduleEntry, error) {
	defer rows.Close()
	var out []*types.ScheduleEntry
	for rows.Next() {
		e, err := scanSchedule(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan schedule", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating schedules", err)
	}
	return out, nil
}

// CreateBatch inserts all entries in one statement so a campaign never ends
// up with a partial set of steps.
func (r *ScheduleRepository) CreateBatch(ctx context.Context, entries []*types.ScheduleEntry) error {
	if len(entries) == 0 {
		return nil
	}

	const perRow = 10
	var sb strings.Builder
	sb.WriteString(`INSERT INTO schedules
		(id, campaign_id, tenant_id, brand_id, step_index, send_at, timezone,
		 status, max_retries, recipient_count)
		VALUES `)
	args := make([]any, 0, len(entries)*perRow)
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * perRow
		sb.WriteString("(")
		for j := 1; j <= perRow; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+j)
		}
		sb.WriteString(")")
		args = append(args,
			e.ID, e.CampaignID, e.TenantID, e.BrandID, e.StepIndex, e.SendAt, e.Timezone,
			string(e.Status), e.MaxRetries, e.RecipientCount,
		)
	}

	if _, err := r.db.Exec(ctx, sb.String(), args...); err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictDuplicateStep,
				"campaign already has a live schedule for this step", err).
				WithDetails(map[string]any{"campaign_id": entries[0].CampaignID})
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create schedules", err)
	}
	return nil
}

// GetByID returns the schedule or a not_found_schedule error.
func (r *ScheduleRepository) GetByID(ctx context.Context, id string) (*types.ScheduleEntry, error) {
	e, err := scanSchedule(r.db.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", nil).
				WithDetails(map[string]any{"schedule_id": id})
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get schedule", err)
	}
	return e, nil
}

// ListByCampaign returns every step of a campaign ordered by step index.
func (r *ScheduleRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*types.ScheduleEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE campaign_id = $1
		 ORDER BY step_index ASC, send_at ASC`, campaignID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list campaign schedules", err)
	}
	return collectSchedules(rows)
}

// List returns schedules matching f ordered by send time.
func (r *ScheduleRepository) List(ctx context.Context, f types.ScheduleFilter) ([]*types.ScheduleEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.CampaignID != "" {
		add("campaign_id = $%d", f.CampaignID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}

	q := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	q += fmt.Sprintf(" ORDER BY send_at ASC, id ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list schedules", err)
	}
	return collectSchedules(rows)
}

// GetDue returns up to limit pending schedules whose send time and retry
// delay have both elapsed, earliest send time first.
func (r *ScheduleRepository) GetDue(ctx context.Context, now time.Time, limit int) ([]*types.ScheduleEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE status = 'pending'
		   AND send_at <= $1
		   AND (next_retry_at IS NULL OR next_retry_at <= $1)
		 ORDER BY send_at ASC, id ASC
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query due schedules", err)
	}
	return collectSchedules(rows)
}

// Transition moves a schedule from one status to another only if it is
// still in from. It reports whether the row changed.
func (r *ScheduleRepository) Transition(ctx context.Context, id string, from, to types.ScheduleStatus) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE schedules SET status = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to transition schedule", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSent records a successful send of a step that is in sending. Nil
// counts leave the stored values alone.
func (r *ScheduleRepository) MarkSent(ctx context.Context, id string, sentCount, failedCount *int) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE schedules
		 SET status = 'sent', sent_at = NOW(), next_retry_at = NULL, error_message = NULL,
		     sent_count = COALESCE($2, sent_count),
		     failed_count = COALESCE($3, failed_count),
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'sending'`,
		id, sentCount, failedCount)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark schedule sent", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailWithRetry records a failed attempt in one statement: it bumps
// retry_count and either re-queues the row as pending at nextRetryAt or, once
// the bumped count reaches max_retries, leaves it failed with no retry time.
// reason is stored verbatim. The bool is false when the row is missing or
// already terminal.
func (r *ScheduleRepository) FailWithRetry(ctx context.Context, id, reason string, nextRetryAt time.Time) (types.RetryState, bool, error) {
	return r.FailWithRetryCounts(ctx, id, reason, nil, nextRetryAt)
}

// FailWithRetryCounts is FailWithRetry that also stores the delivery failure
// count in the same statement. A nil count leaves failed_count alone.
func (r *ScheduleRepository) FailWithRetryCounts(ctx context.Context, id, reason string, failedCount *int, nextRetryAt time.Time) (types.RetryState, bool, error) {
	return scanRetryState(r.db.QueryRow(ctx,
		`UPDATE schedules
		 SET retry_count   = LEAST(retry_count + 1, max_retries),
		     status        = CASE WHEN retry_count + 1 < max_retries THEN 'pending' ELSE 'failed' END,
		     next_retry_at = CASE WHEN retry_count + 1 < max_retries THEN $3::timestamptz ELSE NULL END,
		     error_message = $2,
		     failed_count  = COALESCE($4, failed_count),
		     updated_at    = NOW()
		 WHERE id = $1 AND status IN `+scheduleOpenStatuses+`
		 RETURNING status, retry_count, max_retries, next_retry_at`,
		id, reason, nextRetryAt, failedCount), "schedule")
}

// RecoverStale sends every queued or sending step last touched before
// staleBefore through the retry path, as if its send had failed with reason.
// Rows under budget go back to pending at nextRetryAt; the rest end failed.
func (r *ScheduleRepository) RecoverStale(ctx context.Context, staleBefore, nextRetryAt time.Time, reason string) ([]types.RecoveredRow, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE schedules
		 SET retry_count   = LEAST(retry_count + 1, max_retries),
		     status        = CASE WHEN retry_count + 1 < max_retries THEN 'pending' ELSE 'failed' END,
		     next_retry_at = CASE WHEN retry_count + 1 < max_retries THEN $2::timestamptz ELSE NULL END,
		     error_message = $3,
		     updated_at    = NOW()
		 WHERE status IN ('queued', 'sending') AND updated_at < $1
		 RETURNING id, status, retry_count, max_retries, next_retry_at`,
		staleBefore, nextRetryAt, reason)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to recover stale schedules", err)
	}
	return collectRecovered(rows, "schedules")
}

// Cancel marks a pending or queued schedule cancelled. It reports false when
// the row is in any other status, including when a sender claimed it first.
func (r *ScheduleRepository) Cancel(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE schedules SET status = 'cancelled', next_retry_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'queued')`, id)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel schedule", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CancelCampaign cancels every not-yet-sending step of a campaign and
// returns how many rows changed.
func (r *ScheduleRepository) CancelCampaign(ctx context.Context, campaignID string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE schedules SET status = 'cancelled', next_retry_at = NULL, updated_at = NOW()
		 WHERE campaign_id = $1 AND status IN ('pending', 'queued')`, campaignID)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel campaign schedules", err)
	}
	return tag.RowsAffected(), nil
}

// collectRecovered reads the RETURNING rows of a RecoverStale update.
func collectRecovered(rows pgx.Rows, entity string) ([]types.RecoveredRow, error) {
	defer rows.Close()
	var out []types.RecoveredRow
	for rows.Next() {
		var (
			rr     types.RecoveredRow
			status string
		)
		if err := rows.Scan(&rr.ID, &status, &rr.RetryCount, &rr.MaxRetries, &rr.NextRetryAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB,
				fmt.Sprintf("failed to scan recovered %s", entity), err)
		}
		rr.Requeued = status == "pending"
		out = append(out, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB,
			fmt.Sprintf("error iterating recovered %s", entity), err)
	}
	return out, nil
}

// scanRetryState reads the RETURNING row of a FailWithRetry update.
func scanRetryState(row pgx.Row, entity string) (types.RetryState, bool, error) {
	var (
		st     types.RetryState
		status string
	)
	if err := row.Scan(&status, &st.RetryCount, &st.MaxRetries, &st.NextRetryAt); err != nil {
		if isNoRows(err) {
			return types.RetryState{}, false, nil
		}
		return types.RetryState{}, false, types.NewAppError(types.ErrCodeInternalDB,
			fmt.Sprintf("failed to record %s failure", entity), err)
	}
	st.Requeued = status == "pending"
	return st, true, nil
}
