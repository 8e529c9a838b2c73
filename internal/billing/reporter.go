package billing

import (
	"context"
	"fmt"
	"math"
	"time"

	"marketpulse/internal/types"
)

// TaskWindowLister returns every task a tenant created in [start, end).
// *db.TaskRepository satisfies it.
type TaskWindowLister interface {
	ListForCostWindow(ctx context.Context, tenantID string, start, end time.Time) ([]types.TaskCostRow, error)
}

// MeteredCostSource sums the usage-derived cost stored with results.
// *db.ResultRepository satisfies it.
type MeteredCostSource interface {
	SumMeteredCost(ctx context.Context, tenantID string, start, end time.Time) (float64, error)
}

// TenantCost is the cost of a tenant's tasks over a window. TotalCost and
// Breakdown come from the static estimate table, so Estimated is always
// true; MeteredCost, when present, is the sum of costs the generation
// service actually reported for the same window.
type TenantCost struct {
	TenantID    string                     `json:"tenant_id"`
	PeriodStart time.Time                  `json:"period_start"`
	PeriodEnd   time.Time                  `json:"period_end"`
	TotalCost   float64                    `json:"total_cost"`
	TaskCount   int                        `json:"task_count"`
	Breakdown   map[types.TaskType]float64 `json:"breakdown"`
	TaskCounts  map[types.TaskType]int     `json:"task_counts"`
	Estimated   bool                       `json:"estimated"`
	MeteredCost *float64                   `json:"metered_cost,omitempty"`
}

// CostReporter computes tenant cost reports.
type CostReporter struct {
	tasks   TaskWindowLister
	metered MeteredCostSource
	table   CostTable
}

// NewCostReporter builds a reporter. metered may be nil; table nil uses the
// built-in estimates.
func NewCostReporter(tasks TaskWindowLister, metered MeteredCostSource, table CostTable) *CostReporter {
	if table == nil {
		table = defaultTable
	}
	return &CostReporter{tasks: tasks, metered: metered, table: table}
}

// CalculateTenantCost sums the estimated cost of every task the tenant
// created in [start, end), whatever its final status, since failed runs
// still consumed generation budget.
func (r *CostReporter) CalculateTenantCost(ctx context.Context, tenantID string, start, end time.Time) (*TenantCost, error) {
	if tenantID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "tenant id is required", nil)
	}
	if !end.After(start) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationTimeWindow,
			"window end must be after start", nil,
			map[string]any{"start": start, "end": end})
	}

	rows, err := r.tasks.ListForCostWindow(ctx, tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("CalculateTenantCost: %w", err)
	}

	report := &TenantCost{
		TenantID:    tenantID,
		PeriodStart: start,
		PeriodEnd:   end,
		Breakdown:   map[types.TaskType]float64{},
		TaskCounts:  map[types.TaskType]int{},
		Estimated:   true,
	}
	for _, row := range rows {
		c := r.table.Estimate(row.TaskType)
		report.Breakdown[row.TaskType] += c
		report.TaskCounts[row.TaskType]++
		report.TotalCost += c
		report.TaskCount++
	}
	report.TotalCost = roundUSD(report.TotalCost)
	for k, v := range report.Breakdown {
		report.Breakdown[k] = roundUSD(v)
	}

	if r.metered != nil {
		m, err := r.metered.SumMeteredCost(ctx, tenantID, start, end)
		if err != nil {
			return nil, fmt.Errorf("CalculateTenantCost: %w", err)
		}
		report.MeteredCost = &m
	}
	return report, nil
}

// roundUSD rounds to four decimal places so float sums print stably.
func roundUSD(v float64) float64 {
	return math.Round(v*10000) / 10000
}
