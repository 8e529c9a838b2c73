// Package billing estimates what generation work costs and aggregates it per
// tenant.
package billing

import "marketpulse/internal/types"

// DefaultTaskCost is charged for task types missing from the table.
const DefaultTaskCost = 0.05

// CostTable maps a task type to its estimated USD cost per execution.
type CostTable interface {
	// Estimate never fails; unknown types cost DefaultTaskCost.
	Estimate(taskType types.TaskType) float64
}

type staticCostTable struct {
	costs map[types.TaskType]float64
}

// taskCosts are per-execution estimates in USD, sized from typical prompt
// and completion lengths for each deliverable.
var taskCosts = map[types.TaskType]float64{
	types.TaskContentGeneration:  0.05,
	types.TaskSocialPosts:        0.03,
	types.TaskEmailCopy:          0.04,
	types.TaskSEOPages:           0.08,
	types.TaskSEOAudit:           0.06,
	types.TaskCompetitorAnalysis: 0.10,
	types.TaskMarketResearch:     0.12,
	types.TaskMomentumReport:     0.07,
	types.TaskLeadScoring:        0.05,
	types.TaskChurnPrediction:    0.05,
}

var defaultTable = NewStaticCostTable()

// NewStaticCostTable returns the built-in estimate table.
func NewStaticCostTable() CostTable {
	m := make(map[types.TaskType]float64, len(taskCosts))
	for k, v := range taskCosts {
		m[k] = v
	}
	return &staticCostTable{costs: m}
}

func (t *staticCostTable) Estimate(taskType types.TaskType) float64 {
	if c, ok := t.costs[taskType]; ok {
		return c
	}
	return DefaultTaskCost
}

// EstimateTaskCost looks taskType up in the built-in table.
func EstimateTaskCost(taskType types.TaskType) float64 {
	return defaultTable.Estimate(taskType)
}
