// Package router maps a task to the executor that serves it and builds that
// executor's payload from the raw task payload plus tenant and brand context.
//
// Routing is a pure function: the caller fetches context, the router only
// reads it.
package router

import (
	"errors"
	"sort"

	"marketpulse/internal/types"
)

// Route is the routing decision for one task.
type Route struct {
	Executor types.ExecutorKind `json:"executor"`
	Payload  types.JSONMap      `json:"payload"`
}

// builder produces an executor payload. It must succeed whenever the raw
// payload carries the type's required fields, whatever context is missing.
type builder func(raw types.JSONMap, c contextView) (types.JSONMap, error)

type rule struct {
	executor types.ExecutorKind
	build    builder
}

var rules = map[types.TaskType]rule{
	types.TaskContentGeneration:  {types.ExecutorContent, buildContent},
	types.TaskSocialPosts:        {types.ExecutorContent, buildSocialPosts},
	types.TaskEmailCopy:          {types.ExecutorContent, buildEmailCopy},
	types.TaskSEOPages:           {types.ExecutorSEO, buildSEOPages},
	types.TaskSEOAudit:           {types.ExecutorSEO, buildSEOAudit},
	types.TaskCompetitorAnalysis: {types.ExecutorAnalysis, buildCompetitorAnalysis},
	types.TaskMarketResearch:     {types.ExecutorAnalysis, buildMarketResearch},
	types.TaskMomentumReport:     {types.ExecutorAnalysis, buildMomentumReport},
	types.TaskLeadScoring:        {types.ExecutorPrediction, buildLeadScoring},
	types.TaskChurnPrediction:    {types.ExecutorPrediction, buildChurnPrediction},
}

// ExecutorFor returns the executor a task type routes to.
func ExecutorFor(taskType types.TaskType) (types.ExecutorKind, bool) {
	r, ok := rules[taskType]
	return r.executor, ok
}

// RoutableTypes lists every task type with a mapped executor, sorted.
func RoutableTypes() []types.TaskType {
	out := make([]types.TaskType, 0, len(rules))
	for t := range rules {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RouteTask selects the executor for taskType and builds its payload. tenant
// and brand may be nil.
//
// An unmapped type yields config_unroutable_task_type and a payload missing a
// required field yields config_missing_payload_field. Both are configuration
// errors: the task should fail without retry.
func RouteTask(taskType types.TaskType, raw types.JSONMap, tenant *types.TenantContext, brand *types.BrandContext) (Route, error) {
	r, ok := rules[taskType]
	if !ok {
		return Route{}, types.NewAppErrorWithDetails(types.ErrCodeConfigUnroutableTaskType,
			"no executor is mapped to task type", nil,
			map[string]any{"task_type": string(taskType)})
	}

	c := newContextView(tenant, brand)
	payload, err := r.build(raw, c)
	if err != nil {
		var ae *types.AppError
		if errors.As(err, &ae) {
			return Route{}, ae.WithDetails(map[string]any{"task_type": string(taskType)})
		}
		return Route{}, err
	}
	payload["task_type"] = string(taskType)
	return Route{Executor: r.executor, Payload: payload}, nil
}
