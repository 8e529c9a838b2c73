package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"marketpulse/internal/billing"
	"marketpulse/internal/external"
	"marketpulse/internal/types"
)

// promptKeys are payload keys that describe the deliverable rather than the
// brand context, so they are sent as the instruction instead of as context.
var promptKeys = map[string]bool{"output_format": true, "task_type": true}

// profile describes one executor: who the model should be and how results are
// tagged.
type profile struct {
	kind       types.ExecutorKind
	system     string
	resultType func(taskType types.TaskType) types.ResultType
	required   []string
	maxTokens  int
}

// generationExecutor implements Executor on top of a Generator.
type generationExecutor struct {
	profile
	gen    external.Generator
	costs  billing.CostTable
	logger *slog.Logger
}

func fixed(rt types.ResultType) func(types.TaskType) types.ResultType {
	return func(types.TaskType) types.ResultType { return rt }
}

var profiles = []profile{
	{
		kind:       types.ExecutorContent,
		system:     "You are a senior marketing copywriter. Match the brand voice and audience exactly.",
		resultType: fixed(types.ResultContentGenerated),
		required:   []string{"topic"},
		maxTokens:  2048,
	},
	{
		kind:   types.ExecutorSEO,
		system: "You are a technical SEO specialist. Be specific and actionable.",
		resultType: func(tt types.TaskType) types.ResultType {
			if tt == types.TaskSEOAudit {
				return types.ResultAnalysisReport
			}
			return types.ResultSEOPages
		},
		maxTokens: 3072,
	},
	{
		kind:       types.ExecutorAnalysis,
		system:     "You are a market analyst. Ground every finding in the supplied context.",
		resultType: fixed(types.ResultAnalysisReport),
		maxTokens:  2048,
	},
	{
		kind:       types.ExecutorPrediction,
		system:     "You are a customer analytics model. Score each record and justify briefly.",
		resultType: fixed(types.ResultPrediction),
		maxTokens:  2048,
	},
}

// NewGenerationExecutors returns one executor per kind, all sharing gen.
// costs supplies the fallback when the service reports no usage; nil uses
// the built-in table.
func NewGenerationExecutors(gen external.Generator, costs billing.CostTable, logger *slog.Logger) []Executor {
	if costs == nil {
		costs = billing.NewStaticCostTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]Executor, 0, len(profiles))
	for _, s := range profiles {
		out = append(out, &generationExecutor{profile: s, gen: gen, costs: costs, logger: logger.With("executor", string(s.kind))})
	}
	return out
}

func (e *generationExecutor) Kind() types.ExecutorKind { return e.kind }

func (e *generationExecutor) Execute(ctx context.Context, payload types.JSONMap) Result {
	taskType := types.TaskType(payload.String("task_type"))
	for _, key := range e.required {
		if payload.String(key) == "" {
			return Failure(types.NewAppErrorWithDetails(types.ErrCodeConfigMissingPayload,
				"executor payload is missing a required field", nil, map[string]any{"field": key}))
		}
	}

	prompt, err := buildPrompt(payload)
	if err != nil {
		return Failure(types.NewAppError(types.ErrCodeConfigMissingPayload, "payload cannot be encoded", err))
	}

	resp, err := e.gen.Generate(ctx, external.GenerationRequest{
		System:    e.system,
		Prompt:    prompt,
		JSON:      true,
		MaxTokens: e.maxTokens,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "generation failed", "task_type", string(taskType), "error", err)
		return Failure(err)
	}

	var output map[string]any
	if err := json.Unmarshal([]byte(resp.Content), &output); err != nil {
		return Failure(types.NewAppError(types.ErrCodeUpstreamMalformed, "generation output is not a JSON object", err))
	}

	res := Result{
		Success:    true,
		ResultType: e.resultType(taskType),
		Data: types.JSONMap{
			"output":        output,
			"model":         resp.Model,
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
		},
	}
	if resp.Metered {
		res.Cost, res.CostSource = resp.Cost, types.CostMetered
	} else {
		res.Cost, res.CostSource = e.costs.Estimate(taskType), types.CostEstimated
	}
	return res
}

// buildPrompt renders the instruction, then the context as indented JSON.
func buildPrompt(payload types.JSONMap) (string, error) {
	ctxFields := make(map[string]any, len(payload))
	for k, v := range payload {
		if !promptKeys[k] {
			ctxFields[k] = v
		}
	}
	body, err := json.MarshalIndent(ctxFields, "", "  ")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", strings.ReplaceAll(payload.String("task_type"), "_", " "))
	b.WriteString("Context:\n")
	b.Write(body)
	b.WriteString("\n\n")
	b.WriteString(payload.String("output_format"))
	return b.String(), nil
}
