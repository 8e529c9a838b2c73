// Package executor turns a routed payload into a generation-service call and
// a uniform result envelope. Executors report every failure inside the
// envelope; nothing in this package returns an error from Execute.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketpulse/internal/types"
)

// DefaultTimeout bounds one executor call.
const DefaultTimeout = 300 * time.Second

// Result is the envelope every executor returns.
type Result struct {
	Success         bool             `json:"success"`
	ResultType      types.ResultType `json:"result_type"`
	Data            types.JSONMap    `json:"data,omitempty"`
	Cost            float64          `json:"cost"`
	CostSource      types.CostSource `json:"cost_source"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
	Error           string           `json:"error,omitempty"`
	// ErrorCode classifies a failure so the caller can decide on retry.
	ErrorCode types.ErrorCode `json:"error_code,omitempty"`
}

// Failure builds an unsuccessful envelope from err.
func Failure(err error) Result {
	return Result{
		Success:    false,
		ResultType: types.ResultExecutionError,
		Error:      err.Error(),
		ErrorCode:  types.CodeOf(err),
	}
}

// Executor is one of the fixed executor implementations.
type Executor interface {
	Kind() types.ExecutorKind
	Execute(ctx context.Context, payload types.JSONMap) Result
}

// Dispatcher holds exactly one executor per ExecutorKind.
type Dispatcher struct {
	executors map[types.ExecutorKind]Executor
	timeout   time.Duration
	logger    *slog.Logger
}

// NewDispatcher registers execs. Every kind in types.ExecutorKinds must be
// served exactly once, so a routed task can never reach a missing executor
// at run time.
func NewDispatcher(timeout time.Duration, logger *slog.Logger, execs ...Executor) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &Dispatcher{executors: make(map[types.ExecutorKind]Executor, len(execs)), timeout: timeout, logger: logger}
	for _, e := range execs {
		if _, dup := d.executors[e.Kind()]; dup {
			return nil, fmt.Errorf("executor %q registered twice", e.Kind())
		}
		d.executors[e.Kind()] = e
	}
	for _, k := range types.ExecutorKinds() {
		if _, ok := d.executors[k]; !ok {
			return nil, fmt.Errorf("no executor registered for %q", k)
		}
	}
	return d, nil
}

// Execute runs payload on the executor for kind under the dispatcher
// timeout. An unregistered kind, a panic or an overrun all come back as
// failed envelopes.
func (d *Dispatcher) Execute(ctx context.Context, kind types.ExecutorKind, payload types.JSONMap) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "executor panicked", "executor", string(kind), "panic", fmt.Sprint(r))
			res = Failure(types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("executor panicked: %v", r), nil))
		}
		res.ExecutionTimeMs = time.Since(start).Milliseconds()
	}()

	exec, ok := d.executors[kind]
	if !ok {
		return Failure(types.NewAppErrorWithDetails(types.ErrCodeConfigUnknownExecutor,
			"unknown executor", nil, map[string]any{"executor": string(kind)}))
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res = exec.Execute(ctx, payload)
	if !res.Success && res.ErrorCode == "" {
		res.ErrorCode = types.ErrCodeInternalUnexpected
	}
	if !res.Success && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ErrorCode = types.ErrCodeUpstreamTimeout
	}
	return res
}
