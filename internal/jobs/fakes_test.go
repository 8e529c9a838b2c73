package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"marketpulse/internal/executor"
	"marketpulse/internal/types"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var errStoreDown = errors.New("connection refused")

// memTasks mirrors the conditional writes of db.TaskRepository.
type memTasks struct {
	mu       sync.Mutex
	rows     map[string]*types.Task
	claimErr error
	// failWrites makes that many FailWithRetry calls return errStoreDown.
	failWrites int
}

func newMemTasks(tasks ...*types.Task) *memTasks {
	m := &memTasks{rows: map[string]*types.Task{}}
	for _, t := range tasks {
		m.rows[t.ID] = t
	}
	return m
}

func (m *memTasks) task(id string) types.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memTasks) GetByID(_ context.Context, id string) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundTask, "task not found", nil)
	}
	cp := *t
	return &cp, nil
}

func due(t *types.Task) time.Time {
	if t.NextRetryAt != nil {
		return *t.NextRetryAt
	}
	return t.CreatedAt
}

func (m *memTasks) ClaimDue(_ context.Context, now time.Time, limit int) ([]*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	var candidates []*types.Task
	for _, t := range m.rows {
		if t.Status.IsRunnable() && (t.NextRetryAt == nil || !t.NextRetryAt.After(now)) {
			candidates = append(candidates, t)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return due(candidates[i]).Before(due(candidates[j])) })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*types.Task, 0, len(candidates))
	for _, t := range candidates {
		t.Status = types.TaskStatusRunning
		started := now
		t.StartedAt = &started
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memTasks) ClaimByID(_ context.Context, id string) (*types.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || !t.Status.IsRunnable() {
		return nil, false, nil
	}
	t.Status = types.TaskStatusRunning
	started := time.Now()
	t.StartedAt = &started
	cp := *t
	return &cp, true, nil
}

// Writes fail on a done context the way the pgx pool does.
func (m *memTasks) Complete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || t.Status != types.TaskStatusRunning {
		return false, nil
	}
	t.Status = types.TaskStatusCompleted
	t.NextRetryAt = nil
	return true, nil
}

func (m *memTasks) FailTerminal(ctx context.Context, id, reason string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || (!t.Status.IsRunnable() && t.Status != types.TaskStatusRunning) {
		return false, nil
	}
	t.Status = types.TaskStatusFailed
	t.ErrorMessage = &reason
	t.NextRetryAt = nil
	return true, nil
}

func (m *memTasks) FailWithRetry(ctx context.Context, id, reason string, next time.Time) (types.RetryState, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.RetryState{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites > 0 {
		m.failWrites--
		return types.RetryState{}, false, errStoreDown
	}
	t, ok := m.rows[id]
	if !ok || t.Status != types.TaskStatusRunning {
		return types.RetryState{}, false, nil
	}
	return bump(t, reason, next), true, nil
}

func (m *memTasks) RecoverStale(_ context.Context, staleBefore, next time.Time, reason string) ([]types.RecoveredRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.RecoveredRow
	for _, t := range m.rows {
		if t.Status != types.TaskStatusRunning || t.StartedAt == nil || !t.StartedAt.Before(staleBefore) {
			continue
		}
		out = append(out, types.RecoveredRow{ID: t.ID, RetryState: bump(t, reason, next)})
	}
	return out, nil
}

func bump(t *types.Task, reason string, next time.Time) types.RetryState {
	requeue := t.RetryCount+1 < t.MaxRetries
	t.RetryCount = min(t.RetryCount+1, t.MaxRetries)
	t.ErrorMessage = &reason
	if requeue {
		t.Status = types.TaskStatusPending
		t.NextRetryAt = &next
	} else {
		t.Status = types.TaskStatusFailed
		t.NextRetryAt = nil
	}
	return types.RetryState{
		Requeued:    requeue,
		RetryCount:  t.RetryCount,
		MaxRetries:  t.MaxRetries,
		NextRetryAt: t.NextRetryAt,
	}
}

type fakeContexts struct{}

func (fakeContexts) Context(_ context.Context, tenantID string, _ *string) (*types.TenantContext, *types.BrandContext, error) {
	if tenantID == "ten_gone" {
		return nil, nil, types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", nil)
	}
	return &types.TenantContext{ID: tenantID, Name: "Acme"}, nil, nil
}

// fakeExec succeeds unless the payload topic is listed in fail.
type fakeExec struct {
	mu     sync.Mutex
	fail   map[string]types.ErrorCode
	calls  []types.ExecutorKind
	during func()
}

func (f *fakeExec) Execute(_ context.Context, kind types.ExecutorKind, payload types.JSONMap) executor.Result {
	if f.during != nil {
		f.during()
	}
	f.mu.Lock()
	f.calls = append(f.calls, kind)
	f.mu.Unlock()

	if code, ok := f.fail[payload.String("topic")]; ok {
		return executor.Failure(types.NewAppError(code, "generation failed", nil))
	}
	return executor.Result{
		Success:         true,
		ResultType:      types.ResultContentGenerated,
		Data:            types.JSONMap{"output": types.JSONMap{"title": payload.String("topic")}},
		Cost:            0.012,
		CostSource:      types.CostMetered,
		ExecutionTimeMs: 40,
	}
}

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeResults struct {
	mu      sync.Mutex
	saved   []*types.ResultRecord
	saveErr error
}

func (f *fakeResults) Save(ctx context.Context, rec *types.ResultRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, rec)
	return nil
}

type recordingMetrics struct {
	NoopMetrics
	mu        sync.Mutex
	batches   [][3]int
	exhausted []bool
}

func (m *recordingMetrics) RecordBatch(_ context.Context, processed, succeeded, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, [3]int{processed, succeeded, failed})
}

func (m *recordingMetrics) RecordRetry(_ context.Context, _ string, exhausted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exhausted = append(m.exhausted, exhausted)
}

func contentTask(id, topic string, createdAt time.Time) *types.Task {
	return &types.Task{
		ID:         id,
		TenantID:   "ten_1",
		TaskType:   types.TaskContentGeneration,
		Payload:    types.JSONMap{"topic": topic},
		Status:     types.TaskStatusPending,
		MaxRetries: 2,
		CreatedAt:  createdAt,
	}
}
