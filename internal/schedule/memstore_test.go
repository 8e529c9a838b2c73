package schedule

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"marketpulse/internal/types"
)

// memStore mirrors the conditional-write rules of db.ScheduleRepository.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]*types.ScheduleEntry
	dueErr  error
	creates int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*types.ScheduleEntry)}
}

func (m *memStore) put(e *types.ScheduleEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.rows[e.ID] = &cp
}

func (m *memStore) status(id string) types.ScheduleStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].Status
}

func open(s types.ScheduleStatus) bool {
	return s == types.ScheduleStatusPending || s == types.ScheduleStatusQueued || s == types.ScheduleStatusSending
}

// CreateBatch enforces the live-step unique index: a campaign step may be
// inserted again only once every earlier row for it is cancelled.
func (m *memStore) CreateBatch(_ context.Context, entries []*types.ScheduleEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	for _, e := range entries {
		for _, r := range m.rows {
			if r.CampaignID == e.CampaignID && r.StepIndex == e.StepIndex && r.Status != types.ScheduleStatusCancelled {
				return types.NewAppError(types.ErrCodeConflictDuplicateStep,
					"campaign already has a live schedule for this step", nil)
			}
		}
	}
	now := time.Now()
	for _, e := range entries {
		cp := *e
		cp.CreatedAt, cp.UpdatedAt = now, now
		m.rows[e.ID] = &cp
	}
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*types.ScheduleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", nil)
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) ListByCampaign(_ context.Context, campaignID string) ([]*types.ScheduleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ScheduleEntry
	for _, e := range m.rows {
		if e.CampaignID == campaignID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (m *memStore) List(_ context.Context, f types.ScheduleFilter) ([]*types.ScheduleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ScheduleEntry
	for _, e := range m.rows {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) GetDue(_ context.Context, now time.Time, limit int) ([]*types.ScheduleEntry, error) {
	if m.dueErr != nil {
		return nil, m.dueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ScheduleEntry
	for _, e := range m.rows {
		if e.Status != types.ScheduleStatusPending || e.SendAt.After(now) {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SendAt.Before(out[j].SendAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Transition(_ context.Context, id string, from, to types.ScheduleStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = to
	e.UpdatedAt = time.Now()
	return true, nil
}

// The write methods fail on a done context the way the pgx pool does.
func (m *memStore) MarkSent(ctx context.Context, id string, sent, failed *int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok || e.Status != types.ScheduleStatusSending {
		return false, nil
	}
	now := time.Now()
	e.Status = types.ScheduleStatusSent
	e.SentAt = &now
	e.UpdatedAt = now
	e.NextRetryAt = nil
	if sent != nil {
		e.SentCount = *sent
	}
	if failed != nil {
		e.FailedCount = *failed
	}
	return true, nil
}

func (m *memStore) FailWithRetry(ctx context.Context, id, reason string, next time.Time) (types.RetryState, bool, error) {
	return m.FailWithRetryCounts(ctx, id, reason, nil, next)
}

func (m *memStore) FailWithRetryCounts(ctx context.Context, id, reason string, failed *int, next time.Time) (types.RetryState, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.RetryState{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok || !open(e.Status) {
		return types.RetryState{}, false, nil
	}
	st := m.bump(e, reason, next)
	if failed != nil {
		e.FailedCount = *failed
	}
	return st, true, nil
}

func (m *memStore) RecoverStale(ctx context.Context, staleBefore, next time.Time, reason string) ([]types.RecoveredRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.RecoveredRow
	for _, e := range m.rows {
		inFlight := e.Status == types.ScheduleStatusQueued || e.Status == types.ScheduleStatusSending
		if !inFlight || !e.UpdatedAt.Before(staleBefore) {
			continue
		}
		out = append(out, types.RecoveredRow{ID: e.ID, RetryState: m.bump(e, reason, next)})
	}
	return out, nil
}

// bump applies the single-statement retry rule; callers hold mu.
func (m *memStore) bump(e *types.ScheduleEntry, reason string, next time.Time) types.RetryState {
	requeue := e.RetryCount+1 < e.MaxRetries
	e.RetryCount = min(e.RetryCount+1, e.MaxRetries)
	e.ErrorMessage = &reason
	e.UpdatedAt = time.Now()
	if requeue {
		e.Status = types.ScheduleStatusPending
		n := next
		e.NextRetryAt = &n
	} else {
		e.Status = types.ScheduleStatusFailed
		e.NextRetryAt = nil
	}
	return types.RetryState{Requeued: requeue, RetryCount: e.RetryCount, MaxRetries: e.MaxRetries, NextRetryAt: e.NextRetryAt}
}

func (m *memStore) Cancel(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok || !e.Status.IsCancellable() {
		return false, nil
	}
	e.Status = types.ScheduleStatusCancelled
	e.NextRetryAt = nil
	return true, nil
}

func (m *memStore) CancelCampaign(_ context.Context, campaignID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.rows {
		if e.CampaignID == campaignID && e.Status.IsCancellable() {
			e.Status = types.ScheduleStatusCancelled
			n++
		}
	}
	return n, nil
}

var errStoreDown = errors.New("store unavailable")
