package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"marketpulse/internal/jobs"
	"marketpulse/internal/schedule"
	"marketpulse/internal/types"
)

type mockJobs struct {
	calls   int
	limit   int
	summary jobs.BatchSummary

	recovered  int
	recoverErr error
	staleAfter time.Duration
}

func (m *mockJobs) ProcessPendingJobs(_ context.Context, limit int) jobs.BatchSummary {
	m.calls++
	m.limit = limit
	return m.summary
}

func (m *mockJobs) RecoverStaleJobs(_ context.Context, olderThan time.Duration) (int, error) {
	m.staleAfter = olderThan
	return m.recovered, m.recoverErr
}

type mockSchedules struct {
	calls   int
	summary schedule.DispatchSummary

	recovered  int
	recoverErr error
	staleAfter time.Duration
}

func (m *mockSchedules) ProcessDueSchedules(_ context.Context, _ int) schedule.DispatchSummary {
	m.calls++
	return m.summary
}

func (m *mockSchedules) RecoverStaleSchedules(_ context.Context, olderThan time.Duration) (int, error) {
	m.staleAfter = olderThan
	return m.recovered, m.recoverErr
}

type mockLock struct {
	mu       sync.Mutex
	held     map[string]bool
	err      error
	acquired []string
	released []string
}

func (m *mockLock) Acquire(_ context.Context, lockID, _ string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.held[lockID] {
		return false, nil
	}
	m.acquired = append(m.acquired, lockID)
	return true, nil
}

func (m *mockLock) Release(_ context.Context, lockID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, lockID)
	return nil
}

type mockHistory struct {
	startErr   error
	started    []string
	finished   bool
	lastStatus string
	lastItems  int
	lastErr    error
}

func (m *mockHistory) Start(_ context.Context, jobType, _ string) (int64, error) {
	if m.startErr != nil {
		return 0, m.startErr
	}
	m.started = append(m.started, jobType)
	return 42, nil
}

func (m *mockHistory) Finish(_ context.Context, id int64, status string, items int, err error) error {
	m.finished = id == 42
	m.lastStatus = status
	m.lastItems = items
	m.lastErr = err
	return nil
}

type fixture struct {
	h         *Handler
	jobs      *mockJobs
	schedules *mockSchedules
	lock      *mockLock
	history   *mockHistory
}

func newFixture() *fixture {
	f := &fixture{
		jobs:      &mockJobs{summary: jobs.BatchSummary{Errors: []types.BatchError{}}},
		schedules: &mockSchedules{summary: schedule.DispatchSummary{Errors: []types.BatchError{}}},
		lock:      &mockLock{held: map[string]bool{}},
		history:   &mockHistory{},
	}
	f.h = &Handler{
		Jobs:       f.jobs,
		Schedules:  f.schedules,
		JobLock:    f.lock,
		JobHistory: f.history,
		WorkerID:   "worker-1",
		BatchLimit: 25,
		LockTTL:    time.Minute,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),

		TaskStaleAfter:     10 * time.Minute,
		ScheduleStaleAfter: 5 * time.Minute,
		Now:                func() time.Time { return refTime },
	}
	return f
}

var refTime = time.Date(2026, 3, 2, 9, 15, 42, 0, time.UTC)

func TestHandle_ProcessJobs(t *testing.T) {
	f := newFixture()
	f.jobs.summary = jobs.BatchSummary{Processed: 4, Successful: 3, Failed: 1, Errors: []types.BatchError{}}

	res, err := f.h.Handle(context.Background(), Payload{Operation: OpProcessJobs})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.jobs.calls != 1 || f.schedules.calls != 0 {
		t.Fatalf("expected only the job processor to run, got jobs=%d schedules=%d", f.jobs.calls, f.schedules.calls)
	}
	if f.jobs.limit != 25 {
		t.Errorf("expected default batch limit 25, got %d", f.jobs.limit)
	}
	if res.Processed != 4 || res.Failed != 1 {
		t.Errorf("unexpected result: %+v", res)
	}

	wantLock := "process_jobs:2026-03-02T09:15"
	if len(f.lock.acquired) != 1 || f.lock.acquired[0] != wantLock {
		t.Errorf("expected lock %q, got %v", wantLock, f.lock.acquired)
	}
	if len(f.lock.released) != 1 {
		t.Errorf("expected the lock to be released, got %v", f.lock.released)
	}
	if !f.history.finished || f.history.lastStatus != types.JobStatusSuccess || f.history.lastItems != 4 {
		t.Errorf("unexpected history: %+v", f.history)
	}
}

func TestHandle_DispatchSchedulesWithLimit(t *testing.T) {
	f := newFixture()
	f.schedules.summary = schedule.DispatchSummary{Processed: 2, Sent: 2, Errors: []types.BatchError{}}

	res, err := f.h.Handle(context.Background(), Payload{Operation: OpDispatchSchedules, Limit: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.schedules.calls != 1 || f.jobs.calls != 0 {
		t.Fatalf("expected only the dispatcher to run")
	}
	if res.Processed != 2 {
		t.Errorf("expected 2 processed, got %d", res.Processed)
	}
	if len(f.history.started) != 1 || f.history.started[0] != "dispatch_schedules" {
		t.Errorf("unexpected history start: %v", f.history.started)
	}
}

func TestHandle_LockHeldSkips(t *testing.T) {
	f := newFixture()
	f.lock.held["process_jobs:2026-03-02T09:15"] = true

	res, err := f.h.Handle(context.Background(), Payload{Operation: OpProcessJobs})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Skipped {
		t.Error("expected the run to be skipped")
	}
	if f.jobs.calls != 0 {
		t.Error("processor must not run without the lock")
	}
	if len(f.history.started) != 0 {
		t.Error("skipped runs are not recorded")
	}
}

func TestHandle_LockIDUsesHandlerClock(t *testing.T) {
	f := newFixture()
	f.h.Now = func() time.Time { return refTime.Add(3 * time.Minute) }

	if _, err := f.h.Handle(context.Background(), Payload{Operation: OpDispatchSchedules}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "dispatch_schedules:2026-03-02T09:18"
	if len(f.lock.acquired) != 1 || f.lock.acquired[0] != want {
		t.Errorf("expected lock %q, got %v", want, f.lock.acquired)
	}
}

func TestHandle_RecoverStale(t *testing.T) {
	f := newFixture()
	f.jobs.recovered = 2
	f.schedules.recovered = 1

	res, err := f.h.Handle(context.Background(), Payload{Operation: OpRecoverStale})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Processed != 3 {
		t.Errorf("expected 3 recovered rows, got %d", res.Processed)
	}
	if f.jobs.staleAfter != 10*time.Minute || f.schedules.staleAfter != 5*time.Minute {
		t.Errorf("unexpected thresholds: tasks=%s schedules=%s", f.jobs.staleAfter, f.schedules.staleAfter)
	}
	if f.jobs.calls != 0 || f.schedules.calls != 0 {
		t.Error("recovery must not run a batch")
	}
	if len(f.lock.acquired) != 1 || f.lock.acquired[0] != "recover_stale:2026-03-02T09:15" {
		t.Errorf("unexpected lock: %v", f.lock.acquired)
	}
}

func TestHandle_RecoverStaleErrorStillRunsOtherSweep(t *testing.T) {
	f := newFixture()
	f.jobs.recoverErr = errors.New("connection reset")
	f.schedules.recovered = 4

	res, err := f.h.Handle(context.Background(), Payload{Operation: OpRecoverStale})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected the sweep error, got %v", err)
	}
	if res.Processed != 4 || f.schedules.staleAfter == 0 {
		t.Errorf("expected the schedule sweep to run, got %+v", res)
	}
	if f.history.lastStatus != types.JobStatusFailed {
		t.Errorf("expected failed history status, got %q", f.history.lastStatus)
	}
}

func TestHandle_LockError(t *testing.T) {
	f := newFixture()
	f.lock.err = errors.New("connection refused")

	_, err := f.h.Handle(context.Background(), Payload{Operation: OpProcessJobs})
	if err == nil || !strings.Contains(err.Error(), "acquiring job lock") {
		t.Fatalf("expected lock error, got %v", err)
	}
	if f.jobs.calls != 0 {
		t.Error("processor must not run when the lock cannot be checked")
	}
}

func TestHandle_BatchFetchFailureRecordedAsFailed(t *testing.T) {
	f := newFixture()
	f.jobs.summary = jobs.BatchSummary{Errors: []types.BatchError{
		{JobID: types.SyntheticBatchJobID, Message: "internal_database_error: failed to claim due tasks"},
	}}

	_, err := f.h.Handle(context.Background(), Payload{Operation: OpProcessJobs})
	if err == nil {
		t.Fatal("expected an error for a failed batch fetch")
	}
	if f.history.lastStatus != types.JobStatusFailed {
		t.Errorf("expected failed history status, got %q", f.history.lastStatus)
	}
	if f.history.lastErr == nil || !strings.Contains(f.history.lastErr.Error(), "failed to claim") {
		t.Errorf("expected the batch error in history, got %v", f.history.lastErr)
	}
}

func TestHandle_PerJobErrorsDoNotFailTheRun(t *testing.T) {
	f := newFixture()
	f.jobs.summary = jobs.BatchSummary{Processed: 1, Failed: 1, Errors: []types.BatchError{
		{JobID: "task_1", Message: "save result: connection reset"},
	}}

	res, err := f.h.Handle(context.Background(), Payload{Operation: OpProcessJobs})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Errors) != 1 || res.Errors[0].JobID != "task_1" {
		t.Errorf("expected the job error to be reported, got %+v", res.Errors)
	}
	if f.history.lastStatus != types.JobStatusSuccess {
		t.Errorf("expected success status, got %q", f.history.lastStatus)
	}
}

func TestHandle_HistoryStartFailureStillRuns(t *testing.T) {
	f := newFixture()
	f.history.startErr = errors.New("job_history missing")

	if _, err := f.h.Handle(context.Background(), Payload{Operation: OpProcessJobs}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.jobs.calls != 1 {
		t.Error("expected the batch to run without history")
	}
	if f.history.finished {
		t.Error("finish must be skipped when start failed")
	}
}

func TestHandle_UnknownOperation(t *testing.T) {
	f := newFixture()
	_, err := f.h.Handle(context.Background(), Payload{Operation: "reindex"})
	if err == nil || !strings.Contains(err.Error(), "unknown operation") {
		t.Fatalf("expected unknown operation error, got %v", err)
	}
	if len(f.lock.acquired) != 0 {
		t.Error("no lock should be taken for an unknown operation")
	}
}

func TestRunLoop_RunsEveryOperationUntilCancelled(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		runLoop(ctx, f.h, time.Hour)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		f.lock.mu.Lock()
		n := len(f.lock.released)
		f.lock.mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("initial tick did not run every operation")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if f.jobs.calls != 1 || f.schedules.calls != 1 {
		t.Errorf("expected one run of each operation, got jobs=%d schedules=%d", f.jobs.calls, f.schedules.calls)
	}
	if f.jobs.staleAfter == 0 || f.schedules.staleAfter == 0 {
		t.Error("expected the recovery sweep to run")
	}
}
