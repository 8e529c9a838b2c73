package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/types"
)

type fakeTaskLister struct {
	rows       []types.TaskCostRow
	err        error
	start, end time.Time
}

func (f *fakeTaskLister) ListForCostWindow(_ context.Context, _ string, start, end time.Time) ([]types.TaskCostRow, error) {
	f.start, f.end = start, end
	return f.rows, f.err
}

type fakeMetered struct {
	sum float64
	err error
}

func (f fakeMetered) SumMeteredCost(context.Context, string, time.Time, time.Time) (float64, error) {
	return f.sum, f.err
}

var (
	windowStart = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
)

func TestEstimateTaskCost(t *testing.T) {
	assert.Equal(t, 0.12, EstimateTaskCost(types.TaskMarketResearch))
	assert.Equal(t, 0.03, EstimateTaskCost(types.TaskSocialPosts))
	assert.Equal(t, DefaultTaskCost, EstimateTaskCost(types.TaskType("unknown")))
	assert.Equal(t, DefaultTaskCost, EstimateTaskCost(""))
}

func TestStaticCostTable_EveryKnownTypePriced(t *testing.T) {
	table := NewStaticCostTable()
	for tt := range taskCosts {
		assert.Greater(t, table.Estimate(tt), 0.0, tt)
	}
}

func TestStaticCostTable_IndependentCopies(t *testing.T) {
	a := NewStaticCostTable().(*staticCostTable)
	a.costs[types.TaskEmailCopy] = 99
	assert.Equal(t, 0.04, NewStaticCostTable().Estimate(types.TaskEmailCopy))
}

func TestCalculateTenantCost_CountsEveryStatus(t *testing.T) {
	lister := &fakeTaskLister{rows: []types.TaskCostRow{
		{TaskID: "a", TaskType: types.TaskSEOPages, Status: types.TaskStatusCompleted},
		{TaskID: "b", TaskType: types.TaskSEOPages, Status: types.TaskStatusFailed},
		{TaskID: "c", TaskType: types.TaskEmailCopy, Status: types.TaskStatusPending},
		{TaskID: "d", TaskType: types.TaskType("legacy"), Status: types.TaskStatusCompleted},
	}}
	r := NewCostReporter(lister, nil, nil)

	got, err := r.CalculateTenantCost(context.Background(), "ten_1", windowStart, windowEnd)
	require.NoError(t, err)

	assert.Equal(t, 4, got.TaskCount)
	assert.InDelta(t, 0.25, got.TotalCost, 1e-9)
	assert.InDelta(t, 0.16, got.Breakdown[types.TaskSEOPages], 1e-9)
	assert.InDelta(t, 0.04, got.Breakdown[types.TaskEmailCopy], 1e-9)
	assert.InDelta(t, DefaultTaskCost, got.Breakdown["legacy"], 1e-9)
	assert.Equal(t, 2, got.TaskCounts[types.TaskSEOPages])
	assert.True(t, got.Estimated)
	assert.Nil(t, got.MeteredCost)
	assert.Equal(t, windowStart, lister.start)
	assert.Equal(t, windowEnd, lister.end)
}

func TestCalculateTenantCost_EmptyWindow(t *testing.T) {
	r := NewCostReporter(&fakeTaskLister{}, nil, nil)

	got, err := r.CalculateTenantCost(context.Background(), "ten_1", windowStart, windowEnd)
	require.NoError(t, err)
	assert.Zero(t, got.TotalCost)
	assert.Zero(t, got.TaskCount)
	assert.NotNil(t, got.Breakdown)
	assert.Empty(t, got.Breakdown)
}

func TestCalculateTenantCost_IncludesMeteredWhenAvailable(t *testing.T) {
	lister := &fakeTaskLister{rows: []types.TaskCostRow{{TaskID: "a", TaskType: types.TaskEmailCopy}}}
	r := NewCostReporter(lister, fakeMetered{sum: 0.0123}, nil)

	got, err := r.CalculateTenantCost(context.Background(), "ten_1", windowStart, windowEnd)
	require.NoError(t, err)
	require.NotNil(t, got.MeteredCost)
	assert.InDelta(t, 0.0123, *got.MeteredCost, 1e-9)
	assert.InDelta(t, 0.04, got.TotalCost, 1e-9)
}

func TestCalculateTenantCost_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewCostReporter(&fakeTaskLister{}, nil, nil).CalculateTenantCost(ctx, "", windowStart, windowEnd)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))

	_, err = NewCostReporter(&fakeTaskLister{}, nil, nil).CalculateTenantCost(ctx, "ten_1", windowEnd, windowStart)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationTimeWindow))

	dbErr := types.NewAppError(types.ErrCodeInternalDB, "boom", nil)
	_, err = NewCostReporter(&fakeTaskLister{err: dbErr}, nil, nil).CalculateTenantCost(ctx, "ten_1", windowStart, windowEnd)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))

	_, err = NewCostReporter(&fakeTaskLister{}, fakeMetered{err: errors.New("down")}, nil).
		CalculateTenantCost(ctx, "ten_1", windowStart, windowEnd)
	assert.Error(t, err)
}
