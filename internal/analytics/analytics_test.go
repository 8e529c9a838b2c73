package analytics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/types"
)

var now = time.Date(2026, 3, 12, 15, 30, 0, 0, time.UTC)

type memStore struct {
	rows    map[string]types.AnalyticsRecord
	listErr error
	since   time.Time
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]types.AnalyticsRecord{}}
}

func key(campaignID string, d time.Time) string {
	return campaignID + "/" + d.Format(time.DateOnly)
}

func (m *memStore) Upsert(_ context.Context, rec *types.AnalyticsRecord) error {
	m.rows[key(rec.CampaignID, rec.Date)] = *rec
	return nil
}

func (m *memStore) ListByCampaign(_ context.Context, campaignID string, start, end time.Time) ([]types.AnalyticsRecord, error) {
	var out []types.AnalyticsRecord
	for _, r := range m.rows {
		if r.CampaignID == campaignID && !r.Date.Before(start) && !r.Date.After(end) {
			out = append(out, r)
		}
	}
	return out, m.listErr
}

func (m *memStore) ListByTenant(_ context.Context, tenantID string, since time.Time) ([]types.AnalyticsRecord, error) {
	m.since = since
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []types.AnalyticsRecord
	for _, r := range m.rows {
		if r.TenantID == tenantID && !r.Date.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func newTestService(store *memStore) *Service {
	s := NewService(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return now }
	return s
}

func TestRecordAnalytics_ComputesRates(t *testing.T) {
	store := newMemStore()
	rec, err := newTestService(store).RecordAnalytics(context.Background(), "camp_1", "ten_1", types.AnalyticsMetrics{
		EmailsSent:      1000,
		EmailsDelivered: 800,
		UniqueOpens:     200,
		UniqueClicks:    40,
		Bounces:         50,
		Unsubscribes:    8,
	})
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC), rec.Date)
	assert.InDelta(t, 0.25, rec.OpenRate, 1e-9)
	assert.InDelta(t, 0.05, rec.ClickRate, 1e-9)
	assert.InDelta(t, 0.05, rec.BounceRate, 1e-9)
	assert.InDelta(t, 0.01, rec.UnsubscribeRate, 1e-9)
	assert.Len(t, store.rows, 1)
}

func TestRecordAnalytics_SameDayOverwrites(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	_, err := svc.RecordAnalytics(context.Background(), "camp_1", "ten_1", types.AnalyticsMetrics{EmailsSent: 10})
	require.NoError(t, err)
	_, err = svc.RecordAnalytics(context.Background(), "camp_1", "ten_1", types.AnalyticsMetrics{EmailsSent: 25, UniqueOpens: 5})
	require.NoError(t, err)

	require.Len(t, store.rows, 1)
	got := store.rows[key("camp_1", now)]
	assert.Equal(t, 25, got.EmailsSent)
	assert.InDelta(t, 0.2, got.OpenRate, 1e-9, "sent is the base when deliveries are not reported")
}

func TestRecordAnalytics_ZeroVolume(t *testing.T) {
	rec, err := newTestService(newMemStore()).RecordAnalytics(context.Background(), "camp_1", "ten_1", types.AnalyticsMetrics{})
	require.NoError(t, err)
	assert.Zero(t, rec.OpenRate)
	assert.Zero(t, rec.BounceRate)
}

func TestRecordAnalytics_Validation(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.RecordAnalytics(context.Background(), "", "ten_1", types.AnalyticsMetrics{})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))

	_, err = svc.RecordAnalytics(context.Background(), "camp_1", "ten_1", types.AnalyticsMetrics{Bounces: -1})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidField))
}

func TestGetCampaignAnalytics_DefaultWindow(t *testing.T) {
	store := newMemStore()
	today := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	store.rows["a"] = types.AnalyticsRecord{CampaignID: "camp_1", Date: today}
	store.rows["b"] = types.AnalyticsRecord{CampaignID: "camp_1", Date: today.AddDate(0, 0, -29)}
	store.rows["c"] = types.AnalyticsRecord{CampaignID: "camp_1", Date: today.AddDate(0, 0, -30)}

	recs, err := newTestService(store).GetCampaignAnalytics(context.Background(), "camp_1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestGetCampaignAnalytics_Errors(t *testing.T) {
	svc := newTestService(newMemStore())

	recs, err := svc.GetCampaignAnalytics(context.Background(), "camp_1", now, now)
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)

	_, err = svc.GetCampaignAnalytics(context.Background(), "camp_1", now, now.AddDate(0, 0, -1))
	assert.True(t, types.IsCode(err, types.ErrCodeValidationTimeWindow))

	_, err = svc.GetCampaignAnalytics(context.Background(), "", time.Time{}, time.Time{})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))
}

func TestGetTenantAnalyticsSummary_MeanOfRates(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	today := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)

	// A small day with a high open rate and a large day with a low one.
	store.rows["small"] = types.AnalyticsRecord{
		CampaignID:       "camp_1",
		TenantID:         "ten_1",
		Date:             today.AddDate(0, 0, -1),
		AnalyticsMetrics: types.AnalyticsMetrics{EmailsSent: 10, UniqueOpens: 5, UniqueClicks: 1, RevenueGenerated: 12.5},
		OpenRate:         0.5,
		ClickRate:        0.1,
	}
	store.rows["large"] = types.AnalyticsRecord{
		CampaignID:       "camp_2",
		TenantID:         "ten_1",
		Date:             today,
		AnalyticsMetrics: types.AnalyticsMetrics{EmailsSent: 10000, UniqueOpens: 1000, UniqueClicks: 100, Conversions: 3},
		OpenRate:         0.1,
		ClickRate:        0.01,
	}
	store.rows["other"] = types.AnalyticsRecord{
		CampaignID:       "camp_3",
		TenantID:         "ten_2",
		Date:             today,
		AnalyticsMetrics: types.AnalyticsMetrics{EmailsSent: 99},
	}

	sum, err := svc.GetTenantAnalyticsSummary(context.Background(), "ten_1", 7)
	require.NoError(t, err)

	assert.Equal(t, today.AddDate(0, 0, -6), store.since)
	assert.Equal(t, 2, sum.Records)
	assert.Equal(t, 2, sum.Campaigns)
	assert.Equal(t, 10010, sum.EmailsSent)
	assert.Equal(t, 1005, sum.UniqueOpens)
	assert.Equal(t, 3, sum.Conversions)
	assert.InDelta(t, 12.5, sum.RevenueGenerated, 1e-9)

	assert.InDelta(t, 0.3, sum.AvgOpenRate, 1e-9)
	assert.InDelta(t, 0.055, sum.AvgClickRate, 1e-9)
	assert.InDelta(t, 0.1004, sum.WeightedOpenRate, 1e-9)
	assert.InDelta(t, 0.0101, sum.WeightedClickRate, 1e-9)
}

func TestGetTenantAnalyticsSummary_NoRecords(t *testing.T) {
	sum, err := newTestService(newMemStore()).GetTenantAnalyticsSummary(context.Background(), "ten_1", 30)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Records)
	assert.Zero(t, sum.EmailsSent)
	assert.Zero(t, sum.AvgOpenRate)
	assert.Zero(t, sum.AvgClickRate)
	assert.Zero(t, sum.WeightedOpenRate)
}

func TestGetTenantAnalyticsSummary_Errors(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	for _, days := range []int{0, -3, 400} {
		_, err := svc.GetTenantAnalyticsSummary(context.Background(), "ten_1", days)
		assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidField), "days=%d", days)
	}

	store.listErr = errors.New("connection reset")
	_, err := svc.GetTenantAnalyticsSummary(context.Background(), "ten_1", 7)
	assert.ErrorContains(t, err, "connection reset")
}
