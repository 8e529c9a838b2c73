// Package analytics keeps daily per-campaign delivery counters and rolls
// them up per tenant.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-playground/validator/v10"

	"marketpulse/internal/types"
)

const (
	defaultCampaignWindowDays = 30
	maxSummaryDays            = 366
)

// Store is the analytics persistence. *db.AnalyticsRepository satisfies it.
type Store interface {
	Upsert(ctx context.Context, rec *types.AnalyticsRecord) error
	ListByCampaign(ctx context.Context, campaignID string, start, end time.Time) ([]types.AnalyticsRecord, error)
	ListByTenant(ctx context.Context, tenantID string, since time.Time) ([]types.AnalyticsRecord, error)
}

// TenantSummary rolls a tenant's daily rows into one view.
//
// AvgOpenRate and AvgClickRate are the arithmetic mean of the daily rates:
// every day counts the same whatever its volume. The Weighted fields divide
// summed counters instead.
type TenantSummary struct {
	TenantID  string    `json:"tenant_id"`
	Days      int       `json:"days"`
	Since     time.Time `json:"since"`
	Records   int       `json:"records"`
	Campaigns int       `json:"campaigns"`
	types.AnalyticsMetrics

	AvgOpenRate       float64 `json:"avg_open_rate"`
	AvgClickRate      float64 `json:"avg_click_rate"`
	WeightedOpenRate  float64 `json:"weighted_open_rate"`
	WeightedClickRate float64 `json:"weighted_click_rate"`
}

// Service is the analytics aggregator.
type Service struct {
	store    Store
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds a Service over store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, validate: validator.New(), logger: logger, now: time.Now}
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ratio returns num/den rounded to four places, or 0 when den is 0.
func ratio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return math.Round(num/den*10000) / 10000
}

// deliveredBase is the denominator for engagement rates: delivered emails,
// or sent emails when the provider does not report deliveries.
func deliveredBase(m types.AnalyticsMetrics) float64 {
	if m.EmailsDelivered > 0 {
		return float64(m.EmailsDelivered)
	}
	return float64(m.EmailsSent)
}

// RecordAnalytics stores today's counters for a campaign. A second call on
// the same UTC day overwrites the first.
func (s *Service) RecordAnalytics(ctx context.Context, campaignID, tenantID string, m types.AnalyticsMetrics) (*types.AnalyticsRecord, error) {
	if campaignID == "" || tenantID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "campaign id and tenant id are required", nil)
	}
	if err := s.validate.Struct(m); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidField, "invalid analytics metrics", err)
	}

	base := deliveredBase(m)
	rec := &types.AnalyticsRecord{
		CampaignID:       campaignID,
		TenantID:         tenantID,
		Date:             day(s.now()),
		AnalyticsMetrics: m,
		OpenRate:         ratio(float64(m.UniqueOpens), base),
		ClickRate:        ratio(float64(m.UniqueClicks), base),
		BounceRate:       ratio(float64(m.Bounces), float64(m.EmailsSent)),
		UnsubscribeRate:  ratio(float64(m.Unsubscribes), base),
	}
	if err := s.store.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("RecordAnalytics: %w", err)
	}

	s.logger.InfoContext(ctx, "campaign analytics recorded",
		"campaign_id", campaignID,
		"tenant_id", tenantID,
		"date", rec.Date.Format(time.DateOnly),
		"emails_sent", m.EmailsSent,
	)
	return rec, nil
}

// GetCampaignAnalytics returns a campaign's daily rows between start and
// end inclusive. A zero end means today; a zero start means thirty days
// before end.
func (s *Service) GetCampaignAnalytics(ctx context.Context, campaignID string, start, end time.Time) ([]types.AnalyticsRecord, error) {
	if campaignID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "campaign id is required", nil)
	}
	if end.IsZero() {
		end = s.now()
	}
	end = day(end)
	if start.IsZero() {
		start = end.AddDate(0, 0, -(defaultCampaignWindowDays - 1))
	}
	start = day(start)
	if end.Before(start) {
		return nil, types.NewAppError(types.ErrCodeValidationTimeWindow, "end is before start", nil)
	}

	recs, err := s.store.ListByCampaign(ctx, campaignID, start, end)
	if err != nil {
		return nil, fmt.Errorf("GetCampaignAnalytics: %w", err)
	}
	if recs == nil {
		recs = []types.AnalyticsRecord{}
	}
	return recs, nil
}

// GetTenantAnalyticsSummary sums the tenant's last days of rows, today
// included. No rows is an all-zero summary, not an error.
func (s *Service) GetTenantAnalyticsSummary(ctx context.Context, tenantID string, days int) (*TenantSummary, error) {
	if tenantID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "tenant id is required", nil)
	}
	if days <= 0 || days > maxSummaryDays {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
			"days out of range", nil, map[string]any{"days": days, "max": maxSummaryDays})
	}

	since := day(s.now()).AddDate(0, 0, -(days - 1))
	recs, err := s.store.ListByTenant(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("GetTenantAnalyticsSummary: %w", err)
	}

	sum := &TenantSummary{TenantID: tenantID, Days: days, Since: since, Records: len(recs)}
	if len(recs) == 0 {
		return sum, nil
	}

	campaigns := make(map[string]struct{})
	var openRates, clickRates float64
	for _, r := range recs {
		campaigns[r.CampaignID] = struct{}{}
		t := &sum.AnalyticsMetrics
		t.EmailsSent += r.EmailsSent
		t.EmailsDelivered += r.EmailsDelivered
		t.EmailsOpened += r.EmailsOpened
		t.UniqueOpens += r.UniqueOpens
		t.EmailsClicked += r.EmailsClicked
		t.UniqueClicks += r.UniqueClicks
		t.Unsubscribes += r.Unsubscribes
		t.Bounces += r.Bounces
		t.SpamReports += r.SpamReports
		t.RevenueGenerated += r.RevenueGenerated
		t.Conversions += r.Conversions
		openRates += r.OpenRate
		clickRates += r.ClickRate
	}

	n := float64(len(recs))
	sum.Campaigns = len(campaigns)
	sum.AvgOpenRate = math.Round(openRates/n*10000) / 10000
	sum.AvgClickRate = math.Round(clickRates/n*10000) / 10000

	base := deliveredBase(sum.AnalyticsMetrics)
	sum.WeightedOpenRate = ratio(float64(sum.UniqueOpens), base)
	sum.WeightedClickRate = ratio(float64(sum.UniqueClicks), base)
	return sum, nil
}
