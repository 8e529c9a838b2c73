package db

import (
	"context"
	"time"

	"marketpulse/internal/types"
)

const analyticsColumns = `campaign_id, tenant_id, date, emails_sent, emails_delivered, emails_opened,
	unique_opens, emails_clicked, unique_clicks, unsubscribes, bounces, spam_reports,
	revenue_generated, conversions, open_rate, click_rate, bounce_rate, unsubscribe_rate, updated_at`

// AnalyticsRepository provides data access for the campaign_analytics table.
type AnalyticsRepository struct {
	db DBTX
}

// NewAnalyticsRepository creates an AnalyticsRepository backed by db.
func NewAnalyticsRepository(db DBTX) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

// Upsert writes the day's row for rec.CampaignID, overwriting counters when
// the (campaign_id, date) row already exists.
func (r *AnalyticsRepository) Upsert(ctx context.Context, rec *types.AnalyticsRecord) error {
	m := rec.AnalyticsMetrics
	_, err := r.db.Exec(ctx,
		`INSERT INTO campaign_analytics (`+analyticsColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW())
		 ON CONFLICT (campaign_id, date) DO UPDATE SET
		   tenant_id = EXCLUDED.tenant_id,
		   emails_sent = EXCLUDED.emails_sent,
		   emails_delivered = EXCLUDED.emails_delivered,
		   emails_opened = EXCLUDED.emails_opened,
		   unique_opens = EXCLUDED.unique_opens,
		   emails_clicked = EXCLUDED.emails_clicked,
		   unique_clicks = EXCLUDED.unique_clicks,
		   unsubscribes = EXCLUDED.unsubscribes,
		   bounces = EXCLUDED.bounces,
		   spam_reports = EXCLUDED.spam_reports,
		   revenue_generated = EXCLUDED.revenue_generated,
		   conversions = EXCLUDED.conversions,
		   open_rate = EXCLUDED.open_rate,
		   click_rate = EXCLUDED.click_rate,
		   bounce_rate = EXCLUDED.bounce_rate,
		   unsubscribe_rate = EXCLUDED.unsubscribe_rate,
		   updated_at = NOW()`,
		rec.CampaignID, rec.TenantID, rec.Date,
		m.EmailsSent, m.EmailsDelivered, m.EmailsOpened, m.UniqueOpens, m.EmailsClicked,
		m.UniqueClicks, m.Unsubscribes, m.Bounces, m.SpamReports, m.RevenueGenerated, m.Conversions,
		rec.OpenRate, rec.ClickRate, rec.BounceRate, rec.UnsubscribeRate,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert campaign analytics", err)
	}
	return nil
}

// ListByCampaign returns a campaign's daily rows in [start, end], oldest first.
func (r *AnalyticsRepository) ListByCampaign(ctx context.Context, campaignID string, start, end time.Time) ([]types.AnalyticsRecord, error) {
	return r.list(ctx,
		`SELECT `+analyticsColumns+` FROM campaign_analytics
		 WHERE campaign_id = $1 AND date >= $2 AND date <= $3
		 ORDER BY date ASC`,
		campaignID, start, end)
}

// ListByTenant returns every daily row for the tenant on or after since.
func (r *AnalyticsRepository) ListByTenant(ctx context.Context, tenantID string, since time.Time) ([]types.AnalyticsRecord, error) {
	return r.list(ctx,
		`SELECT `+analyticsColumns+` FROM campaign_analytics
		 WHERE tenant_id = $1 AND date >= $2
		 ORDER BY date ASC, campaign_id ASC`,
		tenantID, since)
}

func (r *AnalyticsRepository) list(ctx context.Context, sql string, args ...any) ([]types.AnalyticsRecord, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query campaign analytics", err)
	}
	defer rows.Close()

	var out []types.AnalyticsRecord
	for rows.Next() {
		var rec types.AnalyticsRecord
		m := &rec.AnalyticsMetrics
		if err := rows.Scan(
			&rec.CampaignID, &rec.TenantID, &rec.Date,
			&m.EmailsSent, &m.EmailsDelivered, &m.EmailsOpened, &m.UniqueOpens, &m.EmailsClicked,
			&m.UniqueClicks, &m.Unsubscribes, &m.Bounces, &m.SpamReports, &m.RevenueGenerated, &m.Conversions,
			&rec.OpenRate, &rec.ClickRate, &rec.BounceRate, &rec.UnsubscribeRate, &rec.UpdatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan campaign analytics", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating campaign analytics", err)
	}
	return out, nil
}
