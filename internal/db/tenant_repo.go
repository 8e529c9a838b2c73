package db

import (
	"context"

	"marketpulse/internal/types"
)

// TenantRepository reads tenant and brand context. The job engine never
// writes these tables.
type TenantRepository struct {
	db DBTX
}

// NewTenantRepository creates a TenantRepository backed by db.
func NewTenantRepository(db DBTX) *TenantRepository {
	return &TenantRepository{db: db}
}

// GetTenant returns the tenant or a not_found_tenant error.
func (r *TenantRepository) GetTenant(ctx context.Context, id string) (*types.TenantContext, error) {
	var t types.TenantContext
	err := r.db.QueryRow(ctx,
		`SELECT id, name, industry, website, locale FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Industry, &t.Website, &t.Locale)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", nil).
				WithDetails(map[string]any{"tenant_id": id})
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get tenant", err)
	}
	return &t, nil
}

// GetBrand returns the brand or a not_found_brand error.
func (r *TenantRepository) GetBrand(ctx context.Context, id string) (*types.BrandContext, error) {
	var b types.BrandContext
	err := r.db.QueryRow(ctx,
		`SELECT id, tenant_id, name, tone, audience, keywords, value_props, competitors, primary_channel
		 FROM brands WHERE id = $1`, id,
	).Scan(&b.ID, &b.TenantID, &b.Name, &b.Tone, &b.Audience, &b.Keywords, &b.ValueProps,
		&b.Competitors, &b.PrimaryChannel)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundBrand, "brand not found", nil).
				WithDetails(map[string]any{"brand_id": id})
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get brand", err)
	}
	return &b, nil
}
