// Package tenants provides the read-only tenant and brand context the router
// enriches payloads with. Reads go through an optional cache.
package tenants

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"marketpulse/internal/types"
)

const keyPrefix = "marketpulse:ctx:"

// Source loads context records. *db.TenantRepository satisfies it.
type Source interface {
	GetTenant(ctx context.Context, id string) (*types.TenantContext, error)
	GetBrand(ctx context.Context, id string) (*types.BrandContext, error)
}

// Provider reads tenant and brand context through a cache.
type Provider struct {
	src    Source
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewProvider builds a Provider. cache may be nil to read straight from src.
func NewProvider(src Source, cache Cache, ttl time.Duration, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{src: src, cache: cache, ttl: ttl, logger: logger}
}

// GetTenant returns the tenant, or not_found_tenant.
func (p *Provider) GetTenant(ctx context.Context, id string) (*types.TenantContext, error) {
	return cached(ctx, p, keyPrefix+"tenant:"+id, func() (*types.TenantContext, error) {
		return p.src.GetTenant(ctx, id)
	})
}

// GetBrand returns the brand, or not_found_brand.
func (p *Provider) GetBrand(ctx context.Context, id string) (*types.BrandContext, error) {
	return cached(ctx, p, keyPrefix+"brand:"+id, func() (*types.BrandContext, error) {
		return p.src.GetBrand(ctx, id)
	})
}

// Context loads what the router needs for one task. The tenant must exist.
// A missing brand is logged and routed without brand context, since every
// brand field has a default.
func (p *Provider) Context(ctx context.Context, tenantID string, brandID *string) (*types.TenantContext, *types.BrandContext, error) {
	tenant, err := p.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	if brandID == nil || *brandID == "" {
		return tenant, nil, nil
	}
	brand, err := p.GetBrand(ctx, *brandID)
	if types.IsCode(err, types.ErrCodeNotFoundBrand) {
		p.logger.WarnContext(ctx, "brand not found, routing without brand context",
			"tenant_id", tenantID, "brand_id", *brandID)
		return tenant, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return tenant, brand, nil
}

// cached reads key from the cache, or calls load and stores its result.
// Cache failures are logged and never fail the read.
func cached[T any](ctx context.Context, p *Provider, key string, load func() (*T, error)) (*T, error) {
	if p.cache != nil {
		raw, found, err := p.cache.Get(ctx, key)
		switch {
		case err != nil:
			p.logger.WarnContext(ctx, "context cache read failed", "key", key, "error", err)
		case found:
			var v T
			if err := json.Unmarshal(raw, &v); err == nil {
				return &v, nil
			}
			p.logger.WarnContext(ctx, "context cache entry unreadable", "key", key)
		}
	}

	v, err := load()
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		raw, err := json.Marshal(v)
		if err == nil {
			err = p.cache.Set(ctx, key, raw, p.ttl)
		}
		if err != nil {
			p.logger.WarnContext(ctx, "context cache write failed", "key", key, "error", err)
		}
	}
	return v, nil
}
