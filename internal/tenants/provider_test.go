package tenants

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/types"
)

type fakeSource struct {
	tenantCalls, brandCalls int
	tenants                 map[string]*types.TenantContext
	brands                  map[string]*types.BrandContext
}

func (f *fakeSource) GetTenant(_ context.Context, id string) (*types.TenantContext, error) {
	f.tenantCalls++
	if t, ok := f.tenants[id]; ok {
		return t, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", nil)
}

func (f *fakeSource) GetBrand(_ context.Context, id string) (*types.BrandContext, error) {
	f.brandCalls++
	if b, ok := f.brands[id]; ok {
		return b, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundBrand, "brand not found", nil)
}

type memCache struct {
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
	setErr error
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = val
	m.ttls[key] = ttl
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newSource() *fakeSource {
	industry := "outdoor retail"
	tone := "playful"
	return &fakeSource{
		tenants: map[string]*types.TenantContext{"ten_1": {ID: "ten_1", Name: "Northwind", Industry: &industry}},
		brands:  map[string]*types.BrandContext{"br_1": {ID: "br_1", TenantID: "ten_1", Name: "Trails", Tone: &tone, Keywords: []string{"boots"}}},
	}
}

func TestProvider_CachesReads(t *testing.T) {
	src := newSource()
	cache := newMemCache()
	p := NewProvider(src, cache, 10*time.Minute, quiet())
	ctx := context.Background()

	for range 3 {
		tenant, err := p.GetTenant(ctx, "ten_1")
		require.NoError(t, err)
		assert.Equal(t, "Northwind", tenant.Name)
		require.NotNil(t, tenant.Industry)
		assert.Equal(t, "outdoor retail", *tenant.Industry)
	}
	assert.Equal(t, 1, src.tenantCalls)
	assert.Equal(t, 10*time.Minute, cache.ttls[keyPrefix+"tenant:ten_1"])

	brand, err := p.GetBrand(ctx, "br_1")
	require.NoError(t, err)
	_, err = p.GetBrand(ctx, "br_1")
	require.NoError(t, err)
	assert.Equal(t, 1, src.brandCalls)
	assert.Equal(t, []string{"boots"}, brand.Keywords)
}

func TestProvider_CacheFailuresFallThrough(t *testing.T) {
	src := newSource()
	cache := newMemCache()
	cache.getErr = errors.New("connection refused")
	cache.setErr = errors.New("connection refused")
	p := NewProvider(src, cache, time.Minute, quiet())

	tenant, err := p.GetTenant(context.Background(), "ten_1")
	require.NoError(t, err)
	assert.Equal(t, "ten_1", tenant.ID)
	assert.Equal(t, 1, src.tenantCalls)
}

func TestProvider_UnreadableEntryReloads(t *testing.T) {
	src := newSource()
	cache := newMemCache()
	cache.data[keyPrefix+"tenant:ten_1"] = []byte("{not json")
	p := NewProvider(src, cache, time.Minute, quiet())

	tenant, err := p.GetTenant(context.Background(), "ten_1")
	require.NoError(t, err)
	assert.Equal(t, "Northwind", tenant.Name)
	assert.Equal(t, 1, src.tenantCalls)
}

func TestProvider_Context(t *testing.T) {
	p := NewProvider(newSource(), nil, 0, quiet())
	ctx := context.Background()

	tenant, brand, err := p.Context(ctx, "ten_1", nil)
	require.NoError(t, err)
	assert.NotNil(t, tenant)
	assert.Nil(t, brand)

	id := "br_1"
	_, brand, err = p.Context(ctx, "ten_1", &id)
	require.NoError(t, err)
	assert.Equal(t, "Trails", brand.Name)

	gone := "br_deleted"
	tenant, brand, err = p.Context(ctx, "ten_1", &gone)
	require.NoError(t, err)
	assert.NotNil(t, tenant)
	assert.Nil(t, brand)

	_, _, err = p.Context(ctx, "ten_missing", &id)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundTenant))
}

type fakeRedis struct {
	store map[string]string
	err   error
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.store[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.store[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func TestRedisCache(t *testing.T) {
	rdb := &fakeRedis{store: map[string]string{}}
	c := NewRedisCache(rdb)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "k", []byte(`{"id":"ten_1"}`), time.Minute))
	v, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"id":"ten_1"}`, string(v))

	rdb.err = errors.New("i/o timeout")
	_, _, err = c.Get(ctx, "k")
	assert.Error(t, err)
}
