package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/sillymd/hub/internal/models"
	"github.com/sillymd/hub/internal/observability"
	"github.com/sillymd/hub/pkg/cache"
)

// TenantStore resolves and updates tenants.
type TenantStore interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*models.Tenant, error)
	IncrementRequestCount(ctx context.Context, id uuid.UUID) error
}

// CachingTenantStore wraps a TenantStore with an in-memory api-key cache.
// Every inbound event resolves a tenant, so the hot path must not hit the
// database per request. Lookup errors (including not-found) are not cached.
type CachingTenantStore struct {
	inner   TenantStore
	cache   *cache.LoaderCache[string, *models.Tenant]
	metrics observability.RelayMetrics
}

// NewCachingTenantStore creates a caching decorator with the given capacity.
func NewCachingTenantStore(inner TenantStore, size int, metrics observability.RelayMetrics) (*CachingTenantStore, error) {
	c, err := cache.NewLoaderCache[string, *models.Tenant](size, func(k string) string { return k })
	if err != nil {
		return nil, err
	}

	return &CachingTenantStore{inner: inner, cache: c, metrics: metrics}, nil
}

// GetByAPIKey resolves the tenant, serving from cache when possible.
func (s *CachingTenantStore) GetByAPIKey(ctx context.Context, apiKey string) (*models.Tenant, error) {
	tenant, hit, err := s.cache.Get(ctx, apiKey, func(ctx context.Context, key string) (*models.Tenant, error) {
		return s.inner.GetByAPIKey(ctx, key)
	})

	if s.metrics != nil {
		s.metrics.RecordCacheLookup(ctx, "tenants", hit)
	}

	if err != nil {
		return nil, err
	}

	return tenant, nil
}

// IncrementRequestCount passes through; the cached RequestCount is advisory
// and refreshes on eviction.
func (s *CachingTenantStore) IncrementRequestCount(ctx context.Context, id uuid.UUID) error {
	return s.inner.IncrementRequestCount(ctx, id)
}

// Invalidate drops the cache entry for one api key, e.g. after deactivation.
func (s *CachingTenantStore) Invalidate(apiKey string) {
	s.cache.Invalidate(apiKey)
}

var _ TenantStore = (*CachingTenantStore)(nil)
