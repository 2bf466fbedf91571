package service

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sillymd/hub/internal/errors"
	"github.com/sillymd/hub/internal/models"
)

type countingTenantStore struct {
	mu      sync.Mutex
	lookups int
	tenants map[string]*models.Tenant
}

func (s *countingTenantStore) GetByAPIKey(_ context.Context, apiKey string) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	t, ok := s.tenants[apiKey]
	if !ok {
		return nil, apperrors.NewNotFoundError("tenant", "")
	}
	return t, nil
}

func (s *countingTenantStore) IncrementRequestCount(context.Context, uuid.UUID) error {
	return nil
}

func TestCachingTenantStoreServesFromCache(t *testing.T) {
	tenant := &models.Tenant{ID: uuid.Must(uuid.NewV7()), APIKey: "key1"}
	inner := &countingTenantStore{tenants: map[string]*models.Tenant{"key1": tenant}}

	store, err := NewCachingTenantStore(inner, 16, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		got, err := store.GetByAPIKey(context.Background(), "key1")
		require.NoError(t, err)
		assert.Equal(t, tenant.ID, got.ID)
	}

	assert.Equal(t, 1, inner.lookups)
}

func TestCachingTenantStoreDoesNotCacheNotFound(t *testing.T) {
	inner := &countingTenantStore{tenants: map[string]*models.Tenant{}}

	store, err := NewCachingTenantStore(inner, 16, nil)
	require.NoError(t, err)

	_, err = store.GetByAPIKey(context.Background(), "missing")
	require.Error(t, err)

	// A later provisioned tenant with the same key must resolve.
	inner.mu.Lock()
	inner.tenants["missing"] = &models.Tenant{ID: uuid.Must(uuid.NewV7()), APIKey: "missing"}
	inner.mu.Unlock()

	got, err := store.GetByAPIKey(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, "missing", got.APIKey)
	assert.Equal(t, 2, inner.lookups)
}

func TestCachingTenantStoreInvalidate(t *testing.T) {
	tenant := &models.Tenant{ID: uuid.Must(uuid.NewV7()), APIKey: "key1"}
	inner := &countingTenantStore{tenants: map[string]*models.Tenant{"key1": tenant}}

	store, err := NewCachingTenantStore(inner, 16, nil)
	require.NoError(t, err)

	_, err = store.GetByAPIKey(context.Background(), "key1")
	require.NoError(t, err)

	store.Invalidate("key1")

	_, err = store.GetByAPIKey(context.Background(), "key1")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.lookups)
}
