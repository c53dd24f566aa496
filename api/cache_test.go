package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/indication-mapper/backend/internal/models"
)

func TestCachedStoreReusesPages(t *testing.T) {
	backend := &stubSearcher{page: &models.MappingPage{Total: 2}}
	cached := newCachedStore(backend, 10, time.Minute)
	ctx := context.Background()
	q := models.MappingQuery{Indication: "derm", Size: 20}

	first, err := cached.SearchMappings(ctx, "Dupixent", q)
	require.NoError(t, err)
	second, err := cached.SearchMappings(ctx, "dupixent", q)
	require.NoError(t, err)

	require.Equal(t, 1, backend.searchCalls)
	require.Same(t, first, second)

	_, err = cached.SearchMappings(ctx, "dupixent", models.MappingQuery{Indication: "derm", Size: 20, From: 20})
	require.NoError(t, err)
	_, err = cached.SearchMappings(ctx, "dupixent", models.MappingQuery{ICD10Code: "derm", Size: 20})
	require.NoError(t, err)
	require.Equal(t, 3, backend.searchCalls)
}

func TestCachedStoreSkipsErrors(t *testing.T) {
	backend := &stubSearcher{err: errors.New("cluster red")}
	cached := newCachedStore(backend, 10, time.Minute)

	for range 2 {
		_, err := cached.SearchMappings(context.Background(), "dupixent", models.MappingQuery{})
		require.Error(t, err)
	}
	require.Equal(t, 2, backend.searchCalls)
}

func TestCachedStoreExpires(t *testing.T) {
	backend := &stubSearcher{page: &models.MappingPage{}}
	cached := newCachedStore(backend, 10, 20*time.Millisecond)

	_, _ = cached.SearchMappings(context.Background(), "dupixent", models.MappingQuery{})
	time.Sleep(30 * time.Millisecond)
	_, _ = cached.SearchMappings(context.Background(), "dupixent", models.MappingQuery{})
	require.Equal(t, 2, backend.searchCalls)
}

func TestCachedStoreDisabled(t *testing.T) {
	backend := &stubSearcher{}
	require.Same(t, backend, newCachedStore(backend, 0, time.Minute))
}

func TestCachedStoreHealthFallsBackToPing(t *testing.T) {
	cached := newCachedStore(&stubSearcher{pingErr: errors.New("down")}, 10, time.Minute)
	hc, ok := cached.(healthChecker)
	require.True(t, ok)
	require.EqualError(t, hc.Health(context.Background()), "down")
}
