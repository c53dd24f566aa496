package main

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/DeafMist/indication-mapper/backend/internal/models"
	"github.com/DeafMist/indication-mapper/backend/internal/processing"
)

// cachedStore serves repeated mapping queries from memory. Collections are
// append-only, so a cached page only lags behind a run that is still writing.
type cachedStore struct {
	mappingSearcher
	pages *expirable.LRU[string, *models.MappingPage]
}

func newCachedStore(next mappingSearcher, size int, ttl time.Duration) mappingSearcher {
	if size <= 0 {
		return next
	}
	return &cachedStore{
		mappingSearcher: next,
		pages:           expirable.NewLRU[string, *models.MappingPage](size, nil, ttl),
	}
}

func (c *cachedStore) SearchMappings(ctx context.Context, drug string, q models.MappingQuery) (*models.MappingPage, error) {
	key := queryKey(drug, q)
	if page, ok := c.pages.Get(key); ok {
		return page, nil
	}

	page, err := c.mappingSearcher.SearchMappings(ctx, drug, q)
	if err != nil {
		return nil, err
	}
	c.pages.Add(key, page)
	return page, nil
}

func (c *cachedStore) Health(ctx context.Context) error {
	if hc, ok := c.mappingSearcher.(healthChecker); ok {
		return hc.Health(ctx)
	}
	return c.mappingSearcher.Ping(ctx)
}

func queryKey(drug string, q models.MappingQuery) string {
	return strings.Join([]string{
		processing.NormalizeDrugName(drug),
		q.Indication,
		q.ICD10Code,
		strconv.Itoa(q.From),
		strconv.Itoa(q.Size),
	}, "\x00")
}
