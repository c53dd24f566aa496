// Package store defines the mapping collection contract shared by the
// storage backends and the Save operation used by the pipeline.
package store

import (
	"context"
	"errors"

	"github.com/DeafMist/indication-mapper/backend/internal/models"
)

var (
	// ErrConflict is returned by InsertMany when a mapping with the same ID already exists.
	ErrConflict = errors.New("mapping already exists")
	// ErrDrugNotFound is returned by SearchMappings when a drug has no collection.
	ErrDrugNotFound = errors.New("drug not found")
	// ErrMappingNotFound is returned by GetMapping when the drug exists but the id does not.
	ErrMappingNotFound = errors.New("mapping not found")
)

// Collection is the append-only set of mappings of one drug.
type Collection interface {
	// EstimatedCount returns a fast, possibly approximate, number of stored mappings.
	EstimatedCount(ctx context.Context) (int64, error)
	// InsertMany stores mappings with create-only semantics and returns how many were written.
	InsertMany(ctx context.Context, mappings []models.Mapping) (int, error)
}

// Backend is a storage engine holding one collection per drug.
type Backend interface {
	Collection(drug string) Collection
	SearchMappings(ctx context.Context, drug string, q models.MappingQuery) (*models.MappingPage, error)
	GetMapping(ctx context.Context, drug, id string) (*models.Mapping, error)
	Ping(ctx context.Context) error
	Close() error
}
