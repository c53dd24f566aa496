package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/DeafMist/indication-mapper/backend/internal/models"
)

// SaveStatus distinguishes an empty save from an actual insert.
type SaveStatus int

const (
	SaveEmpty SaveStatus = iota
	SaveInserted
)

func (s SaveStatus) String() string {
	switch s {
	case SaveEmpty:
		return "empty"
	case SaveInserted:
		return "inserted"
	default:
		return fmt.Sprintf("SaveStatus(%d)", int(s))
	}
}

// SaveResult reports what Save did.
type SaveResult struct {
	Status   SaveStatus
	Inserted int
}

// Save bulk-inserts mappings into coll. It does not check whether coll
// already holds data; an empty input never reaches the collection.
func Save(ctx context.Context, log *slog.Logger, coll Collection, mappings []models.Mapping) (SaveResult, error) {
	if len(mappings) == 0 {
		log.Info("no mappings to save")
		return SaveResult{Status: SaveEmpty}, nil
	}

	n, err := coll.InsertMany(ctx, mappings)
	if err != nil {
		return SaveResult{Status: SaveInserted, Inserted: n}, fmt.Errorf("insert mappings: %w", err)
	}

	log.Info("mappings saved", slog.Int("count", n))
	return SaveResult{Status: SaveInserted, Inserted: n}, nil
}
