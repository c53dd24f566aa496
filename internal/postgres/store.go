// Package postgres stores indication mappings in a single PostgreSQL table.
// A drug's collection is the set of rows carrying its drug_name.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/DeafMist/indication-mapper/backend/internal/models"
	"github.com/DeafMist/indication-mapper/backend/internal/processing"
	"github.com/DeafMist/indication-mapper/backend/internal/store"
)

const uniqueViolation = pq.ErrorCode("23505")

const schema = `
CREATE TABLE IF NOT EXISTS indication_mappings (
	mapping_id TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	drug_name  TEXT NOT NULL,
	indication TEXT NOT NULL,
	icd10_code TEXT NULL,
	position   INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS indication_mappings_drug_name_idx ON indication_mappings (drug_name);
`

// Store is the PostgreSQL mapping backend.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

var _ store.Backend = (*Store)(nil)

// Open opens a connection pool for dsn. The connection is not verified; call Ping.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db, logger), nil
}

// New wraps an existing pool.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{db: db, log: logger}
}

// EnsureSchema creates the mappings table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Collection returns the mapping collection of drug.
func (s *Store) Collection(drug string) store.Collection {
	return &Collection{db: s.db, drug: processing.NormalizeDrugName(drug)}
}

// SearchMappings filters the mappings of drug with case-insensitive
// substring matches on indication and code.
func (s *Store) SearchMappings(ctx context.Context, drug string, q models.MappingQuery) (*models.MappingPage, error) {
	if q.Size <= 0 {
		q.Size = 20
	}
	if q.Size > 200 {
		q.Size = 200
	}
	if q.From < 0 {
		q.From = 0
	}
	drug = processing.NormalizeDrugName(drug)

	if err := s.checkDrug(ctx, drug); err != nil {
		return nil, err
	}

	indication := likePattern(q.Indication)
	code := likePattern(q.ICD10Code)

	var total int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM indication_mappings
		WHERE drug_name = $1 AND indication ILIKE $2 AND COALESCE(icd10_code, '') ILIKE $3`,
		drug, indication, code,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count mappings: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT mapping_id, run_id, drug_name, indication, icd10_code, position, created_at
		FROM indication_mappings
		WHERE drug_name = $1 AND indication ILIKE $2 AND COALESCE(icd10_code, '') ILIKE $3
		ORDER BY position
		LIMIT $4 OFFSET $5`,
		drug, indication, code, q.Size, q.From,
	)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	items := make([]models.Mapping, 0, q.Size)
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mappings: %w", err)
	}

	return &models.MappingPage{Total: total, Items: items}, nil
}

// GetMapping returns one mapping of drug by id.
func (s *Store) GetMapping(ctx context.Context, drug, id string) (*models.Mapping, error) {
	drug = processing.NormalizeDrugName(drug)

	row := s.db.QueryRowContext(ctx, `
		SELECT mapping_id, run_id, drug_name, indication, icd10_code, position, created_at
		FROM indication_mappings
		WHERE drug_name = $1 AND mapping_id = $2`,
		drug, id,
	)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		if err := s.checkDrug(ctx, drug); err != nil {
			return nil, err
		}
		return nil, store.ErrMappingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) checkDrug(ctx context.Context, drug string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM indication_mappings WHERE drug_name = $1)`, drug,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check drug: %w", err)
	}
	if !exists {
		return store.ErrDrugNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row rowScanner) (models.Mapping, error) {
	var m models.Mapping
	var icd sql.NullString
	if err := row.Scan(&m.ID, &m.RunID, &m.DrugName, &m.Indication, &icd, &m.Position, &m.CreatedAt); err != nil {
		return models.Mapping{}, fmt.Errorf("scan mapping: %w", err)
	}
	if icd.Valid {
		code := icd.String
		m.ICD10Code = &code
	}
	return m, nil
}

// Collection is the set of rows of one drug.
type Collection struct {
	db   *sql.DB
	drug string
}

// EstimatedCount implements store.Collection.
func (c *Collection) EstimatedCount(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM indication_mappings WHERE drug_name = $1`, c.drug,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mappings: %w", err)
	}
	return n, nil
}

// InsertMany implements store.Collection. All rows are written in one
// transaction; a duplicate mapping_id rolls it back and reports store.ErrConflict.
func (c *Collection) InsertMany(ctx context.Context, mappings []models.Mapping) (n int, err error) {
	if len(mappings) == 0 {
		return 0, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO indication_mappings
			(mapping_id, run_id, drug_name, indication, icd10_code, position, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range mappings {
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.RunID, m.DrugName, m.Indication, nullString(m.ICD10Code), m.Position, createdAt,
		); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return 0, fmt.Errorf("%w: %s", store.ErrConflict, pqErr.Detail)
			}
			return 0, fmt.Errorf("insert mapping: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(mappings), nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}
