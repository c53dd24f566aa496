package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/indication-mapper/backend/internal/models"
	"github.com/DeafMist/indication-mapper/backend/internal/postgres"
	"github.com/DeafMist/indication-mapper/backend/internal/store"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *postgres.Store) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db, mock, postgres.New(db, nil)
}

func sampleMappings() []models.Mapping {
	code := "J45.909"
	return []models.Mapping{
		{ID: "id-1", RunID: "run-1", DrugName: "dupixent", Indication: "Asthma: for treatment of asthma", ICD10Code: &code, Position: 0},
		{ID: "id-2", RunID: "run-1", DrugName: "dupixent", Indication: "Other: unmapped", Position: 1},
	}
}

func TestEstimatedCount(t *testing.T) {
	_, mock, s := setupMockDB(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM indication_mappings WHERE drug_name = \$1`).
		WithArgs("dupixent").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.Collection(" Dupixent ").EstimatedCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMany_Success(t *testing.T) {
	_, mock, s := setupMockDB(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO indication_mappings`)
	prep.ExpectExec().
		WithArgs("id-1", "run-1", "dupixent", "Asthma: for treatment of asthma", "J45.909", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs("id-2", "run-1", "dupixent", "Other: unmapped", nil, 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.Collection("dupixent").InsertMany(context.Background(), sampleMappings())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMany_UniqueViolation(t *testing.T) {
	_, mock, s := setupMockDB(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO indication_mappings`)
	prep.ExpectExec().
		WillReturnError(&pq.Error{Code: "23505", Detail: "Key (mapping_id)=(id-1) already exists."})
	mock.ExpectRollback()

	n, err := s.Collection("dupixent").InsertMany(context.Background(), sampleMappings())
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMany_ExecError(t *testing.T) {
	_, mock, s := setupMockDB(t)
	boom := errors.New("connection reset")

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO indication_mappings`)
	prep.ExpectExec().WillReturnError(boom)
	mock.ExpectRollback()

	_, err := s.Collection("dupixent").InsertMany(context.Background(), sampleMappings())
	require.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, store.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMany_Empty(t *testing.T) {
	_, mock, s := setupMockDB(t)

	n, err := s.Collection("dupixent").InsertMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchMappings_DrugNotFound(t *testing.T) {
	_, mock, s := setupMockDB(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := s.SearchMappings(context.Background(), "Unknown", models.MappingQuery{})
	require.ErrorIs(t, err, store.ErrDrugNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchMappings_Filters(t *testing.T) {
	_, mock, s := setupMockDB(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("dupixent").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM indication_mappings`).
		WithArgs("dupixent", `%50\%%`, "%%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT mapping_id, run_id`).
		WithArgs("dupixent", `%50\%%`, "%%", 200, 0).
		WillReturnRows(sqlmock.NewRows([]string{"mapping_id", "run_id", "drug_name", "indication", "icd10_code", "position", "created_at"}).
			AddRow("id-1", "run-1", "dupixent", "A: 50% of patients", "L20.9", 0, created).
			AddRow("id-2", "run-1", "dupixent", "B: 50% of others", nil, 1, created))

	page, err := s.SearchMappings(context.Background(), "dupixent", models.MappingQuery{Indication: "50%", Size: 1000, From: -3})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	require.Len(t, page.Items, 2)
	require.NotNil(t, page.Items[0].ICD10Code)
	assert.Equal(t, "L20.9", *page.Items[0].ICD10Code)
	assert.Nil(t, page.Items[1].ICD10Code)
	assert.Equal(t, created, page.Items[1].CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMapping(t *testing.T) {
	_, mock, s := setupMockDB(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT mapping_id, run_id`).
		WithArgs("dupixent", "id-1").
		WillReturnRows(sqlmock.NewRows([]string{"mapping_id", "run_id", "drug_name", "indication", "icd10_code", "position", "created_at"}).
			AddRow("id-1", "run-1", "dupixent", "Asthma: for treatment of asthma", "J45.909", 1, created))

	m, err := s.GetMapping(context.Background(), "Dupixent", "id-1")
	require.NoError(t, err)
	assert.Equal(t, "id-1", m.ID)
	assert.Equal(t, "J45.909", m.Code())
	assert.Equal(t, 1, m.Position)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMapping_Missing(t *testing.T) {
	tests := []struct {
		name    string
		exists  bool
		wantErr error
	}{
		{name: "unknown id", exists: true, wantErr: store.ErrMappingNotFound},
		{name: "unknown drug", exists: false, wantErr: store.ErrDrugNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, s := setupMockDB(t)

			mock.ExpectQuery(`SELECT mapping_id, run_id`).
				WithArgs("dupixent", "nope").
				WillReturnError(sql.ErrNoRows)
			mock.ExpectQuery(`SELECT EXISTS`).
				WithArgs("dupixent").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tt.exists))

			_, err := s.GetMapping(context.Background(), "dupixent", "nope")
			require.ErrorIs(t, err, tt.wantErr)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
