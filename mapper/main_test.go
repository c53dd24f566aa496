package main

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/indication-mapper/backend/internal/models"
	"github.com/DeafMist/indication-mapper/backend/internal/pipeline"
)

func TestExitCode(t *testing.T) {
	require.Equal(t, 0, exitCode(pipeline.Result{Outcome: pipeline.OutcomeDone}))
	require.Equal(t, 0, exitCode(pipeline.Result{Outcome: pipeline.OutcomeAborted, Reason: pipeline.ReasonAlreadyProcessed}))
	require.Equal(t, 0, exitCode(pipeline.Result{Outcome: pipeline.OutcomeAborted, Reason: pipeline.ReasonLocked}))
	require.Equal(t, 1, exitCode(pipeline.Result{Outcome: pipeline.OutcomeFailed, Err: errors.New("boom")}))
}

func TestReportLogsEveryMapping(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	code := "L20.9"

	report(log, pipeline.Result{
		RunID:   "run-1",
		Outcome: pipeline.OutcomeDone,
		Mappings: []models.Mapping{
			{Position: 0, Indication: "Atopic Dermatitis: moderate-to-severe", ICD10Code: &code},
			{Position: 1, Indication: "Something Else: rare"},
		},
		Inserted: 2,
	})

	out := buf.String()
	require.Contains(t, out, "icd10_code=L20.9")
	require.Contains(t, out, `indication="Something Else: rare" icd10_code=""`)
	require.Contains(t, out, "outcome=done")
	require.Contains(t, out, "inserted=2")
}
