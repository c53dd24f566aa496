package icd10_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/indication-mapper/backend/internal/icd10"
)

type stubClassifier struct {
	label  string
	err    error
	calls  int
	maxLen int
}

func (s *stubClassifier) Predict(_ context.Context, _ string, maxLen int) (string, error) {
	s.calls++
	s.maxLen = maxLen
	return s.label, s.err
}

func TestResolverRulesTakePrecedence(t *testing.T) {
	model := &stubClassifier{label: "Z99.9"}
	r := icd10.NewResolver(icd10.DefaultRules(), model, 0, nil)

	got, err := r.Resolve(context.Background(), "patients with atopic dermatitis who are candidates for systemic therapy")
	require.NoError(t, err)
	require.Equal(t, icd10.Resolution{Code: "L20.9", Source: icd10.SourceRule}, got)
	require.Zero(t, model.calls)
}

func TestResolverRuleCodesAreNotValidated(t *testing.T) {
	rules := icd10.NewRuleTable([]icd10.Rule{{Phrase: "hives", Code: "l50-custom"}})
	r := icd10.NewResolver(rules, &stubClassifier{}, 0, nil)

	got, err := r.Resolve(context.Background(), "Hives: itchy")
	require.NoError(t, err)
	require.Equal(t, "l50-custom", got.Code)
}

func TestResolverFallsBackToModel(t *testing.T) {
	model := &stubClassifier{label: "L12.0"}
	r := icd10.NewResolver(icd10.DefaultRules(), model, 256, nil)

	got, err := r.Resolve(context.Background(), "Bullous Pemphigoid: adults with BP")
	require.NoError(t, err)
	require.Equal(t, icd10.Resolution{Code: "L12.0", Source: icd10.SourceModel}, got)
	require.Equal(t, 1, model.calls)
	require.Equal(t, 256, model.maxLen)
}

func TestResolverDefaultMaxLength(t *testing.T) {
	model := &stubClassifier{label: "L12.0"}
	r := icd10.NewResolver(icd10.DefaultRules(), model, 0, nil)

	_, err := r.Resolve(context.Background(), "unmatched")
	require.NoError(t, err)
	require.Equal(t, icd10.DefaultMaxInputLength, model.maxLen)
}

func TestResolverInvalidModelLabelIsNull(t *testing.T) {
	for _, label := range []string{"", "not-a-code", "l12.0", "L12.00000"} {
		t.Run(label, func(t *testing.T) {
			r := icd10.NewResolver(icd10.DefaultRules(), &stubClassifier{label: label}, 0, nil)

			got, err := r.Resolve(context.Background(), "Bullous Pemphigoid")
			require.NoError(t, err)
			require.False(t, got.Found())
			require.Equal(t, icd10.SourceNone, got.Source)
		})
	}
}

func TestResolverWithoutModel(t *testing.T) {
	r := icd10.NewResolver(icd10.DefaultRules(), nil, 0, nil)

	got, err := r.Resolve(context.Background(), "Bullous Pemphigoid")
	require.NoError(t, err)
	require.False(t, got.Found())
}

func TestResolverPropagatesModelErrors(t *testing.T) {
	boom := errors.New("inference down")
	r := icd10.NewResolver(icd10.DefaultRules(), &stubClassifier{err: boom}, 0, nil)

	_, err := r.Resolve(context.Background(), "Bullous Pemphigoid")
	require.ErrorIs(t, err, boom)
}
