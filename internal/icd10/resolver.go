package icd10

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// DefaultMaxInputLength is the input bound of the BERT classifier.
const DefaultMaxInputLength = 512

// Source records which tier produced a code.
type Source string

const (
	SourceRule  Source = "rule"
	SourceModel Source = "model"
	SourceNone  Source = "none"
)

// Resolution is the outcome for one indication. Code is empty when nothing
// valid was found.
type Resolution struct {
	Code   string
	Source Source
}

// Found reports whether a code was resolved.
func (r Resolution) Found() bool {
	return r.Code != ""
}

// Resolver applies the rule table, then the classifier.
type Resolver struct {
	rules  RuleTable
	model  Classifier
	maxLen int
	log    *slog.Logger
}

// NewResolver wires a rule table and a classifier. A nil classifier disables
// the model tier.
func NewResolver(rules RuleTable, model Classifier, maxLen int, logger *slog.Logger) *Resolver {
	if maxLen <= 0 {
		maxLen = DefaultMaxInputLength
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{rules: rules, model: model, maxLen: maxLen, log: logger}
}

// Resolve maps text to a code. Rule codes are trusted as is; model labels
// are kept only if IsValid accepts them.
func (r *Resolver) Resolve(ctx context.Context, text string) (Resolution, error) {
	if code, ok := r.rules.Lookup(text); ok {
		return Resolution{Code: code, Source: SourceRule}, nil
	}

	if r.model == nil {
		return Resolution{Source: SourceNone}, nil
	}

	label, err := r.model.Predict(ctx, text, r.maxLen)
	if err != nil {
		return Resolution{}, fmt.Errorf("predict code: %w", err)
	}

	if !IsValid(label) {
		r.log.Debug("discarding invalid model label", slog.String("label", label))
		return Resolution{Source: SourceNone}, nil
	}

	return Resolution{Code: label, Source: SourceModel}, nil
}
