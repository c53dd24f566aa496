// Package pipeline runs one mapping pass over one drug label:
// guard against existing data, extract and resolve indications, then store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/DeafMist/indication-mapper/backend/internal/icd10"
	"github.com/DeafMist/indication-mapper/backend/internal/label"
	"github.com/DeafMist/indication-mapper/backend/internal/lock"
	"github.com/DeafMist/indication-mapper/backend/internal/models"
	"github.com/DeafMist/indication-mapper/backend/internal/processing"
	"github.com/DeafMist/indication-mapper/backend/internal/store"
)

// DocumentSource returns the raw label XML.
type DocumentSource interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// CodeResolver maps indication text to a code.
type CodeResolver interface {
	Resolve(ctx context.Context, text string) (icd10.Resolution, error)
}

// Locker guards a run against concurrent runs for the same drug.
type Locker interface {
	Acquire(ctx context.Context, name, token string) (func(context.Context) error, error)
}

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeAborted Outcome = "aborted"
	OutcomeFailed  Outcome = "failed"
)

// Reason tags why a run did not end in OutcomeDone.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonAlreadyProcessed Reason = "already_processed"
	ReasonLocked           Reason = "locked"
	ReasonGuardFailed      Reason = "guard_failed"
	ReasonExtractionFailed Reason = "extraction_failed"
	ReasonResolutionFailed Reason = "resolution_failed"
	ReasonStorageFailed    Reason = "storage_failed"
)

// Result describes a finished run. Mappings holds what was computed, and
// is empty whenever processing did not complete.
type Result struct {
	RunID    string
	DrugName string
	Outcome  Outcome
	Reason   Reason
	Err      error
	Mappings []models.Mapping
	Inserted int
}

// Runner executes mapping runs for one drug.
type Runner struct {
	drug     string
	source   DocumentSource
	resolver CodeResolver
	coll     store.Collection
	locker   Locker
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLocker serializes runs through l.
func WithLocker(l Locker) Option {
	return func(r *Runner) { r.locker = l }
}

// WithLogger sets the run logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// WithClock overrides the mapping timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner builds a runner for drug.
func NewRunner(drug string, src DocumentSource, resolver CodeResolver, coll store.Collection, opts ...Option) *Runner {
	r := &Runner{
		drug:     processing.NormalizeDrugName(drug),
		source:   src,
		resolver: resolver,
		coll:     coll,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type stageError struct {
	reason Reason
	err    error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// Run performs one run and reports its outcome. It never panics.
func (r *Runner) Run(ctx context.Context) Result {
	res := Result{RunID: r.newID(), DrugName: r.drug}
	log := r.log.With(slog.String("run_id", res.RunID), slog.String("drug", r.drug))

	if r.locker != nil {
		unlock, err := r.locker.Acquire(ctx, r.drug, res.RunID)
		if err != nil {
			if errors.Is(err, lock.ErrLocked) {
				log.Info("another run holds the lock, aborting")
				return r.abort(res, ReasonLocked)
			}
			return r.fail(log, res, ReasonGuardFailed, err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warn("release run lock", slog.Any("err", err))
			}
		}()
	}

	count, err := r.coll.EstimatedCount(ctx)
	if err != nil {
		return r.fail(log, res, ReasonGuardFailed, fmt.Errorf("count existing mappings: %w", err))
	}
	if count > 0 {
		log.Info("collection already contains data, run aborted", slog.Int64("existing", count))
		return r.abort(res, ReasonAlreadyProcessed)
	}

	mappings, err := r.process(ctx, log, res.RunID)
	if err != nil {
		var se *stageError
		reason := ReasonExtractionFailed
		if errors.As(err, &se) {
			reason = se.reason
		}
		return r.fail(log, res, reason, err)
	}
	res.Mappings = mappings

	saved, err := store.Save(ctx, log, r.coll, mappings)
	res.Inserted = saved.Inserted
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Info("mappings already stored by another run", slog.Any("err", err))
			return r.abort(res, ReasonAlreadyProcessed)
		}
		return r.fail(log, res, ReasonStorageFailed, err)
	}

	res.Outcome = OutcomeDone
	log.Info("run finished",
		slog.Int("mappings", len(mappings)),
		slog.Int("inserted", res.Inserted),
		slog.String("save", saved.Status.String()),
	)
	return res
}

// process fetches, extracts and resolves. A panic is turned into an error
// carrying the stack.
func (r *Runner) process(ctx context.Context, log *slog.Logger, runID string) (mappings []models.Mapping, err error) {
	defer func() {
		if p := recover(); p != nil {
			mappings = nil
			err = &stageError{
				reason: ReasonExtractionFailed,
				err:    fmt.Errorf("panic during processing: %v\n%s", p, debug.Stack()),
			}
		}
	}()

	log.Info("fetching label")
	doc, err := r.source.Fetch(ctx)
	if err != nil {
		return nil, &stageError{reason: ReasonExtractionFailed, err: fmt.Errorf("fetch label: %w", err)}
	}

	log.Info("extracting indications")
	indications, err := label.ExtractIndications(doc)
	if err != nil {
		return nil, &stageError{reason: ReasonExtractionFailed, err: fmt.Errorf("extract indications: %w", err)}
	}
	log.Info("indications extracted", slog.Int("count", len(indications)))

	createdAt := r.now()
	mappings = make([]models.Mapping, 0, len(indications))
	for i, ind := range indications {
		text := ind.String()
		resolution, err := r.resolver.Resolve(ctx, text)
		if err != nil {
			return nil, &stageError{reason: ReasonResolutionFailed, err: fmt.Errorf("resolve %q: %w", ind.Title, err)}
		}

		m := models.Mapping{
			ID:         processing.BuildMappingID(r.drug, i, text),
			RunID:      runID,
			DrugName:   r.drug,
			Indication: text,
			Position:   i,
			CreatedAt:  createdAt,
		}
		if resolution.Found() {
			code := resolution.Code
			m.ICD10Code = &code
		}

		log.Debug("indication resolved",
			slog.String("indication", ind.Title),
			slog.String("code", resolution.Code),
			slog.String("source", string(resolution.Source)),
		)
		mappings = append(mappings, m)
	}

	return mappings, nil
}

func (r *Runner) abort(res Result, reason Reason) Result {
	res.Outcome = OutcomeAborted
	res.Reason = reason
	res.Mappings = nil
	return res
}

func (r *Runner) fail(log *slog.Logger, res Result, reason Reason, err error) Result {
	log.Error("run failed",
		slog.String("reason", string(reason)),
		slog.String("err_type", fmt.Sprintf("%T", rootCause(err))),
		slog.Any("err", err),
	)
	res.Outcome = OutcomeFailed
	res.Reason = reason
	res.Err = err
	res.Mappings = nil
	return res
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
