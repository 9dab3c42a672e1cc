package workflow

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/holdfast/internal/cache"
	"github.com/roach88/holdfast/internal/cascade"
	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/store"
	"github.com/roach88/holdfast/internal/validation"
)

// Env is what every stage reads and writes through. Cache may be nil.
type Env struct {
	Store  *store.Store
	Cache  *cache.Cache
	Logger *slog.Logger
}

func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// workspace opens the per-pass read view.
func (e Env) workspace(ctx context.Context, prec cascade.Precedence) (*cascade.Cascade, error) {
	return cascade.Open(ctx, e.Store, e.Cache, prec)
}

// lookupElement returns ok=false when no scope holds the header. Other
// read failures are returned as errors.
func lookupElement(ctx context.Context, cas *cascade.Cascade, h ir.Hash) (ir.Element, bool, error) {
	el, _, err := cas.Element(ctx, h)
	if isNotHeld(err) {
		return ir.Element{}, false, nil
	}
	if err != nil {
		return ir.Element{}, false, err
	}
	return el, true, nil
}

func isNotHeld(err error) bool {
	return errors.Is(err, cascade.ErrNotHeld)
}

// record applies each verdict to its op's prior state and writes the
// resulting transitions in one transaction.
func record(ctx context.Context, st *store.Store, stage store.Stage, recs []store.OpRecord, verdicts []ir.ValidateResult) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(recs))
	writes := make([]store.Verdict, 0, len(recs))
	for i, rec := range recs {
		t := validation.Apply(rec.Prior(), verdicts[i])
		outcomes = append(outcomes, outcomeFor(rec, t))
		if t.Kind != validation.NoChange {
			writes = append(writes, store.Verdict{Op: rec.Hash, Transition: t})
		}
	}
	if err := st.ApplyVerdicts(ctx, stage, writes); err != nil {
		return nil, err
	}
	return outcomes, nil
}
