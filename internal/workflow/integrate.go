package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/store"
	"github.com/roach88/holdfast/internal/validation"
)

// IntegrationConfig configures the integration stage.
type IntegrationConfig struct {
	Policy validation.AbandonPolicy
	// Next supplies integration sequence numbers. It must be monotonic
	// across passes.
	Next func() int64
	// Now is the wall clock abandonment is judged against. Defaults to
	// time.Now.
	Now func() time.Time
}

// Integration gives up on ops that have waited too long, then moves every
// op with a definitive verdict out of the pending scope.
type Integration struct {
	env Env
	cfg IntegrationConfig
}

// NewIntegration creates the stage.
func NewIntegration(env Env, cfg IntegrationConfig) (*Integration, error) {
	if cfg.Next == nil {
		return nil, errors.New("integration: sequence source is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Integration{env: env, cfg: cfg}, nil
}

// Name returns the store stage this pass consumes.
func (in *Integration) Name() store.Stage {
	return store.StageIntegration
}

// Run abandons expired ops and integrates or rejects every candidate.
// Each op moves in its own transaction, in chain order, so an op whose
// prerequisite is integrated earlier in the same pass moves too.
//
// Complete is false while any op still waits for integration or for a
// dependency in an earlier stage.
func (in *Integration) Run(ctx context.Context) (Result, error) {
	res := Result{Stage: store.StageIntegration}

	abandoned, err := in.abandon(ctx)
	if err != nil {
		return res, err
	}
	res.Outcomes = append(res.Outcomes, abandoned...)

	recs, err := in.env.Store.Candidates(ctx, store.StageIntegration)
	if err != nil {
		return res, err
	}
	for _, rec := range recs {
		o, err := in.move(ctx, rec)
		if err != nil {
			return res, err
		}
		res.Outcomes = append(res.Outcomes, o)
	}

	left, err := in.env.Store.Candidates(ctx, store.StageIntegration)
	if err != nil {
		return res, err
	}
	waiting, err := in.env.Store.Unresolved(ctx)
	if err != nil {
		return res, err
	}
	res.Complete = len(left) == 0 && len(waiting) == 0
	return res, nil
}

func (in *Integration) abandon(ctx context.Context) ([]Outcome, error) {
	recs, err := in.env.Store.Unresolved(ctx)
	if err != nil {
		return nil, err
	}
	now := in.cfg.Now()
	var out []Outcome
	for _, rec := range recs {
		if !in.cfg.Policy.ShouldAbandon(rec.Retries, rec.MissingSince, now) {
			continue
		}
		reason := in.cfg.Policy.Reason(rec.Retries, rec.MissingSince, now)
		moved, err := in.env.Store.Abandon(ctx, rec.Hash, reason)
		if err != nil {
			return nil, err
		}
		if !moved {
			continue
		}
		in.env.logger().Info("op abandoned",
			slog.String("op", rec.Hash.Short()),
			slog.String("label", rec.Op.Describe()),
			slog.String("reason", reason),
			slog.Int("missing", len(rec.Missing)),
		)
		out = append(out, Outcome{
			Op:          rec.Hash,
			Label:       rec.Op.Describe(),
			Disposition: Abandoned,
			Reason:      reason,
			Missing:     rec.Missing,
		})
	}
	return out, nil
}

func (in *Integration) move(ctx context.Context, rec store.OpRecord) (Outcome, error) {
	o := Outcome{Op: rec.Hash, Label: rec.Op.Describe()}
	switch rec.Status {
	case ir.StatusRejected:
		if _, err := in.env.Store.Reject(ctx, rec.Hash, in.cfg.Next); err != nil {
			return o, in.classify(rec, err)
		}
		o.Disposition, o.Reason = Rejected, rec.Reason
	case ir.StatusValid:
		r, err := in.env.Store.Integrate(ctx, rec.Hash, in.cfg.Next)
		if err != nil {
			return o, in.classify(rec, err)
		}
		if r.Integrated || r.Already {
			o.Disposition = Integrated
		} else {
			o.Disposition, o.Missing = Pending, r.Missing
		}
	default:
		return o, &ir.InvariantError{
			Code:    ir.InvariantScopeStatus,
			Message: "op reached integration without a verdict",
			Op:      rec.Hash,
			Details: map[string]string{"status": rec.Status.String()},
		}
	}
	return o, nil
}

// classify turns a refused move into an invariant violation. Anything
// else is a transient store failure the next pass may get past.
func (in *Integration) classify(rec store.OpRecord, err error) error {
	if errors.Is(err, store.ErrWrongState) {
		return fmt.Errorf("integration: %w", &ir.InvariantError{
			Code:    ir.InvariantRegression,
			Message: err.Error(),
			Op:      rec.Hash,
		})
	}
	return err
}
