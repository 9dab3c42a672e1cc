package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/holdfast/internal/cascade"
	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/store"
	"github.com/roach88/holdfast/internal/validation"
)

// Invocation is one callback call handed to an Evaluator.
type Invocation struct {
	Zome     string
	Callback string
	Op       ir.OpType
	Element  ir.Element
	// Original is the element an update, delete or link removal refers
	// to. Nil for every other op.
	Original *ir.Element
	// Package is the chain context the entry definition asks for. Nil when
	// only the element is required.
	Package *ir.ValidationPackage
}

// Evaluator runs the validation callbacks of one zome.
//
// A returned error means the callback could not be run at all. The op
// stays pending and is retried on the next pass, so errors must not be
// used to report bad data.
type Evaluator interface {
	Validate(ctx context.Context, inv Invocation) (ir.ValidateResult, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, inv Invocation) (ir.ValidateResult, error)

// Validate calls f.
func (f EvaluatorFunc) Validate(ctx context.Context, inv Invocation) (ir.ValidateResult, error) {
	return f(ctx, inv)
}

// Packager is implemented by evaluators that build their own validation
// package for entry definitions with the custom validation type.
type Packager interface {
	Package(ctx context.Context, el ir.Element) (*ir.ValidationPackage, error)
}

// AppValidation runs zome validation callbacks over ops that passed sys
// validation.
type AppValidation struct {
	env        Env
	dna        ir.DnaDef
	evaluators map[string]Evaluator
	prec       cascade.Precedence
}

// NewAppValidation creates the stage. evaluators is keyed by zome name; a
// zome without an evaluator accepts everything. A nil precedence means
// cascade.AppPrecedence.
func NewAppValidation(env Env, dna ir.DnaDef, evaluators map[string]Evaluator, prec cascade.Precedence) *AppValidation {
	if prec == nil {
		prec = cascade.AppPrecedence
	}
	return &AppValidation{env: env, dna: dna, evaluators: evaluators, prec: prec}
}

// Name returns the store stage this pass consumes.
func (a *AppValidation) Name() store.Stage {
	return store.StageAppValidation
}

// Run validates every op waiting for app validation.
func (a *AppValidation) Run(ctx context.Context) (Result, error) {
	res := Result{Stage: store.StageAppValidation, Complete: true}
	recs, err := a.env.Store.Candidates(ctx, store.StageAppValidation)
	if err != nil {
		return res, err
	}
	if len(recs) == 0 {
		return res, nil
	}

	cas, err := a.env.workspace(ctx, a.prec)
	if err != nil {
		return res, err
	}
	defer cas.Close()

	verdicts := make([]ir.ValidateResult, len(recs))
	for i, rec := range recs {
		v, err := a.validate(ctx, cas, rec)
		if err != nil {
			return res, fmt.Errorf("app validation of %s: %w", rec.Hash.Short(), err)
		}
		verdicts[i] = v
	}

	res.Outcomes, err = record(ctx, a.env.Store, store.StageAppValidation, recs, verdicts)
	if err != nil {
		return res, err
	}
	res.Complete = complete(res.Outcomes)
	return res, nil
}

func (a *AppValidation) validate(ctx context.Context, cas *cascade.Cascade, rec store.OpRecord) (ir.ValidateResult, error) {
	calls := validation.ResolveTarget(rec.Op).Calls(a.dna)
	if len(calls) == 0 {
		return ir.Valid(), nil
	}

	inv, missing, err := a.invocation(ctx, cas, rec.Op)
	if err != nil {
		return ir.ValidateResult{}, err
	}
	if len(missing) > 0 {
		return ir.Unresolved(missing...), nil
	}

	var results []ir.ValidateResult
	for _, call := range calls {
		ev, ok := a.evaluators[call.Zome]
		if !ok {
			continue
		}
		inv.Zome, inv.Callback = call.Zome, call.Callback

		pkg, missing, err := a.pkg(ctx, cas, ev, inv.Element)
		if err != nil {
			return ir.ValidateResult{}, err
		}
		if len(missing) > 0 {
			results = append(results, ir.Unresolved(missing...))
			continue
		}
		inv.Package = pkg

		v, err := ev.Validate(ctx, inv)
		if err != nil {
			if ctx.Err() != nil {
				return ir.ValidateResult{}, ctx.Err()
			}
			a.env.logger().Warn("validation callback failed",
				slog.String("op", rec.Hash.Short()),
				slog.String("zome", call.Zome),
				slog.String("callback", call.Callback),
				slog.Any("error", err),
			)
			results = append(results, ir.Unresolved())
			continue
		}
		results = append(results, v)
		if v.Kind == ir.ResultInvalid {
			break
		}
	}
	return validation.Aggregate(results...), nil
}

// invocation assembles the element and original an op is validated
// against, fetching anything the op itself does not carry. Hashes that no
// scope holds come back as missing.
func (a *AppValidation) invocation(ctx context.Context, cas *cascade.Cascade, op ir.Op) (Invocation, []ir.Hash, error) {
	el, err := op.Element()
	if err != nil {
		return Invocation{}, nil, err
	}
	inv := Invocation{Op: op.Type, Element: el}
	var missing []ir.Hash

	h := op.Header()
	if el.Entry == nil && h.Type.HasEntry() && h.EntryType != nil && h.EntryType.Public() {
		e, _, err := cas.Entry(ctx, h.EntryHash)
		switch {
		case err == nil:
			inv.Element.Entry = &e
		case isNotHeld(err):
			missing = append(missing, h.EntryHash)
		default:
			return Invocation{}, nil, err
		}
	}

	var ref ir.Hash
	switch h.Type {
	case ir.HeaderUpdate:
		ref = h.OriginalHeader
	case ir.HeaderDelete:
		ref = h.DeletesHeader
	case ir.HeaderDeleteLink:
		ref = h.LinkAddHeader
	}
	if ref != "" {
		orig, ok, err := lookupElement(ctx, cas, ref)
		if err != nil {
			return Invocation{}, nil, err
		}
		if ok {
			inv.Original = &orig
		} else {
			missing = append(missing, ref)
		}
	}
	return inv, missing, nil
}

// pkg builds the validation package the element's entry definition asks
// for. Elements without an app entry need none.
func (a *AppValidation) pkg(ctx context.Context, cas *cascade.Cascade, ev Evaluator, el ir.Element) (*ir.ValidationPackage, []ir.Hash, error) {
	switch a.requiredType(el.Header()) {
	case ir.ValidateFull:
		return walkChain(ctx, cas, el, nil)
	case ir.ValidateSubChain:
		et := el.Header().EntryType
		return walkChain(ctx, cas, el, func(h ir.Header) bool {
			return sameEntryDef(h.EntryType, et)
		})
	case ir.ValidateCustom:
		p, ok := ev.(Packager)
		if !ok {
			return &ir.ValidationPackage{Elements: []ir.Element{}}, nil, nil
		}
		pkg, err := p.Package(ctx, el)
		if err != nil {
			return nil, nil, fmt.Errorf("custom validation package: %w", err)
		}
		return pkg, nil, nil
	default:
		return nil, nil, nil
	}
}

func (a *AppValidation) requiredType(h ir.Header) ir.RequiredValidationType {
	et := h.EntryType
	if et == nil || et.Kind != ir.EntryApp {
		return ir.ValidateElement
	}
	z, ok := a.dna.Zome(et.Zome)
	if !ok {
		return ir.ValidateElement
	}
	def, ok := z.EntryDef(et.ID)
	if !ok || def.RequiredValidationType == "" {
		return ir.ValidateElement
	}
	return def.RequiredValidationType
}

// walkChain follows prev_header links from el back to the start of the
// chain and returns the earlier elements in chain order, keeping those
// accepted by keep (all when nil). The first header no scope holds is
// returned as missing.
func walkChain(ctx context.Context, cas *cascade.Cascade, el ir.Element, keep func(ir.Header) bool) (*ir.ValidationPackage, []ir.Hash, error) {
	elements := []ir.Element{}
	for prev := el.Header().PrevHeader; prev != ""; {
		p, ok, err := lookupElement(ctx, cas, prev)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, []ir.Hash{prev}, nil
		}
		if keep == nil || keep(p.Header()) {
			elements = append(elements, p)
		}
		prev = p.Header().PrevHeader
	}
	slices.Reverse(elements)
	return &ir.ValidationPackage{Elements: elements}, nil, nil
}
