package dna

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/workflow"
)

// Definition is a compiled DNA: the structural definition the pipeline
// routes on, plus the CUE schemas the bundled evaluator checks entries
// against.
type Definition struct {
	Dna  ir.DnaDef
	Hash ir.Hash

	// CUE values are not safe for concurrent use.
	mu    sync.Mutex
	rules map[entryKey]entryRule
}

// Evaluators returns one SchemaEvaluator per zome, keyed by zome name, in
// the shape the app validation stage expects.
func (d *Definition) Evaluators() map[string]workflow.Evaluator {
	evs := make(map[string]workflow.Evaluator, len(d.Dna.Zomes))
	for _, z := range d.Dna.Zomes {
		evs[z.Name] = &SchemaEvaluator{def: d, zome: z}
	}
	return evs
}

// SchemaEvaluator validates one zome's data against its DNA definition:
//   - app entries must unify with their entry def's schema
//   - link tags must be declared when the zome declares any
//
// Everything else is valid.
type SchemaEvaluator struct {
	def  *Definition
	zome ir.ZomeDef
}

var _ workflow.Evaluator = (*SchemaEvaluator)(nil)

// Validate answers one callback. Only the entry-def specific callbacks and
// validate_create_link carry checks; the general callbacks pass so each
// failure is reported once.
func (e *SchemaEvaluator) Validate(ctx context.Context, inv workflow.Invocation) (ir.ValidateResult, error) {
	if err := ctx.Err(); err != nil {
		return ir.ValidateResult{}, err
	}
	switch {
	case inv.Callback == "validate_create_link":
		return e.checkLinkTag(inv.Element.Header()), nil
	case strings.HasPrefix(inv.Callback, "validate_create_entry_"),
		strings.HasPrefix(inv.Callback, "validate_update_entry_"):
		return e.checkEntry(inv.Element)
	default:
		return ir.Valid(), nil
	}
}

func (e *SchemaEvaluator) checkLinkTag(h ir.Header) ir.ValidateResult {
	if len(e.zome.LinkTags) == 0 || slices.Contains(e.zome.LinkTags, h.Tag) {
		return ir.Valid()
	}
	return ir.Invalid(fmt.Sprintf("link tag %q is not declared by zome %s", h.Tag, e.zome.Name))
}

func (e *SchemaEvaluator) checkEntry(el ir.Element) (ir.ValidateResult, error) {
	et := el.Header().EntryType
	if et == nil || el.Entry == nil {
		return ir.Valid(), nil
	}
	return e.def.check(entryKey{zome: et.Zome, id: et.ID}, el.Entry.Content)
}

// check unifies content with the entry def's schema. An entry def with no
// schema accepts anything.
func (d *Definition) check(key entryKey, content ir.Object) (ir.ValidateResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rule, ok := d.rules[key]
	if !ok {
		return ir.Invalid(fmt.Sprintf("entry def %s/%s is not defined", key.zome, key.id)), nil
	}
	if !rule.schema.Exists() {
		return ir.Valid(), nil
	}

	if content == nil {
		content = ir.Object{}
	}
	val := rule.schema.Context().Encode(ir.ToAny(content))
	if err := val.Err(); err != nil {
		return ir.ValidateResult{}, fmt.Errorf("encode %s/%s content: %w", key.zome, key.id, err)
	}
	if err := rule.schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		if rule.reason != "" {
			return ir.Invalid(rule.reason), nil
		}
		return ir.Invalid(firstError(err)), nil
	}
	return ir.Valid(), nil
}

func firstError(err error) string {
	if errs := errors.Errors(err); len(errs) > 0 {
		return errs[0].Error()
	}
	return err.Error()
}
