package dna

import (
	"fmt"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/holdfast/internal/ir"
)

// DefaultRequiredValidations is used when an entry def does not say how
// many validation receipts it wants.
const DefaultRequiredValidations = 5

var visibilities = []ir.Visibility{ir.VisibilityPublic, ir.VisibilityPrivate}

var validationTypes = []ir.RequiredValidationType{
	ir.ValidateElement, ir.ValidateSubChain, ir.ValidateFull, ir.ValidateCustom,
}

// entryKey names an entry def within a DNA.
type entryKey struct {
	zome string
	id   string
}

// entryRule is the app-level check attached to an entry def.
type entryRule struct {
	schema cue.Value
	// reason replaces the CUE error text when the schema rejects content.
	reason string
}

// Compile turns the value of a `dna` struct into a Definition.
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(src)
//	def, err := Compile(v.LookupPath(cue.ParsePath("dna")))
func Compile(v cue.Value) (*Definition, error) {
	if !v.Exists() {
		return nil, &CompileError{Field: "dna", Message: "no dna definition found"}
	}
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	d := &Definition{rules: make(map[entryKey]entryRule)}
	name, err := requiredString(v, "name")
	if err != nil {
		return nil, err
	}
	d.Dna.Name = name

	zomes := v.LookupPath(cue.ParsePath("zomes"))
	if !zomes.Exists() {
		return nil, &CompileError{Field: "zomes", Message: "at least one zome is required", Pos: v.Pos()}
	}
	iter, err := zomes.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		z, err := d.compileZome(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		d.Dna.Zomes = append(d.Dna.Zomes, z)
	}
	if len(d.Dna.Zomes) == 0 {
		return nil, &CompileError{Field: "zomes", Message: "at least one zome is required", Pos: zomes.Pos()}
	}

	d.Hash, err = ir.DnaHash(d.Dna)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Definition) compileZome(name string, v cue.Value) (ir.ZomeDef, error) {
	z := ir.ZomeDef{Name: name}

	if tags := v.LookupPath(cue.ParsePath("link_tags")); tags.Exists() {
		list, err := tags.List()
		if err != nil {
			return z, formatCUEError(err)
		}
		for list.Next() {
			tag, err := list.Value().String()
			if err != nil {
				return z, formatCUEError(err)
			}
			z.LinkTags = append(z.LinkTags, tag)
		}
	}

	defs := v.LookupPath(cue.ParsePath("entry_defs"))
	if !defs.Exists() {
		return z, nil
	}
	iter, err := defs.Fields()
	if err != nil {
		return z, formatCUEError(err)
	}
	for iter.Next() {
		ed, err := d.compileEntryDef(name, iter.Label(), iter.Value())
		if err != nil {
			return z, err
		}
		z.EntryDefs = append(z.EntryDefs, ed)
	}
	return z, nil
}

func (d *Definition) compileEntryDef(zome, id string, v cue.Value) (ir.EntryDef, error) {
	ed := ir.EntryDef{
		ID:                     id,
		Visibility:             ir.VisibilityPublic,
		RequiredValidationType: ir.ValidateElement,
		RequiredValidations:    DefaultRequiredValidations,
	}
	field := fmt.Sprintf("zomes.%s.entry_defs.%s", zome, id)

	if s, ok, err := optionalString(v, "visibility"); err != nil {
		return ed, err
	} else if ok {
		ed.Visibility = ir.Visibility(s)
		if !slices.Contains(visibilities, ed.Visibility) {
			return ed, &CompileError{Field: field + ".visibility", Message: fmt.Sprintf("unknown visibility %q", s), Pos: v.Pos()}
		}
	}

	if s, ok, err := optionalString(v, "required_validation_type"); err != nil {
		return ed, err
	} else if ok {
		ed.RequiredValidationType = ir.RequiredValidationType(s)
		if !slices.Contains(validationTypes, ed.RequiredValidationType) {
			return ed, &CompileError{
				Field:   field + ".required_validation_type",
				Message: fmt.Sprintf("unknown validation type %q (want element, sub_chain, full or custom)", s),
				Pos:     v.Pos(),
			}
		}
	}

	if n := v.LookupPath(cue.ParsePath("required_validations")); n.Exists() {
		count, err := n.Int64()
		if err != nil {
			return ed, formatCUEError(err)
		}
		if count < 0 {
			return ed, &CompileError{Field: field + ".required_validations", Message: "must not be negative", Pos: n.Pos()}
		}
		ed.RequiredValidations = int(count)
	}

	rule := entryRule{}
	if schema := v.LookupPath(cue.ParsePath("schema")); schema.Exists() {
		if err := schema.Err(); err != nil {
			return ed, formatCUEError(err)
		}
		if k := schema.IncompleteKind(); k&cue.StructKind == 0 {
			return ed, &CompileError{Field: field + ".schema", Message: fmt.Sprintf("schema must be a struct, got %v", k), Pos: schema.Pos()}
		}
		rule.schema = schema
	}
	if s, ok, err := optionalString(v, "reason"); err != nil {
		return ed, err
	} else if ok {
		rule.reason = s
	}
	d.rules[entryKey{zome: zome, id: id}] = rule
	return ed, nil
}

func requiredString(v cue.Value, path string) (string, error) {
	s, ok, err := optionalString(v, path)
	if err != nil {
		return "", err
	}
	if !ok || s == "" {
		return "", &CompileError{Field: path, Message: path + " is required", Pos: v.Pos()}
	}
	return s, nil
}

func optionalString(v cue.Value, path string) (string, bool, error) {
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return "", false, nil
	}
	s, err := f.String()
	if err != nil {
		return "", false, formatCUEError(err)
	}
	return s, true, nil
}

// CompileError is a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
