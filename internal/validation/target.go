package validation

import (
	"fmt"

	"github.com/roach88/holdfast/internal/ir"
)

// TargetKind is the closed set of things app validation can be asked to
// check. It is resolved once per op from the op and header types.
type TargetKind int

const (
	TargetNone TargetKind = iota
	TargetAgentKey
	TargetCreateEntry
	TargetUpdateEntry
	TargetDeleteEntry
	TargetCreateLink
	TargetDeleteLink
)

var targetNames = map[TargetKind]string{
	TargetNone:        "none",
	TargetAgentKey:    "agent_key",
	TargetCreateEntry: "create_entry",
	TargetUpdateEntry: "update_entry",
	TargetDeleteEntry: "delete_entry",
	TargetCreateLink:  "create_link",
	TargetDeleteLink:  "delete_link",
}

func (k TargetKind) String() string {
	if s, ok := targetNames[k]; ok {
		return s
	}
	return fmt.Sprintf("TargetKind(%d)", int(k))
}

// Target identifies the validation callbacks that apply to an op.
// Zome is empty when every zome must be asked.
type Target struct {
	Kind       TargetKind
	Zome       string
	EntryDefID string
}

// Call is one callback invocation: a zome and a function name.
type Call struct {
	Zome     string
	Callback string
}

// ResolveTarget maps an op to its validation target.
// Agent activity is checked by sys validation only.
func ResolveTarget(op ir.Op) Target {
	h := op.Header()
	switch op.Type {
	case ir.OpRegisterAgentActivity:
		return Target{Kind: TargetNone}
	case ir.OpRegisterUpdatedContent:
		return entryTarget(TargetUpdateEntry, h.EntryType)
	case ir.OpRegisterDeletedBy:
		return Target{Kind: TargetDeleteEntry}
	case ir.OpRegisterAddLink:
		return Target{Kind: TargetCreateLink, Zome: h.Zome}
	case ir.OpRegisterRemoveLink:
		return Target{Kind: TargetDeleteLink, Zome: h.Zome}
	}

	switch h.Type {
	case ir.HeaderCreate:
		return entryTarget(TargetCreateEntry, h.EntryType)
	case ir.HeaderUpdate:
		return entryTarget(TargetUpdateEntry, h.EntryType)
	case ir.HeaderDelete:
		return Target{Kind: TargetDeleteEntry}
	case ir.HeaderCreateLink:
		return Target{Kind: TargetCreateLink, Zome: h.Zome}
	case ir.HeaderDeleteLink:
		return Target{Kind: TargetDeleteLink, Zome: h.Zome}
	default:
		return Target{Kind: TargetNone}
	}
}

func entryTarget(kind TargetKind, et *ir.EntryType) Target {
	if et == nil {
		return Target{Kind: kind}
	}
	switch et.Kind {
	case ir.EntryAgentPubKey:
		return Target{Kind: TargetAgentKey}
	case ir.EntryApp:
		return Target{Kind: kind, Zome: et.Zome, EntryDefID: et.ID}
	default:
		return Target{Kind: TargetNone}
	}
}

// Callbacks returns the callback names for the target, general first.
func (t Target) Callbacks() []string {
	switch t.Kind {
	case TargetAgentKey:
		return []string{"validate", "validate_create_agent"}
	case TargetCreateEntry:
		return withEntryDef([]string{"validate", "validate_create", "validate_create_entry"}, "validate_create_entry_", t.EntryDefID)
	case TargetUpdateEntry:
		return withEntryDef([]string{"validate", "validate_update", "validate_update_entry"}, "validate_update_entry_", t.EntryDefID)
	case TargetDeleteEntry:
		return []string{"validate", "validate_delete", "validate_delete_entry"}
	case TargetCreateLink:
		return []string{"validate_create_link"}
	case TargetDeleteLink:
		return []string{"validate_delete_link"}
	default:
		return nil
	}
}

func withEntryDef(names []string, prefix, id string) []string {
	if id == "" {
		return names
	}
	return append(names, prefix+id)
}

// Calls expands the target against the zomes of a DNA, in DNA order.
// A target naming a zome the DNA does not have yields no calls.
func (t Target) Calls(dna ir.DnaDef) []Call {
	callbacks := t.Callbacks()
	if len(callbacks) == 0 {
		return nil
	}
	var zomes []string
	if t.Zome != "" {
		if _, ok := dna.Zome(t.Zome); ok {
			zomes = []string{t.Zome}
		}
	} else {
		for _, z := range dna.Zomes {
			zomes = append(zomes, z.Name)
		}
	}
	calls := make([]Call, 0, len(zomes)*len(callbacks))
	for _, z := range zomes {
		for _, cb := range callbacks {
			calls = append(calls, Call{Zome: z, Callback: cb})
		}
	}
	return calls
}
