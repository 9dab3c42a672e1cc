package validation

import (
	"slices"

	"github.com/roach88/holdfast/internal/ir"
)

// TransitionKind is what a verdict does to an op.
type TransitionKind int

const (
	// NoChange leaves the op exactly as it is.
	NoChange TransitionKind = iota
	// Advance moves the op to the next stage.
	Advance
	// Reject records a terminal Rejected status.
	Reject
	// StayPending keeps the op pending on the recorded missing hashes.
	StayPending
)

func (k TransitionKind) String() string {
	switch k {
	case NoChange:
		return "no_change"
	case Advance:
		return "advance"
	case Reject:
		return "reject"
	case StayPending:
		return "stay_pending"
	default:
		return "unknown"
	}
}

// Transition is the result of applying a verdict.
type Transition struct {
	Kind    TransitionKind
	Reason  string
	Missing []ir.Hash
}

// Prior is what is already known about an op.
type Prior struct {
	Status     ir.ValidationStatus
	Integrated bool
}

// Final reports whether no verdict can change the op any more.
func (p Prior) Final() bool {
	return p.Status.Terminal() || (p.Integrated && p.Status == ir.StatusValid)
}

// Apply folds a verdict into the prior state of an op.
//
// Invalid rejects an op that is not yet final, whatever stage it is in.
// Valid advances it. Unresolved keeps it pending with the missing hashes
// sorted and deduplicated.
func Apply(prior Prior, verdict ir.ValidateResult) Transition {
	if prior.Final() {
		return Transition{Kind: NoChange}
	}
	switch verdict.Kind {
	case ir.ResultInvalid:
		return Transition{Kind: Reject, Reason: verdict.Reason}
	case ir.ResultValid:
		return Transition{Kind: Advance}
	case ir.ResultUnresolved:
		return Transition{Kind: StayPending, Missing: NormalizeMissing(verdict.Missing)}
	default:
		return Transition{Kind: NoChange}
	}
}

// NormalizeMissing returns the hashes sorted and deduplicated. The result
// is never nil so that it encodes as an empty list.
func NormalizeMissing(missing []ir.Hash) []ir.Hash {
	out := make([]ir.Hash, 0, len(missing))
	for _, h := range missing {
		if h != "" {
			out = append(out, h)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// SameMissing reports whether two normalized missing lists are equal.
func SameMissing(a, b []ir.Hash) bool {
	return slices.Equal(a, b)
}
