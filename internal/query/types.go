package query

import "github.com/roach88/holdfast/internal/ir"

// Predicate is a filter over elements. Only types in this package
// implement it, so compilers can switch exhaustively.
type Predicate interface {
	predicateNode()
}

// HeaderTypeIs matches elements whose header has the given type.
type HeaderTypeIs struct {
	Type ir.HeaderType
}

func (HeaderTypeIs) predicateNode() {}

// EntryTypeIs matches app entries of one entry def. An empty ID matches
// every entry def of the zome.
type EntryTypeIs struct {
	Zome string
	ID   string
}

func (EntryTypeIs) predicateNode() {}

// AuthorIs matches one author's chain.
type AuthorIs struct {
	Author ir.AgentKey
}

func (AuthorIs) predicateNode() {}

// SeqRange matches header sequence numbers in [From, To]. A negative To
// leaves the range open.
type SeqRange struct {
	From int64
	To   int64
}

func (SeqRange) predicateNode() {}

// And is a conjunction. An empty And matches everything.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// All builds an And from the non-nil predicates.
func All(preds ...Predicate) Predicate {
	out := make([]Predicate, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			out = append(out, p)
		}
	}
	return And{Predicates: out}
}
