package workflow

import (
	"log/slog"

	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/store"
	"github.com/roach88/holdfast/internal/validation"
)

// Disposition is what a pass did with one op.
type Disposition string

const (
	Advanced   Disposition = "advanced"
	Rejected   Disposition = "rejected"
	Pending    Disposition = "pending"
	Integrated Disposition = "integrated"
	Abandoned  Disposition = "abandoned"
	Unchanged  Disposition = "unchanged"
)

// Outcome is the disposition of one op in one pass.
type Outcome struct {
	Op          ir.Hash
	Label       string
	Disposition Disposition
	Reason      string
	Missing     []ir.Hash
}

// Result is the outcome of one pass.
type Result struct {
	Stage    store.Stage
	Outcomes []Outcome
	// Complete is false when at least one op is still waiting and the
	// stage should run again.
	Complete bool
}

// Progress reports whether the pass changed anything a downstream stage
// could act on.
func (r Result) Progress() bool {
	for _, o := range r.Outcomes {
		switch o.Disposition {
		case Advanced, Rejected, Integrated, Abandoned:
			return true
		}
	}
	return false
}

// Count returns how many outcomes had disposition d.
func (r Result) Count(d Disposition) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Disposition == d {
			n++
		}
	}
	return n
}

// LogValue summarises the result for structured logs.
func (r Result) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("stage", string(r.Stage)),
		slog.Int("ops", len(r.Outcomes)),
		slog.Bool("complete", r.Complete),
	}
	for _, d := range []Disposition{Advanced, Rejected, Pending, Integrated, Abandoned} {
		if n := r.Count(d); n > 0 {
			attrs = append(attrs, slog.Int(string(d), n))
		}
	}
	return slog.GroupValue(attrs...)
}

func outcomeFor(rec store.OpRecord, t validation.Transition) Outcome {
	o := Outcome{Op: rec.Hash, Label: rec.Op.Describe(), Reason: t.Reason, Missing: t.Missing}
	switch t.Kind {
	case validation.Advance:
		o.Disposition = Advanced
	case validation.Reject:
		o.Disposition = Rejected
	case validation.StayPending:
		o.Disposition = Pending
	default:
		o.Disposition = Unchanged
	}
	return o
}

func complete(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.Disposition == Pending {
			return false
		}
	}
	return true
}
