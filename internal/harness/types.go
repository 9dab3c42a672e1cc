package harness

import (
	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/workflow"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// OpState is where one labelled op ended up.
type OpState struct {
	Label  string              `json:"label"`
	Scope  ir.Scope            `json:"scope"`
	Status ir.ValidationStatus `json:"status"`
	Reason string              `json:"reason,omitempty"`
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Ops is the final state of every op the node saw, sorted by label.
	Ops []OpState `json:"ops"`

	// Passes holds every workflow pass run by drain steps.
	Passes []workflow.Result `json:"-"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Ops:    []OpState{},
		Errors: []string{},
	}
}

// AddError records a failed check and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(step int, action, detail string) {
	r.Trace = append(r.Trace, TraceEvent{Step: step, Action: action, Detail: detail})
}
