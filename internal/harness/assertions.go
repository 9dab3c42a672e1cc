package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/holdfast/internal/cascade"
	"github.com/roach88/holdfast/internal/engine"
	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/store"
)

// AssertionError is a failed assertion with what was expected and found.
type AssertionError struct {
	Index    int
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertion %d (%s) failed\n", e.Index, e.Type)
	fmt.Fprintf(&buf, "  expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  actual:   %s", e.Actual)
	return buf.String()
}

// evaluate runs every assertion and returns the failure messages.
func (h *Harness) evaluate(ctx context.Context) []string {
	var msgs []string
	for i, a := range h.sc.Assertions {
		if err := h.check(ctx, i, a); err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return msgs
}

func (h *Harness) check(ctx context.Context, i int, a Assertion) error {
	fail := func(expected, format string, args ...any) error {
		return &AssertionError{Index: i, Type: a.Type, Expected: expected, Actual: fmt.Sprintf(format, args...)}
	}

	switch a.Type {
	case AssertStatus:
		hash, err := h.opHash(a.Element, ir.OpType(a.Op))
		if err != nil {
			return err
		}
		label := opLabel(a.Element, ir.OpType(a.Op))
		rec, err := h.cell.Status(ctx, hash)
		if errors.Is(err, store.ErrNotFound) {
			return fail(label+" held", "not held")
		}
		if err != nil {
			return err
		}
		if a.Scope != "" && string(rec.Scope) != a.Scope {
			return fail(fmt.Sprintf("%s in %s", label, a.Scope), "in %s", rec.Scope)
		}
		if a.Status != "" && rec.Status.String() != a.Status {
			return fail(fmt.Sprintf("%s %s", label, a.Status), "%s", rec.Status)
		}
		if a.Reason != "" && !strings.Contains(rec.Reason, a.Reason) {
			return fail(fmt.Sprintf("%s reason containing %q", label, a.Reason), "%q", rec.Reason)
		}

	case AssertCounts:
		c, err := h.cell.Counts(ctx)
		if err != nil {
			return err
		}
		got := map[string]int{
			"authored":   c.Authored,
			"pending":    c.Pending,
			"integrated": c.Integrated,
			"rejected":   c.Rejected,
			"abandoned":  c.Abandoned,
		}
		for name, want := range a.Counts {
			n, ok := got[name]
			if !ok {
				return fmt.Errorf("assertion %d: unknown count %q", i, name)
			}
			if n != want {
				return fail(fmt.Sprintf("%d %s", want, name), "%d", n)
			}
		}

	case AssertGet:
		el := h.elements[a.Element]
		addr := el.HeaderHash
		if a.Entry {
			addr = el.Header().EntryHash
		}
		_, err := h.cell.Get(ctx, addr)
		got := GetFound
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrNotYetAvailable):
			got = GetNotYetAvailable
		case errors.Is(err, cascade.ErrNotHeld):
			got = GetNotHeld
		default:
			return err
		}
		if got != a.Result {
			return fail(fmt.Sprintf("get %s: %s", a.Element, a.Result), "%s", got)
		}

	case AssertLinks:
		links, err := h.cell.Links(ctx, h.elements[a.Element].HeaderHash)
		if err != nil {
			return fail(fmt.Sprintf("%d links on %s", *a.Count, a.Element), "%v", err)
		}
		if len(links) != *a.Count {
			return fail(fmt.Sprintf("%d links on %s", *a.Count, a.Element), "%d", len(links))
		}

	case AssertActivity:
		ag, ok := h.agents[a.Agent]
		if !ok {
			return fmt.Errorf("assertion %d: unknown agent %q", i, a.Agent)
		}
		items, err := h.cell.Activity(ctx, ag.key)
		if err != nil {
			return fail(fmt.Sprintf("%d activity items for %s", *a.Count, a.Agent), "%v", err)
		}
		if len(items) != *a.Count {
			return fail(fmt.Sprintf("%d activity items for %s", *a.Count, a.Agent), "%d", len(items))
		}

	case AssertVerify:
		problems, err := h.cell.Verify(ctx)
		if err != nil {
			return err
		}
		if len(problems) > 0 {
			msgs := make([]string, len(problems))
			for j, p := range problems {
				msgs[j] = p.Error()
			}
			return fail("no invariant violations", "%s", strings.Join(msgs, "; "))
		}
	}
	return nil
}
