package harness

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot renders the steps and final op table of a run, one line per
// item. Everything in it is deterministic: agent keys derive from agent
// names, timestamps from a counter, and ops are sorted by label.
func Snapshot(name string, result *Result) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "scenario %s\n", name)
	for _, ev := range result.Trace {
		fmt.Fprintf(&buf, "step %d %s", ev.Step, ev.Action)
		if ev.Detail != "" {
			fmt.Fprintf(&buf, " %s", ev.Detail)
		}
		buf.WriteByte('\n')
	}
	for _, op := range result.Ops {
		fmt.Fprintf(&buf, "op %s %s %s", op.Label, op.Scope, op.Status)
		if op.Reason != "" {
			fmt.Fprintf(&buf, " %q", op.Reason)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// RunWithGolden runs a scenario and compares its snapshot with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, sc *Scenario) (*Result, error) {
	t.Helper()
	result, err := Run(context.Background(), sc)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, sc.Name, result)
	return result, nil
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Snapshot(name, result))
}
