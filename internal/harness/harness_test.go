package harness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/holdfast/internal/ir"
)

const scenarioDir = "../../testdata/scenarios"

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join(scenarioDir, "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		sc, err := LoadScenario(path)
		require.NoError(t, err, path)

		t.Run(sc.Name, func(t *testing.T) {
			result, err := Run(context.Background(), sc)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors:\n%s", strings.Join(result.Errors, "\n"))

			if _, err := os.Stat(filepath.Join("testdata", "golden", sc.Name+".golden")); err == nil {
				AssertGolden(t, sc.Name, result)
			}
		})
	}
}

func TestRun_IsDeterministic(t *testing.T) {
	sc, err := LoadScenario(filepath.Join(scenarioDir, "valid_post_integrated.yaml"))
	require.NoError(t, err)

	first, err := Run(context.Background(), sc)
	require.NoError(t, err)
	second, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, string(Snapshot(sc.Name, first)), string(Snapshot(sc.Name, second)))
}

func TestRun_ReportsFailedAssertions(t *testing.T) {
	dir := t.TempDir()
	writeDna(t, dir)
	path := writeScenario(t, dir, `
name: wrong_expectations
dna: dna.cue
steps:
  - agent: bob
    genesis: true
  - deliver: { agent: bob }
  - drain: true
assertions:
  - type: counts
    counts: { integrated: 99 }
  - type: status
    element: bob.dna
    op: StoreElement
    scope: rejected
  - type: activity
    agent: bob
    count: 3
`)
	sc, err := LoadScenario(path)
	require.NoError(t, err)

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "99 integrated")
	assert.Contains(t, result.Errors[1], "in integrated")
}

func TestRun_RejectsUndeclaredLinkTag(t *testing.T) {
	dir := t.TempDir()
	writeDna(t, dir)
	path := writeScenario(t, dir, `
name: bad_tag
dna: dna.cue
steps:
  - agent: carol
    genesis: true
  - agent: carol
    create: { as: a, zome: notes, entry: note, content: { text: one } }
  - agent: carol
    link: { as: l, base: a, target: a, zome: notes, tag: nope }
  - deliver: { agent: carol }
  - drain: true
assertions:
  - type: status
    element: l
    op: RegisterAddLink
    scope: rejected
    reason: not declared
  - type: links
    element: a
    count: 0
  - type: verify
`)
	sc, err := LoadScenario(path)
	require.NoError(t, err)

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors:\n%s", strings.Join(result.Errors, "\n"))
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "name: x\ndna: dna.cue\nstepz: []\n",
			want: "field stepz not found",
		},
		{
			name: "missing dna file",
			yaml: "name: x\ndna: missing.cue\nsteps: [{drain: true}]\nassertions: [{type: verify}]\n",
			want: "dna not found",
		},
		{
			name: "two actions in one step",
			yaml: "name: x\ndna: dna.cue\nsteps: [{drain: true, advance: 1m}]\nassertions: [{type: verify}]\n",
			want: "exactly one action",
		},
		{
			name: "unknown element",
			yaml: "name: x\ndna: dna.cue\nsteps: [{agent: a, delete: {as: d, of: ghost}}]\nassertions: [{type: verify}]\n",
			want: `unknown element "ghost"`,
		},
		{
			name: "label reused",
			yaml: "name: x\ndna: dna.cue\nsteps:\n  - {agent: a, genesis: true}\n  - {agent: a, genesis: true}\nassertions: [{type: verify}]\n",
			want: "defined twice",
		},
		{
			name: "bad op type",
			yaml: "name: x\ndna: dna.cue\nsteps: [{agent: a, genesis: true}]\nassertions: [{type: status, element: a.dna, op: Nope, status: valid}]\n",
			want: `unknown op type "Nope"`,
		},
		{
			name: "bad get result",
			yaml: "name: x\ndna: dna.cue\nsteps: [{agent: a, genesis: true}]\nassertions: [{type: get, element: a.dna, result: maybe}]\n",
			want: `unknown result "maybe"`,
		},
		{
			name: "no assertions",
			yaml: "name: x\ndna: dna.cue\nsteps: [{drain: true}]\n",
			want: "assertions list is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeDna(t, dir)
			_, err := LoadScenario(writeScenario(t, dir, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSnapshot(t *testing.T) {
	r := NewResult()
	r.addTrace(1, "genesis", "alice")
	r.addTrace(2, "drain", "")
	r.Ops = []OpState{
		{Label: "a:StoreElement", Scope: ir.ScopeIntegrated, Status: ir.StatusValid},
		{Label: "b:StoreEntry", Scope: ir.ScopeRejected, Status: ir.StatusRejected, Reason: "too long"},
	}

	want := `scenario demo
step 1 genesis alice
step 2 drain
op a:StoreElement integrated valid
op b:StoreEntry rejected rejected "too long"
`
	assert.Equal(t, want, string(Snapshot("demo", r)))
}

func writeDna(t *testing.T, dir string) {
	t.Helper()
	src := `dna: {
	name: "notes"
	zomes: notes: {
		link_tags: ["ref"]
		entry_defs: note: schema: text: string
	}
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dna.cue"), []byte(src), 0o644))
}

func writeScenario(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimLeft(body, "\n")), 0o644))
	return path
}
