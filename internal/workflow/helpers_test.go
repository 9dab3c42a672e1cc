package workflow

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/store"
	"github.com/roach88/holdfast/internal/testutil"
	"github.com/roach88/holdfast/internal/validation"
)

var testDna = ir.DnaDef{
	Name: "blog",
	Zomes: []ir.ZomeDef{
		{
			Name: "posts",
			EntryDefs: []ir.EntryDef{
				{ID: "post", Visibility: ir.VisibilityPublic, RequiredValidationType: ir.ValidateElement},
				{ID: "draft", Visibility: ir.VisibilityPrivate, RequiredValidationType: ir.ValidateElement},
				{ID: "journal", Visibility: ir.VisibilityPublic, RequiredValidationType: ir.ValidateSubChain},
				{ID: "ledger", Visibility: ir.VisibilityPublic, RequiredValidationType: ir.ValidateFull},
				{ID: "custom", Visibility: ir.VisibilityPublic, RequiredValidationType: ir.ValidateCustom},
			},
			LinkTags: []string{"self"},
		},
	},
}

type fixture struct {
	env   Env
	clock *testutil.FakeTime
	seq   *testutil.Sequence
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewFakeTime(testutil.Epoch)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &fixture{
		env:   Env{Store: st, Logger: slog.New(slog.DiscardHandler)},
		clock: clock,
		seq:   testutil.NewSequence(),
	}
}

func (f *fixture) receive(t *testing.T, els ...ir.Element) []ir.Hash {
	t.Helper()
	added, err := f.env.Store.AddPending(context.Background(), testutil.Ops(els...))
	require.NoError(t, err)
	return added
}

func (f *fixture) integration(t *testing.T, policy validation.AbandonPolicy) *Integration {
	t.Helper()
	in, err := NewIntegration(f.env, IntegrationConfig{Policy: policy, Next: f.seq.Next, Now: f.clock.Now})
	require.NoError(t, err)
	return in
}

// pass runs each stage once, in pipeline order.
func (f *fixture) pass(t *testing.T, app *AppValidation, in *Integration) []Result {
	t.Helper()
	ctx := context.Background()
	sys, err := NewSysValidation(f.env, nil).Run(ctx)
	require.NoError(t, err)
	ar, err := app.Run(ctx)
	require.NoError(t, err)
	integ, err := in.Run(ctx)
	require.NoError(t, err)
	return []Result{sys, ar, integ}
}

func (f *fixture) status(t *testing.T, hash ir.Hash) store.OpRecord {
	t.Helper()
	rec, err := f.env.Store.OpStatus(context.Background(), hash)
	require.NoError(t, err)
	return rec
}

// opHash hashes the op of type typ produced by el.
func opHash(el ir.Element, typ ir.OpType) ir.Hash {
	return ir.MustOpHash(testutil.OpOfType(el, typ))
}

// accept is an evaluator that passes everything.
var accept = EvaluatorFunc(func(context.Context, Invocation) (ir.ValidateResult, error) {
	return ir.Valid(), nil
})

// onEntry answers v for invocations on elements carrying an entry with
// the given title and passes everything else.
func onEntry(title string, v ir.ValidateResult) Evaluator {
	return EvaluatorFunc(func(_ context.Context, inv Invocation) (ir.ValidateResult, error) {
		if e := inv.Element.Entry; e != nil && e.Content["title"] == ir.Str(title) {
			return v, nil
		}
		return ir.Valid(), nil
	})
}

// recorder keeps every invocation it sees.
type recorder struct {
	calls []Invocation
}

func (r *recorder) Validate(_ context.Context, inv Invocation) (ir.ValidateResult, error) {
	r.calls = append(r.calls, inv)
	return ir.Valid(), nil
}

func (r *recorder) callbacks(op ir.OpType, header ir.Hash) []string {
	var out []string
	for _, inv := range r.calls {
		if inv.Op == op && inv.Element.HeaderHash == header {
			out = append(out, inv.Callback)
		}
	}
	return out
}
