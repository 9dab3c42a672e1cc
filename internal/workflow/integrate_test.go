package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/holdfast/internal/cascade"
	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/store"
	"github.com/roach88/holdfast/internal/testutil"
	"github.com/roach88/holdfast/internal/validation"
)

func TestNewIntegration_RequiresSequence(t *testing.T) {
	f := newFixture(t)
	_, err := NewIntegration(f.env, IntegrationConfig{})
	require.Error(t, err)

	_, err = NewIntegration(f.env, IntegrationConfig{Next: f.seq.Next, Policy: validation.AbandonPolicy{MaxRetries: -1}})
	require.Error(t, err)
}

func TestIntegration_WholeChainInOnePass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := testutil.NewChain(1)
	c.Genesis()
	post := c.Create("posts", "post", ir.Object{"title": ir.Str("hello")})
	upd := c.Update(post, ir.Object{"title": ir.Str("hello again")})
	link := c.Link(post.HeaderHash, upd.Header().EntryHash, "posts", "self")
	keep := c.Link(post.HeaderHash, post.Header().EntryHash, "posts", "self")
	c.Unlink(link)
	c.Delete(upd)
	added := f.receive(t, c.Elements...)

	app := NewAppValidation(f.env, testDna, map[string]Evaluator{"posts": accept}, nil)
	results := f.pass(t, app, f.integration(t, validation.DefaultAbandonPolicy))
	assert.True(t, results[2].Complete)
	assert.Equal(t, len(added), results[2].Count(Integrated))
	assert.Equal(t, int64(len(added)), f.seq.Current())

	violations, err := f.env.Store.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)

	cas, err := cascade.Open(ctx, f.env.Store, nil, cascade.QueryPrecedence)
	require.NoError(t, err)
	defer cas.Close()
	links, scope, err := cas.Links(ctx, post.HeaderHash)
	require.NoError(t, err)
	assert.Equal(t, ir.ScopeIntegrated, scope)
	require.Len(t, links, 1)
	assert.Equal(t, keep.HeaderHash, links[0].CreateHeader)
	deletes, _, err := cas.Deletes(ctx, upd.HeaderHash)
	require.NoError(t, err)
	assert.Len(t, deletes, 1)
}

func TestIntegration_WaitsForLinkTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := testutil.NewChain(1)
	c.Genesis()
	post := c.Create("posts", "post", ir.Object{"title": ir.Str("hello")})
	target := ir.Hash("ff00000000000000000000000000000000000000000000000000000000000000")
	link := c.Link(post.HeaderHash, target, "posts", "self")
	f.receive(t, c.Elements...)

	app := NewAppValidation(f.env, testDna, map[string]Evaluator{"posts": accept}, nil)
	in := f.integration(t, validation.DefaultAbandonPolicy)
	results := f.pass(t, app, in)

	addLink := opHash(link, ir.OpRegisterAddLink)
	o := outcomeOf(t, results[2], addLink)
	assert.Equal(t, Pending, o.Disposition)
	assert.Equal(t, []ir.Hash{target}, o.Missing)
	assert.False(t, results[2].Complete)

	rec := f.status(t, addLink)
	assert.Equal(t, ir.ScopePending, rec.Scope)
	assert.Equal(t, store.StageIntegration, rec.Stage)
	assert.Equal(t, ir.StatusValid, rec.Status)

	missing, err := f.env.Store.MissingDependencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ir.Hash{target}, missing)

	// The link's own header is integrated; only its link metadata waits.
	assert.Equal(t, ir.ScopeIntegrated, f.status(t, opHash(link, ir.OpStoreElement)).Scope)
}

func TestIntegration_AbandonsByAge(t *testing.T) {
	f := newFixture(t)
	c := testutil.NewChain(1)
	c.Genesis()
	post := c.Create("posts", "post", ir.Object{"title": ir.Str("hello")})
	link := c.Link(post.HeaderHash, "ff00000000000000000000000000000000000000000000000000000000000000", "posts", "self")
	f.receive(t, c.Elements...)

	app := NewAppValidation(f.env, testDna, nil, nil)
	in := f.integration(t, validation.AbandonPolicy{MaxAge: time.Minute})
	f.pass(t, app, in)

	f.clock.Advance(time.Minute)
	results := f.pass(t, app, in)
	assert.Zero(t, results[2].Count(Abandoned), "age at the limit is kept")

	f.clock.Advance(time.Second)
	results = f.pass(t, app, in)
	o := outcomeOf(t, results[2], opHash(link, ir.OpRegisterAddLink))
	assert.Equal(t, Abandoned, o.Disposition)
	assert.Equal(t, "dependencies unresolved for 1m1s", o.Reason)
	assert.True(t, results[2].Complete)

	counts, err := f.env.Store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Abandoned)
}

func TestIntegration_RejectedKeepsAuditData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := testutil.NewChain(1)
	c.Genesis()
	post := c.Create("posts", "post", ir.Object{"title": ir.Str("spam")})
	f.receive(t, c.Elements...)

	app := NewAppValidation(f.env, testDna, map[string]Evaluator{"posts": onEntry("spam", ir.Invalid("bad content"))}, nil)
	f.pass(t, app, f.integration(t, validation.DefaultAbandonPolicy))

	snap, err := f.env.Store.Snapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()
	_, ok, err := snap.Source(ir.ScopeRejected).Element(ctx, post.HeaderHash)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = snap.Source(ir.ScopeIntegrated).Entry(ctx, post.Header().EntryHash)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = snap.Source(ir.ScopePending).Element(ctx, post.HeaderHash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIntegration_RerunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := testutil.NewChain(1)
	c.Genesis()
	c.Create("posts", "post", ir.Object{"title": ir.Str("hello")})
	f.receive(t, c.Elements...)

	app := NewAppValidation(f.env, testDna, nil, nil)
	in := f.integration(t, validation.DefaultAbandonPolicy)
	f.pass(t, app, in)
	seq := f.seq.Current()
	before, err := f.env.Store.IterateScope(ctx, ir.ScopeIntegrated)
	require.NoError(t, err)

	results := f.pass(t, app, in)
	for _, r := range results {
		assert.Empty(t, r.Outcomes, r.Stage)
		assert.True(t, r.Complete, r.Stage)
	}
	after, err := f.env.Store.IterateScope(ctx, ir.ScopeIntegrated)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, seq, f.seq.Current())
}

func TestIntegration_TwoAuthorsInterleaved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := testutil.NewChain(1)
	bob := testutil.NewChain(2)
	alice.Genesis()
	bob.Genesis()
	post := alice.Create("posts", "post", ir.Object{"title": ir.Str("hello")})
	reply := bob.Link(post.HeaderHash, post.Header().EntryHash, "posts", "self")

	// Bob's link arrives first and waits for Alice's post.
	f.receive(t, bob.Elements...)
	app := NewAppValidation(f.env, testDna, nil, nil)
	in := f.integration(t, validation.DefaultAbandonPolicy)
	results := f.pass(t, app, in)
	assert.False(t, results[0].Complete)
	assert.Equal(t, []ir.Hash{post.HeaderHash}, outcomeOf(t, results[0], opHash(reply, ir.OpRegisterAddLink)).Missing)

	f.receive(t, alice.Elements...)
	for i := 0; i < 3; i++ {
		results = f.pass(t, app, in)
	}
	assert.True(t, results[2].Complete)
	assert.Equal(t, ir.ScopeIntegrated, f.status(t, opHash(reply, ir.OpRegisterAddLink)).Scope)

	violations, err := f.env.Store.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}
