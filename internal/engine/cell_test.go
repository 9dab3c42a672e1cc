package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/roach88/holdfast/internal/cache"
	"github.com/roach88/holdfast/internal/cascade"
	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/store"
	"github.com/roach88/holdfast/internal/testutil"
	"github.com/roach88/holdfast/internal/validation"
	"github.com/roach88/holdfast/internal/workflow"
)

var blogDna = ir.DnaDef{
	Name: "blog",
	Zomes: []ir.ZomeDef{{
		Name: "posts",
		EntryDefs: []ir.EntryDef{
			{ID: "post", Visibility: ir.VisibilityPublic, RequiredValidationType: ir.ValidateElement},
		},
		LinkTags: []string{"tag"},
	}},
}

// noSpam rejects posts titled "spam".
var noSpam = workflow.EvaluatorFunc(func(_ context.Context, inv workflow.Invocation) (ir.ValidateResult, error) {
	if e := inv.Element.Entry; e != nil && e.Content["title"] == ir.Str("spam") {
		return ir.Invalid("no spam"), nil
	}
	return ir.Valid(), nil
})

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cell.db"), store.WithClock(testutil.NewFakeTime(testutil.Epoch).Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newCell(t *testing.T, st *store.Store, opts ...Option) *Cell {
	t.Helper()
	base := []Option{
		WithEvaluators(map[string]workflow.Evaluator{"posts": noSpam}),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithPassRate(rate.Inf, 1),
		WithPassIDs(NewFixedGenerator("pass")),
		WithWallClock(testutil.NewFakeTime(testutil.Epoch).Now),
	}
	c, err := New(context.Background(), st, blogDna, append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadConfig(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	_, err := New(ctx, st, blogDna, WithPrecedences(Precedences{
		Sys:   cascade.SysPrecedence,
		App:   cascade.Precedence{ir.ScopeAuthored, ir.ScopeAuthored},
		Query: cascade.QueryPrecedence,
	}))
	assert.ErrorContains(t, err, "app")

	_, err = New(ctx, st, blogDna, WithAbandonPolicy(validation.AbandonPolicy{MaxRetries: -1}))
	assert.Error(t, err)
}

func TestCell_DrainIntegratesReceivedChain(t *testing.T) {
	ctx := context.Background()
	c := newCell(t, openStore(t))
	chain := testutil.NewChain(1)
	els := append(chain.Genesis(), chain.Create("posts", "post", ir.Object{"title": ir.Str("hello")}))
	ops := testutil.Ops(els...)

	added, err := c.Receive(ctx, ops)
	require.NoError(t, err)
	assert.Len(t, added, len(ops))

	results, err := c.Drain(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	last := results[len(results)-1]
	assert.False(t, last.Progress(), "drain stops after a round without progress")

	counts, err := c.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(ops), counts.Integrated)
	assert.Zero(t, counts.Pending)
	assert.Equal(t, int64(len(ops)), c.Clock().Current(), "one sequence number per integrated op")

	rec, err := c.Get(ctx, els[3].HeaderHash)
	require.NoError(t, err)
	assert.Equal(t, ir.ScopeIntegrated, rec.Scope)

	activity, err := c.Activity(ctx, chain.Key)
	require.NoError(t, err)
	assert.Len(t, activity, len(els))

	problems, err := c.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestCell_RejectsInvalidPost(t *testing.T) {
	ctx := context.Background()
	c := newCell(t, openStore(t))
	chain := testutil.NewChain(1)
	chain.Genesis()
	spam := chain.Create("posts", "post", ir.Object{"title": ir.Str("spam")})
	_, err := c.Receive(ctx, testutil.Ops(chain.Elements...))
	require.NoError(t, err)

	_, err = c.Drain(ctx)
	require.NoError(t, err)

	rec, err := c.Status(ctx, ir.MustOpHash(testutil.OpOfType(spam, ir.OpStoreEntry)))
	require.NoError(t, err)
	assert.Equal(t, ir.ScopeRejected, rec.Scope)
	assert.Equal(t, "no spam", rec.Reason)

	counts, err := c.Counts(ctx)
	require.NoError(t, err)
	assert.Positive(t, counts.Rejected)
	assert.Zero(t, counts.Pending)
}

func TestCell_ReadsWaitForValidation(t *testing.T) {
	ctx := context.Background()
	c := newCell(t, openStore(t))
	chain := testutil.NewChain(1)
	gen := chain.Genesis()
	post := chain.Create("posts", "post", ir.Object{"title": ir.Str("hello")})
	link := chain.Link(post.HeaderHash, post.Header().EntryHash, "posts", "tag")
	_, err := c.Receive(ctx, testutil.Ops(append(gen, post, link)...))
	require.NoError(t, err)

	_, err = c.Get(ctx, post.HeaderHash)
	assert.ErrorIs(t, err, ErrNotYetAvailable)
	_, err = c.Get(ctx, post.Header().EntryHash)
	assert.ErrorIs(t, err, ErrNotYetAvailable)
	_, err = c.Links(ctx, post.HeaderHash)
	assert.ErrorIs(t, err, ErrNotYetAvailable)
	_, err = c.Activity(ctx, chain.Key)
	assert.ErrorIs(t, err, ErrNotYetAvailable)

	_, err = c.Get(ctx, "unknown")
	assert.ErrorIs(t, err, cascade.ErrNotHeld)
	links, err := c.Links(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, links)

	_, err = c.Drain(ctx)
	require.NoError(t, err)

	links, err = c.Links(ctx, post.HeaderHash)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, link.HeaderHash, links[0].CreateHeader)
}

func TestCell_AuthorPublishesForValidation(t *testing.T) {
	ctx := context.Background()
	c := newCell(t, openStore(t))
	chain := testutil.NewChain(2)
	var hashes []ir.Hash
	for _, el := range append(chain.Genesis(), chain.Create("posts", "post", ir.Object{"title": ir.Str("mine")})) {
		hs, err := c.Author(ctx, el)
		require.NoError(t, err)
		hashes = append(hashes, hs...)
	}

	counts, err := c.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Authored, "authored ops are published straight away")
	assert.Equal(t, len(hashes), counts.Pending)

	_, err = c.Drain(ctx)
	require.NoError(t, err)
	for _, h := range hashes {
		rec, err := c.Status(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, ir.ScopeIntegrated, rec.Scope, rec.Op.Describe())
	}
}

func TestCell_FetchedUnblocksWaitingOps(t *testing.T) {
	ctx := context.Background()
	ch, err := cache.Open(cache.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })

	c := newCell(t, openStore(t), WithCache(ch))
	chain := testutil.NewChain(3)
	chain.Genesis()
	post := chain.Create("posts", "post", ir.Object{"title": ir.Str("v1")})
	upd := chain.Update(post, ir.Object{"title": ir.Str("v2")})
	entryOp := testutil.OpOfType(upd, ir.OpStoreEntry)

	_, err = c.Receive(ctx, []ir.Op{entryOp})
	require.NoError(t, err)
	_, err = c.Drain(ctx)
	require.NoError(t, err)

	missing, err := c.Missing(ctx)
	require.NoError(t, err)
	assert.Contains(t, missing, post.HeaderHash)

	require.NoError(t, c.Fetched(ctx, post))
	_, err = c.Drain(ctx)
	require.NoError(t, err)

	rec, err := c.Status(ctx, ir.MustOpHash(entryOp))
	require.NoError(t, err)
	assert.Equal(t, ir.ScopeIntegrated, rec.Scope)
	missing, err = c.Missing(ctx)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestCell_FetchedRefusesForeignElements(t *testing.T) {
	ctx := context.Background()
	ch, err := cache.Open(cache.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })

	c := newCell(t, openStore(t), WithCache(ch))
	chain := testutil.NewChain(3)
	chain.Genesis()
	post := chain.Create("posts", "post", ir.Object{"title": ir.Str("v1")})
	decoy := chain.Create("posts", "post", ir.Object{"title": ir.Str("decoy")})
	upd := chain.Update(post, ir.Object{"title": ir.Str("v2")})
	entryOp := testutil.OpOfType(upd, ir.OpStoreEntry)

	_, err = c.Receive(ctx, []ir.Op{entryOp})
	require.NoError(t, err)
	_, err = c.Drain(ctx)
	require.NoError(t, err)

	relabelled := decoy
	relabelled.HeaderHash = post.HeaderHash
	err = c.Fetched(ctx, relabelled)
	require.ErrorIs(t, err, ir.ErrContentMismatch)

	tampered := post
	tampered.Signed.Header.Timestamp++
	err = c.Fetched(ctx, post, tampered)
	require.ErrorIs(t, err, ir.ErrBadSignature)

	_, err = c.Drain(ctx)
	require.NoError(t, err)
	rec, err := c.Status(ctx, ir.MustOpHash(entryOp))
	require.NoError(t, err)
	assert.Equal(t, ir.ScopePending, rec.Scope, "refused fetches leave the op waiting")
	assert.Equal(t, ir.StatusPending, rec.Status)
	assert.Contains(t, rec.Missing, post.HeaderHash)

	require.NoError(t, c.Fetched(ctx, post))
	_, err = c.Drain(ctx)
	require.NoError(t, err)
	rec, err = c.Status(ctx, ir.MustOpHash(entryOp))
	require.NoError(t, err)
	assert.Equal(t, ir.ScopeIntegrated, rec.Scope)
}

func TestCell_FetchedNeedsCache(t *testing.T) {
	c := newCell(t, openStore(t))
	assert.Error(t, c.Fetched(context.Background()))
}

func TestNew_ResumesIntegrationClock(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	first := newCell(t, st)
	chain := testutil.NewChain(1)
	_, err := first.Receive(ctx, testutil.Ops(chain.Genesis()...))
	require.NoError(t, err)
	_, err = first.Drain(ctx)
	require.NoError(t, err)
	require.NotZero(t, first.Clock().Current())

	second := newCell(t, st)
	assert.Equal(t, first.Clock().Current(), second.Clock().Current())
}

func TestCell_RunDrivesPipeline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		passes int
	)
	started := make(chan struct{})
	var once sync.Once
	observer := func(string, workflow.Result, error) {
		once.Do(func() { close(started) })
		mu.Lock()
		passes++
		mu.Unlock()
	}
	c := newCell(t, openStore(t), WithObserver(observer))
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	<-started

	_, err := c.Drain(ctx)
	assert.ErrorIs(t, err, ErrCellRunning)

	chain := testutil.NewChain(1)
	ops := testutil.Ops(append(chain.Genesis(), chain.Create("posts", "post", ir.Object{"title": ir.Str("live")}))...)
	_, err = c.Receive(ctx, ops)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		counts, err := c.Counts(ctx)
		return err == nil && counts.Integrated == len(ops)
	}, 5*time.Second, 10*time.Millisecond)

	c.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	mu.Lock()
	assert.Greater(t, passes, 3)
	mu.Unlock()
}

func TestCell_RunAbandonsOpStuckBeforeIntegration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	var once sync.Once
	c := newCell(t, openStore(t),
		WithAbandonPolicy(validation.AbandonPolicy{MaxRetries: 3}),
		WithObserver(func(string, workflow.Result, error) {
			once.Do(func() { close(started) })
		}),
	)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	<-started
	// Let the start-up passes finish so integration is idle when the
	// orphan arrives.
	time.Sleep(50 * time.Millisecond)

	chain := testutil.NewChain(3)
	chain.Genesis()
	post := chain.Create("posts", "post", ir.Object{"title": ir.Str("v1")})
	upd := chain.Update(post, ir.Object{"title": ir.Str("v2")})
	entryOp := testutil.OpOfType(upd, ir.OpStoreEntry)
	_, err := c.Receive(ctx, []ir.Op{entryOp})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := c.Status(ctx, ir.MustOpHash(entryOp))
		return err == nil && rec.Status == ir.StatusAbandoned
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := c.Status(ctx, ir.MustOpHash(entryOp))
	require.NoError(t, err)
	assert.Equal(t, store.StageDone, rec.Stage)
	assert.Contains(t, rec.Reason, "dependencies unresolved after")

	c.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestCell_RunTwiceFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	c := newCell(t, openStore(t), WithObserver(func(string, workflow.Result, error) {
		once.Do(func() { close(started) })
	}))

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	<-started
	assert.ErrorIs(t, c.Run(ctx), ErrCellRunning)

	cancel()
	assert.NoError(t, <-done)
}

func TestCell_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	assert.Error(t, err, "collectors register once per registry")

	c := newCell(t, openStore(t), WithMetrics(m))
	chain := testutil.NewChain(1)
	ops := testutil.Ops(chain.Genesis()...)
	_, err = c.Receive(ctx, ops)
	require.NoError(t, err)
	_, err = c.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, float64(len(ops)),
		promtest.ToFloat64(m.outcomes.WithLabelValues(string(store.StageIntegration), string(workflow.Integrated))))
	assert.Positive(t, promtest.ToFloat64(m.passes.WithLabelValues(string(store.StageSysValidation), "complete")))
	assert.Zero(t, promtest.ToFloat64(m.pending.WithLabelValues(string(store.StageIntegration))))
}
