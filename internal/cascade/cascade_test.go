package cascade

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/holdfast/internal/cache"
	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/store"
	"github.com/roach88/holdfast/internal/testutil"
)

// memSource is an in-memory Source.
type memSource struct {
	scope    ir.Scope
	elements map[ir.Hash]ir.Element
	entries  map[ir.Hash]ir.Entry
	links    map[ir.Hash][]ir.Link
	activity map[ir.AgentKey][]ir.ActivityItem
	err      error
	reads    int
}

func newMem(scope ir.Scope) *memSource {
	return &memSource{
		scope:    scope,
		elements: map[ir.Hash]ir.Element{},
		entries:  map[ir.Hash]ir.Entry{},
		links:    map[ir.Hash][]ir.Link{},
		activity: map[ir.AgentKey][]ir.ActivityItem{},
	}
}

func (m *memSource) Scope() ir.Scope { return m.scope }

func (m *memSource) Element(_ context.Context, h ir.Hash) (ir.Element, bool, error) {
	m.reads++
	el, ok := m.elements[h]
	return el, ok, m.err
}

func (m *memSource) Entry(_ context.Context, h ir.Hash) (ir.Entry, bool, error) {
	m.reads++
	e, ok := m.entries[h]
	return e, ok, m.err
}

func (m *memSource) Links(_ context.Context, base ir.Hash) ([]ir.Link, error) {
	m.reads++
	return m.links[base], m.err
}

func (m *memSource) Activity(_ context.Context, a ir.AgentKey) ([]ir.ActivityItem, error) {
	m.reads++
	return m.activity[a], m.err
}

func (m *memSource) Updates(context.Context, ir.Hash) ([]ir.Hash, error) { return nil, m.err }
func (m *memSource) Deletes(context.Context, ir.Hash) ([]ir.Hash, error) { return nil, m.err }

func TestGet_FirstScopeWins(t *testing.T) {
	ctx := context.Background()
	integrated := newMem(ir.ScopeIntegrated)
	pending := newMem(ir.ScopePending)
	integrated.elements["h"] = ir.Element{HeaderHash: "h", Signed: ir.SignedHeader{Signature: "int"}}
	pending.elements["h"] = ir.Element{HeaderHash: "h", Signed: ir.SignedHeader{Signature: "pend"}}

	el, scope, err := New(integrated, pending).Element(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, ir.ScopeIntegrated, scope)
	assert.Equal(t, "int", el.Signed.Signature)
	assert.Zero(t, pending.reads, "later scopes are not consulted once answered")

	el, scope, err = New(pending, integrated).Element(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, ir.ScopePending, scope)
	assert.Equal(t, "pend", el.Signed.Signature)
}

func TestGet_FallsThroughToLaterScope(t *testing.T) {
	ctx := context.Background()
	authored := newMem(ir.ScopeAuthored)
	cached := newMem(ir.ScopeCache)
	cached.entries["e"] = ir.Entry{Kind: ir.EntryApp}

	e, scope, err := New(authored, cached).Entry(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, ir.ScopeCache, scope)
	assert.Equal(t, ir.EntryApp, e.Kind)
}

func TestGet_NotHeld(t *testing.T) {
	ctx := context.Background()
	c := New(newMem(ir.ScopeIntegrated), newMem(ir.ScopePending))

	_, _, err := c.Element(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotHeld)

	_, _, err = c.Links(ctx, "base")
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestGet_AnyKind(t *testing.T) {
	ctx := context.Background()
	integrated := newMem(ir.ScopeIntegrated)
	integrated.entries["x"] = ir.Entry{Kind: ir.EntryApp}

	rec, err := New(integrated).Get(ctx, "x", KindAny)
	require.NoError(t, err)
	assert.Nil(t, rec.Element)
	require.NotNil(t, rec.Entry)

	_, err = New(integrated).Get(ctx, "x", KindElement)
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestGet_SourceErrorStopsScan(t *testing.T) {
	ctx := context.Background()
	broken := newMem(ir.ScopeIntegrated)
	broken.err = errors.New("disk on fire")
	later := newMem(ir.ScopePending)
	later.elements["h"] = ir.Element{}

	_, _, err := New(broken, later).Element(ctx, "h")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotHeld)
	assert.Contains(t, err.Error(), "integrated")
}

func TestLinks_FirstNonEmptyScope(t *testing.T) {
	ctx := context.Background()
	integrated := newMem(ir.ScopeIntegrated)
	cached := newMem(ir.ScopeCache)
	cached.links["b"] = []ir.Link{{Base: "b", Target: "t"}}

	links, scope, err := New(integrated, cached).Links(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, ir.ScopeCache, scope)
	assert.Len(t, links, 1)
}

func TestOpen_OverStoreAndCache(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	ch, err := cache.Open(cache.InMemoryConfig())
	require.NoError(t, err)
	defer ch.Close()

	chain := testutil.NewChain(1)
	gen := chain.Genesis()
	_, err = st.AddPending(ctx, testutil.Ops(gen[0]))
	require.NoError(t, err)
	require.NoError(t, ch.PutElement(ctx, gen[1]))

	c, err := Open(ctx, st, ch, SysPrecedence)
	require.NoError(t, err)
	assert.Equal(t, []ir.Scope(SysPrecedence), c.Scopes())

	_, scope, err := c.Element(ctx, gen[0].HeaderHash)
	require.NoError(t, err)
	assert.Equal(t, ir.ScopePending, scope)

	_, scope, err = c.Element(ctx, gen[1].HeaderHash)
	require.NoError(t, err)
	assert.Equal(t, ir.ScopeCache, scope)

	// Writes after Open stay invisible for the life of the cascade.
	_, err = st.AddPending(ctx, testutil.Ops(gen[2]))
	require.NoError(t, err)
	_, _, err = c.Element(ctx, gen[2].HeaderHash)
	assert.ErrorIs(t, err, ErrNotHeld)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestOpen_NilCacheSkipsCacheScope(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	c, err := Open(ctx, st, nil, QueryPrecedence)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, []ir.Scope{ir.ScopeIntegrated, ir.ScopeAuthored}, c.Scopes())
}

func TestPrecedence_Validate(t *testing.T) {
	require.NoError(t, SysPrecedence.Validate())
	require.NoError(t, AppPrecedence.Validate())
	require.NoError(t, QueryPrecedence.Validate())

	assert.Error(t, Precedence{}.Validate())
	assert.Error(t, Precedence{ir.ScopeCache, ir.ScopeCache}.Validate())
	assert.Error(t, Precedence{"bogus"}.Validate())

	p, err := ParsePrecedence([]string{"authored", "cache"})
	require.NoError(t, err)
	assert.Equal(t, Precedence{ir.ScopeAuthored, ir.ScopeCache}, p)
	assert.Equal(t, []string{"authored", "cache"}, p.Strings())
}
