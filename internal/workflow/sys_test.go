package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/store"
	"github.com/roach88/holdfast/internal/testutil"
)

func outcomeOf(t *testing.T, res Result, op ir.Hash) Outcome {
	t.Helper()
	for _, o := range res.Outcomes {
		if o.Op == op {
			return o
		}
	}
	t.Fatalf("no outcome for %s in %s pass", op.Short(), res.Stage)
	return Outcome{}
}

func TestSysValidation_ValidChainAdvances(t *testing.T) {
	f := newFixture(t)
	c := testutil.NewChain(1)
	gen := c.Genesis()
	post := c.Create("posts", "post", ir.Object{"title": ir.Str("hello")})
	added := f.receive(t, append(gen, post)...)

	res, err := NewSysValidation(f.env, nil).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Complete)
	assert.True(t, res.Progress())
	assert.Equal(t, len(added), res.Count(Advanced))
	for _, h := range added {
		assert.Equal(t, store.StageAppValidation, f.status(t, h).Stage)
	}
}

func TestSysValidation_NothingToDo(t *testing.T) {
	f := newFixture(t)

	res, err := NewSysValidation(f.env, nil).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Empty(t, res.Outcomes)
	assert.False(t, res.Progress())
}

func TestSysValidation_BadSignatureRejected(t *testing.T) {
	f := newFixture(t)
	c := testutil.NewChain(1)
	gen := c.Genesis()
	f.receive(t, gen...)

	op := testutil.OpOfType(gen[1], ir.OpRegisterAgentActivity)
	op.Signed.Header.Timestamp++
	added, err := f.env.Store.AddPending(context.Background(), []ir.Op{op})
	require.NoError(t, err)
	require.Len(t, added, 1)

	res, err := NewSysValidation(f.env, nil).Run(context.Background())
	require.NoError(t, err)

	o := outcomeOf(t, res, added[0])
	assert.Equal(t, Rejected, o.Disposition)
	assert.Contains(t, o.Reason, "signature")
	assert.Equal(t, ir.StatusRejected, f.status(t, added[0]).Status)
}

func TestSysValidation_MissingPreviousHeaderWaits(t *testing.T) {
	f := newFixture(t)
	c := testutil.NewChain(1)
	gen := c.Genesis()
	post := c.Create("posts", "post", ir.Object{"title": ir.Str("hello")})
	f.receive(t, post)

	sys := NewSysValidation(f.env, nil)
	res, err := sys.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Complete)
	el := outcomeOf(t, res, opHash(post, ir.OpStoreElement))
	assert.Equal(t, Pending, el.Disposition)
	assert.Equal(t, []ir.Hash{gen[2].HeaderHash}, el.Missing)
	assert.Equal(t, Advanced, outcomeOf(t, res, opHash(post, ir.OpStoreEntry)).Disposition)

	rec := f.status(t, opHash(post, ir.OpStoreElement))
	assert.Equal(t, []ir.Hash{gen[2].HeaderHash}, rec.Missing)
	assert.True(t, testutil.Epoch.Equal(rec.MissingSince))

	f.receive(t, gen...)
	res, err = sys.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, Advanced, outcomeOf(t, res, opHash(post, ir.OpStoreElement)).Disposition)
}

func TestSysValidation_ChainContinuity(t *testing.T) {
	entry := ir.Entry{Kind: ir.EntryApp, Content: ir.Object{"title": ir.Str("fork")}}
	postType := &ir.EntryType{Kind: ir.EntryApp, Zome: "posts", ID: "post", Visibility: ir.VisibilityPublic}

	tests := []struct {
		name   string
		build  func(c *testutil.Chain, head ir.Element) ir.Element
		reason string
	}{
		{
			name: "seq gap",
			build: func(c *testutil.Chain, head ir.Element) ir.Element {
				return c.Sign(ir.Header{
					Type: ir.HeaderCreate, Author: c.Key, Seq: 5,
					Timestamp:  testutil.BaseTimestamp + 5000,
					PrevHeader: head.HeaderHash,
					EntryType:  postType, EntryHash: ir.MustEntryHash(entry),
				}, &entry)
			},
			reason: "seq 5 does not follow previous seq 2",
		},
		{
			name: "timestamp goes backwards",
			build: func(c *testutil.Chain, head ir.Element) ir.Element {
				return c.Sign(ir.Header{
					Type: ir.HeaderCreate, Author: c.Key, Seq: 3,
					Timestamp:  testutil.BaseTimestamp,
					PrevHeader: head.HeaderHash,
					EntryType:  postType, EntryHash: ir.MustEntryHash(entry),
				}, &entry)
			},
			reason: "is before previous timestamp",
		},
		{
			name: "another author's chain",
			build: func(_ *testutil.Chain, head ir.Element) ir.Element {
				other := testutil.NewAgent(2)
				return other.Sign(ir.Header{
					Type: ir.HeaderCreate, Author: other.Key, Seq: 3,
					Timestamp:  testutil.BaseTimestamp + 3000,
					PrevHeader: head.HeaderHash,
					EntryType:  postType, EntryHash: ir.MustEntryHash(entry),
				}, &entry)
			},
			reason: "previous header belongs to another author",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := testutil.NewChain(1)
			gen := c.Genesis()
			bad := tt.build(c, gen[2])
			f.receive(t, append(gen, bad)...)

			res, err := NewSysValidation(f.env, nil).Run(context.Background())
			require.NoError(t, err)

			for _, typ := range []ir.OpType{ir.OpStoreElement, ir.OpRegisterAgentActivity} {
				o := outcomeOf(t, res, opHash(bad, typ))
				assert.Equal(t, Rejected, o.Disposition, typ)
				assert.Contains(t, o.Reason, tt.reason, typ)
			}
			assert.Equal(t, Advanced, outcomeOf(t, res, opHash(bad, ir.OpStoreEntry)).Disposition)
		})
	}
}

func TestSysValidation_EntryMustMatchHeader(t *testing.T) {
	f := newFixture(t)
	c := testutil.NewChain(1)
	gen := c.Genesis()
	post := c.Create("posts", "post", ir.Object{"title": ir.Str("hello")})
	f.receive(t, gen...)

	op := testutil.OpOfType(post, ir.OpStoreEntry)
	op.Entry = &ir.Entry{Kind: ir.EntryApp, Content: ir.Object{"title": ir.Str("swapped")}}
	added, err := f.env.Store.AddPending(context.Background(), []ir.Op{op})
	require.NoError(t, err)

	res, err := NewSysValidation(f.env, nil).Run(context.Background())
	require.NoError(t, err)
	o := outcomeOf(t, res, added[0])
	assert.Equal(t, Rejected, o.Disposition)
	assert.Equal(t, "entry does not match the header's entry hash", o.Reason)
}

func TestSysValidation_ReferencedHeaders(t *testing.T) {
	f := newFixture(t)
	c := testutil.NewChain(1)
	gen := c.Genesis()
	post := c.Create("posts", "post", ir.Object{"title": ir.Str("hello")})
	link := c.Link(post.HeaderHash, post.Header().EntryHash, "posts", "self")

	e := ir.Entry{Kind: ir.EntryApp, Content: ir.Object{"title": ir.Str("not a post")}}
	badUpdate := c.Append(ir.Header{
		Type:           ir.HeaderUpdate,
		EntryType:      post.Header().EntryType,
		EntryHash:      ir.MustEntryHash(e),
		OriginalHeader: link.HeaderHash,
		OriginalEntry:  post.Header().EntryHash,
	}, &e)
	badDelete := c.Delete(link)
	badUnlink := c.Append(ir.Header{
		Type:          ir.HeaderDeleteLink,
		BaseAddress:   gen[2].HeaderHash,
		LinkAddHeader: link.HeaderHash,
		Zome:          "posts",
	}, nil)
	dangling := c.Link("0000000000000000000000000000000000000000000000000000000000000bad", post.HeaderHash, "posts", "self")

	f.receive(t, gen...)
	f.receive(t, post, link, badUpdate, badDelete, badUnlink, dangling)

	res, err := NewSysValidation(f.env, nil).Run(context.Background())
	require.NoError(t, err)

	tests := []struct {
		op     ir.Hash
		reason string
	}{
		{opHash(badUpdate, ir.OpRegisterUpdatedContent), "update original is a CreateLink header"},
		{opHash(badUpdate, ir.OpStoreEntry), "update original is a CreateLink header"},
		{opHash(badDelete, ir.OpRegisterDeletedBy), "delete targets a CreateLink header"},
		{opHash(badUnlink, ir.OpRegisterRemoveLink), "link removal base does not match the link"},
	}
	for _, tt := range tests {
		o := outcomeOf(t, res, tt.op)
		assert.Equal(t, Rejected, o.Disposition, o.Label)
		assert.Equal(t, tt.reason, o.Reason, o.Label)
	}

	o := outcomeOf(t, res, opHash(dangling, ir.OpRegisterAddLink))
	assert.Equal(t, Pending, o.Disposition)
	assert.Equal(t, []ir.Hash{dangling.Header().BaseAddress}, o.Missing)
	assert.Equal(t, Advanced, outcomeOf(t, res, opHash(link, ir.OpRegisterAddLink)).Disposition)
	assert.False(t, res.Complete)
}

func TestCheckHeader(t *testing.T) {
	a := testutil.NewAgent(1)
	prev := ir.Hash("aa00000000000000000000000000000000000000000000000000000000000000")
	entry := ir.Entry{Kind: ir.EntryApp, Content: ir.Object{"n": ir.Int(1)}}
	public := &ir.EntryType{Kind: ir.EntryApp, Zome: "posts", ID: "post", Visibility: ir.VisibilityPublic}
	private := &ir.EntryType{Kind: ir.EntryApp, Zome: "posts", ID: "draft", Visibility: ir.VisibilityPrivate}

	tests := []struct {
		name   string
		op     ir.Op
		reason string
	}{
		{
			name:   "dna not at seq zero",
			op:     activity(a, ir.Header{Type: ir.HeaderDna, Seq: 1, DnaHash: testutil.TestDna}),
			reason: "Dna header must have seq 0",
		},
		{
			name:   "dna with previous header",
			op:     activity(a, ir.Header{Type: ir.HeaderDna, PrevHeader: prev, DnaHash: testutil.TestDna}),
			reason: "Dna header must not have a previous header",
		},
		{
			name:   "dna without dna hash",
			op:     activity(a, ir.Header{Type: ir.HeaderDna}),
			reason: "Dna header has no dna hash",
		},
		{
			name:   "chain started by another header",
			op:     activity(a, ir.Header{Type: ir.HeaderAgentValidationPkg}),
			reason: "only the Dna header starts a chain",
		},
		{
			name:   "no previous header",
			op:     activity(a, ir.Header{Type: ir.HeaderAgentValidationPkg, Seq: 1}),
			reason: "header has no previous header",
		},
		{
			name:   "link referencing an entry",
			op:     activity(a, ir.Header{Type: ir.HeaderCreateLink, Seq: 1, PrevHeader: prev, BaseAddress: prev, TargetAddress: prev, EntryHash: prev}),
			reason: "CreateLink header must not reference an entry",
		},
		{
			name:   "create without entry type",
			op:     activity(a, ir.Header{Type: ir.HeaderCreate, Seq: 1, PrevHeader: prev, EntryHash: ir.MustEntryHash(entry)}),
			reason: "entry header is missing its entry type or hash",
		},
		{
			name: "private entry published",
			op: ir.Op{
				Type:   ir.OpStoreElement,
				Signed: a.Sign(ir.Header{Type: ir.HeaderCreate, Author: a.Key, Seq: 1, PrevHeader: prev, EntryType: private, EntryHash: ir.MustEntryHash(entry)}, nil).Signed,
				Entry:  &entry,
			},
			reason: "private entry must not be published",
		},
		{
			name: "public store entry without entry",
			op: ir.Op{
				Type:   ir.OpStoreEntry,
				Signed: a.Sign(ir.Header{Type: ir.HeaderCreate, Author: a.Key, Seq: 1, PrevHeader: prev, EntryType: public, EntryHash: ir.MustEntryHash(entry)}, nil).Signed,
			},
			reason: "StoreEntry op for a public entry carries no entry",
		},
		{
			name: "entry kind mismatch",
			op: ir.Op{
				Type:   ir.OpStoreEntry,
				Signed: a.Sign(ir.Header{Type: ir.HeaderCreate, Author: a.Key, Seq: 1, PrevHeader: prev, EntryType: &ir.EntryType{Kind: ir.EntryCapGrant}, EntryHash: ir.MustEntryHash(entry)}, nil).Signed,
				Entry:  &entry,
			},
			reason: "entry kind App does not match entry type CapGrant",
		},
		{
			name:   "update without original",
			op:     activity(a, ir.Header{Type: ir.HeaderUpdate, Seq: 1, PrevHeader: prev, EntryType: private, EntryHash: ir.MustEntryHash(entry)}),
			reason: "update does not name its original",
		},
		{
			name:   "delete without target",
			op:     activity(a, ir.Header{Type: ir.HeaderDelete, Seq: 1, PrevHeader: prev}),
			reason: "delete does not name a header",
		},
		{
			name:   "link without target",
			op:     activity(a, ir.Header{Type: ir.HeaderCreateLink, Seq: 1, PrevHeader: prev, BaseAddress: prev}),
			reason: "link needs a base and a target",
		},
		{
			name:   "link removal without link",
			op:     activity(a, ir.Header{Type: ir.HeaderDeleteLink, Seq: 1, PrevHeader: prev, BaseAddress: prev}),
			reason: "link removal needs a base and a link header",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := checkHeader(tt.op)
			assert.Equal(t, ir.ResultInvalid, v.Kind)
			assert.Contains(t, v.Reason, tt.reason)
		})
	}

	t.Run("well formed", func(t *testing.T) {
		v := checkHeader(activity(a, ir.Header{Type: ir.HeaderAgentValidationPkg, Seq: 1, PrevHeader: prev}))
		assert.Equal(t, ir.Valid(), v)
	})
}

// activity signs h as a and wraps it in an agent activity op.
func activity(a testutil.Agent, h ir.Header) ir.Op {
	h.Author = a.Key
	return ir.Op{Type: ir.OpRegisterAgentActivity, Signed: a.Sign(h, nil).Signed}
}
