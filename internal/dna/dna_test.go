package dna

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/testutil"
	"github.com/roach88/holdfast/internal/workflow"
)

func loadForum(t *testing.T) *Definition {
	t.Helper()
	def, err := Load(filepath.Join("testdata", "forum.cue"))
	require.NoError(t, err)
	return def
}

func TestLoad_File(t *testing.T) {
	def := loadForum(t)

	assert.Equal(t, "forum", def.Dna.Name)
	require.Len(t, def.Dna.Zomes, 2)
	assert.Equal(t, "posts", def.Dna.Zomes[0].Name, "zomes keep declaration order")
	assert.Equal(t, "profiles", def.Dna.Zomes[1].Name)
	assert.Equal(t, []string{"comment", "author"}, def.Dna.Zomes[0].LinkTags)

	posts := def.Dna.Zomes[0]
	require.Len(t, posts.EntryDefs, 3)
	assert.Equal(t, ir.EntryDef{
		ID:                     "post",
		Visibility:             ir.VisibilityPublic,
		RequiredValidationType: ir.ValidateFull,
		RequiredValidations:    DefaultRequiredValidations,
	}, posts.EntryDefs[0])
	assert.Equal(t, 3, posts.EntryDefs[1].RequiredValidations)
	assert.Equal(t, ir.ValidateElement, posts.EntryDefs[1].RequiredValidationType)
	assert.Equal(t, ir.VisibilityPrivate, posts.EntryDefs[2].Visibility)

	profile, ok := def.Dna.Zomes[1].EntryDef("profile")
	require.True(t, ok)
	assert.Equal(t, ir.ValidateSubChain, profile.RequiredValidationType)

	want, err := ir.DnaHash(def.Dna)
	require.NoError(t, err)
	assert.Equal(t, want, def.Hash)
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	src, err := os.ReadFile(filepath.Join("testdata", "forum.cue"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "forum.cue"), src, 0o644))

	def, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, loadForum(t).Hash, def.Hash)
}

func TestLoad_EmptyDirectory(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorContains(t, err, "no CUE files")
}

func TestCompileSource_Errors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{
			name:    "no dna",
			src:     `other: 1`,
			wantErr: "no dna definition found",
		},
		{
			name:    "missing name",
			src:     `dna: zomes: posts: {}`,
			wantErr: "name is required",
		},
		{
			name:    "no zomes",
			src:     `dna: name: "x"`,
			wantErr: "at least one zome is required",
		},
		{
			name:    "unknown visibility",
			src:     `dna: {name: "x", zomes: posts: entry_defs: post: visibility: "secret"}`,
			wantErr: `unknown visibility "secret"`,
		},
		{
			name:    "unknown validation type",
			src:     `dna: {name: "x", zomes: posts: entry_defs: post: required_validation_type: "partial"}`,
			wantErr: `unknown validation type "partial"`,
		},
		{
			name:    "negative validations",
			src:     `dna: {name: "x", zomes: posts: entry_defs: post: required_validations: -1}`,
			wantErr: "must not be negative",
		},
		{
			name:    "schema not a struct",
			src:     `dna: {name: "x", zomes: posts: entry_defs: post: schema: "text"}`,
			wantErr: "schema must be a struct",
		},
		{
			name:    "syntax error",
			src:     `dna: {name: }`,
			wantErr: "dna.cue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileSource("dna.cue", []byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCompileError_Format(t *testing.T) {
	err := &CompileError{Field: "zomes", Message: "at least one zome is required"}
	assert.Equal(t, "zomes: at least one zome is required", err.Error())
}

func TestDnaHash_DependsOnOrder(t *testing.T) {
	a := ir.DnaDef{Name: "x", Zomes: []ir.ZomeDef{{Name: "one"}, {Name: "two"}}}
	b := ir.DnaDef{Name: "x", Zomes: []ir.ZomeDef{{Name: "two"}, {Name: "one"}}}
	ha, err := ir.DnaHash(a)
	require.NoError(t, err)
	hb, err := ir.DnaHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
	assert.Len(t, string(ha), 64)
}

func invocation(callback string, el ir.Element) workflow.Invocation {
	return workflow.Invocation{Zome: "posts", Callback: callback, Op: ir.OpStoreEntry, Element: el}
}

func TestSchemaEvaluator_Entries(t *testing.T) {
	ev := loadForum(t).Evaluators()["posts"]
	require.NotNil(t, ev)
	ctx := context.Background()
	chain := testutil.NewChain(1)
	chain.Genesis()

	tests := []struct {
		name    string
		el      ir.Element
		want    ir.ResultKind
		wantMsg string
	}{
		{
			name: "post matches schema",
			el:   chain.Create("posts", "post", ir.Object{"title": ir.Str("hello"), "body": ir.Str("world")}),
			want: ir.ResultValid,
		},
		{
			name:    "banana is rejected with the declared reason",
			el:      chain.Create("posts", "post", ir.Object{"title": ir.Str("Banana")}),
			want:    ir.ResultInvalid,
			wantMsg: "No Bananas!",
		},
		{
			name:    "missing field",
			el:      chain.Create("posts", "comment", ir.Object{}),
			want:    ir.ResultInvalid,
			wantMsg: "text",
		},
		{
			name:    "wrong type",
			el:      chain.Create("posts", "comment", ir.Object{"text": ir.Int(7)}),
			want:    ir.ResultInvalid,
			wantMsg: "text",
		},
		{
			name: "entry def without schema",
			el:   chain.Create("posts", "note", ir.Object{"anything": ir.Bool(true)}),
			want: ir.ResultValid,
		},
		{
			name:    "undefined entry def",
			el:      chain.Create("posts", "poll", ir.Object{}),
			want:    ir.ResultInvalid,
			wantMsg: "entry def posts/poll is not defined",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.el.Header().EntryType.ID
			res, err := ev.Validate(ctx, invocation("validate_create_entry_"+id, tt.el))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Kind, res.String())
			assert.Contains(t, res.Reason, tt.wantMsg)
		})
	}
}

func TestSchemaEvaluator_OnlySpecificCallbacksCheck(t *testing.T) {
	ev := loadForum(t).Evaluators()["posts"]
	chain := testutil.NewChain(1)
	chain.Genesis()
	banana := chain.Create("posts", "post", ir.Object{"title": ir.Str("Banana")})

	for _, cb := range []string{"validate", "validate_create", "validate_create_entry"} {
		res, err := ev.Validate(context.Background(), invocation(cb, banana))
		require.NoError(t, err)
		assert.Equal(t, ir.ResultValid, res.Kind, cb)
	}

	upd := chain.Update(banana, ir.Object{"title": ir.Str("Banana")})
	res, err := ev.Validate(context.Background(), invocation("validate_update_entry_post", upd))
	require.NoError(t, err)
	assert.Equal(t, ir.Invalid("No Bananas!"), res)
}

func TestSchemaEvaluator_LinkTags(t *testing.T) {
	evs := loadForum(t).Evaluators()
	chain := testutil.NewChain(1)
	gen := chain.Genesis()
	base := gen[2].HeaderHash

	res, err := evs["posts"].Validate(context.Background(),
		invocation("validate_create_link", chain.Link(base, base, "posts", "comment")))
	require.NoError(t, err)
	assert.Equal(t, ir.ResultValid, res.Kind)

	res, err = evs["posts"].Validate(context.Background(),
		invocation("validate_create_link", chain.Link(base, base, "posts", "likes")))
	require.NoError(t, err)
	assert.Equal(t, ir.Invalid(`link tag "likes" is not declared by zome posts`), res)

	res, err = evs["profiles"].Validate(context.Background(),
		invocation("validate_create_link", chain.Link(base, base, "profiles", "anything")))
	require.NoError(t, err)
	assert.Equal(t, ir.ResultValid, res.Kind, "a zome without declared tags accepts any tag")
}

func TestSchemaEvaluator_CancelledContext(t *testing.T) {
	ev := loadForum(t).Evaluators()["posts"]
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ev.Validate(ctx, invocation("validate", ir.Element{}))
	assert.ErrorIs(t, err, context.Canceled)
}
