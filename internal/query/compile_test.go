package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/holdfast/internal/ir"
)

func TestCompileSinglePredicates(t *testing.T) {
	tests := []struct {
		name   string
		pred   Predicate
		where  string
		params []any
	}{
		{"nil", nil, "1 = 1", nil},
		{"header type", HeaderTypeIs{Type: ir.HeaderCreate}, "header_type = ?", []any{"Create"}},
		{"zome only", EntryTypeIs{Zome: "posts"}, "entry_zome = ?", []any{"posts"}},
		{"entry def", EntryTypeIs{Zome: "posts", ID: "post"}, "(entry_zome = ? AND entry_id = ?)", []any{"posts", "post"}},
		{"author", AuthorIs{Author: "abc"}, "author = ?", []any{"abc"}},
		{"closed range", SeqRange{From: 2, To: 5}, "header_seq BETWEEN ? AND ?", []any{int64(2), int64(5)}},
		{"open range", SeqRange{From: 3, To: -1}, "header_seq >= ?", []any{int64(3)}},
		{"empty and", And{}, "1 = 1", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params, err := Compile(ir.ScopeIntegrated, tt.pred)
			require.NoError(t, err)
			assert.Equal(t, "SELECT "+Columns+" FROM elements WHERE scope = ? AND "+tt.where+" "+OrderBy, sql)
			assert.Equal(t, append([]any{"integrated"}, tt.params...), params)
		})
	}
}

func TestCompileAndIsParameterized(t *testing.T) {
	pred := All(
		AuthorIs{Author: "robert'); DROP TABLE ops;--"},
		nil,
		HeaderTypeIs{Type: ir.HeaderCreateLink},
	)

	sql, params, err := Compile(ir.ScopeAuthored, pred)
	require.NoError(t, err)

	assert.Contains(t, sql, "(author = ? AND header_type = ?)")
	assert.NotContains(t, sql, "DROP")
	assert.Equal(t, []any{"authored", "robert'); DROP TABLE ops;--", "CreateLink"}, params)
	assert.Contains(t, sql, "COLLATE BINARY")
}

func TestCompileRejectsInvalid(t *testing.T) {
	_, _, err := Compile(ir.ScopeIntegrated, And{Predicates: []Predicate{
		HeaderTypeIs{Type: "Nope"},
		SeqRange{From: 5, To: 1},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown header type")
	assert.Contains(t, err.Error(), "is empty")
}

func TestValidate(t *testing.T) {
	assert.Empty(t, Validate(nil))
	assert.Empty(t, Validate(All(AuthorIs{Author: "a"}, SeqRange{From: 0, To: -1})))
	assert.Len(t, Validate(All(EntryTypeIs{}, AuthorIs{}, SeqRange{From: -1, To: -1})), 3)
}
