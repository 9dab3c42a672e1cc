package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/holdfast/internal/ir"
)

func TestApply(t *testing.T) {
	pending := Prior{}
	valid := Prior{Status: ir.StatusValid}
	integrated := Prior{Status: ir.StatusValid, Integrated: true}
	rejected := Prior{Status: ir.StatusRejected}
	abandoned := Prior{Status: ir.StatusAbandoned}

	tests := []struct {
		name    string
		prior   Prior
		verdict ir.ValidateResult
		want    Transition
	}{
		{"pending valid", pending, ir.Valid(), Transition{Kind: Advance}},
		{"pending invalid", pending, ir.Invalid("bad content"), Transition{Kind: Reject, Reason: "bad content"}},
		{"pending unresolved", pending, ir.Unresolved("b", "a", "b"), Transition{Kind: StayPending, Missing: []ir.Hash{"a", "b"}}},
		{"valid but not integrated can still be rejected", valid, ir.Invalid("late"), Transition{Kind: Reject, Reason: "late"}},
		{"integrated valid never changes", integrated, ir.Invalid("late"), Transition{Kind: NoChange}},
		{"rejected never changes", rejected, ir.Valid(), Transition{Kind: NoChange}},
		{"abandoned never changes", abandoned, ir.Invalid("x"), Transition{Kind: NoChange}},
		{"unknown verdict", pending, ir.ValidateResult{}, Transition{Kind: NoChange}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Apply(tt.prior, tt.verdict))
		})
	}
}

func TestNormalizeMissing(t *testing.T) {
	assert.Equal(t, []ir.Hash{}, NormalizeMissing(nil))
	assert.Equal(t, []ir.Hash{"a", "c"}, NormalizeMissing([]ir.Hash{"c", "", "a", "c"}))
	assert.True(t, SameMissing(NormalizeMissing([]ir.Hash{"b", "a"}), []ir.Hash{"a", "b"}))
	assert.False(t, SameMissing([]ir.Hash{"a"}, []ir.Hash{"a", "b"}))
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name    string
		results []ir.ValidateResult
		want    ir.ValidateResult
	}{
		{"none", nil, ir.Valid()},
		{"all valid", []ir.ValidateResult{ir.Valid(), ir.Valid()}, ir.Valid()},
		{
			"invalid beats unresolved",
			[]ir.ValidateResult{ir.Unresolved("h1"), ir.Invalid("first"), ir.Invalid("second")},
			ir.Invalid("first"),
		},
		{
			"unresolved union",
			[]ir.ValidateResult{ir.Unresolved("h2", "h1"), ir.Valid(), ir.Unresolved("h1", "h3")},
			ir.Unresolved("h1", "h2", "h3"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.results...))
		})
	}
}
