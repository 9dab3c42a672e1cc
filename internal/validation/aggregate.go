package validation

import "github.com/roach88/holdfast/internal/ir"

// Aggregate combines per-callback verdicts: any Invalid wins (the first
// one's reason is kept), else any Unresolved wins with the union of the
// missing hashes, else Valid. No verdicts at all is Valid.
func Aggregate(results ...ir.ValidateResult) ir.ValidateResult {
	var missing []ir.Hash
	unresolved := false
	for _, r := range results {
		switch r.Kind {
		case ir.ResultInvalid:
			return r
		case ir.ResultUnresolved:
			unresolved = true
			missing = append(missing, r.Missing...)
		}
	}
	if unresolved {
		return ir.Unresolved(NormalizeMissing(missing)...)
	}
	return ir.Valid()
}
