package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/holdfast/internal/ir"
)

// Verify audits the whole store against the bookkeeping invariants and
// returns every violation found, ordered by op hash. A healthy store
// returns an empty slice.
//
// Checked:
//   - status agrees with scope (integrated ops are Valid, rejected ops are
//     Rejected, abandoned ops sit in pending with stage done)
//   - integrated ops have their element and entry data in the integrated scope
//   - every prerequisite of an integrated op was integrated no later than it
func (s *Store) Verify(ctx context.Context) ([]ir.InvariantError, error) {
	tx, err := s.reader.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("verify: begin: %w", err)
	}
	defer tx.Rollback()

	recs, err := queryOps(ctx, tx, `ORDER BY hash COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	violations := []ir.InvariantError{}
	for _, rec := range recs {
		if v, ok := checkScopeStatus(rec); ok {
			violations = append(violations, v)
			continue
		}
		if rec.Scope != ir.ScopeIntegrated {
			continue
		}
		vs, err := checkIntegrated(ctx, tx, rec)
		if err != nil {
			return nil, fmt.Errorf("verify %s: %w", rec.Hash.Short(), err)
		}
		violations = append(violations, vs...)
	}
	return violations, nil
}

func checkScopeStatus(rec OpRecord) (ir.InvariantError, bool) {
	var want string
	switch rec.Scope {
	case ir.ScopeAuthored:
		if rec.Status != ir.StatusPending {
			want = "authored ops carry no status"
		}
	case ir.ScopeIntegrated:
		if rec.Status != ir.StatusValid || rec.Stage != StageDone {
			want = "integrated ops must be valid and done"
		}
	case ir.ScopeRejected:
		if rec.Status != ir.StatusRejected || rec.Stage != StageDone {
			want = "rejected ops must be rejected and done"
		}
	case ir.ScopePending:
		switch {
		case rec.Status == ir.StatusAbandoned && rec.Stage != StageDone:
			want = "abandoned ops must be done"
		case rec.Status != ir.StatusAbandoned && rec.Stage == StageDone:
			want = "only abandoned ops may be done while pending"
		}
	default:
		want = "unknown scope"
	}
	if want == "" {
		return ir.InvariantError{}, false
	}
	return ir.InvariantError{
		Code:    ir.InvariantScopeStatus,
		Message: want,
		Op:      rec.Hash,
		Details: map[string]string{
			"scope":  string(rec.Scope),
			"status": rec.Status.String(),
			"stage":  string(rec.Stage),
		},
	}, true
}

func checkIntegrated(ctx context.Context, tx *sql.Tx, rec OpRecord) ([]ir.InvariantError, error) {
	var out []ir.InvariantError

	if _, ok, err := integratedSeq(ctx, tx, `elements`, `header_hash`, rec.HeaderHash); err != nil {
		return nil, err
	} else if !ok {
		out = append(out, ir.InvariantError{
			Code:    ir.InvariantMissingData,
			Message: "header not held in integrated scope",
			Op:      rec.Hash,
			Details: map[string]string{"header": string(rec.HeaderHash)},
		})
	}
	if rec.Op.Entry != nil {
		eh := rec.Op.Header().EntryHash
		if _, ok, err := integratedSeq(ctx, tx, `entries`, `entry_hash`, eh); err != nil {
			return nil, err
		} else if !ok {
			out = append(out, ir.InvariantError{
				Code:    ir.InvariantMissingData,
				Message: "entry not held in integrated scope",
				Op:      rec.Hash,
				Details: map[string]string{"entry": string(eh)},
			})
		}
	}

	for _, p := range rec.Op.Prerequisites() {
		seq, ok, err := prerequisiteSeq(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		switch {
		case !ok:
			out = append(out, ir.InvariantError{
				Code:    ir.InvariantCausalOrder,
				Message: "prerequisite never integrated",
				Op:      rec.Hash,
				Details: map[string]string{"prerequisite": string(p)},
			})
		case seq > rec.Seq:
			out = append(out, ir.InvariantError{
				Code:    ir.InvariantCausalOrder,
				Message: "prerequisite integrated after dependent op",
				Op:      rec.Hash,
				Details: map[string]string{
					"prerequisite":     string(p),
					"prerequisite_seq": fmt.Sprint(seq),
					"op_seq":           fmt.Sprint(rec.Seq),
				},
			})
		}
	}
	return out, nil
}

// prerequisiteSeq returns the earliest integration sequence at which a
// header or entry hash became available.
func prerequisiteSeq(ctx context.Context, tx *sql.Tx, h ir.Hash) (int64, bool, error) {
	hs, hok, err := integratedSeq(ctx, tx, `elements`, `header_hash`, h)
	if err != nil {
		return 0, false, err
	}
	es, eok, err := integratedSeq(ctx, tx, `entries`, `entry_hash`, h)
	if err != nil {
		return 0, false, err
	}
	switch {
	case hok && eok:
		return min(hs, es), true, nil
	case hok:
		return hs, true, nil
	case eok:
		return es, true, nil
	}
	return 0, false, nil
}

func integratedSeq(ctx context.Context, tx *sql.Tx, table, column string, h ir.Hash) (int64, bool, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT seq FROM `+table+` WHERE scope = 'integrated' AND `+column+` = ?`,
		string(h),
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read integrated %s: %w", table, err)
	}
	return seq, true, nil
}
