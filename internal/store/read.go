package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/query"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const opColumns = `hash, body, header_hash, scope, stage, status, reason, missing, retries, first_seen, missing_since, seq`

// candidateOrder processes an author's chain front to back, so a
// prerequisite integrated earlier in a pass counts for later ops.
const candidateOrder = `ORDER BY author COLLATE BINARY ASC, header_seq ASC, hash COLLATE BINARY ASC`

// Candidates returns the pending ops waiting for stage, in chain order.
// Returns an empty slice (not nil) when there are none.
func (s *Store) Candidates(ctx context.Context, stage Stage) ([]OpRecord, error) {
	recs, err := queryOps(ctx, s.db, `WHERE scope = 'pending' AND stage = ? `+candidateOrder, string(stage))
	if err != nil {
		return nil, fmt.Errorf("candidates for %s: %w", stage, err)
	}
	return recs, nil
}

// Unresolved returns live pending ops that are waiting on missing
// dependencies, in chain order.
func (s *Store) Unresolved(ctx context.Context) ([]OpRecord, error) {
	recs, err := queryOps(ctx, s.db, `WHERE scope = 'pending' AND stage != 'done' AND missing_since != 0 `+candidateOrder)
	if err != nil {
		return nil, fmt.Errorf("unresolved ops: %w", err)
	}
	return recs, nil
}

// MissingDependencies returns the union of hashes live pending ops are
// waiting for, sorted. This is what a network fetcher should go and get.
func (s *Store) MissingDependencies(ctx context.Context) ([]ir.Hash, error) {
	recs, err := s.Unresolved(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[ir.Hash]bool)
	var all []ir.Hash
	for _, r := range recs {
		for _, h := range r.Missing {
			if !seen[h] {
				seen[h] = true
				all = append(all, h)
			}
		}
	}
	slices.Sort(all)
	if all == nil {
		all = []ir.Hash{}
	}
	return all, nil
}

// OpStatus returns the record for one op, or ErrNotFound.
func (s *Store) OpStatus(ctx context.Context, hash ir.Hash) (OpRecord, error) {
	rec, err := loadOp(ctx, s.db, hash)
	if err != nil {
		return OpRecord{}, fmt.Errorf("op status %s: %w", hash.Short(), err)
	}
	return rec, nil
}

// OpsForHeader returns every op produced from a header, in hash order.
func (s *Store) OpsForHeader(ctx context.Context, headerHash ir.Hash) ([]OpRecord, error) {
	recs, err := queryOps(ctx, s.db, `WHERE header_hash = ? ORDER BY hash COLLATE BINARY ASC`, string(headerHash))
	if err != nil {
		return nil, fmt.Errorf("ops for header %s: %w", headerHash.Short(), err)
	}
	return recs, nil
}

// Contains reports whether the op is a member of scope.
func (s *Store) Contains(ctx context.Context, scope ir.Scope, hash ir.Hash) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM ops WHERE hash = ? AND scope = ?)
	`, string(hash), string(scope)).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("contains: %w", err)
	}
	return found == 1, nil
}

// IterateScope returns the ops that are members of scope, ordered by
// integration sequence then hash.
func (s *Store) IterateScope(ctx context.Context, scope ir.Scope) ([]OpRecord, error) {
	if !scope.Exclusive() {
		return nil, fmt.Errorf("iterate scope: %q does not hold op membership", scope)
	}
	recs, err := queryOps(ctx, s.db, `WHERE scope = ? ORDER BY seq ASC, hash COLLATE BINARY ASC`, string(scope))
	if err != nil {
		return nil, fmt.Errorf("iterate %s: %w", scope, err)
	}
	return recs, nil
}

// Counts summarises op membership by scope, abandonment and stage.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	c := Counts{ByStage: make(map[Stage]int)}
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, stage, status, COUNT(*) FROM ops
		GROUP BY scope, stage, status
		ORDER BY scope, stage, status
	`)
	if err != nil {
		return Counts{}, fmt.Errorf("counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var scope, stage, status string
		var n int
		if err := rows.Scan(&scope, &stage, &status, &n); err != nil {
			return Counts{}, fmt.Errorf("scan counts: %w", err)
		}
		switch ir.Scope(scope) {
		case ir.ScopeAuthored:
			c.Authored += n
		case ir.ScopePending:
			if ir.ValidationStatus(status) == ir.StatusAbandoned {
				c.Abandoned += n
			} else {
				c.Pending += n
				c.ByStage[Stage(stage)] += n
			}
		case ir.ScopeIntegrated:
			c.Integrated += n
		case ir.ScopeRejected:
			c.Rejected += n
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("iterate counts: %w", err)
	}
	return c, nil
}

// MaxIntegratedSeq returns the highest integration sequence used, so a
// restarted node can resume its clock.
func (s *Store) MaxIntegratedSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM ops`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max integrated seq: %w", err)
	}
	return seq, nil
}

// QueryChain runs a chain query against one scope. Results come back in
// the deterministic order fixed by query.OrderBy.
func (s *Store) QueryChain(ctx context.Context, scope ir.Scope, pred query.Predicate) ([]ir.Element, error) {
	sqlText, params, err := query.Compile(scope, pred)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	tx, err := s.reader.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("query chain: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	type hit struct {
		headerHash, signed, entryHash string
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.headerHash, &h.signed, &h.entryHash); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan element: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate elements: %w", err)
	}
	rows.Close()

	src := &ScopeSource{scope: scope, q: tx}
	elements := make([]ir.Element, 0, len(hits))
	for _, h := range hits {
		sh, err := unmarshalSigned(h.signed)
		if err != nil {
			return nil, err
		}
		el := ir.Element{Signed: sh, HeaderHash: ir.Hash(h.headerHash)}
		if h.entryHash != "" {
			e, ok, err := src.Entry(ctx, ir.Hash(h.entryHash))
			if err != nil {
				return nil, err
			}
			if ok {
				el.Entry = &e
			}
		}
		elements = append(elements, el)
	}
	return elements, nil
}

// loadOp reads one op record.
func loadOp(ctx context.Context, q querier, hash ir.Hash) (OpRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+opColumns+` FROM ops WHERE hash = ?`, string(hash))
	rec, err := scanOp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OpRecord{}, ErrNotFound
	}
	return rec, err
}

// queryOps reads op records; clause is appended after FROM ops.
func queryOps(ctx context.Context, q querier, clause string, args ...any) ([]OpRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+opColumns+` FROM ops `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query ops: %w", err)
	}
	defer rows.Close()

	recs := []OpRecord{}
	for rows.Next() {
		rec, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ops: %w", err)
	}
	return recs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOp(sc scanner) (OpRecord, error) {
	var rec OpRecord
	var hash, body, headerHash, scope, stage, status, missing string
	var firstSeen, missingSince int64
	if err := sc.Scan(&hash, &body, &headerHash, &scope, &stage, &status, &rec.Reason,
		&missing, &rec.Retries, &firstSeen, &missingSince, &rec.Seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OpRecord{}, err
		}
		return OpRecord{}, fmt.Errorf("scan op: %w", err)
	}
	op, err := unmarshalOp(body)
	if err != nil {
		return OpRecord{}, err
	}
	m, err := unmarshalMissing(missing)
	if err != nil {
		return OpRecord{}, err
	}
	rec.Hash = ir.Hash(hash)
	rec.Op = op
	rec.HeaderHash = ir.Hash(headerHash)
	rec.Scope = ir.Scope(scope)
	rec.Stage = Stage(stage)
	rec.Status = ir.ValidationStatus(status)
	rec.Missing = m
	rec.FirstSeen = fromMicros(firstSeen)
	rec.MissingSince = fromMicros(missingSince)
	return rec, nil
}
