package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/validation"
)

// ErrWrongState is returned when a move is requested for an op whose
// scope or status does not allow it.
var ErrWrongState = errors.New("op is not in a state that allows this move")

// Author appends an element to the local chain: header, entry (private
// entries included) and metadata go into the authored scope, and the
// element's ops are recorded with authored membership. Re-authoring the
// same element is a no-op.
func (s *Store) Author(ctx context.Context, el ir.Element) ([]ir.Hash, error) {
	ops, err := ir.ProduceOps(el)
	if err != nil {
		return nil, fmt.Errorf("author: %w", err)
	}

	hashes := make([]ir.Hash, 0, len(ops))
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := putElement(tx, ir.ScopeAuthored, el.HeaderHash, el.Signed, 0); err != nil {
			return err
		}
		if el.Entry != nil {
			if err := putEntry(tx, ir.ScopeAuthored, el.Header().EntryHash, *el.Entry, 0); err != nil {
				return err
			}
		}
		for _, op := range ops {
			if err := putMeta(tx, ir.ScopeAuthored, op, 0); err != nil {
				return err
			}
			h, _, err := insertOp(tx, op, ir.ScopeAuthored, 0)
			if err != nil {
				return err
			}
			hashes = append(hashes, h)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("author: %w", err)
	}
	return hashes, nil
}

// Publish moves every authored op into the pending scope so that it goes
// through validation like any op received from the network. Returns the
// number of ops moved.
func (s *Store) Publish(ctx context.Context) (int, error) {
	moved := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		recs, err := queryOps(ctx, tx, `WHERE scope = 'authored' ORDER BY author COLLATE BINARY, header_seq, hash COLLATE BINARY`)
		if err != nil {
			return err
		}
		now := toMicros(s.now())
		for _, rec := range recs {
			if err := putOpData(tx, ir.ScopePending, rec.Op, rec.HeaderHash, 0); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE ops SET scope = 'pending', stage = ?, first_seen = ?
				WHERE hash = ? AND scope = 'authored'
			`, string(StageSysValidation), now, string(rec.Hash)); err != nil {
				return fmt.Errorf("move op: %w", err)
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}
	return moved, nil
}

// AddPending admits ops received from the network into the pending scope.
// An op already held in any scope is left untouched, so re-submitting a
// rejected op changes nothing. Returns the hashes actually added.
func (s *Store) AddPending(ctx context.Context, ops []ir.Op) ([]ir.Hash, error) {
	added := []ir.Hash{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := toMicros(s.now())
		for _, op := range ops {
			h, inserted, err := insertOp(tx, op, ir.ScopePending, now)
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}
			hh, err := op.HeaderHash()
			if err != nil {
				return err
			}
			if err := putOpData(tx, ir.ScopePending, op, hh, 0); err != nil {
				return err
			}
			added = append(added, h)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("add pending: %w", err)
	}
	return added, nil
}

// ApplyVerdicts records one pass of a validation stage atomically.
// Verdicts for ops that are no longer pending in that stage are ignored,
// which makes re-running a pass harmless.
func (s *Store) ApplyVerdicts(ctx context.Context, stage Stage, verdicts []Verdict) error {
	if len(verdicts) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, v := range verdicts {
			rec, err := loadOp(ctx, tx, v.Op)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if rec.Scope != ir.ScopePending || rec.Stage != stage || rec.Prior().Final() {
				continue
			}
			if err := s.applyTransition(ctx, tx, rec, v.Transition); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply %s verdicts: %w", stage, err)
	}
	return nil
}

func (s *Store) applyTransition(ctx context.Context, tx *sql.Tx, rec OpRecord, t validation.Transition) error {
	var err error
	switch t.Kind {
	case validation.Advance:
		next := rec.Stage.next()
		status := rec.Status
		if next == StageIntegration {
			status = ir.StatusValid
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE ops SET stage = ?, status = ?, missing = '[]', retries = 0, missing_since = 0
			WHERE hash = ?
		`, string(next), string(status), string(rec.Hash))
	case validation.Reject:
		_, err = tx.ExecContext(ctx, `
			UPDATE ops SET stage = ?, status = 'rejected', reason = ?, missing = '[]', retries = 0, missing_since = 0
			WHERE hash = ?
		`, string(StageIntegration), t.Reason, string(rec.Hash))
	case validation.StayPending:
		err = s.stayPending(ctx, tx, rec, t.Missing)
	}
	if err != nil {
		return fmt.Errorf("update op %s: %w", rec.Hash.Short(), err)
	}
	return nil
}

// stayPending records another unresolved pass. The retry counter and the
// missing-since time restart whenever the missing set changes.
func (s *Store) stayPending(ctx context.Context, tx *sql.Tx, rec OpRecord, missing []ir.Hash) error {
	missing = validation.NormalizeMissing(missing)
	if validation.SameMissing(rec.Missing, missing) && !rec.MissingSince.IsZero() {
		_, err := tx.ExecContext(ctx, `UPDATE ops SET retries = retries + 1 WHERE hash = ?`, string(rec.Hash))
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE ops SET missing = ?, retries = 0, missing_since = ?
		WHERE hash = ?
	`, marshalMissing(missing), toMicros(s.now()), string(rec.Hash))
	return err
}

// Integrate moves one valid op from pending to integrated in a single
// transaction: op membership, element data and metadata move together.
//
// Prerequisites are checked inside the transaction. If any is not yet
// integrated the op stays pending with the missing prerequisites recorded.
// next is called only once the move is certain and supplies the
// integration sequence number.
func (s *Store) Integrate(ctx context.Context, hash ir.Hash, next func() int64) (IntegrateResult, error) {
	var res IntegrateResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := loadOp(ctx, tx, hash)
		if err != nil {
			return err
		}
		if rec.Scope == ir.ScopeIntegrated {
			res = IntegrateResult{Already: true, Seq: rec.Seq}
			return nil
		}
		if rec.Scope != ir.ScopePending || rec.Status != ir.StatusValid || rec.Stage != StageIntegration {
			return fmt.Errorf("%w: %s is %s/%s in %s", ErrWrongState, hash.Short(), rec.Status, rec.Stage, rec.Scope)
		}

		var missing []ir.Hash
		for _, p := range rec.Op.Prerequisites() {
			ok, err := integratedHas(ctx, tx, p)
			if err != nil {
				return err
			}
			if !ok {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			res = IntegrateResult{Missing: validation.NormalizeMissing(missing)}
			return s.stayPending(ctx, tx, rec, missing)
		}

		seq := next()
		if err := putOpData(tx, ir.ScopeIntegrated, rec.Op, rec.HeaderHash, seq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE ops SET scope = 'integrated', stage = ?, seq = ?, missing = '[]', retries = 0, missing_since = 0
			WHERE hash = ?
		`, string(StageDone), seq, string(hash)); err != nil {
			return fmt.Errorf("move op: %w", err)
		}
		if err := dropPendingData(ctx, tx, rec); err != nil {
			return err
		}
		res = IntegrateResult{Integrated: true, Seq: seq}
		return nil
	})
	if err != nil {
		return IntegrateResult{}, fmt.Errorf("integrate %s: %w", hash.Short(), err)
	}
	return res, nil
}

// Reject moves an op carrying a Rejected verdict into the rejected scope,
// keeping its element data there for audit. Returns false if the op was
// already in the rejected scope.
func (s *Store) Reject(ctx context.Context, hash ir.Hash, next func() int64) (bool, error) {
	moved := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := loadOp(ctx, tx, hash)
		if err != nil {
			return err
		}
		if rec.Scope == ir.ScopeRejected {
			return nil
		}
		if rec.Scope != ir.ScopePending || rec.Status != ir.StatusRejected {
			return fmt.Errorf("%w: %s is %s in %s", ErrWrongState, hash.Short(), rec.Status, rec.Scope)
		}
		seq := next()
		if err := putOpData(tx, ir.ScopeRejected, rec.Op, rec.HeaderHash, seq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE ops SET scope = 'rejected', stage = ?, seq = ?
			WHERE hash = ?
		`, string(StageDone), seq, string(hash)); err != nil {
			return fmt.Errorf("move op: %w", err)
		}
		if err := dropPendingData(ctx, tx, rec); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reject %s: %w", hash.Short(), err)
	}
	return moved, nil
}

// Abandon gives up on a pending op. The op keeps pending membership with
// the terminal Abandoned status and is never a candidate again. Returns
// false if the op had already reached a terminal status.
func (s *Store) Abandon(ctx context.Context, hash ir.Hash, reason string) (bool, error) {
	moved := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := loadOp(ctx, tx, hash)
		if err != nil {
			return err
		}
		// Rejected is final too: a definitive verdict beats giving up.
		if rec.Scope != ir.ScopePending || rec.Prior().Final() || rec.Stage == StageDone {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE ops SET status = 'abandoned', stage = ?, reason = ?
			WHERE hash = ?
		`, string(StageDone), reason, string(hash)); err != nil {
			return fmt.Errorf("abandon op: %w", err)
		}
		if err := dropPendingData(ctx, tx, rec); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("abandon %s: %w", hash.Short(), err)
	}
	return moved, nil
}

// insertOp records op membership. Returns the op hash and whether a new
// row was inserted.
func insertOp(tx *sql.Tx, op ir.Op, scope ir.Scope, firstSeen int64) (ir.Hash, bool, error) {
	hash, err := ir.OpHash(op)
	if err != nil {
		return "", false, err
	}
	hh, err := op.HeaderHash()
	if err != nil {
		return "", false, err
	}
	body, err := marshalOp(op)
	if err != nil {
		return "", false, err
	}
	var entryHash ir.Hash
	if op.Entry != nil {
		entryHash = op.Header().EntryHash
	}
	h := op.Header()
	res, err := tx.Exec(`
		INSERT INTO ops
		(hash, op_type, header_hash, entry_hash, author, header_seq, basis, body, scope, stage, first_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`,
		string(hash), string(op.Type), string(hh), string(entryHash), string(h.Author), h.Seq,
		string(op.Basis()), body, string(scope), string(StageSysValidation), firstSeen,
	)
	if err != nil {
		return "", false, fmt.Errorf("insert op: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("insert op: rows affected: %w", err)
	}
	return hash, n > 0, nil
}

// putOpData writes everything an op contributes to a scope: its header,
// its entry if it carries one, and its metadata row.
func putOpData(tx *sql.Tx, scope ir.Scope, op ir.Op, headerHash ir.Hash, seq int64) error {
	if err := putElement(tx, scope, headerHash, op.Signed, seq); err != nil {
		return err
	}
	if op.Entry != nil {
		if err := putEntry(tx, scope, op.Header().EntryHash, *op.Entry, seq); err != nil {
			return err
		}
	}
	return putMeta(tx, scope, op, seq)
}

func putElement(tx *sql.Tx, scope ir.Scope, headerHash ir.Hash, sh ir.SignedHeader, seq int64) error {
	signed, err := marshalSigned(sh)
	if err != nil {
		return err
	}
	h := sh.Header
	var zome, id string
	if h.EntryType != nil {
		zome, id = h.EntryType.Zome, h.EntryType.ID
	}
	_, err = tx.Exec(`
		INSERT INTO elements
		(scope, header_hash, author, header_seq, header_type, entry_hash, entry_zome, entry_id, timestamp, signed, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, header_hash) DO NOTHING
	`,
		string(scope), string(headerHash), string(h.Author), h.Seq, string(h.Type),
		string(h.EntryHash), zome, id, h.Timestamp, signed, seq,
	)
	if err != nil {
		return fmt.Errorf("write element: %w", err)
	}
	return nil
}

func putEntry(tx *sql.Tx, scope ir.Scope, entryHash ir.Hash, e ir.Entry, seq int64) error {
	content, err := marshalContent(e.Content)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO entries (scope, entry_hash, kind, content, seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope, entry_hash) DO NOTHING
	`, string(scope), string(entryHash), string(e.Kind), content, seq)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

// metaRow is the metadata an op contributes, if any.
type metaRow struct {
	kind   metaKind
	basis  ir.Hash
	target ir.Hash
}

func metaFor(op ir.Op) (metaRow, bool) {
	h := op.Header()
	switch op.Type {
	case ir.OpRegisterAgentActivity:
		return metaRow{kind: metaActivity, basis: ir.Hash(h.Author)}, true
	case ir.OpRegisterAddLink:
		return metaRow{kind: metaLink, basis: h.BaseAddress, target: h.TargetAddress}, true
	case ir.OpRegisterRemoveLink:
		return metaRow{kind: metaLinkRemove, basis: h.BaseAddress, target: h.LinkAddHeader}, true
	case ir.OpRegisterUpdatedContent:
		return metaRow{kind: metaUpdate, basis: h.OriginalHeader, target: h.EntryHash}, true
	case ir.OpRegisterDeletedBy:
		return metaRow{kind: metaDelete, basis: h.DeletesHeader}, true
	default:
		return metaRow{}, false
	}
}

func putMeta(tx *sql.Tx, scope ir.Scope, op ir.Op, seq int64) error {
	row, ok := metaFor(op)
	if !ok {
		return nil
	}
	hh, err := op.HeaderHash()
	if err != nil {
		return err
	}
	h := op.Header()
	_, err = tx.Exec(`
		INSERT INTO meta (scope, kind, basis, header_hash, target, zome, tag, author, header_seq, timestamp, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, kind, basis, header_hash) DO NOTHING
	`,
		string(scope), string(row.kind), string(row.basis), string(hh), string(row.target),
		h.Zome, h.Tag, string(h.Author), h.Seq, h.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("write %s meta: %w", row.kind, err)
	}
	return nil
}

// dropPendingData removes what an op contributed to the pending scope once
// the op has left it. Header and entry rows shared with another live
// pending op stay. Must run after the op row itself has been updated.
func dropPendingData(ctx context.Context, tx *sql.Tx, rec OpRecord) error {
	if row, ok := metaFor(rec.Op); ok {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM meta WHERE scope = 'pending' AND kind = ? AND basis = ? AND header_hash = ?
		`, string(row.kind), string(row.basis), string(rec.HeaderHash)); err != nil {
			return fmt.Errorf("drop pending meta: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM elements WHERE scope = 'pending' AND header_hash = ?1
		AND NOT EXISTS (
			SELECT 1 FROM ops WHERE scope = 'pending' AND stage != 'done' AND header_hash = ?1
		)
	`, string(rec.HeaderHash)); err != nil {
		return fmt.Errorf("drop pending element: %w", err)
	}
	if rec.Op.Entry != nil {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM entries WHERE scope = 'pending' AND entry_hash = ?1
			AND NOT EXISTS (
				SELECT 1 FROM ops WHERE scope = 'pending' AND stage != 'done' AND entry_hash = ?1
			)
		`, string(rec.Op.Header().EntryHash)); err != nil {
			return fmt.Errorf("drop pending entry: %w", err)
		}
	}
	return nil
}

// integratedHas reports whether a header or entry hash is held in the
// integrated scope.
func integratedHas(ctx context.Context, tx *sql.Tx, h ir.Hash) (bool, error) {
	var found int
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM elements WHERE scope = 'integrated' AND header_hash = ?1)
		    OR EXISTS (SELECT 1 FROM entries WHERE scope = 'integrated' AND entry_hash = ?1)
	`, string(h)).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check integrated %s: %w", h.Short(), err)
	}
	return found == 1, nil
}
