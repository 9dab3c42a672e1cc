package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/holdfast/internal/ir"
)

// Snapshot is a read-only view of every scope pinned at one point in time.
// It holds a reader connection until Close.
type Snapshot struct {
	tx *sql.Tx
}

// Snapshot opens a read transaction on the reader pool. In WAL mode the
// transaction sees the database as of its first read, so one is issued
// immediately to pin the view.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := s.reader.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ops`).Scan(&n); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("pin snapshot: %w", err)
	}
	return &Snapshot{tx: tx}, nil
}

// Source exposes one scope of the snapshot. Cache is not held here.
func (sn *Snapshot) Source(scope ir.Scope) *ScopeSource {
	return &ScopeSource{scope: scope, q: sn.tx}
}

// Close releases the reader connection.
func (sn *Snapshot) Close() error {
	if err := sn.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("close snapshot: %w", err)
	}
	return nil
}

// ScopeSource answers reads for one scope of a snapshot.
type ScopeSource struct {
	scope ir.Scope
	q     querier
}

// Scope returns the scope this source reads.
func (src *ScopeSource) Scope() ir.Scope {
	return src.scope
}

// Element returns the header with the given hash, plus its entry when the
// scope also holds the entry.
func (src *ScopeSource) Element(ctx context.Context, headerHash ir.Hash) (ir.Element, bool, error) {
	var signed, entryHash string
	err := src.q.QueryRowContext(ctx, `
		SELECT signed, entry_hash FROM elements WHERE scope = ? AND header_hash = ?
	`, string(src.scope), string(headerHash)).Scan(&signed, &entryHash)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Element{}, false, nil
	}
	if err != nil {
		return ir.Element{}, false, fmt.Errorf("read %s element: %w", src.scope, err)
	}
	sh, err := unmarshalSigned(signed)
	if err != nil {
		return ir.Element{}, false, err
	}
	el := ir.Element{Signed: sh, HeaderHash: headerHash}
	if entryHash != "" {
		e, ok, err := src.Entry(ctx, ir.Hash(entryHash))
		if err != nil {
			return ir.Element{}, false, err
		}
		if ok {
			el.Entry = &e
		}
	}
	return el, true, nil
}

// Entry returns the entry with the given hash.
func (src *ScopeSource) Entry(ctx context.Context, entryHash ir.Hash) (ir.Entry, bool, error) {
	var kind, content string
	err := src.q.QueryRowContext(ctx, `
		SELECT kind, content FROM entries WHERE scope = ? AND entry_hash = ?
	`, string(src.scope), string(entryHash)).Scan(&kind, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Entry{}, false, nil
	}
	if err != nil {
		return ir.Entry{}, false, fmt.Errorf("read %s entry: %w", src.scope, err)
	}
	obj, err := unmarshalContent(content)
	if err != nil {
		return ir.Entry{}, false, err
	}
	return ir.Entry{Kind: ir.EntryKind(kind), Content: obj}, true, nil
}

// Links returns the live links on base: link rows with no removal row in
// the same scope, ordered by timestamp then create header.
func (src *ScopeSource) Links(ctx context.Context, base ir.Hash) ([]ir.Link, error) {
	rows, err := src.q.QueryContext(ctx, `
		SELECT l.target, l.zome, l.tag, l.header_hash, l.author, l.timestamp
		FROM meta l
		WHERE l.scope = ?1 AND l.kind = 'link' AND l.basis = ?2
		AND NOT EXISTS (
			SELECT 1 FROM meta r
			WHERE r.scope = ?1 AND r.kind = 'link_remove' AND r.basis = ?2 AND r.target = l.header_hash
		)
		ORDER BY l.timestamp ASC, l.header_hash COLLATE BINARY ASC
	`, string(src.scope), string(base))
	if err != nil {
		return nil, fmt.Errorf("read %s links: %w", src.scope, err)
	}
	defer rows.Close()

	links := []ir.Link{}
	for rows.Next() {
		l := ir.Link{Base: base}
		var target, header, author string
		if err := rows.Scan(&target, &l.Zome, &l.Tag, &header, &author, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.Target = ir.Hash(target)
		l.CreateHeader = ir.Hash(header)
		l.Author = ir.AgentKey(author)
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return links, nil
}

// Activity returns an author's chain activity in sequence order.
func (src *ScopeSource) Activity(ctx context.Context, author ir.AgentKey) ([]ir.ActivityItem, error) {
	rows, err := src.q.QueryContext(ctx, `
		SELECT header_seq, header_hash FROM meta
		WHERE scope = ? AND kind = 'activity' AND basis = ?
		ORDER BY header_seq ASC, header_hash COLLATE BINARY ASC
	`, string(src.scope), string(author))
	if err != nil {
		return nil, fmt.Errorf("read %s activity: %w", src.scope, err)
	}
	defer rows.Close()

	items := []ir.ActivityItem{}
	for rows.Next() {
		item := ir.ActivityItem{Author: author}
		var header string
		if err := rows.Scan(&item.Seq, &header); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		item.HeaderHash = ir.Hash(header)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return items, nil
}

// Updates returns the headers that update the given header.
func (src *ScopeSource) Updates(ctx context.Context, headerHash ir.Hash) ([]ir.Hash, error) {
	return src.headersFor(ctx, metaUpdate, headerHash)
}

// Deletes returns the headers that delete the given header.
func (src *ScopeSource) Deletes(ctx context.Context, headerHash ir.Hash) ([]ir.Hash, error) {
	return src.headersFor(ctx, metaDelete, headerHash)
}

func (src *ScopeSource) headersFor(ctx context.Context, kind metaKind, basis ir.Hash) ([]ir.Hash, error) {
	rows, err := src.q.QueryContext(ctx, `
		SELECT header_hash FROM meta
		WHERE scope = ? AND kind = ? AND basis = ?
		ORDER BY header_hash COLLATE BINARY ASC
	`, string(src.scope), string(kind), string(basis))
	if err != nil {
		return nil, fmt.Errorf("read %s %s meta: %w", src.scope, kind, err)
	}
	defer rows.Close()

	hashes := []ir.Hash{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan %s meta: %w", kind, err)
		}
		hashes = append(hashes, ir.Hash(h))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s meta: %w", kind, err)
	}
	return hashes, nil
}
