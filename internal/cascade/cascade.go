// Package cascade is the read-only view a workflow pass uses to find data
// across scopes.
//
// A Cascade scans its sources in precedence order and returns the first
// non-empty answer together with the scope that gave it. It owns no data;
// it borrows snapshots and must be closed at the end of the pass, after
// which none of its answers may be used to read further.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/holdfast/internal/cache"
	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/store"
)

// ErrNotHeld is returned when no configured scope has the requested data.
// Whether that means "fetch it" or "it does not exist" is for the caller
// to decide.
var ErrNotHeld = errors.New("not held in any configured scope")

// Source is one scope's read surface. Both store.ScopeSource and
// cache.Snapshot implement it.
type Source interface {
	Scope() ir.Scope
	Element(ctx context.Context, headerHash ir.Hash) (ir.Element, bool, error)
	Entry(ctx context.Context, entryHash ir.Hash) (ir.Entry, bool, error)
	Links(ctx context.Context, base ir.Hash) ([]ir.Link, error)
	Activity(ctx context.Context, author ir.AgentKey) ([]ir.ActivityItem, error)
	Updates(ctx context.Context, headerHash ir.Hash) ([]ir.Hash, error)
	Deletes(ctx context.Context, headerHash ir.Hash) ([]ir.Hash, error)
}

var (
	_ Source = (*store.ScopeSource)(nil)
	_ Source = (*cache.Snapshot)(nil)
)

// Kind selects what Get looks for.
type Kind int

const (
	// KindElement looks up a header hash.
	KindElement Kind = iota
	// KindEntry looks up an entry hash.
	KindEntry
	// KindAny accepts either, element first within each scope.
	KindAny
)

func (k Kind) String() string {
	switch k {
	case KindElement:
		return "element"
	case KindEntry:
		return "entry"
	case KindAny:
		return "any"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Record is what Get found. Exactly one of Element and Entry is set.
type Record struct {
	Scope   ir.Scope
	Element *ir.Element
	Entry   *ir.Entry
}

// Cascade is an ordered list of sources over one set of snapshots.
// Not safe for concurrent use.
type Cascade struct {
	sources []Source
	closers []func() error
	closed  bool
}

// New builds a cascade over sources in the given order. The caller keeps
// ownership of whatever backs them.
func New(sources ...Source) *Cascade {
	return &Cascade{sources: sources}
}

// Open takes fresh snapshots of st and, when non-nil, ch, and builds a
// cascade over them in precedence order. Close releases both snapshots.
// A Cache entry in prec is skipped when ch is nil.
func Open(ctx context.Context, st *store.Store, ch *cache.Cache, prec Precedence) (*Cascade, error) {
	if err := prec.Validate(); err != nil {
		return nil, err
	}
	snap, err := st.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("open cascade: %w", err)
	}
	c := &Cascade{closers: []func() error{snap.Close}}

	var cs *cache.Snapshot
	if ch != nil && slices.Contains(prec, ir.ScopeCache) {
		cs = ch.Snapshot()
		c.closers = append(c.closers, cs.Close)
	}
	for _, scope := range prec {
		if scope == ir.ScopeCache {
			if cs != nil {
				c.sources = append(c.sources, cs)
			}
			continue
		}
		c.sources = append(c.sources, snap.Source(scope))
	}
	return c, nil
}

// Scopes lists the scopes consulted, in order.
func (c *Cascade) Scopes() []ir.Scope {
	scopes := make([]ir.Scope, len(c.sources))
	for i, src := range c.sources {
		scopes[i] = src.Scope()
	}
	return scopes
}

// Close releases the snapshots the cascade was opened over. Safe to call
// more than once.
func (c *Cascade) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

// Get returns the first record of the requested kind.
func (c *Cascade) Get(ctx context.Context, hash ir.Hash, kind Kind) (Record, error) {
	for _, src := range c.sources {
		if kind == KindElement || kind == KindAny {
			el, ok, err := src.Element(ctx, hash)
			if err != nil {
				return Record{}, c.wrap(src, err)
			}
			if ok {
				return Record{Scope: src.Scope(), Element: &el}, nil
			}
		}
		if kind == KindEntry || kind == KindAny {
			e, ok, err := src.Entry(ctx, hash)
			if err != nil {
				return Record{}, c.wrap(src, err)
			}
			if ok {
				return Record{Scope: src.Scope(), Entry: &e}, nil
			}
		}
	}
	return Record{}, fmt.Errorf("%s %s: %w", kind, hash.Short(), ErrNotHeld)
}

// Element returns the first element with the given header hash.
func (c *Cascade) Element(ctx context.Context, headerHash ir.Hash) (ir.Element, ir.Scope, error) {
	rec, err := c.Get(ctx, headerHash, KindElement)
	if err != nil {
		return ir.Element{}, "", err
	}
	return *rec.Element, rec.Scope, nil
}

// Entry returns the first entry with the given hash.
func (c *Cascade) Entry(ctx context.Context, entryHash ir.Hash) (ir.Entry, ir.Scope, error) {
	rec, err := c.Get(ctx, entryHash, KindEntry)
	if err != nil {
		return ir.Entry{}, "", err
	}
	return *rec.Entry, rec.Scope, nil
}

// Links returns the live links on base from the first scope that has any.
// Removals are applied within that scope only.
func (c *Cascade) Links(ctx context.Context, base ir.Hash) ([]ir.Link, ir.Scope, error) {
	return first(c, "links", base, func(src Source) ([]ir.Link, error) {
		return src.Links(ctx, base)
	})
}

// Activity returns an author's activity from the first scope that has any.
func (c *Cascade) Activity(ctx context.Context, author ir.AgentKey) ([]ir.ActivityItem, ir.Scope, error) {
	return first(c, "activity", ir.Hash(author), func(src Source) ([]ir.ActivityItem, error) {
		return src.Activity(ctx, author)
	})
}

// Updates returns the headers updating headerHash from the first scope
// that has any.
func (c *Cascade) Updates(ctx context.Context, headerHash ir.Hash) ([]ir.Hash, ir.Scope, error) {
	return first(c, "updates", headerHash, func(src Source) ([]ir.Hash, error) {
		return src.Updates(ctx, headerHash)
	})
}

// Deletes returns the headers deleting headerHash from the first scope
// that has any.
func (c *Cascade) Deletes(ctx context.Context, headerHash ir.Hash) ([]ir.Hash, ir.Scope, error) {
	return first(c, "deletes", headerHash, func(src Source) ([]ir.Hash, error) {
		return src.Deletes(ctx, headerHash)
	})
}

func first[T any](c *Cascade, what string, key ir.Hash, read func(Source) ([]T, error)) ([]T, ir.Scope, error) {
	for _, src := range c.sources {
		got, err := read(src)
		if err != nil {
			return nil, "", c.wrap(src, err)
		}
		if len(got) > 0 {
			return got, src.Scope(), nil
		}
	}
	return nil, "", fmt.Errorf("%s %s: %w", what, key.Short(), ErrNotHeld)
}

func (c *Cascade) wrap(src Source, err error) error {
	return fmt.Errorf("cascade read from %s: %w", src.Scope(), err)
}
