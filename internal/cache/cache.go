package cache

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/holdfast/internal/ir"
)

// Cache is the ephemeral store for fetched data. Safe for concurrent use.
type Cache struct {
	db  *badger.DB
	gc  *gcRunner
	ttl time.Duration
}

// Open opens the cache and starts value log GC when configured.
func Open(cfg Config) (*Cache, error) {
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}
	c := &Cache{db: db, ttl: cfg.TTL}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("start cache gc: %w", err)
		}
		c.gc = runner
	}
	return c, nil
}

// Close stops GC and closes the database.
func (c *Cache) Close() error {
	if c.gc != nil {
		c.gc.stop()
		c.gc = nil
	}
	return c.db.Close()
}

// cachedHeader is the value stored under e/<header>.
type cachedHeader struct {
	Signed    ir.SignedHeader `json:"signed"`
	EntryHash ir.Hash         `json:"entry_hash,omitempty"`
}

// PutElement caches a fetched element: its header, its entry when
// present, and the metadata the header implies. The element is refused
// unless its header and entry hash to the addresses it carries.
func (c *Cache) PutElement(ctx context.Context, el ir.Element) error {
	if err := ir.CheckAddresses(el); err != nil {
		return err
	}
	return c.update(ctx, func(txn *badger.Txn) error {
		h := el.Header()
		val, err := json.Marshal(cachedHeader{Signed: el.Signed, EntryHash: h.EntryHash})
		if err != nil {
			return fmt.Errorf("marshal header: %w", err)
		}
		if err := c.set(txn, key("e", el.HeaderHash), val); err != nil {
			return err
		}
		if el.Entry != nil {
			if err := c.putEntry(txn, h.EntryHash, *el.Entry); err != nil {
				return err
			}
		}
		if err := c.set(txn, activityKey(h.Author, h.Seq, el.HeaderHash), nil); err != nil {
			return err
		}
		switch h.Type {
		case ir.HeaderUpdate:
			return c.set(txn, key("u", h.OriginalHeader, el.HeaderHash), nil)
		case ir.HeaderDelete:
			return c.set(txn, key("d", h.DeletesHeader, el.HeaderHash), nil)
		case ir.HeaderCreateLink:
			return c.putLink(txn, linkOf(el))
		case ir.HeaderDeleteLink:
			return c.set(txn, key("r", h.BaseAddress, h.LinkAddHeader), nil)
		}
		return nil
	})
}

// PutEntry caches an entry fetched on its own under its own hash, which
// it returns.
func (c *Cache) PutEntry(ctx context.Context, e ir.Entry) (ir.Hash, error) {
	hash, err := ir.EntryHash(e)
	if err != nil {
		return "", fmt.Errorf("hash entry: %w", err)
	}
	err = c.update(ctx, func(txn *badger.Txn) error {
		return c.putEntry(txn, hash, e)
	})
	if err != nil {
		return "", err
	}
	return hash, nil
}

// PutLink caches the link a CreateLink element implies without caching
// the element itself.
func (c *Cache) PutLink(ctx context.Context, create ir.Element) error {
	if t := create.Header().Type; t != ir.HeaderCreateLink {
		return fmt.Errorf("put link: %s header %s is not a CreateLink", t, create.HeaderHash.Short())
	}
	if err := ir.CheckAddresses(create); err != nil {
		return err
	}
	return c.update(ctx, func(txn *badger.Txn) error {
		return c.putLink(txn, linkOf(create))
	})
}

func linkOf(el ir.Element) ir.Link {
	h := el.Header()
	return ir.Link{
		Base:         h.BaseAddress,
		Target:       h.TargetAddress,
		Zome:         h.Zome,
		Tag:          h.Tag,
		CreateHeader: el.HeaderHash,
		Author:       h.Author,
		Timestamp:    h.Timestamp,
	}
}

func (c *Cache) putEntry(txn *badger.Txn, hash ir.Hash, e ir.Entry) error {
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return c.set(txn, key("n", hash), val)
}

func (c *Cache) putLink(txn *badger.Txn, l ir.Link) error {
	val, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal link: %w", err)
	}
	return c.set(txn, key("l", l.Base, l.CreateHeader), val)
}

func (c *Cache) set(txn *badger.Txn, k []byte, val []byte) error {
	e := badger.NewEntry(k, val)
	if c.ttl > 0 {
		e = e.WithTTL(c.ttl)
	}
	if err := txn.SetEntry(e); err != nil {
		return fmt.Errorf("cache set %s: %w", k, err)
	}
	return nil
}

func (c *Cache) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return c.db.Update(fn)
}

// Snapshot opens a read-only view of the cache. Keys that expire while
// the snapshot is open stay visible to it.
func (c *Cache) Snapshot() *Snapshot {
	return &Snapshot{txn: c.db.NewTransaction(false)}
}

// Snapshot is a read-only view of the cache that answers as the Cache
// scope. Not safe for concurrent use.
type Snapshot struct {
	txn *badger.Txn
}

// Close discards the underlying transaction.
func (s *Snapshot) Close() error {
	s.txn.Discard()
	return nil
}

// Scope always reports the Cache scope.
func (s *Snapshot) Scope() ir.Scope {
	return ir.ScopeCache
}

// Element returns a cached header, with its entry when that is cached too.
func (s *Snapshot) Element(ctx context.Context, headerHash ir.Hash) (ir.Element, bool, error) {
	var ch cachedHeader
	ok, err := s.get(key("e", headerHash), &ch)
	if err != nil || !ok {
		return ir.Element{}, false, err
	}
	el := ir.Element{Signed: ch.Signed, HeaderHash: headerHash}
	if ch.EntryHash != "" {
		e, ok, err := s.Entry(ctx, ch.EntryHash)
		if err != nil {
			return ir.Element{}, false, err
		}
		if ok {
			el.Entry = &e
		}
	}
	return el, true, nil
}

// Entry returns a cached entry.
func (s *Snapshot) Entry(_ context.Context, entryHash ir.Hash) (ir.Entry, bool, error) {
	var e ir.Entry
	ok, err := s.get(key("n", entryHash), &e)
	if err != nil || !ok {
		return ir.Entry{}, false, err
	}
	return e, true, nil
}

// Links returns cached links on base that have no cached removal, ordered
// by timestamp then create header.
func (s *Snapshot) Links(_ context.Context, base ir.Hash) ([]ir.Link, error) {
	removed := make(map[ir.Hash]bool)
	err := s.scan(key("r", base, ""), func(suffix string, _ []byte) error {
		removed[ir.Hash(suffix)] = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	links := []ir.Link{}
	err = s.scan(key("l", base, ""), func(suffix string, val []byte) error {
		if removed[ir.Hash(suffix)] {
			return nil
		}
		var l ir.Link
		if err := json.Unmarshal(val, &l); err != nil {
			return fmt.Errorf("unmarshal link: %w", err)
		}
		links = append(links, l)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(links, func(a, b ir.Link) int {
		return cmp.Or(cmp.Compare(a.Timestamp, b.Timestamp), strings.Compare(string(a.CreateHeader), string(b.CreateHeader)))
	})
	return links, nil
}

// Activity returns cached activity for an author in sequence order.
func (s *Snapshot) Activity(_ context.Context, author ir.AgentKey) ([]ir.ActivityItem, error) {
	items := []ir.ActivityItem{}
	err := s.scan(key("a", ir.Hash(author), ""), func(suffix string, _ []byte) error {
		seqPart, header, ok := strings.Cut(suffix, "/")
		if !ok {
			return fmt.Errorf("malformed activity key suffix %q", suffix)
		}
		seq, err := strconv.ParseInt(seqPart, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed activity seq %q: %w", seqPart, err)
		}
		items = append(items, ir.ActivityItem{Author: author, Seq: seq, HeaderHash: ir.Hash(header)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Updates returns cached headers that update headerHash.
func (s *Snapshot) Updates(_ context.Context, headerHash ir.Hash) ([]ir.Hash, error) {
	return s.suffixes(key("u", headerHash, ""))
}

// Deletes returns cached headers that delete headerHash.
func (s *Snapshot) Deletes(_ context.Context, headerHash ir.Hash) ([]ir.Hash, error) {
	return s.suffixes(key("d", headerHash, ""))
}

func (s *Snapshot) suffixes(prefix []byte) ([]ir.Hash, error) {
	hashes := []ir.Hash{}
	err := s.scan(prefix, func(suffix string, _ []byte) error {
		hashes = append(hashes, ir.Hash(suffix))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

func (s *Snapshot) get(k []byte, v any) (bool, error) {
	item, err := s.txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", k, err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
	if err != nil {
		return false, fmt.Errorf("cache decode %s: %w", k, err)
	}
	return true, nil
}

// scan calls fn for every key under prefix, in key order, with the part
// of the key after the prefix.
func (s *Snapshot) scan(prefix []byte, fn func(suffix string, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := s.txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("cache read %s: %w", item.Key(), err)
		}
		suffix := string(bytes.TrimPrefix(item.KeyCopy(nil), prefix))
		if err := fn(suffix, val); err != nil {
			return err
		}
	}
	return nil
}

// key joins a kind tag and hashes with "/". A trailing empty part leaves
// a trailing separator, which makes the result a scan prefix.
func key(kind string, parts ...ir.Hash) []byte {
	var b strings.Builder
	b.WriteString(kind)
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(string(p))
	}
	return []byte(b.String())
}

func activityKey(author ir.AgentKey, seq int64, header ir.Hash) []byte {
	return key("a", ir.Hash(author), ir.Hash(fmt.Sprintf("%020d", seq)), header)
}

// Size reports the on-disk size of the LSM tree and value log.
func (c *Cache) Size() (lsm, vlog int64) {
	return c.db.Size()
}
