package ir

import (
	"errors"
	"fmt"
)

// ErrMissingEntry is returned when a public entry-carrying header has no entry.
var ErrMissingEntry = errors.New("header references an entry but none was supplied")

// ProduceOps derives the DHT ops for an element, in a fixed order:
// StoreElement, RegisterAgentActivity, then the type-specific ops.
// Private entries are never copied into ops.
func ProduceOps(el Element) ([]Op, error) {
	h := el.Header()
	if !h.Type.Valid() {
		return nil, fmt.Errorf("produce ops: unknown header type %q", h.Type)
	}

	public := h.EntryType == nil || h.EntryType.Public()
	var entry *Entry
	if h.Type.HasEntry() && public {
		if el.Entry == nil {
			return nil, fmt.Errorf("produce ops for %s: %w", el.HeaderHash.Short(), ErrMissingEntry)
		}
		entry = el.Entry
	}

	ops := []Op{
		{Type: OpStoreElement, Signed: el.Signed, Entry: entry},
		{Type: OpRegisterAgentActivity, Signed: el.Signed},
	}
	switch h.Type {
	case HeaderCreate:
		if public {
			ops = append(ops, Op{Type: OpStoreEntry, Signed: el.Signed, Entry: entry})
		}
	case HeaderUpdate:
		if public {
			ops = append(ops, Op{Type: OpStoreEntry, Signed: el.Signed, Entry: entry})
		}
		ops = append(ops, Op{Type: OpRegisterUpdatedContent, Signed: el.Signed})
	case HeaderDelete:
		ops = append(ops, Op{Type: OpRegisterDeletedBy, Signed: el.Signed})
	case HeaderCreateLink:
		ops = append(ops, Op{Type: OpRegisterAddLink, Signed: el.Signed})
	case HeaderDeleteLink:
		ops = append(ops, Op{Type: OpRegisterRemoveLink, Signed: el.Signed})
	}
	return ops, nil
}

// Header is shorthand for op.Signed.Header.
func (op Op) Header() Header {
	return op.Signed.Header
}

// HeaderHash returns the hash of the header the op was produced from.
func (op Op) HeaderHash() (Hash, error) {
	return HeaderHash(op.Signed.Header)
}

// Element reassembles the element the op carries. The entry is present
// only for StoreElement and StoreEntry ops of public entries.
func (op Op) Element() (Element, error) {
	return NewElement(op.Signed, op.Entry)
}

// Basis returns the address the op is stored and routed under.
func (op Op) Basis() Hash {
	h := op.Header()
	switch op.Type {
	case OpStoreElement:
		return MustHeaderHash(h)
	case OpStoreEntry:
		return h.EntryHash
	case OpRegisterAgentActivity:
		return Hash(h.Author)
	case OpRegisterUpdatedContent:
		return h.OriginalEntry
	case OpRegisterDeletedBy:
		return h.DeletesHeader
	case OpRegisterAddLink, OpRegisterRemoveLink:
		return h.BaseAddress
	default:
		return ""
	}
}

// Prerequisites returns the hashes that must be integrated before the op
// itself may be integrated. Each is either a header hash or an entry hash.
func (op Op) Prerequisites() []Hash {
	h := op.Header()
	switch op.Type {
	case OpRegisterAgentActivity:
		if h.PrevHeader != "" {
			return []Hash{h.PrevHeader}
		}
	case OpRegisterUpdatedContent:
		return []Hash{h.OriginalHeader}
	case OpRegisterDeletedBy:
		return []Hash{h.DeletesHeader}
	case OpRegisterAddLink:
		return []Hash{h.BaseAddress, h.TargetAddress}
	case OpRegisterRemoveLink:
		return []Hash{h.LinkAddHeader}
	}
	return nil
}

// Describe is a short human-readable label for logs and CLI output.
func (op Op) Describe() string {
	h := op.Header()
	return fmt.Sprintf("%s(%s #%d)", op.Type, h.Type, h.Seq)
}
