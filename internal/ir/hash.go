package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrContentMismatch is returned when data does not hash to the address
// it is offered under.
var ErrContentMismatch = errors.New("content does not match its address")

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainHeader = "holdfast/header/v1"
	DomainEntry  = "holdfast/entry/v1"
	DomainOp     = "holdfast/op/v1"
	DomainDna    = "holdfast/dna/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) Hash {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// canonicalObject is the hashed form of a header. Zero-valued optional
// fields are omitted so that adding a field later does not change the
// hash of headers that never set it.
func (h Header) canonicalObject() Object {
	obj := Object{
		"type":       Str(h.Type),
		"author":     Str(h.Author),
		"timestamp":  Int(h.Timestamp),
		"header_seq": Int(h.Seq),
	}
	putHash := func(key string, v Hash) {
		if v != "" {
			obj[key] = Str(v)
		}
	}
	putHash("prev_header", h.PrevHeader)
	putHash("dna_hash", h.DnaHash)
	putHash("entry_hash", h.EntryHash)
	putHash("original_header", h.OriginalHeader)
	putHash("original_entry", h.OriginalEntry)
	putHash("deletes_header", h.DeletesHeader)
	putHash("deletes_entry", h.DeletesEntry)
	putHash("base_address", h.BaseAddress)
	putHash("target_address", h.TargetAddress)
	putHash("link_add_header", h.LinkAddHeader)
	if h.Zome != "" {
		obj["zome"] = Str(h.Zome)
	}
	if h.Tag != "" {
		obj["tag"] = Str(h.Tag)
	}
	if et := h.EntryType; et != nil {
		e := Object{"kind": Str(et.Kind)}
		if et.Zome != "" {
			e["zome"] = Str(et.Zome)
		}
		if et.ID != "" {
			e["id"] = Str(et.ID)
		}
		if et.Visibility != "" {
			e["visibility"] = Str(et.Visibility)
		}
		obj["entry_type"] = e
	}
	return obj
}

// CanonicalHeaderBytes returns the bytes that are hashed and signed.
func CanonicalHeaderBytes(h Header) ([]byte, error) {
	b, err := MarshalCanonical(h.canonicalObject())
	if err != nil {
		return nil, fmt.Errorf("canonical header: %w", err)
	}
	return b, nil
}

// HeaderHash computes the content address of a header.
func HeaderHash(h Header) (Hash, error) {
	b, err := CanonicalHeaderBytes(h)
	if err != nil {
		return "", fmt.Errorf("HeaderHash: %w", err)
	}
	return hashWithDomain(DomainHeader, b), nil
}

// EntryHash computes the content address of an entry.
func EntryHash(e Entry) (Hash, error) {
	content := e.Content
	if content == nil {
		content = Object{}
	}
	b, err := MarshalCanonical(Object{"kind": Str(e.Kind), "content": content})
	if err != nil {
		return "", fmt.Errorf("EntryHash: %w", err)
	}
	return hashWithDomain(DomainEntry, b), nil
}

// OpHash computes the identity of an op: its type and the header it was
// produced from. The entry is covered transitively through the header's
// entry hash.
func OpHash(op Op) (Hash, error) {
	hh, err := HeaderHash(op.Signed.Header)
	if err != nil {
		return "", fmt.Errorf("OpHash: %w", err)
	}
	b, err := MarshalCanonical(Object{"type": Str(op.Type), "header_hash": Str(hh)})
	if err != nil {
		return "", fmt.Errorf("OpHash: %w", err)
	}
	return hashWithDomain(DomainOp, b), nil
}

// CheckAddresses recomputes an element's header hash and, when the entry
// is carried, its entry hash, and compares them with the addresses the
// element claims. A negative sequence is refused as well.
func CheckAddresses(el Element) error {
	h := el.Header()
	if h.Seq < 0 {
		return fmt.Errorf("header %s: negative sequence %d", el.HeaderHash.Short(), h.Seq)
	}
	hh, err := HeaderHash(h)
	if err != nil {
		return err
	}
	if hh != el.HeaderHash {
		return fmt.Errorf("%w: header %s hashes to %s", ErrContentMismatch, el.HeaderHash.Short(), hh.Short())
	}
	if el.Entry == nil {
		return nil
	}
	eh, err := EntryHash(*el.Entry)
	if err != nil {
		return err
	}
	if eh != h.EntryHash {
		return fmt.Errorf("%w: entry of %s hashes to %s, header names %s",
			ErrContentMismatch, el.HeaderHash.Short(), eh.Short(), h.EntryHash.Short())
	}
	return nil
}

// MustHeaderHash is like HeaderHash but panics on error.
// Use only in tests or when the header is known to be well-formed.
func MustHeaderHash(h Header) Hash {
	hh, err := HeaderHash(h)
	if err != nil {
		panic(err)
	}
	return hh
}

// MustEntryHash is like EntryHash but panics on error.
func MustEntryHash(e Entry) Hash {
	eh, err := EntryHash(e)
	if err != nil {
		panic(err)
	}
	return eh
}

// MustOpHash is like OpHash but panics on error.
func MustOpHash(op Op) Hash {
	oh, err := OpHash(op)
	if err != nil {
		panic(err)
	}
	return oh
}

// DnaHash identifies a DNA definition. Zome and entry def order are part
// of the identity since they fix the order callbacks run in.
func DnaHash(d DnaDef) (Hash, error) {
	zomes := make(List, 0, len(d.Zomes))
	for _, z := range d.Zomes {
		defs := make(List, 0, len(z.EntryDefs))
		for _, ed := range z.EntryDefs {
			defs = append(defs, Object{
				"id":                       Str(ed.ID),
				"visibility":               Str(ed.Visibility),
				"required_validation_type": Str(ed.RequiredValidationType),
				"required_validations":     Int(ed.RequiredValidations),
			})
		}
		tags := make(List, 0, len(z.LinkTags))
		for _, t := range z.LinkTags {
			tags = append(tags, Str(t))
		}
		zomes = append(zomes, Object{"name": Str(z.Name), "entry_defs": defs, "link_tags": tags})
	}
	b, err := MarshalCanonical(Object{"name": Str(d.Name), "zomes": zomes})
	if err != nil {
		return "", fmt.Errorf("DnaHash: %w", err)
	}
	return hashWithDomain(DomainDna, b), nil
}
