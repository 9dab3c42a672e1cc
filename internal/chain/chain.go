// Package chain builds and signs source-chain elements for one agent.
package chain

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/roach88/holdfast/internal/ir"
)

// Signer is an agent's signing identity.
type Signer struct {
	Key  ir.AgentKey
	priv ed25519.PrivateKey
}

// NewSigner derives a signer from a 32-byte ed25519 seed.
func NewSigner(seed []byte) (Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return Signer{}, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Signer{Key: ir.AgentKeyFromPublic(priv.Public().(ed25519.PublicKey)), priv: priv}, nil
}

// GenerateSeed returns a fresh random seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	return seed, nil
}

// LoadSigner reads a hex-encoded seed from path.
func LoadSigner(path string) (Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Signer{}, fmt.Errorf("load key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return Signer{}, fmt.Errorf("load key %s: %w", path, err)
	}
	return NewSigner(seed)
}

// WriteSeed saves seed hex-encoded, readable by the owner only.
func WriteSeed(path string, seed []byte) error {
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// Sign signs h exactly as given and assembles the element.
func (s Signer) Sign(h ir.Header, entry *ir.Entry) (ir.Element, error) {
	sh, err := ir.SignHeader(s.priv, h)
	if err != nil {
		return ir.Element{}, err
	}
	return ir.NewElement(sh, entry)
}

// Head is the last element of a chain.
type Head struct {
	Seq       int64
	Hash      ir.Hash
	Timestamp int64
}

// Builder appends well-formed elements to one agent's chain.
// Not safe for concurrent use.
type Builder struct {
	signer Signer
	dna    ir.Hash
	head   *Head
	now    func() int64
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithHead continues an existing chain.
func WithHead(h Head) BuilderOption {
	return func(b *Builder) { b.head = &h }
}

// WithTimestamps sets the source of header timestamps, in unix
// microseconds. Default: the wall clock.
func WithTimestamps(now func() int64) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a builder for signer's chain in the given DNA.
func NewBuilder(s Signer, dna ir.Hash, opts ...BuilderOption) *Builder {
	b := &Builder{
		signer: s,
		dna:    dna,
		now:    func() int64 { return time.Now().UnixMicro() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Head returns the current chain head. ok is false for an empty chain.
func (b *Builder) Head() (Head, bool) {
	if b.head == nil {
		return Head{}, false
	}
	return *b.head, true
}

// Append fills in author, sequence, previous header and timestamp, then
// signs h. Timestamps never go backwards along the chain.
func (b *Builder) Append(h ir.Header, entry *ir.Entry) (ir.Element, error) {
	h.Author = b.signer.Key
	h.Seq = 0
	h.Timestamp = b.now()
	if b.head != nil {
		h.Seq = b.head.Seq + 1
		h.PrevHeader = b.head.Hash
		h.Timestamp = max(h.Timestamp, b.head.Timestamp+1)
	}
	el, err := b.signer.Sign(h, entry)
	if err != nil {
		return ir.Element{}, fmt.Errorf("append %s: %w", h.Type, err)
	}
	b.head = &Head{Seq: h.Seq, Hash: el.HeaderHash, Timestamp: h.Timestamp}
	return el, nil
}

// Genesis writes the Dna, AgentValidationPkg and agent key elements.
func (b *Builder) Genesis() ([]ir.Element, error) {
	if b.head != nil {
		return nil, fmt.Errorf("genesis: chain already has %d elements", b.head.Seq+1)
	}
	dna, err := b.Append(ir.Header{Type: ir.HeaderDna, DnaHash: b.dna}, nil)
	if err != nil {
		return nil, err
	}
	pkg, err := b.Append(ir.Header{Type: ir.HeaderAgentValidationPkg}, nil)
	if err != nil {
		return nil, err
	}
	key := ir.Entry{Kind: ir.EntryAgentPubKey, Content: ir.Object{"key": ir.Str(b.signer.Key)}}
	agent, err := b.appendEntry(ir.Header{
		Type:      ir.HeaderCreate,
		EntryType: &ir.EntryType{Kind: ir.EntryAgentPubKey},
	}, key)
	if err != nil {
		return nil, err
	}
	return []ir.Element{dna, pkg, agent}, nil
}

// Create appends an app entry.
func (b *Builder) Create(zome, id string, vis ir.Visibility, content ir.Object) (ir.Element, error) {
	return b.appendEntry(ir.Header{
		Type:      ir.HeaderCreate,
		EntryType: &ir.EntryType{Kind: ir.EntryApp, Zome: zome, ID: id, Visibility: vis},
	}, ir.Entry{Kind: ir.EntryApp, Content: content})
}

// Update appends an update of orig carrying new content.
func (b *Builder) Update(orig ir.Element, content ir.Object) (ir.Element, error) {
	oh := orig.Header()
	if oh.EntryType == nil {
		return ir.Element{}, fmt.Errorf("update: %s header has no entry", oh.Type)
	}
	return b.appendEntry(ir.Header{
		Type:           ir.HeaderUpdate,
		EntryType:      oh.EntryType,
		OriginalHeader: orig.HeaderHash,
		OriginalEntry:  oh.EntryHash,
	}, ir.Entry{Kind: oh.EntryType.Kind, Content: content})
}

// Delete appends a delete of orig.
func (b *Builder) Delete(orig ir.Element) (ir.Element, error) {
	return b.Append(ir.Header{
		Type:          ir.HeaderDelete,
		DeletesHeader: orig.HeaderHash,
		DeletesEntry:  orig.Header().EntryHash,
	}, nil)
}

// Link appends a link from base to target.
func (b *Builder) Link(base, target ir.Hash, zome, tag string) (ir.Element, error) {
	return b.Append(ir.Header{
		Type:          ir.HeaderCreateLink,
		BaseAddress:   base,
		TargetAddress: target,
		Zome:          zome,
		Tag:           tag,
	}, nil)
}

// Unlink appends the removal of the link created by link.
func (b *Builder) Unlink(link ir.Element) (ir.Element, error) {
	lh := link.Header()
	if lh.Type != ir.HeaderCreateLink {
		return ir.Element{}, fmt.Errorf("unlink: %s is a %s header", link.HeaderHash.Short(), lh.Type)
	}
	return b.Append(ir.Header{
		Type:          ir.HeaderDeleteLink,
		BaseAddress:   lh.BaseAddress,
		LinkAddHeader: link.HeaderHash,
		Zome:          lh.Zome,
	}, nil)
}

func (b *Builder) appendEntry(h ir.Header, e ir.Entry) (ir.Element, error) {
	eh, err := ir.EntryHash(e)
	if err != nil {
		return ir.Element{}, err
	}
	h.EntryHash = eh
	return b.Append(h, &e)
}
