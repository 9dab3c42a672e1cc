package testutil

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/roach88/holdfast/internal/chain"
	"github.com/roach88/holdfast/internal/ir"
)

// TestDna is the DNA hash chains are built against unless told otherwise.
const TestDna ir.Hash = "dna0000000000000000000000000000000000000000000000000000000000000"

// BaseTimestamp is the timestamp of the first header on every test chain.
// Each following header is one millisecond later.
const BaseTimestamp int64 = 1_704_067_200_000_000

// Agent is a deterministic signing identity.
type Agent struct {
	chain.Signer
}

// NewAgent derives an agent from a one-byte seed. The same seed always
// yields the same key.
func NewAgent(seed byte) Agent {
	s, err := chain.NewSigner(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
	if err != nil {
		panic(fmt.Sprintf("testutil: new signer: %v", err))
	}
	return Agent{Signer: s}
}

// Sign signs h exactly as given and assembles the element. Use it to
// build headers a well-behaved chain would never produce.
func (a Agent) Sign(h ir.Header, entry *ir.Entry) ir.Element {
	return must(a.Signer.Sign(h, entry))
}

// Chain builds a valid source chain for one agent with deterministic
// timestamps, panicking on any error.
type Chain struct {
	Agent
	Dna      ir.Hash
	Elements []ir.Element

	b *chain.Builder
}

// NewChain starts an empty chain for the agent with the given seed.
func NewChain(seed byte) *Chain {
	a := NewAgent(seed)
	next := BaseTimestamp
	stamps := func() int64 {
		t := next
		next += 1000
		return t
	}
	return &Chain{
		Agent: a,
		Dna:   TestDna,
		b:     chain.NewBuilder(a.Signer, TestDna, chain.WithTimestamps(stamps)),
	}
}

// Genesis appends the three genesis elements: Dna, AgentValidationPkg and
// the agent key entry. Returns them in chain order.
func (c *Chain) Genesis() []ir.Element {
	els, err := c.b.Genesis()
	if err != nil {
		panic(fmt.Sprintf("testutil: genesis: %v", err))
	}
	c.Elements = append(c.Elements, els...)
	return els
}

// Append fills in author, sequence, previous header and timestamp, signs
// the header and appends the element.
func (c *Chain) Append(h ir.Header, entry *ir.Entry) ir.Element {
	return c.keep(c.b.Append(h, entry))
}

// Head returns the hash of the last element, or "" for an empty chain.
func (c *Chain) Head() ir.Hash {
	h, _ := c.b.Head()
	return h.Hash
}

// Create appends a public app entry.
func (c *Chain) Create(zome, id string, content ir.Object) ir.Element {
	return c.keep(c.b.Create(zome, id, ir.VisibilityPublic, content))
}

// CreatePrivate appends a private app entry.
func (c *Chain) CreatePrivate(zome, id string, content ir.Object) ir.Element {
	return c.keep(c.b.Create(zome, id, ir.VisibilityPrivate, content))
}

// Update appends an update of orig carrying new content.
func (c *Chain) Update(orig ir.Element, content ir.Object) ir.Element {
	return c.keep(c.b.Update(orig, content))
}

// Delete appends a delete of orig.
func (c *Chain) Delete(orig ir.Element) ir.Element {
	return c.keep(c.b.Delete(orig))
}

// Link appends a link from base to target.
func (c *Chain) Link(base, target ir.Hash, zome, tag string) ir.Element {
	return c.keep(c.b.Link(base, target, zome, tag))
}

// Unlink appends the removal of a link created by link.
func (c *Chain) Unlink(link ir.Element) ir.Element {
	return c.keep(c.b.Unlink(link))
}

func (c *Chain) keep(el ir.Element, err error) ir.Element {
	el = must(el, err)
	c.Elements = append(c.Elements, el)
	return el
}

func must(el ir.Element, err error) ir.Element {
	if err != nil {
		panic(fmt.Sprintf("testutil: %v", err))
	}
	return el
}

// Ops returns the ops produced by each element, concatenated in order.
func Ops(els ...ir.Element) []ir.Op {
	var ops []ir.Op
	for _, el := range els {
		produced, err := ir.ProduceOps(el)
		if err != nil {
			panic(fmt.Sprintf("testutil: produce ops: %v", err))
		}
		ops = append(ops, produced...)
	}
	return ops
}

// OpOfType returns the first op of type t produced by el.
func OpOfType(el ir.Element, t ir.OpType) ir.Op {
	for _, op := range Ops(el) {
		if op.Type == t {
			return op
		}
	}
	panic(fmt.Sprintf("testutil: %s produces no %s op", el.Header().Type, t))
}
