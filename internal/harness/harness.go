package harness

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/holdfast/internal/cache"
	"github.com/roach88/holdfast/internal/chain"
	"github.com/roach88/holdfast/internal/dna"
	"github.com/roach88/holdfast/internal/engine"
	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/store"
	"github.com/roach88/holdfast/internal/testutil"
	"github.com/roach88/holdfast/internal/validation"
)

// Harness runs one scenario against a real cell: a fresh SQLite store in
// a temporary directory, an in-memory cache, the scenario's DNA with its
// schema evaluators, and fake wall time.
type Harness struct {
	sc   *Scenario
	cell *engine.Cell
	def  *dna.Definition
	wall *testutil.FakeTime

	agents    map[string]*agent
	elements  map[string]ir.Element
	delivered map[string]bool
	opLabels  map[ir.Hash]string

	result *Result
}

type agent struct {
	key     ir.AgentKey
	builder *chain.Builder
	labels  []string
}

// Run executes a scenario and evaluates its assertions. The error is
// reserved for scenarios that cannot run at all; failed assertions are
// reported in the result.
func Run(ctx context.Context, sc *Scenario) (*Result, error) {
	def, err := dna.Load(sc.Dna)
	if err != nil {
		return nil, fmt.Errorf("failed to load dna: %w", err)
	}
	policy, err := sc.policy()
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "holdfast-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	wall := testutil.NewFakeTime(testutil.Epoch)
	st, err := store.Open(filepath.Join(dir, "node.db"), store.WithClock(wall.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ch, err := cache.Open(cache.InMemoryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	defer ch.Close()

	cell, err := engine.New(ctx, st, def.Dna,
		engine.WithCache(ch),
		engine.WithEvaluators(def.Evaluators()),
		engine.WithAbandonPolicy(policy),
		engine.WithPassRate(rate.Inf, 1),
		engine.WithPassIDs(engine.NewFixedGenerator("pass")),
		engine.WithWallClock(wall.Now),
		engine.WithLogger(slog.New(slog.DiscardHandler)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cell: %w", err)
	}

	h := &Harness{
		sc:        sc,
		cell:      cell,
		def:       def,
		wall:      wall,
		agents:    map[string]*agent{},
		elements:  map[string]ir.Element{},
		delivered: map[string]bool{},
		opLabels:  map[ir.Hash]string{},
		result:    NewResult(),
	}

	for i, step := range sc.Steps {
		if err := h.execute(ctx, i+1, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	if err := h.collect(ctx); err != nil {
		return nil, err
	}
	for _, msg := range h.evaluate(ctx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (s *Scenario) policy() (validation.AbandonPolicy, error) {
	if s.Abandon == nil {
		return validation.DefaultAbandonPolicy, nil
	}
	p := validation.AbandonPolicy{MaxRetries: s.Abandon.MaxRetries}
	if s.Abandon.MaxAge != "" {
		d, err := time.ParseDuration(s.Abandon.MaxAge)
		if err != nil {
			return p, fmt.Errorf("abandon.max_age: %w", err)
		}
		p.MaxAge = d
	}
	return p, nil
}

func (h *Harness) execute(ctx context.Context, n int, step Step) error {
	switch {
	case step.Genesis:
		els, err := h.agent(step.Agent).builder.Genesis()
		if err != nil {
			return err
		}
		for i, label := range genesisLabels(step.Agent) {
			if err := h.commit(ctx, step.Agent, label, els[i]); err != nil {
				return err
			}
		}
		h.result.addTrace(n, "genesis", step.Agent)

	case step.Create != nil:
		c := step.Create
		content, err := toObject(c.Content)
		if err != nil {
			return fmt.Errorf("create %s: %w", c.As, err)
		}
		vis := ir.VisibilityPublic
		if c.Private {
			vis = ir.VisibilityPrivate
		}
		el, err := h.agent(step.Agent).builder.Create(c.Zome, c.Entry, vis, content)
		if err != nil {
			return err
		}
		if err := h.commit(ctx, step.Agent, c.As, el); err != nil {
			return err
		}
		h.result.addTrace(n, "create", fmt.Sprintf("%s %s/%s as %s", step.Agent, c.Zome, c.Entry, c.As))

	case step.Update != nil:
		u := step.Update
		content, err := toObject(u.Content)
		if err != nil {
			return fmt.Errorf("update %s: %w", u.As, err)
		}
		el, err := h.agent(step.Agent).builder.Update(h.elements[u.Of], content)
		if err != nil {
			return err
		}
		if err := h.commit(ctx, step.Agent, u.As, el); err != nil {
			return err
		}
		h.result.addTrace(n, "update", fmt.Sprintf("%s %s as %s", step.Agent, u.Of, u.As))

	case step.Delete != nil:
		el, err := h.agent(step.Agent).builder.Delete(h.elements[step.Delete.Of])
		if err != nil {
			return err
		}
		if err := h.commit(ctx, step.Agent, step.Delete.As, el); err != nil {
			return err
		}
		h.result.addTrace(n, "delete", fmt.Sprintf("%s %s as %s", step.Agent, step.Delete.Of, step.Delete.As))

	case step.Link != nil:
		l := step.Link
		base := h.elements[l.Base].HeaderHash
		target := h.elements[l.Target].Header().EntryHash
		if target == "" {
			target = h.elements[l.Target].HeaderHash
		}
		el, err := h.agent(step.Agent).builder.Link(base, target, l.Zome, l.Tag)
		if err != nil {
			return err
		}
		if err := h.commit(ctx, step.Agent, l.As, el); err != nil {
			return err
		}
		h.result.addTrace(n, "link", fmt.Sprintf("%s %s -> %s [%s] as %s", step.Agent, l.Base, l.Target, l.Tag, l.As))

	case step.Unlink != nil:
		el, err := h.agent(step.Agent).builder.Unlink(h.elements[step.Unlink.Of])
		if err != nil {
			return err
		}
		if err := h.commit(ctx, step.Agent, step.Unlink.As, el); err != nil {
			return err
		}
		h.result.addTrace(n, "unlink", fmt.Sprintf("%s %s as %s", step.Agent, step.Unlink.Of, step.Unlink.As))

	case step.Deliver != nil:
		added, err := h.deliver(ctx, step.Deliver)
		if err != nil {
			return err
		}
		h.result.addTrace(n, "deliver", fmt.Sprintf("%d ops", added))

	case len(step.Fetch) > 0:
		els := make([]ir.Element, len(step.Fetch))
		for i, label := range step.Fetch {
			els[i] = h.elements[label]
		}
		if err := h.cell.Fetched(ctx, els...); err != nil {
			return err
		}
		h.result.addTrace(n, "fetch", strings.Join(step.Fetch, " "))

	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.wall.Advance(d)
		h.result.addTrace(n, "advance", d.String())

	case step.Drain:
		results, err := h.cell.Drain(ctx)
		h.result.Passes = append(h.result.Passes, results...)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		h.result.addTrace(n, "drain", "")

	default:
		return fmt.Errorf("step has no action")
	}
	return nil
}

// agent returns the named agent, creating it on first use. Keys are
// derived from the name, so the same scenario always signs the same way.
func (h *Harness) agent(name string) *agent {
	if a, ok := h.agents[name]; ok {
		return a
	}
	seed := sha256.Sum256([]byte("holdfast/harness/" + name))
	signer, err := chain.NewSigner(seed[:])
	if err != nil {
		panic(fmt.Sprintf("harness: derive signer: %v", err))
	}
	next := testutil.BaseTimestamp
	a := &agent{key: signer.Key, builder: chain.NewBuilder(signer, h.def.Hash, chain.WithTimestamps(func() int64 {
		t := next
		next += 1000
		return t
	}))}
	h.agents[name] = a
	return a
}

// commit labels a freshly built element. The node's own elements are
// authored straight away.
func (h *Harness) commit(ctx context.Context, author, label string, el ir.Element) error {
	h.elements[label] = el
	a := h.agent(author)
	a.labels = append(a.labels, label)

	if author != h.sc.Self {
		return nil
	}
	if err := h.label(label, el); err != nil {
		return err
	}
	if _, err := h.cell.Author(ctx, el); err != nil {
		return fmt.Errorf("author %s: %w", label, err)
	}
	h.delivered[label] = true
	return nil
}

func (h *Harness) deliver(ctx context.Context, d *DeliverStep) (int, error) {
	labels := d.Elements
	if len(labels) == 0 {
		for _, l := range h.agent(d.Agent).labels {
			if !h.delivered[l] {
				labels = append(labels, l)
			}
		}
	}

	var ops []ir.Op
	for _, label := range labels {
		el := h.elements[label]
		produced, err := ir.ProduceOps(el)
		if err != nil {
			return 0, fmt.Errorf("deliver %s: %w", label, err)
		}
		for _, op := range produced {
			if len(d.Ops) > 0 && !slices.Contains(d.Ops, string(op.Type)) {
				continue
			}
			if err := h.labelOp(label, op); err != nil {
				return 0, err
			}
			ops = append(ops, op)
		}
		h.delivered[label] = true
	}
	added, err := h.cell.Receive(ctx, ops)
	if err != nil {
		return 0, fmt.Errorf("receive: %w", err)
	}
	return len(added), nil
}

// label records the op labels of every op el produces.
func (h *Harness) label(label string, el ir.Element) error {
	ops, err := ir.ProduceOps(el)
	if err != nil {
		return fmt.Errorf("label %s: %w", label, err)
	}
	for _, op := range ops {
		if err := h.labelOp(label, op); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) labelOp(label string, op ir.Op) error {
	hash, err := ir.OpHash(op)
	if err != nil {
		return fmt.Errorf("label %s: %w", label, err)
	}
	h.opLabels[hash] = opLabel(label, op.Type)
	return nil
}

// opHash finds the hash of one op of a labelled element.
func (h *Harness) opHash(label string, t ir.OpType) (ir.Hash, error) {
	ops, err := ir.ProduceOps(h.elements[label])
	if err != nil {
		return "", err
	}
	for _, op := range ops {
		if op.Type == t {
			return ir.OpHash(op)
		}
	}
	return "", fmt.Errorf("%s produces no %s op", label, t)
}

// collect reads back the final state of every labelled op.
func (h *Harness) collect(ctx context.Context) error {
	for hash, label := range h.opLabels {
		rec, err := h.cell.Status(ctx, hash)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("status of %s: %w", label, err)
		}
		h.result.Ops = append(h.result.Ops, OpState{
			Label:  label,
			Scope:  rec.Scope,
			Status: rec.Status,
			Reason: rec.Reason,
		})
	}
	slices.SortFunc(h.result.Ops, func(a, b OpState) int {
		return strings.Compare(a.Label, b.Label)
	})
	return nil
}

func opLabel(element string, t ir.OpType) string {
	return element + ":" + string(t)
}

func toObject(m map[string]any) (ir.Object, error) {
	if m == nil {
		return ir.Object{}, nil
	}
	v, err := ir.FromAny(m)
	if err != nil {
		return nil, err
	}
	return v.(ir.Object), nil
}
