package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/holdfast/internal/cache"
	"github.com/roach88/holdfast/internal/cascade"
	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/store"
	"github.com/roach88/holdfast/internal/validation"
	"github.com/roach88/holdfast/internal/workflow"
)

// Default pacing for consumer passes.
const (
	DefaultPassRate  rate.Limit = 20
	DefaultPassBurst            = 4
)

// DefaultMaxDrainRounds bounds Drain so that a misbehaving evaluator
// cannot keep it busy forever.
const DefaultMaxDrainRounds = 1000

// Precedences configures the cascade used by each reader.
type Precedences struct {
	Sys   cascade.Precedence
	App   cascade.Precedence
	Query cascade.Precedence
}

// DefaultPrecedences is used when no precedences are configured.
var DefaultPrecedences = Precedences{
	Sys:   cascade.SysPrecedence,
	App:   cascade.AppPrecedence,
	Query: cascade.QueryPrecedence,
}

// Validate checks every precedence list.
func (p Precedences) Validate() error {
	for name, prec := range map[string]cascade.Precedence{"sys": p.Sys, "app": p.App, "query": p.Query} {
		if err := prec.Validate(); err != nil {
			return fmt.Errorf("%s %w", name, err)
		}
	}
	return nil
}

// Cell is one node's validation pipeline: the scoped store, the cache,
// the three workflow stages and the consumers that drive them.
//
// Thread-safety model:
//   - Author, Receive, Fetched and the read methods: safe from any goroutine
//   - Run: at most one call at a time
//   - Drain: only while Run is not active
type Cell struct {
	store       *store.Store
	cache       *cache.Cache
	dna         ir.DnaDef
	evaluators  map[string]workflow.Evaluator
	policy      validation.AbandonPolicy
	prec        Precedences
	limit       rate.Limit
	burst       int
	passIDs     PassIDGenerator
	metrics     *Metrics
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time
	clock       *Clock
	stages      []Stage
	triggers    []*Trigger
	running     atomic.Bool
	drainRounds int
}

// Option configures a Cell.
type Option func(*Cell)

// WithCache attaches the ephemeral cache scope.
func WithCache(c *cache.Cache) Option {
	return func(cell *Cell) { cell.cache = c }
}

// WithEvaluators sets the per-zome validation callbacks.
func WithEvaluators(evs map[string]workflow.Evaluator) Option {
	return func(cell *Cell) { cell.evaluators = evs }
}

// WithAbandonPolicy sets when long-unresolved ops are given up on.
//
// Default: validation.DefaultAbandonPolicy
func WithAbandonPolicy(p validation.AbandonPolicy) Option {
	return func(cell *Cell) { cell.policy = p }
}

// WithPrecedences overrides the cascade order of each reader.
func WithPrecedences(p Precedences) Option {
	return func(cell *Cell) { cell.prec = p }
}

// WithPassRate paces every consumer. Use rate.Inf in tests.
func WithPassRate(limit rate.Limit, burst int) Option {
	return func(cell *Cell) { cell.limit, cell.burst = limit, burst }
}

// WithPassIDs sets the pass id generator.
func WithPassIDs(g PassIDGenerator) Option {
	return func(cell *Cell) { cell.passIDs = g }
}

// WithMetrics records pass metrics.
func WithMetrics(m *Metrics) Option {
	return func(cell *Cell) { cell.metrics = m }
}

// WithObserver is called after every pass, from Run and Drain alike.
func WithObserver(o Observer) Option {
	return func(cell *Cell) { cell.observer = o }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cell *Cell) { cell.logger = l }
}

// WithWallClock sets the clock abandonment is judged against.
func WithWallClock(now func() time.Time) Option {
	return func(cell *Cell) { cell.now = now }
}

// WithMaxDrainRounds bounds Drain.
func WithMaxDrainRounds(n int) Option {
	return func(cell *Cell) { cell.drainRounds = n }
}

// New creates a cell over st. The integration clock resumes after the
// highest sequence already in the store.
func New(ctx context.Context, st *store.Store, dna ir.DnaDef, opts ...Option) (*Cell, error) {
	c := &Cell{
		store:       st,
		dna:         dna,
		policy:      validation.DefaultAbandonPolicy,
		prec:        DefaultPrecedences,
		limit:       DefaultPassRate,
		burst:       DefaultPassBurst,
		passIDs:     UUIDv7Generator{},
		logger:      slog.Default(),
		now:         time.Now,
		drainRounds: DefaultMaxDrainRounds,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.prec.Validate(); err != nil {
		return nil, err
	}

	seq, err := st.MaxIntegratedSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume integration clock: %w", err)
	}
	c.clock = NewClockAt(seq)

	env := workflow.Env{Store: st, Cache: c.cache, Logger: c.logger}
	integration, err := workflow.NewIntegration(env, workflow.IntegrationConfig{
		Policy: c.policy,
		Next:   c.clock.Next,
		Now:    c.now,
	})
	if err != nil {
		return nil, err
	}
	c.stages = []Stage{
		workflow.NewSysValidation(env, c.prec.Sys),
		workflow.NewAppValidation(env, dna, c.evaluators, c.prec.App),
		integration,
	}
	for _, s := range c.stages {
		c.triggers = append(c.triggers, NewTrigger(string(s.Name())))
	}
	return c, nil
}

// Clock returns the integration clock.
func (c *Cell) Clock() *Clock {
	return c.clock
}

// Run drives the three consumers until ctx is cancelled, Stop is called,
// or a pass finds broken bookkeeping. Only the last case returns an error,
// a *StageError.
func (c *Cell) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrCellRunning
	}
	defer c.running.Store(false)

	c.logger.Info("cell starting", "dna", c.dna.Name, "seq", c.clock.Current())
	g, gctx := errgroup.WithContext(ctx)
	// Integration owns abandonment, so an op stuck in an earlier stage
	// must keep waking it.
	sweep := c.triggers[len(c.triggers)-1]
	for i, s := range c.stages {
		cons := &consumer{
			stage:      s,
			trigger:    c.triggers[i],
			downstream: c.triggers[i+1:],
			limiter:    rate.NewLimiter(c.limit, c.burst),
			passIDs:    c.passIDs,
			metrics:    c.metrics,
			observer:   c.observer,
			logger:     c.logger,
		}
		if cons.trigger != sweep {
			cons.sweep = sweep
		}
		g.Go(func() error { return cons.run(gctx) })
	}
	err := g.Wait()
	if err != nil {
		c.logger.Error("cell stopped", "error", err)
		return err
	}
	c.logger.Info("cell stopped")
	return nil
}

// Stop closes every trigger, which makes a running Run return. A stopped
// cell cannot be run again.
func (c *Cell) Stop() {
	for _, t := range c.triggers {
		t.Close()
	}
}

// Drain runs the stages synchronously, in pipeline order, until a full
// round changes nothing. It returns every pass result in order. Drain is
// what the CLI and the scenario harness use instead of Run.
func (c *Cell) Drain(ctx context.Context) ([]workflow.Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrCellRunning
	}
	defer c.running.Store(false)

	var all []workflow.Result
	for round := 0; round < c.drainRounds; round++ {
		progress := false
		for _, s := range c.stages {
			id := c.passIDs.Generate()
			start := time.Now()
			res, err := s.Run(ctx)
			c.metrics.observe(res, time.Since(start), err)
			if c.observer != nil {
				c.observer(id, res, err)
			}
			if err != nil {
				if fatal(err) {
					return all, &StageError{Stage: s.Name(), PassID: id, Err: err}
				}
				return all, fmt.Errorf("%s pass: %w", s.Name(), err)
			}
			all = append(all, res)
			progress = progress || res.Progress()
		}
		if !progress {
			return all, nil
		}
	}
	return all, nil
}

// Author commits an element to the local chain and publishes its ops for
// validation. Returns the op hashes.
func (c *Cell) Author(ctx context.Context, el ir.Element) ([]ir.Hash, error) {
	hashes, err := c.store.Author(ctx, el)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.Publish(ctx); err != nil {
		return nil, err
	}
	c.logger.Debug("element authored", "header", el.HeaderHash.Short(), "ops", len(hashes))
	c.signalSys()
	return hashes, nil
}

// Receive admits ops from the network. Returns the hashes of ops that
// were not held before.
func (c *Cell) Receive(ctx context.Context, ops []ir.Op) ([]ir.Hash, error) {
	added, err := c.store.AddPending(ctx, ops)
	if err != nil {
		return nil, err
	}
	if len(added) > 0 {
		c.logger.Debug("ops received", "offered", len(ops), "added", len(added))
		c.signalSys()
	}
	return added, nil
}

// Fetched records elements a network fetch brought back and wakes the
// validation stages so they re-check what they were waiting for. Every
// element must carry a valid signature and hash to its own addresses;
// one bad element refuses the whole batch before anything is cached.
func (c *Cell) Fetched(ctx context.Context, els ...ir.Element) error {
	if c.cache == nil {
		return errors.New("fetched: no cache configured")
	}
	for _, el := range els {
		if err := ir.VerifyHeader(el.Signed); err != nil {
			return fmt.Errorf("fetched %s: %w", el.HeaderHash.Short(), err)
		}
		if err := ir.CheckAddresses(el); err != nil {
			return fmt.Errorf("fetched %s: %w", el.HeaderHash.Short(), err)
		}
	}
	for _, el := range els {
		if err := c.cache.PutElement(ctx, el); err != nil {
			return fmt.Errorf("fetched %s: %w", el.HeaderHash.Short(), err)
		}
	}
	c.triggers[0].Signal()
	c.triggers[1].Signal()
	return nil
}

// Missing lists the hashes pending ops are waiting for.
func (c *Cell) Missing(ctx context.Context) ([]ir.Hash, error) {
	return c.store.MissingDependencies(ctx)
}

// Get returns the element or entry with the given hash. Data held only
// by ops still in validation is reported as ErrNotYetAvailable.
func (c *Cell) Get(ctx context.Context, hash ir.Hash) (cascade.Record, error) {
	var rec cascade.Record
	err := c.read(ctx, func(cas *cascade.Cascade, pending cascade.Source) error {
		var err error
		rec, err = cas.Get(ctx, hash, cascade.KindAny)
		if !errors.Is(err, cascade.ErrNotHeld) {
			return err
		}
		if _, ok, perr := pending.Element(ctx, hash); perr != nil || ok {
			return notYet(hash, perr)
		}
		if _, ok, perr := pending.Entry(ctx, hash); perr != nil || ok {
			return notYet(hash, perr)
		}
		return err
	})
	return rec, err
}

// Links returns the live links on base. No links at all is an empty
// slice, unless links on base are still in validation.
func (c *Cell) Links(ctx context.Context, base ir.Hash) ([]ir.Link, error) {
	var links []ir.Link
	err := c.read(ctx, func(cas *cascade.Cascade, pending cascade.Source) error {
		var err error
		links, _, err = cas.Links(ctx, base)
		if !errors.Is(err, cascade.ErrNotHeld) {
			return err
		}
		links = []ir.Link{}
		held, perr := pending.Links(ctx, base)
		if perr != nil || len(held) > 0 {
			return notYet(base, perr)
		}
		return nil
	})
	return links, err
}

// Activity returns an author's chain activity in sequence order.
func (c *Cell) Activity(ctx context.Context, author ir.AgentKey) ([]ir.ActivityItem, error) {
	var items []ir.ActivityItem
	err := c.read(ctx, func(cas *cascade.Cascade, pending cascade.Source) error {
		var err error
		items, _, err = cas.Activity(ctx, author)
		if !errors.Is(err, cascade.ErrNotHeld) {
			return err
		}
		items = []ir.ActivityItem{}
		held, perr := pending.Activity(ctx, author)
		if perr != nil || len(held) > 0 {
			return notYet(ir.Hash(author), perr)
		}
		return nil
	})
	return items, err
}

// Status returns the bookkeeping record of one op.
func (c *Cell) Status(ctx context.Context, hash ir.Hash) (store.OpRecord, error) {
	return c.store.OpStatus(ctx, hash)
}

// Counts summarises op membership.
func (c *Cell) Counts(ctx context.Context) (store.Counts, error) {
	return c.store.Counts(ctx)
}

// Verify audits the store.
func (c *Cell) Verify(ctx context.Context) ([]ir.InvariantError, error) {
	return c.store.Verify(ctx)
}

func (c *Cell) signalSys() {
	c.triggers[0].Signal()
}

// read opens one store snapshot, plus a cache snapshot when the query
// precedence uses it, and hands fn the query cascade and the pending
// scope of that same snapshot.
func (c *Cell) read(ctx context.Context, fn func(cas *cascade.Cascade, pending cascade.Source) error) error {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	defer snap.Close()

	var sources []cascade.Source
	for _, scope := range c.prec.Query {
		if scope != ir.ScopeCache {
			sources = append(sources, snap.Source(scope))
			continue
		}
		if c.cache != nil {
			cs := c.cache.Snapshot()
			defer cs.Close()
			sources = append(sources, cs)
		}
	}
	return fn(cascade.New(sources...), snap.Source(ir.ScopePending))
}

func notYet(h ir.Hash, readErr error) error {
	if readErr != nil {
		return readErr
	}
	return fmt.Errorf("%s: %w", h.Short(), ErrNotYetAvailable)
}
