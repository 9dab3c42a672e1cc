package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/holdfast/internal/cascade"
	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/store"
)

// SysValidation runs the structural checks every op must pass before any
// zome sees it: signature, chain continuity, entry integrity and the
// presence and shape of the headers an op refers to.
type SysValidation struct {
	env  Env
	prec cascade.Precedence
}

// NewSysValidation creates the stage. A nil precedence means
// cascade.SysPrecedence.
func NewSysValidation(env Env, prec cascade.Precedence) *SysValidation {
	if prec == nil {
		prec = cascade.SysPrecedence
	}
	return &SysValidation{env: env, prec: prec}
}

// Name returns the store stage this pass consumes.
func (s *SysValidation) Name() store.Stage {
	return store.StageSysValidation
}

// Run validates every op waiting for sys validation.
func (s *SysValidation) Run(ctx context.Context) (Result, error) {
	res := Result{Stage: store.StageSysValidation, Complete: true}
	recs, err := s.env.Store.Candidates(ctx, store.StageSysValidation)
	if err != nil {
		return res, err
	}
	if len(recs) == 0 {
		return res, nil
	}

	cas, err := s.env.workspace(ctx, s.prec)
	if err != nil {
		return res, err
	}
	defer cas.Close()

	verdicts := make([]ir.ValidateResult, len(recs))
	for i, rec := range recs {
		v, err := checkOp(ctx, cas, rec.Op)
		if err != nil {
			return res, fmt.Errorf("sys validation of %s: %w", rec.Hash.Short(), err)
		}
		if v.Kind == ir.ResultInvalid {
			s.env.logger().Info("op failed sys validation",
				slog.String("op", rec.Hash.Short()),
				slog.String("label", rec.Op.Describe()),
				slog.String("reason", v.Reason),
			)
		}
		verdicts[i] = v
	}

	res.Outcomes, err = record(ctx, s.env.Store, store.StageSysValidation, recs, verdicts)
	if err != nil {
		return res, err
	}
	res.Complete = complete(res.Outcomes)
	return res, nil
}

// checkOp returns the sys validation verdict for one op. The error is
// reserved for read failures; a bad op is an Invalid verdict.
func checkOp(ctx context.Context, cas *cascade.Cascade, op ir.Op) (ir.ValidateResult, error) {
	if v := checkHeader(op); v.Kind != ir.ResultValid {
		return v, nil
	}

	c := &checker{ctx: ctx, cas: cas}
	h := op.Header()
	switch op.Type {
	case ir.OpStoreElement, ir.OpRegisterAgentActivity:
		c.prev(h)
	case ir.OpStoreEntry:
		if h.Type == ir.HeaderUpdate {
			c.original(h)
		}
	case ir.OpRegisterUpdatedContent:
		c.original(h)
	case ir.OpRegisterDeletedBy:
		c.deleted(h)
	case ir.OpRegisterAddLink:
		c.base(h)
	case ir.OpRegisterRemoveLink:
		c.linkAdd(h)
	}
	return c.verdict()
}

// checkHeader runs the checks that need nothing but the op itself.
func checkHeader(op ir.Op) ir.ValidateResult {
	h := op.Header()
	if err := ir.VerifyHeader(op.Signed); err != nil {
		return ir.Invalid(fmt.Sprintf("signature: %v", err))
	}
	if !h.Type.Valid() {
		return ir.Invalid(fmt.Sprintf("unknown header type %q", h.Type))
	}

	if h.Type == ir.HeaderDna {
		if h.Seq != 0 {
			return ir.Invalid("Dna header must have seq 0")
		}
		if h.PrevHeader != "" {
			return ir.Invalid("Dna header must not have a previous header")
		}
		if h.DnaHash == "" {
			return ir.Invalid("Dna header has no dna hash")
		}
	} else {
		if h.Seq <= 0 {
			return ir.Invalid(fmt.Sprintf("%s header has seq %d; only the Dna header starts a chain", h.Type, h.Seq))
		}
		if h.PrevHeader == "" {
			return ir.Invalid("header has no previous header")
		}
	}

	if v := checkEntry(op); v.Kind != ir.ResultValid {
		return v
	}

	switch h.Type {
	case ir.HeaderUpdate:
		if h.OriginalHeader == "" || h.OriginalEntry == "" {
			return ir.Invalid("update does not name its original")
		}
	case ir.HeaderDelete:
		if h.DeletesHeader == "" {
			return ir.Invalid("delete does not name a header")
		}
	case ir.HeaderCreateLink:
		if h.BaseAddress == "" || h.TargetAddress == "" {
			return ir.Invalid("link needs a base and a target")
		}
	case ir.HeaderDeleteLink:
		if h.BaseAddress == "" || h.LinkAddHeader == "" {
			return ir.Invalid("link removal needs a base and a link header")
		}
	}
	return ir.Valid()
}

func checkEntry(op ir.Op) ir.ValidateResult {
	h := op.Header()
	if !h.Type.HasEntry() {
		if h.EntryType != nil || h.EntryHash != "" {
			return ir.Invalid(fmt.Sprintf("%s header must not reference an entry", h.Type))
		}
		if op.Entry != nil {
			return ir.Invalid("op carries an entry its header does not reference")
		}
		return ir.Valid()
	}

	if h.EntryType == nil || h.EntryHash == "" {
		return ir.Invalid("entry header is missing its entry type or hash")
	}
	public := h.EntryType.Public()
	switch {
	case !public && op.Entry != nil:
		return ir.Invalid("private entry must not be published")
	case public && op.Entry == nil && (op.Type == ir.OpStoreEntry || op.Type == ir.OpStoreElement):
		return ir.Invalid(fmt.Sprintf("%s op for a public entry carries no entry", op.Type))
	case op.Type == ir.OpStoreEntry && !public:
		return ir.Invalid("private entries produce no StoreEntry op")
	}
	if op.Entry == nil {
		return ir.Valid()
	}
	if op.Entry.Kind != h.EntryType.Kind {
		return ir.Invalid(fmt.Sprintf("entry kind %s does not match entry type %s", op.Entry.Kind, h.EntryType.Kind))
	}
	eh, err := ir.EntryHash(*op.Entry)
	if err != nil {
		return ir.Invalid(fmt.Sprintf("entry cannot be hashed: %v", err))
	}
	if eh != h.EntryHash {
		return ir.Invalid("entry does not match the header's entry hash")
	}
	return ir.Valid()
}

// checker accumulates the verdict of the checks that read other headers.
// The first definitive failure wins; otherwise every missing hash is kept.
type checker struct {
	ctx     context.Context
	cas     *cascade.Cascade
	invalid string
	missing []ir.Hash
	err     error
}

func (c *checker) verdict() (ir.ValidateResult, error) {
	switch {
	case c.err != nil:
		return ir.ValidateResult{}, c.err
	case c.invalid != "":
		return ir.Invalid(c.invalid), nil
	case len(c.missing) > 0:
		return ir.Unresolved(c.missing...), nil
	default:
		return ir.Valid(), nil
	}
}

func (c *checker) fail(format string, args ...any) {
	if c.invalid == "" {
		c.invalid = fmt.Sprintf(format, args...)
	}
}

// header looks a header up, recording it as missing when not held.
func (c *checker) header(h ir.Hash) (ir.Header, bool) {
	if c.err != nil {
		return ir.Header{}, false
	}
	el, ok, err := lookupElement(c.ctx, c.cas, h)
	if err != nil {
		c.err = err
		return ir.Header{}, false
	}
	if !ok {
		c.missing = append(c.missing, h)
		return ir.Header{}, false
	}
	return el.Header(), true
}

func (c *checker) prev(h ir.Header) {
	if h.Type == ir.HeaderDna {
		return
	}
	prev, ok := c.header(h.PrevHeader)
	if !ok {
		return
	}
	switch {
	case prev.Author != h.Author:
		c.fail("previous header belongs to another author")
	case h.Seq != prev.Seq+1:
		c.fail("seq %d does not follow previous seq %d", h.Seq, prev.Seq)
	case h.Timestamp < prev.Timestamp:
		c.fail("timestamp %d is before previous timestamp %d", h.Timestamp, prev.Timestamp)
	}
}

func (c *checker) original(h ir.Header) {
	orig, ok := c.header(h.OriginalHeader)
	if !ok {
		return
	}
	if orig.Type != ir.HeaderCreate && orig.Type != ir.HeaderUpdate {
		c.fail("update original is a %s header", orig.Type)
		return
	}
	if orig.EntryHash != h.OriginalEntry {
		c.fail("update names an entry its original header does not reference")
		return
	}
	if !sameEntryDef(orig.EntryType, h.EntryType) {
		c.fail("update changes the entry type")
	}
}

func (c *checker) deleted(h ir.Header) {
	orig, ok := c.header(h.DeletesHeader)
	if !ok {
		return
	}
	if orig.Type != ir.HeaderCreate && orig.Type != ir.HeaderUpdate {
		c.fail("delete targets a %s header", orig.Type)
		return
	}
	if h.DeletesEntry != "" && h.DeletesEntry != orig.EntryHash {
		c.fail("delete names an entry its target header does not reference")
	}
}

func (c *checker) base(h ir.Header) {
	if c.err != nil {
		return
	}
	_, err := c.cas.Get(c.ctx, h.BaseAddress, cascade.KindAny)
	switch {
	case err == nil:
	case isNotHeld(err):
		c.missing = append(c.missing, h.BaseAddress)
	default:
		c.err = err
	}
}

func (c *checker) linkAdd(h ir.Header) {
	add, ok := c.header(h.LinkAddHeader)
	if !ok {
		return
	}
	if add.Type != ir.HeaderCreateLink {
		c.fail("link removal targets a %s header", add.Type)
		return
	}
	if add.BaseAddress != h.BaseAddress {
		c.fail("link removal base does not match the link")
	}
}

func sameEntryDef(a, b *ir.EntryType) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Kind == b.Kind && a.Zome == b.Zome && a.ID == b.ID
}
