package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/holdfast/internal/cascade"
	"github.com/roach88/holdfast/internal/engine"
	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/store"
)

// readError maps read failures to exit codes: absent or still-pending data
// is a failure of the lookup, anything else a command error.
func readError(what string, err error) error {
	switch {
	case errors.Is(err, engine.ErrNotYetAvailable):
		return WrapExitError(ExitFailure, what+" not yet available", err)
	case errors.Is(err, cascade.ErrNotHeld), errors.Is(err, store.ErrNotFound):
		return WrapExitError(ExitFailure, what+" not held", err)
	default:
		return WrapExitError(ExitCommandError, "failed to read "+what, err)
	}
}

// GetResult is the output of get.
type GetResult struct {
	Scope   ir.Scope    `json:"scope"`
	Element *ir.Element `json:"element,omitempty"`
	Entry   *ir.Entry   `json:"entry,omitempty"`
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <hash>",
		Short: "Look up an element or entry by hash",
		Long: `Look up a header or entry hash through the query cascade (integrated,
authored, then cache by default). Data held only by ops still in
validation is reported as not yet available.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			hash := ir.Hash(args[0])
			return withNode(rootOpts, cmd, func(ctx context.Context, n *node) error {
				rec, err := n.cell.Get(ctx, hash)
				if err != nil {
					return readError(hash.Short(), err)
				}
				res := GetResult{Scope: rec.Scope, Element: rec.Element, Entry: rec.Entry}
				return out.Success(res, func(w io.Writer) { writeRecord(w, res) })
			})
		},
	}
}

func writeRecord(w io.Writer, res GetResult) {
	fmt.Fprintf(w, "scope: %s\n", res.Scope)
	entry := res.Entry
	if res.Element != nil {
		h := res.Element.Header()
		fmt.Fprintf(w, "header: %s\n", res.Element.HeaderHash)
		fmt.Fprintf(w, "type: %s\n", h.Type)
		fmt.Fprintf(w, "author: %s\n", h.Author)
		fmt.Fprintf(w, "seq: %d\n", h.Seq)
		if h.EntryType != nil && h.EntryType.Kind == ir.EntryApp {
			fmt.Fprintf(w, "entry_type: %s/%s\n", h.EntryType.Zome, h.EntryType.ID)
		}
		entry = res.Element.Entry
	}
	if entry != nil {
		content, err := ir.MarshalValue(entry.Content)
		if err != nil {
			content = []byte(err.Error())
		}
		fmt.Fprintf(w, "content: %s\n", content)
	}
}

// NewLinksCommand creates the links command.
func NewLinksCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "links <base>",
		Short:         "List live links on a base",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			base := ir.Hash(args[0])
			return withNode(rootOpts, cmd, func(ctx context.Context, n *node) error {
				links, err := n.cell.Links(ctx, base)
				if err != nil {
					return readError("links on "+base.Short(), err)
				}
				return out.Success(links, func(w io.Writer) {
					if len(links) == 0 {
						fmt.Fprintln(w, "No links.")
						return
					}
					for _, l := range links {
						fmt.Fprintf(w, "%s -> %s [%s/%s] by %s\n", l.CreateHeader.Short(), l.Target, l.Zome, l.Tag, ir.Hash(l.Author).Short())
					}
				})
			})
		},
	}
}

// NewActivityCommand creates the activity command.
func NewActivityCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "activity <agent>",
		Short:         "List an agent's chain activity",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			agent := ir.AgentKey(args[0])
			return withNode(rootOpts, cmd, func(ctx context.Context, n *node) error {
				items, err := n.cell.Activity(ctx, agent)
				if err != nil {
					return readError("activity of "+ir.Hash(agent).Short(), err)
				}
				return out.Success(items, func(w io.Writer) {
					for _, it := range items {
						fmt.Fprintf(w, "%4d %s\n", it.Seq, it.HeaderHash)
					}
				})
			})
		},
	}
}

// StatusResult is the output of status.
type StatusResult struct {
	OpState
	Stage   store.Stage `json:"stage"`
	Header  ir.Hash     `json:"header"`
	Missing []ir.Hash   `json:"missing,omitempty"`
	Retries int         `json:"retries"`
	Seq     int64       `json:"integration_seq,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <op-hash>...",
		Short: "Show the bookkeeping of ops",
		Long: `Show scope, status, stage and missing dependencies of each op hash, as
printed by author and receive.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			return withNode(rootOpts, cmd, func(ctx context.Context, n *node) error {
				results := make([]StatusResult, 0, len(args))
				for _, arg := range args {
					rec, err := n.cell.Status(ctx, ir.Hash(arg))
					if err != nil {
						return readError("op "+ir.Hash(arg).Short(), err)
					}
					results = append(results, StatusResult{
						OpState: OpState{
							Hash:   rec.Hash,
							Type:   rec.Op.Type,
							Scope:  rec.Scope,
							Status: rec.Status.String(),
							Reason: rec.Reason,
						},
						Stage:   rec.Stage,
						Header:  rec.HeaderHash,
						Missing: rec.Missing,
						Retries: rec.Retries,
						Seq:     rec.Seq,
					})
				}
				return out.Success(results, func(w io.Writer) {
					for _, r := range results {
						fmt.Fprintf(w, "%s %s\n", r.Hash, r.Type)
						fmt.Fprintf(w, "  scope %s, status %s, stage %s\n", r.Scope, r.Status, r.Stage)
						if r.Reason != "" {
							fmt.Fprintf(w, "  reason: %s\n", r.Reason)
						}
						for _, m := range r.Missing {
							fmt.Fprintf(w, "  missing %s\n", m)
						}
					}
				})
			})
		},
	}
}

// NewCountsCommand creates the counts command.
func NewCountsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "counts",
		Short:         "Summarise ops by scope and stage",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			return withNode(rootOpts, cmd, func(ctx context.Context, n *node) error {
				c, err := n.cell.Counts(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to count ops", err)
				}
				return out.Success(c, func(w io.Writer) {
					fmt.Fprintf(w, "authored:   %d\n", c.Authored)
					fmt.Fprintf(w, "pending:    %d\n", c.Pending)
					fmt.Fprintf(w, "integrated: %d\n", c.Integrated)
					fmt.Fprintf(w, "rejected:   %d\n", c.Rejected)
					fmt.Fprintf(w, "abandoned:  %d\n", c.Abandoned)
					stages := make([]string, 0, len(c.ByStage))
					for s := range c.ByStage {
						stages = append(stages, string(s))
					}
					sort.Strings(stages)
					for _, s := range stages {
						fmt.Fprintf(w, "  %s: %d\n", s, c.ByStage[store.Stage(s)])
					}
				})
			})
		},
	}
}

// NewMissingCommand creates the missing command.
func NewMissingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "missing",
		Short:         "List hashes pending ops are waiting for",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			return withNode(rootOpts, cmd, func(ctx context.Context, n *node) error {
				missing, err := n.cell.Missing(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list missing dependencies", err)
				}
				if missing == nil {
					missing = []ir.Hash{}
				}
				return out.Success(missing, func(w io.Writer) {
					for _, h := range missing {
						fmt.Fprintln(w, h)
					}
				})
			})
		},
	}
}

// VerifyResult is the output of verify.
type VerifyResult struct {
	OK         bool     `json:"ok"`
	Violations []string `json:"violations"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Audit the store for invariant violations",
		Long: `Check that every op's status agrees with its scope, that integrated ops
have their data, and that nothing was integrated before its
prerequisites. Exits 1 when a violation is found.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			return withNode(rootOpts, cmd, func(ctx context.Context, n *node) error {
				problems, err := n.cell.Verify(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to verify store", err)
				}
				res := VerifyResult{OK: len(problems) == 0, Violations: make([]string, len(problems))}
				for i, p := range problems {
					res.Violations[i] = p.Error()
				}
				if err := out.Success(res, func(w io.Writer) {
					if res.OK {
						fmt.Fprintln(w, "✓ No invariant violations")
						return
					}
					for _, v := range res.Violations {
						fmt.Fprintf(w, "✗ %s\n", v)
					}
				}); err != nil {
					return err
				}
				if !res.OK {
					return NewExitError(ExitFailure, fmt.Sprintf("%d invariant violation(s)", len(problems)))
				}
				return nil
			})
		},
	}
}
