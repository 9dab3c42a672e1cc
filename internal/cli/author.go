package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/holdfast/internal/chain"
	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/query"
)

// AuthorOptions holds flags shared by the author subcommands.
type AuthorOptions struct {
	*RootOptions
	Key     string
	NoDrain bool
}

// OpState is the bookkeeping of one op as reported by the CLI.
type OpState struct {
	Hash   ir.Hash   `json:"hash"`
	Type   ir.OpType `json:"type"`
	Scope  ir.Scope  `json:"scope"`
	Status string    `json:"status"`
	Reason string    `json:"reason,omitempty"`
}

// AuthorResult reports one authored element.
type AuthorResult struct {
	Genesis []ir.Hash     `json:"genesis,omitempty"`
	Header  ir.Hash       `json:"header"`
	Type    ir.HeaderType `json:"type"`
	Seq     int64         `json:"header_seq"`
	Entry   ir.Hash       `json:"entry,omitempty"`
	Ops     []OpState     `json:"ops"`
}

// NewAuthorCommand creates the author command and its subcommands.
func NewAuthorCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuthorOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "author",
		Short: "Append an element to this agent's source chain",
		Long: `Sign a new element with the agent key, commit it to the authored scope
and publish its ops for validation. A chain with no elements is started
with the three genesis elements first. Unless --no-drain is given the
pipeline is drained afterwards and the resulting op states are printed.

Example:
  holdfast author create --zome posts --entry post --content '{title: hello}'
  holdfast author link <base> <target> --zome posts --tag comment`,
	}

	cmd.PersistentFlags().StringVar(&opts.Key, "key", KeyFile, "path to the agent seed file")
	cmd.PersistentFlags().BoolVar(&opts.NoDrain, "no-drain", false, "publish without running the pipeline")

	cmd.AddCommand(newAuthorCreateCommand(opts))
	cmd.AddCommand(newAuthorUpdateCommand(opts))
	cmd.AddCommand(newAuthorDeleteCommand(opts))
	cmd.AddCommand(newAuthorLinkCommand(opts))
	cmd.AddCommand(newAuthorUnlinkCommand(opts))

	return cmd
}

func newAuthorCreateCommand(opts *AuthorOptions) *cobra.Command {
	var zome, entry, content string
	var private bool

	cmd := &cobra.Command{
		Use:           "create",
		Short:         "Create an app entry",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, err := readContent(content)
			if err != nil {
				return err
			}
			vis := ir.VisibilityPublic
			if private {
				vis = ir.VisibilityPrivate
			}
			return runAuthor(opts, cmd, func(ctx context.Context, n *node, b *chain.Builder) (ir.Element, error) {
				return b.Create(zome, entry, vis, obj)
			})
		},
	}

	cmd.Flags().StringVar(&zome, "zome", "", "zome name (required)")
	cmd.Flags().StringVar(&entry, "entry", "", "entry def id (required)")
	cmd.Flags().StringVar(&content, "content", "", "entry content as YAML or JSON, or @file (required)")
	cmd.Flags().BoolVar(&private, "private", false, "keep the entry off the DHT")
	_ = cmd.MarkFlagRequired("zome")
	_ = cmd.MarkFlagRequired("entry")
	_ = cmd.MarkFlagRequired("content")

	return cmd
}

func newAuthorUpdateCommand(opts *AuthorOptions) *cobra.Command {
	var content string

	cmd := &cobra.Command{
		Use:           "update <header-hash>",
		Short:         "Update an entry created or updated earlier",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, err := readContent(content)
			if err != nil {
				return err
			}
			return runAuthor(opts, cmd, func(ctx context.Context, n *node, b *chain.Builder) (ir.Element, error) {
				orig, err := n.element(ctx, ir.Hash(args[0]))
				if err != nil {
					return ir.Element{}, err
				}
				return b.Update(orig, obj)
			})
		},
	}

	cmd.Flags().StringVar(&content, "content", "", "new entry content as YAML or JSON, or @file (required)")
	_ = cmd.MarkFlagRequired("content")

	return cmd
}

func newAuthorDeleteCommand(opts *AuthorOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <header-hash>",
		Short:         "Delete an entry",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthor(opts, cmd, func(ctx context.Context, n *node, b *chain.Builder) (ir.Element, error) {
				orig, err := n.element(ctx, ir.Hash(args[0]))
				if err != nil {
					return ir.Element{}, err
				}
				return b.Delete(orig)
			})
		},
	}
}

func newAuthorLinkCommand(opts *AuthorOptions) *cobra.Command {
	var zome, tag string

	cmd := &cobra.Command{
		Use:           "link <base> <target>",
		Short:         "Link base to target",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthor(opts, cmd, func(ctx context.Context, n *node, b *chain.Builder) (ir.Element, error) {
				return b.Link(ir.Hash(args[0]), ir.Hash(args[1]), zome, tag)
			})
		},
	}

	cmd.Flags().StringVar(&zome, "zome", "", "zome that validates the link (required)")
	cmd.Flags().StringVar(&tag, "tag", "", "link tag")
	_ = cmd.MarkFlagRequired("zome")

	return cmd
}

func newAuthorUnlinkCommand(opts *AuthorOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "unlink <link-header-hash>",
		Short:         "Remove a link",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthor(opts, cmd, func(ctx context.Context, n *node, b *chain.Builder) (ir.Element, error) {
				link, err := n.element(ctx, ir.Hash(args[0]))
				if err != nil {
					return ir.Element{}, err
				}
				return b.Unlink(link)
			})
		},
	}
}

type buildFunc func(ctx context.Context, n *node, b *chain.Builder) (ir.Element, error)

func runAuthor(opts *AuthorOptions, cmd *cobra.Command, build buildFunc) error {
	out := newFormatter(opts.RootOptions, cmd)

	signer, err := chain.LoadSigner(opts.Key)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load agent key", err)
	}

	return withNode(opts.RootOptions, cmd, func(ctx context.Context, n *node) error {
		b, err := n.builder(ctx, signer)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read chain head", err)
		}

		var res AuthorResult
		if _, ok := b.Head(); !ok {
			genesis, err := b.Genesis()
			if err != nil {
				return WrapExitError(ExitFailure, "failed to build genesis", err)
			}
			for _, el := range genesis {
				if _, err := n.cell.Author(ctx, el); err != nil {
					return WrapExitError(ExitFailure, "failed to author genesis", err)
				}
				res.Genesis = append(res.Genesis, el.HeaderHash)
			}
			out.VerboseLog("wrote genesis for %s", signer.Key)
		}

		el, err := build(ctx, n, b)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to build element", err)
		}
		hashes, err := n.cell.Author(ctx, el)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to author element", err)
		}
		if !opts.NoDrain {
			if err := n.drain(ctx); err != nil {
				return err
			}
		}

		h := el.Header()
		res.Header, res.Type, res.Seq, res.Entry = el.HeaderHash, h.Type, h.Seq, h.EntryHash
		if res.Ops, err = n.opStates(ctx, hashes); err != nil {
			return WrapExitError(ExitCommandError, "failed to read op status", err)
		}
		return out.Success(res, func(w io.Writer) {
			fmt.Fprintf(w, "%s %s (seq %d)\n", h.Type, el.HeaderHash, h.Seq)
			if h.EntryHash != "" {
				fmt.Fprintf(w, "  entry %s\n", h.EntryHash)
			}
			writeOpStates(w, res.Ops)
		})
	})
}

// builder continues signer's chain from the last element it authored.
func (n *node) builder(ctx context.Context, signer chain.Signer) (*chain.Builder, error) {
	els, err := n.store.QueryChain(ctx, ir.ScopeAuthored, query.AuthorIs{Author: signer.Key})
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return chain.NewBuilder(signer, n.def.Hash), nil
	}
	last := els[len(els)-1]
	head := chain.Head{Seq: last.Header().Seq, Hash: last.HeaderHash, Timestamp: last.Header().Timestamp}
	return chain.NewBuilder(signer, n.def.Hash, chain.WithHead(head)), nil
}

// element looks up an element by header hash through the query cascade.
func (n *node) element(ctx context.Context, hash ir.Hash) (ir.Element, error) {
	rec, err := n.cell.Get(ctx, hash)
	if err != nil {
		return ir.Element{}, err
	}
	if rec.Element == nil {
		return ir.Element{}, fmt.Errorf("%s is an entry, not a header", hash.Short())
	}
	return *rec.Element, nil
}

func (n *node) opStates(ctx context.Context, hashes []ir.Hash) ([]OpState, error) {
	states := make([]OpState, 0, len(hashes))
	for _, h := range hashes {
		rec, err := n.cell.Status(ctx, h)
		if err != nil {
			return nil, err
		}
		states = append(states, OpState{
			Hash:   h,
			Type:   rec.Op.Type,
			Scope:  rec.Scope,
			Status: rec.Status.String(),
			Reason: rec.Reason,
		})
	}
	return states, nil
}

func writeOpStates(w io.Writer, states []OpState) {
	for _, s := range states {
		fmt.Fprintf(w, "  %-24s %s %-10s %s", s.Type, s.Hash.Short(), s.Scope, s.Status)
		if s.Reason != "" {
			fmt.Fprintf(w, " (%s)", s.Reason)
		}
		fmt.Fprintln(w)
	}
}

// readContent parses entry content given inline or as @path. JSON is
// accepted since it is valid YAML.
func readContent(arg string) (ir.Object, error) {
	data := []byte(arg)
	if len(arg) > 1 && arg[0] == '@' {
		var err error
		if data, err = os.ReadFile(arg[1:]); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read content", err)
		}
	}
	obj, err := decodeObject(data)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid content", err)
	}
	return obj, nil
}

func decodeObject(data []byte) (ir.Object, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("content is empty")
	}
	v, err := ir.FromAny(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("content must be an object, got %T", raw)
	}
	return obj, nil
}
