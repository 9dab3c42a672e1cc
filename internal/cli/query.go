package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/query"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Scope  string
	Type   string
	Zome   string
	Entry  string
	Author string
	From   int64
	To     int64
}

// QueryRow is one element in query output.
type QueryRow struct {
	Header    ir.Hash       `json:"header"`
	Type      ir.HeaderType `json:"type"`
	Author    ir.AgentKey   `json:"author"`
	Seq       int64         `json:"header_seq"`
	EntryType string        `json:"entry_type,omitempty"`
	Entry     ir.Hash       `json:"entry,omitempty"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Filter chain elements held in one scope",
		Long: `List the elements of one scope that match every given filter, ordered
by author, then sequence.

Example:
  holdfast query --type Create --zome posts --entry post
  holdfast query --scope authored --author <agent> --from 3 --to 10`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Scope, "scope", string(ir.ScopeIntegrated), "scope to search (authored|integrated|pending|rejected)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "header type, e.g. Create or CreateLink")
	cmd.Flags().StringVar(&opts.Zome, "zome", "", "entry zome")
	cmd.Flags().StringVar(&opts.Entry, "entry", "", "entry def id (requires --zome)")
	cmd.Flags().StringVar(&opts.Author, "author", "", "author agent key")
	cmd.Flags().Int64Var(&opts.From, "from", 0, "lowest header sequence")
	cmd.Flags().Int64Var(&opts.To, "to", -1, "highest header sequence (-1 for open)")

	return cmd
}

// predicate builds the query from the flags.
func (o *QueryOptions) predicate() (ir.Scope, query.Predicate, error) {
	scope, err := ir.ParseScope(o.Scope)
	if err != nil {
		return "", nil, err
	}
	if scope == ir.ScopeCache {
		return "", nil, fmt.Errorf("the cache scope cannot be queried")
	}
	var preds []query.Predicate
	if o.Type != "" {
		t := ir.HeaderType(o.Type)
		if !t.Valid() {
			return "", nil, fmt.Errorf("unknown header type %q", o.Type)
		}
		preds = append(preds, query.HeaderTypeIs{Type: t})
	}
	if o.Entry != "" && o.Zome == "" {
		return "", nil, fmt.Errorf("--entry requires --zome")
	}
	if o.Zome != "" {
		preds = append(preds, query.EntryTypeIs{Zome: o.Zome, ID: o.Entry})
	}
	if o.Author != "" {
		preds = append(preds, query.AuthorIs{Author: ir.AgentKey(o.Author)})
	}
	if o.From > 0 || o.To >= 0 {
		preds = append(preds, query.SeqRange{From: o.From, To: o.To})
	}
	return scope, query.All(preds...), nil
}

func runQuery(opts *QueryOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)
	scope, pred, err := opts.predicate()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid query", err)
	}

	return withNode(opts.RootOptions, cmd, func(ctx context.Context, n *node) error {
		els, err := n.store.QueryChain(ctx, scope, pred)
		if err != nil {
			return WrapExitError(ExitCommandError, "query failed", err)
		}
		rows := make([]QueryRow, 0, len(els))
		for _, el := range els {
			h := el.Header()
			row := QueryRow{Header: el.HeaderHash, Type: h.Type, Author: h.Author, Seq: h.Seq, Entry: h.EntryHash}
			if h.EntryType != nil && h.EntryType.Kind == ir.EntryApp {
				row.EntryType = h.EntryType.Zome + "/" + h.EntryType.ID
			}
			rows = append(rows, row)
		}
		return out.Success(rows, func(w io.Writer) {
			for _, r := range rows {
				fmt.Fprintf(w, "%s %4d %-18s %s", ir.Hash(r.Author).Short(), r.Seq, r.Type, r.Header)
				if r.EntryType != "" {
					fmt.Fprintf(w, " %s", r.EntryType)
				}
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "%d element(s)\n", len(rows))
		})
	})
}
