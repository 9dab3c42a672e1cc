package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/holdfast/internal/ir"
)

// ReceiveOptions holds flags for the receive command.
type ReceiveOptions struct {
	*RootOptions
	Elements bool
	NoDrain  bool
}

// ReceiveResult reports what receive admitted.
type ReceiveResult struct {
	Offered int       `json:"offered"`
	Added   int       `json:"added"`
	Ops     []OpState `json:"ops"`
}

// NewReceiveCommand creates the receive command.
func NewReceiveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReceiveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "receive <file>",
		Short: "Admit ops from the network",
		Long: `Read a YAML or JSON list of ops and add the ones not already held to the
pending scope. With --elements the file lists elements instead and every
op each element produces is admitted. Use - to read standard input.

Example:
  holdfast receive ops.json
  holdfast receive --elements chain.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceive(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Elements, "elements", false, "file lists elements, not ops")
	cmd.Flags().BoolVar(&opts.NoDrain, "no-drain", false, "admit without running the pipeline")

	return cmd
}

func runReceive(opts *ReceiveOptions, path string, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)

	var ops []ir.Op
	if opts.Elements {
		var els []ir.Element
		if err := readList(path, cmd.InOrStdin(), &els); err != nil {
			return err
		}
		for _, el := range els {
			produced, err := ir.ProduceOps(el)
			if err != nil {
				return WrapExitError(ExitFailure, fmt.Sprintf("element %s", el.HeaderHash.Short()), err)
			}
			ops = append(ops, produced...)
		}
	} else if err := readList(path, cmd.InOrStdin(), &ops); err != nil {
		return err
	}

	return withNode(opts.RootOptions, cmd, func(ctx context.Context, n *node) error {
		added, err := n.cell.Receive(ctx, ops)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to admit ops", err)
		}
		out.VerboseLog("admitted %d of %d ops", len(added), len(ops))
		if !opts.NoDrain {
			if err := n.drain(ctx); err != nil {
				return err
			}
		}
		states, err := n.opStates(ctx, added)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read op status", err)
		}
		res := ReceiveResult{Offered: len(ops), Added: len(added), Ops: states}
		return out.Success(res, func(w io.Writer) {
			fmt.Fprintf(w, "Admitted %d of %d ops\n", res.Added, res.Offered)
			writeOpStates(w, res.Ops)
		})
	})
}

// FetchResult reports what fetch cached.
type FetchResult struct {
	Cached []ir.Hash `json:"cached"`
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	var noDrain bool

	cmd := &cobra.Command{
		Use:   "fetch <file>",
		Short: "Cache elements fetched from the network",
		Long: `Read a YAML or JSON list of elements, store them in the cache scope and
re-run the validation stages so ops waiting on them can proceed.

Example:
  holdfast missing --format json
  holdfast fetch fetched.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			var els []ir.Element
			if err := readList(args[0], cmd.InOrStdin(), &els); err != nil {
				return err
			}
			return withNode(rootOpts, cmd, func(ctx context.Context, n *node) error {
				if err := n.cell.Fetched(ctx, els...); err != nil {
					return WrapExitError(ExitFailure, "failed to cache elements", err)
				}
				if !noDrain {
					if err := n.drain(ctx); err != nil {
						return err
					}
				}
				res := FetchResult{Cached: make([]ir.Hash, 0, len(els))}
				for _, el := range els {
					res.Cached = append(res.Cached, el.HeaderHash)
				}
				return out.Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "Cached %d elements\n", len(res.Cached))
				})
			})
		},
	}

	cmd.Flags().BoolVar(&noDrain, "no-drain", false, "cache without running the pipeline")

	return cmd
}

// readList decodes a YAML or JSON list from path, or from stdin when path
// is "-". YAML is converted to JSON first so the ir types decode through
// their JSON tags and Value unmarshalling.
func readList(path string, stdin io.Reader, v any) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read input", err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return WrapExitError(ExitCommandError, "failed to parse input", err)
	}
	if _, ok := raw.([]any); !ok {
		return NewExitError(ExitCommandError, "input must be a list")
	}
	js, err := json.Marshal(raw)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to parse input", err)
	}
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return WrapExitError(ExitCommandError, "failed to decode input", err)
	}
	return nil
}
