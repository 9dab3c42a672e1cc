package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/holdfast/internal/dna"
	"github.com/roach88/holdfast/internal/ir"
)

// DnaResult is the output of the dna command.
type DnaResult struct {
	Hash ir.Hash   `json:"hash"`
	Dna  ir.DnaDef `json:"dna"`
}

// NewDnaCommand creates the dna command.
func NewDnaCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dna [path]",
		Short: "Compile a DNA and print its hash and definitions",
		Long: `Compile a CUE DNA file or directory and print the DNA hash, the zomes
and their entry definitions. Without a path the configured DNA is used.

Example:
  holdfast dna ./forum.cue
  holdfast dna --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			path := rootOpts.Dna
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				cfg, err := loadConfig(rootOpts)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid configuration", err)
				}
				path = cfg.Node.Dna
			}
			if path == "" {
				return NewExitError(ExitCommandError, "no DNA given: pass a path or set node.dna")
			}

			def, err := dna.Load(path)
			if err != nil {
				return WrapExitError(ExitFailure, "DNA does not compile", err)
			}
			res := DnaResult{Hash: def.Hash, Dna: def.Dna}
			return out.Success(res, func(w io.Writer) { writeDna(w, res) })
		},
	}
}

func writeDna(w io.Writer, res DnaResult) {
	fmt.Fprintf(w, "dna %s\n", res.Dna.Name)
	fmt.Fprintf(w, "hash %s\n", res.Hash)
	for _, z := range res.Dna.Zomes {
		fmt.Fprintf(w, "zome %s\n", z.Name)
		for _, ed := range z.EntryDefs {
			fmt.Fprintf(w, "  entry %s (%s, %s", ed.ID, ed.Visibility, ed.RequiredValidationType)
			if ed.RequiredValidations > 0 {
				fmt.Fprintf(w, ", %d validations", ed.RequiredValidations)
			}
			fmt.Fprintln(w, ")")
		}
		for _, tag := range z.LinkTags {
			fmt.Fprintf(w, "  link tag %s\n", tag)
		}
	}
}
