package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/holdfast/internal/chain"
	"github.com/roach88/holdfast/internal/config"
)

// Files written by init, relative to the node directory.
const (
	ConfigFile = "holdfast.toml"
	KeyFile    = "agent.key"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Force bool
}

// InitResult reports what init wrote.
type InitResult struct {
	Config string `json:"config"`
	Key    string `json:"key"`
	Agent  string `json:"agent"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a node directory with a config and an agent key",
		Long: `Write holdfast.toml with default settings and a fresh ed25519 agent
seed to agent.key. The DNA path given with --dna is recorded in the config.

Example:
  holdfast init ./node --dna ./forum.cue`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(opts, dir, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite existing files")

	return cmd
}

func runInit(opts *InitOptions, dir string, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create node directory", err)
	}
	cfgPath := filepath.Join(dir, ConfigFile)
	keyPath := filepath.Join(dir, KeyFile)
	if !opts.Force {
		for _, p := range []string{cfgPath, keyPath} {
			if _, err := os.Stat(p); err == nil {
				return NewExitError(ExitCommandError, fmt.Sprintf("%s already exists (use --force to overwrite)", p))
			}
		}
	}

	cfg := config.Default()
	cfg.Cache.Dir = "cache"
	if opts.Dna != "" {
		abs, err := filepath.Abs(opts.Dna)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid DNA path", err)
		}
		cfg.Node.Dna = abs
	}
	if err := config.Write(cfgPath, cfg); err != nil {
		return WrapExitError(ExitCommandError, "failed to write config", err)
	}

	seed, err := chain.GenerateSeed()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to generate key", err)
	}
	if err := chain.WriteSeed(keyPath, seed); err != nil {
		return WrapExitError(ExitCommandError, "failed to write key", err)
	}
	signer, err := chain.NewSigner(seed)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to derive agent key", err)
	}

	res := InitResult{Config: cfgPath, Key: keyPath, Agent: string(signer.Key)}
	return out.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Wrote %s\n", cfgPath)
		fmt.Fprintf(w, "Wrote %s\n", keyPath)
		fmt.Fprintf(w, "Agent: %s\n", signer.Key)
	})
}
