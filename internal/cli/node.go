package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/holdfast/internal/cache"
	"github.com/roach88/holdfast/internal/config"
	"github.com/roach88/holdfast/internal/dna"
	"github.com/roach88/holdfast/internal/engine"
	"github.com/roach88/holdfast/internal/store"
)

// node is everything a command needs to talk to one holdfast node.
type node struct {
	cfg    config.Config
	def    *dna.Definition
	store  *store.Store
	cache  *cache.Cache
	cell   *engine.Cell
	logger *slog.Logger
}

// loadConfig reads --config, or the defaults when it is unset, and applies
// the --db and --dna overrides. Relative paths in a config file are
// resolved against the file's directory.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		if cfg, err = config.Load(opts.Config); err != nil {
			return cfg, err
		}
		base := filepath.Dir(opts.Config)
		cfg.Node.Database = resolve(base, cfg.Node.Database)
		cfg.Node.Dna = resolve(base, cfg.Node.Dna)
		cfg.Cache.Dir = resolve(base, cfg.Cache.Dir)
	}
	if opts.Database != "" {
		cfg.Node.Database = opts.Database
	}
	if opts.Dna != "" {
		cfg.Node.Dna = opts.Dna
	}
	return cfg, cfg.Validate()
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// newLogger builds the stderr logger. One-shot commands log warnings
// only unless --verbose is set.
func newLogger(opts *RootOptions, w io.Writer, level slog.Level) *slog.Logger {
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// openNode loads config and DNA and opens the store, the cache and the
// cell. The caller must Close the node.
func openNode(ctx context.Context, opts *RootOptions, logger *slog.Logger, extra ...engine.Option) (*node, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if cfg.Node.Dna == "" {
		return nil, NewExitError(ExitCommandError, "no DNA configured: set node.dna or pass --dna")
	}
	def, err := dna.Load(cfg.Node.Dna)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load DNA", err)
	}

	n := &node{cfg: cfg, def: def, logger: logger}
	logger.Debug("opening database", "path", cfg.Node.Database)
	if n.store, err = store.Open(cfg.Node.Database); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	cacheCfg := cfg.CacheConfig()
	cacheCfg.Logger = logger
	if n.cache, err = cache.Open(cacheCfg); err != nil {
		n.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open cache", err)
	}

	engineOpts, err := cfg.EngineOptions()
	if err != nil {
		n.Close()
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	engineOpts = append(engineOpts,
		engine.WithCache(n.cache),
		engine.WithEvaluators(def.Evaluators()),
		engine.WithLogger(logger),
	)
	engineOpts = append(engineOpts, extra...)
	if n.cell, err = engine.New(ctx, n.store, def.Dna, engineOpts...); err != nil {
		n.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start cell", err)
	}
	logger.Debug("node ready", "dna", def.Dna.Name, "dna_hash", def.Hash.Short())
	return n, nil
}

// Close releases the cache and the store.
func (n *node) Close() error {
	var errs []error
	if n.cache != nil {
		if err := n.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// drain runs the pipeline until it settles and logs a summary.
func (n *node) drain(ctx context.Context) error {
	passes, err := n.cell.Drain(ctx)
	for _, res := range passes {
		n.logger.Debug("pass", "result", res)
	}
	if err != nil {
		if errors.Is(err, engine.ErrCellRunning) {
			return WrapExitError(ExitCommandError, "drain failed", err)
		}
		return WrapExitError(ExitFailure, "drain failed", err)
	}
	return nil
}

// withNode opens a node for one command, runs fn, and closes it.
func withNode(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, n *node) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := openNode(ctx, opts, newLogger(opts, cmd.ErrOrStderr(), slog.LevelWarn))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := n.Close(); cerr != nil && err == nil {
			err = WrapExitError(ExitCommandError, "failed to close node", cerr)
		}
	}()
	return fn(ctx, n)
}
