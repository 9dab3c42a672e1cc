package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/holdfast/internal/engine"
	"github.com/roach88/holdfast/internal/workflow"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr string

	// PassIDs overrides the pass id generator (for testing).
	PassIDs engine.PassIDGenerator

	// ready, when set, receives the metrics listener address once the
	// node is serving. Used by tests.
	ready chan<- string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the validation pipeline until interrupted",
		Long: `Start the three pipeline consumers (sys validation, app validation and
integration) against the configured database and DNA. Ops added by other
holdfast commands are picked up on their next pass.

When a metrics address is set, Prometheus metrics are served on /metrics.

Example:
  holdfast run --config ./node/holdfast.toml
  holdfast run --db ./holdfast.db --dna ./forum.cue --metrics-addr :9102`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")

	return cmd
}

func runNode(opts *RunOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr(), slog.LevelInfo)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics, err := engine.NewMetrics(reg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to register metrics", err)
	}

	extra := []engine.Option{
		engine.WithMetrics(metrics),
		engine.WithObserver(passLogger(logger)),
	}
	if opts.PassIDs != nil {
		extra = append(extra, engine.WithPassIDs(opts.PassIDs))
	}
	n, err := openNode(ctx, opts.RootOptions, logger, extra...)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Error("error closing node", "error", err)
		}
	}()

	addr := n.cfg.Metrics.Addr
	if opts.MetricsAddr != "" {
		addr = opts.MetricsAddr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := n.cell.Run(gctx)
		cancel()
		return err
	})
	if addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			_ = g.Wait()
			return WrapExitError(ExitCommandError, "failed to listen for metrics", err)
		}
		srv := &http.Server{
			Handler:           metricsHandler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		logger.Info("serving metrics", "addr", ln.Addr().String())
		if opts.ready != nil {
			opts.ready <- ln.Addr().String()
		}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	} else if opts.ready != nil {
		opts.ready <- ""
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Node started (dna %s %s). Press Ctrl-C to stop.\n", n.def.Dna.Name, n.def.Hash.Short())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "pipeline stopped", err)
	}
	logger.Info("node stopped gracefully")
	return nil
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// passLogger logs every pass that did something.
func passLogger(logger *slog.Logger) engine.Observer {
	return func(passID string, res workflow.Result, err error) {
		switch {
		case err != nil:
			logger.Warn("pass failed", "pass", passID, "stage", res.Stage, "error", err)
		case len(res.Outcomes) > 0:
			logger.Info("pass", "pass", passID, "result", res)
		}
	}
}
