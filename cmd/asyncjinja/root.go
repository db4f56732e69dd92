package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/deicod/asyncjinja/internal/config"
	"github.com/deicod/asyncjinja/internal/logging"
	"github.com/deicod/asyncjinja/internal/metrics"
	"github.com/deicod/asyncjinja/runtime"
)

// app holds the state shared by every subcommand of one invocation.
type app struct {
	configPath string
	dir        string
	logLevel   string
	metricsOut string

	logger   *slog.Logger
	registry *prometheus.Registry
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "asyncjinja",
		Short:         "Render and precompile Jinja templates",
		Long:          `asyncjinja resolves templates through a configurable loader tree and bytecode cache, renders them, and precompiles them into directories or zip archives.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logging.ParseLevel(a.logLevel)
			if err != nil {
				return err
			}
			a.logger = logging.New(logging.Options{Level: level, Output: cmd.ErrOrStderr()})
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.metricsOut == "" || a.registry == nil {
				return nil
			}
			if err := prometheus.WriteToTextfile(a.metricsOut, a.registry); err != nil {
				return fmt.Errorf("writing metrics: %w", err)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "YAML or JSON config file describing loaders and caches")
	flags.StringVar(&a.dir, "dir", "", "template directory; replaces the configured loader")
	flags.StringVar(&a.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.StringVar(&a.metricsOut, "metrics-out", "", "write bytecode cache metrics to this file in Prometheus text format")

	root.AddCommand(
		newRenderCmd(a),
		newCompileCmd(a),
		newListCmd(a),
		newCacheCmd(a),
		newVersionCmd(),
	)
	return root
}

// open builds the environment described by the flags and config file.
func (a *app) open(ctx context.Context) (*config.Runtime, error) {
	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if a.dir != "" {
		cfg.Loader = config.LoaderConfig{Kind: config.LoaderFileSystem, Paths: []string{a.dir}}
	}

	opts := config.BuildOptions{Logger: a.logger, SQLDriver: sqlDriver}
	if cfg.Metrics || a.metricsOut != "" {
		a.registry = prometheus.NewRegistry()
		collectors, err := metrics.New(a.registry)
		if err != nil {
			return nil, err
		}
		opts.WrapCache = func(kind string, cache runtime.BytecodeCache) runtime.BytecodeCache {
			return collectors.Wrap(kind, cache)
		}
	}
	return config.Build(ctx, cfg, nil, opts)
}

func closeRuntime(rt *config.Runtime, logger *slog.Logger) {
	if err := rt.Close(); err != nil {
		logger.Warn("closing environment", "error", err)
	}
}

func writeLines(w io.Writer, lines []string) error {
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
