package config

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/deicod/asyncjinja/internal/logging"
	"github.com/deicod/asyncjinja/runtime"
)

// BuildOptions tunes Build.
type BuildOptions struct {
	Logger *slog.Logger
	// WrapCache decorates the bytecode cache before it is handed to the
	// environment, e.g. with metrics.
	WrapCache func(kind string, cache runtime.BytecodeCache) runtime.BytecodeCache
	// SQLDriver is used by sql loaders that do not name a driver. Defaults
	// to DefaultSQLDriver.
	SQLDriver string
	// Extra options are applied after the ones derived from the config.
	Extra []runtime.Option
}

// Runtime is a built environment plus the resources it depends on.
type Runtime struct {
	Env *runtime.Environment
	// Cache is the bytecode cache handed to Env, or nil.
	Cache runtime.BytecodeCache

	closers []io.Closer
}

// Close closes the environment and every resource opened for it.
func (r *Runtime) Close() error {
	var errs []error
	if r.Env != nil {
		errs = append(errs, r.Env.Close())
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	return errors.Join(errs...)
}

// Build turns cfg into an environment using the factories in reg.
func Build(ctx context.Context, cfg *Config, reg *Registry, opts BuildOptions) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	b := &Builder{registry: reg, logger: logger, sqlDriver: opts.SQLDriver}
	rt := &Runtime{}
	fail := func(err error) (*Runtime, error) {
		rt.closers = b.closers
		_ = rt.Close()
		return nil, err
	}

	loader, err := b.Loader(ctx, cfg.Loader)
	if err != nil {
		return fail(err)
	}

	envOpts := []runtime.Option{
		runtime.WithLoader(loader),
		runtime.WithLogger(logger),
		runtime.WithAsync(cfg.Async),
		runtime.WithGlobals(cfg.Globals),
		runtime.WithStrictUndefined(cfg.StrictUndefined),
		runtime.WithParserOptions(runtime.ParserOptions{
			TrimBlocks:          cfg.TrimBlocks,
			LstripBlocks:        cfg.LstripBlocks,
			KeepTrailingNewline: cfg.KeepTrailingNewline,
		}),
	}
	if cfg.AutoReload != nil {
		envOpts = append(envOpts, runtime.WithAutoReload(*cfg.AutoReload))
	}
	if cfg.CacheSize != nil {
		envOpts = append(envOpts, runtime.WithCacheSize(*cfg.CacheSize))
	}
	switch {
	case len(cfg.AutoescapeExtensions) > 0:
		envOpts = append(envOpts, runtime.WithAutoescapeFunc(runtime.AutoescapeExtensions(cfg.AutoescapeExtensions...)))
	case cfg.Autoescape:
		envOpts = append(envOpts, runtime.WithAutoescape(true))
	}
	if cfg.RelativePaths {
		envOpts = append(envOpts, runtime.WithJoinPath(runtime.RelativeJoinPath))
	}
	if cfg.Sandbox {
		envOpts = append(envOpts, runtime.WithPolicy(runtime.NewSandboxPolicy()))
	}

	if cfg.BytecodeCache != nil {
		cache, err := b.Cache(ctx, *cfg.BytecodeCache)
		if err != nil {
			return fail(err)
		}
		if opts.WrapCache != nil {
			cache = opts.WrapCache(cfg.BytecodeCache.Kind, cache)
		}
		rt.Cache = cache
		envOpts = append(envOpts, runtime.WithOwnedBytecodeCache(cache))
	}

	envOpts = append(envOpts, opts.Extra...)
	rt.Env = runtime.NewEnvironment(envOpts...)
	rt.closers = b.closers
	return rt, nil
}
