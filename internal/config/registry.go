package config

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/deicod/asyncjinja/adapters/redis"
	"github.com/deicod/asyncjinja/adapters/sqlloader"
	"github.com/deicod/asyncjinja/runtime"
)

// LoaderFactory builds the loader for one node of the loader tree. Child
// nodes are built through b.
type LoaderFactory func(ctx context.Context, b *Builder, cfg LoaderConfig) (runtime.Loader, error)

// CacheFactory builds a bytecode cache backend.
type CacheFactory func(ctx context.Context, b *Builder, cfg CacheConfig) (runtime.BytecodeCache, error)

// Registry maps loader and cache kinds to their constructors. Nothing is
// registered implicitly: callers start from NewRegistry and add their own
// kinds with RegisterLoader and RegisterCache.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]LoaderFactory
	caches  map[string]CacheFactory
}

// NewRegistry returns a registry holding the stock loaders and caches.
func NewRegistry() *Registry {
	r := &Registry{
		loaders: make(map[string]LoaderFactory),
		caches:  make(map[string]CacheFactory),
	}
	r.RegisterLoader(LoaderFileSystem, newFileSystemLoader)
	r.RegisterLoader(LoaderMap, newMapLoader)
	r.RegisterLoader(LoaderPrefix, newPrefixLoader)
	r.RegisterLoader(LoaderChoice, newChoiceLoader)
	r.RegisterLoader(LoaderSQL, newSQLLoader)
	r.RegisterLoader(LoaderModule, newModuleLoader)

	r.RegisterCache(CacheMemory, newMemoryCache)
	r.RegisterCache(CacheFileSystem, newFileSystemCache)
	r.RegisterCache(CacheRedis, newRedisCache)
	return r
}

// RegisterLoader adds or replaces the factory for kind.
func (r *Registry) RegisterLoader(kind string, factory LoaderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[kind] = factory
}

// RegisterCache adds or replaces the factory for kind.
func (r *Registry) RegisterCache(kind string, factory CacheFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caches[kind] = factory
}

// LoaderKinds returns the registered loader kinds, sorted.
func (r *Registry) LoaderKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.loaders))
	for kind := range r.loaders {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// CacheKinds returns the registered cache kinds, sorted.
func (r *Registry) CacheKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.caches))
	for kind := range r.caches {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Registry) loader(kind string) (LoaderFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.loaders[kind]
	return f, ok
}

func (r *Registry) cache(kind string) (CacheFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.caches[kind]
	return f, ok
}

// Builder carries the state of one Build call: the registry, the logger and
// the resources that must be released with the environment.
type Builder struct {
	registry  *Registry
	logger    *slog.Logger
	sqlDriver string
	closers   []io.Closer
}

// Logger returns the logger passed to Build.
func (b *Builder) Logger() *slog.Logger {
	return b.logger
}

// OnClose registers c to be closed when the built Runtime is closed.
func (b *Builder) OnClose(c io.Closer) {
	b.closers = append(b.closers, c)
}

// Loader builds the loader described by cfg.
func (b *Builder) Loader(ctx context.Context, cfg LoaderConfig) (runtime.Loader, error) {
	factory, ok := b.registry.loader(cfg.Kind)
	if !ok {
		return nil, &runtime.ConfigurationError{
			Option:  "loader.kind",
			Message: fmt.Sprintf("unknown loader kind %q (registered: %v)", cfg.Kind, b.registry.LoaderKinds()),
		}
	}
	return factory(ctx, b, cfg)
}

// Cache builds the bytecode cache described by cfg.
func (b *Builder) Cache(ctx context.Context, cfg CacheConfig) (runtime.BytecodeCache, error) {
	factory, ok := b.registry.cache(cfg.Kind)
	if !ok {
		return nil, &runtime.ConfigurationError{
			Option:  "bytecode_cache.kind",
			Message: fmt.Sprintf("unknown cache kind %q (registered: %v)", cfg.Kind, b.registry.CacheKinds()),
		}
	}
	return factory(ctx, b, cfg)
}

func newFileSystemLoader(_ context.Context, _ *Builder, cfg LoaderConfig) (runtime.Loader, error) {
	loader := runtime.NewFileSystemLoader(cfg.Paths...)
	loader.FollowLinks = cfg.FollowLinks
	return loader, nil
}

func newMapLoader(_ context.Context, _ *Builder, cfg LoaderConfig) (runtime.Loader, error) {
	return runtime.NewMapLoader(cfg.Templates), nil
}

func newPrefixLoader(ctx context.Context, b *Builder, cfg LoaderConfig) (runtime.Loader, error) {
	mapping := make(map[string]runtime.Loader, len(cfg.Prefixes))
	for prefix, child := range cfg.Prefixes {
		loader, err := b.Loader(ctx, child)
		if err != nil {
			return nil, fmt.Errorf("prefix %q: %w", prefix, err)
		}
		mapping[prefix] = loader
	}
	loader := runtime.NewPrefixLoader(mapping)
	if cfg.Delimiter != "" {
		loader.Delimiter = cfg.Delimiter
	}
	return loader, nil
}

func newChoiceLoader(ctx context.Context, b *Builder, cfg LoaderConfig) (runtime.Loader, error) {
	loaders := make([]runtime.Loader, 0, len(cfg.Loaders))
	for i, child := range cfg.Loaders {
		loader, err := b.Loader(ctx, child)
		if err != nil {
			return nil, fmt.Errorf("choice %d: %w", i, err)
		}
		loaders = append(loaders, loader)
	}
	return runtime.NewChoiceLoader(loaders...), nil
}

// DefaultSQLDriver is the database/sql driver name used when a sql loader
// does not name one. The binary must link a driver registered under it.
const DefaultSQLDriver = "sqlite"

func newSQLLoader(ctx context.Context, b *Builder, cfg LoaderConfig) (runtime.Loader, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = b.sqlDriver
	}
	if driver == "" {
		driver = DefaultSQLDriver
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	b.OnClose(db)

	var opts []sqlloader.Option
	if cfg.Table != "" {
		opts = append(opts, sqlloader.WithTable(cfg.Table))
	}
	loader, err := sqlloader.New(db, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.CreateSchema {
		if err := loader.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}
	return loader, nil
}

func newModuleLoader(_ context.Context, _ *Builder, cfg LoaderConfig) (runtime.Loader, error) {
	return runtime.NewModuleLoader(cfg.Path)
}

func newMemoryCache(context.Context, *Builder, CacheConfig) (runtime.BytecodeCache, error) {
	return runtime.NewMemoryBytecodeCache(), nil
}

func newFileSystemCache(_ context.Context, _ *Builder, cfg CacheConfig) (runtime.BytecodeCache, error) {
	return runtime.NewFileSystemBytecodeCache(cfg.Dir)
}

func newRedisCache(_ context.Context, b *Builder, cfg CacheConfig) (runtime.BytecodeCache, error) {
	opts := []redis.Option{redis.WithTTL(cfg.TTL), redis.WithLogger(b.Logger())}
	if cfg.Prefix != "" {
		opts = append(opts, redis.WithPrefix(cfg.Prefix))
	}
	return redis.NewFromURL(cfg.URL, opts...)
}
