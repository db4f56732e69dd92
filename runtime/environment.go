package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"reflect"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/deicod/asyncjinja/compiler"
	"github.com/deicod/asyncjinja/internal/logging"
	"github.com/deicod/asyncjinja/nodes"
	"github.com/deicod/asyncjinja/parser"
)

// FilterFunc represents a filter function
type FilterFunc func(ctx *Context, value interface{}, args ...interface{}) (interface{}, error)

// TestFunc represents a test function
type TestFunc func(ctx *Context, value interface{}, args ...interface{}) (bool, error)

// GlobalFunc represents a global function
type GlobalFunc func(ctx *Context, args ...interface{}) (interface{}, error)

// DefaultCacheSize is the number of template objects kept when no size is
// configured.
const DefaultCacheSize = 400

// ParserOptions controls whitespace handling and line syntax of the lexer.
type ParserOptions struct {
	TrimBlocks          bool
	LstripBlocks        bool
	KeepTrailingNewline bool
	LineStatementPrefix string
	LineCommentPrefix   string
	Extensions          []parser.Extension
}

// Option configures an Environment.
type Option func(*Environment)

// WithLoader sets the loader templates are resolved from.
func WithLoader(loader Loader) Option {
	return func(env *Environment) { env.loader = loader }
}

// WithBytecodeCache persists compiled artifacts in cache. The environment
// never closes it.
func WithBytecodeCache(cache BytecodeCache) Option {
	return func(env *Environment) {
		env.bytecodeCache = cache
		env.ownsCache = false
	}
}

// WithOwnedBytecodeCache is WithBytecodeCache, but Close also closes the
// cache when it implements io.Closer.
func WithOwnedBytecodeCache(cache BytecodeCache) Option {
	return func(env *Environment) {
		env.bytecodeCache = cache
		env.ownsCache = true
	}
}

// WithCacheSize bounds the template object cache. Zero disables caching and
// a negative size removes the bound.
func WithCacheSize(size int) Option {
	return func(env *Environment) { env.cacheSize = size }
}

// WithAutoReload controls whether cached templates are checked for
// freshness on every lookup. It is on by default.
func WithAutoReload(enabled bool) Option {
	return func(env *Environment) { env.autoReload = enabled }
}

// WithGlobals adds variables visible to every template.
func WithGlobals(globals map[string]interface{}) Option {
	return func(env *Environment) {
		for k, v := range globals {
			env.globals[k] = v
		}
	}
}

// WithAsync compiles every lookup as a suspension point and enables await.
func WithAsync(enabled bool) Option {
	return func(env *Environment) { env.async = enabled }
}

// WithLogger sets the logger used for cache and backend events.
func WithLogger(logger *slog.Logger) Option {
	return func(env *Environment) {
		if logger != nil {
			env.logger = logger
		}
	}
}

// WithPolicy restricts attribute access and calls.
func WithPolicy(policy Policy) Option {
	return func(env *Environment) { env.policy = policy }
}

// WithAutoescape turns HTML escaping of output on or off for every template.
func WithAutoescape(enabled bool) Option {
	return func(env *Environment) {
		env.autoescape = func(string) bool { return enabled }
	}
}

// WithAutoescapeFunc decides autoescaping per template name.
func WithAutoescapeFunc(fn func(name string) bool) Option {
	return func(env *Environment) { env.autoescape = fn }
}

// WithStrictUndefined makes printing or iterating a missing variable fail.
func WithStrictUndefined(enabled bool) Option {
	return func(env *Environment) { env.strictUndefined = enabled }
}

// WithJoinPath sets the hook that turns a lookup target into a template
// name, given the name of the template performing the lookup.
func WithJoinPath(fn func(template, parent string) string) Option {
	return func(env *Environment) { env.joinPath = fn }
}

// WithParserOptions configures the lexer.
func WithParserOptions(opts ParserOptions) Option {
	return func(env *Environment) { env.parserOpts = opts }
}

// AutoescapeExtensions returns an autoescape function enabling escaping for
// templates whose name ends in one of exts.
func AutoescapeExtensions(exts ...string) func(string) bool {
	set := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		set[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	return func(name string) bool {
		ext := strings.TrimPrefix(path.Ext(name), ".")
		_, ok := set[strings.ToLower(ext)]
		return ok
	}
}

// RelativeJoinPath resolves "./" and "../" targets against the directory of
// the requesting template. Other targets are returned unchanged.
func RelativeJoinPath(template, parent string) string {
	if parent == "" || !(strings.HasPrefix(template, "./") || strings.HasPrefix(template, "../")) {
		return template
	}
	return strings.TrimPrefix(path.Join(path.Dir(parent), template), "/")
}

// Environment holds configuration, the loader and the caches shared by
// every template it resolves.
type Environment struct {
	mu         sync.RWMutex
	loader     Loader
	generation uint64

	bytecodeCache BytecodeCache
	ownsCache     bool
	cacheSize     int
	cache         *templateCache
	autoReload    bool
	async         bool

	globals map[string]interface{}
	filters map[string]FilterFunc
	tests   map[string]TestFunc

	logger          *slog.Logger
	policy          Policy
	autoescape      func(name string) bool
	strictUndefined bool
	joinPath        func(template, parent string) string
	parserOpts      ParserOptions

	group singleflight.Group
}

// NewEnvironment creates an environment with the builtin filters, tests and
// globals.
func NewEnvironment(opts ...Option) *Environment {
	env := &Environment{
		cacheSize:  DefaultCacheSize,
		autoReload: true,
		globals:    make(map[string]interface{}),
		filters:    builtinFilters(),
		tests:      builtinTests(),
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(env)
	}
	env.cache = newTemplateCache(env.cacheSize)
	return env
}

// AddFilter registers a filter under name.
func (env *Environment) AddFilter(name string, fn FilterFunc) {
	env.mu.Lock()
	env.filters[name] = fn
	env.mu.Unlock()
}

// AddTest registers a test under name.
func (env *Environment) AddTest(name string, fn TestFunc) {
	env.mu.Lock()
	env.tests[name] = fn
	env.mu.Unlock()
}

// AddGlobal makes value visible to every template as name.
func (env *Environment) AddGlobal(name string, value interface{}) {
	env.mu.Lock()
	env.globals[name] = value
	env.mu.Unlock()
}

func (env *Environment) filter(name string) (FilterFunc, bool) {
	env.mu.RLock()
	defer env.mu.RUnlock()
	fn, ok := env.filters[name]
	return fn, ok
}

func (env *Environment) test(name string) (TestFunc, bool) {
	env.mu.RLock()
	defer env.mu.RUnlock()
	fn, ok := env.tests[name]
	return fn, ok
}

func (env *Environment) snapshotGlobals() map[string]interface{} {
	env.mu.RLock()
	defer env.mu.RUnlock()
	out := make(map[string]interface{}, len(env.globals))
	for k, v := range env.globals {
		out[k] = v
	}
	return out
}

func (env *Environment) shouldAutoescape(name string) bool {
	return env.autoescape != nil && env.autoescape(name)
}

// Loader returns the current loader.
func (env *Environment) Loader() Loader {
	env.mu.RLock()
	defer env.mu.RUnlock()
	return env.loader
}

// SetLoader replaces the loader. Templates cached for the previous loader
// are dropped and never served again.
func (env *Environment) SetLoader(loader Loader) {
	env.mu.Lock()
	env.loader = loader
	env.generation++
	generation := env.generation
	env.mu.Unlock()
	env.cache.purgeBefore(generation)
}

// BytecodeCache returns the configured bytecode cache, if any.
func (env *Environment) BytecodeCache() BytecodeCache {
	return env.bytecodeCache
}

// Async reports whether templates are compiled with suspending lookups.
func (env *Environment) Async() bool { return env.async }

// Logger returns the environment logger.
func (env *Environment) Logger() *slog.Logger { return env.logger }

// CachedTemplates returns the number of template objects held in the cache.
func (env *Environment) CachedTemplates() int { return env.cache.size() }

// ClearCache drops every cached template object.
func (env *Environment) ClearCache() { env.cache.clear() }

// Close releases an owned bytecode cache.
func (env *Environment) Close() error {
	if !env.ownsCache {
		return nil
	}
	if closer, ok := env.bytecodeCache.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// JoinPath turns a lookup target into a template name. By default the
// target is returned unchanged.
func (env *Environment) JoinPath(template, parent string) string {
	if env.joinPath == nil {
		return template
	}
	return env.joinPath(template, parent)
}

func (env *Environment) parserEnvironment() *parser.Environment {
	return &parser.Environment{
		Extensions:          env.parserOpts.Extensions,
		TrimBlocks:          env.parserOpts.TrimBlocks,
		LstripBlocks:        env.parserOpts.LstripBlocks,
		KeepTrailingNewline: env.parserOpts.KeepTrailingNewline,
		LineStatementPrefix: env.parserOpts.LineStatementPrefix,
		LineCommentPrefix:   env.parserOpts.LineCommentPrefix,
		EnableAsync:         env.async,
	}
}

// Compile parses source and runs the code generator over it.
func (env *Environment) Compile(source, name, filename string) (*compiler.Program, error) {
	tree, err := parser.ParseTemplateWithEnv(env.parserEnvironment(), source, name, filename)
	if err != nil {
		return nil, err
	}
	return compiler.Generate(tree, name, compiler.Options{Async: env.async})
}

// GetTemplate resolves one template. name may be a string or a *Template,
// which is returned as is. parent is the name of the template performing
// the lookup and is passed to the JoinPath hook.
func (env *Environment) GetTemplate(ctx context.Context, name interface{}, parent string, globals map[string]interface{}) (*Template, error) {
	switch v := name.(type) {
	case *Template:
		v.mergeGlobals(globals)
		return v, nil
	case string:
		if parent != "" {
			v = env.JoinPath(v, parent)
		}
		return env.loadTemplate(ctx, v, globals)
	case Markup:
		return env.GetTemplate(ctx, string(v), parent, globals)
	}
	if u, ok := name.(undefinedType); ok {
		return nil, NewUndefinedError(u.Name(), nodes.Position{}, nil)
	}
	return nil, fmt.Errorf("template name must be a string, got %T", name)
}

// SelectTemplate returns the first of names that can be loaded.
func (env *Environment) SelectTemplate(ctx context.Context, names []interface{}, parent string, globals map[string]interface{}) (*Template, error) {
	if len(names) == 0 {
		return nil, NewTemplatesNotFound(nil, nil, nil)
	}

	var tried []string
	for _, candidate := range names {
		if tmpl, ok := candidate.(*Template); ok {
			tmpl.mergeGlobals(globals)
			return tmpl, nil
		}
		tmpl, err := env.GetTemplate(ctx, candidate, parent, globals)
		if err == nil {
			return tmpl, nil
		}
		if !IsNotFound(err) && !IsUndefinedError(err) {
			return nil, err
		}
		tried = append(tried, toString(candidate))
	}
	return nil, NewTemplatesNotFound(tried, nil, nil)
}

// GetOrSelectTemplate dispatches to GetTemplate for a single name and to
// SelectTemplate for a list of names.
func (env *Environment) GetOrSelectTemplate(ctx context.Context, target interface{}, parent string, globals map[string]interface{}) (*Template, error) {
	switch target.(type) {
	case string, Markup, *Template:
		return env.GetTemplate(ctx, target, parent, globals)
	}
	if target == nil || isUndefinedValue(target) {
		return env.GetTemplate(ctx, target, parent, globals)
	}
	switch reflect.ValueOf(target).Kind() {
	case reflect.Slice, reflect.Array:
		names, err := toSlice(target)
		if err != nil {
			return nil, err
		}
		return env.SelectTemplate(ctx, names, parent, globals)
	}
	return env.GetTemplate(ctx, target, parent, globals)
}

func (env *Environment) loadTemplate(ctx context.Context, name string, globals map[string]interface{}) (*Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	env.mu.RLock()
	loader, generation := env.loader, env.generation
	env.mu.RUnlock()
	if loader == nil {
		return nil, &ConfigurationError{Option: "loader", Message: "no loader for this environment"}
	}

	key := cacheKey{generation: generation, name: name}
	if tmpl, ok := env.cache.get(key); ok && env.fresh(ctx, tmpl) {
		tmpl.mergeGlobals(globals)
		return tmpl, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := env.group.DoChan(fmt.Sprintf("%d\x00%s", generation, name), func() (interface{}, error) {
		// Shared by every waiter: one caller giving up must not fail the rest.
		work := context.WithoutCancel(ctx)
		tmpl, err := env.loadFromLoader(work, loader, name)
		if err != nil {
			return nil, err
		}
		env.mu.RLock()
		current := env.generation == generation
		env.mu.RUnlock()
		if current {
			env.cache.add(key, tmpl)
		}
		return tmpl, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		tmpl := res.Val.(*Template)
		tmpl.mergeGlobals(globals)
		return tmpl, nil
	}
}

// fresh reports whether a cached template may be served.
func (env *Environment) fresh(ctx context.Context, tmpl *Template) bool {
	if !env.autoReload {
		return true
	}
	ok, err := tmpl.IsUpToDate(ctx)
	if err != nil {
		env.logger.Warn("freshness check failed", "template", tmpl.name, "error", err)
		return false
	}
	return ok
}

func (env *Environment) loadFromLoader(ctx context.Context, loader Loader, name string) (*Template, error) {
	src, err := loader.GetSource(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prog := src.Program
	if prog != nil && prog.Async != env.async {
		return nil, &ConfigurationError{Option: "async", Message: fmt.Sprintf("template %q was precompiled with async=%t", name, prog.Async)}
	}
	if prog == nil {
		if prog, err = env.compileSource(ctx, name, src); err != nil {
			return nil, err
		}
	}
	return newTemplate(env, name, prog, src.UpToDate, nil), nil
}

// compileSource returns the program for src, going through the bytecode
// cache when one is configured. Backend failures are logged and never fail
// the lookup.
func (env *Environment) compileSource(ctx context.Context, name string, src Source) (*compiler.Program, error) {
	cache := env.bytecodeCache
	var bucket *Bucket
	if cache != nil {
		bucket = NewBucket(name, src.Origin, src.Text)
		if prog, ok := env.loadBucket(ctx, cache, bucket); ok {
			return prog, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	prog, err := env.Compile(src.Text, name, src.Origin)
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		return prog, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := compiler.Encode(prog, bucket.Checksum)
	if err != nil {
		env.logger.Warn("encoding compiled template failed", "template", name, "error", err)
		return prog, nil
	}
	bucket.Artifact = data
	if err := cache.Store(ctx, bucket); err != nil {
		env.logger.Warn("bytecode cache store failed", "template", name, "error", err)
	} else {
		env.logger.Debug("bytecode cache store", "template", name, "key", bucket.Key)
	}
	return prog, nil
}

func (env *Environment) loadBucket(ctx context.Context, cache BytecodeCache, bucket *Bucket) (*compiler.Program, bool) {
	if err := cache.Load(ctx, bucket); err != nil {
		env.logger.Warn("bytecode cache load failed", "key", bucket.Key, "error", err)
		bucket.Reset()
		return nil, false
	}
	if bucket.Artifact == nil {
		env.logger.Debug("bytecode cache miss", "key", bucket.Key)
		return nil, false
	}

	prog, checksum, err := compiler.Decode(bucket.Artifact)
	switch {
	case err != nil:
		env.logger.Warn("discarding undecodable artifact", "key", bucket.Key, "error", err)
	case checksum != bucket.Checksum:
		env.logger.Debug("discarding artifact for other source", "key", bucket.Key)
	case prog.Async != env.async:
		env.logger.Debug("discarding artifact compiled for other mode", "key", bucket.Key, "async", prog.Async)
	default:
		env.logger.Debug("bytecode cache hit", "key", bucket.Key)
		return prog, true
	}
	bucket.Reset()
	return nil, false
}

// FromString compiles source into a template that is not cached.
func (env *Environment) FromString(ctx context.Context, source string, globals map[string]interface{}) (*Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prog, err := env.Compile(source, "", "")
	if err != nil {
		return nil, err
	}
	return newTemplate(env, "", prog, nil, globals), nil
}

// ListOptions filters ListTemplates. Extensions and Filter are mutually
// exclusive.
type ListOptions struct {
	Extensions []string
	Filter     func(name string) bool
}

func (o ListOptions) validate() error {
	if len(o.Extensions) > 0 && o.Filter != nil {
		return &ConfigurationError{Option: "ListOptions", Message: "either extensions or filter can be passed, not both"}
	}
	return nil
}

func (o ListOptions) match(name string) bool {
	if o.Filter != nil {
		return o.Filter(name)
	}
	if len(o.Extensions) == 0 {
		return true
	}
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return false
	}
	ext := name[idx+1:]
	for _, want := range o.Extensions {
		if strings.TrimPrefix(want, ".") == ext {
			return true
		}
	}
	return false
}

// ListTemplates returns the sorted names known to the loader.
func (env *Environment) ListTemplates(ctx context.Context, opts ListOptions) ([]string, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	loader := env.Loader()
	if loader == nil {
		return nil, &ConfigurationError{Option: "loader", Message: "no loader for this environment"}
	}
	names, err := loader.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(names))
	for _, name := range names {
		if opts.match(name) {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result, nil
}
