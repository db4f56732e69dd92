package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingLoader counts GetSource calls of the loader it wraps.
type countingLoader struct {
	Loader
	calls atomic.Int64
}

func (l *countingLoader) GetSource(ctx context.Context, name string) (Source, error) {
	l.calls.Add(1)
	return l.Loader.GetSource(ctx, name)
}

// countingCache records bytecode cache traffic.
type countingCache struct {
	BytecodeCache
	loads, hits, stores atomic.Int64
}

func (c *countingCache) Load(ctx context.Context, bucket *Bucket) error {
	c.loads.Add(1)
	err := c.BytecodeCache.Load(ctx, bucket)
	if bucket.Artifact != nil {
		c.hits.Add(1)
	}
	return err
}

func (c *countingCache) Store(ctx context.Context, bucket *Bucket) error {
	c.stores.Add(1)
	return c.BytecodeCache.Store(ctx, bucket)
}

// brokenCache fails every operation, like an unreachable backend.
type brokenCache struct{}

func (brokenCache) Load(context.Context, *Bucket) error  { return ErrBackendUnavailable }
func (brokenCache) Store(context.Context, *Bucket) error { return ErrBackendUnavailable }

func newMapEnv(t *testing.T, templates map[string]string, opts ...Option) (*Environment, *MapLoader) {
	t.Helper()
	loader := NewMapLoader(templates)
	env := NewEnvironment(append([]Option{WithLoader(loader)}, opts...)...)
	return env, loader
}

func renderName(t *testing.T, env *Environment, name string, vars map[string]interface{}) string {
	t.Helper()
	ctx := context.Background()
	tmpl, err := env.GetTemplate(ctx, name, "", nil)
	if err != nil {
		t.Fatalf("GetTemplate(%q) failed: %v", name, err)
	}
	out, err := tmpl.Render(ctx, vars)
	if err != nil {
		t.Fatalf("Render(%q) failed: %v", name, err)
	}
	return out
}

func renderString(t *testing.T, env *Environment, source string, vars map[string]interface{}) string {
	t.Helper()
	ctx := context.Background()
	tmpl, err := env.FromString(ctx, source, nil)
	if err != nil {
		t.Fatalf("FromString(%q) failed: %v", source, err)
	}
	out, err := tmpl.Render(ctx, vars)
	if err != nil {
		t.Fatalf("Render(%q) failed: %v", source, err)
	}
	return out
}

func TestGetTemplateCachesTemplateObjects(t *testing.T) {
	loader := &countingLoader{Loader: NewMapLoader(map[string]string{"hello": "Hello {{ name }}!"})}
	env := NewEnvironment(WithLoader(loader))
	ctx := context.Background()

	first, err := env.GetTemplate(ctx, "hello", "", nil)
	if err != nil {
		t.Fatalf("GetTemplate failed: %v", err)
	}
	second, err := env.GetTemplate(ctx, "hello", "", nil)
	if err != nil {
		t.Fatalf("GetTemplate failed: %v", err)
	}
	if first != second {
		t.Fatal("expected the cached template object to be returned")
	}
	if got := loader.calls.Load(); got != 1 {
		t.Fatalf("expected 1 loader call, got %d", got)
	}

	again, err := env.GetTemplate(ctx, first, "", nil)
	if err != nil || again != first {
		t.Fatalf("passing a template through should return it unchanged, got %v, %v", again, err)
	}
	if got := loader.calls.Load(); got != 1 {
		t.Fatalf("template pass-through must not reach the loader, got %d calls", got)
	}

	out, err := first.Render(ctx, map[string]interface{}{"name": "World"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out != "Hello World!" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestBytecodeCacheRoundTrip(t *testing.T) {
	cache := &countingCache{BytecodeCache: NewMemoryBytecodeCache()}
	templates := map[string]string{"page": "{% for i in items %}{{ i }}{% endfor %}"}

	env1, _ := newMapEnv(t, templates, WithBytecodeCache(cache))
	if out := renderName(t, env1, "page", map[string]interface{}{"items": []int{1, 2, 3}}); out != "123" {
		t.Fatalf("unexpected output %q", out)
	}
	if cache.stores.Load() != 1 || cache.hits.Load() != 0 {
		t.Fatalf("expected one store and no hit, got stores=%d hits=%d", cache.stores.Load(), cache.hits.Load())
	}

	env2, _ := newMapEnv(t, templates, WithBytecodeCache(cache))
	if out := renderName(t, env2, "page", map[string]interface{}{"items": []int{4}}); out != "4" {
		t.Fatalf("unexpected output %q", out)
	}
	if cache.stores.Load() != 1 || cache.hits.Load() != 1 {
		t.Fatalf("expected the second environment to hit, got stores=%d hits=%d", cache.stores.Load(), cache.hits.Load())
	}
}

func TestBytecodeCacheIgnoresArtifactsOfOtherMode(t *testing.T) {
	cache := &countingCache{BytecodeCache: NewMemoryBytecodeCache()}
	templates := map[string]string{"page": "x"}

	syncEnv, _ := newMapEnv(t, templates, WithBytecodeCache(cache))
	renderName(t, syncEnv, "page", nil)

	asyncEnv, _ := newMapEnv(t, templates, WithBytecodeCache(cache), WithAsync(true))
	tmpl, err := asyncEnv.GetTemplate(context.Background(), "page", "", nil)
	if err != nil {
		t.Fatalf("GetTemplate failed: %v", err)
	}
	if !tmpl.Program().Async {
		t.Fatal("expected the async environment to recompile")
	}
	if cache.stores.Load() != 2 {
		t.Fatalf("expected a second store, got %d", cache.stores.Load())
	}
}

func TestFailingBackendNeverFailsRendering(t *testing.T) {
	env, _ := newMapEnv(t, map[string]string{"page": "ok"}, WithBytecodeCache(brokenCache{}))
	if out := renderName(t, env, "page", nil); out != "ok" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestAutoReloadPicksUpChanges(t *testing.T) {
	env, loader := newMapEnv(t, map[string]string{"page": "v1"})
	if out := renderName(t, env, "page", nil); out != "v1" {
		t.Fatalf("unexpected output %q", out)
	}
	loader.Set("page", "v2")
	if out := renderName(t, env, "page", nil); out != "v2" {
		t.Fatalf("expected reloaded template, got %q", out)
	}
}

func TestAutoReloadDisabledServesCachedTemplate(t *testing.T) {
	env, loader := newMapEnv(t, map[string]string{"page": "v1"}, WithAutoReload(false))
	renderName(t, env, "page", nil)
	loader.Set("page", "v2")
	if out := renderName(t, env, "page", nil); out != "v1" {
		t.Fatalf("expected the cached template, got %q", out)
	}
}

func TestSetLoaderPurgesPreviousGeneration(t *testing.T) {
	env, _ := newMapEnv(t, map[string]string{"page": "old"}, WithAutoReload(false))
	renderName(t, env, "page", nil)
	if env.CachedTemplates() != 1 {
		t.Fatalf("expected one cached template, got %d", env.CachedTemplates())
	}

	env.SetLoader(NewMapLoader(map[string]string{"page": "new"}))
	if env.CachedTemplates() != 0 {
		t.Fatalf("expected the cache to be purged, got %d entries", env.CachedTemplates())
	}
	if out := renderName(t, env, "page", nil); out != "new" {
		t.Fatalf("expected template from the new loader, got %q", out)
	}
}

func TestCacheSizeZeroDisablesCaching(t *testing.T) {
	loader := &countingLoader{Loader: NewMapLoader(map[string]string{"page": "x"})}
	env := NewEnvironment(WithLoader(loader), WithCacheSize(0))
	renderName(t, env, "page", nil)
	renderName(t, env, "page", nil)
	if got := loader.calls.Load(); got != 2 {
		t.Fatalf("expected every lookup to reach the loader, got %d calls", got)
	}
}

func TestConcurrentMissesAreCoalesced(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	loader := NewFunctionLoader(func(ctx context.Context, name string) (interface{}, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	})
	env := NewEnvironment(WithLoader(loader))

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*Template, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.GetTemplate(context.Background(), "page", "", nil)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("worker %d received a different template object", i)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single loader call, got %d", got)
	}
}

func TestCanceledLookupLeavesNoEntry(t *testing.T) {
	env, _ := newMapEnv(t, map[string]string{"page": "x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := env.GetTemplate(ctx, "page", "", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if env.CachedTemplates() != 0 {
		t.Fatalf("expected no cache entry, got %d", env.CachedTemplates())
	}
}

func TestGetTemplateNotFound(t *testing.T) {
	env, _ := newMapEnv(t, nil)
	_, err := env.GetTemplate(context.Background(), "missing", "", nil)
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var notFound *TemplateNotFoundError
	if !errors.As(err, &notFound) || notFound.Name != "missing" {
		t.Fatalf("expected TemplateNotFoundError for missing, got %#v", err)
	}
}

func TestGetTemplateRejectsUndefinedName(t *testing.T) {
	env, _ := newMapEnv(t, nil)
	_, err := env.GetTemplate(context.Background(), NewUndefined("layout", false), "", nil)
	if !IsUndefinedError(err) {
		t.Fatalf("expected an undefined error, got %v", err)
	}
}

func TestSelectTemplate(t *testing.T) {
	env, _ := newMapEnv(t, map[string]string{"b": "B"})
	ctx := context.Background()

	tmpl, err := env.SelectTemplate(ctx, []interface{}{"a", NewUndefined("x", false), "b"}, "", nil)
	if err != nil {
		t.Fatalf("SelectTemplate failed: %v", err)
	}
	if tmpl.Name() != "b" {
		t.Fatalf("expected b, got %s", tmpl.Name())
	}

	_, err = env.SelectTemplate(ctx, nil, "", nil)
	var many *TemplatesNotFoundError
	if !errors.As(err, &many) || !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected TemplatesNotFoundError for an empty list, got %v", err)
	}

	_, err = env.SelectTemplate(ctx, []interface{}{"x", "y"}, "", nil)
	if !errors.As(err, &many) || len(many.Names) != 2 {
		t.Fatalf("expected both names reported, got %v", err)
	}
}

func TestGetOrSelectTemplateDispatch(t *testing.T) {
	env, _ := newMapEnv(t, map[string]string{"a": "A", "b": "B"})
	ctx := context.Background()

	one, err := env.GetOrSelectTemplate(ctx, "a", "", nil)
	if err != nil || one.Name() != "a" {
		t.Fatalf("expected a, got %v, %v", one, err)
	}
	many, err := env.GetOrSelectTemplate(ctx, []string{"missing", "b"}, "", nil)
	if err != nil || many.Name() != "b" {
		t.Fatalf("expected b, got %v, %v", many, err)
	}
}

func TestGlobalsAreMergedOnResolution(t *testing.T) {
	env, _ := newMapEnv(t, map[string]string{"page": "{{ site }}/{{ title }}"}, WithGlobals(map[string]interface{}{"site": "docs"}))
	ctx := context.Background()

	tmpl, err := env.GetTemplate(ctx, "page", "", map[string]interface{}{"title": "intro"})
	if err != nil {
		t.Fatalf("GetTemplate failed: %v", err)
	}
	out, err := tmpl.Render(ctx, nil)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out != "docs/intro" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestListTemplates(t *testing.T) {
	env, _ := newMapEnv(t, map[string]string{"a.html": "", "b.txt": "", "c.html": "", "noext": ""})
	ctx := context.Background()

	names, err := env.ListTemplates(ctx, ListOptions{Extensions: []string{"html"}})
	if err != nil {
		t.Fatalf("ListTemplates failed: %v", err)
	}
	if len(names) != 2 || names[0] != "a.html" || names[1] != "c.html" {
		t.Fatalf("unexpected names %v", names)
	}

	names, err = env.ListTemplates(ctx, ListOptions{Filter: func(name string) bool { return name == "noext" }})
	if err != nil || len(names) != 1 {
		t.Fatalf("unexpected filtered names %v, %v", names, err)
	}

	_, err = env.ListTemplates(ctx, ListOptions{Extensions: []string{"html"}, Filter: func(string) bool { return true }})
	var cfg *ConfigurationError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestListTemplatesUnsupportedLoader(t *testing.T) {
	env := NewEnvironment(WithLoader(NewFunctionLoader(func(context.Context, string) (interface{}, error) { return nil, nil })))
	_, err := env.ListTemplates(context.Background(), ListOptions{})
	if !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestRelativeJoinPath(t *testing.T) {
	env, _ := newMapEnv(t, map[string]string{
		"pages/index.html":   `{% include "./part.html" %}`,
		"pages/part.html":    "part",
		"shared/footer.html": "footer",
	}, WithJoinPath(RelativeJoinPath))

	if out := renderName(t, env, "pages/index.html", nil); out != "part" {
		t.Fatalf("unexpected output %q", out)
	}
	if got := RelativeJoinPath("../shared/footer.html", "pages/index.html"); got != "shared/footer.html" {
		t.Fatalf("unexpected joined path %q", got)
	}
	if got := RelativeJoinPath("layout.html", "pages/index.html"); got != "layout.html" {
		t.Fatalf("absolute names must be kept, got %q", got)
	}
}

func TestAutoescapeByExtension(t *testing.T) {
	env, _ := newMapEnv(t, map[string]string{
		"page.html": "{{ value }}",
		"page.txt":  "{{ value }}",
	}, WithAutoescapeFunc(AutoescapeExtensions("html")))
	vars := map[string]interface{}{"value": "<b>"}

	if out := renderName(t, env, "page.html", vars); out != "&lt;b&gt;" {
		t.Fatalf("expected escaped output, got %q", out)
	}
	if out := renderName(t, env, "page.txt", vars); out != "<b>" {
		t.Fatalf("expected raw output, got %q", out)
	}
}

func TestStrictUndefinedFailsOnPrint(t *testing.T) {
	env := NewEnvironment(WithStrictUndefined(true))
	tmpl, err := env.FromString(context.Background(), "{{ missing }}", nil)
	if err != nil {
		t.Fatalf("FromString failed: %v", err)
	}
	if _, err := tmpl.Render(context.Background(), nil); !IsUndefinedError(err) {
		t.Fatalf("expected undefined error, got %v", err)
	}
}

type closingCache struct {
	*MemoryBytecodeCache
	closed bool
}

func (c *closingCache) Close() error {
	c.closed = true
	return nil
}

func TestCloseOnlyClosesOwnedCache(t *testing.T) {
	borrowed := &closingCache{MemoryBytecodeCache: NewMemoryBytecodeCache()}
	if err := NewEnvironment(WithBytecodeCache(borrowed)).Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if borrowed.closed {
		t.Fatal("a borrowed cache must not be closed")
	}

	owned := &closingCache{MemoryBytecodeCache: NewMemoryBytecodeCache()}
	if err := NewEnvironment(WithOwnedBytecodeCache(owned)).Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !owned.closed {
		t.Fatal("an owned cache must be closed")
	}
}
