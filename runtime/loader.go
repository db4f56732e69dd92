package runtime

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deicod/asyncjinja/compiler"
)

// Source is what a loader returns for a template name.
type Source struct {
	// Text is the template source.
	Text string
	// Origin identifies where the source came from, usually a file path. It
	// takes part in the bytecode cache key and may be empty.
	Origin string
	// UpToDate reports whether the source is still current. A nil probe
	// means the source never goes stale.
	UpToDate func(ctx context.Context) (bool, error)
	// Program is set by loaders that return precompiled templates. The
	// environment skips parsing and the bytecode cache when it is present.
	Program *compiler.Program
}

// Loader locates template sources by name.
type Loader interface {
	// GetSource returns the source for name or a *TemplateNotFoundError.
	GetSource(ctx context.Context, name string) (Source, error)
	// ListTemplates returns the names this loader can serve. Loaders that
	// cannot enumerate return a *ConfigurationError wrapping
	// errors.ErrUnsupported.
	ListTemplates(ctx context.Context) ([]string, error)
}

// splitTemplatePath splits a template name into path segments and rejects
// names that would escape the search path.
func splitTemplatePath(name string) ([]string, error) {
	var pieces []string
	for _, piece := range strings.Split(name, "/") {
		if strings.ContainsRune(piece, filepath.Separator) ||
			(filepath.Separator != '/' && strings.ContainsRune(piece, '/')) ||
			piece == ".." {
			return nil, NewTemplateNotFound(name, nil, nil)
		}
		if piece != "" && piece != "." {
			pieces = append(pieces, piece)
		}
	}
	if len(pieces) == 0 {
		return nil, NewTemplateNotFound(name, nil, nil)
	}
	return pieces, nil
}

// FileSystemLoader loads templates from one or more directories, searched
// in order.
type FileSystemLoader struct {
	basePaths []string
	// FollowLinks makes ListTemplates descend into symlinked directories.
	FollowLinks bool
	mu          sync.RWMutex
}

// NewFileSystemLoader creates a new file system loader. When no paths are
// provided it defaults to the current working directory.
func NewFileSystemLoader(basePaths ...string) *FileSystemLoader {
	paths := filteredSearchPaths(basePaths)
	if len(paths) == 0 {
		paths = append(paths, ".")
	}
	return &FileSystemLoader{basePaths: paths}
}

// SearchPath returns a copy of the configured search paths.
func (l *FileSystemLoader) SearchPath() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.basePaths...)
}

// GetSource reads name from the first search path that has it. The
// freshness probe compares the file's modification time.
func (l *FileSystemLoader) GetSource(ctx context.Context, name string) (Source, error) {
	pieces, err := splitTemplatePath(name)
	if err != nil {
		return Source{}, err
	}

	var tried []string
	for _, basePath := range l.SearchPath() {
		if err := ctx.Err(); err != nil {
			return Source{}, err
		}

		fullPath := filepath.Join(append([]string{basePath}, pieces...)...)
		tried = append(tried, fullPath)

		info, err := os.Stat(fullPath)
		if err != nil || info.IsDir() {
			if err == nil || errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Source{}, err
		}

		data, err := os.ReadFile(fullPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Source{}, err
		}

		origin, err := filepath.Abs(fullPath)
		if err != nil {
			origin = fullPath
		}
		mtime := info.ModTime()
		return Source{
			Text:   string(data),
			Origin: origin,
			UpToDate: func(context.Context) (bool, error) {
				current, err := os.Stat(origin)
				if err != nil {
					return false, nil
				}
				return current.ModTime().Equal(mtime), nil
			},
		}, nil
	}

	return Source{}, NewTemplateNotFound(name, tried, fs.ErrNotExist)
}

// ListTemplates walks every search path and returns the sorted set of
// template names, using "/" as separator.
func (l *FileSystemLoader) ListTemplates(ctx context.Context) ([]string, error) {
	found := make(map[string]struct{})
	for _, basePath := range l.SearchPath() {
		visited := make(map[string]struct{})
		if err := l.walk(ctx, basePath, "", visited, found); err != nil {
			return nil, err
		}
	}
	return sortedKeys(found), nil
}

func (l *FileSystemLoader) walk(ctx context.Context, root, prefix string, visited, found map[string]struct{}) error {
	if real, err := filepath.EvalSymlinks(root); err == nil {
		if _, seen := visited[real]; seen {
			return nil
		}
		visited[real] = struct{}{}
		root = real
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if prefix != "" {
			name = prefix + "/" + name
		}

		if d.Type()&fs.ModeSymlink != 0 {
			info, err := os.Stat(path)
			if err != nil {
				return nil
			}
			if info.IsDir() {
				if l.FollowLinks {
					return l.walk(ctx, path, name, visited, found)
				}
				return nil
			}
			found[name] = struct{}{}
			return nil
		}

		if d.IsDir() || rel == "." {
			return nil
		}
		found[name] = struct{}{}
		return nil
	})
}

func filteredSearchPaths(paths []string) []string {
	filtered := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		filtered = append(filtered, p)
	}
	return filtered
}

// MapLoader serves templates from an in-memory map. Set and Delete may be
// called while the loader is in use.
type MapLoader struct {
	templates map[string]string
	mu        sync.RWMutex
}

// NewMapLoader creates a new map loader holding a copy of templates.
func NewMapLoader(templates map[string]string) *MapLoader {
	copied := make(map[string]string, len(templates))
	for name, source := range templates {
		copied[name] = source
	}
	return &MapLoader{templates: copied}
}

// Set stores or replaces a template.
func (l *MapLoader) Set(name, source string) {
	l.mu.Lock()
	l.templates[name] = source
	l.mu.Unlock()
}

// Delete removes a template.
func (l *MapLoader) Delete(name string) {
	l.mu.Lock()
	delete(l.templates, name)
	l.mu.Unlock()
}

// GetSource returns the stored text. The probe reports stale once the entry
// changes or disappears.
func (l *MapLoader) GetSource(_ context.Context, name string) (Source, error) {
	l.mu.RLock()
	text, ok := l.templates[name]
	l.mu.RUnlock()
	if !ok {
		return Source{}, NewTemplateNotFound(name, nil, nil)
	}

	return Source{
		Text: text,
		UpToDate: func(context.Context) (bool, error) {
			l.mu.RLock()
			defer l.mu.RUnlock()
			current, ok := l.templates[name]
			return ok && current == text, nil
		},
	}, nil
}

// ListTemplates returns the sorted map keys.
func (l *MapLoader) ListTemplates(context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// LoadFunc backs a FunctionLoader. It returns a string, a Source, a
// *Source, or nil when the template does not exist.
type LoadFunc func(ctx context.Context, name string) (interface{}, error)

// FunctionLoader delegates lookups to a function.
type FunctionLoader struct {
	load LoadFunc
}

// NewFunctionLoader creates a loader backed by fn.
func NewFunctionLoader(fn LoadFunc) *FunctionLoader {
	return &FunctionLoader{load: fn}
}

func (l *FunctionLoader) GetSource(ctx context.Context, name string) (Source, error) {
	result, err := l.load(ctx, name)
	if err != nil {
		return Source{}, err
	}

	switch v := result.(type) {
	case nil:
		return Source{}, NewTemplateNotFound(name, nil, nil)
	case string:
		return Source{Text: v}, nil
	case Source:
		return v, nil
	case *Source:
		if v == nil {
			return Source{}, NewTemplateNotFound(name, nil, nil)
		}
		return *v, nil
	default:
		return Source{}, &ConfigurationError{
			Option:  "FunctionLoader",
			Message: fmt.Sprintf("load function returned unsupported %T for %q", result, name),
		}
	}
}

func (l *FunctionLoader) ListTemplates(context.Context) ([]string, error) {
	return nil, unsupported("FunctionLoader", "this loader cannot iterate over all templates")
}

// ChoiceLoader tries each loader in order until one has the template.
type ChoiceLoader struct {
	Loaders []Loader
}

// NewChoiceLoader creates a loader that tries loaders in order.
func NewChoiceLoader(loaders ...Loader) *ChoiceLoader {
	return &ChoiceLoader{Loaders: loaders}
}

func (l *ChoiceLoader) GetSource(ctx context.Context, name string) (Source, error) {
	var tried []string
	for _, loader := range l.Loaders {
		src, err := loader.GetSource(ctx, name)
		if err == nil {
			return src, nil
		}
		if !IsNotFound(err) {
			return Source{}, err
		}
		var notFound *TemplateNotFoundError
		if errors.As(err, &notFound) {
			tried = append(tried, notFound.Tried...)
		}
	}
	return Source{}, NewTemplateNotFound(name, tried, nil)
}

// ListTemplates returns the sorted union of every loader's names.
func (l *ChoiceLoader) ListTemplates(ctx context.Context) ([]string, error) {
	found := make(map[string]struct{})
	for _, loader := range l.Loaders {
		names, err := loader.ListTemplates(ctx)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			found[name] = struct{}{}
		}
	}
	return sortedKeys(found), nil
}

// DefaultPrefixDelimiter separates the prefix from the template name.
const DefaultPrefixDelimiter = "/"

// PrefixLoader routes "prefix<delimiter>rest" to the loader registered under
// prefix.
type PrefixLoader struct {
	Mapping   map[string]Loader
	Delimiter string
}

// NewPrefixLoader creates a prefix loader with the default delimiter.
func NewPrefixLoader(mapping map[string]Loader) *PrefixLoader {
	return &PrefixLoader{Mapping: mapping, Delimiter: DefaultPrefixDelimiter}
}

func (l *PrefixLoader) delimiter() string {
	if l.Delimiter == "" {
		return DefaultPrefixDelimiter
	}
	return l.Delimiter
}

func (l *PrefixLoader) route(name string) (Loader, string, bool) {
	prefix, rest, ok := strings.Cut(name, l.delimiter())
	if !ok {
		return nil, "", false
	}
	loader, ok := l.Mapping[prefix]
	return loader, rest, ok
}

// GetSource resolves the prefix. A not-found error from the delegate is
// reported with the full name.
func (l *PrefixLoader) GetSource(ctx context.Context, name string) (Source, error) {
	loader, rest, ok := l.route(name)
	if !ok {
		return Source{}, NewTemplateNotFound(name, nil, nil)
	}

	src, err := loader.GetSource(ctx, rest)
	if err != nil {
		if IsNotFound(err) {
			return Source{}, NewTemplateNotFound(name, nil, err)
		}
		return Source{}, err
	}
	return src, nil
}

func (l *PrefixLoader) ListTemplates(ctx context.Context) ([]string, error) {
	prefixes := make([]string, 0, len(l.Mapping))
	for prefix := range l.Mapping {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)

	var result []string
	for _, prefix := range prefixes {
		names, err := l.Mapping[prefix].ListTemplates(ctx)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			result = append(result, prefix+l.delimiter()+name)
		}
	}
	return result, nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// TimestampProbe returns a freshness probe that compares the timestamp
// reported by current with the one captured at load time. A missing entry
// (ok false) is stale.
func TimestampProbe(captured time.Time, current func(ctx context.Context) (time.Time, bool, error)) func(context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		now, ok, err := current(ctx)
		if err != nil || !ok {
			return false, err
		}
		return now.Equal(captured), nil
	}
}
