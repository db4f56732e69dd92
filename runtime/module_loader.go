package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/deicod/asyncjinja/compiler"
)

// ModuleLoader serves templates precompiled by CompileTemplates, from a
// directory or a zip archive. Sources are never parsed again.
type ModuleLoader struct {
	path string
	// archive holds the entries of a zip target, read once.
	archive map[string][]byte
}

// NewModuleLoader opens a directory or a zip archive written by
// CompileTemplates.
func NewModuleLoader(path string) (*ModuleLoader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("module loader: %w", err)
	}
	l := &ModuleLoader{path: path}
	if info.IsDir() {
		return l, nil
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("module loader: open %s: %w", path, err)
	}
	defer zr.Close()

	l.archive = make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("module loader: %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("module loader: %s: %w", f.Name, err)
		}
		l.archive[f.Name] = data
	}
	return l, nil
}

func (l *ModuleLoader) read(filename string) ([]byte, error) {
	if l.archive != nil {
		data, ok := l.archive[filename]
		if !ok {
			return nil, fs.ErrNotExist
		}
		return data, nil
	}
	return os.ReadFile(filepath.Join(l.path, filename))
}

func (l *ModuleLoader) GetSource(ctx context.Context, name string) (Source, error) {
	if err := ctx.Err(); err != nil {
		return Source{}, err
	}
	filename := ModuleFilename(name)
	data, err := l.read(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Source{}, NewTemplateNotFound(name, []string{filename}, err)
		}
		return Source{}, err
	}
	prog, _, err := compiler.Decode(data)
	if err != nil {
		return Source{}, fmt.Errorf("module loader: %s: %w", filename, err)
	}
	if prog.Name != name {
		return Source{}, NewTemplateNotFound(name, []string{filename}, nil)
	}
	return Source{
		Text:    prog.Source,
		Origin:  filepath.Join(l.path, filename),
		Program: prog,
	}, nil
}

// ListTemplates decodes every artifact and returns the names they were
// compiled from.
func (l *ModuleLoader) ListTemplates(ctx context.Context) ([]string, error) {
	var filenames []string
	if l.archive != nil {
		for filename := range l.archive {
			filenames = append(filenames, filename)
		}
	} else {
		entries, err := os.ReadDir(l.path)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			filenames = append(filenames, entry.Name())
		}
	}

	found := make(map[string]struct{}, len(filenames))
	for _, filename := range filenames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(filename, "tmpl_") || !strings.HasSuffix(filename, ".ajc") {
			continue
		}
		data, err := l.read(filename)
		if err != nil {
			return nil, err
		}
		prog, _, err := compiler.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("module loader: %s: %w", filename, err)
		}
		found[prog.Name] = struct{}{}
	}
	return sortedKeys(found), nil
}
