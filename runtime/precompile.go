package runtime

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/natefinch/atomic"
	"github.com/zeebo/blake3"

	"github.com/deicod/asyncjinja/compiler"
)

// ZipMode selects the output format of CompileTemplates.
type ZipMode int

const (
	// ZipNone writes one file per template into a directory.
	ZipNone ZipMode = iota
	// ZipStored writes an uncompressed zip archive.
	ZipStored
	// ZipDeflated writes a deflate compressed zip archive.
	ZipDeflated
)

// ParseZipMode maps "", "stored" and "deflated" to a ZipMode.
func ParseZipMode(s string) (ZipMode, error) {
	switch s {
	case "", "none":
		return ZipNone, nil
	case "stored":
		return ZipStored, nil
	case "deflated":
		return ZipDeflated, nil
	}
	return ZipNone, &ConfigurationError{Option: "zip", Message: fmt.Sprintf("unknown zip mode %q", s)}
}

// CompileOptions configures CompileTemplates.
type CompileOptions struct {
	Extensions []string
	Filter     func(name string) bool
	Zip        ZipMode
	// IgnoreErrors skips templates that fail to compile instead of
	// aborting the run.
	IgnoreErrors bool
	// Log receives progress messages.
	Log func(string)
}

// zipEpoch is the timestamp of every archive entry, so reruns are
// byte-identical.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// ModuleFilename is the file name a compiled template is stored under.
func ModuleFilename(name string) string {
	sum := blake3.Sum256([]byte(name))
	return "tmpl_" + hex.EncodeToString(sum[:])[:40] + ".ajc"
}

func isCompileError(err error) bool {
	return IsSyntaxError(err) || errors.Is(err, compiler.ErrInvalidStructure)
}

// CompileTemplates compiles every template the loader lists and writes the
// artifacts into target, a directory or a zip file.
func (env *Environment) CompileTemplates(ctx context.Context, target string, opts CompileOptions) error {
	logf := opts.Log
	if logf == nil {
		logf = func(string) {}
	}

	names, err := env.ListTemplates(ctx, ListOptions{Extensions: opts.Extensions, Filter: opts.Filter})
	if err != nil {
		return err
	}
	loader := env.Loader()

	artifacts := make(map[string][]byte, len(names))
	if opts.Zip != ZipNone {
		logf(fmt.Sprintf("Compiling into Zip archive %q", target))
	} else {
		logf(fmt.Sprintf("Compiling into folder %q", target))
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", target, err)
		}
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		src, err := loader.GetSource(ctx, name)
		if err != nil {
			return err
		}
		prog, err := env.Compile(src.Text, name, src.Origin)
		if err != nil {
			if !opts.IgnoreErrors || !isCompileError(err) {
				return err
			}
			logf(fmt.Sprintf("Could not compile %q: %v", name, err))
			continue
		}
		data, err := compiler.Encode(prog, SourceChecksum(src.Text))
		if err != nil {
			return err
		}

		filename := ModuleFilename(name)
		if opts.Zip == ZipNone {
			if err := atomic.WriteFile(filepath.Join(target, filename), bytes.NewReader(data)); err != nil {
				return fmt.Errorf("write %s: %w", filename, err)
			}
		} else {
			artifacts[filename] = data
		}
		logf(fmt.Sprintf("Compiled %q as %s", name, filename))
	}

	if opts.Zip != ZipNone {
		archive, err := buildArchive(artifacts, opts.Zip)
		if err != nil {
			return err
		}
		if err := atomic.WriteFile(target, bytes.NewReader(archive)); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
	}
	logf("Finished compiling templates")
	return nil
}

func buildArchive(artifacts map[string][]byte, mode ZipMode) ([]byte, error) {
	method := zip.Store
	if mode == ZipDeflated {
		method = zip.Deflate
	}

	filenames := make([]string, 0, len(artifacts))
	for filename := range artifacts {
		filenames = append(filenames, filename)
	}
	sort.Strings(filenames)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, filename := range filenames {
		header := &zip.FileHeader{
			Name:     filename,
			Method:   method,
			Modified: zipEpoch,
		}
		header.SetMode(0o644)
		w, err := zw.CreateHeader(header)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(artifacts[filename]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
