package runtime

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var precompileTemplates = map[string]string{
	"layout.html":      `<{% block body %}{% endblock %}>`,
	"pages/index.html": `{% extends "layout.html" %}{% block body %}{{ greeting }}{% endblock %}`,
	"notes.txt":        `plain {{ 1 + 1 }}`,
}

func TestParseZipMode(t *testing.T) {
	for input, want := range map[string]ZipMode{"": ZipNone, "none": ZipNone, "stored": ZipStored, "deflated": ZipDeflated} {
		got, err := ParseZipMode(input)
		if err != nil || got != want {
			t.Fatalf("ParseZipMode(%q) = %v, %v", input, got, err)
		}
	}
	var cfgErr *ConfigurationError
	if _, err := ParseZipMode("gzip"); !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestModuleFilename(t *testing.T) {
	name := ModuleFilename("pages/index.html")
	if !strings.HasPrefix(name, "tmpl_") || !strings.HasSuffix(name, ".ajc") || len(name) != len("tmpl_")+40+len(".ajc") {
		t.Fatalf("unexpected module filename %q", name)
	}
	if name == ModuleFilename("layout.html") {
		t.Fatal("expected distinct names to map to distinct files")
	}
}

func TestCompileTemplatesToDirectory(t *testing.T) {
	env, _ := newMapEnv(t, precompileTemplates)
	target := filepath.Join(t.TempDir(), "compiled")
	var logs []string
	err := env.CompileTemplates(context.Background(), target, CompileOptions{
		Extensions: []string{"html"},
		Log:        func(msg string) { logs = append(logs, msg) },
	})
	if err != nil {
		t.Fatalf("CompileTemplates failed: %v", err)
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two artifacts, got %d", len(entries))
	}
	if len(logs) != 4 || !strings.HasPrefix(logs[0], "Compiling into folder") || logs[3] != "Finished compiling templates" {
		t.Fatalf("unexpected log lines %q", logs)
	}

	loader, err := NewModuleLoader(target)
	if err != nil {
		t.Fatalf("NewModuleLoader failed: %v", err)
	}
	names, err := loader.ListTemplates(context.Background())
	if err != nil {
		t.Fatalf("ListTemplates failed: %v", err)
	}
	if got := strings.Join(names, ","); got != "layout.html,pages/index.html" {
		t.Fatalf("unexpected names %s", got)
	}

	precompiled := NewEnvironment(WithLoader(loader))
	out := renderName(t, precompiled, "pages/index.html", map[string]interface{}{"greeting": "hi"})
	if out != "<hi>" {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := precompiled.GetTemplate(context.Background(), "notes.txt", "", nil); !IsNotFound(err) {
		t.Fatalf("expected filtered template to be missing, got %v", err)
	}
}

func TestCompileTemplatesZipIsReproducible(t *testing.T) {
	for _, mode := range []ZipMode{ZipStored, ZipDeflated} {
		env, _ := newMapEnv(t, precompileTemplates)
		dir := t.TempDir()
		first, second := filepath.Join(dir, "a.zip"), filepath.Join(dir, "b.zip")
		for _, target := range []string{first, second} {
			if err := env.CompileTemplates(context.Background(), target, CompileOptions{Zip: mode}); err != nil {
				t.Fatalf("CompileTemplates(%s) failed: %v", target, err)
			}
		}

		a, err := os.ReadFile(first)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		b, err := os.ReadFile(second)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("mode %d: expected byte-identical archives", mode)
		}

		loader, err := NewModuleLoader(first)
		if err != nil {
			t.Fatalf("NewModuleLoader failed: %v", err)
		}
		precompiled := NewEnvironment(WithLoader(loader))
		if out := renderName(t, precompiled, "notes.txt", nil); out != "plain 2" {
			t.Fatalf("unexpected output %q", out)
		}
	}
}

func TestCompileTemplatesIgnoreErrors(t *testing.T) {
	templates := map[string]string{
		"good.html":   `ok`,
		"broken.html": `{% if %}`,
	}
	target := t.TempDir()

	env, _ := newMapEnv(t, templates)
	if err := env.CompileTemplates(context.Background(), target, CompileOptions{}); !IsSyntaxError(err) {
		t.Fatalf("expected the syntax error to abort the run, got %v", err)
	}

	var logs []string
	err := env.CompileTemplates(context.Background(), target, CompileOptions{
		IgnoreErrors: true,
		Log:          func(msg string) { logs = append(logs, msg) },
	})
	if err != nil {
		t.Fatalf("CompileTemplates failed: %v", err)
	}
	var skipped bool
	for _, msg := range logs {
		if strings.HasPrefix(msg, `Could not compile "broken.html"`) {
			skipped = true
		}
	}
	if !skipped {
		t.Fatalf("expected the broken template to be logged, got %q", logs)
	}
	if _, err := os.Stat(filepath.Join(target, ModuleFilename("good.html"))); err != nil {
		t.Fatalf("expected good template artifact: %v", err)
	}
}

func TestModuleLoaderRejectsAsyncMismatch(t *testing.T) {
	env, _ := newMapEnv(t, map[string]string{"page": "x"})
	target := t.TempDir()
	if err := env.CompileTemplates(context.Background(), target, CompileOptions{}); err != nil {
		t.Fatalf("CompileTemplates failed: %v", err)
	}
	loader, err := NewModuleLoader(target)
	if err != nil {
		t.Fatalf("NewModuleLoader failed: %v", err)
	}

	asyncEnv := NewEnvironment(WithLoader(loader), WithAsync(true))
	var cfgErr *ConfigurationError
	if _, err := asyncEnv.GetTemplate(context.Background(), "page", "", nil); !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestModuleLoaderMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	loader, err := NewModuleLoader(dir)
	if err != nil {
		t.Fatalf("NewModuleLoader failed: %v", err)
	}
	if _, err := loader.GetSource(context.Background(), "nope"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, ModuleFilename("bad")), []byte("junk"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loader.GetSource(context.Background(), "bad"); err == nil || IsNotFound(err) {
		t.Fatalf("expected a decode error, got %v", err)
	}

	if _, err := NewModuleLoader(filepath.Join(dir, "missing.zip")); err == nil {
		t.Fatal("expected missing path to fail")
	}
}

func TestModuleLoaderSkipsParsing(t *testing.T) {
	env, _ := newMapEnv(t, map[string]string{"page": "{{ 40 + 2 }}"})
	target := t.TempDir()
	if err := env.CompileTemplates(context.Background(), target, CompileOptions{}); err != nil {
		t.Fatalf("CompileTemplates failed: %v", err)
	}
	loader, err := NewModuleLoader(target)
	if err != nil {
		t.Fatalf("NewModuleLoader failed: %v", err)
	}
	src, err := loader.GetSource(context.Background(), "page")
	if err != nil {
		t.Fatalf("GetSource failed: %v", err)
	}
	if src.Program == nil || src.Program.Name != "page" {
		t.Fatalf("expected a precompiled program, got %#v", src)
	}
	if src.Text != src.Program.Source || src.Text == "" {
		t.Fatalf("expected the generated listing as text, got %q", src.Text)
	}
	if out := renderName(t, NewEnvironment(WithLoader(loader)), "page", nil); out != "42" {
		t.Fatalf("unexpected output %q", out)
	}
}
