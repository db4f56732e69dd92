package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/deicod/asyncjinja/parser"
)

var moduleTemplates = map[string]string{
	"part":   `{{ name }}`,
	"macros": `{% set answer = 42 %}{% set _hidden = 1 %}{% macro hello(name) %}Hello {{ name }}{% endmacro %}{% macro who() %}{{ user }}{% endmacro %}`,

	"include":        `[{% include "part" %}]`,
	"include-no-ctx": `[{% include "part" without context %}]`,
	"include-ignore": `[{% include "missing" ignore missing %}]`,
	"include-list":   `[{% include ["missing", "part"] %}]`,
	"include-loop":   `{% for name in ["a", "b"] %}{% include "part" %}{% endfor %}`,

	"import":          `{% import "macros" as m %}{{ m.hello("x") }}/{{ m.answer }}`,
	"from-import":     `{% from "macros" import hello as hi, answer %}{{ hi("y") }}/{{ answer }}`,
	"from-private":    `{% from "macros" import _hidden %}`,
	"import-ctx":      `{% import "macros" as m with context %}{{ m.who() }}`,
	"import-no-ctx":   `{% import "macros" as m %}[{{ m.who() }}]`,
	"from-missing":    `{% from "macros" import nothing %}[{{ nothing }}]`,
	"include-missing": `{% include "missing" %}`,
}

func TestInclude(t *testing.T) {
	env, _ := newMapEnv(t, moduleTemplates)
	vars := map[string]interface{}{"name": "N"}
	cases := map[string]string{
		"include":        "[N]",
		"include-no-ctx": "[]",
		"include-ignore": "[]",
		"include-list":   "[N]",
		"include-loop":   "ab",
	}
	for name, want := range cases {
		if got := renderName(t, env, name, vars); got != want {
			t.Errorf("%s: expected %q, got %q", name, want, got)
		}
	}
}

func TestIncludeMissingFails(t *testing.T) {
	env, _ := newMapEnv(t, moduleTemplates)
	tmpl, err := env.GetTemplate(context.Background(), "include-missing", "", nil)
	if err != nil {
		t.Fatalf("GetTemplate failed: %v", err)
	}
	if _, err := tmpl.Render(context.Background(), nil); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestImport(t *testing.T) {
	env, _ := newMapEnv(t, moduleTemplates)
	vars := map[string]interface{}{"user": "alice"}
	cases := map[string]string{
		"import":        "Hello x/42",
		"from-import":   "Hello y/42",
		"import-ctx":    "alice",
		"import-no-ctx": "[]",
		"from-missing":  "[]",
	}
	for name, want := range cases {
		if got := renderName(t, env, name, vars); got != want {
			t.Errorf("%s: expected %q, got %q", name, want, got)
		}
	}
}

func TestFromImportRejectsPrivateNames(t *testing.T) {
	env, _ := newMapEnv(t, moduleTemplates)
	_, err := env.GetTemplate(context.Background(), "from-private", "", nil)
	if err == nil {
		t.Fatal("expected compiling a private import to fail")
	}
	var assertErr *parser.TemplateAssertionError
	if !errors.As(err, &assertErr) {
		t.Fatalf("expected a template assertion error, got %T: %v", err, err)
	}
	if !IsSyntaxError(err) || !strings.Contains(err.Error(), "underline") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestFromImportContextModes(t *testing.T) {
	env, _ := newMapEnv(t, map[string]string{
		"macros":       moduleTemplates["macros"],
		"with-ctx":     `{% from "macros" import who with context %}[{{ who() }}]`,
		"without-ctx":  `{% from "macros" import who, hello as hi without context %}[{{ who() }}]{{ hi("z") }}`,
		"default-ctx":  `{% from "macros" import who %}[{{ who() }}]`,
		"trailing-ctx": `{% from "macros" import hello, who with context %}{{ hello(who()) }}`,
	})
	vars := map[string]interface{}{"user": "alice"}
	cases := map[string]string{
		"with-ctx":     "[alice]",
		"without-ctx":  "[]Hello z",
		"default-ctx":  "[]",
		"trailing-ctx": "Hello alice",
	}
	for name, want := range cases {
		if got := renderName(t, env, name, vars); got != want {
			t.Errorf("%s: expected %q, got %q", name, want, got)
		}
	}
}

func TestMakeModuleExports(t *testing.T) {
	env, _ := newMapEnv(t, moduleTemplates)
	ctx := context.Background()
	tmpl, err := env.GetTemplate(ctx, "macros", "", nil)
	if err != nil {
		t.Fatalf("GetTemplate failed: %v", err)
	}
	mod, err := tmpl.MakeModule(ctx, nil)
	if err != nil {
		t.Fatalf("MakeModule failed: %v", err)
	}

	exports := mod.Exports()
	want := []string{"answer", "hello", "who"}
	if strings.Join(exports, ",") != strings.Join(want, ",") {
		t.Fatalf("expected exports %v, got %v", want, exports)
	}
	hello, ok := mod.Get("hello")
	if !ok {
		t.Fatal("expected hello to be exported")
	}
	out, err := hello.(Callable).CallKwargs(nil, []interface{}{"go"}, nil)
	if err != nil {
		t.Fatalf("calling exported macro failed: %v", err)
	}
	if out != "Hello go" {
		t.Fatalf("unexpected macro output %q", out)
	}
}

func TestDefaultModuleIsShared(t *testing.T) {
	env, _ := newMapEnv(t, moduleTemplates)
	ctx := context.Background()
	tmpl, err := env.GetTemplate(ctx, "macros", "", nil)
	if err != nil {
		t.Fatalf("GetTemplate failed: %v", err)
	}
	first, err := tmpl.defaultModule(ctx)
	if err != nil {
		t.Fatalf("defaultModule failed: %v", err)
	}
	second, err := tmpl.defaultModule(ctx)
	if err != nil {
		t.Fatalf("defaultModule failed: %v", err)
	}
	if first != second {
		t.Fatal("expected the default module to be built once")
	}
}
