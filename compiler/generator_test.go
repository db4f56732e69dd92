package compiler

import (
	"errors"
	"strings"
	"testing"

	"github.com/deicod/asyncjinja/nodes"
	"github.com/deicod/asyncjinja/parser"
)

func parseTemplate(t *testing.T, name, source string) *nodes.Template {
	t.Helper()
	env := &parser.Environment{EnableAsync: true}
	tree, err := parser.ParseTemplateWithEnv(env, source, name, name)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", source, err)
	}
	return tree
}

func generate(t *testing.T, source string, async bool) (*Program, error) {
	t.Helper()
	return Generate(parseTemplate(t, "page.html", source), "page.html", Options{Async: async})
}

func TestGenerateWithoutLookupsHasNoRewrites(t *testing.T) {
	sources := []string{
		"Hello {{ name }}!",
		"{% for item in items %}{{ loop.index }}: {{ item|upper }}{% endfor %}",
		"{% macro greet(who) %}Hi {{ who }}{% endmacro %}{{ greet('x') }}",
		"{% block content %}{% if a %}A{% elif b %}B{% else %}C{% endif %}{% endblock %}",
		"{% set x = 1 + 2 * 3 %}{% with y = x %}{{ y }}{% endwith %}",
	}

	for _, async := range []bool{false, true} {
		for _, src := range sources {
			prog, err := generate(t, src, async)
			if err != nil {
				t.Fatalf("generate(%q) failed: %v", src, err)
			}
			for _, artifact := range []string{"rt.Await", "rt.GetTemplate", "rt.SelectTemplate", "rt.GetOrSelectTemplate", "rt.MakeModule"} {
				if strings.Contains(prog.Source, artifact) {
					t.Fatalf("listing for %q unexpectedly contains %s:\n%s", src, artifact, prog.Source)
				}
			}
		}
	}
}

func TestKnownDoubleExtendsFailsAtCompileTime(t *testing.T) {
	_, err := generate(t, `{% extends "a.html" %}{% extends "b.html" %}`, true)
	if err == nil {
		t.Fatal("expected compile error for double extends")
	}
	if !errors.Is(err, ErrInvalidStructure) {
		t.Fatalf("expected ErrInvalidStructure, got %v", err)
	}
	var structErr *StructureError
	if !errors.As(err, &structErr) || !strings.Contains(structErr.Message, "extended multiple times") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDynamicDoubleExtendsIsGuarded(t *testing.T) {
	cases := []string{
		`{% extends layout %}{% extends "b.html" %}`,
		`{% if x %}{% extends "a.html" %}{% endif %}{% extends "b.html" %}`,
	}

	for _, src := range cases {
		prog, err := generate(t, src, true)
		if err != nil {
			t.Fatalf("generate(%q) failed: %v", src, err)
		}

		var stmts []*ExtendsStmt
		collect(prog.Tree.Body, &stmts)
		if len(stmts) != 2 {
			t.Fatalf("expected 2 extends statements, got %d", len(stmts))
		}
		if stmts[0].Guarded {
			t.Fatalf("first extends in %q should not be guarded", src)
		}
		if !stmts[1].Guarded {
			t.Fatalf("second extends in %q should be guarded", src)
		}
		if !strings.Contains(prog.Source, `rt.Fail("extended multiple times")`) {
			t.Fatalf("listing lacks runtime guard:\n%s", prog.Source)
		}
	}
}

func collect(body []nodes.Node, into *[]*ExtendsStmt) {
	for _, n := range body {
		if stmt, ok := n.(*ExtendsStmt); ok {
			*into = append(*into, stmt)
		}
		if n != nil {
			collect(n.GetChildren(), into)
		}
	}
}

func TestExtendsOutsideTopLevel(t *testing.T) {
	invalid := []string{
		`{% for i in items %}{% extends "a.html" %}{% endfor %}`,
		`{% block body %}{% extends "a.html" %}{% endblock %}`,
		`{% macro m() %}{% extends "a.html" %}{% endmacro %}`,
		`{% with a = 1 %}{% extends "a.html" %}{% endwith %}`,
	}
	for _, src := range invalid {
		if _, err := generate(t, src, false); !errors.Is(err, ErrInvalidStructure) {
			t.Fatalf("expected structure error for %q, got %v", src, err)
		}
	}

	valid := []string{
		`{% if a %}{% extends "a.html" %}{% else %}{% extends "b.html" %}{% endif %}`,
		`{% autoescape true %}{% extends "a.html" %}{% endautoescape %}`,
	}
	for _, src := range valid {
		if _, err := generate(t, src, false); err != nil {
			t.Fatalf("generate(%q) failed: %v", src, err)
		}
	}
}

func TestLookupChoice(t *testing.T) {
	cases := []struct {
		source string
		want   LookupFunc
	}{
		{`{% include "a.html" %}`, ResolveOne},
		{`{% include "a" ~ ".html" %}`, ResolveOne},
		{`{% include ["a.html", "b.html"] %}`, ResolveFirst},
		{`{% include ("a.html", name) %}`, ResolveFirst},
		{`{% include name %}`, ResolveOneOrMany},
		{`{% extends "base.html" %}`, ResolveOne},
		{`{% extends layout %}`, ResolveOne},
		{`{% extends ["a.html", "b.html"] %}`, ResolveOne},
		{`{% import "m.html" as m %}`, ResolveOne},
		{`{% import name as m %}`, ResolveOne},
		{`{% from name import a %}`, ResolveOne},
	}

	for _, tc := range cases {
		prog, err := generate(t, tc.source, false)
		if err != nil {
			t.Fatalf("generate(%q) failed: %v", tc.source, err)
		}

		var got LookupFunc
		switch stmt := prog.Tree.Body[0].(type) {
		case *IncludeStmt:
			got = stmt.Lookup.Func
		case *ExtendsStmt:
			got = stmt.Lookup.Func
		case *ImportStmt:
			got = stmt.Lookup.Func
		case *FromImportStmt:
			got = stmt.Lookup.Func
		default:
			t.Fatalf("unexpected statement %T for %q", stmt, tc.source)
		}
		if got != tc.want {
			t.Fatalf("%q: expected %s, got %s", tc.source, tc.want, got)
		}
	}
}

func TestFromImportContextFlag(t *testing.T) {
	cases := []struct {
		source      string
		withContext bool
		names       int
	}{
		{`{% from "m.html" import a %}`, false, 1},
		{`{% from "m.html" import a with context %}`, true, 1},
		{`{% from "m.html" import a without context %}`, false, 1},
		{`{% from "m.html" import a as b, c with context %}`, true, 2},
		{`{% from "m.html" import a, c as d without context %}`, false, 2},
	}

	for _, tc := range cases {
		prog, err := generate(t, tc.source, true)
		if err != nil {
			t.Fatalf("generate(%q) failed: %v", tc.source, err)
		}
		stmt, ok := prog.Tree.Body[0].(*FromImportStmt)
		if !ok {
			t.Fatalf("expected FromImportStmt for %q, got %T", tc.source, prog.Tree.Body[0])
		}
		if stmt.WithContext != tc.withContext {
			t.Fatalf("%q: expected WithContext=%v", tc.source, tc.withContext)
		}
		if len(stmt.Names) != tc.names {
			t.Fatalf("%q: expected %d names, got %v", tc.source, tc.names, stmt.Names)
		}
	}
}

func TestLookupRecordsParentAndSuspension(t *testing.T) {
	prog, err := generate(t, `{% include "a.html" %}`, true)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	stmt := prog.Tree.Body[0].(*IncludeStmt)
	if stmt.Lookup.Parent != "page.html" {
		t.Fatalf("expected parent page.html, got %q", stmt.Lookup.Parent)
	}
	if !stmt.Lookup.Suspend {
		t.Fatal("expected lookup to suspend in async mode")
	}
	if !stmt.WithContext {
		t.Fatal("include should default to with context")
	}
}

func TestBlockDefinedTwice(t *testing.T) {
	_, err := generate(t, `{% block a %}{% endblock %}{% block a %}{% endblock %}`, false)
	if !errors.Is(err, ErrInvalidStructure) {
		t.Fatalf("expected structure error, got %v", err)
	}
}

func TestProgramBlocksIncludesNested(t *testing.T) {
	prog, err := generate(t, `{% block outer %}{% block inner %}x{% endblock %}{% endblock %}`, false)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	names := prog.BlockNames()
	if len(names) != 2 || names[0] != "inner" || names[1] != "outer" {
		t.Fatalf("unexpected block names %v", names)
	}
}
