package asyncjinja

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "base.html"), []byte("<{% block body %}{% endblock %}>"), 0o644); err != nil {
		t.Fatalf("failed to write template: %v", err)
	}
	path := filepath.Join(dir, "greeting.html")
	if err := os.WriteFile(path, []byte(`{% extends "base.html" %}{% block body %}Hello {{ name }}!{% endblock %}`), 0o644); err != nil {
		t.Fatalf("failed to write template: %v", err)
	}

	tmpl, err := ParseFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ParseFile error: %v", err)
	}

	output, err := tmpl.Render(context.Background(), map[string]interface{}{"name": "Go"})
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}

	if output != "<Hello Go!>" {
		t.Fatalf("expected '<Hello Go!>', got %q", output)
	}

	if _, err := ParseFile(context.Background(), filepath.Join(dir, "missing.html")); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := ParseFile(context.Background(), ""); err == nil {
		t.Fatal("expected an error for an empty filename")
	}
}

func TestFloorDivisionOperator(t *testing.T) {
	tmpl, err := ParseString(context.Background(), "{{ 7 // 2 }}")
	if err != nil {
		t.Fatalf("ParseString error: %v", err)
	}

	output, err := tmpl.Render(context.Background(), nil)
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}

	if output != "3" {
		t.Fatalf("expected '3', got %q", output)
	}
}

func TestNewAsyncEnvironment(t *testing.T) {
	env := NewAsyncEnvironment()
	if !env.Async() {
		t.Fatal("expected an async environment")
	}
	tmpl, err := env.FromString(context.Background(), "{{ await value }}", nil)
	if err != nil {
		t.Fatalf("FromString error: %v", err)
	}
	output, err := tmpl.Render(context.Background(), map[string]interface{}{"value": 5})
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	if output != "5" {
		t.Fatalf("expected '5', got %q", output)
	}
}
