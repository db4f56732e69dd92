// Package asyncjinja is a Jinja template engine whose template lookups
// (extends, include, import) are context-aware and may suspend.
//
// Most programs build a runtime.Environment directly. This package keeps
// the common entry points in one place:
//
//	env := asyncjinja.NewEnvironment(
//		runtime.WithLoader(runtime.NewFileSystemLoader("templates")),
//		runtime.WithBytecodeCache(runtime.NewMemoryBytecodeCache()),
//	)
//	tmpl, err := env.GetTemplate(ctx, "index.html", "", nil)
package asyncjinja

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/deicod/asyncjinja/nodes"
	"github.com/deicod/asyncjinja/runtime"
)

// Version of the asyncjinja module.
const Version = "0.1.0"

// Template is a compiled template bound to its environment.
type Template = runtime.Template

// Environment resolves, compiles and caches templates.
type Environment = runtime.Environment

// Option configures an Environment.
type Option = runtime.Option

// Loader resolves template names to sources.
type Loader = runtime.Loader

// BytecodeCache persists compiled templates.
type BytecodeCache = runtime.BytecodeCache

// Error is a render or compile error carrying a template position.
type Error = runtime.Error

// ErrorType classifies an Error.
type ErrorType = runtime.ErrorType

// Node is an AST node.
type Node = nodes.Node

// TemplateNode is the root of a parsed template.
type TemplateNode = nodes.Template

// NewEnvironment creates an environment with the given options.
func NewEnvironment(opts ...Option) *Environment {
	return runtime.NewEnvironment(opts...)
}

// NewAsyncEnvironment is NewEnvironment with async lookups and await
// enabled.
func NewAsyncEnvironment(opts ...Option) *Environment {
	return runtime.NewEnvironment(append([]Option{runtime.WithAsync(true)}, opts...)...)
}

// ParseString compiles source in a fresh environment.
func ParseString(ctx context.Context, source string) (*Template, error) {
	return runtime.NewEnvironment().FromString(ctx, source, nil)
}

// ParseFile compiles filename in an environment rooted at its directory,
// so the template can extend and include its siblings.
func ParseFile(ctx context.Context, filename string) (*Template, error) {
	if filename == "" {
		return nil, errors.New("asyncjinja: filename must not be empty")
	}
	absPath, err := filepath.Abs(filename)
	if err != nil {
		return nil, err
	}
	env := runtime.NewEnvironment(runtime.WithLoader(runtime.NewFileSystemLoader(filepath.Dir(absPath))))
	return env.GetTemplate(ctx, filepath.Base(absPath), "", nil)
}

// IsNotFound reports whether err means a template does not exist.
func IsNotFound(err error) bool {
	return runtime.IsNotFound(err)
}

// DumpAST returns a string representation of the AST for debugging.
func DumpAST(node Node) string {
	return nodes.Dump(node)
}

// Walk traverses the AST using the visitor pattern.
func Walk(visitor nodes.Visitor, node Node) {
	nodes.Walk(visitor, node)
}
