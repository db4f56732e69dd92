package runtime

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/deicod/asyncjinja/compiler"
)

// Template is a compiled template bound to the environment that resolved
// it. It is safe for concurrent renders.
type Template struct {
	env      *Environment
	name     string
	program  *compiler.Program
	uptodate func(ctx context.Context) (bool, error)

	globalsMu sync.RWMutex
	globals   map[string]interface{}

	moduleMu sync.Mutex
	module   *Module
}

func newTemplate(env *Environment, name string, program *compiler.Program, uptodate func(context.Context) (bool, error), globals map[string]interface{}) *Template {
	t := &Template{
		env:      env,
		name:     name,
		program:  program,
		uptodate: uptodate,
		globals:  make(map[string]interface{}, len(globals)),
	}
	for k, v := range globals {
		t.globals[k] = v
	}
	return t
}

// Name returns the name the template was loaded under.
func (t *Template) Name() string { return t.name }

// Program returns the compiled program.
func (t *Template) Program() *compiler.Program { return t.program }

// Source returns the generated source text of the program.
func (t *Template) Source() string { return t.program.Source }

// Environment returns the environment the template belongs to.
func (t *Template) Environment() *Environment { return t.env }

// BlockNames returns the sorted names of the blocks the template defines.
func (t *Template) BlockNames() []string { return t.program.BlockNames() }

// Globals returns a copy of the template specific globals.
func (t *Template) Globals() map[string]interface{} {
	t.globalsMu.RLock()
	defer t.globalsMu.RUnlock()
	out := make(map[string]interface{}, len(t.globals))
	for k, v := range t.globals {
		out[k] = v
	}
	return out
}

func (t *Template) mergeGlobals(globals map[string]interface{}) {
	if len(globals) == 0 {
		return
	}
	t.globalsMu.Lock()
	for k, v := range globals {
		t.globals[k] = v
	}
	t.globalsMu.Unlock()
}

// IsUpToDate runs the freshness probe captured at load time. Templates
// without a probe never go stale.
func (t *Template) IsUpToDate(ctx context.Context) (bool, error) {
	if t.uptodate == nil {
		return true, nil
	}
	return t.uptodate(ctx)
}

// Render renders the template with vars and returns the output.
func (t *Template) Render(ctx context.Context, vars map[string]interface{}) (string, error) {
	var out strings.Builder
	if err := t.Execute(ctx, &out, vars); err != nil {
		return "", err
	}
	return out.String(), nil
}

// Execute renders the template into w.
func (t *Template) Execute(ctx context.Context, w io.Writer, vars map[string]interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return t.render(ctx, w, vars)
}

func (t *Template) render(goctx context.Context, w io.Writer, vars map[string]interface{}) error {
	c := newContext(goctx, t.env, t, vars, w)
	return newEvaluator(c).runRoot(t)
}

// MakeModule runs the template root with vars and returns its exports:
// top-level macros and assigned variables.
func (t *Template) MakeModule(ctx context.Context, vars map[string]interface{}) (*Module, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var body strings.Builder
	c := newContext(ctx, t.env, t, vars, &body)
	if err := newEvaluator(c).runRoot(t); err != nil {
		return nil, err
	}
	return &Module{name: t.name, vars: c.exported, body: body.String()}, nil
}

// defaultModule is the module used by imports without context. It is built
// once per template.
func (t *Template) defaultModule(ctx context.Context) (*Module, error) {
	t.moduleMu.Lock()
	mod := t.module
	t.moduleMu.Unlock()
	if mod != nil {
		return mod, nil
	}

	mod, err := t.MakeModule(ctx, nil)
	if err != nil {
		return nil, err
	}

	t.moduleMu.Lock()
	defer t.moduleMu.Unlock()
	if t.module == nil {
		t.module = mod
	}
	return t.module, nil
}

func (t *Template) String() string {
	return "<Template '" + t.name + "'>"
}
