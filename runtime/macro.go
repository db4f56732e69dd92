package runtime

import (
	"fmt"
	"strings"

	"github.com/deicod/asyncjinja/nodes"
)

// Callable is implemented by template-level callables that understand
// keyword arguments natively.
type Callable interface {
	CallKwargs(ctx *Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error)
}

// Macro is a macro definition bound to the context it was defined in.
type Macro struct {
	Name     string
	args     []*nodes.Name
	defaults []nodes.Expr
	varArg   *nodes.Name
	kwArg    *nodes.Name
	body     []nodes.Node
	position nodes.Position

	defining *Context
	caller   bool

	catchVarargs bool
	catchKwargs  bool
}

func newMacro(name string, args []*nodes.Name, defaults []nodes.Expr, varArg, kwArg *nodes.Name, body []nodes.Node, pos nodes.Position, defining *Context) *Macro {
	m := &Macro{
		Name:     name,
		args:     args,
		defaults: defaults,
		varArg:   varArg,
		kwArg:    kwArg,
		body:     body,
		position: pos,
		defining: defining,
	}
	m.catchVarargs = varArg != nil || referencesName(body, "varargs")
	m.catchKwargs = kwArg != nil || referencesName(body, "kwargs")
	m.caller = referencesName(body, "caller")
	return m
}

// referencesName reports whether a body loads name anywhere, nested macros
// included.
func referencesName(body []nodes.Node, name string) bool {
	for _, n := range body {
		if n == nil {
			continue
		}
		if ref, ok := n.(*nodes.Name); ok && ref.Name == name && ref.Ctx == nodes.CtxLoad {
			return true
		}
		if referencesName(n.GetChildren(), name) {
			return true
		}
	}
	return false
}

// ArgumentNames returns the declared positional parameter names.
func (m *Macro) ArgumentNames() []string {
	names := make([]string, len(m.args))
	for i, arg := range m.args {
		names[i] = arg.Name
	}
	return names
}

// CallKwargs runs the macro body with bound arguments and returns its
// output.
func (m *Macro) CallKwargs(ctx *Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	var out strings.Builder
	scope := m.defining.scope.NewChildScope()
	callCtx := m.defining.derive(scope, &out)
	if ctx != nil {
		callCtx.goctx = ctx.goctx
	}

	if err := m.bind(callCtx, args, kwargs); err != nil {
		return nil, err
	}

	ev := newEvaluator(callCtx)
	if err := ev.execBody(m.body); err != nil {
		if err == errLoopBreak || err == errLoopContinue {
			return nil, NewMacroError(m.Name, "loop control outside of a loop", m.position, nil)
		}
		return nil, err
	}

	if callCtx.autoescape {
		return Markup(out.String()), nil
	}
	return out.String(), nil
}

func (m *Macro) bind(ctx *Context, args []interface{}, kwargs map[string]interface{}) error {
	rest := make(map[string]interface{}, len(kwargs))
	for k, v := range kwargs {
		rest[k] = v
	}

	if caller, ok := rest["caller"]; ok {
		ctx.scope.Set("caller", caller)
		delete(rest, "caller")
	} else if m.caller {
		ctx.scope.Set("caller", ctx.undefined("caller"))
	}

	firstDefault := len(m.args) - len(m.defaults)
	for i, param := range m.args {
		if i < len(args) {
			if _, dup := rest[param.Name]; dup {
				return NewMacroError(m.Name, fmt.Sprintf("macro '%s' got multiple values for argument '%s'", m.Name, param.Name), m.position, nil)
			}
			ctx.scope.Set(param.Name, args[i])
			continue
		}
		if value, ok := rest[param.Name]; ok {
			ctx.scope.Set(param.Name, value)
			delete(rest, param.Name)
			continue
		}
		if i >= firstDefault {
			value, err := newEvaluator(ctx).eval(m.defaults[i-firstDefault])
			if err != nil {
				return err
			}
			ctx.scope.Set(param.Name, value)
			continue
		}
		ctx.scope.Set(param.Name, ctx.undefined(param.Name))
	}

	var extra []interface{}
	if len(args) > len(m.args) {
		extra = append(extra, args[len(m.args):]...)
	}
	if len(extra) > 0 && !m.catchVarargs {
		return NewMacroError(m.Name, fmt.Sprintf("macro '%s' takes not more than %d argument(s)", m.Name, len(m.args)), m.position, nil)
	}
	if m.catchVarargs {
		if extra == nil {
			extra = []interface{}{}
		}
		ctx.scope.Set("varargs", extra)
		if m.varArg != nil {
			ctx.scope.Set(m.varArg.Name, extra)
		}
	}

	if len(rest) > 0 && !m.catchKwargs {
		return NewMacroError(m.Name, fmt.Sprintf("macro '%s' takes no keyword argument '%s'", m.Name, sortedNames(rest)[0]), m.position, nil)
	}
	if m.catchKwargs {
		ctx.scope.Set("kwargs", rest)
		if m.kwArg != nil {
			ctx.scope.Set(m.kwArg.Name, rest)
		}
	}
	return nil
}

func (m *Macro) String() string {
	return fmt.Sprintf("<Macro '%s'>", m.Name)
}

// Module is the result of importing a template: its exported top-level
// names and its rendered body.
type Module struct {
	name string
	vars map[string]interface{}
	body string
}

// Name returns the template name the module was created from.
func (m *Module) Name() string { return m.name }

func (m *Module) GetAttr(name string) (interface{}, bool) {
	value, ok := m.vars[name]
	return value, ok
}

// Get returns an exported name.
func (m *Module) Get(name string) (interface{}, bool) {
	return m.GetAttr(name)
}

// Exports returns the sorted exported names.
func (m *Module) Exports() []string {
	return sortedNames(m.vars)
}

func (m *Module) String() string { return m.body }

// selfRef is the "self" variable: attribute access renders a block.
type selfRef struct {
	ctx *Context
}

func (s *selfRef) GetAttr(name string) (interface{}, bool) {
	if _, ok := s.ctx.state.blocks[name]; !ok {
		return nil, false
	}
	return blockCaller{ctx: s.ctx, name: name, depth: 0}, true
}

// blockCaller renders the block at depth in the block stack for name. It
// backs both self.<name>() and super().
type blockCaller struct {
	ctx   *Context
	name  string
	depth int
}

func (b blockCaller) CallKwargs(ctx *Context, _ []interface{}, _ map[string]interface{}) (interface{}, error) {
	var out strings.Builder
	render := b.ctx.derive(b.ctx.scope, &out)
	if ctx != nil {
		render.goctx = ctx.goctx
	}
	if err := newEvaluator(render).renderBlock(b.name, b.depth); err != nil {
		return nil, err
	}
	if render.autoescape {
		return Markup(out.String()), nil
	}
	return out.String(), nil
}
