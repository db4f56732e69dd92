package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"strings"

	"github.com/deicod/asyncjinja/compiler"
	"github.com/deicod/asyncjinja/nodes"
)

var (
	errLoopBreak    = errors.New("'break' outside of a loop")
	errLoopContinue = errors.New("'continue' outside of a loop")

	spacelessBetweenTags = regexp.MustCompile(`>\s+<`)
)

// Evaluator executes a compiled template tree against a Context.
type Evaluator struct {
	ctx *Context

	// inRoot is set while statements run as part of a template root, outside
	// of loops, macros and blocks.
	inRoot bool
	// parent is the template resolved by an extends statement of the root
	// being executed.
	parent  *Template
	rootOut io.Writer
}

func newEvaluator(ctx *Context) *Evaluator {
	return &Evaluator{ctx: ctx}
}

// runRoot executes the root of tmpl and then, when it extended another
// template, the root of that parent with the same context.
func (e *Evaluator) runRoot(tmpl *Template) error {
	ctx := e.ctx
	ctx.state.register(tmpl)
	ctx.root.Set("self", &selfRef{ctx: ctx})

	e.inRoot = true
	e.rootOut = ctx.out
	err := e.execBody(tmpl.program.Tree.Body)
	ctx.out = e.rootOut
	e.inRoot = false
	if err != nil {
		return e.loopControlError(err, tmpl.program.Tree)
	}
	if e.parent == nil {
		return nil
	}

	parent := e.parent
	parentCtx := ctx.derive(ctx.root, ctx.out)
	parentCtx.tmpl = parent
	if ctx.env != nil {
		parentCtx.autoescape = ctx.env.shouldAutoescape(parent.name)
	}
	return newEvaluator(parentCtx).runRoot(parent)
}

func (e *Evaluator) loopControlError(err error, node nodes.Node) error {
	if err == errLoopBreak || err == errLoopContinue {
		return e.wrap(NewError(ErrorTypeTemplate, err.Error(), nodes.Position{}, node), node)
	}
	return err
}

// wrap attaches position and template name to err.
func (e *Evaluator) wrap(err error, node nodes.Node) error {
	if err == nil || err == errLoopBreak || err == errLoopContinue {
		return err
	}
	var pos nodes.Position
	if node != nil {
		pos = node.GetPosition()
	}
	err = WrapError(err, pos, node)
	var rtErr *Error
	if errors.As(err, &rtErr) && rtErr.Template == "" {
		rtErr.Template = e.ctx.TemplateName()
	}
	return err
}

func (e *Evaluator) write(s string) error {
	_, err := io.WriteString(e.ctx.out, s)
	return err
}

// writeValue prints a value, escaping it when autoescape is active.
func (e *Evaluator) writeValue(value interface{}) error {
	if m, ok := value.(Markup); ok {
		return e.write(string(m))
	}
	s, err := stringify(value)
	if err != nil {
		return err
	}
	if e.ctx.autoescape {
		s = string(escapeString(s))
	}
	return e.write(s)
}

func (e *Evaluator) execBody(body []nodes.Node) error {
	for _, node := range body {
		if err := e.exec(node); err != nil {
			return err
		}
	}
	return nil
}

// withScope runs fn with a fresh child scope and outside of the root.
func (e *Evaluator) withScope(scope *Scope, fn func() error) error {
	prevScope, prevRoot := e.ctx.scope, e.inRoot
	e.ctx.scope = scope
	e.inRoot = false
	defer func() {
		e.ctx.scope = prevScope
		e.inRoot = prevRoot
	}()
	return fn()
}

// capture runs fn with output redirected into a buffer.
func (e *Evaluator) capture(fn func() error) (string, error) {
	var b strings.Builder
	prevOut, prevRoot := e.ctx.out, e.inRoot
	e.ctx.out = &b
	e.inRoot = false
	defer func() {
		e.ctx.out = prevOut
		e.inRoot = prevRoot
	}()
	if err := fn(); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (e *Evaluator) exec(node nodes.Node) error {
	switch n := node.(type) {
	case nil:
		return nil
	case *nodes.Output:
		for _, expr := range n.Nodes {
			if data, ok := expr.(*nodes.TemplateData); ok {
				if err := e.write(data.Data); err != nil {
					return err
				}
				continue
			}
			value, err := e.eval(expr)
			if err != nil {
				return e.wrap(err, expr)
			}
			if err := e.writeValue(value); err != nil {
				return e.wrap(err, expr)
			}
		}
		return nil
	case *nodes.If:
		return e.execIf(n)
	case *nodes.For:
		return e.execFor(n)
	case *nodes.Block:
		if e.inRoot && e.parent != nil {
			return nil
		}
		return e.wrap(e.renderBlock(n.Name, 0), n)
	case *compiler.ExtendsStmt:
		return e.wrap(e.execExtends(n), n)
	case *compiler.IncludeStmt:
		return e.wrap(e.execInclude(n), n)
	case *compiler.ImportStmt:
		return e.wrap(e.execImport(n), n)
	case *compiler.FromImportStmt:
		return e.wrap(e.execFromImport(n), n)
	case *nodes.Extends, *nodes.Include, *nodes.Import, *nodes.FromImport:
		return e.wrap(NewError(ErrorTypeTemplate, fmt.Sprintf("%s statement was not compiled", node.Type()), node.GetPosition(), node), node)
	case *nodes.Macro:
		m := newMacro(n.Name, n.Args, n.Defaults, n.VarArg, n.KwArg, n.Body, n.GetPosition(), e.snapshot())
		e.assignName(n.Name, m)
		return nil
	case *nodes.CallBlock:
		return e.wrap(e.execCallBlock(n), n)
	case *nodes.FilterBlock:
		return e.wrap(e.execFilterBlock(n), n)
	case *nodes.Spaceless:
		body, err := e.capture(func() error { return e.execBody(n.Body) })
		if err != nil {
			return err
		}
		return e.write(strings.TrimSpace(spacelessBetweenTags.ReplaceAllString(body, "><")))
	case *nodes.With:
		return e.execWith(n)
	case *nodes.Assign:
		value, err := e.eval(n.Node)
		if err != nil {
			return e.wrap(err, n)
		}
		return e.wrap(e.assign(n.Target, value), n)
	case *nodes.AssignBlock:
		return e.wrap(e.execAssignBlock(n), n)
	case *nodes.Do:
		_, err := e.eval(n.Expr)
		return e.wrap(err, n)
	case *nodes.ExprStmt:
		_, err := e.eval(n.Node)
		return e.wrap(err, n)
	case *nodes.Continue:
		return errLoopContinue
	case *nodes.Break:
		return errLoopBreak
	case *nodes.Scope:
		prevScope := e.ctx.scope
		e.ctx.scope = prevScope.NewChildScope()
		defer func() { e.ctx.scope = prevScope }()
		return e.execBody(n.Body)
	case *nodes.ScopedEvalContextModifier:
		prev := e.ctx.autoescape
		defer func() { e.ctx.autoescape = prev }()
		if err := e.applyModifier(n.Options); err != nil {
			return e.wrap(err, n)
		}
		return e.execBody(n.Body)
	case *nodes.EvalContextModifier:
		return e.wrap(e.applyModifier(n.Options), n)
	}

	if expr, ok := node.(nodes.Expr); ok {
		_, err := e.eval(expr)
		return e.wrap(err, node)
	}
	return e.wrap(NewError(ErrorTypeTemplate, fmt.Sprintf("unsupported statement %s", node.Type()), node.GetPosition(), node), node)
}

// snapshot returns a context bound to the current scope, used by macros so
// that later scope switches of the evaluator do not leak into them.
func (e *Evaluator) snapshot() *Context {
	return e.ctx.derive(e.ctx.scope, e.ctx.out)
}

func (e *Evaluator) applyModifier(options []*nodes.Keyword) error {
	for _, opt := range options {
		value, err := e.eval(opt.Value)
		if err != nil {
			return err
		}
		if opt.Key == "autoescape" {
			e.ctx.autoescape = isTruthy(value)
		}
	}
	return nil
}

func (e *Evaluator) execIf(n *nodes.If) error {
	test, err := e.eval(n.Test)
	if err != nil {
		return e.wrap(err, n)
	}
	if isTruthy(test) {
		return e.execBody(n.Body)
	}
	for _, elif := range n.Elif {
		test, err := e.eval(elif.Test)
		if err != nil {
			return e.wrap(err, elif)
		}
		if isTruthy(test) {
			return e.execBody(elif.Body)
		}
	}
	return e.execBody(n.Else)
}

func (e *Evaluator) execFor(n *nodes.For) error {
	iterable, err := e.eval(n.Iter)
	if err != nil {
		return e.wrap(err, n)
	}
	return e.wrap(e.loop(n, iterable, 0), n)
}

func (e *Evaluator) loop(n *nodes.For, iterable interface{}, depth int) error {
	items, err := toSlice(iterable)
	if err != nil {
		return err
	}

	scope := e.ctx.scope.NewChildScope()
	return e.withScope(scope, func() error {
		if n.Test != nil {
			filtered := items[:0:0]
			for _, item := range items {
				if err := e.assign(n.Target, item); err != nil {
					return err
				}
				ok, err := e.eval(n.Test)
				if err != nil {
					return err
				}
				if isTruthy(ok) {
					filtered = append(filtered, item)
				}
			}
			items = filtered
		}

		if len(items) == 0 {
			return e.execBody(n.Else)
		}

		lc := &LoopContext{length: len(items), depth0: depth, items: items}
		if n.Recursive {
			lc.recurse = func(next interface{}) (interface{}, error) {
				out, err := e.capture(func() error { return e.loop(n, next, depth+1) })
				if err != nil {
					return nil, err
				}
				if e.ctx.autoescape {
					return Markup(out), nil
				}
				return out, nil
			}
		}

		for i, item := range items {
			lc.index0 = i
			scope.Set("loop", lc)
			if err := e.assign(n.Target, item); err != nil {
				return err
			}
			err := e.execBody(n.Body)
			if err == errLoopBreak {
				break
			}
			if err != nil && err != errLoopContinue {
				return err
			}
		}
		return nil
	})
}

func (e *Evaluator) execWith(n *nodes.With) error {
	values := make([]interface{}, len(n.Values))
	for i, expr := range n.Values {
		value, err := e.eval(expr)
		if err != nil {
			return e.wrap(err, n)
		}
		values[i] = value
	}
	return e.withScope(e.ctx.scope.NewChildScope(), func() error {
		for i, target := range n.Targets {
			if i < len(values) {
				if err := e.assign(target, values[i]); err != nil {
					return e.wrap(err, n)
				}
			}
		}
		return e.execBody(n.Body)
	})
}

func (e *Evaluator) execCallBlock(n *nodes.CallBlock) error {
	caller := newMacro("caller", n.Args, n.Defaults, n.VarArg, n.KwArg, n.Body, n.GetPosition(), e.snapshot())
	result, err := e.call(n.Call, map[string]interface{}{"caller": caller})
	if err != nil {
		return err
	}
	return e.writeValue(result)
}

func (e *Evaluator) execFilterBlock(n *nodes.FilterBlock) error {
	body, err := e.capture(func() error { return e.execBody(n.Body) })
	if err != nil {
		return err
	}
	var value interface{} = body
	if e.ctx.autoescape {
		value = Markup(body)
	}
	result, err := e.applyFilterChain(n.Filter, value)
	if err != nil {
		return err
	}
	return e.writeValue(result)
}

func (e *Evaluator) execAssignBlock(n *nodes.AssignBlock) error {
	body, err := e.capture(func() error { return e.execBody(n.Body) })
	if err != nil {
		return err
	}
	var value interface{} = body
	if e.ctx.autoescape {
		value = Markup(body)
	}
	if n.Filter != nil {
		if value, err = e.applyFilterChain(n.Filter, value); err != nil {
			return err
		}
	}
	return e.assign(n.Target, value)
}

// assignName binds a name in the current scope and exports it when the
// statement is part of a template root.
func (e *Evaluator) assignName(name string, value interface{}) {
	e.ctx.scope.Set(name, value)
	if e.inRoot && !strings.HasPrefix(name, "_") {
		e.ctx.exported[name] = value
	}
}

func (e *Evaluator) assign(target nodes.Expr, value interface{}) error {
	switch t := target.(type) {
	case *nodes.Name:
		e.assignName(t.Name, value)
		return nil
	case *nodes.Tuple:
		items, err := toSlice(value)
		if err != nil {
			return err
		}
		if len(items) != len(t.Items) {
			return NewAssignmentError("tuple", fmt.Sprintf("cannot unpack %d values into %d targets", len(items), len(t.Items)), t.GetPosition(), t)
		}
		for i, item := range t.Items {
			if err := e.assign(item, items[i]); err != nil {
				return err
			}
		}
		return nil
	case *nodes.List:
		return e.assign(&nodes.Tuple{Items: t.Items}, value)
	case *nodes.NSRef:
		obj, ok := e.ctx.scope.Get(t.Name)
		ns, isNS := obj.(*Namespace)
		if !ok || !isNS {
			return NewAssignmentError(t.Name, fmt.Sprintf("cannot assign attribute on non-namespace object '%s'", t.Name), t.GetPosition(), t)
		}
		ns.Set(t.Attr, value)
		return nil
	}
	return NewAssignmentError(fmt.Sprintf("%T", target), "can't assign to this expression", target.GetPosition(), target)
}

// renderBlock renders the block at depth of the block stack for name.
func (e *Evaluator) renderBlock(name string, depth int) error {
	stack := e.ctx.state.blocks[name]
	if depth >= len(stack) {
		if depth == 0 {
			return NewError(ErrorTypeInheritance, fmt.Sprintf("block '%s' is not defined", name), nodes.Position{}, nil)
		}
		return NewError(ErrorTypeInheritance, fmt.Sprintf("there is no parent block called '%s'", name), nodes.Position{}, nil)
	}
	entry := stack[depth]
	if entry.block.Required {
		return NewError(ErrorTypeInheritance, fmt.Sprintf("required block '%s' not found", name), entry.block.GetPosition(), entry.block)
	}

	base := e.ctx.root
	if entry.block.Scoped {
		base = e.ctx.scope
	}
	scope := base.NewChildScope()
	blockCtx := e.ctx.derive(scope, e.ctx.out)
	blockCtx.tmpl = entry.tmpl
	scope.Set("super", blockCaller{ctx: e.ctx, name: name, depth: depth + 1})

	ev := newEvaluator(blockCtx)
	if err := ev.execBody(entry.block.Body); err != nil {
		return e.loopControlError(err, entry.block)
	}
	return nil
}

func (e *Evaluator) resolve(l compiler.Lookup) (*Template, error) {
	target, err := e.eval(l.Target)
	if err != nil {
		return nil, err
	}
	env := e.ctx.env
	if env == nil {
		return nil, NewError(ErrorTypeTemplate, "no environment to resolve templates", nodes.Position{}, nil)
	}

	goctx := e.ctx.goctx
	if !l.Suspend {
		goctx = context.WithoutCancel(goctx)
	}

	switch l.Func {
	case compiler.ResolveOne:
		return env.GetTemplate(goctx, target, l.Parent, nil)
	case compiler.ResolveFirst:
		names, err := toSlice(target)
		if err != nil {
			return nil, err
		}
		return env.SelectTemplate(goctx, names, l.Parent, nil)
	default:
		return env.GetOrSelectTemplate(goctx, target, l.Parent, nil)
	}
}

func (e *Evaluator) execExtends(n *compiler.ExtendsStmt) error {
	if n.Guarded && e.parent != nil {
		return NewError(ErrorTypeInheritance, "extended multiple times", n.GetPosition(), n)
	}
	parent, err := e.resolve(n.Lookup)
	if err != nil {
		return err
	}
	e.parent = parent
	if e.inRoot {
		e.ctx.out = io.Discard
	}
	return nil
}

func (e *Evaluator) execInclude(n *compiler.IncludeStmt) error {
	tmpl, err := e.resolve(n.Lookup)
	if err != nil {
		if n.IgnoreMissing && IsNotFound(err) {
			return nil
		}
		return err
	}
	var vars map[string]interface{}
	if n.WithContext {
		vars = e.ctx.scope.All()
	}
	return tmpl.render(e.ctx.goctx, e.ctx.out, vars)
}

func (e *Evaluator) module(tmpl *Template, withContext bool) (*Module, error) {
	if withContext {
		return tmpl.MakeModule(e.ctx.goctx, e.ctx.scope.All())
	}
	return tmpl.defaultModule(e.ctx.goctx)
}

func (e *Evaluator) execImport(n *compiler.ImportStmt) error {
	tmpl, err := e.resolve(n.Lookup)
	if err != nil {
		return err
	}
	mod, err := e.module(tmpl, n.WithContext)
	if err != nil {
		return err
	}
	e.ctx.scope.Set(n.Target, mod)
	return nil
}

func (e *Evaluator) execFromImport(n *compiler.FromImportStmt) error {
	tmpl, err := e.resolve(n.Lookup)
	if err != nil {
		return err
	}
	mod, err := e.module(tmpl, n.WithContext)
	if err != nil {
		return err
	}
	for _, name := range n.Names {
		if strings.HasPrefix(name.Name, "_") {
			return NewImportError(tmpl.name, fmt.Sprintf("names starting with an underline can not be imported: '%s'", name.Name), n.GetPosition(), n)
		}
		alias := name.Alias
		if alias == "" {
			alias = name.Name
		}
		value, ok := mod.GetAttr(name.Name)
		if !ok {
			value = e.ctx.undefined(name.Name)
		}
		e.ctx.scope.Set(alias, value)
	}
	return nil
}

// eval evaluates an expression.
func (e *Evaluator) eval(node nodes.Node) (interface{}, error) {
	switch n := node.(type) {
	case nil:
		return nil, nil
	case *nodes.Const:
		return n.Value, nil
	case *nodes.TemplateData:
		return n.Data, nil
	case *nodes.Name:
		if value, ok := e.ctx.scope.Get(n.Name); ok {
			return value, nil
		}
		return e.ctx.undefined(n.Name), nil
	case *nodes.InternalName:
		if value, ok := e.ctx.scope.Get(n.Name); ok {
			return value, nil
		}
		return e.ctx.undefined(n.Name), nil
	case *nodes.NSRef:
		obj, _ := e.ctx.scope.Get(n.Name)
		return e.ctx.getAttr(obj, n.Attr)
	case *nodes.List:
		return e.evalList(n.Items)
	case *nodes.Tuple:
		return e.evalList(n.Items)
	case *nodes.Dict:
		result := make(map[string]interface{}, len(n.Items))
		for _, pair := range n.Items {
			key, err := e.eval(pair.Key)
			if err != nil {
				return nil, err
			}
			value, err := e.eval(pair.Value)
			if err != nil {
				return nil, err
			}
			result[toString(key)] = value
		}
		return result, nil
	case *nodes.And:
		left, err := e.eval(n.Left)
		if err != nil || !isTruthy(left) {
			return left, err
		}
		return e.eval(n.Right)
	case *nodes.Or:
		left, err := e.eval(n.Left)
		if err != nil || isTruthy(left) {
			return left, err
		}
		return e.eval(n.Right)
	case *nodes.Add:
		return e.evalBinary(&n.BinExpr)
	case *nodes.Sub:
		return e.evalBinary(&n.BinExpr)
	case *nodes.Mul:
		return e.evalBinary(&n.BinExpr)
	case *nodes.Div:
		return e.evalBinary(&n.BinExpr)
	case *nodes.FloorDiv:
		return e.evalBinary(&n.BinExpr)
	case *nodes.Mod:
		return e.evalBinary(&n.BinExpr)
	case *nodes.Pow:
		return e.evalBinary(&n.BinExpr)
	case *nodes.BinExpr:
		return e.evalBinary(n)
	case *nodes.Not:
		value, err := e.eval(n.Node)
		if err != nil {
			return nil, err
		}
		return !isTruthy(value), nil
	case *nodes.Neg:
		value, err := e.eval(n.Node)
		if err != nil {
			return nil, err
		}
		return negate(value)
	case *nodes.Pos:
		return e.eval(n.Node)
	case *nodes.UnaryExpr:
		value, err := e.eval(n.Node)
		if err != nil {
			return nil, err
		}
		switch n.Operator {
		case "not":
			return !isTruthy(value), nil
		case "-":
			return negate(value)
		}
		return value, nil
	case *nodes.Concat:
		var b strings.Builder
		safe := true
		for _, part := range n.Nodes {
			value, err := e.eval(part)
			if err != nil {
				return nil, err
			}
			s, err := stringify(value)
			if err != nil {
				return nil, err
			}
			if _, ok := value.(Markup); !ok {
				if e.ctx.autoescape {
					s = string(escapeString(s))
				} else {
					safe = false
				}
			}
			b.WriteString(s)
		}
		if safe && e.ctx.autoescape {
			return Markup(b.String()), nil
		}
		return b.String(), nil
	case *nodes.CondExpr:
		test, err := e.eval(n.Test)
		if err != nil {
			return nil, err
		}
		if isTruthy(test) {
			return e.eval(n.Expr1)
		}
		if n.Expr2 == nil {
			return e.ctx.undefined("conditional expression"), nil
		}
		return e.eval(n.Expr2)
	case *nodes.Compare:
		return e.evalCompare(n)
	case *nodes.Getattr:
		obj, err := e.eval(n.Node)
		if err != nil {
			return nil, err
		}
		return e.ctx.getAttr(obj, n.Attr)
	case *nodes.Getitem:
		obj, err := e.eval(n.Node)
		if err != nil {
			return nil, err
		}
		key, err := e.eval(n.Arg)
		if err != nil {
			return nil, err
		}
		return e.ctx.getItem(obj, key)
	case *nodes.Slice:
		start, err := e.eval(n.Start)
		if err != nil {
			return nil, err
		}
		stop, err := e.eval(n.Stop)
		if err != nil {
			return nil, err
		}
		step, err := e.eval(n.Step)
		if err != nil {
			return nil, err
		}
		return &sliceSpec{start: start, stop: stop, step: step}, nil
	case *nodes.Call:
		return e.call(n, nil)
	case *nodes.Filter:
		var base interface{}
		if n.Node != nil {
			value, err := e.eval(n.Node)
			if err != nil {
				return nil, err
			}
			base = value
		}
		return e.applyFilter(n, base)
	case *nodes.Test:
		return e.applyTest(n)
	case *nodes.Await:
		value, err := e.eval(n.Node)
		if err != nil {
			return nil, err
		}
		return await(e.ctx.goctx, value)
	}
	return nil, NewError(ErrorTypeTemplate, fmt.Sprintf("unsupported expression %s", node.Type()), node.GetPosition(), node)
}

func (e *Evaluator) evalList(items []nodes.Expr) ([]interface{}, error) {
	result := make([]interface{}, len(items))
	for i, item := range items {
		value, err := e.eval(item)
		if err != nil {
			return nil, err
		}
		result[i] = value
	}
	return result, nil
}

func (e *Evaluator) evalBinary(n *nodes.BinExpr) (interface{}, error) {
	left, err := e.eval(n.Left)
	if err != nil {
		return nil, err
	}
	right, err := e.eval(n.Right)
	if err != nil {
		return nil, err
	}
	switch n.Operator {
	case "and":
		if !isTruthy(left) {
			return left, nil
		}
		return right, nil
	case "or":
		if isTruthy(left) {
			return left, nil
		}
		return right, nil
	}
	for _, operand := range []interface{}{left, right} {
		if s, ok := operand.(StrictUndefined); ok {
			return nil, NewUndefinedError(s.name, n.GetPosition(), n)
		}
	}
	return binaryArithmetic(n.Operator, left, right)
}

func (e *Evaluator) evalCompare(n *nodes.Compare) (interface{}, error) {
	left, err := e.eval(n.Expr)
	if err != nil {
		return nil, err
	}
	for _, op := range n.Ops {
		right, err := e.eval(op.Expr)
		if err != nil {
			return nil, err
		}
		ok, err := compareOp(op.Op, left, right)
		if err != nil {
			return nil, NewError(ErrorTypeTemplate, err.Error(), op.GetPosition(), op)
		}
		if !ok {
			return false, nil
		}
		left = right
	}
	return true, nil
}

func compareOp(op string, left, right interface{}) (bool, error) {
	switch op {
	case "==", "eq":
		return valuesEqual(left, right), nil
	case "!=", "ne":
		return !valuesEqual(left, right), nil
	case "in":
		return contains(right, left)
	case "notin":
		found, err := contains(right, left)
		return !found, err
	}
	cmp, err := compareOrdered(left, right)
	if err != nil {
		return false, err
	}
	switch op {
	case "<", "lt":
		return cmp < 0, nil
	case "<=", "lteq":
		return cmp <= 0, nil
	case ">", "gt":
		return cmp > 0, nil
	case ">=", "gteq":
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("unknown comparison operator %q", op)
}

// callArgs evaluates the arguments of a call, filter or test.
func (e *Evaluator) callArgs(args []nodes.Expr, dynArgs, dynKwargs nodes.Expr) ([]interface{}, map[string]interface{}, error) {
	values, err := e.evalList(args)
	if err != nil {
		return nil, nil, err
	}
	kwargs := make(map[string]interface{})
	if dynArgs != nil {
		extra, err := e.eval(dynArgs)
		if err != nil {
			return nil, nil, err
		}
		items, err := toSlice(extra)
		if err != nil {
			return nil, nil, err
		}
		values = append(values, items...)
	}
	if dynKwargs != nil {
		extra, err := e.eval(dynKwargs)
		if err != nil {
			return nil, nil, err
		}
		m, ok := toStringInterfaceMap(extra)
		if !ok {
			return nil, nil, fmt.Errorf("argument after ** must be a mapping, not %T", extra)
		}
		for k, v := range m {
			kwargs[k] = v
		}
	}
	return values, kwargs, nil
}

func (e *Evaluator) call(n *nodes.Call, extra map[string]interface{}) (interface{}, error) {
	callee, err := e.eval(n.Node)
	if err != nil {
		return nil, err
	}
	args, kwargs, err := e.callArgs(n.Args, n.DynArgs, n.DynKwargs)
	if err != nil {
		return nil, err
	}
	for _, kw := range n.Kwargs {
		value, err := e.eval(kw.Value)
		if err != nil {
			return nil, err
		}
		kwargs[kw.Key] = value
	}
	for k, v := range extra {
		kwargs[k] = v
	}

	result, err := e.callValue(callee, args, kwargs)
	if err != nil {
		return nil, e.wrap(err, n)
	}
	return result, nil
}

func (e *Evaluator) callValue(callee interface{}, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	if s, ok := callee.(StrictUndefined); ok {
		return nil, NewUndefinedError(s.name, nodes.Position{}, nil)
	}
	if u, ok := callee.(undefinedType); ok {
		return nil, NewUndefinedError(u.Name(), nodes.Position{}, nil)
	}
	if e.ctx.env != nil && e.ctx.env.policy != nil && !e.ctx.env.policy.IsSafeCallable(callee) {
		return nil, NewSecurityError("call", fmt.Sprintf("%T is not safely callable", callee), nodes.Position{}, nil)
	}

	switch fn := callee.(type) {
	case Callable:
		return fn.CallKwargs(e.ctx, args, kwargs)
	case GlobalFunc:
		return fn(e.ctx, appendCallArgs(args, kwargs)...)
	case func(*Context, ...interface{}) (interface{}, error):
		return fn(e.ctx, appendCallArgs(args, kwargs)...)
	case func(...interface{}) (interface{}, error):
		return fn(appendCallArgs(args, kwargs)...)
	case func(...interface{}) interface{}:
		return fn(appendCallArgs(args, kwargs)...), nil
	}
	return e.reflectCall(callee, appendCallArgs(args, kwargs))
}

var (
	contextPtrType = reflect.TypeOf((*Context)(nil))
	goContextType  = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType      = reflect.TypeOf((*error)(nil)).Elem()
)

// reflectCall invokes an arbitrary Go function. A leading *Context or
// context.Context parameter receives the render context.
func (e *Evaluator) reflectCall(callee interface{}, args []interface{}) (interface{}, error) {
	fn := reflect.ValueOf(callee)
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("'%T' object is not callable", callee)
	}
	ft := fn.Type()

	var in []reflect.Value
	if ft.NumIn() > 0 {
		switch first := ft.In(0); {
		case first == contextPtrType:
			in = append(in, reflect.ValueOf(e.ctx))
		case first == goContextType:
			in = append(in, reflect.ValueOf(e.ctx.goctx))
		}
	}

	fixed := ft.NumIn()
	if ft.IsVariadic() {
		fixed--
	}
	if len(in)+len(args) < fixed || (!ft.IsVariadic() && len(in)+len(args) > fixed) {
		return nil, fmt.Errorf("%s expects %d argument(s), got %d", ft, fixed-len(in), len(args))
	}
	for _, arg := range args {
		idx := len(in)
		var want reflect.Type
		if ft.IsVariadic() && idx >= fixed {
			want = ft.In(fixed).Elem()
		} else {
			want = ft.In(idx)
		}
		v, err := convertArg(arg, want)
		if err != nil {
			return nil, err
		}
		in = append(in, v)
	}

	out := fn.Call(in)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if ft.Out(0) == errorType {
			if err, _ := out[0].Interface().(error); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return out[0].Interface(), nil
	default:
		if err, _ := out[len(out)-1].Interface().(error); err != nil {
			return nil, err
		}
		return out[0].Interface(), nil
	}
}

func convertArg(arg interface{}, want reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(want), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(want) {
		return v, nil
	}
	if n, ok := classifyNumber(arg); ok {
		switch want.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			if n.isFloat() {
				return reflect.ValueOf(n.floatValue).Convert(want), nil
			}
			return reflect.ValueOf(n.intValue).Convert(want), nil
		}
	}
	if v.Type().ConvertibleTo(want) && v.Kind() == want.Kind() {
		return v.Convert(want), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", arg, want)
}

// applyFilterChain applies a filter chain whose innermost filter has no
// node, feeding it value.
func (e *Evaluator) applyFilterChain(f *nodes.Filter, value interface{}) (interface{}, error) {
	if f == nil {
		return value, nil
	}
	if inner, ok := f.Node.(*nodes.Filter); ok {
		var err error
		value, err = e.applyFilterChain(inner, value)
		if err != nil {
			return nil, err
		}
	} else if f.Node != nil {
		var err error
		if value, err = e.eval(f.Node); err != nil {
			return nil, err
		}
	}
	return e.applyFilter(f, value)
}

func (e *Evaluator) applyFilter(f *nodes.Filter, value interface{}) (interface{}, error) {
	fn, ok := e.ctx.env.filter(f.Name)
	if !ok {
		return nil, NewFilterError(f.Name, fmt.Sprintf("no filter named '%s'", f.Name), f.GetPosition(), f, nil)
	}
	args, kwargs, err := e.filterArgs(&f.FilterTestCommon)
	if err != nil {
		return nil, err
	}
	result, err := fn(e.ctx, value, appendCallArgs(args, kwargs)...)
	if err != nil {
		if IsUndefinedError(err) || isContextError(err) {
			return nil, err
		}
		return nil, NewFilterError(f.Name, err.Error(), f.GetPosition(), f, err)
	}
	return result, nil
}

func (e *Evaluator) applyTest(t *nodes.Test) (interface{}, error) {
	fn, ok := e.ctx.env.test(t.Name)
	if !ok {
		return nil, NewTestError(t.Name, fmt.Sprintf("no test named '%s'", t.Name), t.GetPosition(), t, nil)
	}
	value, err := e.eval(t.Node)
	if err != nil {
		return nil, err
	}
	args, kwargs, err := e.filterArgs(&t.FilterTestCommon)
	if err != nil {
		return nil, err
	}
	result, err := fn(e.ctx, value, appendCallArgs(args, kwargs)...)
	if err != nil {
		return nil, NewTestError(t.Name, err.Error(), t.GetPosition(), t, err)
	}
	return result, nil
}

func (e *Evaluator) filterArgs(common *nodes.FilterTestCommon) ([]interface{}, map[string]interface{}, error) {
	args, kwargs, err := e.callArgs(common.Args, common.DynArgs, common.DynKwargs)
	if err != nil {
		return nil, nil, err
	}
	for _, pair := range common.Kwargs {
		key, err := e.eval(pair.Key)
		if err != nil {
			return nil, nil, err
		}
		value, err := e.eval(pair.Value)
		if err != nil {
			return nil, nil, err
		}
		kwargs[toString(key)] = value
	}
	return args, kwargs, nil
}
