package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/deicod/asyncjinja/nodes"
)

// Emit renders a program as Go source. The listing is deterministic for a
// given tree, which keeps precompiled artifacts byte-identical across runs.
func Emit(prog *Program) (string, error) {
	e := &emitter{}

	e.line("// Code generated by asyncjinja from %s. DO NOT EDIT.", strconv.Quote(prog.Name))
	e.blank()
	e.line("package template")
	e.blank()
	e.line(`import "context"`)
	e.blank()

	e.function("Root", prog.Tree.Body)
	for _, name := range prog.BlockNames() {
		e.blank()
		e.function("Block_"+name, prog.Blocks()[name].Body)
	}

	if e.err != nil {
		return "", e.err
	}
	if e.depth != 0 {
		return "", fmt.Errorf("compiler: %d unclosed calls in listing for %q", e.depth, prog.Name)
	}
	return e.buf.String(), nil
}

type emitter struct {
	buf    strings.Builder
	indent int
	depth  int
	err    error
}

func (e *emitter) blank() {
	e.buf.WriteByte('\n')
}

// line writes one line of output and tracks how many calls it leaves open.
// A func literal passed as an argument keeps its call open across lines, so
// the running depth may only return to zero, never drop below it.
func (e *emitter) line(format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)

	if strings.HasPrefix(text, "}") {
		e.indent--
	}

	e.depth += parenDelta(text)
	if e.depth < 0 && e.err == nil {
		e.err = fmt.Errorf("compiler: unbalanced call nesting at %q", text)
	}

	e.buf.WriteString(strings.Repeat("\t", e.indent))
	e.buf.WriteString(text)
	e.buf.WriteByte('\n')

	if strings.HasSuffix(text, "{") {
		e.indent++
	}
}

func (e *emitter) function(name string, body []nodes.Node) {
	e.line("func %s(ctx context.Context, rt Runtime) error {", name)
	e.stmts(body)
	e.line("return nil")
	e.line("}")
}

// closure emits a call taking a render callback as its last argument.
func (e *emitter) closure(call string, body []nodes.Node) {
	e.line("if err := %s, func(ctx context.Context, rt Runtime) error {", call)
	e.stmts(body)
	e.line("return nil")
	e.line("}); err != nil {")
	e.line("return err")
	e.line("}")
}

func (e *emitter) stmts(body []nodes.Node) {
	for _, n := range body {
		e.stmt(n)
	}
}

func (e *emitter) stmt(n nodes.Node) {
	switch n := n.(type) {
	case nil:
	case *nodes.Output:
		for _, item := range n.Nodes {
			if data, ok := item.(*nodes.TemplateData); ok {
				e.line("rt.WriteString(%s)", strconv.Quote(data.Data))
				continue
			}
			e.line("rt.Write(%s)", e.expr(item))
		}

	case *ExtendsStmt:
		if n.Guarded {
			e.line("if rt.HasParent() {")
			e.line(`return rt.Fail("extended multiple times")`)
			e.line("}")
		}
		e.line("if tmpl, err := %s; err != nil {", e.lookup(&n.Lookup))
		e.line("return err")
		e.line("} else {")
		e.line("rt.Extend(tmpl)")
		e.line("}")

	case *IncludeStmt:
		e.line("if tmpl, err := %s; err != nil {", e.lookup(&n.Lookup))
		if n.IgnoreMissing {
			e.line("if !rt.IsNotFound(err) {")
			e.line("return err")
			e.line("}")
		} else {
			e.line("return err")
		}
		e.line("} else if err := rt.Include(ctx, tmpl, %t); err != nil {", n.WithContext)
		e.line("return err")
		e.line("}")

	case *ImportStmt:
		e.line("if mod, err := rt.MakeModule(ctx, %s, %t); err != nil {", e.lookup(&n.Lookup), n.WithContext)
		e.line("return err")
		e.line("} else {")
		e.line("rt.Assign(%s, mod)", strconv.Quote(n.Target))
		e.line("}")

	case *FromImportStmt:
		e.line("if mod, err := rt.MakeModule(ctx, %s, %t); err != nil {", e.lookup(&n.Lookup), n.WithContext)
		e.line("return err")
		e.line("} else {")
		for _, name := range n.Names {
			alias := name.Alias
			if alias == "" {
				alias = name.Name
			}
			e.line("rt.Assign(%s, rt.Attr(mod, %s))", strconv.Quote(alias), strconv.Quote(name.Name))
		}
		e.line("}")

	case *nodes.If:
		e.line("if rt.Truthy(%s) {", e.expr(n.Test))
		e.stmts(n.Body)
		elseBody := n.Else
		for _, elif := range n.Elif {
			e.line("} else if rt.Truthy(%s) {", e.expr(elif.Test))
			e.stmts(elif.Body)
			if elif.Else != nil {
				elseBody = elif.Else
			}
		}
		if len(elseBody) > 0 {
			e.line("} else {")
			e.stmts(elseBody)
		}
		e.line("}")

	case *nodes.For:
		e.line("for loop := range rt.Iter(ctx, %s) {", e.expr(n.Iter))
		if n.Test != nil {
			e.line("if !rt.Truthy(%s) {", e.expr(n.Test))
			e.line("continue")
			e.line("}")
		}
		e.line("rt.Assign(%s, loop)", strconv.Quote(targetNames(n.Target)))
		e.stmts(n.Body)
		e.line("}")
		if len(n.Else) > 0 {
			e.line("if rt.LoopEmpty() {")
			e.stmts(n.Else)
			e.line("}")
		}

	case *nodes.Block:
		e.line("if err := rt.Block(ctx, %s); err != nil {", strconv.Quote(n.Name))
		e.line("return err")
		e.line("}")

	case *nodes.Macro:
		e.line("rt.Define(%s, func(ctx context.Context, rt Runtime) error {", strconv.Quote(n.Name))
		e.stmts(n.Body)
		e.line("return nil")
		e.line("})")

	case *nodes.CallBlock:
		e.closure(fmt.Sprintf("rt.CallBlock(ctx, %s", e.expr(n.Call)), n.Body)
	case *nodes.FilterBlock:
		e.closure(fmt.Sprintf("rt.Filtered(ctx, %s", strconv.Quote(filterName(n.Filter))), n.Body)
	case *nodes.Spaceless:
		e.closure("rt.Spaceless(ctx", n.Body)
	case *nodes.With:
		e.closure(fmt.Sprintf("rt.With(ctx, %s", e.exprList(n.Values)), n.Body)
	case *nodes.AssignBlock:
		e.closure(fmt.Sprintf("rt.Capture(ctx, %s", strconv.Quote(targetNames(n.Target))), n.Body)
	case *nodes.Scope:
		e.closure("rt.Scope(ctx", n.Body)
	case *nodes.ScopedEvalContextModifier:
		value := "nil"
		for _, opt := range n.Options {
			if opt.Key == "autoescape" {
				value = e.expr(opt.Value)
			}
		}
		e.closure(fmt.Sprintf("rt.Autoescape(ctx, %s", value), n.Body)

	case *nodes.Assign:
		e.line("rt.Assign(%s, %s)", strconv.Quote(targetNames(n.Target)), e.expr(n.Node))
	case *nodes.Do:
		e.line("_ = %s", e.expr(n.Expr))
	case *nodes.ExprStmt:
		e.line("_ = %s", e.expr(n.Node))
	case *nodes.Continue:
		e.line("return rt.Continue()")
	case *nodes.Break:
		e.line("return rt.Break()")

	default:
		e.line("rt.Exec(ctx, %s)", strconv.Quote(n.Type()))
	}
}

// lookup renders a template lookup. Suspending lookups are wrapped in
// rt.Await, which callers may nest inside further calls.
func (e *emitter) lookup(l *Lookup) string {
	call := fmt.Sprintf("rt.%s(ctx, %s, %s)", l.Func.Method(), e.expr(l.Target), strconv.Quote(l.Parent))
	if l.Suspend {
		call = "rt.Await(ctx, " + call + ")"
	}
	return call
}

func (e *emitter) exprList(list []nodes.Expr) string {
	parts := make([]string, len(list))
	for i, item := range list {
		parts[i] = e.expr(item)
	}
	return strings.Join(parts, ", ")
}

func (e *emitter) expr(n nodes.Expr) string {
	switch n := n.(type) {
	case nil:
		return "nil"
	case *nodes.Const:
		return literal(n.Value)
	case *nodes.TemplateData:
		return strconv.Quote(n.Data)
	case *nodes.Name:
		return fmt.Sprintf("rt.Resolve(%s)", strconv.Quote(n.Name))
	case *nodes.NSRef:
		return fmt.Sprintf("rt.Attr(rt.Resolve(%s), %s)", strconv.Quote(n.Name), strconv.Quote(n.Attr))
	case *nodes.Getattr:
		return fmt.Sprintf("rt.Attr(%s, %s)", e.expr(n.Node), strconv.Quote(n.Attr))
	case *nodes.Getitem:
		return fmt.Sprintf("rt.Item(%s, %s)", e.expr(n.Node), e.expr(n.Arg))
	case *nodes.Slice:
		return fmt.Sprintf("rt.Slice(%s, %s, %s)", e.expr(n.Start), e.expr(n.Stop), e.expr(n.Step))
	case *nodes.List:
		return "[]any{" + e.exprList(n.Items) + "}"
	case *nodes.Tuple:
		return "[]any{" + e.exprList(n.Items) + "}"
	case *nodes.Dict:
		parts := make([]string, 0, len(n.Items)*2)
		for _, pair := range n.Items {
			parts = append(parts, e.expr(pair.Key), e.expr(pair.Value))
		}
		return "rt.Dict(" + strings.Join(parts, ", ") + ")"
	case *nodes.Concat:
		return "rt.Concat(" + e.exprList(n.Nodes) + ")"
	case *nodes.CondExpr:
		return fmt.Sprintf("rt.Cond(%s, %s, %s)", e.expr(n.Test), e.expr(n.Expr1), e.expr(n.Expr2))
	case *nodes.Filter:
		return e.filterTest("rt.Filter", &n.FilterTestCommon)
	case *nodes.Test:
		return e.filterTest("rt.Test", &n.FilterTestCommon)
	case *nodes.Call:
		args := []string{e.expr(n.Node)}
		for _, arg := range n.Args {
			args = append(args, e.expr(arg))
		}
		for _, kw := range n.Kwargs {
			args = append(args, fmt.Sprintf("rt.Kw(%s, %s)", strconv.Quote(kw.Key), e.expr(kw.Value)))
		}
		if n.DynArgs != nil {
			args = append(args, fmt.Sprintf("rt.Star(%s)", e.expr(n.DynArgs)))
		}
		if n.DynKwargs != nil {
			args = append(args, fmt.Sprintf("rt.StarStar(%s)", e.expr(n.DynKwargs)))
		}
		return "rt.Call(ctx, " + strings.Join(args, ", ") + ")"
	case *nodes.Compare:
		parts := []string{e.expr(n.Expr)}
		for _, op := range n.Ops {
			parts = append(parts, strconv.Quote(op.Op), e.expr(op.Expr))
		}
		return "rt.Compare(" + strings.Join(parts, ", ") + ")"
	case *nodes.Await:
		return fmt.Sprintf("rt.Wait(ctx, %s)", e.expr(n.Node))
	case *nodes.Not:
		return e.unary(&n.UnaryExpr)
	case *nodes.Neg:
		return e.unary(&n.UnaryExpr)
	case *nodes.Pos:
		return e.unary(&n.UnaryExpr)
	case *nodes.UnaryExpr:
		return e.unary(n)
	}

	if bin := binExpr(n); bin != nil {
		return fmt.Sprintf("rt.Op(%s, %s, %s)", strconv.Quote(bin.Operator), e.expr(bin.Left), e.expr(bin.Right))
	}
	return fmt.Sprintf("rt.Eval(ctx, %s)", strconv.Quote(n.Type()))
}

func (e *emitter) unary(n *nodes.UnaryExpr) string {
	return fmt.Sprintf("rt.Unary(%s, %s)", strconv.Quote(n.Operator), e.expr(n.Node))
}

func (e *emitter) filterTest(fn string, n *nodes.FilterTestCommon) string {
	args := []string{strconv.Quote(n.Name), e.expr(n.Node)}
	for _, arg := range n.Args {
		args = append(args, e.expr(arg))
	}
	for _, kw := range n.Kwargs {
		args = append(args, fmt.Sprintf("rt.Kw(%s, %s)", e.expr(kw.Key), e.expr(kw.Value)))
	}
	return fn + "(ctx, " + strings.Join(args, ", ") + ")"
}

// binExpr unwraps the concrete arithmetic and logic nodes to their shared
// binary form.
func binExpr(n nodes.Expr) *nodes.BinExpr {
	switch n := n.(type) {
	case *nodes.BinExpr:
		return n
	case *nodes.Add:
		return &n.BinExpr
	case *nodes.Sub:
		return &n.BinExpr
	case *nodes.Mul:
		return &n.BinExpr
	case *nodes.Div:
		return &n.BinExpr
	case *nodes.FloorDiv:
		return &n.BinExpr
	case *nodes.Mod:
		return &n.BinExpr
	case *nodes.Pow:
		return &n.BinExpr
	case *nodes.And:
		return &n.BinExpr
	case *nodes.Or:
		return &n.BinExpr
	}
	return nil
}

func filterName(f *nodes.Filter) string {
	if f == nil {
		return ""
	}
	return f.Name
}

// targetNames flattens an assignment target into a comma separated list.
func targetNames(target nodes.Expr) string {
	switch t := target.(type) {
	case *nodes.Name:
		return t.Name
	case *nodes.NSRef:
		return t.Name + "." + t.Attr
	case *nodes.Tuple:
		names := make([]string, len(t.Items))
		for i, item := range t.Items {
			names[i] = targetNames(item)
		}
		return strings.Join(names, ", ")
	case *nodes.List:
		names := make([]string, len(t.Items))
		for i, item := range t.Items {
			names[i] = targetNames(item)
		}
		return strings.Join(names, ", ")
	case nil:
		return ""
	default:
		return t.Type()
	}
}

func literal(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "nil"
	case string:
		return strconv.Quote(v)
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		s := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEnN") {
			s += ".0"
		}
		return s
	default:
		return strconv.Quote(fmt.Sprint(v))
	}
}

// parenDelta reports how many parentheses a line opens minus how many it
// closes, ignoring those inside string and rune literals.
func parenDelta(text string) int {
	delta := 0
	var quote byte
	for i := 0; i < len(text); i++ {
		c := text[i]
		if quote != 0 {
			switch {
			case c == '\\' && quote != '`':
				i++
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '(':
			delta++
		case ')':
			delta--
		}
	}
	return delta
}
