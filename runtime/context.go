package runtime

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/deicod/asyncjinja/nodes"
)

// Scope is one level of variable bindings.
type Scope struct {
	parent *Scope
	vars   map[string]interface{}
}

// NewScope creates a root scope.
func NewScope() *Scope {
	return &Scope{vars: make(map[string]interface{})}
}

// NewChildScope creates a scope whose misses fall through to s.
func (s *Scope) NewChildScope() *Scope {
	child := NewScope()
	child.parent = s
	return child
}

// Set binds name in this scope.
func (s *Scope) Set(name string, value interface{}) {
	s.vars[name] = value
}

// Get resolves name, searching parent scopes.
func (s *Scope) Get(name string) (interface{}, bool) {
	for scope := s; scope != nil; scope = scope.parent {
		if value, ok := scope.vars[name]; ok {
			return value, true
		}
	}
	return nil, false
}

// All flattens the scope chain, inner bindings winning.
func (s *Scope) All() map[string]interface{} {
	var chain []*Scope
	for scope := s; scope != nil; scope = scope.parent {
		chain = append(chain, scope)
	}
	result := make(map[string]interface{})
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].vars {
			result[k] = v
		}
	}
	return result
}

// renderState is shared by every template taking part in one render: the
// child, its parents and the blocks they contribute.
type renderState struct {
	blocks map[string][]*blockEntry
}

type blockEntry struct {
	block *nodes.Block
	tmpl  *Template
}

func newRenderState() *renderState {
	return &renderState{blocks: make(map[string][]*blockEntry)}
}

func (s *renderState) register(tmpl *Template) {
	for name, block := range tmpl.program.Blocks() {
		s.blocks[name] = append(s.blocks[name], &blockEntry{block: block, tmpl: tmpl})
	}
}

// Context is the state of one running render.
type Context struct {
	goctx      context.Context
	env        *Environment
	tmpl       *Template
	root       *Scope
	scope      *Scope
	exported   map[string]interface{}
	autoescape bool
	state      *renderState
	out        io.Writer
}

func newContext(goctx context.Context, env *Environment, tmpl *Template, vars map[string]interface{}, out io.Writer) *Context {
	base := NewScope()
	for name, fn := range defaultGlobals() {
		base.Set(name, fn)
	}
	if env != nil {
		for k, v := range env.snapshotGlobals() {
			base.Set(k, v)
		}
	}
	if tmpl != nil {
		for k, v := range tmpl.Globals() {
			base.Set(k, v)
		}
	}
	for k, v := range vars {
		base.Set(k, v)
	}

	root := base.NewChildScope()
	c := &Context{
		goctx:    goctx,
		env:      env,
		tmpl:     tmpl,
		root:     root,
		scope:    root,
		exported: make(map[string]interface{}),
		state:    newRenderState(),
		out:      out,
	}
	if env != nil && tmpl != nil {
		c.autoescape = env.shouldAutoescape(tmpl.name)
	}
	return c
}

// Ctx returns the context.Context the render runs under.
func (c *Context) Ctx() context.Context {
	return c.goctx
}

// Environment returns the environment the render belongs to.
func (c *Context) Environment() *Environment {
	return c.env
}

// TemplateName returns the name of the template currently executing.
func (c *Context) TemplateName() string {
	if c.tmpl == nil {
		return ""
	}
	return c.tmpl.name
}

// Autoescape reports whether output is currently escaped.
func (c *Context) Autoescape() bool {
	return c.autoescape
}

// Resolve looks a variable up through the scope chain.
func (c *Context) Resolve(name string) (interface{}, bool) {
	return c.scope.Get(name)
}

// Vars returns every visible variable.
func (c *Context) Vars() map[string]interface{} {
	return c.scope.All()
}

func (c *Context) undefined(name string) interface{} {
	strict := c.env != nil && c.env.strictUndefined
	return NewUndefined(name, strict)
}

// derive returns a copy sharing render state but writing to out with scope.
func (c *Context) derive(scope *Scope, out io.Writer) *Context {
	clone := *c
	clone.scope = scope
	clone.out = out
	return &clone
}

// LoopContext is the "loop" variable inside a for statement.
type LoopContext struct {
	index0    int
	length    int
	depth0    int
	items     []interface{}
	lastValue []interface{}
	changed   bool
	recurse   func(iterable interface{}) (interface{}, error)
}

func (l *LoopContext) GetAttr(name string) (interface{}, bool) {
	switch name {
	case "index":
		return l.index0 + 1, true
	case "index0":
		return l.index0, true
	case "revindex":
		return l.length - l.index0, true
	case "revindex0":
		return l.length - l.index0 - 1, true
	case "first":
		return l.index0 == 0, true
	case "last":
		return l.index0 == l.length-1, true
	case "length":
		return l.length, true
	case "depth":
		return l.depth0 + 1, true
	case "depth0":
		return l.depth0, true
	case "previtem":
		if l.index0 > 0 {
			return l.items[l.index0-1], true
		}
		return NewUndefined("previtem", false), true
	case "nextitem":
		if l.index0+1 < len(l.items) {
			return l.items[l.index0+1], true
		}
		return NewUndefined("nextitem", false), true
	case "cycle":
		return GlobalFunc(func(_ *Context, args ...interface{}) (interface{}, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("no items for cycling given")
			}
			return args[l.index0%len(args)], nil
		}), true
	case "changed":
		return GlobalFunc(func(_ *Context, args ...interface{}) (interface{}, error) {
			if l.lastValue != nil && valuesEqual(l.lastValue, args) {
				return false, nil
			}
			l.lastValue = append([]interface{}{}, args...)
			return true, nil
		}), true
	}
	return nil, false
}

// CallKwargs implements the recursive loop(...) call.
func (l *LoopContext) CallKwargs(_ *Context, args []interface{}, _ map[string]interface{}) (interface{}, error) {
	if l.recurse == nil {
		return nil, fmt.Errorf("Tried to call non recursive loop. Maybe you forgot the 'recursive' modifier")
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("loop() takes exactly one argument")
	}
	return l.recurse(args[0])
}

func (l *LoopContext) String() string {
	return fmt.Sprintf("<LoopContext %d/%d>", l.index0+1, l.length)
}

func defaultGlobals() map[string]interface{} {
	return map[string]interface{}{
		"range":     GlobalFunc(rangeFunc),
		"dict":      GlobalFunc(dictFunc),
		"lipsum":    GlobalFunc(lipsumFunc),
		"cycler":    GlobalFunc(cyclerFunc),
		"joiner":    GlobalFunc(joinerFunc),
		"namespace": GlobalFunc(namespaceFunc),
	}
}

const maxRange = 100000

func rangeFunc(_ *Context, args ...interface{}) (interface{}, error) {
	_, args = extractKwargs(args)
	ints := make([]int, len(args))
	for i, arg := range args {
		v, ok := toInt(arg)
		if !ok {
			return nil, fmt.Errorf("range() arguments must be integers, got %T", arg)
		}
		ints[i] = v
	}

	start, stop, step := 0, 0, 1
	switch len(ints) {
	case 1:
		stop = ints[0]
	case 2:
		start, stop = ints[0], ints[1]
	case 3:
		start, stop, step = ints[0], ints[1], ints[2]
	default:
		return nil, fmt.Errorf("range expected 1 to 3 arguments, got %d", len(ints))
	}
	if step == 0 {
		return nil, fmt.Errorf("range() arg 3 must not be zero")
	}

	result := make([]interface{}, 0)
	for i := start; (step > 0 && i < stop) || (step < 0 && i > stop); i += step {
		if len(result) >= maxRange {
			return nil, fmt.Errorf("range too big, maximum size for range is %d", maxRange)
		}
		result = append(result, i)
	}
	return result, nil
}

func dictFunc(_ *Context, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	result := make(map[string]interface{})
	for _, arg := range args {
		m, ok := toStringInterfaceMap(arg)
		if !ok {
			return nil, fmt.Errorf("dict() positional arguments must be mappings, got %T", arg)
		}
		for k, v := range m {
			result[k] = v
		}
	}
	for k, v := range kwargs {
		result[k] = v
	}
	return result, nil
}

var lipsumWords = strings.Fields(`lorem ipsum dolor sit amet consectetur adipiscing elit sed do
eiusmod tempor incididunt ut labore et dolore magna aliqua ut enim ad minim veniam quis
nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat duis aute irure
dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur`)

// lipsumFunc produces deterministic placeholder text: n paragraphs of words.
func lipsumFunc(_ *Context, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	n, html := 5, true
	if len(args) > 0 {
		n, _ = toInt(args[0])
	}
	if v, ok := kwargs["n"]; ok {
		n, _ = toInt(v)
	}
	if len(args) > 1 {
		html = isTruthy(args[1])
	}
	if v, ok := kwargs["html"]; ok {
		html = isTruthy(v)
	}

	paragraphs := make([]string, 0, n)
	for p := 0; p < n; p++ {
		words := make([]string, 0, 30)
		for w := 0; w < 30; w++ {
			words = append(words, lipsumWords[(p*7+w)%len(lipsumWords)])
		}
		text := capitalize(strings.Join(words, " ")) + "."
		if html {
			text = "<p>" + text + "</p>"
		}
		paragraphs = append(paragraphs, text)
	}
	if html {
		return Markup(strings.Join(paragraphs, "\n")), nil
	}
	return strings.Join(paragraphs, "\n\n"), nil
}

type cycler struct {
	items []interface{}
	pos   int
}

func cyclerFunc(_ *Context, args ...interface{}) (interface{}, error) {
	_, args = extractKwargs(args)
	if len(args) == 0 {
		return nil, fmt.Errorf("cycler() requires at least one item")
	}
	return &cycler{items: args}, nil
}

func (c *cycler) GetAttr(name string) (interface{}, bool) {
	switch name {
	case "current":
		return c.items[c.pos], true
	case "next":
		return GlobalFunc(func(*Context, ...interface{}) (interface{}, error) {
			item := c.items[c.pos]
			c.pos = (c.pos + 1) % len(c.items)
			return item, nil
		}), true
	case "reset":
		return GlobalFunc(func(*Context, ...interface{}) (interface{}, error) {
			c.pos = 0
			return nil, nil
		}), true
	}
	return nil, false
}

type joiner struct {
	sep  string
	used bool
}

func joinerFunc(_ *Context, args ...interface{}) (interface{}, error) {
	_, args = extractKwargs(args)
	sep := ", "
	if len(args) > 0 {
		sep = toString(args[0])
	}
	return &joiner{sep: sep}, nil
}

func (j *joiner) CallKwargs(*Context, []interface{}, map[string]interface{}) (interface{}, error) {
	if !j.used {
		j.used = true
		return "", nil
	}
	return j.sep, nil
}

func sortedNames(m map[string]interface{}) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
