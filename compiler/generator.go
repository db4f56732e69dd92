// Package compiler turns parsed template trees into programs the runtime can
// execute. Template lookups (extends, include, import) are rewritten into
// explicit lookup statements so that every one of them becomes a point where
// rendering may wait on the loader, and a deterministic Go-syntax listing of
// the program is produced for inspection and precompiled artifacts.
package compiler

import (
	"fmt"
	"sort"

	"github.com/deicod/asyncjinja/nodes"
)

// Options controls code generation.
type Options struct {
	// Async marks every lookup as suspending.
	Async bool
}

// Program is a compiled template.
type Program struct {
	Name   string
	Async  bool
	Tree   *nodes.Template
	Source string
}

// Blocks returns every block defined anywhere in the program, keyed by name.
func (p *Program) Blocks() map[string]*nodes.Block {
	blocks := make(map[string]*nodes.Block)
	if p == nil || p.Tree == nil {
		return blocks
	}
	collectBlocks(p.Tree.Body, blocks)
	return blocks
}

// BlockNames returns the sorted names of all blocks in the program.
func (p *Program) BlockNames() []string {
	blocks := p.Blocks()
	names := make([]string, 0, len(blocks))
	for name := range blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func collectBlocks(body []nodes.Node, into map[string]*nodes.Block) {
	for _, n := range body {
		if n == nil {
			continue
		}
		if block, ok := n.(*nodes.Block); ok {
			if _, seen := into[block.Name]; !seen {
				into[block.Name] = block
			}
		}
		collectBlocks(n.GetChildren(), into)
	}
}

// frame describes where a statement sits. toplevel statements run as part of
// the template root; rootlevel ones additionally run unconditionally.
type frame struct {
	toplevel  bool
	rootlevel bool
}

func (f frame) soft() frame {
	return frame{toplevel: f.toplevel}
}

func (f frame) inner() frame {
	return frame{}
}

type generator struct {
	name            string
	opts            Options
	extendsSoFar    int
	hasKnownExtends bool
	blocks          map[string]bool
}

// Generate rewrites tree in place and returns the resulting program. It fails
// with a *StructureError when the template can never render correctly.
func Generate(tree *nodes.Template, name string, opts Options) (*Program, error) {
	if tree == nil {
		return nil, fmt.Errorf("compiler: nil template tree for %q", name)
	}

	g := &generator{
		name:   name,
		opts:   opts,
		blocks: make(map[string]bool),
	}

	body, err := g.body(tree.Body, frame{toplevel: true, rootlevel: true})
	if err != nil {
		return nil, err
	}
	tree.Body = body

	prog := &Program{
		Name:  name,
		Async: opts.Async,
		Tree:  tree,
	}

	src, err := Emit(prog)
	if err != nil {
		return nil, err
	}
	prog.Source = src

	return prog, nil
}

func (g *generator) fail(n nodes.Node, format string, args ...interface{}) error {
	return &StructureError{
		Name:    g.name,
		Line:    n.GetPosition().Line,
		Message: fmt.Sprintf(format, args...),
	}
}

func (g *generator) body(stmts []nodes.Node, f frame) ([]nodes.Node, error) {
	for i, n := range stmts {
		rewritten, err := g.node(n, f)
		if err != nil {
			return nil, err
		}
		stmts[i] = rewritten
	}
	return stmts, nil
}

func (g *generator) node(n nodes.Node, f frame) (nodes.Node, error) {
	var err error

	switch n := n.(type) {
	case *nodes.Extends:
		return g.extends(n, f)

	case *nodes.Include:
		stmt := &IncludeStmt{
			Lookup:        g.lookup(n.Template, chooseLookup(n.Template)),
			WithContext:   n.WithContext,
			IgnoreMissing: n.IgnoreMissing,
		}
		stmt.SetPosition(n.GetPosition())
		return stmt, nil

	case *nodes.Import:
		stmt := &ImportStmt{
			Lookup:      g.lookup(n.Template, ResolveOne),
			Target:      n.Target,
			WithContext: n.WithContext,
		}
		stmt.SetPosition(n.GetPosition())
		return stmt, nil

	case *nodes.FromImport:
		stmt := &FromImportStmt{
			Lookup:      g.lookup(n.Template, ResolveOne),
			Names:       n.Names,
			WithContext: n.WithContext,
		}
		stmt.SetPosition(n.GetPosition())
		return stmt, nil

	case *nodes.If:
		if err = g.ifBranches(n, f.soft()); err != nil {
			return nil, err
		}

	case *nodes.Block:
		if g.blocks[n.Name] {
			return nil, g.fail(n, "block %q defined twice", n.Name)
		}
		g.blocks[n.Name] = true
		n.Body, err = g.body(n.Body, f.inner())

	case *nodes.For:
		if n.Body, err = g.body(n.Body, f.inner()); err != nil {
			return nil, err
		}
		n.Else, err = g.body(n.Else, f.inner())

	case *nodes.Macro:
		n.Body, err = g.body(n.Body, f.inner())
	case *nodes.CallBlock:
		n.Body, err = g.body(n.Body, f.inner())
	case *nodes.FilterBlock:
		n.Body, err = g.body(n.Body, f.inner())
	case *nodes.Spaceless:
		n.Body, err = g.body(n.Body, f.inner())
	case *nodes.With:
		n.Body, err = g.body(n.Body, f.inner())
	case *nodes.AssignBlock:
		n.Body, err = g.body(n.Body, f.inner())

	case *nodes.Scope:
		n.Body, err = g.body(n.Body, f)
	case *nodes.ScopedEvalContextModifier:
		n.Body, err = g.body(n.Body, f)
	}

	if err != nil {
		return nil, err
	}
	return n, nil
}

func (g *generator) ifBranches(n *nodes.If, f frame) error {
	var err error
	if n.Body, err = g.body(n.Body, f); err != nil {
		return err
	}
	for _, elif := range n.Elif {
		if err = g.ifBranches(elif, f); err != nil {
			return err
		}
	}
	n.Else, err = g.body(n.Else, f)
	return err
}

func (g *generator) extends(n *nodes.Extends, f frame) (nodes.Node, error) {
	if !f.toplevel {
		return nil, g.fail(n, "cannot use extend from a non top-level scope")
	}

	stmt := &ExtendsStmt{Lookup: g.lookup(n.Template, ResolveOne)}
	stmt.SetPosition(n.GetPosition())

	if g.extendsSoFar > 0 {
		if g.hasKnownExtends {
			return nil, g.fail(n, "extended multiple times")
		}
		stmt.Guarded = true
	}

	known := f.rootlevel && isLiteralName(n.Template)
	g.hasKnownExtends = known && (g.extendsSoFar == 0 || g.hasKnownExtends)
	g.extendsSoFar++

	return stmt, nil
}

func (g *generator) lookup(target nodes.Expr, fn LookupFunc) Lookup {
	return Lookup{
		Func:    fn,
		Target:  target,
		Parent:  g.name,
		Suspend: g.opts.Async,
	}
}

// chooseLookup picks the entry point for a lookup target: a constant name
// loads directly, a list of names selects the first match, and anything else
// is decided once the value is known.
func chooseLookup(target nodes.Expr) LookupFunc {
	switch target.(type) {
	case *nodes.List, *nodes.Tuple:
		return ResolveFirst
	}

	value, err := target.AsConst(nil)
	if err != nil {
		return ResolveOneOrMany
	}
	switch value.(type) {
	case string:
		return ResolveOne
	case []interface{}:
		return ResolveFirst
	default:
		return ResolveOneOrMany
	}
}

func isLiteralName(target nodes.Expr) bool {
	value, err := target.AsConst(nil)
	if err != nil {
		return false
	}
	_, ok := value.(string)
	return ok
}
