package compiler

import (
	"fmt"

	"github.com/deicod/asyncjinja/nodes"
)

// LookupFunc selects the environment entry point a lookup resolves through.
type LookupFunc int

const (
	// ResolveOne loads a single template by name.
	ResolveOne LookupFunc = iota
	// ResolveFirst loads the first existing template of a list of names.
	ResolveFirst
	// ResolveOneOrMany decides between the two at render time.
	ResolveOneOrMany
)

// Method is the name of the environment method the lookup calls.
func (f LookupFunc) Method() string {
	switch f {
	case ResolveFirst:
		return "SelectTemplate"
	case ResolveOneOrMany:
		return "GetOrSelectTemplate"
	default:
		return "GetTemplate"
	}
}

func (f LookupFunc) String() string {
	return f.Method()
}

// Lookup is a template resolution performed while rendering.
type Lookup struct {
	Func    LookupFunc
	Target  nodes.Expr
	Parent  string
	Suspend bool
}

func (l *Lookup) String() string {
	return fmt.Sprintf("%s(%v, parent=%q, suspend=%t)", l.Func, l.Target, l.Parent, l.Suspend)
}

// ExtendsStmt replaces an extends tag.
type ExtendsStmt struct {
	nodes.BaseStmt
	Lookup  Lookup
	Guarded bool
}

func (s *ExtendsStmt) Accept(visitor nodes.Visitor) interface{} {
	return visitor.Visit(s)
}

func (s *ExtendsStmt) GetChildren() []nodes.Node {
	return []nodes.Node{s.Lookup.Target}
}

func (s *ExtendsStmt) String() string {
	return fmt.Sprintf("ExtendsStmt(lookup=%v, guarded=%t)", &s.Lookup, s.Guarded)
}

func (s *ExtendsStmt) Type() string {
	return "ExtendsStmt"
}

// IncludeStmt replaces an include tag.
type IncludeStmt struct {
	nodes.BaseStmt
	Lookup        Lookup
	WithContext   bool
	IgnoreMissing bool
}

func (s *IncludeStmt) Accept(visitor nodes.Visitor) interface{} {
	return visitor.Visit(s)
}

func (s *IncludeStmt) GetChildren() []nodes.Node {
	return []nodes.Node{s.Lookup.Target}
}

func (s *IncludeStmt) String() string {
	return fmt.Sprintf("IncludeStmt(lookup=%v, with_context=%t, ignore_missing=%t)",
		&s.Lookup, s.WithContext, s.IgnoreMissing)
}

func (s *IncludeStmt) Type() string {
	return "IncludeStmt"
}

// ImportStmt replaces "import ... as name".
type ImportStmt struct {
	nodes.BaseStmt
	Lookup      Lookup
	Target      string
	WithContext bool
}

func (s *ImportStmt) Accept(visitor nodes.Visitor) interface{} {
	return visitor.Visit(s)
}

func (s *ImportStmt) GetChildren() []nodes.Node {
	return []nodes.Node{s.Lookup.Target}
}

func (s *ImportStmt) String() string {
	return fmt.Sprintf("ImportStmt(lookup=%v, target=%s, with_context=%t)", &s.Lookup, s.Target, s.WithContext)
}

func (s *ImportStmt) Type() string {
	return "ImportStmt"
}

// FromImportStmt replaces "from ... import a, b as c".
type FromImportStmt struct {
	nodes.BaseStmt
	Lookup      Lookup
	Names       []nodes.ImportName
	WithContext bool
}

func (s *FromImportStmt) Accept(visitor nodes.Visitor) interface{} {
	return visitor.Visit(s)
}

func (s *FromImportStmt) GetChildren() []nodes.Node {
	return []nodes.Node{s.Lookup.Target}
}

func (s *FromImportStmt) String() string {
	return fmt.Sprintf("FromImportStmt(lookup=%v, names=%v, with_context=%t)", &s.Lookup, s.Names, s.WithContext)
}

func (s *FromImportStmt) Type() string {
	return "FromImportStmt"
}
