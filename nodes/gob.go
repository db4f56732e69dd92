package nodes

import (
	"encoding/gob"
	"sync"
)

var registerOnce sync.Once

// RegisterGob registers every concrete node type with encoding/gob so trees
// holding Node and Expr interface values can be serialized. Packages that add
// their own node types register them after calling this.
func RegisterGob() {
	registerOnce.Do(func() {
		for _, n := range []Node{
			&Template{}, &Output{}, &Extends{}, &For{}, &If{}, &Macro{},
			&CallBlock{}, &FilterBlock{}, &Spaceless{}, &With{}, &Block{},
			&Include{}, &Import{}, &FromImport{}, &ExprStmt{}, &Assign{},
			&AssignBlock{}, &Do{}, &Continue{}, &Break{}, &Scope{},
			&EvalContextModifier{}, &ScopedEvalContextModifier{},

			&BinExpr{}, &UnaryExpr{}, &Name{}, &NSRef{}, &Const{},
			&TemplateData{}, &Tuple{}, &List{}, &Dict{}, &Pair{}, &Keyword{},
			&CondExpr{}, &FilterTestCommon{}, &Filter{}, &Test{}, &Call{},
			&Getitem{}, &Getattr{}, &Slice{}, &Concat{}, &Compare{}, &Operand{},
			&Mul{}, &Div{}, &FloorDiv{}, &Add{}, &Sub{}, &Mod{}, &Pow{},
			&And{}, &Or{}, &Not{}, &Neg{}, &Pos{}, &InternalName{}, &Await{},
		} {
			gob.Register(n)
		}
	})
}
