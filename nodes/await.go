package nodes

import "fmt"

// Await suspends on the wrapped expression when the template runs in async mode.
type Await struct {
	BaseExpr
	Node Expr `json:"node"`
}

func (a *Await) Accept(visitor Visitor) interface{} {
	return visitor.Visit(a)
}

func (a *Await) GetChildren() []Node {
	if a.Node != nil {
		return []Node{a.Node}
	}
	return []Node{}
}

func (a *Await) String() string {
	return fmt.Sprintf("Await(node=%v)", a.Node)
}

func (a *Await) Type() string {
	return "Await"
}
