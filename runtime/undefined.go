package runtime

import "github.com/deicod/asyncjinja/nodes"

// undefinedType is the sentinel for missing values. It passes through
// filters and tests without failing so that constructs like the default
// filter can detect it.
type undefinedType interface {
	isUndefined()
	Name() string
	ToString() (string, error)
}

type baseUndefined struct{ name string }

func (baseUndefined) isUndefined() {}

func (b baseUndefined) Name() string { return b.name }

// Undefined renders as the empty string.
type Undefined struct{ baseUndefined }

func (Undefined) ToString() (string, error) { return "", nil }

func (u Undefined) String() string { return "" }

// StrictUndefined fails as soon as it is printed or iterated.
type StrictUndefined struct{ baseUndefined }

func (s StrictUndefined) ToString() (string, error) {
	return "", NewUndefinedError(s.name, nodes.Position{}, nil)
}

// NewUndefined returns the undefined sentinel for name.
func NewUndefined(name string, strict bool) undefinedType {
	if strict {
		return StrictUndefined{baseUndefined{name: name}}
	}
	return Undefined{baseUndefined{name: name}}
}

func isUndefinedValue(value interface{}) bool {
	if value == nil {
		return false
	}
	_, ok := value.(undefinedType)
	return ok
}

func isStrictUndefined(value interface{}) bool {
	_, ok := value.(StrictUndefined)
	return ok
}
