package runtime

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Namespace is the mutable attribute container returned by namespace().
// It is the only object templates may assign attributes on.
type Namespace struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewNamespace creates a namespace populated with initial.
func NewNamespace(initial map[string]interface{}) *Namespace {
	ns := &Namespace{values: make(map[string]interface{}, len(initial))}
	for k, v := range initial {
		ns.values[k] = v
	}
	return ns
}

func (ns *Namespace) GetAttr(name string) (interface{}, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	value, ok := ns.values[name]
	return value, ok
}

// Set stores a value under name.
func (ns *Namespace) Set(name string, value interface{}) {
	ns.mu.Lock()
	ns.values[name] = value
	ns.mu.Unlock()
}

// Items returns a shallow copy of the namespace values.
func (ns *Namespace) Items() map[string]interface{} {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make(map[string]interface{}, len(ns.values))
	for k, v := range ns.values {
		out[k] = v
	}
	return out
}

func (ns *Namespace) String() string {
	items := ns.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, reprValue(items[k]))
	}
	return "<Namespace " + strings.Join(parts, ", ") + ">"
}

// namespaceFunc implements the namespace() global. Positional mappings are
// merged first, keyword arguments last.
func namespaceFunc(_ *Context, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	initial := make(map[string]interface{})
	for _, arg := range args {
		m, ok := toStringInterfaceMap(arg)
		if !ok {
			return nil, fmt.Errorf("namespace() positional arguments must be mappings, got %T", arg)
		}
		for k, v := range m {
			initial[k] = v
		}
	}
	for k, v := range kwargs {
		initial[k] = v
	}
	return NewNamespace(initial), nil
}
