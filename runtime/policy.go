package runtime

import (
	"reflect"
	"regexp"
	"strings"
	"sync"
)

// Policy decides what templates may touch. The environment consults it on
// every attribute lookup and every call.
type Policy interface {
	IsSafeAttribute(obj interface{}, attr string) bool
	IsSafeCallable(value interface{}) bool
}

// UnsafeCallable may be implemented by values that must never be called
// from a sandboxed template.
type UnsafeCallable interface {
	UnsafeCallable() bool
}

// SandboxPolicy is the stock policy: attributes starting with an underscore
// are private, explicitly blocked attributes and methods are rejected, and
// values reporting UnsafeCallable are never called.
type SandboxPolicy struct {
	mu                sync.RWMutex
	blockedAttributes map[string]bool
	blockedMethods    map[string]bool
	attributePatterns []*regexp.Regexp
	blockAllMethods   bool
}

// NewSandboxPolicy creates a policy with the default private-attribute rule.
func NewSandboxPolicy() *SandboxPolicy {
	return &SandboxPolicy{
		blockedAttributes: make(map[string]bool),
		blockedMethods:    make(map[string]bool),
	}
}

// BlockAttributes rejects the given attribute names on every object.
func (p *SandboxPolicy) BlockAttributes(names ...string) *SandboxPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range names {
		p.blockedAttributes[name] = true
	}
	return p
}

// BlockAttributePattern rejects attribute names matching pattern.
func (p *SandboxPolicy) BlockAttributePattern(pattern string) *SandboxPolicy {
	re := regexp.MustCompile(pattern)
	p.mu.Lock()
	p.attributePatterns = append(p.attributePatterns, re)
	p.mu.Unlock()
	return p
}

// BlockMethods rejects access to Go methods with the given names.
func (p *SandboxPolicy) BlockMethods(names ...string) *SandboxPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range names {
		p.blockedMethods[name] = true
	}
	return p
}

// BlockAllMethods rejects access to every Go method.
func (p *SandboxPolicy) BlockAllMethods() *SandboxPolicy {
	p.mu.Lock()
	p.blockAllMethods = true
	p.mu.Unlock()
	return p
}

func (p *SandboxPolicy) IsSafeAttribute(obj interface{}, attr string) bool {
	if strings.HasPrefix(attr, "_") {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.blockedAttributes[attr] {
		return false
	}
	for _, re := range p.attributePatterns {
		if re.MatchString(attr) {
			return false
		}
	}
	if p.blockAllMethods || p.blockedMethods[attr] {
		if obj != nil && reflect.ValueOf(obj).MethodByName(attr).IsValid() {
			return false
		}
	}
	return true
}

func (p *SandboxPolicy) IsSafeCallable(value interface{}) bool {
	if u, ok := value.(UnsafeCallable); ok && u.UnsafeCallable() {
		return false
	}
	return true
}
