package runtime

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheKey identifies a template object. The generation changes whenever
// the environment's loader is replaced, so entries produced by an old loader
// are never served for the new one.
type cacheKey struct {
	generation uint64
	name       string
}

// templateCache holds instantiated templates. A positive size bounds it with
// LRU eviction, a negative size makes it unbounded and zero disables it.
type templateCache struct {
	bounded *lru.Cache[cacheKey, *Template]

	mu        sync.RWMutex
	unbounded map[cacheKey]*Template
	disabled  bool
}

func newTemplateCache(size int) *templateCache {
	switch {
	case size == 0:
		return &templateCache{disabled: true}
	case size < 0:
		return &templateCache{unbounded: make(map[cacheKey]*Template)}
	}

	bounded, err := lru.New[cacheKey, *Template](size)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic("runtime: template cache initialization failed: " + err.Error())
	}
	return &templateCache{bounded: bounded}
}

func (c *templateCache) get(key cacheKey) (*Template, bool) {
	switch {
	case c.disabled:
		return nil, false
	case c.bounded != nil:
		return c.bounded.Get(key)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	tmpl, ok := c.unbounded[key]
	return tmpl, ok
}

func (c *templateCache) add(key cacheKey, tmpl *Template) {
	switch {
	case c.disabled:
		return
	case c.bounded != nil:
		c.bounded.Add(key, tmpl)
		return
	}
	c.mu.Lock()
	c.unbounded[key] = tmpl
	c.mu.Unlock()
}

func (c *templateCache) remove(key cacheKey) {
	switch {
	case c.disabled:
		return
	case c.bounded != nil:
		c.bounded.Remove(key)
		return
	}
	c.mu.Lock()
	delete(c.unbounded, key)
	c.mu.Unlock()
}

// purgeBefore drops every entry of a generation older than current.
func (c *templateCache) purgeBefore(current uint64) {
	switch {
	case c.disabled:
		return
	case c.bounded != nil:
		for _, key := range c.bounded.Keys() {
			if key.generation < current {
				c.bounded.Remove(key)
			}
		}
		return
	}
	c.mu.Lock()
	for key := range c.unbounded {
		if key.generation < current {
			delete(c.unbounded, key)
		}
	}
	c.mu.Unlock()
}

func (c *templateCache) clear() {
	switch {
	case c.disabled:
		return
	case c.bounded != nil:
		c.bounded.Purge()
		return
	}
	c.mu.Lock()
	c.unbounded = make(map[cacheKey]*Template)
	c.mu.Unlock()
}

func (c *templateCache) size() int {
	switch {
	case c.disabled:
		return 0
	case c.bounded != nil:
		return c.bounded.Len()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.unbounded)
}
