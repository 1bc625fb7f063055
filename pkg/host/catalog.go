package host

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog maps module sources to their init functions. The kernel builds
// one at startup with the builtin modules; nothing in this package
// registers implicitly.
type Catalog struct {
	mu    sync.RWMutex
	inits map[string]InitFunc
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{inits: make(map[string]InitFunc)}
}

// Register binds a source name to an init function. Later registrations
// replace earlier ones, so embedders can override builtins.
func (c *Catalog) Register(source string, init InitFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inits[source] = init
}

// Resolve returns the init function for a source.
func (c *Catalog) Resolve(source string) (InitFunc, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	init, ok := c.inits[source]
	if !ok {
		return nil, fmt.Errorf("no module registered for source %q", source)
	}
	return init, nil
}

// Sources lists the registered source names, sorted.
func (c *Catalog) Sources() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.inits))
	for name := range c.inits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
