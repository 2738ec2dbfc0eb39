package skill

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh Skill from a schema's config.
type Factory func(config map[string]any) (Skill, error)

// Catalog maps factory names to constructors. Source units bind skill types
// to catalog entries; replacing an entry only affects later constructions.
// All operations are thread-safe.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates an empty Catalog ready for use.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory stored under name.
func (c *Catalog) Register(name string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = f
}

// Unregister removes name from the catalog.
func (c *Catalog) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.factories, name)
}

// Lookup returns the factory registered under name.
func (c *Catalog) Lookup(name string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[name]
	return f, ok
}

// Names returns the registered factory names sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Construct builds a new Instance for schema.
func (c *Catalog) Construct(schema *Schema) (*Instance, error) {
	f, ok := c.Lookup(schema.Factory)
	if !ok {
		return nil, fmt.Errorf("%w: %q for %s", ErrUnknownFactory, schema.Factory, schema.Key)
	}
	s, err := f(schema.Config)
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", schema.Key, err)
	}
	return NewInstance(schema, s), nil
}
