package registry

import "github.com/nidhogg/nuka-runtime/internal/skill"

// table is an immutable snapshot of everything the registry publishes.
// Writers clone, modify and swap; readers never see a partial update.
type table struct {
	modules map[string]*Namespace    // absolute unit path -> namespace
	schemas map[string]*skill.Schema // schema key -> schema
	owners  map[string]string        // schema key -> absolute unit path
}

func emptyTable() *table {
	return &table{
		modules: make(map[string]*Namespace),
		schemas: make(map[string]*skill.Schema),
		owners:  make(map[string]string),
	}
}

func (t *table) clone() *table {
	next := &table{
		modules: make(map[string]*Namespace, len(t.modules)),
		schemas: make(map[string]*skill.Schema, len(t.schemas)),
		owners:  make(map[string]string, len(t.owners)),
	}
	for k, v := range t.modules {
		next.modules[k] = v
	}
	for k, v := range t.schemas {
		next.schemas[k] = v
	}
	for k, v := range t.owners {
		next.owners[k] = v
	}
	return next
}

// put replaces the entries of ns.Path with ns. It returns the schema keys
// that were taken over from a unit at a different path.
func (t *table) put(ns *Namespace) []string {
	t.remove(ns.Path)
	var collisions []string
	for _, schema := range ns.Schemas {
		if owner, ok := t.owners[schema.Key]; ok && owner != ns.Path {
			collisions = append(collisions, schema.Key)
		}
		t.schemas[schema.Key] = schema
		t.owners[schema.Key] = ns.Path
	}
	t.modules[ns.Path] = ns
	return collisions
}

// remove retracts the unit at path and the schemas it still owns.
func (t *table) remove(path string) {
	prev, ok := t.modules[path]
	if !ok {
		return
	}
	delete(t.modules, path)
	for _, schema := range prev.Schemas {
		if t.owners[schema.Key] == path {
			delete(t.schemas, schema.Key)
			delete(t.owners, schema.Key)
		}
	}
}
