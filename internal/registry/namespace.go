package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nidhogg/nuka-runtime/internal/skill"
)

// Namespace is the evaluated form of one source unit.
type Namespace struct {
	Unit     string          `json:"unit"`
	Path     string          `json:"path"`
	Root     string          `json:"root"`
	Imports  []string        `json:"imports,omitempty"`
	Values   map[string]any  `json:"values"`
	Schemas  []*skill.Schema `json:"schemas"`
	Checksum uint64          `json:"checksum"`
	LoadedAt time.Time       `json:"loaded_at"`
}

// scope is the private symbol table of one load root, keyed by unit id.
type scope struct {
	root  string
	units map[string]*Namespace
}

func newScope(root string) *scope {
	return &scope{root: root, units: make(map[string]*Namespace)}
}

// resolve finds the unit id an import target refers to. Targets may carry
// an extension or leave it off.
func (s *scope) resolve(target string) (string, error) {
	if isUnitFile(target) {
		if _, err := os.Stat(s.file(target)); err == nil {
			return target, nil
		}
		if _, ok := s.units[target]; ok {
			return target, nil
		}
	}
	for _, ext := range unitExtensions {
		id := target + ext
		if _, err := os.Stat(s.file(id)); err == nil {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no unit %q in %s", ErrInvalidUnit, target, s.root)
}

func (s *scope) file(id string) string {
	return filepath.Join(s.root, filepath.FromSlash(id))
}

// evaluator evaluates units of one scope during a single load or reload
// pass. Units evaluated in the pass are collected in fresh; a reload pass
// reuses already-loaded imports instead of re-evaluating them.
type evaluator struct {
	scope    *scope
	catalog  *skill.Catalog
	reuse    bool
	fresh    map[string]*Namespace
	failed   map[string]error
	visiting []string
	sources  map[string][]byte
}

func newEvaluator(s *scope, catalog *skill.Catalog, reuse bool) *evaluator {
	return &evaluator{
		scope:   s,
		catalog: catalog,
		reuse:   reuse,
		fresh:   make(map[string]*Namespace),
		failed:  make(map[string]error),
		sources: make(map[string][]byte),
	}
}

// unit returns the namespace for id, evaluating it at most once per pass.
func (e *evaluator) unit(id string) (*Namespace, error) {
	if ns, ok := e.fresh[id]; ok {
		return ns, nil
	}
	if err, ok := e.failed[id]; ok {
		return nil, err
	}
	for _, v := range e.visiting {
		if v == id {
			chain := append(append([]string{}, e.visiting...), id)
			return nil, fmt.Errorf("%w: %s", ErrImportCycle, strings.Join(chain, " -> "))
		}
	}
	if e.reuse && len(e.visiting) > 0 {
		if ns, ok := e.scope.units[id]; ok {
			return ns, nil
		}
	}

	e.visiting = append(e.visiting, id)
	ns, err := e.evaluate(id)
	e.visiting = e.visiting[:len(e.visiting)-1]
	if err != nil {
		err = fmt.Errorf("evaluate %s: %w", id, err)
		e.failed[id] = err
		return nil, err
	}
	e.fresh[id] = ns
	return ns, nil
}

func (e *evaluator) read(id string) ([]byte, error) {
	if data, ok := e.sources[id]; ok {
		return data, nil
	}
	data, err := os.ReadFile(e.scope.file(id))
	if err != nil {
		return nil, err
	}
	e.sources[id] = data
	return data, nil
}

func (e *evaluator) evaluate(id string) (*Namespace, error) {
	data, err := e.read(id)
	if err != nil {
		return nil, err
	}
	unit, err := parseUnit(data)
	if err != nil {
		return nil, err
	}

	ns := &Namespace{
		Unit:     id,
		Path:     e.scope.file(id),
		Root:     e.scope.root,
		Values:   make(map[string]any),
		Checksum: checksum(data),
		LoadedAt: time.Now().UTC(),
	}

	for _, imp := range unit.Imports {
		target, err := importTarget(imp.From)
		if err != nil {
			return nil, err
		}
		depID, err := e.scope.resolve(target)
		if err != nil {
			return nil, err
		}
		dep, err := e.unit(depID)
		if err != nil {
			return nil, fmt.Errorf("import %q: %w", imp.From, err)
		}
		ns.Imports = append(ns.Imports, depID)
		if len(imp.Names) == 0 {
			for name, v := range dep.Values {
				ns.Values[name] = v
			}
			continue
		}
		for _, name := range imp.Names {
			v, ok := dep.Values[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s does not define %q", ErrInvalidUnit, depID, name)
			}
			ns.Values[name] = v
		}
	}
	for name, v := range unit.Values {
		ns.Values[name] = v
	}

	for _, decl := range unit.Skills {
		if _, ok := e.catalog.Lookup(decl.Factory); !ok {
			return nil, fmt.Errorf("skill %s: %w: %q", decl.Type, skill.ErrUnknownFactory, decl.Factory)
		}
		config, err := substitute(decl.Config, ns.Values)
		if err != nil {
			return nil, fmt.Errorf("skill %s: %w", decl.Type, err)
		}
		cfg, _ := config.(map[string]any)
		ns.Schemas = append(ns.Schemas, &skill.Schema{
			Key:         skill.SchemaKey(id, decl.Type),
			Unit:        id,
			Type:        decl.Type,
			Factory:     decl.Factory,
			Description: decl.Description,
			Inputs:      toPorts(decl.Inputs),
			Outputs:     toPorts(decl.Outputs),
			Config:      cfg,
		})
	}
	return ns, nil
}

func checksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// substitute replaces "$name" strings with namespace values. "$$" escapes
// a literal leading dollar.
func substitute(v any, values map[string]any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.HasPrefix(val, "$$") {
			return val[1:], nil
		}
		if name, ok := strings.CutPrefix(val, "$"); ok && identifier.MatchString(name) {
			resolved, found := values[name]
			if !found {
				return nil, fmt.Errorf("%w: unresolved reference %q", ErrInvalidUnit, val)
			}
			return resolved, nil
		}
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := substitute(item, values)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := substitute(item, values)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return val, nil
	}
}

// discover lists the unit ids below root, skipping hidden directories.
func discover(root string, skip func(id string) bool) ([]string, error) {
	var ids []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) && path != root {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			if path != root && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() || !isUnitFile(entry.Name()) {
			return nil
		}
		id, err := unitID(root, path)
		if err != nil {
			return err
		}
		if skip == nil || !skip(id) {
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}
