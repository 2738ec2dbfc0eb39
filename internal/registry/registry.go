// Package registry discovers skill definitions from source units on disk and
// keeps them current as the files change.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/nidhogg/nuka-runtime/internal/skill"
	"github.com/nidhogg/nuka-runtime/internal/watcher"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrUnknownSkill = errors.New("unknown skill")
	ErrInvalidUnit  = errors.New("invalid source unit")
	ErrImportCycle  = errors.New("import cycle")
)

// Options configures a Registry.
type Options struct {
	Logger *zap.Logger
	// Debounce is passed to the watcher used by watched loads.
	Debounce time.Duration
	// Ignore holds glob patterns over unit identifiers ("drafts/**",
	// "*.local.yaml"). Matching units are never loaded.
	Ignore []string
}

// Registry holds the published schema table. Reads are lock-free against
// the current snapshot; loads and reloads are serialized.
type Registry struct {
	catalog  *skill.Catalog
	logger   *zap.Logger
	debounce time.Duration
	ignore   []glob.Glob

	table atomic.Pointer[table]

	mu      sync.Mutex
	scopes  map[string]*scope
	watcher *watcher.Watcher
	closed  bool
}

// New creates an empty Registry that builds instances from catalog.
func New(catalog *skill.Catalog, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		catalog:  catalog,
		logger:   logger.With(zap.String("component", "registry")),
		debounce: opts.Debounce,
		scopes:   make(map[string]*scope),
	}
	for _, pattern := range opts.Ignore {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			r.logger.Warn("invalid ignore pattern", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		r.ignore = append(r.ignore, g)
	}
	r.table.Store(emptyTable())
	return r
}

func (r *Registry) ignored(id string) bool {
	for _, g := range r.ignore {
		if g.Match(id) {
			return true
		}
	}
	return false
}

// LoadFolder evaluates every unit below path and publishes their schemas.
// Units that fail are skipped and reported in the returned error; the rest
// are still published. With watch set, later changes below path are
// reloaded unit by unit.
func (r *Registry) LoadFolder(path string, watch bool) error {
	root, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("load %s: not a directory", path)
	}

	loadErr := r.load(root)
	if !watch {
		return loadErr
	}
	if err := r.watch(root); err != nil {
		return multierr.Append(loadErr, err)
	}
	return loadErr
}

func (r *Registry) load(root string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, err := discover(root, r.ignored)
	if err != nil {
		return fmt.Errorf("discover %s: %w", root, err)
	}

	sc, ok := r.scopes[root]
	if !ok {
		sc = newScope(root)
		r.scopes[root] = sc
	}
	eval := newEvaluator(sc, r.catalog, false)
	for _, id := range ids {
		_, _ = eval.unit(id)
	}

	var errs error
	for _, id := range ids {
		if err, failed := eval.failed[id]; failed {
			errs = multierr.Append(errs, err)
		}
	}

	next := r.table.Load().clone()
	present := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
	}
	for id, ns := range sc.units {
		if _, ok := present[id]; !ok {
			next.remove(ns.Path)
			delete(sc.units, id)
		}
	}
	r.publish(sc, next, eval.fresh)
	r.table.Store(next)

	r.logger.Info("folder loaded",
		zap.String("root", root),
		zap.Int("units", len(eval.fresh)),
		zap.Int("failed", len(multierr.Errors(errs))),
		zap.Int("schemas", len(next.schemas)))
	return errs
}

// publish moves freshly evaluated namespaces into the scope and the table.
func (r *Registry) publish(sc *scope, next *table, fresh map[string]*Namespace) {
	ids := make([]string, 0, len(fresh))
	for id := range fresh {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ns := fresh[id]
		sc.units[id] = ns
		for _, key := range next.put(ns) {
			r.logger.Warn("schema key collision, later load wins",
				zap.String("key", key),
				zap.String("path", ns.Path))
		}
	}
}

func (r *Registry) watch(root string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return watcher.ErrClosed
	}
	if r.watcher == nil {
		r.watcher = watcher.New(r.Reload, watcher.Options{
			Logger:   r.logger,
			Debounce: r.debounce,
		})
	}
	w := r.watcher
	r.mu.Unlock()
	return w.Monitor(root)
}

// Reload re-evaluates the single unit at path below root and swaps its
// entries. An unchanged file is a no-op, a missing file retracts the unit,
// and a unit that fails to evaluate keeps its previous entries.
func (r *Registry) Reload(root, path string) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return err
	}
	id, err := unitID(root, path)
	if err != nil {
		return err
	}
	if hiddenPath(id) || r.ignored(id) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sc, ok := r.scopes[root]
	if !ok {
		sc = newScope(root)
		r.scopes[root] = sc
	}

	if !isUnitFile(path) {
		r.retractDir(sc, id, path)
		return nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		r.retract(sc, id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reload %s: %w", id, err)
	}
	if prev, ok := sc.units[id]; ok && prev.Checksum == checksum(data) {
		return nil
	}

	eval := newEvaluator(sc, r.catalog, true)
	eval.sources[id] = data
	ns, err := eval.unit(id)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	next := r.table.Load().clone()
	r.publish(sc, next, eval.fresh)
	r.table.Store(next)

	r.logger.Info("unit reloaded",
		zap.String("unit", id),
		zap.String("root", root),
		zap.Int("schemas", len(ns.Schemas)))
	return nil
}

func (r *Registry) retract(sc *scope, id string) {
	ns, ok := sc.units[id]
	if !ok {
		return
	}
	next := r.table.Load().clone()
	next.remove(ns.Path)
	delete(sc.units, id)
	r.table.Store(next)
	r.logger.Info("unit retracted", zap.String("unit", id), zap.String("root", sc.root))
}

// retractDir drops the units of a directory that no longer exists.
func (r *Registry) retractDir(sc *scope, id, path string) {
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		return
	}
	prefix := id + "/"
	for unit := range sc.units {
		if strings.HasPrefix(unit, prefix) {
			r.retract(sc, unit)
		}
	}
}

// ListSkillsSchema returns the published schemas sorted by key.
func (r *Registry) ListSkillsSchema() []*skill.Schema {
	t := r.table.Load()
	schemas := make([]*skill.Schema, 0, len(t.schemas))
	for _, s := range t.schemas {
		schemas = append(schemas, s)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Key < schemas[j].Key })
	return schemas
}

// FindSkillSchema returns the schema published under key.
func (r *Registry) FindSkillSchema(key string) (*skill.Schema, error) {
	s, ok := r.table.Load().schemas[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, key)
	}
	return s, nil
}

// Construct builds a fresh instance of schema. The table is not touched.
func (r *Registry) Construct(schema *skill.Schema) (*skill.Instance, error) {
	if schema == nil {
		return nil, fmt.Errorf("%w: nil schema", ErrUnknownSkill)
	}
	return r.catalog.Construct(schema)
}

// Modules returns the evaluated namespaces keyed by absolute unit path.
func (r *Registry) Modules() map[string]*Namespace {
	t := r.table.Load()
	modules := make(map[string]*Namespace, len(t.modules))
	for k, v := range t.modules {
		modules[k] = v
	}
	return modules
}

// Watching reports the roots under watch.
func (r *Registry) Watching() []string {
	r.mu.Lock()
	w := r.watcher
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	roots := w.Roots()
	sort.Strings(roots)
	return roots
}

// WatchMetrics returns the watcher counters, if any folder is watched.
func (r *Registry) WatchMetrics() (watcher.Metrics, bool) {
	r.mu.Lock()
	w := r.watcher
	r.mu.Unlock()
	if w == nil {
		return watcher.Metrics{}, false
	}
	return w.Metrics(), true
}

// Shutdown stops watching. The published table stays readable.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	w := r.watcher
	r.mu.Unlock()
	if w != nil {
		w.Shutdown()
	}
}
