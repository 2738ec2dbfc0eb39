// Package actor maps a listing of invocable commands onto registry lookups
// and interpreter calls.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/nuka-runtime/internal/orchestrator"
	"github.com/nidhogg/nuka-runtime/internal/skill"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrUnknownCommand = errors.New("unknown command")

// Resolver finds schemas and constructs instances from them.
type Resolver interface {
	FindSkillSchema(key string) (*skill.Schema, error)
	Construct(schema *skill.Schema) (*skill.Instance, error)
}

// Runner drives launched instances.
type Runner interface {
	Launch(ctx context.Context, inst *skill.Instance) error
	Push(ctx context.Context, inst *skill.Instance, name string, item skill.Item) error
	Pull(ctx context.Context, inst *skill.Instance, name string) (any, error)
	Abort(ctx context.Context, inst *skill.Instance) error
	Shutdown(ctx context.Context) error
}

// Journal records invocations for operators. It is never read back to
// restore tasks.
type Journal interface {
	RecordInvoke(ctx context.Context, inv *Invocation) error
	RecordRevoke(ctx context.Context, id string, at time.Time) error
}

// Invocation describes one invoked command.
type Invocation struct {
	ID        string         `json:"id"`
	Command   string         `json:"command"`
	Skill     string         `json:"skill"`
	Params    map[string]any `json:"params,omitempty"`
	InvokedAt time.Time      `json:"invoked_at"`
}

// Options configures an Actor.
type Options struct {
	Logger  *zap.Logger
	Journal Journal
	// Source tags the items pushed on behalf of callers.
	Source string
}

type entry struct {
	inv  *Invocation
	inst *skill.Instance
}

// Actor is the façade external callers use to invoke and revoke skills.
type Actor struct {
	resolver Resolver
	runner   Runner
	journal  Journal
	source   string
	logger   *zap.Logger

	mu          sync.RWMutex
	listing     map[string]string
	invocations map[string]*entry
}

// New creates an Actor serving the commands in listing (command -> schema key).
func New(resolver Resolver, runner Runner, listing map[string]string, opts Options) *Actor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	source := opts.Source
	if source == "" {
		source = "actor"
	}
	a := &Actor{
		resolver:    resolver,
		runner:      runner,
		journal:     opts.Journal,
		source:      source,
		logger:      logger.With(zap.String("component", "actor")),
		listing:     make(map[string]string, len(listing)),
		invocations: make(map[string]*entry),
	}
	for command, key := range listing {
		a.listing[command] = key
	}
	return a
}

// Commands returns the listed command names sorted.
func (a *Actor) Commands() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	commands := make([]string, 0, len(a.listing))
	for command := range a.listing {
		commands = append(commands, command)
	}
	sort.Strings(commands)
	return commands
}

// GetListing resolves every listed command to its current schema. Commands
// whose schema is not published are left out and reported in the error.
func (a *Actor) GetListing() (map[string]*skill.Schema, error) {
	a.mu.RLock()
	listing := make(map[string]string, len(a.listing))
	for command, key := range a.listing {
		listing[command] = key
	}
	a.mu.RUnlock()

	out := make(map[string]*skill.Schema, len(listing))
	var errs error
	for command, key := range listing {
		schema, err := a.resolver.FindSkillSchema(key)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("command %s: %w", command, err))
			continue
		}
		out[command] = schema
	}
	return out, errs
}

// Invoke constructs and launches the skill listed under command, then
// pushes each parameter to the input of the same name.
func (a *Actor) Invoke(ctx context.Context, command string, params map[string]any) (*Invocation, error) {
	a.mu.RLock()
	key, ok := a.listing[command]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}

	schema, err := a.resolver.FindSkillSchema(key)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(params))
	for name := range params {
		if !schema.HasInput(name) {
			return nil, fmt.Errorf("%w: %q on %s", skill.ErrUnknownInput, name, schema.Key)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	inst, err := a.resolver.Construct(schema)
	if err != nil {
		return nil, err
	}
	if err := a.runner.Launch(ctx, inst); err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := a.runner.Push(ctx, inst, name, skill.NewItem(params[name], a.source)); err != nil {
			if abortErr := a.runner.Abort(ctx, inst); abortErr != nil {
				err = multierr.Append(err, abortErr)
			}
			return nil, fmt.Errorf("push %s: %w", name, err)
		}
	}

	inv := &Invocation{
		ID:        inst.ID(),
		Command:   command,
		Skill:     schema.Key,
		Params:    params,
		InvokedAt: time.Now().UTC(),
	}
	a.mu.Lock()
	a.invocations[inv.ID] = &entry{inv: inv, inst: inst}
	a.mu.Unlock()

	if a.journal != nil {
		if err := a.journal.RecordInvoke(ctx, inv); err != nil {
			a.logger.Warn("journal invoke failed", zap.String("instance", inv.ID), zap.Error(err))
		}
	}
	a.logger.Info("skill invoked",
		zap.String("command", command),
		zap.String("skill", schema.Key),
		zap.String("instance", inv.ID))
	return inv, nil
}

// Revoke aborts the invocation with the given instance id.
func (a *Actor) Revoke(ctx context.Context, id string) error {
	a.mu.Lock()
	e, ok := a.invocations[id]
	delete(a.invocations, id)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", orchestrator.ErrUnknownTask, id)
	}

	err := a.runner.Abort(ctx, e.inst)
	if a.journal != nil {
		if jerr := a.journal.RecordRevoke(ctx, id, time.Now().UTC()); jerr != nil {
			a.logger.Warn("journal revoke failed", zap.String("instance", id), zap.Error(jerr))
		}
	}
	a.logger.Info("skill revoked", zap.String("instance", id), zap.String("command", e.inv.Command))
	return err
}

// Push delivers value to the named input of an invocation.
func (a *Actor) Push(ctx context.Context, id, name string, value any) error {
	inst, err := a.instance(id)
	if err != nil {
		return err
	}
	return a.runner.Push(ctx, inst, name, skill.NewItem(value, a.source))
}

// Pull returns the latest value of the named output of an invocation.
func (a *Actor) Pull(ctx context.Context, id, name string) (any, error) {
	inst, err := a.instance(id)
	if err != nil {
		return nil, err
	}
	return a.runner.Pull(ctx, inst, name)
}

// Invocations returns the live invocations, oldest first.
func (a *Actor) Invocations() []*Invocation {
	a.mu.RLock()
	out := make([]*Invocation, 0, len(a.invocations))
	for _, e := range a.invocations {
		out = append(out, e.inv)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InvokedAt.Before(out[j].InvokedAt) })
	return out
}

// Invocation returns the live invocation with the given instance id.
func (a *Actor) Invocation(id string) (*Invocation, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.invocations[id]
	if !ok {
		return nil, false
	}
	return e.inv, true
}

func (a *Actor) instance(id string) (*skill.Instance, error) {
	a.mu.RLock()
	e, ok := a.invocations[id]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrUnknownTask, id)
	}
	return e.inst, nil
}

// Shutdown stops every invocation by shutting the runner down.
func (a *Actor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.invocations = make(map[string]*entry)
	a.mu.Unlock()
	return a.runner.Shutdown(ctx)
}
