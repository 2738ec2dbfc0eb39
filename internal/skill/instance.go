package skill

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Instance is one constructed skill together with its input queues and
// latest outputs. It keeps the Schema it was built from, so a later reload
// of the same skill type does not affect it.
type Instance struct {
	id     string
	schema *Schema
	skill  Skill

	mu       sync.Mutex
	queued   map[string][]Item
	latest   map[string]any
	produced chan struct{} // closed and replaced whenever outputs are published
}

// NewInstance wraps s with fresh, empty slots.
func NewInstance(schema *Schema, s Skill) *Instance {
	return &Instance{
		id:       uuid.New().String(),
		schema:   schema,
		skill:    s,
		queued:   make(map[string][]Item),
		latest:   make(map[string]any),
		produced: make(chan struct{}),
	}
}

func (i *Instance) ID() string      { return i.id }
func (i *Instance) Schema() *Schema { return i.schema }
func (i *Instance) Skill() Skill    { return i.skill }

// Key returns the schema key, or "" for an instance built without one.
func (i *Instance) Key() string {
	if i.schema == nil {
		return ""
	}
	return i.schema.Key
}

// Push queues item for the next tick.
func (i *Instance) Push(name string, item Item) error {
	if i.schema == nil || !i.schema.HasInput(name) {
		return fmt.Errorf("%w: %q on %s", ErrUnknownInput, name, i.Key())
	}
	i.mu.Lock()
	i.queued[name] = append(i.queued[name], item)
	i.mu.Unlock()
	return nil
}

// Drain removes and returns every queued item.
func (i *Instance) Drain() Inputs {
	i.mu.Lock()
	defer i.mu.Unlock()
	in := Inputs(i.queued)
	i.queued = make(map[string][]Item)
	return in
}

// Discard drops queued items and reports how many were dropped.
func (i *Instance) Discard() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, items := range i.queued {
		n += len(items)
	}
	i.queued = make(map[string][]Item)
	return n
}

// Pending reports the number of queued items.
func (i *Instance) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, items := range i.queued {
		n += len(items)
	}
	return n
}

// Publish records out as the latest outputs and wakes waiting readers.
// Names the schema does not declare are dropped and returned.
func (i *Instance) Publish(out Outputs) []string {
	if len(out) == 0 {
		return nil
	}
	var undeclared []string
	i.mu.Lock()
	for name, v := range out {
		if i.schema == nil || !i.schema.HasOutput(name) {
			undeclared = append(undeclared, name)
			continue
		}
		i.latest[name] = v
	}
	close(i.produced)
	i.produced = make(chan struct{})
	i.mu.Unlock()
	return undeclared
}

// Latest returns the most recent value for name, if one was produced.
func (i *Instance) Latest(name string) (any, bool, error) {
	if i.schema == nil || !i.schema.HasOutput(name) {
		return nil, false, fmt.Errorf("%w: %q on %s", ErrUnknownOutput, name, i.Key())
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.latest[name]
	return v, ok, nil
}

// Wait blocks until a value for name exists. It gives up when ctx is done
// or when stop is closed, returning ErrStopped in the latter case.
func (i *Instance) Wait(ctx context.Context, name string, stop <-chan struct{}) (any, error) {
	if i.schema == nil || !i.schema.HasOutput(name) {
		return nil, fmt.Errorf("%w: %q on %s", ErrUnknownOutput, name, i.Key())
	}
	for {
		i.mu.Lock()
		v, ok := i.latest[name]
		produced := i.produced
		i.mu.Unlock()
		if ok {
			return v, nil
		}

		select {
		case <-produced:
		case <-stop:
			return nil, ErrStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
