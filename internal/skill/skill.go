package skill

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownInput   = errors.New("unknown input")
	ErrUnknownOutput  = errors.New("unknown output")
	ErrUnknownFactory = errors.New("unknown skill factory")
	ErrStopped        = errors.New("instance stopped")
)

// Skill is the capability set every skill implementation provides.
// Implementations are driven by the orchestrator: Initialize exactly once,
// Step once per tick, Shutdown once when the task is halted.
type Skill interface {
	Initialize(ctx context.Context) error
	Step(ctx context.Context, in Inputs) (Outputs, error)
	Shutdown(ctx context.Context) error
}

// Inputs holds the items queued for each input name since the previous tick.
type Inputs map[string][]Item

// Last returns the most recent item queued for name.
func (in Inputs) Last(name string) (Item, bool) {
	items := in[name]
	if len(items) == 0 {
		return Item{}, false
	}
	return items[len(items)-1], true
}

// Outputs maps output names to the values produced by one tick.
type Outputs map[string]any

// Item is a value delivered to a named input, tagged with identity and provenance.
type Item struct {
	ID        string    `json:"id"`
	Value     any       `json:"value"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewItem wraps value with a fresh ID and the current time.
func NewItem(value any, source string) Item {
	return Item{
		ID:        uuid.New().String(),
		Value:     value,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

// Port declares a named input or output and its value specification.
type Port struct {
	Name string `json:"name" yaml:"name"`
	Spec string `json:"spec,omitempty" yaml:"spec"`
}

// Schema describes a published skill type. Schemas are never mutated after
// publication; a reload publishes a new Schema under the same Key.
type Schema struct {
	Key         string         `json:"key"`
	Unit        string         `json:"unit"`
	Type        string         `json:"type"`
	Factory     string         `json:"factory"`
	Description string         `json:"description,omitempty"`
	Inputs      []Port         `json:"inputs"`
	Outputs     []Port         `json:"outputs"`
	Config      map[string]any `json:"config,omitempty"`
}

// SchemaKey builds the registry key for a type declared in unit.
func SchemaKey(unit, typeName string) string {
	return unit + ":" + typeName
}

func (s *Schema) HasInput(name string) bool {
	return hasPort(s.Inputs, name)
}

func (s *Schema) HasOutput(name string) bool {
	return hasPort(s.Outputs, name)
}

func hasPort(ports []Port, name string) bool {
	for _, p := range ports {
		if p.Name == name {
			return true
		}
	}
	return false
}
