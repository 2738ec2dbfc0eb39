package skill

import (
	"context"
	"fmt"

	"github.com/spf13/cast"
)

// RegisterBuiltins adds the default built-in factories to the catalog.
func RegisterBuiltins(c *Catalog) {
	c.Register("counter", newCounter)
	c.Register("echo", newEcho)
	c.Register("sum", newSum)
	c.Register("noop", newNoop)
}

// counter emits tick*multiplier on every step.
type counter struct {
	output     string
	multiplier int
	resetInput string
	count      int
}

func newCounter(config map[string]any) (Skill, error) {
	multiplier, err := cast.ToIntE(valueOr(config, "multiplier", 1))
	if err != nil {
		return nil, fmt.Errorf("counter multiplier: %w", err)
	}
	return &counter{
		output:     cast.ToString(valueOr(config, "output", "count")),
		resetInput: cast.ToString(valueOr(config, "reset", "reset")),
		multiplier: multiplier,
	}, nil
}

func (c *counter) Initialize(ctx context.Context) error {
	c.count = 0
	return nil
}

func (c *counter) Step(ctx context.Context, in Inputs) (Outputs, error) {
	if item, ok := in.Last(c.resetInput); ok && cast.ToBool(item.Value) {
		c.count = 0
	}
	c.count++
	return Outputs{c.output: c.count * c.multiplier}, nil
}

func (c *counter) Shutdown(ctx context.Context) error {
	c.count = -1
	return nil
}

// echo forwards the latest item of one input to one output.
type echo struct {
	input  string
	output string
}

func newEcho(config map[string]any) (Skill, error) {
	return &echo{
		input:  cast.ToString(valueOr(config, "input", "in")),
		output: cast.ToString(valueOr(config, "output", "out")),
	}, nil
}

func (e *echo) Initialize(ctx context.Context) error { return nil }

func (e *echo) Step(ctx context.Context, in Inputs) (Outputs, error) {
	item, ok := in.Last(e.input)
	if !ok {
		return nil, nil
	}
	return Outputs{e.output: item.Value}, nil
}

func (e *echo) Shutdown(ctx context.Context) error { return nil }

// sum keeps a running total of every numeric item it receives.
type sum struct {
	input  string
	output string
	total  float64
}

func newSum(config map[string]any) (Skill, error) {
	initial, err := cast.ToFloat64E(valueOr(config, "initial", 0))
	if err != nil {
		return nil, fmt.Errorf("sum initial: %w", err)
	}
	return &sum{
		input:  cast.ToString(valueOr(config, "input", "in")),
		output: cast.ToString(valueOr(config, "output", "total")),
		total:  initial,
	}, nil
}

func (s *sum) Initialize(ctx context.Context) error { return nil }

func (s *sum) Step(ctx context.Context, in Inputs) (Outputs, error) {
	items := in[s.input]
	if len(items) == 0 {
		return nil, nil
	}
	for _, item := range items {
		v, err := cast.ToFloat64E(item.Value)
		if err != nil {
			return nil, fmt.Errorf("sum item %s: %w", item.ID, err)
		}
		s.total += v
	}
	return Outputs{s.output: s.total}, nil
}

func (s *sum) Shutdown(ctx context.Context) error { return nil }

type noop struct{}

func newNoop(map[string]any) (Skill, error) { return noop{}, nil }

func (noop) Initialize(ctx context.Context) error                { return nil }
func (noop) Step(ctx context.Context, in Inputs) (Outputs, error) { return nil, nil }
func (noop) Shutdown(ctx context.Context) error                  { return nil }

func valueOr(config map[string]any, key string, fallback any) any {
	if v, ok := config[key]; ok && v != nil {
		return v
	}
	return fallback
}
