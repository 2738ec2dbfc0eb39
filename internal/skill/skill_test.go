package skill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *Schema {
	return &Schema{
		Key:     SchemaKey("echo.yaml", "Echo"),
		Unit:    "echo.yaml",
		Type:    "Echo",
		Factory: "echo",
		Inputs:  []Port{{Name: "in", Spec: "any"}},
		Outputs: []Port{{Name: "out", Spec: "any"}},
	}
}

func TestInstancePushAndDrain(t *testing.T) {
	inst := NewInstance(testSchema(), noop{})

	require.NoError(t, inst.Push("in", NewItem(1, "test")))
	require.NoError(t, inst.Push("in", NewItem(2, "test")))
	assert.Equal(t, 2, inst.Pending())

	in := inst.Drain()
	require.Len(t, in["in"], 2)
	last, ok := in.Last("in")
	require.True(t, ok)
	assert.Equal(t, 2, last.Value)
	assert.Equal(t, 0, inst.Pending())
}

func TestInstanceRejectsUndeclaredNames(t *testing.T) {
	inst := NewInstance(testSchema(), noop{})

	err := inst.Push("missing", NewItem(1, ""))
	assert.True(t, errors.Is(err, ErrUnknownInput))

	_, _, err = inst.Latest("missing")
	assert.True(t, errors.Is(err, ErrUnknownOutput))

	_, err = inst.Wait(context.Background(), "missing", nil)
	assert.True(t, errors.Is(err, ErrUnknownOutput))
}

func TestInstancePublishDropsUndeclared(t *testing.T) {
	inst := NewInstance(testSchema(), noop{})

	dropped := inst.Publish(Outputs{"out": "hello", "other": 1})
	assert.Equal(t, []string{"other"}, dropped)

	v, ok, err := inst.Latest("out")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", v)
}

func TestInstanceWaitBlocksUntilPublish(t *testing.T) {
	inst := NewInstance(testSchema(), noop{})

	got := make(chan any, 1)
	go func() {
		v, err := inst.Wait(context.Background(), "out", nil)
		if err == nil {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("wait returned before any output was produced")
	case <-time.After(50 * time.Millisecond):
	}

	inst.Publish(Outputs{"out": 42})
	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for output")
	}
}

func TestInstanceWaitStops(t *testing.T) {
	inst := NewInstance(testSchema(), noop{})
	stop := make(chan struct{})
	close(stop)

	_, err := inst.Wait(context.Background(), "out", stop)
	assert.ErrorIs(t, err, ErrStopped)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = inst.Wait(ctx, "out", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInstanceDiscard(t *testing.T) {
	inst := NewInstance(testSchema(), noop{})
	require.NoError(t, inst.Push("in", NewItem("a", "")))
	require.NoError(t, inst.Push("in", NewItem("b", "")))

	assert.Equal(t, 2, inst.Discard())
	assert.Empty(t, inst.Drain())
}

func TestCatalogConstruct(t *testing.T) {
	c := NewCatalog()
	RegisterBuiltins(c)
	assert.Equal(t, []string{"counter", "echo", "noop", "sum"}, c.Names())

	inst, err := c.Construct(testSchema())
	require.NoError(t, err)
	assert.IsType(t, &echo{}, inst.Skill())
	assert.Equal(t, "echo.yaml:Echo", inst.Key())
	assert.NotEmpty(t, inst.ID())

	other, err := c.Construct(testSchema())
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID(), other.ID())

	_, err = c.Construct(&Schema{Key: "x.yaml:X", Factory: "missing"})
	assert.ErrorIs(t, err, ErrUnknownFactory)

	c.Unregister("echo")
	_, ok := c.Lookup("echo")
	assert.False(t, ok)
}

func TestCounterBuiltin(t *testing.T) {
	ctx := context.Background()
	s, err := newCounter(map[string]any{"multiplier": 123, "output": "test"})
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))

	for i := 1; i < 10; i++ {
		out, err := s.Step(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, Outputs{"test": i * 123}, out)
	}

	out, err := s.Step(ctx, Inputs{"reset": {NewItem(true, "")}})
	require.NoError(t, err)
	assert.Equal(t, Outputs{"test": 123}, out)

	_, err = newCounter(map[string]any{"multiplier": "many"})
	assert.Error(t, err)
}

func TestSumBuiltin(t *testing.T) {
	ctx := context.Background()
	s, err := newSum(map[string]any{"initial": "1.5"})
	require.NoError(t, err)

	out, err := s.Step(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = s.Step(ctx, Inputs{"in": {NewItem(1, ""), NewItem(2.5, ""), NewItem("3", "")}})
	require.NoError(t, err)
	assert.Equal(t, Outputs{"total": 8.0}, out)

	_, err = s.Step(ctx, Inputs{"in": {NewItem("nope", "")}})
	assert.Error(t, err)
}

func TestEchoBuiltin(t *testing.T) {
	ctx := context.Background()
	s, err := newEcho(map[string]any{"input": "text", "output": "copy"})
	require.NoError(t, err)

	out, err := s.Step(ctx, Inputs{"text": {NewItem("a", ""), NewItem("b", "")}})
	require.NoError(t, err)
	assert.Equal(t, Outputs{"copy": "b"}, out)
}
