package actor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/nuka-runtime/internal/orchestrator"
	"github.com/nidhogg/nuka-runtime/internal/registry"
	"github.com/nidhogg/nuka-runtime/internal/skill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const units = `
skills:
  - type: Echo
    factory: echo
    inputs: [in]
    outputs: [out]
  - type: Counter
    factory: counter
    outputs: [count]
    config: {multiplier: 123}
`

type memoryJournal struct {
	mu       sync.Mutex
	invoked  []*Invocation
	revoked  []string
	failWith error
}

func (j *memoryJournal) RecordInvoke(ctx context.Context, inv *Invocation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.invoked = append(j.invoked, inv)
	return j.failWith
}

func (j *memoryJournal) RecordRevoke(ctx context.Context, id string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.revoked = append(j.revoked, id)
	return j.failWith
}

func newTestActor(t *testing.T, journal Journal) *Actor {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "basic.yaml"), []byte(units), 0o600))

	catalog := skill.NewCatalog()
	skill.RegisterBuiltins(catalog)
	reg := registry.New(catalog, registry.Options{})
	require.NoError(t, reg.LoadFolder(dir, false))

	interp := orchestrator.NewInterpreter(orchestrator.InterpreterOptions{TickInterval: 10 * time.Millisecond})
	a := New(reg, interp, map[string]string{
		"echo":    "basic.yaml:Echo",
		"count":   "basic.yaml:Counter",
		"missing": "basic.yaml:Missing",
	}, Options{Journal: journal})
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func pull(t *testing.T, a *Actor, id, name string) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := a.Pull(ctx, id, name)
	require.NoError(t, err)
	return v
}

func TestGetListing(t *testing.T) {
	a := newTestActor(t, nil)

	listing, err := a.GetListing()
	assert.ErrorIs(t, err, registry.ErrUnknownSkill)
	require.Len(t, listing, 2)
	assert.Equal(t, "basic.yaml:Echo", listing["echo"].Key)
	assert.Equal(t, "basic.yaml:Counter", listing["count"].Key)
	assert.Equal(t, []string{"count", "echo", "missing"}, a.Commands())
}

func TestInvokeUnknownCommand(t *testing.T) {
	a := newTestActor(t, nil)
	_, err := a.Invoke(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = a.Invoke(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, registry.ErrUnknownSkill)
}

func TestInvokePushesParameters(t *testing.T) {
	journal := &memoryJournal{}
	a := newTestActor(t, journal)

	inv, err := a.Invoke(context.Background(), "echo", map[string]any{"in": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "echo", inv.Command)
	assert.Equal(t, "basic.yaml:Echo", inv.Skill)
	assert.Equal(t, "hello", pull(t, a, inv.ID, "out"))

	require.Len(t, a.Invocations(), 1)
	require.Len(t, journal.invoked, 1)
	assert.Equal(t, inv.ID, journal.invoked[0].ID)
}

func TestInvokeRejectsUnknownParameters(t *testing.T) {
	a := newTestActor(t, nil)
	_, err := a.Invoke(context.Background(), "echo", map[string]any{"bogus": 1})
	assert.ErrorIs(t, err, skill.ErrUnknownInput)
	assert.Empty(t, a.Invocations())
}

func TestPushAndPull(t *testing.T) {
	a := newTestActor(t, nil)
	ctx := context.Background()
	inv, err := a.Invoke(ctx, "echo", nil)
	require.NoError(t, err)

	require.NoError(t, a.Push(ctx, inv.ID, "in", 42))
	assert.Equal(t, 42, pull(t, a, inv.ID, "out"))

	assert.ErrorIs(t, a.Push(ctx, inv.ID, "nope", 1), skill.ErrUnknownInput)
	_, err = a.Pull(ctx, inv.ID, "nope")
	assert.ErrorIs(t, err, skill.ErrUnknownOutput)
}

func TestCounterInvocation(t *testing.T) {
	a := newTestActor(t, nil)
	inv, err := a.Invoke(context.Background(), "count", nil)
	require.NoError(t, err)

	v := pull(t, a, inv.ID, "count")
	assert.Zero(t, v.(int)%123)
}

func TestRevokeRemovesInvocation(t *testing.T) {
	journal := &memoryJournal{}
	a := newTestActor(t, journal)
	ctx := context.Background()
	inv, err := a.Invoke(ctx, "echo", nil)
	require.NoError(t, err)

	require.NoError(t, a.Revoke(ctx, inv.ID))
	assert.Empty(t, a.Invocations())
	_, ok := a.Invocation(inv.ID)
	assert.False(t, ok)
	assert.Equal(t, []string{inv.ID}, journal.revoked)

	assert.ErrorIs(t, a.Revoke(ctx, inv.ID), orchestrator.ErrUnknownTask)
	assert.ErrorIs(t, a.Push(ctx, inv.ID, "in", 1), orchestrator.ErrUnknownTask)
	_, err = a.Pull(ctx, inv.ID, "out")
	assert.ErrorIs(t, err, orchestrator.ErrUnknownTask)
}

func TestJournalFailureDoesNotFailInvoke(t *testing.T) {
	journal := &memoryJournal{failWith: errors.New("db down")}
	a := newTestActor(t, journal)
	ctx := context.Background()

	inv, err := a.Invoke(ctx, "echo", nil)
	require.NoError(t, err)
	assert.NoError(t, a.Revoke(ctx, inv.ID))
}

func TestShutdownAbortsEverything(t *testing.T) {
	a := newTestActor(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := a.Invoke(ctx, "count", nil)
		require.NoError(t, err)
	}
	require.NoError(t, a.Shutdown(ctx))
	assert.Empty(t, a.Invocations())

	_, err := a.Invoke(ctx, "count", nil)
	assert.ErrorIs(t, err, orchestrator.ErrInterpreterClosed)
}
