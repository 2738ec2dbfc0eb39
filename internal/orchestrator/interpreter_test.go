package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/nuka-runtime/internal/skill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInterpreter(t *testing.T, sink OutputSink) *Interpreter {
	t.Helper()
	in := NewInterpreter(InterpreterOptions{TickInterval: 10 * time.Millisecond, Sink: sink})
	t.Cleanup(func() { _ = in.Shutdown(context.Background()) })
	return in
}

func constructBuiltin(t *testing.T, schema *skill.Schema) *skill.Instance {
	t.Helper()
	catalog := skill.NewCatalog()
	skill.RegisterBuiltins(catalog)
	inst, err := catalog.Construct(schema)
	require.NoError(t, err)
	return inst
}

func echoInstance(t *testing.T) *skill.Instance {
	return constructBuiltin(t, &skill.Schema{
		Key:     "echo.yaml:Echo",
		Factory: "echo",
		Inputs:  []skill.Port{{Name: "in"}},
		Outputs: []skill.Port{{Name: "out"}},
	})
}

func pullWithin(t *testing.T, in *Interpreter, inst *skill.Instance, name string) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := in.Pull(ctx, inst, name)
	require.NoError(t, err)
	return v
}

type recordingSink struct {
	mu     sync.Mutex
	events []*OutputEvent
}

func (r *recordingSink) PublishOutput(ctx context.Context, event *OutputEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestInterpreterLaunchProducesOutputs(t *testing.T) {
	sink := &recordingSink{}
	in := newTestInterpreter(t, sink)
	_, inst := newFake()

	require.NoError(t, in.Launch(context.Background(), inst))
	v := pullWithin(t, in, inst, "test")
	assert.Positive(t, v.(int))
	assert.Zero(t, v.(int)%123)

	assert.Eventually(t, func() bool { return sink.count() > 0 }, 2*time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	first := sink.events[0]
	sink.mu.Unlock()
	assert.Equal(t, inst.ID(), first.InstanceID)
	assert.Equal(t, "fake.yaml:FakeSkill", first.Skill)
	assert.EqualValues(t, 1, first.Tick)
}

func TestInterpreterPushVisibleToNextTick(t *testing.T) {
	in := newTestInterpreter(t, nil)
	inst := echoInstance(t)
	ctx := context.Background()

	require.NoError(t, in.Launch(ctx, inst))
	require.NoError(t, in.Push(ctx, inst, "in", skill.NewItem("hello", "test")))
	assert.Equal(t, "hello", pullWithin(t, in, inst, "out"))

	require.NoError(t, in.Push(ctx, inst, "in", skill.NewItem("again", "test")))
	assert.Eventually(t, func() bool {
		v, ok, _ := inst.Latest("out")
		return ok && v == "again"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInterpreterPullWaitsForFirstOutput(t *testing.T) {
	in := newTestInterpreter(t, nil)
	inst := echoInstance(t)
	ctx := context.Background()
	require.NoError(t, in.Launch(ctx, inst))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := in.Pull(short, inst, "out")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = in.Push(ctx, inst, "in", skill.NewItem(7, "test"))
	}()
	assert.Equal(t, 7, pullWithin(t, in, inst, "out"))
}

func TestInterpreterUnknownNames(t *testing.T) {
	in := newTestInterpreter(t, nil)
	inst := echoInstance(t)
	ctx := context.Background()
	require.NoError(t, in.Launch(ctx, inst))

	err := in.Push(ctx, inst, "nope", skill.NewItem(1, ""))
	assert.ErrorIs(t, err, skill.ErrUnknownInput)

	_, err = in.Pull(ctx, inst, "nope")
	assert.ErrorIs(t, err, skill.ErrUnknownOutput)
}

func TestInterpreterRejectsInstancesItDoesNotOwn(t *testing.T) {
	in := newTestInterpreter(t, nil)
	inst := echoInstance(t)
	ctx := context.Background()

	assert.ErrorIs(t, in.Abort(ctx, inst), ErrUnknownTask)
	assert.ErrorIs(t, in.Push(ctx, inst, "in", skill.NewItem(1, "")), ErrUnknownTask)
	_, err := in.Pull(ctx, inst, "out")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestInterpreterAbort(t *testing.T) {
	in := newTestInterpreter(t, nil)
	f, inst := newFake()
	ctx := context.Background()

	require.NoError(t, in.Launch(ctx, inst))
	pullWithin(t, in, inst, "test")

	require.NoError(t, in.Abort(ctx, inst))
	assert.EqualValues(t, 1, f.shutdowns.Load())
	assert.Equal(t, 0, in.Scheduler().Len())
	_, ok := in.Lookup(inst.ID())
	assert.False(t, ok)

	assert.ErrorIs(t, in.Abort(ctx, inst), ErrUnknownTask)
}

func TestInterpreterAbortDropsQueuedInputs(t *testing.T) {
	in := NewInterpreter(InterpreterOptions{TickInterval: time.Hour})
	defer in.Shutdown(context.Background())
	inst := constructBuiltin(t, &skill.Schema{
		Key:     "noop.yaml:Noop",
		Factory: "noop",
		Inputs:  []skill.Port{{Name: "in"}},
	})
	ctx := context.Background()
	require.NoError(t, in.Launch(ctx, inst))

	require.NoError(t, inst.Push("in", skill.NewItem(1, "")))
	require.NoError(t, in.Abort(ctx, inst))
	assert.Equal(t, 0, inst.Pending())
}

func TestInterpreterAbortUnblocksPull(t *testing.T) {
	in := newTestInterpreter(t, nil)
	inst := echoInstance(t)
	ctx := context.Background()
	require.NoError(t, in.Launch(ctx, inst))

	errs := make(chan error, 1)
	go func() {
		_, err := in.Pull(ctx, inst, "out")
		errs <- err
	}()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, in.Abort(ctx, inst))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrUnknownTask)
	case <-time.After(2 * time.Second):
		t.Fatal("pull still blocked after abort")
	}
}

// slowSkill blocks inside Step until released.
type slowSkill struct {
	entered  chan struct{}
	release  chan struct{}
	finished chan struct{}
	once     sync.Once
}

func (s *slowSkill) Initialize(ctx context.Context) error { return nil }

func (s *slowSkill) Step(ctx context.Context, in skill.Inputs) (skill.Outputs, error) {
	first := false
	s.once.Do(func() { first = true })
	if !first {
		return nil, nil
	}
	close(s.entered)
	<-s.release
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	close(s.finished)
	return nil, nil
}

func (s *slowSkill) Shutdown(ctx context.Context) error { return nil }

func TestInterpreterAbortWaitsForStepInProgress(t *testing.T) {
	in := newTestInterpreter(t, nil)
	slow := &slowSkill{entered: make(chan struct{}), release: make(chan struct{}), finished: make(chan struct{})}
	inst := skill.NewInstance(&skill.Schema{Key: "slow.yaml:Slow"}, slow)
	ctx := context.Background()
	require.NoError(t, in.Launch(ctx, inst))

	<-slow.entered
	aborted := make(chan error, 1)
	go func() { aborted <- in.Abort(ctx, inst) }()

	select {
	case <-aborted:
		t.Fatal("abort returned while a step was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(slow.release)
	select {
	case err := <-aborted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not return")
	}
	select {
	case <-slow.finished:
	default:
		t.Fatal("step was interrupted")
	}
}

func TestInterpreterStepErrorsDoNotStopLoop(t *testing.T) {
	in := newTestInterpreter(t, nil)
	f, inst := newFake()
	f.stepErr = errors.New("flaky")
	ctx := context.Background()
	require.NoError(t, in.Launch(ctx, inst))

	assert.Eventually(t, func() bool {
		running := in.Scheduler().Running()
		return len(running) == 1 && running[0].Ticks >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInterpreterShutdown(t *testing.T) {
	in := NewInterpreter(InterpreterOptions{TickInterval: 5 * time.Millisecond})
	ctx := context.Background()

	fakes := make([]*fakeSkill, 3)
	for i := range fakes {
		f, inst := newFake()
		fakes[i] = f
		require.NoError(t, in.Launch(ctx, inst))
	}
	assert.Len(t, in.Instances(), 3)

	require.NoError(t, in.Shutdown(ctx))
	assert.Empty(t, in.Instances())
	assert.Equal(t, 0, in.Scheduler().Len())
	for _, f := range fakes {
		assert.EqualValues(t, 1, f.shutdowns.Load())
	}

	_, inst := newFake()
	assert.ErrorIs(t, in.Launch(ctx, inst), ErrInterpreterClosed)
}

func TestInterpreterDuplicateLaunch(t *testing.T) {
	in := newTestInterpreter(t, nil)
	_, inst := newFake()
	ctx := context.Background()

	require.NoError(t, in.Launch(ctx, inst))
	assert.ErrorIs(t, in.Launch(ctx, inst), ErrDuplicateTask)
}

func TestInterpreterLaunchInitializeFailure(t *testing.T) {
	in := newTestInterpreter(t, nil)
	f, inst := newFake()
	f.initErr = errors.New("no")

	err := in.Launch(context.Background(), inst)
	assert.ErrorIs(t, err, ErrSkillInitialization)
	assert.Empty(t, in.Instances())
}
