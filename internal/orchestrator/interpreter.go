package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/nuka-runtime/internal/skill"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultTickInterval = 50 * time.Millisecond

// OutputSink receives the outputs of every tick that produced any.
type OutputSink interface {
	PublishOutput(ctx context.Context, event *OutputEvent) error
}

// InterpreterOptions configures an Interpreter.
type InterpreterOptions struct {
	// Scheduler is used when set; otherwise the interpreter creates and owns one.
	Scheduler    *Scheduler
	TickInterval time.Duration
	Sink         OutputSink
	Logger       *zap.Logger
}

// Interpreter runs one execution loop per launched instance and routes
// inputs and outputs between callers and those loops.
type Interpreter struct {
	scheduler     *Scheduler
	ownsScheduler bool
	interval      time.Duration
	sink          OutputSink
	logger        *zap.Logger
	mu            sync.Mutex
	loops         map[string]*loop
	closed        bool
	wg            sync.WaitGroup
}

type loop struct {
	instance *skill.Instance
	cancel   context.CancelFunc
	wake     chan struct{}
	done     chan struct{}
	ticks    uint64
}

// NewInterpreter creates an Interpreter.
func NewInterpreter(opts InterpreterOptions) *Interpreter {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := opts.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	scheduler := opts.Scheduler
	owns := false
	if scheduler == nil {
		scheduler = NewScheduler(logger)
		owns = true
	}
	return &Interpreter{
		scheduler:     scheduler,
		ownsScheduler: owns,
		interval:      interval,
		sink:          opts.Sink,
		logger:        logger,
		loops:         make(map[string]*loop),
	}
}

// Scheduler returns the scheduler driving this interpreter's instances.
func (in *Interpreter) Scheduler() *Scheduler { return in.scheduler }

// Launch spawns inst and starts its execution loop.
func (in *Interpreter) Launch(ctx context.Context, inst *skill.Instance) error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return ErrInterpreterClosed
	}
	if _, exists := in.loops[inst.ID()]; exists {
		in.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTask, inst.ID())
	}
	in.mu.Unlock()

	if err := in.scheduler.Spawn(ctx, inst); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	l := &loop{
		instance: inst,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		cancel()
		return multierr.Append(ErrInterpreterClosed, in.scheduler.Halt(ctx, inst))
	}
	in.loops[inst.ID()] = l
	in.wg.Add(1)
	in.mu.Unlock()

	go in.run(loopCtx, l)

	in.logger.Info("skill launched",
		zap.String("instance", inst.ID()),
		zap.String("skill", inst.Key()))
	return nil
}

// Push queues item on the named input; the next tick sees it.
func (in *Interpreter) Push(ctx context.Context, inst *skill.Instance, name string, item skill.Item) error {
	l, err := in.owned(inst)
	if err != nil {
		return err
	}
	if err := inst.Push(name, item); err != nil {
		return err
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pull returns the latest value of the named output, waiting for the first
// one if nothing was produced yet.
func (in *Interpreter) Pull(ctx context.Context, inst *skill.Instance, name string) (any, error) {
	if schema := inst.Schema(); schema == nil || !schema.HasOutput(name) {
		return nil, fmt.Errorf("%w: %q on %s", skill.ErrUnknownOutput, name, inst.Key())
	}
	l, err := in.owned(inst)
	if err != nil {
		return nil, err
	}
	v, err := inst.Wait(ctx, name, l.done)
	if errors.Is(err, skill.ErrStopped) {
		return nil, fmt.Errorf("%w: %s was aborted", ErrUnknownTask, inst.ID())
	}
	return v, err
}

// Abort stops the instance's loop, drops inputs it never saw and halts it.
func (in *Interpreter) Abort(ctx context.Context, inst *skill.Instance) error {
	in.mu.Lock()
	l, ok := in.loops[inst.ID()]
	if !ok {
		in.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, inst.ID())
	}
	delete(in.loops, inst.ID())
	in.mu.Unlock()

	return in.stop(ctx, l)
}

// Shutdown aborts every owned instance and waits for all loops to exit.
func (in *Interpreter) Shutdown(ctx context.Context) error {
	in.mu.Lock()
	in.closed = true
	loops := make([]*loop, 0, len(in.loops))
	for id, l := range in.loops {
		loops = append(loops, l)
		delete(in.loops, id)
	}
	in.mu.Unlock()

	var errs error
	for _, l := range loops {
		errs = multierr.Append(errs, in.stop(ctx, l))
	}
	in.wg.Wait()

	if in.ownsScheduler {
		errs = multierr.Append(errs, in.scheduler.Shutdown(ctx))
	}
	in.logger.Info("interpreter shut down", zap.Int("aborted", len(loops)))
	return errs
}

// Lookup returns the owned instance with the given ID.
func (in *Interpreter) Lookup(id string) (*skill.Instance, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	l, ok := in.loops[id]
	if !ok {
		return nil, false
	}
	return l.instance, true
}

// Instances returns every instance currently owned.
func (in *Interpreter) Instances() []*skill.Instance {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]*skill.Instance, 0, len(in.loops))
	for _, l := range in.loops {
		out = append(out, l.instance)
	}
	return out
}

func (in *Interpreter) owned(inst *skill.Instance) (*loop, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	l, ok := in.loops[inst.ID()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, inst.ID())
	}
	return l, nil
}

func (in *Interpreter) stop(ctx context.Context, l *loop) error {
	l.cancel()
	<-l.done

	if dropped := l.instance.Discard(); dropped > 0 {
		in.logger.Info("dropped undelivered inputs",
			zap.String("instance", l.instance.ID()),
			zap.Int("items", dropped))
	}
	if err := in.scheduler.Halt(ctx, l.instance); err != nil {
		return err
	}
	in.logger.Info("skill aborted",
		zap.String("instance", l.instance.ID()),
		zap.Uint64("ticks", l.ticks))
	return nil
}

func (in *Interpreter) run(ctx context.Context, l *loop) {
	defer in.wg.Done()
	defer close(l.done)

	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()

	// Steps never observe abort; the loop checks ctx between ticks instead.
	stepCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.wake:
		}
		if ctx.Err() != nil {
			return
		}
		if !in.tick(stepCtx, l) {
			return
		}
	}
}

// tick runs one step and reports whether the loop should continue.
func (in *Interpreter) tick(ctx context.Context, l *loop) bool {
	inst := l.instance
	out, err := in.scheduler.Tick(ctx, inst)
	if err != nil {
		if errors.Is(err, ErrUnknownTask) {
			in.logger.Warn("task vanished from scheduler, stopping loop",
				zap.String("instance", inst.ID()))
			return false
		}
		in.logger.Warn("skill step failed",
			zap.String("instance", inst.ID()),
			zap.String("skill", inst.Key()),
			zap.Error(err))
		return true
	}
	l.ticks++

	if len(out) == 0 {
		return true
	}
	if dropped := inst.Publish(out); len(dropped) > 0 {
		in.logger.Debug("undeclared outputs dropped",
			zap.String("instance", inst.ID()),
			zap.Strings("outputs", dropped))
	}
	if in.sink != nil {
		event := &OutputEvent{
			InstanceID: inst.ID(),
			Skill:      inst.Key(),
			Tick:       l.ticks,
			Outputs:    out,
			Timestamp:  time.Now().UTC(),
		}
		if err := in.sink.PublishOutput(ctx, event); err != nil {
			in.logger.Warn("publish outputs failed",
				zap.String("instance", inst.ID()),
				zap.Error(err))
		}
	}
	return true
}
