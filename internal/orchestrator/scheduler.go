package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nidhogg/nuka-runtime/internal/skill"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Scheduler owns the lifecycle of spawned skill instances.
// Ticks on distinct instances run concurrently; callers must not tick or
// halt the same instance from two goroutines at once.
type Scheduler struct {
	mu     sync.RWMutex
	tasks  map[string]*taskRecord
	logger *zap.Logger
}

type taskRecord struct {
	instance  *skill.Instance
	state     TaskState
	spawnedAt time.Time
	ticks     atomic.Uint64
}

// NewScheduler creates a scheduler with an empty task table.
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		tasks:  make(map[string]*taskRecord),
		logger: logger,
	}
}

// Spawn runs the instance's Initialize hook and registers its task record.
// The record becomes tickable only after Initialize succeeds.
func (s *Scheduler) Spawn(ctx context.Context, inst *skill.Instance) error {
	id := inst.ID()

	s.mu.Lock()
	if _, exists := s.tasks[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	record := &taskRecord{instance: inst, state: TaskSpawning}
	s.tasks[id] = record
	s.mu.Unlock()

	if err := inst.Skill().Initialize(ctx); err != nil {
		s.mu.Lock()
		delete(s.tasks, id)
		s.mu.Unlock()
		s.logger.Warn("skill initialize failed",
			zap.String("instance", id),
			zap.String("skill", inst.Key()),
			zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrSkillInitialization, inst.Key(), err)
	}

	s.mu.Lock()
	record.state = TaskSpawned
	record.spawnedAt = time.Now()
	s.mu.Unlock()

	s.logger.Debug("task spawned",
		zap.String("instance", id),
		zap.String("skill", inst.Key()))
	return nil
}

// Tick drains the instance's queued inputs and runs one step.
func (s *Scheduler) Tick(ctx context.Context, inst *skill.Instance) (skill.Outputs, error) {
	record, err := s.spawned(inst.ID())
	if err != nil {
		return nil, err
	}

	out, err := inst.Skill().Step(ctx, inst.Drain())
	record.ticks.Add(1)
	if err != nil {
		return nil, fmt.Errorf("tick %s: %w", inst.ID(), err)
	}
	return out, nil
}

// Halt runs the instance's Shutdown hook and removes its task record.
// The record is removed even if the hook fails.
func (s *Scheduler) Halt(ctx context.Context, inst *skill.Instance) error {
	id := inst.ID()

	s.mu.Lock()
	record, ok := s.tasks[id]
	if !ok || record.state != TaskSpawned {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	record.state = TaskHalting
	s.mu.Unlock()

	err := inst.Skill().Shutdown(ctx)

	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("skill shutdown failed",
			zap.String("instance", id),
			zap.String("skill", inst.Key()),
			zap.Error(err))
		return fmt.Errorf("halt %s: %w", id, err)
	}
	s.logger.Debug("task halted",
		zap.String("instance", id),
		zap.Uint64("ticks", record.ticks.Load()))
	return nil
}

// Shutdown halts every spawned task.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	instances := make([]*skill.Instance, 0, len(s.tasks))
	for _, record := range s.tasks {
		if record.state == TaskSpawned {
			instances = append(instances, record.instance)
		}
	}
	s.mu.RUnlock()

	var errs error
	for _, inst := range instances {
		errs = multierr.Append(errs, s.Halt(ctx, inst))
	}
	if len(instances) > 0 {
		s.logger.Info("scheduler shut down", zap.Int("halted", len(instances)))
	}
	return errs
}

// Running returns a snapshot of spawned tasks ordered by spawn time.
func (s *Scheduler) Running() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]TaskInfo, 0, len(s.tasks))
	for id, record := range s.tasks {
		if record.state != TaskSpawned {
			continue
		}
		infos = append(infos, TaskInfo{
			InstanceID: id,
			Skill:      record.instance.Key(),
			State:      record.state,
			Ticks:      record.ticks.Load(),
			SpawnedAt:  record.spawnedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].SpawnedAt.Before(infos[j].SpawnedAt)
	})
	return infos
}

// Len reports the number of spawned tasks.
func (s *Scheduler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, record := range s.tasks {
		if record.state == TaskSpawned {
			n++
		}
	}
	return n
}

func (s *Scheduler) spawned(id string) (*taskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.tasks[id]
	if !ok || record.state != TaskSpawned {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return record, nil
}
