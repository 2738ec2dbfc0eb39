package orchestrator

import (
	"errors"
	"time"

	"github.com/nidhogg/nuka-runtime/internal/skill"
)

var (
	ErrUnknownTask         = errors.New("unknown task")
	ErrDuplicateTask       = errors.New("task already spawned")
	ErrSkillInitialization = errors.New("skill initialization failed")
	ErrInterpreterClosed   = errors.New("interpreter shut down")
)

// TaskState tracks a task record through its lifecycle. Spawning and
// halting are transient guards; only spawned tasks accept ticks.
type TaskState string

const (
	TaskSpawning TaskState = "spawning"
	TaskSpawned  TaskState = "spawned"
	TaskHalting  TaskState = "halting"
)

// TaskInfo is a read-only snapshot of a task record.
type TaskInfo struct {
	InstanceID string    `json:"instance_id"`
	Skill      string    `json:"skill"`
	State      TaskState `json:"state"`
	Ticks      uint64    `json:"ticks"`
	SpawnedAt  time.Time `json:"spawned_at"`
}

// OutputEvent is published for every tick that produced outputs.
type OutputEvent struct {
	InstanceID string        `json:"instance_id"`
	Skill      string        `json:"skill"`
	Tick       uint64        `json:"tick"`
	Outputs    skill.Outputs `json:"outputs"`
	Timestamp  time.Time     `json:"timestamp"`
}
