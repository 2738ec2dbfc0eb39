package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/nuka-runtime/internal/actor"
	"github.com/nidhogg/nuka-runtime/internal/orchestrator"
	"github.com/nidhogg/nuka-runtime/internal/skill"
)

// ---------------------------------------------------------------------------
// Interfaces kept here so builtin commands avoid importing concrete types.
// ---------------------------------------------------------------------------

// SchemaLister lists published skill schemas.
type SchemaLister interface {
	ListSkillsSchema() []*skill.Schema
}

// Invoker runs listed commands. *actor.Actor satisfies it.
type Invoker interface {
	GetListing() (map[string]*skill.Schema, error)
	Invoke(ctx context.Context, command string, params map[string]any) (*actor.Invocation, error)
	Revoke(ctx context.Context, id string) error
	Push(ctx context.Context, id, name string, value any) error
	Pull(ctx context.Context, id, name string) (any, error)
	Invocations() []*actor.Invocation
}

// StatusProvider reports runtime state.
type StatusProvider interface {
	Status() Status
}

// Status is a point-in-time view of the runtime.
type Status struct {
	Tasks    []orchestrator.TaskInfo `json:"tasks"`
	Watching []string                `json:"watching"`
	Schemas  int                     `json:"schemas"`
}

// DefaultPullTimeout bounds /pull when the caller's context has no deadline.
const DefaultPullTimeout = 5 * time.Second

// ---------------------------------------------------------------------------
// RegisterBuiltins wires up the built-in slash commands.
// ---------------------------------------------------------------------------

// RegisterBuiltins registers /help, /skills, /listing, /status and the
// invocation commands /invoke, /push, /pull, /revoke and /invocations.
func RegisterBuiltins(reg *Registry, schemas SchemaLister, invoker Invoker, status StatusProvider) {
	reg.Register(helpCommand(reg))
	reg.Register(skillsCommand(schemas))
	reg.Register(listingCommand(invoker))
	reg.Register(statusCommand(status))
	reg.Register(invokeCommand(invoker))
	reg.Register(pushCommand(invoker))
	reg.Register(pullCommand(invoker))
	reg.Register(revokeCommand(invoker))
	reg.Register(invocationsCommand(invoker))
}

// ---------------------------------------------------------------------------
// /help
// ---------------------------------------------------------------------------

func helpCommand(reg *Registry) *Command {
	return &Command{
		Name:        "help",
		Description: "List all available commands",
		Usage:       "/help",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			cmds := reg.List()
			var b strings.Builder
			b.WriteString("Available commands:\n")
			for _, c := range cmds {
				fmt.Fprintf(&b, "  /%s - %s\n", c.Name, c.Description)
				if c.Usage != "" {
					fmt.Fprintf(&b, "    Usage: %s\n", c.Usage)
				}
			}
			return &CommandResult{Content: b.String()}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /skills
// ---------------------------------------------------------------------------

func skillsCommand(lister SchemaLister) *Command {
	return &Command{
		Name:        "skills",
		Description: "List published skill schemas",
		Usage:       "/skills",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			schemas := lister.ListSkillsSchema()
			if len(schemas) == 0 {
				return &CommandResult{Content: "No skills published yet."}, nil
			}
			var b strings.Builder
			b.WriteString("Published skills:\n")
			for _, s := range schemas {
				fmt.Fprintf(&b, "  %s (%s)", s.Key, s.Factory)
				if s.Description != "" {
					fmt.Fprintf(&b, " - %s", s.Description)
				}
				b.WriteByte('\n')
				fmt.Fprintf(&b, "    inputs: %s  outputs: %s\n", portNames(s.Inputs), portNames(s.Outputs))
			}
			return &CommandResult{Content: b.String(), Data: schemas}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /listing
// ---------------------------------------------------------------------------

func listingCommand(invoker Invoker) *Command {
	return &Command{
		Name:        "listing",
		Description: "Show invocable commands and their skills",
		Usage:       "/listing",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			listing, err := invoker.GetListing()
			if len(listing) == 0 && err == nil {
				return &CommandResult{Content: "No commands listed."}, nil
			}
			names := make([]string, 0, len(listing))
			for name := range listing {
				names = append(names, name)
			}
			sort.Strings(names)

			var b strings.Builder
			b.WriteString("Invocable commands:\n")
			for _, name := range names {
				s := listing[name]
				fmt.Fprintf(&b, "  %s -> %s  inputs: %s\n", name, s.Key, portNames(s.Inputs))
			}
			if err != nil {
				fmt.Fprintf(&b, "Unavailable: %v\n", err)
			}
			return &CommandResult{Content: b.String(), Data: listing}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /status
// ---------------------------------------------------------------------------

func statusCommand(provider StatusProvider) *Command {
	return &Command{
		Name:        "status",
		Description: "Show running tasks and watched folders",
		Usage:       "/status",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			st := provider.Status()
			var b strings.Builder
			fmt.Fprintf(&b, "Schemas published: %d\n", st.Schemas)
			if len(st.Watching) == 0 {
				b.WriteString("Watching: none\n")
			} else {
				fmt.Fprintf(&b, "Watching: %s\n", strings.Join(st.Watching, ", "))
			}
			if len(st.Tasks) == 0 {
				b.WriteString("No tasks running.\n")
				return &CommandResult{Content: b.String(), Data: st}, nil
			}
			b.WriteString("Running tasks:\n")
			for _, task := range st.Tasks {
				fmt.Fprintf(&b, "  [%s] %s - %s, ticks: %d\n", task.InstanceID, task.Skill, task.State, task.Ticks)
			}
			return &CommandResult{Content: b.String(), Data: st}, nil
		},
	}
}

func portNames(ports []skill.Port) string {
	if len(ports) == 0 {
		return "-"
	}
	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.Name
	}
	return strings.Join(names, ",")
}

// TaskLister lists running task records.
type TaskLister interface {
	Running() []orchestrator.TaskInfo
}

// WatchLister lists the folders being watched.
type WatchLister interface {
	Watching() []string
}

// RuntimeStatus assembles a Status from the scheduler and registry.
type RuntimeStatus struct {
	Tasks   TaskLister
	Watch   WatchLister
	Schemas SchemaLister
}

func (rs RuntimeStatus) Status() Status {
	var st Status
	if rs.Tasks != nil {
		st.Tasks = rs.Tasks.Running()
	}
	if rs.Watch != nil {
		st.Watching = rs.Watch.Watching()
	}
	if rs.Schemas != nil {
		st.Schemas = len(rs.Schemas.ListSkillsSchema())
	}
	return st
}
