package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Command is one slash command of the runtime's operator surface, such as
// /invoke or /pull. Name is matched without the leading slash and without
// regard to case.
type Command struct {
	Name        string
	Description string
	Usage       string
	Handler     CommandHandler
}

// CommandHandler runs a command. args is everything after the command name,
// trimmed.
type CommandHandler func(ctx context.Context, args string, cc *CommandContext) (*CommandResult, error)

// CommandContext describes who issued a command and from where.
type CommandContext struct {
	Platform string `json:"platform,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

// CommandResult is a command's reply: text for the operator plus, for
// commands that read runtime state, the underlying value.
type CommandResult struct {
	Content string `json:"content"`
	Data    any    `json:"data,omitempty"`
}

// Registry maps command names to commands. Builtins are installed with
// RegisterBuiltins.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	names    []string
}

func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*Command)}
}

// Register installs cmd, replacing any command of the same name.
func (r *Registry) Register(cmd *Command) {
	name := strings.ToLower(cmd.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[name]; !exists {
		i := sort.SearchStrings(r.names, name)
		r.names = append(r.names, "")
		copy(r.names[i+1:], r.names[i:])
		r.names[i] = name
	}
	r.commands[name] = cmd
}

// Lookup returns the command registered under name, with or without its slash.
func (r *Registry) Lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[strings.ToLower(strings.TrimPrefix(name, "/"))]
	return cmd, ok
}

// Dispatch runs the command line input, e.g. "/push <id> in 3". Unknown
// commands and an empty line produce a reply rather than an error; errors
// are reserved for handler failures.
func (r *Registry) Dispatch(ctx context.Context, input string, cc *CommandContext) (*CommandResult, error) {
	line := strings.TrimPrefix(strings.TrimSpace(input), "/")
	if line == "" {
		return &CommandResult{Content: "Empty command. Type /help for available commands."}, nil
	}
	name, args := line, ""
	if i := strings.IndexFunc(line, unicode.IsSpace); i >= 0 {
		name, args = line[:i], strings.TrimSpace(line[i:])
	}

	cmd, ok := r.Lookup(name)
	if !ok {
		return &CommandResult{
			Content: fmt.Sprintf("Unknown command: /%s. Type /help for available commands.", name),
		}, nil
	}
	if cc == nil {
		cc = &CommandContext{}
	}
	return cmd.Handler(ctx, args, cc)
}

// List returns the registered commands in name order.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, len(r.names))
	for i, name := range r.names {
		out[i] = r.commands[name]
	}
	return out
}
