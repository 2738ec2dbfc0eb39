package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

func invokeCommand(invoker Invoker) *Command {
	return &Command{
		Name:        "invoke",
		Description: "Launch a listed command",
		Usage:       "/invoke <command> [input=value ...]",
		Handler: func(ctx context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			fields := strings.Fields(args)
			if len(fields) == 0 {
				return &CommandResult{Content: "Usage: /invoke <command> [input=value ...]"}, nil
			}
			params, err := parseParams(fields[1:])
			if err != nil {
				return &CommandResult{Content: err.Error()}, nil
			}
			inv, err := invoker.Invoke(ctx, fields[0], params)
			if err != nil {
				return &CommandResult{Content: fmt.Sprintf("Invoke failed: %v", err)}, nil
			}
			return &CommandResult{
				Content: fmt.Sprintf("Invoked %s as %s (instance %s)", inv.Command, inv.Skill, inv.ID),
				Data:    inv,
			}, nil
		},
	}
}

func pushCommand(invoker Invoker) *Command {
	return &Command{
		Name:        "push",
		Description: "Send a value to an input of a running invocation",
		Usage:       "/push <instance_id> <input> <value>",
		Handler: func(ctx context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			id, rest := nextField(args)
			input, raw := nextField(rest)
			if id == "" || input == "" || raw == "" {
				return &CommandResult{Content: "Usage: /push <instance_id> <input> <value>"}, nil
			}
			value, err := parseValue(raw)
			if err != nil {
				return &CommandResult{Content: err.Error()}, nil
			}
			if err := invoker.Push(ctx, id, input, value); err != nil {
				return &CommandResult{Content: fmt.Sprintf("Push failed: %v", err)}, nil
			}
			return &CommandResult{Content: fmt.Sprintf("Pushed to %s.%s", id, input)}, nil
		},
	}
}

func pullCommand(invoker Invoker) *Command {
	return &Command{
		Name:        "pull",
		Description: "Read the latest value of an output",
		Usage:       "/pull <instance_id> <output>",
		Handler: func(ctx context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			fields := strings.Fields(args)
			if len(fields) != 2 {
				return &CommandResult{Content: "Usage: /pull <instance_id> <output>"}, nil
			}
			if _, ok := ctx.Deadline(); !ok {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, DefaultPullTimeout)
				defer cancel()
			}
			value, err := invoker.Pull(ctx, fields[0], fields[1])
			if err != nil {
				return &CommandResult{Content: fmt.Sprintf("Pull failed: %v", err)}, nil
			}
			return &CommandResult{
				Content: fmt.Sprintf("%s.%s = %s", fields[0], fields[1], formatValue(value)),
				Data:    value,
			}, nil
		},
	}
}

func revokeCommand(invoker Invoker) *Command {
	return &Command{
		Name:        "revoke",
		Description: "Stop a running invocation",
		Usage:       "/revoke <instance_id>",
		Handler: func(ctx context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			id := strings.TrimSpace(args)
			if id == "" {
				return &CommandResult{Content: "Usage: /revoke <instance_id>"}, nil
			}
			if err := invoker.Revoke(ctx, id); err != nil {
				return &CommandResult{Content: fmt.Sprintf("Revoke failed: %v", err)}, nil
			}
			return &CommandResult{Content: fmt.Sprintf("Revoked %s", id)}, nil
		},
	}
}

func invocationsCommand(invoker Invoker) *Command {
	return &Command{
		Name:        "invocations",
		Description: "List running invocations",
		Usage:       "/invocations",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			invs := invoker.Invocations()
			if len(invs) == 0 {
				return &CommandResult{Content: "No invocations running."}, nil
			}
			var b strings.Builder
			b.WriteString("Running invocations:\n")
			for _, inv := range invs {
				fmt.Fprintf(&b, "  [%s] %s (%s) since %s\n",
					inv.ID, inv.Command, inv.Skill, inv.InvokedAt.Format("15:04:05"))
			}
			return &CommandResult{Content: b.String(), Data: invs}, nil
		},
	}
}

// nextField splits off the first whitespace-separated field of s and returns
// it with the trimmed remainder.
func nextField(s string) (field, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

// parseParams turns input=value fields into invocation parameters.
func parseParams(fields []string) (map[string]any, error) {
	params := make(map[string]any, len(fields))
	for _, field := range fields {
		name, raw, ok := strings.Cut(field, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected input=value", field)
		}
		value, err := parseValue(raw)
		if err != nil {
			return nil, err
		}
		params[name] = value
	}
	return params, nil
}

// parseValue reads raw as a YAML scalar or flow collection, so "3" is an
// int, "true" a bool and "[1, 2]" a list.
func parseValue(raw string) (any, error) {
	if raw == "" {
		return "", nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("invalid value %q: %v", raw, err)
	}
	return v, nil
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
