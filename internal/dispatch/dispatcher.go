// Package dispatch routes tool invocations to built-in handlers or to
// plugin processes over their channels.
package dispatch

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/virelabs/toolhost/internal/builtin"
	"github.com/virelabs/toolhost/internal/catalog"
	"github.com/virelabs/toolhost/internal/errors"
	"github.com/virelabs/toolhost/internal/plugin"
)

// Result is one tool invocation outcome. Content items keep whatever
// shape the tool produced; text items are {"type":"text","text":...}.
type Result struct {
	Content []map[string]any `json:"content"`
	IsError bool             `json:"isError,omitempty"`
}

// ErrorResult builds a Result carrying a single text item and the error
// flag. Routing failures are reported this way rather than as Go errors
// so a bad tool name never takes the caller down.
func ErrorResult(message string) Result {
	return Result{
		Content: []map[string]any{
			{"type": "text", "text": message},
		},
		IsError: true,
	}
}

// Dispatcher resolves a tool name and invokes the tool. It holds no
// state of its own; every call reads the registry fresh.
type Dispatcher struct {
	log      *slog.Logger
	builtins *builtin.Set
	registry *plugin.Registry
}

// New wires a dispatcher to its tool sources.
func New(log *slog.Logger, builtins *builtin.Set, registry *plugin.Registry) *Dispatcher {
	return &Dispatcher{
		log:      log.With("component", "dispatcher"),
		builtins: builtins,
		registry: registry,
	}
}

// Invoke runs the named tool. Built-in names are tried first; anything
// else must be a namespaced plugin tool. An unknown name, a missing
// plugin, or a plugin outside Running yields an error Result with no
// stream I/O attempted. Wire errors and timeouts from a live plugin call
// are returned as errors, unaltered.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any) (Result, error) {
	if d.builtins.Has(name) {
		result, err := d.builtins.Call(ctx, name, args)
		if err != nil {
			return Result{}, err
		}

		return fromCallToolResult(result)
	}

	pluginName, toolName, ok := catalog.SplitName(name)
	if !ok {
		return ErrorResult("Unknown tool: " + name), nil
	}

	snap, err := d.registry.Get(pluginName)
	if err != nil {
		return ErrorResult("Plugin not found: " + pluginName), nil
	}

	if snap.Status != plugin.StatusRunning {
		notRunning := &errors.NotRunningError{Plugin: pluginName, Status: string(snap.Status)}

		msg := notRunning.Error()
		if snap.LastError != "" {
			msg += ": " + snap.LastError
		}

		return ErrorResult(msg), nil
	}

	d.log.Debug("Dispatching tool call", "plugin", pluginName, "tool", toolName)

	raw, err := snap.Channel.Call(ctx, "call_tool", map[string]any{
		"toolName": toolName,
		"args":     args,
	})
	if err != nil {
		var timeoutErr *errors.TimeoutError
		if stderrors.As(err, &timeoutErr) {
			// Name the tool, not the wire method, for the caller.
			return Result{}, fmt.Errorf("tool %s: %w", name, err)
		}

		return Result{}, err
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return Result{}, fmt.Errorf("malformed call_tool result from plugin %s: %w", pluginName, err)
	}

	return result, nil
}

// fromCallToolResult flattens an mcp result into the wire Result shape.
func fromCallToolResult(result *mcp.CallToolResult) (Result, error) {
	out := Result{IsError: result.IsError}

	for _, content := range result.Content {
		raw, err := json.Marshal(content)
		if err != nil {
			return Result{}, fmt.Errorf("marshal content item: %w", err)
		}

		var item map[string]any
		if err := json.Unmarshal(raw, &item); err != nil {
			return Result{}, fmt.Errorf("unmarshal content item: %w", err)
		}

		out.Content = append(out.Content, item)
	}

	return out, nil
}
