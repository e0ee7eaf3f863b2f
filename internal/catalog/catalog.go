// Package catalog merges built-in tools with each running plugin's
// discovered tools into one flat, collision-free namespace.
package catalog

import (
	"encoding/json"
	"strings"

	"github.com/virelabs/toolhost/internal/builtin"
	"github.com/virelabs/toolhost/internal/plugin"
)

// Separator joins a plugin name and a tool name into a dynamic tool
// name, and is never part of a built-in tool name.
const Separator = "__"

// JoinName builds the namespaced dynamic tool name.
func JoinName(pluginName, toolName string) string {
	return pluginName + Separator + toolName
}

// SplitName splits a dynamic tool name on the first separator. ok is
// false when the name has no separator and so cannot target a plugin.
func SplitName(name string) (pluginName, toolName string, ok bool) {
	pluginName, toolName, ok = strings.Cut(name, Separator)
	if !ok || pluginName == "" || toolName == "" {
		return "", "", false
	}

	return pluginName, toolName, true
}

// Entry is one catalog listing.
type Entry struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Catalog reads the registry on every listing; nothing is cached, so
// plugins reappear automatically once re-provisioning returns them to
// Running.
type Catalog struct {
	builtins *builtin.Set
	registry *plugin.Registry
}

// New wires the catalog to its sources.
func New(builtins *builtin.Set, registry *plugin.Registry) *Catalog {
	return &Catalog{
		builtins: builtins,
		registry: registry,
	}
}

// List returns built-in tools first, names unchanged, then each Running
// plugin's tools in registry order under namespaced names. Plugins in
// any other state contribute nothing.
func (c *Catalog) List() []Entry {
	var entries []Entry

	for _, tool := range c.builtins.Tools() {
		entry := Entry{
			Name:        tool.Name,
			Description: tool.Description,
		}

		if tool.InputSchema != nil {
			if raw, err := json.Marshal(tool.InputSchema); err == nil {
				entry.InputSchema = raw
			}
		}

		entries = append(entries, entry)
	}

	for _, snap := range c.registry.List() {
		if snap.Status != plugin.StatusRunning {
			continue
		}

		for _, tool := range snap.Tools {
			entries = append(entries, Entry{
				Name:        JoinName(snap.Name, tool.Name),
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}

	return entries
}
