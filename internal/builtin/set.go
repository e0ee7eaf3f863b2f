// Package builtin holds the host's fixed tools and the set they are
// served from. Built-in tools are simple synchronous request/response
// wrappers; all concurrency lives in the plugin subsystem.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool pairs a tool definition with its handler.
type Tool struct {
	Def     *mcp.Tool
	Handler mcp.ToolHandler
}

// Set is an ordered, name-keyed collection of built-in tools.
type Set struct {
	order []string
	tools map[string]*Tool
}

// NewSet builds a set preserving the given order.
func NewSet(tools ...*Tool) *Set {
	s := &Set{
		tools: make(map[string]*Tool, len(tools)),
	}

	for _, t := range tools {
		if _, ok := s.tools[t.Def.Name]; ok {
			continue
		}

		s.order = append(s.order, t.Def.Name)
		s.tools[t.Def.Name] = t
	}

	return s
}

// Has reports whether name is a built-in tool.
func (s *Set) Has(name string) bool {
	_, ok := s.tools[name]

	return ok
}

// Tools returns the definitions in registration order.
func (s *Set) Tools() []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name].Def)
	}

	return out
}

// Call invokes a built-in tool. Handler failures are encoded in the
// result rather than returned, so a misbehaving tool never escapes as an
// error to the transport.
func (s *Set) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t, ok := s.tools[name]
	if !ok {
		return ErrorResult("Tool not found: " + name), nil
	}

	argBytes, err := json.Marshal(args)
	if err != nil {
		return ErrorResult("Failed to marshal arguments: " + err.Error()), nil
	}

	req := &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{
			Name:      name,
			Arguments: argBytes,
		},
	}

	result, err := t.Handler(ctx, req)
	if err != nil {
		return ErrorResult("Tool execution failed: " + err.Error()), nil
	}

	return result, nil
}

// NewTool creates an mcp.Tool with the given parameters.
func NewTool(name, description string, inputSchema *jsonschema.Schema) *mcp.Tool {
	return &mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: inputSchema,
	}
}

// SimpleSchema creates a jsonschema.Schema from a simple type map.
//
// Input format: {"a": "float64", "b": "string"}. Every listed property
// is required.
func SimpleSchema(props map[string]string) *jsonschema.Schema {
	properties := make(map[string]*jsonschema.Schema, len(props))
	required := make([]string, 0, len(props))

	for name, goType := range props {
		properties[name] = goTypeToJSONSchema(goType)
		required = append(required, name)
	}

	return &jsonschema.Schema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

// goTypeToJSONSchema converts a Go type string to a JSON Schema type.
func goTypeToJSONSchema(goType string) *jsonschema.Schema {
	switch goType {
	case "string":
		return &jsonschema.Schema{Type: "string"}
	case "int", "int32", "int64":
		return &jsonschema.Schema{Type: "integer"}
	case "float32", "float64", "float", "number":
		return &jsonschema.Schema{Type: "number"}
	case "bool", "boolean":
		return &jsonschema.Schema{Type: "boolean"}
	case "any", "object", "map[string]any":
		return &jsonschema.Schema{Type: "object"}
	default:
		if len(goType) > 2 && goType[:2] == "[]" {
			return &jsonschema.Schema{
				Type:  "array",
				Items: goTypeToJSONSchema(goType[2:]),
			}
		}

		return &jsonschema.Schema{Type: "string"}
	}
}

// TextResult creates a CallToolResult with text content.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// ErrorResult creates a CallToolResult indicating an error.
func ErrorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: message},
		},
		IsError: true,
	}
}

// ParseArguments unmarshals CallToolRequest arguments into a map.
func ParseArguments(req *mcp.CallToolRequest) (map[string]any, error) {
	if req == nil || req.Params == nil || len(req.Params.Arguments) == 0 {
		return make(map[string]any), nil
	}

	var args map[string]any
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return nil, fmt.Errorf("unmarshal arguments: %w", err)
	}

	return args, nil
}
