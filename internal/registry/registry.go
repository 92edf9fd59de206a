package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/janwilmake/mcp-completions/internal/mcp"
	"github.com/janwilmake/mcp-completions/internal/types"
)

// SyntheticPrefix marks function names the proxy owns. Tool calls whose
// name carries this prefix are dispatched to MCP servers instead of
// being surfaced to the caller as plain function calls.
const SyntheticPrefix = "mcp_tool_"

// Entry is the reverse mapping for one synthetic function name.
type Entry struct {
	ServerURL     string
	OriginalName  string
	Authorization string
}

// Registry maps synthetic function names to their MCP origin for one
// request. It is populated before the first upstream call and immutable
// afterwards.
type Registry struct {
	entries map[string]Entry
}

// SyntheticName builds the deterministic alias under which a remote
// tool is advertised upstream: mcp_tool_<dashed-host>_<original-name>.
func SyntheticName(hostname, originalName string) string {
	return SyntheticPrefix + strings.ReplaceAll(hostname, ".", "-") + "_" + originalName
}

// Resolve returns the origin of a synthetic name.
func (r *Registry) Resolve(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Len reports how many synthetic tools are registered.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Build walks the request's tools, initializes a session per MCP spec,
// and produces the upstream tools list plus the reverse registry.
// Plain function tools and unknown variants pass through unchanged;
// url_context entries are consumed by the pre-processor and stripped
// here. Initialization failures are logged and that server's tools
// omitted; the request continues.
func Build(ctx context.Context, mgr *mcp.Manager, tools []types.ChatTool) ([]types.ChatTool, *Registry) {
	reg := &Registry{entries: map[string]Entry{}}
	var out []types.ChatTool

	for _, tool := range tools {
		switch tool.Type {
		case types.ToolTypeMCP:
			out = append(out, reg.federate(ctx, mgr, tool.MCP)...)
		case types.ToolTypeURLContext:
			// handled by the URL-context pre-processor
		default:
			out = append(out, tool)
		}
	}

	return out, reg
}

// federate discovers one server's tools and translates them into
// synthetic function tools.
func (r *Registry) federate(ctx context.Context, mgr *mcp.Manager, spec *types.MCPToolSpec) []types.ChatTool {
	if spec == nil {
		return nil
	}

	sess, err := mgr.Ensure(ctx, spec.ServerURL, spec.Authorization)
	if err != nil {
		slog.Warn("mcp.initialize.failed", "server", spec.ServerURL, "error", err)
		return nil
	}

	host := mcp.Hostname(spec.ServerURL)
	var out []types.ChatTool
	for _, tool := range sess.Tools() {
		if !allowed(spec.AllowedTools, tool.Name) {
			continue
		}

		synthetic := SyntheticName(host, tool.Name)
		if _, exists := r.entries[synthetic]; exists {
			slog.Warn("mcp.tool.name_collision", "name", synthetic, "server", spec.ServerURL)
			continue
		}
		r.entries[synthetic] = Entry{
			ServerURL:     spec.ServerURL,
			OriginalName:  tool.Name,
			Authorization: spec.Authorization,
		}

		description := tool.Description
		if description == "" {
			description = tool.Name
		}
		out = append(out, types.FunctionTool(types.FunctionDef{
			Name:        synthetic,
			Description: fmt.Sprintf("%s (via MCP server: %s)", description, host),
			Parameters:  schemaOrEmpty(tool.InputSchema),
		}))
	}
	return out
}

func allowed(list *types.AllowedTools, name string) bool {
	if list == nil || list.ToolNames == nil {
		return true
	}
	return slices.Contains(list.ToolNames, name)
}

func schemaOrEmpty(schema json.RawMessage) any {
	if len(schema) == 0 {
		return map[string]any{}
	}
	var parsed any
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return map[string]any{}
	}
	return parsed
}
