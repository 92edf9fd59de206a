package proxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/janwilmake/mcp-completions/internal/mcp"
)

// formatToolInvocation renders the pre-feedback block streamed to the
// caller before an MCP tool call runs.
func formatToolInvocation(originalName, host string, args any) string {
	return fmt.Sprintf("\n\n<details>\n<summary>Calling MCP tool: %s (%s)</summary>\n\n```json\n%s\n```\n\n</details>\n\n",
		originalName, host, prettyJSON(args))
}

// formatToolResult renders a tools/call result. A result with a
// non-empty content array has its blocks concatenated; anything else is
// wrapped as an error-styled block showing the whole JSON-RPC response.
func formatToolResult(result *mcp.CallToolResult) string {
	blocks, ok := result.Content()
	if !ok {
		return formatUnexpectedResult(result.Raw)
	}

	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		parts = append(parts, formatContentBlock(block))
	}
	body := strings.Join(parts, "\n\n")

	// Rough token estimate so the model can judge the result's weight.
	tokens := len(body) / 5
	return fmt.Sprintf("\n\n<details>\n<summary>Result (±%d tokens)</summary>\n\n%s\n\n</details>\n\n", tokens, body)
}

// formatToolError renders a dispatch failure surfaced into the
// conversation so the model can react.
func formatToolError(err error) string {
	return fmt.Sprintf("**Error**: %s", err)
}

func formatContentBlock(block any) string {
	m, ok := block.(map[string]any)
	if !ok {
		return fmt.Sprintf("```json\n%s\n```", prettyJSON(block))
	}
	switch m["type"] {
	case "text":
		text, _ := m["text"].(string)
		if json.Valid([]byte(text)) && looksLikeJSON(text) {
			return fmt.Sprintf("```json\n%s\n```", text)
		}
		return fmt.Sprintf("```markdown\n%s\n```", text)
	case "image":
		data, _ := m["data"].(string)
		return fmt.Sprintf("[Image: %s]", data)
	default:
		return fmt.Sprintf("```json\n%s\n```", prettyJSON(m))
	}
}

func formatUnexpectedResult(raw json.RawMessage) string {
	var pretty string
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err == nil {
		pretty = prettyJSON(decoded)
	} else {
		pretty = string(raw)
	}
	return fmt.Sprintf("\n\n<details>\n<summary>Error: unexpected MCP result</summary>\n\n```json\n%s\n```\n\n</details>\n\n", pretty)
}

func looksLikeJSON(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

func prettyJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
