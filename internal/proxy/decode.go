package proxy

import (
	"encoding/json"
	"errors"

	"github.com/janwilmake/mcp-completions/internal/types"
)

// Decode errors map to HTTP 400 envelopes with the exact messages the
// caller contract specifies.
var (
	ErrInvalidJSON     = errors.New("Invalid JSON in request body")
	ErrInvalidMCPTools = errors.New("Invalid MCP tools")
)

// decodedRequest is the parsed caller request: the typed view the loop
// works with plus the raw body map cloned into each upstream round so
// unmodeled fields (sampling parameters and the like) survive.
type decodedRequest struct {
	req *types.ChatCompletionRequest
	raw map[string]any
}

// decodeRequest fully parses and validates the drained request body.
func decodeRequest(body []byte) (*decodedRequest, error) {
	var req types.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, ErrInvalidJSON
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, ErrInvalidJSON
	}

	for _, tool := range req.Tools {
		if tool.Type == types.ToolTypeMCP && !tool.MCP.Valid() {
			return nil, ErrInvalidMCPTools
		}
	}

	return &decodedRequest{req: &req, raw: raw}, nil
}

// includeUsage reports whether the caller asked for usage in the
// terminal chunk.
func (d *decodedRequest) includeUsage() bool {
	return d.req.StreamOptions != nil && d.req.StreamOptions.IncludeUsage
}

// urlContextSpec returns the first url_context tool spec, if any.
func (d *decodedRequest) urlContextSpec() *types.URLContextSpec {
	for _, tool := range d.req.Tools {
		if tool.Type == types.ToolTypeURLContext && tool.URLContext != nil {
			return tool.URLContext
		}
	}
	return nil
}

// cloneBody shallow-copies the raw request map as the base of one
// upstream round.
func (d *decodedRequest) cloneBody() map[string]any {
	clone := make(map[string]any, len(d.raw))
	for k, v := range d.raw {
		clone[k] = v
	}
	return clone
}
