package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/janwilmake/mcp-completions/internal/emitter"
	"github.com/janwilmake/mcp-completions/internal/limits"
	"github.com/janwilmake/mcp-completions/internal/mcp"
	"github.com/janwilmake/mcp-completions/internal/registry"
	"github.com/janwilmake/mcp-completions/internal/stream"
	"github.com/janwilmake/mcp-completions/internal/types"
	"github.com/janwilmake/mcp-completions/internal/upstream"
	"github.com/janwilmake/mcp-completions/internal/urlcontext"
)

// maxRounds caps the tool-calling loop so a misbehaving upstream
// cannot spin forever on an unbounded budget.
const maxRounds = 10

// Completions runs one caller request end to end: decode, federate
// tools, loop upstream rounds, dispatch tool calls, emit the response.
// The internal pipeline always streams; the caller's stream flag only
// selects the sink.
func (e *Engine) Completions(ctx context.Context, w http.ResponseWriter, body []byte, callerHeaders http.Header) {
	decoded, err := decodeRequest(body)
	if err != nil {
		emitter.WriteError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}
	req := decoded.req

	sink := emitter.ForRequest(w, req.Model, req.Stream, decoded.includeUsage())
	conversation := slices.Clone(req.Messages)

	if spec := decoded.urlContextSpec(); spec != nil {
		conversation = e.prependURLContext(ctx, sink, conversation, spec)
	}

	tools, reg := registry.Build(ctx, e.mcp, req.Tools)
	budget := limits.FromRequest(req.MaxCompletionTokens, req.MaxTokens)

	sink.Begin()

	for round := 0; round < maxRounds; round++ {
		roundBody := buildRoundBody(decoded, conversation, tools, budget)
		respBody, err := e.upstream.Stream(ctx, roundBody, callerHeaders)
		if err != nil {
			sink.Fail(upstreamFailStatus(err), err.Error(), "upstream_error")
			return
		}
		outcome := consumeRound(respBody, sink)
		respBody.Close()

		conversation = append(conversation, assistantMessage(outcome))
		if outcome.usage != nil {
			sink.AddUsage(outcome.usage)
			budget.Spend(outcome.usage.CompletionTokens)
		}
		if e.cfg.Verbose {
			slog.Info("completion.round",
				"round", round,
				"finished", outcome.finished,
				"tool_calls", len(outcome.toolCalls),
				"budget_exhausted", budget.Exhausted(),
			)
		}

		if outcome.finished || len(outcome.toolCalls) == 0 || budget.Exhausted() {
			break
		}

		// Tool calls run sequentially in index order so the
		// conversation shape stays deterministic.
		callerOwned := false
		for _, call := range outcome.toolCalls {
			entry, ok := reg.Resolve(call.Name)
			if ok && strings.HasPrefix(call.Name, registry.SyntheticPrefix) {
				conversation = append(conversation, e.dispatchMCP(ctx, sink, call, entry))
				continue
			}
			// A function tool the caller supplied: the proxy cannot
			// execute it, so the call is surfaced and the loop ends.
			sink.Delta(types.ChatDelta{ToolCalls: []types.ToolCall{{
				Index:    call.Index,
				ID:       call.ID,
				Type:     "function",
				Function: types.FunctionCall{Name: call.Name, Arguments: call.RawArgs},
			}}})
			callerOwned = true
		}
		if callerOwned {
			break
		}
	}

	sink.Finish()
}

// prependURLContext runs the URL-context pre-processor and, when it
// yields content, prepends it as a system message. Failures are logged
// and skipped; the request continues.
func (e *Engine) prependURLContext(ctx context.Context, sink emitter.Sink, conversation []types.ChatMessage, spec *types.URLContextSpec) []types.ChatMessage {
	opts := urlcontext.Options{
		ShadowHosts: e.cfg.ShadowHosts,
		ExtractService: urlcontext.ExtractService{
			URL:         e.cfg.ExtractService.URL,
			BearerToken: e.cfg.ExtractService.BearerToken,
		},
	}
	if spec.MaxURLs != nil {
		opts.MaxURLs = *spec.MaxURLs
	}
	if spec.MaxContextLength != nil {
		opts.MaxContextLength = *spec.MaxContextLength
	}

	res, err := e.urlctx.Resolve(ctx, conversation, opts)
	if err != nil {
		slog.Warn("urlcontext.resolve.failed", "error", err)
		return conversation
	}
	sink.AddCostCents(res.AdditionalCostCents)
	if res.Context == "" {
		return conversation
	}
	return append([]types.ChatMessage{{Role: "system", Content: res.Context}}, conversation...)
}

// buildRoundBody clones the caller's body for one upstream round:
// working conversation swapped in, streaming forced on, tools replaced
// by the federated set, and the token cap rewritten to the remaining
// budget.
func buildRoundBody(decoded *decodedRequest, conversation []types.ChatMessage, tools []types.ChatTool, budget *limits.Budget) map[string]any {
	body := decoded.cloneBody()
	body["messages"] = conversation
	body["stream"] = true
	body["stream_options"] = map[string]any{"include_usage": true}

	if len(tools) > 0 {
		body["tools"] = tools
	} else {
		delete(body, "tools")
	}

	if budget.Bounded() {
		if decoded.req.MaxCompletionTokens != nil {
			body["max_completion_tokens"] = budget.Remaining()
		}
		if decoded.req.MaxTokens != nil {
			body["max_tokens"] = budget.Remaining()
		}
	}
	return body
}

// roundOutcome is what one upstream round produced.
type roundOutcome struct {
	text      string
	toolCalls []stream.FinalToolCall
	usage     *types.Usage
	finished  bool
}

// consumeRound reads one upstream SSE stream, forwarding deltas to the
// sink and buffering tool-call fragments until a finish_reason arrives.
func consumeRound(body io.Reader, sink emitter.Sink) roundOutcome {
	var out roundOutcome
	reader := stream.NewReader(body)
	buffer := stream.NewToolCallBuffer()

	for {
		chunk, err := reader.NextChunk()
		if err != nil {
			return out
		}

		var choice map[string]any
		var finishReason string
		if choices, ok := chunk["choices"].([]any); ok && len(choices) > 0 {
			choice, _ = choices[0].(map[string]any)
			if choice != nil {
				finishReason, _ = choice["finish_reason"].(string)
			}
		}

		if usage := types.UpstreamUsageFromMap(chunk); usage != nil {
			out.usage = usage
			// Terminal bookkeeping chunk unless it also finishes the
			// round with tool calls.
			if finishReason != "tool_calls" {
				continue
			}
		}
		if choice == nil {
			continue
		}

		if delta, ok := choice["delta"].(map[string]any); ok {
			content, _ := delta["content"].(string)
			refusal, _ := delta["refusal"].(string)
			reasoning, _ := delta["reasoning_content"].(string)
			if content != "" || refusal != "" || reasoning != "" {
				sink.Delta(types.ChatDelta{
					Content:          content,
					Refusal:          refusal,
					ReasoningContent: reasoning,
				})
				// Only content participates in the model-facing
				// history; reasoning goes to the caller alone.
				out.text += content
			}
			if rawCalls, ok := delta["tool_calls"].([]any); ok {
				for _, rc := range rawCalls {
					if m, ok := rc.(map[string]any); ok {
						buffer.FoldDelta(m)
					}
				}
			}
		}

		switch finishReason {
		case "tool_calls":
			out.toolCalls = buffer.Finalize()
			return out
		case "stop", "length":
			out.finished = true
			return out
		}
	}
}

// assistantMessage converts a round's output into the assistant turn
// appended to the working conversation.
func assistantMessage(outcome roundOutcome) types.ChatMessage {
	msg := types.ChatMessage{Role: "assistant"}
	if outcome.text != "" {
		msg.Content = outcome.text
	}
	for _, call := range outcome.toolCalls {
		msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
			ID:   call.ID,
			Type: "function",
			Function: types.FunctionCall{
				Name:      call.Name,
				Arguments: types.MarshalToolArgs(call.Args),
			},
		})
	}
	return msg
}

// dispatchMCP invokes one MCP tool call, streams the pre-feedback and
// result blocks to the caller, and returns the tool message for the
// conversation. Every failure is surfaced as message content so the
// model can react in the next round.
func (e *Engine) dispatchMCP(ctx context.Context, sink emitter.Sink, call stream.FinalToolCall, entry registry.Entry) types.ChatMessage {
	host := mcp.Hostname(entry.ServerURL)
	sink.Delta(types.ChatDelta{Content: formatToolInvocation(entry.OriginalName, host, call.Args)})

	var content string
	result, err := e.mcp.CallTool(ctx, entry.ServerURL, entry.Authorization, entry.OriginalName, call.Args)
	if err != nil {
		slog.Warn("mcp.call.failed", "server", entry.ServerURL, "tool", entry.OriginalName, "error", err)
		content = formatToolError(err)
	} else {
		content = formatToolResult(result)
	}

	sink.Delta(types.ChatDelta{Content: content})
	return types.ChatMessage{Role: "tool", ToolCallID: call.ID, Content: content}
}

func upstreamFailStatus(err error) int {
	var upErr *upstream.Error
	if errors.As(err, &upErr) && upErr.Status >= 400 && upErr.Status < 600 {
		return upErr.Status
	}
	return http.StatusBadGateway
}
