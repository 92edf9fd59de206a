// Package emitter produces the caller-facing response. The pipeline
// always runs in streaming mode internally; the sink decides whether
// chunks are forwarded as SSE or buffered into a single JSON reply.
package emitter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/janwilmake/mcp-completions/internal/types"
)

// Sink accepts the chunks produced by the completion loop.
type Sink interface {
	// Begin writes response headers and the role announcement.
	Begin()
	// Delta forwards one content/refusal/reasoning delta.
	Delta(delta types.ChatDelta)
	// AddUsage folds one round's usage into the running totals.
	AddUsage(usage *types.Usage)
	// AddCostCents credits extra cost from the URL-context fetcher.
	AddCostCents(cents int)
	// Finish emits the terminal chunk or the aggregated object.
	Finish()
	// Fail aborts the response. Before Begin it writes an error
	// envelope; on a live stream it emits an error payload and [DONE].
	Fail(status int, message, errType string)
}

// ForRequest picks the sink matching the caller's original stream flag.
func ForRequest(w http.ResponseWriter, model string, stream, includeUsage bool) Sink {
	if stream {
		return NewStreamSink(w, model, includeUsage)
	}
	return NewBufferSink(w, model)
}

// newCompletionID mints the id shared by every chunk of one response.
func newCompletionID() string {
	return fmt.Sprintf("chatcmpl-%d", time.Now().UnixMilli())
}

// StreamSink re-emits chunks to the caller as an SSE stream.
type StreamSink struct {
	w            http.ResponseWriter
	flusher      http.Flusher
	model        string
	id           string
	created      int64
	includeUsage bool

	usage       types.Usage
	begun       bool
	writeFailed bool
}

// NewStreamSink creates a sink writing chat.completion.chunk SSE lines.
func NewStreamSink(w http.ResponseWriter, model string, includeUsage bool) *StreamSink {
	flusher, _ := w.(http.Flusher)
	return &StreamSink{
		w:            w,
		flusher:      flusher,
		model:        model,
		id:           newCompletionID(),
		created:      time.Now().Unix(),
		includeUsage: includeUsage,
	}
}

func (s *StreamSink) Begin() {
	s.begun = true
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.writeChunk(s.makeChunk(types.ChatDelta{Role: "assistant"}, nil, nil))
}

func (s *StreamSink) Delta(delta types.ChatDelta) {
	if delta.Role == "" && delta.Content == "" && delta.Refusal == "" &&
		delta.ReasoningContent == "" && len(delta.ToolCalls) == 0 {
		return
	}
	s.writeChunk(s.makeChunk(delta, nil, nil))
}

func (s *StreamSink) AddUsage(usage *types.Usage) {
	s.usage.Add(usage)
}

func (s *StreamSink) AddCostCents(cents int) {
	s.usage.AdditionalCostCents += cents
}

func (s *StreamSink) Finish() {
	var usage *types.Usage
	if s.includeUsage && s.usage.TotalTokens > 0 {
		u := s.usage
		usage = &u
	}
	s.writeChunk(s.makeChunk(types.ChatDelta{}, types.StringPtr("stop"), usage))
	s.writeDone()
}

func (s *StreamSink) Fail(status int, message, errType string) {
	if !s.begun {
		WriteError(s.w, status, message, errType)
		return
	}
	slog.Error("stream failed", "status", status, "error", message)
	s.writeChunk(types.ErrorResponse{Error: types.ErrorDetail{Message: message, Type: errType}})
	s.writeDone()
}

func (s *StreamSink) makeChunk(delta types.ChatDelta, finishReason *string, usage *types.Usage) types.ChatCompletionChunk {
	return types.ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []types.ChatChunkChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
		Usage:   usage,
	}
}

func (s *StreamSink) writeChunk(chunk any) {
	if s.writeFailed {
		return
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		slog.Error("failed to marshal SSE chunk", "error", err)
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		slog.Debug("client disconnected during SSE write", "error", err)
		s.writeFailed = true
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *StreamSink) writeDone() {
	if s.writeFailed {
		return
	}
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		slog.Debug("client disconnected during SSE done", "error", err)
		s.writeFailed = true
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// BufferSink accumulates deltas and emits one chat.completion object.
type BufferSink struct {
	w       http.ResponseWriter
	model   string
	id      string
	created int64

	content   string
	reasoning string
	usage     types.Usage
}

// NewBufferSink creates a sink for non-streaming callers.
func NewBufferSink(w http.ResponseWriter, model string) *BufferSink {
	return &BufferSink{
		w:       w,
		model:   model,
		id:      newCompletionID(),
		created: time.Now().Unix(),
	}
}

func (s *BufferSink) Begin() {}

func (s *BufferSink) Delta(delta types.ChatDelta) {
	s.content += delta.Content
	s.reasoning += delta.ReasoningContent
}

func (s *BufferSink) AddUsage(usage *types.Usage) {
	s.usage.Add(usage)
}

func (s *BufferSink) AddCostCents(cents int) {
	s.usage.AdditionalCostCents += cents
}

func (s *BufferSink) Finish() {
	var content *string
	if s.content != "" {
		content = types.StringPtr(s.content)
	}
	usage := s.usage
	resp := types.ChatCompletionResponse{
		ID:      s.id,
		Object:  "chat.completion",
		Created: s.created,
		Model:   s.model,
		Choices: []types.ChatChoice{{
			Index: 0,
			Message: types.ChatResponseMsg{
				Role:             "assistant",
				Content:          content,
				ReasoningContent: s.reasoning,
			},
			FinishReason: types.StringPtr("stop"),
		}},
		Usage: &usage,
	}
	WriteJSON(s.w, http.StatusOK, resp)
}

func (s *BufferSink) Fail(status int, message, errType string) {
	WriteError(s.w, status, message, errType)
}

// WriteJSON writes v as an application/json response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes the standard error envelope.
func WriteError(w http.ResponseWriter, status int, message, errType string) {
	slog.Error("request failed", "status", status, "error", message)
	WriteJSON(w, status, types.ErrorResponse{Error: types.ErrorDetail{Message: message, Type: errType}})
}
