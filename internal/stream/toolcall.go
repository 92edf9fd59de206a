package stream

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
)

// MaxToolArgBufSize is the upper bound (in bytes) for buffered
// function-call argument deltas per tool call.
const MaxToolArgBufSize = 1 << 20 // 1 MB

// ToolCallBuffer accumulates tool-call deltas from upstream streaming
// chunks, keyed by the tool_calls[].index integer. The id is set once
// when it first appears; name and arguments concatenate string-wise
// across deltas.
type ToolCallBuffer struct {
	calls map[int]*bufferedCall
}

type bufferedCall struct {
	index int
	id    string
	name  strings.Builder
	args  strings.Builder
}

// FinalToolCall is a completed tool call with JSON-parsed arguments.
type FinalToolCall struct {
	Index int
	ID    string
	Name  string
	// Args holds the parsed arguments object.
	Args any
	// RawArgs is the concatenated argument string as received.
	RawArgs string
}

// NewToolCallBuffer creates an empty buffer.
func NewToolCallBuffer() *ToolCallBuffer {
	return &ToolCallBuffer{calls: map[int]*bufferedCall{}}
}

// Fold merges one tool_calls delta element into the buffer.
func (b *ToolCallBuffer) Fold(index int, id, name, args string) {
	c, ok := b.calls[index]
	if !ok {
		c = &bufferedCall{index: index}
		b.calls[index] = c
	}
	if c.id == "" && id != "" {
		c.id = id
	}
	if name != "" {
		c.name.WriteString(name)
	}
	if args != "" {
		if c.args.Len()+len(args) > MaxToolArgBufSize {
			slog.Warn("tool argument buffer limit exceeded, dropping delta",
				"index", index, "buf_len", c.args.Len(), "delta_len", len(args))
			return
		}
		c.args.WriteString(args)
	}
}

// FoldDelta folds a generic tool_calls delta element (as decoded from
// a chunk map) into the buffer.
func (b *ToolCallBuffer) FoldDelta(elem map[string]any) {
	index := intFromAny(elem["index"])
	id, _ := elem["id"].(string)
	var name, args string
	if fn, ok := elem["function"].(map[string]any); ok {
		name, _ = fn["name"].(string)
		args, _ = fn["arguments"].(string)
	}
	b.Fold(index, id, name, args)
}

// Len reports how many tool calls are buffered.
func (b *ToolCallBuffer) Len() int {
	return len(b.calls)
}

// Finalize parses every buffered call that has both a name and
// non-empty arguments, returning them in index order. Calls whose
// arguments fail to parse as JSON are dropped with a log line; the
// round is not aborted.
func (b *ToolCallBuffer) Finalize() []FinalToolCall {
	out := make([]FinalToolCall, 0, len(b.calls))
	for _, c := range b.calls {
		name := strings.TrimSpace(c.name.String())
		raw := c.args.String()
		if name == "" || strings.TrimSpace(raw) == "" {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			slog.Warn("dropping tool call with unparsable arguments",
				"index", c.index, "name", name, "error", err)
			continue
		}
		out = append(out, FinalToolCall{
			Index:   c.index,
			ID:      c.id,
			Name:    name,
			Args:    parsed,
			RawArgs: raw,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
