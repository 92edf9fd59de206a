package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Reader reads SSE events from an io.Reader. Comment lines (":"),
// event: lines, and blank separators are skipped; a "data: [DONE]"
// sentinel terminates the stream with io.EOF.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a new SSE reader.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next returns the next SSE data payload. Returns nil, io.EOF when done.
func (r *Reader) Next() (json.RawMessage, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[5:])
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil, io.EOF
		}
		return json.RawMessage(data), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// NextChunk returns the next data payload decoded into a generic map.
// Payloads that fail to decode are skipped.
func (r *Reader) NextChunk() (map[string]any, error) {
	for {
		raw, err := r.Next()
		if err != nil {
			return nil, err
		}
		var parsed map[string]any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			continue
		}
		return parsed, nil
	}
}
