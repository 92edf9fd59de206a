package stream

import (
	"encoding/json"
	"testing"
)

func TestFoldConcatenatesDeltas(t *testing.T) {
	b := NewToolCallBuffer()
	b.Fold(0, "call_1", "sea", `{"q":`)
	b.Fold(0, "", "rch", `"x"}`)

	calls := b.Finalize()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	c := calls[0]
	if c.ID != "call_1" || c.Name != "search" {
		t.Fatalf("call: %+v", c)
	}
	if c.RawArgs != `{"q":"x"}` {
		t.Fatalf("raw args: %q", c.RawArgs)
	}
	args, ok := c.Args.(map[string]any)
	if !ok || args["q"] != "x" {
		t.Fatalf("parsed args: %#v", c.Args)
	}
}

func TestFoldIDSetOnce(t *testing.T) {
	b := NewToolCallBuffer()
	b.Fold(0, "first", "fn", `{}`)
	b.Fold(0, "second", "", "")

	calls := b.Finalize()
	if calls[0].ID != "first" {
		t.Fatalf("id overwritten: %q", calls[0].ID)
	}
}

func TestFinalizeIndexOrder(t *testing.T) {
	b := NewToolCallBuffer()
	b.Fold(2, "c", "third", `{}`)
	b.Fold(0, "a", "first", `{}`)
	b.Fold(1, "b", "second", `{}`)

	calls := b.Finalize()
	if len(calls) != 3 {
		t.Fatalf("count: %d", len(calls))
	}
	for i, want := range []string{"first", "second", "third"} {
		if calls[i].Name != want {
			t.Fatalf("call %d: %q, want %q", i, calls[i].Name, want)
		}
	}
}

func TestFinalizeDropsUnparsableAndIncomplete(t *testing.T) {
	b := NewToolCallBuffer()
	b.Fold(0, "bad", "broken", `{not json`)
	b.Fold(1, "empty", "no_args", "")
	b.Fold(2, "nameless", "", `{}`)
	b.Fold(3, "good", "works", `{"k":1}`)

	calls := b.Finalize()
	if len(calls) != 1 || calls[0].Name != "works" {
		t.Fatalf("surviving calls: %+v", calls)
	}
}

func TestFoldDeltaGeneric(t *testing.T) {
	var elem map[string]any
	raw := `{"index":1,"id":"t9","type":"function","function":{"name":"lookup","arguments":"{\"id\":7}"}}`
	if err := json.Unmarshal([]byte(raw), &elem); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	b := NewToolCallBuffer()
	b.FoldDelta(elem)

	calls := b.Finalize()
	if len(calls) != 1 {
		t.Fatalf("count: %d", len(calls))
	}
	if calls[0].Index != 1 || calls[0].ID != "t9" || calls[0].Name != "lookup" {
		t.Fatalf("call: %+v", calls[0])
	}
}

func TestFoldArgBufferLimit(t *testing.T) {
	b := NewToolCallBuffer()
	huge := make([]byte, MaxToolArgBufSize)
	for i := range huge {
		huge[i] = 'x'
	}
	b.Fold(0, "big", "fn", string(huge[:MaxToolArgBufSize-1]))
	// The next delta would exceed the cap and is dropped.
	b.Fold(0, "", "", "yy")
	// The buffer must not have grown past the cap.
	if got := b.calls[0].args.Len(); got != MaxToolArgBufSize-1 {
		t.Fatalf("argument buffer length: %d, want %d", got, MaxToolArgBufSize-1)
	}

	calls := b.Finalize()
	// Arguments are not valid JSON either way; the call is dropped at
	// finalize.
	if len(calls) != 0 {
		t.Fatalf("expected drop, got %+v", calls)
	}
}
