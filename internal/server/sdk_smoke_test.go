package server

import (
	"context"
	"strings"
	"testing"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// The official OpenAI Go SDK must be able to drive the proxy without
// any compatibility shims.

func newSDKClient(baseURL string) openai.Client {
	return openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey("test-key"),
	)
}

func TestOpenAIGoSDKSmokeNonStreaming(t *testing.T) {
	srv, _ := newTestServer(t)
	client := newSDKClient(srv.URL + "/v1")

	out, err := client.Chat.Completions.New(context.Background(), openai.ChatCompletionNewParams{
		Model: shared.ChatModel("gpt-test"),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("hello from sdk"),
		},
	})
	if err != nil {
		t.Fatalf("sdk chat completion failed: %v", err)
	}
	if len(out.Choices) == 0 {
		t.Fatalf("expected non-empty choices: %+v", out)
	}
	if got := out.Choices[0].Message.Content; !strings.Contains(got, "hello") {
		t.Fatalf("unexpected content: %q", got)
	}
	if out.Usage.TotalTokens != 6 {
		t.Fatalf("usage: %+v", out.Usage)
	}
}

func TestOpenAIGoSDKSmokeStreaming(t *testing.T) {
	srv, _ := newTestServer(t)
	client := newSDKClient(srv.URL + "/v1")

	stream := client.Chat.Completions.NewStreaming(context.Background(), openai.ChatCompletionNewParams{
		Model: shared.ChatModel("gpt-test"),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("hello from sdk"),
		},
	})

	var content strings.Builder
	var sawStop bool
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			content.WriteString(choice.Delta.Content)
			if choice.FinishReason == "stop" {
				sawStop = true
			}
		}
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("sdk stream failed: %v", err)
	}
	if content.String() != "hello" {
		t.Fatalf("streamed content: %q", content.String())
	}
	if !sawStop {
		t.Fatal("expected stop finish_reason")
	}
}
