package openai

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/part"
	"goa.design/loom/runtime/tools"
)

// stubCompletionsClient records the request body and hands back an empty
// stream.
type stubCompletionsClient struct {
	lastParams sdk.ChatCompletionNewParams
}

func (s *stubCompletionsClient) NewStreaming(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk] {
	s.lastParams = body
	return ssestream.NewStream[sdk.ChatCompletionChunk](&testDecoder{}, nil)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{Model: "gpt-4o"})
	require.Error(t, err)

	_, err = New(&stubCompletionsClient{}, Options{})
	require.Error(t, err)
}

func TestStreamEncodesConversation(t *testing.T) {
	stub := &stubCompletionsClient{}
	cl, err := New(stub, Options{Model: "gpt-4o", MaxTokens: 256, Temperature: 0.3})
	require.NoError(t, err)

	req := model.Request{
		Messages: []model.Message{
			{Role: "system", Parts: []part.Part{part.Text("s", "be terse")}},
			{Role: "user", Parts: []part.Part{part.Text("u1", "what's the weather in SF?")}},
		},
	}
	_, err = cl.Stream(context.Background(), req)
	require.NoError(t, err)

	p := stub.lastParams
	require.Equal(t, sdk.ChatModel("gpt-4o"), p.Model)
	require.Equal(t, int64(256), p.MaxCompletionTokens.Value)
	require.Equal(t, 0.3, p.Temperature.Value)
	require.True(t, p.StreamOptions.IncludeUsage.Value)
	require.Len(t, p.Messages, 2)

	raw, err := json.Marshal(p.Messages)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"role":"system"`)
	require.Contains(t, string(raw), "be terse")
	require.Contains(t, string(raw), `"role":"user"`)
	require.Contains(t, string(raw), "what's the weather in SF?")
}

func TestStreamEncodesToolCallsAndResults(t *testing.T) {
	stub := &stubCompletionsClient{}
	cl, err := New(stub, Options{Model: "gpt-4o"})
	require.NoError(t, err)

	req := model.Request{
		Messages: []model.Message{
			{Role: "user", Parts: []part.Part{part.Text("u1", "weather?")}},
			{Role: "assistant", Parts: []part.Part{
				part.TextDelta("a1", "checking"),
				part.ToolInputAvailable("call-1", "get_weather", json.RawMessage(`{"location":"SF"}`)),
				part.ToolOutputAvailable("call-1", "get_weather", json.RawMessage(`{"weather":"sunny"}`)),
			}},
		},
		Tools: map[string]tools.Schema{
			"get_weather": {
				Description: "Report the weather",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"location": map[string]any{"type": "string"}},
				},
			},
		},
	}
	_, err = cl.Stream(context.Background(), req)
	require.NoError(t, err)

	p := stub.lastParams
	// user, assistant with tool_calls, then the tool-role result message
	require.Len(t, p.Messages, 3)
	raw, err := json.Marshal(p.Messages)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"name":"get_weather"`)
	require.Contains(t, string(raw), `"role":"tool"`)
	require.Contains(t, string(raw), `"tool_call_id":"call-1"`)
	require.Contains(t, string(raw), `"weather\":\"sunny`)

	require.Len(t, p.Tools, 1)
	toolRaw, err := json.Marshal(p.Tools[0])
	require.NoError(t, err)
	require.Contains(t, string(toolRaw), `"name":"get_weather"`)
	require.Contains(t, string(toolRaw), "Report the weather")
}

func TestStreamRejectsEmptyConversation(t *testing.T) {
	cl, err := New(&stubCompletionsClient{}, Options{Model: "gpt-4o"})
	require.NoError(t, err)

	_, err = cl.Stream(context.Background(), model.Request{})
	require.Error(t, err)
}

func TestStreamRejectsUnknownRole(t *testing.T) {
	cl, err := New(&stubCompletionsClient{}, Options{Model: "gpt-4o"})
	require.NoError(t, err)

	_, err = cl.Stream(context.Background(), model.Request{Messages: []model.Message{
		{Role: "narrator", Parts: []part.Part{part.Text("x", "hm")}},
	}})
	require.Error(t, err)
}
