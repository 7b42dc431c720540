package openai

import (
	"testing"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/part"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func chunk(raw string) ssestream.Event {
	return ssestream.Event{Data: []byte(raw)}
}

func collect(t *testing.T, s *partStream) []part.Part {
	t.Helper()
	var parts []part.Part
	for s.Next() {
		parts = append(parts, s.Current())
	}
	return parts
}

func TestPartStreamTextAndToolCall(t *testing.T) {
	events := []ssestream.Event{
		chunk(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"hello"}}]}`),
		chunk(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call-1","type":"function","function":{"name":"get_weather","arguments":"{\"location\":"}}]}}]}`),
		chunk(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"SF\"}"}}]}}]}`),
		chunk(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`),
		chunk(`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19}}`),
	}
	s := &partStream{stream: ssestream.NewStream[sdk.ChatCompletionChunk](&testDecoder{events: events}, nil)}

	parts := collect(t, s)
	require.NoError(t, s.Err())

	require.Equal(t, part.Start("chatcmpl-1"), parts[0])
	require.Equal(t, part.TextDelta("text-0", "hello"), parts[1])
	require.Equal(t, part.TypeToolInputDelta, parts[2].Type)
	require.Equal(t, "call-1", parts[2].ToolCallID)

	avail := parts[len(parts)-2]
	require.Equal(t, part.TypeToolInputAvailable, avail.Type)
	require.Equal(t, "call-1", avail.ToolCallID)
	require.Equal(t, "get_weather", avail.ToolName)
	require.JSONEq(t, `{"location":"SF"}`, string(avail.Input))

	require.Equal(t, part.Finish(part.FinishReasonToolCalls), parts[len(parts)-1])

	usage, ok := s.Usage()
	require.True(t, ok)
	require.Equal(t, int64(12), usage.InputTokens)
	require.Equal(t, int64(7), usage.OutputTokens)
	require.Equal(t, int64(19), usage.TotalTokens)
}

func TestPartStreamPlainText(t *testing.T) {
	events := []ssestream.Event{
		chunk(`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"content":"hi "}}]}`),
		chunk(`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"content":"there"}}]}`),
		chunk(`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`),
	}
	s := &partStream{stream: ssestream.NewStream[sdk.ChatCompletionChunk](&testDecoder{events: events}, nil)}

	parts := collect(t, s)
	require.NoError(t, s.Err())
	require.Equal(t, []part.Part{
		part.Start("chatcmpl-2"),
		part.TextDelta("text-0", "hi "),
		part.TextDelta("text-0", "there"),
		part.Finish("stop"),
	}, parts)
}

func TestPartStreamEmptyToolArgumentsDefaultToObject(t *testing.T) {
	events := []ssestream.Event{
		chunk(`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call-9","type":"function","function":{"name":"noop"}}]}}]}`),
		chunk(`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`),
	}
	s := &partStream{stream: ssestream.NewStream[sdk.ChatCompletionChunk](&testDecoder{events: events}, nil)}

	parts := collect(t, s)
	require.NoError(t, s.Err())

	avail := parts[1]
	require.Equal(t, part.TypeToolInputAvailable, avail.Type)
	require.Equal(t, "call-9", avail.ToolCallID)
	require.Equal(t, "noop", avail.ToolName)
	require.JSONEq(t, `{}`, string(avail.Input))
}

func TestFinishReasonMapping(t *testing.T) {
	require.Equal(t, part.FinishReasonToolCalls, finishReason("tool_calls"))
	require.Equal(t, part.FinishReasonToolCalls, finishReason("function_call"))
	require.Equal(t, "stop", finishReason("stop"))
	require.Equal(t, "length", finishReason("length"))
	require.Equal(t, "content_filter", finishReason("content_filter"))
}
