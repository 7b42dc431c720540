package openai

import (
	"sort"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/packages/ssestream"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/part"
)

// partStream adapts the Chat Completions chunk stream to model.PartStream.
// Tool call arguments arrive as fragments keyed by index and are flushed as
// complete invocations when the choice reports its finish reason.
type partStream struct {
	stream *ssestream.Stream[sdk.ChatCompletionChunk]

	queue   []part.Part
	cur     part.Part
	err     error
	done    bool
	started bool

	tools map[int]*toolBuffer

	usage     model.Usage
	haveUsage bool
}

// toolBuffer accumulates the partial arguments of one tool call delta index.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() string {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

func (s *partStream) Next() bool {
	for len(s.queue) == 0 {
		if s.done {
			return false
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				s.err = wrapError("chat.completions.stream", err)
			}
			return len(s.queue) > 0
		}
		s.handle(s.stream.Current())
	}
	s.cur = s.queue[0]
	s.queue = s.queue[1:]
	return true
}

func (s *partStream) Current() part.Part { return s.cur }

func (s *partStream) Err() error { return s.err }

func (s *partStream) Close() error { return s.stream.Close() }

func (s *partStream) Usage() (model.Usage, bool) { return s.usage, s.haveUsage }

func (s *partStream) emit(p part.Part) { s.queue = append(s.queue, p) }

func (s *partStream) handle(chunk sdk.ChatCompletionChunk) {
	if !s.started {
		s.started = true
		s.tools = make(map[int]*toolBuffer)
		s.emit(part.Start(chunk.ID))
	}
	if chunk.Usage.TotalTokens != 0 || chunk.Usage.PromptTokens != 0 {
		s.usage = model.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
			TotalTokens:  chunk.Usage.TotalTokens,
		}
		s.haveUsage = true
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		s.emit(part.TextDelta("text-0", choice.Delta.Content))
	}
	for _, tc := range choice.Delta.ToolCalls {
		idx := int(tc.Index)
		tb := s.tools[idx]
		if tb == nil {
			tb = &toolBuffer{}
			s.tools[idx] = tb
		}
		if tc.ID != "" {
			tb.id = tc.ID
		}
		if tc.Function.Name != "" {
			tb.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			tb.fragments = append(tb.fragments, tc.Function.Arguments)
			s.emit(part.Part{Type: part.TypeToolInputDelta, ToolCallID: tb.id, Delta: tc.Function.Arguments})
		}
	}
	if choice.FinishReason != "" {
		s.flushTools()
		s.emit(part.Finish(finishReason(choice.FinishReason)))
	}
}

// flushTools emits the buffered tool invocations in index order.
func (s *partStream) flushTools() {
	if len(s.tools) == 0 {
		return
	}
	idxs := make([]int, 0, len(s.tools))
	for idx := range s.tools {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	for _, idx := range idxs {
		tb := s.tools[idx]
		s.emit(part.ToolInputAvailable(tb.id, tb.name, []byte(tb.finalInput())))
	}
	s.tools = make(map[int]*toolBuffer)
}

// finishReason maps Chat Completions finish reasons onto the generic
// vocabulary.
func finishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return part.FinishReasonToolCalls
	case "stop":
		return "stop"
	case "length":
		return "length"
	default:
		return reason
	}
}
