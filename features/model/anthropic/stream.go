package anthropic

import (
	"strconv"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/part"
)

// partStream adapts the Anthropic SSE event stream to model.PartStream. One
// provider event may yield several parts, so translated parts are queued and
// drained before the next event is pulled.
type partStream struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	queue []part.Part
	cur   part.Part
	err   error
	done  bool

	tools      map[int]*toolBuffer
	stopReason string

	usage     model.Usage
	haveUsage bool
}

// toolBuffer accumulates the partial JSON of one tool_use content block.
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
				s.err = wrapError("messages.stream", err)
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

func (s *partStream) handle(event sdk.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.tools = make(map[int]*toolBuffer)
		s.stopReason = ""
		s.emit(part.Start(ev.Message.ID))
		if u := ev.Message.Usage; u.InputTokens != 0 {
			s.usage.InputTokens = u.InputTokens
			s.haveUsage = true
		}
	case sdk.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if s.tools == nil {
				s.tools = make(map[int]*toolBuffer)
			}
			s.tools[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
		}
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				s.emit(part.TextDelta(blockID(idx), delta.Text))
			}
		case sdk.ThinkingDelta:
			if delta.Thinking != "" {
				s.emit(part.ReasoningDelta(blockID(idx), delta.Thinking))
			}
		case sdk.InputJSONDelta:
			tb := s.tools[idx]
			if tb == nil || delta.PartialJSON == "" {
				return
			}
			tb.fragments = append(tb.fragments, delta.PartialJSON)
			s.emit(part.Part{Type: part.TypeToolInputDelta, ToolCallID: tb.id, Delta: delta.PartialJSON})
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if tb := s.tools[idx]; tb != nil {
			delete(s.tools, idx)
			s.emit(part.ToolInputAvailable(tb.id, tb.name, []byte(tb.finalInput())))
		}
	case sdk.MessageDeltaEvent:
		s.stopReason = string(ev.Delta.StopReason)
		s.usage.InputTokens += ev.Usage.InputTokens
		s.usage.OutputTokens += ev.Usage.OutputTokens
		s.usage.TotalTokens = s.usage.InputTokens + s.usage.OutputTokens
		s.haveUsage = true
	case sdk.MessageStopEvent:
		s.emit(part.Finish(finishReason(s.stopReason)))
	}
}

func blockID(idx int) string { return "block-" + strconv.Itoa(idx) }

// finishReason maps Anthropic stop reasons onto the generic vocabulary.
func finishReason(stop string) string {
	switch stop {
	case "tool_use":
		return part.FinishReasonToolCalls
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return stop
	}
}
