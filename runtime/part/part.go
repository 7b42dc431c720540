// Package part defines the tagged union of LLM stream parts exchanged between
// the model adapters, the turn handler, and the persistent delta log. Parts are
// wire-friendly: known variants map to stable JSON shapes and unrecognized
// variants round-trip through the Extra payload so newer provider events pass
// through older deployments unchanged.
package part

import (
	"encoding/json"
)

// Type discriminates the part union.
type Type string

const (
	// TypeStart marks the beginning of an assistant message and carries its id.
	TypeStart Type = "start"
	// TypeTextDelta carries an incremental chunk of assistant text.
	TypeTextDelta Type = "text-delta"
	// TypeReasoningDelta carries an incremental chunk of model reasoning.
	TypeReasoningDelta Type = "reasoning-delta"
	// TypeToolInputDelta carries partial tool-call JSON. Never persisted.
	TypeToolInputDelta Type = "tool-input-delta"
	// TypeToolInputAvailable signals that a tool call's arguments are complete.
	TypeToolInputAvailable Type = "tool-input-available"
	// TypeToolOutputAvailable carries a completed tool call's result.
	TypeToolOutputAvailable Type = "tool-output-available"
	// TypeToolOutputError carries a failed tool call's error text.
	TypeToolOutputError Type = "tool-output-error"
	// TypeFinish ends the stream and reports the provider finish reason.
	TypeFinish Type = "finish"
	// TypeError surfaces a provider-reported stream error.
	TypeError Type = "error"
	// TypeText is a committed (non-incremental) text part on a persisted message.
	TypeText Type = "text"
	// TypeReasoning is a committed reasoning part on a persisted message.
	TypeReasoning Type = "reasoning"
)

// FinishReasonToolCalls is the provider finish reason indicating the model
// stopped to invoke tools.
const FinishReasonToolCalls = "tool-calls"

// Part is one element of the model part stream. Exactly the fields relevant to
// its Type are set; everything else is zero. Unknown types carry their payload
// in Extra.
type Part struct {
	Type Type `json:"type"`

	// MessageID identifies the assistant message a start part opens.
	MessageID string `json:"messageId,omitempty"`

	// ID correlates incremental deltas belonging to the same content block.
	ID string `json:"id,omitempty"`

	// Delta is the incremental text for text-delta and reasoning-delta parts,
	// and the full text for committed text/reasoning parts.
	Delta string `json:"delta,omitempty"`

	// ToolCallID is the model-assigned id of the tool invocation.
	ToolCallID string `json:"toolCallId,omitempty"`

	// ToolName names the tool being invoked.
	ToolName string `json:"toolName,omitempty"`

	// Input holds the complete tool arguments for tool-input-available parts.
	Input json.RawMessage `json:"input,omitempty"`

	// Output holds the tool result for tool-output-available parts.
	Output json.RawMessage `json:"output,omitempty"`

	// ErrorText carries the error for error and tool-output-error parts.
	ErrorText string `json:"errorText,omitempty"`

	// FinishReason reports why the provider ended the stream.
	FinishReason string `json:"finishReason,omitempty"`

	// ProviderMetadata holds provider side-channel data. Stripped before any
	// delta is persisted.
	ProviderMetadata map[string]any `json:"providerMetadata,omitempty"`

	// Extra preserves fields of unrecognized part types.
	Extra map[string]any `json:"extra,omitempty"`
}

// Start returns a start part for the given assistant message id.
func Start(messageID string) Part {
	return Part{Type: TypeStart, MessageID: messageID}
}

// TextDelta returns an incremental text part.
func TextDelta(id, delta string) Part {
	return Part{Type: TypeTextDelta, ID: id, Delta: delta}
}

// ReasoningDelta returns an incremental reasoning part.
func ReasoningDelta(id, delta string) Part {
	return Part{Type: TypeReasoningDelta, ID: id, Delta: delta}
}

// ToolInputAvailable returns a completed tool invocation part.
func ToolInputAvailable(toolCallID, toolName string, input json.RawMessage) Part {
	return Part{Type: TypeToolInputAvailable, ToolCallID: toolCallID, ToolName: toolName, Input: input}
}

// ToolOutputAvailable returns a tool result part.
func ToolOutputAvailable(toolCallID, toolName string, output json.RawMessage) Part {
	return Part{Type: TypeToolOutputAvailable, ToolCallID: toolCallID, ToolName: toolName, Output: output}
}

// ToolOutputError returns a failed tool call part.
func ToolOutputError(toolCallID, toolName, errorText string) Part {
	return Part{Type: TypeToolOutputError, ToolCallID: toolCallID, ToolName: toolName, ErrorText: errorText}
}

// Finish returns a finish part with the provider finish reason.
func Finish(reason string) Part {
	return Part{Type: TypeFinish, FinishReason: reason}
}

// Error returns an error part.
func Error(text string) Part {
	return Part{Type: TypeError, ErrorText: text}
}

// Text returns a committed text part.
func Text(id, text string) Part {
	return Part{Type: TypeText, ID: id, Delta: text}
}

// Unknown returns a pass-through part preserving an unrecognized payload.
func Unknown(typ string, payload map[string]any) Part {
	return Part{Type: Type(typ), Extra: payload}
}

// Known reports whether the part type is one the compactor and handler
// understand. Unknown parts pass through untouched.
func (p Part) Known() bool {
	switch p.Type {
	case TypeStart, TypeTextDelta, TypeReasoningDelta, TypeToolInputDelta,
		TypeToolInputAvailable, TypeToolOutputAvailable, TypeToolOutputError,
		TypeFinish, TypeError, TypeText, TypeReasoning:
		return true
	}
	return false
}

// Meaningful reports whether the part counts as user-visible turn output.
// Control parts (start, finish, error) do not gate retry eligibility.
func (p Part) Meaningful() bool {
	switch p.Type {
	case TypeStart, TypeFinish, TypeError:
		return false
	}
	return true
}

// Incremental reports whether the part is a joinable delta.
func (p Part) Incremental() bool {
	return p.Type == TypeTextDelta || p.Type == TypeReasoningDelta
}

// Clone returns a deep copy of the part.
func (p Part) Clone() Part {
	out := p
	if p.Input != nil {
		out.Input = append(json.RawMessage(nil), p.Input...)
	}
	if p.Output != nil {
		out.Output = append(json.RawMessage(nil), p.Output...)
	}
	out.ProviderMetadata = cloneMap(p.ProviderMetadata)
	out.Extra = cloneMap(p.Extra)
	return out
}

// CloneAll deep-copies a part slice.
func CloneAll(parts []Part) []Part {
	if len(parts) == 0 {
		return nil
	}
	out := make([]Part, len(parts))
	for i := range parts {
		out[i] = parts[i].Clone()
	}
	return out
}

func cloneMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
