// Package model defines the LLM client contract consumed by the turn handler:
// a streaming request producing a finite sequence of parts plus usage resolved
// after iteration. Provider adapters live under features/model; tests script
// the contract directly.
package model

import (
	"context"

	"goa.design/loom/runtime/part"
	"goa.design/loom/runtime/tools"
)

// Message is the model-facing form of a persisted conversation message.
type Message struct {
	Role  string
	Parts []part.Part
}

// Request describes one streaming model invocation.
type Request struct {
	// Messages is the conversation history in model form, oldest first.
	Messages []Message
	// Tools maps tool name to its model-facing declaration.
	Tools map[string]tools.Schema
	// Metadata passes provider-specific options through untouched.
	Metadata map[string]any
}

// Usage reports token accounting for a completed stream.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// PartStream iterates a model response. The iteration protocol follows the
// provider SDK style:
//
//	for ps.Next() {
//	    p := ps.Current()
//	    ...
//	}
//	if err := ps.Err(); err != nil { ... }
//
// Close releases the underlying connection and is safe after exhaustion.
type PartStream interface {
	Next() bool
	Current() part.Part
	Err() error
	Close() error
	// Usage reports token usage once iteration finished. ok is false when the
	// provider did not resolve usage (early error, unsupported).
	Usage() (Usage, bool)
}

// Client opens streaming model invocations.
type Client interface {
	Stream(ctx context.Context, req Request) (PartStream, error)
}

// TransformMessages optionally rewrites the model input before a turn (prompt
// caching markers, truncation, system prompt injection).
type TransformMessages func(ctx context.Context, msgs []Message) ([]Message, error)
