// Package hooks defines the user-facing callback surface of the orchestrator.
// Callbacks fire outside store transactions and are best-effort: a panicking
// or slow callback must not corrupt engine state, so invocations are wrapped
// with recovery.
package hooks

import (
	"context"
	"time"

	"goa.design/loom/runtime/retry"
	"goa.design/loom/store"
)

// StatusChange reports a thread status transition.
type StatusChange struct {
	ThreadID store.ThreadID
	Old      store.ThreadStatus
	New      store.ThreadStatus
}

// TurnComplete reports a turn that finished with a final assistant answer.
type TurnComplete struct {
	ThreadID  store.ThreadID
	StreamID  store.StreamID
	MessageID store.MessageID
	// FinishReason is the provider-reported reason.
	FinishReason string
}

// RetryScheduled reports a stream-scope retry decision.
type RetryScheduled struct {
	ThreadID    store.ThreadID
	StreamID    store.StreamID
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Kind        retry.Kind
	Error       string
}

// TurnError reports a permanently failed turn.
type TurnError struct {
	ThreadID                 store.ThreadID
	StreamID                 store.StreamID
	Kind                     retry.Kind
	Retryable                bool
	RequiresExplicitHandling bool
	Attempt                  int
	MaxAttempts              int
	Error                    string
}

// ToolComplete reports a tool call reaching a terminal state.
type ToolComplete struct {
	ThreadID   store.ThreadID
	ToolCallID string
	ToolName   string
	Status     store.ToolCallStatus
	Error      string
}

// Callbacks bundles the optional user hooks. Nil fields are skipped.
type Callbacks struct {
	OnStatusChange func(ctx context.Context, e StatusChange)
	OnTurnComplete func(ctx context.Context, e TurnComplete)
	OnRetry        func(ctx context.Context, e RetryScheduled)
	OnError        func(ctx context.Context, e TurnError)
	OnToolComplete func(ctx context.Context, e ToolComplete)
}

// FireStatusChange invokes OnStatusChange if set, swallowing panics.
func (c *Callbacks) FireStatusChange(ctx context.Context, e StatusChange) {
	if c == nil || c.OnStatusChange == nil {
		return
	}
	safely(func() { c.OnStatusChange(ctx, e) })
}

// FireTurnComplete invokes OnTurnComplete if set, swallowing panics.
func (c *Callbacks) FireTurnComplete(ctx context.Context, e TurnComplete) {
	if c == nil || c.OnTurnComplete == nil {
		return
	}
	safely(func() { c.OnTurnComplete(ctx, e) })
}

// FireRetry invokes OnRetry if set, swallowing panics.
func (c *Callbacks) FireRetry(ctx context.Context, e RetryScheduled) {
	if c == nil || c.OnRetry == nil {
		return
	}
	safely(func() { c.OnRetry(ctx, e) })
}

// FireError invokes OnError if set, swallowing panics.
func (c *Callbacks) FireError(ctx context.Context, e TurnError) {
	if c == nil || c.OnError == nil {
		return
	}
	safely(func() { c.OnError(ctx, e) })
}

// FireToolComplete invokes OnToolComplete if set, swallowing panics.
func (c *Callbacks) FireToolComplete(ctx context.Context, e ToolComplete) {
	if c == nil || c.OnToolComplete == nil {
		return
	}
	safely(func() { c.OnToolComplete(ctx, e) })
}

func safely(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
