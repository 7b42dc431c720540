package store

import (
	"encoding/json"

	"goa.design/loom/runtime/part"
	"goa.design/loom/runtime/retry"
)

// Identifier types are opaque strings assigned by the store or the model.
type (
	// ThreadID identifies a thread document.
	ThreadID string
	// MessageID identifies a message document. Assistant message ids are
	// model-generated.
	MessageID string
	// StreamID identifies a stream document.
	StreamID string
	// ToolCallRecordID identifies a tool call document. Distinct from the
	// model-assigned tool call id, which is only unique within a thread.
	ToolCallRecordID string
)

// ThreadStatus is the thread state machine's current state.
type ThreadStatus string

const (
	// ThreadStreaming means an LLM turn is in flight.
	ThreadStreaming ThreadStatus = "streaming"
	// ThreadAwaitingToolResults means the turn paused on pending tool calls.
	ThreadAwaitingToolResults ThreadStatus = "awaiting_tool_results"
	// ThreadCompleted means the last turn finished with a final answer.
	ThreadCompleted ThreadStatus = "completed"
	// ThreadFailed means the last turn failed permanently.
	ThreadFailed ThreadStatus = "failed"
	// ThreadStopped means the user stopped the thread.
	ThreadStopped ThreadStatus = "stopped"
)

// Idle reports whether the status permits resuming without a new prompt.
func (s ThreadStatus) Idle() bool {
	switch s {
	case ThreadCompleted, ThreadFailed, ThreadStopped:
		return true
	}
	return false
}

// RetryState records a scheduled stream-scope retry on a thread. It is set iff
// a future scheduled function will re-enter the continuation decision for this
// thread.
type RetryState struct {
	Scope                    string      `json:"scope" bson:"scope"`
	Attempt                  int         `json:"attempt" bson:"attempt"`
	MaxAttempts              int         `json:"maxAttempts" bson:"max_attempts"`
	NextRetryAt              int64       `json:"nextRetryAt" bson:"next_retry_at"`
	Error                    string      `json:"error" bson:"error"`
	Kind                     retry.Kind  `json:"kind,omitempty" bson:"kind,omitempty"`
	Retryable                bool        `json:"retryable" bson:"retryable"`
	RequiresExplicitHandling bool        `json:"requiresExplicitHandling" bson:"requires_explicit_handling"`
	RetryFnID                ScheduledID `json:"retryFnId,omitempty" bson:"retry_fn_id,omitempty"`
}

// Thread is the root conversation document. All timestamps are milliseconds
// since epoch.
type Thread struct {
	ID         ThreadID     `json:"id" bson:"_id"`
	Status     ThreadStatus `json:"status" bson:"status"`
	StopSignal bool         `json:"stopSignal" bson:"stop_signal"`
	// ActiveStream is the authoritative reference to the thread's current
	// stream; the stream record never references back except via ThreadID.
	ActiveStream StreamID `json:"activeStream,omitempty" bson:"active_stream,omitempty"`
	// Continue is set when a continuation request arrived while a live stream
	// handler held the thread; the handler re-enters at finalize.
	Continue bool `json:"continue" bson:"continue"`
	// Seq is the monotonic stream counter. The next stream gets Seq+1.
	Seq   int64       `json:"seq" bson:"seq"`
	Retry *RetryState `json:"retryState,omitempty" bson:"retry_state,omitempty"`
	// StreamFnHandle is the dispatcher handle of the stream handler action.
	StreamFnHandle string `json:"streamFnHandle" bson:"stream_fn_handle"`
	// WorkpoolHandle optionally routes action enqueues through a bounded pool.
	WorkpoolHandle string `json:"workpoolHandle,omitempty" bson:"workpool_handle,omitempty"`
	// ToolWorkpoolHandle optionally routes tool executions through a pool.
	ToolWorkpoolHandle string `json:"toolWorkpoolHandle,omitempty" bson:"tool_workpool_handle,omitempty"`
	CreatedAt          int64  `json:"createdAt" bson:"created_at"`
	UpdatedAt          int64  `json:"updatedAt" bson:"updated_at"`
}

// Role is a message author role.
type Role string

const (
	// RoleSystem marks system prompt messages.
	RoleSystem Role = "system"
	// RoleUser marks user messages.
	RoleUser Role = "user"
	// RoleAssistant marks model-produced messages.
	RoleAssistant Role = "assistant"
)

// Message is a persisted conversation message. Parts is the ordered content
// list; assistant messages carry the stream seq that committed them so clients
// can drop superseded live deltas.
type Message struct {
	// ID is model-generated for assistant messages and store-generated
	// otherwise. Unique within the thread, not globally.
	ID       MessageID   `json:"id" bson:"message_id"`
	ThreadID ThreadID    `json:"threadId" bson:"thread_id"`
	Role     Role        `json:"role" bson:"role"`
	Parts    []part.Part `json:"parts" bson:"parts"`
	// CommittedSeq is set on assistant messages persisted by a finished turn.
	CommittedSeq *int64         `json:"committedSeq,omitempty" bson:"committed_seq,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	// Order is the insertion position within the thread.
	Order     int64 `json:"order" bson:"order"`
	CreatedAt int64 `json:"createdAt" bson:"created_at"`
}

// StreamState is the stream lifecycle state.
type StreamState string

const (
	// StreamPending means the stream is allocated but no handler took it yet.
	StreamPending StreamState = "pending"
	// StreamStreaming means a handler holds the lock and relays parts.
	StreamStreaming StreamState = "streaming"
	// StreamFinished means the turn completed normally.
	StreamFinished StreamState = "finished"
	// StreamAborted means the stream ended without finishing.
	StreamAborted StreamState = "aborted"
)

// Terminal reports whether the state admits no further transitions.
func (s StreamState) Terminal() bool {
	return s == StreamFinished || s == StreamAborted
}

// AbortReason records why a stream was aborted.
type AbortReason string

const (
	// AbortStopSignal means the user stopped the thread.
	AbortStopSignal AbortReason = "stopSignal"
	// AbortExpired means the holding handler stopped heartbeating.
	AbortExpired AbortReason = "expired"
	// AbortSuperseded means a newer stream replaced this one.
	AbortSuperseded AbortReason = "superseded"
	// AbortTimeout means the lock timeout elapsed without a heartbeat.
	AbortTimeout AbortReason = "timeout"
	// AbortThreadMismatch means the thread no longer references the stream.
	AbortThreadMismatch AbortReason = "thread_active_mismatch"
	// AbortLockedByOther means a competing lock id touched the stream.
	AbortLockedByOther AbortReason = "locked_by_other"
	// AbortError means the turn failed; Reason carries the prefix and the
	// normalized message is stored alongside.
	AbortError AbortReason = "error"
)

// Stream is one LLM invocation's append-only record. State-specific fields are
// flattened; only the fields of the current State are meaningful.
type Stream struct {
	ID       StreamID    `json:"id" bson:"_id"`
	ThreadID ThreadID    `json:"threadId" bson:"thread_id"`
	Seq      int64       `json:"seq" bson:"seq"`
	State    StreamState `json:"state" bson:"state"`

	// Pending.
	ScheduledAt int64 `json:"scheduledAt,omitempty" bson:"scheduled_at,omitempty"`

	// Streaming.
	LockID        string      `json:"lockId,omitempty" bson:"lock_id,omitempty"`
	LastHeartbeat int64       `json:"lastHeartbeat,omitempty" bson:"last_heartbeat,omitempty"`
	TimeoutFnID   ScheduledID `json:"timeoutFnId,omitempty" bson:"timeout_fn_id,omitempty"`

	// Finished / aborted.
	EndedAt     int64       `json:"endedAt,omitempty" bson:"ended_at,omitempty"`
	CleanupFnID ScheduledID `json:"cleanupFnId,omitempty" bson:"cleanup_fn_id,omitempty"`
	Reason      AbortReason `json:"reason,omitempty" bson:"reason,omitempty"`
	// ReasonDetail carries the normalized error message for error aborts.
	ReasonDetail string `json:"reasonDetail,omitempty" bson:"reason_detail,omitempty"`

	// NextDeltaSeq is the seq the next delta of this stream receives. Dense
	// from 0 with no gaps.
	NextDeltaSeq int64 `json:"nextDeltaSeq" bson:"next_delta_seq"`
}

// Delta is a batched group of parts written to a stream at one seq position.
// Immutable once written; deleted with its parent stream.
type Delta struct {
	StreamID  StreamID    `json:"streamId" bson:"stream_id"`
	Seq       int64       `json:"seq" bson:"seq"`
	MessageID MessageID   `json:"msgId" bson:"msg_id"`
	Parts     []part.Part `json:"parts" bson:"parts"`
	CreatedAt int64       `json:"createdAt" bson:"created_at"`
}

// ToolCallStatus is the tool call lifecycle state.
type ToolCallStatus string

const (
	// ToolCallPending means the call awaits execution or an external result.
	ToolCallPending ToolCallStatus = "pending"
	// ToolCallCompleted means the call produced a result.
	ToolCallCompleted ToolCallStatus = "completed"
	// ToolCallFailed means the call ended in error.
	ToolCallFailed ToolCallStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ToolCallStatus) Terminal() bool {
	return s == ToolCallCompleted || s == ToolCallFailed
}

// ToolCall is a model-requested tool invocation. The enriched record carries
// timeout, execution-retry and async-callback bookkeeping; absent retry fields
// mean retry is disabled.
type ToolCall struct {
	ID         ToolCallRecordID `json:"id" bson:"_id"`
	ThreadID   ThreadID         `json:"threadId" bson:"thread_id"`
	MessageID  MessageID        `json:"msgId" bson:"msg_id"`
	ToolCallID string           `json:"toolCallId" bson:"tool_call_id"`
	ToolName   string           `json:"toolName" bson:"tool_name"`
	Args       json.RawMessage  `json:"args" bson:"args"`
	Status     ToolCallStatus   `json:"status" bson:"status"`
	Result     json.RawMessage  `json:"result,omitempty" bson:"result,omitempty"`
	Error      string           `json:"error,omitempty" bson:"error,omitempty"`
	// Async marks callback-driven calls whose result arrives via
	// addToolResult / addToolError.
	Async bool `json:"async" bson:"async"`
	// SaveDelta controls whether the outcome is emitted as a delta.
	SaveDelta bool `json:"saveDelta" bson:"save_delta"`

	// Timeout bookkeeping. TimeoutMs nil disables the timeout.
	TimeoutMs   *int64      `json:"timeoutMs,omitempty" bson:"timeout_ms,omitempty"`
	ExpiresAt   int64       `json:"expiresAt,omitempty" bson:"expires_at,omitempty"`
	TimeoutFnID ScheduledID `json:"timeoutFnId,omitempty" bson:"timeout_fn_id,omitempty"`

	// Sync execution retry bookkeeping.
	ExecutionAttempt     int            `json:"executionAttempt" bson:"execution_attempt"`
	ExecutionMaxAttempts int            `json:"executionMaxAttempts,omitempty" bson:"execution_max_attempts,omitempty"`
	ExecutionLastError   string         `json:"executionLastError,omitempty" bson:"execution_last_error,omitempty"`
	ExecutionRetryPolicy *retry.Backoff `json:"executionRetryPolicy,omitempty" bson:"execution_retry_policy,omitempty"`
	NextRetryAt          int64          `json:"nextRetryAt,omitempty" bson:"next_retry_at,omitempty"`
	ExecutionRetryFnID   ScheduledID    `json:"executionRetryFnId,omitempty" bson:"execution_retry_fn_id,omitempty"`

	// Async callback notification bookkeeping.
	CallbackAttempt   int    `json:"callbackAttempt" bson:"callback_attempt"`
	CallbackLastError string `json:"callbackLastError,omitempty" bson:"callback_last_error,omitempty"`

	CreatedAt int64 `json:"createdAt" bson:"created_at"`
	UpdatedAt int64 `json:"updatedAt" bson:"updated_at"`
}
