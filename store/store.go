// Package store defines the persistence contract the orchestrator core runs
// against: a transactional document store with secondary-index queries and a
// durable scheduler that invokes registered functions by string handle. The
// core uses only this contract; inmem provides the in-process implementation
// and features/store/mongo the MongoDB-backed one.
//
// Concurrency model: RunTx linearizes mutations. Two concurrent transactions
// touching the same documents are serialized by the implementation, so every
// decision procedure in the core observes a consistent snapshot and commits
// atomically.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors shared by store implementations.
var (
	// ErrNotFound reports a lookup of a missing document.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict reports an insert that violates a uniqueness constraint.
	ErrConflict = errors.New("store: conflict")
)

// Store is the transactional document store consumed by the core.
type Store interface {
	// RunTx executes fn inside a transaction. Mutations made through the Tx
	// are committed atomically when fn returns nil and discarded otherwise.
	RunTx(ctx context.Context, fn func(tx Tx) error) error

	// Scheduler returns the durable scheduler bound to this store.
	Scheduler() Scheduler
}

// Tx exposes the typed document operations available inside a transaction.
type Tx interface {
	ThreadTx
	MessageTx
	StreamTx
	DeltaTx
	ToolCallTx
}

// ThreadTx covers thread documents.
type ThreadTx interface {
	InsertThread(t Thread) error
	GetThread(id ThreadID) (Thread, error)
	UpdateThread(t Thread) error
	DeleteThread(id ThreadID) error
	// ListThreads returns threads newest-first, up to limit (0 means all).
	ListThreads(limit int) ([]Thread, error)
	// ListThreadsByStatus returns threads whose status is one of the given set.
	ListThreadsByStatus(statuses ...ThreadStatus) ([]Thread, error)
}

// MessageTx covers message documents. Messages are keyed by (thread, message)
// because model-generated message ids are only unique within a thread.
type MessageTx interface {
	InsertMessage(m Message) error
	GetMessage(threadID ThreadID, id MessageID) (Message, error)
	UpdateMessage(m Message) error
	// ListMessages returns the thread's messages in insertion order.
	ListMessages(threadID ThreadID) ([]Message, error)
	DeleteMessagesByThread(threadID ThreadID) error
}

// StreamTx covers stream documents.
type StreamTx interface {
	InsertStream(s Stream) error
	GetStream(id StreamID) (Stream, error)
	UpdateStream(s Stream) error
	DeleteStream(id StreamID) error
	// ListStreamsByThread returns the thread's streams ordered by seq.
	ListStreamsByThread(threadID ThreadID) ([]Stream, error)
	// ListStreamsFromSeq returns the thread's streams with seq >= fromSeq,
	// ordered by seq.
	ListStreamsFromSeq(threadID ThreadID, fromSeq int64) ([]Stream, error)
}

// DeltaTx covers the append-only delta log.
type DeltaTx interface {
	// InsertDelta appends a delta. (StreamID, Seq) must be unique.
	InsertDelta(d Delta) error
	// ListDeltas returns the stream's deltas with seq >= fromSeq in ascending
	// order, up to limit (0 means all).
	ListDeltas(streamID StreamID, fromSeq int64, limit int) ([]Delta, error)
	// DeleteDeltas removes up to limit deltas of the stream and reports how
	// many were removed.
	DeleteDeltas(streamID StreamID, limit int) (int, error)
}

// ToolCallTx covers tool call documents.
type ToolCallTx interface {
	InsertToolCall(tc ToolCall) error
	GetToolCall(id ToolCallRecordID) (ToolCall, error)
	// FindToolCall looks a tool call up by its model-assigned id within a
	// thread.
	FindToolCall(threadID ThreadID, toolCallID string) (ToolCall, error)
	UpdateToolCall(tc ToolCall) error
	ListToolCallsByThread(threadID ThreadID) ([]ToolCall, error)
	CountPendingToolCalls(threadID ThreadID) (int, error)
	// ListPendingSyncToolCalls returns up to limit pending synchronous tool
	// calls across all threads, oldest first.
	ListPendingSyncToolCalls(limit int) ([]ToolCall, error)
	DeleteToolCallsByThread(threadID ThreadID) error
}

// ScheduledID identifies a scheduled function invocation.
type ScheduledID string

// ScheduledState describes the lifecycle of a scheduled invocation.
type ScheduledState string

const (
	// ScheduledStatePending means the invocation has not run yet.
	ScheduledStatePending ScheduledState = "pending"
	// ScheduledStateDone means the invocation ran to completion.
	ScheduledStateDone ScheduledState = "done"
	// ScheduledStateCanceled means the invocation was canceled before running.
	ScheduledStateCanceled ScheduledState = "canceled"
	// ScheduledStateNone means the id is unknown (expired or never existed).
	ScheduledStateNone ScheduledState = "none"
)

// Scheduler durably schedules function invocations by handle. Arguments are
// serialized to JSON at scheduling time.
type Scheduler interface {
	// RunAfter schedules the function registered under handle to run after
	// delay with the given arguments.
	RunAfter(ctx context.Context, delay time.Duration, handle string, args any) (ScheduledID, error)
	// Cancel cancels a pending invocation. Canceling a completed or unknown
	// id is a no-op.
	Cancel(ctx context.Context, id ScheduledID) error
	// State reports the invocation's lifecycle state.
	State(ctx context.Context, id ScheduledID) (ScheduledState, error)
}

// Func is a scheduled function. Args is the JSON serialization of the value
// passed to RunAfter.
type Func func(ctx context.Context, args json.RawMessage) error

// Dispatcher resolves string handles to registered functions. Components
// register their scheduled entry points at assembly time; the scheduler
// dispatches due invocations through the same table, which also serves as the
// workpool indirection (a workpool handle is just another registered function
// receiving a WorkItem).
type Dispatcher interface {
	// Register binds handle to fn. Registering the same handle twice panics:
	// handles are wiring-time constants.
	Register(handle string, fn Func)
	// Lookup resolves a handle.
	Lookup(handle string) (Func, bool)
}

// WorkItem is the envelope delivered to a workpool handle: the pool re-enqueues
// Action with Args under its own parallelism and retry controls.
type WorkItem struct {
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args"`
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// NowMillis returns the clock reading in milliseconds since epoch.
func NowMillis(clock Clock) int64 {
	if clock == nil {
		return time.Now().UnixMilli()
	}
	return clock().UnixMilli()
}
