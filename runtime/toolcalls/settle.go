package toolcalls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/part"
	"goa.design/loom/store"
)

// effects collects side effects of a settlement transaction that must run
// after commit: delta fan-out and user hooks.
type effects struct {
	threadID     store.ThreadID
	deltas       []store.Delta
	toolComplete *hooks.ToolComplete
	statusChange *hooks.StatusChange
	warn         string
}

func (m *Manager) fire(ctx context.Context, e *effects) {
	if e == nil {
		return
	}
	if e.warn != "" {
		m.logger.Warn(ctx, e.warn, "thread_id", e.threadID)
	}
	for _, d := range e.deltas {
		m.streams.Publish(ctx, e.threadID, d)
	}
	if e.toolComplete != nil {
		m.hooks.FireToolComplete(ctx, *e.toolComplete)
	}
	if e.statusChange != nil {
		m.hooks.FireStatusChange(ctx, *e.statusChange)
	}
}

// AddToolResult ingests an externally produced result for an async tool call.
// Idempotent: a terminal call is left untouched.
func (m *Manager) AddToolResult(ctx context.Context, threadID store.ThreadID, toolCallID string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("toolcalls: result is not serializable: %w", err)
	}
	var eff *effects
	err = m.store.RunTx(ctx, func(tx store.Tx) error {
		rec, err := tx.FindToolCall(threadID, toolCallID)
		if err != nil {
			return err
		}
		eff, err = m.completeTx(ctx, tx, rec, raw)
		return err
	})
	if err != nil {
		return err
	}
	m.fire(ctx, eff)
	return nil
}

// AddToolError ingests an externally produced error for an async tool call.
// Idempotent: a terminal call is left untouched.
func (m *Manager) AddToolError(ctx context.Context, threadID store.ThreadID, toolCallID, errMsg string) error {
	var eff *effects
	err := m.store.RunTx(ctx, func(tx store.Tx) error {
		rec, err := tx.FindToolCall(threadID, toolCallID)
		if err != nil {
			return err
		}
		eff, err = m.failTx(ctx, tx, rec, errMsg)
		return err
	})
	if err != nil {
		return err
	}
	m.fire(ctx, eff)
	return nil
}

// completeTx transitions the call to completed with result, emits its outcome
// delta and runs the continuation gate.
func (m *Manager) completeTx(ctx context.Context, tx store.Tx, rec store.ToolCall, result json.RawMessage) (*effects, error) {
	if rec.Status.Terminal() {
		return &effects{threadID: rec.ThreadID,
			warn: "tool call already terminal, ignoring result for " + rec.ToolCallID}, nil
	}
	rec.Status = store.ToolCallCompleted
	rec.Result = result
	rec.Error = ""
	return m.settleTx(ctx, tx, rec,
		part.ToolOutputAvailable(rec.ToolCallID, rec.ToolName, result))
}

// failTx transitions the call to failed with errMsg, emits its outcome delta
// and runs the continuation gate.
func (m *Manager) failTx(ctx context.Context, tx store.Tx, rec store.ToolCall, errMsg string) (*effects, error) {
	if rec.Status.Terminal() {
		return &effects{threadID: rec.ThreadID,
			warn: "tool call already terminal, ignoring error for " + rec.ToolCallID}, nil
	}
	rec.Status = store.ToolCallFailed
	rec.Error = errMsg
	return m.settleTx(ctx, tx, rec,
		part.ToolOutputError(rec.ToolCallID, rec.ToolName, errMsg))
}

func (m *Manager) settleTx(ctx context.Context, tx store.Tx, rec store.ToolCall, outcome part.Part) (*effects, error) {
	if rec.TimeoutFnID != "" {
		if err := m.sched.Cancel(ctx, rec.TimeoutFnID); err != nil {
			return nil, err
		}
		rec.TimeoutFnID = ""
	}
	if rec.ExecutionRetryFnID != "" {
		if err := m.sched.Cancel(ctx, rec.ExecutionRetryFnID); err != nil {
			return nil, err
		}
		rec.ExecutionRetryFnID = ""
	}
	rec.UpdatedAt = m.nowMillis()
	if err := tx.UpdateToolCall(rec); err != nil {
		return nil, err
	}
	eff := &effects{
		threadID: rec.ThreadID,
		toolComplete: &hooks.ToolComplete{
			ThreadID:   rec.ThreadID,
			ToolCallID: rec.ToolCallID,
			ToolName:   rec.ToolName,
			Status:     rec.Status,
			Error:      rec.Error,
		},
	}
	if rec.SaveDelta {
		d, ok, err := m.streams.AppendOutcomeTx(tx, rec.ThreadID, rec.MessageID, outcome)
		if err != nil {
			return nil, err
		}
		if ok {
			eff.deltas = append(eff.deltas, d)
		}
	}
	m.metrics.IncCounter("loom_tool_calls_settled", 1, "status", string(rec.Status))
	if err := m.onToolCompleteTx(ctx, tx, rec.ThreadID, eff); err != nil {
		return nil, err
	}
	return eff, nil
}

// onToolCompleteTx is the continuation gate, evaluated inside the settlement
// transaction so the pending count and stream liveness form one snapshot.
func (m *Manager) onToolCompleteTx(ctx context.Context, tx store.Tx, threadID store.ThreadID, eff *effects) error {
	thread, err := tx.GetThread(threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if thread.StopSignal {
		return m.stopThreadTx(ctx, tx, thread, eff)
	}
	pending, err := tx.CountPendingToolCalls(threadID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}
	if thread.ActiveStream != "" {
		rec, err := tx.GetStream(thread.ActiveStream)
		if err == nil && m.streams.IsAlive(rec) {
			// The holding handler re-enters at finalize.
			thread.Continue = true
			thread.UpdatedAt = m.nowMillis()
			return tx.UpdateThread(thread)
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return m.enqueueContinue(ctx, thread)
}

// stopThreadTx honors a pending stop signal: the thread stops, the active
// stream aborts, any scheduled retry is dropped.
func (m *Manager) stopThreadTx(ctx context.Context, tx store.Tx, thread store.Thread, eff *effects) error {
	old := thread.Status
	if thread.ActiveStream != "" {
		rec, err := tx.GetStream(thread.ActiveStream)
		if err == nil {
			if err := m.streams.AbortTx(ctx, tx, &rec, store.AbortStopSignal, ""); err != nil {
				return err
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	if thread.Retry != nil && thread.Retry.RetryFnID != "" {
		if err := m.sched.Cancel(ctx, thread.Retry.RetryFnID); err != nil {
			return err
		}
	}
	thread.Status = store.ThreadStopped
	thread.StopSignal = false
	thread.ActiveStream = ""
	thread.Continue = false
	thread.Retry = nil
	thread.UpdatedAt = m.nowMillis()
	if err := tx.UpdateThread(thread); err != nil {
		return err
	}
	if old != store.ThreadStopped {
		eff.statusChange = &hooks.StatusChange{ThreadID: thread.ID, Old: old, New: store.ThreadStopped}
	}
	return nil
}
