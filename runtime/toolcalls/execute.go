package toolcalls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/loom/runtime/retry"
	"goa.design/loom/runtime/tools"
	"goa.design/loom/store"
)

// ExecuteToolCall runs a synchronous tool call attempt. Terminal calls are
// skipped; a stopped thread fails the call without running the handler.
func (m *Manager) ExecuteToolCall(ctx context.Context, id store.ToolCallRecordID) error {
	var (
		rec     store.ToolCall
		skip    bool
		stopped bool
		eff     *effects
	)
	err := m.store.RunTx(ctx, func(tx store.Tx) error {
		var err error
		rec, err = tx.GetToolCall(id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				skip = true
				return nil
			}
			return err
		}
		if rec.Status != store.ToolCallPending {
			skip = true
			return nil
		}
		thread, err := tx.GetThread(rec.ThreadID)
		if err != nil {
			return err
		}
		if thread.StopSignal || thread.Status == store.ThreadStopped {
			stopped = true
			eff, err = m.failTx(ctx, tx, rec, "cancelled because the thread was stopped")
			return err
		}
		// The attempt counts even if the process dies mid-handler.
		rec.ExecutionAttempt++
		rec.NextRetryAt = 0
		rec.ExecutionRetryFnID = ""
		rec.UpdatedAt = m.nowMillis()
		return tx.UpdateToolCall(rec)
	})
	if err != nil || skip {
		return err
	}
	if stopped {
		m.fire(ctx, eff)
		return nil
	}

	def, ok := m.registry.Lookup(rec.ToolName)
	if !ok || def.Handler == nil {
		return m.settle(ctx, rec.ID, func(ctx context.Context, tx store.Tx, rec store.ToolCall) (*effects, error) {
			return m.failTx(ctx, tx, rec, fmt.Sprintf("tool %q is not registered", rec.ToolName))
		})
	}

	result, handlerErr := m.runHandler(ctx, def, rec)
	if handlerErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			handlerErr = fmt.Errorf("tool result is not serializable: %w", err)
		} else {
			return m.settle(ctx, rec.ID, func(ctx context.Context, tx store.Tx, rec store.ToolCall) (*effects, error) {
				return m.completeTx(ctx, tx, rec, raw)
			})
		}
	}
	return m.handleExecutionError(ctx, rec.ID, def, handlerErr)
}

func (m *Manager) runHandler(ctx context.Context, def *tools.Compiled, rec store.ToolCall) (result any, err error) {
	if rec.TimeoutMs != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*rec.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool handler panicked: %v", r)
		}
	}()
	return def.Handler(ctx, rec.Args)
}

// settle reloads the record and applies fn in a fresh transaction, then fires
// the collected effects.
func (m *Manager) settle(ctx context.Context, id store.ToolCallRecordID, fn func(context.Context, store.Tx, store.ToolCall) (*effects, error)) error {
	var eff *effects
	err := m.store.RunTx(ctx, func(tx store.Tx) error {
		rec, err := tx.GetToolCall(id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		eff, err = fn(ctx, tx, rec)
		return err
	})
	if err != nil {
		return err
	}
	m.fire(ctx, eff)
	return nil
}

// handleExecutionError applies the tool's retry policy to a failed attempt:
// either schedules another attempt or fails the call.
func (m *Manager) handleExecutionError(ctx context.Context, id store.ToolCallRecordID, def *tools.Compiled, handlerErr error) error {
	retryable := retry.ToolRetryable(handlerErr)
	if def.Retry != nil && def.Retry.ShouldRetryError != nil {
		retryable = def.Retry.ShouldRetryError(handlerErr)
	}
	return m.settle(ctx, id, func(ctx context.Context, tx store.Tx, rec store.ToolCall) (*effects, error) {
		if rec.Status != store.ToolCallPending {
			return nil, nil
		}
		canRetry := def.Retry != nil && def.Retry.Enabled && retryable &&
			rec.ExecutionAttempt < rec.ExecutionMaxAttempts
		if !canRetry {
			return m.failTx(ctx, tx, rec, retry.Normalize(handlerErr))
		}
		policy := retry.DefaultToolBackoff()
		if rec.ExecutionRetryPolicy != nil {
			policy = *rec.ExecutionRetryPolicy
		}
		delay := policy.Delay(rec.ExecutionAttempt)
		thread, err := tx.GetThread(rec.ThreadID)
		if err != nil {
			return nil, err
		}
		fnID, err := m.sched.RunAfter(ctx, delay, HandleExecute, recordArgs{ID: rec.ID})
		if err != nil {
			return nil, err
		}
		rec.ExecutionLastError = retry.Normalize(handlerErr)
		rec.NextRetryAt = m.nowMillis() + delay.Milliseconds()
		rec.ExecutionRetryFnID = fnID
		rec.UpdatedAt = m.nowMillis()
		m.logger.Info(ctx, "tool call retry scheduled",
			"thread_id", thread.ID, "tool_call_id", rec.ToolCallID, "tool", rec.ToolName,
			"attempt", rec.ExecutionAttempt, "max_attempts", rec.ExecutionMaxAttempts,
			"delay_ms", delay.Milliseconds())
		return nil, tx.UpdateToolCall(rec)
	})
}

// ExecuteAsyncCallback notifies the application of an async tool call. The
// notification is retried a bounded number of times; exhaustion fails the
// call.
func (m *Manager) ExecuteAsyncCallback(ctx context.Context, id store.ToolCallRecordID) error {
	var rec store.ToolCall
	err := m.store.RunTx(ctx, func(tx store.Tx) error {
		var err error
		rec, err = tx.GetToolCall(id)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.Status != store.ToolCallPending {
		return nil
	}
	def, ok := m.registry.Lookup(rec.ToolName)
	if !ok || def.Callback == nil {
		return m.settle(ctx, id, func(ctx context.Context, tx store.Tx, rec store.ToolCall) (*effects, error) {
			return m.failTx(ctx, tx, rec, fmt.Sprintf("async tool %q has no registered callback", rec.ToolName))
		})
	}

	cbErr := m.notify(ctx, def, rec)
	if cbErr == nil {
		return m.store.RunTx(ctx, func(tx store.Tx) error {
			cur, err := tx.GetToolCall(id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil
				}
				return err
			}
			cur.CallbackAttempt++
			cur.CallbackLastError = ""
			cur.UpdatedAt = m.nowMillis()
			return tx.UpdateToolCall(cur)
		})
	}

	return m.settle(ctx, id, func(ctx context.Context, tx store.Tx, rec store.ToolCall) (*effects, error) {
		if rec.Status != store.ToolCallPending {
			return nil, nil
		}
		rec.CallbackAttempt++
		rec.CallbackLastError = retry.Normalize(cbErr)
		rec.UpdatedAt = m.nowMillis()
		if rec.CallbackAttempt >= m.cfg.CallbackMaxAttempts {
			return m.failTx(ctx, tx, rec, fmt.Sprintf(
				"async tool callback notification failed after %d attempts: %s",
				rec.CallbackAttempt, retry.Normalize(cbErr)))
		}
		delay := m.cfg.CallbackBackoff.Delay(rec.CallbackAttempt)
		if _, err := m.sched.RunAfter(ctx, delay, HandleNotify, recordArgs{ID: rec.ID}); err != nil {
			return nil, err
		}
		return nil, tx.UpdateToolCall(rec)
	})
}

func (m *Manager) notify(ctx context.Context, def *tools.Compiled, rec store.ToolCall) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool callback panicked: %v", r)
		}
	}()
	return def.Callback(ctx, tools.Notification{
		ThreadID:   string(rec.ThreadID),
		ToolCallID: rec.ToolCallID,
		ToolName:   rec.ToolName,
		Args:       rec.Args,
	})
}

// FailPending is the timeout sweeper: a call still pending past its deadline
// fails with a timeout error.
func (m *Manager) FailPending(ctx context.Context, threadID store.ThreadID, toolCallID string) error {
	var eff *effects
	err := m.store.RunTx(ctx, func(tx store.Tx) error {
		rec, err := tx.FindToolCall(threadID, toolCallID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if rec.Status != store.ToolCallPending || rec.ExpiresAt == 0 || m.nowMillis() < rec.ExpiresAt {
			return nil
		}
		timeout := time.Duration(rec.ExpiresAt-rec.CreatedAt) * time.Millisecond
		eff, err = m.failTx(ctx, tx, rec, fmt.Sprintf("Tool call timed out after %s", timeout))
		return err
	})
	if err != nil {
		return err
	}
	m.fire(ctx, eff)
	return nil
}

// ResumePendingSync re-enqueues pending synchronous tool calls whose scheduled
// execution was lost, up to limit. Used by the recovery cron.
func (m *Manager) ResumePendingSync(ctx context.Context, limit int) (int, error) {
	var recs []store.ToolCall
	err := m.store.RunTx(ctx, func(tx store.Tx) error {
		var err error
		recs, err = tx.ListPendingSyncToolCalls(limit)
		return err
	})
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, rec := range recs {
		if rec.ExecutionRetryFnID != "" {
			state, err := m.sched.State(ctx, rec.ExecutionRetryFnID)
			if err != nil {
				return resumed, err
			}
			if state == store.ScheduledStatePending {
				continue
			}
		}
		delay := time.Duration(rec.NextRetryAt-m.nowMillis()) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		var thread store.Thread
		err := m.store.RunTx(ctx, func(tx store.Tx) error {
			var err error
			thread, err = tx.GetThread(rec.ThreadID)
			return err
		})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return resumed, err
		}
		if err := m.enqueueExecute(ctx, thread, rec.ID, delay); err != nil {
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}
