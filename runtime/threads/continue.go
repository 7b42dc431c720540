package threads

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/loom/runtime/hooks"
	"goa.design/loom/store"
)

const mismatchWindow = 5 * time.Minute

// ContinueStream is the central turn decision procedure. It observes stop
// signals, pending tool calls and live handlers, and only when the thread is
// genuinely ready allocates the next stream and enqueues the stream handler.
func (o *Orchestrator) ContinueStream(ctx context.Context, threadID store.ThreadID) error {
	var change *hooks.StatusChange
	err := o.store.RunTx(ctx, func(tx store.Tx) error {
		change = nil
		thread, err := tx.GetThread(threadID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}

		if thread.StopSignal {
			change, err = o.stopTx(ctx, tx, thread)
			return err
		}
		if thread.Status == store.ThreadStopped {
			return nil
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
			switch {
			case err == nil && o.streams.IsAlive(rec):
				// A live handler owns the turn; it re-enters at finalize.
				thread.Continue = true
				thread.UpdatedAt = o.nowMillis()
				return tx.UpdateThread(thread)
			case err == nil:
				reason := store.AbortSuperseded
				if rec.State == store.StreamStreaming {
					reason = store.AbortExpired
				}
				if err := o.streams.AbortTx(ctx, tx, &rec, reason, ""); err != nil {
					return err
				}
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		next, err := o.streams.CreateTx(tx, &thread)
		if err != nil {
			return err
		}
		old := thread.Status
		thread.ActiveStream = next.ID
		thread.Status = store.ThreadStreaming
		thread.Continue = false
		thread.UpdatedAt = o.nowMillis()
		if err := tx.UpdateThread(thread); err != nil {
			return err
		}
		if old != store.ThreadStreaming {
			change = &hooks.StatusChange{ThreadID: threadID, Old: old, New: store.ThreadStreaming}
		}
		if err := o.streams.CancelInactiveTx(ctx, tx, threadID, next.ID); err != nil {
			return err
		}
		return o.enqueueStreamFn(ctx, thread, next.ID)
	})
	if err != nil {
		return err
	}
	if change != nil {
		o.hooks.FireStatusChange(ctx, *change)
	}
	return nil
}

// stopTx consumes a stop signal: the thread stops, the active stream aborts,
// any scheduled retry is dropped.
func (o *Orchestrator) stopTx(ctx context.Context, tx store.Tx, thread store.Thread) (*hooks.StatusChange, error) {
	if thread.ActiveStream != "" {
		rec, err := tx.GetStream(thread.ActiveStream)
		if err == nil {
			if err := o.streams.AbortTx(ctx, tx, &rec, store.AbortStopSignal, ""); err != nil {
				return nil, err
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if thread.Retry != nil && thread.Retry.RetryFnID != "" {
		if err := o.sched.Cancel(ctx, thread.Retry.RetryFnID); err != nil {
			return nil, err
		}
	}
	old := thread.Status
	thread.Status = store.ThreadStopped
	thread.StopSignal = false
	thread.ActiveStream = ""
	thread.Continue = false
	thread.Retry = nil
	thread.UpdatedAt = o.nowMillis()
	if err := tx.UpdateThread(thread); err != nil {
		return nil, err
	}
	if old != store.ThreadStopped {
		return &hooks.StatusChange{ThreadID: thread.ID, Old: old, New: store.ThreadStopped}, nil
	}
	return nil, nil
}

func (o *Orchestrator) enqueueStreamFn(ctx context.Context, thread store.Thread, streamID store.StreamID) error {
	args := streamFnArgs{ThreadID: thread.ID, StreamID: streamID}
	if thread.WorkpoolHandle != "" {
		raw, err := json.Marshal(args)
		if err != nil {
			return err
		}
		_, err = o.sched.RunAfter(ctx, 0, thread.WorkpoolHandle, store.WorkItem{Action: thread.StreamFnHandle, Args: raw})
		return err
	}
	_, err := o.sched.RunAfter(ctx, 0, thread.StreamFnHandle, args)
	return err
}

// FinalizeStreamTurn commits the turn outcome once: it patches the thread
// status, clears the active stream reference if the stream is terminal, and
// consumes the continue flag. Guarded by the (activeStream, seq) pair; on
// mismatch it takes no effect and reports false.
func (o *Orchestrator) FinalizeStreamTurn(ctx context.Context, threadID store.ThreadID, streamID store.StreamID, status *store.ThreadStatus, expectedSeq int64) (bool, error) {
	var (
		cont   bool
		change *hooks.StatusChange
	)
	err := o.store.RunTx(ctx, func(tx store.Tx) error {
		cont, change = false, nil
		thread, err := tx.GetThread(threadID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if thread.ActiveStream != streamID {
			o.recordMismatch(ctx, threadID, "active stream changed")
			return nil
		}
		rec, err := tx.GetStream(streamID)
		if err != nil {
			return err
		}
		if rec.Seq != expectedSeq {
			o.recordMismatch(ctx, threadID, "stream seq changed")
			return nil
		}
		old := thread.Status
		if status != nil {
			thread.Status = *status
		}
		if rec.State.Terminal() {
			thread.ActiveStream = ""
		}
		cont = thread.Continue
		thread.Continue = false
		thread.UpdatedAt = o.nowMillis()
		if err := tx.UpdateThread(thread); err != nil {
			return err
		}
		if thread.Status != old {
			change = &hooks.StatusChange{ThreadID: threadID, Old: old, New: thread.Status}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if change != nil {
		o.hooks.FireStatusChange(ctx, *change)
	}
	return cont, nil
}

// recordMismatch tracks finalize guard failures per thread over a sliding
// window. Repeated mismatches indicate competing handlers and escalate.
func (o *Orchestrator) recordMismatch(ctx context.Context, threadID store.ThreadID, what string) {
	now := o.clock()
	o.mismatchMu.Lock()
	recent := o.mismatches[threadID][:0]
	for _, at := range o.mismatches[threadID] {
		if now.Sub(at) < mismatchWindow {
			recent = append(recent, at)
		}
	}
	recent = append(recent, now)
	o.mismatches[threadID] = recent
	count := len(recent)
	o.mismatchMu.Unlock()

	o.metrics.IncCounter("loom_finalize_mismatches", 1)
	if count >= 3 {
		o.logger.Error(ctx, "repeated finalize mismatches", "thread_id", threadID, "cause", what, "count", count)
		return
	}
	o.logger.Warn(ctx, "finalize mismatch", "thread_id", threadID, "cause", what)
}

// RecoverStalled re-enters the continuation decision for threads that look
// stuck: streaming without a live handler, or awaiting tool results with the
// continuation lost. Threads with a pending scheduled retry are left alone.
func (o *Orchestrator) RecoverStalled(ctx context.Context) (int, error) {
	var candidates []store.Thread
	err := o.store.RunTx(ctx, func(tx store.Tx) error {
		threads, err := tx.ListThreadsByStatus(store.ThreadStreaming, store.ThreadAwaitingToolResults)
		if err != nil {
			return err
		}
		candidates = candidates[:0]
		for _, thread := range threads {
			if len(candidates) >= o.cfg.RecoverBatch {
				break
			}
			if thread.Retry != nil && thread.Retry.RetryFnID != "" {
				state, err := o.sched.State(ctx, thread.Retry.RetryFnID)
				if err != nil {
					return err
				}
				if state == store.ScheduledStatePending {
					continue
				}
			}
			if thread.ActiveStream != "" {
				rec, err := tx.GetStream(thread.ActiveStream)
				if err == nil && o.streams.IsAlive(rec) {
					continue
				}
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
			}
			candidates = append(candidates, thread)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, thread := range candidates {
		if err := o.ContinueStream(ctx, thread.ID); err != nil {
			o.logger.Error(ctx, "recovery continue failed", "thread_id", thread.ID, "err", err)
		}
	}
	return len(candidates), nil
}
