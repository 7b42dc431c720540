package turn

import (
	"context"
	"time"

	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/retry"
	"goa.design/loom/runtime/threads"
	"goa.design/loom/store"
)

// handleTurnError classifies a failed attempt and either schedules a retry or
// fails the thread. Returns the status to finalize with (nil when a retry is
// scheduled and the thread stays streaming) and the error to propagate.
func (h *Handler) handleTurnError(ctx context.Context, st *turnState, turnErr error) (*store.ThreadStatus, error) {
	norm := retry.Normalize(turnErr)
	cls := retry.Classify(turnErr)

	decision := Decision{Retry: cls.Retryable}
	if h.cfg.Classify != nil {
		decision = h.cfg.Classify(ctx, ClassifyInput{
			Attempt:            st.attempt,
			MaxAttempts:        st.maxAttempts,
			ToolCallsScheduled: st.toolCallsScheduled,
			StreamPartCount:    st.streamPartCount,
			Classification:     cls,
			Default:            Decision{Retry: cls.Retryable},
			Err:                turnErr,
		})
	}

	allowed := decision.Retry &&
		st.attempt < st.maxAttempts &&
		(st.toolCallsScheduled == 0 || h.cfg.RetryAfterToolCalls) &&
		st.streamPartCount == 0

	if allowed {
		if err := h.scheduleRetry(ctx, st, cls, decision, norm); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := h.failTurn(ctx, st, norm); err != nil {
		return nil, err
	}
	h.hooks.FireError(ctx, hooks.TurnError{
		ThreadID:                 st.threadID,
		StreamID:                 st.stream.ID,
		Kind:                     cls.Kind,
		Retryable:                cls.Retryable,
		RequiresExplicitHandling: cls.RequiresExplicitHandling,
		Attempt:                  st.attempt,
		MaxAttempts:              st.maxAttempts,
		Error:                    norm,
	})
	failed := store.ThreadFailed
	return &failed, turnErr
}

func (h *Handler) scheduleRetry(ctx context.Context, st *turnState, cls retry.Classification, decision Decision, norm string) error {
	delay := h.retryDelay(st.attempt, cls, decision)
	err := h.store.RunTx(ctx, func(tx store.Tx) error {
		thread, err := tx.GetThread(st.threadID)
		if err != nil {
			return err
		}
		if thread.Retry != nil && thread.Retry.RetryFnID != "" {
			if err := h.sched.Cancel(ctx, thread.Retry.RetryFnID); err != nil {
				return err
			}
		}
		fnID, err := h.sched.RunAfter(ctx, delay, threads.HandleRetry,
			struct {
				ThreadID store.ThreadID `json:"threadId"`
			}{ThreadID: st.threadID})
		if err != nil {
			return err
		}
		thread.Retry = &store.RetryState{
			Scope:                    "stream",
			Attempt:                  st.attempt,
			MaxAttempts:              st.maxAttempts,
			NextRetryAt:              h.nowMillis() + delay.Milliseconds(),
			Error:                    norm,
			Kind:                     cls.Kind,
			Retryable:                true,
			RequiresExplicitHandling: cls.RequiresExplicitHandling,
			RetryFnID:                fnID,
		}
		thread.UpdatedAt = h.nowMillis()
		return tx.UpdateThread(thread)
	})
	if err != nil {
		return err
	}
	if err := h.streams.Abort(ctx, st.stream.ID, store.AbortError, norm); err != nil {
		return err
	}
	h.metrics.IncCounter("loom_turn_retries", 1, "kind", string(cls.Kind))
	h.logger.Info(ctx, "turn retry scheduled",
		"thread_id", st.threadID, "stream_id", st.stream.ID,
		"attempt", st.attempt, "max_attempts", st.maxAttempts,
		"kind", string(cls.Kind), "delay_ms", delay.Milliseconds(), "err", norm)
	h.hooks.FireRetry(ctx, hooks.RetryScheduled{
		ThreadID:    st.threadID,
		StreamID:    st.stream.ID,
		Attempt:     st.attempt,
		MaxAttempts: st.maxAttempts,
		Delay:       delay,
		Kind:        cls.Kind,
		Error:       norm,
	})
	return nil
}

// retryDelay resolves the delay precedence: explicit decision override, then
// the provider's Retry-After, then the backoff policy.
func (h *Handler) retryDelay(attempt int, cls retry.Classification, decision Decision) time.Duration {
	if decision.DelayMs != nil {
		return time.Duration(*decision.DelayMs) * time.Millisecond
	}
	if cls.RetryAfter != nil {
		return *cls.RetryAfter
	}
	return h.cfg.Backoff.Delay(attempt)
}

func (h *Handler) failTurn(ctx context.Context, st *turnState, norm string) error {
	err := h.store.RunTx(ctx, func(tx store.Tx) error {
		thread, err := tx.GetThread(st.threadID)
		if err != nil {
			return err
		}
		if thread.Retry != nil && thread.Retry.RetryFnID != "" {
			if err := h.sched.Cancel(ctx, thread.Retry.RetryFnID); err != nil {
				return err
			}
		}
		thread.Retry = nil
		thread.UpdatedAt = h.nowMillis()
		return tx.UpdateThread(thread)
	})
	if err != nil {
		return err
	}
	h.metrics.IncCounter("loom_turn_failures", 1)
	return h.streams.Abort(ctx, st.stream.ID, store.AbortError, norm)
}
