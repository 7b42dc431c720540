package turn

import (
	"context"
	"errors"

	"goa.design/loom/runtime/part"
	"goa.design/loom/store"
)

// applyToolOutcomes merges terminal tool call results into the parts of their
// owning assistant messages. Idempotent: a message already carrying an outcome
// for a tool call id is left alone. Runs before building model input and again
// after persisting a new assistant message, so results landing either side of
// the persist are never lost.
func (h *Handler) applyToolOutcomes(ctx context.Context, threadID store.ThreadID) error {
	return h.store.RunTx(ctx, func(tx store.Tx) error {
		calls, err := tx.ListToolCallsByThread(threadID)
		if err != nil {
			return err
		}
		for _, tc := range calls {
			if !tc.Status.Terminal() || tc.MessageID == "" {
				continue
			}
			msg, err := tx.GetMessage(threadID, tc.MessageID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			if hasOutcome(msg.Parts, tc.ToolCallID) {
				continue
			}
			var outcome part.Part
			if tc.Status == store.ToolCallCompleted {
				outcome = part.ToolOutputAvailable(tc.ToolCallID, tc.ToolName, tc.Result)
			} else {
				outcome = part.ToolOutputError(tc.ToolCallID, tc.ToolName, tc.Error)
			}
			msg.Parts = append(msg.Parts, outcome)
			if err := tx.UpdateMessage(msg); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasOutcome(parts []part.Part, toolCallID string) bool {
	for _, p := range parts {
		if p.ToolCallID != toolCallID {
			continue
		}
		if p.Type == part.TypeToolOutputAvailable || p.Type == part.TypeToolOutputError {
			return true
		}
	}
	return false
}
