package streams

import (
	"context"
	"encoding/json"
	"strconv"

	"goa.design/loom/runtime/part"
	"goa.design/loom/store"
)

// Update is one delta batch projected for a client, stamped with the stream's
// thread-level seq so the client can drop batches superseded by a committed
// message with a higher seq.
type Update struct {
	StreamID  store.StreamID  `json:"streamId"`
	StreamSeq int64           `json:"streamSeq"`
	DeltaSeq  int64           `json:"deltaSeq"`
	MessageID store.MessageID `json:"msgId"`
	Parts     []part.Part     `json:"parts"`
}

// StreamingUpdates returns the delta batches of the thread's streams with
// seq >= fromSeq, oldest first, capped at MaxDeltasPerRequest. The returned
// cursor is the stream seq to resume from.
//
// Retried turns re-emit the same content block ids on a fresh stream. Per
// message, the first stream keeps each part id and later streams get a
// seq-suffixed alias, so a client keying content blocks by id never merges
// two attempts of the same block. Every update carries its source stream seq
// so parts superseded by a committed message can be dropped.
func (m *Manager) StreamingUpdates(ctx context.Context, threadID store.ThreadID, fromSeq int64) ([]Update, int64, error) {
	type blockKey struct {
		msg store.MessageID
		id  string
	}
	var (
		updates []Update
		cursor  = fromSeq
	)
	err := m.store.RunTx(ctx, func(tx store.Tx) error {
		updates = updates[:0]
		cursor = fromSeq
		recs, err := tx.ListStreamsFromSeq(threadID, fromSeq)
		if err != nil {
			return err
		}
		owner := make(map[blockKey]int64) // content block -> owning stream seq
		budget := m.cfg.MaxDeltasPerRequest
		for _, rec := range recs {
			if budget <= 0 {
				break
			}
			deltas, err := tx.ListDeltas(rec.ID, 0, budget)
			if err != nil {
				return err
			}
			budget -= len(deltas)
			for _, d := range deltas {
				parts := part.CloneAll(d.Parts)
				for i := range parts {
					if parts[i].ID == "" {
						continue
					}
					k := blockKey{d.MessageID, parts[i].ID}
					if seq, ok := owner[k]; ok && seq != rec.Seq {
						parts[i].ID += "#" + strconv.FormatInt(rec.Seq, 10)
					} else {
						owner[k] = rec.Seq
					}
				}
				updates = append(updates, Update{
					StreamID:  rec.ID,
					StreamSeq: rec.Seq,
					DeltaSeq:  d.Seq,
					MessageID: d.MessageID,
					Parts:     parts,
				})
			}
			if rec.Seq >= cursor {
				cursor = rec.Seq
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return updates, cursor, nil
}

func unmarshalArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
