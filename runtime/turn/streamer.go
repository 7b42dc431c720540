package turn

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"goa.design/loom/runtime/part"
	"goa.design/loom/runtime/streams"
	"goa.design/loom/store"
)

// streamer batches relayed parts into deltas: it queues parts for the current
// message, compacts the queue on flush and writes it with the next dense seq.
// Writes are throttled so rapid token deltas coalesce into few documents; a
// message id change always flushes so a delta never spans messages.
type streamer struct {
	mgr      *streams.Manager
	streamID store.StreamID
	lockID   string

	limiter *rate.Limiter
	msgID   store.MessageID
	queue   []part.Part
}

func newStreamer(mgr *streams.Manager, streamID store.StreamID, lockID string, throttle time.Duration) *streamer {
	if throttle <= 0 {
		throttle = 250 * time.Millisecond
	}
	return &streamer{
		mgr:      mgr,
		streamID: streamID,
		lockID:   lockID,
		limiter:  rate.NewLimiter(rate.Every(throttle), 1),
	}
}

// setMessage flushes the queue and switches the current message id.
func (s *streamer) setMessage(ctx context.Context, id store.MessageID) error {
	if id == s.msgID {
		return nil
	}
	if err := s.flush(ctx); err != nil {
		return err
	}
	s.msgID = id
	return nil
}

// add queues a part and flushes when the throttle window allows a write.
func (s *streamer) add(ctx context.Context, p part.Part) error {
	s.queue = append(s.queue, p)
	if s.limiter.Allow() {
		return s.flush(ctx)
	}
	return nil
}

// flush compacts and writes the queued parts. Compaction may drop everything
// (pure tool-input-delta noise), in which case nothing is written.
func (s *streamer) flush(ctx context.Context) error {
	if len(s.queue) == 0 {
		return nil
	}
	compacted := part.Compact(s.queue)
	s.queue = s.queue[:0]
	if len(compacted) == 0 {
		return nil
	}
	if _, err := s.mgr.AddDelta(ctx, s.streamID, s.lockID, s.msgID, compacted); err != nil {
		return err
	}
	return nil
}
