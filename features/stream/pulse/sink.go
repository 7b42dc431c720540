// Package pulse publishes committed delta batches to goa.design/pulse Redis
// streams so websocket and SSE frontends can follow a thread live instead of
// polling streamingUpdates. Each thread maps to one Pulse stream; a Subscriber
// consumes it through a consumer group.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	clientspulse "goa.design/loom/features/stream/pulse/clients/pulse"
	"goa.design/loom/runtime/part"
	"goa.design/loom/runtime/streams"
	"goa.design/loom/store"
)

// EventDelta is the Pulse event name carried by every published batch.
const EventDelta = "delta"

// Envelope is the wire form of one committed delta batch.
type Envelope struct {
	ThreadID  string      `json:"threadId"`
	StreamID  string      `json:"streamId"`
	Seq       int64       `json:"seq"`
	MessageID string      `json:"msgId"`
	Parts     []part.Part `json:"parts"`
	Timestamp time.Time   `json:"timestamp"`
}

// ThreadStream derives the Pulse stream name for a thread.
func ThreadStream(id store.ThreadID) string { return "thread/" + string(id) }

// Options configures the sink.
type Options struct {
	// Client is the Pulse client used to publish. Required.
	Client clientspulse.Client
	// StreamName derives the target stream from a thread id. Defaults to
	// ThreadStream.
	StreamName func(store.ThreadID) string
}

// Sink publishes delta batches into Pulse streams. Safe for concurrent use.
type Sink struct {
	client     clientspulse.Client
	streamName func(store.ThreadID) string
}

var _ streams.DeltaSink = (*Sink)(nil)

// NewSink constructs a Pulse-backed delta sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == nil {
		name = ThreadStream
	}
	return &Sink{client: opts.Client, streamName: name}, nil
}

// Publish sends the delta batch to the thread's Pulse stream.
func (s *Sink) Publish(ctx context.Context, threadID store.ThreadID, delta store.Delta) error {
	handle, err := s.client.Stream(s.streamName(threadID))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Envelope{
		ThreadID:  string(threadID),
		StreamID:  string(delta.StreamID),
		Seq:       delta.Seq,
		MessageID: string(delta.MessageID),
		Parts:     delta.Parts,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = handle.Add(ctx, EventDelta, payload)
	return err
}

// Close releases the underlying Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
