package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/loom/features/stream/pulse/clients/pulse"
	"goa.design/loom/store"
)

// SubscriberOptions configures a Pulse-backed subscriber.
type SubscriberOptions struct {
	// Client is the Pulse client used to consume. Required.
	Client clientspulse.Client
	// SinkName identifies the consumer group. Defaults to "loom_subscriber".
	SinkName string
	// Buffer is the envelope channel capacity. Defaults to 64.
	Buffer int
}

// Subscriber consumes a thread's Pulse stream and emits decoded envelopes.
type Subscriber struct {
	client clientspulse.Client
	buffer int
	name   string
}

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "loom_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, buffer: buffer, name: name}, nil
}

// Subscribe opens a consumer group on the thread's stream and returns channels
// for envelopes and errors. The returned cancel function stops consumption and
// closes both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	threadID store.ThreadID,
	opts ...streamopts.Sink,
) (<-chan Envelope, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(ThreadStream(threadID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	envelopes := make(chan Envelope, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, envelopes, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return envelopes, errs, cancelFunc, nil
}

// consume reads from the Pulse sink, decodes envelopes, emits them and acks.
// Both channels close when ctx is canceled or the sink channel closes.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- Envelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}
