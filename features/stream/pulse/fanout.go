package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/loom/features/stream/pulse/clients/pulse"
	"goa.design/loom/runtime/streams"
)

// Fanout bundles the publishing sink with subscriber creation on one Pulse
// client. Services build a Redis client, wrap it once, pass Sink() to the
// engine and spawn subscribers for their websocket or SSE endpoints.
type Fanout struct {
	sink   *Sink
	client clientspulse.Client
}

// FanoutOptions configures NewFanout.
type FanoutOptions struct {
	// Client is the Pulse client shared by the sink and all subscribers.
	// Required.
	Client clientspulse.Client
	// Sink holds optional sink overrides. Leave zero-valued for defaults.
	Sink Options
}

// NewFanout constructs the shared delta fan-out helper.
func NewFanout(opts FanoutOptions) (*Fanout, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &Fanout{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing side for engine.WithDeltaSink.
func (f *Fanout) Sink() streams.DeltaSink { return f.sink }

// NewSubscriber constructs a subscriber reusing the fan-out's client.
func (f *Fanout) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = f.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing sink.
func (f *Fanout) Close(ctx context.Context) error {
	return f.sink.Close(ctx)
}
