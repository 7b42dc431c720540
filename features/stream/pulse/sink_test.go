package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/loom/features/stream/pulse/clients/pulse"
	"goa.design/loom/runtime/part"
	"goa.design/loom/store"
)

// fakeClient records stream lookups and hands back a shared fake stream.
type fakeClient struct {
	names  []string
	stream *fakeStream
	err    error
	closed bool
}

func (f *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	f.names = append(f.names, name)
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

func (f *fakeClient) Close(context.Context) error {
	f.closed = true
	return nil
}

type added struct {
	event   string
	payload []byte
}

type fakeStream struct {
	adds []added
	sink *fakeSink
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	f.adds = append(f.adds, added{event: event, payload: payload})
	return "1-0", nil
}

func (f *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	f.sink.name = name
	return f.sink, nil
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

type fakeSink struct {
	name   string
	ch     chan *streaming.Event
	acked  []string
	closed bool
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.ch }

func (f *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	f.acked = append(f.acked, evt.ID)
	return nil
}

func (f *fakeSink) Close(context.Context) { f.closed = true }

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.Error(t, err)
}

func TestPublishWrapsDeltaInEnvelope(t *testing.T) {
	fc := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{Client: fc})
	require.NoError(t, err)

	delta := store.Delta{
		StreamID:  "st-1",
		Seq:       3,
		MessageID: "m1",
		Parts:     []part.Part{part.TextDelta("t", "hello")},
	}
	require.NoError(t, sink.Publish(context.Background(), "th-1", delta))

	require.Equal(t, []string{"thread/th-1"}, fc.names)
	require.Len(t, fc.stream.adds, 1)
	require.Equal(t, EventDelta, fc.stream.adds[0].event)

	var env Envelope
	require.NoError(t, json.Unmarshal(fc.stream.adds[0].payload, &env))
	require.Equal(t, "th-1", env.ThreadID)
	require.Equal(t, "st-1", env.StreamID)
	require.Equal(t, int64(3), env.Seq)
	require.Equal(t, "m1", env.MessageID)
	require.Equal(t, []part.Part{part.TextDelta("t", "hello")}, env.Parts)
	require.False(t, env.Timestamp.IsZero())
}

func TestPublishPropagatesStreamError(t *testing.T) {
	fc := &fakeClient{err: errors.New("redis down")}
	sink, err := NewSink(Options{Client: fc})
	require.NoError(t, err)

	err = sink.Publish(context.Background(), "th-1", store.Delta{StreamID: "st-1"})
	require.EqualError(t, err, "redis down")
}

func TestFanoutSharesClient(t *testing.T) {
	fc := &fakeClient{stream: &fakeStream{sink: &fakeSink{ch: make(chan *streaming.Event)}}}
	f, err := NewFanout(FanoutOptions{Client: fc})
	require.NoError(t, err)
	require.NotNil(t, f.Sink())

	sub, err := f.NewSubscriber(SubscriberOptions{})
	require.NoError(t, err)
	require.NotNil(t, sub)

	require.NoError(t, f.Close(context.Background()))
	require.True(t, fc.closed)
}
