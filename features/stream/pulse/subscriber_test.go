package pulse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/loom/runtime/part"
)

func TestNewSubscriberRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.Error(t, err)
}

func TestSubscribeEmitsAndAcksEnvelopes(t *testing.T) {
	sink := &fakeSink{ch: make(chan *streaming.Event, 1)}
	fc := &fakeClient{stream: &fakeStream{sink: sink}}

	sub, err := NewSubscriber(SubscriberOptions{Client: fc, Buffer: 2})
	require.NoError(t, err)

	envelopes, errs, cancel, err := sub.Subscribe(context.Background(), "th-1")
	require.NoError(t, err)
	defer cancel()

	require.Equal(t, []string{"thread/th-1"}, fc.names)
	require.Equal(t, "loom_subscriber", sink.name)

	payload, err := json.Marshal(Envelope{
		ThreadID:  "th-1",
		StreamID:  "st-1",
		Seq:       0,
		MessageID: "m1",
		Parts:     []part.Part{part.TextDelta("t", "hi")},
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	sink.ch <- &streaming.Event{ID: "1-0", Payload: payload}
	close(sink.ch)

	env := <-envelopes
	require.Equal(t, "st-1", env.StreamID)
	require.Equal(t, "m1", env.MessageID)
	require.Equal(t, "hi", env.Parts[0].Delta)

	_, open := <-envelopes
	require.False(t, open)
	require.Empty(t, errs)
	require.Equal(t, []string{"1-0"}, sink.acked)
}

func TestSubscribeSurfacesDecodeError(t *testing.T) {
	sink := &fakeSink{ch: make(chan *streaming.Event, 1)}
	fc := &fakeClient{stream: &fakeStream{sink: sink}}

	sub, err := NewSubscriber(SubscriberOptions{Client: fc})
	require.NoError(t, err)

	envelopes, errs, cancel, err := sub.Subscribe(context.Background(), "th-1")
	require.NoError(t, err)
	defer cancel()

	sink.ch <- &streaming.Event{ID: "1-0", Payload: []byte("not json")}
	close(sink.ch)

	require.Empty(t, envelopes)
	require.ErrorContains(t, <-errs, "pulse decode payload")
	require.Empty(t, sink.acked)
}
