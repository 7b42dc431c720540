package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/part"
	"goa.design/loom/runtime/retry"
	"goa.design/loom/runtime/threads"
	"goa.design/loom/runtime/tools"
	"goa.design/loom/runtime/turn"
	"goa.design/loom/store"
	"goa.design/loom/store/inmem"
)

type script struct {
	openErr   error
	parts     []part.Part
	streamErr error
}

type fakeModel struct {
	mu      sync.Mutex
	scripts []script
	calls   int
}

func (f *fakeModel) Stream(ctx context.Context, req model.Request) (model.PartStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx >= len(f.scripts) {
		idx = len(f.scripts) - 1
	}
	s := f.scripts[idx]
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &fakePartStream{script: s}, nil
}

type fakePartStream struct {
	script script
	i      int
}

func (s *fakePartStream) Next() bool { return s.i < len(s.script.parts) }

func (s *fakePartStream) Current() part.Part {
	p := s.script.parts[s.i]
	s.i++
	return p
}

func (s *fakePartStream) Err() error {
	if s.i >= len(s.script.parts) {
		return s.script.streamErr
	}
	return nil
}

func (s *fakePartStream) Close() error               { return nil }
func (s *fakePartStream) Usage() (model.Usage, bool) { return model.Usage{}, false }

type fixture struct {
	st   *inmem.Store
	disp *inmem.Dispatcher
	eng  *Engine
	fm   *fakeModel
	now  time.Time

	events struct {
		statuses  []hooks.StatusChange
		completed []hooks.TurnComplete
		retries   []hooks.RetryScheduled
		errors    []hooks.TurnError
	}
}

func newFixture(t *testing.T, defs []tools.Definition, scripts ...script) *fixture {
	t.Helper()
	f := &fixture{now: time.Unix(1_700_000_000, 0), fm: &fakeModel{scripts: scripts}}
	clock := func() time.Time { return f.now }
	f.disp = inmem.NewDispatcher()
	f.st = inmem.New(inmem.Options{Clock: clock, Dispatcher: f.disp})
	cb := &hooks.Callbacks{
		OnStatusChange: func(ctx context.Context, e hooks.StatusChange) {
			f.events.statuses = append(f.events.statuses, e)
		},
		OnTurnComplete: func(ctx context.Context, e hooks.TurnComplete) {
			f.events.completed = append(f.events.completed, e)
		},
		OnRetry: func(ctx context.Context, e hooks.RetryScheduled) {
			f.events.retries = append(f.events.retries, e)
		},
		OnError: func(ctx context.Context, e hooks.TurnError) {
			f.events.errors = append(f.events.errors, e)
		},
	}
	var err error
	f.eng, err = New(
		Options{Store: f.st, Dispatcher: f.disp, Model: f.fm},
		WithClock(clock),
		WithCallbacks(cb),
		WithTools(defs...),
	)
	require.NoError(t, err)
	return f
}

// drain pumps the scheduler, advancing the fake clock entry by entry as long
// as the next due time falls within horizon. Dispatch errors are tolerated;
// failed turns surface through thread state.
func (f *fixture) drain(t *testing.T, horizon time.Duration) {
	t.Helper()
	pump := f.st.SchedulerPump()
	deadline := f.now.Add(horizon)
	for i := 0; i < 200; i++ {
		_, _ = pump.RunDue(context.Background())
		next, ok := pump.NextDue()
		if !ok || next.After(deadline) {
			return
		}
		if next.After(f.now) {
			f.now = next.Add(time.Millisecond)
		}
	}
	t.Fatal("scheduler did not drain")
}

func textScript(msgID, text string) script {
	return script{parts: []part.Part{
		part.Start(msgID),
		part.TextDelta("t", text),
		part.Finish("stop"),
	}}
}

func TestHappyPathNoTools(t *testing.T) {
	f := newFixture(t, nil, script{parts: []part.Part{
		part.Start("m1"),
		part.TextDelta("t", "he"),
		part.TextDelta("t", "llo"),
		part.Finish("stop"),
	}})
	ctx := context.Background()

	id, err := f.eng.CreateThread(ctx, threads.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.eng.SendMessage(ctx, id, "hi"))
	f.drain(t, time.Minute)

	thread, err := f.eng.GetThread(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ThreadCompleted, thread.Status)
	require.Empty(t, thread.ActiveStream)

	msgs, err := f.eng.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, store.RoleUser, msgs[0].Role)
	require.Equal(t, store.RoleAssistant, msgs[1].Role)
	require.Equal(t, []part.Part{part.TextDelta("t", "hello")}, msgs[1].Parts)

	// The delta log carries the same text, compacted per batch.
	updates, cursor, err := f.eng.StreamingUpdates(ctx, id, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), cursor)
	var got string
	for _, u := range updates {
		require.Equal(t, store.MessageID("m1"), u.MessageID)
		for _, p := range u.Parts {
			if p.Type == part.TypeTextDelta {
				got += p.Delta
			}
		}
	}
	require.Equal(t, "hello", got)
	require.Len(t, f.events.completed, 1)
}

func TestAsyncToolResultResumesThread(t *testing.T) {
	var notified []tools.Notification
	defs := []tools.Definition{{
		Name: "get_temp",
		Callback: func(ctx context.Context, n tools.Notification) error {
			notified = append(notified, n)
			return nil
		},
	}}
	f := newFixture(t, defs,
		script{parts: []part.Part{
			part.Start("m1"),
			part.ToolInputAvailable("call-2", "get_temp", json.RawMessage(`{}`)),
			part.Finish(part.FinishReasonToolCalls),
		}},
		textScript("m2", "72 degrees"),
	)
	ctx := context.Background()

	id, err := f.eng.CreateThread(ctx, threads.CreateOptions{Prompt: "temp?"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	thread, err := f.eng.GetThread(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ThreadAwaitingToolResults, thread.Status)
	require.Len(t, notified, 1)
	require.Equal(t, "call-2", notified[0].ToolCallID)

	require.NoError(t, f.eng.AddToolResult(ctx, id, "call-2", map[string]int{"temp": 72}))
	// Re-ingesting the same result is a no-op.
	require.NoError(t, f.eng.AddToolResult(ctx, id, "call-2", map[string]int{"temp": 99}))
	f.drain(t, time.Minute)

	thread, err = f.eng.GetThread(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ThreadCompleted, thread.Status)
	require.NoError(t, f.st.RunTx(ctx, func(tx store.Tx) error {
		tc, err := tx.FindToolCall(id, "call-2")
		require.NoError(t, err)
		require.Equal(t, store.ToolCallCompleted, tc.Status)
		require.JSONEq(t, `{"temp":72}`, string(tc.Result))
		return nil
	}))
}

func TestTransient5xxRetriesOnce(t *testing.T) {
	f := newFixture(t, nil,
		script{openErr: retry.NewProviderError("anthropic", "messages.stream", 503, "", "upstream", nil)},
		textScript("m1", "recovered"),
	)
	ctx := context.Background()

	id, err := f.eng.CreateThread(ctx, threads.CreateOptions{Prompt: "hi"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	thread, err := f.eng.GetThread(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ThreadCompleted, thread.Status)
	require.Nil(t, thread.Retry)

	require.Len(t, f.events.retries, 1)
	e := f.events.retries[0]
	require.Equal(t, retry.KindProvider5xx, e.Kind)
	require.Equal(t, 1, e.Attempt)
	require.Equal(t, 3, e.MaxAttempts)
	require.GreaterOrEqual(t, e.Delay, time.Duration(0))
	require.LessOrEqual(t, e.Delay, 500*time.Millisecond)
}

func TestContextWindowExceededFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, nil,
		script{openErr: retry.NewProviderError("anthropic", "messages.stream", 400, "", "prompt is too long", nil)},
	)
	ctx := context.Background()

	id, err := f.eng.CreateThread(ctx, threads.CreateOptions{Prompt: "hi"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	thread, err := f.eng.GetThread(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ThreadFailed, thread.Status)
	require.Empty(t, f.events.retries)
	require.Len(t, f.events.errors, 1)
	require.Equal(t, retry.KindContextWindowExceeded, f.events.errors[0].Kind)
	require.True(t, f.events.errors[0].RequiresExplicitHandling)
}

func TestStopWhileAwaitingToolResults(t *testing.T) {
	defs := []tools.Definition{{
		Name:     "get_temp",
		Callback: func(ctx context.Context, n tools.Notification) error { return nil },
	}}
	f := newFixture(t, defs,
		script{parts: []part.Part{
			part.Start("m1"),
			part.ToolInputAvailable("call-1", "get_temp", json.RawMessage(`{}`)),
			part.Finish(part.FinishReasonToolCalls),
		}},
		textScript("m2", "never streamed"),
	)
	ctx := context.Background()

	id, err := f.eng.CreateThread(ctx, threads.CreateOptions{Prompt: "hi"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	require.NoError(t, f.eng.StopThread(ctx, id))
	require.NoError(t, f.eng.AddToolResult(ctx, id, "call-1", "late"))
	f.drain(t, time.Minute)

	thread, err := f.eng.GetThread(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ThreadStopped, thread.Status)
	require.False(t, thread.StopSignal)
	require.Empty(t, thread.ActiveStream)
	require.Equal(t, 1, f.fm.calls)
}

func TestRecoverOnceRestartsLostContinuation(t *testing.T) {
	f := newFixture(t, nil, textScript("m1", "done"))
	ctx := context.Background()

	// A thread left awaiting tool results with none pending: the continuation
	// enqueue was lost in a crash.
	id := store.ThreadID("recovered-thread")
	now := f.now.UnixMilli()
	require.NoError(t, f.st.RunTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertThread(store.Thread{
			ID:             id,
			Status:         store.ThreadAwaitingToolResults,
			StreamFnHandle: turn.HandleStream,
			CreatedAt:      now,
			UpdatedAt:      now,
		}); err != nil {
			return err
		}
		return tx.InsertMessage(store.Message{
			ID:        "u1",
			ThreadID:  id,
			Role:      store.RoleUser,
			Parts:     []part.Part{part.Text("p", "hi")},
			CreatedAt: now,
		})
	}))

	stalled, resumed, err := f.eng.RecoverOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stalled)
	require.Equal(t, 0, resumed)
	f.drain(t, time.Minute)

	thread, err := f.eng.GetThread(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ThreadCompleted, thread.Status)
}

func TestResumeCompletedThread(t *testing.T) {
	f := newFixture(t, nil, textScript("m1", "first"), textScript("m2", "second"))
	ctx := context.Background()

	id, err := f.eng.CreateThread(ctx, threads.CreateOptions{Prompt: "hi"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	require.NoError(t, f.eng.SendMessage(ctx, id, "more"))
	f.drain(t, time.Minute)

	msgs, err := f.eng.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	require.Equal(t, 2, f.fm.calls)
	require.Len(t, f.events.completed, 2)
}

func TestDeleteThreadRemovesEverything(t *testing.T) {
	f := newFixture(t, nil, textScript("m1", "bye"))
	ctx := context.Background()

	id, err := f.eng.CreateThread(ctx, threads.CreateOptions{Prompt: "hi"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	require.NoError(t, f.eng.DeleteThread(ctx, id))
	_, err = f.eng.GetThread(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)
	updates, _, err := f.eng.StreamingUpdates(ctx, id, 0)
	require.NoError(t, err)
	require.Empty(t, updates)
}

func TestWithToolsRejectsBadDefinition(t *testing.T) {
	disp := inmem.NewDispatcher()
	st := inmem.New(inmem.Options{Dispatcher: disp})
	_, err := New(
		Options{Store: st, Dispatcher: disp, Model: &fakeModel{}},
		WithTools(tools.Definition{Name: "broken"}),
	)
	require.Error(t, err)
}
