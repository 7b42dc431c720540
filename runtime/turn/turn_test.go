package turn

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
	"goa.design/loom/runtime/streams"
	"goa.design/loom/runtime/threads"
	"goa.design/loom/runtime/toolcalls"
	"goa.design/loom/runtime/tools"
	"goa.design/loom/store"
	"goa.design/loom/store/inmem"
)

// script is one model invocation's canned behavior.
type script struct {
	openErr   error
	parts     []part.Part
	streamErr error
	usage     *model.Usage
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

func (s *fakePartStream) Next() bool {
	return s.i < len(s.script.parts)
}

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

func (s *fakePartStream) Close() error { return nil }

func (s *fakePartStream) Usage() (model.Usage, bool) {
	if s.script.usage == nil {
		return model.Usage{}, false
	}
	return *s.script.usage, true
}

type fixture struct {
	st       *inmem.Store
	disp     *inmem.Dispatcher
	smgr     *streams.Manager
	tcmgr    *toolcalls.Manager
	orch     *threads.Orchestrator
	handler  *Handler
	registry *tools.Registry
	fm       *fakeModel
	now      time.Time

	events struct {
		completed []hooks.TurnComplete
		retries   []hooks.RetryScheduled
		errors    []hooks.TurnError
	}
}

func newFixture(t *testing.T, cfg Config, scripts ...script) *fixture {
	t.Helper()
	f := &fixture{now: time.Unix(1_700_000_000, 0), fm: &fakeModel{scripts: scripts}}
	clock := func() time.Time { return f.now }
	f.disp = inmem.NewDispatcher()
	f.st = inmem.New(inmem.Options{Clock: clock, Dispatcher: f.disp})
	cb := &hooks.Callbacks{
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
	f.smgr, err = streams.New(streams.Options{Store: f.st}, streams.WithClock(clock))
	require.NoError(t, err)
	f.smgr.RegisterHandles(f.disp)

	f.registry = tools.NewRegistry()
	f.tcmgr, err = toolcalls.New(toolcalls.Options{
		Store:    f.st,
		Registry: f.registry,
		Streams:  f.smgr,
		Config:   toolcalls.Config{ContinueHandle: threads.HandleContinue},
	}, toolcalls.WithClock(clock), toolcalls.WithCallbacks(cb))
	require.NoError(t, err)
	f.tcmgr.RegisterHandles(f.disp)

	f.orch, err = threads.New(threads.Options{
		Store:   f.st,
		Streams: f.smgr,
		Config:  threads.Config{StreamFnHandle: HandleStream},
	}, threads.WithClock(clock), threads.WithCallbacks(cb))
	require.NoError(t, err)
	f.orch.RegisterHandles(f.disp)

	f.handler, err = New(Options{
		Store:     f.st,
		Streams:   f.smgr,
		ToolCalls: f.tcmgr,
		Threads:   f.orch,
		Model:     f.fm,
		Registry:  f.registry,
		Config:    cfg,
	}, WithClock(clock), WithCallbacks(cb))
	require.NoError(t, err)
	f.handler.RegisterHandles(f.disp)
	return f
}

// drain pumps the scheduler, advancing the fake clock to the next due entry as
// long as it falls within horizon. Dispatch errors are tolerated: failed turns
// surface through thread state, which is what the assertions check.
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

func (f *fixture) getThread(t *testing.T, id store.ThreadID) store.Thread {
	t.Helper()
	var rec store.Thread
	require.NoError(t, f.st.RunTx(context.Background(), func(tx store.Tx) error {
		var err error
		rec, err = tx.GetThread(id)
		return err
	}))
	return rec
}

func textTurn(msgID, text, finishReason string) script {
	return script{parts: []part.Part{
		part.Start(msgID),
		part.TextDelta("t1", text),
		part.Finish(finishReason),
	}}
}

func TestRunCompletesSimpleTurn(t *testing.T) {
	f := newFixture(t, Config{}, textTurn("msg-1", "Hello there!", "stop"))
	ctx := context.Background()

	id, err := f.orch.CreateThread(ctx, threads.CreateOptions{Prompt: "hi"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	thread := f.getThread(t, id)
	require.Equal(t, store.ThreadCompleted, thread.Status)
	require.Empty(t, thread.ActiveStream)
	require.Nil(t, thread.Retry)

	msgs, err := f.orch.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assistant := msgs[1]
	require.Equal(t, store.RoleAssistant, assistant.Role)
	require.Equal(t, store.MessageID("msg-1"), assistant.ID)
	require.NotNil(t, assistant.CommittedSeq)
	require.Equal(t, int64(1), *assistant.CommittedSeq)
	require.Equal(t, part.TypeTextDelta, assistant.Parts[0].Type)
	require.Equal(t, "Hello there!", assistant.Parts[0].Delta)

	require.Len(t, f.events.completed, 1)
	require.Equal(t, "stop", f.events.completed[0].FinishReason)

	// The stream finished and its deltas carry the text.
	require.NoError(t, f.st.RunTx(ctx, func(tx store.Tx) error {
		recs, err := tx.ListStreamsByThread(id)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		require.Equal(t, store.StreamFinished, recs[0].State)
		deltas, err := tx.ListDeltas(recs[0].ID, 0, 0)
		require.NoError(t, err)
		require.NotEmpty(t, deltas)
		return nil
	}))
}

func TestRunAttachesUsageToAssistantMessage(t *testing.T) {
	s := textTurn("msg-1", "Hello!", "stop")
	s.usage = &model.Usage{InputTokens: 12, OutputTokens: 7, TotalTokens: 19}
	f := newFixture(t, Config{}, s)
	ctx := context.Background()

	id, err := f.orch.CreateThread(ctx, threads.CreateOptions{Prompt: "hi"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	msgs, err := f.orch.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Nil(t, msgs[0].Metadata)
	require.Equal(t, map[string]any{
		"input_tokens":  int64(12),
		"output_tokens": int64(7),
		"total_tokens":  int64(19),
	}, msgs[1].Metadata)
}

func TestRunExecutesSyncToolAcrossTwoStreams(t *testing.T) {
	f := newFixture(t, Config{},
		script{parts: []part.Part{
			part.Start("msg-1"),
			part.ToolInputAvailable("call-1", "get_weather", json.RawMessage(`{"location":"SF"}`)),
			part.Finish(part.FinishReasonToolCalls),
		}},
		textTurn("msg-2", "It is sunny.", "stop"),
	)
	f.registry.MustRegister(tools.Definition{
		Name: "get_weather",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"location": map[string]any{"type": "string"}},
			"required":   []any{"location"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return map[string]string{"weather": "sunny"}, nil
		},
	})
	ctx := context.Background()

	id, err := f.orch.CreateThread(ctx, threads.CreateOptions{Prompt: "weather in SF?"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	thread := f.getThread(t, id)
	require.Equal(t, store.ThreadCompleted, thread.Status)
	require.Equal(t, int64(2), thread.Seq)

	// Tool call completed exactly once; both streams ended cleanly.
	require.NoError(t, f.st.RunTx(ctx, func(tx store.Tx) error {
		tc, err := tx.FindToolCall(id, "call-1")
		require.NoError(t, err)
		require.Equal(t, store.ToolCallCompleted, tc.Status)
		require.JSONEq(t, `{"weather":"sunny"}`, string(tc.Result))
		recs, err := tx.ListStreamsByThread(id)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		for _, rec := range recs {
			require.Equal(t, store.StreamFinished, rec.State)
		}
		return nil
	}))

	// The tool outcome was merged into the first assistant message.
	msgs, err := f.orch.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.True(t, hasOutcome(msgs[1].Parts, "call-1"))
	require.Equal(t, "It is sunny.", msgs[2].Parts[0].Delta)
}

func TestRunRetriesRateLimitThenSucceeds(t *testing.T) {
	f := newFixture(t, Config{},
		script{openErr: retry.NewProviderError("anthropic", "messages.stream", 429, "rate_limit_error", "rate limited", nil)},
		textTurn("msg-1", "recovered", "stop"),
	)
	ctx := context.Background()

	id, err := f.orch.CreateThread(ctx, threads.CreateOptions{Prompt: "hi"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	thread := f.getThread(t, id)
	require.Equal(t, store.ThreadCompleted, thread.Status)
	require.Nil(t, thread.Retry)
	require.Equal(t, int64(2), thread.Seq)

	require.Len(t, f.events.retries, 1)
	require.Equal(t, retry.KindRateLimited, f.events.retries[0].Kind)
	require.Equal(t, 1, f.events.retries[0].Attempt)

	// First stream aborted with the classification error.
	require.NoError(t, f.st.RunTx(ctx, func(tx store.Tx) error {
		recs, err := tx.ListStreamsByThread(id)
		require.NoError(t, err)
		require.Equal(t, store.StreamAborted, recs[0].State)
		require.Equal(t, store.AbortError, recs[0].Reason)
		require.Equal(t, store.StreamFinished, recs[1].State)
		return nil
	}))
}

func TestRunFailsAfterRetryExhaustion(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 2},
		script{openErr: retry.NewProviderError("anthropic", "messages.stream", 500, "", "internal server error", nil)},
	)
	ctx := context.Background()

	id, err := f.orch.CreateThread(ctx, threads.CreateOptions{Prompt: "hi"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	thread := f.getThread(t, id)
	require.Equal(t, store.ThreadFailed, thread.Status)
	require.Nil(t, thread.Retry)
	require.Empty(t, thread.ActiveStream)

	require.Len(t, f.events.retries, 1)
	require.Len(t, f.events.errors, 1)
	require.Equal(t, retry.KindProvider5xx, f.events.errors[0].Kind)
	require.Equal(t, 2, f.events.errors[0].Attempt)
}

func TestRunDoesNotRetryAfterVisibleOutput(t *testing.T) {
	f := newFixture(t, Config{},
		script{
			parts:     []part.Part{part.Start("msg-1"), part.TextDelta("t1", "partial answer")},
			streamErr: retry.NewProviderError("anthropic", "messages.stream", 500, "", "connection dropped", nil),
		},
	)
	ctx := context.Background()

	id, err := f.orch.CreateThread(ctx, threads.CreateOptions{Prompt: "hi"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	require.Equal(t, store.ThreadFailed, f.getThread(t, id).Status)
	require.Empty(t, f.events.retries)
	require.Len(t, f.events.errors, 1)
}

func TestRunDoesNotRetryNonRetryableError(t *testing.T) {
	f := newFixture(t, Config{},
		script{openErr: retry.NewProviderError("anthropic", "messages.stream", 401, "authentication_error", "bad key", nil)},
	)
	ctx := context.Background()

	id, err := f.orch.CreateThread(ctx, threads.CreateOptions{Prompt: "hi"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	require.Equal(t, store.ThreadFailed, f.getThread(t, id).Status)
	require.Empty(t, f.events.retries)
	require.Len(t, f.events.errors, 1)
	require.Equal(t, retry.KindAuth, f.events.errors[0].Kind)
	require.True(t, f.events.errors[0].RequiresExplicitHandling)
}

func TestRunUserClassifierOverridesRetry(t *testing.T) {
	f := newFixture(t, Config{
		Classify: func(ctx context.Context, in ClassifyInput) Decision {
			return Decision{Retry: false}
		},
	},
		script{openErr: retry.NewProviderError("anthropic", "messages.stream", 429, "", "rate limited", nil)},
	)
	ctx := context.Background()

	id, err := f.orch.CreateThread(ctx, threads.CreateOptions{Prompt: "hi"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	require.Equal(t, store.ThreadFailed, f.getThread(t, id).Status)
	require.Empty(t, f.events.retries)
}

func TestRunFailsUnknownTool(t *testing.T) {
	f := newFixture(t, Config{},
		script{parts: []part.Part{
			part.Start("msg-1"),
			part.ToolInputAvailable("call-1", "no_such_tool", json.RawMessage(`{}`)),
			part.Finish(part.FinishReasonToolCalls),
		}},
		textTurn("msg-2", "sorry about that", "stop"),
	)
	ctx := context.Background()

	id, err := f.orch.CreateThread(ctx, threads.CreateOptions{Prompt: "hi"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	// The call failed but the conversation continued with the error visible.
	require.NoError(t, f.st.RunTx(ctx, func(tx store.Tx) error {
		tc, err := tx.FindToolCall(id, "call-1")
		require.NoError(t, err)
		require.Equal(t, store.ToolCallFailed, tc.Status)
		require.Contains(t, tc.Error, "not registered")
		return nil
	}))
	require.Equal(t, store.ThreadCompleted, f.getThread(t, id).Status)
}

func TestRunInvalidToolArgsFailCall(t *testing.T) {
	f := newFixture(t, Config{},
		script{parts: []part.Part{
			part.Start("msg-1"),
			part.ToolInputAvailable("call-1", "get_weather", json.RawMessage(`{"location":42}`)),
			part.Finish(part.FinishReasonToolCalls),
		}},
		textTurn("msg-2", "let me try again", "stop"),
	)
	f.registry.MustRegister(tools.Definition{
		Name: "get_weather",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"location": map[string]any{"type": "string"}},
			"required":   []any{"location"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			t.Fatal("handler must not run on invalid args")
			return nil, nil
		},
	})
	ctx := context.Background()

	id, err := f.orch.CreateThread(ctx, threads.CreateOptions{Prompt: "hi"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	require.NoError(t, f.st.RunTx(ctx, func(tx store.Tx) error {
		tc, err := tx.FindToolCall(id, "call-1")
		require.NoError(t, err)
		require.Equal(t, store.ToolCallFailed, tc.Status)
		require.Contains(t, tc.Error, "invalid arguments")
		return nil
	}))
}

func TestRunSkipsUntakeableStream(t *testing.T) {
	f := newFixture(t, Config{}, textTurn("msg-1", "x", "stop"))
	require.NoError(t, f.handler.Run(context.Background(), "no-thread", "no-stream"))
	require.Equal(t, 0, f.fm.calls)
}

func TestRunTreatsMissingFinishAsError(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1},
		script{parts: []part.Part{part.Start("msg-1")}},
	)
	ctx := context.Background()

	id, err := f.orch.CreateThread(ctx, threads.CreateOptions{Prompt: "hi"})
	require.NoError(t, err)
	f.drain(t, time.Minute)

	require.Equal(t, store.ThreadFailed, f.getThread(t, id).Status)
	require.Len(t, f.events.errors, 1)
	require.Contains(t, f.events.errors[0].Error, "without a finish reason")
}
