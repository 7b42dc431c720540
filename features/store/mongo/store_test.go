package mongo

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	clientsmongo "goa.design/loom/features/store/mongo/clients/mongo"
	"goa.design/loom/runtime/part"
	"goa.design/loom/store"
	"goa.design/loom/store/inmem"
)

// Integration tests run against a real deployment (transactions require a
// replica set). Set LOOM_MONGO_URI to enable them.
func testStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("LOOM_MONGO_URI")
	if uri == "" {
		t.Skip("LOOM_MONGO_URI not set")
	}
	mc, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	db := "loom_test_" + uuid.NewString()[:8]
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mc.Database(db).Drop(ctx)
		_ = mc.Disconnect(ctx)
	})
	client, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: db})
	require.NoError(t, err)
	s, err := New(Options{Client: client})
	require.NoError(t, err)
	return s
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestThreadLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	th := store.Thread{ID: "th-1", Status: store.ThreadCompleted, Seq: 2, StreamFnHandle: "turn/stream", CreatedAt: 100, UpdatedAt: 100}
	require.NoError(t, s.RunTx(ctx, func(tx store.Tx) error { return tx.InsertThread(th) }))

	err := s.RunTx(ctx, func(tx store.Tx) error { return tx.InsertThread(th) })
	require.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.RunTx(ctx, func(tx store.Tx) error {
		got, err := tx.GetThread("th-1")
		require.NoError(t, err)
		require.Equal(t, th, got)

		got.Status = store.ThreadStreaming
		got.ActiveStream = "st-1"
		if err := tx.UpdateThread(got); err != nil {
			return err
		}

		byStatus, err := tx.ListThreadsByStatus(store.ThreadStreaming)
		require.NoError(t, err)
		require.Len(t, byStatus, 1)
		require.Equal(t, store.StreamID("st-1"), byStatus[0].ActiveStream)
		return nil
	}))

	require.NoError(t, s.RunTx(ctx, func(tx store.Tx) error { return tx.DeleteThread("th-1") }))
	err = s.RunTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetThread("th-1")
		return err
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListThreadsNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.RunTx(ctx, func(tx store.Tx) error {
		for i, id := range []store.ThreadID{"a", "b", "c"} {
			if err := tx.InsertThread(store.Thread{ID: id, Status: store.ThreadCompleted, CreatedAt: int64(100 + i)}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.RunTx(ctx, func(tx store.Tx) error {
		all, err := tx.ListThreads(0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, store.ThreadID("c"), all[0].ID)

		two, err := tx.ListThreads(2)
		require.NoError(t, err)
		require.Len(t, two, 2)
		return nil
	}))
}

func TestMessagesStreamsDeltas(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.RunTx(ctx, func(tx store.Tx) error {
		for i, id := range []store.MessageID{"m1", "m2"} {
			msg := store.Message{
				ID: id, ThreadID: "th-1", Role: store.RoleUser,
				Parts: []part.Part{part.Text("t", "hello")},
				Order: int64(i), CreatedAt: 100,
			}
			if err := tx.InsertMessage(msg); err != nil {
				return err
			}
		}
		if err := tx.InsertStream(store.Stream{ID: "st-1", ThreadID: "th-1", Seq: 1, State: store.StreamFinished}); err != nil {
			return err
		}
		for seq := int64(0); seq < 4; seq++ {
			d := store.Delta{StreamID: "st-1", Seq: seq, MessageID: "m2", Parts: []part.Part{part.TextDelta("t", "x")}, CreatedAt: 100}
			if err := tx.InsertDelta(d); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.RunTx(ctx, func(tx store.Tx) error {
		msgs, err := tx.ListMessages("th-1")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		require.Equal(t, store.MessageID("m1"), msgs[0].ID)
		require.Equal(t, "hello", msgs[0].Parts[0].Delta)

		err = tx.InsertDelta(store.Delta{StreamID: "st-1", Seq: 0, MessageID: "m2"})
		require.ErrorIs(t, err, store.ErrConflict)

		tail, err := tx.ListDeltas("st-1", 2, 0)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		require.Equal(t, int64(2), tail[0].Seq)

		n, err := tx.DeleteDeltas("st-1", 3)
		require.NoError(t, err)
		require.Equal(t, 3, n)

		rest, err := tx.ListDeltas("st-1", 0, 0)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		require.Equal(t, int64(3), rest[0].Seq)
		return nil
	}))
}

func TestToolCallQueries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.RunTx(ctx, func(tx store.Tx) error {
		calls := []store.ToolCall{
			{ID: "rec-1", ThreadID: "th-1", ToolCallID: "call-1", ToolName: "a", Status: store.ToolCallPending, Args: json.RawMessage(`{}`), CreatedAt: 100},
			{ID: "rec-2", ThreadID: "th-1", ToolCallID: "call-2", ToolName: "b", Status: store.ToolCallPending, Async: true, Args: json.RawMessage(`{}`), CreatedAt: 101},
			{ID: "rec-3", ThreadID: "th-2", ToolCallID: "call-1", ToolName: "c", Status: store.ToolCallCompleted, Args: json.RawMessage(`{}`), CreatedAt: 102},
		}
		for _, tc := range calls {
			if err := tx.InsertToolCall(tc); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.RunTx(ctx, func(tx store.Tx) error {
		tc, err := tx.FindToolCall("th-1", "call-2")
		require.NoError(t, err)
		require.Equal(t, store.ToolCallRecordID("rec-2"), tc.ID)

		n, err := tx.CountPendingToolCalls("th-1")
		require.NoError(t, err)
		require.Equal(t, 2, n)

		sync, err := tx.ListPendingSyncToolCalls(10)
		require.NoError(t, err)
		require.Len(t, sync, 1)
		require.Equal(t, store.ToolCallRecordID("rec-1"), sync[0].ID)
		return nil
	}))
}

func TestSchedulerLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d := inmem.NewDispatcher()
	var got []string
	d.Register("test/echo", func(ctx context.Context, args json.RawMessage) error {
		got = append(got, string(args))
		return nil
	})

	id, err := s.Scheduler().RunAfter(ctx, 0, "test/echo", map[string]string{"k": "v"})
	require.NoError(t, err)
	state, err := s.Scheduler().State(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ScheduledStatePending, state)

	later, err := s.Scheduler().RunAfter(ctx, time.Hour, "test/echo", nil)
	require.NoError(t, err)
	require.NoError(t, s.Scheduler().Cancel(ctx, later))
	state, err = s.Scheduler().State(ctx, later)
	require.NoError(t, err)
	require.Equal(t, store.ScheduledStateCanceled, state)

	p := s.Poller(d)
	ran, err := p.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, ran)
	require.Equal(t, []string{`{"k":"v"}`}, got)

	state, err = s.Scheduler().State(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ScheduledStateDone, state)

	state, err = s.Scheduler().State(ctx, "missing")
	require.NoError(t, err)
	require.Equal(t, store.ScheduledStateNone, state)
}
