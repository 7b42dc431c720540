// Package mongo implements the durable store contract on MongoDB. Documents
// map one-to-one onto the store record types, RunTx runs against a causally
// consistent session transaction, and the scheduler persists invocations in a
// dedicated collection drained by a Poller.
//
// Transactions require a replica set or sharded deployment.
package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	clientsmongo "goa.design/loom/features/store/mongo/clients/mongo"
	"goa.design/loom/store"
)

// Store implements store.Store on MongoDB.
type Store struct {
	client *clientsmongo.Client
	sched  *Scheduler
}

var _ store.Store = (*Store)(nil)

// Options configures the Mongo store.
type Options struct {
	// Client is the collection bundle. Required.
	Client *clientsmongo.Client
	// Clock substitutes the time source (tests).
	Clock store.Clock
}

// New builds a Mongo-backed store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo store client is required")
	}
	return &Store{
		client: opts.Client,
		sched:  newScheduler(opts.Client.Schedule(), opts.Clock),
	}, nil
}

// RunTx executes fn inside a session transaction.
func (s *Store) RunTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sess, err := s.client.Mongo().StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(&mongoTx{ctx: ctx, c: s.client})
	})
	return err
}

// Scheduler returns the durable scheduler bound to this store.
func (s *Store) Scheduler() store.Scheduler { return s.sched }

// Poller builds a poller draining this store's schedule collection through
// the dispatcher.
func (s *Store) Poller(d store.Dispatcher, opts ...PollerOption) *Poller {
	return newPoller(s.client.Schedule(), d, s.sched.clock, opts...)
}

// mongoTx implements store.Tx. The transaction boundary is the session-bound
// context; every operation runs through it.
type mongoTx struct {
	ctx context.Context
	c   *clientsmongo.Client
}

var _ store.Tx = (*mongoTx)(nil)

func (t *mongoTx) InsertThread(th store.Thread) error {
	_, err := t.c.Threads().InsertOne(t.ctx, th)
	return mapWriteErr(err)
}

func (t *mongoTx) GetThread(id store.ThreadID) (store.Thread, error) {
	var th store.Thread
	err := t.c.Threads().FindOne(t.ctx, bson.M{"_id": id}).Decode(&th)
	return th, mapReadErr(err)
}

func (t *mongoTx) UpdateThread(th store.Thread) error {
	res, err := t.c.Threads().ReplaceOne(t.ctx, bson.M{"_id": th.ID}, th)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *mongoTx) DeleteThread(id store.ThreadID) error {
	_, err := t.c.Threads().DeleteOne(t.ctx, bson.M{"_id": id})
	return err
}

func (t *mongoTx) ListThreads(limit int) ([]store.Thread, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := t.c.Threads().Find(t.ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	return decodeAll[store.Thread](t.ctx, cur)
}

func (t *mongoTx) ListThreadsByStatus(statuses ...store.ThreadStatus) ([]store.Thread, error) {
	cur, err := t.c.Threads().Find(t.ctx, bson.M{"status": bson.M{"$in": statuses}})
	if err != nil {
		return nil, err
	}
	return decodeAll[store.Thread](t.ctx, cur)
}

func (t *mongoTx) InsertMessage(m store.Message) error {
	_, err := t.c.Messages().InsertOne(t.ctx, m)
	return mapWriteErr(err)
}

func (t *mongoTx) GetMessage(threadID store.ThreadID, id store.MessageID) (store.Message, error) {
	var m store.Message
	err := t.c.Messages().FindOne(t.ctx, bson.M{"thread_id": threadID, "message_id": id}).Decode(&m)
	return m, mapReadErr(err)
}

func (t *mongoTx) UpdateMessage(m store.Message) error {
	res, err := t.c.Messages().ReplaceOne(t.ctx, bson.M{"thread_id": m.ThreadID, "message_id": m.ID}, m)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *mongoTx) ListMessages(threadID store.ThreadID) ([]store.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "order", Value: 1}})
	cur, err := t.c.Messages().Find(t.ctx, bson.M{"thread_id": threadID}, opts)
	if err != nil {
		return nil, err
	}
	return decodeAll[store.Message](t.ctx, cur)
}

func (t *mongoTx) DeleteMessagesByThread(threadID store.ThreadID) error {
	_, err := t.c.Messages().DeleteMany(t.ctx, bson.M{"thread_id": threadID})
	return err
}

func (t *mongoTx) InsertStream(s store.Stream) error {
	_, err := t.c.Streams().InsertOne(t.ctx, s)
	return mapWriteErr(err)
}

func (t *mongoTx) GetStream(id store.StreamID) (store.Stream, error) {
	var s store.Stream
	err := t.c.Streams().FindOne(t.ctx, bson.M{"_id": id}).Decode(&s)
	return s, mapReadErr(err)
}

func (t *mongoTx) UpdateStream(s store.Stream) error {
	res, err := t.c.Streams().ReplaceOne(t.ctx, bson.M{"_id": s.ID}, s)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *mongoTx) DeleteStream(id store.StreamID) error {
	_, err := t.c.Streams().DeleteOne(t.ctx, bson.M{"_id": id})
	return err
}

func (t *mongoTx) ListStreamsByThread(threadID store.ThreadID) ([]store.Stream, error) {
	return t.listStreams(bson.M{"thread_id": threadID})
}

func (t *mongoTx) ListStreamsFromSeq(threadID store.ThreadID, fromSeq int64) ([]store.Stream, error) {
	return t.listStreams(bson.M{"thread_id": threadID, "seq": bson.M{"$gte": fromSeq}})
}

func (t *mongoTx) listStreams(filter bson.M) ([]store.Stream, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cur, err := t.c.Streams().Find(t.ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	return decodeAll[store.Stream](t.ctx, cur)
}

func (t *mongoTx) InsertDelta(d store.Delta) error {
	_, err := t.c.Deltas().InsertOne(t.ctx, d)
	return mapWriteErr(err)
}

func (t *mongoTx) ListDeltas(streamID store.StreamID, fromSeq int64, limit int) ([]store.Delta, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := t.c.Deltas().Find(t.ctx, bson.M{"stream_id": streamID, "seq": bson.M{"$gte": fromSeq}}, opts)
	if err != nil {
		return nil, err
	}
	return decodeAll[store.Delta](t.ctx, cur)
}

func (t *mongoTx) DeleteDeltas(streamID store.StreamID, limit int) (int, error) {
	if limit <= 0 {
		res, err := t.c.Deltas().DeleteMany(t.ctx, bson.M{"stream_id": streamID})
		if err != nil {
			return 0, err
		}
		return int(res.DeletedCount), nil
	}
	batch, err := t.ListDeltas(streamID, 0, limit)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	seqs := make([]int64, len(batch))
	for i, d := range batch {
		seqs[i] = d.Seq
	}
	res, err := t.c.Deltas().DeleteMany(t.ctx, bson.M{"stream_id": streamID, "seq": bson.M{"$in": seqs}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (t *mongoTx) InsertToolCall(tc store.ToolCall) error {
	_, err := t.c.ToolCalls().InsertOne(t.ctx, tc)
	return mapWriteErr(err)
}

func (t *mongoTx) GetToolCall(id store.ToolCallRecordID) (store.ToolCall, error) {
	var tc store.ToolCall
	err := t.c.ToolCalls().FindOne(t.ctx, bson.M{"_id": id}).Decode(&tc)
	return tc, mapReadErr(err)
}

func (t *mongoTx) FindToolCall(threadID store.ThreadID, toolCallID string) (store.ToolCall, error) {
	var tc store.ToolCall
	err := t.c.ToolCalls().FindOne(t.ctx, bson.M{"thread_id": threadID, "tool_call_id": toolCallID}).Decode(&tc)
	return tc, mapReadErr(err)
}

func (t *mongoTx) UpdateToolCall(tc store.ToolCall) error {
	res, err := t.c.ToolCalls().ReplaceOne(t.ctx, bson.M{"_id": tc.ID}, tc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *mongoTx) ListToolCallsByThread(threadID store.ThreadID) ([]store.ToolCall, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := t.c.ToolCalls().Find(t.ctx, bson.M{"thread_id": threadID}, opts)
	if err != nil {
		return nil, err
	}
	return decodeAll[store.ToolCall](t.ctx, cur)
}

func (t *mongoTx) CountPendingToolCalls(threadID store.ThreadID) (int, error) {
	n, err := t.c.ToolCalls().CountDocuments(t.ctx, bson.M{"thread_id": threadID, "status": store.ToolCallPending})
	return int(n), err
}

func (t *mongoTx) ListPendingSyncToolCalls(limit int) ([]store.ToolCall, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := t.c.ToolCalls().Find(t.ctx, bson.M{"status": store.ToolCallPending, "async": false}, opts)
	if err != nil {
		return nil, err
	}
	return decodeAll[store.ToolCall](t.ctx, cur)
}

func (t *mongoTx) DeleteToolCallsByThread(threadID store.ThreadID) error {
	_, err := t.c.ToolCalls().DeleteMany(t.ctx, bson.M{"thread_id": threadID})
	return err
}

func decodeAll[T any](ctx context.Context, cur *mongodriver.Cursor) ([]T, error) {
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []T
	for cur.Next(ctx) {
		var v T
		if err := cur.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func mapReadErr(err error) error {
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return err
}

func mapWriteErr(err error) error {
	if mongodriver.IsDuplicateKeyError(err) {
		return store.ErrConflict
	}
	return err
}
