// Package inmem provides the in-process implementation of the store contract:
// a mutex-serialized transactional document store with a pollable scheduler.
// It backs unit tests and local development; production deployments use the
// MongoDB-backed implementation under features/store/mongo.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/loom/runtime/part"
	"goa.design/loom/store"
)

// Store is an in-memory store.Store. Transactions are serialized by a single
// mutex, which gives the same linearization guarantee the contract requires of
// real stores. Failed transactions roll back to the pre-transaction snapshot.
type Store struct {
	mu        sync.Mutex
	threads   map[store.ThreadID]store.Thread
	messages  map[msgKey]store.Message
	streams   map[store.StreamID]store.Stream
	deltas    map[store.StreamID][]store.Delta
	toolCalls map[store.ToolCallRecordID]store.ToolCall

	sched *Scheduler
}

type msgKey struct {
	thread store.ThreadID
	msg    store.MessageID
}

// Options configures the in-memory store.
type Options struct {
	// Clock substitutes the time source (tests). Defaults to time.Now.
	Clock store.Clock
	// Dispatcher resolves scheduled handles. Required for the scheduler to
	// deliver invocations.
	Dispatcher store.Dispatcher
}

// New returns an empty store with its scheduler.
func New(opts Options) *Store {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Store{
		threads:   make(map[store.ThreadID]store.Thread),
		messages:  make(map[msgKey]store.Message),
		streams:   make(map[store.StreamID]store.Stream),
		deltas:    make(map[store.StreamID][]store.Delta),
		toolCalls: make(map[store.ToolCallRecordID]store.ToolCall),
	}
	s.sched = newScheduler(clock, opts.Dispatcher)
	return s
}

// Scheduler returns the store's scheduler.
func (s *Store) Scheduler() store.Scheduler { return s.sched }

// SchedulerPump exposes the test/maintenance surface of the scheduler.
func (s *Store) SchedulerPump() *Scheduler { return s.sched }

// RunTx runs fn under the store mutex. Any error rolls all mutations back.
func (s *Store) RunTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn((*tx)(s)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	threads   map[store.ThreadID]store.Thread
	messages  map[msgKey]store.Message
	streams   map[store.StreamID]store.Stream
	deltas    map[store.StreamID][]store.Delta
	toolCalls map[store.ToolCallRecordID]store.ToolCall
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		threads:   make(map[store.ThreadID]store.Thread, len(s.threads)),
		messages:  make(map[msgKey]store.Message, len(s.messages)),
		streams:   make(map[store.StreamID]store.Stream, len(s.streams)),
		deltas:    make(map[store.StreamID][]store.Delta, len(s.deltas)),
		toolCalls: make(map[store.ToolCallRecordID]store.ToolCall, len(s.toolCalls)),
	}
	for k, v := range s.threads {
		snap.threads[k] = v
	}
	for k, v := range s.messages {
		snap.messages[k] = cloneMessage(v)
	}
	for k, v := range s.streams {
		snap.streams[k] = v
	}
	for k, v := range s.deltas {
		snap.deltas[k] = append([]store.Delta(nil), v...)
	}
	for k, v := range s.toolCalls {
		snap.toolCalls[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.threads = snap.threads
	s.messages = snap.messages
	s.streams = snap.streams
	s.deltas = snap.deltas
	s.toolCalls = snap.toolCalls
}

// tx implements store.Tx directly on the locked store.
type tx Store

// --- threads ---

func (t *tx) InsertThread(rec store.Thread) error {
	if _, ok := t.threads[rec.ID]; ok {
		return store.ErrConflict
	}
	t.threads[rec.ID] = rec
	return nil
}

func (t *tx) GetThread(id store.ThreadID) (store.Thread, error) {
	rec, ok := t.threads[id]
	if !ok {
		return store.Thread{}, store.ErrNotFound
	}
	return rec, nil
}

func (t *tx) UpdateThread(rec store.Thread) error {
	if _, ok := t.threads[rec.ID]; !ok {
		return store.ErrNotFound
	}
	t.threads[rec.ID] = rec
	return nil
}

func (t *tx) DeleteThread(id store.ThreadID) error {
	delete(t.threads, id)
	return nil
}

func (t *tx) ListThreads(limit int) ([]store.Thread, error) {
	out := make([]store.Thread, 0, len(t.threads))
	for _, rec := range t.threads {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) ListThreadsByStatus(statuses ...store.ThreadStatus) ([]store.Thread, error) {
	want := make(map[store.ThreadStatus]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	var out []store.Thread
	for _, rec := range t.threads {
		if _, ok := want[rec.Status]; ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// --- messages ---

func (t *tx) InsertMessage(m store.Message) error {
	k := msgKey{m.ThreadID, m.ID}
	if _, ok := t.messages[k]; ok {
		return store.ErrConflict
	}
	t.messages[k] = cloneMessage(m)
	return nil
}

func (t *tx) GetMessage(threadID store.ThreadID, id store.MessageID) (store.Message, error) {
	m, ok := t.messages[msgKey{threadID, id}]
	if !ok {
		return store.Message{}, store.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (t *tx) UpdateMessage(m store.Message) error {
	k := msgKey{m.ThreadID, m.ID}
	if _, ok := t.messages[k]; !ok {
		return store.ErrNotFound
	}
	t.messages[k] = cloneMessage(m)
	return nil
}

func (t *tx) ListMessages(threadID store.ThreadID) ([]store.Message, error) {
	var out []store.Message
	for k, m := range t.messages {
		if k.thread == threadID {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (t *tx) DeleteMessagesByThread(threadID store.ThreadID) error {
	for k := range t.messages {
		if k.thread == threadID {
			delete(t.messages, k)
		}
	}
	return nil
}

// --- streams ---

func (t *tx) InsertStream(rec store.Stream) error {
	if _, ok := t.streams[rec.ID]; ok {
		return store.ErrConflict
	}
	t.streams[rec.ID] = rec
	return nil
}

func (t *tx) GetStream(id store.StreamID) (store.Stream, error) {
	rec, ok := t.streams[id]
	if !ok {
		return store.Stream{}, store.ErrNotFound
	}
	return rec, nil
}

func (t *tx) UpdateStream(rec store.Stream) error {
	if _, ok := t.streams[rec.ID]; !ok {
		return store.ErrNotFound
	}
	t.streams[rec.ID] = rec
	return nil
}

func (t *tx) DeleteStream(id store.StreamID) error {
	delete(t.streams, id)
	delete(t.deltas, id)
	return nil
}

func (t *tx) ListStreamsByThread(threadID store.ThreadID) ([]store.Stream, error) {
	return t.listStreams(threadID, 0, false)
}

func (t *tx) ListStreamsFromSeq(threadID store.ThreadID, fromSeq int64) ([]store.Stream, error) {
	return t.listStreams(threadID, fromSeq, true)
}

func (t *tx) listStreams(threadID store.ThreadID, fromSeq int64, filter bool) ([]store.Stream, error) {
	var out []store.Stream
	for _, rec := range t.streams {
		if rec.ThreadID != threadID {
			continue
		}
		if filter && rec.Seq < fromSeq {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// --- deltas ---

func (t *tx) InsertDelta(d store.Delta) error {
	for _, existing := range t.deltas[d.StreamID] {
		if existing.Seq == d.Seq {
			return store.ErrConflict
		}
	}
	d.Parts = part.CloneAll(d.Parts)
	t.deltas[d.StreamID] = append(t.deltas[d.StreamID], d)
	return nil
}

func (t *tx) ListDeltas(streamID store.StreamID, fromSeq int64, limit int) ([]store.Delta, error) {
	var out []store.Delta
	for _, d := range t.deltas[streamID] {
		if d.Seq >= fromSeq {
			d.Parts = part.CloneAll(d.Parts)
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) DeleteDeltas(streamID store.StreamID, limit int) (int, error) {
	ds := t.deltas[streamID]
	if len(ds) == 0 {
		return 0, nil
	}
	n := len(ds)
	if limit > 0 && n > limit {
		n = limit
	}
	t.deltas[streamID] = ds[n:]
	if len(t.deltas[streamID]) == 0 {
		delete(t.deltas, streamID)
	}
	return n, nil
}

// --- tool calls ---

func (t *tx) InsertToolCall(tc store.ToolCall) error {
	if _, ok := t.toolCalls[tc.ID]; ok {
		return store.ErrConflict
	}
	for _, existing := range t.toolCalls {
		if existing.ThreadID == tc.ThreadID && existing.ToolCallID == tc.ToolCallID {
			return store.ErrConflict
		}
	}
	t.toolCalls[tc.ID] = tc
	return nil
}

func (t *tx) GetToolCall(id store.ToolCallRecordID) (store.ToolCall, error) {
	tc, ok := t.toolCalls[id]
	if !ok {
		return store.ToolCall{}, store.ErrNotFound
	}
	return tc, nil
}

func (t *tx) FindToolCall(threadID store.ThreadID, toolCallID string) (store.ToolCall, error) {
	for _, tc := range t.toolCalls {
		if tc.ThreadID == threadID && tc.ToolCallID == toolCallID {
			return tc, nil
		}
	}
	return store.ToolCall{}, store.ErrNotFound
}

func (t *tx) UpdateToolCall(tc store.ToolCall) error {
	if _, ok := t.toolCalls[tc.ID]; !ok {
		return store.ErrNotFound
	}
	t.toolCalls[tc.ID] = tc
	return nil
}

func (t *tx) ListToolCallsByThread(threadID store.ThreadID) ([]store.ToolCall, error) {
	var out []store.ToolCall
	for _, tc := range t.toolCalls {
		if tc.ThreadID == threadID {
			out = append(out, tc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (t *tx) CountPendingToolCalls(threadID store.ThreadID) (int, error) {
	n := 0
	for _, tc := range t.toolCalls {
		if tc.ThreadID == threadID && tc.Status == store.ToolCallPending {
			n++
		}
	}
	return n, nil
}

func (t *tx) ListPendingSyncToolCalls(limit int) ([]store.ToolCall, error) {
	var out []store.ToolCall
	for _, tc := range t.toolCalls {
		if tc.Status == store.ToolCallPending && !tc.Async {
			out = append(out, tc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) DeleteToolCallsByThread(threadID store.ThreadID) error {
	for id, tc := range t.toolCalls {
		if tc.ThreadID == threadID {
			delete(t.toolCalls, id)
		}
	}
	return nil
}

func cloneMessage(m store.Message) store.Message {
	out := m
	out.Parts = part.CloneAll(m.Parts)
	if len(m.Metadata) > 0 {
		md := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		out.Metadata = md
	}
	return out
}
