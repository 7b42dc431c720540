// Package streams owns the stream lifecycle: creation, the exclusive lock
// protocol, heartbeats, the append-only delta log, and garbage collection of
// finished streams.
//
// The lock id is the rendezvous token between the persistent stream record and
// the single handler invocation permitted to write its deltas. Every write
// goes through AddDelta, which refuses on lock mismatch, so handler writes are
// serialized even across process failures.
//
// State machine:
//
//	pending ──take──▶ streaming ──finish──▶ finished ──(delay)──▶ deleted
//	   │                 │  ▲                   │
//	   │                 │  └── heartbeat       │
//	   └──abort──▶ aborted ◀──timeout/abort─────┘
package streams

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"goa.design/loom/runtime/part"
	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/store"
)

// Dispatcher handles owned by the stream manager.
const (
	// HandleTimeout aborts a stream whose lock timed out.
	HandleTimeout = "streams/timeout"
	// HandleDelete incrementally deletes a finished stream and its deltas.
	HandleDelete = "streams/delete"
)

// Sentinel errors of the lock protocol.
var (
	// ErrLockedByOther reports a take or write with a competing lock id.
	ErrLockedByOther = errors.New("streams: locked by another invocation")
	// ErrNotTakeable reports a take on a terminal stream.
	ErrNotTakeable = errors.New("streams: stream is not takeable")
	// ErrThreadMismatch reports a stream the thread no longer references.
	ErrThreadMismatch = errors.New("streams: thread active stream mismatch")
	// ErrNotStreaming reports a heartbeat or write on a non-streaming stream.
	ErrNotStreaming = errors.New("streams: stream is not streaming")
)

// Config carries the stream timing constants. Zero values use the defaults.
type Config struct {
	// TimeoutInterval is the stream lock timeout (default 10m).
	TimeoutInterval time.Duration
	// LivenessThreshold is the maximum heartbeat age of a live stream
	// (default 30s).
	LivenessThreshold time.Duration
	// DeleteStreamDelay is the grace period before a terminal stream is
	// garbage-collected (default 5m).
	DeleteStreamDelay time.Duration
	// DeleteBatchSize bounds per-sweep delta deletion (default 100).
	DeleteBatchSize int
	// MaxDeltasPerRequest bounds a single updates query (default 1000).
	MaxDeltasPerRequest int
}

func (c Config) withDefaults() Config {
	if c.TimeoutInterval <= 0 {
		c.TimeoutInterval = 10 * time.Minute
	}
	if c.LivenessThreshold <= 0 {
		c.LivenessThreshold = 30 * time.Second
	}
	if c.DeleteStreamDelay <= 0 {
		c.DeleteStreamDelay = 5 * time.Minute
	}
	if c.DeleteBatchSize <= 0 {
		c.DeleteBatchSize = 100
	}
	if c.MaxDeltasPerRequest <= 0 {
		c.MaxDeltasPerRequest = 1000
	}
	return c
}

// DeltaSink receives committed delta batches for live fan-out. Optional;
// publish failures are logged, never propagated into the turn.
type DeltaSink interface {
	Publish(ctx context.Context, threadID store.ThreadID, delta store.Delta) error
}

// Manager owns stream records and their deltas.
type Manager struct {
	store   store.Store
	sched   store.Scheduler
	clock   store.Clock
	logger  telemetry.Logger
	metrics telemetry.Metrics
	cfg     Config
	sink    DeltaSink
}

// Options configures the manager. Store is required.
type Options struct {
	Store  store.Store
	Config Config
}

// Option tunes optional manager settings.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the manager metrics recorder.
func WithMetrics(mt telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock substitutes the time source (tests).
func WithClock(c store.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithDeltaSink attaches a live fan-out sink.
func WithDeltaSink(s DeltaSink) Option {
	return func(m *Manager) { m.sink = s }
}

// New constructs a stream manager.
func New(opts Options, optFns ...Option) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("streams: store is required")
	}
	m := &Manager{
		store:   opts.Store,
		sched:   opts.Store.Scheduler(),
		clock:   time.Now,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		cfg:     opts.Config.withDefaults(),
	}
	for _, o := range optFns {
		if o != nil {
			o(m)
		}
	}
	return m, nil
}

// Config returns the resolved configuration.
func (m *Manager) Config() Config { return m.cfg }

// RegisterHandles binds the manager's scheduled entry points.
func (m *Manager) RegisterHandles(d store.Dispatcher) {
	d.Register(HandleTimeout, scheduledStreamFunc(m.TimeoutStream))
	d.Register(HandleDelete, scheduledStreamFunc(m.DeleteStreamAsync))
}

// NewLockID returns a fresh opaque lock token.
func NewLockID() string { return uuid.NewString() }

func (m *Manager) now() time.Time { return m.clock() }

func (m *Manager) nowMillis() int64 { return m.clock().UnixMilli() }

// CreateTx allocates the thread's next stream inside the caller's
// transaction. It increments thread.Seq in place and inserts the pending
// stream record; the caller persists the thread update.
func (m *Manager) CreateTx(tx store.Tx, thread *store.Thread) (store.Stream, error) {
	thread.Seq++
	rec := store.Stream{
		ID:          store.StreamID(uuid.NewString()),
		ThreadID:    thread.ID,
		Seq:         thread.Seq,
		State:       store.StreamPending,
		ScheduledAt: m.nowMillis(),
	}
	if err := tx.InsertStream(rec); err != nil {
		return store.Stream{}, err
	}
	return rec, nil
}

// Take transitions a pending stream to streaming under the given lock id and
// schedules the lock timeout. Re-entry with the same lock id refreshes the
// heartbeat; a competing lock id fails with ErrLockedByOther.
func (m *Manager) Take(ctx context.Context, threadID store.ThreadID, streamID store.StreamID, lockID string) (store.Stream, error) {
	if lockID == "" {
		return store.Stream{}, errors.New("streams: lock id is required")
	}
	var out store.Stream
	err := m.store.RunTx(ctx, func(tx store.Tx) error {
		rec, err := tx.GetStream(streamID)
		if err != nil {
			return err
		}
		thread, err := tx.GetThread(threadID)
		if err != nil {
			return err
		}
		if thread.ActiveStream != streamID {
			return ErrThreadMismatch
		}
		switch rec.State {
		case store.StreamPending:
			timeoutID, err := m.sched.RunAfter(ctx, m.cfg.TimeoutInterval, HandleTimeout, streamArgs{StreamID: streamID})
			if err != nil {
				return err
			}
			rec.State = store.StreamStreaming
			rec.LockID = lockID
			rec.LastHeartbeat = m.nowMillis()
			rec.TimeoutFnID = timeoutID
			rec.ScheduledAt = 0
		case store.StreamStreaming:
			if rec.LockID != lockID {
				return ErrLockedByOther
			}
			rec.LastHeartbeat = m.nowMillis()
		default:
			return ErrNotTakeable
		}
		if err := tx.UpdateStream(rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return store.Stream{}, err
	}
	return out, nil
}

// AddDelta validates the lock and appends a delta batch at the stream's next
// seq, keeping the log dense from 0. The parts must already be compacted.
// Returns the assigned seq. Tool outcome deltas appended through
// AppendOutcomeTx share the same counter, so the handler's writes and outcome
// writes interleave without gaps.
func (m *Manager) AddDelta(ctx context.Context, streamID store.StreamID, lockID string, msgID store.MessageID, parts []part.Part) (int64, error) {
	var committed store.Delta
	var threadID store.ThreadID
	err := m.store.RunTx(ctx, func(tx store.Tx) error {
		rec, err := m.validateWriter(ctx, tx, streamID, lockID)
		if err != nil {
			return err
		}
		d := store.Delta{
			StreamID:  streamID,
			Seq:       rec.NextDeltaSeq,
			MessageID: msgID,
			Parts:     parts,
			CreatedAt: m.nowMillis(),
		}
		if err := tx.InsertDelta(d); err != nil {
			return err
		}
		rec.NextDeltaSeq++
		if err := tx.UpdateStream(rec); err != nil {
			return err
		}
		committed = d
		threadID = rec.ThreadID
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.publish(ctx, threadID, committed)
	return committed.Seq, nil
}

// validateWriter enforces the write preconditions: the stream is streaming
// under the caller's lock and the thread still references it. Violations
// abort the stream before the error is returned.
func (m *Manager) validateWriter(ctx context.Context, tx store.Tx, streamID store.StreamID, lockID string) (store.Stream, error) {
	rec, err := tx.GetStream(streamID)
	if err != nil {
		return store.Stream{}, err
	}
	if rec.State != store.StreamStreaming {
		return store.Stream{}, ErrNotStreaming
	}
	if rec.LockID != lockID {
		if err := m.AbortTx(ctx, tx, &rec, store.AbortLockedByOther, ""); err != nil {
			return store.Stream{}, err
		}
		return store.Stream{}, ErrLockedByOther
	}
	thread, err := tx.GetThread(rec.ThreadID)
	if err != nil {
		return store.Stream{}, err
	}
	if thread.ActiveStream != streamID {
		if err := m.AbortTx(ctx, tx, &rec, store.AbortThreadMismatch, ""); err != nil {
			return store.Stream{}, err
		}
		return store.Stream{}, ErrThreadMismatch
	}
	return rec, nil
}

// Heartbeat proves the handler holding lockID is alive. Stale or competing
// callers abort the stream and receive an error. Refreshes the persistent
// heartbeat and lock timeout at most every TimeoutInterval/4.
func (m *Manager) Heartbeat(ctx context.Context, streamID store.StreamID, lockID string) error {
	return m.store.RunTx(ctx, func(tx store.Tx) error {
		rec, err := m.validateWriter(ctx, tx, streamID, lockID)
		if err != nil {
			return err
		}
		now := m.nowMillis()
		if now-rec.LastHeartbeat < m.cfg.TimeoutInterval.Milliseconds()/4 {
			return nil
		}
		if rec.TimeoutFnID != "" {
			if err := m.sched.Cancel(ctx, rec.TimeoutFnID); err != nil {
				return err
			}
		}
		timeoutID, err := m.sched.RunAfter(ctx, m.cfg.TimeoutInterval, HandleTimeout, streamArgs{StreamID: streamID})
		if err != nil {
			return err
		}
		rec.LastHeartbeat = now
		rec.TimeoutFnID = timeoutID
		return tx.UpdateStream(rec)
	})
}

// Finish transitions a streaming stream to finished and schedules cleanup.
// Idempotent on terminal streams.
func (m *Manager) Finish(ctx context.Context, streamID store.StreamID) error {
	return m.store.RunTx(ctx, func(tx store.Tx) error {
		rec, err := tx.GetStream(streamID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		return m.FinishTx(ctx, tx, &rec)
	})
}

// FinishTx is Finish inside the caller's transaction.
func (m *Manager) FinishTx(ctx context.Context, tx store.Tx, rec *store.Stream) error {
	if rec.State.Terminal() {
		return nil
	}
	if rec.TimeoutFnID != "" {
		if err := m.sched.Cancel(ctx, rec.TimeoutFnID); err != nil {
			return err
		}
	}
	cleanupID, err := m.sched.RunAfter(ctx, m.cfg.DeleteStreamDelay, HandleDelete, streamArgs{StreamID: rec.ID})
	if err != nil {
		return err
	}
	rec.State = store.StreamFinished
	rec.EndedAt = m.nowMillis()
	rec.CleanupFnID = cleanupID
	rec.LockID = ""
	rec.TimeoutFnID = ""
	return tx.UpdateStream(*rec)
}

// Abort transitions a non-terminal stream to aborted with the given reason.
// Idempotent on terminal streams.
func (m *Manager) Abort(ctx context.Context, streamID store.StreamID, reason store.AbortReason, detail string) error {
	return m.store.RunTx(ctx, func(tx store.Tx) error {
		rec, err := tx.GetStream(streamID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		return m.AbortTx(ctx, tx, &rec, reason, detail)
	})
}

// AbortTx is Abort inside the caller's transaction.
func (m *Manager) AbortTx(ctx context.Context, tx store.Tx, rec *store.Stream, reason store.AbortReason, detail string) error {
	if rec.State.Terminal() {
		return nil
	}
	if rec.TimeoutFnID != "" {
		if err := m.sched.Cancel(ctx, rec.TimeoutFnID); err != nil {
			return err
		}
	}
	cleanupID, err := m.sched.RunAfter(ctx, m.cfg.DeleteStreamDelay, HandleDelete, streamArgs{StreamID: rec.ID})
	if err != nil {
		return err
	}
	rec.State = store.StreamAborted
	rec.EndedAt = m.nowMillis()
	rec.CleanupFnID = cleanupID
	rec.Reason = reason
	rec.ReasonDetail = detail
	rec.LockID = ""
	rec.TimeoutFnID = ""
	m.metrics.IncCounter("loom_streams_aborted", 1, "reason", string(reason))
	return tx.UpdateStream(*rec)
}

// CancelInactiveTx aborts every non-terminal stream of the thread other than
// activeID as superseded.
func (m *Manager) CancelInactiveTx(ctx context.Context, tx store.Tx, threadID store.ThreadID, activeID store.StreamID) error {
	recs, err := tx.ListStreamsByThread(threadID)
	if err != nil {
		return err
	}
	for i := range recs {
		rec := recs[i]
		if rec.ID == activeID || rec.State.Terminal() {
			continue
		}
		if err := m.AbortTx(ctx, tx, &rec, store.AbortSuperseded, ""); err != nil {
			return err
		}
	}
	return nil
}

// IsAlive reports whether the stream is streaming with a fresh heartbeat.
func (m *Manager) IsAlive(rec store.Stream) bool {
	if rec.State != store.StreamStreaming {
		return false
	}
	return m.nowMillis()-rec.LastHeartbeat < m.cfg.LivenessThreshold.Milliseconds()
}

// AppendOutcomeTx writes a tool outcome part as a delta on the thread's most
// recent stream, inside the caller's transaction. Outcome deltas are written
// by the tool-call manager after the turn's handler released the lock, so this
// path is fenced by the transaction rather than the lock id. Returns the
// committed delta for post-commit publication; ok is false when the thread has
// no streams left.
func (m *Manager) AppendOutcomeTx(tx store.Tx, threadID store.ThreadID, msgID store.MessageID, p part.Part) (store.Delta, bool, error) {
	recs, err := tx.ListStreamsByThread(threadID)
	if err != nil {
		return store.Delta{}, false, err
	}
	if len(recs) == 0 {
		return store.Delta{}, false, nil
	}
	rec := recs[len(recs)-1]
	d := store.Delta{
		StreamID:  rec.ID,
		Seq:       rec.NextDeltaSeq,
		MessageID: msgID,
		Parts:     []part.Part{p},
		CreatedAt: m.nowMillis(),
	}
	if err := tx.InsertDelta(d); err != nil {
		return store.Delta{}, false, err
	}
	rec.NextDeltaSeq++
	if err := tx.UpdateStream(rec); err != nil {
		return store.Delta{}, false, err
	}
	return d, true, nil
}

// Publish forwards a committed delta to the live sink, best-effort.
func (m *Manager) Publish(ctx context.Context, threadID store.ThreadID, d store.Delta) {
	m.publish(ctx, threadID, d)
}

func (m *Manager) publish(ctx context.Context, threadID store.ThreadID, d store.Delta) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Publish(ctx, threadID, d); err != nil {
		m.logger.Warn(ctx, "delta sink publish failed",
			"thread_id", threadID, "stream_id", d.StreamID, "delta_seq", d.Seq, "err", err)
	}
}

// TimeoutStream aborts the stream if it is still streaming. Scheduled at
// take/heartbeat time; a live handler keeps pushing the timeout forward.
func (m *Manager) TimeoutStream(ctx context.Context, streamID store.StreamID) error {
	return m.store.RunTx(ctx, func(tx store.Tx) error {
		rec, err := tx.GetStream(streamID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if rec.State != store.StreamStreaming {
			return nil
		}
		return m.AbortTx(ctx, tx, &rec, store.AbortTimeout, "")
	})
}

// DeleteStreamAsync incrementally deletes the stream's deltas in batches and
// removes the stream record once drained. Reschedules itself while deltas
// remain.
func (m *Manager) DeleteStreamAsync(ctx context.Context, streamID store.StreamID) error {
	done := false
	err := m.store.RunTx(ctx, func(tx store.Tx) error {
		n, err := tx.DeleteDeltas(streamID, m.cfg.DeleteBatchSize)
		if err != nil {
			return err
		}
		if n == m.cfg.DeleteBatchSize {
			return nil
		}
		rec, err := tx.GetStream(streamID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				done = true
				return nil
			}
			return err
		}
		if rec.CleanupFnID != "" {
			if err := m.sched.Cancel(ctx, rec.CleanupFnID); err != nil {
				return err
			}
		}
		done = true
		return tx.DeleteStream(streamID)
	})
	if err != nil {
		return err
	}
	if !done {
		_, err = m.sched.RunAfter(ctx, 0, HandleDelete, streamArgs{StreamID: streamID})
	}
	return err
}

type streamArgs struct {
	StreamID store.StreamID `json:"streamId"`
}

func scheduledStreamFunc(fn func(context.Context, store.StreamID) error) store.Func {
	return func(ctx context.Context, raw json.RawMessage) error {
		var args streamArgs
		if err := unmarshalArgs(raw, &args); err != nil {
			return err
		}
		return fn(ctx, args.StreamID)
	}
}
