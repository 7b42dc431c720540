// Package threads implements the thread orchestrator: it accepts user intents,
// owns the thread state machine and drives turns by allocating streams and
// enqueueing the stream handler. All state transitions run as single store
// transactions.
package threads

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/part"
	"goa.design/loom/runtime/streams"
	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/store"
)

// Dispatcher handles owned by the orchestrator.
const (
	// HandleContinue re-enters the turn decision procedure for a thread.
	HandleContinue = "threads/continue_stream"
	// HandleRetry fires a scheduled stream retry.
	HandleRetry = "threads/retry"
)

// Sentinel errors of the orchestrator surface.
var (
	// ErrRetryScheduled reports user input while a retry is pending.
	ErrRetryScheduled = errors.New("threads: a retry is scheduled for this thread")
	// ErrNotResumable reports a resume of a thread that is not idle.
	ErrNotResumable = errors.New("threads: thread is not resumable")
)

// Config carries the orchestrator wiring. StreamFnHandle is required.
type Config struct {
	// StreamFnHandle is the dispatcher handle of the stream handler action.
	StreamFnHandle string
	// WorkpoolHandle optionally routes action enqueues through a bounded pool.
	WorkpoolHandle string
	// ToolWorkpoolHandle optionally routes tool executions through a pool.
	ToolWorkpoolHandle string
	// RecoverBatch bounds one recovery sweep (default 100).
	RecoverBatch int
}

func (c Config) withDefaults() Config {
	if c.RecoverBatch <= 0 {
		c.RecoverBatch = 100
	}
	return c
}

// Orchestrator owns thread records and the turn decision procedure.
type Orchestrator struct {
	store   store.Store
	sched   store.Scheduler
	clock   store.Clock
	logger  telemetry.Logger
	metrics telemetry.Metrics
	streams *streams.Manager
	hooks   *hooks.Callbacks
	cfg     Config

	// finalize mismatch accounting, per thread over a sliding window.
	mismatchMu sync.Mutex
	mismatches map[store.ThreadID][]time.Time
}

// Options configures the orchestrator. Store, Streams and Config.StreamFnHandle
// are required.
type Options struct {
	Store   store.Store
	Streams *streams.Manager
	Config  Config
}

// Option tunes optional orchestrator settings.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the orchestrator metrics recorder.
func WithMetrics(mt telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = mt }
}

// WithClock substitutes the time source (tests).
func WithClock(c store.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithCallbacks attaches the user hook bundle.
func WithCallbacks(cb *hooks.Callbacks) Option {
	return func(o *Orchestrator) { o.hooks = cb }
}

// New constructs a thread orchestrator.
func New(opts Options, optFns ...Option) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("threads: store is required")
	}
	if opts.Streams == nil {
		return nil, errors.New("threads: stream manager is required")
	}
	if opts.Config.StreamFnHandle == "" {
		return nil, errors.New("threads: stream handler handle is required")
	}
	o := &Orchestrator{
		store:      opts.Store,
		sched:      opts.Store.Scheduler(),
		clock:      time.Now,
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		streams:    opts.Streams,
		hooks:      &hooks.Callbacks{},
		cfg:        opts.Config.withDefaults(),
		mismatches: make(map[store.ThreadID][]time.Time),
	}
	for _, opt := range optFns {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// RegisterHandles binds the orchestrator's scheduled entry points.
func (o *Orchestrator) RegisterHandles(d store.Dispatcher) {
	d.Register(HandleContinue, func(ctx context.Context, raw json.RawMessage) error {
		var args threadArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return err
		}
		return o.ContinueStream(ctx, args.ThreadID)
	})
	d.Register(HandleRetry, func(ctx context.Context, raw json.RawMessage) error {
		var args threadArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return err
		}
		return o.fireRetry(ctx, args.ThreadID)
	})
}

func (o *Orchestrator) nowMillis() int64 { return o.clock().UnixMilli() }

type threadArgs struct {
	ThreadID store.ThreadID `json:"threadId"`
}

// streamFnArgs is the stream handler input envelope.
type streamFnArgs struct {
	ThreadID store.ThreadID `json:"threadId"`
	StreamID store.StreamID `json:"streamId"`
}

// CreateOptions configures thread creation.
type CreateOptions struct {
	// Prompt optionally seeds the thread with a user message.
	Prompt string
	// InitialMessages optionally seeds the history (system prompts, imported
	// context). Appended before Prompt.
	InitialMessages []SeedMessage
	// AutoStart forces or suppresses the first turn. Defaults to starting
	// iff Prompt is set.
	AutoStart *bool
}

// SeedMessage is a role plus parts pair appended at creation.
type SeedMessage struct {
	Role  store.Role
	Parts []part.Part
}

// CreateThread inserts a new idle thread, optionally seeds its history and
// starts the first turn.
func (o *Orchestrator) CreateThread(ctx context.Context, opts CreateOptions) (store.ThreadID, error) {
	now := o.nowMillis()
	thread := store.Thread{
		ID:                 store.ThreadID(uuid.NewString()),
		Status:             store.ThreadCompleted,
		StreamFnHandle:     o.cfg.StreamFnHandle,
		WorkpoolHandle:     o.cfg.WorkpoolHandle,
		ToolWorkpoolHandle: o.cfg.ToolWorkpoolHandle,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err := o.store.RunTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertThread(thread); err != nil {
			return err
		}
		order := int64(0)
		for _, seed := range opts.InitialMessages {
			if err := o.insertMessageTx(tx, thread.ID, seed.Role, seed.Parts, order); err != nil {
				return err
			}
			order++
		}
		if opts.Prompt != "" {
			if err := o.insertMessageTx(tx, thread.ID, store.RoleUser, promptParts(opts.Prompt), order); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	start := opts.Prompt != ""
	if opts.AutoStart != nil {
		start = *opts.AutoStart
	}
	if start {
		if err := o.enqueueContinue(ctx, thread); err != nil {
			return "", err
		}
	}
	return thread.ID, nil
}

// SendMessage appends a user prompt and starts the next turn. Refused while a
// retry is scheduled.
func (o *Orchestrator) SendMessage(ctx context.Context, threadID store.ThreadID, prompt string) error {
	var thread store.Thread
	err := o.store.RunTx(ctx, func(tx store.Tx) error {
		var err error
		thread, err = tx.GetThread(threadID)
		if err != nil {
			return err
		}
		if thread.Retry != nil {
			return ErrRetryScheduled
		}
		msgs, err := tx.ListMessages(threadID)
		if err != nil {
			return err
		}
		if err := o.insertMessageTx(tx, threadID, store.RoleUser, promptParts(prompt), int64(len(msgs))); err != nil {
			return err
		}
		thread.StopSignal = false
		thread.UpdatedAt = o.nowMillis()
		return tx.UpdateThread(thread)
	})
	if err != nil {
		return err
	}
	return o.enqueueContinue(ctx, thread)
}

// ResumeThread restarts a thread, optionally with a new prompt. Without a
// prompt the thread must be idle.
func (o *Orchestrator) ResumeThread(ctx context.Context, threadID store.ThreadID, prompt string) error {
	var thread store.Thread
	err := o.store.RunTx(ctx, func(tx store.Tx) error {
		var err error
		thread, err = tx.GetThread(threadID)
		if err != nil {
			return err
		}
		if thread.Retry != nil {
			return ErrRetryScheduled
		}
		if prompt == "" && !thread.Status.Idle() {
			return ErrNotResumable
		}
		if prompt != "" {
			msgs, err := tx.ListMessages(threadID)
			if err != nil {
				return err
			}
			if err := o.insertMessageTx(tx, threadID, store.RoleUser, promptParts(prompt), int64(len(msgs))); err != nil {
				return err
			}
		}
		thread.StopSignal = false
		thread.UpdatedAt = o.nowMillis()
		return tx.UpdateThread(thread)
	})
	if err != nil {
		return err
	}
	return o.enqueueContinue(ctx, thread)
}

// StopThread requests cooperative cancellation. The active stream is aborted
// at the next observation point, not here.
func (o *Orchestrator) StopThread(ctx context.Context, threadID store.ThreadID) error {
	return o.store.RunTx(ctx, func(tx store.Tx) error {
		thread, err := tx.GetThread(threadID)
		if err != nil {
			return err
		}
		if thread.Retry != nil && thread.Retry.RetryFnID != "" {
			if err := o.sched.Cancel(ctx, thread.Retry.RetryFnID); err != nil {
				return err
			}
		}
		thread.StopSignal = true
		thread.Retry = nil
		thread.UpdatedAt = o.nowMillis()
		return tx.UpdateThread(thread)
	})
}

// DeleteThread removes the thread and everything it owns: messages, tool
// calls, streams, deltas, and their scheduled functions.
func (o *Orchestrator) DeleteThread(ctx context.Context, threadID store.ThreadID) error {
	return o.store.RunTx(ctx, func(tx store.Tx) error {
		thread, err := tx.GetThread(threadID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if thread.Retry != nil && thread.Retry.RetryFnID != "" {
			if err := o.sched.Cancel(ctx, thread.Retry.RetryFnID); err != nil {
				return err
			}
		}
		recs, err := tx.ListStreamsByThread(threadID)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			for _, id := range []store.ScheduledID{rec.TimeoutFnID, rec.CleanupFnID} {
				if id == "" {
					continue
				}
				if err := o.sched.Cancel(ctx, id); err != nil {
					return err
				}
			}
			if _, err := tx.DeleteDeltas(rec.ID, 0); err != nil {
				return err
			}
			if err := tx.DeleteStream(rec.ID); err != nil {
				return err
			}
		}
		calls, err := tx.ListToolCallsByThread(threadID)
		if err != nil {
			return err
		}
		for _, tc := range calls {
			for _, id := range []store.ScheduledID{tc.TimeoutFnID, tc.ExecutionRetryFnID} {
				if id == "" {
					continue
				}
				if err := o.sched.Cancel(ctx, id); err != nil {
					return err
				}
			}
		}
		if err := tx.DeleteToolCallsByThread(threadID); err != nil {
			return err
		}
		if err := tx.DeleteMessagesByThread(threadID); err != nil {
			return err
		}
		return tx.DeleteThread(threadID)
	})
}

// AddMessage appends a message without starting a turn.
func (o *Orchestrator) AddMessage(ctx context.Context, threadID store.ThreadID, role store.Role, parts []part.Part) error {
	return o.store.RunTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetThread(threadID); err != nil {
			return err
		}
		msgs, err := tx.ListMessages(threadID)
		if err != nil {
			return err
		}
		return o.insertMessageTx(tx, threadID, role, parts, int64(len(msgs)))
	})
}

// GetThread loads a thread record.
func (o *Orchestrator) GetThread(ctx context.Context, threadID store.ThreadID) (store.Thread, error) {
	var thread store.Thread
	err := o.store.RunTx(ctx, func(tx store.Tx) error {
		var err error
		thread, err = tx.GetThread(threadID)
		return err
	})
	return thread, err
}

// ListThreads returns threads newest-first, up to limit (0 means all).
func (o *Orchestrator) ListThreads(ctx context.Context, limit int) ([]store.Thread, error) {
	var threads []store.Thread
	err := o.store.RunTx(ctx, func(tx store.Tx) error {
		var err error
		threads, err = tx.ListThreads(limit)
		return err
	})
	return threads, err
}

// ListMessages returns the thread's messages in insertion order.
func (o *Orchestrator) ListMessages(ctx context.Context, threadID store.ThreadID) ([]store.Message, error) {
	var msgs []store.Message
	err := o.store.RunTx(ctx, func(tx store.Tx) error {
		var err error
		msgs, err = tx.ListMessages(threadID)
		return err
	})
	return msgs, err
}

func (o *Orchestrator) insertMessageTx(tx store.Tx, threadID store.ThreadID, role store.Role, parts []part.Part, order int64) error {
	return tx.InsertMessage(store.Message{
		ID:        store.MessageID(uuid.NewString()),
		ThreadID:  threadID,
		Role:      role,
		Parts:     part.CloneAll(parts),
		Order:     order,
		CreatedAt: o.nowMillis(),
	})
}

func promptParts(prompt string) []part.Part {
	return []part.Part{part.Text(uuid.NewString(), prompt)}
}

// enqueueContinue schedules the continuation decision, via the thread's
// workpool when configured.
func (o *Orchestrator) enqueueContinue(ctx context.Context, thread store.Thread) error {
	if thread.WorkpoolHandle != "" {
		raw, err := json.Marshal(threadArgs{ThreadID: thread.ID})
		if err != nil {
			return err
		}
		_, err = o.sched.RunAfter(ctx, 0, thread.WorkpoolHandle, store.WorkItem{Action: HandleContinue, Args: raw})
		return err
	}
	_, err := o.sched.RunAfter(ctx, 0, HandleContinue, threadArgs{ThreadID: thread.ID})
	return err
}

// fireRetry is the scheduled retry entry: it consumes the retry function id
// and re-enters the continuation decision.
func (o *Orchestrator) fireRetry(ctx context.Context, threadID store.ThreadID) error {
	err := o.store.RunTx(ctx, func(tx store.Tx) error {
		thread, err := tx.GetThread(threadID)
		if err != nil {
			return err
		}
		if thread.Retry != nil {
			thread.Retry.RetryFnID = ""
			thread.UpdatedAt = o.nowMillis()
			return tx.UpdateThread(thread)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return o.ContinueStream(ctx, threadID)
}
