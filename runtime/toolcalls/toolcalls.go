// Package toolcalls owns the tool call lifecycle: persistence, sync execution
// with per-tool retry, async callback notification, timeouts, and the turn
// continuation gate. A tool call transitions pending to terminal at most once;
// every terminal transition re-evaluates whether the thread's turn should
// continue.
package toolcalls

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/retry"
	"goa.design/loom/runtime/streams"
	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/runtime/tools"
	"goa.design/loom/store"
)

// Dispatcher handles owned by the tool-call manager.
const (
	// HandleExecute runs a synchronous tool call.
	HandleExecute = "toolcalls/execute"
	// HandleNotify delivers an async tool callback notification.
	HandleNotify = "toolcalls/notify"
	// HandleTimeout fails a tool call that outlived its deadline.
	HandleTimeout = "toolcalls/timeout"
)

// ErrDuplicate reports a create for an already recorded (thread, toolCallId).
var ErrDuplicate = errors.New("toolcalls: tool call already exists")

// Config carries the tool call constants. Zero values use the defaults.
type Config struct {
	// Timeout is the default per-call deadline (default 30m).
	Timeout time.Duration
	// CallbackMaxAttempts bounds async notification attempts (default 3).
	CallbackMaxAttempts int
	// CallbackBackoff delays notification retries (default exponential 5s).
	CallbackBackoff retry.Backoff
	// ContinueHandle is the dispatcher handle that resumes a thread's turn
	// once its last pending tool call settles. Required.
	ContinueHandle string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.CallbackMaxAttempts <= 0 {
		c.CallbackMaxAttempts = 3
	}
	if c.CallbackBackoff.InitialMs == 0 && c.CallbackBackoff.DelayMs == 0 {
		c.CallbackBackoff = retry.DefaultCallbackBackoff()
	}
	return c
}

// Manager owns tool call records.
type Manager struct {
	store    store.Store
	sched    store.Scheduler
	clock    store.Clock
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	registry *tools.Registry
	streams  *streams.Manager
	hooks    *hooks.Callbacks
	cfg      Config
}

// Options configures the manager. Store, Registry, Streams and
// Config.ContinueHandle are required.
type Options struct {
	Store    store.Store
	Registry *tools.Registry
	Streams  *streams.Manager
	Config   Config
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

// WithCallbacks attaches the user hook bundle.
func WithCallbacks(cb *hooks.Callbacks) Option {
	return func(m *Manager) { m.hooks = cb }
}

// New constructs a tool-call manager.
func New(opts Options, optFns ...Option) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("toolcalls: store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("toolcalls: registry is required")
	}
	if opts.Streams == nil {
		return nil, errors.New("toolcalls: stream manager is required")
	}
	if opts.Config.ContinueHandle == "" {
		return nil, errors.New("toolcalls: continue handle is required")
	}
	m := &Manager{
		store:    opts.Store,
		sched:    opts.Store.Scheduler(),
		clock:    time.Now,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		registry: opts.Registry,
		streams:  opts.Streams,
		hooks:    &hooks.Callbacks{},
		cfg:      opts.Config.withDefaults(),
	}
	for _, o := range optFns {
		if o != nil {
			o(m)
		}
	}
	return m, nil
}

// RegisterHandles binds the manager's scheduled entry points.
func (m *Manager) RegisterHandles(d store.Dispatcher) {
	d.Register(HandleExecute, func(ctx context.Context, raw json.RawMessage) error {
		var args recordArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return err
		}
		return m.ExecuteToolCall(ctx, args.ID)
	})
	d.Register(HandleNotify, func(ctx context.Context, raw json.RawMessage) error {
		var args recordArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return err
		}
		return m.ExecuteAsyncCallback(ctx, args.ID)
	})
	d.Register(HandleTimeout, func(ctx context.Context, raw json.RawMessage) error {
		var args timeoutArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return err
		}
		return m.FailPending(ctx, args.ThreadID, args.ToolCallID)
	})
}

func (m *Manager) nowMillis() int64 { return m.clock().UnixMilli() }

type recordArgs struct {
	ID store.ToolCallRecordID `json:"id"`
}

type timeoutArgs struct {
	ThreadID   store.ThreadID `json:"threadId"`
	ToolCallID string         `json:"toolCallId"`
}

type continueArgs struct {
	ThreadID store.ThreadID `json:"threadId"`
}

// CreateTx inserts a pending tool call for def inside the caller's
// transaction and schedules its timeout. Returns ErrDuplicate when the
// (thread, toolCallId) pair is already recorded.
func (m *Manager) CreateTx(ctx context.Context, tx store.Tx, thread store.Thread, msgID store.MessageID, toolCallID string, def *tools.Compiled, args json.RawMessage) (store.ToolCall, error) {
	now := m.nowMillis()
	rec := store.ToolCall{
		ID:         store.ToolCallRecordID(uuid.NewString()),
		ThreadID:   thread.ID,
		MessageID:  msgID,
		ToolCallID: toolCallID,
		ToolName:   def.Name,
		Args:       args,
		Status:     store.ToolCallPending,
		Async:      def.Async(),
		SaveDelta:  def.SaveDelta == nil || *def.SaveDelta,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	timeout := m.cfg.Timeout
	if def.TimeoutMs != nil {
		timeout = time.Duration(*def.TimeoutMs) * time.Millisecond
	}
	if timeout > 0 {
		ms := timeout.Milliseconds()
		rec.TimeoutMs = &ms
		rec.ExpiresAt = now + ms
	}
	if def.Retry != nil && def.Retry.Enabled {
		max := def.Retry.MaxAttempts
		if max <= 0 {
			max = retry.DefaultMaxAttempts
		}
		policy := def.Retry.Backoff
		if policy.InitialMs == 0 && policy.DelayMs == 0 {
			policy = retry.DefaultToolBackoff()
		}
		rec.ExecutionMaxAttempts = max
		rec.ExecutionRetryPolicy = &policy
	}
	if err := tx.InsertToolCall(rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.ToolCall{}, ErrDuplicate
		}
		return store.ToolCall{}, err
	}
	if rec.ExpiresAt > 0 {
		id, err := m.sched.RunAfter(ctx, timeout, HandleTimeout,
			timeoutArgs{ThreadID: thread.ID, ToolCallID: toolCallID})
		if err != nil {
			return store.ToolCall{}, err
		}
		rec.TimeoutFnID = id
		if err := tx.UpdateToolCall(rec); err != nil {
			return store.ToolCall{}, err
		}
	}
	return rec, nil
}

// Schedule enqueues the call's execution or callback notification. Sync calls
// route through the thread's tool workpool if configured, else the general
// workpool, else the scheduler directly.
func (m *Manager) Schedule(ctx context.Context, thread store.Thread, rec store.ToolCall) error {
	if rec.Async {
		_, err := m.sched.RunAfter(ctx, 0, HandleNotify, recordArgs{ID: rec.ID})
		return err
	}
	return m.enqueueExecute(ctx, thread, rec.ID, 0)
}

func (m *Manager) enqueueExecute(ctx context.Context, thread store.Thread, id store.ToolCallRecordID, delay time.Duration) error {
	pool := thread.ToolWorkpoolHandle
	if pool == "" {
		pool = thread.WorkpoolHandle
	}
	if pool != "" && delay == 0 {
		raw, err := json.Marshal(recordArgs{ID: id})
		if err != nil {
			return err
		}
		_, err = m.sched.RunAfter(ctx, 0, pool, store.WorkItem{Action: HandleExecute, Args: raw})
		return err
	}
	_, err := m.sched.RunAfter(ctx, delay, HandleExecute, recordArgs{ID: id})
	return err
}

// enqueueContinue resumes the thread's turn once its tool calls settled.
func (m *Manager) enqueueContinue(ctx context.Context, thread store.Thread) error {
	if thread.WorkpoolHandle != "" {
		raw, err := json.Marshal(continueArgs{ThreadID: thread.ID})
		if err != nil {
			return err
		}
		_, err = m.sched.RunAfter(ctx, 0, thread.WorkpoolHandle, store.WorkItem{Action: m.cfg.ContinueHandle, Args: raw})
		return err
	}
	_, err := m.sched.RunAfter(ctx, 0, m.cfg.ContinueHandle, continueArgs{ThreadID: thread.ID})
	return err
}
