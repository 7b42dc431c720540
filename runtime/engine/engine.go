// Package engine assembles the orchestrator. One constructor wires the store,
// the managers and the model client together, registers every dispatcher
// handle, and exposes the public thread API plus the periodic recovery sweep.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/part"
	"goa.design/loom/runtime/streams"
	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/runtime/threads"
	"goa.design/loom/runtime/toolcalls"
	"goa.design/loom/runtime/tools"
	"goa.design/loom/runtime/turn"
	"goa.design/loom/store"
)

// Config groups the tuning of every component. Zero values resolve to the
// documented defaults; ContinueHandle and StreamFnHandle are engine-owned and
// ignored if set.
type Config struct {
	// Streams carries the stream timing constants.
	Streams streams.Config
	// ToolCalls carries the tool call constants.
	ToolCalls toolcalls.Config
	// Turn carries the stream handler tuning.
	Turn turn.Config
	// WorkpoolHandle optionally routes action enqueues through a bounded pool
	// registered by the application.
	WorkpoolHandle string
	// ToolWorkpoolHandle optionally routes tool executions through a pool.
	ToolWorkpoolHandle string
	// RecoveryInterval is the period of the stalled-thread sweep (default 1m).
	RecoveryInterval time.Duration
	// RecoverBatch bounds one recovery sweep (default 100).
	RecoverBatch int
	// ResumeBatch bounds one pending-tool-call resume sweep (default 100).
	ResumeBatch int
}

func (c Config) withDefaults() Config {
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = time.Minute
	}
	if c.RecoverBatch <= 0 {
		c.RecoverBatch = 100
	}
	if c.ResumeBatch <= 0 {
		c.ResumeBatch = 100
	}
	return c
}

// Engine is the assembled orchestrator.
type Engine struct {
	store    store.Store
	clock    store.Clock
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	tracer   telemetry.Tracer
	hooks    *hooks.Callbacks
	sink     streams.DeltaSink
	registry *tools.Registry

	streams   *streams.Manager
	toolcalls *toolcalls.Manager
	threads   *threads.Orchestrator
	turn      *turn.Handler

	cfg Config
}

// Options configures the engine. Store, Dispatcher and Model are required.
type Options struct {
	Store store.Store
	// Dispatcher receives every scheduled-action handle at construction.
	Dispatcher store.Dispatcher
	Model      model.Client
	Config     Config
}

// Option tunes optional engine settings.
type Option func(*Engine)

// WithLogger sets the logger shared by every component.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder shared by every component.
func WithMetrics(mt telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = mt }
}

// WithTracer sets the turn handler tracer.
func WithTracer(tr telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = tr }
}

// WithClock substitutes the time source (tests).
func WithClock(c store.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithCallbacks attaches the user hook bundle.
func WithCallbacks(cb *hooks.Callbacks) Option {
	return func(e *Engine) { e.hooks = cb }
}

// WithDeltaSink attaches a live delta fan-out sink.
func WithDeltaSink(s streams.DeltaSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithTools registers tool definitions at construction. Registration errors
// surface from New.
func WithTools(defs ...tools.Definition) Option {
	return func(e *Engine) {
		for _, def := range defs {
			e.registry.MustRegister(def)
		}
	}
}

// New wires the full orchestrator and registers its dispatcher handles.
func New(opts Options, optFns ...Option) (e *Engine, err error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("engine: store is required")
	case opts.Dispatcher == nil:
		return nil, errors.New("engine: dispatcher is required")
	case opts.Model == nil:
		return nil, errors.New("engine: model client is required")
	}
	e = &Engine{
		store:    opts.Store,
		clock:    time.Now,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		tracer:   telemetry.NewNoopTracer(),
		hooks:    &hooks.Callbacks{},
		registry: tools.NewRegistry(),
		cfg:      opts.Config.withDefaults(),
	}
	// WithTools registers through MustRegister; report the panic as an error.
	defer func() {
		if r := recover(); r != nil {
			e = nil
			if rerr, ok := r.(error); ok {
				err = rerr
				return
			}
			panic(r)
		}
	}()
	for _, o := range optFns {
		if o != nil {
			o(e)
		}
	}

	e.streams, err = streams.New(
		streams.Options{Store: opts.Store, Config: e.cfg.Streams},
		streams.WithLogger(e.logger),
		streams.WithMetrics(e.metrics),
		streams.WithClock(e.clock),
		streams.WithDeltaSink(e.sink),
	)
	if err != nil {
		return nil, err
	}

	tcCfg := e.cfg.ToolCalls
	tcCfg.ContinueHandle = threads.HandleContinue
	e.toolcalls, err = toolcalls.New(
		toolcalls.Options{Store: opts.Store, Registry: e.registry, Streams: e.streams, Config: tcCfg},
		toolcalls.WithLogger(e.logger),
		toolcalls.WithMetrics(e.metrics),
		toolcalls.WithClock(e.clock),
		toolcalls.WithCallbacks(e.hooks),
	)
	if err != nil {
		return nil, err
	}

	e.threads, err = threads.New(
		threads.Options{Store: opts.Store, Streams: e.streams, Config: threads.Config{
			StreamFnHandle:     turn.HandleStream,
			WorkpoolHandle:     e.cfg.WorkpoolHandle,
			ToolWorkpoolHandle: e.cfg.ToolWorkpoolHandle,
			RecoverBatch:       e.cfg.RecoverBatch,
		}},
		threads.WithLogger(e.logger),
		threads.WithMetrics(e.metrics),
		threads.WithClock(e.clock),
		threads.WithCallbacks(e.hooks),
	)
	if err != nil {
		return nil, err
	}

	e.turn, err = turn.New(
		turn.Options{
			Store:     opts.Store,
			Streams:   e.streams,
			ToolCalls: e.toolcalls,
			Threads:   e.threads,
			Model:     opts.Model,
			Registry:  e.registry,
			Config:    e.cfg.Turn,
		},
		turn.WithLogger(e.logger),
		turn.WithMetrics(e.metrics),
		turn.WithTracer(e.tracer),
		turn.WithClock(e.clock),
		turn.WithCallbacks(e.hooks),
	)
	if err != nil {
		return nil, err
	}

	e.streams.RegisterHandles(opts.Dispatcher)
	e.toolcalls.RegisterHandles(opts.Dispatcher)
	e.threads.RegisterHandles(opts.Dispatcher)
	e.turn.RegisterHandles(opts.Dispatcher)
	return e, nil
}

// RegisterTool adds a tool definition after construction.
func (e *Engine) RegisterTool(def tools.Definition) error {
	return e.registry.Register(def)
}

// Tools returns the tool registry.
func (e *Engine) Tools() *tools.Registry { return e.registry }

// CreateThread creates a thread, optionally seeding history and starting the
// first turn.
func (e *Engine) CreateThread(ctx context.Context, opts threads.CreateOptions) (store.ThreadID, error) {
	return e.threads.CreateThread(ctx, opts)
}

// SendMessage appends a user prompt and starts the next turn.
func (e *Engine) SendMessage(ctx context.Context, threadID store.ThreadID, prompt string) error {
	return e.threads.SendMessage(ctx, threadID, prompt)
}

// ResumeThread restarts a thread, optionally with a new prompt.
func (e *Engine) ResumeThread(ctx context.Context, threadID store.ThreadID, prompt string) error {
	return e.threads.ResumeThread(ctx, threadID, prompt)
}

// StopThread requests cooperative cancellation.
func (e *Engine) StopThread(ctx context.Context, threadID store.ThreadID) error {
	return e.threads.StopThread(ctx, threadID)
}

// DeleteThread removes a thread and everything it owns.
func (e *Engine) DeleteThread(ctx context.Context, threadID store.ThreadID) error {
	return e.threads.DeleteThread(ctx, threadID)
}

// AddMessage appends a message without starting a turn.
func (e *Engine) AddMessage(ctx context.Context, threadID store.ThreadID, role store.Role, parts []part.Part) error {
	return e.threads.AddMessage(ctx, threadID, role, parts)
}

// GetThread loads a thread record.
func (e *Engine) GetThread(ctx context.Context, threadID store.ThreadID) (store.Thread, error) {
	return e.threads.GetThread(ctx, threadID)
}

// ListThreads returns threads newest-first, up to limit (0 means all).
func (e *Engine) ListThreads(ctx context.Context, limit int) ([]store.Thread, error) {
	return e.threads.ListThreads(ctx, limit)
}

// ListMessages returns the thread's messages in insertion order.
func (e *Engine) ListMessages(ctx context.Context, threadID store.ThreadID) ([]store.Message, error) {
	return e.threads.ListMessages(ctx, threadID)
}

// StreamingUpdates returns the thread's delta batches with stream seq >=
// fromSeq plus the cursor to poll from next.
func (e *Engine) StreamingUpdates(ctx context.Context, threadID store.ThreadID, fromSeq int64) ([]streams.Update, int64, error) {
	return e.streams.StreamingUpdates(ctx, threadID, fromSeq)
}

// AddToolResult ingests an async tool result. Idempotent.
func (e *Engine) AddToolResult(ctx context.Context, threadID store.ThreadID, toolCallID string, result any) error {
	return e.toolcalls.AddToolResult(ctx, threadID, toolCallID, result)
}

// AddToolError ingests an async tool failure. Idempotent.
func (e *Engine) AddToolError(ctx context.Context, threadID store.ThreadID, toolCallID string, msg string) error {
	return e.toolcalls.AddToolError(ctx, threadID, toolCallID, msg)
}

// RecoverOnce runs one recovery sweep: stalled threads re-enter the
// continuation decision and pending sync tool calls are re-enqueued. Returns
// how many of each were touched.
func (e *Engine) RecoverOnce(ctx context.Context) (stalled, resumed int, err error) {
	stalled, err = e.threads.RecoverStalled(ctx)
	if err != nil {
		return stalled, 0, err
	}
	resumed, err = e.toolcalls.ResumePendingSync(ctx, e.cfg.ResumeBatch)
	return stalled, resumed, err
}

// StartRecovery launches the periodic recovery sweep. The returned stop
// function cancels it and waits for the in-flight sweep.
func (e *Engine) StartRecovery(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.cfg.RecoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stalled, resumed, err := e.RecoverOnce(ctx)
				if err != nil {
					e.logger.Error(ctx, "recovery sweep failed", "err", err)
					continue
				}
				if stalled > 0 || resumed > 0 {
					e.logger.Info(ctx, "recovery sweep", "stalled", stalled, "resumed", resumed)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// MarshalWorkItem builds the envelope a workpool handler must unwrap: the
// application registers its pool handle with a function that decodes the item
// and dispatches item.Action with item.Args.
func MarshalWorkItem(action string, args any) (store.WorkItem, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return store.WorkItem{}, err
	}
	return store.WorkItem{Action: action, Args: raw}, nil
}
