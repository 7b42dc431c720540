// Package turn implements the stream handler: one invocation executes one LLM
// turn end to end under the stream's exclusive lock. The handler relays model
// parts into the delta log, schedules tool calls as their inputs arrive,
// persists the assistant message, classifies failures for retry and finalizes
// the thread exactly once.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/part"
	"goa.design/loom/runtime/retry"
	"goa.design/loom/runtime/streams"
	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/runtime/threads"
	"goa.design/loom/runtime/toolcalls"
	"goa.design/loom/runtime/tools"
	"goa.design/loom/store"
)

// HandleStream is the dispatcher handle of the stream handler action.
const HandleStream = "turn/stream"

// Decision is a retry verdict for a failed turn.
type Decision struct {
	// Retry requests another attempt.
	Retry bool
	// DelayMs overrides the computed delay when set.
	DelayMs *int64
}

// ClassifyInput is handed to the user classifier alongside the default
// verdict.
type ClassifyInput struct {
	Attempt            int
	MaxAttempts        int
	ToolCallsScheduled int
	StreamPartCount    int
	Classification     retry.Classification
	Default            Decision
	Err                error
}

// Classify lets the application override retry decisions.
type Classify func(ctx context.Context, in ClassifyInput) Decision

// Config carries the turn handler tuning. Zero values use the defaults.
type Config struct {
	// Throttle bounds delta write frequency (default 250ms).
	Throttle time.Duration
	// HeartbeatInterval is the lock keep-alive period (default 10s, must stay
	// under the stream liveness threshold).
	HeartbeatInterval time.Duration
	// MaxAttempts bounds stream-scope retry attempts (default 3).
	MaxAttempts int
	// Backoff is the stream retry delay policy (default exponential
	// 250ms..4s).
	Backoff retry.Backoff
	// RetryAfterToolCalls permits retry even when the failed attempt already
	// scheduled tool calls.
	RetryAfterToolCalls bool
	// Classify optionally overrides retry decisions.
	Classify Classify
	// Transform optionally rewrites the model input before each turn.
	Transform model.TransformMessages
}

func (c Config) withDefaults() Config {
	if c.Throttle <= 0 {
		c.Throttle = 250 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = retry.DefaultMaxAttempts
	}
	if c.Backoff.InitialMs == 0 && c.Backoff.DelayMs == 0 {
		c.Backoff = retry.DefaultStreamBackoff()
	}
	return c
}

// Handler executes turns.
type Handler struct {
	store     store.Store
	sched     store.Scheduler
	clock     store.Clock
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	tracer    telemetry.Tracer
	streams   *streams.Manager
	toolcalls *toolcalls.Manager
	threads   *threads.Orchestrator
	model     model.Client
	registry  *tools.Registry
	hooks     *hooks.Callbacks
	cfg       Config
}

// Options configures the handler. All managers and the model client are
// required.
type Options struct {
	Store     store.Store
	Streams   *streams.Manager
	ToolCalls *toolcalls.Manager
	Threads   *threads.Orchestrator
	Model     model.Client
	Registry  *tools.Registry
	Config    Config
}

// Option tunes optional handler settings.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l telemetry.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithMetrics sets the handler metrics recorder.
func WithMetrics(mt telemetry.Metrics) Option {
	return func(h *Handler) { h.metrics = mt }
}

// WithTracer sets the handler tracer.
func WithTracer(tr telemetry.Tracer) Option {
	return func(h *Handler) { h.tracer = tr }
}

// WithClock substitutes the time source (tests).
func WithClock(c store.Clock) Option {
	return func(h *Handler) { h.clock = c }
}

// WithCallbacks attaches the user hook bundle.
func WithCallbacks(cb *hooks.Callbacks) Option {
	return func(h *Handler) { h.hooks = cb }
}

// New constructs a turn handler.
func New(opts Options, optFns ...Option) (*Handler, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("turn: store is required")
	case opts.Streams == nil:
		return nil, errors.New("turn: stream manager is required")
	case opts.ToolCalls == nil:
		return nil, errors.New("turn: tool-call manager is required")
	case opts.Threads == nil:
		return nil, errors.New("turn: thread orchestrator is required")
	case opts.Model == nil:
		return nil, errors.New("turn: model client is required")
	case opts.Registry == nil:
		return nil, errors.New("turn: tool registry is required")
	}
	h := &Handler{
		store:     opts.Store,
		sched:     opts.Store.Scheduler(),
		clock:     time.Now,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		tracer:    telemetry.NewNoopTracer(),
		streams:   opts.Streams,
		toolcalls: opts.ToolCalls,
		threads:   opts.Threads,
		model:     opts.Model,
		registry:  opts.Registry,
		hooks:     &hooks.Callbacks{},
		cfg:       opts.Config.withDefaults(),
	}
	for _, o := range optFns {
		if o != nil {
			o(h)
		}
	}
	return h, nil
}

// RegisterHandles binds the stream handler action.
func (h *Handler) RegisterHandles(d store.Dispatcher) {
	d.Register(HandleStream, func(ctx context.Context, raw json.RawMessage) error {
		var args struct {
			ThreadID store.ThreadID `json:"threadId"`
			StreamID store.StreamID `json:"streamId"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return err
		}
		return h.Run(ctx, args.ThreadID, args.StreamID)
	})
}

func (h *Handler) nowMillis() int64 { return h.clock().UnixMilli() }

// turnState accumulates one attempt's bookkeeping.
type turnState struct {
	threadID store.ThreadID
	stream   store.Stream
	lockID   string

	attempt     int
	maxAttempts int

	toolCallsScheduled int
	streamPartCount    int
	finishReason       string
	sawFinish          bool

	finalStatus *store.ThreadStatus
}

// Run executes one turn. A stream that cannot be taken (superseded, terminal,
// locked by a competing invocation) is skipped without effect.
func (h *Handler) Run(ctx context.Context, threadID store.ThreadID, streamID store.StreamID) error {
	ctx, span := h.tracer.Start(ctx, "loom.turn")
	defer span.End()

	lockID := streams.NewLockID()
	rec, err := h.streams.Take(ctx, threadID, streamID, lockID)
	if err != nil {
		h.logger.Info(ctx, "stream not takeable, skipping turn",
			"thread_id", threadID, "stream_id", streamID, "reason", err)
		return nil
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go h.heartbeatLoop(hbCtx, streamID, lockID)

	st := &turnState{threadID: threadID, stream: rec, lockID: lockID}
	started := h.clock()
	runErr := h.runAttempt(ctx, st)
	h.metrics.RecordTimer("loom_turn_duration", h.clock().Sub(started))

	if runErr != nil {
		span.RecordError(runErr)
		st.finalStatus, runErr = h.handleTurnError(ctx, st, runErr)
	}
	stopHeartbeat()

	cont, err := h.threads.FinalizeStreamTurn(ctx, threadID, streamID, st.finalStatus, rec.Seq)
	if err != nil {
		h.logger.Error(ctx, "finalize failed", "thread_id", threadID, "stream_id", streamID, "err", err)
	}
	if cont {
		if err := h.threads.ContinueStream(ctx, threadID); err != nil {
			h.logger.Error(ctx, "continue after finalize failed", "thread_id", threadID, "err", err)
		}
	}
	return runErr
}

func (h *Handler) heartbeatLoop(ctx context.Context, streamID store.StreamID, lockID string) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := h.streams.Heartbeat(ctx, streamID, lockID)
			if err == nil {
				continue
			}
			h.logger.Warn(ctx, "heartbeat failed", "stream_id", streamID, "err", err)
			if errors.Is(err, streams.ErrLockedByOther) ||
				errors.Is(err, streams.ErrThreadMismatch) ||
				errors.Is(err, streams.ErrNotStreaming) {
				return
			}
		}
	}
}

// assembled is an assistant message under construction from relayed parts.
type assembled struct {
	id    store.MessageID
	parts []part.Part
}

// runAttempt is the happy path of the turn protocol; any error it returns is
// routed through the retry classifier.
func (h *Handler) runAttempt(ctx context.Context, st *turnState) error {
	var thread store.Thread
	err := h.store.RunTx(ctx, func(tx store.Tx) error {
		var err error
		thread, err = tx.GetThread(st.threadID)
		return err
	})
	if err != nil {
		return err
	}
	st.attempt, st.maxAttempts = 1, h.cfg.MaxAttempts
	if thread.Retry != nil {
		st.attempt = thread.Retry.Attempt + 1
		if thread.Retry.MaxAttempts > 0 {
			st.maxAttempts = thread.Retry.MaxAttempts
		}
	}

	if err := h.applyToolOutcomes(ctx, st.threadID); err != nil {
		return err
	}
	msgs, err := h.threads.ListMessages(ctx, st.threadID)
	if err != nil {
		return err
	}
	input := toModelMessages(msgs)
	if h.cfg.Transform != nil {
		if input, err = h.cfg.Transform(ctx, input); err != nil {
			return err
		}
	}

	ps, err := h.model.Stream(ctx, model.Request{Messages: input, Tools: h.registry.Schemas()})
	if err != nil {
		return err
	}
	defer ps.Close()

	sm := newStreamer(h.streams, st.stream.ID, st.lockID, h.cfg.Throttle)
	var (
		messages []*assembled
		cur      *assembled
	)
	ensure := func(ctx context.Context) (*assembled, error) {
		if cur != nil {
			return cur, nil
		}
		cur = &assembled{id: store.MessageID(uuid.NewString())}
		messages = append(messages, cur)
		return cur, sm.setMessage(ctx, cur.id)
	}
	for ps.Next() {
		p := ps.Current()
		switch p.Type {
		case part.TypeStart:
			id := store.MessageID(p.MessageID)
			if id == "" {
				id = store.MessageID(uuid.NewString())
			}
			cur = &assembled{id: id}
			messages = append(messages, cur)
			if err := sm.setMessage(ctx, id); err != nil {
				return err
			}
		case part.TypeFinish:
			st.finishReason = p.FinishReason
			st.sawFinish = true
		case part.TypeError:
			return errors.New(p.ErrorText)
		case part.TypeToolInputAvailable:
			msg, err := ensure(ctx)
			if err != nil {
				return err
			}
			msg.parts = append(msg.parts, p)
			if err := sm.add(ctx, p); err != nil {
				return err
			}
			if err := h.scheduleToolCall(ctx, thread, msg.id, p); err != nil {
				return err
			}
			st.toolCallsScheduled++
		case part.TypeToolInputDelta:
			// Dropped by compaction; never persisted or counted.
			if err := sm.add(ctx, p); err != nil {
				return err
			}
		default:
			msg, err := ensure(ctx)
			if err != nil {
				return err
			}
			msg.parts = append(msg.parts, p)
			if err := sm.add(ctx, p); err != nil {
				return err
			}
			if p.Meaningful() {
				st.streamPartCount++
			}
		}
	}
	if err := ps.Err(); err != nil {
		return err
	}
	var usage *model.Usage
	if u, ok := ps.Usage(); ok {
		usage = &u
		h.metrics.RecordGauge("loom_turn_input_tokens", float64(u.InputTokens))
		h.metrics.RecordGauge("loom_turn_output_tokens", float64(u.OutputTokens))
	}

	if err := h.persistAssistantMessages(ctx, st, messages, usage); err != nil {
		return err
	}
	if err := h.applyToolOutcomes(ctx, st.threadID); err != nil {
		return err
	}

	switch {
	case st.toolCallsScheduled > 0:
		status := store.ThreadAwaitingToolResults
		st.finalStatus = &status
	case st.sawFinish && st.finishReason != "" && st.finishReason != part.FinishReasonToolCalls:
		status := store.ThreadCompleted
		st.finalStatus = &status
	default:
		return fmt.Errorf("model stream ended without a finish reason")
	}

	if err := sm.flush(ctx); err != nil {
		return err
	}
	if err := h.streams.Finish(ctx, st.stream.ID); err != nil {
		return err
	}
	if err := h.clearRetryState(ctx, st.threadID); err != nil {
		return err
	}

	if *st.finalStatus == store.ThreadCompleted {
		var msgID store.MessageID
		if len(messages) > 0 {
			msgID = messages[len(messages)-1].id
		}
		h.hooks.FireTurnComplete(ctx, hooks.TurnComplete{
			ThreadID:     st.threadID,
			StreamID:     st.stream.ID,
			MessageID:    msgID,
			FinishReason: st.finishReason,
		})
	}
	return nil
}

// scheduleToolCall records and enqueues a model-requested tool invocation. An
// unknown tool or invalid arguments settle the call as failed immediately so
// the model sees the error on the next turn.
func (h *Handler) scheduleToolCall(ctx context.Context, thread store.Thread, msgID store.MessageID, p part.Part) error {
	def, known := h.registry.Lookup(p.ToolName)
	var failure string
	if !known {
		def = &tools.Compiled{Definition: tools.Definition{Name: p.ToolName}}
		failure = fmt.Sprintf("tool %q is not registered", p.ToolName)
	} else if err := def.ValidateArgs(p.Input); err != nil {
		failure = err.Error()
	}

	var rec store.ToolCall
	err := h.store.RunTx(ctx, func(tx store.Tx) error {
		var err error
		rec, err = h.toolcalls.CreateTx(ctx, tx, thread, msgID, p.ToolCallID, def, p.Input)
		return err
	})
	if errors.Is(err, toolcalls.ErrDuplicate) {
		// Crash replay of the same part stream; the call is already owned.
		h.logger.Warn(ctx, "tool call already recorded", "thread_id", thread.ID, "tool_call_id", p.ToolCallID)
		return nil
	}
	if err != nil {
		return err
	}
	if failure != "" {
		return h.toolcalls.AddToolError(ctx, thread.ID, p.ToolCallID, failure)
	}
	return h.toolcalls.Schedule(ctx, thread, rec)
}

// persistAssistantMessages commits the assembled messages with the stream's
// seq so clients can drop superseded live deltas. Token usage, when the
// provider resolved it, lands on the turn's final message metadata.
func (h *Handler) persistAssistantMessages(ctx context.Context, st *turnState, messages []*assembled, usage *model.Usage) error {
	compacted := make([][]part.Part, len(messages))
	last := -1
	for i, msg := range messages {
		compacted[i] = part.Compact(msg.parts)
		if len(compacted[i]) > 0 {
			last = i
		}
	}
	return h.store.RunTx(ctx, func(tx store.Tx) error {
		existing, err := tx.ListMessages(st.threadID)
		if err != nil {
			return err
		}
		order := int64(len(existing))
		for i, msg := range messages {
			parts := compacted[i]
			if len(parts) == 0 {
				continue
			}
			var md map[string]any
			if i == last && usage != nil {
				md = usageMetadata(*usage)
			}
			seq := st.stream.Seq
			cur, err := tx.GetMessage(st.threadID, msg.id)
			switch {
			case err == nil:
				cur.Parts = parts
				cur.CommittedSeq = &seq
				if md != nil {
					cur.Metadata = md
				}
				if err := tx.UpdateMessage(cur); err != nil {
					return err
				}
			case errors.Is(err, store.ErrNotFound):
				if err := tx.InsertMessage(store.Message{
					ID:           msg.id,
					ThreadID:     st.threadID,
					Role:         store.RoleAssistant,
					Parts:        parts,
					CommittedSeq: &seq,
					Order:        order,
					Metadata:     md,
					CreatedAt:    h.nowMillis(),
				}); err != nil {
					return err
				}
				order++
			default:
				return err
			}
		}
		return nil
	})
}

func usageMetadata(u model.Usage) map[string]any {
	return map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
		"total_tokens":  u.TotalTokens,
	}
}

func (h *Handler) clearRetryState(ctx context.Context, threadID store.ThreadID) error {
	return h.store.RunTx(ctx, func(tx store.Tx) error {
		thread, err := tx.GetThread(threadID)
		if err != nil {
			return err
		}
		if thread.Retry == nil {
			return nil
		}
		if thread.Retry.RetryFnID != "" {
			if err := h.sched.Cancel(ctx, thread.Retry.RetryFnID); err != nil {
				return err
			}
		}
		thread.Retry = nil
		thread.UpdatedAt = h.nowMillis()
		return tx.UpdateThread(thread)
	})
}

// toModelMessages converts persisted history to the model request form.
func toModelMessages(msgs []store.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Parts) == 0 {
			continue
		}
		out = append(out, model.Message{Role: string(m.Role), Parts: part.CloneAll(m.Parts)})
	}
	return out
}
