package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/store"
)

// scheduledStateRunning marks a claimed invocation between claim and
// completion. Internal to the collection; State reports it as pending.
const scheduledStateRunning = "running"

// scheduleDoc is one durable scheduled invocation.
type scheduleDoc struct {
	ID        string `bson:"_id"`
	Handle    string `bson:"handle"`
	Args      []byte `bson:"args"`
	RunAt     int64  `bson:"run_at"`
	State     string `bson:"state"`
	CreatedAt int64  `bson:"created_at"`
	ClaimedAt int64  `bson:"claimed_at,omitempty"`
	LastError string `bson:"last_error,omitempty"`
}

// Scheduler implements store.Scheduler on the schedule collection.
type Scheduler struct {
	coll  *mongodriver.Collection
	clock store.Clock
}

var _ store.Scheduler = (*Scheduler)(nil)

func newScheduler(coll *mongodriver.Collection, clock store.Clock) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{coll: coll, clock: clock}
}

// RunAfter persists an invocation of handle due after delay.
func (s *Scheduler) RunAfter(ctx context.Context, delay time.Duration, handle string, args any) (store.ScheduledID, error) {
	if handle == "" {
		return "", errors.New("mongo scheduler: handle is required")
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	now := store.NowMillis(s.clock)
	doc := scheduleDoc{
		ID:        uuid.NewString(),
		Handle:    handle,
		Args:      raw,
		RunAt:     now + delay.Milliseconds(),
		State:     string(store.ScheduledStatePending),
		CreatedAt: now,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return "", err
	}
	return store.ScheduledID(doc.ID), nil
}

// Cancel marks a pending invocation canceled. Completed or unknown ids are
// left untouched.
func (s *Scheduler) Cancel(ctx context.Context, id store.ScheduledID) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": string(id), "state": string(store.ScheduledStatePending)},
		bson.M{"$set": bson.M{"state": string(store.ScheduledStateCanceled)}},
	)
	return err
}

// State reports the invocation's lifecycle state.
func (s *Scheduler) State(ctx context.Context, id store.ScheduledID) (store.ScheduledState, error) {
	var doc scheduleDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.ScheduledStateNone, nil
	}
	if err != nil {
		return store.ScheduledStateNone, err
	}
	if doc.State == scheduledStateRunning {
		return store.ScheduledStatePending, nil
	}
	return store.ScheduledState(doc.State), nil
}

// Poller drains due invocations. Claims are single-writer: FindOneAndUpdate
// flips pending to running so concurrent pollers never run the same entry.
type Poller struct {
	coll       *mongodriver.Collection
	dispatcher store.Dispatcher
	clock      store.Clock
	logger     telemetry.Logger
	interval   time.Duration
}

// PollerOption tunes the poller.
type PollerOption func(*Poller)

// WithPollInterval sets the poll period (default 250ms).
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithPollerLogger sets the poller logger.
func WithPollerLogger(l telemetry.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

func newPoller(coll *mongodriver.Collection, d store.Dispatcher, clock store.Clock, opts ...PollerOption) *Poller {
	p := &Poller{
		coll:       coll,
		dispatcher: d,
		clock:      clock,
		logger:     telemetry.NewNoopLogger(),
		interval:   250 * time.Millisecond,
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	return p
}

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RunDue(ctx); err != nil {
				p.logger.Error(ctx, "scheduler poll failed", "err", err)
			}
		}
	}
}

// RunDue claims and runs every invocation due at the current clock reading.
// It returns how many ran and the first dispatch error after all due entries
// were attempted.
func (p *Poller) RunDue(ctx context.Context) (int, error) {
	var (
		ran      int
		firstErr error
	)
	for {
		doc, ok, err := p.claim(ctx)
		if err != nil {
			return ran, err
		}
		if !ok {
			break
		}
		ran++
		if err := p.invoke(ctx, doc); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return ran, firstErr
}

func (p *Poller) claim(ctx context.Context) (scheduleDoc, bool, error) {
	now := store.NowMillis(p.clock)
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "run_at", Value: 1}}).
		SetReturnDocument(options.After)
	var doc scheduleDoc
	err := p.coll.FindOneAndUpdate(ctx,
		bson.M{"state": string(store.ScheduledStatePending), "run_at": bson.M{"$lte": now}},
		bson.M{"$set": bson.M{"state": scheduledStateRunning, "claimed_at": now}},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return scheduleDoc{}, false, nil
	}
	if err != nil {
		return scheduleDoc{}, false, err
	}
	return doc, true, nil
}

func (p *Poller) invoke(ctx context.Context, doc scheduleDoc) error {
	fn, ok := p.dispatcher.Lookup(doc.Handle)
	var err error
	if !ok {
		err = errors.New("mongo scheduler: no function registered for handle " + doc.Handle)
	} else {
		err = fn(ctx, json.RawMessage(doc.Args))
	}
	update := bson.M{"state": string(store.ScheduledStateDone)}
	if err != nil {
		update["last_error"] = err.Error()
	}
	if _, uerr := p.coll.UpdateOne(ctx, bson.M{"_id": doc.ID}, bson.M{"$set": update}); uerr != nil && err == nil {
		err = uerr
	}
	return err
}
