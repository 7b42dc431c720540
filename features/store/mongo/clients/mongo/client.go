// Package mongo hosts the MongoDB client used by the thread store. It owns
// collection naming, index creation and the operation timeout, and exposes a
// health pinger for readiness probes.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultThreadsCollection   = "loom_threads"
	defaultMessagesCollection  = "loom_messages"
	defaultStreamsCollection   = "loom_streams"
	defaultDeltasCollection    = "loom_deltas"
	defaultToolCallsCollection = "loom_tool_calls"
	defaultScheduleCollection  = "loom_schedule"
	defaultOpTimeout           = 5 * time.Second
	storeClientName            = "loom-mongo"
)

// Options configures the Mongo store client.
type Options struct {
	// Client is the connected driver client. Required.
	Client *mongodriver.Client
	// Database names the database holding the orchestrator collections.
	// Required.
	Database string
	// Timeout bounds individual operations (default 5s).
	Timeout time.Duration
}

// Client bundles the orchestrator collections and implements health.Pinger.
type Client struct {
	mongo     *mongodriver.Client
	threads   *mongodriver.Collection
	messages  *mongodriver.Collection
	streams   *mongodriver.Collection
	deltas    *mongodriver.Collection
	toolCalls *mongodriver.Collection
	schedule  *mongodriver.Collection
	timeout   time.Duration
}

var _ health.Pinger = (*Client)(nil)

// New returns a store client bound to the given database with indexes ensured.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	c := &Client{
		mongo:     opts.Client,
		threads:   db.Collection(defaultThreadsCollection),
		messages:  db.Collection(defaultMessagesCollection),
		streams:   db.Collection(defaultStreamsCollection),
		deltas:    db.Collection(defaultDeltasCollection),
		toolCalls: db.Collection(defaultToolCallsCollection),
		schedule:  db.Collection(defaultScheduleCollection),
		timeout:   timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Name identifies the client in health reports.
func (c *Client) Name() string { return storeClientName }

// Ping verifies connectivity to the primary.
func (c *Client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Mongo returns the underlying driver client.
func (c *Client) Mongo() *mongodriver.Client { return c.mongo }

// Threads returns the threads collection.
func (c *Client) Threads() *mongodriver.Collection { return c.threads }

// Messages returns the messages collection.
func (c *Client) Messages() *mongodriver.Collection { return c.messages }

// Streams returns the streams collection.
func (c *Client) Streams() *mongodriver.Collection { return c.streams }

// Deltas returns the deltas collection.
func (c *Client) Deltas() *mongodriver.Collection { return c.deltas }

// ToolCalls returns the tool calls collection.
func (c *Client) ToolCalls() *mongodriver.Collection { return c.toolCalls }

// Schedule returns the scheduled invocations collection.
func (c *Client) Schedule() *mongodriver.Collection { return c.schedule }

// WithTimeout derives a context bounded by the configured operation timeout.
func (c *Client) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll  *mongodriver.Collection
		model mongodriver.IndexModel
	}{
		{c.threads, mongodriver.IndexModel{
			Keys: bson.D{{Key: "status", Value: 1}},
		}},
		{c.threads, mongodriver.IndexModel{
			Keys: bson.D{{Key: "created_at", Value: -1}},
		}},
		{c.messages, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "thread_id", Value: 1}, {Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{c.messages, mongodriver.IndexModel{
			Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "order", Value: 1}},
		}},
		{c.streams, mongodriver.IndexModel{
			Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "seq", Value: 1}},
		}},
		{c.deltas, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "stream_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{c.toolCalls, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "thread_id", Value: 1}, {Key: "tool_call_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{c.toolCalls, mongodriver.IndexModel{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "async", Value: 1}, {Key: "created_at", Value: 1}},
		}},
		{c.schedule, mongodriver.IndexModel{
			Keys: bson.D{{Key: "state", Value: 1}, {Key: "run_at", Value: 1}},
		}},
	}
	for _, ix := range indexes {
		if _, err := ix.coll.Indexes().CreateOne(ctx, ix.model); err != nil {
			return err
		}
	}
	return nil
}
