// Package mongo provides a MongoDB lease registry.
//
// Each lease is one document keyed by a unique (namespace, username, name,
// topic) index. Reads filter on expires_at so expired documents are never
// returned; a TTL index lets the server delete them in the background and
// Sweep deletes them on demand.
package mongo

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rbaliyan/mailbus/mailbox"
	"github.com/rbaliyan/mailbus/registry"
)

const backend = "mongo"

// Compile-time checks
var (
	_ registry.Registry  = (*Registry)(nil)
	_ registry.Sweeper   = (*Registry)(nil)
	_ registry.Lifecycle = (*Registry)(nil)
)

// lease is the stored document.
type lease struct {
	Namespace string    `bson:"namespace"`
	Username  string    `bson:"username"`
	Name      string    `bson:"name"`
	Topic     string    `bson:"topic"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// Registry implements registry.Registry using MongoDB.
type Registry struct {
	client     *mongo.Client
	collection *mongo.Collection
	opts       *options
	connected  int32
	logger     *slog.Logger
}

// New creates a MongoDB registry with the provided client.
// Call Connect() to initialize the collection and indexes.
func New(client *mongo.Client, opts ...Option) *Registry {
	o := newOptions(opts...)
	return &Registry{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect pings the server and creates the indexes.
func (r *Registry) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&r.connected) == 1 {
		return registry.ErrAlreadyConnected
	}

	if r.client == nil {
		return registry.Failed(backend, "connect", errors.New("client is required"))
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	if err := r.client.Ping(ctx, nil); err != nil {
		return classify("connect", err)
	}

	r.collection = r.client.Database(r.opts.database).Collection(r.opts.collection)

	if err := r.ensureIndexes(ctx); err != nil {
		return classify("ensure indexes", err)
	}

	atomic.StoreInt32(&r.connected, 1)
	r.logger.Info("connected to MongoDB", "database", r.opts.database, "collection", r.opts.collection)
	return nil
}

// Close marks the registry as disconnected.
// The caller is responsible for closing the MongoDB client.
func (r *Registry) Close(_ context.Context) error {
	atomic.StoreInt32(&r.connected, 0)
	return nil
}

func (r *Registry) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				bson.E{Key: "namespace", Value: 1},
				bson.E{Key: "username", Value: 1},
				bson.E{Key: "name", Value: 1},
				bson.E{Key: "topic", Value: 1},
			},
			Options: mongoopts.Index().SetUnique(true),
		},
	}
	if r.opts.ttlIndex {
		indexes = append(indexes, mongo.IndexModel{
			Keys:    bson.D{bson.E{Key: "expires_at", Value: 1}},
			Options: mongoopts.Index().SetExpireAfterSeconds(0),
		})
	} else {
		indexes = append(indexes, mongo.IndexModel{
			Keys: bson.D{bson.E{Key: "expires_at", Value: 1}},
		})
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (r *Registry) checkConnected() error {
	if atomic.LoadInt32(&r.connected) == 0 {
		return registry.ErrNotConnected
	}
	return nil
}

func entryFilter(path mailbox.Path, topic mailbox.Topic) bson.D {
	return bson.D{
		bson.E{Key: "namespace", Value: path.Namespace},
		bson.E{Key: "username", Value: path.User},
		bson.E{Key: "name", Value: path.Name},
		bson.E{Key: "topic", Value: string(topic)},
	}
}

// Register upserts the lease with a new expiry.
func (r *Registry) Register(ctx context.Context, path mailbox.Path, topic mailbox.Topic, ttl time.Duration) error {
	if err := r.checkConnected(); err != nil {
		return err
	}
	if err := registry.ValidateLease(path, topic, ttl); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	update := bson.D{bson.E{Key: "$set", Value: bson.D{
		bson.E{Key: "expires_at", Value: r.opts.clock().Add(ttl).UTC()},
	}}}
	opts := mongoopts.UpdateOne().SetUpsert(true)

	_, err := r.collection.UpdateOne(ctx, entryFilter(path, topic), update, opts)
	if mongo.IsDuplicateKeyError(err) {
		// Two upserts of a new lease raced; the loser updates the winner's document.
		_, err = r.collection.UpdateOne(ctx, entryFilter(path, topic), update, opts)
	}
	if err != nil {
		return classify("register", err)
	}
	return nil
}

// Unregister deletes the lease document.
func (r *Registry) Unregister(ctx context.Context, path mailbox.Path, topic mailbox.Topic) error {
	if err := r.checkConnected(); err != nil {
		return err
	}
	if err := registry.ValidateEntry(path, topic); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	if _, err := r.collection.DeleteOne(ctx, entryFilter(path, topic)); err != nil {
		return classify("unregister", err)
	}
	return nil
}

// Topics returns the unexpired topics for path in ascending order.
func (r *Registry) Topics(ctx context.Context, path mailbox.Path) ([]mailbox.Topic, error) {
	if err := r.checkConnected(); err != nil {
		return nil, err
	}
	if err := path.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	filter := bson.D{
		bson.E{Key: "namespace", Value: path.Namespace},
		bson.E{Key: "username", Value: path.User},
		bson.E{Key: "name", Value: path.Name},
		bson.E{Key: "expires_at", Value: bson.M{"$gt": r.opts.clock().UTC()}},
	}
	findOpts := mongoopts.Find().
		SetSort(bson.D{bson.E{Key: "topic", Value: 1}}).
		SetProjection(bson.D{bson.E{Key: "topic", Value: 1}, bson.E{Key: "_id", Value: 0}})

	cursor, err := r.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, classify("topics", err)
	}
	var docs []lease
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify("topics", err)
	}

	out := make([]mailbox.Topic, len(docs))
	for i, d := range docs {
		out[i] = mailbox.Topic(d.Topic)
	}
	return out, nil
}

// Sweep deletes expired lease documents.
func (r *Registry) Sweep(ctx context.Context) (int64, error) {
	if err := r.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	filter := bson.M{"expires_at": bson.M{"$lte": r.opts.clock().UTC()}}
	result, err := r.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, classify("sweep", err)
	}
	if result.DeletedCount > 0 {
		r.logger.Debug("swept expired leases", "count", result.DeletedCount)
	}
	return result.DeletedCount, nil
}

// transientLabels are server error labels marking an operation safe to retry.
var transientLabels = []string{"RetryableWriteError", "TransientTransactionError"}

// classify wraps a driver error as a registry error.
func classify(op string, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return registry.Unavailable(backend, op, err)
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		for _, label := range transientLabels {
			if serverErr.HasErrorLabel(label) {
				return registry.Unavailable(backend, op, err)
			}
		}
		return registry.Failed(backend, op, err)
	}
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return registry.Failed(backend, op, err)
	}
	return registry.Unavailable(backend, op, err)
}
