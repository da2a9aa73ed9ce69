package writequeue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoDefaultDatabase   = "offlineagent"
	mongoQueueCollection   = "pending_operations"
	mongoCounterCollection = "pending_operation_counters"
	mongoConnectTimeout    = 10 * time.Second
)

// mongoOperation wraps an operation with the sequence number that defines
// FIFO order across processes.
type mongoOperation struct {
	PendingOperation `bson:",inline"`
	Seq              int64 `bson:"seq"`
}

type MongoBackend struct {
	client     *mongo.Client
	ops        *mongo.Collection
	counters   *mongo.Collection
	counterKey string
	capacity   int
}

// NewMongoBackend connects to dsn. The database comes from the DSN path and
// defaults to "offlineagent".
func NewMongoBackend(ctx context.Context, dsn string, capacity int) (*MongoBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	dbName := mongoDefaultDatabase
	if parsed, err := url.Parse(dsn); err == nil {
		if name := strings.Trim(parsed.Path, "/"); name != "" {
			dbName = name
		}
	}
	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(dsn))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return newMongoBackend(connectCtx, client, client.Database(dbName), capacity)
}

func newMongoBackend(ctx context.Context, client *mongo.Client, db *mongo.Database, capacity int) (*MongoBackend, error) {
	b := &MongoBackend{
		client:     client,
		ops:        db.Collection(mongoQueueCollection),
		counters:   db.Collection(mongoCounterCollection),
		counterKey: mongoQueueCollection,
		capacity:   capacity,
	}
	if err := b.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MongoBackend) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tag", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetName("idx_pending_tag_seq"),
		},
		{
			Keys:    bson.D{{Key: "seq", Value: 1}},
			Options: options.Index().SetName("idx_pending_seq"),
		},
	}
	_, err := b.ops.Indexes().CreateMany(ctx, indexes)
	return err
}

func (b *MongoBackend) Append(ctx context.Context, op PendingOperation) error {
	depth, err := b.ops.CountDocuments(ctx, bson.M{})
	if err != nil {
		return err
	}
	if int(depth) >= b.capacity {
		return ErrQueueFull
	}
	seq, err := b.nextSeq(ctx)
	if err != nil {
		return err
	}
	if _, err := b.ops.InsertOne(ctx, mongoOperation{PendingOperation: op, Seq: seq}); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateOperation
		}
		return err
	}
	return nil
}

func (b *MongoBackend) nextSeq(ctx context.Context) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := b.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": b.counterKey},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

func (b *MongoBackend) List(ctx context.Context, tag string) ([]PendingOperation, error) {
	filter := bson.M{}
	if tag != "" {
		filter["tag"] = tag
	}
	cur, err := b.ops.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	items := make([]PendingOperation, 0)
	for cur.Next(ctx) {
		var doc mongoOperation
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		items = append(items, doc.PendingOperation)
	}
	return items, cur.Err()
}

func (b *MongoBackend) Get(ctx context.Context, id string) (PendingOperation, bool, error) {
	var doc mongoOperation
	err := b.ops.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return PendingOperation{}, false, nil
	}
	if err != nil {
		return PendingOperation{}, false, err
	}
	return doc.PendingOperation, true, nil
}

func (b *MongoBackend) Update(ctx context.Context, op PendingOperation) error {
	update := bson.M{
		"retry_count": op.RetryCount,
		"state":       op.State,
		"last_error":  op.LastError,
	}
	unset := bson.M{}
	if op.NextAttemptAt != nil {
		update["next_attempt_at"] = *op.NextAttemptAt
	} else {
		unset["next_attempt_at"] = ""
	}
	doc := bson.M{"$set": update}
	if len(unset) > 0 {
		doc["$unset"] = unset
	}
	res, err := b.ops.UpdateOne(ctx, bson.M{"_id": op.ID}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *MongoBackend) Remove(ctx context.Context, id string) (bool, error) {
	res, err := b.ops.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (b *MongoBackend) Depth(ctx context.Context) (int, error) {
	n, err := b.ops.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (b *MongoBackend) Capacity() int {
	return b.capacity
}

func (b *MongoBackend) Close() error {
	if b.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.client.Disconnect(ctx)
}
