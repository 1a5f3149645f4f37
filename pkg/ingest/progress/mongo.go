package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoSaveTimeout bounds the retry loop around a single conditional
// watermark update.
const mongoSaveTimeout = time.Minute

type progressDoc struct {
	TaskName string `bson:"_id"`
	Sequence uint64 `bson:"sequence"`
}

// MongoStore persists watermarks in a MongoDB collection keyed by task
// name. Saves are conditional updates that only apply when the new
// sequence is higher than the stored one, so concurrent writers can
// race without ever moving a watermark backwards.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore connects to uri and uses the given database and
// collection.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	return &MongoStore{coll: client.Database(database).Collection(collection)}, nil
}

// NewMongoStoreWithCollection wraps an existing collection handle.
func NewMongoStoreWithCollection(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

func (s *MongoStore) Load(ctx context.Context, taskName string) (uint64, error) {
	var doc progressDoc

	err := s.coll.FindOne(ctx, bson.M{"_id": taskName}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("query progress: %w", err)
	}

	return doc.Sequence, nil
}

// Save performs the conditional update under exponential backoff.
// A concurrent writer having already advanced the watermark past
// sequence shows up as a duplicate-key upsert failure and counts as
// success.
func (s *MongoStore) Save(ctx context.Context, taskName string, sequence uint64) error {
	operation := func() (struct{}, error) {
		_, err := s.coll.UpdateOne(ctx,
			bson.M{"_id": taskName, "sequence": bson.M{"$lt": sequence}},
			bson.M{"$set": bson.M{"sequence": sequence}},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return struct{}{}, nil
			}

			return struct{}{}, err
		}

		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(mongoSaveTimeout),
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}

	return nil
}
