package workers

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Sumatoshi-tech/chainfeed/pkg/ingest"
)

type summaryDoc struct {
	SequenceNumber uint64 `bson:"_id"`
	Epoch          uint64 `bson:"epoch"`
	TimestampMs    uint64 `bson:"timestamp_ms"`
	PayloadSize    uint64 `bson:"payload_size"`
}

// KVWorker indexes checkpoint summaries in a MongoDB collection keyed
// by sequence number. Writes are upserts, so redelivered checkpoints
// after a restart are harmless.
type KVWorker struct {
	coll *mongo.Collection
}

// NewKVWorker connects to uri and writes into the given database and
// collection.
func NewKVWorker(ctx context.Context, uri, database, collection string) (*KVWorker, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	return &KVWorker{coll: client.Database(database).Collection(collection)}, nil
}

// NewKVWorkerWithCollection wraps an existing collection handle.
func NewKVWorkerWithCollection(coll *mongo.Collection) *KVWorker {
	return &KVWorker{coll: coll}
}

func (w *KVWorker) ProcessCheckpoint(ctx context.Context, c *ingest.Checkpoint) (uint64, error) {
	seq := c.Summary.SequenceNumber

	doc := summaryDoc{
		SequenceNumber: seq,
		Epoch:          c.Summary.Epoch,
		TimestampMs:    c.Summary.TimestampMs,
		PayloadSize:    c.Size(),
	}

	_, err := w.coll.ReplaceOne(ctx,
		bson.M{"_id": seq}, doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return 0, fmt.Errorf("index checkpoint %d: %w", seq, err)
	}

	return seq, nil
}
