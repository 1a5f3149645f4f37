package workers

import (
	"context"
	"fmt"

	"github.com/Sumatoshi-tech/chainfeed/pkg/ingest"
	"github.com/Sumatoshi-tech/chainfeed/pkg/objstore"
)

// BlobWorker mirrors every checkpoint into an object store as a
// standalone file, making the store usable as a remote source for
// other ingestion nodes.
type BlobWorker struct {
	store objstore.Store
}

// NewBlobWorker uploads checkpoints to store.
func NewBlobWorker(store objstore.Store) *BlobWorker {
	return &BlobWorker{store: store}
}

func (w *BlobWorker) ProcessCheckpoint(ctx context.Context, c *ingest.Checkpoint) (uint64, error) {
	seq := c.Summary.SequenceNumber

	data, err := ingest.EncodeCheckpoint(c)
	if err != nil {
		return 0, err
	}

	if err := w.store.Put(ctx, ingest.FileName(seq), data); err != nil {
		return 0, fmt.Errorf("upload checkpoint %d: %w", seq, err)
	}

	return seq, nil
}
