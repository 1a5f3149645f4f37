// Package workers ships the built-in checkpoint consumers: a
// pass-through relay, an object-store uploader, a MongoDB summary
// indexer and the historical archive writer.
package workers

import (
	"context"

	"github.com/Sumatoshi-tech/chainfeed/pkg/ingest"
)

// RelayWorker forwards checkpoints untouched. It pairs with reducers
// that want the full checkpoint as their message, like the historical
// archiver.
type RelayWorker struct{}

func (RelayWorker) ProcessCheckpoint(_ context.Context, c *ingest.Checkpoint) (*ingest.Checkpoint, error) {
	return c, nil
}
