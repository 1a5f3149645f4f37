package ingest

import (
	"context"
	"fmt"
	"os"

	"github.com/Sumatoshi-tech/chainfeed/pkg/ingest/progress"
)

// RunWorkflow is a convenience wrapper for the common one-task case:
// it wires a single pool fed from a remote store through a throwaway
// local directory and an in-memory progress store, and runs until ctx
// is cancelled. Progress is not persisted across restarts; callers
// that need durability should assemble an Executor themselves.
func RunWorkflow[M any](
	ctx context.Context,
	worker Worker[M],
	remoteStoreURL string,
	start SequenceNumber,
	concurrency int,
	opts ...PoolOption[M],
) (map[string]uint64, error) {
	dir, err := os.MkdirTemp("", "chainfeed-ingest-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(dir)

	executor := NewExecutor(progress.NewMemoryStore(start), nil, nil)

	if err := executor.Register(ctx, NewWorkerPool(worker, "workflow", concurrency, opts...)); err != nil {
		return nil, err
	}

	return executor.Run(ctx, ExecutorConfig{
		Path:           dir,
		RemoteStoreURL: remoteStoreURL,
	})
}
