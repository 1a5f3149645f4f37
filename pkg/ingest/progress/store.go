// Package progress persists per-task watermarks: the next checkpoint
// sequence number each task expects. Stores only ever move watermarks
// forward; saving a value at or below the stored one is a no-op.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoTasks is returned by MinWatermark when no task has been
// registered yet.
var ErrNoTasks = errors.New("no registered tasks")

// Store persists watermarks by task name. Load returns zero for tasks
// it has never seen.
type Store interface {
	Load(ctx context.Context, taskName string) (uint64, error)
	Save(ctx context.Context, taskName string, sequence uint64) error
}

// Wrapper decorates a Store with an in-memory view of every watermark
// it has touched, so the minimum across tasks can be computed without
// re-reading the backend.
type Wrapper struct {
	store Store

	mu      sync.Mutex
	pending map[string]uint64
}

// NewWrapper wraps a backend store.
func NewWrapper(store Store) *Wrapper {
	return &Wrapper{store: store, pending: make(map[string]uint64)}
}

// Load reads the watermark for a task and registers the task in the
// in-memory view.
func (w *Wrapper) Load(ctx context.Context, taskName string) (uint64, error) {
	seq, err := w.store.Load(ctx, taskName)
	if err != nil {
		return 0, fmt.Errorf("load progress for task %s: %w", taskName, err)
	}

	w.mu.Lock()
	w.pending[taskName] = seq
	w.mu.Unlock()

	return seq, nil
}

// Save advances the watermark for a task. Values at or below the
// current watermark are ignored.
func (w *Wrapper) Save(ctx context.Context, taskName string, sequence uint64) error {
	w.mu.Lock()
	current, ok := w.pending[taskName]
	if ok && sequence <= current {
		w.mu.Unlock()

		return nil
	}

	w.pending[taskName] = sequence
	w.mu.Unlock()

	if err := w.store.Save(ctx, taskName, sequence); err != nil {
		return fmt.Errorf("save progress for task %s: %w", taskName, err)
	}

	return nil
}

// MinWatermark returns the lowest watermark across all registered
// tasks. The reader starts fetching there so no task misses data.
func (w *Wrapper) MinWatermark() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		return 0, ErrNoTasks
	}

	first := true

	var min uint64
	for _, seq := range w.pending {
		if first || seq < min {
			min = seq
			first = false
		}
	}

	return min, nil
}

// Stats returns a copy of every known watermark keyed by task name.
func (w *Wrapper) Stats() map[string]uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]uint64, len(w.pending))
	for task, seq := range w.pending {
		out[task] = seq
	}

	return out
}
