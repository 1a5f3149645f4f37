// Package ingest implements the checkpoint ingestion pipeline: a
// reader tailing a checkpoint source, worker pools fanning checkpoints
// out to concurrent workers, reducers restoring order and batching
// commits, and a progress store persisting per-task watermarks.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Sumatoshi-tech/chainfeed/pkg/ingest/progress"
	"github.com/Sumatoshi-tech/chainfeed/pkg/objstore"
)

// State is the lifecycle phase of an executor.
type State int32

const (
	// StateIdle means Run has not been called yet.
	StateIdle State = iota

	// StateRunning means checkpoints are flowing.
	StateRunning

	// StateDraining means shutdown has begun and pools are flushing
	// in-flight work.
	StateDraining

	// StateStopped means Run has returned.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ExecutorConfig configures an executor run.
type ExecutorConfig struct {
	// Path is the local directory the reader tails.
	Path string

	// RemoteStoreURL optionally points at a remote checkpoint store
	// used to backfill sequences missing locally.
	RemoteStoreURL string

	// RemoteStoreOptions carries opaque store options such as
	// credentials.
	RemoteStoreOptions map[string]string

	// Reader tunes the checkpoint reader.
	Reader ReaderOptions
}

// Executor owns the pipeline: it loads watermarks, starts the reader
// and every registered pool, routes checkpoints and status messages,
// and coordinates graceful shutdown.
type Executor struct {
	progress *progress.Wrapper
	metrics  *Metrics
	logger   *slog.Logger

	pools      []Pool
	watermarks []SequenceNumber

	state atomic.Int32
}

// NewExecutor creates an executor persisting watermarks in store.
// metrics may be nil.
func NewExecutor(store progress.Store, metrics *Metrics, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		progress: progress.NewWrapper(store),
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// State returns the current lifecycle phase.
func (e *Executor) State() State {
	return State(e.state.Load())
}

// Register adds a worker pool and loads its persisted watermark. All
// pools must be registered before Run.
func (e *Executor) Register(ctx context.Context, pool Pool) error {
	watermark, err := e.progress.Load(ctx, pool.TaskName())
	if err != nil {
		return err
	}

	e.pools = append(e.pools, pool)
	e.watermarks = append(e.watermarks, watermark)

	if e.metrics != nil {
		e.metrics.Watermark.WithLabelValues(pool.TaskName()).Set(float64(watermark))
	}

	return nil
}

// Run drives the pipeline until ctx is cancelled or a fatal error
// occurs, then drains every pool and returns the final watermark per
// task. The returned map is valid even when err is non-nil.
func (e *Executor) Run(ctx context.Context, cfg ExecutorConfig) (map[string]uint64, error) {
	defer e.state.Store(int32(StateStopped))

	if len(e.pools) == 0 {
		return nil, ErrEmptyWorkerPool
	}

	minWatermark, err := e.progress.MinWatermark()
	if err != nil {
		return nil, err
	}

	var remote objstore.Store
	if cfg.RemoteStoreURL != "" {
		remote, err = objstore.New(cfg.RemoteStoreURL, cfg.RemoteStoreOptions)
		if err != nil {
			return nil, err
		}
	}

	reader, err := NewCheckpointReader(cfg.Path, remote, minWatermark, cfg.Reader, e.logger)
	if err != nil {
		return nil, err
	}

	// Pools run under a context the executor can cancel on fatal
	// errors; the reader is stopped explicitly once pools confirm.
	poolCtx, cancelPools := context.WithCancel(ctx)
	defer cancelPools()

	readerDone := make(chan error, 1)

	go func() {
		readerDone <- reader.Run(context.WithoutCancel(ctx))
	}()

	status := make(chan PoolStatus, len(e.pools)*MaxCheckpointsInProgress)
	intakes := make([]chan *Checkpoint, len(e.pools))

	for i, pool := range e.pools {
		intakes[i] = make(chan *Checkpoint, MaxCheckpointsInProgress)

		go pool.run(poolCtx, e.watermarks[i], intakes[i], status)
	}

	e.state.Store(int32(StateRunning))
	e.logger.Info("pipeline started",
		slog.Int("pools", len(e.pools)),
		slog.Uint64("watermark", minWatermark))

	var (
		firstErr     error
		shutdownLeft = len(e.pools)
		checkpoints  = reader.Checkpoints()
	)

	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}

		if e.State() == StateRunning {
			e.beginDrain(cancelPools, intakes)
			checkpoints = nil
		}
	}

	for shutdownLeft > 0 {
		select {
		case <-ctx.Done():
			if e.State() == StateRunning {
				e.beginDrain(cancelPools, intakes)
				checkpoints = nil
			}
		case err := <-readerDone:
			readerDone = nil

			if err != nil {
				fail(&ReaderError{Err: err})
			}
		case st := <-status:
			switch {
			case st.Shutdown:
				shutdownLeft--

				if st.Err != nil {
					fail(st.Err)
				}
			case st.Err != nil:
				fail(st.Err)
			default:
				e.handleWatermark(ctx, st, reader, fail)
			}
		case checkpoint, ok := <-checkpoints:
			if !ok {
				checkpoints = nil

				continue
			}

			for _, intake := range intakes {
				select {
				case intake <- checkpoint:
				case <-poolCtx.Done():
				}
			}
		}
	}

	reader.Stop()

	if readerDone != nil {
		if err := <-readerDone; err != nil && firstErr == nil {
			firstErr = &ReaderError{Err: err}
		}
	}

	e.logger.Info("pipeline stopped", slog.Any("error", firstErr))

	return e.progress.Stats(), firstErr
}

// beginDrain flips the executor into the draining phase: pools stop
// taking new checkpoints, flush what they hold and confirm shutdown.
func (e *Executor) beginDrain(cancelPools context.CancelFunc, intakes []chan *Checkpoint) {
	e.state.Store(int32(StateDraining))
	e.logger.Info("draining worker pools")

	cancelPools()

	for _, intake := range intakes {
		close(intake)
	}
}

// handleWatermark persists a pool's advanced watermark and tells the
// reader when the minimum across all tasks moved.
func (e *Executor) handleWatermark(
	ctx context.Context,
	st PoolStatus,
	reader *CheckpointReader,
	fail func(error),
) {
	prevMin, err := e.progress.MinWatermark()
	if err != nil {
		fail(err)

		return
	}

	// Watermarks reported while draining must still be persisted, so
	// the save ignores run cancellation.
	if err := e.progress.Save(context.WithoutCancel(ctx), st.TaskName, st.Watermark); err != nil {
		fail(&ProgressError{Task: st.TaskName, Sequence: st.Watermark, Err: err})

		return
	}

	if e.metrics != nil {
		e.metrics.Watermark.WithLabelValues(st.TaskName).Set(float64(st.Watermark))
	}

	newMin, err := e.progress.MinWatermark()
	if err != nil {
		fail(err)

		return
	}

	if newMin > prevMin {
		reader.NotifyProcessed(newMin)
	}
}
