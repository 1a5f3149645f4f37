package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Worker processes one checkpoint and distills it into a message for
// the pool's reducer. Implementations must be safe for concurrent use:
// a pool runs several of them against out-of-order checkpoints.
type Worker[M any] interface {
	ProcessCheckpoint(ctx context.Context, checkpoint *Checkpoint) (M, error)
}

// WorkerFunc adapts a plain function to the Worker interface.
type WorkerFunc[M any] func(ctx context.Context, checkpoint *Checkpoint) (M, error)

func (f WorkerFunc[M]) ProcessCheckpoint(ctx context.Context, c *Checkpoint) (M, error) {
	return f(ctx, c)
}

// Reducer accumulates worker messages, re-ordered into sequence order,
// and commits them in batches. ShouldCloseBatch decides whether the
// current batch must be committed before next joins it; next is nil
// when no further message is immediately available.
type Reducer[M any] interface {
	Commit(ctx context.Context, batch []M) error
	ShouldCloseBatch(batch []M, next *M) bool
}

// ReducerFuncs adapts plain functions to the Reducer interface. Nil
// functions fall back to the default policy: no-op commits, batches of
// one.
type ReducerFuncs[M any] struct {
	CommitFunc      func(ctx context.Context, batch []M) error
	ShouldCloseFunc func(batch []M, next *M) bool
}

func (r ReducerFuncs[M]) Commit(ctx context.Context, batch []M) error {
	if r.CommitFunc == nil {
		return nil
	}

	return r.CommitFunc(ctx, batch)
}

func (r ReducerFuncs[M]) ShouldCloseBatch(batch []M, next *M) bool {
	if r.ShouldCloseFunc == nil {
		return len(batch) >= 1
	}

	return r.ShouldCloseFunc(batch, next)
}

// Preprocessor is an optional hook a worker can implement to observe
// every checkpoint on the pool's intake, before fan-out and watermark
// filtering. A hook error is fatal to the pipeline.
type Preprocessor interface {
	PreprocessHook(checkpoint *Checkpoint) error
}

// ProgressObserver is an optional hook a worker can implement to
// suppress or rewrite watermark advancement, for tasks that persist
// progress out of band.
type ProgressObserver interface {
	// SaveProgress maps a candidate watermark to the one that should
	// be recorded. Returning false records nothing.
	SaveProgress(seq SequenceNumber) (SequenceNumber, bool)
}

// PoolStatus is a pool's report to the executor: either a watermark
// advancement, a fatal error, or shutdown confirmation.
type PoolStatus struct {
	TaskName  string
	Watermark SequenceNumber
	Err       error
	Shutdown  bool
}

// Pool is the executor-facing handle of a worker pool. Implementations
// live in this package; use NewWorkerPool to build one.
type Pool interface {
	TaskName() string

	run(ctx context.Context, watermark SequenceNumber, intake <-chan *Checkpoint, status chan<- PoolStatus)
}

// defaultReducer commits every message as its own batch and performs
// no work on commit. Pools without an explicit reducer use it, which
// makes the watermark advance checkpoint by checkpoint.
type defaultReducer[M any] struct{}

func (defaultReducer[M]) Commit(context.Context, []M) error { return nil }

func (defaultReducer[M]) ShouldCloseBatch(batch []M, _ *M) bool { return len(batch) >= 1 }

// WorkerPool runs a fixed number of workers over one intake stream and
// feeds their messages through a reducer that commits in sequence
// order.
type WorkerPool[M any] struct {
	task        string
	worker      Worker[M]
	reducer     Reducer[M]
	concurrency int
	metrics     *Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
}

// PoolOption customizes a worker pool.
type PoolOption[M any] func(*WorkerPool[M])

// WithReducer installs a custom batching reducer.
func WithReducer[M any](r Reducer[M]) PoolOption[M] {
	return func(p *WorkerPool[M]) { p.reducer = r }
}

// WithPoolMetrics attaches pipeline metrics to the pool.
func WithPoolMetrics[M any](m *Metrics) PoolOption[M] {
	return func(p *WorkerPool[M]) { p.metrics = m }
}

// WithPoolLogger overrides the pool logger.
func WithPoolLogger[M any](l *slog.Logger) PoolOption[M] {
	return func(p *WorkerPool[M]) { p.logger = l }
}

// NewWorkerPool builds a pool running concurrency copies of worker
// under the given task name.
func NewWorkerPool[M any](worker Worker[M], taskName string, concurrency int, opts ...PoolOption[M]) *WorkerPool[M] {
	if concurrency <= 0 {
		concurrency = 1
	}

	p := &WorkerPool[M]{
		task:        taskName,
		worker:      worker,
		reducer:     defaultReducer[M]{},
		concurrency: concurrency,
		logger:      slog.Default(),
		tracer:      otel.Tracer("chainfeed/ingest"),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.logger = p.logger.With(slog.String("task", taskName))

	return p
}

func (p *WorkerPool[M]) TaskName() string { return p.task }

type workerResult[M any] struct {
	seq     SequenceNumber
	message M
}

// run drives the pool: fan checkpoints out to workers, reduce their
// messages back into order, and report watermarks upstream. On context
// cancellation it drains in-flight work, flushes the reducer, then
// confirms shutdown. It always sends exactly one Shutdown status last.
func (p *WorkerPool[M]) run(
	ctx context.Context,
	watermark SequenceNumber,
	intake <-chan *Checkpoint,
	status chan<- PoolStatus,
) {
	p.logger.Info("worker pool started",
		slog.Int("concurrency", p.concurrency),
		slog.Uint64("watermark", watermark))

	work := make(chan *Checkpoint, MaxCheckpointsInProgress)
	results := make(chan workerResult[M], MaxCheckpointsInProgress)

	// A worker or reducer failure cancels the whole pool.
	poolCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	var workers sync.WaitGroup

	for i := 0; i < p.concurrency; i++ {
		workers.Add(1)

		go func(id int) {
			defer workers.Done()

			p.runWorker(poolCtx, id, work, results, abort)
		}(i)
	}

	reducerDone := make(chan error, 1)

	go func() {
		reducerDone <- p.reduce(poolCtx, watermark, results, status, abort)
	}()

	// Intake loop: apply the preprocess hook, skip already-processed
	// checkpoints, hand the rest to the workers.
	hook, hasHook := p.worker.(Preprocessor)

intakeLoop:
	for {
		select {
		case <-poolCtx.Done():
			break intakeLoop
		case checkpoint, ok := <-intake:
			if !ok {
				break intakeLoop
			}

			if hasHook {
				if err := hook.PreprocessHook(checkpoint); err != nil {
					abort(fmt.Errorf("preprocess hook for task %s: %w", p.task, err))

					break intakeLoop
				}
			}

			if checkpoint.Summary.SequenceNumber < watermark {
				continue
			}

			if p.metrics != nil {
				p.metrics.InProgress.WithLabelValues(p.task).Inc()
			}

			select {
			case work <- checkpoint:
			case <-poolCtx.Done():
				break intakeLoop
			}
		}
	}

	close(work)
	workers.Wait()
	close(results)

	reduceErr := <-reducerDone

	err := reduceErr
	if err == nil {
		if cause := context.Cause(poolCtx); cause != nil && cause != ctx.Err() {
			err = cause
		}
	}

	if err != nil {
		p.logger.Error("worker pool failed", slog.Any("error", err))
	} else {
		p.logger.Info("worker pool drained")
	}

	status <- PoolStatus{TaskName: p.task, Err: err, Shutdown: true}
}

// runWorker processes checkpoints until the work channel closes or the
// pool is aborted. The first error aborts the pool.
func (p *WorkerPool[M]) runWorker(
	ctx context.Context,
	id int,
	work <-chan *Checkpoint,
	results chan<- workerResult[M],
	abort context.CancelCauseFunc,
) {
	for {
		var checkpoint *Checkpoint

		select {
		case <-ctx.Done():
			return
		case c, ok := <-work:
			if !ok {
				return
			}

			checkpoint = c
		}

		seq := checkpoint.Summary.SequenceNumber

		spanCtx, span := p.tracer.Start(ctx, "ingest.process_checkpoint",
			trace.WithAttributes(
				attribute.String("task", p.task),
				attribute.Int("worker", id),
				attribute.Int64("sequence", int64(seq)),
			))

		message, err := p.worker.ProcessCheckpoint(spanCtx, checkpoint)

		span.End()

		if err != nil {
			abort(&ProcessingError{Task: p.task, Sequence: seq, Err: err})

			return
		}

		if p.metrics != nil {
			p.metrics.ProcessedTotal.WithLabelValues(p.task).Inc()
			p.metrics.InProgress.WithLabelValues(p.task).Dec()
		}

		select {
		case results <- workerResult[M]{seq: seq, message: message}:
		case <-ctx.Done():
			return
		}
	}
}

// reduce restores sequence order over the out-of-order worker results,
// batches messages per the reducer's policy, commits closed batches
// and reports the advanced watermark. It runs until the results
// channel closes.
func (p *WorkerPool[M]) reduce(
	ctx context.Context,
	current SequenceNumber,
	results <-chan workerResult[M],
	status chan<- PoolStatus,
	abort context.CancelCauseFunc,
) error {
	progressHook, hasProgressHook := p.worker.(ProgressObserver)

	unprocessed := make(map[SequenceNumber]M)

	var batch []M

	for result := range results {
		unprocessed[result.seq] = result.message

		// Pull in whatever else is already waiting before committing,
		// so batches form over chunks rather than single arrivals.
	drain:
		for len(unprocessed) < MaxCheckpointsInProgress {
			select {
			case more, ok := <-results:
				if !ok {
					break drain
				}

				unprocessed[more.seq] = more.message
			default:
				break drain
			}
		}

		// The watermark may only cover committed messages. A batch
		// left open keeps it pinned at its first sequence.
		progressed := false

		var committedUpTo SequenceNumber

		for {
			message, ok := unprocessed[current]
			if !ok {
				break
			}

			delete(unprocessed, current)

			if p.reducer.ShouldCloseBatch(batch, &message) {
				if err := p.commit(ctx, batch); err != nil {
					abort(err)

					return err
				}

				batch = batch[:0]
				committedUpTo = current
				progressed = true
			}

			batch = append(batch, message)
			current++
		}

		// Trailing flush: nothing more is in order, give the policy a
		// chance to close the open batch. An empty batch is never
		// committed here.
		if len(batch) > 0 && p.reducer.ShouldCloseBatch(batch, nil) {
			if err := p.commit(ctx, batch); err != nil {
				abort(err)

				return err
			}

			batch = batch[:0]
			committedUpTo = current
			progressed = true
		}

		if !progressed {
			continue
		}

		watermark := committedUpTo
		record := true

		if hasProgressHook {
			watermark, record = progressHook.SaveProgress(committedUpTo)
		}

		if record {
			status <- PoolStatus{TaskName: p.task, Watermark: watermark}
		}
	}

	return nil
}

func (p *WorkerPool[M]) commit(ctx context.Context, batch []M) error {
	if err := p.reducer.Commit(ctx, batch); err != nil {
		return &CommitError{Task: p.task, Err: err}
	}

	if p.metrics != nil {
		p.metrics.CommitsTotal.WithLabelValues(p.task).Inc()
	}

	return nil
}
