package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"

	"github.com/Sumatoshi-tech/chainfeed/pkg/objstore"
)

// MaxCheckpointsInProgress bounds how many checkpoints may be in
// flight between the reader and the slowest pool. Every queue in the
// pipeline is sized off this constant, so a stalled task applies
// backpressure all the way to the reader.
const MaxCheckpointsInProgress = 10000

// ReaderOptions tunes the checkpoint reader.
type ReaderOptions struct {
	// TickInterval is the poll interval when no filesystem events
	// arrive. Defaults to 100ms.
	TickInterval time.Duration

	// FetchTimeout bounds the retry loop around a single remote
	// checkpoint fetch. Defaults to 5s.
	FetchTimeout time.Duration

	// BatchSize is how many remote fetches run concurrently. Defaults
	// to 10.
	BatchSize int

	// DataLimit caps the total payload bytes in flight. Zero means
	// unlimited.
	DataLimit uint64
}

// DefaultReaderOptions returns the production defaults.
func DefaultReaderOptions() ReaderOptions {
	return ReaderOptions{
		TickInterval: 100 * time.Millisecond,
		FetchTimeout: 5 * time.Second,
		BatchSize:    10,
	}
}

func (o ReaderOptions) normalize() ReaderOptions {
	def := DefaultReaderOptions()

	if o.TickInterval <= 0 {
		o.TickInterval = def.TickInterval
	}

	if o.FetchTimeout <= 0 {
		o.FetchTimeout = def.FetchTimeout
	}

	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}

	return o
}

type fetchResult struct {
	checkpoint *Checkpoint
	err        error
}

// CheckpointReader tails a local directory of checkpoint files,
// optionally backfilling from a remote store, and emits checkpoints in
// strict sequence order. Files below the processed watermark are
// garbage collected.
type CheckpointReader struct {
	path   string
	remote objstore.Store
	opts   ReaderOptions
	logger *slog.Logger

	current    SequenceNumber
	lastPruned SequenceNumber

	// in-flight payload accounting for the data limit
	inFlight  map[SequenceNumber]uint64
	usedBytes uint64

	checkpoints chan *Checkpoint
	processed   chan SequenceNumber
	exit        chan struct{}
	stopOnce    sync.Once

	fetched      <-chan fetchResult
	fetchCancel  context.CancelFunc
	pendingFetch *fetchResult
}

var errReaderStopped = errors.New("reader stopped")

// NewCheckpointReader creates a reader starting at the given sequence.
// The local directory is created if missing. remote may be nil.
func NewCheckpointReader(
	path string,
	remote objstore.Store,
	start SequenceNumber,
	opts ReaderOptions,
	logger *slog.Logger,
) (*CheckpointReader, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir %s: %w", path, err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &CheckpointReader{
		path:        path,
		remote:      remote,
		opts:        opts.normalize(),
		logger:      logger.With(slog.String("component", "reader")),
		current:     start,
		lastPruned:  start,
		inFlight:    make(map[SequenceNumber]uint64),
		checkpoints: make(chan *Checkpoint, MaxCheckpointsInProgress),
		processed:   make(chan SequenceNumber, MaxCheckpointsInProgress),
		exit:        make(chan struct{}),
	}, nil
}

// Checkpoints returns the ordered output stream.
func (r *CheckpointReader) Checkpoints() <-chan *Checkpoint {
	return r.checkpoints
}

// NotifyProcessed tells the reader every task has moved past seq, so
// older local files can be pruned and in-flight budget released.
func (r *CheckpointReader) NotifyProcessed(seq SequenceNumber) {
	select {
	case r.processed <- seq:
	case <-r.exit:
	}
}

// Stop asks the run loop to exit. Safe to call more than once.
func (r *CheckpointReader) Stop() {
	r.stopOnce.Do(func() { close(r.exit) })
}

// Run drives the reader until Stop is called or ctx is cancelled.
func (r *CheckpointReader) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create directory watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.path); err != nil {
		return fmt.Errorf("watch checkpoint dir %s: %w", r.path, err)
	}

	defer r.stopFetchPipeline()

	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()

	r.logger.Info("reader started",
		slog.String("path", r.path),
		slog.Uint64("start", r.current),
		slog.Bool("remote", r.remote != nil))

	for {
		if err := r.sync(ctx); err != nil {
			if errors.Is(err, errReaderStopped) || errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		}

		select {
		case <-r.exit:
			return nil
		case <-ctx.Done():
			return nil
		case seq := <-r.processed:
			r.pruneBelow(seq)
		case <-watcher.Events:
		case err := <-watcher.Errors:
			r.logger.Warn("directory watcher error", slog.Any("error", err))
		case <-ticker.C:
		}
	}
}

// withinCapacity reports whether another checkpoint of the given size
// fits into the in-progress window.
func (r *CheckpointReader) withinCapacity(size uint64) bool {
	if r.current-r.lastPruned >= MaxCheckpointsInProgress {
		return false
	}

	if r.opts.DataLimit > 0 && r.usedBytes+size > r.opts.DataLimit {
		return false
	}

	return true
}

// emit sends the next in-order checkpoint downstream and charges it
// against the in-flight budget.
func (r *CheckpointReader) emit(c *Checkpoint) error {
	select {
	case r.checkpoints <- c:
	case <-r.exit:
		return errReaderStopped
	}

	size := c.Size()
	r.inFlight[r.current] = size
	r.usedBytes += size
	r.current++

	return nil
}

// sync advances the output stream as far as local files, then the
// remote backfill, allow.
func (r *CheckpointReader) sync(ctx context.Context) error {
	emitted, err := r.syncLocal()
	if err != nil {
		return err
	}

	if emitted == 0 && r.remote != nil {
		return r.syncRemote(ctx)
	}

	return nil
}

// syncLocal emits the contiguous run of checkpoint files starting at
// the current sequence. A file that fails to parse is logged and
// retried on the next tick.
func (r *CheckpointReader) syncLocal() (int, error) {
	entries, err := os.ReadDir(r.path)
	if err != nil {
		return 0, fmt.Errorf("list checkpoint dir: %w", err)
	}

	available := map[SequenceNumber]string{}

	for _, entry := range entries {
		name := entry.Name()

		seqStr, ok := strings.CutSuffix(name, "."+FileSuffix)
		if !ok {
			continue
		}

		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil || seq < r.current {
			continue
		}

		available[seq] = filepath.Join(r.path, name)
	}

	emitted := 0

	for {
		path, ok := available[r.current]
		if !ok {
			return emitted, nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("checkpoint file unreadable, retrying next tick",
				slog.String("path", path), slog.Any("error", err))

			return emitted, nil
		}

		checkpoint, err := DecodeCheckpoint(data)
		if err != nil {
			derr := &DeserializeError{Sequence: r.current, Err: err}
			r.logger.Warn("checkpoint file undecodable, retrying next tick",
				slog.String("path", path), slog.Any("error", derr))

			return emitted, nil
		}

		if !r.withinCapacity(checkpoint.Size()) {
			return emitted, nil
		}

		if err := r.emit(checkpoint); err != nil {
			return emitted, err
		}

		emitted++
	}
}

// syncRemote drains whatever the prefetch pipeline has ready, in
// order, without blocking. A failed or out-of-order result tears the
// pipeline down; the next tick restarts it from the current sequence.
func (r *CheckpointReader) syncRemote(ctx context.Context) error {
	if r.fetched == nil {
		r.startFetchPipeline(ctx)
	}

	for {
		res := r.pendingFetch
		r.pendingFetch = nil

		if res == nil {
			select {
			case next, ok := <-r.fetched:
				if !ok {
					r.stopFetchPipeline()

					return nil
				}

				res = &next
			default:
				return nil
			}
		}

		if res.err != nil {
			if !errors.Is(res.err, objstore.ErrNotFound) {
				r.logger.Warn("remote checkpoint fetch failed", slog.Any("error", res.err))
			}

			r.stopFetchPipeline()

			return nil
		}

		if res.checkpoint.Summary.SequenceNumber != r.current {
			// Stale pipeline: local files advanced past it.
			r.stopFetchPipeline()

			return nil
		}

		if !r.withinCapacity(res.checkpoint.Size()) {
			r.pendingFetch = res

			return nil
		}

		if err := r.emit(res.checkpoint); err != nil {
			return err
		}
	}
}

// startFetchPipeline launches BatchSize concurrent remote fetches
// whose results are delivered strictly in sequence order.
func (r *CheckpointReader) startFetchPipeline(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	futures := make(chan chan fetchResult, r.opts.BatchSize)
	out := make(chan fetchResult)

	go func() {
		defer close(futures)

		for seq := r.current; ; seq++ {
			future := make(chan fetchResult, 1)

			go func(seq SequenceNumber) {
				future <- r.fetchOne(ctx, seq)
			}(seq)

			select {
			case futures <- future:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer close(out)

		for future := range futures {
			select {
			case res := <-future:
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	r.fetched = out
	r.fetchCancel = cancel
}

func (r *CheckpointReader) stopFetchPipeline() {
	if r.fetchCancel != nil {
		r.fetchCancel()
	}

	r.fetched = nil
	r.fetchCancel = nil
	r.pendingFetch = nil
}

// fetchOne downloads and decodes a single checkpoint, retrying
// transient failures with exponential backoff. A missing object is
// returned immediately: it usually just has not been produced yet.
func (r *CheckpointReader) fetchOne(ctx context.Context, seq SequenceNumber) fetchResult {
	operation := func() (*Checkpoint, error) {
		data, err := r.remote.Get(ctx, FileName(seq))
		if err != nil {
			if errors.Is(err, objstore.ErrNotFound) {
				return nil, backoff.Permanent(err)
			}

			return nil, err
		}

		checkpoint, err := DecodeCheckpoint(data)
		if err != nil {
			return nil, backoff.Permanent(&DeserializeError{Sequence: seq, Err: err})
		}

		return checkpoint, nil
	}

	checkpoint, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(r.opts.FetchTimeout),
	)

	return fetchResult{checkpoint: checkpoint, err: err}
}

// pruneBelow removes local files for checkpoints every task has
// passed and releases their in-flight budget.
func (r *CheckpointReader) pruneBelow(watermark SequenceNumber) {
	if watermark <= r.lastPruned {
		return
	}

	for seq := r.lastPruned; seq < watermark; seq++ {
		if size, ok := r.inFlight[seq]; ok {
			r.usedBytes -= size

			delete(r.inFlight, seq)
		}

		path := filepath.Join(r.path, FileName(seq))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("failed to prune checkpoint file",
				slog.String("path", path), slog.Any("error", err))
		}
	}

	r.lastPruned = watermark
}
