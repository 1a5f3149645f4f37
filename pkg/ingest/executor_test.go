package ingest_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/chainfeed/pkg/ingest"
	"github.com/Sumatoshi-tech/chainfeed/pkg/ingest/progress"
)

const waitFor = 10 * time.Second

func makeCheckpoint(seq uint64) *ingest.Checkpoint {
	return &ingest.Checkpoint{
		Summary: ingest.Summary{
			SequenceNumber: seq,
			Epoch:          seq / 100,
			TimestampMs:    1_700_000_000_000 + seq*250,
		},
		Payload: []byte{byte(seq), byte(seq >> 8)},
	}
}

func writeCheckpoints(t *testing.T, dir string, start, end uint64) {
	t.Helper()

	for seq := start; seq < end; seq++ {
		data, err := ingest.EncodeCheckpoint(makeCheckpoint(seq))
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(filepath.Join(dir, ingest.FileName(seq)), data, 0o644))
	}
}

// countingWorker records every sequence it processes.
type countingWorker struct {
	processed atomic.Int64

	mu   sync.Mutex
	seen []uint64

	failAt uint64
	fail   bool
}

func (w *countingWorker) ProcessCheckpoint(_ context.Context, c *ingest.Checkpoint) (uint64, error) {
	seq := c.Summary.SequenceNumber

	if w.fail && seq == w.failAt {
		return 0, errors.New("synthetic worker failure")
	}

	w.mu.Lock()
	w.seen = append(w.seen, seq)
	w.mu.Unlock()

	w.processed.Add(1)

	return seq, nil
}

func (w *countingWorker) minSeen() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	min := uint64(0)
	for i, seq := range w.seen {
		if i == 0 || seq < min {
			min = seq
		}
	}

	return min
}

var errHook = errors.New("synthetic hook failure")

// hookedWorker observes every intake checkpoint and can fail the hook
// at a chosen sequence.
type hookedWorker struct {
	countingWorker

	hookCalls  atomic.Int64
	hookFail   bool
	hookFailAt uint64
}

func (w *hookedWorker) PreprocessHook(c *ingest.Checkpoint) error {
	if w.hookFail && c.Summary.SequenceNumber == w.hookFailAt {
		return errHook
	}

	w.hookCalls.Add(1)

	return nil
}

// observingWorker records every watermark candidate the pool hands to
// its progress hook and reports it unchanged.
type observingWorker struct {
	countingWorker

	mu       sync.Mutex
	observed []uint64
}

func (w *observingWorker) SaveProgress(seq uint64) (uint64, bool) {
	w.mu.Lock()
	w.observed = append(w.observed, seq)
	w.mu.Unlock()

	return seq, true
}

func (w *observingWorker) maxObserved() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	max := uint64(0)
	for _, seq := range w.observed {
		if seq > max {
			max = seq
		}
	}

	return max
}

// sizeReducer closes batches at a fixed size and records every commit.
type sizeReducer struct {
	size int

	mu      sync.Mutex
	batches [][]uint64
}

func (r *sizeReducer) Commit(_ context.Context, batch []uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.batches = append(r.batches, append([]uint64(nil), batch...))

	return nil
}

func (r *sizeReducer) ShouldCloseBatch(batch []uint64, _ *uint64) bool {
	return len(batch) >= r.size
}

func (r *sizeReducer) commitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.batches)
}

func runExecutor(
	ctx context.Context,
	t *testing.T,
	executor *ingest.Executor,
	dir string,
) <-chan map[string]uint64 {
	t.Helper()

	done := make(chan map[string]uint64, 1)

	go func() {
		stats, err := executor.Run(ctx, ingest.ExecutorConfig{Path: dir})
		assert.NoError(t, err)
		done <- stats
	}()

	return done
}

func TestRunWithoutPools(t *testing.T) {
	t.Parallel()

	executor := ingest.NewExecutor(progress.NewMemoryStore(0), nil, nil)

	_, err := executor.Run(context.Background(), ingest.ExecutorConfig{Path: t.TempDir()})
	require.ErrorIs(t, err, ingest.ErrEmptyWorkerPool)
}

func TestBasicFlow(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	writeCheckpoints(t, dir, 0, 20)

	worker := &countingWorker{}
	executor := ingest.NewExecutor(progress.NewMemoryStore(0), nil, nil)
	require.NoError(t, executor.Register(ctx, ingest.NewWorkerPool[uint64](worker, "counter", 5)))

	done := runExecutor(ctx, t, executor, dir)

	require.Eventually(t, func() bool {
		return worker.processed.Load() == 20
	}, waitFor, 10*time.Millisecond)

	cancel()

	stats := <-done
	assert.Equal(t, uint64(20), stats["counter"])
}

func TestBatchReducer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	writeCheckpoints(t, dir, 0, 20)

	worker := &countingWorker{}
	reducer := &sizeReducer{size: 5}
	executor := ingest.NewExecutor(progress.NewMemoryStore(0), nil, nil)
	require.NoError(t, executor.Register(ctx,
		ingest.NewWorkerPool[uint64](worker, "batcher", 3, ingest.WithReducer[uint64](reducer))))

	done := runExecutor(ctx, t, executor, dir)

	require.Eventually(t, func() bool {
		return reducer.commitCount() == 4
	}, waitFor, 10*time.Millisecond)

	cancel()

	stats := <-done
	assert.Equal(t, uint64(20), stats["batcher"])

	for _, batch := range reducer.batches {
		assert.Len(t, batch, 5)
	}

	// Batches arrive in sequence order despite concurrent workers.
	assert.Equal(t, uint64(0), reducer.batches[0][0])
	assert.Equal(t, uint64(15), reducer.batches[3][0])
}

func TestWorkerErrorIsFatal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	dir := t.TempDir()
	writeCheckpoints(t, dir, 0, 10)

	worker := &countingWorker{fail: true, failAt: 5}
	executor := ingest.NewExecutor(progress.NewMemoryStore(0), nil, nil)
	require.NoError(t, executor.Register(ctx, ingest.NewWorkerPool[uint64](worker, "failing", 1)))

	_, err := executor.Run(ctx, ingest.ExecutorConfig{Path: dir})
	require.Error(t, err)

	var perr *ingest.ProcessingError

	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "failing", perr.Task)
	assert.Equal(t, uint64(5), perr.Sequence)
	assert.Equal(t, ingest.StateStopped, executor.State())
}

func TestCommitErrorIsFatal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	dir := t.TempDir()
	writeCheckpoints(t, dir, 0, 10)

	reducer := ingest.ReducerFuncs[uint64]{
		CommitFunc: func(context.Context, []uint64) error {
			return errors.New("synthetic commit failure")
		},
		ShouldCloseFunc: func(batch []uint64, _ *uint64) bool { return len(batch) >= 1 },
	}

	executor := ingest.NewExecutor(progress.NewMemoryStore(0), nil, nil)
	require.NoError(t, executor.Register(ctx,
		ingest.NewWorkerPool[uint64](&countingWorker{}, "badcommit", 2, ingest.WithReducer[uint64](reducer))))

	_, err := executor.Run(ctx, ingest.ExecutorConfig{Path: dir})

	var cerr *ingest.CommitError

	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "badcommit", cerr.Task)
}

func TestPreprocessHookObservesIntake(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	writeCheckpoints(t, dir, 0, 10)

	worker := &hookedWorker{}
	executor := ingest.NewExecutor(progress.NewMemoryStore(0), nil, nil)
	require.NoError(t, executor.Register(ctx, ingest.NewWorkerPool[uint64](worker, "hooked", 3)))

	done := runExecutor(ctx, t, executor, dir)

	require.Eventually(t, func() bool {
		return worker.processed.Load() == 10
	}, waitFor, 10*time.Millisecond)

	cancel()

	stats := <-done
	assert.Equal(t, uint64(10), stats["hooked"])
	assert.Equal(t, int64(10), worker.hookCalls.Load())
}

func TestPreprocessHookErrorIsFatal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	dir := t.TempDir()
	writeCheckpoints(t, dir, 0, 10)

	worker := &hookedWorker{hookFail: true, hookFailAt: 4}
	executor := ingest.NewExecutor(progress.NewMemoryStore(0), nil, nil)
	require.NoError(t, executor.Register(ctx, ingest.NewWorkerPool[uint64](worker, "badhook", 2)))

	_, err := executor.Run(ctx, ingest.ExecutorConfig{Path: dir})
	require.ErrorIs(t, err, errHook)
	assert.Equal(t, ingest.StateStopped, executor.State())
}

func TestSaveProgressHookPinsWatermark(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	writeCheckpoints(t, dir, 0, 6)

	// The batch closes only right before sequence 2, so sequences 2..5
	// stay in an open batch for the whole run.
	reducer := &sizeReducer{}
	policy := ingest.ReducerFuncs[uint64]{
		CommitFunc: reducer.Commit,
		ShouldCloseFunc: func(_ []uint64, next *uint64) bool {
			return next != nil && *next == 2
		},
	}

	worker := &observingWorker{}
	executor := ingest.NewExecutor(progress.NewMemoryStore(0), nil, nil)
	require.NoError(t, executor.Register(ctx,
		ingest.NewWorkerPool[uint64](worker, "pinned", 2, ingest.WithReducer[uint64](policy))))

	done := runExecutor(ctx, t, executor, dir)

	require.Eventually(t, func() bool {
		return worker.processed.Load() == 6
	}, waitFor, 10*time.Millisecond)

	cancel()

	stats := <-done

	// Only [0 1] was ever committed; the hook must never see, and the
	// store must never record, a watermark past the committed prefix.
	require.Equal(t, [][]uint64{{0, 1}}, reducer.batches)
	assert.Equal(t, uint64(2), stats["pinned"])
	assert.LessOrEqual(t, worker.maxObserved(), uint64(2))
}

func TestResumeSkipsProcessedCheckpoints(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	progressPath := filepath.Join(t.TempDir(), "progress.json")

	writeCheckpoints(t, dir, 0, 20)

	run := func(expectProcessed int64) (*countingWorker, map[string]uint64) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		worker := &countingWorker{}
		executor := ingest.NewExecutor(progress.NewFileStore(progressPath, nil), nil, nil)
		require.NoError(t, executor.Register(ctx, ingest.NewWorkerPool[uint64](worker, "resumer", 4)))

		done := runExecutor(ctx, t, executor, dir)

		require.Eventually(t, func() bool {
			return worker.processed.Load() == expectProcessed
		}, waitFor, 10*time.Millisecond)

		cancel()

		return worker, <-done
	}

	_, stats := run(20)
	require.Equal(t, uint64(20), stats["resumer"])

	// The first run pruned processed files; provide the next range.
	writeCheckpoints(t, dir, 20, 30)

	worker, stats := run(10)
	assert.Equal(t, uint64(30), stats["resumer"])
	assert.Equal(t, uint64(20), worker.minSeen())
}

func TestMultiplePoolsShareReader(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	writeCheckpoints(t, dir, 0, 15)

	fast := &countingWorker{}
	slow := &countingWorker{}
	executor := ingest.NewExecutor(progress.NewMemoryStore(0), nil, nil)
	require.NoError(t, executor.Register(ctx, ingest.NewWorkerPool[uint64](fast, "fast", 5)))
	require.NoError(t, executor.Register(ctx, ingest.NewWorkerPool[uint64](slow, "slow", 1)))

	done := runExecutor(ctx, t, executor, dir)

	require.Eventually(t, func() bool {
		return fast.processed.Load() == 15 && slow.processed.Load() == 15
	}, waitFor, 10*time.Millisecond)

	cancel()

	stats := <-done
	assert.Equal(t, uint64(15), stats["fast"])
	assert.Equal(t, uint64(15), stats["slow"])
}
