package workers_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/chainfeed/pkg/blob"
	"github.com/Sumatoshi-tech/chainfeed/pkg/history"
	"github.com/Sumatoshi-tech/chainfeed/pkg/ingest"
	"github.com/Sumatoshi-tech/chainfeed/pkg/objstore"
	"github.com/Sumatoshi-tech/chainfeed/pkg/workers"
)

func checkpoint(seq, epoch, timestampMs uint64) *ingest.Checkpoint {
	return &ingest.Checkpoint{
		Summary: ingest.Summary{
			SequenceNumber: seq,
			Epoch:          epoch,
			TimestampMs:    timestampMs,
		},
		Payload: []byte{byte(seq)},
	}
}

func newReducer(t *testing.T, store objstore.Store) *workers.HistoricalReducer {
	t.Helper()

	reducer, err := workers.NewHistoricalReducer(workers.HistoricalConfig{
		Store:          store,
		CommitDuration: time.Minute,
	})
	require.NoError(t, err)

	return reducer
}

func TestShouldCloseBatch(t *testing.T) {
	t.Parallel()

	reducer := newReducer(t, objstore.NewFSStore(t.TempDir()))

	base := uint64(1_700_000_000_000)

	tests := []struct {
		name  string
		batch []*ingest.Checkpoint
		next  *ingest.Checkpoint
		want  bool
	}{
		{
			name:  "empty batch never closes",
			batch: nil,
			next:  checkpoint(0, 0, base),
			want:  false,
		},
		{
			name:  "no next item never closes",
			batch: []*ingest.Checkpoint{checkpoint(0, 0, base)},
			next:  nil,
			want:  false,
		},
		{
			name:  "genesis is archived alone",
			batch: []*ingest.Checkpoint{checkpoint(0, 0, base)},
			next:  checkpoint(1, 0, base+1),
			want:  true,
		},
		{
			name:  "epoch change closes",
			batch: []*ingest.Checkpoint{checkpoint(10, 1, base)},
			next:  checkpoint(11, 2, base+1),
			want:  true,
		},
		{
			name:  "commit duration exceeded closes",
			batch: []*ingest.Checkpoint{checkpoint(10, 1, base)},
			next:  checkpoint(11, 1, base+61_000),
			want:  true,
		},
		{
			name:  "same epoch within duration stays open",
			batch: []*ingest.Checkpoint{checkpoint(10, 1, base)},
			next:  checkpoint(11, 1, base+59_000),
			want:  false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var next **ingest.Checkpoint
			if tc.next != nil {
				next = &tc.next
			}

			assert.Equal(t, tc.want, reducer.ShouldCloseBatch(tc.batch, next))
		})
	}
}

func TestCommitWritesArchiveAndManifest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := objstore.NewFSStore(t.TempDir())
	reducer := newReducer(t, store)

	batch := []*ingest.Checkpoint{
		checkpoint(0, 0, 1000),
	}
	require.NoError(t, reducer.Commit(ctx, batch))

	batch = []*ingest.Checkpoint{
		checkpoint(1, 0, 2000),
		checkpoint(2, 0, 3000),
		checkpoint(3, 0, 4000),
	}
	require.NoError(t, reducer.Commit(ctx, batch))

	watermark, err := reducer.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), watermark)

	manifest, err := history.ReadManifest(ctx, store)
	require.NoError(t, err)
	require.Len(t, manifest.Files, 2)
	assert.Equal(t, uint64(1), manifest.Files[1].StartSequence)
	assert.Equal(t, uint64(4), manifest.Files[1].EndSequence)

	// Archived ranges must read back intact.
	reader, err := history.NewReader(ctx, history.ReaderConfig{Store: store})
	require.NoError(t, err)
	defer reader.Close()

	files, err := reader.VerifyManifest(reader.Manifest())
	require.NoError(t, err)
	require.NoError(t, reader.VerifyFiles(ctx, files))

	got, err := reader.ReadRange(ctx, 0, 4)
	require.NoError(t, err)
	require.Len(t, got, 4)

	for i, c := range got {
		assert.Equal(t, uint64(i), c.Summary.SequenceNumber)
	}
}

func TestCommitSkipsAlreadyArchivedRanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := objstore.NewFSStore(t.TempDir())
	reducer := newReducer(t, store)

	batch := []*ingest.Checkpoint{checkpoint(0, 0, 1000), checkpoint(1, 0, 2000)}
	require.NoError(t, reducer.Commit(ctx, batch))

	// Redelivery of the same range after a restart is a no-op.
	require.NoError(t, reducer.Commit(ctx, batch))

	manifest, err := history.ReadManifest(ctx, store)
	require.NoError(t, err)
	assert.Len(t, manifest.Files, 1)

	// Partial overlap archives only the new tail.
	overlap := []*ingest.Checkpoint{checkpoint(1, 0, 2000), checkpoint(2, 0, 3000)}
	require.NoError(t, reducer.Commit(ctx, overlap))

	manifest, err = history.ReadManifest(ctx, store)
	require.NoError(t, err)
	require.Len(t, manifest.Files, 2)
	assert.Equal(t, uint64(2), manifest.Files[1].StartSequence)
	assert.Equal(t, uint64(3), manifest.NextSequence)
}

func TestCommitHonorsConfiguredCompression(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := objstore.NewFSStore(t.TempDir())

	compression := blob.CompressionNone
	reducer, err := workers.NewHistoricalReducer(workers.HistoricalConfig{
		Store:       store,
		Compression: &compression,
	})
	require.NoError(t, err)

	require.NoError(t, reducer.Commit(ctx, []*ingest.Checkpoint{checkpoint(0, 0, 1000)}))

	manifest, err := history.ReadManifest(ctx, store)
	require.NoError(t, err)
	require.Len(t, manifest.Files, 1)

	data, err := store.Get(ctx, manifest.Files[0].FilePath())
	require.NoError(t, err)

	// magic u32 | storage format u8 | compression u8 | record stream
	require.Greater(t, len(data), 6)
	assert.Equal(t, byte(blob.CompressionNone), data[5])

	got, err := history.DecodeArchive(data)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(0), got[0].Summary.SequenceNumber)
}

func TestCommitRejectsGaps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reducer := newReducer(t, objstore.NewFSStore(t.TempDir()))

	err := reducer.Commit(ctx, []*ingest.Checkpoint{checkpoint(5, 0, 1000)})
	require.ErrorIs(t, err, workers.ErrArchiveGap)
}

func TestBlobWorkerUploadsCheckpoints(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := objstore.NewFSStore(t.TempDir())
	worker := workers.NewBlobWorker(store)

	in := checkpoint(7, 0, 1000)

	seq, err := worker.ProcessCheckpoint(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), seq)

	data, err := store.Get(ctx, ingest.FileName(7))
	require.NoError(t, err)

	out, err := ingest.DecodeCheckpoint(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRelayWorkerPassesThrough(t *testing.T) {
	t.Parallel()

	in := checkpoint(3, 0, 1000)

	out, err := workers.RelayWorker{}.ProcessCheckpoint(context.Background(), in)
	require.NoError(t, err)
	assert.Same(t, in, out)
}
