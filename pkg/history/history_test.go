package history_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/chainfeed/pkg/blob"
	"github.com/Sumatoshi-tech/chainfeed/pkg/history"
	"github.com/Sumatoshi-tech/chainfeed/pkg/ingest"
	"github.com/Sumatoshi-tech/chainfeed/pkg/objstore"
)

func makeCheckpoints(start, end uint64) []*ingest.Checkpoint {
	out := make([]*ingest.Checkpoint, 0, end-start)
	for seq := start; seq < end; seq++ {
		out = append(out, &ingest.Checkpoint{
			Summary: ingest.Summary{
				SequenceNumber: seq,
				Epoch:          seq / 10,
				TimestampMs:    1_700_000_000_000 + seq,
			},
			Payload: []byte{byte(seq)},
		})
	}

	return out
}

// archiveRange encodes checkpoints [start, end), stores the file and
// updates the manifest, mirroring what the historical writer does.
func archiveRange(t *testing.T, store objstore.Store, start, end uint64) {
	t.Helper()

	ctx := context.Background()

	data, err := history.EncodeArchive(makeCheckpoints(start, end), blob.CompressionZstd)
	require.NoError(t, err)

	meta := history.NewFileMetadata(data, start, end)
	require.NoError(t, store.Put(ctx, meta.FilePath(), data))

	manifest, err := history.ReadManifest(ctx, store)
	require.NoError(t, err)

	manifest.Update(end, meta)
	require.NoError(t, history.WriteManifest(ctx, store, manifest))
}

func TestManifestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	m := history.NewManifest(0)
	m.Update(100, history.FileMetadata{StartSequence: 0, EndSequence: 100})
	m.Update(250, history.FileMetadata{StartSequence: 100, EndSequence: 250})

	data, err := m.Encode()
	require.NoError(t, err)

	got, err := history.DecodeManifest(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestDecodeManifestDetectsCorruption(t *testing.T) {
	t.Parallel()

	data, err := history.NewManifest(42).Encode()
	require.NoError(t, err)

	data[len(data)/2] ^= 0xFF

	_, err = history.DecodeManifest(data)
	require.ErrorIs(t, err, history.ErrChecksumMismatch)
}

func TestReadManifestMissingIsEmpty(t *testing.T) {
	t.Parallel()

	m, err := history.ReadManifest(context.Background(), objstore.NewFSStore(t.TempDir()))
	require.NoError(t, err)
	assert.Zero(t, m.NextSequence)
	assert.Empty(t, m.Files)
}

func TestArchiveRoundTrip(t *testing.T) {
	t.Parallel()

	in := makeCheckpoints(10, 35)

	for _, c := range []blob.FileCompression{
		blob.CompressionNone,
		blob.CompressionZstd,
		blob.CompressionLz4,
	} {
		data, err := history.EncodeArchive(in, c)
		require.NoError(t, err, c.String())

		out, err := history.DecodeArchive(data)
		require.NoError(t, err, c.String())
		assert.Equal(t, in, out, c.String())
	}
}

func TestDecodeArchiveRejectsBadMagic(t *testing.T) {
	t.Parallel()

	data, err := history.EncodeArchive(makeCheckpoints(0, 3), blob.CompressionNone)
	require.NoError(t, err)

	data[0] = 0xAA

	_, err = history.DecodeArchive(data)
	require.ErrorIs(t, err, history.ErrBadMagic)
}

func TestReaderReadRange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := objstore.NewFSStore(t.TempDir())

	archiveRange(t, store, 0, 20)
	archiveRange(t, store, 20, 50)
	archiveRange(t, store, 50, 60)

	reader, err := history.NewReader(ctx, history.ReaderConfig{Store: store})
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, uint64(60), reader.LatestAvailable())

	got, err := reader.ReadRange(ctx, 15, 55)
	require.NoError(t, err)
	require.Len(t, got, 40)

	for i, c := range got {
		assert.Equal(t, uint64(15+i), c.Summary.SequenceNumber)
	}

	_, err = reader.ReadRange(ctx, 50, 100)
	require.Error(t, err)
}

func TestReaderVerify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := objstore.NewFSStore(t.TempDir())

	archiveRange(t, store, 0, 20)
	archiveRange(t, store, 20, 40)

	reader, err := history.NewReader(ctx, history.ReaderConfig{Store: store})
	require.NoError(t, err)
	defer reader.Close()

	files, err := reader.VerifyManifest(reader.Manifest())
	require.NoError(t, err)
	require.Len(t, files, 2)

	require.NoError(t, reader.VerifyFiles(ctx, files))

	// Flip a byte in the second archive and expect verification to fail.
	data, err := store.Get(ctx, files[1].FilePath())
	require.NoError(t, err)

	data[len(data)-1] ^= 0x01
	require.NoError(t, store.Put(ctx, files[1].FilePath(), data))

	require.ErrorIs(t, reader.VerifyFiles(ctx, files), history.ErrChecksumMismatch)
}

func TestVerifyManifestDetectsGaps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := objstore.NewFSStore(t.TempDir())

	m := history.NewManifest(0)
	m.Update(20, history.FileMetadata{StartSequence: 0, EndSequence: 20})
	m.Update(50, history.FileMetadata{StartSequence: 30, EndSequence: 50})

	reader, err := history.NewReader(ctx, history.ReaderConfig{Store: store})
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.VerifyManifest(m)
	require.ErrorContains(t, err, "archive gap")
}
