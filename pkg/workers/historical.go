package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Sumatoshi-tech/chainfeed/pkg/blob"
	"github.com/Sumatoshi-tech/chainfeed/pkg/history"
	"github.com/Sumatoshi-tech/chainfeed/pkg/ingest"
	"github.com/Sumatoshi-tech/chainfeed/pkg/objstore"
)

// DefaultCommitDuration is how much chain time one archive file spans
// when the config does not say otherwise.
const DefaultCommitDuration = 10 * time.Minute

// ErrArchiveGap is returned when a commit does not start where the
// manifest expects, which would leave a hole in archived history.
var ErrArchiveGap = errors.New("batch does not continue archived history")

// HistoricalConfig configures the archive writer.
type HistoricalConfig struct {
	// Store receives archive files and the manifest.
	Store objstore.Store

	// CommitDuration is the chain time span after which an open batch
	// is closed. Zero means the default.
	CommitDuration time.Duration

	// Compression selects the archive body compression. Nil selects
	// zstd; blob.CompressionNone stores archives uncompressed.
	Compression *blob.FileCompression

	Logger *slog.Logger
}

// HistoricalReducer batches contiguous checkpoints into ranged archive
// files and maintains the manifest. It pairs with RelayWorker so the
// full checkpoints reach the reducer.
//
// A batch closes on an epoch boundary, after CommitDuration of chain
// time, or right after the genesis checkpoint so sequence zero is
// always archived alone.
type HistoricalReducer struct {
	store          objstore.Store
	commitDuration time.Duration
	compression    blob.FileCompression
	logger         *slog.Logger
}

// NewHistoricalReducer builds the reducer and validates the config.
func NewHistoricalReducer(cfg HistoricalConfig) (*HistoricalReducer, error) {
	if cfg.Store == nil {
		return nil, errors.New("historical reducer needs an object store")
	}

	if cfg.CommitDuration <= 0 {
		cfg.CommitDuration = DefaultCommitDuration
	}

	compression := blob.CompressionZstd
	if cfg.Compression != nil {
		compression = *cfg.Compression
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &HistoricalReducer{
		store:          cfg.Store,
		commitDuration: cfg.CommitDuration,
		compression:    compression,
		logger:         cfg.Logger.With(slog.String("component", "historical")),
	}, nil
}

// Watermark returns the next sequence number the archive expects,
// which is where a restarted archiver should resume.
func (r *HistoricalReducer) Watermark(ctx context.Context) (uint64, error) {
	manifest, err := history.ReadManifest(ctx, r.store)
	if err != nil {
		return 0, err
	}

	return manifest.NextSequence, nil
}

func (r *HistoricalReducer) ShouldCloseBatch(batch []*ingest.Checkpoint, next **ingest.Checkpoint) bool {
	if len(batch) == 0 || next == nil {
		return false
	}

	first := batch[0].Summary
	summary := (*next).Summary

	// The genesis checkpoint is archived on its own.
	if summary.SequenceNumber == 1 {
		return true
	}

	if summary.Epoch != first.Epoch {
		return true
	}

	return summary.TimestampMs > first.TimestampMs+uint64(r.commitDuration.Milliseconds())
}

// Commit encodes the batch into one archive file, uploads it and
// rewrites the manifest. Batches already covered by the manifest, as
// happens when checkpoints are redelivered after a restart, are
// skipped.
func (r *HistoricalReducer) Commit(ctx context.Context, batch []*ingest.Checkpoint) error {
	if len(batch) == 0 {
		return nil
	}

	manifest, err := history.ReadManifest(ctx, r.store)
	if err != nil {
		return err
	}

	start := batch[0].Summary.SequenceNumber
	end := batch[len(batch)-1].Summary.SequenceNumber + 1

	if end <= manifest.NextSequence {
		return nil
	}

	if start < manifest.NextSequence {
		batch = batch[manifest.NextSequence-start:]
		start = manifest.NextSequence
	}

	if start > manifest.NextSequence {
		return fmt.Errorf("%w: batch starts at %d, archive expects %d",
			ErrArchiveGap, start, manifest.NextSequence)
	}

	data, err := history.EncodeArchive(batch, r.compression)
	if err != nil {
		return err
	}

	meta := history.NewFileMetadata(data, start, end)

	if err := r.store.Put(ctx, meta.FilePath(), data); err != nil {
		return fmt.Errorf("upload archive %s: %w", meta.FilePath(), err)
	}

	manifest.Update(end, meta)

	if err := history.WriteManifest(ctx, r.store, manifest); err != nil {
		return err
	}

	r.logger.Info("archived checkpoint range",
		slog.Uint64("start", start),
		slog.Uint64("end", end),
		slog.String("size", humanize.Bytes(uint64(len(data)))))

	return nil
}
