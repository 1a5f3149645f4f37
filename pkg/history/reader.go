package history

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/chainfeed/pkg/ingest"
	"github.com/Sumatoshi-tech/chainfeed/pkg/objstore"
)

// DefaultManifestSyncInterval is how often a background-syncing reader
// refreshes its manifest snapshot.
const DefaultManifestSyncInterval = 5 * time.Minute

// defaultDownloadConcurrency bounds parallel archive downloads during
// ranged reads and verification.
const defaultDownloadConcurrency = 5

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	// Store holds the manifest and archive files.
	Store objstore.Store

	// DownloadConcurrency bounds parallel downloads. Zero means the
	// default.
	DownloadConcurrency int

	// SyncInterval enables periodic manifest refresh when positive.
	SyncInterval time.Duration

	Logger *slog.Logger
}

// Reader serves checkpoints out of the archive for consumers that
// start behind the live window. It keeps a manifest snapshot that can
// be refreshed manually or on a timer.
type Reader struct {
	store       objstore.Store
	concurrency int
	logger      *slog.Logger

	mu       sync.RWMutex
	manifest *Manifest

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReader fetches an initial manifest snapshot and, when a sync
// interval is configured, starts the background refresh loop.
func NewReader(ctx context.Context, cfg ReaderConfig) (*Reader, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.DownloadConcurrency <= 0 {
		cfg.DownloadConcurrency = defaultDownloadConcurrency
	}

	manifest, err := ReadManifest(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		store:       cfg.Store,
		concurrency: cfg.DownloadConcurrency,
		logger:      cfg.Logger,
		manifest:    manifest,
		done:        make(chan struct{}),
	}

	if cfg.SyncInterval > 0 {
		var loopCtx context.Context

		loopCtx, r.cancel = context.WithCancel(context.Background())
		go r.syncLoop(loopCtx, cfg.SyncInterval)
	} else {
		close(r.done)
	}

	return r, nil
}

func (r *Reader) syncLoop(ctx context.Context, interval time.Duration) {
	defer close(r.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SyncManifest(ctx); err != nil {
				r.logger.Warn("manifest refresh failed", slog.Any("error", err))
			}
		}
	}
}

// SyncManifest replaces the manifest snapshot with the stored one.
func (r *Reader) SyncManifest(ctx context.Context) error {
	manifest, err := ReadManifest(ctx, r.store)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.manifest = manifest
	r.mu.Unlock()

	return nil
}

// Manifest returns the current snapshot.
func (r *Reader) Manifest() *Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.manifest
}

// LatestAvailable returns the sequence number the archive expects
// next, i.e. one past the highest archived checkpoint.
func (r *Reader) LatestAvailable() uint64 {
	return r.Manifest().NextSequence
}

// Close stops the background refresh loop, if any.
func (r *Reader) Close() {
	if r.cancel != nil {
		r.cancel()
	}

	<-r.done
}

// VerifyManifest checks that the file entries cover history without
// gaps or overlaps and end at the manifest's next sequence. It returns
// the entries sorted by range.
func (r *Reader) VerifyManifest(m *Manifest) ([]FileMetadata, error) {
	files := make([]FileMetadata, len(m.Files))
	copy(files, m.Files)

	sort.Slice(files, func(i, j int) bool {
		return files[i].StartSequence < files[j].StartSequence
	})

	expected := uint64(0)
	for _, f := range files {
		if f.StartSequence != expected {
			return nil, fmt.Errorf("archive gap: file %s starts at %d, expected %d",
				f.FilePath(), f.StartSequence, expected)
		}

		if f.EndSequence <= f.StartSequence {
			return nil, fmt.Errorf("archive file %s has empty range", f.FilePath())
		}

		expected = f.EndSequence
	}

	if expected != m.NextSequence {
		return nil, fmt.Errorf("archive ends at %d but manifest expects %d", expected, m.NextSequence)
	}

	return files, nil
}

// VerifyFiles downloads every listed archive file concurrently and
// checks its digest against the manifest entry.
func (r *Reader) VerifyFiles(ctx context.Context, files []FileMetadata) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, f := range files {
		g.Go(func() error {
			data, err := r.store.Get(ctx, f.FilePath())
			if err != nil {
				return err
			}

			digest := sha3.Sum256(data)
			if !bytes.Equal(digest[:], f.Checksum[:]) {
				return fmt.Errorf("verify %s: %w", f.FilePath(), ErrChecksumMismatch)
			}

			return nil
		})
	}

	return g.Wait()
}

// filesForRange selects the manifest entries overlapping [start, end).
func (r *Reader) filesForRange(start, end uint64) ([]FileMetadata, error) {
	files, err := r.VerifyManifest(r.Manifest())
	if err != nil {
		return nil, err
	}

	var overlap []FileMetadata
	for _, f := range files {
		if f.EndSequence > start && f.StartSequence < end {
			overlap = append(overlap, f)
		}
	}

	return overlap, nil
}

// ReadRange fetches and decodes the checkpoints in [start, end) in
// order, downloading the covering archive files concurrently.
func (r *Reader) ReadRange(ctx context.Context, start, end uint64) ([]*ingest.Checkpoint, error) {
	if end <= start {
		return nil, nil
	}

	if latest := r.LatestAvailable(); end > latest {
		return nil, fmt.Errorf("range end %d is beyond archived history (%d)", end, latest)
	}

	files, err := r.filesForRange(start, end)
	if err != nil {
		return nil, err
	}

	perFile := make([][]*ingest.Checkpoint, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, f := range files {
		g.Go(func() error {
			data, err := r.store.Get(gctx, f.FilePath())
			if err != nil {
				return err
			}

			checkpoints, err := DecodeArchive(data)
			if err != nil {
				return fmt.Errorf("decode %s: %w", f.FilePath(), err)
			}

			perFile[i] = checkpoints

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*ingest.Checkpoint

	for _, checkpoints := range perFile {
		for _, c := range checkpoints {
			if seq := c.Summary.SequenceNumber; seq >= start && seq < end {
				out = append(out, c)
			}
		}
	}

	return out, nil
}
