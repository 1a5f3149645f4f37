// Package history implements the long-term checkpoint archive: ranged
// archive files holding contiguous runs of checkpoints, indexed by a
// single manifest object with an integrity checksum.
package history

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/Sumatoshi-tech/chainfeed/pkg/blob"
	"github.com/Sumatoshi-tech/chainfeed/pkg/objstore"
)

const (
	// ManifestFileMagic is the first four big-endian bytes of a
	// serialized manifest.
	ManifestFileMagic uint32 = 0x0000FACE

	// CheckpointFileMagic is the first four big-endian bytes of an
	// archive file.
	CheckpointFileMagic uint32 = 0x0000BEEF

	// ArchiveVersion is the only manifest layout this build writes.
	ArchiveVersion uint8 = 1

	// ManifestFilename is the fixed key of the manifest object.
	ManifestFilename = "MANIFEST"

	// ArchiveDir is the key prefix under which archive files live.
	ArchiveDir = "ingestion/historical"

	magicBytes    = 4
	checksumBytes = 32
)

var (
	// ErrBadMagic is returned when a file does not start with the
	// expected magic bytes.
	ErrBadMagic = errors.New("unexpected file magic")

	// ErrChecksumMismatch is returned when a manifest or archive file
	// fails integrity verification.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrUnsupportedVersion is returned for manifest layouts newer
	// than this build understands.
	ErrUnsupportedVersion = errors.New("unsupported manifest version")
)

// FileMetadata describes one archive file: the half-open checkpoint
// range [StartSequence, EndSequence) it contains and the sha3-256
// digest of its bytes.
type FileMetadata struct {
	StartSequence uint64
	EndSequence   uint64
	Checksum      [checksumBytes]byte
}

// NewFileMetadata computes metadata for archive file contents covering
// the given range.
func NewFileMetadata(data []byte, start, end uint64) FileMetadata {
	return FileMetadata{
		StartSequence: start,
		EndSequence:   end,
		Checksum:      sha3.Sum256(data),
	}
}

// FilePath returns the object key of the archive file, derived from
// its first sequence number.
func (m FileMetadata) FilePath() string {
	return fmt.Sprintf("%s/%d.%s", ArchiveDir, m.StartSequence, CheckpointFileSuffix)
}

// CheckpointFileSuffix is the extension of archive files.
const CheckpointFileSuffix = "chk"

// Manifest indexes every archive file and records the next checkpoint
// sequence number the archive expects.
type Manifest struct {
	Version      uint8
	NextSequence uint64
	Files        []FileMetadata
}

// NewManifest returns an empty manifest expecting next as its first
// checkpoint.
func NewManifest(next uint64) *Manifest {
	return &Manifest{Version: ArchiveVersion, NextSequence: next}
}

// Update appends a file entry and advances the expected sequence.
func (m *Manifest) Update(next uint64, file FileMetadata) {
	m.Files = append(m.Files, file)
	m.NextSequence = next
}

// Encode renders the manifest in its on-store form: magic, a framed
// blob holding the serialized manifest, and a trailing sha3-256 digest
// over everything before it.
func (m *Manifest) Encode() ([]byte, error) {
	if m.Version != ArchiveVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.Version)
	}

	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.BigEndian, ManifestFileMagic); err != nil {
		return nil, fmt.Errorf("write manifest magic: %w", err)
	}

	body, err := blob.Encode(m, blob.EncodingGob)
	if err != nil {
		return nil, fmt.Errorf("encode manifest body: %w", err)
	}

	if err := body.Write(&buf); err != nil {
		return nil, fmt.Errorf("write manifest body: %w", err)
	}

	digest := sha3.Sum256(buf.Bytes())
	buf.Write(digest[:])

	return buf.Bytes(), nil
}

// DecodeManifest parses and verifies the on-store form.
func DecodeManifest(data []byte) (*Manifest, error) {
	if len(data) < magicBytes+checksumBytes {
		return nil, fmt.Errorf("manifest of %d bytes is too short", len(data))
	}

	head, tail := data[:len(data)-checksumBytes], data[len(data)-checksumBytes:]

	digest := sha3.Sum256(head)
	if !bytes.Equal(digest[:], tail) {
		return nil, fmt.Errorf("verify manifest: %w", ErrChecksumMismatch)
	}

	if magic := binary.BigEndian.Uint32(head); magic != ManifestFileMagic {
		return nil, fmt.Errorf("%w: got %#08x", ErrBadMagic, magic)
	}

	body, err := blob.Read(bytes.NewReader(head[magicBytes:]))
	if err != nil {
		return nil, fmt.Errorf("read manifest body: %w", err)
	}

	var m Manifest
	if err := body.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest body: %w", err)
	}

	if m.Version != ArchiveVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.Version)
	}

	return &m, nil
}

// ReadManifest fetches and parses the manifest. A missing manifest is
// an empty archive starting at sequence zero, not an error.
func ReadManifest(ctx context.Context, store objstore.Store) (*Manifest, error) {
	data, err := store.Get(ctx, ManifestFilename)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return NewManifest(0), nil
		}

		return nil, fmt.Errorf("fetch manifest: %w", err)
	}

	return DecodeManifest(data)
}

// WriteManifest serializes and stores the manifest, replacing the
// previous object.
func WriteManifest(ctx context.Context, store objstore.Store, m *Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}

	if err := store.Put(ctx, ManifestFilename, data); err != nil {
		return fmt.Errorf("store manifest: %w", err)
	}

	return nil
}
