package history

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Sumatoshi-tech/chainfeed/pkg/blob"
	"github.com/Sumatoshi-tech/chainfeed/pkg/ingest"
)

// Archive file layout:
//
//	magic     u32 big-endian
//	format    u8  (blob stream)
//	compress  u8
//	body      framed blob records, compressed as one unit
//
// Only the body is compressed, so readers can inspect the header
// before allocating a decompressor.

// EncodeArchive frames the checkpoints into an archive file body and
// compresses it under the given compression.
func EncodeArchive(checkpoints []*ingest.Checkpoint, compression blob.FileCompression) ([]byte, error) {
	var stream bytes.Buffer

	for _, c := range checkpoints {
		b, err := blob.Encode(c, blob.EncodingGob)
		if err != nil {
			return nil, fmt.Errorf("encode checkpoint %d: %w", c.Summary.SequenceNumber, err)
		}

		if err := b.Write(&stream); err != nil {
			return nil, fmt.Errorf("frame checkpoint %d: %w", c.Summary.SequenceNumber, err)
		}
	}

	body, err := compression.Compress(stream.Bytes())
	if err != nil {
		return nil, fmt.Errorf("compress archive body: %w", err)
	}

	out := make([]byte, 0, magicBytes+2+len(body))
	out = binary.BigEndian.AppendUint32(out, CheckpointFileMagic)
	out = append(out, byte(blob.StorageFormatBlob), byte(compression))
	out = append(out, body...)

	return out, nil
}

// DecodeArchive validates the header, decompresses the body and
// decodes every checkpoint in order.
func DecodeArchive(data []byte) ([]*ingest.Checkpoint, error) {
	if len(data) < magicBytes+2 {
		return nil, fmt.Errorf("archive file of %d bytes is too short", len(data))
	}

	if magic := binary.BigEndian.Uint32(data); magic != CheckpointFileMagic {
		return nil, fmt.Errorf("%w: got %#08x", ErrBadMagic, magic)
	}

	if format := blob.StorageFormat(data[magicBytes]); format != blob.StorageFormatBlob {
		return nil, fmt.Errorf("%w: %d", blob.ErrUnknownStorageFormat, format)
	}

	compression := blob.FileCompression(data[magicBytes+1])

	stream, err := compression.Decompress(data[magicBytes+2:])
	if err != nil {
		return nil, fmt.Errorf("decompress archive body: %w", err)
	}

	r := bytes.NewReader(stream)

	var checkpoints []*ingest.Checkpoint

	for {
		b, err := blob.Read(r)
		if errors.Is(err, io.EOF) {
			return checkpoints, nil
		}

		if err != nil {
			return nil, fmt.Errorf("read archive record: %w", err)
		}

		var c ingest.Checkpoint
		if err := b.Decode(&c); err != nil {
			return nil, fmt.Errorf("decode archive record: %w", err)
		}

		checkpoints = append(checkpoints, &c)
	}
}
