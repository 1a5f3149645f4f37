package ingest

import (
	"fmt"

	"github.com/Sumatoshi-tech/chainfeed/pkg/blob"
)

// SequenceNumber is the position of a checkpoint in the totally
// ordered chain history. Sequence numbers start at zero and have no
// gaps.
type SequenceNumber = uint64

// Summary carries the ordering and batching metadata of a checkpoint.
type Summary struct {
	// SequenceNumber orders the checkpoint within the chain.
	SequenceNumber SequenceNumber

	// Epoch is the consensus epoch the checkpoint was produced in.
	Epoch uint64

	// TimestampMs is the checkpoint commit time in unix milliseconds.
	TimestampMs uint64
}

// Checkpoint is one immutable unit of ingested chain data: a summary
// plus the opaque serialized contents the workers consume.
type Checkpoint struct {
	Summary Summary
	Payload []byte
}

// FileSuffix is the extension of serialized checkpoint files, both in
// the local ingestion directory and in remote stores.
const FileSuffix = "chk"

// FileName returns the canonical file name for a sequence number.
func FileName(seq SequenceNumber) string {
	return fmt.Sprintf("%d.%s", seq, FileSuffix)
}

// EncodeCheckpoint renders a checkpoint in its standalone file form.
func EncodeCheckpoint(c *Checkpoint) ([]byte, error) {
	b, err := blob.Encode(c, blob.EncodingGob)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %d: %w", c.Summary.SequenceNumber, err)
	}

	return b.ToBytes(), nil
}

// DecodeCheckpoint parses the standalone file form of a checkpoint.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	b, err := blob.FromBytes(data)
	if err != nil {
		return nil, err
	}

	var c Checkpoint
	if err := b.Decode(&c); err != nil {
		return nil, err
	}

	return &c, nil
}

// Size returns the serialized payload size in bytes, used for
// in-flight memory accounting.
func (c *Checkpoint) Size() uint64 {
	return uint64(len(c.Payload))
}
