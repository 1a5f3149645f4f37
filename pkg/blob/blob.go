// Package blob implements the length-prefixed binary framing used to
// persist checkpoints, manifests and archive files. A framed record
// carries a single encoding byte so readers can decode payloads written
// by older producers with a different serialization format.
package blob

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Encoding identifies the serialization format of a blob payload.
type Encoding byte

const (
	// EncodingGob is the default binary payload encoding.
	EncodingGob Encoding = 1

	// EncodingJSON is a human-readable payload encoding, mainly useful
	// for debugging archives with standard tooling.
	EncodingJSON Encoding = 2
)

// maxBlobSize bounds a single framed record. It guards readers against
// corrupted length prefixes claiming absurd payload sizes.
const maxBlobSize = 1 << 30

var (
	// ErrUnknownEncoding is returned when a record carries an encoding
	// byte this build does not understand.
	ErrUnknownEncoding = errors.New("unknown blob encoding")

	// ErrEmptyBlob is returned when a framed record has no payload.
	ErrEmptyBlob = errors.New("empty blob record")
)

// Blob is a single encoded payload together with its encoding tag.
type Blob struct {
	Encoding Encoding
	Data     []byte
}

// Encode serializes v under the given encoding.
func Encode(v any, encoding Encoding) (Blob, error) {
	var buf bytes.Buffer

	switch encoding {
	case EncodingGob:
		if err := gob.NewEncoder(&buf).Encode(v); err != nil {
			return Blob{}, fmt.Errorf("gob encode: %w", err)
		}
	case EncodingJSON:
		if err := json.NewEncoder(&buf).Encode(v); err != nil {
			return Blob{}, fmt.Errorf("json encode: %w", err)
		}
	default:
		return Blob{}, fmt.Errorf("%w: %d", ErrUnknownEncoding, encoding)
	}

	return Blob{Encoding: encoding, Data: buf.Bytes()}, nil
}

// Decode deserializes the blob payload into v, which must be a pointer.
func (b Blob) Decode(v any) error {
	switch b.Encoding {
	case EncodingGob:
		if err := gob.NewDecoder(bytes.NewReader(b.Data)).Decode(v); err != nil {
			return fmt.Errorf("gob decode: %w", err)
		}
	case EncodingJSON:
		if err := json.Unmarshal(b.Data, v); err != nil {
			return fmt.Errorf("json decode: %w", err)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownEncoding, b.Encoding)
	}

	return nil
}

// ToBytes renders the blob in its standalone file form: a single
// encoding byte followed by the raw payload, with no length prefix.
func (b Blob) ToBytes() []byte {
	out := make([]byte, 0, len(b.Data)+1)
	out = append(out, byte(b.Encoding))
	out = append(out, b.Data...)

	return out
}

// FromBytes parses the standalone file form produced by ToBytes.
func FromBytes(data []byte) (Blob, error) {
	if len(data) < 2 {
		return Blob{}, ErrEmptyBlob
	}

	return Blob{Encoding: Encoding(data[0]), Data: data[1:]}, nil
}

// ByteSource combines the reader capabilities needed to decode a
// framed record stream. Both bytes.Reader and bufio.Reader satisfy it.
type ByteSource interface {
	io.Reader
	io.ByteReader
}

// Write appends the framed form of the blob to w: a uvarint length
// covering the encoding byte plus payload, then the encoding byte,
// then the payload.
func (b Blob) Write(w io.Writer) error {
	var prefix [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(prefix[:], uint64(len(b.Data))+1)
	if _, err := w.Write(prefix[:n]); err != nil {
		return fmt.Errorf("write blob length: %w", err)
	}

	if _, err := w.Write([]byte{byte(b.Encoding)}); err != nil {
		return fmt.Errorf("write blob encoding: %w", err)
	}

	if _, err := w.Write(b.Data); err != nil {
		return fmt.Errorf("write blob payload: %w", err)
	}

	return nil
}

// Read consumes one framed record from r. It returns io.EOF when the
// stream is exhausted cleanly at a record boundary.
func Read(r ByteSource) (Blob, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Blob{}, io.EOF
		}

		return Blob{}, fmt.Errorf("read blob length: %w", err)
	}

	if size == 0 {
		return Blob{}, ErrEmptyBlob
	}

	if size > maxBlobSize {
		return Blob{}, fmt.Errorf("blob record of %d bytes exceeds limit", size)
	}

	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Blob{}, fmt.Errorf("read blob payload: %w", err)
	}

	return Blob{Encoding: Encoding(raw[0]), Data: raw[1:]}, nil
}
