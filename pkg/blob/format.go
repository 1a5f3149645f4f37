package blob

import (
	"errors"
	"fmt"
)

// StorageFormat identifies the layout of an archive file body.
type StorageFormat byte

// StorageFormatBlob is the only layout currently written: a
// concatenation of framed records.
const StorageFormatBlob StorageFormat = 1

// ErrUnknownStorageFormat is returned for storage format bytes this
// build does not understand.
var ErrUnknownStorageFormat = errors.New("unknown storage format")

func (f StorageFormat) String() string {
	if f == StorageFormatBlob {
		return "blob"
	}

	return fmt.Sprintf("format(%d)", byte(f))
}
