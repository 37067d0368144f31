// Package loader abstracts random-access sources of program and tensor
// bytes. Implementations do no buffering of their own; the OS page cache
// is the only cache layer.
package loader

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned for reads extending past the declared size.
var ErrOutOfRange = errors.New("loader: read out of range")

// Loader is a random-access byte source. Load is positional, never
// sequential, and must fail with ErrOutOfRange rather than truncate.
type Loader interface {
	// Load returns length bytes starting at offset. Whether the slice
	// aliases the underlying storage is implementation-defined; callers
	// must treat it as read-only either way.
	Load(offset, length int64) ([]byte, error)

	// Size returns the total number of addressable bytes.
	Size() int64
}

func checkRange(offset, length, size int64) error {
	if offset < 0 || length < 0 {
		return fmt.Errorf("loader: negative offset %d or length %d: %w", offset, length, ErrOutOfRange)
	}
	if offset > size || length > size-offset {
		return fmt.Errorf("loader: [%d,+%d) exceeds size %d: %w", offset, length, size, ErrOutOfRange)
	}
	return nil
}

// Buffer serves reads from an in-memory byte slice, zero-copy.
type Buffer struct {
	data []byte
}

func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

func (b *Buffer) Load(offset, length int64) ([]byte, error) {
	if err := checkRange(offset, length, int64(len(b.data))); err != nil {
		return nil, err
	}
	return b.data[offset : offset+length : offset+length], nil
}

func (b *Buffer) Size() int64 { return int64(len(b.data)) }
