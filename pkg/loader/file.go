package loader

import (
	"fmt"
	"io"
	"os"
)

// File reads from an open file with pread-style positional reads. Every
// Load returns a fresh copy, so the loader stays valid for concurrent
// readers and the slices outlive nothing but themselves.
type File struct {
	f    *os.File
	size int64
}

// OpenFile opens path for positional reading. The size is fixed at open
// time; the file must not be truncated while the loader is in use.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &File{f: f, size: st.Size()}, nil
}

func (l *File) Load(offset, length int64) ([]byte, error) {
	if l.f == nil {
		return nil, fmt.Errorf("loader: file loader is closed")
	}
	if err := checkRange(offset, length, l.size); err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}
	out := make([]byte, length)
	var off int64
	for off < length {
		n, err := l.f.ReadAt(out[off:], offset+off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == length {
			break
		}
		return nil, fmt.Errorf("loader: read %s at %d: %w", l.f.Name(), offset, err)
	}
	return out, nil
}

func (l *File) Size() int64 { return l.size }

func (l *File) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
