package loader

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mmap maps a file read-only and serves zero-copy slices of the mapping.
// Views handed out by Load alias the mapping and die with Close, so the
// loader must outlive everything parsed from it.
type Mmap struct {
	data []byte
}

// OpenMmap maps path read-only. Callers that need to run where mmap is
// unavailable should fall back to OpenFile themselves.
func OpenMmap(path string) (*Mmap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 0 || size > int64(maxInt) {
		return nil, fmt.Errorf("loader: cannot map %s: size %d out of range", path, size)
	}
	if size == 0 {
		// mmap of length 0 is an error on most platforms.
		return &Mmap{data: []byte{}}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("loader: mmap %s: %w", path, err)
	}
	return &Mmap{data: data}, nil
}

func (l *Mmap) Load(offset, length int64) ([]byte, error) {
	if l.data == nil {
		return nil, fmt.Errorf("loader: mmap loader is closed")
	}
	if err := checkRange(offset, length, int64(len(l.data))); err != nil {
		return nil, err
	}
	return l.data[offset : offset+length : offset+length], nil
}

func (l *Mmap) Size() int64 { return int64(len(l.data)) }

func (l *Mmap) Close() error {
	if l.data == nil {
		return nil
	}
	data := l.data
	l.data = nil
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}

const maxInt = int(^uint(0) >> 1)
