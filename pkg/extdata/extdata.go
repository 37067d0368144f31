// Package extdata reads and writes PLD files, the external tensor data
// container that programs resolve named placeholders against.
//
// A PLD file is a little-endian u64 header length, a JSON header mapping
// tensor keys to dtype, shape, and data offsets, then the packed payloads.
// The header is padded so payloads start 8-aligned; writers additionally
// align each payload to 64 bytes.
package extdata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/plinthml/plinth/pkg/loader"
	"github.com/plinthml/plinth/pkg/tensor"
)

var (
	ErrNotFound    = errors.New("external tensor not found")
	ErrCorruptData = errors.New("corrupt data file")
)

// Header JSON growing past this is treated as corruption, not data.
const maxHeaderLen = 100 << 20

type entryInfo struct {
	dtype tensor.DType
	shape []int
	start int64
	end   int64
}

type headerEntry struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Map is an open PLD file. Lookups are by tensor key; payload access is
// zero-copy when the underlying loader allows it.
type Map struct {
	ld    loader.Loader
	owned io.Closer

	dataStart int64
	entries   map[string]entryInfo
	keys      []string
}

// Open maps path read-only, falling back to pread on filesystems that
// cannot mmap.
func Open(path string) (*Map, error) {
	if ld, err := loader.OpenMmap(path); err == nil {
		m, perr := Parse(ld)
		if perr != nil {
			_ = ld.Close()
			return nil, perr
		}
		m.owned = ld
		return m, nil
	}

	ld, err := loader.OpenFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(ld)
	if err != nil {
		_ = ld.Close()
		return nil, err
	}
	m.owned = ld
	return m, nil
}

// Parse decodes the header of a PLD file served by ld.
func Parse(ld loader.Loader) (*Map, error) {
	size := ld.Size()
	if size < 8 {
		return nil, fmt.Errorf("%w: %d bytes is too small for a header length", ErrCorruptData, size)
	}

	lenBytes, err := ld.Load(0, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	headerLen := int64(binary.LittleEndian.Uint64(lenBytes))
	if headerLen < 2 || headerLen > maxHeaderLen || headerLen > size-8 {
		return nil, fmt.Errorf("%w: header length %d out of range", ErrCorruptData, headerLen)
	}

	headerBytes, err := ld.Load(8, headerLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptData, err)
	}
	delete(raw, "__metadata__")

	dataStart := 8 + headerLen
	dataSize := size - dataStart

	m := &Map{
		ld:        ld,
		dataStart: dataStart,
		entries:   make(map[string]entryInfo, len(raw)),
		keys:      make([]string, 0, len(raw)),
	}
	for key, msg := range raw {
		var he headerEntry
		if err := json.Unmarshal(msg, &he); err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %v", ErrCorruptData, key, err)
		}
		dt, err := tensor.ParseDType(strings.ToLower(he.DType))
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %q: unknown dtype %q", ErrCorruptData, key, he.DType)
		}
		if len(he.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: tensor %q: invalid data_offsets", ErrCorruptData, key)
		}
		start, end := he.DataOffsets[0], he.DataOffsets[1]
		if start < 0 || end < start || end > dataSize {
			return nil, fmt.Errorf("%w: tensor %q: data range [%d,%d) out of bounds", ErrCorruptData, key, start, end)
		}
		want := (tensor.Meta{DType: dt, Shape: he.Shape}).ByteLen()
		if want < 0 || int64(want) != end-start {
			return nil, fmt.Errorf("%w: tensor %q: %d bytes stored, shape %v of %v needs %d",
				ErrCorruptData, key, end-start, he.Shape, dt, want)
		}

		m.entries[key] = entryInfo{dtype: dt, shape: he.Shape, start: start, end: end}
		m.keys = append(m.keys, key)
	}
	sort.Strings(m.keys)

	return m, nil
}

// Keys lists the stored tensor keys in sorted order. The returned slice is
// shared; callers must not mutate it.
func (m *Map) Keys() []string { return m.keys }

// NumTensors reports how many tensors the file stores.
func (m *Map) NumTensors() int { return len(m.entries) }

// Has reports whether key is stored.
func (m *Map) Has(key string) bool {
	_, ok := m.entries[key]
	return ok
}

// Meta returns the dtype and shape of a stored tensor.
func (m *Map) Meta(key string) (tensor.Meta, bool) {
	e, ok := m.entries[key]
	if !ok {
		return tensor.Meta{}, false
	}
	return tensor.Meta{DType: e.dtype, Shape: e.shape}, true
}

// View returns a read-only tensor over the stored payload. The view aliases
// the mapped file where possible; misaligned payloads are copied once.
func (m *Map) View(key string) (tensor.View, error) {
	e, ok := m.entries[key]
	if !ok {
		return tensor.View{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	data, err := m.ld.Load(m.dataStart+e.start, e.end-e.start)
	if err != nil {
		return tensor.View{}, fmt.Errorf("%w: tensor %q: %v", ErrCorruptData, key, err)
	}
	v, err := tensor.NewView(e.dtype, e.shape, data)
	if err == nil {
		return v, nil
	}
	// Foreign producers may pack payloads unaligned. A fresh allocation is
	// always element-aligned.
	cp := make([]byte, len(data))
	copy(cp, data)
	return tensor.NewView(e.dtype, e.shape, cp)
}

// Close releases the underlying file. Views handed out before Close must
// not be used afterwards.
func (m *Map) Close() error {
	if m.owned == nil {
		return nil
	}
	c := m.owned
	m.owned = nil
	return c.Close()
}
