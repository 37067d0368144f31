package plp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/plinthml/plinth/pkg/tensor"
)

// External table section layout (v1), little-endian:
//
//	header | entries | strings blob
//
// Entry order is load order: a value referencing placeholder id N means
// entry N of this table. Ids survive re-encoding only if entry order does.
const (
	ExternalTableVersion uint32 = 1

	extHeaderSize = 40
	extEntrySize  = 24
)

// ExternalEntry names one tensor the program expects to find in an external
// data file at bind time.
type ExternalEntry struct {
	Key    string
	DType  tensor.DType
	Nbytes uint64
}

func corruptExternal(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptProgram, fmt.Sprintf(format, args...))
}

func parseExternalTable(sec []byte) ([]ExternalEntry, error) {
	if len(sec) < extHeaderSize {
		return nil, corruptExternal("external table smaller than header")
	}

	version := binary.LittleEndian.Uint32(sec[0:4])
	entryCount := binary.LittleEndian.Uint32(sec[8:12])
	entriesOff := binary.LittleEndian.Uint64(sec[16:24])
	stringsOff := binary.LittleEndian.Uint64(sec[24:32])
	stringsSize := binary.LittleEndian.Uint64(sec[32:40])

	if version != ExternalTableVersion {
		return nil, corruptExternal("external table version %d not supported", version)
	}

	secLen := uint64(len(sec))
	entryBytes := uint64(entryCount) * extEntrySize
	if uint64(entryCount) > secLen/extEntrySize {
		return nil, corruptExternal("external entry table overflows")
	}
	if entriesOff > secLen || entryBytes > secLen-entriesOff {
		return nil, corruptExternal("external entry table out of bounds")
	}
	if stringsOff > secLen || stringsSize > secLen-stringsOff {
		return nil, corruptExternal("external strings blob out of bounds")
	}

	entries := make([]ExternalEntry, entryCount)
	seen := make(map[string]int, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		base := entriesOff + uint64(i)*extEntrySize
		b := sec[base : base+extEntrySize]

		keyOff := binary.LittleEndian.Uint32(b[0:4])
		keyLen := binary.LittleEndian.Uint32(b[4:8])
		dt := tensor.DType(binary.LittleEndian.Uint32(b[8:12]))
		nbytes := binary.LittleEndian.Uint64(b[16:24])

		if keyLen == 0 {
			return nil, corruptExternal("external entry %d has an empty key", i)
		}
		if uint64(keyOff)+uint64(keyLen) > stringsSize {
			return nil, corruptExternal("external entry %d key outside strings blob", i)
		}
		if !dt.Valid() {
			return nil, corruptExternal("external entry %d: unknown dtype %d", i, uint32(dt))
		}
		key := string(sec[stringsOff+uint64(keyOff) : stringsOff+uint64(keyOff)+uint64(keyLen)])
		if prev, dup := seen[key]; dup {
			return nil, corruptExternal("external entries %d and %d share key %q", prev, i, key)
		}
		seen[key] = int(i)

		entries[i] = ExternalEntry{Key: key, DType: dt, Nbytes: nbytes}
	}

	return entries, nil
}

// EncodeExternalTableSection builds an external table payload (v1).
// Entry order is preserved; placeholder ids are entry indices.
func EncodeExternalTableSection(entries []ExternalEntry) ([]byte, error) {
	var strBlob []byte
	seen := make(map[string]bool, len(entries))

	type encoded struct {
		keyOff, keyLen uint32
	}
	encs := make([]encoded, len(entries))
	for i, e := range entries {
		if e.Key == "" {
			return nil, errors.New("plp: external key must be non-empty")
		}
		if seen[e.Key] {
			return nil, fmt.Errorf("plp: duplicate external key %q", e.Key)
		}
		seen[e.Key] = true
		if !e.DType.Valid() {
			return nil, fmt.Errorf("plp: external %q: invalid dtype", e.Key)
		}
		encs[i] = encoded{keyOff: uint32(len(strBlob)), keyLen: uint32(len(e.Key))}
		strBlob = append(strBlob, e.Key...)
	}

	entriesOff := uint64(extHeaderSize)
	stringsOff := entriesOff + uint64(len(entries))*extEntrySize
	out := make([]byte, stringsOff+uint64(len(strBlob)))

	binary.LittleEndian.PutUint32(out[0:4], ExternalTableVersion)
	binary.LittleEndian.PutUint32(out[4:8], 0)
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(entries)))
	binary.LittleEndian.PutUint32(out[12:16], 0)
	binary.LittleEndian.PutUint64(out[16:24], entriesOff)
	binary.LittleEndian.PutUint64(out[24:32], stringsOff)
	binary.LittleEndian.PutUint64(out[32:40], uint64(len(strBlob)))

	p := int(entriesOff)
	for i, e := range entries {
		binary.LittleEndian.PutUint32(out[p+0:p+4], encs[i].keyOff)
		binary.LittleEndian.PutUint32(out[p+4:p+8], encs[i].keyLen)
		binary.LittleEndian.PutUint32(out[p+8:p+12], uint32(e.DType))
		binary.LittleEndian.PutUint32(out[p+12:p+16], 0)
		binary.LittleEndian.PutUint64(out[p+16:p+24], e.Nbytes)
		p += extEntrySize
	}
	copy(out[stringsOff:], strBlob)

	return out, nil
}
