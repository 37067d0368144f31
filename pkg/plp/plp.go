// Package plp implements the Plinth Program container format.
//
// PLP is a single-file, memory-mappable container for pre-compiled ML
// programs: a fixed little-endian header, a section directory, and
// exhaustively validated index sections over shared dims/strings tables.
// It describes structure and data only; execution semantics live in the
// runtime package.
package plp

import "encoding/binary"

// PLP global constants must never change.
const (
	// Magic is the file magic for all PLP containers, encoded as "PLP\0".
	Magic = "PLP\x00"

	// CurrentMajor: any change indicates a breaking format change.
	CurrentMajor uint16 = 1

	// CurrentMinor: minor versions may add new optional sections or fields.
	CurrentMinor uint16 = 0

	// FlagConstantsAligned64 marks files whose constant payloads are
	// 64-byte aligned, letting kernels cast slices without copying.
	FlagConstantsAligned64 uint64 = 1 << 0
)

type SectionType uint32

const (
	SectionProgramInfo   SectionType = 0x0001
	SectionMethodTable   SectionType = 0x0002
	SectionConstantData  SectionType = 0x0003
	SectionExternalTable SectionType = 0x0004
)

type PLPHeader struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

func (h *PLPHeader) Valid() bool {
	if string(h.Magic[:]) != Magic {
		return false
	}
	if h.HeaderSize < plpHeaderSize {
		return false
	}
	if h.SectionCount == 0 {
		return false
	}
	return true
}

func (h *PLPHeader) Compatible() bool {
	return h.Major == CurrentMajor
}

type PLPSection struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s *PLPSection) End() uint64 {
	return s.Offset + s.Size
}

const (
	plpHeaderSize  = 40
	plpSectionSize = 24
	plpAlign       = 8

	// HeaderPrefixSize is the minimum number of leading bytes DetectHeader
	// needs to classify a buffer.
	HeaderPrefixSize = 8
)

// HeaderStatus classifies the first bytes of a candidate program without
// parsing anything past the version tag.
type HeaderStatus int

const (
	// HeaderCompatible: the data starts with a PLP header this library can parse.
	HeaderCompatible HeaderStatus = iota
	// HeaderIncompatible: a PLP header with an unsupported major version.
	HeaderIncompatible
	// HeaderNotPresent: the magic does not match.
	HeaderNotPresent
	// HeaderShortData: fewer than HeaderPrefixSize bytes supplied.
	HeaderShortData
)

func (s HeaderStatus) String() string {
	switch s {
	case HeaderCompatible:
		return "compatible"
	case HeaderIncompatible:
		return "incompatible"
	case HeaderNotPresent:
		return "not-present"
	case HeaderShortData:
		return "short-data"
	default:
		return "unknown"
	}
}

// DetectHeader inspects the leading bytes of a candidate program. It never
// touches offsets, so it is safe on arbitrary data.
func DetectHeader(prefix []byte) HeaderStatus {
	if len(prefix) < HeaderPrefixSize {
		return HeaderShortData
	}
	if string(prefix[0:4]) != Magic {
		return HeaderNotPresent
	}
	if binary.LittleEndian.Uint16(prefix[4:6]) != CurrentMajor {
		return HeaderIncompatible
	}
	return HeaderCompatible
}

func decodeHeader(b []byte) (PLPHeader, bool) {
	if len(b) < plpHeaderSize {
		return PLPHeader{}, false
	}
	var h PLPHeader
	copy(h.Magic[:], b[0:4])
	h.Major = binary.LittleEndian.Uint16(b[4:6])
	h.Minor = binary.LittleEndian.Uint16(b[6:8])
	h.HeaderSize = binary.LittleEndian.Uint32(b[8:12])
	h.SectionCount = binary.LittleEndian.Uint32(b[12:16])
	h.SectionDirOffset = binary.LittleEndian.Uint64(b[16:24])
	h.FileSize = binary.LittleEndian.Uint64(b[24:32])
	h.Flags = binary.LittleEndian.Uint64(b[32:40])
	return h, true
}

func encodeHeader(b []byte, h PLPHeader) bool {
	if len(b) < plpHeaderSize {
		return false
	}
	copy(b[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(b[4:6], h.Major)
	binary.LittleEndian.PutUint16(b[6:8], h.Minor)
	binary.LittleEndian.PutUint32(b[8:12], h.HeaderSize)
	binary.LittleEndian.PutUint32(b[12:16], h.SectionCount)
	binary.LittleEndian.PutUint64(b[16:24], h.SectionDirOffset)
	binary.LittleEndian.PutUint64(b[24:32], h.FileSize)
	binary.LittleEndian.PutUint64(b[32:40], h.Flags)
	return true
}

func decodeSection(b []byte) (PLPSection, bool) {
	if len(b) < plpSectionSize {
		return PLPSection{}, false
	}
	return PLPSection{
		Type:    binary.LittleEndian.Uint32(b[0:4]),
		Version: binary.LittleEndian.Uint32(b[4:8]),
		Offset:  binary.LittleEndian.Uint64(b[8:16]),
		Size:    binary.LittleEndian.Uint64(b[16:24]),
	}, true
}

func encodeSection(b []byte, s PLPSection) bool {
	if len(b) < plpSectionSize {
		return false
	}
	binary.LittleEndian.PutUint32(b[0:4], s.Type)
	binary.LittleEndian.PutUint32(b[4:8], s.Version)
	binary.LittleEndian.PutUint64(b[8:16], s.Offset)
	binary.LittleEndian.PutUint64(b[16:24], s.Size)
	return true
}
