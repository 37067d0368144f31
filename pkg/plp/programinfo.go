package plp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Program info section layout (v1), little-endian:
//
//	Version u32 | Flags u32 | NameLen u32 | ProducerLen u32 | name | producer
const (
	ProgramInfoVersion uint32 = 1

	infoHeaderSize = 16
)

func parseProgramInfo(sec []byte) (programInfo, error) {
	if len(sec) < infoHeaderSize {
		return programInfo{}, fmt.Errorf("%w: program info smaller than header", ErrCorruptProgram)
	}

	info := programInfo{
		version: binary.LittleEndian.Uint32(sec[0:4]),
		flags:   binary.LittleEndian.Uint32(sec[4:8]),
	}
	nameLen := binary.LittleEndian.Uint32(sec[8:12])
	producerLen := binary.LittleEndian.Uint32(sec[12:16])

	if info.version != ProgramInfoVersion {
		return programInfo{}, fmt.Errorf("%w: program info version %d not supported", ErrCorruptProgram, info.version)
	}
	if uint64(infoHeaderSize)+uint64(nameLen)+uint64(producerLen) > uint64(len(sec)) {
		return programInfo{}, fmt.Errorf("%w: program info strings out of bounds", ErrCorruptProgram)
	}

	n, p := int(nameLen), int(producerLen)
	info.name = string(sec[infoHeaderSize : infoHeaderSize+n])
	info.producer = string(sec[infoHeaderSize+n : infoHeaderSize+n+p])
	return info, nil
}

// EncodeProgramInfoSection builds a program info payload (v1).
func EncodeProgramInfoSection(name, producer string) ([]byte, error) {
	if name == "" {
		return nil, errors.New("plp: program name must be non-empty")
	}

	out := make([]byte, infoHeaderSize+len(name)+len(producer))
	binary.LittleEndian.PutUint32(out[0:4], ProgramInfoVersion)
	binary.LittleEndian.PutUint32(out[4:8], 0)
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(name)))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(producer)))
	copy(out[infoHeaderSize:], name)
	copy(out[infoHeaderSize+len(name):], producer)
	return out, nil
}
