package plp

import (
	"encoding/binary"
	"testing"
)

func TestHeaderAndSectionEncodingLittleEndian(t *testing.T) {
	t.Parallel()

	h := PLPHeader{
		Magic:            [4]byte{'P', 'L', 'P', 0},
		Major:            0x1122,
		Minor:            0x3344,
		HeaderSize:       plpHeaderSize,
		SectionCount:     5,
		SectionDirOffset: 0x0102030405060708,
		FileSize:         0x1112131415161718,
		Flags:            0x2122232425262728,
	}
	var hdrRaw [plpHeaderSize]byte
	if !encodeHeader(hdrRaw[:], h) {
		t.Fatalf("encode header failed")
	}
	if hdrRaw[4] != 0x22 || hdrRaw[5] != 0x11 {
		t.Fatalf("major is not little-endian: %x", hdrRaw[4:6])
	}
	if hdrRaw[16] != 0x08 || hdrRaw[23] != 0x01 {
		t.Fatalf("section dir offset is not little-endian: %x", hdrRaw[16:24])
	}
	decodedH, ok := decodeHeader(hdrRaw[:])
	if !ok {
		t.Fatalf("decode header failed")
	}
	if decodedH != h {
		t.Fatalf("header round-trip mismatch: got %+v want %+v", decodedH, h)
	}

	s := PLPSection{
		Type:    0x11223344,
		Version: 0x55667788,
		Offset:  0x0102030405060708,
		Size:    0x1112131415161718,
	}
	var secRaw [plpSectionSize]byte
	if !encodeSection(secRaw[:], s) {
		t.Fatalf("encode section failed")
	}
	if secRaw[0] != 0x44 || secRaw[3] != 0x11 {
		t.Fatalf("section type is not little-endian: %x", secRaw[0:4])
	}
	decodedS, ok := decodeSection(secRaw[:])
	if !ok {
		t.Fatalf("decode section failed")
	}
	if decodedS != s {
		t.Fatalf("section round-trip mismatch: got %+v want %+v", decodedS, s)
	}
}

func TestDetectHeader(t *testing.T) {
	t.Parallel()

	valid := make([]byte, HeaderPrefixSize)
	copy(valid, Magic)
	binary.LittleEndian.PutUint16(valid[4:6], CurrentMajor)

	newMajor := make([]byte, HeaderPrefixSize)
	copy(newMajor, Magic)
	binary.LittleEndian.PutUint16(newMajor[4:6], CurrentMajor+1)

	cases := []struct {
		name   string
		prefix []byte
		want   HeaderStatus
	}{
		{"compatible", valid, HeaderCompatible},
		{"future major", newMajor, HeaderIncompatible},
		{"wrong magic", []byte("GGUF\x00\x00\x00\x00"), HeaderNotPresent},
		{"short", []byte("PLP"), HeaderShortData},
		{"empty", nil, HeaderShortData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := DetectHeader(tc.prefix); got != tc.want {
				t.Fatalf("DetectHeader(%q) = %v, want %v", tc.prefix, got, tc.want)
			}
		})
	}
}
