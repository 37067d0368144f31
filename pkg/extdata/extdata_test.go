package extdata

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/plinthml/plinth/pkg/tensor"
)

func f32Bytes(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func TestWriteOpenRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "weights.pld")
	err := WriteFile(path, []TensorData{
		{Key: "fc.weight", DType: tensor.DTypeF32, Shape: []int{2, 2}, Data: f32Bytes(1, 2, 3, 4)},
		{Key: "fc.bias", DType: tensor.DTypeF32, Shape: []int{2}, Data: f32Bytes(0.5, -0.5)},
		{Key: "ids", DType: tensor.DTypeI64, Shape: []int{3}, Data: make([]byte, 24)},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	m, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			t.Fatalf("close: %v", cerr)
		}
	}()

	if m.NumTensors() != 3 {
		t.Fatalf("tensors: got %d want 3", m.NumTensors())
	}
	keys := m.Keys()
	if len(keys) != 3 || keys[0] != "fc.bias" || keys[1] != "fc.weight" || keys[2] != "ids" {
		t.Fatalf("keys: got %v", keys)
	}
	if m.Has("conv.weight") {
		t.Fatalf("Has reported a missing key")
	}

	meta, ok := m.Meta("fc.weight")
	if !ok {
		t.Fatalf("meta fc.weight not found")
	}
	if meta.DType != tensor.DTypeF32 || len(meta.Shape) != 2 || meta.Shape[0] != 2 || meta.Shape[1] != 2 {
		t.Fatalf("meta: got %+v", meta)
	}

	v, err := m.View("fc.weight")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	vals, err := v.Float32s()
	if err != nil {
		t.Fatalf("float32s: %v", err)
	}
	want := []float32{1, 2, 3, 4}
	for i, got := range vals {
		if got != want[i] {
			t.Fatalf("value %d: got %v want %v", i, got, want[i])
		}
	}

	if _, err := m.View("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key error: got %v, want %v", err, ErrNotFound)
	}
}

func TestWriteFileRejectsBadTensors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cases := []struct {
		name    string
		tensors []TensorData
	}{
		{"empty", nil},
		{"empty key", []TensorData{{DType: tensor.DTypeF32, Shape: []int{1}, Data: make([]byte, 4)}}},
		{"duplicate key", []TensorData{
			{Key: "w", DType: tensor.DTypeF32, Shape: []int{1}, Data: make([]byte, 4)},
			{Key: "w", DType: tensor.DTypeF32, Shape: []int{1}, Data: make([]byte, 4)},
		}},
		{"size mismatch", []TensorData{{Key: "w", DType: tensor.DTypeF32, Shape: []int{4}, Data: make([]byte, 8)}}},
		{"bad dtype", []TensorData{{Key: "w", DType: tensor.DType(99), Shape: []int{1}, Data: make([]byte, 4)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(dir, tc.name+".pld")
			if err := WriteFile(path, tc.tensors); err == nil {
				t.Fatalf("WriteFile accepted bad input")
			}
		})
	}
}

func TestOpenTruncatedFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "short.pld")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(path); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("open error: got %v, want %v", err, ErrCorruptData)
	}
}

func TestOpenRejectsCorruptHeaders(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write := func(t *testing.T, name string, header string, dataLen int) string {
		t.Helper()
		path := filepath.Join(dir, name)
		buf := make([]byte, 8, 8+len(header)+dataLen)
		binary.LittleEndian.PutUint64(buf, uint64(len(header)))
		buf = append(buf, header...)
		buf = append(buf, make([]byte, dataLen)...)
		if err := os.WriteFile(path, buf, 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
		return path
	}

	cases := []struct {
		name    string
		header  string
		dataLen int
	}{
		{"not json", `not-json`, 0},
		{"bad dtype", `{"w":{"dtype":"f99","shape":[1],"data_offsets":[0,4]}}`, 4},
		{"bad offsets", `{"w":{"dtype":"f32","shape":[1],"data_offsets":[0]}}`, 4},
		{"range past end", `{"w":{"dtype":"f32","shape":[1],"data_offsets":[0,4]}}`, 2},
		{"size mismatch", `{"w":{"dtype":"f32","shape":[2],"data_offsets":[0,4]}}`, 4},
		{"negative start", `{"w":{"dtype":"f32","shape":[1],"data_offsets":[-4,0]}}`, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := write(t, tc.name+".pld", tc.header, tc.dataLen)
			if _, err := Open(path); !errors.Is(err, ErrCorruptData) {
				t.Fatalf("open error: got %v, want %v", err, ErrCorruptData)
			}
		})
	}
}

func TestOpenIgnoresMetadata(t *testing.T) {
	t.Parallel()

	header := `{"__metadata__":{"producer":"test"},"w":{"dtype":"f32","shape":[1],"data_offsets":[0,4]}}`
	for (8+len(header))%8 != 0 {
		header += " "
	}
	path := filepath.Join(t.TempDir(), "meta.pld")
	buf := make([]byte, 8, 8+len(header)+4)
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	buf = append(buf, f32Bytes(7)...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	m, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = m.Close() }()

	if m.NumTensors() != 1 || !m.Has("w") {
		t.Fatalf("metadata leaked into tensor set: %v", m.Keys())
	}
	v, err := m.View("w")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	vals, err := v.Float32s()
	if err != nil {
		t.Fatalf("float32s: %v", err)
	}
	if vals[0] != 7 {
		t.Fatalf("value: got %v want 7", vals[0])
	}
}
