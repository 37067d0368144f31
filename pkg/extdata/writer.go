package extdata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-json"

	"github.com/plinthml/plinth/pkg/tensor"
)

// Per-payload alignment inside the data region.
const payloadAlign = 64

// TensorData is one tensor to store in a PLD file.
type TensorData struct {
	Key   string
	DType tensor.DType
	Shape []int
	Data  []byte
}

// WriteFile writes tensors to a new PLD file at path. Payloads are laid out
// in sorted key order, each aligned to 64 bytes.
func WriteFile(path string, tensors []TensorData) error {
	if len(tensors) == 0 {
		return errors.New("extdata: no tensors to write")
	}

	byKey := make(map[string]*TensorData, len(tensors))
	keys := make([]string, 0, len(tensors))
	for i := range tensors {
		td := &tensors[i]
		if td.Key == "" {
			return errors.New("extdata: tensor key must be non-empty")
		}
		if _, dup := byKey[td.Key]; dup {
			return fmt.Errorf("extdata: duplicate tensor key %q", td.Key)
		}
		want := (tensor.Meta{DType: td.DType, Shape: td.Shape}).ByteLen()
		if want < 0 {
			return fmt.Errorf("extdata: tensor %q: invalid dtype/shape", td.Key)
		}
		if len(td.Data) != want {
			return fmt.Errorf("extdata: tensor %q: %d bytes supplied, shape %v of %v needs %d",
				td.Key, len(td.Data), td.Shape, td.DType, want)
		}
		byKey[td.Key] = td
		keys = append(keys, td.Key)
	}
	sort.Strings(keys)

	header := make(map[string]headerEntry, len(keys))
	var cursor int64
	for _, key := range keys {
		td := byKey[key]
		if rem := cursor % payloadAlign; rem != 0 {
			cursor += payloadAlign - rem
		}
		start := cursor
		cursor += int64(len(td.Data))
		shape := td.Shape
		if shape == nil {
			shape = []int{}
		}
		header[key] = headerEntry{
			DType:       td.DType.String(),
			Shape:       shape,
			DataOffsets: []int64{start, cursor},
		}
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("extdata: encode header: %w", err)
	}
	// Pad with spaces so the data region starts 8-aligned.
	for (8+len(headerBytes))%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		return err
	}

	var written int64
	pad := make([]byte, payloadAlign)
	for _, key := range keys {
		he := header[key]
		if gap := he.DataOffsets[0] - written; gap > 0 {
			if _, err := f.Write(pad[:gap]); err != nil {
				return err
			}
			written += gap
		}
		if _, err := f.Write(byKey[key].Data); err != nil {
			return err
		}
		written += int64(len(byKey[key].Data))
	}

	return f.Sync()
}
