package api

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/plinthml/plinth/pkg/tensor"
)

// PayloadToView materialises a JSON tensor payload as a view over fresh
// storage.
func PayloadToView(p TensorPayload) (tensor.View, error) {
	dt, err := tensor.ParseDType(p.DType)
	if err != nil {
		return tensor.View{}, err
	}
	meta := tensor.Meta{DType: dt, Shape: p.Shape}
	n := meta.Numel()
	if n < 0 {
		return tensor.View{}, fmt.Errorf("api: invalid shape %v", p.Shape)
	}
	if len(p.Values) != n {
		return tensor.View{}, fmt.Errorf("api: shape %v wants %d values, got %d", p.Shape, n, len(p.Values))
	}

	buf := make([]byte, meta.ByteLen())
	if err := encodeValues(dt, p.Values, buf); err != nil {
		return tensor.View{}, err
	}
	return tensor.NewView(dt, p.Shape, buf)
}

// ViewToPayload renders a view as a JSON tensor payload.
func ViewToPayload(v tensor.View) (TensorPayload, error) {
	raw, err := v.Bytes()
	if err != nil {
		return TensorPayload{}, err
	}
	values, err := decodeValues(v.DType(), raw)
	if err != nil {
		return TensorPayload{}, err
	}
	return TensorPayload{
		DType:  v.DType().String(),
		Shape:  v.Shape(),
		Values: values,
	}, nil
}

// encodeValues narrows JSON numbers into dt's binary encoding. Half floats
// have no JSON number mapping here; ship them in .pld files instead.
func encodeValues(dt tensor.DType, values []float64, buf []byte) error {
	switch dt {
	case tensor.DTypeF32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
		}
	case tensor.DTypeF64:
		for i, v := range values {
			binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
		}
	case tensor.DTypeI8:
		for i, v := range values {
			buf[i] = byte(int8(v))
		}
	case tensor.DTypeU8:
		for i, v := range values {
			buf[i] = uint8(v)
		}
	case tensor.DTypeI16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(v)))
		}
	case tensor.DTypeU16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
		}
	case tensor.DTypeI32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(buf[4*i:], uint32(int32(v)))
		}
	case tensor.DTypeU32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
		}
	case tensor.DTypeI64:
		for i, v := range values {
			binary.LittleEndian.PutUint64(buf[8*i:], uint64(int64(v)))
		}
	case tensor.DTypeU64:
		for i, v := range values {
			binary.LittleEndian.PutUint64(buf[8*i:], uint64(v))
		}
	case tensor.DTypeBool:
		for i, v := range values {
			if v != 0 {
				buf[i] = 1
			}
		}
	default:
		return fmt.Errorf("api: dtype %v not supported in JSON payloads", dt)
	}
	return nil
}

func decodeValues(dt tensor.DType, raw []byte) ([]float64, error) {
	sz := dt.Size()
	if sz == 0 {
		return nil, fmt.Errorf("api: dtype %v not supported in JSON payloads", dt)
	}
	values := make([]float64, len(raw)/sz)
	switch dt {
	case tensor.DTypeF32:
		for i := range values {
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
		}
	case tensor.DTypeF64:
		for i := range values {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
		}
	case tensor.DTypeI8:
		for i := range values {
			values[i] = float64(int8(raw[i]))
		}
	case tensor.DTypeU8:
		for i := range values {
			values[i] = float64(raw[i])
		}
	case tensor.DTypeI16:
		for i := range values {
			values[i] = float64(int16(binary.LittleEndian.Uint16(raw[2*i:])))
		}
	case tensor.DTypeU16:
		for i := range values {
			values[i] = float64(binary.LittleEndian.Uint16(raw[2*i:]))
		}
	case tensor.DTypeI32:
		for i := range values {
			values[i] = float64(int32(binary.LittleEndian.Uint32(raw[4*i:])))
		}
	case tensor.DTypeU32:
		for i := range values {
			values[i] = float64(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	case tensor.DTypeI64:
		for i := range values {
			values[i] = float64(int64(binary.LittleEndian.Uint64(raw[8*i:])))
		}
	case tensor.DTypeU64:
		for i := range values {
			values[i] = float64(binary.LittleEndian.Uint64(raw[8*i:]))
		}
	case tensor.DTypeBool:
		for i := range values {
			if raw[i] != 0 {
				values[i] = 1
			}
		}
	default:
		return nil, fmt.Errorf("api: dtype %v not supported in JSON payloads", dt)
	}
	return values, nil
}
