// Package tensor provides dtypes and non-owning typed views over tensor
// storage. A View never owns its bytes: it points into a program's constant
// segment, an external data file, an arena allocation, or caller storage.
package tensor

import "fmt"

// DType identifies the tensor element encoding.
// Keep these stable forever; add new values only.
type DType uint32

const (
	DTypeUnknown DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeF64
	DTypeI8
	DTypeU8
	DTypeI16
	DTypeU16
	DTypeI32
	DTypeU32
	DTypeI64
	DTypeU64
	DTypeBool
)

// Size returns the element width in bytes, or 0 for unknown dtypes.
func (d DType) Size() int {
	switch d {
	case DTypeI8, DTypeU8, DTypeBool:
		return 1
	case DTypeF16, DTypeBF16, DTypeI16, DTypeU16:
		return 2
	case DTypeF32, DTypeI32, DTypeU32:
		return 4
	case DTypeF64, DTypeI64, DTypeU64:
		return 8
	default:
		return 0
	}
}

func (d DType) Valid() bool { return d.Size() > 0 }

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeF64:
		return "f64"
	case DTypeI8:
		return "i8"
	case DTypeU8:
		return "u8"
	case DTypeI16:
		return "i16"
	case DTypeU16:
		return "u16"
	case DTypeI32:
		return "i32"
	case DTypeU32:
		return "u32"
	case DTypeI64:
		return "i64"
	case DTypeU64:
		return "u64"
	case DTypeBool:
		return "bool"
	default:
		return fmt.Sprintf("dtype(%d)", uint32(d))
	}
}

// ParseDType is the inverse of String. It accepts the names used in PLD
// headers and CLI tensor payloads.
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32":
		return DTypeF32, nil
	case "f16":
		return DTypeF16, nil
	case "bf16":
		return DTypeBF16, nil
	case "f64":
		return DTypeF64, nil
	case "i8":
		return DTypeI8, nil
	case "u8":
		return DTypeU8, nil
	case "i16":
		return DTypeI16, nil
	case "u16":
		return DTypeU16, nil
	case "i32":
		return DTypeI32, nil
	case "u32":
		return DTypeU32, nil
	case "i64":
		return DTypeI64, nil
	case "u64":
		return DTypeU64, nil
	case "bool":
		return DTypeBool, nil
	default:
		return DTypeUnknown, fmt.Errorf("tensor: unknown dtype %q", s)
	}
}

// Meta describes a tensor slot without referencing any storage.
type Meta struct {
	DType DType
	Shape []int
}

// Numel returns the element count, or -1 if the shape is invalid
// (negative dim or element-count overflow).
func (m Meta) Numel() int {
	n := 1
	for _, d := range m.Shape {
		if d < 0 {
			return -1
		}
		if d != 0 && n > maxInt/d {
			return -1
		}
		n *= d
	}
	return n
}

// ByteLen returns Numel scaled by the element size, or -1 on overflow or
// an invalid shape/dtype.
func (m Meta) ByteLen() int {
	n := m.Numel()
	sz := m.DType.Size()
	if n < 0 || sz == 0 {
		return -1
	}
	if n != 0 && n > maxInt/sz {
		return -1
	}
	return n * sz
}

const maxInt = int(^uint(0) >> 1)
