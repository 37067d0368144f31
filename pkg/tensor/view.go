package tensor

import (
	"errors"
	"fmt"
	"unsafe"
)

// ErrStaleView is returned when data is read through a view whose backing
// arena storage has been rewound by a later execution (or by closing the
// method that produced it).
var ErrStaleView = errors.New("tensor: stale view, backing storage was rewound")

// Generation tracks arena rewinds for the views minted from one method.
// Views record the generation they were created under; once it advances
// they refuse data access instead of silently reading reused memory.
type Generation struct {
	v uint64
}

func (g *Generation) Advance() { g.v++ }

func (g *Generation) Current() uint64 { return g.v }

// View is a non-owning, shape/dtype-typed window over tensor bytes.
// Strides are in element units and always contiguous (row-major). The view
// must not outlive the storage it points into; arena-backed views are
// generation-guarded so stale access fails instead of dangling.
type View struct {
	dtype  DType
	shape  []int
	stride []int
	data   []byte
	guard  *Generation
	mark   uint64
}

// NewView wraps caller storage. len(data) must equal the byte length
// implied by dtype and shape, and data must be aligned to the element size.
func NewView(dt DType, shape []int, data []byte) (View, error) {
	return newView(dt, shape, data, nil)
}

// NewGuardedView wraps arena storage tied to g's current generation.
func NewGuardedView(dt DType, shape []int, data []byte, g *Generation) (View, error) {
	return newView(dt, shape, data, g)
}

func newView(dt DType, shape []int, data []byte, g *Generation) (View, error) {
	meta := Meta{DType: dt, Shape: shape}
	want := meta.ByteLen()
	if want < 0 {
		return View{}, fmt.Errorf("tensor: invalid dtype/shape %v %v", dt, shape)
	}
	if len(data) != want {
		return View{}, fmt.Errorf("tensor: data is %d bytes, shape %v of %v needs %d", len(data), shape, dt, want)
	}
	if len(data) > 0 {
		if addr := uintptr(unsafe.Pointer(&data[0])); addr%uintptr(dt.Size()) != 0 {
			return View{}, fmt.Errorf("tensor: data for %v must be %d-byte aligned", dt, dt.Size())
		}
	}
	v := View{
		dtype:  dt,
		shape:  shape,
		stride: contiguousStrides(shape),
		data:   data,
	}
	if g != nil {
		v.guard = g
		v.mark = g.v
	}
	return v, nil
}

func contiguousStrides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

func (v View) DType() DType { return v.dtype }

func (v View) Rank() int { return len(v.shape) }

// Shape returns the dimension sizes. The slice is shared with the view;
// treat it as read-only.
func (v View) Shape() []int { return v.shape }

// Strides returns per-dimension strides in element units.
func (v View) Strides() []int { return v.stride }

func (v View) Numel() int {
	n := 1
	for _, d := range v.shape {
		n *= d
	}
	return n
}

func (v View) ByteLen() int { return len(v.data) }

func (v View) stale() bool { return v.guard != nil && v.guard.v != v.mark }

// Bytes returns the raw backing bytes, failing with ErrStaleView once the
// source arena has moved on.
func (v View) Bytes() ([]byte, error) {
	if v.stale() {
		return nil, ErrStaleView
	}
	return v.data, nil
}

// Float32s reinterprets the backing bytes as float32 elements. The slice
// aliases the view's storage, so writes land in the tensor.
func (v View) Float32s() ([]float32, error) {
	if v.dtype != DTypeF32 {
		return nil, fmt.Errorf("tensor: want f32 data, view holds %v", v.dtype)
	}
	if v.stale() {
		return nil, ErrStaleView
	}
	if len(v.data) == 0 {
		return nil, nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&v.data[0])), v.Numel()), nil
}

// Int64s reinterprets the backing bytes as int64 elements.
func (v View) Int64s() ([]int64, error) {
	if v.dtype != DTypeI64 {
		return nil, fmt.Errorf("tensor: want i64 data, view holds %v", v.dtype)
	}
	if v.stale() {
		return nil, ErrStaleView
	}
	if len(v.data) == 0 {
		return nil, nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&v.data[0])), v.Numel()), nil
}

// Meta returns the view's dtype and shape.
func (v View) Meta() Meta { return Meta{DType: v.dtype, Shape: v.shape} }
