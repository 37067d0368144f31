package kernel

import (
	"fmt"

	"github.com/plinthml/plinth/pkg/tensor"
)

// Default returns a registry with the portable float32 op set: add, sub,
// mul, div, relu, matmul, copy, scale. Elementwise binary ops broadcast a
// single-element second operand; everything else requires exact shape
// agreement.
func Default() *Registry {
	r := NewRegistry()
	must := func(key string, fn Func) {
		if err := r.Register(key, fn); err != nil {
			panic(err)
		}
	}

	must("add", binaryF32("add", func(a, b float32) float32 { return a + b }))
	must("sub", binaryF32("sub", func(a, b float32) float32 { return a - b }))
	must("mul", binaryF32("mul", func(a, b float32) float32 { return a * b }))
	must("div", binaryF32("div", func(a, b float32) float32 { return a / b }))
	must("scale", binaryF32("scale", func(a, b float32) float32 { return a * b }))
	must("relu", reluF32)
	must("copy", copyOp)
	must("matmul", matmulF32)

	return r
}

func arity(key string, args, outs []tensor.View, wantArgs, wantOuts int) error {
	if len(args) != wantArgs || len(outs) != wantOuts {
		return fmt.Errorf("%s: got %d args and %d outs, want %d and %d",
			key, len(args), len(outs), wantArgs, wantOuts)
	}
	return nil
}

func sameShape(a, b tensor.View) bool {
	as, bs := a.Shape(), b.Shape()
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// binaryF32 lifts an elementwise f32 operation. The second operand may be a
// single element, applied across the first.
func binaryF32(key string, op func(a, b float32) float32) Func {
	return func(args, outs []tensor.View) error {
		if err := arity(key, args, outs, 2, 1); err != nil {
			return err
		}
		a, err := args[0].Float32s()
		if err != nil {
			return fmt.Errorf("%s: arg 0: %w", key, err)
		}
		b, err := args[1].Float32s()
		if err != nil {
			return fmt.Errorf("%s: arg 1: %w", key, err)
		}
		dst, err := outs[0].Float32s()
		if err != nil {
			return fmt.Errorf("%s: out 0: %w", key, err)
		}
		if !sameShape(args[0], outs[0]) {
			return fmt.Errorf("%s: out shape %v does not match arg shape %v", key, outs[0].Shape(), args[0].Shape())
		}

		switch {
		case len(b) == len(a):
			for i := range dst {
				dst[i] = op(a[i], b[i])
			}
		case len(b) == 1:
			s := b[0]
			for i := range dst {
				dst[i] = op(a[i], s)
			}
		default:
			return fmt.Errorf("%s: arg shapes %v and %v do not broadcast", key, args[0].Shape(), args[1].Shape())
		}
		return nil
	}
}

func reluF32(args, outs []tensor.View) error {
	if err := arity("relu", args, outs, 1, 1); err != nil {
		return err
	}
	src, err := args[0].Float32s()
	if err != nil {
		return fmt.Errorf("relu: arg 0: %w", err)
	}
	dst, err := outs[0].Float32s()
	if err != nil {
		return fmt.Errorf("relu: out 0: %w", err)
	}
	if !sameShape(args[0], outs[0]) {
		return fmt.Errorf("relu: out shape %v does not match arg shape %v", outs[0].Shape(), args[0].Shape())
	}
	for i, v := range src {
		if v > 0 {
			dst[i] = v
		} else {
			dst[i] = 0
		}
	}
	return nil
}

// copyOp moves raw bytes; it works for every dtype but requires identical
// metadata on both sides.
func copyOp(args, outs []tensor.View) error {
	if err := arity("copy", args, outs, 1, 1); err != nil {
		return err
	}
	if args[0].DType() != outs[0].DType() || !sameShape(args[0], outs[0]) {
		return fmt.Errorf("copy: arg is %v%v, out is %v%v",
			args[0].DType(), args[0].Shape(), outs[0].DType(), outs[0].Shape())
	}
	src, err := args[0].Bytes()
	if err != nil {
		return fmt.Errorf("copy: arg 0: %w", err)
	}
	dst, err := outs[0].Bytes()
	if err != nil {
		return fmt.Errorf("copy: out 0: %w", err)
	}
	copy(dst, src)
	return nil
}

func matmulF32(args, outs []tensor.View) error {
	if err := arity("matmul", args, outs, 2, 1); err != nil {
		return err
	}
	as, bs, cs := args[0].Shape(), args[1].Shape(), outs[0].Shape()
	if len(as) != 2 || len(bs) != 2 || len(cs) != 2 {
		return fmt.Errorf("matmul: wants rank-2 operands, got %v x %v -> %v", as, bs, cs)
	}
	m, k, n := as[0], as[1], bs[1]
	if bs[0] != k || cs[0] != m || cs[1] != n {
		return fmt.Errorf("matmul: shapes do not chain: %v x %v -> %v", as, bs, cs)
	}

	a, err := args[0].Float32s()
	if err != nil {
		return fmt.Errorf("matmul: arg 0: %w", err)
	}
	b, err := args[1].Float32s()
	if err != nil {
		return fmt.Errorf("matmul: arg 1: %w", err)
	}
	c, err := outs[0].Float32s()
	if err != nil {
		return fmt.Errorf("matmul: out 0: %w", err)
	}

	for i := range c {
		c[i] = 0
	}
	for i := 0; i < m; i++ {
		for l := 0; l < k; l++ {
			av := a[i*k+l]
			row := b[l*n : l*n+n]
			out := c[i*n : i*n+n]
			for j := range row {
				out[j] += av * row[j]
			}
		}
	}
	return nil
}
