package kernel

import (
	"errors"
	"testing"

	"github.com/plinthml/plinth/pkg/tensor"
)

func mkF32(t *testing.T, shape []int, vals ...float32) tensor.View {
	t.Helper()
	v, err := tensor.NewView(tensor.DTypeF32, shape, make([]byte, 4*len(vals)))
	if err != nil {
		t.Fatalf("new view: %v", err)
	}
	dst, err := v.Float32s()
	if err != nil {
		t.Fatalf("float32s: %v", err)
	}
	copy(dst, vals)
	return v
}

func f32sOf(t *testing.T, v tensor.View) []float32 {
	t.Helper()
	vals, err := v.Float32s()
	if err != nil {
		t.Fatalf("float32s: %v", err)
	}
	return vals
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	noop := func(args, outs []tensor.View) error { return nil }

	if err := r.Register("relu", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("relu", noop); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("duplicate register: got %v, want %v", err, ErrAlreadyRegistered)
	}
	if err := r.Register("", noop); err == nil {
		t.Fatalf("empty key accepted")
	}
	if err := r.Register("nil", nil); err == nil {
		t.Fatalf("nil func accepted")
	}

	if _, ok := r.Lookup("relu"); !ok {
		t.Fatalf("registered key not found")
	}
	if _, ok := r.Lookup("gelu"); ok {
		t.Fatalf("unregistered key found")
	}
}

func TestDefaultRegistryKeys(t *testing.T) {
	t.Parallel()

	want := []string{"add", "copy", "div", "matmul", "mul", "relu", "scale", "sub"}
	got := Default().Keys()
	if len(got) != len(want) {
		t.Fatalf("keys: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keys: got %v want %v", got, want)
		}
	}
}

func TestAddElementwiseAndBroadcast(t *testing.T) {
	t.Parallel()

	r := Default()
	add, _ := r.Lookup("add")

	a := mkF32(t, []int{2, 2}, 1, 2, 3, 4)
	b := mkF32(t, []int{2, 2}, 10, 20, 30, 40)
	out := mkF32(t, []int{2, 2}, 0, 0, 0, 0)
	if err := add([]tensor.View{a, b}, []tensor.View{out}); err != nil {
		t.Fatalf("add: %v", err)
	}
	want := []float32{11, 22, 33, 44}
	for i, got := range f32sOf(t, out) {
		if got != want[i] {
			t.Fatalf("add[%d]: got %v want %v", i, got, want[i])
		}
	}

	scalar := mkF32(t, []int{1}, 100)
	if err := add([]tensor.View{a, scalar}, []tensor.View{out}); err != nil {
		t.Fatalf("add broadcast: %v", err)
	}
	wantB := []float32{101, 102, 103, 104}
	for i, got := range f32sOf(t, out) {
		if got != wantB[i] {
			t.Fatalf("broadcast[%d]: got %v want %v", i, got, wantB[i])
		}
	}

	bad := mkF32(t, []int{3}, 1, 2, 3)
	if err := add([]tensor.View{a, bad}, []tensor.View{out}); err == nil {
		t.Fatalf("mismatched operand accepted")
	}
	if err := add([]tensor.View{a}, []tensor.View{out}); err == nil {
		t.Fatalf("wrong arity accepted")
	}
}

func TestRelu(t *testing.T) {
	t.Parallel()

	relu, _ := Default().Lookup("relu")
	in := mkF32(t, []int{4}, -1, 0, 2.5, -0.25)
	out := mkF32(t, []int{4}, 9, 9, 9, 9)
	if err := relu([]tensor.View{in}, []tensor.View{out}); err != nil {
		t.Fatalf("relu: %v", err)
	}
	want := []float32{0, 0, 2.5, 0}
	for i, got := range f32sOf(t, out) {
		if got != want[i] {
			t.Fatalf("relu[%d]: got %v want %v", i, got, want[i])
		}
	}
}

func TestMatmul(t *testing.T) {
	t.Parallel()

	matmul, _ := Default().Lookup("matmul")

	a := mkF32(t, []int{2, 3}, 1, 2, 3, 4, 5, 6)
	b := mkF32(t, []int{3, 2}, 7, 8, 9, 10, 11, 12)
	out := mkF32(t, []int{2, 2}, 0, 0, 0, 0)
	if err := matmul([]tensor.View{a, b}, []tensor.View{out}); err != nil {
		t.Fatalf("matmul: %v", err)
	}
	want := []float32{58, 64, 139, 154}
	for i, got := range f32sOf(t, out) {
		if got != want[i] {
			t.Fatalf("matmul[%d]: got %v want %v", i, got, want[i])
		}
	}

	badOut := mkF32(t, []int{3, 3}, make([]float32, 9)...)
	if err := matmul([]tensor.View{a, b}, []tensor.View{badOut}); err == nil {
		t.Fatalf("mismatched output shape accepted")
	}
}

func TestCopyAnyDType(t *testing.T) {
	t.Parallel()

	cp, _ := Default().Lookup("copy")

	src, err := tensor.NewView(tensor.DTypeI64, []int{2}, []byte{1, 0, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("new view: %v", err)
	}
	dst, err := tensor.NewView(tensor.DTypeI64, []int{2}, make([]byte, 16))
	if err != nil {
		t.Fatalf("new view: %v", err)
	}
	if err := cp([]tensor.View{src}, []tensor.View{dst}); err != nil {
		t.Fatalf("copy: %v", err)
	}
	got, err := dst.Int64s()
	if err != nil {
		t.Fatalf("int64s: %v", err)
	}
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("copy values: got %v", got)
	}

	f32dst := mkF32(t, []int{2}, 0, 0)
	if err := cp([]tensor.View{src}, []tensor.View{f32dst}); err == nil {
		t.Fatalf("dtype mismatch accepted")
	}
}
