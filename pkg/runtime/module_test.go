package runtime

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/plinthml/plinth/pkg/plp"
	"github.com/plinthml/plinth/pkg/tensor"
)

func TestModuleExecute(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	progPath := filepath.Join(dir, "extmul.plp")
	dataPath := filepath.Join(dir, "extmul.pld")
	writeExtProgram(t, progPath, 4)
	writeWeights(t, dataPath, 3, 3, 3, 3)

	mod, err := OpenModule(progPath, ModuleConfig{DataFile: dataPath})
	if err != nil {
		t.Fatalf("open module: %v", err)
	}
	defer mod.Close()

	outs, err := mod.Execute("forward", []tensor.View{f32View(t, []int{4}, 1, 2, 3, 4)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(outs) != 1 {
		t.Fatalf("outputs: got %d want 1", len(outs))
	}
	vals, err := outs[0].Float32s()
	if err != nil {
		t.Fatalf("output values: %v", err)
	}
	want := []float32{3, 6, 9, 12}
	for i := range want {
		if vals[i] != want[i] {
			t.Fatalf("output[%d]: got %v want %v", i, vals[i], want[i])
		}
	}
}

func TestModuleOutputsSurviveReExecute(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	progPath := filepath.Join(dir, "addconst.plp")
	writeAddProgram(t, progPath)

	mod, err := OpenModule(progPath, ModuleConfig{})
	if err != nil {
		t.Fatalf("open module: %v", err)
	}
	defer mod.Close()

	first, err := mod.Execute("forward", []tensor.View{f32View(t, []int{2, 2}, 1, 2, 3, 4)})
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := mod.Execute("forward", []tensor.View{f32View(t, []int{2, 2}, 5, 6, 7, 8)}); err != nil {
		t.Fatalf("second execute: %v", err)
	}

	// Module outputs are detached copies, not arena views.
	vals, err := first[0].Float32s()
	if err != nil {
		t.Fatalf("first output after re-execute: %v", err)
	}
	want := []float32{2, 4, 6, 8}
	for i := range want {
		if vals[i] != want[i] {
			t.Fatalf("first output[%d]: got %v want %v", i, vals[i], want[i])
		}
	}
}

func TestModuleForward(t *testing.T) {
	t.Parallel()

	progPath := filepath.Join(t.TempDir(), "addconst.plp")
	writeAddProgram(t, progPath)

	mod, err := OpenModule(progPath, ModuleConfig{})
	if err != nil {
		t.Fatalf("open module: %v", err)
	}
	defer mod.Close()

	outs, err := mod.Forward(f32View(t, []int{2, 2}, 0, 0, 0, 0))
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	vals, err := outs[0].Float32s()
	if err != nil {
		t.Fatalf("output values: %v", err)
	}
	want := []float32{1, 2, 3, 4}
	for i := range want {
		if vals[i] != want[i] {
			t.Fatalf("output[%d]: got %v want %v", i, vals[i], want[i])
		}
	}
}

func TestModuleCachesMethods(t *testing.T) {
	t.Parallel()

	progPath := filepath.Join(t.TempDir(), "addconst.plp")
	writeAddProgram(t, progPath)

	mod, err := OpenModule(progPath, ModuleConfig{})
	if err != nil {
		t.Fatalf("open module: %v", err)
	}
	defer mod.Close()

	m1, err := mod.Method("forward")
	if err != nil {
		t.Fatalf("first method: %v", err)
	}
	m2, err := mod.Method("forward")
	if err != nil {
		t.Fatalf("second method: %v", err)
	}
	if m1 != m2 {
		t.Fatal("method not cached")
	}
}

func TestModuleRebindsFailedMethod(t *testing.T) {
	t.Parallel()

	progPath := filepath.Join(t.TempDir(), "gelu.plp")
	b := plp.NewBuilder("gelu")
	mb := b.Method("forward")
	pool := mb.Pool(64)
	x := mb.Input(tensor.DTypeF32, []int{4})
	out := mb.Planned(tensor.DTypeF32, []int{4}, pool)
	mb.Op("gelu", []int{x}, []int{out})
	mb.Output(out)
	if err := b.WriteFile(progPath); err != nil {
		t.Fatalf("write program: %v", err)
	}

	mod, err := OpenModule(progPath, ModuleConfig{})
	if err != nil {
		t.Fatalf("open module: %v", err)
	}
	defer mod.Close()

	in := []tensor.View{f32View(t, []int{4}, 1, 2, 3, 4)}
	if _, err := mod.Execute("forward", in); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("first execute: got %v want ErrNotImplemented", err)
	}
	// The failed method was evicted; the retry re-binds instead of
	// reporting an invalid state.
	if _, err := mod.Execute("forward", in); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("second execute: got %v want ErrNotImplemented", err)
	}
}

func TestModuleRejectsWrongArity(t *testing.T) {
	t.Parallel()

	progPath := filepath.Join(t.TempDir(), "addconst.plp")
	writeAddProgram(t, progPath)

	mod, err := OpenModule(progPath, ModuleConfig{})
	if err != nil {
		t.Fatalf("open module: %v", err)
	}
	defer mod.Close()

	if _, err := mod.Execute("forward", nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("missing input: got %v want ErrInvalidState", err)
	}
	in := f32View(t, []int{2, 2}, 1, 2, 3, 4)
	if _, err := mod.Execute("forward", []tensor.View{in, in}); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("extra input: got %v want ErrIndexOutOfRange", err)
	}
	if _, err := mod.Execute("missing", nil); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("unknown method: got %v want ErrUnknownMethod", err)
	}
}

func TestOpenModuleErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := OpenModule(filepath.Join(dir, "missing.plp"), ModuleConfig{}); err == nil {
		t.Fatal("missing program accepted")
	}

	progPath := filepath.Join(dir, "addconst.plp")
	writeAddProgram(t, progPath)
	if _, err := OpenModule(progPath, ModuleConfig{DataFile: filepath.Join(dir, "missing.pld")}); err == nil {
		t.Fatal("missing data file accepted")
	}

	// A truncated program fails full verification.
	raw, err := os.ReadFile(progPath)
	if err != nil {
		t.Fatalf("read program: %v", err)
	}
	truncPath := filepath.Join(dir, "trunc.plp")
	if err := os.WriteFile(truncPath, raw[:len(raw)/2], 0o644); err != nil {
		t.Fatalf("write truncated: %v", err)
	}
	if _, err := OpenModule(truncPath, ModuleConfig{Verification: VerifyFull}); err == nil {
		t.Fatal("truncated program accepted")
	}
}
