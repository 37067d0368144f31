package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseInputPayloads(t *testing.T) {
	t.Parallel()

	got, err := parseInputPayloads([]byte(`[{"dtype":"f32","shape":[2],"values":[1,2]}]`))
	if err != nil {
		t.Fatalf("parse array form: %v", err)
	}
	if len(got) != 1 || got[0].DType != "f32" || len(got[0].Values) != 2 {
		t.Fatalf("unexpected payloads: %+v", got)
	}

	got, err = parseInputPayloads([]byte(`{"inputs":[{"dtype":"i64","shape":[1],"values":[7]},{"dtype":"f32","shape":[2],"values":[1,2]}]}`))
	if err != nil {
		t.Fatalf("parse wrapped form: %v", err)
	}
	if len(got) != 2 || got[0].DType != "i64" || got[1].DType != "f32" {
		t.Fatalf("unexpected payloads: %+v", got)
	}

	got, err = parseInputPayloads([]byte("  \n"))
	if err != nil {
		t.Fatalf("parse empty input: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no payloads, got %+v", got)
	}

	if _, err := parseInputPayloads([]byte(`{"inputs":`)); err == nil {
		t.Fatal("truncated JSON accepted")
	}
}

func TestReadRunInputs(t *testing.T) {
	t.Parallel()

	if _, err := readRunInputs(`[]`, "also.json"); err == nil {
		t.Fatal("expected error for --input with --input-file")
	}

	payloads, err := readRunInputs("", "")
	if err != nil {
		t.Fatalf("no inputs: %v", err)
	}
	if payloads != nil {
		t.Fatalf("expected nil payloads, got %+v", payloads)
	}

	path := filepath.Join(t.TempDir(), "inputs.json")
	if err := os.WriteFile(path, []byte(`[{"dtype":"f32","shape":[1],"values":[3]}]`), 0o644); err != nil {
		t.Fatalf("write inputs: %v", err)
	}
	payloads, err = readRunInputs("", path)
	if err != nil {
		t.Fatalf("read input file: %v", err)
	}
	if len(payloads) != 1 || payloads[0].Values[0] != 3 {
		t.Fatalf("unexpected payloads: %+v", payloads)
	}

	if _, err := readRunInputs("", filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("missing input file accepted")
	}
}

func TestSiblingDataFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	prog := filepath.Join(dir, "net.plp")
	if got := siblingDataFile(prog); got != "" {
		t.Fatalf("expected no sibling, got %q", got)
	}

	data := filepath.Join(dir, "net.pld")
	if err := os.WriteFile(data, []byte("x"), 0o644); err != nil {
		t.Fatalf("write data file: %v", err)
	}
	if got := siblingDataFile(prog); got != data {
		t.Fatalf("unexpected sibling: got %q want %q", got, data)
	}
}

func TestDefaultRunMethod(t *testing.T) {
	t.Parallel()

	if got := defaultRunMethod([]string{"encode"}); got != "encode" {
		t.Fatalf("single method: got %q", got)
	}
	if got := defaultRunMethod([]string{"decode", "encode"}); got != "forward" {
		t.Fatalf("multiple methods: got %q", got)
	}
}
