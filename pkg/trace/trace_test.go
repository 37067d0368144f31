package trace

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

type failingSink struct{ calls int }

func (s *failingSink) Emit(Record) error {
	s.calls++
	return errors.New("sink full")
}

func TestNilTracerDiscards(t *testing.T) {
	t.Parallel()

	var tr *Tracer
	tr.Emit(Record{Kind: KindExecuteStart, Method: "forward"})
	if got := tr.Dropped(); got != 0 {
		t.Fatalf("dropped: got %d want 0", got)
	}
}

func TestTracerSwallowsSinkErrors(t *testing.T) {
	t.Parallel()

	sink := &failingSink{}
	tr := New(sink)
	tr.Emit(Record{Kind: KindOpStart, Method: "forward", Op: "add"})
	tr.Emit(Record{Kind: KindOpEnd, Method: "forward", Op: "add"})

	if sink.calls != 2 {
		t.Fatalf("sink calls: got %d want 2", sink.calls)
	}
	if got := tr.Dropped(); got != 2 {
		t.Fatalf("dropped: got %d want 2", got)
	}
}

func TestCollectorOrdersRecords(t *testing.T) {
	t.Parallel()

	c := &Collector{}
	tr := New(c)
	tr.Emit(Record{Kind: KindExecuteStart, Method: "forward"})
	tr.Emit(Record{Kind: KindOpStart, Method: "forward", OpIndex: 0, Op: "add"})
	tr.Emit(Record{Kind: KindOpEnd, Method: "forward", OpIndex: 0, Op: "add"})
	tr.Emit(Record{Kind: KindExecuteEnd, Method: "forward"})

	recs := c.Records()
	if len(recs) != 4 {
		t.Fatalf("records: got %d want 4", len(recs))
	}
	wantKinds := []Kind{KindExecuteStart, KindOpStart, KindOpEnd, KindExecuteEnd}
	for i, r := range recs {
		if r.Kind != wantKinds[i] {
			t.Fatalf("record %d: got %v want %v", i, r.Kind, wantKinds[i])
		}
		if r.At.IsZero() {
			t.Fatalf("record %d: missing timestamp", i)
		}
	}

	c.Reset()
	if len(c.Records()) != 0 {
		t.Fatalf("reset left records behind")
	}
}

func TestJSONLSink(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tr := New(NewJSONLSink(&buf))
	tr.Emit(Record{Kind: KindOpStart, Method: "forward", OpIndex: 2, Op: "matmul"})
	tr.Emit(Record{Kind: KindExecuteEnd, Method: "forward", Err: "boom"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: got %d want 2", len(lines))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first["kind"] != "op_start" || first["op"] != "matmul" {
		t.Fatalf("first record: got %v", first)
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if second["kind"] != "execute_end" || second["err"] != "boom" {
		t.Fatalf("second record: got %v", second)
	}
}
