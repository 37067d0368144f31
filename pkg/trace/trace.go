// Package trace captures the event stream a method emits while executing.
// Tracing is diagnostic-only: sink failures are counted and swallowed, never
// surfaced as execution errors.
package trace

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// Kind tags one event record.
type Kind uint8

const (
	KindBind Kind = iota + 1
	KindExecuteStart
	KindOpStart
	KindOpEnd
	KindExecuteEnd
)

func (k Kind) String() string {
	switch k {
	case KindBind:
		return "bind"
	case KindExecuteStart:
		return "execute_start"
	case KindOpStart:
		return "op_start"
	case KindOpEnd:
		return "op_end"
	case KindExecuteEnd:
		return "execute_end"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind name, so JSON sinks stay readable.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Record is one traced event. Op fields are set only for op events; Dur is
// set only on end events; Err carries the failure text on failed ends.
type Record struct {
	At      time.Time     `json:"at"`
	Kind    Kind          `json:"kind"`
	Method  string        `json:"method"`
	OpIndex int           `json:"op_index,omitempty"`
	Op      string        `json:"op,omitempty"`
	Dur     time.Duration `json:"dur_ns,omitempty"`
	Err     string        `json:"err,omitempty"`
}

// Sink receives records in emission order.
type Sink interface {
	Emit(Record) error
}

// Tracer fans records into a sink. A nil *Tracer discards everything, so
// callers can emit unconditionally.
type Tracer struct {
	sink    Sink
	dropped atomic.Uint64
}

func New(sink Sink) *Tracer {
	return &Tracer{sink: sink}
}

// Emit forwards r to the sink. Sink errors increment Dropped and are
// otherwise ignored.
func (t *Tracer) Emit(r Record) {
	if t == nil || t.sink == nil {
		return
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	if err := t.sink.Emit(r); err != nil {
		t.dropped.Add(1)
	}
}

// Dropped reports how many records the sink rejected.
func (t *Tracer) Dropped() uint64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}

// Collector is an in-memory sink, mainly for tests and inspection tooling.
type Collector struct {
	mu   sync.Mutex
	recs []Record
}

func (c *Collector) Emit(r Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, r)
	return nil
}

// Records returns a copy of everything collected so far.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.recs))
	copy(out, c.recs)
	return out
}

// Reset discards collected records.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = nil
}

// JSONLSink writes one JSON object per record to w.
type JSONLSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

func (s *JSONLSink) Emit(r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(b)
	return err
}
