package plp

import (
	"errors"
	"fmt"
	"os"

	"github.com/plinthml/plinth/pkg/tensor"
)

// Builder assembles a PLP program in memory and writes it with WriteFile.
// Builder methods record the first error and make later calls no-ops, so a
// construction sequence can be written straight-line and checked once.
type Builder struct {
	name     string
	producer string
	methods  []*MethodBuilder

	externals []ExternalEntry
	extIDs    map[string]int

	constants [][]byte

	err error
}

// MethodBuilder accumulates one method's values, ops, pools, and outputs.
// Value-adding calls return the method-relative value index used by Op and
// Output.
type MethodBuilder struct {
	b    *Builder
	desc MethodDesc

	// constant value index -> payload id in b.constants
	constIDs map[int]int
}

// NewBuilder starts a program named name.
func NewBuilder(name string) *Builder {
	b := &Builder{
		name:   name,
		extIDs: make(map[string]int),
	}
	if name == "" {
		b.fail(errors.New("plp: program name must be non-empty"))
	}
	return b
}

// Producer records the producing tool, stored in the program info section.
func (b *Builder) Producer(s string) *Builder {
	b.producer = s
	return b
}

// Err returns the first construction error, if any.
func (b *Builder) Err() error { return b.err }

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Method starts a new method. Method names must be unique within a program.
func (b *Builder) Method(name string) *MethodBuilder {
	mb := &MethodBuilder{b: b, constIDs: make(map[int]int)}
	mb.desc.Name = name
	if name == "" {
		b.fail(errors.New("plp: method name must be non-empty"))
	}
	for _, prev := range b.methods {
		if prev.desc.Name == name {
			b.fail(fmt.Errorf("plp: duplicate method %q", name))
			break
		}
	}
	b.methods = append(b.methods, mb)
	return mb
}

// Pool declares a memory pool with the given byte capacity and returns its
// method-relative pool id.
func (m *MethodBuilder) Pool(size int64) int {
	if size < 0 {
		m.b.fail(fmt.Errorf("plp: method %q: negative pool size %d", m.desc.Name, size))
		return -1
	}
	m.desc.Pools = append(m.desc.Pools, size)
	return len(m.desc.Pools) - 1
}

func (m *MethodBuilder) addValue(v Value, what string) int {
	bl := v.Meta().ByteLen()
	if bl < 0 {
		m.b.fail(fmt.Errorf("plp: method %q: invalid %s dtype/shape", m.desc.Name, what))
		return -1
	}
	v.Size = uint64(bl)
	m.desc.Values = append(m.desc.Values, v)
	return len(m.desc.Values) - 1
}

// Input declares a caller-bound input slot. Inputs take positions in the
// method signature in declaration order.
func (m *MethodBuilder) Input(dt tensor.DType, shape []int) int {
	vi := m.addValue(Value{Kind: ValueInput, DType: dt, Shape: shape}, "input")
	if vi >= 0 {
		m.desc.Inputs = append(m.desc.Inputs, vi)
	}
	return vi
}

// Planned declares an arena-allocated intermediate or output slot backed by
// the given pool.
func (m *MethodBuilder) Planned(dt tensor.DType, shape []int, pool int) int {
	if pool < 0 || pool >= len(m.desc.Pools) {
		m.b.fail(fmt.Errorf("plp: method %q: pool %d not declared", m.desc.Name, pool))
		return -1
	}
	return m.addValue(Value{Kind: ValuePlanned, DType: dt, Shape: shape, Pool: pool}, "planned")
}

// Constant declares a slot backed by bytes baked into the program file.
// data must be exactly the dtype/shape byte length, little-endian.
func (m *MethodBuilder) Constant(dt tensor.DType, shape []int, data []byte) int {
	want := (tensor.Meta{DType: dt, Shape: shape}).ByteLen()
	if want < 0 {
		m.b.fail(fmt.Errorf("plp: method %q: invalid constant dtype/shape", m.desc.Name))
		return -1
	}
	if len(data) != want {
		m.b.fail(fmt.Errorf("plp: method %q: constant has %d bytes, dtype/shape require %d", m.desc.Name, len(data), want))
		return -1
	}
	vi := m.addValue(Value{Kind: ValueConstant, DType: dt, Shape: shape}, "constant")
	if vi < 0 {
		return vi
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	m.b.constants = append(m.b.constants, payload)
	m.constIDs[vi] = len(m.b.constants) - 1
	return vi
}

// External declares a slot resolved from a named tensor in an external data
// file at bind time. The same key may back slots in several methods; its
// dtype and byte length must agree everywhere.
func (m *MethodBuilder) External(key string, dt tensor.DType, shape []int) int {
	if key == "" {
		m.b.fail(fmt.Errorf("plp: method %q: external key must be non-empty", m.desc.Name))
		return -1
	}
	want := (tensor.Meta{DType: dt, Shape: shape}).ByteLen()
	if want < 0 {
		m.b.fail(fmt.Errorf("plp: method %q: invalid external dtype/shape", m.desc.Name))
		return -1
	}

	id, ok := m.b.extIDs[key]
	if ok {
		e := m.b.externals[id]
		if e.DType != dt || e.Nbytes != uint64(want) {
			m.b.fail(fmt.Errorf("plp: external %q redeclared with different dtype or size", key))
			return -1
		}
	} else {
		id = len(m.b.externals)
		m.b.externals = append(m.b.externals, ExternalEntry{Key: key, DType: dt, Nbytes: uint64(want)})
		m.b.extIDs[key] = id
	}

	return m.addValue(Value{Kind: ValueExternal, DType: dt, Shape: shape, Ext: id}, "external")
}

// Op appends an operator invocation. args and outs are value indices from
// this method; outs must reference planned slots.
func (m *MethodBuilder) Op(key string, args, outs []int) *MethodBuilder {
	if key == "" {
		m.b.fail(fmt.Errorf("plp: method %q: op key must be non-empty", m.desc.Name))
		return m
	}
	if len(outs) == 0 {
		m.b.fail(fmt.Errorf("plp: method %q: op %q produces no outputs", m.desc.Name, key))
		return m
	}
	check := func(list []int, mustPlan bool, what string) bool {
		for _, vi := range list {
			if vi < 0 || vi >= len(m.desc.Values) {
				m.b.fail(fmt.Errorf("plp: method %q: op %q %s index %d out of range", m.desc.Name, key, what, vi))
				return false
			}
			if mustPlan && m.desc.Values[vi].Kind != ValuePlanned {
				m.b.fail(fmt.Errorf("plp: method %q: op %q writes to a %v value", m.desc.Name, key, m.desc.Values[vi].Kind))
				return false
			}
		}
		return true
	}
	if !check(args, false, "arg") || !check(outs, true, "out") {
		return m
	}
	m.desc.Ops = append(m.desc.Ops, Op{
		Key:  key,
		Args: append([]int(nil), args...),
		Outs: append([]int(nil), outs...),
	})
	return m
}

// Output marks a planned slot as a method output. Outputs take positions in
// declaration order.
func (m *MethodBuilder) Output(vi int) *MethodBuilder {
	if vi < 0 || vi >= len(m.desc.Values) {
		m.b.fail(fmt.Errorf("plp: method %q: output index %d out of range", m.desc.Name, vi))
		return m
	}
	if m.desc.Values[vi].Kind != ValuePlanned {
		m.b.fail(fmt.Errorf("plp: method %q: output %d is a %v value", m.desc.Name, vi, m.desc.Values[vi].Kind))
		return m
	}
	m.desc.Outputs = append(m.desc.Outputs, vi)
	return m
}

// Bytes returns the assembled program as one byte slice, for parsing
// through a Buffer loader without touching disk.
func (b *Builder) Bytes() ([]byte, error) {
	f, err := os.CreateTemp("", "*.plp")
	if err != nil {
		return nil, err
	}
	path := f.Name()
	_ = f.Close()
	defer func() { _ = os.Remove(path) }()

	if err := b.WriteFile(path); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// WriteFile writes the assembled program to path.
func (b *Builder) WriteFile(path string) error {
	if b.err != nil {
		return b.err
	}
	if len(b.methods) == 0 {
		return errors.New("plp: program has no methods")
	}
	for _, mb := range b.methods {
		if len(mb.desc.Outputs) == 0 {
			return fmt.Errorf("plp: method %q declares no outputs", mb.desc.Name)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		return err
	}

	// Constants stream first so method table entries carry final offsets.
	if len(b.constants) > 0 {
		if err := w.AddFlags(FlagConstantsAligned64); err != nil {
			return err
		}
		cw, err := w.BeginSection(SectionConstantData, 1)
		if err != nil {
			return err
		}
		offs := make([]uint64, len(b.constants))
		for id, payload := range b.constants {
			if err := cw.Align(constAlign); err != nil {
				return err
			}
			off, err := cw.BytesWritten()
			if err != nil {
				return err
			}
			if _, err := cw.Write(payload); err != nil {
				return err
			}
			offs[id] = off
		}
		if err := cw.End(); err != nil {
			return err
		}
		for _, mb := range b.methods {
			for vi, id := range mb.constIDs {
				mb.desc.Values[vi].Off = offs[id]
			}
		}
	}

	infoBytes, err := EncodeProgramInfoSection(b.name, b.producer)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionProgramInfo, ProgramInfoVersion, infoBytes); err != nil {
		return err
	}

	if len(b.externals) > 0 {
		extBytes, err := EncodeExternalTableSection(b.externals)
		if err != nil {
			return err
		}
		if err := w.WriteSection(SectionExternalTable, ExternalTableVersion, extBytes); err != nil {
			return err
		}
	}

	methods := make([]MethodDesc, len(b.methods))
	for i, mb := range b.methods {
		methods[i] = mb.desc
	}
	mtBytes, err := EncodeMethodTableSection(methods)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionMethodTable, MethodTableVersion, mtBytes); err != nil {
		return err
	}

	return w.Finalise()
}
