package plp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/plinthml/plinth/pkg/tensor"
)

// Method table section layout (v1), all little-endian, offsets relative to
// the section payload:
//
//	header | method entries | value entries | op entries |
//	dims []u64 | idx []u32 | pools []u64 | strings blob
//
// Methods slice the shared value/op/idx/pool arrays with (offset, count)
// pairs; ops and input/output lists hold method-relative value indices.
const (
	MethodTableVersion uint32 = 1

	// MethodTableFlagSortedByName marks method entries sorted by name so
	// lookups can binary search.
	MethodTableFlagSortedByName uint32 = 1 << 0

	mtHeaderSize = 96
	mtMethodSize = 48
	mtValueSize  = 40
	mtOpSize     = 24
)

// ValueKind says where a value slot's bytes come from at execution time.
// Keep these stable forever; add new values only.
type ValueKind uint32

const (
	// ValueInput is caller-supplied storage bound via SetInput.
	ValueInput ValueKind = iota
	// ValuePlanned is arena storage allocated per execution.
	ValuePlanned
	// ValueConstant lives in the program's constant data section.
	ValueConstant
	// ValueExternal resolves against a named entry in a PLD data file.
	ValueExternal
)

func (k ValueKind) String() string {
	switch k {
	case ValueInput:
		return "input"
	case ValuePlanned:
		return "planned"
	case ValueConstant:
		return "constant"
	case ValueExternal:
		return "external"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Value is one decoded tensor slot of a method.
type Value struct {
	Kind  ValueKind
	DType tensor.DType
	Shape []int

	// Pool is the method-relative pool id for planned values.
	Pool int
	// Ext is the placeholder id (external table index) for external values.
	Ext int
	// Off is the constant data section offset for constant values.
	Off uint64
	// Size is the declared byte length for every kind.
	Size uint64
}

// Meta returns the slot's dtype and shape.
func (v *Value) Meta() tensor.Meta {
	return tensor.Meta{DType: v.DType, Shape: v.Shape}
}

// Op is one operator invocation: a registry key plus method-relative value
// indices for arguments and outputs. Parameterized ops take their
// parameters as constant args; there is no attribute payload.
type Op struct {
	Key  string
	Args []int
	Outs []int
}

// MethodDesc is one decoded method: its value slots, declared input and
// output slots, the op sequence in execution order, and the byte capacity
// required of each memory pool.
type MethodDesc struct {
	Name    string
	Values  []Value
	Inputs  []int
	Outputs []int
	Ops     []Op
	Pools   []int64
}

type methodTableHeader struct {
	Version     uint32
	Flags       uint32
	MethodCount uint32
	ValueCount  uint32
	OpCount     uint32
	DimCount    uint32
	IdxCount    uint32
	PoolCount   uint32
	MethodsOff  uint64
	ValuesOff   uint64
	OpsOff      uint64
	DimsOff     uint64
	IdxOff      uint64
	PoolsOff    uint64
	StringsOff  uint64
	StringsSize uint64
}

type methodEntry struct {
	NameOff, NameLen     uint32
	ValueOff, ValueCount uint32
	InputOff, InputCount uint32
	OutputOff, OutCount  uint32
	OpOff, OpCount       uint32
	PoolOff, PoolCount   uint32
}

func corruptMethod(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptProgram, fmt.Sprintf(format, args...))
}

// parseMethodTable decodes and validates a method table payload.
// numExternal and constSec supply the cross-section limits for external ids
// and constant ranges.
func parseMethodTable(sec []byte, numExternal int, constSec *PLPSection) ([]MethodDesc, error) {
	if len(sec) < mtHeaderSize {
		return nil, corruptMethod("method table smaller than header")
	}

	h := methodTableHeader{
		Version:     binary.LittleEndian.Uint32(sec[0:4]),
		Flags:       binary.LittleEndian.Uint32(sec[4:8]),
		MethodCount: binary.LittleEndian.Uint32(sec[8:12]),
		ValueCount:  binary.LittleEndian.Uint32(sec[12:16]),
		OpCount:     binary.LittleEndian.Uint32(sec[16:20]),
		DimCount:    binary.LittleEndian.Uint32(sec[20:24]),
		IdxCount:    binary.LittleEndian.Uint32(sec[24:28]),
		PoolCount:   binary.LittleEndian.Uint32(sec[28:32]),
		MethodsOff:  binary.LittleEndian.Uint64(sec[32:40]),
		ValuesOff:   binary.LittleEndian.Uint64(sec[40:48]),
		OpsOff:      binary.LittleEndian.Uint64(sec[48:56]),
		DimsOff:     binary.LittleEndian.Uint64(sec[56:64]),
		IdxOff:      binary.LittleEndian.Uint64(sec[64:72]),
		PoolsOff:    binary.LittleEndian.Uint64(sec[72:80]),
		StringsOff:  binary.LittleEndian.Uint64(sec[80:88]),
		StringsSize: binary.LittleEndian.Uint64(sec[88:96]),
	}

	if h.Version != MethodTableVersion {
		return nil, corruptMethod("method table version %d not supported", h.Version)
	}
	if h.MethodCount == 0 {
		return nil, corruptMethod("program declares no methods")
	}

	secLen := uint64(len(sec))
	check := func(off, count, elemSize uint64, what string) error {
		bytes := count * elemSize
		if elemSize != 0 && count > secLen/elemSize {
			return corruptMethod("%s table overflows", what)
		}
		if off > secLen || bytes > secLen-off {
			return corruptMethod("%s table out of bounds", what)
		}
		return nil
	}
	if err := check(h.MethodsOff, uint64(h.MethodCount), mtMethodSize, "method"); err != nil {
		return nil, err
	}
	if err := check(h.ValuesOff, uint64(h.ValueCount), mtValueSize, "value"); err != nil {
		return nil, err
	}
	if err := check(h.OpsOff, uint64(h.OpCount), mtOpSize, "op"); err != nil {
		return nil, err
	}
	if err := check(h.DimsOff, uint64(h.DimCount), 8, "dims"); err != nil {
		return nil, err
	}
	if err := check(h.IdxOff, uint64(h.IdxCount), 4, "index"); err != nil {
		return nil, err
	}
	if err := check(h.PoolsOff, uint64(h.PoolCount), 8, "pool"); err != nil {
		return nil, err
	}
	if err := check(h.StringsOff, h.StringsSize, 1, "strings"); err != nil {
		return nil, err
	}

	str := func(off, length uint32, what string) (string, error) {
		if uint64(off)+uint64(length) > h.StringsSize {
			return "", corruptMethod("%s name outside strings blob", what)
		}
		base := h.StringsOff + uint64(off)
		return string(sec[base : base+uint64(length)]), nil
	}
	dimAt := func(i uint32) uint64 {
		return binary.LittleEndian.Uint64(sec[h.DimsOff+uint64(i)*8:])
	}
	idxAt := func(i uint32) uint32 {
		return binary.LittleEndian.Uint32(sec[h.IdxOff+uint64(i)*4:])
	}
	poolAt := func(i uint32) uint64 {
		return binary.LittleEndian.Uint64(sec[h.PoolsOff+uint64(i)*8:])
	}

	methods := make([]MethodDesc, h.MethodCount)
	seen := make(map[string]struct{}, h.MethodCount)
	for mi := uint32(0); mi < h.MethodCount; mi++ {
		base := h.MethodsOff + uint64(mi)*mtMethodSize
		b := sec[base : base+mtMethodSize]
		e := methodEntry{
			NameOff:    binary.LittleEndian.Uint32(b[0:4]),
			NameLen:    binary.LittleEndian.Uint32(b[4:8]),
			ValueOff:   binary.LittleEndian.Uint32(b[8:12]),
			ValueCount: binary.LittleEndian.Uint32(b[12:16]),
			InputOff:   binary.LittleEndian.Uint32(b[16:20]),
			InputCount: binary.LittleEndian.Uint32(b[20:24]),
			OutputOff:  binary.LittleEndian.Uint32(b[24:28]),
			OutCount:   binary.LittleEndian.Uint32(b[28:32]),
			OpOff:      binary.LittleEndian.Uint32(b[32:36]),
			OpCount:    binary.LittleEndian.Uint32(b[36:40]),
			PoolOff:    binary.LittleEndian.Uint32(b[40:44]),
			PoolCount:  binary.LittleEndian.Uint32(b[44:48]),
		}

		if e.NameLen == 0 {
			return nil, corruptMethod("method %d has an empty name", mi)
		}
		name, err := str(e.NameOff, e.NameLen, "method")
		if err != nil {
			return nil, err
		}
		if _, dup := seen[name]; dup {
			return nil, corruptMethod("duplicate method %q", name)
		}
		seen[name] = struct{}{}
		m := MethodDesc{Name: name}

		inRange := func(off, count, total uint32, what string) error {
			if uint64(off)+uint64(count) > uint64(total) {
				return corruptMethod("method %q: %s range out of bounds", name, what)
			}
			return nil
		}
		if err := inRange(e.ValueOff, e.ValueCount, h.ValueCount, "value"); err != nil {
			return nil, err
		}
		if err := inRange(e.InputOff, e.InputCount, h.IdxCount, "input"); err != nil {
			return nil, err
		}
		if err := inRange(e.OutputOff, e.OutCount, h.IdxCount, "output"); err != nil {
			return nil, err
		}
		if err := inRange(e.OpOff, e.OpCount, h.OpCount, "op"); err != nil {
			return nil, err
		}
		if err := inRange(e.PoolOff, e.PoolCount, h.PoolCount, "pool"); err != nil {
			return nil, err
		}

		m.Pools = make([]int64, e.PoolCount)
		for i := uint32(0); i < e.PoolCount; i++ {
			sz := poolAt(e.PoolOff + i)
			if sz > uint64(maxInt64) {
				return nil, corruptMethod("method %q: pool %d size %d out of range", name, i, sz)
			}
			m.Pools[i] = int64(sz)
		}

		m.Values = make([]Value, e.ValueCount)
		for i := uint32(0); i < e.ValueCount; i++ {
			v, err := parseValueEntry(sec, &h, e.ValueOff+i, name, dimAt)
			if err != nil {
				return nil, err
			}
			switch v.Kind {
			case ValuePlanned:
				if v.Pool >= len(m.Pools) {
					return nil, corruptMethod("method %q value %d: pool %d not declared", name, i, v.Pool)
				}
			case ValueConstant:
				if constSec == nil {
					return nil, corruptMethod("method %q value %d: no constant data section", name, i)
				}
				end := v.Off + v.Size
				if end < v.Off || end > constSec.Size {
					return nil, corruptMethod("method %q value %d: constant range out of bounds", name, i)
				}
			case ValueExternal:
				if v.Ext >= numExternal {
					return nil, corruptMethod("method %q value %d: external id %d not declared", name, i, v.Ext)
				}
			}
			m.Values[i] = v
		}

		valueList := func(off, count uint32, wantKind ValueKind, what string) ([]int, error) {
			out := make([]int, count)
			for i := uint32(0); i < count; i++ {
				vi := idxAt(off + i)
				if vi >= e.ValueCount {
					return nil, corruptMethod("method %q: %s %d references value %d of %d", name, what, i, vi, e.ValueCount)
				}
				if m.Values[vi].Kind != wantKind {
					return nil, corruptMethod("method %q: %s %d references a %v value", name, what, i, m.Values[vi].Kind)
				}
				out[i] = int(vi)
			}
			return out, nil
		}
		if m.Inputs, err = valueList(e.InputOff, e.InputCount, ValueInput, "input"); err != nil {
			return nil, err
		}
		if m.Outputs, err = valueList(e.OutputOff, e.OutCount, ValuePlanned, "output"); err != nil {
			return nil, err
		}
		if len(m.Outputs) == 0 {
			return nil, corruptMethod("method %q declares no outputs", name)
		}

		m.Ops = make([]Op, e.OpCount)
		for i := uint32(0); i < e.OpCount; i++ {
			op, err := parseOpEntry(sec, &h, e.OpOff+i, &e, name, idxAt, str)
			if err != nil {
				return nil, err
			}
			m.Ops[i] = op
		}

		methods[mi] = m
	}

	if h.Flags&MethodTableFlagSortedByName != 0 {
		if !sort.SliceIsSorted(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name }) {
			return nil, corruptMethod("sorted flag set but methods are unsorted")
		}
	}

	return methods, nil
}

func parseValueEntry(sec []byte, h *methodTableHeader, i uint32, method string, dimAt func(uint32) uint64) (Value, error) {
	base := h.ValuesOff + uint64(i)*mtValueSize
	b := sec[base : base+mtValueSize]

	kind := ValueKind(binary.LittleEndian.Uint32(b[0:4]))
	dt := tensor.DType(binary.LittleEndian.Uint32(b[4:8]))
	rank := binary.LittleEndian.Uint32(b[8:12])
	dimOff := binary.LittleEndian.Uint32(b[12:16])
	pool := binary.LittleEndian.Uint32(b[16:20])
	ext := binary.LittleEndian.Uint32(b[20:24])
	off := binary.LittleEndian.Uint64(b[24:32])
	size := binary.LittleEndian.Uint64(b[32:40])

	if kind > ValueExternal {
		return Value{}, corruptMethod("method %q value %d: unknown kind %d", method, i, uint32(kind))
	}
	if !dt.Valid() {
		return Value{}, corruptMethod("method %q value %d: unknown dtype %d", method, i, uint32(dt))
	}
	if uint64(dimOff)+uint64(rank) > uint64(h.DimCount) {
		return Value{}, corruptMethod("method %q value %d: dims out of bounds", method, i)
	}

	shape := make([]int, rank)
	for d := uint32(0); d < rank; d++ {
		dim := dimAt(dimOff + d)
		if dim > uint64(maxInt) {
			return Value{}, corruptMethod("method %q value %d: dim %d out of range", method, i, dim)
		}
		shape[d] = int(dim)
	}

	return Value{
		Kind:  kind,
		DType: dt,
		Shape: shape,
		Pool:  int(pool),
		Ext:   int(ext),
		Off:   off,
		Size:  size,
	}, nil
}

func parseOpEntry(sec []byte, h *methodTableHeader, i uint32, e *methodEntry, method string,
	idxAt func(uint32) uint32, str func(uint32, uint32, string) (string, error),
) (Op, error) {
	base := h.OpsOff + uint64(i)*mtOpSize
	b := sec[base : base+mtOpSize]

	keyOff := binary.LittleEndian.Uint32(b[0:4])
	keyLen := binary.LittleEndian.Uint32(b[4:8])
	argOff := binary.LittleEndian.Uint32(b[8:12])
	argCount := binary.LittleEndian.Uint32(b[12:16])
	outOff := binary.LittleEndian.Uint32(b[16:20])
	outCount := binary.LittleEndian.Uint32(b[20:24])

	if keyLen == 0 {
		return Op{}, corruptMethod("method %q op %d has an empty key", method, i)
	}
	key, err := str(keyOff, keyLen, "op")
	if err != nil {
		return Op{}, err
	}

	list := func(off, count uint32, outsOnly bool, what string) ([]int, error) {
		if uint64(off)+uint64(count) > uint64(h.IdxCount) {
			return nil, corruptMethod("method %q op %d: %s range out of bounds", method, i, what)
		}
		out := make([]int, count)
		for j := uint32(0); j < count; j++ {
			vi := idxAt(off + j)
			if vi >= e.ValueCount {
				return nil, corruptMethod("method %q op %d: %s references value %d of %d", method, i, what, vi, e.ValueCount)
			}
			if outsOnly {
				valBase := h.ValuesOff + uint64(e.ValueOff+vi)*mtValueSize
				kind := ValueKind(binary.LittleEndian.Uint32(sec[valBase : valBase+4]))
				if kind != ValuePlanned {
					return nil, corruptMethod("method %q op %d: writes to a %v value", method, i, kind)
				}
			}
			out[j] = int(vi)
		}
		return out, nil
	}

	args, err := list(argOff, argCount, false, "arg")
	if err != nil {
		return Op{}, err
	}
	outs, err := list(outOff, outCount, true, "out")
	if err != nil {
		return Op{}, err
	}
	if len(outs) == 0 {
		return Op{}, corruptMethod("method %q op %d produces no outputs", method, i)
	}

	return Op{Key: key, Args: args, Outs: outs}, nil
}

// EncodeMethodTableSection builds a method table payload (v1). Methods are
// sorted by name and the sorted flag is set. Dims are deduplicated across
// values; op keys and names share one strings blob.
func EncodeMethodTableSection(methods []MethodDesc) ([]byte, error) {
	if len(methods) == 0 {
		return nil, errors.New("plp: method table requires at least one method")
	}

	recs := make([]MethodDesc, len(methods))
	copy(recs, methods)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })

	var (
		values  []Value
		ops     []Op
		dims    []uint64
		idx     []uint32
		pools   []uint64
		strBlob []byte
		strOff  = map[string]uint32{}
		dimOff  = map[string]uint32{}
		entries = make([]methodEntry, 0, len(recs))
	)

	intern := func(s string) (uint32, error) {
		if off, ok := strOff[s]; ok {
			return off, nil
		}
		off := uint32(len(strBlob))
		if uint64(off)+uint64(len(s)) > uint64(^uint32(0)) {
			return 0, errors.New("plp: strings blob too large")
		}
		strOff[s] = off
		strBlob = append(strBlob, s...)
		return off, nil
	}
	internDims := func(shape []int) (uint32, error) {
		key := fmt.Sprint(shape)
		if off, ok := dimOff[key]; ok {
			return off, nil
		}
		off := uint32(len(dims))
		dimOff[key] = off
		for _, d := range shape {
			if d < 0 {
				return 0, fmt.Errorf("plp: negative dim %d", d)
			}
			dims = append(dims, uint64(d))
		}
		return off, nil
	}
	pushIdx := func(list []int, limit int, what string) (uint32, error) {
		off := uint32(len(idx))
		for _, v := range list {
			if v < 0 || v >= limit {
				return 0, fmt.Errorf("plp: %s index %d out of range", what, v)
			}
			idx = append(idx, uint32(v))
		}
		return off, nil
	}

	for _, m := range recs {
		if m.Name == "" {
			return nil, errors.New("plp: method name must be non-empty")
		}
		nameOff, err := intern(m.Name)
		if err != nil {
			return nil, err
		}

		e := methodEntry{
			NameOff:    nameOff,
			NameLen:    uint32(len(m.Name)),
			ValueOff:   uint32(len(values)),
			ValueCount: uint32(len(m.Values)),
			OpOff:      uint32(len(ops)),
			OpCount:    uint32(len(m.Ops)),
			PoolOff:    uint32(len(pools)),
			PoolCount:  uint32(len(m.Pools)),
			InputCount: uint32(len(m.Inputs)),
			OutCount:   uint32(len(m.Outputs)),
		}

		for _, v := range m.Values {
			if _, err := internDims(v.Shape); err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		ops = append(ops, m.Ops...)
		for _, p := range m.Pools {
			if p < 0 {
				return nil, fmt.Errorf("plp: negative pool size %d", p)
			}
			pools = append(pools, uint64(p))
		}

		if e.InputOff, err = pushIdx(m.Inputs, len(m.Values), "input"); err != nil {
			return nil, err
		}
		if e.OutputOff, err = pushIdx(m.Outputs, len(m.Values), "output"); err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}

	// Second pass: op arg/out lists (after inputs/outputs so per-method
	// entry offsets above stay stable) and interned op keys.
	type encodedOp struct {
		keyOff, keyLen   uint32
		argOff, argCount uint32
		outOff, outCount uint32
	}
	encOps := make([]encodedOp, 0, len(ops))
	for ei, m := range recs {
		limit := int(entries[ei].ValueCount)
		for _, op := range m.Ops {
			if op.Key == "" {
				return nil, errors.New("plp: op key must be non-empty")
			}
			keyOff, err := intern(op.Key)
			if err != nil {
				return nil, err
			}
			argOff, err := pushIdx(op.Args, limit, "op arg")
			if err != nil {
				return nil, err
			}
			outOff, err := pushIdx(op.Outs, limit, "op out")
			if err != nil {
				return nil, err
			}
			encOps = append(encOps, encodedOp{
				keyOff: keyOff, keyLen: uint32(len(op.Key)),
				argOff: argOff, argCount: uint32(len(op.Args)),
				outOff: outOff, outCount: uint32(len(op.Outs)),
			})
		}
	}

	h := methodTableHeader{
		Version:     MethodTableVersion,
		Flags:       MethodTableFlagSortedByName,
		MethodCount: uint32(len(entries)),
		ValueCount:  uint32(len(values)),
		OpCount:     uint32(len(encOps)),
		DimCount:    uint32(len(dims)),
		IdxCount:    uint32(len(idx)),
		PoolCount:   uint32(len(pools)),
	}
	h.MethodsOff = mtHeaderSize
	h.ValuesOff = h.MethodsOff + uint64(len(entries))*mtMethodSize
	h.OpsOff = h.ValuesOff + uint64(len(values))*mtValueSize
	h.DimsOff = h.OpsOff + uint64(len(encOps))*mtOpSize
	h.IdxOff = h.DimsOff + uint64(len(dims))*8
	h.PoolsOff = h.IdxOff + uint64(len(idx))*4
	h.StringsOff = h.PoolsOff + uint64(len(pools))*8
	h.StringsSize = uint64(len(strBlob))

	out := make([]byte, h.StringsOff+h.StringsSize)

	binary.LittleEndian.PutUint32(out[0:4], h.Version)
	binary.LittleEndian.PutUint32(out[4:8], h.Flags)
	binary.LittleEndian.PutUint32(out[8:12], h.MethodCount)
	binary.LittleEndian.PutUint32(out[12:16], h.ValueCount)
	binary.LittleEndian.PutUint32(out[16:20], h.OpCount)
	binary.LittleEndian.PutUint32(out[20:24], h.DimCount)
	binary.LittleEndian.PutUint32(out[24:28], h.IdxCount)
	binary.LittleEndian.PutUint32(out[28:32], h.PoolCount)
	binary.LittleEndian.PutUint64(out[32:40], h.MethodsOff)
	binary.LittleEndian.PutUint64(out[40:48], h.ValuesOff)
	binary.LittleEndian.PutUint64(out[48:56], h.OpsOff)
	binary.LittleEndian.PutUint64(out[56:64], h.DimsOff)
	binary.LittleEndian.PutUint64(out[64:72], h.IdxOff)
	binary.LittleEndian.PutUint64(out[72:80], h.PoolsOff)
	binary.LittleEndian.PutUint64(out[80:88], h.StringsOff)
	binary.LittleEndian.PutUint64(out[88:96], h.StringsSize)

	p := int(h.MethodsOff)
	for _, e := range entries {
		binary.LittleEndian.PutUint32(out[p+0:p+4], e.NameOff)
		binary.LittleEndian.PutUint32(out[p+4:p+8], e.NameLen)
		binary.LittleEndian.PutUint32(out[p+8:p+12], e.ValueOff)
		binary.LittleEndian.PutUint32(out[p+12:p+16], e.ValueCount)
		binary.LittleEndian.PutUint32(out[p+16:p+20], e.InputOff)
		binary.LittleEndian.PutUint32(out[p+20:p+24], e.InputCount)
		binary.LittleEndian.PutUint32(out[p+24:p+28], e.OutputOff)
		binary.LittleEndian.PutUint32(out[p+28:p+32], e.OutCount)
		binary.LittleEndian.PutUint32(out[p+32:p+36], e.OpOff)
		binary.LittleEndian.PutUint32(out[p+36:p+40], e.OpCount)
		binary.LittleEndian.PutUint32(out[p+40:p+44], e.PoolOff)
		binary.LittleEndian.PutUint32(out[p+44:p+48], e.PoolCount)
		p += mtMethodSize
	}

	p = int(h.ValuesOff)
	for mi := range recs {
		for vi := range recs[mi].Values {
			v := &recs[mi].Values[vi]
			dOff, err := internDims(v.Shape)
			if err != nil {
				return nil, err
			}
			binary.LittleEndian.PutUint32(out[p+0:p+4], uint32(v.Kind))
			binary.LittleEndian.PutUint32(out[p+4:p+8], uint32(v.DType))
			binary.LittleEndian.PutUint32(out[p+8:p+12], uint32(len(v.Shape)))
			binary.LittleEndian.PutUint32(out[p+12:p+16], dOff)
			binary.LittleEndian.PutUint32(out[p+16:p+20], uint32(v.Pool))
			binary.LittleEndian.PutUint32(out[p+20:p+24], uint32(v.Ext))
			binary.LittleEndian.PutUint64(out[p+24:p+32], v.Off)
			binary.LittleEndian.PutUint64(out[p+32:p+40], v.Size)
			p += mtValueSize
		}
	}

	p = int(h.OpsOff)
	for _, op := range encOps {
		binary.LittleEndian.PutUint32(out[p+0:p+4], op.keyOff)
		binary.LittleEndian.PutUint32(out[p+4:p+8], op.keyLen)
		binary.LittleEndian.PutUint32(out[p+8:p+12], op.argOff)
		binary.LittleEndian.PutUint32(out[p+12:p+16], op.argCount)
		binary.LittleEndian.PutUint32(out[p+16:p+20], op.outOff)
		binary.LittleEndian.PutUint32(out[p+20:p+24], op.outCount)
		p += mtOpSize
	}

	p = int(h.DimsOff)
	for _, d := range dims {
		binary.LittleEndian.PutUint64(out[p:p+8], d)
		p += 8
	}
	p = int(h.IdxOff)
	for _, v := range idx {
		binary.LittleEndian.PutUint32(out[p:p+4], v)
		p += 4
	}
	p = int(h.PoolsOff)
	for _, v := range pools {
		binary.LittleEndian.PutUint64(out[p:p+8], v)
		p += 8
	}
	copy(out[h.StringsOff:], strBlob)

	return out, nil
}

const (
	maxInt   = int(^uint(0) >> 1)
	maxInt64 = int64(^uint64(0) >> 1)
)
