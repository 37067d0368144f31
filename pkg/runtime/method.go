package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/plinthml/plinth/pkg/arena"
	"github.com/plinthml/plinth/pkg/extdata"
	"github.com/plinthml/plinth/pkg/kernel"
	"github.com/plinthml/plinth/pkg/plp"
	"github.com/plinthml/plinth/pkg/tensor"
	"github.com/plinthml/plinth/pkg/trace"
)

// Planned tensors get the same alignment constants use, so kernels can make
// uniform assumptions about their operand pointers.
const plannedAlign = 64

// State tracks a method's lifecycle. Failed is terminal: a failed method
// must be re-bound from the program, not retried in place.
type State uint8

const (
	StateBound State = iota + 1
	StateExecuting
	StateCompleted
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateBound:
		return "bound"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unbound"
	}
}

// ExternalSource hands out views of named external tensors. *extdata.Map
// satisfies it.
type ExternalSource interface {
	View(key string) (tensor.View, error)
}

type methodConfig struct {
	kernels   *kernel.Registry
	source    ExternalSource
	tracer    *trace.Tracer
	poolSizes []int64
}

// MethodOption configures method binding.
type MethodOption func(*methodConfig)

// WithKernels selects the registry ops dispatch through. Defaults to
// kernel.Default().
func WithKernels(r *kernel.Registry) MethodOption {
	return func(c *methodConfig) { c.kernels = r }
}

// WithExternalData supplies the source external placeholders resolve
// against at bind time.
func WithExternalData(src ExternalSource) MethodOption {
	return func(c *methodConfig) { c.source = src }
}

// WithTracer attaches an event tracer to the method.
func WithTracer(tr *trace.Tracer) MethodOption {
	return func(c *methodConfig) { c.tracer = tr }
}

// WithPoolSizes overrides the method's declared pool capacities, one size
// per declared pool. Sizes below the declared minimum fail the bind.
func WithPoolSizes(sizes []int64) MethodOption {
	return func(c *methodConfig) { c.poolSizes = append([]int64(nil), sizes...) }
}

// Method is one bound, executable method instance. It owns its arenas and
// its resolved external bindings. A Method is not safe for concurrent use;
// callers run one execution at a time or bind one method per user.
type Method struct {
	name   string
	prog   *Program
	desc   *plp.MethodDesc
	mm     *arena.Manager
	fns    []kernel.Func
	tracer *trace.Tracer

	gen      tensor.Generation
	state    State
	inputs   []tensor.View
	inputSet []bool

	// fixed holds constant and external views, bound once at bind time.
	// planned holds arena-backed views, rebuilt by every execution.
	fixed   []tensor.View
	planned []tensor.View
}

// LoadMethod binds the named method: creates its arenas, resolves external
// data eagerly, and resolves op dispatch against the kernel registry. Ops
// whose keys the registry does not carry fail with ErrNotImplemented when
// execution reaches them.
func (p *Program) LoadMethod(name string, opts ...MethodOption) (*Method, error) {
	var cfg methodConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.kernels == nil {
		cfg.kernels = kernel.Default()
	}

	desc, ok := p.file.Method(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
	}

	poolSizes := desc.Pools
	if cfg.poolSizes != nil {
		if len(cfg.poolSizes) != len(desc.Pools) {
			return nil, fmt.Errorf("runtime: method %q declares %d pools, %d sizes supplied",
				name, len(desc.Pools), len(cfg.poolSizes))
		}
		for i, sz := range cfg.poolSizes {
			if sz < desc.Pools[i] {
				return nil, fmt.Errorf("%w: pool %d sized %d, method %q declares minimum %d",
					ErrPoolSizeInsufficient, i, sz, name, desc.Pools[i])
			}
		}
		poolSizes = cfg.poolSizes
	}

	mm, err := arena.NewManager(poolSizes)
	if err != nil {
		return nil, err
	}

	m := &Method{
		name:     name,
		prog:     p,
		desc:     desc,
		mm:       mm,
		tracer:   cfg.tracer,
		state:    StateBound,
		inputs:   make([]tensor.View, len(desc.Inputs)),
		inputSet: make([]bool, len(desc.Inputs)),
		fixed:    make([]tensor.View, len(desc.Values)),
		planned:  make([]tensor.View, len(desc.Values)),
	}

	// Dispatch is resolved once here, never re-resolved per call.
	m.fns = make([]kernel.Func, len(desc.Ops))
	for i := range desc.Ops {
		if fn, ok := cfg.kernels.Lookup(desc.Ops[i].Key); ok {
			m.fns[i] = fn
		}
	}

	for vi := range desc.Values {
		v := &desc.Values[vi]
		switch v.Kind {
		case plp.ValueConstant:
			raw, err := p.file.ConstantBytes(v.Off, v.Size)
			if err != nil {
				return nil, err
			}
			view, err := viewOver(v, raw)
			if err != nil {
				return nil, fmt.Errorf("runtime: method %q constant %d: %w", name, vi, err)
			}
			m.fixed[vi] = view

		case plp.ValueExternal:
			entry, _ := p.file.External(v.Ext)
			view, err := resolveExternal(cfg.source, entry.Key, v)
			if err != nil {
				return nil, fmt.Errorf("%w: method %q value %d: %w", ErrUnresolvedExternalData, name, vi, err)
			}
			m.fixed[vi] = view
		}
	}

	// First allocation pass proves the pools are big enough; execution
	// repeats it after every rewind.
	if err := m.allocPlanned(); err != nil {
		return nil, fmt.Errorf("%w: method %q: %v", ErrPoolSizeInsufficient, name, err)
	}

	m.tracer.Emit(trace.Record{Kind: trace.KindBind, Method: name})
	return m, nil
}

// resolveExternal fetches one placeholder from the source and re-frames the
// bytes under the program's declared metadata.
func resolveExternal(src ExternalSource, key string, v *plp.Value) (tensor.View, error) {
	if src == nil {
		return tensor.View{}, fmt.Errorf("%w: %q: no external data source supplied", ErrMissingExternalData, key)
	}
	got, err := src.View(key)
	if err != nil {
		if errors.Is(err, extdata.ErrNotFound) {
			return tensor.View{}, fmt.Errorf("%w: %q", ErrMissingExternalData, key)
		}
		return tensor.View{}, err
	}
	if got.DType() != v.DType {
		return tensor.View{}, fmt.Errorf("%w: %q stored as %v, program declares %v", ErrDTypeMismatch, key, got.DType(), v.DType)
	}
	raw, err := got.Bytes()
	if err != nil {
		return tensor.View{}, err
	}
	if uint64(len(raw)) != v.Size {
		return tensor.View{}, fmt.Errorf("%w: %q provides %d bytes, program declares %d", ErrSizeMismatch, key, len(raw), v.Size)
	}
	return viewOver(v, raw)
}

// viewOver frames raw under a value's declared dtype and shape, copying
// once if the storage is not element-aligned.
func viewOver(v *plp.Value, raw []byte) (tensor.View, error) {
	view, err := tensor.NewView(v.DType, v.Shape, raw)
	if err == nil {
		return view, nil
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return tensor.NewView(v.DType, v.Shape, cp)
}

// allocPlanned rewinds the arenas and re-allocates every planned value in
// value order. The bump order is fixed, so offsets are identical across
// executions.
func (m *Method) allocPlanned() error {
	m.mm.RewindAll()
	for vi := range m.desc.Values {
		v := &m.desc.Values[vi]
		if v.Kind != plp.ValuePlanned {
			continue
		}
		pool, err := m.mm.Pool(v.Pool)
		if err != nil {
			return err
		}
		buf, err := pool.Alloc(int(v.Size), plannedAlign)
		if err != nil {
			return fmt.Errorf("value %d (%v%v) in pool %d: %w", vi, v.DType, v.Shape, v.Pool, err)
		}
		view, err := tensor.NewGuardedView(v.DType, v.Shape, buf, &m.gen)
		if err != nil {
			return fmt.Errorf("value %d: %w", vi, err)
		}
		m.planned[vi] = view
	}
	return nil
}

// Name reports the bound method's name.
func (m *Method) Name() string { return m.name }

// State reports the lifecycle state.
func (m *Method) State() State { return m.state }

// NumInputs reports the declared input count.
func (m *Method) NumInputs() int { return len(m.desc.Inputs) }

// PoolUsage reports bytes currently allocated from each pool. The planned
// allocation order is fixed, so usage is identical after every execution.
func (m *Method) PoolUsage() []int64 {
	out := make([]int64, m.mm.NumPools())
	for i := range out {
		pool, err := m.mm.Pool(i)
		if err != nil {
			continue
		}
		out[i] = int64(pool.Used())
	}
	return out
}

// NumOutputs reports the declared output count.
func (m *Method) NumOutputs() int { return len(m.desc.Outputs) }

// InputMeta returns the declared dtype and shape of input i.
func (m *Method) InputMeta(i int) (tensor.Meta, error) {
	if i < 0 || i >= len(m.desc.Inputs) {
		return tensor.Meta{}, fmt.Errorf("%w: input %d of %d", ErrIndexOutOfRange, i, len(m.desc.Inputs))
	}
	return m.desc.Values[m.desc.Inputs[i]].Meta(), nil
}

// OutputMeta returns the declared dtype and shape of output i.
func (m *Method) OutputMeta(i int) (tensor.Meta, error) {
	if i < 0 || i >= len(m.desc.Outputs) {
		return tensor.Meta{}, fmt.Errorf("%w: output %d of %d", ErrIndexOutOfRange, i, len(m.desc.Outputs))
	}
	return m.desc.Values[m.desc.Outputs[i]].Meta(), nil
}

// SetInput binds the caller's view as input i. The view's dtype and shape
// must match the declaration exactly; mismatches are rejected here, never
// deferred to op execution. The storage stays caller-owned and must outlive
// every execution that reads it.
func (m *Method) SetInput(i int, v tensor.View) error {
	switch m.state {
	case StateBound, StateCompleted:
	default:
		return fmt.Errorf("%w: set_input in state %v", ErrInvalidState, m.state)
	}
	if i < 0 || i >= len(m.desc.Inputs) {
		return fmt.Errorf("%w: input %d of %d", ErrIndexOutOfRange, i, len(m.desc.Inputs))
	}

	decl := m.desc.Values[m.desc.Inputs[i]]
	if v.DType() != decl.DType {
		return fmt.Errorf("%w: input %d is %v, method wants %v", ErrDTypeMismatch, i, v.DType(), decl.DType)
	}
	if !shapeEqual(v.Shape(), decl.Shape) {
		return fmt.Errorf("%w: input %d is %v, method wants %v", ErrShapeMismatch, i, v.Shape(), decl.Shape)
	}

	m.inputs[i] = v
	m.inputSet[i] = true
	return nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Execute runs the op sequence in recorded order. It rewinds the arenas
// first, so views from the previous run go stale. Execution is synchronous
// and cannot be cancelled from this layer.
func (m *Method) Execute() error {
	switch m.state {
	case StateBound, StateCompleted:
	default:
		return fmt.Errorf("%w: execute in state %v", ErrInvalidState, m.state)
	}
	for i, set := range m.inputSet {
		if !set {
			return fmt.Errorf("%w: input %d not set", ErrInvalidState, i)
		}
	}

	m.state = StateExecuting
	m.tracer.Emit(trace.Record{Kind: trace.KindExecuteStart, Method: m.name})
	started := time.Now()

	err := m.run()

	if err != nil {
		m.state = StateFailed
		m.tracer.Emit(trace.Record{
			Kind: trace.KindExecuteEnd, Method: m.name,
			Dur: time.Since(started), Err: err.Error(),
		})
		return err
	}
	m.state = StateCompleted
	m.tracer.Emit(trace.Record{Kind: trace.KindExecuteEnd, Method: m.name, Dur: time.Since(started)})
	return nil
}

func (m *Method) run() error {
	// Invalidate views from the previous run before their storage is
	// rewound and reused.
	m.gen.Advance()
	if err := m.allocPlanned(); err != nil {
		return fmt.Errorf("%w: %w", ErrExecution, err)
	}

	for oi := range m.desc.Ops {
		op := &m.desc.Ops[oi]
		m.tracer.Emit(trace.Record{Kind: trace.KindOpStart, Method: m.name, OpIndex: oi, Op: op.Key})
		opStart := time.Now()

		err := m.runOp(oi, op)

		rec := trace.Record{Kind: trace.KindOpEnd, Method: m.name, OpIndex: oi, Op: op.Key, Dur: time.Since(opStart)}
		if err != nil {
			rec.Err = err.Error()
			m.tracer.Emit(rec)
			return err
		}
		m.tracer.Emit(rec)
	}
	return nil
}

func (m *Method) runOp(oi int, op *plp.Op) error {
	fn := m.fns[oi]
	if fn == nil {
		return fmt.Errorf("%w: op %d key %q", ErrNotImplemented, oi, op.Key)
	}

	args := make([]tensor.View, len(op.Args))
	for i, vi := range op.Args {
		v, err := m.valueView(vi)
		if err != nil {
			return fmt.Errorf("%w: op %d (%q) arg %d: %v", ErrExecution, oi, op.Key, i, err)
		}
		args[i] = v
	}
	outs := make([]tensor.View, len(op.Outs))
	for i, vi := range op.Outs {
		outs[i] = m.planned[vi]
	}

	if err := fn(args, outs); err != nil {
		return fmt.Errorf("%w: op %d (%q): %v", ErrExecution, oi, op.Key, err)
	}
	return nil
}

// valueView resolves a method-relative value index to its current view.
func (m *Method) valueView(vi int) (tensor.View, error) {
	v := &m.desc.Values[vi]
	switch v.Kind {
	case plp.ValueInput:
		for i, idx := range m.desc.Inputs {
			if idx == vi {
				return m.inputs[i], nil
			}
		}
		return tensor.View{}, fmt.Errorf("value %d is an unlisted input", vi)
	case plp.ValuePlanned:
		return m.planned[vi], nil
	default:
		return m.fixed[vi], nil
	}
}

// Output returns output i of the last completed execution. The view's
// storage belongs to the method's arenas: it goes stale at the next
// Execute or Close.
func (m *Method) Output(i int) (tensor.View, error) {
	if m.state != StateCompleted {
		return tensor.View{}, fmt.Errorf("%w: output in state %v", ErrInvalidState, m.state)
	}
	if i < 0 || i >= len(m.desc.Outputs) {
		return tensor.View{}, fmt.Errorf("%w: output %d of %d", ErrIndexOutOfRange, i, len(m.desc.Outputs))
	}
	return m.planned[m.desc.Outputs[i]], nil
}

// Outputs returns all outputs of the last completed execution, with the
// same lifetime caveats as Output.
func (m *Method) Outputs() ([]tensor.View, error) {
	out := make([]tensor.View, len(m.desc.Outputs))
	for i := range out {
		v, err := m.Output(i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Close releases the method: arena views go stale, pools rewind, and every
// further call fails with ErrInvalidState. Closing twice is an error.
func (m *Method) Close() error {
	if m.state == StateClosed {
		return fmt.Errorf("%w: already closed", ErrInvalidState)
	}
	m.state = StateClosed
	m.gen.Advance()
	m.mm.RewindAll()
	return nil
}
