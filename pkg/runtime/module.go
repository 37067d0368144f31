package runtime

import (
	"fmt"
	"sync"

	"github.com/plinthml/plinth/pkg/extdata"
	"github.com/plinthml/plinth/pkg/kernel"
	"github.com/plinthml/plinth/pkg/tensor"
	"github.com/plinthml/plinth/pkg/trace"
)

// ModuleConfig configures OpenModule. The zero value loads a program with
// minimal verification, no external data file, and the default kernel
// registry.
type ModuleConfig struct {
	// DataFile is an optional .pld file resolving the program's external
	// placeholders.
	DataFile string
	// Kernels overrides the registry methods dispatch through.
	Kernels *kernel.Registry
	// Tracer receives bind and execution events from every method.
	Tracer *trace.Tracer
	// Verification selects how much of the program Open checks up front.
	Verification Verification
}

// Module is the convenience facade over Program and Method: it owns the
// program, the optional data file, and a cache of bound methods, and it
// serialises execution per method. Concurrent Execute calls are safe;
// Close waits for in-flight executions before releasing their storage.
type Module struct {
	cfg  ModuleConfig
	prog *Program
	ext  *extdata.Map

	mu      sync.Mutex
	closed  bool
	methods map[string]*methodEntry
}

type methodEntry struct {
	m  *Method
	mu sync.Mutex
}

// OpenModule opens a program file and, when configured, its external data
// file. Methods bind lazily on first use.
func OpenModule(path string, cfg ModuleConfig) (*Module, error) {
	prog, err := LoadProgram(path, WithVerification(cfg.Verification))
	if err != nil {
		return nil, err
	}
	mod := &Module{
		cfg:     cfg,
		prog:    prog,
		methods: make(map[string]*methodEntry),
	}
	if cfg.DataFile != "" {
		ext, err := extdata.Open(cfg.DataFile)
		if err != nil {
			prog.Close()
			return nil, err
		}
		mod.ext = ext
	}
	return mod, nil
}

// Program exposes the underlying program for metadata queries.
func (mod *Module) Program() *Program { return mod.prog }

// MethodNames lists the program's methods in file order.
func (mod *Module) MethodNames() []string { return mod.prog.MethodNames() }

// Method returns the cached bound method, binding it on first use.
func (mod *Module) Method(name string) (*Method, error) {
	entry, err := mod.entry(name)
	if err != nil {
		return nil, err
	}
	return entry.m, nil
}

func (mod *Module) entry(name string) (*methodEntry, error) {
	mod.mu.Lock()
	defer mod.mu.Unlock()
	if mod.closed {
		return nil, fmt.Errorf("%w: module closed", ErrInvalidState)
	}
	if entry, ok := mod.methods[name]; ok {
		return entry, nil
	}

	opts := []MethodOption{WithTracer(mod.cfg.Tracer)}
	if mod.cfg.Kernels != nil {
		opts = append(opts, WithKernels(mod.cfg.Kernels))
	}
	if mod.ext != nil {
		opts = append(opts, WithExternalData(mod.ext))
	}
	m, err := mod.prog.LoadMethod(name, opts...)
	if err != nil {
		return nil, err
	}
	entry := &methodEntry{m: m}
	mod.methods[name] = entry
	return entry, nil
}

// Execute binds the named method if needed, runs it over inputs, and
// returns the outputs copied into storage the caller owns. A failed method
// is dropped from the cache so the next call re-binds it.
func (mod *Module) Execute(name string, inputs []tensor.View) ([]tensor.View, error) {
	entry, err := mod.entry(name)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// Arity mistakes surface through the method's own sentinels: an extra
	// input is out of range, a missing one fails Execute.
	for i, in := range inputs {
		if err := entry.m.SetInput(i, in); err != nil {
			return nil, err
		}
	}
	if err := entry.m.Execute(); err != nil {
		if entry.m.State() == StateFailed {
			mod.evict(name, entry)
		}
		return nil, err
	}

	views, err := entry.m.Outputs()
	if err != nil {
		return nil, err
	}
	outs := make([]tensor.View, len(views))
	for i, v := range views {
		cp, err := detach(v)
		if err != nil {
			return nil, err
		}
		outs[i] = cp
	}
	return outs, nil
}

// Forward runs the program's single method, or the method named "forward"
// when it has several.
func (mod *Module) Forward(inputs ...tensor.View) ([]tensor.View, error) {
	names := mod.prog.MethodNames()
	name := "forward"
	if len(names) == 1 {
		name = names[0]
	}
	return mod.Execute(name, inputs)
}

// detach copies an arena-backed view into fresh storage that survives the
// next execution.
func detach(v tensor.View) (tensor.View, error) {
	raw, err := v.Bytes()
	if err != nil {
		return tensor.View{}, err
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return tensor.NewView(v.DType(), v.Shape(), cp)
}

func (mod *Module) evict(name string, entry *methodEntry) {
	mod.mu.Lock()
	defer mod.mu.Unlock()
	if cur, ok := mod.methods[name]; ok && cur == entry {
		delete(mod.methods, name)
	}
	_ = entry.m.Close()
}

// Close releases every bound method, the data file, and the program.
// Closing twice is an error.
func (mod *Module) Close() error {
	mod.mu.Lock()
	if mod.closed {
		mod.mu.Unlock()
		return fmt.Errorf("%w: module closed", ErrInvalidState)
	}
	mod.closed = true
	entries := mod.methods
	mod.methods = nil
	ext := mod.ext
	mod.ext = nil
	mod.mu.Unlock()

	// Taking each entry's lock waits out its in-flight execution. The
	// module lock is released first: a failing execution evicts under it.
	for _, entry := range entries {
		entry.mu.Lock()
		_ = entry.m.Close()
		entry.mu.Unlock()
	}

	var firstErr error
	if ext != nil {
		if err := ext.Close(); err != nil {
			firstErr = err
		}
	}
	if err := mod.prog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
