// Package runtime binds methods of pre-compiled programs to fixed memory
// arenas and executes their op sequences through a kernel registry.
//
// A Program is a read-only parsed view over a PLP file and may be shared
// across any number of bound methods. A Method owns its arenas and is
// single-threaded: one logical execution at a time, serialised by the
// caller.
package runtime

import (
	"fmt"

	"github.com/plinthml/plinth/pkg/loader"
	"github.com/plinthml/plinth/pkg/plp"
	"github.com/plinthml/plinth/pkg/tensor"
)

// Verification selects how much of a program is checked at load time.
type Verification int

const (
	// VerifyMinimal runs structural parsing only: header, section, and
	// table bounds. Always performed.
	VerifyMinimal Verification = iota
	// VerifyFull adds the cross-table consistency checks: declared sizes
	// against shapes, external agreement, constant alignment.
	VerifyFull
)

// Program is a parsed, immutable program artifact.
type Program struct {
	file *plp.File
}

type programConfig struct {
	verification Verification
}

// ProgramOption configures program loading.
type ProgramOption func(*programConfig)

// WithVerification selects the load-time verification depth.
func WithVerification(v Verification) ProgramOption {
	return func(c *programConfig) { c.verification = v }
}

// LoadProgram opens and parses the PLP file at path.
func LoadProgram(path string, opts ...ProgramOption) (*Program, error) {
	var cfg programConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	file, err := plp.Open(path)
	if err != nil {
		return nil, err
	}
	p := &Program{file: file}
	if cfg.verification == VerifyFull {
		if err := file.Validate(); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	return p, nil
}

// NewProgram parses a program served by ld. The loader must stay alive for
// the life of the program and everything bound from it.
func NewProgram(ld loader.Loader, opts ...ProgramOption) (*Program, error) {
	var cfg programConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	file, err := plp.Parse(ld)
	if err != nil {
		return nil, err
	}
	if cfg.verification == VerifyFull {
		if err := file.Validate(); err != nil {
			return nil, err
		}
	}
	return &Program{file: file}, nil
}

// Close releases the backing file. Methods bound from this program must be
// closed first; their constant and external views alias the mapping.
func (p *Program) Close() error { return p.file.Close() }

// Name reports the program name recorded by the exporting tool.
func (p *Program) Name() string { return p.file.ProgramName() }

// Producer reports the exporting tool's identity, when recorded.
func (p *Program) Producer() string { return p.file.Producer() }

// MethodNames lists the program's methods in file order.
func (p *Program) MethodNames() []string { return p.file.Methods() }

// NumMethods reports how many methods the program carries.
func (p *Program) NumMethods() int { return p.file.NumMethods() }

// MethodMeta describes a method's callable surface without binding it.
type MethodMeta struct {
	Name    string
	Inputs  []tensor.Meta
	Outputs []tensor.Meta
	Pools   []int64
	NumOps  int
}

// MethodMeta returns the declared signature of the named method.
func (p *Program) MethodMeta(name string) (MethodMeta, error) {
	desc, ok := p.file.Method(name)
	if !ok {
		return MethodMeta{}, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
	}

	meta := MethodMeta{
		Name:    desc.Name,
		Inputs:  make([]tensor.Meta, len(desc.Inputs)),
		Outputs: make([]tensor.Meta, len(desc.Outputs)),
		Pools:   append([]int64(nil), desc.Pools...),
		NumOps:  len(desc.Ops),
	}
	for i, vi := range desc.Inputs {
		meta.Inputs[i] = desc.Values[vi].Meta()
	}
	for i, vi := range desc.Outputs {
		meta.Outputs[i] = desc.Values[vi].Meta()
	}
	return meta, nil
}

// ExternalKeys lists the tensor keys the program expects an external data
// source to provide.
func (p *Program) ExternalKeys() []string {
	keys := make([]string, 0, p.file.NumExternal())
	for i := 0; i < p.file.NumExternal(); i++ {
		e, _ := p.file.External(i)
		keys = append(keys, e.Key)
	}
	return keys
}
