// Package kernel is the operator registry programs dispatch through.
// The runtime resolves each op key against a Registry once at bind time and
// calls the resolved functions during execution; it never falls back to an
// interpreter for keys the registry does not carry.
package kernel

import (
	"errors"
	"fmt"
	"sort"

	"github.com/plinthml/plinth/pkg/tensor"
)

var ErrAlreadyRegistered = errors.New("kernel already registered")

// Func executes one op. args are read-only; outs are written in full.
// Funcs validate their own arity, dtypes, and shapes.
type Func func(args, outs []tensor.View) error

// Registry maps stable operator keys to implementations. A Registry is
// immutable once handed to a binding method; Register calls during
// execution are not synchronised.
type Registry struct {
	fns map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Func)}
}

// Register binds key to fn. Re-registering a key is an error so that two
// libraries cannot silently fight over an op.
func (r *Registry) Register(key string, fn Func) error {
	if key == "" {
		return errors.New("kernel: key must be non-empty")
	}
	if fn == nil {
		return fmt.Errorf("kernel: nil func for %q", key)
	}
	if _, dup := r.fns[key]; dup {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, key)
	}
	r.fns[key] = fn
	return nil
}

// Lookup resolves key, reporting whether it is registered.
func (r *Registry) Lookup(key string) (Func, bool) {
	fn, ok := r.fns[key]
	return fn, ok
}

// Keys lists the registered op keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.fns))
	for k := range r.fns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
