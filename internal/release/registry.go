// Package release tracks resources acquired during setup so they can be freed
// together, once, whether setup succeeded or failed.
package release

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Resource is anything holding an external handle that must be freed.
type Resource interface {
	Release(ctx context.Context) error
}

// Func adapts a named release action into a Resource. The name appears in
// errors so a failed release can be traced back to what was acquired.
func Func(name string, fn func(ctx context.Context) error) Resource {
	return funcResource{name: name, fn: fn}
}

type funcResource struct {
	name string
	fn   func(ctx context.Context) error
}

func (f funcResource) Release(ctx context.Context) error {
	if err := f.fn(ctx); err != nil {
		return fmt.Errorf("release %s: %w", f.name, err)
	}
	return nil
}

// Registry is an ordered, append-only list of resources. It is drained exactly
// once by ReleaseAll.
type Registry struct {
	mu        sync.Mutex
	resources []Resource
	drained   bool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Add appends r. Adding to a drained registry releases r immediately so the
// resource cannot outlive its owner.
func (r *Registry) Add(ctx context.Context, res Resource) error {
	r.mu.Lock()
	if r.drained {
		r.mu.Unlock()
		return safeRelease(ctx, res)
	}
	r.resources = append(r.resources, res)
	r.mu.Unlock()
	return nil
}

// AddFunc is shorthand for Add(ctx, Func(name, fn)).
func (r *Registry) AddFunc(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.Add(ctx, Func(name, fn))
}

// Len returns the number of resources still waiting to be released.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resources)
}

// ReleaseAll releases every registered resource in reverse acquisition order.
// A failing resource does not stop the others; all failures are joined into
// the returned error. Only the first call does any work.
func (r *Registry) ReleaseAll(ctx context.Context) error {
	r.mu.Lock()
	if r.drained {
		r.mu.Unlock()
		return nil
	}
	r.drained = true
	resources := r.resources
	r.resources = nil
	r.mu.Unlock()

	var errs []error
	for i := len(resources) - 1; i >= 0; i-- {
		if err := safeRelease(ctx, resources[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// safeRelease converts a panicking release into an error.
func safeRelease(ctx context.Context, res Resource) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("release panicked: %v", p)
		}
	}()
	return res.Release(ctx)
}
