// Package handler implements the save-state handler registration boundary
// (§6): the interface the rest of an emulator would use to hook its own
// device state into the migration stream alongside RAM. It generalizes
// gokvm's device.IODevice registration pattern and mirrors QEMU's
// SaveVMHandlers struct (setup/iterate/complete/load/cancel callbacks).
package handler

import "fmt"

// Callbacks is the set of lifecycle hooks one migratable subsystem
// registers. Iterate returns whether the host should proceed to the final
// Complete pass for this handler.
type Callbacks struct {
	Setup    func() error
	Iterate  func() (bool, error)
	Complete func() error
	Load     func(versionID uint32) error
	Cancel   func()
}

// Registry holds the ordered set of registered handlers. The handler
// named "ram" always runs first, on both send and load, regardless of
// registration order — matching the migration driver's role as the
// foundational handler every other device's state assumes memory is
// already in place.
type Registry struct {
	order    []string
	handlers map[string]Callbacks
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Callbacks)}
}

// Register adds a handler under name. Registering "ram" always moves it
// to the front of the run order; registering the same name twice replaces
// the earlier callbacks without duplicating its position.
func (r *Registry) Register(name string, cb Callbacks) {
	if _, exists := r.handlers[name]; !exists {
		if name == "ram" {
			r.order = append([]string{name}, r.order...)
		} else {
			r.order = append(r.order, name)
		}
	}

	r.handlers[name] = cb
}

// RunSetup calls Setup on every handler in order.
func (r *Registry) RunSetup() error {
	for _, name := range r.order {
		if cb := r.handlers[name].Setup; cb != nil {
			if err := cb(); err != nil {
				return fmt.Errorf("handler %q: setup: %w", name, err)
			}
		}
	}

	return nil
}

// RunIterate calls Iterate on every handler in order and reports whether
// every handler signaled convergence.
func (r *Registry) RunIterate() (bool, error) {
	converged := true

	for _, name := range r.order {
		cb := r.handlers[name].Iterate
		if cb == nil {
			continue
		}

		done, err := cb()
		if err != nil {
			return false, fmt.Errorf("handler %q: iterate: %w", name, err)
		}

		converged = converged && done
	}

	return converged, nil
}

// RunComplete calls Complete on every handler in order.
func (r *Registry) RunComplete() error {
	for _, name := range r.order {
		if cb := r.handlers[name].Complete; cb != nil {
			if err := cb(); err != nil {
				return fmt.Errorf("handler %q: complete: %w", name, err)
			}
		}
	}

	return nil
}

// RunLoad calls Load on every handler in order, with "ram" running first
// so device state is restored onto memory that already holds its final
// content.
func (r *Registry) RunLoad(versionID uint32) error {
	for _, name := range r.order {
		if cb := r.handlers[name].Load; cb != nil {
			if err := cb(versionID); err != nil {
				return fmt.Errorf("handler %q: load: %w", name, err)
			}
		}
	}

	return nil
}

// RunCancel calls Cancel on every handler in order. Safe to call even if
// Setup was never reached.
func (r *Registry) RunCancel() {
	for _, name := range r.order {
		if cb := r.handlers[name].Cancel; cb != nil {
			cb()
		}
	}
}
