package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cdr.dev/slog/v3"

	"github.com/jeremyhahn/go-bioauth/pkg/biometric"
)

var (
	// ErrUnsupported is returned by a Factory whose backend cannot run on the device.
	ErrUnsupported = errors.New("probe: backend unsupported on this device")
	// ErrEmptyName indicates a factory was registered without a name.
	ErrEmptyName = errors.New("probe: factory name is required")
	// ErrNilFactory indicates a nil factory was registered.
	ErrNilFactory = errors.New("probe: factory must not be nil")
)

// Buttons is the button configuration handed to vendor factories.
type Buttons struct {
	NegativeText     string
	NegativeExecutor biometric.Executor
	OnNegative       func()
}

// Env is the environment a vendor factory builds its backend from.
type Env struct {
	Title       string
	Subtitle    string
	Description string
	Buttons     Buttons
	Resources   biometric.Resources
	Logger      slog.Logger
}

// Factory builds a vendor backend or reports ErrUnsupported.
type Factory interface {
	New(ctx context.Context, env Env) (biometric.Backend, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, env Env) (biometric.Backend, error)

// New calls f.
func (f FactoryFunc) New(ctx context.Context, env Env) (biometric.Backend, error) {
	return f(ctx, env)
}

type entry struct {
	name    string
	factory Factory
}

// Registry holds vendor factories in registration order. It is built at
// startup and handed to Select; nothing registers globally.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a named factory.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return ErrEmptyName
	}
	if f == nil {
		return ErrNilFactory
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.name == name {
			return fmt.Errorf("probe: duplicate factory name %q", name)
		}
	}
	r.entries = append(r.entries, entry{name: name, factory: f})
	return nil
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.name)
	}
	return names
}

// Len returns the number of registered factories.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) snapshot() []entry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]entry(nil), r.entries...)
}
