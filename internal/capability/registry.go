package capability

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrDuplicate = errors.New("capability already registered")

// Registry keeps capabilities in registration order. Registration order is
// the tie-break for keyword detection.
type Registry struct {
	mu    sync.RWMutex
	order []Capability
	index map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{
		index: make(map[string]Capability),
	}
}

func (r *Registry) Register(c Capability) error {
	desc := c.Descriptor()
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[desc.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicate, desc.Name)
	}
	r.index[desc.Name] = c
	r.order = append(r.order, c)
	return nil
}

// MustRegister is Register for startup wiring where a bad descriptor is a bug.
func (r *Registry) MustRegister(caps ...Capability) {
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) FindByName(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.index[name]
	return c, ok
}

// DetectByKeyword returns the first registered capability with a trigger
// keyword contained in the lowercased text. It is a heuristic pre-filter
// and never authoritative.
func (r *Registry) DetectByKeyword(text string) (Capability, bool) {
	lower := strings.ToLower(text)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.order {
		for _, kw := range c.Descriptor().TriggerKeywords {
			if kw != "" && strings.Contains(lower, kw) {
				return c, true
			}
		}
	}
	return nil, false
}

func (r *Registry) All() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make([]Capability, len(r.order))
	copy(caps, r.order)
	return caps
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
