package tools

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var ErrToolNotFound = errors.New("tool not found")

// Registry manages the tools a transport may advertise and execute.
type Registry interface {
	Register(def *Definition) error
	Get(name string) (*Definition, error)
	List() []*Definition
	Unregister(name string) error
}

// InMemoryRegistry is a thread-safe map-backed Registry. Registering a
// name twice replaces the earlier definition.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Definition
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		tools: make(map[string]*Definition),
	}
}

var _ Registry = (*InMemoryRegistry)(nil)

func (r *InMemoryRegistry) Register(def *Definition) error {
	if def == nil {
		return errors.New("tool definition is nil")
	}
	if def.Name == "" {
		return errors.New("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
	return nil
}

// RegisterFunc builds a definition from fn and registers it.
func (r *InMemoryRegistry) RegisterFunc(name, description string, fn interface{}) error {
	def, err := NewDefinitionFromFunc(name, description, fn)
	if err != nil {
		return err
	}
	return r.Register(def)
}

func (r *InMemoryRegistry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tools[name]
	if !ok {
		return nil, errors.Wrap(ErrToolNotFound, name)
	}
	return def, nil
}

// List returns the registered definitions sorted by name, so request
// payloads built from it are stable.
func (r *InMemoryRegistry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ret := make([]*Definition, 0, len(r.tools))
	for _, def := range r.tools {
		ret = append(ret, def)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Name < ret[j].Name
	})
	return ret
}

func (r *InMemoryRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[name]; !ok {
		return errors.Wrap(ErrToolNotFound, name)
	}
	delete(r.tools, name)
	return nil
}
