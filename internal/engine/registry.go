package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/omerlefaruk/casare-rpa/internal/workflow"
)

// NodeInstance is an instantiated node ready to execute. Implementations
// read bound inputs and variables from the Context and return a NodeResult;
// they never panic for expected failures.
type NodeInstance interface {
	// Execute runs the node. inputs holds the bound input port values.
	Execute(ctx context.Context, run *Context, inputs map[string]interface{}) NodeResult
}

// PropertySetter is implemented by node instances that accept promoted
// parameter injection from an enclosing subflow.
type PropertySetter interface {
	SetProperty(name string, value interface{})
}

// Constructor builds a node instance from its id and raw configuration.
type Constructor func(id string, config map[string]interface{}) (NodeInstance, error)

// Registration couples a node type's port declaration with its constructor.
type Registration struct {
	Ports       workflow.PortSet
	Constructor Constructor
}

// Registry maps node type names to registrations. It implements
// workflow.PortCatalog so the model layer can validate against it.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Registration)}
}

// Register adds a node type. Registering a duplicate type panics: this is a
// programmer error at process start, not a runtime condition.
func (r *Registry) Register(nodeType string, reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[nodeType]; exists {
		panic(fmt.Sprintf("node type %q registered twice", nodeType))
	}
	r.types[nodeType] = reg
}

// Ports implements workflow.PortCatalog.
func (r *Registry) Ports(nodeType string) (workflow.PortSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[nodeType]
	return reg.Ports, ok
}

// New instantiates a node of the given type.
func (r *Registry) New(nodeType, id string, config map[string]interface{}) (NodeInstance, error) {
	r.mu.RLock()
	reg, ok := r.types[nodeType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown node type %q", nodeType)
	}
	return reg.Constructor(id, config)
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
