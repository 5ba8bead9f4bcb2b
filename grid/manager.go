package grid

import (
	"context"
	"fmt"
	"sync"
)

// Manager is the process-wide grid instance registry (spec §5,
// "Shared-resource policy": "the only true process-wide state is the
// Grid Manager's registry ... protected by a single mutex at the
// manager scope").
type Manager struct {
	mu        sync.Mutex
	instances map[string]*Instance
}

// NewManager constructs an empty registry.
func NewManager() *Manager {
	return &Manager{instances: make(map[string]*Instance)}
}

// Register adds and starts a grid instance under its instance id.
func (m *Manager) Register(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[inst.InstanceID]; exists {
		return fmt.Errorf("grid: instance %s already registered", inst.InstanceID)
	}
	m.instances[inst.InstanceID] = inst
	inst.Start(ctx)
	return nil
}

// Unregister stops and removes an instance.
func (m *Manager) Unregister(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	delete(m.instances, instanceID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("grid: instance %s not found", instanceID)
	}
	inst.Stop(ctx)
	return nil
}

// Get returns a registered instance by id.
func (m *Manager) Get(instanceID string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	return inst, ok
}

// List returns every registered instance id.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	return ids
}

// StopAll stops every registered instance, used on process shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.instances = make(map[string]*Instance)
	m.mu.Unlock()

	for _, inst := range instances {
		inst.Stop(ctx)
	}
}
