package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/veilvm/veil/internal/errdefs"
	"github.com/veilvm/veil/internal/hwprofile"
)

// Registry indexes all live VM records by id. Its own lock covers only
// insert, remove and lookup; everything per-VM is guarded by the record's
// locks, so registry access never serializes lifecycle operations.
type Registry struct {
	mu  sync.RWMutex
	vms map[uuid.UUID]*VM
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{vms: make(map[uuid.UUID]*VM)}
}

// Add inserts a new record. The registry mutex makes the
// identifier-uniqueness check and the insert one atomic step, so two
// concurrent creations using colliding profiles can never both land: the
// second fails with ConfigurationInvalid("duplicate identifier").
func (r *Registry) Add(vm *VM) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.vms[vm.ID]; exists {
		return fmt.Errorf("vm %s already registered", vm.ID)
	}
	for _, other := range r.vms {
		if IsTerminal(other.State()) {
			continue
		}
		if hwprofile.Collides(vm.Profile, other.Profile) {
			return errdefs.ConfigurationInvalid("duplicate identifier",
				"vm %s already binds a colliding profile", other.ID)
		}
	}
	r.vms[vm.ID] = vm
	return nil
}

// Get returns the record with the given id.
func (r *Registry) Get(id uuid.UUID) (*VM, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vm, ok := r.vms[id]
	if !ok {
		return nil, fmt.Errorf("vm %s: %w", id, errdefs.ErrNotFound)
	}
	return vm, nil
}

// Remove deletes the record with the given id.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.vms, id)
}

// List returns all live records.
func (r *Registry) List() []*VM {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*VM, 0, len(r.vms))
	for _, vm := range r.vms {
		out = append(out, vm)
	}
	return out
}

// Running returns the records currently in the Running state.
func (r *Registry) Running() []*VM {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*VM
	for _, vm := range r.vms {
		if vm.State() == StateRunning {
			out = append(out, vm)
		}
	}
	return out
}

// BoundProfiles returns the profiles bound to all non-terminal VMs. This
// is the uniqueness source for hardware-identifier collision checks;
// destroyed VMs have already been removed from the registry.
func (r *Registry) BoundProfiles() []*hwprofile.Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*hwprofile.Profile, 0, len(r.vms))
	for _, vm := range r.vms {
		if IsTerminal(vm.State()) {
			continue
		}
		out = append(out, vm.Profile)
	}
	return out
}
