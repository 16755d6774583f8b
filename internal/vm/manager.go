package vm

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/veilvm/veil/internal/backend"
	"github.com/veilvm/veil/internal/hwprofile"
	"github.com/veilvm/veil/internal/registry"
	"github.com/veilvm/veil/internal/resource"
	"github.com/veilvm/veil/internal/snapshot"
)

// Manager is the lifecycle orchestrator. All fields are injected at
// construction; the manager owns no global state and holds no locks of its
// own; serialization lives in the registry records and the accountant.
type Manager struct {
	log        logr.Logger
	validator  *hwprofile.Validator
	accountant *resource.Accountant
	backend    backend.Backend
	snapshots  *snapshot.Store
	registry   *registry.Registry
	notifier   *Notifier
}

// NewManager wires the lifecycle manager from its collaborators.
func NewManager(
	log logr.Logger,
	validator *hwprofile.Validator,
	accountant *resource.Accountant,
	be backend.Backend,
	snapshots *snapshot.Store,
	reg *registry.Registry,
	notifier *Notifier,
) *Manager {
	return &Manager{
		log:        log,
		validator:  validator,
		accountant: accountant,
		backend:    be,
		snapshots:  snapshots,
		registry:   reg,
		notifier:   notifier,
	}
}

// Notifier exposes the event stream for observers.
func (m *Manager) Notifier() *Notifier { return m.notifier }

// Info is a point-in-time view of one managed VM.
type Info struct {
	ID         uuid.UUID
	Name       string
	State      registry.State
	Limits     resource.Limits
	Usage      resource.Usage
	UsageAt    time.Time
	StopReason string
	CreatedAt  time.Time
}

// List returns a snapshot of every managed VM. Reads states and usage
// without taking any operation lock.
func (m *Manager) List() []Info {
	vms := m.registry.List()
	out := make([]Info, 0, len(vms))
	for _, v := range vms {
		usage, at := v.Usage()
		out = append(out, Info{
			ID:         v.ID,
			Name:       v.Name,
			State:      v.State(),
			Limits:     v.Limits,
			Usage:      usage,
			UsageAt:    at,
			StopReason: v.StopReason(),
			CreatedAt:  v.CreatedAt,
		})
	}
	return out
}

// QueryResourceUsage returns the latest monitor-written usage reading for
// one VM. Never blocks on in-flight lifecycle operations.
func (m *Manager) QueryResourceUsage(id uuid.UUID) (resource.Usage, time.Time, error) {
	v, err := m.registry.Get(id)
	if err != nil {
		return resource.Usage{}, time.Time{}, err
	}
	usage, at := v.Usage()
	return usage, at, nil
}

// ListSnapshots returns the stored snapshots for a VM, including VMs that
// have since been destroyed.
func (m *Manager) ListSnapshots(vmID uuid.UUID) []*snapshot.Snapshot {
	return m.snapshots.ListByVM(vmID)
}

// RemoveSnapshot deletes a stored snapshot and its blobs.
func (m *Manager) RemoveSnapshot(id uuid.UUID) error {
	return m.snapshots.Remove(id)
}
