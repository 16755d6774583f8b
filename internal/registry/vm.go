package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilvm/veil/internal/backend"
	"github.com/veilvm/veil/internal/hwprofile"
	"github.com/veilvm/veil/internal/resource"
)

// VM is one managed virtual machine record.
//
// Lock discipline (three tiers, so monitoring never blocks on long
// lifecycle operations):
//
//   - Lock/Unlock is the per-VM exclusive operation lock. Every lifecycle
//     operation holds it for its full duration; operations on different VMs
//     proceed in parallel.
//   - state, lastErr and stopReason are guarded by a narrow stateMu so
//     State() can be read (by the monitor, by list) while an operation is
//     in flight.
//   - lastUsage is guarded by its own usageMu so the monitor can write and
//     readers can read without touching either of the above.
type VM struct {
	ID        uuid.UUID
	Name      string
	Profile   *hwprofile.Profile // read-only once bound
	Limits    resource.Limits    // immutable after creation
	CreatedAt time.Time

	// Handle is the backend's identifier for this VM. Exclusively owned by
	// this record; set during create, cleared on destroy, only touched
	// under the operation lock.
	Handle backend.Handle

	// Reservation is the admission-control token held for this VM's
	// limits. Released only on destroy.
	Reservation resource.Token

	opMu sync.Mutex

	stateMu    sync.RWMutex
	state      State
	lastErr    error
	stopReason string

	usageMu     sync.Mutex
	lastUsage   resource.Usage
	lastUsageAt time.Time
}

// NewVM builds a record in the Created state.
func NewVM(name string, profile *hwprofile.Profile, limits resource.Limits, reservation resource.Token) *VM {
	return &VM{
		ID:          uuid.New(),
		Name:        name,
		Profile:     profile,
		Limits:      limits,
		Reservation: reservation,
		CreatedAt:   time.Now().UTC(),
		state:       StateCreated,
	}
}

// AdoptVM rebuilds a record persisted by an earlier process. The given
// state is trusted as-is; callers map any transient state to Failed before
// adoption.
func AdoptVM(id uuid.UUID, name string, profile *hwprofile.Profile, limits resource.Limits,
	reservation resource.Token, state State, stopReason string, createdAt time.Time) *VM {
	return &VM{
		ID:          id,
		Name:        name,
		Profile:     profile,
		Limits:      limits,
		Reservation: reservation,
		CreatedAt:   createdAt,
		state:       state,
		stopReason:  stopReason,
	}
}

// Lock acquires the per-VM exclusive operation lock.
func (v *VM) Lock() { v.opMu.Lock() }

// Unlock releases the per-VM exclusive operation lock.
func (v *VM) Unlock() { v.opMu.Unlock() }

// State returns the current lifecycle state. Does not require the
// operation lock.
func (v *VM) State() State {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.state
}

// Transition moves the VM to the requested state, enforcing the state
// machine. Callers must hold the operation lock.
func (v *VM) Transition(to State) error {
	v.stateMu.Lock()
	defer v.stateMu.Unlock()

	if !canTransition(v.state, to) {
		return transitionError(v.state, to)
	}
	v.state = to
	return nil
}

// Fail records an unrecoverable error and moves the VM to Failed. Legal
// from every state except Destroyed.
func (v *VM) Fail(err error) {
	v.stateMu.Lock()
	defer v.stateMu.Unlock()

	if v.state == StateDestroyed {
		return
	}
	v.state = StateFailed
	v.lastErr = err
}

// FailIf moves the VM to Failed only if it is still in the from state,
// atomically under the state lock. It lets observers without the operation
// lock (the monitor) declare a failure without racing an in-flight
// operation's own transition. Returns whether the VM was failed.
func (v *VM) FailIf(from State, err error) bool {
	v.stateMu.Lock()
	defer v.stateMu.Unlock()

	if v.state != from {
		return false
	}
	v.state = StateFailed
	v.lastErr = err
	return true
}

// LastError returns the most recent recorded failure, if any.
func (v *VM) LastError() error {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.lastErr
}

// RecordStop notes why the VM was stopped (e.g. a monitor-forced stop).
func (v *VM) RecordStop(reason string) {
	v.stateMu.Lock()
	defer v.stateMu.Unlock()
	v.stopReason = reason
}

// StopReason returns the recorded reason for the last stop, if any.
func (v *VM) StopReason() string {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.stopReason
}

// SetUsage overwrites the latest usage reading. Called by the monitor;
// never requires the operation lock.
func (v *VM) SetUsage(u resource.Usage) {
	v.usageMu.Lock()
	defer v.usageMu.Unlock()
	v.lastUsage = u
	v.lastUsageAt = time.Now()
}

// Usage returns the latest monitor-written usage reading and when it was
// taken. Never requires the operation lock.
func (v *VM) Usage() (resource.Usage, time.Time) {
	v.usageMu.Lock()
	defer v.usageMu.Unlock()
	return v.lastUsage, v.lastUsageAt
}
