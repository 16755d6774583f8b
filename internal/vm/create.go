package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/veilvm/veil/internal/errdefs"
	"github.com/veilvm/veil/internal/hwprofile"
	"github.com/veilvm/veil/internal/registry"
	"github.com/veilvm/veil/internal/resource"
)

// CreateVM validates the profile, reserves capacity, and asks the backend
// to materialize the hardware configuration. The returned VM is Stopped:
// created but not started.
//
// Failure at any step releases the reservation and leaves no registry
// entry. Cancellation via ctx is a clean abort on the same unwind path.
func (m *Manager) CreateVM(ctx context.Context, name string, profile *hwprofile.Profile, limits resource.Limits) (*registry.VM, error) {
	// Format checks plus a pre-check against current bindings. The
	// authoritative uniqueness decision happens inside registry.Add below.
	if err := m.validator.Validate(profile, m.registry); err != nil {
		return nil, err
	}

	token, err := m.accountant.Reserve(limits)
	if err != nil {
		if errors.Is(err, errdefs.ErrResourceAllocationFailed) {
			m.notifier.RecordAdmissionRejection()
		}
		return nil, err
	}

	v := registry.NewVM(name, profile, limits, token)

	// Everything past this point must unwind completely on failure.
	fail := func(cause error) error {
		m.registry.Remove(v.ID)
		m.accountant.Release(token)
		return cause
	}

	// Insert-and-check is atomic in the registry: a concurrent creation
	// with a colliding profile loses here with "duplicate identifier".
	if err := m.registry.Add(v); err != nil {
		m.accountant.Release(token)
		return nil, err
	}

	v.Lock()
	defer v.Unlock()

	if err := v.Transition(registry.StateConfiguring); err != nil {
		return nil, fail(err)
	}
	m.notifier.transition(v, registry.StateCreated, registry.StateConfiguring, "")

	handle, err := m.backend.Configure(ctx, profile, limits)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			m.log.Info("create cancelled", "vm", v.ID, "name", name)
			return nil, fail(fmt.Errorf("%w: create vm %s: %v", errdefs.ErrCancelled, v.ID, err))
		}
		return nil, fail(errdefs.ConfigurationInvalid("backend", "failed to materialize hardware configuration: %v", err))
	}
	v.Handle = handle

	if err := v.Transition(registry.StateStopped); err != nil {
		// Unreachable through the table, but unwind the backend handle
		// rather than leak it.
		if rerr := m.backend.Release(ctx, handle); rerr != nil {
			m.log.Error(rerr, "failed to release backend handle during unwind", "vm", v.ID)
		}
		return nil, fail(err)
	}
	m.notifier.transition(v, registry.StateConfiguring, registry.StateStopped, "created")

	m.log.Info("vm created", "vm", v.ID, "name", name,
		"cpuCores", limits.CPUCores, "memoryBytes", limits.MemoryBytes)
	return v, nil
}
