package vm

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/veilvm/veil/internal/errdefs"
	"github.com/veilvm/veil/internal/registry"
)

// StartVM boots a Stopped (or Failed-recoverable) VM.
//
// On backend failure the VM transitions to Failed and the error is a
// StartError; the reservation is retained: a failed-but-allocated VM
// still counts against capacity until destroyed, keeping the accountant
// consistent with resources the backend may still hold.
func (m *Manager) StartVM(ctx context.Context, id uuid.UUID) error {
	v, err := m.registry.Get(id)
	if err != nil {
		return err
	}

	v.Lock()
	defer v.Unlock()

	from := v.State()
	if err := v.Transition(registry.StateStarting); err != nil {
		return err
	}
	m.notifier.transition(v, from, registry.StateStarting, "")

	if err := m.backend.Start(ctx, v.Handle); err != nil {
		cause := err
		if ctxErr := ctx.Err(); ctxErr != nil {
			cause = fmt.Errorf("%w: %v", errdefs.ErrCancelled, err)
		}
		startErr := &errdefs.StartError{Cause: cause}
		v.Fail(startErr)
		m.notifier.transition(v, registry.StateStarting, registry.StateFailed, cause.Error())
		return startErr
	}

	if err := v.Transition(registry.StateRunning); err != nil {
		return err
	}
	m.notifier.transition(v, registry.StateStarting, registry.StateRunning, "")

	m.log.Info("vm started", "vm", v.ID, "name", v.Name)
	return nil
}

// StopVM stops a Running VM. Calling it on an already-Stopped VM is a
// no-op, not an error; calling it from any other state (including
// Starting) is an InvalidTransition.
func (m *Manager) StopVM(ctx context.Context, id uuid.UUID) error {
	return m.stopVM(ctx, id, "")
}

func (m *Manager) stopVM(ctx context.Context, id uuid.UUID, reason string) error {
	v, err := m.registry.Get(id)
	if err != nil {
		return err
	}

	v.Lock()
	defer v.Unlock()

	if v.State() == registry.StateStopped {
		return nil
	}

	if err := v.Transition(registry.StateStopping); err != nil {
		return err
	}
	m.notifier.transition(v, registry.StateRunning, registry.StateStopping, reason)

	if err := m.backend.Stop(ctx, v.Handle); err != nil {
		v.Fail(err)
		m.notifier.transition(v, registry.StateStopping, registry.StateFailed, err.Error())
		return fmt.Errorf("failed to stop vm %s: %w", v.ID, err)
	}

	if err := v.Transition(registry.StateStopped); err != nil {
		return err
	}
	if reason != "" {
		v.RecordStop(reason)
	}
	m.notifier.transition(v, registry.StateStopping, registry.StateStopped, reason)

	m.log.Info("vm stopped", "vm", v.ID, "name", v.Name, "reason", reason)
	return nil
}

// InstallApplication delivers an application payload into a Running VM via
// the backend's install capability. The VM state is unchanged; an install
// failure is reported to the caller but is not fatal to the VM.
func (m *Manager) InstallApplication(ctx context.Context, id uuid.UUID, name string, payload []byte) error {
	v, err := m.registry.Get(id)
	if err != nil {
		return err
	}

	v.Lock()
	defer v.Unlock()

	if v.State() != registry.StateRunning {
		return fmt.Errorf("%w: install requires Running, vm is %s",
			errdefs.ErrInvalidTransition, v.State())
	}

	if err := m.backend.Install(ctx, v.Handle, name, payload); err != nil {
		return fmt.Errorf("failed to install %s into vm %s: %w", name, v.ID, err)
	}

	m.log.Info("application installed", "vm", v.ID, "package", name)
	return nil
}

// DestroyVM tears down a Stopped or Failed VM: the backend handle is
// released, the reservation returned, and the registry entry removed. The
// VM's snapshots outlive it.
func (m *Manager) DestroyVM(ctx context.Context, id uuid.UUID) error {
	v, err := m.registry.Get(id)
	if err != nil {
		return err
	}

	v.Lock()
	defer v.Unlock()

	from := v.State()
	if from != registry.StateStopped && from != registry.StateFailed {
		return fmt.Errorf("%w: destroy requires Stopped or Failed, vm is %s",
			errdefs.ErrInvalidTransition, from)
	}

	// Release the backend handle before the record goes terminal so a
	// backend failure leaves the VM destroyable again.
	if v.Handle != "" {
		if err := m.backend.Release(ctx, v.Handle); err != nil {
			return fmt.Errorf("failed to release backend resources for vm %s: %w", v.ID, err)
		}
	}

	if err := v.Transition(registry.StateDestroyed); err != nil {
		return err
	}
	m.accountant.Release(v.Reservation)
	m.registry.Remove(v.ID)
	m.notifier.transition(v, from, registry.StateDestroyed, "")

	m.log.Info("vm destroyed", "vm", v.ID, "name", v.Name)
	return nil
}
