package vm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilvm/veil/internal/backend"
	"github.com/veilvm/veil/internal/errdefs"
	"github.com/veilvm/veil/internal/registry"
)

func TestStartVM_HappyPath(t *testing.T) {
	m, be := newTestManager(t)
	v := createStopped(t, m, "runner")

	require.NoError(t, m.StartVM(context.Background(), v.ID))
	assert.Equal(t, registry.StateRunning, v.State())

	g, ok := be.guestState(v.Handle)
	require.True(t, ok)
	assert.True(t, g.running)
}

func TestStartVM_BackendFailureRetainsReservation(t *testing.T) {
	m, be := newTestManager(t)
	v := createStopped(t, m, "crasher")

	be.startFunc = func(backend.Handle) error {
		return fmt.Errorf("kvm: no such device")
	}

	err := m.StartVM(context.Background(), v.ID)
	require.Error(t, err)

	var startErr *errdefs.StartError
	assert.True(t, errors.As(err, &startErr))
	assert.Equal(t, registry.StateFailed, v.State())
	assert.Error(t, v.LastError(), "the failure must be recorded on the VM")

	// A failed-but-allocated VM still counts against capacity.
	cpu, _ := m.accountant.Committed()
	assert.Equal(t, 1, cpu)

	// Only destroy frees it.
	be.startFunc = nil
	require.NoError(t, m.DestroyVM(context.Background(), v.ID))
	cpu, _ = m.accountant.Committed()
	assert.Equal(t, 0, cpu)
}

func TestStartVM_FailedVMIsRecoverable(t *testing.T) {
	m, be := newTestManager(t)
	v := createStopped(t, m, "flaky")

	be.startFunc = func(backend.Handle) error { return fmt.Errorf("transient") }
	require.Error(t, m.StartVM(context.Background(), v.ID))
	require.Equal(t, registry.StateFailed, v.State())

	be.startFunc = nil
	require.NoError(t, m.StartVM(context.Background(), v.ID))
	assert.Equal(t, registry.StateRunning, v.State())
}

func TestStartVM_FromRunningIsInvalid(t *testing.T) {
	m, _ := newTestManager(t)
	v := createRunning(t, m, "already-up")

	err := m.StartVM(context.Background(), v.ID)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidTransition))
	assert.Equal(t, registry.StateRunning, v.State())
}

func TestStopVM_IsIdempotentWhenStopped(t *testing.T) {
	m, be := newTestManager(t)
	v := createStopped(t, m, "idle")

	before := len(be.stopCalls)
	require.NoError(t, m.StopVM(context.Background(), v.ID))
	assert.Equal(t, registry.StateStopped, v.State())
	assert.Equal(t, before, len(be.stopCalls), "no-op stop must not touch the backend")
}

func TestStopVM_RunningToStopped(t *testing.T) {
	m, be := newTestManager(t)
	v := createRunning(t, m, "worker")

	require.NoError(t, m.StopVM(context.Background(), v.ID))
	assert.Equal(t, registry.StateStopped, v.State())

	g, _ := be.guestState(v.Handle)
	assert.False(t, g.running)
}

func TestStopVM_FromFailedIsInvalid(t *testing.T) {
	m, be := newTestManager(t)
	v := createStopped(t, m, "wreck")

	be.startFunc = func(backend.Handle) error { return fmt.Errorf("boom") }
	require.Error(t, m.StartVM(context.Background(), v.ID))
	require.Equal(t, registry.StateFailed, v.State())

	err := m.StopVM(context.Background(), v.ID)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidTransition))
	assert.Equal(t, registry.StateFailed, v.State(), "invalid transition never mutates state")
}

func TestInstallApplication_OnlyWhileRunning(t *testing.T) {
	m, be := newTestManager(t)
	v := createStopped(t, m, "target")

	err := m.InstallApplication(context.Background(), v.ID, "agent.pkg", []byte("payload"))
	assert.True(t, errors.Is(err, errdefs.ErrInvalidTransition))
	assert.Empty(t, be.installCalls)

	require.NoError(t, m.StartVM(context.Background(), v.ID))
	require.NoError(t, m.InstallApplication(context.Background(), v.ID, "agent.pkg", []byte("payload")))
	assert.Equal(t, []string{"agent.pkg"}, be.installCalls)
}

func TestInstallApplication_FailureIsNotFatal(t *testing.T) {
	m, be := newTestManager(t)
	v := createRunning(t, m, "target")

	be.installFunc = func(backend.Handle, string, []byte) error {
		return fmt.Errorf("guest agent not responding")
	}

	err := m.InstallApplication(context.Background(), v.ID, "agent.pkg", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, registry.StateRunning, v.State(), "install failure must not change VM state")
}

func TestDestroyVM_ReleasesEverything(t *testing.T) {
	m, be := newTestManager(t)
	v := createStopped(t, m, "victim")
	handle := v.Handle

	require.NoError(t, m.DestroyVM(context.Background(), v.ID))

	assert.Equal(t, registry.StateDestroyed, v.State())
	_, ok := be.guestState(handle)
	assert.False(t, ok, "backend handle must be released")
	assert.Empty(t, m.List(), "registry entry must be removed")

	cpu, mem := m.accountant.Committed()
	assert.Equal(t, 0, cpu)
	assert.Equal(t, uint64(0), mem)
}

func TestDestroyVM_RunningIsInvalid(t *testing.T) {
	m, _ := newTestManager(t)
	v := createRunning(t, m, "busy")

	err := m.DestroyVM(context.Background(), v.ID)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidTransition))
	assert.Equal(t, registry.StateRunning, v.State())
}

func TestDestroyVM_BackendFailureKeepsVMDestroyable(t *testing.T) {
	m, be := newTestManager(t)
	v := createStopped(t, m, "sticky")

	be.releaseFunc = func(backend.Handle) error { return fmt.Errorf("domain busy") }
	require.Error(t, m.DestroyVM(context.Background(), v.ID))
	assert.Equal(t, registry.StateStopped, v.State())

	cpu, _ := m.accountant.Committed()
	assert.Equal(t, 1, cpu, "reservation is held until the backend lets go")

	be.releaseFunc = nil
	require.NoError(t, m.DestroyVM(context.Background(), v.ID))
}

func TestOperationsOnUnknownVM(t *testing.T) {
	m, _ := newTestManager(t)
	id := uuid.New()

	assert.ErrorIs(t, m.StartVM(context.Background(), id), errdefs.ErrNotFound)
	assert.ErrorIs(t, m.StopVM(context.Background(), id), errdefs.ErrNotFound)
	assert.ErrorIs(t, m.DestroyVM(context.Background(), id), errdefs.ErrNotFound)
	_, _, err := m.QueryResourceUsage(id)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
