package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilvm/veil/internal/backend"
	"github.com/veilvm/veil/internal/errdefs"
	"github.com/veilvm/veil/internal/hwprofile"
	"github.com/veilvm/veil/internal/registry"
	"github.com/veilvm/veil/internal/resource"
	"github.com/veilvm/veil/internal/snapshot"
)

const gib = 1024 * 1024 * 1024

// newTestManager wires a manager against the mock backend and a fixed-size
// fake host (8 cores / 16GiB -> caps 4 cores / 8GiB).
func newTestManager(t *testing.T) (*Manager, *mockBackend) {
	t.Helper()

	accountant, err := resource.NewAccountant(logr.Discard(), fakeHost{cores: 8, memory: 16 * gib}, 0)
	require.NoError(t, err)

	snaps, err := snapshot.NewStore(logr.Discard(), t.TempDir())
	require.NoError(t, err)

	be := newMockBackend()
	m := NewManager(
		logr.Discard(),
		hwprofile.NewValidator(hwprofile.DefaultConstraints()),
		accountant,
		be,
		snaps,
		registry.New(),
		NewNotifier(logr.Discard(), nil),
	)
	return m, be
}

func testLimits() resource.Limits {
	return resource.Limits{CPUCores: 1, MemoryBytes: gib, DiskBytes: 10 * gib}
}

func mustProfile(t *testing.T, name string) *hwprofile.Profile {
	t.Helper()
	p, err := hwprofile.Generate(name)
	require.NoError(t, err)
	return p
}

func createStopped(t *testing.T, m *Manager, name string) *registry.VM {
	t.Helper()
	v, err := m.CreateVM(context.Background(), name, mustProfile(t, name), testLimits())
	require.NoError(t, err)
	return v
}

func createRunning(t *testing.T, m *Manager, name string) *registry.VM {
	t.Helper()
	v := createStopped(t, m, name)
	require.NoError(t, m.StartVM(context.Background(), v.ID))
	return v
}

func TestCreateVM_LeavesVMStopped(t *testing.T) {
	m, be := newTestManager(t)

	v := createStopped(t, m, "worker")
	assert.Equal(t, registry.StateStopped, v.State())
	assert.NotEmpty(t, v.Handle)

	_, ok := be.guestState(v.Handle)
	assert.True(t, ok, "backend must hold the configured guest")

	cpu, mem := m.accountant.Committed()
	assert.Equal(t, 1, cpu)
	assert.Equal(t, uint64(gib), mem)
}

func TestCreateVM_InvalidProfileFailsBeforeReservation(t *testing.T) {
	m, be := newTestManager(t)

	p := mustProfile(t, "bad-mac")
	p.MACAddress = []byte{0x01, 0, 0, 0, 0, 0} // multicast

	_, err := m.CreateVM(context.Background(), "bad-mac", p, testLimits())
	require.Error(t, err)
	assert.True(t, errdefs.IsConfigurationInvalid(err))

	cpu, _ := m.accountant.Committed()
	assert.Equal(t, 0, cpu, "no reservation may survive a validation failure")
	assert.Empty(t, be.configureCalls, "backend must not be touched")
	assert.Empty(t, m.List())
}

func TestCreateVM_AdmissionRejection(t *testing.T) {
	m, _ := newTestManager(t)

	// Caps are 4 cores / 8GiB. 3 cores + 5GiB fits...
	_, err := m.CreateVM(context.Background(), "a", mustProfile(t, "a"),
		resource.Limits{CPUCores: 3, MemoryBytes: 5 * gib, DiskBytes: gib})
	require.NoError(t, err)

	// ...2 more cores does not, even though 4GiB of memory would fit.
	_, err = m.CreateVM(context.Background(), "b", mustProfile(t, "b"),
		resource.Limits{CPUCores: 2, MemoryBytes: 4 * gib, DiskBytes: gib})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrResourceAllocationFailed))

	// The first reservation is untouched.
	cpu, mem := m.accountant.Committed()
	assert.Equal(t, 3, cpu)
	assert.Equal(t, uint64(5*gib), mem)
	assert.Len(t, m.List(), 1)
}

func TestCreateVM_BackendFailureUnwindsCompletely(t *testing.T) {
	m, be := newTestManager(t)
	be.configureFunc = func(*hwprofile.Profile, resource.Limits) (backend.Handle, error) {
		return "", fmt.Errorf("hypervisor unavailable")
	}

	_, err := m.CreateVM(context.Background(), "doomed", mustProfile(t, "doomed"), testLimits())
	require.Error(t, err)
	assert.True(t, errdefs.IsConfigurationInvalid(err))

	assert.Empty(t, m.List(), "failed create must leave no registry entry")
	cpu, _ := m.accountant.Committed()
	assert.Equal(t, 0, cpu, "failed create must release its reservation")
}

func TestCreateVM_CancellationIsACleanAbort(t *testing.T) {
	m, be := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	be.configureFunc = func(*hwprofile.Profile, resource.Limits) (backend.Handle, error) {
		cancel() // cancelled while the backend is working
		return "", ctx.Err()
	}

	_, err := m.CreateVM(ctx, "aborted", mustProfile(t, "aborted"), testLimits())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrCancelled))

	assert.Empty(t, m.List())
	cpu, _ := m.accountant.Committed()
	assert.Equal(t, 0, cpu)
}

func TestCreateVM_ConcurrentSameProfileOneWinner(t *testing.T) {
	m, _ := newTestManager(t)
	profile := mustProfile(t, "contended")

	const n = 4
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CreateVM(context.Background(), "contended", profile, testLimits())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.True(t, errdefs.IsConfigurationInvalid(err))
			dup++
		}
	}
	assert.Equal(t, 1, ok, "exactly one creation may win")
	assert.Equal(t, n-1, dup)

	// Losers must have returned their reservations.
	cpu, _ := m.accountant.Committed()
	assert.Equal(t, 1, cpu)
	assert.Len(t, m.List(), 1)
}

func TestCreateVM_DuplicateSerialAgainstLiveVM(t *testing.T) {
	m, _ := newTestManager(t)

	first := createStopped(t, m, "original")

	clone := mustProfile(t, "clone")
	clone.SerialNumber = first.Profile.SerialNumber

	_, err := m.CreateVM(context.Background(), "clone", clone, testLimits())
	require.Error(t, err)
	assert.True(t, errdefs.IsConfigurationInvalid(err))
	assert.Contains(t, err.Error(), "duplicate identifier")
}

func TestCreateVM_ProfileReusableAfterDestroy(t *testing.T) {
	m, _ := newTestManager(t)

	v := createStopped(t, m, "first")
	profile := v.Profile
	require.NoError(t, m.DestroyVM(context.Background(), v.ID))

	// The identifiers are free again once the VM is terminal.
	_, err := m.CreateVM(context.Background(), "second", profile, testLimits())
	assert.NoError(t, err)
}
