package vm

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/veilvm/veil/internal/backend"
	"github.com/veilvm/veil/internal/hwprofile"
	"github.com/veilvm/veil/internal/resource"
)

// fakeGuest is the mock backend's per-handle state.
type fakeGuest struct {
	disk    []byte
	memory  []byte
	running bool
	paused  bool
}

// mockBackend is a mock implementation of backend.Backend for testing.
// Default behavior simulates a well-behaved hypervisor with in-memory
// guest state; individual operations can be overridden per test via the
// function fields.
type mockBackend struct {
	mu sync.Mutex

	guests map[backend.Handle]*fakeGuest

	// Configurable behavior
	configureFunc    func(profile *hwprofile.Profile, limits resource.Limits) (backend.Handle, error)
	adoptFunc        func(profile *hwprofile.Profile, limits resource.Limits) (backend.Handle, error)
	startFunc        func(h backend.Handle) error
	stopFunc         func(h backend.Handle) error
	pauseFunc        func(h backend.Handle) error
	resumeFunc       func(h backend.Handle) error
	installFunc      func(h backend.Handle, name string, payload []byte) error
	exportStateFunc  func(h backend.Handle) ([]byte, []byte, error)
	importStateFunc  func(h backend.Handle, disk, memory []byte) error
	currentUsageFunc func(h backend.Handle) (resource.Usage, error)
	releaseFunc      func(h backend.Handle) error

	// Call tracking
	configureCalls []backend.Handle
	adoptCalls     []string
	startCalls     []backend.Handle
	stopCalls      []backend.Handle
	pauseCalls     []backend.Handle
	resumeCalls    []backend.Handle
	installCalls   []string
	exportCalls    []backend.Handle
	importCalls    []backend.Handle
	usageCalls     []backend.Handle
	releaseCalls   []backend.Handle
}

func newMockBackend() *mockBackend {
	return &mockBackend{guests: make(map[backend.Handle]*fakeGuest)}
}

func (m *mockBackend) guest(h backend.Handle) (*fakeGuest, error) {
	g, ok := m.guests[h]
	if !ok {
		return nil, fmt.Errorf("unknown handle %q", h)
	}
	return g, nil
}

func (m *mockBackend) Configure(_ context.Context, profile *hwprofile.Profile, limits resource.Limits) (backend.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.configureFunc != nil {
		return m.configureFunc(profile, limits)
	}
	h := backend.Handle("guest-" + uuid.NewString())
	m.guests[h] = &fakeGuest{
		disk:   []byte("disk-of-" + profile.SerialNumber),
		memory: nil,
	}
	m.configureCalls = append(m.configureCalls, h)
	return h, nil
}

func (m *mockBackend) Adopt(_ context.Context, profile *hwprofile.Profile, limits resource.Limits) (backend.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.adoptCalls = append(m.adoptCalls, profile.SerialNumber)
	if m.adoptFunc != nil {
		return m.adoptFunc(profile, limits)
	}
	h := backend.Handle("adopted-" + profile.SerialNumber)
	if _, ok := m.guests[h]; !ok {
		m.guests[h] = &fakeGuest{disk: []byte("disk-of-" + profile.SerialNumber)}
	}
	return h, nil
}

func (m *mockBackend) Start(_ context.Context, h backend.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.startCalls = append(m.startCalls, h)
	if m.startFunc != nil {
		return m.startFunc(h)
	}
	g, err := m.guest(h)
	if err != nil {
		return err
	}
	g.running = true
	g.memory = []byte("memory-booted")
	return nil
}

func (m *mockBackend) Stop(_ context.Context, h backend.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopCalls = append(m.stopCalls, h)
	if m.stopFunc != nil {
		return m.stopFunc(h)
	}
	g, err := m.guest(h)
	if err != nil {
		return err
	}
	g.running = false
	g.paused = false
	return nil
}

func (m *mockBackend) Pause(_ context.Context, h backend.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pauseCalls = append(m.pauseCalls, h)
	if m.pauseFunc != nil {
		return m.pauseFunc(h)
	}
	g, err := m.guest(h)
	if err != nil {
		return err
	}
	g.paused = true
	return nil
}

func (m *mockBackend) Resume(_ context.Context, h backend.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resumeCalls = append(m.resumeCalls, h)
	if m.resumeFunc != nil {
		return m.resumeFunc(h)
	}
	g, err := m.guest(h)
	if err != nil {
		return err
	}
	g.paused = false
	return nil
}

func (m *mockBackend) Install(_ context.Context, h backend.Handle, name string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.installCalls = append(m.installCalls, name)
	if m.installFunc != nil {
		return m.installFunc(h, name, payload)
	}
	_, err := m.guest(h)
	return err
}

func (m *mockBackend) ExportState(_ context.Context, h backend.Handle) ([]byte, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.exportCalls = append(m.exportCalls, h)
	if m.exportStateFunc != nil {
		return m.exportStateFunc(h)
	}
	g, err := m.guest(h)
	if err != nil {
		return nil, nil, err
	}
	disk := append([]byte(nil), g.disk...)
	memory := append([]byte(nil), g.memory...)
	return disk, memory, nil
}

func (m *mockBackend) ImportState(_ context.Context, h backend.Handle, disk, memory []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.importCalls = append(m.importCalls, h)
	if m.importStateFunc != nil {
		return m.importStateFunc(h, disk, memory)
	}
	g, err := m.guest(h)
	if err != nil {
		return err
	}
	g.disk = append([]byte(nil), disk...)
	g.memory = append([]byte(nil), memory...)
	return nil
}

func (m *mockBackend) CurrentUsage(_ context.Context, h backend.Handle) (resource.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usageCalls = append(m.usageCalls, h)
	if m.currentUsageFunc != nil {
		return m.currentUsageFunc(h)
	}
	if _, err := m.guest(h); err != nil {
		return resource.Usage{}, err
	}
	return resource.Usage{CPUFraction: 0.1, MemoryBytes: 1024}, nil
}

func (m *mockBackend) Release(_ context.Context, h backend.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseCalls = append(m.releaseCalls, h)
	if m.releaseFunc != nil {
		return m.releaseFunc(h)
	}
	if _, err := m.guest(h); err != nil {
		return err
	}
	delete(m.guests, h)
	return nil
}

// guestState returns a copy of the fake guest behind h, for assertions.
func (m *mockBackend) guestState(h backend.Handle) (fakeGuest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guests[h]
	if !ok {
		return fakeGuest{}, false
	}
	return *g, true
}

// fakeHost reports fixed capacity.
type fakeHost struct {
	cores  int
	memory uint64
}

func (f fakeHost) CPUCores() (int, error)       { return f.cores, nil }
func (f fakeHost) MemoryBytes() (uint64, error) { return f.memory, nil }
