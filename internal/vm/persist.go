package vm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/veilvm/veil/internal/hwprofile"
	"github.com/veilvm/veil/internal/registry"
	"github.com/veilvm/veil/internal/resource"
)

// vmRecord is the persisted form of one VM. Usage readings are never
// persisted; they are re-observed by the monitor after a reload.
type vmRecord struct {
	ID         uuid.UUID          `yaml:"id"`
	Name       string             `yaml:"name"`
	Profile    *hwprofile.Profile `yaml:"profile"`
	Limits     resource.Limits    `yaml:"limits"`
	State      registry.State     `yaml:"state"`
	StopReason string             `yaml:"stop_reason,omitempty"`
	CreatedAt  time.Time          `yaml:"created_at"`
}

type stateFile struct {
	VMs []vmRecord `yaml:"vms"`
}

// SaveState persists every non-terminal VM record to path so a later
// process can readopt the fleet. Written through a temp file and rename.
func (m *Manager) SaveState(path string) error {
	vms := m.registry.List()
	file := stateFile{VMs: make([]vmRecord, 0, len(vms))}
	for _, v := range vms {
		state := v.State()
		if state == registry.StateDestroyed {
			continue
		}
		file.VMs = append(file.VMs, vmRecord{
			ID:         v.ID,
			Name:       v.Name,
			Profile:    v.Profile,
			Limits:     v.Limits,
			State:      state,
			StopReason: v.StopReason(),
			CreatedAt:  v.CreatedAt,
		})
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to marshal vm state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".vms-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write vm state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close vm state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish vm state: %w", err)
	}
	return nil
}

// LoadState readopts VMs persisted by an earlier process: each record gets
// a fresh reservation and a readopted backend handle. A VM that was mid
// operation when the previous process ended is adopted as Failed. A record
// whose backend configuration cannot be found is skipped with a log entry
// rather than failing the whole load.
func (m *Manager) LoadState(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read vm state: %w", err)
	}

	var file stateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse vm state: %w", err)
	}

	for _, rec := range file.VMs {
		state := rec.State
		var interrupted bool
		switch state {
		case registry.StateRunning, registry.StateStopped, registry.StateFailed:
		default:
			state = registry.StateFailed
			interrupted = true
		}

		token, err := m.accountant.Reserve(rec.Limits)
		if err != nil {
			m.log.Error(err, "failed to re-reserve capacity for persisted vm",
				"vm", rec.ID, "name", rec.Name)
			continue
		}

		handle, err := m.backend.Adopt(ctx, rec.Profile, rec.Limits)
		if err != nil {
			m.log.Error(err, "failed to readopt persisted vm",
				"vm", rec.ID, "name", rec.Name)
			m.accountant.Release(token)
			continue
		}

		v := registry.AdoptVM(rec.ID, rec.Name, rec.Profile, rec.Limits,
			token, state, rec.StopReason, rec.CreatedAt)
		v.Handle = handle
		if interrupted {
			v.Fail(fmt.Errorf("operation interrupted by manager restart (was %s)", rec.State))
		}

		if err := m.registry.Add(v); err != nil {
			m.log.Error(err, "failed to register persisted vm",
				"vm", rec.ID, "name", rec.Name)
			m.accountant.Release(token)
			continue
		}
		m.log.Info("vm readopted", "vm", v.ID, "name", v.Name, "state", v.State())
	}
	return nil
}
