package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/veilvm/veil/internal/errdefs"
	"github.com/veilvm/veil/internal/registry"
	"github.com/veilvm/veil/internal/snapshot"
)

// Snapshot captures a VM's disk and memory state. Legal from Running or
// Stopped; the VM returns to whichever state it held before.
//
// A Running VM is paused for the export window (no live-export assumption
// on the backend) and resumed afterwards. Failure at any step reverts the
// VM to its prior state and returns ErrSnapshotFailed; the VM is never
// left mid-quiesce and no snapshot record is created.
func (m *Manager) Snapshot(ctx context.Context, id uuid.UUID, name string) (*snapshot.Snapshot, error) {
	v, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}

	v.Lock()
	defer v.Unlock()

	prior := v.State()
	if err := v.Transition(registry.StateSnapshotting); err != nil {
		return nil, err
	}
	m.notifier.transition(v, prior, registry.StateSnapshotting, "")

	revert := func() {
		if err := v.Transition(prior); err != nil {
			// Unreachable: Snapshotting always permits returning to the
			// prior Running/Stopped state.
			m.log.Error(err, "failed to revert snapshot state", "vm", v.ID)
		}
		m.notifier.transition(v, registry.StateSnapshotting, prior, "snapshot aborted")
	}

	paused := false
	if prior == registry.StateRunning {
		if err := m.backend.Pause(ctx, v.Handle); err != nil {
			revert()
			return nil, fmt.Errorf("%w: quiesce: %v", errdefs.ErrSnapshotFailed, err)
		}
		paused = true
	}

	// resume puts a paused guest back; a resume failure strands the guest,
	// which is unrecoverable from here.
	resume := func() error {
		if !paused {
			return nil
		}
		paused = false
		if err := m.backend.Resume(ctx, v.Handle); err != nil {
			v.Fail(fmt.Errorf("failed to resume after snapshot: %w", err))
			m.notifier.transition(v, registry.StateSnapshotting, registry.StateFailed, err.Error())
			return err
		}
		return nil
	}

	diskBlob, memoryBlob, err := m.backend.ExportState(ctx, v.Handle)
	if err != nil {
		if rerr := resume(); rerr != nil {
			return nil, fmt.Errorf("%w: export: %v", errdefs.ErrSnapshotFailed, err)
		}
		revert()
		return nil, fmt.Errorf("%w: export: %v", errdefs.ErrSnapshotFailed, err)
	}

	snap, err := m.snapshots.Save(v.ID, name, diskBlob, memoryBlob)
	if err != nil {
		if rerr := resume(); rerr != nil {
			return nil, err
		}
		revert()
		return nil, err
	}

	if rerr := resume(); rerr != nil {
		// The snapshot itself is intact; surface the stranded guest.
		return snap, rerr
	}

	if err := v.Transition(prior); err != nil {
		return nil, err
	}
	m.notifier.transition(v, registry.StateSnapshotting, prior, "snapshot "+snap.ID.String())

	m.log.Info("snapshot taken", "vm", v.ID, "snapshot", snap.ID, "name", name)
	return snap, nil
}

// Restore replaces a Stopped VM's backend state with a stored snapshot.
//
// Integrity is verified before anything is touched: a checksum mismatch
// returns ErrDiskImageCorrupted and the VM stays Stopped. A failure during
// the backend import leaves the VM Failed, since its state is then
// indeterminate.
func (m *Manager) Restore(ctx context.Context, snapshotID uuid.UUID) error {
	snap, err := m.snapshots.Get(snapshotID)
	if err != nil {
		return err
	}

	v, err := m.registry.Get(snap.VMID)
	if err != nil {
		return fmt.Errorf("snapshot %s target vm: %w", snap.ID, err)
	}

	v.Lock()
	defer v.Unlock()

	prior := v.State()
	if prior != registry.StateStopped {
		return fmt.Errorf("%w: restore requires Stopped, vm is %s",
			errdefs.ErrInvalidTransition, prior)
	}
	if err := v.Transition(registry.StateRestoring); err != nil {
		return err
	}
	m.notifier.transition(v, prior, registry.StateRestoring, "snapshot "+snap.ID.String())

	diskBlob, memoryBlob, err := m.snapshots.Load(snap)
	if err != nil {
		// Nothing was imported; the VM is still exactly as it was.
		if terr := v.Transition(registry.StateStopped); terr != nil {
			m.log.Error(terr, "failed to revert restore state", "vm", v.ID)
		}
		m.notifier.transition(v, registry.StateRestoring, registry.StateStopped, "restore aborted")
		if errors.Is(err, errdefs.ErrDiskImageCorrupted) {
			return err
		}
		return fmt.Errorf("failed to load snapshot %s: %w", snap.ID, err)
	}

	if err := m.backend.ImportState(ctx, v.Handle, diskBlob, memoryBlob); err != nil {
		v.Fail(fmt.Errorf("failed to import snapshot state: %w", err))
		m.notifier.transition(v, registry.StateRestoring, registry.StateFailed, err.Error())
		return fmt.Errorf("failed to restore vm %s from snapshot %s: %w", v.ID, snap.ID, err)
	}

	if err := v.Transition(registry.StateStopped); err != nil {
		return err
	}
	m.notifier.transition(v, registry.StateRestoring, registry.StateStopped, "restored")

	m.log.Info("vm restored", "vm", v.ID, "snapshot", snap.ID)
	return nil
}
