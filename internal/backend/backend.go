// Package backend defines the virtualization backend capability consumed by
// the lifecycle manager, and provides the libvirt production implementation.
//
// The manager never touches a hypervisor directly; everything goes through
// the Backend interface so the state machine can be exercised against a
// fake without a running hypervisor.
package backend

import (
	"context"

	"github.com/veilvm/veil/internal/hwprofile"
	"github.com/veilvm/veil/internal/resource"
)

// Handle identifies one materialized VM inside the backend. It is opaque to
// everything except the backend that issued it, and is exclusively owned by
// the VM record it was issued for.
type Handle string

// Backend is the virtualization execution engine contract. All operations
// may fail; failures are wrapped into the manager's error taxonomy by the
// caller. Blocking operations honor ctx cancellation.
type Backend interface {
	// Configure materializes the hardware configuration for a profile:
	// spoofed identifiers applied, resources clamped to limits. The VM is
	// defined but not running.
	Configure(ctx context.Context, profile *hwprofile.Profile, limits resource.Limits) (Handle, error)

	// Adopt reattaches to a VM configured by an earlier process. The
	// backend configuration must already exist; nothing is created.
	Adopt(ctx context.Context, profile *hwprofile.Profile, limits resource.Limits) (Handle, error)

	// Start boots the configured VM.
	Start(ctx context.Context, h Handle) error

	// Stop shuts the VM down, forcefully if graceful shutdown stalls.
	Stop(ctx context.Context, h Handle) error

	// Pause freezes guest execution without releasing resources.
	Pause(ctx context.Context, h Handle) error

	// Resume continues a paused guest.
	Resume(ctx context.Context, h Handle) error

	// Install delivers an application payload into the VM.
	Install(ctx context.Context, h Handle, name string, payload []byte) error

	// ExportState captures the VM's disk image and memory state. The
	// guest must be quiesced (paused or stopped) for the duration.
	ExportState(ctx context.Context, h Handle) (diskBlob, memoryBlob []byte, err error)

	// ImportState replaces the VM's disk image and memory state with
	// previously exported blobs. Only legal while the VM is stopped.
	ImportState(ctx context.Context, h Handle, diskBlob, memoryBlob []byte) error

	// CurrentUsage reads the VM's live resource consumption counters.
	CurrentUsage(ctx context.Context, h Handle) (resource.Usage, error)

	// Release tears down the VM's backend configuration and frees the
	// handle. The handle is invalid afterwards.
	Release(ctx context.Context, h Handle) error
}
