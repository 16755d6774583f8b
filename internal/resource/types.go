// Package resource provides resource limit and usage types plus the
// admission-control accountant that prevents host oversubscription.
package resource

import "fmt"

// DefaultDiskCapBytes is the per-VM disk cap applied when the configuration
// does not override it (50 GiB).
const DefaultDiskCapBytes = 50 * 1024 * 1024 * 1024

// Limits describes the resources committed to a single VM. Set at creation
// and immutable for the VM's lifetime.
type Limits struct {
	CPUCores    int    `yaml:"cpu_cores"`
	MemoryBytes uint64 `yaml:"memory_bytes"`
	DiskBytes   uint64 `yaml:"disk_bytes"`
}

// Validate checks the limits for structural errors. It does not consult
// host capacity; that is the accountant's job.
func (l Limits) Validate() error {
	if l.CPUCores <= 0 {
		return fmt.Errorf("cpu_cores must be > 0, got %d", l.CPUCores)
	}
	if l.MemoryBytes == 0 {
		return fmt.Errorf("memory_bytes must be > 0")
	}
	if l.DiskBytes == 0 {
		return fmt.Errorf("disk_bytes must be > 0")
	}
	return nil
}

// Usage is a point-in-time reading of a VM's consumption, produced by the
// backend and overwritten by the monitor on every poll. Never persisted and
// never authoritative input.
type Usage struct {
	CPUFraction     float64 // 0.0 - 1.0 of the VM's allotted cores
	MemoryBytes     uint64
	DiskBytes       uint64
	NetworkBytesIn  uint64
	NetworkBytesOut uint64
}

// ExceedsLimits reports whether this reading breaches the given limits.
// CPU is compared against full saturation of the allotted cores.
func (u Usage) ExceedsLimits(l Limits) bool {
	if u.CPUFraction > 1.0 {
		return true
	}
	if u.MemoryBytes > l.MemoryBytes {
		return true
	}
	if u.DiskBytes > l.DiskBytes {
		return true
	}
	return false
}
