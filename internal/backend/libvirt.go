package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/go-logr/logr"

	"github.com/veilvm/veil/internal/hwprofile"
	"github.com/veilvm/veil/internal/resource"
)

const (
	// defaultSocketPath is the local qemu:///system UNIX socket.
	defaultSocketPath = "/var/run/libvirt/libvirt-sock"

	defaultConnectTimeout = 5 * time.Second

	// shutdownTimeout is how long Stop waits for graceful shutdown before
	// forcing the domain off.
	shutdownTimeout = 10 * time.Second

	// Domain states (from libvirt VIR_DOMAIN_* constants)
	domainStateRunning = 1
	domainStatePaused  = 3
	domainStateShutoff = 5
)

// domainRecord is the backend's per-handle bookkeeping.
type domainRecord struct {
	dom      libvirt.Domain
	diskPath string
	memPath  string // pending memory state, consumed by the next Start
	ifaceDev string
	cores    int

	// previous cpu-time sample for usage rate computation
	lastCPUTime uint64
	lastSample  time.Time
}

// Libvirt is the production Backend backed by a local libvirt daemon.
// Guests are defined as KVM domains whose SMBIOS identity comes entirely
// from the hardware profile.
type Libvirt struct {
	log      logr.Logger
	conn     *libvirt.Libvirt
	stateDir string

	mu      sync.Mutex
	domains map[Handle]*domainRecord
}

var _ Backend = (*Libvirt)(nil)

// ConnectLibvirt dials the local libvirt daemon and returns a backend whose
// disk images and pending memory states live under stateDir.
//
// If socketPath is empty, defaults to /var/run/libvirt/libvirt-sock.
func ConnectLibvirt(ctx context.Context, log logr.Logger, socketPath, stateDir string) (*Libvirt, error) {
	if socketPath == "" {
		socketPath = defaultSocketPath
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backend state dir: %w", err)
	}

	dialer := dialers.NewLocal(
		dialers.WithSocket(socketPath),
		dialers.WithLocalTimeout(defaultConnectTimeout),
	)
	conn := libvirt.NewWithDialer(dialer)

	// Connect in a goroutine so the caller can abandon a hung daemon.
	errCh := make(chan error, 1)
	go func() { errCh <- conn.Connect() }()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("libvirt connection cancelled: %w", ctx.Err())
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("failed to connect to libvirt at %s: %w", socketPath, err)
		}
	}

	return &Libvirt{
		log:      log,
		conn:     conn,
		stateDir: stateDir,
		domains:  make(map[Handle]*domainRecord),
	}, nil
}

// Close disconnects from the libvirt daemon. Defined domains are left in
// place; they are reattached by name on the next connect.
func (b *Libvirt) Close() error {
	if err := b.conn.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}
	return nil
}

// Configure defines a domain carrying the profile's spoofed identity and a
// fresh sparse disk sized to the limits. The domain is defined but not
// started.
func (b *Libvirt) Configure(ctx context.Context, profile *hwprofile.Profile, limits resource.Limits) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := domainName(profile)
	diskPath := filepath.Join(b.stateDir, name+".img")

	if _, err := b.conn.DomainLookupByName(name); err == nil {
		return "", fmt.Errorf("domain %s already exists", name)
	}

	disk, err := os.OpenFile(diskPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create disk image: %w", err)
	}
	if err := disk.Truncate(int64(limits.DiskBytes)); err != nil {
		disk.Close()
		os.Remove(diskPath)
		return "", fmt.Errorf("failed to size disk image: %w", err)
	}
	if err := disk.Close(); err != nil {
		os.Remove(diskPath)
		return "", fmt.Errorf("failed to close disk image: %w", err)
	}

	xml, err := generateDomainXML(profile, limits, diskPath)
	if err != nil {
		os.Remove(diskPath)
		return "", err
	}

	if err := ctx.Err(); err != nil {
		os.Remove(diskPath)
		return "", err
	}

	dom, err := b.conn.DomainDefineXML(xml)
	if err != nil {
		os.Remove(diskPath)
		return "", fmt.Errorf("failed to define domain: %w", err)
	}

	h := Handle(name)
	b.mu.Lock()
	b.domains[h] = &domainRecord{
		dom:      dom,
		diskPath: diskPath,
		memPath:  filepath.Join(b.stateDir, name+".memstate"),
		ifaceDev: ifaceDevName(profile),
		cores:    limits.CPUCores,
	}
	b.mu.Unlock()

	b.log.Info("domain configured", "domain", name, "serial", profile.SerialNumber)
	return h, nil
}

// Adopt reattaches to a domain defined by an earlier process: the domain
// definition and disk image must already exist under this backend's state
// dir. Nothing is created or modified.
func (b *Libvirt) Adopt(ctx context.Context, profile *hwprofile.Profile, limits resource.Limits) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := domainName(profile)
	diskPath := filepath.Join(b.stateDir, name+".img")

	dom, err := b.conn.DomainLookupByName(name)
	if err != nil {
		return "", fmt.Errorf("failed to look up domain %s: %w", name, err)
	}
	if _, err := os.Stat(diskPath); err != nil {
		return "", fmt.Errorf("disk image missing for domain %s: %w", name, err)
	}

	h := Handle(name)
	b.mu.Lock()
	b.domains[h] = &domainRecord{
		dom:      dom,
		diskPath: diskPath,
		memPath:  filepath.Join(b.stateDir, name+".memstate"),
		ifaceDev: ifaceDevName(profile),
		cores:    limits.CPUCores,
	}
	b.mu.Unlock()

	b.log.Info("domain adopted", "domain", name)
	return h, nil
}

// Start boots the domain. If a pending memory state exists (left by
// ImportState), the domain is resumed from it instead of cold-booted, and
// the state file is consumed.
func (b *Libvirt) Start(ctx context.Context, h Handle) error {
	rec, err := b.record(h)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, statErr := os.Stat(rec.memPath); statErr == nil {
		if err := b.conn.DomainRestore(rec.memPath); err != nil {
			return fmt.Errorf("failed to restore domain from saved state: %w", err)
		}
		if err := os.Remove(rec.memPath); err != nil {
			b.log.Error(err, "failed to remove consumed memory state", "domain", h)
		}
		return nil
	}

	if err := b.conn.DomainCreate(rec.dom); err != nil {
		return fmt.Errorf("failed to start domain: %w", err)
	}
	return nil
}

// Stop shuts the domain down: graceful shutdown first, forced off when the
// guest does not comply within shutdownTimeout.
func (b *Libvirt) Stop(ctx context.Context, h Handle) error {
	rec, err := b.record(h)
	if err != nil {
		return err
	}

	state, _, err := b.conn.DomainGetState(rec.dom, 0)
	if err != nil {
		return fmt.Errorf("failed to get domain state: %w", err)
	}
	if state == domainStateShutoff {
		return nil
	}

	// A paused guest cannot process the shutdown request.
	if state == domainStateRunning {
		if err := b.conn.DomainShutdown(rec.dom); err != nil {
			b.log.Error(err, "graceful shutdown request failed", "domain", h)
		} else if b.waitShutoff(ctx, rec.dom, shutdownTimeout) {
			return nil
		}
	}

	if err := b.conn.DomainDestroy(rec.dom); err != nil {
		return fmt.Errorf("failed to force off domain: %w", err)
	}
	return nil
}

// waitShutoff polls for the domain reaching shutoff, bounded by timeout and
// ctx.
func (b *Libvirt) waitShutoff(ctx context.Context, dom libvirt.Domain, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
		state, _, err := b.conn.DomainGetState(dom, 0)
		if err != nil {
			return false
		}
		if state == domainStateShutoff {
			return true
		}
	}
	return false
}

// Pause freezes guest execution.
func (b *Libvirt) Pause(ctx context.Context, h Handle) error {
	rec, err := b.record(h)
	if err != nil {
		return err
	}
	if err := b.conn.DomainSuspend(rec.dom); err != nil {
		return fmt.Errorf("failed to suspend domain: %w", err)
	}
	return nil
}

// Resume continues a paused guest.
func (b *Libvirt) Resume(ctx context.Context, h Handle) error {
	rec, err := b.record(h)
	if err != nil {
		return err
	}
	if err := b.conn.DomainResume(rec.dom); err != nil {
		return fmt.Errorf("failed to resume domain: %w", err)
	}
	return nil
}

// Install packs the payload into an ISO9660 image and hot-attaches it as
// install media for the guest agent to pick up.
func (b *Libvirt) Install(ctx context.Context, h Handle, name string, payload []byte) error {
	rec, err := b.record(h)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	iso, err := buildInstallMedia(name, payload)
	if err != nil {
		return fmt.Errorf("failed to build install media: %w", err)
	}

	isoPath := filepath.Join(b.stateDir, string(h)+"-install.iso")
	if err := os.WriteFile(isoPath, iso, 0600); err != nil {
		return fmt.Errorf("failed to write install media: %w", err)
	}

	xml, err := installMediaXML(isoPath)
	if err != nil {
		return err
	}
	if err := b.conn.DomainAttachDeviceFlags(rec.dom, xml, uint32(libvirt.DomainDeviceModifyLive)); err != nil {
		return fmt.Errorf("failed to attach install media: %w", err)
	}

	b.log.Info("install media attached", "domain", h, "package", name, "bytes", len(payload))
	return nil
}

// ExportState captures the domain's disk image and memory state.
//
// For a running or paused guest the memory image is taken with a
// save/restore cycle: DomainSave quiesces and writes the full memory state,
// then DomainRestore puts the guest back exactly where it was. A shutoff
// guest has no memory state; only the disk is captured.
func (b *Libvirt) ExportState(ctx context.Context, h Handle) (diskBlob, memoryBlob []byte, err error) {
	rec, err := b.record(h)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	state, _, err := b.conn.DomainGetState(rec.dom, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get domain state: %w", err)
	}

	if state == domainStateRunning || state == domainStatePaused {
		exportPath := filepath.Join(b.stateDir, string(h)+".export")
		if err := b.conn.DomainSave(rec.dom, exportPath); err != nil {
			return nil, nil, fmt.Errorf("failed to save domain memory state: %w", err)
		}
		memoryBlob, err = os.ReadFile(exportPath)
		if err != nil {
			os.Remove(exportPath)
			return nil, nil, fmt.Errorf("failed to read memory state: %w", err)
		}
		diskBlob, err = os.ReadFile(rec.diskPath)
		if err != nil {
			// Put the guest back before surfacing the failure.
			if rerr := b.conn.DomainRestore(exportPath); rerr != nil {
				b.log.Error(rerr, "failed to restore domain after export failure", "domain", h)
			}
			os.Remove(exportPath)
			return nil, nil, fmt.Errorf("failed to read disk image: %w", err)
		}
		if err := b.conn.DomainRestore(exportPath); err != nil {
			os.Remove(exportPath)
			return nil, nil, fmt.Errorf("failed to restore domain after export: %w", err)
		}
		os.Remove(exportPath)
		return diskBlob, memoryBlob, nil
	}

	diskBlob, err = os.ReadFile(rec.diskPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read disk image: %w", err)
	}
	return diskBlob, nil, nil
}

// ImportState replaces the domain's disk image and stages the memory state
// for the next Start. Only legal while the domain is shutoff.
func (b *Libvirt) ImportState(ctx context.Context, h Handle, diskBlob, memoryBlob []byte) error {
	rec, err := b.record(h)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	state, _, err := b.conn.DomainGetState(rec.dom, 0)
	if err != nil {
		return fmt.Errorf("failed to get domain state: %w", err)
	}
	if state != domainStateShutoff {
		return fmt.Errorf("cannot import state into a running domain")
	}

	// Write the disk through a temp file so a failure mid-write never
	// leaves a torn image behind the domain definition.
	tmp, err := os.CreateTemp(b.stateDir, ".import-*")
	if err != nil {
		return fmt.Errorf("failed to create temp disk image: %w", err)
	}
	if _, err := tmp.Write(diskBlob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write disk image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close disk image: %w", err)
	}
	if err := os.Rename(tmp.Name(), rec.diskPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish disk image: %w", err)
	}

	if len(memoryBlob) > 0 {
		if err := os.WriteFile(rec.memPath, memoryBlob, 0600); err != nil {
			return fmt.Errorf("failed to stage memory state: %w", err)
		}
	} else {
		os.Remove(rec.memPath)
	}

	return nil
}

// CurrentUsage reads the domain's live counters: CPU time rate against the
// allotted cores, balloon memory, disk allocation, and interface byte
// counts.
func (b *Libvirt) CurrentUsage(ctx context.Context, h Handle) (resource.Usage, error) {
	rec, err := b.record(h)
	if err != nil {
		return resource.Usage{}, err
	}
	if err := ctx.Err(); err != nil {
		return resource.Usage{}, err
	}

	_, _, memoryKiB, _, cpuTime, err := b.conn.DomainGetInfo(rec.dom)
	if err != nil {
		return resource.Usage{}, fmt.Errorf("failed to get domain info: %w", err)
	}

	usage := resource.Usage{
		MemoryBytes: memoryKiB * 1024,
	}

	// CPU fraction from the cpu-time delta since the previous poll.
	now := time.Now()
	b.mu.Lock()
	if !rec.lastSample.IsZero() && cpuTime > rec.lastCPUTime {
		wall := now.Sub(rec.lastSample).Nanoseconds()
		if wall > 0 {
			usage.CPUFraction = float64(cpuTime-rec.lastCPUTime) / float64(wall) / float64(rec.cores)
		}
	}
	rec.lastCPUTime = cpuTime
	rec.lastSample = now
	b.mu.Unlock()

	if allocation, _, _, err := b.conn.DomainGetBlockInfo(rec.dom, rec.diskPath, 0); err == nil {
		usage.DiskBytes = allocation
	}

	rx, _, _, _, tx, _, _, _, err := b.conn.DomainInterfaceStats(rec.dom, rec.ifaceDev)
	if err == nil {
		if rx > 0 {
			usage.NetworkBytesIn = uint64(rx)
		}
		if tx > 0 {
			usage.NetworkBytesOut = uint64(tx)
		}
	}

	return usage, nil
}

// Release tears the domain down: force off if needed, undefine, and remove
// its disk image and any staged memory state.
func (b *Libvirt) Release(ctx context.Context, h Handle) error {
	rec, err := b.record(h)
	if err != nil {
		return err
	}

	state, _, err := b.conn.DomainGetState(rec.dom, 0)
	if err == nil && state != domainStateShutoff {
		if err := b.conn.DomainDestroy(rec.dom); err != nil {
			return fmt.Errorf("failed to force off domain: %w", err)
		}
	}

	if err := b.conn.DomainUndefineFlags(rec.dom, libvirt.DomainUndefineManagedSave|libvirt.DomainUndefineNvram); err != nil {
		// Fall back for domains without NVRAM.
		if err := b.conn.DomainUndefine(rec.dom); err != nil {
			return fmt.Errorf("failed to undefine domain: %w", err)
		}
	}

	if err := os.Remove(rec.diskPath); err != nil && !os.IsNotExist(err) {
		b.log.Error(err, "failed to remove disk image", "domain", h)
	}
	if err := os.Remove(rec.memPath); err != nil && !os.IsNotExist(err) {
		b.log.Error(err, "failed to remove staged memory state", "domain", h)
	}
	os.Remove(filepath.Join(b.stateDir, string(h)+"-install.iso"))

	b.mu.Lock()
	delete(b.domains, h)
	b.mu.Unlock()

	b.log.Info("domain released", "domain", h)
	return nil
}

func (b *Libvirt) record(h Handle) (*domainRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.domains[h]
	if !ok {
		return nil, fmt.Errorf("unknown backend handle %q", h)
	}
	return rec, nil
}
