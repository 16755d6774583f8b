package vm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/veilvm/veil/internal/errdefs"
	"github.com/veilvm/veil/internal/registry"
)

const (
	// maxPollInterval caps how stale a usage reading may get.
	maxPollInterval = time.Second

	defaultPollInterval = 500 * time.Millisecond
	defaultGracePeriod  = 10 * time.Second

	// crashThreshold is how many consecutive failed usage reads of a
	// Running VM are treated as a crashed guest.
	crashThreshold = 3
)

// Monitor polls every Running VM's backend usage counters and writes the
// readings into the registry records. When a VM exceeds its limits for
// longer than the grace period, the monitor initiates a protective stop
// and reports it as an event; observers are notified, the kill is never
// silent.
type Monitor struct {
	log      logr.Logger
	manager  *Manager
	interval time.Duration
	grace    time.Duration

	mu           sync.Mutex
	breaches     map[uuid.UUID]time.Time // vm id -> first breach observation
	pollFailures map[uuid.UUID]int       // vm id -> consecutive failed reads
}

// NewMonitor builds a monitor polling at interval (clamped to 1s, default
// 500ms) with the given grace period before forced stops.
func NewMonitor(log logr.Logger, manager *Manager, interval, grace time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if interval > maxPollInterval {
		interval = maxPollInterval
	}
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	return &Monitor{
		log:          log,
		manager:      manager,
		interval:     interval,
		grace:        grace,
		breaches:     make(map[uuid.UUID]time.Time),
		pollFailures: make(map[uuid.UUID]int),
	}
}

// Run polls until ctx is done. It always returns nil on shutdown; the
// monitor has no failure mode of its own, only per-VM poll errors that are
// logged and retried on the next tick.
func (mo *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(mo.interval)
	defer ticker.Stop()

	mo.log.Info("resource monitor started", "interval", mo.interval, "grace", mo.grace)
	for {
		select {
		case <-ctx.Done():
			mo.log.Info("resource monitor stopped")
			return nil
		case <-ticker.C:
			mo.poll(ctx)
		}
	}
}

// poll reads usage for every Running VM. Usage writes go through the
// record's narrow usage lock, so polling never blocks on a VM whose
// operation lock is held by a long-running snapshot or start.
func (mo *Monitor) poll(ctx context.Context) {
	for _, v := range mo.manager.registry.Running() {
		usage, err := mo.manager.backend.CurrentUsage(ctx, v.Handle)
		if err != nil {
			// The VM may have stopped between the listing and the read;
			// a guest that keeps failing its reads has crashed.
			mo.log.V(1).Info("usage poll failed", "vm", v.ID, "error", err.Error())
			mo.recordPollFailure(v, err)
			continue
		}
		mo.clearPollFailures(v.ID)
		v.SetUsage(usage)

		if usage.ExceedsLimits(v.Limits) {
			mo.handleBreach(ctx, v)
		} else {
			mo.clearBreach(v.ID)
		}
	}
}

func (mo *Monitor) handleBreach(ctx context.Context, v *registry.VM) {
	mo.mu.Lock()
	first, ongoing := mo.breaches[v.ID]
	if !ongoing {
		first = time.Now()
		mo.breaches[v.ID] = first
	}
	mo.mu.Unlock()

	if !ongoing {
		mo.log.Info("resource cap breached", "vm", v.ID, "name", v.Name)
		mo.manager.notifier.publish(Event{
			Type:   EventCapBreach,
			VMID:   v.ID,
			VMName: v.Name,
			Reason: "usage exceeds resource limits",
		})
	}

	if time.Since(first) < mo.grace {
		return
	}

	reason := fmt.Sprintf("forced stop: resource limits exceeded for %s", mo.grace)
	mo.log.Info("initiating protective stop", "vm", v.ID, "name", v.Name)

	// Policy action goes through the manager so the transition, the
	// recorded reason, and the reservation semantics follow the one
	// stop path.
	if err := mo.manager.stopVM(ctx, v.ID, reason); err != nil {
		mo.log.Error(err, "protective stop failed", "vm", v.ID)
		return
	}
	mo.clearBreach(v.ID)

	mo.manager.notifier.publish(Event{
		Type:   EventForcedStop,
		VMID:   v.ID,
		VMName: v.Name,
		Reason: reason,
	})
}

func (mo *Monitor) clearBreach(id uuid.UUID) {
	mo.mu.Lock()
	delete(mo.breaches, id)
	mo.mu.Unlock()
}

// recordPollFailure counts consecutive failed reads; at crashThreshold the
// VM is declared crashed and moved to Failed.
func (mo *Monitor) recordPollFailure(v *registry.VM, cause error) {
	mo.mu.Lock()
	mo.pollFailures[v.ID]++
	n := mo.pollFailures[v.ID]
	if n == crashThreshold {
		delete(mo.pollFailures, v.ID)
		delete(mo.breaches, v.ID)
	}
	mo.mu.Unlock()

	if n < crashThreshold {
		return
	}

	crashErr := &errdefs.CrashError{
		Reason: fmt.Sprintf("guest unresponsive for %d consecutive polls: %v", crashThreshold, cause),
	}
	// The declaration must be conditional on the VM still being Running:
	// an operation that won the race (snapshot, stop) owns the state now
	// and must not find its VM yanked to Failed under it.
	if !v.FailIf(registry.StateRunning, crashErr) {
		return
	}
	mo.log.Info("vm declared crashed", "vm", v.ID, "name", v.Name, "cause", cause.Error())
	mo.manager.notifier.transition(v, registry.StateRunning, registry.StateFailed, crashErr.Error())
}

func (mo *Monitor) clearPollFailures(id uuid.UUID) {
	mo.mu.Lock()
	delete(mo.pollFailures, id)
	mo.mu.Unlock()
}
