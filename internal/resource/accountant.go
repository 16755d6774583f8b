package resource

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/veilvm/veil/internal/errdefs"
)

// hostShare is the fraction of host CPU and memory the fleet may commit in
// aggregate. The other half is left to the host OS.
const hostShare = 0.5

// Token represents committed capacity held on behalf of one VM. It is
// returned by Reserve and must be handed back to Release exactly once.
type Token struct {
	id     uuid.UUID
	limits Limits
}

// Limits returns the capacity this token holds.
func (t Token) Limits() Limits { return t.limits }

// Accountant is the single source of truth for committed capacity across
// all non-terminal VMs. All ledger mutations serialize on one mutex, which
// makes concurrent Reserve/Release calls linearizable: two creations can
// never jointly oversubscribe the host.
type Accountant struct {
	log logr.Logger

	cpuCap    int
	memoryCap uint64
	diskCap   uint64 // per-VM, not aggregated

	mu          sync.Mutex
	ledger      map[uuid.UUID]Limits
	totalCPU    int
	totalMemory uint64
}

// NewAccountant reads host capacity once and fixes the admission caps for
// its lifetime: 50% of host cores and memory in aggregate, diskCapBytes per
// VM (DefaultDiskCapBytes if zero).
func NewAccountant(log logr.Logger, host HostInfo, diskCapBytes uint64) (*Accountant, error) {
	cores, err := host.CPUCores()
	if err != nil {
		return nil, fmt.Errorf("failed to read host cpu count: %w", err)
	}
	memory, err := host.MemoryBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read host memory: %w", err)
	}
	if diskCapBytes == 0 {
		diskCapBytes = DefaultDiskCapBytes
	}

	a := &Accountant{
		log:       log,
		cpuCap:    int(float64(cores) * hostShare),
		memoryCap: uint64(float64(memory) * hostShare),
		diskCap:   diskCapBytes,
		ledger:    make(map[uuid.UUID]Limits),
	}
	a.log.Info("admission caps fixed",
		"hostCores", cores, "hostMemoryBytes", memory,
		"cpuCap", a.cpuCap, "memoryCapBytes", a.memoryCap, "diskCapBytes", a.diskCap)
	return a, nil
}

// Reserve atomically checks that the requested limits fit under the caps
// and commits them. On success the returned token holds the capacity until
// Release. On failure nothing is committed and errdefs.ErrResourceAllocationFailed
// is returned with the violated dimension.
func (a *Accountant) Reserve(limits Limits) (Token, error) {
	if err := limits.Validate(); err != nil {
		return Token{}, errdefs.ConfigurationInvalid("limits", "%v", err)
	}
	if limits.DiskBytes > a.diskCap {
		return Token{}, fmt.Errorf("%w: disk %d exceeds per-vm cap %d",
			errdefs.ErrResourceAllocationFailed, limits.DiskBytes, a.diskCap)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Compared in subtractive form so a huge request can never wrap the
	// sum past the cap: totals never exceed the caps, so the headroom
	// subtraction cannot underflow.
	if limits.CPUCores > a.cpuCap-a.totalCPU {
		return Token{}, fmt.Errorf("%w: cpu %d committed + %d requested exceeds cap %d",
			errdefs.ErrResourceAllocationFailed, a.totalCPU, limits.CPUCores, a.cpuCap)
	}
	if limits.MemoryBytes > a.memoryCap-a.totalMemory {
		return Token{}, fmt.Errorf("%w: memory %d committed + %d requested exceeds cap %d",
			errdefs.ErrResourceAllocationFailed, a.totalMemory, limits.MemoryBytes, a.memoryCap)
	}

	tok := Token{id: uuid.New(), limits: limits}
	a.ledger[tok.id] = limits
	a.totalCPU += limits.CPUCores
	a.totalMemory += limits.MemoryBytes
	return tok, nil
}

// Release returns a token's capacity to the pool. Releasing a token twice
// or releasing the zero token is a no-op; the ledger never goes negative.
func (a *Accountant) Release(tok Token) {
	a.mu.Lock()
	defer a.mu.Unlock()

	limits, ok := a.ledger[tok.id]
	if !ok {
		return
	}
	delete(a.ledger, tok.id)
	a.totalCPU -= limits.CPUCores
	a.totalMemory -= limits.MemoryBytes
}

// Committed returns the aggregate committed CPU cores and memory bytes.
func (a *Accountant) Committed() (cpuCores int, memoryBytes uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalCPU, a.totalMemory
}

// Caps returns the fixed admission caps.
func (a *Accountant) Caps() (cpuCores int, memoryBytes uint64, diskBytesPerVM uint64) {
	return a.cpuCap, a.memoryCap, a.diskCap
}
