package resource

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// HostInfo reports host capacity. The accountant reads it exactly once at
// construction so caps stay consistent for the lifetime of every
// reservation.
//
// In production this is satisfied by ProcHostInfo.
// In tests, this is satisfied by fixed-value fakes.
type HostInfo interface {
	// CPUCores returns the number of logical CPUs on the host.
	CPUCores() (int, error)

	// MemoryBytes returns the total physical memory of the host.
	MemoryBytes() (uint64, error)
}

// ProcHostInfo reads host capacity from the running kernel.
type ProcHostInfo struct {
	// MeminfoPath overrides /proc/meminfo, for tests.
	MeminfoPath string
}

// CPUCores returns the logical CPU count visible to this process.
func (p ProcHostInfo) CPUCores() (int, error) {
	n := runtime.NumCPU()
	if n <= 0 {
		return 0, fmt.Errorf("host reported %d cpus", n)
	}
	return n, nil
}

// MemoryBytes parses MemTotal from /proc/meminfo.
func (p ProcHostInfo) MemoryBytes() (uint64, error) {
	path := p.MeminfoPath
	if path == "" {
		path = "/proc/meminfo"
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		// Format: "MemTotal:       16314584 kB"
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("malformed MemTotal line: %q", line)
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed MemTotal value: %w", err)
		}
		return kb * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return 0, fmt.Errorf("MemTotal not found in %s", path)
}
