// Package hardware resolves the effective CPU count and memory budget for
// the process, honoring container (cgroup) limits and explicit environment
// overrides. Detection never fails; every stage has a default.
package hardware

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/stillframe/shoebox/pkg/safeconv"
	"github.com/stillframe/shoebox/pkg/units"
)

const (
	// envCPUCount overrides the detected CPU count.
	envCPUCount = "DETECTED_CPU_COUNT"

	// envMemoryGB overrides the detected memory budget in GiB.
	envMemoryGB = "DETECTED_MEMORY_GB"

	// minCPUs is the floor for the effective CPU count.
	minCPUs = 1

	// minMemoryGB is the floor for the effective memory budget.
	minMemoryGB = 1.0
)

const (
	defaultProcRoot   = "/proc"
	defaultCgroupRoot = "/sys/fs/cgroup"
	defaultRootFS     = "/"
)

// Cgroup interface files, relative to the cgroup root.
const (
	cgroupV2CPUMax   = "cpu.max"
	cgroupV2MemMax   = "memory.max"
	cgroupV1CPUQuota = "cpu/cpu.cfs_quota_us"
	cgroupV1Period   = "cpu/cpu.cfs_period_us"
	cgroupV1MemLimit = "memory/memory.limit_in_bytes"

	// cgroupNoLimit is the literal cgroup v2 writes for "unlimited".
	cgroupNoLimit = "max"
)

// memNoLimitSentinel marks cgroup v1 "unlimited" memory readings, which
// report as a huge number near 2^63 rather than a dedicated literal.
const memNoLimitSentinel = int64(1) << 62

// Info holds the effective compute resources available to the process.
type Info struct {
	// CPUs is the effective CPU count, at least 1.
	CPUs int

	// MemoryGB is the effective memory budget in GiB, at least 1.
	MemoryGB float64

	// IsContainer reports whether a container environment was detected.
	IsContainer bool
}

// Probe detects hardware resources. File roots are injectable so tests can
// point it at fixture trees.
type Probe struct {
	procRoot   string
	cgroupRoot string
	rootFS     string
	numCPU     func() int
}

// NewProbe returns a Probe reading the real system paths.
func NewProbe() *Probe {
	return &Probe{
		procRoot:   defaultProcRoot,
		cgroupRoot: defaultCgroupRoot,
		rootFS:     defaultRootFS,
		numCPU:     runtime.NumCPU,
	}
}

// NewProbeWithRoots returns a Probe reading from the given roots instead of
// the real /proc, /sys/fs/cgroup, and filesystem root.
func NewProbeWithRoots(procRoot, cgroupRoot, rootFS string, numCPU func() int) *Probe {
	if numCPU == nil {
		numCPU = runtime.NumCPU
	}

	return &Probe{
		procRoot:   procRoot,
		cgroupRoot: cgroupRoot,
		rootFS:     rootFS,
		numCPU:     numCPU,
	}
}

var (
	detectOnce sync.Once
	detected   Info
)

// Detect returns the process-wide hardware info, probing on first call and
// memoizing the result for the process lifetime.
func Detect() Info {
	detectOnce.Do(func() {
		detected = NewProbe().Detect()
	})

	return detected
}

// Detect resolves the effective resources. Resolution order per field:
// environment override, then OS probe, then container clamp, then floor.
func (p *Probe) Detect() Info {
	info := Info{
		IsContainer: p.isContainer(),
	}

	cpuOverride := envInt(envCPUCount)
	memOverride := envFloat(envMemoryGB)

	if cpuOverride >= minCPUs {
		info.CPUs = cpuOverride
	} else {
		info.CPUs = p.numCPU()

		if info.IsContainer {
			if quota, ok := p.cpuQuota(); ok && quota < info.CPUs {
				info.CPUs = quota
			}
		}
	}

	if memOverride >= minMemoryGB {
		info.MemoryGB = memOverride
	} else {
		info.MemoryGB = p.totalMemoryGB()

		if info.IsContainer {
			if limit, ok := p.memLimitGB(); ok && limit < info.MemoryGB {
				info.MemoryGB = limit
			}
		}
	}

	if info.CPUs < minCPUs {
		info.CPUs = minCPUs
	}

	if info.MemoryGB < minMemoryGB {
		info.MemoryGB = minMemoryGB
	}

	return info
}

// isContainer checks the common container indicators: a /.dockerenv marker
// or container runtime names in the PID 1 cgroup.
func (p *Probe) isContainer() bool {
	if _, err := os.Stat(filepath.Join(p.rootFS, ".dockerenv")); err == nil {
		return true
	}

	data, err := os.ReadFile(filepath.Join(p.procRoot, "1", "cgroup"))
	if err != nil {
		return false
	}

	content := string(data)

	for _, marker := range []string{"docker", "containerd", "kubepods", "lxc"} {
		if strings.Contains(content, marker) {
			return true
		}
	}

	return false
}

// cpuQuota reads the cgroup CPU quota as a whole CPU count, preferring the
// v2 unified file and falling back to the v1 cfs pair. The count rounds up:
// a 1.5-CPU quota admits 2 workers.
func (p *Probe) cpuQuota() (int, bool) {
	if raw := readTrimmed(filepath.Join(p.cgroupRoot, cgroupV2CPUMax)); raw != "" {
		parts := strings.Fields(raw)
		if len(parts) == 2 && parts[0] != cgroupNoLimit {
			quota, qErr := strconv.ParseInt(parts[0], 10, 64)
			period, pErr := strconv.ParseInt(parts[1], 10, 64)

			if qErr == nil && pErr == nil && quota > 0 && period > 0 {
				return safeconv.MustInt64ToInt(ceilDiv(quota, period)), true
			}
		}

		return 0, false
	}

	quota, qErr := strconv.ParseInt(readTrimmed(filepath.Join(p.cgroupRoot, cgroupV1CPUQuota)), 10, 64)
	period, pErr := strconv.ParseInt(readTrimmed(filepath.Join(p.cgroupRoot, cgroupV1Period)), 10, 64)

	if qErr != nil || pErr != nil || quota <= 0 || period <= 0 {
		return 0, false
	}

	return safeconv.MustInt64ToInt(ceilDiv(quota, period)), true
}

// memLimitGB reads the cgroup memory limit in GiB, preferring v2.
func (p *Probe) memLimitGB() (float64, bool) {
	if raw := readTrimmed(filepath.Join(p.cgroupRoot, cgroupV2MemMax)); raw != "" {
		if raw == cgroupNoLimit {
			return 0, false
		}

		limit, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || limit <= 0 {
			return 0, false
		}

		return float64(limit) / float64(units.GiB), true
	}

	limit, err := strconv.ParseInt(readTrimmed(filepath.Join(p.cgroupRoot, cgroupV1MemLimit)), 10, 64)
	if err != nil || limit <= 0 || limit >= memNoLimitSentinel {
		return 0, false
	}

	return float64(limit) / float64(units.GiB), true
}

// totalMemoryGB parses MemTotal from /proc/meminfo. Returns 0 when the file
// is missing or malformed; the caller floors the result.
func (p *Probe) totalMemoryGB() float64 {
	data, err := os.ReadFile(filepath.Join(p.procRoot, "meminfo"))
	if err != nil {
		return 0
	}

	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}

		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}

		return float64(kb*units.KiB) / float64(units.GiB)
	}

	return 0
}

func envInt(name string) int {
	raw := os.Getenv(name)
	if raw == "" {
		return 0
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}

	return val
}

func envFloat(name string) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return 0
	}

	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}

	return val
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
