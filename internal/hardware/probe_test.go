package hardware_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillframe/shoebox/internal/hardware"
)

const (
	// fixtureNumCPU is the host CPU count reported by the injected counter.
	fixtureNumCPU = 16

	// fixtureMeminfo reports 8 GiB of total memory.
	fixtureMeminfo = "MemTotal:        8388608 kB\nMemFree:         1024000 kB\n"
)

func writeFixture(t *testing.T, root, rel, content string) {
	t.Helper()

	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func fixedNumCPU() int { return fixtureNumCPU }

func TestDetect_EnvOverridesWin(t *testing.T) {
	t.Setenv("DETECTED_CPU_COUNT", "7")
	t.Setenv("DETECTED_MEMORY_GB", "12.5")

	probe := hardware.NewProbeWithRoots(t.TempDir(), t.TempDir(), t.TempDir(), fixedNumCPU)
	info := probe.Detect()

	assert.Equal(t, 7, info.CPUs)
	assert.InDelta(t, 12.5, info.MemoryGB, 0.001)
}

func TestDetect_EnvOverridesBelowFloorIgnored(t *testing.T) {
	t.Setenv("DETECTED_CPU_COUNT", "0")
	t.Setenv("DETECTED_MEMORY_GB", "-3")

	procRoot := t.TempDir()
	writeFixture(t, procRoot, "meminfo", fixtureMeminfo)

	probe := hardware.NewProbeWithRoots(procRoot, t.TempDir(), t.TempDir(), fixedNumCPU)
	info := probe.Detect()

	assert.Equal(t, fixtureNumCPU, info.CPUs)
	assert.InDelta(t, 8.0, info.MemoryGB, 0.001)
}

func TestDetect_BareMetal(t *testing.T) {
	t.Parallel()

	procRoot := t.TempDir()
	writeFixture(t, procRoot, "meminfo", fixtureMeminfo)
	writeFixture(t, procRoot, "1/cgroup", "0::/init.scope\n")

	probe := hardware.NewProbeWithRoots(procRoot, t.TempDir(), t.TempDir(), fixedNumCPU)
	info := probe.Detect()

	assert.Equal(t, fixtureNumCPU, info.CPUs)
	assert.InDelta(t, 8.0, info.MemoryGB, 0.001)
	assert.False(t, info.IsContainer)
}

func TestDetect_CgroupV2Clamps(t *testing.T) {
	t.Parallel()

	procRoot := t.TempDir()
	writeFixture(t, procRoot, "meminfo", "MemTotal:       67108864 kB\n")

	rootFS := t.TempDir()
	writeFixture(t, rootFS, ".dockerenv", "")

	cgroupRoot := t.TempDir()
	// 1.5 CPUs of quota rounds up to 2.
	writeFixture(t, cgroupRoot, "cpu.max", "150000 100000\n")
	// 2 GiB memory limit.
	writeFixture(t, cgroupRoot, "memory.max", "2147483648\n")

	probe := hardware.NewProbeWithRoots(procRoot, cgroupRoot, rootFS, fixedNumCPU)
	info := probe.Detect()

	assert.True(t, info.IsContainer)
	assert.Equal(t, 2, info.CPUs)
	assert.InDelta(t, 2.0, info.MemoryGB, 0.001)
}

func TestDetect_CgroupV2NoLimits(t *testing.T) {
	t.Parallel()

	procRoot := t.TempDir()
	writeFixture(t, procRoot, "meminfo", fixtureMeminfo)
	writeFixture(t, procRoot, "1/cgroup", "0::/docker/abcdef\n")

	cgroupRoot := t.TempDir()
	writeFixture(t, cgroupRoot, "cpu.max", "max 100000\n")
	writeFixture(t, cgroupRoot, "memory.max", "max\n")

	probe := hardware.NewProbeWithRoots(procRoot, cgroupRoot, t.TempDir(), fixedNumCPU)
	info := probe.Detect()

	assert.True(t, info.IsContainer)
	assert.Equal(t, fixtureNumCPU, info.CPUs)
	assert.InDelta(t, 8.0, info.MemoryGB, 0.001)
}

func TestDetect_CgroupV1(t *testing.T) {
	t.Parallel()

	procRoot := t.TempDir()
	writeFixture(t, procRoot, "meminfo", fixtureMeminfo)
	writeFixture(t, procRoot, "1/cgroup", "11:cpu:/kubepods/pod1234\n")

	cgroupRoot := t.TempDir()
	writeFixture(t, cgroupRoot, "cpu/cpu.cfs_quota_us", "400000\n")
	writeFixture(t, cgroupRoot, "cpu/cpu.cfs_period_us", "100000\n")
	writeFixture(t, cgroupRoot, "memory/memory.limit_in_bytes", "4294967296\n")

	probe := hardware.NewProbeWithRoots(procRoot, cgroupRoot, t.TempDir(), fixedNumCPU)
	info := probe.Detect()

	assert.True(t, info.IsContainer)
	assert.Equal(t, 4, info.CPUs)
	assert.InDelta(t, 4.0, info.MemoryGB, 0.001)
}

func TestDetect_CgroupV1NoLimitSentinels(t *testing.T) {
	t.Parallel()

	procRoot := t.TempDir()
	writeFixture(t, procRoot, "meminfo", fixtureMeminfo)
	writeFixture(t, procRoot, "1/cgroup", "11:cpu:/docker/abcdef\n")

	cgroupRoot := t.TempDir()
	// -1 quota and the near-2^63 memory value both mean "no limit".
	writeFixture(t, cgroupRoot, "cpu/cpu.cfs_quota_us", "-1\n")
	writeFixture(t, cgroupRoot, "cpu/cpu.cfs_period_us", "100000\n")
	writeFixture(t, cgroupRoot, "memory/memory.limit_in_bytes", "9223372036854771712\n")

	probe := hardware.NewProbeWithRoots(procRoot, cgroupRoot, t.TempDir(), fixedNumCPU)
	info := probe.Detect()

	assert.True(t, info.IsContainer)
	assert.Equal(t, fixtureNumCPU, info.CPUs)
	assert.InDelta(t, 8.0, info.MemoryGB, 0.001)
}

func TestDetect_FloorsWhenNothingReadable(t *testing.T) {
	t.Parallel()

	probe := hardware.NewProbeWithRoots(t.TempDir(), t.TempDir(), t.TempDir(), func() int { return 0 })
	info := probe.Detect()

	assert.Equal(t, 1, info.CPUs)
	assert.InDelta(t, 1.0, info.MemoryGB, 0.001)
	assert.False(t, info.IsContainer)
}

func TestDetect_Memoized(t *testing.T) {
	t.Parallel()

	first := hardware.Detect()
	second := hardware.Detect()

	assert.Equal(t, first, second)
	assert.GreaterOrEqual(t, first.CPUs, 1)
	assert.GreaterOrEqual(t, first.MemoryGB, 1.0)
}
