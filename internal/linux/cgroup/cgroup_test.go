package cgroup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/require"
)

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}

func int64p(v int64) *int64    { return &v }
func uint64p(v uint64) *uint64 { return &v }

func TestManagerSetup(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "pmqos.slice/bus")
	require.Equal(t, filepath.Join(root, "pmqos.slice", "bus"), m.Path())

	require.NoError(t, m.Setup([]SubSystem{
		&CPUSubSystem{Weight: uint64p(200)},
		NewPidsSubSystem(64),
		&UnifiedSubSystem{Key: "cpu.idle", Value: "0"},
	}))

	require.Equal(t, "+cpu +pids", readFile(t, filepath.Join(root, "pmqos.slice"), "cgroup.subtree_control"))
	require.Equal(t, "200", readFile(t, m.Path(), "cpu.weight"))
	require.Equal(t, "64", readFile(t, m.Path(), "pids.max"))
	require.Equal(t, "0", readFile(t, m.Path(), "cpu.idle"))

	_, err := os.Stat(filepath.Join(m.Path(), "cpu.max"))
	require.True(t, os.IsNotExist(err))
}

func TestCPUSubSystem(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, (&CPUSubSystem{Quota: int64p(50000)}).Setup(dir))
	require.Equal(t, "50000 100000", readFile(t, dir, "cpu.max"))

	require.NoError(t, (&CPUSubSystem{Quota: int64p(-1), Period: uint64p(20000)}).Setup(dir))
	require.Equal(t, "max 20000", readFile(t, dir, "cpu.max"))

	require.Error(t, (&CPUSubSystem{Weight: uint64p(0)}).Setup(dir))
	require.Error(t, (&CPUSubSystem{Weight: uint64p(10001)}).Setup(dir))

	cpu := &CPUSubSystem{Weight: uint64p(5), Quota: int64p(1)}
	require.NoError(t, cpu.Clean(dir))
	require.Equal(t, "100", readFile(t, dir, "cpu.weight"))
	require.Equal(t, "max 100000", readFile(t, dir, "cpu.max"))
}

func TestMemoryAndHugetlb(t *testing.T) {
	dir := t.TempDir()

	mem := &MemorySubSystem{High: int64p(1 << 20), Max: int64p(-1), Low: int64p(4096)}
	require.NoError(t, mem.Setup(dir))
	require.Equal(t, "1048576", readFile(t, dir, "memory.high"))
	require.Equal(t, "max", readFile(t, dir, "memory.max"))
	require.Equal(t, "4096", readFile(t, dir, "memory.low"))
	require.NoError(t, mem.Clean(dir))
	require.Equal(t, "max", readFile(t, dir, "memory.high"))
	require.Equal(t, "0", readFile(t, dir, "memory.low"))

	huge := &HugepageSubSystem{Pages: map[string]uint64{"2MB": 8, "1GB": 1}}
	require.NoError(t, huge.Setup(dir))
	require.Equal(t, "8", readFile(t, dir, "hugetlb.2MB.max"))
	require.Equal(t, "1", readFile(t, dir, "hugetlb.1GB.max"))
	require.NoError(t, huge.Clean(dir))
	require.Equal(t, "max", readFile(t, dir, "hugetlb.2MB.max"))
}

func TestPidsUnlimited(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, NewPidsSubSystem(0).Setup(dir))
	require.Equal(t, "max", readFile(t, dir, "pids.max"))
}

func TestUnifiedRejectsBadKeys(t *testing.T) {
	dir := t.TempDir()
	require.Error(t, (&UnifiedSubSystem{Key: "../escape.max", Value: "1"}).Setup(dir))
	require.Error(t, (&UnifiedSubSystem{Key: "nodot", Value: "1"}).Setup(dir))
	require.Equal(t, "memory", (&UnifiedSubSystem{Key: "memory.high"}).Name())
}

func TestSubSystemsFor(t *testing.T) {
	require.Nil(t, SubSystemsFor(nil))
	require.Empty(t, SubSystemsFor(&specs.LinuxResources{CPU: &specs.LinuxCPU{}}))

	disable := true
	subs := SubSystemsFor(&specs.LinuxResources{
		CPU: &specs.LinuxCPU{Shares: uint64p(1024), Quota: int64p(20000), Period: uint64p(100000)},
		Memory: &specs.LinuxMemory{
			Limit:            int64p(1 << 30),
			Swap:             int64p(2 << 30),
			DisableOOMKiller: &disable,
		},
		Pids:           &specs.LinuxPids{Limit: 32},
		HugepageLimits: []specs.LinuxHugepageLimit{{Pagesize: "2MB", Limit: 4}},
		Unified:        map[string]string{"memory.high": "512", "cpu.weight.nice": "0"},
	})

	var names []string
	for _, s := range subs {
		names = append(names, s.Name())
	}
	require.Equal(t, []string{"cpu", "memory", "pids", "hugetlb", "cpu", "memory"}, names)

	cpu := subs[0].(*CPUSubSystem)
	require.EqualValues(t, 39, *cpu.Weight)
	mem := subs[1].(*MemorySubSystem)
	require.EqualValues(t, 1<<30, *mem.SwapMax)
	require.EqualValues(t, 1, *mem.OOMGroup)

	root := t.TempDir()
	m := NewManager(root, "")
	require.NoError(t, m.Apply(subs))
	require.Equal(t, "20000 100000", readFile(t, root, "cpu.max"))
	require.Equal(t, "39", readFile(t, root, "cpu.weight"))
	require.Equal(t, "512", readFile(t, root, "memory.high"))
	require.Equal(t, "32", readFile(t, root, "pids.max"))
	require.Equal(t, "4", readFile(t, root, "hugetlb.2MB.max"))

	require.NoError(t, m.Clean(subs))
	require.Equal(t, "max", readFile(t, root, "pids.max"))
	_, err := os.Stat(root)
	require.NoError(t, err)
}

func TestSharesToWeight(t *testing.T) {
	require.EqualValues(t, 0, SharesToWeight(0))
	require.EqualValues(t, 1, SharesToWeight(2))
	require.EqualValues(t, 39, SharesToWeight(1024))
	require.EqualValues(t, 10000, SharesToWeight(262144))
	require.EqualValues(t, 10000, SharesToWeight(1<<40))
}

func TestCleanResetsBurstAndIdle(t *testing.T) {
	dir := t.TempDir()
	cpu := &CPUSubSystem{MaxBurst: uint64p(5000), Idle: int64p(1)}
	require.NoError(t, cpu.Setup(dir))
	require.Equal(t, "5000", readFile(t, dir, "cpu.max.burst"))
	require.Equal(t, "1", readFile(t, dir, "cpu.idle"))

	require.NoError(t, cpu.Clean(dir))
	require.Equal(t, "0", readFile(t, dir, "cpu.max.burst"))
	require.Equal(t, "0", readFile(t, dir, "cpu.idle"))
}

func TestUnifiedClean(t *testing.T) {
	dir := t.TempDir()
	for key, want := range map[string]string{
		"cpu.weight":      "100",
		"memory.high":     "max",
		"hugetlb.1GB.max": "max",
	} {
		u := &UnifiedSubSystem{Key: key, Value: "7"}
		require.NoError(t, u.Setup(dir))
		require.NoError(t, u.Clean(dir))
		require.Equal(t, want, readFile(t, dir, key), key)
	}

	u := &UnifiedSubSystem{Key: "io.weight", Value: "7"}
	require.NoError(t, u.Setup(dir))
	require.NoError(t, u.Clean(dir))
	require.Equal(t, "7", readFile(t, dir, "io.weight"))
}

func TestManagerCleanRemovesCreatedGroup(t *testing.T) {
	root := t.TempDir()

	m := NewManager(root, "pmqos/created")
	require.NoError(t, m.Setup(nil))
	require.NoError(t, m.Clean(nil))
	_, err := os.Stat(m.Path())
	require.True(t, os.IsNotExist(err))
	require.NoError(t, m.Clean(nil))

	existing := filepath.Join(root, "pmqos", "existing")
	require.NoError(t, os.MkdirAll(existing, 0o755))
	m = NewManager(root, "pmqos/existing")
	require.NoError(t, m.Setup(nil))
	require.NoError(t, m.Clean(nil))
	_, err = os.Stat(existing)
	require.NoError(t, err)
}
