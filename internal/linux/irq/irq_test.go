package irq

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/cpuset"

	"github.com/yoonhyunwoo/pmqos/internal/qos"
)

func writeAffinity(t *testing.T, root string, irq int, list string) {
	t.Helper()
	dir := filepath.Join(root, "irq", strconv.Itoa(irq))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, affinityListNode), []byte(list+"\n"), 0o644))
}

func TestAffinity(t *testing.T) {
	root := t.TempDir()
	writeAffinity(t, root, 24, "0-2")
	p := New(root, 0)

	require.True(t, p.CanSetAffinity(24))
	require.False(t, p.CanSetAffinity(25))
	require.False(t, p.CanSetAffinity(-1))

	mask, err := p.Affinity(24)
	require.NoError(t, err)
	require.True(t, mask.Equals(cpuset.New(0, 1, 2)))

	_, err = p.Affinity(25)
	require.Error(t, err)
}

func TestSubscribeFollowsChanges(t *testing.T) {
	root := t.TempDir()
	writeAffinity(t, root, 24, "0")
	p := New(root, 5*time.Millisecond)

	changes := make(chan cpuset.CPUSet, 4)
	released := make(chan struct{}, 1)
	sub, err := p.Subscribe(24, cpuset.New(0), qos.IRQAffinityNotify{
		OnChange:  func(mask cpuset.CPUSet) { changes <- mask },
		OnRelease: func() { released <- struct{}{} },
	})
	require.NoError(t, err)

	writeAffinity(t, root, 24, "2-3")
	select {
	case mask := <-changes:
		require.True(t, mask.Equals(cpuset.New(2, 3)))
	case <-time.After(5 * time.Second):
		t.Fatal("no affinity change seen")
	}

	require.NoError(t, sub.Unsubscribe())
	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("release callback did not run")
	}
	require.NoError(t, sub.Unsubscribe())
	require.Empty(t, released)
}

func TestSubscribeReleasesVanishedIRQ(t *testing.T) {
	root := t.TempDir()
	writeAffinity(t, root, 9, "1")
	p := New(root, 5*time.Millisecond)

	released := make(chan struct{}, 1)
	sub, err := p.Subscribe(9, cpuset.New(1), qos.IRQAffinityNotify{
		OnRelease: func() { released <- struct{}{} },
	})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "irq", "9")))
	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("release callback did not run")
	}
	require.NoError(t, sub.Unsubscribe())
}

func TestRegistryTracksProcIRQ(t *testing.T) {
	root := t.TempDir()
	writeAffinity(t, root, 40, "0")
	p := New(root, 5*time.Millisecond)

	reg, err := qos.NewRegistry([]qos.ClassConfig{
		{Name: "cpu_dma_latency", Type: qos.Min, DefaultValue: 1000, NoConstraintValue: 1000},
	}, 2, qos.WithIRQSubsystem(p))
	require.NoError(t, err)
	c, err := reg.Class("cpu_dma_latency")
	require.NoError(t, err)

	req := qos.NewIRQRequest(40)
	require.NoError(t, c.AddRequest(req, 10))
	require.EqualValues(t, 10, c.ValueForCPU(0))
	require.EqualValues(t, 1000, c.ValueForCPU(1))

	writeAffinity(t, root, 40, "1")
	require.Eventually(t, func() bool {
		return c.ValueForCPU(1) == 10 && c.ValueForCPU(0) == 1000
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, req.Remove())
	require.EqualValues(t, 1000, c.Value())
}

func TestSubscribeReportsMoveBeforeFirstPoll(t *testing.T) {
	root := t.TempDir()
	writeAffinity(t, root, 12, "1")
	p := New(root, 5*time.Millisecond)

	changes := make(chan cpuset.CPUSet, 4)
	sub, err := p.Subscribe(12, cpuset.New(0), qos.IRQAffinityNotify{
		OnChange: func(mask cpuset.CPUSet) { changes <- mask },
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case mask := <-changes:
		require.True(t, mask.Equals(cpuset.New(1)))
	case <-time.After(5 * time.Second):
		t.Fatal("move made before the first poll was not reported")
	}
}

// movingIRQ moves its IRQ to another CPU right after the first affinity read.
type movingIRQ struct {
	*ProcIRQ
	root  string
	once  sync.Once
	moveT *testing.T
}

func (m *movingIRQ) Affinity(irq int) (cpuset.CPUSet, error) {
	mask, err := m.ProcIRQ.Affinity(irq)
	m.once.Do(func() { writeAffinity(m.moveT, m.root, irq, "1") })
	return mask, err
}

func TestRegistryFollowsMoveDuringAdd(t *testing.T) {
	root := t.TempDir()
	writeAffinity(t, root, 40, "0")
	irqs := &movingIRQ{ProcIRQ: New(root, 5*time.Millisecond), root: root, moveT: t}

	reg, err := qos.NewRegistry([]qos.ClassConfig{
		{Name: "cpu_dma_latency", Type: qos.Min, DefaultValue: 1000, NoConstraintValue: 1000},
	}, 2, qos.WithIRQSubsystem(irqs))
	require.NoError(t, err)
	c, err := reg.Class("cpu_dma_latency")
	require.NoError(t, err)

	req := qos.NewIRQRequest(40)
	require.NoError(t, c.AddRequest(req, 10))
	defer req.Remove()

	require.Eventually(t, func() bool {
		return req.CPUs().Equals(cpuset.New(1)) &&
			c.ValueForCPU(1) == 10 && c.ValueForCPU(0) == 1000
	}, 5*time.Second, 5*time.Millisecond)
}
