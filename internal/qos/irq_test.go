package qos

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/cpuset"
)

type fakeIRQ struct {
	mu        sync.Mutex
	masks     map[int]cpuset.CPUSet
	subs      map[int]*fakeSubscription
	failSub   bool
	released  chan struct{}
	unsubbed  int
	subscribe int
}

type fakeSubscription struct {
	irq    *fakeIRQ
	num    int
	notify IRQAffinityNotify
}

func newFakeIRQ() *fakeIRQ {
	return &fakeIRQ{
		masks:    map[int]cpuset.CPUSet{},
		subs:     map[int]*fakeSubscription{},
		released: make(chan struct{}, 8),
	}
}

func (f *fakeIRQ) CanSetAffinity(irq int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.masks[irq]
	return ok
}

func (f *fakeIRQ) Affinity(irq int) (cpuset.CPUSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.masks[irq], nil
}

func (f *fakeIRQ) Subscribe(irq int, _ cpuset.CPUSet, notify IRQAffinityNotify) (IRQSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSub {
		return nil, errors.New("busy")
	}
	f.subscribe++
	s := &fakeSubscription{irq: f, num: irq, notify: notify}
	f.subs[irq] = s
	return s, nil
}

func (f *fakeIRQ) setAffinity(irq int, mask cpuset.CPUSet) {
	f.mu.Lock()
	f.masks[irq] = mask
	s := f.subs[irq]
	f.mu.Unlock()
	if s != nil {
		s.notify.OnChange(mask)
	}
}

// free tears the subscription down from the interrupt side.
func (f *fakeIRQ) free(irq int) {
	f.mu.Lock()
	s := f.subs[irq]
	delete(f.subs, irq)
	f.mu.Unlock()
	s.notify.OnRelease()
}

func (s *fakeSubscription) Unsubscribe() error {
	s.irq.mu.Lock()
	delete(s.irq.subs, s.num)
	s.irq.unsubbed++
	s.irq.mu.Unlock()
	go func() {
		s.notify.OnRelease()
		s.irq.released <- struct{}{}
	}()
	return nil
}

func TestIRQAffinityTracking(t *testing.T) {
	irqs := newFakeIRQ()
	irqs.masks[33] = cpuset.New(1)
	reg := newTestRegistry(t, 4, WithIRQSubsystem(irqs))
	c := mustClass(t, reg, "cpu_dma_latency")

	req := NewIRQRequest(33)
	require.NoError(t, c.AddRequest(req, 100))
	require.Equal(t, AffineIRQ, req.Kind())
	require.True(t, req.CPUs().Equals(cpuset.New(1)))
	require.EqualValues(t, 100, c.ValueForCPU(1))
	require.EqualValues(t, latencyDefault, c.ValueForCPU(2))

	rec := &recorder{}
	require.NoError(t, c.AddNotifier(rec))

	irqs.setAffinity(33, cpuset.New(2, 3))
	require.True(t, req.CPUs().Equals(cpuset.New(2, 3)))
	require.EqualValues(t, latencyDefault, c.ValueForCPU(1))
	require.EqualValues(t, 100, c.ValueForCPU(2))
	require.EqualValues(t, 100, c.ValueForCPU(3))
	require.EqualValues(t, 100, c.Value())
	require.Equal(t, 0, rec.count())

	require.NoError(t, req.Remove())
	select {
	case <-irqs.released:
	case <-time.After(5 * time.Second):
		t.Fatal("release callback did not run")
	}
	require.Equal(t, 1, irqs.unsubbed)
	require.EqualValues(t, latencyDefault, c.Value())
	require.Equal(t, 0, c.Stats().TotalRequests)
	for cpu := 0; cpu < 4; cpu++ {
		require.EqualValues(t, latencyDefault, c.ValueForCPU(cpu))
	}
}

func TestIRQReleasedWhileActive(t *testing.T) {
	irqs := newFakeIRQ()
	irqs.masks[5] = cpuset.New(0)
	reg := newTestRegistry(t, 2, WithIRQSubsystem(irqs))
	c := mustClass(t, reg, "cpu_dma_latency")

	req := NewIRQRequest(5)
	require.NoError(t, c.AddRequest(req, 10))
	require.EqualValues(t, 10, c.Value())

	irqs.free(5)
	require.True(t, req.CPUs().Equals(reg.AllCPUs()))
	v, err := req.Value()
	require.NoError(t, err)
	require.EqualValues(t, latencyDefault, v)
	require.EqualValues(t, latencyDefault, c.Value())
	require.True(t, req.Active())
}

func TestIRQFallbacks(t *testing.T) {
	irqs := newFakeIRQ()
	reg := newTestRegistry(t, 2, WithIRQSubsystem(irqs))
	c := mustClass(t, reg, "bus_throughput")

	noAffinity := NewIRQRequest(7)
	require.NoError(t, c.AddRequest(noAffinity, 3))
	require.Equal(t, AllCores, noAffinity.Kind())
	require.Equal(t, []int32{3, 3}, c.Stats().PerCPU)
	require.NoError(t, noAffinity.Remove())

	irqs.masks[8] = cpuset.New(1)
	irqs.failSub = true
	subFails := NewIRQRequest(8)
	require.NoError(t, c.AddRequest(subFails, 4))
	require.Equal(t, AllCores, subFails.Kind())
	require.True(t, subFails.CPUs().Equals(reg.AllCPUs()))
	require.NoError(t, subFails.Remove())
	require.Equal(t, 0, irqs.unsubbed)

	noSubsystem := NewIRQRequest(8)
	c2 := mustClass(t, newTestRegistry(t, 2), "bus_throughput")
	require.NoError(t, c2.AddRequest(noSubsystem, 4))
	require.Equal(t, AllCores, noSubsystem.Kind())
}

// earlyMoveIRQ reports an affinity change from inside Subscribe, before the
// request has been added to its class.
type earlyMoveIRQ struct {
	*fakeIRQ
	to cpuset.CPUSet
}

func (e *earlyMoveIRQ) Subscribe(irq int, initial cpuset.CPUSet, notify IRQAffinityNotify) (IRQSubscription, error) {
	sub, err := e.fakeIRQ.Subscribe(irq, initial, notify)
	if err == nil {
		notify.OnChange(e.to)
	}
	return sub, err
}

func TestIRQChangeDuringAddIsKept(t *testing.T) {
	irqs := &earlyMoveIRQ{fakeIRQ: newFakeIRQ(), to: cpuset.New(1)}
	irqs.masks[40] = cpuset.New(0)
	reg := newTestRegistry(t, 2, WithIRQSubsystem(irqs))
	c := mustClass(t, reg, "cpu_dma_latency")

	req := NewIRQRequest(40)
	require.NoError(t, c.AddRequest(req, 10))
	require.True(t, req.CPUs().Equals(cpuset.New(1)))
	require.EqualValues(t, latencyDefault, c.ValueForCPU(0))
	require.EqualValues(t, 10, c.ValueForCPU(1))
	require.NoError(t, req.Remove())
}
