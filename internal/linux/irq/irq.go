package irq

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"
	"k8s.io/klog/v2"
	"k8s.io/utils/cpuset"

	"github.com/yoonhyunwoo/pmqos/internal/qos"
)

const (
	// DefaultProcRoot is where procfs is normally mounted.
	DefaultProcRoot = "/proc"
	// DefaultPollInterval is how often subscriptions re-read affinity lists.
	DefaultPollInterval = time.Second

	affinityListNode = "smp_affinity_list"
)

// ProcIRQ tracks interrupt affinity through /proc/irq. procfs does not
// deliver inotify events, so subscriptions poll.
type ProcIRQ struct {
	root     string
	interval time.Duration
}

var _ qos.IRQSubsystem = (*ProcIRQ)(nil)

// New returns a ProcIRQ reading below procRoot.
func New(procRoot string, interval time.Duration) *ProcIRQ {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &ProcIRQ{root: procRoot, interval: interval}
}

func (p *ProcIRQ) affinityPath(irq int) string {
	return filepath.Join(p.root, "irq", strconv.Itoa(irq), affinityListNode)
}

// CanSetAffinity reports whether irq has a writable affinity list.
func (p *ProcIRQ) CanSetAffinity(irq int) bool {
	if irq < 0 {
		return false
	}
	return unix.Access(p.affinityPath(irq), unix.W_OK) == nil
}

// Affinity reads the current affinity list of irq.
func (p *ProcIRQ) Affinity(irq int) (cpuset.CPUSet, error) {
	path := p.affinityPath(irq)
	data, err := os.ReadFile(path)
	if err != nil {
		return cpuset.CPUSet{}, errors.Wrapf(err, "irq: failed to read affinity of IRQ %d", irq)
	}
	mask, err := cpuset.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return cpuset.CPUSet{}, errors.Wrapf(err, "irq: failed to parse %s", path)
	}
	return mask, nil
}

// Subscribe starts watching irq. The first poll compares against initial, so
// a move that lands before the watcher starts is still reported. OnChange
// runs on the watcher goroutine; OnRelease runs on its own goroutine once,
// after Unsubscribe or after the IRQ disappears.
func (p *ProcIRQ) Subscribe(irq int, initial cpuset.CPUSet, notify qos.IRQAffinityNotify) (qos.IRQSubscription, error) {
	if irq < 0 {
		return nil, errors.Newf("irq: invalid IRQ %d", irq)
	}

	s := &subscription{
		p:      p,
		irq:    irq,
		notify: notify,
		last:   initial.Clone(),
	}
	s.t.Go(s.loop)
	return s, nil
}

type subscription struct {
	t       tomb.Tomb
	p       *ProcIRQ
	irq     int
	notify  qos.IRQAffinityNotify
	last    cpuset.CPUSet
	release sync.Once
}

func (s *subscription) loop() error {
	ticker := time.NewTicker(s.p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.t.Dying():
			return nil
		case <-ticker.C:
		}

		mask, err := s.p.Affinity(s.irq)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				klog.Warningf("irq: IRQ %d went away, releasing affinity subscription", s.irq)
				s.released()
				return nil
			}
			klog.Warningf("irq: %v", err)
			continue
		}
		if mask.Equals(s.last) {
			continue
		}
		s.last = mask
		if s.notify.OnChange != nil {
			s.notify.OnChange(mask)
		}
	}
}

func (s *subscription) released() {
	s.release.Do(func() {
		if s.notify.OnRelease != nil {
			go s.notify.OnRelease()
		}
	})
}

// Unsubscribe stops the watcher and schedules the release callback.
func (s *subscription) Unsubscribe() error {
	s.t.Kill(nil)
	err := s.t.Wait()
	s.released()
	return err
}
