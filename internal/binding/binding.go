// Package binding pushes class aggregates out to the system: cgroup v2
// controller files or plain sysfs-style files.
package binding

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/opencontainers/runtime-spec/specs-go"
	"k8s.io/klog/v2"

	"github.com/yoonhyunwoo/pmqos/internal/linux/cgroup"
	"github.com/yoonhyunwoo/pmqos/internal/qos"
)

// Kind names what a binding writes.
type Kind string

const (
	CPUWeight Kind = "cpu.weight"
	// CPUShares takes a cgroup v1 share count and writes the matching
	// cpu.weight.
	CPUShares      Kind = "cpu.shares"
	CPUMax         Kind = "cpu.max"
	CPUMaxBurst    Kind = "cpu.max.burst"
	CPUIdle        Kind = "cpu.idle"
	MemoryLow      Kind = "memory.low"
	MemoryHigh     Kind = "memory.high"
	MemoryMax      Kind = "memory.max"
	MemorySwapMax  Kind = "memory.swap.max"
	MemoryOOMGroup Kind = "memory.oom.group"
	PidsMax        Kind = "pids.max"
	File           Kind = "file"

	hugetlbPrefix = "hugetlb."
	hugetlbSuffix = ".max"
)

// Spec is the configured form of a binding.
type Spec struct {
	Class  string `yaml:"class" json:"class"`
	Kind   Kind   `yaml:"kind" json:"kind"`
	Target string `yaml:"target" json:"target"`
	// Scale multiplies the aggregate before it is written. Zero means 1.
	Scale int64 `yaml:"scale,omitempty" json:"scale,omitempty"`
}

// Validate checks the kind and target of s.
func (s Spec) Validate() error {
	if s.Class == "" {
		return errors.New("binding: class is required")
	}
	if s.Scale < 0 {
		return errors.Newf("binding: negative scale %d for class %s", s.Scale, s.Class)
	}
	if _, err := hugetlbSize(s.Kind); err == nil {
		return s.validateTarget()
	}
	switch s.Kind {
	case CPUWeight, CPUShares, CPUMax, CPUMaxBurst, CPUIdle,
		MemoryLow, MemoryHigh, MemoryMax, MemorySwapMax, MemoryOOMGroup,
		PidsMax, File:
		return s.validateTarget()
	}
	return errors.Newf("binding: unknown kind %q for class %s", s.Kind, s.Class)
}

func (s Spec) validateTarget() error {
	if s.Target == "" {
		return errors.Newf("binding: %s binding for class %s needs a target", s.Kind, s.Class)
	}
	return nil
}

func hugetlbSize(k Kind) (string, error) {
	name := string(k)
	if !strings.HasPrefix(name, hugetlbPrefix) || !strings.HasSuffix(name, hugetlbSuffix) {
		return "", errors.Newf("binding: %q is not a hugetlb kind", k)
	}
	size := strings.TrimSuffix(strings.TrimPrefix(name, hugetlbPrefix), hugetlbSuffix)
	if size == "" || strings.Contains(size, ".") {
		return "", errors.Newf("binding: %q is not a hugetlb kind", k)
	}
	return size, nil
}

// Binding is a class notifier that mirrors the class aggregate into its
// target.
type Binding struct {
	spec  Spec
	class *qos.Class
	mgr   *cgroup.Manager

	mu       sync.Mutex
	setup    bool
	applied  bool
	last     int32
	detached bool
}

// New returns a binding of c described by spec. Cgroup targets are groups
// below cgroupRoot.
func New(c *qos.Class, spec Spec, cgroupRoot string) (*Binding, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Scale == 0 {
		spec.Scale = 1
	}
	b := &Binding{spec: spec, class: c}
	if spec.Kind != File {
		b.mgr = cgroup.NewManager(cgroupRoot, spec.Target)
	}
	return b, nil
}

// Spec returns the binding's configuration.
func (b *Binding) Spec() Spec {
	return b.spec
}

func (b *Binding) scaled(value int32) int64 {
	return int64(value) * b.spec.Scale
}

// Resources returns the OCI resources block that value maps to, or nil for
// file bindings.
func (b *Binding) Resources(value int32) *specs.LinuxResources {
	v := b.scaled(value)
	switch b.spec.Kind {
	case File:
		return nil
	case CPUWeight:
		weight := min(max(v, 1), 10000)
		return &specs.LinuxResources{
			Unified: map[string]string{string(CPUWeight): strconv.FormatInt(weight, 10)},
		}
	case CPUShares:
		shares := uint64(max(v, 2))
		return &specs.LinuxResources{CPU: &specs.LinuxCPU{Shares: &shares}}
	case CPUMaxBurst:
		burst := uint64(max(v, 0))
		return &specs.LinuxResources{CPU: &specs.LinuxCPU{Burst: &burst}}
	case CPUIdle:
		idle := int64(0)
		if v > 0 {
			idle = 1
		}
		return &specs.LinuxResources{CPU: &specs.LinuxCPU{Idle: &idle}}
	case MemoryLow:
		low := max(v, 0)
		return &specs.LinuxResources{Memory: &specs.LinuxMemory{Reservation: &low}}
	case MemorySwapMax:
		swap := v
		if swap < 0 {
			swap = -1
		}
		return &specs.LinuxResources{Memory: &specs.LinuxMemory{Swap: &swap}}
	case MemoryOOMGroup:
		group := v != 0
		return &specs.LinuxResources{Memory: &specs.LinuxMemory{DisableOOMKiller: &group}}
	case CPUMax:
		quota := v
		if quota <= 0 {
			quota = -1
		}
		period := cgroup.DefaultCPUPeriod
		return &specs.LinuxResources{CPU: &specs.LinuxCPU{Quota: &quota, Period: &period}}
	case MemoryHigh:
		high := "max"
		if v > 0 {
			high = strconv.FormatInt(v, 10)
		}
		return &specs.LinuxResources{Unified: map[string]string{string(MemoryHigh): high}}
	case MemoryMax:
		limit := v
		if limit <= 0 {
			limit = -1
		}
		return &specs.LinuxResources{Memory: &specs.LinuxMemory{Limit: &limit}}
	case PidsMax:
		return &specs.LinuxResources{Pids: &specs.LinuxPids{Limit: v}}
	}

	size, err := hugetlbSize(b.spec.Kind)
	if err != nil {
		return nil
	}
	if v < 0 {
		return &specs.LinuxResources{Unified: map[string]string{string(b.spec.Kind): "max"}}
	}
	return &specs.LinuxResources{
		HugepageLimits: []specs.LinuxHugepageLimit{{Pagesize: size, Limit: uint64(v)}},
	}
}

// Apply writes value to the binding's target.
func (b *Binding) Apply(value int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applyLocked(value)
}

func (b *Binding) applyLocked(value int32) error {
	if b.applied && b.last == value {
		return nil
	}

	if b.spec.Kind == File {
		data := strconv.FormatInt(b.scaled(value), 10) + "\n"
		if err := os.WriteFile(b.spec.Target, []byte(data), 0o644); err != nil {
			return errors.Wrapf(err, "binding: failed to write %s", b.spec.Target)
		}
	} else {
		subs := cgroup.SubSystemsFor(b.Resources(value))
		apply := b.mgr.Apply
		if !b.setup {
			apply = b.mgr.Setup
		}
		if err := apply(subs); err != nil {
			return errors.Wrapf(err, "binding: failed to apply %s=%d to %s", b.spec.Kind, value, b.spec.Target)
		}
		b.setup = true
	}

	b.applied = true
	b.last = value
	klog.V(2).Infof("binding: %s %s=%d -> %s", b.class.Name(), b.spec.Kind, value, b.spec.Target)
	return nil
}

// Notify re-reads the class aggregate and applies it. Notifications from
// concurrent mutators can arrive out of order, so the passed value is not
// trusted.
func (b *Binding) Notify(_ int32, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return
	}
	if err := b.applyLocked(b.class.Value()); err != nil {
		klog.Errorf("binding: %v", err)
	}
}

// Reset writes the kernel defaults back into a cgroup target the binding
// has written. File targets keep their last value.
func (b *Binding) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached = true
	if b.mgr == nil || !b.setup {
		return nil
	}
	if err := b.mgr.Clean(cgroup.SubSystemsFor(b.Resources(b.last))); err != nil {
		return errors.Wrapf(err, "binding: failed to reset %s in %s", b.spec.Kind, b.spec.Target)
	}
	b.setup = false
	b.applied = false
	return nil
}

// Set is a group of attached bindings.
type Set struct {
	bindings []*Binding
}

// Attach builds a binding for every spec, applies the current aggregate and
// registers it on its class. Already attached bindings are detached when a
// later one fails.
func Attach(reg *qos.Registry, bindings []Spec, cgroupRoot string) (*Set, error) {
	set := &Set{}
	for _, spec := range bindings {
		c, err := reg.Class(spec.Class)
		if err != nil {
			set.Detach()
			return nil, errors.Wrapf(err, "binding: class %s", spec.Class)
		}
		b, err := New(c, spec, cgroupRoot)
		if err != nil {
			set.Detach()
			return nil, err
		}
		if err := b.Apply(c.Value()); err != nil {
			set.Detach()
			return nil, err
		}
		if err := c.AddNotifier(b); err != nil {
			if resetErr := b.Reset(); resetErr != nil {
				klog.Warningf("%v", resetErr)
			}
			set.Detach()
			return nil, errors.Wrapf(err, "binding: failed to register on %s", spec.Class)
		}
		set.bindings = append(set.bindings, b)
	}
	return set, nil
}

// Bindings returns the attached bindings.
func (s *Set) Bindings() []*Binding {
	return append([]*Binding(nil), s.bindings...)
}

// Detach unregisters every binding, last attached first, and resets its
// cgroup target.
func (s *Set) Detach() {
	for i := len(s.bindings) - 1; i >= 0; i-- {
		b := s.bindings[i]
		if err := b.class.RemoveNotifier(b); err != nil {
			klog.Warningf("binding: %v", err)
		}
		if err := b.Reset(); err != nil {
			klog.Warningf("%v", err)
		}
	}
	s.bindings = nil
}
