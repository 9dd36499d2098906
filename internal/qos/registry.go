package qos

import (
	"sync"

	"github.com/cockroachdb/errors"
	"k8s.io/klog/v2"
	"k8s.io/utils/cpuset"
)

// Registry owns a fixed set of classes and the single lock that guards all of
// them. List mutation and aggregate recomputation happen under the lock;
// notifiers, IRQ subscription calls and timer handling happen outside it.
type Registry struct {
	mu sync.Mutex

	numCPUs int
	allCPUs cpuset.CPUSet
	classes []*Class
	byName  map[string]*Class
	irqs    IRQSubsystem
}

// Option configures a Registry.
type Option func(*Registry)

// WithIRQSubsystem sets the interrupt layer AFFINE_IRQ requests track.
// Without one, AFFINE_IRQ requests fall back to all CPUs.
func WithIRQSubsystem(irqs IRQSubsystem) Option {
	return func(r *Registry) {
		r.irqs = irqs
	}
}

// NewRegistry builds a registry for numCPUs possible CPUs. Class IDs follow
// the order of configs, starting at 1.
func NewRegistry(configs []ClassConfig, numCPUs int, opts ...Option) (*Registry, error) {
	if numCPUs <= 0 {
		return nil, errors.Newf("qos: invalid CPU count %d", numCPUs)
	}

	r := &Registry{
		numCPUs: numCPUs,
		byName:  make(map[string]*Class, len(configs)),
	}
	all := make([]int, numCPUs)
	for cpu := range all {
		all[cpu] = cpu
	}
	r.allCPUs = cpuset.New(all...)

	for _, opt := range opts {
		opt(r)
	}

	for i, cfg := range configs {
		if cfg.Name == "" {
			return nil, errors.Newf("qos: class %d has no name", i+1)
		}
		if _, ok := typeNames[cfg.Type]; !ok {
			return nil, errors.Newf("qos: class %s has unknown aggregation type %d", cfg.Name, int(cfg.Type))
		}
		if _, dup := r.byName[cfg.Name]; dup {
			return nil, errors.Newf("qos: duplicate class %s", cfg.Name)
		}
		c := &Class{
			id:   ClassID(i + 1),
			name: cfg.Name,
			reg:  r,
			c:    newConstraints(cfg, numCPUs),
		}
		r.classes = append(r.classes, c)
		r.byName[cfg.Name] = c
	}
	return r, nil
}

// NumCPUs returns the number of possible CPUs the registry projects onto.
func (r *Registry) NumCPUs() int {
	return r.numCPUs
}

// AllCPUs returns the mask of every possible CPU.
func (r *Registry) AllCPUs() cpuset.CPUSet {
	return r.allCPUs.Clone()
}

// Class looks up a class by name.
func (r *Registry) Class(name string) (*Class, error) {
	c, ok := r.byName[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownClass, "%s", name)
	}
	return c, nil
}

// ClassByID looks up a class by ID.
func (r *Registry) ClassByID(id ClassID) (*Class, error) {
	if id < 1 || int(id) > len(r.classes) {
		return nil, errors.Wrapf(ErrUnknownClass, "id %d", int(id))
	}
	return r.classes[id-1], nil
}

// Classes returns every class in ID order.
func (r *Registry) Classes() []*Class {
	out := make([]*Class, len(r.classes))
	copy(out, r.classes)
	return out
}

// UpdateConstraints redefines the attributes of a class. Non-zero fields of
// upd override the current ones. It is meant for class setup and must not
// race with request traffic on the class.
func (r *Registry) UpdateConstraints(name string, upd ConstraintsUpdate) error {
	c, err := r.Class(name)
	if err != nil {
		klog.Errorf("qos: no class %q to update constraints on", name)
		return err
	}
	if upd.Type != 0 {
		if _, ok := typeNames[upd.Type]; !ok {
			return errors.Newf("qos: unknown aggregation type %d", int(upd.Type))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cs := c.c
	if upd.DefaultValue != 0 {
		cs.defaultValue = upd.DefaultValue
	}
	if upd.Type != 0 {
		cs.typ = upd.Type
	}
	cs.projectCPUs()
	if upd.TargetValue != 0 {
		cs.target = upd.TargetValue
	} else {
		cs.target = cs.aggregate()
	}
	return nil
}
