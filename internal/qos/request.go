package qos

import (
	"fmt"
	"path"
	"runtime"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/cpuset"
)

// AffinityKind selects which CPUs a request applies to.
type AffinityKind int

const (
	// AllCores applies the request to every possible CPU.
	AllCores AffinityKind = iota
	// AffineCores applies the request to a fixed set of CPUs.
	AffineCores
	// AffineIRQ applies the request to the CPUs an interrupt is routed to and
	// follows that routing as it changes.
	AffineIRQ
)

func (k AffinityKind) String() string {
	switch k {
	case AllCores:
		return "all_cores"
	case AffineCores:
		return "affine_cores"
	case AffineIRQ:
		return "affine_irq"
	}
	return fmt.Sprintf("AffinityKind(%d)", int(k))
}

// Request is a caller's standing vote on a class's value. The zero value is
// an inactive AllCores request. A request belongs to at most one class at a
// time, and its owner must not call Add, Update and Remove concurrently.
type Request struct {
	class      atomic.Pointer[Class]
	activation atomic.Uint64

	kind AffinityKind
	mask cpuset.CPUSet
	irq  int
	sub  IRQSubscription
	site string

	// cpus and node are guarded by the owning registry's lock.
	cpus cpuset.CPUSet
	node *plistNode

	expiry expiry
}

// NewAffineRequest returns an inactive request that applies to cpus only.
func NewAffineRequest(cpus cpuset.CPUSet) *Request {
	return &Request{kind: AffineCores, mask: cpus.Clone()}
}

// NewIRQRequest returns an inactive request that follows the affinity of irq.
func NewIRQRequest(irq int) *Request {
	return &Request{kind: AffineIRQ, irq: irq}
}

// Kind returns the request's affinity kind. A request whose affinity could not
// be set up reports AllCores after Add.
func (r *Request) Kind() AffinityKind {
	return r.kind
}

// Active reports whether the request is in a class.
func (r *Request) Active() bool {
	return r != nil && r.class.Load() != nil
}

// Class returns the class the request is in, or nil.
func (r *Request) Class() *Class {
	return r.class.Load()
}

// CPUs returns the CPUs the request currently applies to. It is empty for an
// inactive request.
func (r *Request) CPUs() cpuset.CPUSet {
	c := r.class.Load()
	if c == nil {
		return cpuset.New()
	}
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return r.cpus.Clone()
}

// Value returns the request's own resolved value.
func (r *Request) Value() (int32, error) {
	c := r.class.Load()
	if c == nil {
		return 0, ErrNoData
	}
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	if r.node == nil || !c.c.list.contains(r.node) {
		return 0, ErrNoData
	}
	return r.node.value, nil
}

func callerSite(skip int) string {
	pc, _, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	name := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = path.Base(fn.Name())
	}
	return fmt.Sprintf("%s:%d", name, line)
}

// AddRequest inserts req into the class with the given value and recomputes
// the aggregate.
func (c *Class) AddRequest(req *Request, value int32) error {
	if req == nil {
		klog.Warningf("qos: %s: AddRequest called with nil request", c.name)
		return ErrNilRequest
	}
	if req.Active() {
		klog.Warningf("qos: %s: AddRequest called for already added request", c.name)
		return ErrRequestActive
	}

	gen := req.activation.Add(1)
	req.site = callerSite(1)
	c.reg.setupAffinity(c, req, gen)

	req.class.Store(c)
	c.apply(req, actionAdd, value, nil)
	return nil
}

// setupAffinity stores the initial CPU mask of req, subscribing to IRQ
// affinity changes for AffineIRQ requests. Setup failures fall back to all
// CPUs with a warning.
func (r *Registry) setupAffinity(c *Class, req *Request, gen uint64) {
	if req.kind == AffineIRQ && r.subscribeIRQ(c, req, gen) {
		return
	}
	r.setCPUs(req, r.staticAffinity(c, req))
}

func (r *Registry) setCPUs(req *Request, cpus cpuset.CPUSet) {
	r.mu.Lock()
	req.cpus = cpus
	r.mu.Unlock()
}

// staticAffinity returns the mask of a request that does not follow an IRQ.
func (r *Registry) staticAffinity(c *Class, req *Request) cpuset.CPUSet {
	switch req.kind {
	case AllCores:
	case AffineCores:
		if !req.mask.IsEmpty() {
			return req.mask.Clone()
		}
		klog.Warningf("qos: %s: affine cores not set for request with affinity flag", c.name)
		req.kind = AllCores
	case AffineIRQ:
		req.kind = AllCores
	default:
		klog.Warningf("qos: %s: unknown request type %d", c.name, int(req.kind))
		req.kind = AllCores
	}
	return r.AllCPUs()
}

// subscribeIRQ reads the IRQ's mask once, stores it on req and subscribes
// relative to it. It reports false when req must fall back to all CPUs.
func (r *Registry) subscribeIRQ(c *Class, req *Request, gen uint64) bool {
	if r.irqs == nil || !r.irqs.CanSetAffinity(req.irq) {
		klog.Warningf("qos: %s: IRQ-%d not set for request with affinity flag", c.name, req.irq)
		return false
	}
	mask, err := r.irqs.Affinity(req.irq)
	if err != nil {
		klog.Warningf("qos: %s: failed to read IRQ-%d affinity: %v", c.name, req.irq, err)
		return false
	}

	// The mask must be in place before the first change can arrive.
	r.setCPUs(req, mask)
	sub, err := r.irqs.Subscribe(req.irq, mask, IRQAffinityNotify{
		OnChange: func(mask cpuset.CPUSet) {
			c.irqAffinityChanged(req, gen, mask)
		},
		OnRelease: func() {
			c.irqAffinityReleased(req, gen)
		},
	})
	if err != nil {
		klog.Warningf("qos: %s: IRQ-%d affinity notify set failed: %v", c.name, req.irq, err)
		return false
	}
	req.sub = sub
	return true
}

func (c *Class) irqAffinityChanged(req *Request, gen uint64, mask cpuset.CPUSet) {
	c.reg.mu.Lock()
	if req.activation.Load() != gen {
		c.reg.mu.Unlock()
		return
	}
	req.cpus = mask.Clone()
	c.reg.mu.Unlock()

	c.apply(req, actionRefresh, 0, nil)
}

func (c *Class) irqAffinityReleased(req *Request, gen uint64) {
	c.reg.mu.Lock()
	if req.activation.Load() != gen {
		c.reg.mu.Unlock()
		return
	}
	req.cpus = c.reg.AllCPUs()
	c.reg.mu.Unlock()

	c.apply(req, actionUpdate, DefaultValue, nil)
}

// Update changes the request's value. Any pending timeout is cancelled first.
func (r *Request) Update(value int32) error {
	return r.UpdateParam(value, nil)
}

// UpdateParam is Update with an explicit notifier context.
func (r *Request) UpdateParam(value int32, param any) error {
	c, err := r.activeClass("Update")
	if err != nil {
		return err
	}

	r.expiry.cancelSync()
	c.apply(r, actionUpdate, value, param)
	return nil
}

// UpdateWithTimeout applies value now and reverts the request to DefaultValue
// once d has elapsed, unless another Update, UpdateWithTimeout or Remove
// comes first.
func (r *Request) UpdateWithTimeout(value int32, d time.Duration) error {
	c, err := r.activeClass("UpdateWithTimeout")
	if err != nil {
		return err
	}

	r.expiry.cancelSync()
	c.apply(r, actionUpdate, value, nil)
	r.expiry.schedule(d, func() {
		if r.class.Load() != c {
			return
		}
		c.apply(r, actionUpdate, DefaultValue, nil)
	})
	return nil
}

// TimeoutPending reports whether a timeout is scheduled and has not fired.
func (r *Request) TimeoutPending() bool {
	return r.expiry.pending()
}

// Remove takes the request out of its class and resets it to the zero value.
// Remove must not be called again without an intervening Add.
func (r *Request) Remove() error {
	c, err := r.activeClass("Remove")
	if err != nil {
		return err
	}

	r.expiry.cancelSync()

	// Affinity callbacks still in flight for this activation become no-ops.
	c.reg.mu.Lock()
	r.activation.Add(1)
	c.reg.mu.Unlock()

	if r.kind == AffineIRQ && r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			klog.Warningf("qos: %s: IRQ-%d affinity notify release failed: %v", c.name, r.irq, err)
		}
	}

	c.apply(r, actionRemove, DefaultValue, nil)

	c.reg.mu.Lock()
	r.cpus = cpuset.CPUSet{}
	r.node = nil
	c.reg.mu.Unlock()

	r.kind = AllCores
	r.mask = cpuset.CPUSet{}
	r.irq = 0
	r.sub = nil
	r.site = ""
	r.class.Store(nil)
	return nil
}

func (r *Request) activeClass(op string) (*Class, error) {
	if r == nil {
		klog.Warningf("qos: %s called with nil request", op)
		return nil, ErrNilRequest
	}
	c := r.class.Load()
	if c == nil {
		klog.Warningf("qos: %s called for unknown object", op)
		return nil, ErrRequestInactive
	}
	return c, nil
}
