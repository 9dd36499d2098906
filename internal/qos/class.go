package qos

import (
	"fmt"
	"io"

	"k8s.io/klog/v2"
	"k8s.io/utils/cpuset"
)

type action int

const (
	actionAdd action = iota + 1
	actionUpdate
	actionRemove
	// actionRefresh reinserts a request at its current value after its
	// affinity mask changed.
	actionRefresh
)

func (a action) String() string {
	switch a {
	case actionAdd:
		return "add"
	case actionUpdate:
		return "update"
	case actionRemove:
		return "remove"
	case actionRefresh:
		return "refresh"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Class is one constraint set: the requests voting on a value, the rule that
// combines them and the notifiers watching the result.
type Class struct {
	id   ClassID
	name string
	reg  *Registry

	// c is guarded by reg.mu.
	c *constraints

	notifiers notifierChain
}

// ID returns the class ID.
func (c *Class) ID() ClassID {
	return c.id
}

// Name returns the class name.
func (c *Class) Name() string {
	return c.name
}

// Type returns the aggregation type.
func (c *Class) Type() Type {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return c.c.typ
}

// DefaultValue returns the value DefaultValue requests resolve to.
func (c *Class) DefaultValue() int32 {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return c.c.defaultValue
}

// Value returns the current aggregate.
func (c *Class) Value() int32 {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return c.c.target
}

// ValueForCPU returns the aggregate of the requests whose affinity includes
// cpu.
func (c *Class) ValueForCPU(cpu int) int32 {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()

	if cpu < 0 || cpu >= len(c.c.targetPerCPU) {
		klog.Warningf("qos: %s: CPU %d out of range [0, %d)", c.name, cpu, len(c.c.targetPerCPU))
		return c.c.defaultValue
	}
	return c.c.targetPerCPU[cpu]
}

// ValueForCPUMask folds the per-CPU aggregates of the CPUs in mask.
func (c *Class) ValueForCPUMask(mask cpuset.CPUSet) int32 {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return c.c.valueForCPUMask(mask)
}

// AddNotifier appends n to the class's notifier chain.
func (c *Class) AddNotifier(n Notifier) error {
	return c.notifiers.register(n)
}

// RemoveNotifier removes n from the class's notifier chain.
func (c *Class) RemoveNotifier(n Notifier) error {
	return c.notifiers.unregister(n)
}

// Stats returns a snapshot of the class.
func (c *Class) Stats() Stats {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()

	cs := c.c
	s := Stats{
		Name:    c.name,
		Type:    cs.typ,
		Target:  cs.target,
		Default: cs.defaultValue,
		PerCPU:  append([]int32(nil), cs.targetPerCPU...),
	}
	cs.list.each(func(n *plistNode) {
		s.TotalRequests++
		if n.value != cs.defaultValue {
			s.ActiveRequests++
		}
	})
	return s
}

var dumpTypeNames = map[Type]string{
	Min:      "Minimum",
	Max:      "Maximum",
	Sum:      "Sum",
	ForceMax: "Force maximum",
}

// Dump writes a listing of every request in the class and the aggregate.
func (c *Class) Dump(w io.Writer) error {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()

	cs := c.c
	if cs.list.empty() {
		_, err := io.WriteString(w, "Empty!\n")
		return err
	}

	typ, ok := dumpTypeNames[cs.typ]
	if !ok {
		typ = "Unknown"
	}

	var total, active int
	var err error
	cs.list.each(func(n *plistNode) {
		if err != nil {
			return
		}
		state := "Default"
		if n.value != cs.defaultValue {
			active++
			state = "Active"
		}
		total++
		_, err = fmt.Fprintf(w, "%d: %d: %s(%s)\n", total, n.value, state, n.req.site)
	})
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "Type=%s, Value=%d, Requests: active=%d / total=%d\n",
		typ, cs.aggregate(), active, total)
	return err
}

// apply runs one mutation of the class and fires the notifier chain when
// needed. It reports whether the aggregate changed; ForceMax classes always
// report a change.
func (c *Class) apply(req *Request, act action, value int32, param any) bool {
	c.reg.mu.Lock()

	cs := c.c
	prev := cs.aggregate()
	newValue := value
	if value == DefaultValue {
		newValue = cs.defaultValue
	}

	switch act {
	case actionAdd:
		if req.node != nil {
			c.reg.mu.Unlock()
			klog.Warningf("qos: %s: request already in a list", c.name)
			return false
		}
		req.node = &plistNode{req: req}
		cs.list.add(req.node, newValue)
	case actionUpdate, actionRefresh:
		if req.node == nil || !cs.list.contains(req.node) {
			c.reg.mu.Unlock()
			return false
		}
		if act == actionRefresh {
			newValue = req.node.value
		}
		cs.list.del(req.node)
		cs.list.add(req.node, newValue)
	case actionRemove:
		if req.node == nil || !cs.list.contains(req.node) {
			c.reg.mu.Unlock()
			return false
		}
		cs.list.del(req.node)
		req.node = nil
	}

	curr := cs.aggregate()
	cs.target = curr
	cs.projectCPUs()
	typ := cs.typ

	c.reg.mu.Unlock()

	klog.V(2).Infof("qos: %s: %s %d: %d -> %d", c.name, act, newValue, prev, curr)

	if param == nil {
		param = c.id
	}

	if typ == ForceMax {
		c.notifiers.call(curr, param)
		return true
	}
	if prev != curr {
		c.notifiers.call(curr, param)
		return true
	}
	return false
}
