package qos

import (
	"github.com/cockroachdb/errors"
	"k8s.io/utils/cpuset"
)

// constraints holds the aggregation state of a class. Every field is guarded
// by the registry lock.
type constraints struct {
	list              *plist
	typ               Type
	target            int32
	targetPerCPU      []int32
	defaultValue      int32
	noConstraintValue int32
}

func newConstraints(cfg ClassConfig, numCPUs int) *constraints {
	c := &constraints{
		list:              newPlist(),
		typ:               cfg.Type,
		target:            cfg.DefaultValue,
		targetPerCPU:      make([]int32, numCPUs),
		defaultValue:      cfg.DefaultValue,
		noConstraintValue: cfg.NoConstraintValue,
	}
	for cpu := range c.targetPerCPU {
		c.targetPerCPU[cpu] = cfg.DefaultValue
	}
	return c
}

func unknownType(t Type) error {
	return errors.AssertionFailedf("qos: unknown aggregation type %d", int(t))
}

// aggregate computes the effective value of the list.
func (c *constraints) aggregate() int32 {
	if c.list.empty() {
		return c.noConstraintValue
	}

	switch c.typ {
	case Min:
		return c.list.first().value
	case Max, ForceMax:
		return c.list.last().value
	case Sum:
		var total int32
		c.list.each(func(n *plistNode) {
			total += n.value
		})
		return total
	default:
		panic(unknownType(c.typ))
	}
}

// combine folds value into acc under the class's aggregation rule.
func (c *constraints) combine(acc, value int32) int32 {
	switch c.typ {
	case Min:
		if value < acc {
			return value
		}
		return acc
	case Max:
		if value > acc {
			return value
		}
		return acc
	case ForceMax:
		return value
	default:
		panic(unknownType(c.typ))
	}
}

// projectCPUs recomputes targetPerCPU by replaying every request against the
// CPUs in its affinity mask. CPUs no request covers keep the default.
func (c *constraints) projectCPUs() {
	perCPU := make([]int32, len(c.targetPerCPU))
	covered := make([]bool, len(perCPU))
	for cpu := range perCPU {
		perCPU[cpu] = c.defaultValue
	}

	c.list.each(func(n *plistNode) {
		for _, cpu := range n.req.cpus.UnsortedList() {
			if cpu < 0 || cpu >= len(perCPU) {
				continue
			}
			if c.typ == Sum {
				if !covered[cpu] {
					perCPU[cpu] = 0
				}
				perCPU[cpu] += n.value
			} else {
				perCPU[cpu] = c.combine(perCPU[cpu], n.value)
			}
			covered[cpu] = true
		}
	})

	copy(c.targetPerCPU, perCPU)
}

// valueForCPUMask folds the per-CPU targets of the CPUs in mask, starting from
// the default value.
func (c *constraints) valueForCPUMask(mask cpuset.CPUSet) int32 {
	val := c.defaultValue

	if c.typ == Sum {
		var total int32
		matched := false
		c.list.each(func(n *plistNode) {
			if n.req.cpus.Intersection(mask).IsEmpty() {
				return
			}
			total += n.value
			matched = true
		})
		if matched {
			return total
		}
		return val
	}

	for _, cpu := range mask.List() {
		if cpu < 0 || cpu >= len(c.targetPerCPU) {
			continue
		}
		val = c.combine(val, c.targetPerCPU[cpu])
	}
	return val
}
