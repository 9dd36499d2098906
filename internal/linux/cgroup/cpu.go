package cgroup

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// DefaultCPUPeriod is the cpu.max period the kernel uses when none is given.
const DefaultCPUPeriod uint64 = 100000

// CPUSubSystem holds settings for the cpu controller. Nil fields are left
// untouched.
type CPUSubSystem struct {
	// cpu.weight: CPU time distribution weight (1 ~ 10000)
	Weight *uint64

	// cpu.max: Quota is the $MAX value, negative means unlimited.
	Quota  *int64
	Period *uint64

	// cpu.max.burst
	MaxBurst *uint64

	// cpu.idle (0 or 1)
	Idle *int64
}

func (c *CPUSubSystem) Name() string {
	return "cpu"
}

func (c *CPUSubSystem) Setup(path string) error {
	if c.Weight != nil {
		if *c.Weight < 1 || *c.Weight > 10000 {
			return errors.Newf("cpu subsystem: weight %d out of range [1, 10000]", *c.Weight)
		}
		if err := writeCgroupFile(path, "cpu.weight", fmt.Sprintf("%d", *c.Weight)); err != nil {
			return errors.Wrap(err, "cpu subsystem: failed to set cpu.weight")
		}
	}

	if c.Quota != nil || c.Period != nil {
		period := DefaultCPUPeriod
		if c.Period != nil && *c.Period != 0 {
			period = *c.Period
		}
		quota := "max"
		if c.Quota != nil {
			quota = formatMax(*c.Quota)
		}
		if err := writeCgroupFile(path, "cpu.max", fmt.Sprintf("%s %d", quota, period)); err != nil {
			return errors.Wrap(err, "cpu subsystem: failed to set cpu.max")
		}
	}

	if c.MaxBurst != nil {
		if err := writeCgroupFile(path, "cpu.max.burst", fmt.Sprintf("%d", *c.MaxBurst)); err != nil {
			return errors.Wrap(err, "cpu subsystem: failed to set cpu.max.burst")
		}
	}

	if c.Idle != nil {
		if err := writeCgroupFile(path, "cpu.idle", fmt.Sprintf("%d", *c.Idle)); err != nil {
			return errors.Wrap(err, "cpu subsystem: failed to set cpu.idle")
		}
	}
	return nil
}

func (c *CPUSubSystem) Clean(path string) error {
	if c.Weight != nil {
		if err := writeCgroupFile(path, "cpu.weight", "100"); err != nil {
			return errors.Wrap(err, "cpu subsystem: failed to reset cpu.weight")
		}
	}
	if c.Quota != nil || c.Period != nil {
		if err := writeCgroupFile(path, "cpu.max", fmt.Sprintf("max %d", DefaultCPUPeriod)); err != nil {
			return errors.Wrap(err, "cpu subsystem: failed to reset cpu.max")
		}
	}
	if c.MaxBurst != nil {
		if err := writeCgroupFile(path, "cpu.max.burst", "0"); err != nil {
			return errors.Wrap(err, "cpu subsystem: failed to reset cpu.max.burst")
		}
	}
	if c.Idle != nil {
		if err := writeCgroupFile(path, "cpu.idle", "0"); err != nil {
			return errors.Wrap(err, "cpu subsystem: failed to reset cpu.idle")
		}
	}
	return nil
}

// SharesToWeight converts cgroup v1 cpu.shares, as carried in OCI specs, to
// a cgroup v2 cpu.weight.
func SharesToWeight(shares uint64) uint64 {
	if shares == 0 {
		return 0
	}
	if shares < 2 {
		shares = 2
	}
	if shares > 262144 {
		shares = 262144
	}
	return 1 + ((shares-2)*9999)/262142
}
