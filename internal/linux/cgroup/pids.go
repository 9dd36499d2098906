package cgroup

import (
	"github.com/cockroachdb/errors"
)

// PidsSubSystem limits the number of tasks. A non-positive limit means
// unlimited.
type PidsSubSystem struct {
	MaxPids int64
}

func NewPidsSubSystem(maxPids int64) *PidsSubSystem {
	return &PidsSubSystem{MaxPids: maxPids}
}

func (p *PidsSubSystem) Name() string {
	return "pids"
}

func (p *PidsSubSystem) Setup(path string) error {
	value := "max"
	if p.MaxPids > 0 {
		value = formatInt(p.MaxPids)
	}
	if err := writeCgroupFile(path, "pids.max", value); err != nil {
		return errors.Wrap(err, "pids subsystem: failed to set pids.max")
	}
	return nil
}

func (p *PidsSubSystem) Clean(path string) error {
	if err := writeCgroupFile(path, "pids.max", "max"); err != nil {
		return errors.Wrap(err, "pids subsystem: failed to reset pids.max")
	}
	return nil
}
