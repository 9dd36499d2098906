package cgroup

import (
	"github.com/cockroachdb/errors"
)

// MemorySubSystem holds settings for the memory controller. Nil fields are
// left untouched; negative limits mean unlimited.
type MemorySubSystem struct {
	Low      *int64
	High     *int64
	Max      *int64
	SwapMax  *int64
	OOMGroup *int64
}

func (m *MemorySubSystem) Name() string {
	return "memory"
}

func (m *MemorySubSystem) files() []struct {
	name  string
	value *int64
	limit bool
} {
	return []struct {
		name  string
		value *int64
		limit bool
	}{
		{"memory.low", m.Low, false},
		{"memory.high", m.High, true},
		{"memory.max", m.Max, true},
		{"memory.swap.max", m.SwapMax, true},
		{"memory.oom.group", m.OOMGroup, false},
	}
}

// Setup applies memory subsystem limits
func (m *MemorySubSystem) Setup(path string) error {
	for _, f := range m.files() {
		if f.value == nil {
			continue
		}
		value := formatInt(*f.value)
		if f.limit {
			value = formatMax(*f.value)
		}
		if err := writeCgroupFile(path, f.name, value); err != nil {
			return errors.Wrapf(err, "memory subsystem: failed to set %s", f.name)
		}
	}
	return nil
}

func (m *MemorySubSystem) Clean(path string) error {
	for _, f := range m.files() {
		if f.value == nil {
			continue
		}
		value := "0"
		if f.limit {
			value = "max"
		}
		if err := writeCgroupFile(path, f.name, value); err != nil {
			return errors.Wrapf(err, "memory subsystem: failed to reset %s", f.name)
		}
	}
	return nil
}
