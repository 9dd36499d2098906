package cgroup

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/opencontainers/runtime-spec/specs-go"
)

// UnifiedSubSystem writes one raw cgroup v2 file, as carried in the unified
// map of an OCI resources block.
type UnifiedSubSystem struct {
	Key   string
	Value string
}

func (u *UnifiedSubSystem) Name() string {
	name, _, _ := strings.Cut(u.Key, ".")
	return name
}

func (u *UnifiedSubSystem) Setup(path string) error {
	if strings.ContainsRune(u.Key, '/') || !strings.Contains(u.Key, ".") {
		return errors.Newf("unified subsystem: invalid key %q", u.Key)
	}
	if err := writeCgroupFile(path, u.Key, u.Value); err != nil {
		return errors.Wrapf(err, "unified subsystem: failed to set %s", u.Key)
	}
	return nil
}

// unifiedDefaults are the values the kernel gives a new cgroup.
var unifiedDefaults = map[string]string{
	"cpu.weight":       "100",
	"cpu.weight.nice":  "0",
	"cpu.idle":         "0",
	"cpu.max.burst":    "0",
	"memory.min":       "0",
	"memory.low":       "0",
	"memory.high":      "max",
	"memory.max":       "max",
	"memory.swap.max":  "max",
	"memory.oom.group": "0",
	"pids.max":         "max",
}

func unifiedDefault(key string) (string, bool) {
	if v, ok := unifiedDefaults[key]; ok {
		return v, true
	}
	if strings.HasPrefix(key, "hugetlb.") && strings.HasSuffix(key, ".max") {
		return "max", true
	}
	return "", false
}

// Clean writes the kernel default of the key back. Keys without a known
// default are left alone.
func (u *UnifiedSubSystem) Clean(path string) error {
	value, ok := unifiedDefault(u.Key)
	if !ok || strings.ContainsRune(u.Key, '/') {
		return nil
	}
	if err := writeCgroupFile(path, u.Key, value); err != nil {
		return errors.Wrapf(err, "unified subsystem: failed to reset %s", u.Key)
	}
	return nil
}

// SubSystemsFor translates an OCI resources block into subsystems. Only the
// fields that are set produce writes.
func SubSystemsFor(res *specs.LinuxResources) []SubSystem {
	if res == nil {
		return nil
	}
	var subSystems []SubSystem

	if cpu := res.CPU; cpu != nil {
		cpuSubSys := &CPUSubSystem{
			Quota:    cpu.Quota,
			Period:   cpu.Period,
			MaxBurst: cpu.Burst,
			Idle:     cpu.Idle,
		}
		if cpu.Shares != nil && *cpu.Shares != 0 {
			weight := SharesToWeight(*cpu.Shares)
			cpuSubSys.Weight = &weight
		}
		if cpuSubSys.Weight != nil || cpuSubSys.Quota != nil || cpuSubSys.Period != nil ||
			cpuSubSys.MaxBurst != nil || cpuSubSys.Idle != nil {
			subSystems = append(subSystems, cpuSubSys)
		}
	}

	if mem := res.Memory; mem != nil {
		memorySubSys := &MemorySubSystem{
			Max: mem.Limit,
			Low: mem.Reservation,
		}
		if mem.Swap != nil {
			// OCI swap is memory+swap.
			swap := *mem.Swap
			if swap > 0 && mem.Limit != nil && *mem.Limit > 0 {
				swap -= *mem.Limit
			}
			memorySubSys.SwapMax = &swap
		}
		if mem.DisableOOMKiller != nil {
			oomGroup := int64(0)
			if *mem.DisableOOMKiller {
				oomGroup = 1
			}
			memorySubSys.OOMGroup = &oomGroup
		}
		subSystems = append(subSystems, memorySubSys)
	}

	if res.Pids != nil {
		subSystems = append(subSystems, NewPidsSubSystem(res.Pids.Limit))
	}

	if len(res.HugepageLimits) > 0 {
		hugepageSubSys := &HugepageSubSystem{Pages: make(map[string]uint64)}
		for _, hugepage := range res.HugepageLimits {
			hugepageSubSys.Pages[hugepage.Pagesize] = hugepage.Limit
		}
		subSystems = append(subSystems, hugepageSubSys)
	}

	keys := make([]string, 0, len(res.Unified))
	for key := range res.Unified {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		subSystems = append(subSystems, &UnifiedSubSystem{Key: key, Value: res.Unified[key]})
	}

	return subSystems
}
