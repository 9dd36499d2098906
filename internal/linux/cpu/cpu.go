package cpu

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
	"k8s.io/utils/cpuset"
)

// DefaultSysfsRoot is where sysfs is normally mounted.
const DefaultSysfsRoot = "/sys"

// cpuSetSize is CPU_SETSIZE, the capacity of unix.CPUSet.
const cpuSetSize = 1024

// Possible returns the CPUs the kernel may ever bring online, as listed under
// sysfsRoot. If the list cannot be read it falls back to the calling
// thread's affinity mask.
func Possible(sysfsRoot string) (cpuset.CPUSet, error) {
	possiblePath := filepath.Join(sysfsRoot, "devices", "system", "cpu", "possible")

	data, err := os.ReadFile(possiblePath)
	if err == nil {
		cpus, parseErr := cpuset.Parse(strings.TrimSpace(string(data)))
		if parseErr != nil {
			return cpuset.CPUSet{}, errors.Wrapf(parseErr, "cpu: failed to parse %s", possiblePath)
		}
		return cpus, nil
	}
	klog.V(2).Infof("cpu: failed to read %s, falling back to sched_getaffinity: %v", possiblePath, err)

	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return cpuset.CPUSet{}, errors.Wrap(err, "cpu: failed to get scheduler affinity")
	}
	var cpus []int
	for cpu := 0; cpu < cpuSetSize; cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpuset.New(cpus...), nil
}

// Count returns one more than the highest possible CPU number, the size of
// a per-CPU array indexed by CPU number.
func Count(cpus cpuset.CPUSet) int {
	highest := -1
	for _, cpu := range cpus.UnsortedList() {
		if cpu > highest {
			highest = cpu
		}
	}
	return highest + 1
}
