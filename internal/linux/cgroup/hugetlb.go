package cgroup

import (
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
)

type HugepageSubSystem struct {
	Pages map[string]uint64 // map of hugepage size to limit value
}

func (h *HugepageSubSystem) Name() string {
	return "hugetlb"
}

func (h *HugepageSubSystem) sizes() []string {
	sizes := make([]string, 0, len(h.Pages))
	for size := range h.Pages {
		sizes = append(sizes, size)
	}
	sort.Strings(sizes)
	return sizes
}

// Setup applies hugepage subsystem limits.
func (h *HugepageSubSystem) Setup(path string) error {
	for _, pageSize := range h.sizes() {
		filename := "hugetlb." + pageSize + ".max"
		if err := writeCgroupFile(path, filename, strconv.FormatUint(h.Pages[pageSize], 10)); err != nil {
			return errors.Wrapf(err, "hugetlb subsystem: failed to set %s", filename)
		}
	}
	return nil
}

func (h *HugepageSubSystem) Clean(path string) error {
	for _, pageSize := range h.sizes() {
		filename := "hugetlb." + pageSize + ".max"
		if err := writeCgroupFile(path, filename, "max"); err != nil {
			return errors.Wrapf(err, "hugetlb subsystem: failed to reset %s", filename)
		}
	}
	return nil
}
