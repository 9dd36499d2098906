package cgroup

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"k8s.io/klog/v2"
)

// DefaultRoot is where the cgroup v2 hierarchy is normally mounted.
const DefaultRoot = "/sys/fs/cgroup"

// Manager writes controller settings into one cgroup.
type Manager struct {
	root  string
	group string
	// created is set when Setup made the group directory.
	created bool
}

// SubSystem represents a cgroup v2 controller.
type SubSystem interface {
	Name() string
	Setup(path string) error
	Clean(path string) error
}

// NewManager returns a manager for group below root.
func NewManager(root, group string) *Manager {
	if root == "" {
		root = DefaultRoot
	}
	return &Manager{root: root, group: group}
}

// Path returns the cgroup directory.
func (m *Manager) Path() string {
	return filepath.Join(m.root, m.group)
}

// Setup creates the cgroup, enables the controllers subsystems need in the
// parent and applies them.
func (m *Manager) Setup(subsystems []SubSystem) error {
	path := m.Path()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		m.created = true
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrapf(err, "cgroup: failed to create cgroup %s", path)
	}

	var controllers []string
	seen := make(map[string]bool)
	for _, s := range subsystems {
		if name := s.Name(); !seen[name] {
			seen[name] = true
			controllers = append(controllers, "+"+name)
		}
	}
	if len(controllers) > 0 && path != m.root {
		ctrl := filepath.Join(filepath.Dir(path), "cgroup.subtree_control")
		if err := os.WriteFile(ctrl, []byte(strings.Join(controllers, " ")), 0o644); err != nil {
			return errors.Wrapf(err, "cgroup: failed to enable controllers in %s", ctrl)
		}
	}

	return m.Apply(subsystems)
}

// Apply writes every subsystem's settings into an existing cgroup.
func (m *Manager) Apply(subsystems []SubSystem) error {
	path := m.Path()
	for _, s := range subsystems {
		if err := s.Setup(path); err != nil {
			return errors.Wrapf(err, "cgroup: subsystem %s setup failed", s.Name())
		}
	}
	return nil
}

// Clean writes kernel defaults back for every subsystem. A group Setup
// created is removed afterwards; one that still holds tasks is kept.
func (m *Manager) Clean(subsystems []SubSystem) error {
	path := m.Path()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	for _, s := range subsystems {
		if err := s.Clean(path); err != nil {
			return errors.Wrapf(err, "cgroup: subsystem %s clean failed", s.Name())
		}
	}
	if !m.created || path == m.root {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		klog.Warningf("cgroup: keeping %s: %v", path, err)
		return nil
	}
	m.created = false
	return nil
}

func writeCgroupFile(dir, name, value string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(value), 0o644)
}

func formatMax(v int64) string {
	if v < 0 {
		return "max"
	}
	return formatInt(v)
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
