package config

import (
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/yoonhyunwoo/pmqos/internal/binding"
	"github.com/yoonhyunwoo/pmqos/internal/linux/cgroup"
	"github.com/yoonhyunwoo/pmqos/internal/linux/cpu"
	"github.com/yoonhyunwoo/pmqos/internal/linux/irq"
	"github.com/yoonhyunwoo/pmqos/internal/qos"
	"github.com/yoonhyunwoo/pmqos/internal/state"
)

const (
	// DefaultPath is where the daemon looks for its configuration.
	DefaultPath = "/etc/pmqos/config.yaml"
	// DefaultSocketDir holds one socket per class.
	DefaultSocketDir = "/run/pmqos/dev"
	// DefaultHTTPAddr serves metrics and debug listings.
	DefaultHTTPAddr = "127.0.0.1:9464"

	// DefaultFlagSet is the flag set served when none is configured.
	DefaultFlagSet = "device_flags"

	latencyDefault = 2000 * 1000 * 1000
	unbounded      = math.MaxInt32
)

// Class configures one constraint set.
type Class struct {
	Name    string   `yaml:"name" json:"name"`
	Type    qos.Type `yaml:"type" json:"type"`
	Default int32    `yaml:"default" json:"default"`
	// NoConstraint is the aggregate of an empty class. It defaults to Default.
	NoConstraint *int32 `yaml:"no_constraint,omitempty" json:"no_constraint,omitempty"`
	// DefaultFromCPUs replaces Default with the number of possible CPUs.
	DefaultFromCPUs bool `yaml:"default_from_cpus,omitempty" json:"default_from_cpus,omitempty"`
}

// Config is the daemon configuration.
type Config struct {
	// ReplaceClasses drops the built-in classes instead of merging into them.
	ReplaceClasses bool           `yaml:"replace_classes,omitempty"`
	Classes        []Class        `yaml:"classes"`
	Bindings       []binding.Spec `yaml:"bindings,omitempty"`
	// FlagSets names the flag request sets to serve next to the classes.
	FlagSets []string `yaml:"flag_sets,omitempty"`

	SocketDir       string        `yaml:"socket_dir"`
	StateDir        string        `yaml:"state_dir"`
	HTTPAddr        string        `yaml:"http_addr"`
	SysfsRoot       string        `yaml:"sysfs_root"`
	ProcfsRoot      string        `yaml:"procfs_root"`
	CgroupRoot      string        `yaml:"cgroup_root"`
	IRQPollInterval time.Duration `yaml:"irq_poll_interval"`
}

func class(name string, typ qos.Type, def int32) Class {
	return Class{Name: name, Type: typ, Default: def}
}

// DefaultClasses returns the built-in class table.
func DefaultClasses() []Class {
	return []Class{
		class("cpu_dma_latency", qos.Min, latencyDefault),
		class("network_latency", qos.Min, latencyDefault),
		class("cluster0_freq_min", qos.Max, 0),
		class("cluster0_freq_max", qos.Min, unbounded),
		class("cluster1_freq_min", qos.Max, 0),
		class("cluster1_freq_max", qos.Min, unbounded),
		class("device_throughput", qos.ForceMax, 0),
		class("intcam_throughput", qos.ForceMax, 0),
		class("device_throughput_max", qos.Min, unbounded),
		class("intcam_throughput_max", qos.Min, unbounded),
		class("bus_throughput", qos.Max, 0),
		class("bus_throughput_max", qos.Min, unbounded),
		class("network_throughput", qos.Max, 0),
		class("memory_bandwidth", qos.Sum, 0),
		class("cpu_online_min", qos.Max, 1),
		{Name: "cpu_online_max", Type: qos.Min, DefaultFromCPUs: true},
		class("display_throughput", qos.Max, 0),
		class("display_throughput_max", qos.Min, unbounded),
		class("cam_throughput", qos.Max, 0),
		class("cam_throughput_max", qos.Min, unbounded),
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Classes:         DefaultClasses(),
		FlagSets:        []string{DefaultFlagSet},
		SocketDir:       DefaultSocketDir,
		StateDir:        state.DefaultDir,
		HTTPAddr:        DefaultHTTPAddr,
		SysfsRoot:       cpu.DefaultSysfsRoot,
		ProcfsRoot:      irq.DefaultProcRoot,
		CgroupRoot:      cgroup.DefaultRoot,
		IRQPollInterval: irq.DefaultPollInterval,
	}
}

// Load reads path and merges it over Default. Classes in the file replace
// built-in classes of the same name and add the rest.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: failed to open %s", path)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "config: failed to load %s", path)
	}
	return cfg, nil
}

// Decode is Load on a reader.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	cfg.Classes = nil

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "config: failed to decode YAML")
	}

	if !cfg.ReplaceClasses {
		cfg.Classes = mergeClasses(DefaultClasses(), cfg.Classes)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeClasses(base, over []Class) []Class {
	index := make(map[string]int, len(base))
	for i, c := range base {
		index[c.Name] = i
	}
	for _, c := range over {
		if i, ok := index[c.Name]; ok {
			base[i] = c
			continue
		}
		index[c.Name] = len(base)
		base = append(base, c)
	}
	return base
}

// Validate rejects configurations the daemon cannot run.
func (c *Config) Validate() error {
	if len(c.Classes) == 0 {
		return errors.New("config: no classes configured")
	}
	seen := make(map[string]bool, len(c.Classes))
	for i, cl := range c.Classes {
		if cl.Name == "" {
			return errors.Newf("config: class %d has no name", i)
		}
		if seen[cl.Name] {
			return errors.Newf("config: duplicate class %q", cl.Name)
		}
		seen[cl.Name] = true
		if _, err := qos.ParseType(cl.Type.String()); err != nil {
			return errors.Wrapf(err, "config: class %q", cl.Name)
		}
	}
	for _, b := range c.Bindings {
		if err := b.Validate(); err != nil {
			return errors.Wrap(err, "config")
		}
		if !seen[b.Class] {
			return errors.Newf("config: binding names unknown class %q", b.Class)
		}
	}
	flagSets := make(map[string]bool, len(c.FlagSets))
	for _, name := range c.FlagSets {
		if name == "" || strings.ContainsRune(name, '/') {
			return errors.Newf("config: invalid flag set name %q", name)
		}
		if flagSets[name] {
			return errors.Newf("config: duplicate flag set %q", name)
		}
		flagSets[name] = true
	}
	if c.IRQPollInterval < 0 {
		return errors.Newf("config: negative irq_poll_interval %s", c.IRQPollInterval)
	}
	return nil
}

// ClassConfigs resolves the class table for a machine with numCPUs
// possible CPUs.
func (c *Config) ClassConfigs(numCPUs int) []qos.ClassConfig {
	out := make([]qos.ClassConfig, 0, len(c.Classes))
	for _, cl := range c.Classes {
		def := cl.Default
		if cl.DefaultFromCPUs {
			def = int32(numCPUs)
		}
		noConstraint := def
		if cl.NoConstraint != nil {
			noConstraint = *cl.NoConstraint
		}
		out = append(out, qos.ClassConfig{
			Name:              cl.Name,
			Type:              cl.Type,
			DefaultValue:      def,
			NoConstraintValue: noConstraint,
		})
	}
	return out
}

// Encode writes c as YAML.
func (c *Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return errors.Wrap(err, "config: failed to encode YAML")
	}
	return enc.Close()
}
