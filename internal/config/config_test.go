package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yoonhyunwoo/pmqos/internal/binding"
	"github.com/yoonhyunwoo/pmqos/internal/qos"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Classes, 20)

	classes := cfg.ClassConfigs(8)
	byName := map[string]qos.ClassConfig{}
	for _, c := range classes {
		byName[c.Name] = c
	}
	require.Equal(t, qos.ClassConfig{
		Name: "cpu_dma_latency", Type: qos.Min, DefaultValue: 2000000000, NoConstraintValue: 2000000000,
	}, byName["cpu_dma_latency"])
	require.Equal(t, qos.ForceMax, byName["device_throughput"].Type)
	require.Equal(t, qos.Sum, byName["memory_bandwidth"].Type)
	require.EqualValues(t, 8, byName["cpu_online_max"].DefaultValue)
	require.EqualValues(t, 8, byName["cpu_online_max"].NoConstraintValue)
	require.EqualValues(t, 1, byName["cpu_online_min"].DefaultValue)

	reg, err := qos.NewRegistry(classes, 8)
	require.NoError(t, err)
	require.Len(t, reg.Classes(), 20)
}

func TestDecodeMergesOverDefaults(t *testing.T) {
	cfg, err := Decode(strings.NewReader(`
classes:
  - name: bus_throughput
    type: max
    default: 100
  - name: gpu_freq_min
    type: max
    default: 0
    no_constraint: 5
bindings:
  - class: gpu_freq_min
    kind: file
    target: /sys/class/devfreq/gpu/min_freq
    scale: 1000
socket_dir: /tmp/pmqos
irq_poll_interval: 250ms
`))
	require.NoError(t, err)
	require.Len(t, cfg.Classes, 21)
	require.Equal(t, "/tmp/pmqos", cfg.SocketDir)
	require.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	require.Equal(t, 250*time.Millisecond, cfg.IRQPollInterval)
	require.Equal(t, []binding.Spec{{
		Class: "gpu_freq_min", Kind: binding.File, Target: "/sys/class/devfreq/gpu/min_freq", Scale: 1000,
	}}, cfg.Bindings)

	classes := cfg.ClassConfigs(4)
	require.Equal(t, "bus_throughput", classes[10].Name)
	require.EqualValues(t, 100, classes[10].DefaultValue)
	require.Equal(t, qos.ClassConfig{
		Name: "gpu_freq_min", Type: qos.Max, DefaultValue: 0, NoConstraintValue: 5,
	}, classes[20])
}

func TestDecodeReplaceClasses(t *testing.T) {
	cfg, err := Decode(strings.NewReader(`
replace_classes: true
classes:
  - name: only
    type: sum
`))
	require.NoError(t, err)
	require.Len(t, cfg.Classes, 1)
}

func TestDecodeEmpty(t *testing.T) {
	cfg, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestDecodeRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown field":   "sockets: /x\n",
		"unknown type":    "classes:\n  - name: a\n    type: median\n",
		"missing type":    "classes:\n  - name: a\n",
		"empty name":      "classes:\n  - type: min\n",
		"duplicate":       "replace_classes: true\nclasses:\n  - {name: a, type: min}\n  - {name: a, type: max}\n",
		"no classes":      "replace_classes: true\n",
		"unbound class":   "bindings:\n  - {class: nope, kind: file, target: /x}\n",
		"bad kind":        "bindings:\n  - {class: bus_throughput, kind: cpu.shares, target: g}\n",
		"negative period": "irq_poll_interval: -1s\n",
	} {
		_, err := Decode(strings.NewReader(doc))
		require.Error(t, err, name)
	}
}

func TestLoadAndEncode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: 127.0.0.1:0\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:0", cfg.HTTPAddr)

	var buf bytes.Buffer
	require.NoError(t, cfg.Encode(&buf))
	again, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, cfg, again)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestFlagSets(t *testing.T) {
	require.Equal(t, []string{DefaultFlagSet}, Default().FlagSets)

	cfg, err := Decode(strings.NewReader("flag_sets: [gpu_flags, usb_flags]\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"gpu_flags", "usb_flags"}, cfg.FlagSets)

	for _, doc := range []string{
		"flag_sets: [a, a]\n",
		"flag_sets: ['']\n",
		"flag_sets: [a/b]\n",
	} {
		_, err := Decode(strings.NewReader(doc))
		require.Error(t, err, doc)
	}
}
