// Package daemon assembles the registry and everything that exposes it.
package daemon

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/tomb.v2"
	"k8s.io/klog/v2"

	"github.com/yoonhyunwoo/pmqos/internal/binding"
	"github.com/yoonhyunwoo/pmqos/internal/config"
	"github.com/yoonhyunwoo/pmqos/internal/devfs"
	"github.com/yoonhyunwoo/pmqos/internal/linux/cpu"
	"github.com/yoonhyunwoo/pmqos/internal/linux/irq"
	"github.com/yoonhyunwoo/pmqos/internal/metrics"
	"github.com/yoonhyunwoo/pmqos/internal/qos"
	"github.com/yoonhyunwoo/pmqos/internal/state"
)

const shutdownTimeout = 5 * time.Second

// Daemon owns a registry and serves it over class sockets and HTTP.
type Daemon struct {
	cfg *config.Config

	reg       *qos.Registry
	metrics   *metrics.Metrics
	store     *state.Store
	recorders []*state.Recorder
	bindings  *binding.Set
	flags     map[string]*qos.Flags
	devfs     *devfs.Server

	httpSrv  *http.Server
	listener net.Listener

	t       tomb.Tomb
	started bool
}

// New builds the registry described by cfg and attaches the metrics, state
// and binding notifiers. Nothing is served until Start.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cpus, err := cpu.Possible(cfg.SysfsRoot)
	if err != nil {
		return nil, errors.Wrap(err, "daemon: failed to detect CPUs")
	}
	numCPUs := cpu.Count(cpus)

	irqs := irq.New(cfg.ProcfsRoot, cfg.IRQPollInterval)
	reg, err := qos.NewRegistry(cfg.ClassConfigs(numCPUs), numCPUs, qos.WithIRQSubsystem(irqs))
	if err != nil {
		return nil, errors.Wrap(err, "daemon: failed to build registry")
	}

	d := &Daemon{
		cfg:     cfg,
		reg:     reg,
		metrics: metrics.New(),
		store:   state.NewStore(cfg.StateDir),
		flags:   make(map[string]*qos.Flags, len(cfg.FlagSets)),
		devfs:   devfs.NewServer(reg, cfg.SocketDir),
	}
	for _, name := range cfg.FlagSets {
		set := reg.NewFlags()
		d.flags[name] = set
		d.devfs.AddFlags(name, set)
	}
	if err := d.metrics.Watch(reg); err != nil {
		return nil, err
	}
	if err := d.store.Init(); err != nil {
		return nil, err
	}
	if d.recorders, err = d.store.Record(reg); err != nil {
		return nil, err
	}
	if d.bindings, err = binding.Attach(reg, cfg.Bindings, cfg.CgroupRoot); err != nil {
		d.stopRecorders()
		return nil, err
	}

	klog.InfoS("daemon: registry ready", "classes", len(reg.Classes()), "cpus", numCPUs)
	return d, nil
}

// Registry returns the daemon's registry.
func (d *Daemon) Registry() *qos.Registry {
	return d.reg
}

// Flags returns the flag set called name.
func (d *Daemon) Flags(name string) (*qos.Flags, bool) {
	set, ok := d.flags[name]
	return set, ok
}

// HTTPAddr returns the address the HTTP server listens on, or nil before
// Start or when HTTP is disabled.
func (d *Daemon) HTTPAddr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Start opens the class sockets and the HTTP listener.
func (d *Daemon) Start() error {
	if d.cfg.HTTPAddr != "" {
		l, err := net.Listen("tcp", d.cfg.HTTPAddr)
		if err != nil {
			return errors.Wrapf(err, "daemon: failed to listen on %s", d.cfg.HTTPAddr)
		}
		d.listener = l
		d.httpSrv = &http.Server{Handler: d.Handler(), ReadHeaderTimeout: 10 * time.Second}
	}

	if err := d.devfs.Start(); err != nil {
		if d.listener != nil {
			d.listener.Close()
		}
		return err
	}

	if d.httpSrv != nil {
		d.t.Go(func() error {
			klog.InfoS("daemon: serving HTTP", "addr", d.listener.Addr().String())
			if err := d.httpSrv.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "daemon: HTTP server failed")
			}
			return nil
		})
	}
	d.t.Go(func() error {
		select {
		case <-d.t.Dying():
		case <-d.devfs.Dead():
			d.t.Kill(errors.New("daemon: class socket server stopped"))
		}
		return d.shutdown()
	})
	d.started = true
	return nil
}

func (d *Daemon) shutdown() error {
	var result error
	if d.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		result = errors.CombineErrors(result, d.httpSrv.Shutdown(ctx))
	}
	return errors.CombineErrors(result, d.devfs.Stop())
}

func (d *Daemon) stopRecorders() {
	for _, r := range d.recorders {
		if err := r.Stop(); err != nil {
			klog.Warningf("daemon: %v", err)
		}
	}
	d.recorders = nil
}

// Stop shuts the servers down, releases every socket-held request, detaches
// the bindings and removes the snapshots.
func (d *Daemon) Stop() error {
	var err error
	if d.started {
		d.t.Kill(nil)
		err = d.t.Wait()
	}
	d.bindings.Detach()
	d.stopRecorders()
	klog.InfoS("daemon: stopped")
	return err
}

// Run starts the daemon and stops it when ctx is done or a server fails.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-d.t.Dying():
	}
	return d.Stop()
}
