package metrics

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yoonhyunwoo/pmqos/internal/qos"
)

const namespace = "pmqos"

// Metrics exports class state on a private Prometheus registry.
type Metrics struct {
	reg *prometheus.Registry

	target        *prometheus.GaugeVec
	cpuTarget     *prometheus.GaugeVec
	notifications *prometheus.CounterVec
	requests      *prometheus.GaugeVec
}

// New returns a Metrics with its collectors registered.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		target: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_value",
			Help:      "Aggregate value of a class.",
		}, []string{"class"}),
		cpuTarget: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cpu_target_value",
			Help:      "Aggregate value of a class on one CPU.",
		}, []string{"class", "cpu"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications delivered for a class.",
		}, []string{"class"}),
		requests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests",
			Help:      "Requests in a class, by whether they hold the default value.",
		}, []string{"class", "state"}),
	}
	m.reg.MustRegister(
		m.target,
		m.cpuTarget,
		m.notifications,
		m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Observe copies c's current state into the gauges.
func (m *Metrics) Observe(c *qos.Class) {
	s := c.Stats()
	m.target.WithLabelValues(s.Name).Set(float64(s.Target))
	for cpu, v := range s.PerCPU {
		m.cpuTarget.WithLabelValues(s.Name, strconv.Itoa(cpu)).Set(float64(v))
	}
	m.requests.WithLabelValues(s.Name, "active").Set(float64(s.ActiveRequests))
	m.requests.WithLabelValues(s.Name, "default").Set(float64(s.TotalRequests - s.ActiveRequests))
}

type observer struct {
	m *Metrics
	c *qos.Class
}

func (o *observer) Notify(int32, any) {
	o.m.notifications.WithLabelValues(o.c.Name()).Inc()
	o.m.Observe(o.c)
}

// Watch observes every class of reg now and after each notification.
func (m *Metrics) Watch(reg *qos.Registry) error {
	for _, c := range reg.Classes() {
		m.Observe(c)
		m.notifications.WithLabelValues(c.Name())
		if err := c.AddNotifier(&observer{m: m, c: c}); err != nil {
			return errors.Wrapf(err, "metrics: failed to register on %s", c.Name())
		}
	}
	return nil
}
