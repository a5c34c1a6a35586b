// Package metrics exports event and liveness counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ydb-platform/udev-monitor/internal/monitor"
	"github.com/ydb-platform/udev-monitor/internal/udev"
	"github.com/ydb-platform/udev-monitor/internal/uevent"
)

const namespace = "udev_monitor"

// Metrics owns a private registry so tests and several daemons in one process
// do not collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	failures      *prometheus.CounterVec
	observerState *prometheus.GaugeVec
	daemonRunning prometheus.Gauge
	lastSeqNum    prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Device events delivered by the monitor.",
		}, []string{"source", "action", "subsystem"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_failures_total",
			Help:      "Observers terminated by a receive error.",
		}, []string{"observer"}),
		observerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observer_state",
			Help:      "1 for the current state of each observer, 0 otherwise.",
		}, []string{"observer", "state"}),
		daemonRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udev_daemon_running",
			Help:      "Whether the udev daemon control socket exists.",
		}),
		lastSeqNum: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_event_seqnum",
			Help:      "Kernel sequence number of the last delivered event.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Event counts one delivered device event.
func (m *Metrics) Event(source uevent.Source, dev *uevent.Device) error {
	m.events.WithLabelValues(source.String(), dev.Action, dev.Subsystem).Inc()
	if dev.SeqNum > 0 {
		m.lastSeqNum.Set(float64(dev.SeqNum))
	}
	return nil
}

var states = []monitor.State{monitor.Created, monitor.Running, monitor.Stopping, monitor.Stopped}

// ObserverState marks state as the current one of the named observer.
func (m *Metrics) ObserverState(name string, state monitor.State) {
	for _, s := range states {
		value := 0.0
		if s == state {
			value = 1
		}
		m.observerState.WithLabelValues(name, s.String()).Set(value)
	}
}

func (m *Metrics) ObserverFailed(name string) {
	m.failures.WithLabelValues(name).Inc()
}

func (m *Metrics) DaemonStatus(status udev.DaemonStatus) error {
	if status.Running {
		m.daemonRunning.Set(1)
	} else {
		m.daemonRunning.Set(0)
	}
	return nil
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
