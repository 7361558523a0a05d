package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus backed Observer. It owns its registry so several fleets can live in
// one process, tests included.
type Metrics struct {
	registry  *prometheus.Registry
	power     *prometheus.GaugeVec
	restarts  *prometheus.CounterVec
	status    *prometheus.GaugeVec
	pduErrors *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		power: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "powerguard_power_watts",
				Help: "Last power draw read from the server's PDU outlet",
			},
			[]string{"server"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powerguard_restarts_total",
				Help: "Restarts performed per server and kind",
			},
			[]string{"server", "kind"},
		),
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "powerguard_status",
				Help: "Current server status, 1 for the active status",
			},
			[]string{"server", "status"},
		),
		pduErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powerguard_pdu_errors_total",
				Help: "Failed power readings per server",
			},
			[]string{"server"},
		),
	}

	m.registry.MustRegister(
		m.power,
		m.restarts,
		m.status,
		m.pduErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PowerRead(serverID string, watts int) {
	m.power.WithLabelValues(serverID).Set(float64(watts))
}

func (m *Metrics) PowerReadFailed(serverID string) {
	m.pduErrors.WithLabelValues(serverID).Inc()
}

func (m *Metrics) Restarted(serverID string, kind string) {
	m.restarts.WithLabelValues(serverID, kind).Inc()
}

func (m *Metrics) StatusChanged(serverID string, status string) {
	m.status.DeletePartialMatch(prometheus.Labels{"server": serverID})
	m.status.WithLabelValues(serverID, status).Set(1)
}

// Forget drops every series of a server that left the fleet
func (m *Metrics) Forget(serverID string) {
	labels := prometheus.Labels{"server": serverID}
	m.power.DeletePartialMatch(labels)
	m.restarts.DeletePartialMatch(labels)
	m.status.DeletePartialMatch(labels)
	m.pduErrors.DeletePartialMatch(labels)
}
