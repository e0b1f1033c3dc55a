// Package observability is the proxy's ambient metrics surface: per-backend
// gauges and monotonic counters exposed for Prometheus scraping. It has no
// control surface — it accepts no input and cannot reconfigure the proxy —
// so it is not the "admin API" spec.md's non-goals exclude.
package observability

import (
	"go.uber.org/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of counters and gauges the proxy state machine updates
// on its hot path. All fields are safe for concurrent use.
type Metrics struct {
	ClientsConnected       prometheus.Gauge
	RequestsForwarded      prometheus.Counter
	RequestsDropped        prometheus.Counter
	BackendConnectFailures prometheus.Counter

	backendGauges *backendGaugeSet
}

// New registers the proxy's metrics on reg (typically
// prometheus.NewRegistry(), not the global DefaultRegisterer, so tests and
// multiple listeners in one process don't collide).
func New(reg *prometheus.Registry, listenerName string) *Metrics {
	constLabels := prometheus.Labels{"listener": listenerName}

	m := &Metrics{
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "l7lb", Name: "clients_connected", Help: "Currently-connected client sockets.",
			ConstLabels: constLabels,
		}),
		RequestsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "l7lb", Name: "requests_forwarded_total", Help: "Requests forwarded to a backend.",
			ConstLabels: constLabels,
		}),
		RequestsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "l7lb", Name: "requests_dropped_total", Help: "Requests dropped because no backend was available.",
			ConstLabels: constLabels,
		}),
		BackendConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "l7lb", Name: "backend_connect_failures_total", Help: "Backend connect attempts that failed.",
			ConstLabels: constLabels,
		}),
		backendGauges: newBackendGaugeSet(listenerName),
	}

	reg.MustRegister(m.ClientsConnected, m.RequestsForwarded, m.RequestsDropped, m.BackendConnectFailures, m.backendGauges)
	return m
}

// SetBackendStats updates the per-backend active-requests and EWMA-load
// gauges. Nothing in this module calls it: the per-backend gauges report
// only the values passed in here, and are empty otherwise.
func (m *Metrics) SetBackendStats(address string, activeRequests uint32, ewmaLoadNs float64) {
	m.backendGauges.set(address, float64(activeRequests), ewmaLoadNs)
}

// backendGaugeSet is a prometheus.Collector over a dynamic set of backend
// addresses; backends come and go with registry membership changes, so this
// cannot be a fixed set of prometheus.NewGaugeVec labels registered once.
type backendGaugeSet struct {
	listenerName string
	active       *atomic.Value // map[string]float64
	ewmaLoad     *atomic.Value // map[string]float64
}

func newBackendGaugeSet(listenerName string) *backendGaugeSet {
	s := &backendGaugeSet{listenerName: listenerName, active: &atomic.Value{}, ewmaLoad: &atomic.Value{}}
	s.active.Store(map[string]float64{})
	s.ewmaLoad.Store(map[string]float64{})
	return s
}

func (s *backendGaugeSet) set(address string, active, ewmaLoad float64) {
	activeCopy := copyWith(s.active.Load().(map[string]float64), address, active)
	s.active.Store(activeCopy)
	ewmaCopy := copyWith(s.ewmaLoad.Load().(map[string]float64), address, ewmaLoad)
	s.ewmaLoad.Store(ewmaCopy)
}

func copyWith(src map[string]float64, key string, val float64) map[string]float64 {
	out := make(map[string]float64, len(src)+1)
	for k, v := range src {
		out[k] = v
	}
	out[key] = val
	return out
}

func (s *backendGaugeSet) Describe(ch chan<- *prometheus.Desc) {
	// Dynamic label sets are unchecked collectors; Prometheus's client
	// library allows Describe to emit nothing for these.
}

func (s *backendGaugeSet) Collect(ch chan<- prometheus.Metric) {
	active := s.active.Load().(map[string]float64)
	for addr, v := range active {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc("l7lb_backend_active_requests", "Active requests against this backend.",
				nil, prometheus.Labels{"listener": s.listenerName, "backend": addr}),
			prometheus.GaugeValue, v,
		)
	}
	ewma := s.ewmaLoad.Load().(map[string]float64)
	for addr, v := range ewma {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc("l7lb_backend_ewma_load_ns", "Peak-EWMA load score for this backend, if active.",
				nil, prometheus.Labels{"listener": s.listenerName, "backend": addr}),
			prometheus.GaugeValue, v,
		)
	}
}
