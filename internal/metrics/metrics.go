// Package metrics exposes skiff's counters and histograms over HTTP in
// Prometheus text format, backed by github.com/VictoriaMetrics/metrics.
package metrics

import (
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

// Recorder wraps the named counters and histograms skiff reports. New
// registers them against the library's global registry; the zero value
// holds nil metrics and its methods panic if called. The server and client
// skip recording when their *Recorder is nil.
type Recorder struct {
	sessionsActive      *metrics.Counter
	visitorsActive      *metrics.Counter
	visitorsTotal       *metrics.Counter
	visitorsEvictedTotal *metrics.Counter
	bytesProxiedTotal   *metrics.Counter
	portAllocAttempts   *metrics.Histogram
}

// New registers skiff's metric set against the default VictoriaMetrics
// registry and returns a Recorder backed by it.
func New() *Recorder {
	return &Recorder{
		sessionsActive:       metrics.GetOrCreateCounter("skiff_sessions_active"),
		visitorsActive:       metrics.GetOrCreateCounter("skiff_visitors_active"),
		visitorsTotal:        metrics.GetOrCreateCounter("skiff_visitors_total"),
		visitorsEvictedTotal: metrics.GetOrCreateCounter("skiff_visitors_evicted_total"),
		bytesProxiedTotal:    metrics.GetOrCreateCounter("skiff_bytes_proxied_total"),
		portAllocAttempts:    metrics.GetOrCreateHistogram("skiff_port_alloc_attempts"),
	}
}

// SessionOpened records a newly hosted session.
func (r *Recorder) SessionOpened() { r.sessionsActive.Inc() }

// SessionClosed records a session ending.
func (r *Recorder) SessionClosed() { r.sessionsActive.Dec() }

// VisitorAccepted records a visitor connection accepted onto a session's
// public port.
func (r *Recorder) VisitorAccepted() {
	r.visitorsActive.Inc()
	r.visitorsTotal.Inc()
}

// VisitorResolved records a visitor leaving the rendezvous table, whether
// by handoff or eviction.
func (r *Recorder) VisitorResolved() { r.visitorsActive.Dec() }

// VisitorEvicted records a stale-eviction firing.
func (r *Recorder) VisitorEvicted() { r.visitorsEvictedTotal.Inc() }

// BytesProxied adds n to the lifetime byte counter.
func (r *Recorder) BytesProxied(n int64) { r.bytesProxiedTotal.Add(int(n)) }

// PortAllocAttempts records how many draws a port(0) allocation needed.
func (r *Recorder) PortAllocAttempts(n int) { r.portAllocAttempts.Update(float64(n)) }

// Handler returns an http.HandlerFunc serving /metrics in Prometheus text
// exposition format.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	}
}
