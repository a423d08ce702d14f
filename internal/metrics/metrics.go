// Package metrics exposes Prometheus counters and gauges for the triage pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "triagepipe"

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Recorder holds the metric vectors on a dedicated registry.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	inbound     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	sends       *prometheus.CounterVec
	escalations *prometheus.CounterVec
	pending     prometheus.Gauge
	storeErrors *prometheus.CounterVec
	leadUpserts *prometheus.CounterVec
	replies     *prometheus.CounterVec
	conflicts   prometheus.Counter
}

// NewRecorder creates a Recorder with its own registry, including Go runtime
// and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		inbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages by transport and outcome (accepted, duplicate, invalid).",
		}, []string{"transport", "outcome"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transitions_total",
			Help:      "Dialogue transitions by source and destination step.",
		}, []string{"from", "to"}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound sends by result.",
		}, []string{"result"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "escalations_total",
			Help:      "Escalation follow-ups by event (armed, cancelled, fired, failed).",
		}, []string{"event"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "escalations_pending",
			Help:      "Follow-ups currently armed.",
		}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_store_errors_total",
			Help:      "Session store failures by operation.",
		}, []string{"op"}),
		leadUpserts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "lead_upserts_total",
			Help:      "Lead store upserts by result.",
		}, []string{"result"}),
		replies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "generated_replies_total",
			Help:      "Reply generator calls by result (ok, error, fallback).",
		}, []string{"result"}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_version_conflicts_total",
			Help:      "Optimistic save conflicts that forced a re-decision.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) Inbound(transport, outcome string) {
	if r == nil {
		return
	}
	r.inbound.WithLabelValues(transport, outcome).Inc()
}

func (r *Recorder) Transition(from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to).Inc()
}

func (r *Recorder) Send(err error) {
	if r == nil {
		return
	}
	r.sends.WithLabelValues(result(err)).Inc()
}

func (r *Recorder) Escalation(event string) {
	if r == nil {
		return
	}
	r.escalations.WithLabelValues(event).Inc()
}

// SetPending sets the armed follow-up gauge.
func (r *Recorder) SetPending(n int) {
	if r == nil {
		return
	}
	r.pending.Set(float64(n))
}

func (r *Recorder) StoreError(op string) {
	if r == nil {
		return
	}
	r.storeErrors.WithLabelValues(op).Inc()
}

func (r *Recorder) LeadUpsert(err error) {
	if r == nil {
		return
	}
	r.leadUpserts.WithLabelValues(result(err)).Inc()
}

func (r *Recorder) Reply(res string) {
	if r == nil {
		return
	}
	r.replies.WithLabelValues(res).Inc()
}

func (r *Recorder) VersionConflict() {
	if r == nil {
		return
	}
	r.conflicts.Inc()
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
