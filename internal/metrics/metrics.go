// Package metrics exposes the prometheus counters shared by the vault core.
// All methods are safe on a nil *Metrics so components can run unmetered in
// tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zkvault"

type Metrics struct {
	registry *prometheus.Registry

	entropyFetches   *prometheus.CounterVec
	entropyBytes     *prometheus.CounterVec
	cipherOps        *prometheus.CounterVec
	signatureProbes  *prometheus.CounterVec
	signatureVerdict *prometheus.CounterVec
	recoveryEvents   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		entropyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entropy",
			Name:      "fetches_total",
			Help:      "Entropy source attempts by source and outcome.",
		}, []string{"source", "outcome"}),
		entropyBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entropy",
			Name:      "bytes_total",
			Help:      "Bytes handed out by source.",
		}, []string{"source"}),
		cipherOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cipher",
			Name:      "operations_total",
			Help:      "Envelope operations by operation and result.",
		}, []string{"op", "result"}),
		signatureProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signature",
			Name:      "probes_total",
			Help:      "Capability probes by resulting state.",
		}, []string{"state"}),
		signatureVerdict: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signature",
			Name:      "verifications_total",
			Help:      "Verification verdicts by implementation and result.",
		}, []string{"impl", "result"}),
		recoveryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "events_total",
			Help:      "Recovery engine events by action.",
		}, []string{"action"}),
	}
	reg.MustRegister(
		m.entropyFetches,
		m.entropyBytes,
		m.cipherOps,
		m.signatureProbes,
		m.signatureVerdict,
		m.recoveryEvents,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EntropyFetch(source, outcome string) {
	if m == nil {
		return
	}
	m.entropyFetches.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) EntropyBytes(source string, n int) {
	if m == nil {
		return
	}
	m.entropyBytes.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) CipherOp(op, result string) {
	if m == nil {
		return
	}
	m.cipherOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) SignatureProbe(state string) {
	if m == nil {
		return
	}
	m.signatureProbes.WithLabelValues(state).Inc()
}

func (m *Metrics) SignatureVerdict(impl string, ok bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if ok {
		result = "accepted"
	}
	m.signatureVerdict.WithLabelValues(impl, result).Inc()
}

func (m *Metrics) RecoveryEvent(action string) {
	if m == nil {
		return
	}
	m.recoveryEvents.WithLabelValues(action).Inc()
}
