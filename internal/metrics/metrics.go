// Package metrics exposes Prometheus collectors for the access pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "capvault"

// Metrics groups the pipeline's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	uploadAttempts    *prometheus.CounterVec
	decryptResults    *prometheus.CounterVec
	credentialPrompts *prometheus.CounterVec
	certifications    *prometheus.CounterVec
	resolverLookups   *prometheus.CounterVec
	batchDuration     *prometheus.HistogramVec
}

// MustNew constructs Metrics registered with reg. Collectors that already
// exist in reg are reused so several pipelines can share one registry.
// Any other registration error panics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		uploadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "upload_attempts_total",
			Help:      "Upload attempts per backend and outcome.",
		}, []string{"backend", "outcome"}),
		decryptResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decrypt",
			Name:      "results_total",
			Help:      "Per-blob decryption results by outcome.",
		}, []string{"outcome"}),
		credentialPrompts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "signature_prompts_total",
			Help:      "Session credential signature prompts by outcome.",
		}, []string{"outcome"}),
		certifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "certify",
			Name:      "submissions_total",
			Help:      "Certification submissions by outcome.",
		}, []string{"outcome"}),
		resolverLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "lookups_total",
			Help:      "Capability resolution calls by outcome.",
		}, []string{"outcome"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "decrypt",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of decryptAll batches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}

	vecs := []**prometheus.CounterVec{&m.uploadAttempts, &m.decryptResults, &m.credentialPrompts, &m.certifications, &m.resolverLookups}
	for _, v := range vecs {
		if err := reg.Register(*v); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			*v = already.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	if err := reg.Register(m.batchDuration); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		m.batchDuration = already.ExistingCollector.(*prometheus.HistogramVec)
	}
	return m
}

func (m *Metrics) UploadAttempt(backend, outcome string) {
	if m == nil {
		return
	}
	m.uploadAttempts.WithLabelValues(backend, outcome).Inc()
}

func (m *Metrics) DecryptResult(outcome string) {
	if m == nil {
		return
	}
	m.decryptResults.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CredentialPrompt(outcome string) {
	if m == nil {
		return
	}
	m.credentialPrompts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Certification(outcome string) {
	if m == nil {
		return
	}
	m.certifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ResolverLookup(outcome string) {
	if m == nil {
		return
	}
	m.resolverLookups.WithLabelValues(outcome).Inc()
}

// ObserveBatch records the duration of one decryptAll call.
func (m *Metrics) ObserveBatch(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.WithLabelValues(status).Observe(d.Seconds())
}
