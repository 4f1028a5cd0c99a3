package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)

	m.UploadAttempt("walrus-0", "failed")
	m.UploadAttempt("walrus-0", "failed")
	m.UploadAttempt("walrus-1", "stored")
	m.DecryptResult("ok")
	m.CredentialPrompt("signed")
	m.Certification("certified")
	m.ObserveBatch("ok", 20*time.Millisecond)

	if got := testutil.ToFloat64(m.uploadAttempts.WithLabelValues("walrus-0", "failed")); got != 2 {
		t.Fatalf("upload failed count = %v", got)
	}
	if got := testutil.ToFloat64(m.decryptResults.WithLabelValues("ok")); got != 1 {
		t.Fatalf("decrypt ok count = %v", got)
	}
	if got := testutil.CollectAndCount(m.batchDuration); got != 1 {
		t.Fatalf("batch histogram series = %d", got)
	}
}

func TestMustNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := MustNew(reg)
	b := MustNew(reg)
	a.CredentialPrompt("rejected")
	if got := testutil.ToFloat64(b.credentialPrompts.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("expected shared collector, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.UploadAttempt("x", "stored")
	m.DecryptResult("ok")
	m.CredentialPrompt("signed")
	m.Certification("certified")
	m.ResolverLookup("ok")
	m.ObserveBatch("ok", time.Second)
}
