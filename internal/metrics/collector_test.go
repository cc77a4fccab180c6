package lispmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewCollectorRegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.MapCacheEntries.Set(3)
	c.MessagesSent.WithLabelValues("Map-Register", "192.0.2.1").Inc()
	c.MessagesReceived.WithLabelValues("Map-Notify", "192.0.2.1").Inc()
	c.MessagesDropped.WithLabelValues("192.0.2.1").Inc()
	c.NegativeRepliesSent.Inc()
	c.AuthFailures.WithLabelValues("192.0.2.1").Inc()
	c.SMRsSent.Inc()
	c.ProbesSent.Add(2)
	c.ProbeTimeouts.Inc()
	c.LocatorTransitions.WithLabelValues("Up", "Down").Inc()
	c.PendingRequests.Set(1)

	if got := testutil.ToFloat64(c.MapCacheEntries); got != 3 {
		t.Errorf("map_cache_entries = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.ProbesSent); got != 2 {
		t.Errorf("rloc_probes_sent_total = %v, want 2", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 11 {
		t.Errorf("gathered %d metric families, want 11", len(families))
	}
}

func TestNewCollectorDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	defer func() {
		if recover() == nil {
			t.Error("second NewCollector on the same registry did not panic")
		}
	}()
	NewCollector(reg)
}
