package broker

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.setUsers(1)
	m.setRequests(2)
	m.setSessions(3)
	m.recordRelay()
	m.recordExpiry(4)
	m.recordSessionEnd("timeout")
	m.recordError("NO_SESSION")
	m.observeLatency("message", time.Millisecond)
}

func TestNewMetricsRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.setUsers(2)
	m.recordRelay()
	m.recordSessionEnd("user_leave")
	m.observeLatency("hello", time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"ephemerium_users_active":           false,
		"ephemerium_messages_relayed_total": false,
		"ephemerium_sessions_ended_total":   false,
		"ephemerium_handle_latency_seconds": false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %s not gathered", name)
		}
	}
}
