package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RoomsChanged(1)
	m.Forwarded("video")
	m.Dropped("audio", "queue_full")
	m.PersistenceDropped()
}

func TestRegisterAndGather(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Forwarded("video")
	m.Dropped("video", "queue_full")
	m.RoomsChanged(2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"meet_rooms", "meet_sfu_packets_forwarded_total", "meet_sfu_packets_dropped_total"} {
		if !names[want] {
			t.Errorf("missing metric %s", want)
		}
	}
}
