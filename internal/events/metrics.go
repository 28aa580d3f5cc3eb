package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts records by type and call status.
type Metrics struct {
	events   *prometheus.CounterVec
	statuses *prometheus.CounterVec
	active   prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "events_total",
			Help:      "Events sent to the host, by type.",
		}, []string{"type"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "call_status_total",
			Help:      "CALL_STATUS events, by status.",
		}, []string{"status"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Name:      "call_connected",
			Help:      "1 while a call has remote media, else 0.",
		}),
	}
	reg.MustRegister(m.events, m.statuses, m.active)
	return m
}

func (m *Metrics) Send(r Record) {
	m.events.WithLabelValues(string(r.Type)).Inc()
	if r.Type != TypeCallStatus {
		return
	}
	st := r.Status()
	m.statuses.WithLabelValues(string(st)).Inc()
	switch st {
	case StatusConnected:
		m.active.Set(1)
	case StatusEnded, StatusError:
		m.active.Set(0)
	}
}
