package ids

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	events      *prometheus.CounterVec
	failedAuth  prometheus.Counter
	blacklisted prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vlink",
			Subsystem: "ids",
			Name:      "events_total",
			Help:      "Security events recorded, by kind and severity.",
		}, []string{"kind", "severity"}),
		failedAuth: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vlink",
			Subsystem: "ids",
			Name:      "failed_auth_total",
			Help:      "Failed authentication attempts from any peer.",
		}),
		blacklisted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vlink",
			Subsystem: "ids",
			Name:      "blacklisted_peers",
			Help:      "Peers currently on the blacklist.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.failedAuth, m.blacklisted)
	}
	return m
}
