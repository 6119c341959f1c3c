package monitor

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	active     prometheus.Gauge
	outcomes   *prometheus.CounterVec
	pollErrors prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "risklens_payment_watches_active",
			Help: "Current number of active payment watches.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "risklens_payment_watches_finished_total",
			Help: "Payment watches by outcome (confirmed, canceled, expired).",
		}, []string{"outcome"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "risklens_payment_poll_errors_total",
			Help: "Payment status polls that failed and were retried.",
		}),
	}
	reg.MustRegister(m.active, m.outcomes, m.pollErrors)
	return m
}
