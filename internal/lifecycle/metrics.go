package lifecycle

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	started          prometheus.Counter
	finished         *prometheus.CounterVec
	running          prometheus.Gauge
	pipelineDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &metrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "risklens_jobs_started_total",
			Help: "Total jobs created and awaiting payment.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "risklens_jobs_finished_total",
			Help: "Total jobs that reached a terminal status.",
		}, []string{"status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "risklens_jobs_running",
			Help: "Jobs currently running analysis or result submission in this process.",
		}),
		pipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "risklens_job_pipeline_duration_seconds",
			Help:    "Time from payment confirmation to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
	}

	reg.MustRegister(m.started, m.finished, m.running, m.pipelineDuration)
	return m
}
