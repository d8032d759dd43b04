package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rebook"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint and status code class.",
		},
		[]string{"endpoint", "code"},
	)

	dispatchJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_jobs_total",
			Help:      "Dispatch jobs by terminal outcome.",
		},
		[]string{"outcome"},
	)

	dispatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Provider send attempts.",
		},
		[]string{"success"},
	)

	workerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_runs_total",
			Help:      "Periodic worker runs by outcome (ok, error, skipped).",
		},
		[]string{"worker", "outcome"},
	)

	confirmations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Confirmation state changes.",
		},
		[]string{"status"},
	)

	offers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_offers_total",
			Help:      "Slot offer state changes.",
		},
		[]string{"status"},
	)

	botCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bot_callbacks_total",
			Help:      "Telegram button presses by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, dispatchJobs, dispatchAttempts, workerRuns, confirmations, offers, botCallbacks)
	})
}

func IncHTTP(endpoint, code string) {
	httpRequests.WithLabelValues(endpoint, code).Inc()
}

func IncDispatchJob(outcome string) {
	dispatchJobs.WithLabelValues(outcome).Inc()
}

func IncDispatchAttempt(success bool) {
	label := "false"
	if success {
		label = "true"
	}
	dispatchAttempts.WithLabelValues(label).Inc()
}

func IncWorkerRun(worker, outcome string) {
	workerRuns.WithLabelValues(worker, outcome).Inc()
}

func IncConfirmation(status string) {
	confirmations.WithLabelValues(status).Inc()
}

func IncOffer(status string) {
	offers.WithLabelValues(status).Inc()
}

func IncBotCallback(kind, outcome string) {
	botCallbacks.WithLabelValues(kind, outcome).Inc()
}
