// Package metrics exposes the worker's Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "notify_worker"

var (
	once sync.Once

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Jobs handled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent handling a job.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	jobRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Jobs republished for retry or dead-lettered.",
		},
		[]string{"kind", "action"},
	)

	sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outbound messages by result.",
		},
		[]string{"result"},
	)

	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise.",
		},
		[]string{"state"},
	)

	settingsCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settings_cache_total",
			Help:      "Settings cache lookups by result.",
		},
		[]string{"result"},
	)
)

// Register registers the collectors with the default registry. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(jobsProcessed, jobDuration, jobRetries, sends, sessionState, settingsCache)
	})
}

// ObserveJob records a finished job.
func ObserveJob(kind, outcome string, seconds float64) {
	jobsProcessed.WithLabelValues(kind, outcome).Inc()
	jobDuration.WithLabelValues(kind).Observe(seconds)
}

// IncRetry counts a retry decision. action is "republished", "deferred",
// "requeued" or "dead_lettered".
func IncRetry(kind, action string) {
	jobRetries.WithLabelValues(kind, action).Inc()
}

// IncSend counts an outbound message result.
func IncSend(result string) {
	sends.WithLabelValues(result).Inc()
}

// SetSessionState flips the gauge so only current reads 1.
func SetSessionState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		sessionState.WithLabelValues(s).Set(v)
	}
}

// IncSettingsCache counts a settings lookup. result is "hit", "miss" or "stale".
func IncSettingsCache(result string) {
	settingsCache.WithLabelValues(result).Inc()
}
