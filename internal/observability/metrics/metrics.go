package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeApplied   = "applied"
	OutcomeNoop      = "noop"
	OutcomeIgnored   = "ignored"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

// EngineMetrics captures reconciliation health signals: what the webhook
// feed delivered, what the dispatcher did with it, and how payouts and
// notifications fared downstream.
type EngineMetrics struct {
	webhookEvents     *prometheus.CounterVec
	signatureFailures *prometheus.CounterVec
	payoutAttempts    *prometheus.CounterVec
	notifications     *prometheus.CounterVec
}

var (
	engineOnce sync.Once
	engine     *EngineMetrics
)

// Engine returns the singleton engine metrics registry.
func Engine() *EngineMetrics {
	engineOnce.Do(func() {
		engine = &EngineMetrics{
			webhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "paylane_webhook_events_total",
				Help: "Inbound webhook events by kind and dispatch outcome.",
			}, []string{"kind", "outcome"}),
			signatureFailures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "paylane_signature_failures_total",
				Help: "Rejected webhook payloads by reason.",
			}, []string{"reason"}),
			payoutAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "paylane_payout_attempts_total",
				Help: "Payout sweep attempts by outcome.",
			}, []string{"outcome"}),
			notifications: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "paylane_notifications_total",
				Help: "Notification deliveries by kind and outcome.",
			}, []string{"kind", "outcome"}),
		}
	})
	return engine
}

func (m *EngineMetrics) IncWebhookEvent(kind, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(normalize(kind), normalize(outcome)).Inc()
}

func (m *EngineMetrics) IncSignatureFailure(reason string) {
	if m == nil {
		return
	}
	m.signatureFailures.WithLabelValues(normalize(reason)).Inc()
}

func (m *EngineMetrics) IncPayoutAttempt(outcome string) {
	if m == nil {
		return
	}
	m.payoutAttempts.WithLabelValues(normalize(outcome)).Inc()
}

func (m *EngineMetrics) IncNotification(kind, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(normalize(kind), normalize(outcome)).Inc()
}

// SchedulerMetrics captures sweep loop health signals.
type SchedulerMetrics struct {
	jobRuns     *prometheus.CounterVec
	jobErrors   *prometheus.CounterVec
	jobTimeouts *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	runLoopLag  prometheus.Observer
}

var (
	schedulerOnce sync.Once
	scheduler     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	schedulerOnce.Do(func() {
		scheduler = &SchedulerMetrics{
			jobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "paylane_scheduler_job_runs_total",
				Help: "Scheduler job invocations.",
			}, []string{"job"}),
			jobErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "paylane_scheduler_job_errors_total",
				Help: "Scheduler job failures.",
			}, []string{"job"}),
			jobTimeouts: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "paylane_scheduler_job_timeouts_total",
				Help: "Scheduler jobs that hit their deadline.",
			}, []string{"job"}),
			jobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "paylane_scheduler_job_duration_seconds",
				Help:    "Scheduler job wall time.",
				Buckets: prometheus.DefBuckets,
			}, []string{"job"}),
			runLoopLag: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "paylane_scheduler_run_loop_lag_seconds",
				Help:    "How far behind schedule the sweep loop is running.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			}),
		}
	})
	return scheduler
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(normalize(job)).Inc()
}

func (m *SchedulerMetrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(normalize(job)).Inc()
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(normalize(job)).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(normalize(job)).Observe(d.Seconds())
}

func (m *SchedulerMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil || lag <= 0 {
		return
	}
	m.runLoopLag.Observe(lag.Seconds())
}

func normalize(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return "unknown"
	}
	return value
}
