package metrics

import (
	"time"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/outbox"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "events"

// Metrics collects dispatch engine observations. It satisfies the metric
// contracts of the executor, dispatcher, outbox poller and idempotency
// packages so a single instance can be shared by every component.
type Metrics struct {
	HandlerExecutions *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
	Dispatches        *prometheus.CounterVec
	OutboxEntries     *prometheus.CounterVec
	OutboxPollErrors  prometheus.Counter
	OutboxBatchSize   prometheus.Histogram
	OutboxLag         prometheus.Gauge
	OutboxBacklog     *prometheus.GaugeVec
	OutboxOldestAge   prometheus.Gauge
	IdempotentTasks   *prometheus.CounterVec
}

// New creates and registers the collectors with registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		HandlerExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_executions_total",
				Help:      "Handler invocations by event type, handler and status",
			},
			[]string{"event_type", "handler", "status"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Handler invocation time including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"event_type", "handler"},
		),
		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Received events by event type and processing result",
			},
			[]string{"event_type", "result"},
		),
		OutboxEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_entries_processed_total",
				Help:      "Outbox entries handled by the poller, released entries use result=released",
			},
			[]string{"event_type", "result"},
		),
		OutboxPollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_poll_errors_total",
			Help:      "Poll cycles that could not claim a batch",
		}),
		OutboxBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_poll_batch_size",
			Help:      "Entries claimed per poll cycle",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		OutboxLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_batch_lag_seconds",
			Help:      "Age of the oldest entry in the last claimed batch",
		}),
		OutboxBacklog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_entries",
				Help:      "Outbox entries by state",
			},
			[]string{"state"},
		),
		OutboxOldestAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_oldest_pending_age_seconds",
			Help:      "Age of the oldest unclaimed entry",
		}),
		IdempotentTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotent_tasks_total",
				Help:      "Idempotent task outcomes by event type",
			},
			[]string{"event_type", "outcome"},
		),
	}

	registerer.MustRegister(
		m.HandlerExecutions,
		m.HandlerDuration,
		m.Dispatches,
		m.OutboxEntries,
		m.OutboxPollErrors,
		m.OutboxBatchSize,
		m.OutboxLag,
		m.OutboxBacklog,
		m.OutboxOldestAge,
		m.IdempotentTasks,
	)
	return m
}

func (m *Metrics) RecordExecution(eventType, handler, _ string, ok bool, elapsed time.Duration) {
	status := "success"
	if !ok {
		status = "failed"
	}
	m.HandlerExecutions.WithLabelValues(eventType, handler, status).Inc()
	m.HandlerDuration.WithLabelValues(eventType, handler).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordDispatch(eventType string, result events.ProcessingResult) {
	m.Dispatches.WithLabelValues(eventType, string(result)).Inc()
}

func (m *Metrics) RecordPoll(claimed int, lag time.Duration) {
	m.OutboxBatchSize.Observe(float64(claimed))
	m.OutboxLag.Set(lag.Seconds())
}

func (m *Metrics) RecordEntryResult(eventType string, result events.ProcessingResult) {
	m.OutboxEntries.WithLabelValues(eventType, string(result)).Inc()
}

func (m *Metrics) RecordEntryReleased(eventType string) {
	m.OutboxEntries.WithLabelValues(eventType, "released").Inc()
}

func (m *Metrics) RecordPollError() {
	m.OutboxPollErrors.Inc()
}

func (m *Metrics) RecordTask(eventType, outcome string) {
	m.IdempotentTasks.WithLabelValues(eventType, outcome).Inc()
}

// ObserveOutbox publishes a store snapshot as gauges.
func (m *Metrics) ObserveOutbox(stats outbox.Stats, now time.Time) {
	m.OutboxBacklog.WithLabelValues("pending").Set(float64(stats.Pending))
	m.OutboxBacklog.WithLabelValues("claimed").Set(float64(stats.Claimed))
	m.OutboxBacklog.WithLabelValues(string(events.ResultOK)).Set(float64(stats.OK))
	m.OutboxBacklog.WithLabelValues(string(events.ResultFailed)).Set(float64(stats.Failed))
	m.OutboxBacklog.WithLabelValues(string(events.ResultFailedPartially)).Set(float64(stats.FailedPartially))

	if stats.OldestPending.IsZero() {
		m.OutboxOldestAge.Set(0)
		return
	}
	m.OutboxOldestAge.Set(now.Sub(stats.OldestPending).Seconds())
}
