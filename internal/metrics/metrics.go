package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its registry so several schedulers can live in one
// process (tests, embedded use) without duplicate registration panics.
// All methods are safe on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued       prometheus.Counter
	enqueueFailures    prometheus.Counter
	messagesReceived   prometheus.Counter
	messagesDiscarded  prometheus.Counter
	messagesReleased   prometheus.Counter
	jobsProcessed      *prometheus.CounterVec
	reschedules        *prometheus.CounterVec
	collaboratorErrors *prometheus.CounterVec
	locksReclaimed     prometheus.Counter

	dispatchDelay   prometheus.Histogram
	processDuration prometheus.Histogram
	loopRunning     prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chime_jobs_enqueued_total",
			Help: "Total number of job occurrences submitted to the delay queue",
		}),
		enqueueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chime_enqueue_failures_total",
			Help: "Total number of failed delay queue submissions",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chime_messages_received_total",
			Help: "Total number of messages taken from the delay queue",
		}),
		messagesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chime_messages_discarded_total",
			Help: "Total number of expired or cancelled occurrences dropped",
		}),
		messagesReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chime_messages_released_total",
			Help: "Total number of messages released back to the queue",
		}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chime_jobs_processed_total",
			Help: "Total number of handler invocations by result",
		}, []string{"result"}),
		reschedules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chime_reschedules_total",
			Help: "Total number of recurring job reschedules by result",
		}, []string{"result"}),
		collaboratorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chime_collaborator_errors_total",
			Help: "Total number of queue or store failures by operation",
		}, []string{"operation"}),
		locksReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chime_locks_reclaimed_total",
			Help: "Total number of expired message locks returned to the queue",
		}),
		dispatchDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chime_dispatch_delay_seconds",
			Help:    "Delay between an occurrence's scheduled time and its receipt",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}),
		processDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chime_process_duration_seconds",
			Help:    "Handler processing time in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		loopRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chime_loop_running",
			Help: "1 when the dispatch loop is running",
		}),
	}

	c.registry.MustRegister(
		c.jobsEnqueued,
		c.enqueueFailures,
		c.messagesReceived,
		c.messagesDiscarded,
		c.messagesReleased,
		c.jobsProcessed,
		c.reschedules,
		c.collaboratorErrors,
		c.locksReclaimed,
		c.dispatchDelay,
		c.processDuration,
		c.loopRunning,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RecordEnqueue() {
	if c == nil {
		return
	}
	c.jobsEnqueued.Inc()
}

func (c *Collector) RecordEnqueueFailure() {
	if c == nil {
		return
	}
	c.enqueueFailures.Inc()
}

func (c *Collector) RecordReceived(delaySeconds float64) {
	if c == nil {
		return
	}
	c.messagesReceived.Inc()
	if delaySeconds < 0 {
		delaySeconds = 0
	}
	c.dispatchDelay.Observe(delaySeconds)
}

func (c *Collector) RecordDiscarded() {
	if c == nil {
		return
	}
	c.messagesDiscarded.Inc()
}

func (c *Collector) RecordReleased() {
	if c == nil {
		return
	}
	c.messagesReleased.Inc()
}

func (c *Collector) RecordProcessed(processed bool, durationSeconds float64) {
	if c == nil {
		return
	}
	c.jobsProcessed.WithLabelValues(resultLabel(processed)).Inc()
	c.processDuration.Observe(durationSeconds)
}

func (c *Collector) RecordReschedule(ok bool) {
	if c == nil {
		return
	}
	c.reschedules.WithLabelValues(resultLabel(ok)).Inc()
}

func (c *Collector) RecordCollaboratorError(operation string) {
	if c == nil {
		return
	}
	c.collaboratorErrors.WithLabelValues(operation).Inc()
}

func (c *Collector) RecordLocksReclaimed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.locksReclaimed.Add(float64(n))
}

func (c *Collector) SetLoopRunning(running bool) {
	if c == nil {
		return
	}
	if running {
		c.loopRunning.Set(1)
		return
	}
	c.loopRunning.Set(0)
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
