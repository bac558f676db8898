// Package metrics exposes the pool's Prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Task outcome label values.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeDied     = "died"
	OutcomeProtocol = "protocol"
	OutcomeClosed   = "closed"
)

const namespace = "paperpool"

// Collector groups the pool instruments. A nil *Collector is valid and
// records nothing.
type Collector struct {
	tasksSubmitted prometheus.Counter
	tasksCompleted *prometheus.CounterVec
	taskDuration   prometheus.Histogram
	queueDepth     prometheus.Gauge
	liveContexts   prometheus.Gauge
	busyContexts   prometheus.Gauge
	contextDeaths  prometheus.Counter
	respawns       prometheus.Counter
	protocolFaults prometheus.Counter
	events         *prometheus.CounterVec
}

// New creates the instruments and registers them on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of tasks added to the pool queue.",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks completed, by outcome.",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration from task assignment to completion, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of tasks waiting for an execution context.",
		}),
		liveContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contexts_live",
			Help:      "Number of execution contexts that signalled ready.",
		}),
		busyContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contexts_busy",
			Help:      "Number of live execution contexts holding a task.",
		}),
		contextDeaths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_deaths_total",
			Help:      "Total number of execution contexts that died.",
		}),
		respawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_respawns_total",
			Help:      "Total number of replacement contexts spawned.",
		}),
		protocolFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_faults_total",
			Help:      "Total number of responses with an unrecognized name.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of events published on the event sink, by source.",
		}, []string{"source"}),
	}

	if reg != nil {
		reg.MustRegister(
			c.tasksSubmitted,
			c.tasksCompleted,
			c.taskDuration,
			c.queueDepth,
			c.liveContexts,
			c.busyContexts,
			c.contextDeaths,
			c.respawns,
			c.protocolFaults,
			c.events,
		)
	}

	for _, o := range []string{OutcomeSuccess, OutcomeError, OutcomeDied, OutcomeProtocol, OutcomeClosed} {
		c.tasksCompleted.WithLabelValues(o)
	}
	return c
}

func (c *Collector) TaskSubmitted() {
	if c == nil {
		return
	}
	c.tasksSubmitted.Inc()
}

// TaskCompleted counts one completion. d is zero for tasks that never left
// the queue and is then not observed.
func (c *Collector) TaskCompleted(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.tasksCompleted.WithLabelValues(outcome).Inc()
	if d > 0 {
		c.taskDuration.Observe(d.Seconds())
	}
}

// SetOccupancy records the queue and context gauges.
func (c *Collector) SetOccupancy(queued, live, busy int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(queued))
	c.liveContexts.Set(float64(live))
	c.busyContexts.Set(float64(busy))
}

func (c *Collector) ContextDied() {
	if c == nil {
		return
	}
	c.contextDeaths.Inc()
}

func (c *Collector) Respawned() {
	if c == nil {
		return
	}
	c.respawns.Inc()
}

func (c *Collector) ProtocolFault() {
	if c == nil {
		return
	}
	c.protocolFaults.Inc()
}

func (c *Collector) EventPublished(source string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(source).Inc()
}
