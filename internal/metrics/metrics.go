package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons reported through IncDropped.
const (
	DropMalformed = "malformed"
	DropQueueFull = "queue_full"
)

// Recorder receives pipeline counters. Implementations must tolerate
// concurrent calls from all workers.
type Recorder interface {
	IncProcessed()
	IncDropped(reason string)
	IncAlert(ruleID string)
	IncSuppressed(ruleID string)
	IncRuleFault(ruleID string)
	IncStoreDegraded()
	ObserveLatency(d time.Duration)
	ObserveRuleLatency(ruleID string, d time.Duration)
}

// Prom is the Prometheus-backed recorder.
type Prom struct {
	processed prometheus.Counter
	dropped   *prometheus.CounterVec
	alerts    *prometheus.CounterVec
	supp      *prometheus.CounterVec
	faults    *prometheus.CounterVec
	degraded  prometheus.Counter
	latency   prometheus.Histogram
	ruleLat   *prometheus.HistogramVec
}

// NewProm registers the pipeline metrics on reg.
func NewProm(reg prometheus.Registerer) *Prom {
	factory := promauto.With(reg)
	return &Prom{
		processed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mempoolwatch_tx_processed_total",
			Help: "Transactions fully processed by the pipeline.",
		}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mempoolwatch_tx_dropped_total",
			Help: "Transactions dropped before evaluation, by reason.",
		}, []string{"reason"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mempoolwatch_alerts_total",
			Help: "Alerts emitted to the sink, by rule.",
		}, []string{"rule"}),
		supp: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mempoolwatch_alerts_suppressed_total",
			Help: "Alerts suppressed by deduplication, by rule.",
		}, []string{"rule"}),
		faults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mempoolwatch_rule_faults_total",
			Help: "Rule evaluations that faulted, by rule.",
		}, []string{"rule"}),
		degraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "mempoolwatch_store_degraded_total",
			Help: "Window-dependent evaluations skipped because the store was unavailable.",
		}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mempoolwatch_tx_processing_seconds",
			Help:    "Time from dequeue to evaluation completion.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		ruleLat: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mempoolwatch_rule_evaluation_seconds",
			Help:    "Time spent evaluating a single rule, by rule.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14),
		}, []string{"rule"}),
	}
}

func (p *Prom) IncProcessed()              { p.processed.Inc() }
func (p *Prom) IncDropped(reason string)   { p.dropped.WithLabelValues(reason).Inc() }
func (p *Prom) IncAlert(ruleID string)     { p.alerts.WithLabelValues(ruleID).Inc() }
func (p *Prom) IncSuppressed(rule string)  { p.supp.WithLabelValues(rule).Inc() }
func (p *Prom) IncRuleFault(ruleID string) { p.faults.WithLabelValues(ruleID).Inc() }
func (p *Prom) IncStoreDegraded()          { p.degraded.Inc() }
func (p *Prom) ObserveLatency(d time.Duration) {
	p.latency.Observe(d.Seconds())
}
func (p *Prom) ObserveRuleLatency(rule string, d time.Duration) {
	p.ruleLat.WithLabelValues(rule).Observe(d.Seconds())
}

// Noop discards all observations.
type Noop struct{}

func (Noop) IncProcessed()                            {}
func (Noop) IncDropped(string)                        {}
func (Noop) IncAlert(string)                          {}
func (Noop) IncSuppressed(string)                     {}
func (Noop) IncRuleFault(string)                      {}
func (Noop) IncStoreDegraded()                        {}
func (Noop) ObserveLatency(time.Duration)             {}
func (Noop) ObserveRuleLatency(string, time.Duration) {}
