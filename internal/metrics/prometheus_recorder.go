package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "applianced"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	jobDuration     *prom.HistogramVec
	jobOutcomes     *prom.CounterVec
	enqueueFailures *prom.CounterVec
	observers       *prom.GaugeVec
	broadcasts      *prom.CounterVec
	operations      *prom.CounterVec
	pluginFailures  *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics on reg.
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		jobDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of job handler execution",
			Buckets:   prom.DefBuckets,
		}, []string{"queue", "job"}),
		jobOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Job outcomes by terminal state",
		}, []string{"queue", "job", "outcome"}),
		enqueueFailures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "enqueue_failures_total",
			Help:      "Jobs that could not be submitted to the queue",
		}, []string{"queue"}),
		observers: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Connected observers per module",
		}, []string{"module"}),
		broadcasts: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Events broadcast to module observers",
		}, []string{"module", "event"}),
		operations: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "operation_outcomes_total",
			Help:      "Supervised operation terminal states",
		}, []string{"module", "state"}),
		pluginFailures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_load_failures_total",
			Help:      "Plugins skipped during module construction",
		}, []string{"module", "plugin"}),
	}
	reg.MustRegister(pr.jobDuration, pr.jobOutcomes, pr.enqueueFailures, pr.observers, pr.broadcasts, pr.operations, pr.pluginFailures)
	return pr
}

func (p *PrometheusRecorder) ObserveJob(queue, job string, outcome JobOutcome, d time.Duration) {
	if p == nil {
		return
	}
	p.jobDuration.WithLabelValues(queue, job).Observe(d.Seconds())
	p.jobOutcomes.WithLabelValues(queue, job, string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncEnqueueFailure(queue string) {
	if p == nil {
		return
	}
	p.enqueueFailures.WithLabelValues(queue).Inc()
}

func (p *PrometheusRecorder) SetObservers(module string, n int) {
	if p == nil {
		return
	}
	p.observers.WithLabelValues(module).Set(float64(n))
}

func (p *PrometheusRecorder) IncBroadcast(module, event string) {
	if p == nil {
		return
	}
	p.broadcasts.WithLabelValues(module, event).Inc()
}

func (p *PrometheusRecorder) IncOperationOutcome(module, state string) {
	if p == nil {
		return
	}
	p.operations.WithLabelValues(module, state).Inc()
}

func (p *PrometheusRecorder) IncPluginLoadFailure(module, plugin string) {
	if p == nil {
		return
	}
	p.pluginFailures.WithLabelValues(module, plugin).Inc()
}
