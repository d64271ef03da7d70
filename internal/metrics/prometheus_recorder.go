package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once          sync.Once
	stageDuration *prom.HistogramVec
	runDuration   prom.Histogram
	stageResults  *prom.CounterVec
	runOutcome    *prom.CounterVec
	testCounts    *prom.GaugeVec
	queueDepth    prom.Gauge
	busyAgents    prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "conveyor",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"})
		pr.runDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "conveyor",
			Name:      "run_duration_seconds",
			Help:      "Total pipeline run duration",
			Buckets:   prom.DefBuckets,
		})
		pr.stageResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "conveyor",
			Name:      "stage_results_total",
			Help:      "Stage result counts by outcome",
		}, []string{"stage", "result"})
		pr.runOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "conveyor",
			Name:      "run_outcomes_total",
			Help:      "Run outcomes by final status",
		}, []string{"outcome"})
		pr.testCounts = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "conveyor",
			Name:      "test_report_counts",
			Help:      "Published test report counts from the last run",
		}, []string{"pipeline", "kind"})
		pr.queueDepth = prom.NewGauge(prom.GaugeOpts{
			Namespace: "conveyor",
			Name:      "queue_depth",
			Help:      "Number of runs waiting in the queue",
		})
		pr.busyAgents = prom.NewGauge(prom.GaugeOpts{
			Namespace: "conveyor",
			Name:      "busy_agents",
			Help:      "Number of agents currently executing a run",
		})
		reg.MustRegister(pr.stageDuration, pr.runDuration, pr.stageResults,
			pr.runOutcome, pr.testCounts, pr.queueDepth, pr.busyAgents)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveRunDuration(d time.Duration) {
	p.runDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result string) {
	p.stageResults.WithLabelValues(stage, result).Inc()
}

func (p *PrometheusRecorder) IncRunOutcome(outcome string) {
	p.runOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) SetTestCounts(pipeline string, tests, failures, errors, skipped int) {
	p.testCounts.WithLabelValues(pipeline, "tests").Set(float64(tests))
	p.testCounts.WithLabelValues(pipeline, "failures").Set(float64(failures))
	p.testCounts.WithLabelValues(pipeline, "errors").Set(float64(errors))
	p.testCounts.WithLabelValues(pipeline, "skipped").Set(float64(skipped))
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) SetBusyAgents(n int) {
	p.busyAgents.Set(float64(n))
}
