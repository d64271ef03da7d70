package metrics

import "time"

// Recorder defines observability hooks for run and stage metrics.
// Implementations may forward to Prometheus, OpenTelemetry, etc. The
// NoopRecorder is used when metrics are not configured.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveRunDuration(d time.Duration)
	IncStageResult(stage string, result string)
	IncRunOutcome(outcome string) // outcome: success|unstable|failure|aborted
	SetTestCounts(pipeline string, tests, failures, errors, skipped int)
	SetQueueDepth(n int)
	SetBusyAgents(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration)   {}
func (NoopRecorder) ObserveRunDuration(time.Duration)             {}
func (NoopRecorder) IncStageResult(string, string)                {}
func (NoopRecorder) IncRunOutcome(string)                         {}
func (NoopRecorder) SetTestCounts(string, int, int, int, int)     {}
func (NoopRecorder) SetQueueDepth(int)                            {}
func (NoopRecorder) SetBusyAgents(int)                            {}
