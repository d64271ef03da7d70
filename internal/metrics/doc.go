// Package metrics provides an observability framework for Conveyor run metrics.
//
// The package implements the Null Object pattern to enable metrics collection
// without requiring explicit nil checks throughout the codebase. By default,
// all components use NoopRecorder which implements the Recorder interface with
// no-op methods that inline to nothing at compile time.
//
// Components receive a Recorder through dependency injection:
//
//	runner := pipeline.NewRunner(store, factory, ws,
//	    pipeline.WithMetrics(metrics.NewPrometheusRecorder(registry)))
//
// This allows zero overhead when metrics are disabled, activation without code
// changes, and clean testing by injecting a recording stub.
package metrics
