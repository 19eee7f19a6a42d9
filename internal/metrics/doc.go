// Package metrics provides observability hooks for modules, jobs and
// supervised operations.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so nothing needs a nil check:
//
//	q.SetRecorder(metrics.NoopRecorder{})
//
// The daemon swaps in a PrometheusRecorder when metrics.enabled is set and
// serves the registry through HTTPHandler.
package metrics
