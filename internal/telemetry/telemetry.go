// Package telemetry defines the Telemetry Recorder contract: three generic
// instrument kinds (histogram, up-down counter, gauge) tagged with the
// dimensions spec.md §4.7 names, rather than one bespoke method per metric.
package telemetry

// Tags is the dimension set attached to every recorded measurement.
// Not every field applies to every measurement; callers leave the rest zero.
type Tags struct {
	Pipeline   string
	Endpoint   string
	Deployment string
	Model      string
	CallKind   string
	Streaming  bool
	Success    bool
	ClientName string
}

// Recorder is the sink the Pipeline reports its measurements through.
// Implementations must be safe for concurrent use.
type Recorder interface {
	// Histogram records one observation (e.g. request duration in seconds,
	// token counts) against a named metric.
	Histogram(name string, tags Tags, value float64)

	// UpDownCounter adjusts a running total (e.g. in-flight requests) by
	// delta, which may be negative.
	UpDownCounter(name string, tags Tags, delta float64)

	// Gauge sets a point-in-time value (e.g. circuit breaker state,
	// per-endpoint health).
	Gauge(name string, tags Tags, value float64)
}

// NoopRecorder discards every measurement. Useful as a default when no
// telemetry backend is configured, and in tests that don't assert on metrics.
type NoopRecorder struct{}

func (NoopRecorder) Histogram(string, Tags, float64)     {}
func (NoopRecorder) UpDownCounter(string, Tags, float64) {}
func (NoopRecorder) Gauge(string, Tags, float64)         {}
