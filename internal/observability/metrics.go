package observability

import "sync/atomic"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics atomic.Pointer[metricsBox]

type metricsBox struct{ m Metrics }

func init() {
	defaultMetrics.Store(&metricsBox{m: noopMetrics{}})
}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics.Store(&metricsBox{m: noopMetrics{}})
		return
	}
	defaultMetrics.Store(&metricsBox{m: metrics})
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics.Load().m
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}
