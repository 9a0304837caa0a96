package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder exposes the counters and histograms of the execution core.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	processes    *prometheus.CounterVec
	runningProcs prometheus.Gauge
	sandboxWraps *prometheus.CounterVec
	barrierWaits prometheus.Counter
}

// New creates a Recorder and registers its collectors with reg.
func New(reg prometheus.Registerer, namespace string) (*Recorder, error) {
	r := &Recorder{
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Wall time of tool calls from start to terminal result.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4.4min
		}, []string{"tool"}),
		processes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_total",
			Help:      "Spawned shell processes by mode and final status.",
		}, []string{"mode", "status"}),
		runningProcs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_processes_running",
			Help:      "Background processes currently running.",
		}),
		sandboxWraps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_wraps_total",
			Help:      "Sandbox decisions by platform and result.",
		}, []string{"platform", "result"}),
		barrierWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_barrier_waits_total",
			Help:      "Tool calls that had to wait behind the concurrency barrier.",
		}),
	}
	for _, c := range []prometheus.Collector{
		r.toolCalls, r.toolDuration, r.processes, r.runningProcs, r.sandboxWraps, r.barrierWaits,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ToolCall records a finished tool call.
func (r *Recorder) ToolCall(tool string, isError bool, d time.Duration) {
	if r == nil {
		return
	}
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	r.toolCalls.WithLabelValues(tool, outcome).Inc()
	r.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ProcessFinished records a process reaching a terminal status.
func (r *Recorder) ProcessFinished(mode, status string) {
	if r == nil {
		return
	}
	r.processes.WithLabelValues(mode, status).Inc()
}

// BackgroundStarted increments the running background gauge.
func (r *Recorder) BackgroundStarted() {
	if r == nil {
		return
	}
	r.runningProcs.Inc()
}

// BackgroundEnded decrements the running background gauge.
func (r *Recorder) BackgroundEnded() {
	if r == nil {
		return
	}
	r.runningProcs.Dec()
}

// SandboxWrap records one sandbox decision (result: confined, passthrough, fallback, refused).
func (r *Recorder) SandboxWrap(platform, result string) {
	if r == nil {
		return
	}
	r.sandboxWraps.WithLabelValues(platform, result).Inc()
}

// BarrierWait records a call blocked by the scheduler barrier.
func (r *Recorder) BarrierWait() {
	if r == nil {
		return
	}
	r.barrierWaits.Inc()
}
