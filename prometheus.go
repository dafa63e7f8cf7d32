package xdna

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver exports resource and submission events as Prometheus
// series
type PrometheusObserver struct {
	BufferAllocs     *prometheus.CounterVec
	BufferBytesLive  prometheus.Gauge
	BufferBytesTotal prometheus.Counter
	Contexts         *prometheus.CounterVec
	ContextsLive     prometheus.Gauge
	ContextTeardown  prometheus.Histogram
	Commands         *prometheus.CounterVec
	FenceOps         *prometheus.CounterVec
	WaitDuration     *prometheus.HistogramVec
}

// NewPrometheusObserver registers the series with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	f := promauto.With(reg)
	return &PrometheusObserver{
		BufferAllocs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xdna_buffer_allocations_total",
			Help: "Buffer object allocations by outcome",
		}, []string{"outcome"}),
		BufferBytesLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "xdna_buffer_bytes_live",
			Help: "Bytes held by buffer objects that have not been freed",
		}),
		BufferBytesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "xdna_buffer_bytes_allocated_total",
			Help: "Bytes allocated over the lifetime of the process",
		}),
		Contexts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xdna_hw_contexts_total",
			Help: "Hardware context lifecycle events by event and outcome",
		}, []string{"event", "outcome"}),
		ContextsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "xdna_hw_contexts_live",
			Help: "Hardware contexts currently on the device",
		}),
		ContextTeardown: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "xdna_hw_context_teardown_seconds",
			Help:    "Time spent tearing down a hardware context",
			Buckets: prometheus.ExponentialBuckets(1e-5, 10, 7), // 10us to 10s
		}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xdna_commands_total",
			Help: "Command submissions and waits by outcome",
		}, []string{"op", "outcome"}),
		FenceOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xdna_fence_operations_total",
			Help: "Host fence signals and waits by outcome",
		}, []string{"op", "outcome"}),
		WaitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xdna_wait_duration_seconds",
			Help:    "Time blocked in command and fence waits",
			Buckets: prometheus.ExponentialBuckets(1e-5, 10, 7),
		}, []string{"kind"}),
	}
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (p *PrometheusObserver) ObserveBufferAlloc(bytes uint64, success bool) {
	p.BufferAllocs.WithLabelValues(outcome(success)).Inc()
	if success {
		p.BufferBytesLive.Add(float64(bytes))
		p.BufferBytesTotal.Add(float64(bytes))
	}
}

func (p *PrometheusObserver) ObserveBufferFree(bytes uint64) {
	p.BufferBytesLive.Sub(float64(bytes))
}

func (p *PrometheusObserver) ObserveContextCreate(success bool) {
	p.Contexts.WithLabelValues("create", outcome(success)).Inc()
	if success {
		p.ContextsLive.Inc()
	}
}

func (p *PrometheusObserver) ObserveContextDestroy(latencyNs uint64, success bool) {
	p.Contexts.WithLabelValues("destroy", outcome(success)).Inc()
	p.ContextsLive.Dec()
	p.ContextTeardown.Observe(float64(latencyNs) / 1e9)
}

func (p *PrometheusObserver) ObserveCommandSubmit(success bool) {
	p.Commands.WithLabelValues("submit", outcome(success)).Inc()
}

func (p *PrometheusObserver) ObserveCommandWait(latencyNs uint64, success bool) {
	p.Commands.WithLabelValues("wait", outcome(success)).Inc()
	p.WaitDuration.WithLabelValues("command").Observe(float64(latencyNs) / 1e9)
}

func (p *PrometheusObserver) ObserveFenceSignal(success bool) {
	p.FenceOps.WithLabelValues("signal", outcome(success)).Inc()
}

func (p *PrometheusObserver) ObserveFenceWait(latencyNs uint64, success bool) {
	p.FenceOps.WithLabelValues("wait", outcome(success)).Inc()
	p.WaitDuration.WithLabelValues("fence").Observe(float64(latencyNs) / 1e9)
}

var _ Observer = (*PrometheusObserver)(nil)
