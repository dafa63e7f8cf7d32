package xdna

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the wait latency histogram buckets in nanoseconds.
// Buckets cover from 10us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 7

// Metrics tracks resource and submission statistics for a platform
type Metrics struct {
	// Buffer objects
	BufferAllocs      atomic.Uint64
	BufferAllocErrors atomic.Uint64
	BufferFrees       atomic.Uint64
	BytesAllocated    atomic.Uint64
	BytesLive         atomic.Int64

	// Hardware contexts
	ContextsCreated      atomic.Uint64
	ContextCreateErrors  atomic.Uint64
	ContextsDestroyed    atomic.Uint64
	ContextDestroyErrors atomic.Uint64

	// Commands
	CommandsSubmitted atomic.Uint64
	CommandErrors     atomic.Uint64
	CommandWaits      atomic.Uint64
	CommandTimeouts   atomic.Uint64

	// Fences
	FenceSignals      atomic.Uint64
	FenceSignalErrors atomic.Uint64
	FenceWaits        atomic.Uint64
	FenceWaitErrors   atomic.Uint64

	// Wait latency across command and fence waits
	TotalWaitNs atomic.Uint64
	WaitCount   atomic.Uint64

	// Latency histogram buckets (cumulative)
	// Each bucket[i] contains the count of waits with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordBufferAlloc records an allocation attempt
func (m *Metrics) RecordBufferAlloc(bytes uint64, success bool) {
	if !success {
		m.BufferAllocErrors.Add(1)
		return
	}
	m.BufferAllocs.Add(1)
	m.BytesAllocated.Add(bytes)
	m.BytesLive.Add(int64(bytes))
}

// RecordBufferFree records a release
func (m *Metrics) RecordBufferFree(bytes uint64) {
	m.BufferFrees.Add(1)
	m.BytesLive.Add(-int64(bytes))
}

// RecordContextCreate records a context construction
func (m *Metrics) RecordContextCreate(success bool) {
	if success {
		m.ContextsCreated.Add(1)
	} else {
		m.ContextCreateErrors.Add(1)
	}
}

// RecordContextDestroy records a context teardown
func (m *Metrics) RecordContextDestroy(success bool) {
	m.ContextsDestroyed.Add(1)
	if !success {
		m.ContextDestroyErrors.Add(1)
	}
}

// RecordCommandSubmit records an EXEC_BUF submission
func (m *Metrics) RecordCommandSubmit(success bool) {
	m.CommandsSubmitted.Add(1)
	if !success {
		m.CommandErrors.Add(1)
	}
}

// RecordCommandWait records a blocking command wait. Failed waits include
// timeouts.
func (m *Metrics) RecordCommandWait(latencyNs uint64, success bool) {
	m.CommandWaits.Add(1)
	if !success {
		m.CommandTimeouts.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFenceSignal records a host signal
func (m *Metrics) RecordFenceSignal(success bool) {
	m.FenceSignals.Add(1)
	if !success {
		m.FenceSignalErrors.Add(1)
	}
}

// RecordFenceWait records a host wait
func (m *Metrics) RecordFenceWait(latencyNs uint64, success bool) {
	m.FenceWaits.Add(1)
	if !success {
		m.FenceWaitErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// recordLatency records wait latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalWaitNs.Add(latencyNs)
	m.WaitCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	BufferAllocs      uint64
	BufferAllocErrors uint64
	BufferFrees       uint64
	BytesAllocated    uint64
	BytesLive         int64

	ContextsCreated      uint64
	ContextCreateErrors  uint64
	ContextsDestroyed    uint64
	ContextDestroyErrors uint64
	LiveContexts         int64

	CommandsSubmitted uint64
	CommandErrors     uint64
	CommandWaits      uint64
	CommandTimeouts   uint64

	FenceSignals      uint64
	FenceSignalErrors uint64
	FenceWaits        uint64
	FenceWaitErrors   uint64

	AvgWaitNs    uint64
	WaitP50Ns    uint64
	WaitP99Ns    uint64
	UptimeNs     uint64
	SubmitRate   float64 // commands per second
	LatencyHisto [numLatencyBuckets]uint64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		BufferAllocs:         m.BufferAllocs.Load(),
		BufferAllocErrors:    m.BufferAllocErrors.Load(),
		BufferFrees:          m.BufferFrees.Load(),
		BytesAllocated:       m.BytesAllocated.Load(),
		BytesLive:            m.BytesLive.Load(),
		ContextsCreated:      m.ContextsCreated.Load(),
		ContextCreateErrors:  m.ContextCreateErrors.Load(),
		ContextsDestroyed:    m.ContextsDestroyed.Load(),
		ContextDestroyErrors: m.ContextDestroyErrors.Load(),
		CommandsSubmitted:    m.CommandsSubmitted.Load(),
		CommandErrors:        m.CommandErrors.Load(),
		CommandWaits:         m.CommandWaits.Load(),
		CommandTimeouts:      m.CommandTimeouts.Load(),
		FenceSignals:         m.FenceSignals.Load(),
		FenceSignalErrors:    m.FenceSignalErrors.Load(),
		FenceWaits:           m.FenceWaits.Load(),
		FenceWaitErrors:      m.FenceWaitErrors.Load(),
	}
	snap.LiveContexts = int64(snap.ContextsCreated) - int64(snap.ContextsDestroyed)

	waits := m.WaitCount.Load()
	if waits > 0 {
		snap.AvgWaitNs = m.TotalWaitNs.Load() / waits
		snap.WaitP50Ns = m.calculatePercentile(0.50)
		snap.WaitP99Ns = m.calculatePercentile(0.99)
	}

	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())
	if snap.UptimeNs > 0 {
		snap.SubmitRate = float64(snap.CommandsSubmitted) / (float64(snap.UptimeNs) / 1e9)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHisto[i] = m.LatencyBuckets[i].Load()
	}
	return snap
}

// calculatePercentile estimates the wait latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.WaitCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		count := m.LatencyBuckets[i].Load()
		if count >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if count == prevCount {
				return bucket
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters
func (m *Metrics) Reset() {
	*m = Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
}

// Observer receives resource and submission events. Implementations must be
// safe for concurrent use.
type Observer interface {
	ObserveBufferAlloc(bytes uint64, success bool)
	ObserveBufferFree(bytes uint64)
	ObserveContextCreate(success bool)
	ObserveContextDestroy(latencyNs uint64, success bool)
	ObserveCommandSubmit(success bool)
	ObserveCommandWait(latencyNs uint64, success bool)
	ObserveFenceSignal(success bool)
	ObserveFenceWait(latencyNs uint64, success bool)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveBufferAlloc(uint64, bool)    {}
func (NoOpObserver) ObserveBufferFree(uint64)           {}
func (NoOpObserver) ObserveContextCreate(bool)          {}
func (NoOpObserver) ObserveContextDestroy(uint64, bool) {}
func (NoOpObserver) ObserveCommandSubmit(bool)          {}
func (NoOpObserver) ObserveCommandWait(uint64, bool)    {}
func (NoOpObserver) ObserveFenceSignal(bool)            {}
func (NoOpObserver) ObserveFenceWait(uint64, bool)      {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveBufferAlloc(bytes uint64, success bool) {
	o.metrics.RecordBufferAlloc(bytes, success)
}

func (o *MetricsObserver) ObserveBufferFree(bytes uint64) {
	o.metrics.RecordBufferFree(bytes)
}

func (o *MetricsObserver) ObserveContextCreate(success bool) {
	o.metrics.RecordContextCreate(success)
}

func (o *MetricsObserver) ObserveContextDestroy(_ uint64, success bool) {
	o.metrics.RecordContextDestroy(success)
}

func (o *MetricsObserver) ObserveCommandSubmit(success bool) {
	o.metrics.RecordCommandSubmit(success)
}

func (o *MetricsObserver) ObserveCommandWait(latencyNs uint64, success bool) {
	o.metrics.RecordCommandWait(latencyNs, success)
}

func (o *MetricsObserver) ObserveFenceSignal(success bool) {
	o.metrics.RecordFenceSignal(success)
}

func (o *MetricsObserver) ObserveFenceWait(latencyNs uint64, success bool) {
	o.metrics.RecordFenceWait(latencyNs, success)
}

// multiObserver fans events out to several observers
type multiObserver []Observer

// MultiObserver combines observers into one
func MultiObserver(obs ...Observer) Observer {
	return multiObserver(obs)
}

func (m multiObserver) ObserveBufferAlloc(bytes uint64, success bool) {
	for _, o := range m {
		o.ObserveBufferAlloc(bytes, success)
	}
}

func (m multiObserver) ObserveBufferFree(bytes uint64) {
	for _, o := range m {
		o.ObserveBufferFree(bytes)
	}
}

func (m multiObserver) ObserveContextCreate(success bool) {
	for _, o := range m {
		o.ObserveContextCreate(success)
	}
}

func (m multiObserver) ObserveContextDestroy(latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveContextDestroy(latencyNs, success)
	}
}

func (m multiObserver) ObserveCommandSubmit(success bool) {
	for _, o := range m {
		o.ObserveCommandSubmit(success)
	}
}

func (m multiObserver) ObserveCommandWait(latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveCommandWait(latencyNs, success)
	}
}

func (m multiObserver) ObserveFenceSignal(success bool) {
	for _, o := range m {
		o.ObserveFenceSignal(success)
	}
}

func (m multiObserver) ObserveFenceWait(latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveFenceWait(latencyNs, success)
	}
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
var _ Observer = multiObserver(nil)
