package rendez

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering the duration of one rendezvous operation (including the time
// the caller spends parked in an endpoint's wait condition), from 1us to
// 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for one Device.
type Metrics struct {
	SendOps        atomic.Uint64
	SendReceiveOps atomic.Uint64
	ReceiveOps     atomic.Uint64
	ReplyOps       atomic.Uint64

	BytesCopied atomic.Uint64

	SendErrors        atomic.Uint64
	SendReceiveErrors atomic.Uint64
	ReceiveErrors     atomic.Uint64
	ReplyErrors       atomic.Uint64

	PinFailures        atomic.Uint64
	Interrupted        atomic.Uint64
	ZombieLookupMisses atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSend records a completed or failed SEND.
func (m *Metrics) RecordSend(bytes uint64, latencyNs uint64, success bool) {
	m.SendOps.Add(1)
	if success {
		m.BytesCopied.Add(bytes)
	} else {
		m.SendErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordSendReceive records a completed or failed SEND_RECEIVE.
func (m *Metrics) RecordSendReceive(bytes uint64, latencyNs uint64, success bool) {
	m.SendReceiveOps.Add(1)
	if success {
		m.BytesCopied.Add(bytes)
	} else {
		m.SendReceiveErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordReceive records a completed or failed RECEIVE.
func (m *Metrics) RecordReceive(bytes uint64, latencyNs uint64, success bool) {
	m.ReceiveOps.Add(1)
	if success {
		m.BytesCopied.Add(bytes)
	} else {
		m.ReceiveErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordReply records a completed or failed REPLY.
func (m *Metrics) RecordReply(bytes uint64, latencyNs uint64, success bool) {
	m.ReplyOps.Add(1)
	if success {
		m.BytesCopied.Add(bytes)
	} else {
		m.ReplyErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordPinFailure counts a PageMap pin failure.
func (m *Metrics) RecordPinFailure() {
	m.PinFailures.Add(1)
}

// RecordInterrupted counts an operation that returned Interrupted.
func (m *Metrics) RecordInterrupted() {
	m.Interrupted.Add(1)
}

// RecordZombieLookupMiss counts a strong-ref lookup of a destination
// endpoint that failed: the endpoint was already a zombie, or is no longer
// (or never was) in its process's table.
func (m *Metrics) RecordZombieLookupMiss() {
	m.ZombieLookupMisses.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	SendOps        uint64
	SendReceiveOps uint64
	ReceiveOps     uint64
	ReplyOps       uint64

	BytesCopied uint64

	SendErrors        uint64
	SendReceiveErrors uint64
	ReceiveErrors     uint64
	ReplyErrors       uint64

	PinFailures        uint64
	Interrupted        uint64
	ZombieLookupMisses uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps  uint64
	ErrorRate float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		SendOps:            m.SendOps.Load(),
		SendReceiveOps:     m.SendReceiveOps.Load(),
		ReceiveOps:         m.ReceiveOps.Load(),
		ReplyOps:           m.ReplyOps.Load(),
		BytesCopied:        m.BytesCopied.Load(),
		SendErrors:         m.SendErrors.Load(),
		SendReceiveErrors:  m.SendReceiveErrors.Load(),
		ReceiveErrors:      m.ReceiveErrors.Load(),
		ReplyErrors:        m.ReplyErrors.Load(),
		PinFailures:        m.PinFailures.Load(),
		Interrupted:        m.Interrupted.Load(),
		ZombieLookupMisses: m.ZombieLookupMisses.Load(),
	}

	snap.TotalOps = snap.SendOps + snap.SendReceiveOps + snap.ReceiveOps + snap.ReplyOps

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	totalErrors := snap.SendErrors + snap.SendReceiveErrors + snap.ReceiveErrors + snap.ReplyErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.SendOps.Store(0)
	m.SendReceiveOps.Store(0)
	m.ReceiveOps.Store(0)
	m.ReplyOps.Store(0)
	m.BytesCopied.Store(0)
	m.SendErrors.Store(0)
	m.SendReceiveErrors.Store(0)
	m.ReceiveErrors.Store(0)
	m.ReplyErrors.Store(0)
	m.PinFailures.Store(0)
	m.Interrupted.Store(0)
	m.ZombieLookupMisses.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection for rendezvous operations.
type Observer interface {
	ObserveSend(bytes uint64, latencyNs uint64, success bool)
	ObserveSendReceive(bytes uint64, latencyNs uint64, success bool)
	ObserveReceive(bytes uint64, latencyNs uint64, success bool)
	ObserveReply(bytes uint64, latencyNs uint64, success bool)
	ObservePinFailure()
	ObserveInterrupted()
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSend(uint64, uint64, bool)        {}
func (NoOpObserver) ObserveSendReceive(uint64, uint64, bool) {}
func (NoOpObserver) ObserveReceive(uint64, uint64, bool)     {}
func (NoOpObserver) ObserveReply(uint64, uint64, bool)       {}
func (NoOpObserver) ObservePinFailure()                      {}
func (NoOpObserver) ObserveInterrupted()                     {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSend(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordSend(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveSendReceive(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordSendReceive(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveReceive(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordReceive(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveReply(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordReply(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObservePinFailure() {
	o.metrics.RecordPinFailure()
}

func (o *MetricsObserver) ObserveInterrupted() {
	o.metrics.RecordInterrupted()
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
