package rendez

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordSend(3, 1_000_000, true)
	m.RecordReceive(3, 2_000_000, true)
	m.RecordSend(0, 500_000, false)

	snap = m.Snapshot()

	if snap.SendOps != 2 {
		t.Errorf("Expected 2 send ops, got %d", snap.SendOps)
	}
	if snap.ReceiveOps != 1 {
		t.Errorf("Expected 1 receive op, got %d", snap.ReceiveOps)
	}
	if snap.BytesCopied != 6 {
		t.Errorf("Expected 6 bytes copied, got %d", snap.BytesCopied)
	}
	if snap.SendErrors != 1 {
		t.Errorf("Expected 1 send error, got %d", snap.SendErrors)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsPinFailuresAndInterrupted(t *testing.T) {
	m := NewMetrics()

	m.RecordPinFailure()
	m.RecordPinFailure()
	m.RecordInterrupted()
	m.RecordZombieLookupMiss()

	snap := m.Snapshot()
	if snap.PinFailures != 2 {
		t.Errorf("Expected 2 pin failures, got %d", snap.PinFailures)
	}
	if snap.Interrupted != 1 {
		t.Errorf("Expected 1 interrupted, got %d", snap.Interrupted)
	}
	if snap.ZombieLookupMisses != 1 {
		t.Errorf("Expected 1 zombie lookup miss, got %d", snap.ZombieLookupMisses)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordSend(4, 1_000_000, true)
	m.RecordReceive(4, 2_000_000, true)

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)
	snap := m.Snapshot()
	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)
	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1_000_000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordSend(4, 1_000_000, true)
	m.RecordReceive(4, 2_000_000, true)
	m.RecordPinFailure()

	snap := m.Snapshot()
	if snap.TotalOps == 0 {
		t.Error("Expected some operations before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 ops after reset, got %d", snap.TotalOps)
	}
	if snap.BytesCopied != 0 {
		t.Errorf("Expected 0 bytes after reset, got %d", snap.BytesCopied)
	}
	if snap.PinFailures != 0 {
		t.Errorf("Expected 0 pin failures after reset, got %d", snap.PinFailures)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveSend(4, 1_000_000, true)
	observer.ObserveSendReceive(4, 1_000_000, true)
	observer.ObserveReceive(4, 1_000_000, true)
	observer.ObserveReply(4, 1_000_000, true)
	observer.ObservePinFailure()
	observer.ObserveInterrupted()

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveSend(4, 1_000_000, true)
	metricsObserver.ObserveReceive(8, 2_000_000, true)

	snap := m.Snapshot()
	if snap.SendOps != 1 {
		t.Errorf("Expected 1 send op from observer, got %d", snap.SendOps)
	}
	if snap.ReceiveOps != 1 {
		t.Errorf("Expected 1 receive op from observer, got %d", snap.ReceiveOps)
	}
	if snap.BytesCopied != 12 {
		t.Errorf("Expected 12 bytes copied from observer, got %d", snap.BytesCopied)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordSend(4, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordReceive(4, 5_000_000, true) // 5ms
	}
	m.RecordReceive(4, 50_000_000, true) // 50ms, the single slowest op

	snap := m.Snapshot()

	if snap.TotalOps != 100 {
		t.Errorf("Expected 100 total ops, got %d", snap.TotalOps)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
