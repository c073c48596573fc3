package ublk

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// from 1us to 10s with logarithmic spacing
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

// OpStats counts one class of requests
type OpStats struct {
	Ops    atomic.Uint64
	Bytes  atomic.Uint64 // successful requests only
	Errors atomic.Uint64
}

func (s *OpStats) record(bytes uint64, success bool) {
	s.Ops.Add(1)
	if success {
		s.Bytes.Add(bytes)
	} else {
		s.Errors.Add(1)
	}
}

func (s *OpStats) reset() {
	s.Ops.Store(0)
	s.Bytes.Store(0)
	s.Errors.Store(0)
}

// Metrics tracks request statistics for a device. Every field is updated
// atomically so reactors on different queues record without locking.
type Metrics struct {
	Read    OpStats
	Write   OpStats // includes ZONE_APPEND
	Discard OpStats // includes WRITE_ZEROES
	Flush   OpStats
	Zone    OpStats // zone management and REPORT_ZONES

	// completions reaped per reactor wakeup
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyBuckets[i] counts requests with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano, 0 while running
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) stats() []*OpStats {
	return []*OpStats{&m.Read, &m.Write, &m.Discard, &m.Flush, &m.Zone}
}

// RecordRead records a read request
func (m *Metrics) RecordRead(bytes, latencyNs uint64, success bool) {
	m.Read.record(bytes, success)
	m.recordLatency(latencyNs)
}

// RecordWrite records a write or zone append request
func (m *Metrics) RecordWrite(bytes, latencyNs uint64, success bool) {
	m.Write.record(bytes, success)
	m.recordLatency(latencyNs)
}

// RecordDiscard records a discard or write-zeroes request
func (m *Metrics) RecordDiscard(bytes, latencyNs uint64, success bool) {
	m.Discard.record(bytes, success)
	m.recordLatency(latencyNs)
}

// RecordFlush records a flush request
func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.Flush.record(0, success)
	m.recordLatency(latencyNs)
}

// RecordZone records a zone management or report request
func (m *Metrics) RecordZone(latencyNs uint64, success bool) {
	m.Zone.record(0, success)
	m.recordLatency(latencyNs)
}

// RecordQueueDepth records the number of completions one wakeup handled
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current || m.MaxQueueDepth.CompareAndSwap(current, depth) {
			return
		}
	}
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

// Stop marks the device as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates
type MetricsSnapshot struct {
	ReadOps    uint64
	WriteOps   uint64
	DiscardOps uint64
	FlushOps   uint64
	ZoneOps    uint64

	ReadBytes    uint64
	WriteBytes   uint64
	DiscardBytes uint64

	ReadErrors    uint64
	WriteErrors   uint64
	DiscardErrors uint64
	FlushErrors   uint64
	ZoneErrors    uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs  uint64
	UptimeNs      uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64 // bytes per second
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64 // percent of requests that failed
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:       m.Read.Ops.Load(),
		WriteOps:      m.Write.Ops.Load(),
		DiscardOps:    m.Discard.Ops.Load(),
		FlushOps:      m.Flush.Ops.Load(),
		ZoneOps:       m.Zone.Ops.Load(),
		ReadBytes:     m.Read.Bytes.Load(),
		WriteBytes:    m.Write.Bytes.Load(),
		DiscardBytes:  m.Discard.Bytes.Load(),
		ReadErrors:    m.Read.Errors.Load(),
		WriteErrors:   m.Write.Errors.Load(),
		DiscardErrors: m.Discard.Errors.Load(),
		FlushErrors:   m.Flush.Errors.Load(),
		ZoneErrors:    m.Zone.Errors.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.DiscardOps + snap.FlushOps + snap.ZoneOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes + snap.DiscardBytes

	if n := m.QueueDepthCount.Load(); n > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(n)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	end := m.StopTime.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	snap.UptimeNs = uint64(end - m.StartTime.Load())

	if snap.UptimeNs > 0 {
		secs := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / secs
		snap.WriteIOPS = float64(snap.WriteOps) / secs
		snap.ReadBandwidth = float64(snap.ReadBytes) / secs
		snap.WriteBandwidth = float64(snap.WriteBytes) / secs
	}

	errs := snap.ReadErrors + snap.WriteErrors + snap.DiscardErrors + snap.FlushErrors + snap.ZoneErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(errs) / float64(snap.TotalOps) * 100.0
	}

	for i := range snap.LatencyHistogram {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = m.percentile(0.50)
		snap.LatencyP99Ns = m.percentile(0.99)
		snap.LatencyP999Ns = m.percentile(0.999)
	}
	return snap
}

// percentile estimates the latency at p (0.0-1.0) by linear interpolation
// inside the histogram bucket that holds it
func (m *Metrics) percentile(p float64) uint64 {
	total := m.OpCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)

	var lower, prevCount uint64
	for i, upper := range LatencyBuckets {
		count := m.LatencyBuckets[i].Load()
		if count >= target {
			if count == prevCount {
				return upper
			}
			frac := float64(target-prevCount) / float64(count-prevCount)
			return lower + uint64(frac*float64(upper-lower))
		}
		lower, prevCount = upper, count
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes every counter and restarts the uptime clock
func (m *Metrics) Reset() {
	for _, s := range m.stats() {
		s.reset()
	}
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := range m.LatencyBuckets {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives per-request measurements from the queue reactors.
// Calls come from reactor goroutines and must not block.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveDiscard(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveZone(latencyNs uint64, success bool)

	// ObserveQueueDepth is called once per reactor wakeup with the number
	// of completions handled
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver discards every measurement
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)    {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool)   {}
func (NoOpObserver) ObserveDiscard(uint64, uint64, bool) {}
func (NoOpObserver) ObserveFlush(uint64, bool)           {}
func (NoOpObserver) ObserveZone(uint64, bool)            {}
func (NoOpObserver) ObserveQueueDepth(uint32)            {}

// MetricsObserver records into a Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveDiscard(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordDiscard(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.metrics.RecordFlush(latencyNs, success)
}

func (o *MetricsObserver) ObserveZone(latencyNs uint64, success bool) {
	o.metrics.RecordZone(latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// MultiObserver fans measurements out to several observers
type MultiObserver []Observer

func (mo MultiObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	for _, o := range mo {
		o.ObserveRead(bytes, latencyNs, success)
	}
}

func (mo MultiObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	for _, o := range mo {
		o.ObserveWrite(bytes, latencyNs, success)
	}
}

func (mo MultiObserver) ObserveDiscard(bytes, latencyNs uint64, success bool) {
	for _, o := range mo {
		o.ObserveDiscard(bytes, latencyNs, success)
	}
}

func (mo MultiObserver) ObserveFlush(latencyNs uint64, success bool) {
	for _, o := range mo {
		o.ObserveFlush(latencyNs, success)
	}
}

func (mo MultiObserver) ObserveZone(latencyNs uint64, success bool) {
	for _, o := range mo {
		o.ObserveZone(latencyNs, success)
	}
}

func (mo MultiObserver) ObserveQueueDepth(depth uint32) {
	for _, o := range mo {
		o.ObserveQueueDepth(depth)
	}
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
	_ Observer = MultiObserver(nil)
)
