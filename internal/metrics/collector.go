// Package metrics provides in-memory statistics for an export run.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Failures  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Byte metrics (only for transfer operations)
	TotalBytes int64
	MaxBytes   int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	Failures    int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64

	// Byte stats (nil if not applicable)
	TotalBytes *int64
	MaxBytes   *int64
}

// Snapshot represents the run statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64
	HTTPRequest   *OperationSnapshot
	GraphQL       *OperationSnapshot
	Download      *OperationSnapshot
	Extract       *OperationSnapshot
	Checkpoint    *OperationSnapshot
}

// Operation names for the collector.
const (
	OpHTTPRequest = "http_request"
	OpGraphQL     = "graphql"
	OpDownload    = "download"
	OpExtract     = "extract"
	OpCheckpoint  = "checkpoint"
)

// Operations lists every operation name in report order.
var Operations = []string{OpHTTPRequest, OpGraphQL, OpDownload, OpExtract, OpCheckpoint}

// Collector aggregates in-memory run statistics.
// All methods are thread-safe and safe to call on a nil *Collector.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

func (m *OperationMetrics) observe(duration time.Duration) {
	m.Count++
	m.TotalTime += duration
	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.getOrCreate(op).observe(duration)
}

// RecordTransfer records timing and size of a transfer. A non-nil err
// counts the attempt as a failure.
func (c *Collector) RecordTransfer(op string, duration time.Duration, bytes int64, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.observe(duration)
	if err != nil {
		m.Failures++
		return
	}
	m.TotalBytes += bytes
	if bytes > m.MaxBytes {
		m.MaxBytes = bytes
	}
}

// RecordFailure counts a failed operation without timing it.
func (c *Collector) RecordFailure(op string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.getOrCreate(op).Failures++
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics, includeBytes bool) *OperationSnapshot {
	if m == nil || (m.Count == 0 && m.Failures == 0) {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		Failures:    m.Failures,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
	if m.Count > 0 {
		snap.AvgTimeMs = float64(m.TotalTime.Milliseconds()) / float64(m.Count)
		snap.MinTimeMs = m.MinTime.Milliseconds()
	}

	if includeBytes {
		total := m.TotalBytes
		largest := m.MaxBytes
		snap.TotalBytes = &total
		snap.MaxBytes = &largest
	}

	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		HTTPRequest:   snapshotOp(c.ops[OpHTTPRequest], false),
		GraphQL:       snapshotOp(c.ops[OpGraphQL], false),
		Download:      snapshotOp(c.ops[OpDownload], true),
		Extract:       snapshotOp(c.ops[OpExtract], false),
		Checkpoint:    snapshotOp(c.ops[OpCheckpoint], false),
	}
}

// Op returns the snapshot for a single operation by name.
func (s Snapshot) Op(name string) *OperationSnapshot {
	switch name {
	case OpHTTPRequest:
		return s.HTTPRequest
	case OpGraphQL:
		return s.GraphQL
	case OpDownload:
		return s.Download
	case OpExtract:
		return s.Extract
	case OpCheckpoint:
		return s.Checkpoint
	default:
		return nil
	}
}
