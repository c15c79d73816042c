// Package metrics collects in-memory runtime statistics for the pipeline
// and the retrieval endpoints.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Operation names recorded by the collector.
const (
	OpTranscription = "transcription"
	OpEmbedding     = "embedding"
	OpIndexWrite    = "index_write"
	OpSearch        = "search"
	OpLLM           = "llm"
)

type OperationMetrics struct {
	Count     int64
	Errors    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

type OperationSnapshot struct {
	Count       int64   `json:"count"`
	Errors      int64   `json:"errors"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// Snapshot is the collector state at a point in time.
type Snapshot struct {
	UptimeSeconds float64                      `json:"uptime_seconds"`
	Operations    map[string]OperationSnapshot `json:"operations"`
	CostUSD       map[string]float64           `json:"cost_usd"`
	TotalCostUSD  float64                      `json:"total_cost_usd"`
}

// Collector is safe for concurrent use. A nil *Collector discards
// everything, so components can take one optionally.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	cost      map[string]float64
}

func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
		cost:      make(map[string]float64),
	}
}

// getOrCreate expects the write lock to be held.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records one operation. A non-nil err also counts as an error.
func (c *Collector) RecordTiming(op string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration
	if err != nil {
		m.Errors++
	}
	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// Since is RecordTiming measured from start.
func (c *Collector) Since(op string, start time.Time, err error) {
	c.RecordTiming(op, time.Since(start), err)
}

// AddCost accumulates provider spend for a pipeline stage.
func (c *Collector) AddCost(stage string, usd float64) {
	if c == nil || usd == 0 {
		return
	}
	c.mu.Lock()
	c.cost[stage] += usd
	c.mu.Unlock()
}

func snapshotOp(m *OperationMetrics) OperationSnapshot {
	s := OperationSnapshot{
		Count:       m.Count,
		Errors:      m.Errors,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
	if m.Count > 0 {
		s.AvgTimeMs = float64(m.TotalTime.Milliseconds()) / float64(m.Count)
		s.MinTimeMs = m.MinTime.Milliseconds()
	}
	return s
}

func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{Operations: map[string]OperationSnapshot{}, CostUSD: map[string]float64{}}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Operations:    make(map[string]OperationSnapshot, len(c.ops)),
		CostUSD:       make(map[string]float64, len(c.cost)),
	}
	for name, m := range c.ops {
		snap.Operations[name] = snapshotOp(m)
	}
	for stage, usd := range c.cost {
		snap.CostUSD[stage] = usd
		snap.TotalCostUSD += usd
	}
	return snap
}

// OperationNames lists recorded operations in name order.
func (s Snapshot) OperationNames() []string {
	names := make([]string, 0, len(s.Operations))
	for n := range s.Operations {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
