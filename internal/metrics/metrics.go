package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimerStat summarizes the recorded durations for one timer.
type TimerStat struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

type timer struct {
	count       int64
	totalTimeMs int64
	maxTimeMs   int64
}

// Metrics is an in-process metrics collector. The orchestration core records
// event dispatches, job outcomes and webhook deliveries here; the /metrics
// endpoint serves the snapshot.
type Metrics struct {
	mu        sync.RWMutex
	counters  map[string]*int64
	gauges    map[string]*int64
	timers    map[string]*timer
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]*int64),
		gauges:    make(map[string]*int64),
		timers:    make(map[string]*timer),
		startTime: time.Now(),
	}
}

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	atomic.AddInt64(m.counter(name), 1)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	m.mu.RLock()
	gauge, exists := m.gauges[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if gauge, exists = m.gauges[name]; !exists {
			var g int64
			gauge = &g
			m.gauges[name] = gauge
		}
		m.mu.Unlock()
	}

	atomic.StoreInt64(gauge, value)
}

// RecordTimer records a timing measurement
func (m *Metrics) RecordTimer(name string, duration time.Duration) {
	durationMs := duration.Milliseconds()

	m.mu.RLock()
	t, exists := m.timers[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if t, exists = m.timers[name]; !exists {
			t = &timer{}
			m.timers[name] = t
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.totalTimeMs, durationMs)

	// Update max if larger
	for {
		currentMax := atomic.LoadInt64(&t.maxTimeMs)
		if durationMs <= currentMax {
			break
		}
		if atomic.CompareAndSwapInt64(&t.maxTimeMs, currentMax, durationMs) {
			break
		}
	}
}

func (m *Metrics) counter(name string) *int64 {
	m.mu.RLock()
	c, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if c, exists = m.counters[name]; !exists {
			var v int64
			c = &v
			m.counters[name] = c
		}
		m.mu.Unlock()
	}

	return c
}

// GetCounters returns all counters
func (m *Metrics) GetCounters() map[string]int64 {
	counters := make(map[string]int64)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, counter := range m.counters {
		counters[name] = atomic.LoadInt64(counter)
	}

	return counters
}

// GetGauges returns all gauges
func (m *Metrics) GetGauges() map[string]int64 {
	gauges := make(map[string]int64)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, gauge := range m.gauges {
		gauges[name] = atomic.LoadInt64(gauge)
	}

	return gauges
}

// GetTimers returns all timers
func (m *Metrics) GetTimers() map[string]TimerStat {
	timers := make(map[string]TimerStat)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, t := range m.timers {
		count := atomic.LoadInt64(&t.count)
		totalTime := atomic.LoadInt64(&t.totalTimeMs)

		var average float64
		if count > 0 {
			average = float64(totalTime) / float64(count)
		}

		timers[name] = TimerStat{
			Count:         count,
			TotalTimeMs:   totalTime,
			AverageTimeMs: average,
			MaxTimeMs:     atomic.LoadInt64(&t.maxTimeMs),
		}
	}

	return timers
}

// GetUptimeSeconds returns the service uptime in seconds
func (m *Metrics) GetUptimeSeconds() int64 {
	return int64(time.Since(m.startTime).Seconds())
}

// GetAllMetrics returns all metrics in a structured format
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": m.GetUptimeSeconds(),
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"timers":         m.GetTimers(),
	}
}
