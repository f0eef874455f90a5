package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCountersAreSafeUnderConcurrency(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.IncrementCounter("events_published")
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 5000, m.GetCounters()["events_published"])
}

func TestGaugesAndTimers(t *testing.T) {
	m := NewMetrics()

	m.SetGauge("queue_depth", 7)
	m.SetGauge("queue_depth", 3)
	require.EqualValues(t, 3, m.GetGauges()["queue_depth"])

	m.RecordTimer("webhook_delivery", 100*time.Millisecond)
	m.RecordTimer("webhook_delivery", 300*time.Millisecond)

	stat := m.GetTimers()["webhook_delivery"]
	require.EqualValues(t, 2, stat.Count)
	require.EqualValues(t, 400, stat.TotalTimeMs)
	require.EqualValues(t, 300, stat.MaxTimeMs)
	require.InDelta(t, 200, stat.AverageTimeMs, 0.01)

	all := m.GetAllMetrics()
	require.Contains(t, all, "uptime_seconds")
	require.Contains(t, all, "counters")
	require.Contains(t, all, "timers")
}
