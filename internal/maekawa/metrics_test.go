package maekawa

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.RecordSent(RequestMsg)
	m.RecordSent(RequestMsg)
	m.RecordSent(GrantMsg)
	m.RecordSent(MessageType(42))
	m.RecordReceived(YieldMsg)
	m.RecordDroppedSend()
	m.RecordStaleIgnored()

	assert.Equal(t, uint64(2), m.Sent(RequestMsg))
	assert.Equal(t, uint64(1), m.Sent(GrantMsg))
	assert.Equal(t, uint64(0), m.Sent(MessageType(42)))
	assert.Equal(t, uint64(1), m.Received(YieldMsg))
	assert.Equal(t, uint64(1), m.droppedSends.Load())
	assert.Equal(t, uint64(1), m.staleIgnored.Load())
}

func TestMetrics_LatencyStats(t *testing.T) {
	m := NewMetrics()
	for i := 1; i <= 100; i++ {
		m.RecordCSEntry(time.Duration(i) * time.Millisecond)
	}
	m.RecordDwell(4 * time.Millisecond)

	stats := m.GetWaitLatencyStats()
	assert.Equal(t, 100, stats.Count)
	assert.Equal(t, 1.0, stats.Min)
	assert.Equal(t, 100.0, stats.Max)
	assert.InDelta(t, 50.5, stats.Mean, 0.001)
	assert.InDelta(t, 50.5, stats.P50, 0.001)
	assert.Greater(t, stats.P99, stats.P95)
	assert.Equal(t, uint64(100), m.CSEntries())

	dwell := m.GetDwellStats()
	assert.Equal(t, 1, dwell.Count)
	assert.Equal(t, 4.0, dwell.P99)

	assert.Equal(t, LatencyStats{}, computeLatencyStats(nil))
}

func TestPercentile(t *testing.T) {
	data := []float64{10, 20, 30, 40}
	assert.Equal(t, 10.0, percentile(data, 0))
	assert.Equal(t, 40.0, percentile(data, 100))
	assert.InDelta(t, 25.0, percentile(data, 50), 0.001)
	assert.Equal(t, 0.0, percentile(nil, 50))
}

func TestMetrics_Report(t *testing.T) {
	m := NewMetrics()
	m.RecordCSEntry(time.Millisecond)
	m.RecordCSEntry(time.Millisecond)
	for i := 0; i < 6; i++ {
		m.RecordSent(RequestMsg)
		m.RecordSent(GrantMsg)
	}
	m.RecordReceived(GrantMsg)

	r := m.GetReport(3)
	assert.Equal(t, 3, r.ClusterSize)
	assert.Equal(t, uint64(2), r.CSEntries)
	assert.Equal(t, uint64(12), r.TotalSent)
	assert.Equal(t, uint64(1), r.TotalReceived)
	assert.InDelta(t, 6.0, r.MessagesPerCS, 0.001)
	assert.Equal(t, uint64(6), r.SentByType["Request"])
	assert.Equal(t, uint64(0), r.SentByType["Yield"])
	assert.Len(t, r.SentByType, NumMessageTypes)

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, r.SaveJSON(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, float64(2), decoded["cs_entries"])
	assert.Contains(t, decoded, "wait_latency")
}

func TestMetrics_Reset(t *testing.T) {
	m := NewMetrics()
	m.RecordSent(FailMsg)
	m.RecordCSEntry(time.Millisecond)
	m.RecordDwell(time.Millisecond)
	m.RecordDroppedSend()

	m.Reset()

	assert.Equal(t, uint64(0), m.Sent(FailMsg))
	assert.Equal(t, uint64(0), m.CSEntries())
	assert.Equal(t, 0, m.GetWaitLatencyStats().Count)
	assert.Equal(t, 0, m.GetDwellStats().Count)
	assert.Equal(t, uint64(0), m.droppedSends.Load())
}

func TestMetrics_ConcurrentAccess(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordSent(ReleaseMsg)
				m.RecordCSEntry(time.Microsecond)
				_ = m.GetReport(8)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(800), m.Sent(ReleaseMsg))
	assert.Equal(t, uint64(800), m.CSEntries())
}
