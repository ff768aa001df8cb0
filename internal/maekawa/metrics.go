package maekawa

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects protocol counters and latencies for one node or, when shared,
// for a whole in-process cluster. It is safe for concurrent use.
type Metrics struct {
	mu sync.RWMutex

	// Time from multicasting REQUEST to entering the CS
	waitLatencies []time.Duration
	// Time spent inside the CS
	dwellTimes []time.Duration

	sentByType     [NumMessageTypes]atomic.Uint64
	receivedByType [NumMessageTypes]atomic.Uint64

	csEntries    atomic.Uint64
	droppedSends atomic.Uint64
	staleIgnored atomic.Uint64

	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		waitLatencies: make([]time.Duration, 0, 1024),
		dwellTimes:    make([]time.Duration, 0, 1024),
		startTime:     time.Now(),
	}
}

// RecordSent counts an outbound message of the given type
func (m *Metrics) RecordSent(t MessageType) {
	if t.Valid() {
		m.sentByType[t].Add(1)
	}
}

// RecordReceived counts an inbound message of the given type
func (m *Metrics) RecordReceived(t MessageType) {
	if t.Valid() {
		m.receivedByType[t].Add(1)
	}
}

// RecordDroppedSend counts a message the transport refused
func (m *Metrics) RecordDroppedSend() {
	m.droppedSends.Add(1)
}

// RecordStaleIgnored counts an inbound message ignored as stale
func (m *Metrics) RecordStaleIgnored() {
	m.staleIgnored.Add(1)
}

// RecordCSEntry records an entry into the CS and how long the node waited for it
func (m *Metrics) RecordCSEntry(wait time.Duration) {
	m.csEntries.Add(1)
	m.mu.Lock()
	m.waitLatencies = append(m.waitLatencies, wait)
	m.mu.Unlock()
}

// RecordDwell records how long a node stayed in the CS
func (m *Metrics) RecordDwell(d time.Duration) {
	m.mu.Lock()
	m.dwellTimes = append(m.dwellTimes, d)
	m.mu.Unlock()
}

// Sent returns the number of messages of type t sent
func (m *Metrics) Sent(t MessageType) uint64 {
	if !t.Valid() {
		return 0
	}
	return m.sentByType[t].Load()
}

// Received returns the number of messages of type t received
func (m *Metrics) Received(t MessageType) uint64 {
	if !t.Valid() {
		return 0
	}
	return m.receivedByType[t].Load()
}

// CSEntries returns the number of CS entries recorded
func (m *Metrics) CSEntries() uint64 {
	return m.csEntries.Load()
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// computeLatencyStats computes percentile statistics from latencies
func computeLatencyStats(latencies []time.Duration) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	ms := make([]float64, len(sorted))
	var sum float64
	for i, lat := range sorted {
		ms[i] = float64(lat.Microseconds()) / 1000.0
		sum += ms[i]
	}
	mean := sum / float64(len(ms))

	var variance float64
	for _, v := range ms {
		diff := v - mean
		variance += diff * diff
	}

	return LatencyStats{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(variance / float64(len(ms))),
	}
}

// percentile calculates the nth percentile from sorted data, interpolating linearly
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// GetWaitLatencyStats returns statistics for request-to-entry latencies
func (m *Metrics) GetWaitLatencyStats() LatencyStats {
	m.mu.RLock()
	latencies := make([]time.Duration, len(m.waitLatencies))
	copy(latencies, m.waitLatencies)
	m.mu.RUnlock()
	return computeLatencyStats(latencies)
}

// GetDwellStats returns statistics for time spent in the CS
func (m *Metrics) GetDwellStats() LatencyStats {
	m.mu.RLock()
	dwell := make([]time.Duration, len(m.dwellTimes))
	copy(dwell, m.dwellTimes)
	m.mu.RUnlock()
	return computeLatencyStats(dwell)
}

// Report contains all collected metrics
type Report struct {
	ClusterSize  int       `json:"cluster_size"`
	TestDuration float64   `json:"test_duration_seconds"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`

	WaitLatency LatencyStats `json:"wait_latency"`
	DwellTime   LatencyStats `json:"dwell_time"`

	CSEntries      uint64            `json:"cs_entries"`
	CSThroughput   float64           `json:"cs_entries_per_sec"`
	TotalSent      uint64            `json:"total_sent"`
	TotalReceived  uint64            `json:"total_received"`
	MessagesPerCS  float64           `json:"messages_per_cs_entry"`
	DroppedSends   uint64            `json:"dropped_sends"`
	StaleIgnored   uint64            `json:"stale_ignored"`
	SentByType     map[string]uint64 `json:"sent_by_type"`
	ReceivedByType map[string]uint64 `json:"received_by_type"`
}

// GetReport generates a report over everything recorded since the last Reset
func (m *Metrics) GetReport(clusterSize int) Report {
	m.mu.RLock()
	startTime := m.startTime
	m.mu.RUnlock()
	endTime := time.Now()
	duration := endTime.Sub(startTime).Seconds()

	r := Report{
		ClusterSize:    clusterSize,
		TestDuration:   duration,
		StartTime:      startTime,
		EndTime:        endTime,
		WaitLatency:    m.GetWaitLatencyStats(),
		DwellTime:      m.GetDwellStats(),
		CSEntries:      m.csEntries.Load(),
		DroppedSends:   m.droppedSends.Load(),
		StaleIgnored:   m.staleIgnored.Load(),
		SentByType:     make(map[string]uint64, NumMessageTypes),
		ReceivedByType: make(map[string]uint64, NumMessageTypes),
	}

	for t := RequestMsg; t <= YieldMsg; t++ {
		sent := m.sentByType[t].Load()
		received := m.receivedByType[t].Load()
		r.SentByType[t.String()] = sent
		r.ReceivedByType[t.String()] = received
		r.TotalSent += sent
		r.TotalReceived += received
	}

	if duration > 0 {
		r.CSThroughput = float64(r.CSEntries) / duration
	}
	if r.CSEntries > 0 {
		r.MessagesPerCS = float64(r.TotalSent) / float64(r.CSEntries)
	}
	return r
}

// PrintReport prints the report in a human-readable format
func (r *Report) PrintReport() {
	fmt.Println("\n========================================")
	fmt.Println("MAEKAWA MUTUAL EXCLUSION REPORT")
	fmt.Println("========================================")
	fmt.Printf("\nCluster Size: %d nodes\n", r.ClusterSize)
	fmt.Printf("Duration: %.2f seconds\n", r.TestDuration)

	fmt.Printf("\nRequest-to-Entry Latency:\n")
	printLatencyStats(r.WaitLatency)

	fmt.Printf("\nTime in Critical Section:\n")
	printLatencyStats(r.DwellTime)

	fmt.Printf("\nThroughput:\n")
	fmt.Printf("  CS Entries: %d\n", r.CSEntries)
	fmt.Printf("  CS Entries/sec: %.2f\n", r.CSThroughput)
	fmt.Printf("  Messages per CS Entry: %.2f\n", r.MessagesPerCS)

	fmt.Printf("\nMessage Breakdown (sent/received):\n")
	for t := RequestMsg; t <= YieldMsg; t++ {
		fmt.Printf("  %-8s %d/%d\n", t.String()+":", r.SentByType[t.String()], r.ReceivedByType[t.String()])
	}
	fmt.Printf("  Dropped sends: %d\n", r.DroppedSends)
	fmt.Printf("  Stale messages ignored: %d\n", r.StaleIgnored)
	fmt.Println("\n========================================")
}

func printLatencyStats(stats LatencyStats) {
	if stats.Count == 0 {
		fmt.Printf("  No data collected\n")
		return
	}
	fmt.Printf("  Count: %d\n", stats.Count)
	fmt.Printf("  Min: %.3f ms\n", stats.Min)
	fmt.Printf("  Mean: %.3f ms\n", stats.Mean)
	fmt.Printf("  P50: %.3f ms\n", stats.P50)
	fmt.Printf("  P95: %.3f ms\n", stats.P95)
	fmt.Printf("  P99: %.3f ms\n", stats.P99)
	fmt.Printf("  Max: %.3f ms\n", stats.Max)
	fmt.Printf("  StdDev: %.3f ms\n", stats.StdDev)
}

// SaveJSON writes the report to filename as indented JSON
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Reset clears all collected metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.waitLatencies = make([]time.Duration, 0, 1024)
	m.dwellTimes = make([]time.Duration, 0, 1024)
	m.startTime = time.Now()
	m.mu.Unlock()

	for t := 0; t < NumMessageTypes; t++ {
		m.sentByType[t].Store(0)
		m.receivedByType[t].Store(0)
	}
	m.csEntries.Store(0)
	m.droppedSends.Store(0)
	m.staleIgnored.Store(0)
}
