// Package observability collects in-process run metrics: task durations,
// cache effectiveness and worker concurrency.
package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

// Metrics holds all performance metrics of one scheduler run.
type Metrics struct {
	// Task metrics
	taskDuration  *Labeled[*Histogram] // by stage
	tasksFinished *Labeled[*Counter]   // by terminal state
	attempts      *Counter

	// Cache metrics
	cacheHits         *Counter
	cacheMisses       *Counter
	cacheInconsistent *Counter

	workers concurrency

	// Storage metrics
	ledgerWrite     *Histogram
	fingerprintTime *Histogram
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
func NewMetrics() *Metrics {
	return &Metrics{
		taskDuration:  newLabeled(NewHistogram),
		tasksFinished: newLabeled(NewCounter),
		attempts:      NewCounter(),

		cacheHits:         NewCounter(),
		cacheMisses:       NewCounter(),
		cacheInconsistent: NewCounter(),

		ledgerWrite:     NewHistogram(),
		fingerprintTime: NewHistogram(),
	}
}

func (m *Metrics) TaskDuration() *Labeled[*Histogram] { return m.taskDuration }
func (m *Metrics) TasksFinished() *Labeled[*Counter]  { return m.tasksFinished }
func (m *Metrics) Attempts() *Counter                 { return m.attempts }
func (m *Metrics) CacheHits() *Counter                { return m.cacheHits }
func (m *Metrics) CacheMisses() *Counter              { return m.cacheMisses }
func (m *Metrics) CacheInconsistent() *Counter        { return m.cacheInconsistent }
func (m *Metrics) LedgerWrite() *Histogram            { return m.ledgerWrite }
func (m *Metrics) FingerprintTime() *Histogram        { return m.fingerprintTime }

// InFlight is the number of tasks currently held by workers.
func (m *Metrics) InFlight() int64 { return m.workers.current.Load() }

// MaxInFlight is the largest InFlight value seen.
func (m *Metrics) MaxInFlight() int64 { return m.workers.peak.Load() }

// WorkerStarted records a task handed to a worker.
func (m *Metrics) WorkerStarted() { m.workers.start() }

// WorkerDone records a worker becoming idle.
func (m *Metrics) WorkerDone() { m.workers.done() }

// Snapshot returns a snapshot of all metrics for reporting.
func (m *Metrics) Snapshot() *MetricsSnapshot {
	return &MetricsSnapshot{
		TaskDuration:      snapshotLabeled(m.taskDuration, (*Histogram).Snapshot),
		TasksFinished:     snapshotLabeled(m.tasksFinished, (*Counter).Get),
		Attempts:          m.attempts.Get(),
		CacheHits:         m.cacheHits.Get(),
		CacheMisses:       m.cacheMisses.Get(),
		CacheInconsistent: m.cacheInconsistent.Get(),
		MaxInFlight:       m.MaxInFlight(),
		LedgerWrite:       m.ledgerWrite.Snapshot(),
		FingerprintTime:   m.fingerprintTime.Snapshot(),
	}
}

// MetricsSnapshot holds a point-in-time snapshot of all metrics.
type MetricsSnapshot struct {
	TaskDuration      map[string]HistogramSnapshot `json:"task_duration"`
	TasksFinished     map[string]int64             `json:"tasks_finished"`
	Attempts          int64                        `json:"attempts"`
	CacheHits         int64                        `json:"cache_hits"`
	CacheMisses       int64                        `json:"cache_misses"`
	CacheInconsistent int64                        `json:"cache_inconsistent"`
	MaxInFlight       int64                        `json:"max_in_flight"`
	LedgerWrite       HistogramSnapshot            `json:"ledger_write"`
	FingerprintTime   HistogramSnapshot            `json:"fingerprint_time"`
}

// WriteJSON writes the snapshot as indented JSON.
func (s *MetricsSnapshot) WriteJSON(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(s)
}

// WriteText writes a human-readable summary.
func (s *MetricsSnapshot) WriteText(w io.Writer) {
	fmt.Fprintf(w, "Cache: %d hits, %d misses, %d inconsistent\n", s.CacheHits, s.CacheMisses, s.CacheInconsistent)
	fmt.Fprintf(w, "Subprocess attempts: %d, max concurrent: %d\n", s.Attempts, s.MaxInFlight)
	writeHistogramSummary(w, "Ledger write", s.LedgerWrite)
	writeHistogramSummary(w, "Fingerprinting", s.FingerprintTime)

	if len(s.TaskDuration) > 0 {
		fmt.Fprintf(w, "Task duration by stage:\n")
		for _, label := range sortedKeys(s.TaskDuration) {
			fmt.Fprintf(w, "  %s:\n", label)
			writeHistogramSummaryIndented(w, s.TaskDuration[label])
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeHistogramSummary(w io.Writer, name string, h HistogramSnapshot) {
	if h.Count == 0 {
		fmt.Fprintf(w, "%s: no data\n", name)
		return
	}
	fmt.Fprintf(w, "%s (n=%d): mean %v, p50 %v, p95 %v, max %v\n",
		name, h.Count, round(h.Mean), round(h.P50), round(h.P95), round(h.Max))
}

func writeHistogramSummaryIndented(w io.Writer, h HistogramSnapshot) {
	if h.Count == 0 {
		fmt.Fprintf(w, "    no data\n")
		return
	}
	fmt.Fprintf(w, "    count %d, mean %v, p50 %v, p95 %v, max %v\n",
		h.Count, round(h.Mean), round(h.P50), round(h.P95), round(h.Max))
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}
