package observability

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Histogram records durations. Safe for concurrent use.
type Histogram struct {
	mu      sync.Mutex
	samples []time.Duration
}

func NewHistogram() *Histogram {
	return &Histogram{}
}

func (h *Histogram) Observe(d time.Duration) {
	h.mu.Lock()
	h.samples = append(h.samples, d)
	h.mu.Unlock()
}

// Since records the time elapsed since start.
func (h *Histogram) Since(start time.Time) {
	h.Observe(time.Since(start))
}

// Snapshot summarizes the recorded durations. Percentiles use the nearest
// rank, so they are always an observed value.
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	sorted := slices.Clone(h.samples)
	h.mu.Unlock()
	if len(sorted) == 0 {
		return HistogramSnapshot{}
	}
	slices.Sort(sorted)

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return HistogramSnapshot{
		Count: len(sorted),
		Mean:  total / time.Duration(len(sorted)),
		P50:   nearestRank(sorted, 50),
		P95:   nearestRank(sorted, 95),
		Max:   sorted[len(sorted)-1],
	}
}

// HistogramSnapshot holds calculated statistics for a histogram.
type HistogramSnapshot struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	Max   time.Duration `json:"max"`
}

func nearestRank(sorted []time.Duration, pct int) time.Duration {
	rank := (pct*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// Counter is a monotonically increasing counter.
type Counter struct {
	value atomic.Int64
}

func NewCounter() *Counter { return &Counter{} }

func (c *Counter) Inc()            { c.value.Add(1) }
func (c *Counter) Add(delta int64) { c.value.Add(delta) }
func (c *Counter) Get() int64      { return c.value.Load() }

// Labeled holds one metric per label value, created on first use.
type Labeled[T any] struct {
	mu      sync.Mutex
	metrics map[string]T
	create  func() T
}

func newLabeled[T any](create func() T) *Labeled[T] {
	return &Labeled[T]{metrics: make(map[string]T), create: create}
}

// WithLabels returns the metric for label.
func (l *Labeled[T]) WithLabels(label string) T {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.metrics[label]
	if !ok {
		m = l.create()
		l.metrics[label] = m
	}
	return m
}

// snapshotLabeled applies f to every labeled metric.
func snapshotLabeled[T, S any](l *Labeled[T], f func(T) S) map[string]S {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]S, len(l.metrics))
	for label, m := range l.metrics {
		out[label] = f(m)
	}
	return out
}

// concurrency tracks the number of busy workers and its high-water mark.
type concurrency struct {
	current atomic.Int64
	peak    atomic.Int64
}

func (c *concurrency) start() {
	n := c.current.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (c *concurrency) done() { c.current.Add(-1) }
