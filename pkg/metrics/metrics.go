// Package metrics records per-operation latency quantiles and event counters
// for the worker. Latencies go into DDSketches so that quantiles stay accurate
// without keeping every sample.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Operation names recorded by the worker.
const (
	OpInstall      = "install"
	OpActivate     = "activate"
	OpFetchCache   = "fetch_cache"
	OpFetchNetwork = "fetch_network"
	OpFetchOffline = "fetch_offline"
	OpCachePut     = "cache_put"
	OpSyncItem     = "sync_item"
)

// Counter names recorded by the worker.
const (
	CounterHit         = "cache_hit"
	CounterMiss        = "cache_miss"
	CounterStored      = "cache_stored"
	CounterOfflinePage = "fallback_offline_page"
	CounterAPIRecheck  = "fallback_api_recheck"
	CounterSynthetic   = "fallback_synthetic"
	CounterPassthrough = "passthrough"
	CounterSynced      = "sync_ok"
	CounterSyncFailed  = "sync_failed"
)

// Tracker tracks latency quantiles using DDSketch, plus plain counters.
type Tracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	counters         map[string]int64
	relativeAccuracy float64
}

// NewTracker creates a new tracker.
// relativeAccuracy determines the accuracy of quantile estimates (e.g., 0.01 = 1% accuracy)
func NewTracker(relativeAccuracy float64) *Tracker {
	return &Tracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		counters:         make(map[string]int64),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record records a duration for the given operation. A nil Tracker ignores it.
func (t *Tracker) Record(operation string, duration time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	sketch, exists := t.sketches[operation]
	if !exists {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(t.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(t.relativeAccuracy)
		}
		t.sketches[operation] = sketch
	}

	// Milliseconds, with microsecond resolution.
	sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// Time runs fn and records how long it took under operation.
func (t *Tracker) Time(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	t.Record(operation, time.Since(start))
	return err
}

// Inc adds one to the named counter.
func (t *Tracker) Inc(counter string) {
	t.Add(counter, 1)
}

// Add adds n to the named counter.
func (t *Tracker) Add(counter string, n int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.counters[counter] += n
	t.mu.Unlock()
}

// Count returns the current value of a counter.
func (t *Tracker) Count(counter string) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[counter]
}

// Stats holds summary statistics for one operation, in milliseconds.
type Stats struct {
	Operation string  `json:"operation"`
	Count     int64   `json:"count"`
	Min       float64 `json:"min_ms"`
	P50       float64 `json:"p50_ms"`
	P90       float64 `json:"p90_ms"`
	P99       float64 `json:"p99_ms"`
	Max       float64 `json:"max_ms"`
}

// Snapshot is a point-in-time copy of everything the tracker holds.
type Snapshot struct {
	Latencies []Stats          `json:"latencies"`
	Counters  map[string]int64 `json:"counters"`
}

// GetStats returns statistics for the given operation.
func (t *Tracker) GetStats(operation string) (Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statsLocked(operation)
}

func (t *Tracker) statsLocked(operation string) (Stats, error) {
	sketch, exists := t.sketches[operation]
	if !exists {
		return Stats{}, fmt.Errorf("no data for operation: %s", operation)
	}

	count := sketch.GetCount()
	if count == 0 {
		return Stats{Operation: operation}, nil
	}

	min, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	max, _ := sketch.GetMaxValue()

	return Stats{
		Operation: operation,
		Count:     int64(count),
		Min:       min,
		P50:       p50,
		P90:       p90,
		P99:       p99,
		Max:       max,
	}, nil
}

// Snapshot returns statistics for all tracked operations, sorted by name,
// and a copy of all counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		Latencies: make([]Stats, 0, len(t.sketches)),
		Counters:  make(map[string]int64, len(t.counters)),
	}
	for operation := range t.sketches {
		if stat, err := t.statsLocked(operation); err == nil {
			snap.Latencies = append(snap.Latencies, stat)
		}
	}
	sort.Slice(snap.Latencies, func(i, j int) bool {
		return snap.Latencies[i].Operation < snap.Latencies[j].Operation
	})
	for k, v := range t.counters {
		snap.Counters[k] = v
	}
	return snap
}

func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("  %s: no data", s.Operation)
	}
	return fmt.Sprintf("  %s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}
