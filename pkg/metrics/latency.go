// Package metrics tracks restore latencies and outcomes.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Phases recorded by a restore.
const (
	PhaseLookup  = "lookup"
	PhaseExtract = "extract"
	PhaseRestore = "restore"
)

// LatencyTracker tracks latency quantiles per phase using DDSketch.
// A nil *LatencyTracker discards every recording.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker creates a new latency tracker with DDSketch.
// relativeAccuracy determines the accuracy of quantile estimates (e.g., 0.01 = 1% accuracy)
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record records a duration for the given phase.
func (lt *LatencyTracker) Record(phase string, duration time.Duration) {
	if lt == nil {
		return
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[phase]
	if !exists {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			// Fallback to default sketch if there's an error
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[phase] = sketch
	}

	// Record duration in milliseconds
	sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// Since records the time elapsed since start. It is meant for defer:
//
//	defer tracker.Since(metrics.PhaseExtract, time.Now())
func (lt *LatencyTracker) Since(phase string, start time.Time) {
	lt.Record(phase, time.Since(start))
}

// Time runs fn and records how long it took, whatever it returned.
func Time[T any](lt *LatencyTracker, phase string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	lt.Record(phase, time.Since(start))
	return v, err
}

// GetQuantile returns the value at the given quantile for the phase.
// quantile should be between 0 and 1 (e.g., 0.5 for median, 0.99 for p99).
func (lt *LatencyTracker) GetQuantile(phase string, quantile float64) (float64, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[phase]
	if !exists {
		return 0, fmt.Errorf("no data for phase: %s", phase)
	}

	return sketch.GetValueAtQuantile(quantile)
}

// Stats summarizes the latencies of one phase, in milliseconds.
type Stats struct {
	Operation string
	Count     int64
	Min       float64
	P50       float64
	P90       float64
	P95       float64
	P99       float64
	Max       float64
}

// GetStats returns statistics for the given phase.
func (lt *LatencyTracker) GetStats(phase string) (Stats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.statsLocked(phase)
}

func (lt *LatencyTracker) statsLocked(phase string) (Stats, error) {
	sketch, exists := lt.sketches[phase]
	if !exists {
		return Stats{}, fmt.Errorf("no data for phase: %s", phase)
	}

	count := sketch.GetCount()
	if count == 0 {
		return Stats{Operation: phase}, nil
	}

	minV, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p95, _ := sketch.GetValueAtQuantile(0.95)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	maxV, _ := sketch.GetMaxValue()

	return Stats{
		Operation: phase,
		Count:     int64(count),
		Min:       minV,
		P50:       p50,
		P90:       p90,
		P95:       p95,
		P99:       p99,
		Max:       maxV,
	}, nil
}

// GetAllStats returns statistics for all tracked phases, sorted by name.
func (lt *LatencyTracker) GetAllStats() []Stats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	phases := make([]string, 0, len(lt.sketches))
	for phase := range lt.sketches {
		phases = append(phases, phase)
	}
	sort.Strings(phases)

	stats := make([]Stats, 0, len(phases))
	for _, phase := range phases {
		if stat, err := lt.statsLocked(phase); err == nil {
			stats = append(stats, stat)
		}
	}
	return stats
}

// String returns a human-readable line for the statistics.
func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("  %s: no data", s.Operation)
	}
	return fmt.Sprintf("  %s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p95=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P95, s.P99, s.Max)
}
