// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package anomalyindex rolls recent anomalies into a 0-100 score compared
// against a rolling 24h baseline.
package anomalyindex

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/matrixwatcher/agent/pkg/types"
)

const (
	// DefaultBaseline is used until ten snapshots exist.
	DefaultBaseline = 15.0

	// snapshotCap bounds the snapshot history.
	snapshotCap = 10000

	baselineWindow    = 24 * time.Hour
	baselineRecompute = time.Hour

	// perSourceCap bounds one source's contribution.
	perSourceCap = 100.0
)

// Status classifies a snapshot.
type Status string

// Snapshot statuses.
const (
	StatusNormal   Status = "normal"
	StatusElevated Status = "elevated"
	StatusHigh     Status = "high"
	StatusCritical Status = "critical"
)

// severityScore weighs one anomaly by its severity.
var severityScore = map[types.AnomalySeverity]float64{
	types.AnomalyLow:      10,
	types.AnomalyMedium:   30,
	types.AnomalyHigh:     50,
	types.AnomalyCritical: 100,
}

// DefaultKnownSources is the source set the index normalizes over.
func DefaultKnownSources() []string {
	return []string{
		"quantum_rng", "earthquake", "crypto", "space_weather",
		"blockchain", "weather", "news",
	}
}

// Snapshot is one index computation.
type Snapshot struct {
	Timestamp       float64            `json:"timestamp"`
	Index           float64            `json:"index"`
	Breakdown       map[string]float64 `json:"breakdown"`
	BaselineRatio   float64            `json:"baseline_ratio"`
	Status          Status             `json:"status"`
	ActiveAnomalies int                `json:"active_anomalies"`
}

// Aggregator computes snapshots and maintains the rolling baseline.
type Aggregator struct {
	clk          clock.Clock
	knownSources []string

	m             sync.Mutex
	snapshots     []Snapshot
	baseline      float64
	baselineAt    time.Time
	baselineKnown bool
}

// Option configures the aggregator.
type Option func(*Aggregator)

// WithClock injects a clock, used by tests.
func WithClock(c clock.Clock) Option {
	return func(a *Aggregator) { a.clk = c }
}

// WithKnownSources overrides the normalization source set.
func WithKnownSources(sources []string) Option {
	return func(a *Aggregator) {
		if len(sources) > 0 {
			a.knownSources = sources
		}
	}
}

// New returns an aggregator with the default source set.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		clk:          clock.New(),
		knownSources: DefaultKnownSources(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ComputeSnapshot scores the given anomalies, compares against the
// baseline and appends the result to the history.
func (a *Aggregator) ComputeSnapshot(anomalies []types.AnomalyEvent) Snapshot {
	a.m.Lock()
	defer a.m.Unlock()

	now := a.clk.Now()
	nowUnix := float64(now.UnixNano()) / 1e9

	// Per-source severity totals, each capped so one noisy source cannot
	// saturate the index alone.
	breakdown := make(map[string]float64)
	for _, an := range anomalies {
		breakdown[an.SensorSource] += severityScore[an.Severity()]
	}
	total := 0.0
	for src, score := range breakdown {
		if score > perSourceCap {
			score = perSourceCap
			breakdown[src] = score
		}
		total += score
	}

	index := total / (float64(len(a.knownSources)) * perSourceCap) * 100
	if index > 100 {
		index = 100
	}

	baseline := a.currentBaseline(now, nowUnix)
	ratio := 0.0
	if baseline > 0 {
		ratio = index / baseline
	}

	snap := Snapshot{
		Timestamp:       nowUnix,
		Index:           index,
		Breakdown:       breakdown,
		BaselineRatio:   ratio,
		Status:          statusFor(index, ratio),
		ActiveAnomalies: len(anomalies),
	}

	a.snapshots = append(a.snapshots, snap)
	if excess := len(a.snapshots) - snapshotCap; excess > 0 {
		a.snapshots = append(a.snapshots[:0], a.snapshots[excess:]...)
	}
	return snap
}

// currentBaseline returns the cached baseline, recomputing it at most once
// per hour as the mean index over the last 24h of snapshots. With fewer
// than ten snapshots the default applies.
func (a *Aggregator) currentBaseline(now time.Time, nowUnix float64) float64 {
	if a.baselineKnown && now.Sub(a.baselineAt) < baselineRecompute {
		return a.baseline
	}

	horizon := nowUnix - baselineWindow.Seconds()
	var sum float64
	var n int
	for _, s := range a.snapshots {
		if s.Timestamp >= horizon {
			sum += s.Index
			n++
		}
	}
	if n < 10 {
		a.baseline = DefaultBaseline
	} else {
		a.baseline = sum / float64(n)
	}
	a.baselineAt = now
	a.baselineKnown = true
	return a.baseline
}

func statusFor(index, ratio float64) Status {
	switch {
	case index >= 80 || ratio >= 3.0:
		return StatusCritical
	case index >= 60 || ratio >= 2.0:
		return StatusHigh
	case index >= 40 || ratio >= 1.5:
		return StatusElevated
	default:
		return StatusNormal
	}
}

// Latest returns the most recent snapshot.
func (a *Aggregator) Latest() (Snapshot, bool) {
	a.m.Lock()
	defer a.m.Unlock()
	if len(a.snapshots) == 0 {
		return Snapshot{}, false
	}
	return a.snapshots[len(a.snapshots)-1], true
}

// History returns a copy of the stored snapshots in append order.
func (a *Aggregator) History() []Snapshot {
	a.m.Lock()
	defer a.m.Unlock()
	out := make([]Snapshot, len(a.snapshots))
	copy(out, a.snapshots)
	return out
}
