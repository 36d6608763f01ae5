// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package cluster groups concurrent anomalies from distinct sources into a
// five-level taxonomy. The level is the number of unique sensor sources
// seen inside the cluster window, clamped to 5.
package cluster

import (
	"sort"
	"sync"
	"time"

	"github.com/matrixwatcher/agent/pkg/types"
)

const (
	// DefaultWindow is the co-occurrence window.
	DefaultWindow = 30 * time.Second

	// dequeCap bounds the anomaly history.
	dequeCap = 1000

	// Precursor candidates are kept for offline analysis only; the
	// level-5 upgrade heuristic stays off.
	candidateCap    = 100
	precursorWindow = time.Hour
)

// Cluster is one emission: every anomaly inside the window plus the level
// taxonomy.
type Cluster struct {
	Timestamp   float64              `json:"timestamp"`
	Level       int                  `json:"level"`
	Sources     []string             `json:"sources"`
	Anomalies   []types.AnomalyEvent `json:"anomalies"`
	Probability float64              `json:"probability"`
	Description string               `json:"description"`
}

// Probabilities are qualitative, not statistically calibrated; any
// user-facing surface should label them as such.
var levelProbability = map[int]float64{
	1: 1.0,
	2: 0.10,
	3: 0.05,
	4: 0.01,
	5: 0.001,
}

var levelDescription = map[int]string{
	1: "Single deviation",
	2: "Dual correlation",
	3: "Triple cluster",
	4: "Systemic disturbance",
	5: "Critical synchrony",
}

type entry struct {
	anomaly   types.AnomalyEvent
	timestamp float64
}

// Detector accumulates anomalies and emits a cluster per input.
type Detector struct {
	m      sync.Mutex
	window time.Duration
	deque  []entry

	candidates []Cluster
}

// Option configures the detector.
type Option func(*Detector)

// WithWindow overrides the co-occurrence window.
func WithWindow(d time.Duration) Option {
	return func(c *Detector) {
		if d > 0 {
			c.window = d
		}
	}
}

// New returns an empty detector.
func New(opts ...Option) *Detector {
	d := &Detector{window: DefaultWindow}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ProcessAnomaly records one anomaly and returns the cluster of everything
// inside the window ending at its timestamp.
func (d *Detector) ProcessAnomaly(a types.AnomalyEvent) Cluster {
	d.m.Lock()
	defer d.m.Unlock()

	now := a.Timestamp
	d.deque = append(d.deque, entry{anomaly: a, timestamp: now})
	d.trim(now)

	var inWindow []types.AnomalyEvent
	sources := make(map[string]struct{})
	for _, e := range d.deque {
		if now-e.timestamp < d.window.Seconds() {
			inWindow = append(inWindow, e.anomaly)
			sources[e.anomaly.SensorSource] = struct{}{}
		}
	}

	level := len(sources)
	if level > 5 {
		level = 5
	}
	if level < 1 {
		level = 1
	}

	names := make([]string, 0, len(sources))
	for s := range sources {
		names = append(names, s)
	}
	sort.Strings(names)

	c := Cluster{
		Timestamp:   now,
		Level:       level,
		Sources:     names,
		Anomalies:   inWindow,
		Probability: levelProbability[level],
		Description: levelDescription[level],
	}

	if level >= 3 {
		d.recordCandidate(c)
	}
	return c
}

// trim drops entries outside twice the window and enforces the deque cap.
func (d *Detector) trim(now float64) {
	horizon := now - 2*d.window.Seconds()
	i := 0
	for i < len(d.deque) && d.deque[i].timestamp < horizon {
		i++
	}
	if i > 0 {
		d.deque = append(d.deque[:0], d.deque[i:]...)
	}
	if excess := len(d.deque) - dequeCap; excess > 0 {
		d.deque = append(d.deque[:0], d.deque[excess:]...)
	}
}

// recordCandidate keeps high-level clusters around for offline precursor
// analysis. They never upgrade a live cluster's level.
func (d *Detector) recordCandidate(c Cluster) {
	horizon := c.Timestamp - precursorWindow.Seconds()
	i := 0
	for i < len(d.candidates) && d.candidates[i].Timestamp < horizon {
		i++
	}
	if i > 0 {
		d.candidates = append(d.candidates[:0], d.candidates[i:]...)
	}
	d.candidates = append(d.candidates, c)
	if excess := len(d.candidates) - candidateCap; excess > 0 {
		d.candidates = append(d.candidates[:0], d.candidates[excess:]...)
	}
}

// RecentAnomalies returns the anomalies inside the window ending at now,
// using the same bound ProcessAnomaly clusters with.
func (d *Detector) RecentAnomalies(now float64) []types.AnomalyEvent {
	d.m.Lock()
	defer d.m.Unlock()
	var out []types.AnomalyEvent
	for _, e := range d.deque {
		if now-e.timestamp < d.window.Seconds() && e.timestamp <= now {
			out = append(out, e.anomaly)
		}
	}
	return out
}

// Candidates returns the retained level-3+ clusters from the last hour.
func (d *Detector) Candidates() []Cluster {
	d.m.Lock()
	defer d.m.Unlock()
	out := make([]Cluster, len(d.candidates))
	copy(out, d.candidates)
	return out
}

// Condition builds the condition record for a cluster, attaching the
// current anomaly index snapshot values.
func (c Cluster) Condition(index, baselineRatio float64) types.Condition {
	return types.Condition{
		Timestamp:     c.Timestamp,
		Level:         c.Level,
		Sources:       c.Sources,
		AnomalyIndex:  index,
		BaselineRatio: baselineRatio,
	}
}
