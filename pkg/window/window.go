// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package window provides the fixed-capacity sliding window over timestamped
// samples used by the threshold detector and the pattern tracker's price
// history. Windows are not internally synchronized; the owning component
// serializes access.
package window

// Sample is one (timestamp, value) pair.
type Sample struct {
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
}

// SlidingWindow is a fixed-capacity FIFO of samples. Appending past capacity
// evicts the oldest sample.
type SlidingWindow struct {
	samples []Sample
	cap     int
}

// New returns a window holding at most capacity samples.
func New(capacity int) *SlidingWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &SlidingWindow{cap: capacity}
}

// Add appends a sample, evicting the oldest when full.
func (w *SlidingWindow) Add(ts, value float64) {
	if len(w.samples) == w.cap {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.cap-1]
	}
	w.samples = append(w.samples, Sample{Timestamp: ts, Value: value})
}

// Len returns the number of stored samples.
func (w *SlidingWindow) Len() int {
	return len(w.samples)
}

// EarliestSince returns the earliest sample with timestamp >= ts. Samples are
// appended in timestamp order, so this is the first qualifying entry.
func (w *SlidingWindow) EarliestSince(ts float64) (Sample, bool) {
	for _, s := range w.samples {
		if s.Timestamp >= ts {
			return s, true
		}
	}
	return Sample{}, false
}

// LatestAtOrBefore returns the most recent sample with timestamp <= ts.
func (w *SlidingWindow) LatestAtOrBefore(ts float64) (Sample, bool) {
	for i := len(w.samples) - 1; i >= 0; i-- {
		if w.samples[i].Timestamp <= ts {
			return w.samples[i], true
		}
	}
	return Sample{}, false
}

// Latest returns the most recent sample.
func (w *SlidingWindow) Latest() (Sample, bool) {
	if len(w.samples) == 0 {
		return Sample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// Samples returns a copy of the stored samples in append order.
func (w *SlidingWindow) Samples() []Sample {
	out := make([]Sample, len(w.samples))
	copy(out, w.samples)
	return out
}
