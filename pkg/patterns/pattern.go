// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package patterns

import (
	"encoding/json"
	"math"
)

// locationCap bounds the stored event locations per pattern.
const locationCap = 1000

// Location is one (lat, lon) pair attached to a matched event.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Pattern is the joint count of one (condition, named event) pair plus
// timing statistics. Times are seconds.
//
// Invariants: 0 <= EventAfterCount <= ConditionCount;
// ActualProbability = min(1, EventAfterCount/ConditionCount);
// MinTimeToEvent <= AvgTimeToEvent <= MaxTimeToEvent once matched.
type Pattern struct {
	ConditionCount       int        `json:"condition_count"`
	EventAfterCount      int        `json:"event_after_count"`
	AvgTimeToEvent       float64    `json:"avg_time_to_event"`
	MinTimeToEvent       float64    `json:"min_time_to_event"`
	MaxTimeToEvent       float64    `json:"max_time_to_event"`
	PredictedProbability float64    `json:"predicted_probability"`
	ActualProbability    float64    `json:"actual_probability"`
	BrierScore           float64    `json:"brier_score"`
	EventLocations       []Location `json:"event_locations,omitempty"`
}

func newPattern() *Pattern {
	return &Pattern{MinTimeToEvent: math.Inf(1)}
}

// recalc refreshes the derived fields after a count change.
func (p *Pattern) recalc() {
	if p.ConditionCount > 0 {
		p.ActualProbability = float64(p.EventAfterCount) / float64(p.ConditionCount)
		if p.ActualProbability > 1 {
			p.ActualProbability = 1
		}
	}
	d := p.PredictedProbability - p.ActualProbability
	p.BrierScore = d * d
}

// observe folds one matched event at dt seconds after the condition into
// the timing statistics, using an incremental mean.
func (p *Pattern) observe(dt float64, loc *Location) {
	p.EventAfterCount++
	if dt < p.MinTimeToEvent {
		p.MinTimeToEvent = dt
	}
	if dt > p.MaxTimeToEvent {
		p.MaxTimeToEvent = dt
	}
	p.AvgTimeToEvent += (dt - p.AvgTimeToEvent) / float64(p.EventAfterCount)
	if loc != nil {
		p.EventLocations = append(p.EventLocations, *loc)
		if excess := len(p.EventLocations) - locationCap; excess > 0 {
			p.EventLocations = append(p.EventLocations[:0], p.EventLocations[excess:]...)
		}
	}
	p.recalc()
}

// patternJSON is the wire form: an unobserved minimum serializes as null
// and rehydrates as +Inf.
type patternJSON struct {
	ConditionCount       int        `json:"condition_count"`
	EventAfterCount      int        `json:"event_after_count"`
	AvgTimeToEvent       float64    `json:"avg_time_to_event"`
	MinTimeToEvent       *float64   `json:"min_time_to_event"`
	MaxTimeToEvent       float64    `json:"max_time_to_event"`
	PredictedProbability float64    `json:"predicted_probability"`
	ActualProbability    float64    `json:"actual_probability"`
	BrierScore           float64    `json:"brier_score"`
	EventLocations       []Location `json:"event_locations,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p Pattern) MarshalJSON() ([]byte, error) {
	out := patternJSON{
		ConditionCount:       p.ConditionCount,
		EventAfterCount:      p.EventAfterCount,
		AvgTimeToEvent:       p.AvgTimeToEvent,
		MaxTimeToEvent:       p.MaxTimeToEvent,
		PredictedProbability: p.PredictedProbability,
		ActualProbability:    p.ActualProbability,
		BrierScore:           p.BrierScore,
		EventLocations:       p.EventLocations,
	}
	if !math.IsInf(p.MinTimeToEvent, 1) {
		v := p.MinTimeToEvent
		out.MinTimeToEvent = &v
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Pattern) UnmarshalJSON(b []byte) error {
	var in patternJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	p.ConditionCount = in.ConditionCount
	p.EventAfterCount = in.EventAfterCount
	p.AvgTimeToEvent = in.AvgTimeToEvent
	p.MaxTimeToEvent = in.MaxTimeToEvent
	p.PredictedProbability = in.PredictedProbability
	p.ActualProbability = in.ActualProbability
	p.BrierScore = in.BrierScore
	p.EventLocations = in.EventLocations
	if in.MinTimeToEvent != nil {
		p.MinTimeToEvent = *in.MinTimeToEvent
	} else {
		p.MinTimeToEvent = math.Inf(1)
	}
	return nil
}
