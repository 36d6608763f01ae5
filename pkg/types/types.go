// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package types holds the data model shared by the whole pipeline: bus
// events, sensor readings and detected anomalies.
package types

import "fmt"

// EventType classifies a bus event.
type EventType string

// Bus event types.
const (
	TypeData    EventType = "DATA"
	TypeAnomaly EventType = "ANOMALY"
	TypeError   EventType = "ERROR"
	TypeHealth  EventType = "HEALTH"
	TypeAlert   EventType = "ALERT"
)

// Severity orders bus events for filtering: INFO < WARNING < CRITICAL.
type Severity string

// Bus event severities.
const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// AtLeast reports whether s ranks at or above min. Unknown severities rank
// lowest.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Priority orders scheduled tasks and sensor collection.
type Priority string

// Task priorities, dispatched high before medium before low.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the dispatch rank of the priority, lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// AnomalySeverity labels a detected anomaly. Distinct from bus Severity.
type AnomalySeverity string

// Anomaly severities as set by the rule evaluator.
const (
	AnomalyLow      AnomalySeverity = "low"
	AnomalyMedium   AnomalySeverity = "medium"
	AnomalyHigh     AnomalySeverity = "high"
	AnomalyCritical AnomalySeverity = "critical"
)

// Event is the unit of bus traffic. Immutable after creation.
type Event struct {
	Timestamp float64                `json:"timestamp"`
	Source    string                 `json:"source"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Payload   map[string]interface{} `json:"payload"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SensorReading is what a sample source produces on a successful collect.
type SensorReading struct {
	Timestamp float64                `json:"timestamp"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ToEvent lifts the reading into a DATA event for publication.
func (r SensorReading) ToEvent() Event {
	return Event{
		Timestamp: r.Timestamp,
		Source:    r.Source,
		Type:      TypeData,
		Severity:  SeverityInfo,
		Payload:   r.Data,
		Metadata:  r.Metadata,
	}
}

// AnomalyEvent is a per-parameter threshold violation. Parameter is the
// dotted "source.field" key. Never mutated once built.
type AnomalyEvent struct {
	Timestamp    float64                `json:"timestamp"`
	Parameter    string                 `json:"parameter"`
	Value        float64                `json:"value"`
	Mean         float64                `json:"mean"`
	Std          float64                `json:"std"`
	ZScore       float64                `json:"z_score"`
	SensorSource string                 `json:"sensor_source"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Severity returns the anomaly severity recorded by the rule evaluator,
// falling back to z-score bands when absent.
func (a AnomalyEvent) Severity() AnomalySeverity {
	if s, ok := a.Metadata["severity"].(string); ok {
		switch AnomalySeverity(s) {
		case AnomalyLow, AnomalyMedium, AnomalyHigh, AnomalyCritical:
			return AnomalySeverity(s)
		}
	}
	z := a.ZScore
	if z < 0 {
		z = -z
	}
	switch {
	case z > 5:
		return AnomalyHigh
	case z > 3:
		return AnomalyMedium
	default:
		return AnomalyLow
	}
}

// ToEvent lifts the anomaly into an ANOMALY bus event.
func (a AnomalyEvent) ToEvent() Event {
	sev := SeverityWarning
	z := a.ZScore
	if z < 0 {
		z = -z
	}
	if z >= 5 {
		sev = SeverityCritical
	}
	payload := map[string]interface{}{
		"parameter": a.Parameter,
		"value":     a.Value,
		"mean":      a.Mean,
		"std":       a.Std,
		"z_score":   a.ZScore,
	}
	return Event{
		Timestamp: a.Timestamp,
		Source:    a.SensorSource,
		Type:      TypeAnomaly,
		Severity:  sev,
		Payload:   payload,
		Metadata:  a.Metadata,
	}
}

// Condition is a snapshot of the multi-source anomaly state as produced by
// the cluster detector together with the anomaly index.
type Condition struct {
	Timestamp     float64  `json:"timestamp"`
	Level         int      `json:"level"`
	Sources       []string `json:"sources"`
	AnomalyIndex  float64  `json:"anomaly_index"`
	BaselineRatio float64  `json:"baseline_ratio"`
}

// Key returns the stable pattern-table key, "L{level}_{sources}".
func (c Condition) Key() string {
	key := fmt.Sprintf("L%d", c.Level)
	for _, s := range c.Sources {
		key += "_" + s
	}
	return key
}
