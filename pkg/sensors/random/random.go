// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package random samples the PRNG and scores the deviation of the sample
// mean from its expectation. A fair uniform source keeps the score near
// zero; sustained high scores indicate bias.
package random

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/matrixwatcher/agent/pkg/sensors"
	"github.com/matrixwatcher/agent/pkg/types"
)

const (
	sourceName     = "random"
	defaultSamples = 10000
)

// Sensor draws a fresh batch of uniform samples per collection.
type Sensor struct {
	samples int
	rng     *rand.Rand
}

// New builds the sensor. A non-positive sample count selects the default.
func New(samples int) *Sensor {
	if samples <= 0 {
		samples = defaultSamples
	}
	return &Sensor{
		samples: samples,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewWithSource builds the sensor over a fixed source, used by tests.
func NewWithSource(samples int, src rand.Source) *Sensor {
	s := New(samples)
	s.rng = rand.New(src)
	return s
}

// Name implements sensors.Sensor.
func (s *Sensor) Name() string { return sourceName }

// Schema implements sensors.Sensor.
func (s *Sensor) Schema() map[string]sensors.FieldKind {
	return map[string]sensors.FieldKind{
		"deviation_score": sensors.KindNumber,
		"mean":            sensors.KindNumber,
	}
}

// Collect implements sensors.Sensor. Never fails.
func (s *Sensor) Collect(ctx context.Context) (types.SensorReading, error) {
	var sum float64
	for i := 0; i < s.samples; i++ {
		sum += s.rng.Float64()
	}
	mean := sum / float64(s.samples)

	// Standard error of the mean of Uniform(0,1) is 1/sqrt(12n); the
	// score is the absolute z of the observed mean.
	stderr := 1 / math.Sqrt(12*float64(s.samples))
	score := math.Abs(mean-0.5) / stderr

	return types.SensorReading{
		Source: sourceName,
		Data: map[string]interface{}{
			"deviation_score": score,
			"mean":            mean,
			"samples":         float64(s.samples),
		},
	}, nil
}
