// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package netprobe measures internet reachability by timing HTTP HEAD
// requests against a fixed target set.
package netprobe

import (
	"context"
	"net/http"
	"time"

	"github.com/matrixwatcher/agent/pkg/sensors"
	"github.com/matrixwatcher/agent/pkg/types"
)

const sourceName = "network"

var defaultTargets = []string{
	"https://www.google.com",
	"https://www.cloudflare.com",
	"https://www.wikipedia.org",
}

// Sensor probes each target once per collection.
type Sensor struct {
	targets []string
	client  *http.Client
}

// New builds the sensor. Nil targets selects the default set.
func New(targets []string) *Sensor {
	if len(targets) == 0 {
		targets = defaultTargets
	}
	return &Sensor{
		targets: targets,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements sensors.Sensor.
func (s *Sensor) Name() string { return sourceName }

// Schema implements sensors.Sensor.
func (s *Sensor) Schema() map[string]sensors.FieldKind {
	return map[string]sensors.FieldKind{
		"latency_ms":          sensors.KindNumber,
		"packet_loss_percent": sensors.KindNumber,
	}
}

// Collect implements sensors.Sensor. Loss of every target is transient;
// partial loss is a valid reading with a nonzero loss percentage.
func (s *Sensor) Collect(ctx context.Context) (types.SensorReading, error) {
	var failed int
	var latencySum time.Duration
	var lastErr error

	for _, target := range s.targets {
		latency, err := s.probe(ctx, target)
		if err != nil {
			failed++
			lastErr = err
			continue
		}
		latencySum += latency
	}

	succeeded := len(s.targets) - failed
	if succeeded == 0 {
		return types.SensorReading{}, sensors.Transient(lastErr)
	}

	return types.SensorReading{
		Source: sourceName,
		Data: map[string]interface{}{
			"latency_ms":          float64(latencySum/time.Duration(succeeded)) / float64(time.Millisecond),
			"packet_loss_percent": float64(failed) / float64(len(s.targets)) * 100,
			"targets_total":       float64(len(s.targets)),
			"targets_failed":      float64(failed),
		},
	}, nil
}

func (s *Sensor) probe(ctx context.Context, target string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return time.Since(start), nil
}
