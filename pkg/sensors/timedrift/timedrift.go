// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package timedrift measures the local clock offset against an NTP server.
package timedrift

import (
	"context"
	"time"

	"github.com/beevik/ntp"

	"github.com/matrixwatcher/agent/pkg/sensors"
	"github.com/matrixwatcher/agent/pkg/types"
)

const (
	sourceName    = "timedrift"
	defaultServer = "pool.ntp.org"
	queryTimeout  = 10 * time.Second
)

// Sensor queries one NTP server per collection.
type Sensor struct {
	server string
	query  func(server string, timeout time.Duration) (*ntp.Response, error)
}

// New builds the sensor. An empty server selects pool.ntp.org.
func New(server string) *Sensor {
	if server == "" {
		server = defaultServer
	}
	return &Sensor{
		server: server,
		query: func(server string, timeout time.Duration) (*ntp.Response, error) {
			return ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
		},
	}
}

// Name implements sensors.Sensor.
func (s *Sensor) Name() string { return sourceName }

// Schema implements sensors.Sensor.
func (s *Sensor) Schema() map[string]sensors.FieldKind {
	return map[string]sensors.FieldKind{
		"offset_ms": sensors.KindNumber,
		"server":    sensors.KindString,
	}
}

// Collect implements sensors.Sensor. NTP failures are always transient.
func (s *Sensor) Collect(ctx context.Context) (types.SensorReading, error) {
	timeout := queryTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	resp, err := s.query(s.server, timeout)
	if err != nil {
		return types.SensorReading{}, sensors.Transient(err)
	}
	if err := resp.Validate(); err != nil {
		return types.SensorReading{}, sensors.Transient(err)
	}

	return types.SensorReading{
		Source: sourceName,
		Data: map[string]interface{}{
			"offset_ms": float64(resp.ClockOffset) / float64(time.Millisecond),
			"rtt_ms":    float64(resp.RTT) / float64(time.Millisecond),
			"stratum":   float64(resp.Stratum),
			"server":    s.server,
		},
	}, nil
}
