// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package system samples host CPU, memory, load and disk via gopsutil.
package system

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/matrixwatcher/agent/pkg/sensors"
	"github.com/matrixwatcher/agent/pkg/types"
)

const sourceName = "system"

// Sensor samples the local host.
type Sensor struct {
	// cpuSampleWindow is how long the CPU percentage is averaged over.
	cpuSampleWindow time.Duration
	diskPath        string

	cpuPercent func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error)
}

// New builds the system sensor with the standard sampling window.
func New() *Sensor {
	return &Sensor{
		cpuSampleWindow: time.Second,
		diskPath:        "/",
		cpuPercent:      cpu.PercentWithContext,
	}
}

// Name implements sensors.Sensor.
func (s *Sensor) Name() string { return sourceName }

// Schema implements sensors.Sensor.
func (s *Sensor) Schema() map[string]sensors.FieldKind {
	return map[string]sensors.FieldKind{
		"cpu_percent":    sensors.KindNumber,
		"memory_percent": sensors.KindNumber,
	}
}

// Collect implements sensors.Sensor. Host API failures are transient: the
// next tick usually succeeds.
func (s *Sensor) Collect(ctx context.Context) (types.SensorReading, error) {
	cpuPercents, err := s.cpuPercent(ctx, s.cpuSampleWindow, false)
	if err != nil {
		return types.SensorReading{}, sensors.Transient(err)
	}
	if len(cpuPercents) == 0 {
		return types.SensorReading{}, sensors.Transient(errors.New("cpu sampling returned no values"))
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return types.SensorReading{}, sensors.Transient(err)
	}

	data := map[string]interface{}{
		"cpu_percent":         cpuPercents[0],
		"memory_percent":      vm.UsedPercent,
		"memory_available_mb": float64(vm.Available) / (1 << 20),
	}

	// Load and disk are best effort; some platforms lack them.
	if avg, err := load.AvgWithContext(ctx); err == nil {
		data["load_1m"] = avg.Load1
		data["load_5m"] = avg.Load5
		data["load_15m"] = avg.Load15
	}
	if du, err := disk.UsageWithContext(ctx, s.diskPath); err == nil {
		data["disk_percent"] = du.UsedPercent
	}

	return types.SensorReading{Source: sourceName, Data: data}, nil
}
