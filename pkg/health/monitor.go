// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package health tracks per-sensor success/failure state, auto-disables
// sensors that keep failing, accounts API quota usage and serves the
// aggregate over HTTP.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	cache "github.com/patrickmn/go-cache"

	"github.com/matrixwatcher/agent/pkg/calibration"
	"github.com/matrixwatcher/agent/pkg/util/log"
)

// DefaultFailureThreshold disables a sensor after this many consecutive
// failures.
const DefaultFailureThreshold = 3

// SensorView is the per-sensor slice of the health document.
type SensorView struct {
	Status              string  `json:"status"`
	Disabled            bool    `json:"disabled"`
	DisabledReason      string  `json:"disabledReason,omitempty"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
	TotalSuccesses      int64   `json:"totalSuccesses"`
	TotalFailures       int64   `json:"totalFailures"`
	LastSuccessAgo      float64 `json:"lastSuccessAgo"`
	LastError           string  `json:"lastError,omitempty"`
}

// QuotaView is the per-API slice of the health document.
type QuotaView struct {
	Limit        int     `json:"limit"`
	Used         int     `json:"used"`
	Remaining    int     `json:"remaining"`
	UsagePercent float64 `json:"usagePercent"`
	ResetsIn     float64 `json:"resetsIn"`
}

// Snapshot is the full health document served on /health.
type Snapshot struct {
	Status         string                `json:"status"`
	UptimeSeconds  float64               `json:"uptimeSeconds"`
	Sensors        map[string]SensorView `json:"sensors"`
	SensorsHealthy int                   `json:"sensorsHealthy"`
	SensorsTotal   int                   `json:"sensorsTotal"`
	APIQuotas      map[string]QuotaView  `json:"apiQuotas"`
	Calibration    *calibration.Status   `json:"calibration,omitempty"`
	Timestamp      float64               `json:"timestamp"`
}

type sensorState struct {
	disabled            bool
	disabledReason      string
	consecutiveFailures int
	totalSuccesses      int64
	totalFailures       int64
	lastSuccess         time.Time
	lastError           string
}

type quotaSpec struct {
	limit    int
	interval time.Duration
}

// quotaWindow is one accounting window. resetAt comes from the monitor
// clock; the cache TTL only purges long-dead windows.
type quotaWindow struct {
	used    int
	resetAt time.Time
}

// DisableCallback fires once when a sensor crosses the failure threshold.
type DisableCallback func(name, reason string)

// Monitor is the agent-wide health registry. Implements the collector's
// HealthReporter. Safe for concurrent use.
type Monitor struct {
	clk       clock.Clock
	threshold int
	onDisable DisableCallback
	started   time.Time

	m       sync.Mutex
	sensors map[string]*sensorState
	quotas  map[string]quotaSpec
	usage   *cache.Cache

	calibStatus func() calibration.Status
}

// MonitorOption configures the monitor.
type MonitorOption func(*Monitor)

// WithFailureThreshold overrides the consecutive-failure limit.
func WithFailureThreshold(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.threshold = n
		}
	}
}

// WithDisableCallback registers the auto-disable hook.
func WithDisableCallback(cb DisableCallback) MonitorOption {
	return func(m *Monitor) { m.onDisable = cb }
}

// WithMonitorClock injects a clock, used by tests.
func WithMonitorClock(c clock.Clock) MonitorOption {
	return func(m *Monitor) { m.clk = c }
}

// NewMonitor builds a monitor.
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		clk:       clock.New(),
		threshold: DefaultFailureThreshold,
		sensors:   make(map[string]*sensorState),
		quotas:    make(map[string]quotaSpec),
		usage:     cache.New(cache.NoExpiration, 10*time.Minute),
	}
	for _, o := range opts {
		o(m)
	}
	m.started = m.clk.Now()
	return m
}

// Register creates the entry for a sensor so it shows up in the health
// document before its first collection.
func (m *Monitor) Register(name string) {
	m.m.Lock()
	defer m.m.Unlock()
	if _, ok := m.sensors[name]; !ok {
		m.sensors[name] = &sensorState{}
	}
}

// RecordSuccess resets the failure streak for a sensor.
func (m *Monitor) RecordSuccess(name string) {
	m.m.Lock()
	defer m.m.Unlock()
	s := m.state(name)
	s.consecutiveFailures = 0
	s.totalSuccesses++
	s.lastSuccess = m.clk.Now()
	s.lastError = ""
}

// RecordFailure bumps the failure streak and disables the sensor once it
// crosses the threshold. The callback fires with no lock held.
func (m *Monitor) RecordFailure(name string, err error) {
	var fire bool
	var reason string

	m.m.Lock()
	s := m.state(name)
	s.consecutiveFailures++
	s.totalFailures++
	if err != nil {
		s.lastError = err.Error()
	}
	if !s.disabled && s.consecutiveFailures >= m.threshold {
		s.disabled = true
		reason = fmt.Sprintf("%d consecutive failures", s.consecutiveFailures)
		s.disabledReason = reason
		fire = true
	}
	m.m.Unlock()

	if fire {
		log.Warnf("health: sensor %s disabled after %s", name, reason)
		if m.onDisable != nil {
			m.onDisable(name, reason)
		}
	}
}

// Disabled reports whether a sensor has been auto-disabled.
func (m *Monitor) Disabled(name string) bool {
	m.m.Lock()
	defer m.m.Unlock()
	if s, ok := m.sensors[name]; ok {
		return s.disabled
	}
	return false
}

// Enable re-enables a sensor. Operator action only; nothing re-enables
// automatically.
func (m *Monitor) Enable(name string) {
	m.m.Lock()
	defer m.m.Unlock()
	s := m.state(name)
	s.disabled = false
	s.disabledReason = ""
	s.consecutiveFailures = 0
}

// state must be called with the lock held.
func (m *Monitor) state(name string) *sensorState {
	s, ok := m.sensors[name]
	if !ok {
		s = &sensorState{}
		m.sensors[name] = s
	}
	return s
}

// RegisterQuota declares an API budget. Usage resets every interval.
func (m *Monitor) RegisterQuota(name string, limit int, interval time.Duration) {
	m.m.Lock()
	defer m.m.Unlock()
	m.quotas[name] = quotaSpec{limit: limit, interval: interval}
}

// RecordAPICall accounts one call against a quota and reports whether budget
// remains. Unknown quotas always have budget.
func (m *Monitor) RecordAPICall(name string) bool {
	m.m.Lock()
	defer m.m.Unlock()
	spec, ok := m.quotas[name]
	if !ok {
		return true
	}

	w := m.window(name)
	now := m.clk.Now()
	if w == nil || !now.Before(w.resetAt) {
		w = &quotaWindow{resetAt: now.Add(spec.interval)}
		m.usage.Set(name, w, spec.interval)
	}
	w.used++
	return w.used <= spec.limit
}

// window must be called with the lock held.
func (m *Monitor) window(name string) *quotaWindow {
	if v, found := m.usage.Get(name); found {
		return v.(*quotaWindow)
	}
	return nil
}

// SetCalibrationStatus wires the calibration section of the document.
func (m *Monitor) SetCalibrationStatus(fn func() calibration.Status) {
	m.m.Lock()
	defer m.m.Unlock()
	m.calibStatus = fn
}

// Sensor returns one sensor's view.
func (m *Monitor) Sensor(name string) (SensorView, bool) {
	m.m.Lock()
	defer m.m.Unlock()
	s, ok := m.sensors[name]
	if !ok {
		return SensorView{}, false
	}
	return m.view(s), true
}

// Snapshot assembles the full health document.
func (m *Monitor) Snapshot() Snapshot {
	m.m.Lock()
	defer m.m.Unlock()

	now := m.clk.Now()
	snap := Snapshot{
		Sensors:      make(map[string]SensorView, len(m.sensors)),
		APIQuotas:    make(map[string]QuotaView, len(m.quotas)),
		SensorsTotal: len(m.sensors),
		Timestamp:    float64(now.UnixNano()) / 1e9,
	}
	snap.UptimeSeconds = now.Sub(m.started).Seconds()

	for name, s := range m.sensors {
		v := m.view(s)
		snap.Sensors[name] = v
		if v.Status == "healthy" {
			snap.SensorsHealthy++
		}
	}

	for name, spec := range m.quotas {
		used := 0
		var resetsIn float64
		if w := m.window(name); w != nil && now.Before(w.resetAt) {
			used = w.used
			resetsIn = w.resetAt.Sub(now).Seconds()
		}
		remaining := spec.limit - used
		if remaining < 0 {
			remaining = 0
		}
		q := QuotaView{
			Limit:     spec.limit,
			Used:      used,
			Remaining: remaining,
			ResetsIn:  resetsIn,
		}
		if spec.limit > 0 {
			q.UsagePercent = float64(used) / float64(spec.limit) * 100
		}
		snap.APIQuotas[name] = q
	}

	if snap.SensorsHealthy == snap.SensorsTotal {
		snap.Status = "healthy"
	} else {
		snap.Status = "degraded"
	}

	if m.calibStatus != nil {
		st := m.calibStatus()
		snap.Calibration = &st
	}
	return snap
}

// view must be called with the lock held.
func (m *Monitor) view(s *sensorState) SensorView {
	v := SensorView{
		Disabled:            s.disabled,
		DisabledReason:      s.disabledReason,
		ConsecutiveFailures: s.consecutiveFailures,
		TotalSuccesses:      s.totalSuccesses,
		TotalFailures:       s.totalFailures,
		LastError:           s.lastError,
	}
	switch {
	case s.disabled:
		v.Status = "disabled"
	case s.consecutiveFailures > 0:
		v.Status = "failing"
	default:
		v.Status = "healthy"
	}
	if !s.lastSuccess.IsZero() {
		v.LastSuccessAgo = m.clk.Now().Sub(s.lastSuccess).Seconds()
	}
	return v
}
