// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package calibration

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/matrixwatcher/agent/pkg/util/log"
)

// Defaults for the calibration gate.
const (
	DefaultMinDays         = 30.0
	DefaultMinObservations = 1000
	DefaultTargetRate      = 0.02
)

// Confidence labels a recommendation.
type Confidence string

// Recommendation confidence bands.
const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Recommendation is one proposed threshold change.
type Recommendation struct {
	ThresholdName    string     `json:"threshold_name"`
	CurrentValue     float64    `json:"current_value"`
	RecommendedValue float64    `json:"recommended_value"`
	TriggerRate      float64    `json:"trigger_rate"`
	TotalChecks      int        `json:"total_checks"`
	Confidence       Confidence `json:"confidence"`
	Reason           string     `json:"reason"`
}

// Report is the outcome of one calibration run.
type Report struct {
	Timestamp       float64          `json:"timestamp"`
	DaysCollecting  float64          `json:"days_collecting"`
	Recommendations []Recommendation `json:"recommendations"`
	Applied         []string         `json:"applied"`
}

// AppliedThreshold is one entry of calibrated_thresholds.json, read back by
// the detector at startup.
type AppliedThreshold struct {
	Value         float64    `json:"value"`
	PreviousValue float64    `json:"previous_value"`
	Confidence    Confidence `json:"confidence"`
	CalibratedAt  float64    `json:"calibrated_at"`
}

// Status is the calibration block of the health endpoint.
type Status struct {
	ReadyForCalibration bool    `json:"ready_for_calibration"`
	DaysCollecting      float64 `json:"days_collecting"`
	DaysNeeded          float64 `json:"days_needed"`
	AutoApplyEnabled    bool    `json:"auto_apply_enabled"`
	LastCalibration     float64 `json:"last_calibration"`
	TotalCalibrations   int     `json:"total_calibrations"`
}

// AutoCalibrator periodically analyzes recorded checks and proposes new
// threshold values. Runs are gated to once per 24h of wall clock and to a
// minimum number of collection days.
type AutoCalibrator struct {
	tracker *Tracker
	clk     clock.Clock

	minDays         float64
	minObservations int
	targetRate      float64
	autoApply       bool

	m                 sync.Mutex
	lastRun           float64
	totalCalibrations int
}

// CalibratorOption configures the auto-calibrator.
type CalibratorOption func(*AutoCalibrator)

// WithMinDays overrides the minimum collection period.
func WithMinDays(d float64) CalibratorOption {
	return func(c *AutoCalibrator) { c.minDays = d }
}

// WithMinObservations overrides the per-threshold sample floor.
func WithMinObservations(n int) CalibratorOption {
	return func(c *AutoCalibrator) { c.minObservations = n }
}

// WithAutoApply enables writing high-confidence recommendations to
// calibrated_thresholds.json.
func WithAutoApply(on bool) CalibratorOption {
	return func(c *AutoCalibrator) { c.autoApply = on }
}

// NewAutoCalibrator builds a calibrator over the tracker's directory,
// restoring the run history left by previous processes.
func NewAutoCalibrator(tracker *Tracker, opts ...CalibratorOption) *AutoCalibrator {
	c := &AutoCalibrator{
		tracker:         tracker,
		clk:             tracker.clk,
		minDays:         DefaultMinDays,
		minObservations: DefaultMinObservations,
		targetRate:      DefaultTargetRate,
	}
	for _, o := range opts {
		o(c)
	}

	var history []Report
	if b, err := os.ReadFile(filepath.Join(tracker.dir, historyFile)); err == nil {
		if err := json.Unmarshal(b, &history); err == nil && len(history) > 0 {
			c.totalCalibrations = len(history)
			c.lastRun = history[len(history)-1].Timestamp
		}
	}
	return c
}

// Status reports the calibration gate state for the health endpoint.
func (c *AutoCalibrator) Status() Status {
	c.m.Lock()
	defer c.m.Unlock()
	days := c.tracker.DaysCollecting()
	return Status{
		ReadyForCalibration: days >= c.minDays,
		DaysCollecting:      days,
		DaysNeeded:          c.minDays,
		AutoApplyEnabled:    c.autoApply,
		LastCalibration:     c.lastRun,
		TotalCalibrations:   c.totalCalibrations,
	}
}

// Run performs one calibration pass over every known threshold. current
// maps threshold names to the values the detector is using right now.
// Returns nil without error when the gate is closed.
func (c *AutoCalibrator) Run(current map[string]float64) (*Report, error) {
	now := float64(c.clk.Now().UnixNano()) / 1e9

	c.m.Lock()
	if c.lastRun > 0 && now-c.lastRun < 86400 {
		c.m.Unlock()
		log.Debug("calibration: skipped, last run under 24h ago")
		return nil, nil
	}
	c.m.Unlock()

	if days := c.tracker.DaysCollecting(); days < c.minDays {
		log.Debugf("calibration: skipped, %.1f of %.0f collection days", days, c.minDays)
		return nil, nil
	}

	names, err := c.tracker.ThresholdNames()
	if err != nil {
		return nil, errors.Wrap(err, "list thresholds")
	}

	report := &Report{
		Timestamp:      now,
		DaysCollecting: c.tracker.DaysCollecting(),
	}

	// Per-threshold failures are collected; the rest keep calibrating.
	var failures error
	for _, name := range names {
		rec, err := c.calibrateOne(name, current[name])
		if err != nil {
			failures = multierror.Append(failures, errors.Wrap(err, name))
			continue
		}
		if rec != nil {
			report.Recommendations = append(report.Recommendations, *rec)
		}
	}
	if failures != nil {
		log.Warnf("calibration: some thresholds failed: %v", failures) //nolint:errcheck
	}

	if c.autoApply {
		applied, err := c.apply(report.Recommendations, now)
		if err != nil {
			return nil, err
		}
		report.Applied = applied
	}

	if err := c.persistReport(report); err != nil {
		return nil, err
	}

	c.m.Lock()
	c.lastRun = now
	c.totalCalibrations++
	c.m.Unlock()

	log.Infof("calibration: run complete, %d recommendations, %d applied",
		len(report.Recommendations), len(report.Applied))
	return report, nil
}

// calibrateOne returns nil when the threshold has too few observations or
// its trigger rate is already near target.
func (c *AutoCalibrator) calibrateOne(name string, currentValue float64) (*Recommendation, error) {
	stats, err := c.tracker.Analyze(name)
	if err != nil {
		return nil, err
	}
	if stats.TotalChecks < c.minObservations {
		return nil, nil
	}

	value, reason, ok := optimalValue(name, stats, c.targetRate)
	if !ok {
		return nil, nil
	}

	return &Recommendation{
		ThresholdName:    name,
		CurrentValue:     currentValue,
		RecommendedValue: value,
		TriggerRate:      stats.TriggerRate,
		TotalChecks:      stats.TotalChecks,
		Confidence:       confidence(stats, c.targetRate),
		Reason:           reason,
	}, nil
}

// optimalValue picks the percentile that should bring the trigger rate back
// toward target, using the threshold-name suffix to decide direction.
func optimalValue(name string, stats *ThresholdStats, target float64) (float64, string, bool) {
	rate := stats.TriggerRate
	tooHigh := rate > 2*target
	tooLow := rate < 0.5*target
	if !tooHigh && !tooLow {
		return 0, "", false
	}

	switch {
	case strings.HasSuffix(name, ".min"):
		if tooHigh {
			if rate > 5*target {
				return stats.P90, fmt.Sprintf("trigger rate %.1f%% far above target, lowering floor to p90", rate*100), true
			}
			return stats.P95, fmt.Sprintf("trigger rate %.1f%% above target, lowering floor to p95", rate*100), true
		}
		return stats.P99, fmt.Sprintf("trigger rate %.2f%% below target, raising floor to p99", rate*100), true

	case strings.HasSuffix(name, ".max"):
		if tooHigh {
			if rate > 5*target {
				return stats.P90, fmt.Sprintf("trigger rate %.1f%% far above target, raising ceiling to p90", rate*100), true
			}
			return stats.P95, fmt.Sprintf("trigger rate %.1f%% above target, raising ceiling to p95", rate*100), true
		}
		return stats.P99, fmt.Sprintf("trigger rate %.2f%% below target, lowering ceiling to p99", rate*100), true

	case strings.HasSuffix(name, ".trigger_above"), strings.HasSuffix(name, ".change_pct"):
		if tooHigh {
			return stats.P95, fmt.Sprintf("trigger rate %.1f%% above target, raising to p95", rate*100), true
		}
		return stats.P90, fmt.Sprintf("trigger rate %.2f%% below target, lowering to p90", rate*100), true

	default:
		return stats.P95, "unknown threshold kind, p95 as safe default", true
	}
}

func confidence(stats *ThresholdStats, target float64) Confidence {
	clearlyOff := stats.TriggerRate > 2.5*target || stats.TriggerRate < 0.25*target
	switch {
	case stats.TotalChecks >= 5000 && clearlyOff:
		return ConfidenceHigh
	case stats.TotalChecks >= 2000:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// apply writes high-confidence recommendations into
// calibrated_thresholds.json, merging with previously applied entries.
func (c *AutoCalibrator) apply(recs []Recommendation, now float64) ([]string, error) {
	applied := make(map[string]AppliedThreshold)
	path := filepath.Join(c.tracker.dir, appliedFile)
	if b, err := os.ReadFile(path); err == nil {
		json.Unmarshal(b, &applied) //nolint:errcheck
	}

	var names []string
	for _, rec := range recs {
		if rec.Confidence != ConfidenceHigh {
			continue
		}
		applied[rec.ThresholdName] = AppliedThreshold{
			Value:         rec.RecommendedValue,
			PreviousValue: rec.CurrentValue,
			Confidence:    rec.Confidence,
			CalibratedAt:  now,
		}
		names = append(names, rec.ThresholdName)
	}
	if len(names) == 0 {
		return nil, nil
	}

	b, err := json.MarshalIndent(applied, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode applied thresholds")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return nil, errors.Wrap(err, "write applied thresholds")
	}
	return names, nil
}

// persistReport writes the standalone report file and appends the run to
// calibration_history.json.
func (c *AutoCalibrator) persistReport(report *Report) error {
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode report")
	}
	name := fmt.Sprintf("calibration_report_%d.json", int64(report.Timestamp))
	if err := os.WriteFile(filepath.Join(c.tracker.dir, name), b, 0o644); err != nil {
		return errors.Wrap(err, "write report")
	}

	var history []Report
	histPath := filepath.Join(c.tracker.dir, historyFile)
	if hb, err := os.ReadFile(histPath); err == nil {
		json.Unmarshal(hb, &history) //nolint:errcheck
	}
	history = append(history, *report)
	hb, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	return errors.Wrap(os.WriteFile(histPath, hb, 0o644), "write history")
}

// LoadCalibratedThresholds reads the applied-threshold overrides the
// detector merges over its static rules at boot. A missing file is not an
// error.
func LoadCalibratedThresholds(dir string) (map[string]float64, error) {
	b, err := os.ReadFile(filepath.Join(dir, appliedFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read calibrated thresholds")
	}
	var applied map[string]AppliedThreshold
	if err := json.Unmarshal(b, &applied); err != nil {
		return nil, errors.Wrap(err, "decode calibrated thresholds")
	}
	out := make(map[string]float64, len(applied))
	for name, a := range applied {
		out[name] = a.Value
	}
	return out, nil
}
