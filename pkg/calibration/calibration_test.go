// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package calibration

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, *clock.Mock, string) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	dir := t.TempDir()
	tr, err := NewTracker(dir, mock)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr, mock, dir
}

func TestStartTimeSurvivesRestart(t *testing.T) {
	tr, mock, dir := newTestTracker(t)
	started := tr.StartTime()
	require.NoError(t, tr.Close())

	mock.Add(48 * time.Hour)
	tr2, err := NewTracker(dir, mock)
	require.NoError(t, err)
	defer tr2.Close()

	assert.Equal(t, started, tr2.StartTime())
	assert.InDelta(t, 2.0, tr2.DaysCollecting(), 0.01)
}

func TestAnalyzeComputesRatesAndPercentiles(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	for i := 0; i < 100; i++ {
		require.NoError(t, tr.RecordCheck("crypto.price.change_pct", float64(i), 50, i >= 75, nil))
	}
	// Hits for other thresholds must not leak into the analysis.
	require.NoError(t, tr.RecordCheck("system.cpu.max", 99, 90, true, nil))

	stats, err := tr.Analyze("crypto.price.change_pct")
	require.NoError(t, err)
	assert.Equal(t, 100, stats.TotalChecks)
	assert.Equal(t, 25, stats.TriggeredCount)
	assert.InDelta(t, 0.25, stats.TriggerRate, 1e-9)
	assert.InDelta(t, 0.0, stats.Min, 1e-9)
	assert.InDelta(t, 99.0, stats.Max, 1e-9)
	assert.InDelta(t, 49.5, stats.P50, 1e-9)
	assert.InDelta(t, 89.1, stats.P90, 1e-9)
}

func TestRecordValueMarksNonNumeric(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	require.NoError(t, tr.RecordValue("news.top_headline", "markets rally", nil))
	require.NoError(t, tr.RecordValue("crypto.btc_price", 65000.0, nil))
	require.NoError(t, tr.Flush())
}

func TestPercentileInterpolation(t *testing.T) {
	vals := []float64{10, 20, 30, 40}
	assert.InDelta(t, 25.0, percentile(vals, 50), 1e-9)
	assert.InDelta(t, 10.0, percentile(vals, 0), 1e-9)
	assert.InDelta(t, 40.0, percentile(vals, 100), 1e-9)
	assert.InDelta(t, 37.0, percentile(vals, 90), 1e-9)
}

// fillHits loads a .min threshold with 5000 checks triggering 75% of the
// time; the value distribution has p90 = 0.80.
func fillHits(t *testing.T, tr *Tracker, name string) {
	t.Helper()
	for i := 0; i < 5000; i++ {
		value := 0.80
		if i%20 == 0 {
			value = 0.95
		}
		triggered := i%4 != 0
		require.NoError(t, tr.RecordCheck(name, value, 0.95, triggered, nil))
	}
}

func TestAutoCalibrationLowersNoisyMinThreshold(t *testing.T) {
	tr, _, dir := newTestTracker(t)
	fillHits(t, tr, "quantum_rng.randomness_score.min")

	c := NewAutoCalibrator(tr, WithMinDays(0), WithAutoApply(true))
	report, err := c.Run(map[string]float64{"quantum_rng.randomness_score.min": 0.95})
	require.NoError(t, err)
	require.NotNil(t, report)
	require.Len(t, report.Recommendations, 1)

	rec := report.Recommendations[0]
	assert.Equal(t, "quantum_rng.randomness_score.min", rec.ThresholdName)
	assert.InDelta(t, 0.75, rec.TriggerRate, 1e-9)
	// Rate is more than 5x target, so the floor drops to p90.
	assert.InDelta(t, 0.80, rec.RecommendedValue, 1e-9)
	assert.Equal(t, ConfidenceHigh, rec.Confidence)
	assert.Equal(t, []string{"quantum_rng.randomness_score.min"}, report.Applied)

	applied, err := LoadCalibratedThresholds(dir)
	require.NoError(t, err)
	assert.InDelta(t, 0.80, applied["quantum_rng.randomness_score.min"], 1e-9)
}

func TestCalibrationGate24h(t *testing.T) {
	tr, mock, _ := newTestTracker(t)
	fillHits(t, tr, "quantum_rng.randomness_score.min")

	c := NewAutoCalibrator(tr, WithMinDays(0))
	first, err := c.Run(nil)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Under 24h since the last run: gate closed.
	mock.Add(12 * time.Hour)
	second, err := c.Run(nil)
	require.NoError(t, err)
	assert.Nil(t, second)

	mock.Add(13 * time.Hour)
	third, err := c.Run(nil)
	require.NoError(t, err)
	assert.NotNil(t, third)
}

func TestCalibrationRequiresCollectionDays(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	fillHits(t, tr, "quantum_rng.randomness_score.min")

	c := NewAutoCalibrator(tr, WithMinDays(30))
	report, err := c.Run(nil)
	require.NoError(t, err)
	assert.Nil(t, report)

	st := c.Status()
	assert.False(t, st.ReadyForCalibration)
	assert.Equal(t, 30.0, st.DaysNeeded)
}

func TestLowSampleThresholdsSkipped(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	for i := 0; i < 50; i++ {
		require.NoError(t, tr.RecordCheck("system.cpu.max", 99, 90, true, nil))
	}

	c := NewAutoCalibrator(tr, WithMinDays(0))
	report, err := c.Run(nil)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Empty(t, report.Recommendations)
}

func TestMediumConfidenceNotApplied(t *testing.T) {
	tr, _, dir := newTestTracker(t)
	// 2000 checks: enough for medium confidence, not for high.
	for i := 0; i < 2000; i++ {
		require.NoError(t, tr.RecordCheck("crypto.volume.trigger_above", float64(i%100), 50, i%4 != 0, nil))
	}

	c := NewAutoCalibrator(tr, WithMinDays(0), WithAutoApply(true))
	report, err := c.Run(nil)
	require.NoError(t, err)
	require.NotNil(t, report)
	require.Len(t, report.Recommendations, 1)
	assert.Equal(t, ConfidenceMedium, report.Recommendations[0].Confidence)
	assert.Empty(t, report.Applied)

	applied, err := LoadCalibratedThresholds(dir)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestHistoryRestoredAcrossRestart(t *testing.T) {
	tr, mock, dir := newTestTracker(t)
	fillHits(t, tr, "quantum_rng.randomness_score.min")

	c := NewAutoCalibrator(tr, WithMinDays(0))
	_, err := c.Run(nil)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	tr2, err := NewTracker(dir, mock)
	require.NoError(t, err)
	defer tr2.Close()

	c2 := NewAutoCalibrator(tr2, WithMinDays(0))
	st := c2.Status()
	assert.Equal(t, 1, st.TotalCalibrations)
	assert.NotZero(t, st.LastCalibration)

	// The restored last-run time keeps the 24h gate closed.
	report, err := c2.Run(nil)
	require.NoError(t, err)
	assert.Nil(t, report)
}
