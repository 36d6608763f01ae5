// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package anomalyindex

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixwatcher/agent/pkg/types"
)

func anomaly(source string, severity types.AnomalySeverity) types.AnomalyEvent {
	return types.AnomalyEvent{
		Timestamp:    1000,
		Parameter:    source + ".value",
		SensorSource: source,
		Metadata:     map[string]interface{}{"severity": string(severity)},
	}
}

// twentyIndexAnomalies yields index 20 over the default 7-source set:
// 100 (critical) + 30 + 10 = 140 -> 140/700*100 = 20.
func twentyIndexAnomalies() []types.AnomalyEvent {
	return []types.AnomalyEvent{
		anomaly("crypto", types.AnomalyCritical),
		anomaly("earthquake", types.AnomalyMedium),
		anomaly("earthquake", types.AnomalyLow),
	}
}

func newTestAggregator(opts ...Option) (*Aggregator, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(mock)}, opts...)
	return New(opts...), mock
}

func TestEmptySnapshotIsNormal(t *testing.T) {
	a, _ := newTestAggregator()
	snap := a.ComputeSnapshot(nil)
	assert.Equal(t, 0.0, snap.Index)
	assert.Equal(t, StatusNormal, snap.Status)
	assert.Equal(t, 0, snap.ActiveAnomalies)
}

func TestSeverityScoring(t *testing.T) {
	a, _ := newTestAggregator()
	snap := a.ComputeSnapshot(twentyIndexAnomalies())
	assert.InDelta(t, 20.0, snap.Index, 1e-9)
	assert.InDelta(t, 100.0, snap.Breakdown["crypto"], 1e-9)
	assert.InDelta(t, 40.0, snap.Breakdown["earthquake"], 1e-9)
	assert.Equal(t, 3, snap.ActiveAnomalies)
}

func TestPerSourceScoreCapped(t *testing.T) {
	a, _ := newTestAggregator()
	var anomalies []types.AnomalyEvent
	for i := 0; i < 10; i++ {
		anomalies = append(anomalies, anomaly("crypto", types.AnomalyCritical))
	}
	snap := a.ComputeSnapshot(anomalies)
	assert.InDelta(t, 100.0, snap.Breakdown["crypto"], 1e-9)
	// One saturated source of seven known.
	assert.InDelta(t, 100.0/7.0, snap.Index, 1e-6)
}

func TestIndexBounds(t *testing.T) {
	a, _ := newTestAggregator()
	var anomalies []types.AnomalyEvent
	for _, src := range DefaultKnownSources() {
		anomalies = append(anomalies, anomaly(src, types.AnomalyCritical))
	}
	// An unknown source can push the raw total past the denominator.
	anomalies = append(anomalies, anomaly("system", types.AnomalyCritical))
	snap := a.ComputeSnapshot(anomalies)
	assert.Equal(t, 100.0, snap.Index)
	assert.Equal(t, StatusCritical, snap.Status)
}

func TestDefaultBaselineWithLittleHistory(t *testing.T) {
	a, _ := newTestAggregator()
	snap := a.ComputeSnapshot(twentyIndexAnomalies())
	// Fewer than ten snapshots: baseline defaults to 15.
	assert.InDelta(t, 20.0/DefaultBaseline, snap.BaselineRatio, 1e-9)
}

func TestBaselineRatioCritical(t *testing.T) {
	a, mock := newTestAggregator()

	// 100 snapshots of index 20 spread over the last 24h.
	for i := 0; i < 100; i++ {
		a.ComputeSnapshot(twentyIndexAnomalies())
		mock.Add(14 * time.Minute)
	}

	// The hourly recompute fires on the next snapshot; by now the
	// history mean is exactly 20.
	snap := a.ComputeSnapshot([]types.AnomalyEvent{
		anomaly("crypto", types.AnomalyCritical),
		anomaly("earthquake", types.AnomalyCritical),
		anomaly("quantum_rng", types.AnomalyCritical),
		anomaly("space_weather", types.AnomalyCritical),
		anomaly("blockchain", types.AnomalyLow),
		anomaly("blockchain", types.AnomalyLow),
	})
	assert.InDelta(t, 60.0, snap.Index, 1e-9)
	assert.InDelta(t, 3.0, snap.BaselineRatio, 1e-6)
	assert.Equal(t, StatusCritical, snap.Status)
}

func TestStatusThresholds(t *testing.T) {
	cases := []struct {
		index, ratio float64
		want         Status
	}{
		{10, 1.0, StatusNormal},
		{39.9, 1.49, StatusNormal},
		{40, 1.0, StatusElevated},
		{10, 1.5, StatusElevated},
		{60, 1.0, StatusHigh},
		{10, 2.0, StatusHigh},
		{80, 1.0, StatusCritical},
		{10, 3.0, StatusCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.index, tc.ratio), "index=%v ratio=%v", tc.index, tc.ratio)
	}
}

func TestSeverityFallbackFromZScore(t *testing.T) {
	a, _ := newTestAggregator()
	// No metadata severity: |z|>5 falls back to high (score 50).
	snap := a.ComputeSnapshot([]types.AnomalyEvent{{
		Timestamp:    1000,
		Parameter:    "crypto.price",
		ZScore:       6,
		SensorSource: "crypto",
	}})
	assert.InDelta(t, 50.0, snap.Breakdown["crypto"], 1e-9)
}

func TestHistoryAppendOrder(t *testing.T) {
	a, mock := newTestAggregator()
	for i := 0; i < 5; i++ {
		a.ComputeSnapshot(nil)
		mock.Add(time.Minute)
	}
	hist := a.History()
	require.Len(t, hist, 5)
	for i := 1; i < len(hist); i++ {
		assert.Greater(t, hist[i].Timestamp, hist[i-1].Timestamp)
	}
	latest, ok := a.Latest()
	require.True(t, ok)
	assert.Equal(t, hist[4].Timestamp, latest.Timestamp)
}
