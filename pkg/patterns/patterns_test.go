// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package patterns

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixwatcher/agent/pkg/types"
)

func newTestTracker(t *testing.T) (*Tracker, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	tr, err := NewTracker(t.TempDir(), WithClock(mock))
	require.NoError(t, err)
	return tr, mock
}

func condition(ts float64) types.Condition {
	return types.Condition{
		Timestamp:     ts,
		Level:         3,
		Sources:       []string{"crypto", "earthquake", "quantum_rng"},
		AnomalyIndex:  42,
		BaselineRatio: 2.1,
	}
}

func cryptoReading(ts, btcPrice float64) types.SensorReading {
	return types.SensorReading{
		Timestamp: ts,
		Source:    "crypto",
		Data:      map[string]interface{}{"btcusdt.price": btcPrice},
	}
}

func earthquakeReading(ts, magnitude float64) types.SensorReading {
	return types.SensorReading{
		Timestamp: ts,
		Source:    "earthquake",
		Data: map[string]interface{}{
			"max_magnitude": magnitude,
			"lat":           35.6,
			"lon":           139.7,
		},
	}
}

func TestRecordConditionOpensPatternSlots(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.RecordCondition(condition(1000))

	p, ok := tr.Pattern("L3_crypto_earthquake_quantum_rng", "btc_pump_1h")
	require.True(t, ok)
	assert.Equal(t, 1, p.ConditionCount)
	assert.Equal(t, 0, p.EventAfterCount)
	assert.True(t, math.IsInf(p.MinTimeToEvent, 1))
	assert.Equal(t, 1, tr.ConditionCount())
}

func TestBTCPumpJoinAndIdempotence(t *testing.T) {
	tr, _ := newTestTracker(t)

	// Seed the price history an hour before the conditions.
	assert.Empty(t, tr.CheckEvents(cryptoReading(0, 100)))

	for i := 0; i < 10; i++ {
		tr.RecordCondition(condition(10 + float64(i*100)))
	}

	// +3% against the sample one hour back: btc_pump_1h fires and joins
	// every stored condition.
	fired := tr.CheckEvents(cryptoReading(3700, 103))
	require.Len(t, fired, 1)
	assert.Equal(t, "btc_pump_1h", fired[0].EventType)

	p, ok := tr.Pattern("L3_crypto_earthquake_quantum_rng", "btc_pump_1h")
	require.True(t, ok)
	assert.Equal(t, 10, p.ConditionCount)
	assert.Equal(t, 10, p.EventAfterCount)
	assert.Equal(t, 1.0, p.ActualProbability)
	// Mean of 3700 - (10, 110, ..., 910).
	assert.InDelta(t, 3240.0, p.AvgTimeToEvent, 1e-6)
	assert.InDelta(t, 2790.0, p.MinTimeToEvent, 1e-6)
	assert.InDelta(t, 3690.0, p.MaxTimeToEvent, 1e-6)

	// A second identical firing moments later changes nothing: each
	// condition instance counts once per event type.
	fired = tr.CheckEvents(cryptoReading(3700.001, 103))
	require.Len(t, fired, 1)
	p, _ = tr.Pattern("L3_crypto_earthquake_quantum_rng", "btc_pump_1h")
	assert.Equal(t, 10, p.EventAfterCount)
	assert.Equal(t, 1.0, p.ActualProbability)
}

func TestPatternInvariants(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.CheckEvents(cryptoReading(0, 100))
	for i := 0; i < 7; i++ {
		tr.RecordCondition(condition(float64(i * 50)))
		if i%2 == 0 {
			tr.CheckEvents(cryptoReading(3700+float64(i*25), 103))
		}
	}

	p, ok := tr.Pattern("L3_crypto_earthquake_quantum_rng", "btc_pump_1h")
	require.True(t, ok)
	assert.GreaterOrEqual(t, p.EventAfterCount, 0)
	assert.LessOrEqual(t, p.EventAfterCount, p.ConditionCount)
	assert.GreaterOrEqual(t, p.ActualProbability, 0.0)
	assert.LessOrEqual(t, p.ActualProbability, 1.0)
	assert.InDelta(t, float64(p.EventAfterCount), p.ActualProbability*float64(p.ConditionCount), 1e-9)
	if p.EventAfterCount > 0 {
		assert.LessOrEqual(t, p.MinTimeToEvent, p.AvgTimeToEvent)
		assert.LessOrEqual(t, p.AvgTimeToEvent, p.MaxTimeToEvent)
	}
}

func TestDumpDirection(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.CheckEvents(cryptoReading(0, 100))
	tr.RecordCondition(condition(100))

	fired := tr.CheckEvents(cryptoReading(3700, 97.5))
	require.Len(t, fired, 1)
	assert.Equal(t, "btc_dump_1h", fired[0].EventType)
}

func TestNoPumpWithoutHistoryHorizon(t *testing.T) {
	tr, _ := newTestTracker(t)

	// Only 10 minutes of history: the 1h window has no anchor sample.
	tr.CheckEvents(cryptoReading(0, 100))
	fired := tr.CheckEvents(cryptoReading(600, 110))
	assert.Empty(t, fired)
}

func TestVolatilityEvents(t *testing.T) {
	tr, _ := newTestTracker(t)

	fired := tr.CheckEvents(types.SensorReading{
		Timestamp: 1000,
		Source:    "crypto",
		Data:      map[string]interface{}{"btcusdt.price_change_24h_percent": -2.7},
	})
	events := eventTypes(fired)
	assert.Contains(t, events, "btc_volatility_high")
	assert.Contains(t, events, "btc_volatility_medium")
}

func TestEarthquakeTiers(t *testing.T) {
	tr, _ := newTestTracker(t)

	fired := tr.CheckEvents(earthquakeReading(1000, 6.5))
	events := eventTypes(fired)
	assert.Contains(t, events, "earthquake_moderate")
	assert.Contains(t, events, "earthquake_strong")
	assert.Contains(t, events, "earthquake_significant")
	assert.NotContains(t, events, "earthquake_major")
	require.NotNil(t, fired[0].Location)
	assert.Equal(t, 35.6, fired[0].Location.Lat)
}

func TestSolarStormTiers(t *testing.T) {
	tr, _ := newTestTracker(t)

	fired := tr.CheckEvents(types.SensorReading{
		Timestamp: 1000,
		Source:    "space_weather",
		Data:      map[string]interface{}{"kp_index": 7.5, "solar_wind_speed": 400.0},
	})
	events := eventTypes(fired)
	assert.Contains(t, events, "solar_storm_moderate")
	assert.Contains(t, events, "solar_storm_strong")
	assert.NotContains(t, events, "solar_storm_extreme")

	// Wind speed alone satisfies the moderate tier only.
	tr2, _ := newTestTracker(t)
	fired = tr2.CheckEvents(types.SensorReading{
		Timestamp: 1000,
		Source:    "space_weather",
		Data:      map[string]interface{}{"kp_index": 2.0, "solar_wind_speed": 750.0},
	})
	events = eventTypes(fired)
	assert.Contains(t, events, "solar_storm_moderate")
	assert.NotContains(t, events, "solar_storm_strong")
}

func TestBlockTimeRatioPredicate(t *testing.T) {
	tr, _ := newTestTracker(t)

	fired := tr.CheckEvents(types.SensorReading{
		Timestamp: 1000,
		Source:    "blockchain",
		Data: map[string]interface{}{
			"bitcoin": map[string]interface{}{
				"block_time_seconds":  1300.0,
				"expected_block_time": 600.0,
			},
		},
	})
	assert.Contains(t, eventTypes(fired), "blockchain_anomaly")

	fired = tr.CheckEvents(types.SensorReading{
		Timestamp: 1010,
		Source:    "blockchain",
		Data: map[string]interface{}{
			"bitcoin": map[string]interface{}{
				"block_time_seconds":  650.0,
				"expected_block_time": 600.0,
			},
		},
	})
	assert.Empty(t, fired)
}

func TestGetProbabilities(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.CheckEvents(cryptoReading(0, 100))
	for i := 0; i < 10; i++ {
		tr.RecordCondition(condition(10 + float64(i*100)))
	}
	tr.CheckEvents(cryptoReading(3700, 103))

	probs := tr.GetProbabilities(condition(0), 5, "")
	require.NotEmpty(t, probs)
	assert.Equal(t, "btc_pump_1h", probs[0].EventType)
	assert.Equal(t, 1.0, probs[0].Probability)
	assert.Equal(t, 10, probs[0].Observations)
	assert.Equal(t, 10, probs[0].Occurrences)
	assert.InDelta(t, 3240.0/3600, probs[0].AvgTimeHours, 1e-6)
}

func TestProbabilitiesRequireMinObservations(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.CheckEvents(cryptoReading(0, 100))
	tr.RecordCondition(condition(10))
	tr.CheckEvents(cryptoReading(3700, 103))

	assert.Empty(t, tr.GetProbabilities(condition(0), 5, ""))
	assert.NotEmpty(t, tr.GetProbabilities(condition(0), 1, ""))
}

func TestEarthquakeModerateSuppressed(t *testing.T) {
	tr, _ := newTestTracker(t)

	for i := 0; i < 6; i++ {
		tr.RecordCondition(condition(float64(i * 10)))
	}
	tr.CheckEvents(earthquakeReading(3600, 5.2))

	probs := tr.GetProbabilities(condition(0), 5, "")
	assert.NotContains(t, eventNames(probs), "earthquake_moderate")
}

func TestEarthquakeTimeSpreadGate(t *testing.T) {
	tr, _ := newTestTracker(t)

	for i := 0; i < 6; i++ {
		tr.RecordCondition(condition(float64(i * 10)))
	}
	tr.CheckEvents(earthquakeReading(3600, 6.5))

	probs := tr.GetProbabilities(condition(0), 5, "")
	assert.Contains(t, eventNames(probs), "earthquake_strong")

	// A much later condition matched by a much later event stretches the
	// min/max window past 12h, suppressing the earthquake entry.
	tr.RecordCondition(condition(100000))
	tr.CheckEvents(earthquakeReading(100000+60000, 6.5))

	probs = tr.GetProbabilities(condition(0), 5, "")
	assert.NotContains(t, eventNames(probs), "earthquake_strong")
}

func TestCategoryFilter(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.CheckEvents(cryptoReading(0, 100))
	for i := 0; i < 6; i++ {
		tr.RecordCondition(condition(10 + float64(i*10)))
	}
	tr.CheckEvents(cryptoReading(3700, 103))

	assert.NotEmpty(t, tr.GetProbabilities(condition(0), 5, CategoryCrypto))
	assert.Empty(t, tr.GetProbabilities(condition(0), 5, CategoryEarthquake))
}

func TestOtherCategoryNeverSurfaced(t *testing.T) {
	tr, _ := newTestTracker(t)

	for i := 0; i < 6; i++ {
		tr.RecordCondition(condition(float64(i * 10)))
	}
	tr.CheckEvents(types.SensorReading{
		Timestamp: 3600,
		Source:    "quantum_rng",
		Data:      map[string]interface{}{"randomness_score": 0.5},
	})

	// The quantum anomaly matched internally but stays out of output.
	p, ok := tr.Pattern("L3_crypto_earthquake_quantum_rng", "quantum_anomaly")
	require.True(t, ok)
	assert.Equal(t, 6, p.EventAfterCount)
	assert.NotContains(t, eventNames(tr.GetProbabilities(condition(0), 1, "")), "quantum_anomaly")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	nowUnix := float64(mock.Now().UnixNano()) / 1e9

	dir := t.TempDir()
	tr, err := NewTracker(dir, WithClock(mock))
	require.NoError(t, err)

	tr.CheckEvents(cryptoReading(nowUnix-3700, 100))
	tr.RecordCondition(condition(nowUnix - 3600))
	tr.CheckEvents(cryptoReading(nowUnix, 103))
	require.NoError(t, tr.Save())

	// The unobserved minimum serializes as null.
	b, err := os.ReadFile(filepath.Join(dir, "patterns.json"))
	require.NoError(t, err)
	var raw map[string]map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &raw))
	cell := raw["L3_crypto_earthquake_quantum_rng"]["earthquake_major"]
	require.NotNil(t, cell)
	assert.Nil(t, cell["min_time_to_event"])

	tr2, err := NewTracker(dir, WithClock(mock))
	require.NoError(t, err)

	p, ok := tr2.Pattern("L3_crypto_earthquake_quantum_rng", "btc_pump_1h")
	require.True(t, ok)
	assert.Equal(t, 1, p.ConditionCount)
	assert.Equal(t, 1, p.EventAfterCount)

	unmatched, ok := tr2.Pattern("L3_crypto_earthquake_quantum_rng", "earthquake_major")
	require.True(t, ok)
	assert.True(t, math.IsInf(unmatched.MinTimeToEvent, 1))
	assert.Equal(t, 1, tr2.ConditionCount())
}

func TestStaleConditionsDroppedOnLoad(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	nowUnix := float64(mock.Now().UnixNano()) / 1e9

	dir := t.TempDir()
	tr, err := NewTracker(dir, WithClock(mock))
	require.NoError(t, err)
	tr.RecordCondition(condition(nowUnix - 100))
	tr.RecordCondition(condition(nowUnix - 80*3600)) // beyond 72h
	require.NoError(t, tr.Save())

	tr2, err := NewTracker(dir, WithClock(mock))
	require.NoError(t, err)
	assert.Equal(t, 1, tr2.ConditionCount())
}

func TestBackfillPrices(t *testing.T) {
	tr, mock := newTestTracker(t)
	nowUnix := float64(mock.Now().UnixNano()) / 1e9

	records := []map[string]interface{}{
		{"timestamp": nowUnix - 7200, "source": "crypto", "btcusdt.price": 100.0},
		{"timestamp": nowUnix - 80*3600, "source": "crypto", "btcusdt.price": 90.0}, // too old
		{"timestamp": nowUnix - 3700, "source": "crypto", "btcusdt.price": 100.0},
	}
	assert.Equal(t, 2, tr.BackfillPrices(records))

	tr.RecordCondition(condition(nowUnix - 1800))
	fired := tr.CheckEvents(cryptoReading(nowUnix, 103))
	assert.Contains(t, eventTypes(fired), "btc_pump_1h")
}

func TestCalibrationStats(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.CheckEvents(cryptoReading(0, 100))
	for i := 0; i < 6; i++ {
		tr.RecordCondition(condition(10 + float64(i*10)))
	}
	tr.CheckEvents(cryptoReading(3700, 103))
	tr.GetProbabilities(condition(0), 5, "")

	stats := tr.Calibration()
	assert.Greater(t, stats.TotalPatterns, 0)
	// btc_pump_1h locked in predicted = actual = 1.0, brier 0, with 6
	// observations: well calibrated.
	assert.Greater(t, stats.WellCalibratedPercent, 0.0)
}

func TestPredictionWriter(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	dir := t.TempDir()

	w, err := NewPredictionWriter(dir, mock)
	require.NoError(t, err)

	cond := condition(1000)
	require.NoError(t, w.Publish(cond, []Probability{{
		EventType:    "btc_pump_1h",
		Probability:  0.72,
		AvgTimeHours: 0.9,
		Observations: 10,
		Occurrences:  7,
		Description:  "BTC +2% within 1h",
		Category:     CategoryCrypto,
		Icon:         "₿",
		Color:        "#f7931a",
	}}))

	b, err := os.ReadFile(filepath.Join(dir, "current.json"))
	require.NoError(t, err)
	var pf struct {
		Predictions []PredictionEntry `json:"predictions"`
		LastUpdate  float64           `json:"last_update"`
	}
	require.NoError(t, json.Unmarshal(b, &pf))
	require.Len(t, pf.Predictions, 1)
	e := pf.Predictions[0]
	assert.Equal(t, 72, e.Probability)
	assert.Equal(t, "L3_crypto_earthquake_quantum_rng", e.Condition)
	assert.Equal(t, 3, e.ConditionLevel)
	assert.NotEmpty(t, e.ID)
}

func TestPredictionPruning(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	dir := t.TempDir()

	w, err := NewPredictionWriter(dir, mock)
	require.NoError(t, err)

	cond := condition(1000)
	require.NoError(t, w.Publish(cond, []Probability{
		{EventType: "btc_pump_1h", Probability: 0.5, Category: CategoryCrypto},
		{EventType: "earthquake_moderate", Probability: 0.9, Category: CategoryEarthquake},
	}))

	// The suppressed event type is pruned on write.
	names := make([]string, 0)
	for _, e := range w.Current() {
		names = append(names, e.Event)
	}
	assert.NotContains(t, names, "earthquake_moderate")
	assert.Contains(t, names, "btc_pump_1h")

	// Entries older than 24h go away on the next write.
	mock.Add(25 * time.Hour)
	require.NoError(t, w.Write())
	assert.Empty(t, w.Current())
}

func eventTypes(events []NamedEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func eventNames(probs []Probability) []string {
	out := make([]string, 0, len(probs))
	for _, p := range probs {
		out = append(out, p.EventType)
	}
	return out
}
