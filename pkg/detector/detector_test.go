// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixwatcher/agent/pkg/types"
)

type recordedCheck struct {
	name      string
	value     float64
	threshold float64
	triggered bool
}

type fakeCalibLog struct {
	checks []recordedCheck
	values map[string][]interface{}
}

func newFakeCalibLog() *fakeCalibLog {
	return &fakeCalibLog{values: make(map[string][]interface{})}
}

func (f *fakeCalibLog) RecordCheck(name string, value, threshold float64, triggered bool, _ map[string]interface{}) error {
	f.checks = append(f.checks, recordedCheck{name, value, threshold, triggered})
	return nil
}

func (f *fakeCalibLog) RecordValue(name string, value interface{}, _ map[string]interface{}) error {
	f.values[name] = append(f.values[name], value)
	return nil
}

func dataEvent(source string, ts float64, payload map[string]interface{}) types.Event {
	return types.Event{
		Timestamp: ts,
		Source:    source,
		Type:      types.TypeData,
		Severity:  types.SeverityInfo,
		Payload:   payload,
	}
}

func TestBTCVolatilityRuleFires(t *testing.T) {
	d := New(DefaultRules())

	anomalies := d.ProcessEvent(dataEvent("crypto", 1000, map[string]interface{}{
		"btcusdt.price_change_24h_percent": 3.0,
	}))

	require.Len(t, anomalies, 1)
	a := anomalies[0]
	assert.Equal(t, "crypto.btcusdt.price_change_24h_percent", a.Parameter)
	assert.Equal(t, 3.0, a.Value)
	assert.Equal(t, "crypto", a.SensorSource)
	assert.Equal(t, types.AnomalyHigh, a.Severity())
	assert.Equal(t, 10.0, a.ZScore)
}

func TestNonDataEventsIgnored(t *testing.T) {
	d := New(DefaultRules())
	ev := dataEvent("crypto", 1000, map[string]interface{}{
		"btcusdt.price_change_24h_percent": 3.0,
	})
	ev.Type = types.TypeHealth
	assert.Empty(t, d.ProcessEvent(ev))
}

func TestChangePercentNeedsRealChange(t *testing.T) {
	pct := 5.0
	d := New([]Rule{{
		ParameterPattern: "crypto.btc.price",
		MinChangePercent: &pct,
		Lookback:         time.Hour,
		Description:      "price move",
	}})

	// Flat values inside the lookback: no anomaly.
	for i := 0; i < 10; i++ {
		a := d.ProcessEvent(dataEvent("crypto", 1000+float64(i*60), map[string]interface{}{
			"btc.price": 50000.0,
		}))
		assert.Empty(t, a)
	}

	// A 10% jump fires.
	a := d.ProcessEvent(dataEvent("crypto", 1700, map[string]interface{}{
		"btc.price": 55000.0,
	}))
	require.Len(t, a, 1)
	assert.Equal(t, "crypto.btc.price", a[0].Parameter)
}

func TestChangePercentZeroBaselineNeverFires(t *testing.T) {
	pct := 5.0
	d := New([]Rule{{
		ParameterPattern: "news.headline_rate",
		MinChangePercent: &pct,
		Lookback:         time.Hour,
		Description:      "news spike",
	}})

	assert.Empty(t, d.ProcessEvent(dataEvent("news", 1000, map[string]interface{}{"headline_rate": 0.0})))
	assert.Empty(t, d.ProcessEvent(dataEvent("news", 1100, map[string]interface{}{"headline_rate": 50.0})))
}

func TestChangePercentSeverityBands(t *testing.T) {
	pct := 10.0
	newDet := func() *Detector {
		return New([]Rule{{
			ParameterPattern: "crypto.btc.price",
			MinChangePercent: &pct,
			Lookback:         time.Hour,
			Description:      "price move",
		}})
	}

	cases := []struct {
		jumpTo float64
		want   types.AnomalySeverity
	}{
		{112, types.AnomalyLow},       // 12%, ratio 1.2
		{117, types.AnomalyMedium},    // 17%, ratio 1.7
		{125, types.AnomalyHigh},      // 25%, ratio 2.5
		{140, types.AnomalyCritical},  // 40%, ratio 4.0
	}
	for _, tc := range cases {
		d := newDet()
		d.ProcessEvent(dataEvent("crypto", 1000, map[string]interface{}{"btc.price": 100.0}))
		a := d.ProcessEvent(dataEvent("crypto", 1500, map[string]interface{}{"btc.price": tc.jumpTo}))
		require.Len(t, a, 1, "jump to %v", tc.jumpTo)
		assert.Equal(t, tc.want, a[0].Severity(), "jump to %v", tc.jumpTo)
	}
}

func TestOneAnomalyPerParameter(t *testing.T) {
	max := 100.0
	above := 50.0
	d := New([]Rule{{
		ParameterPattern: "system.cpu_percent",
		MaxAbsolute:      &max,
		TriggerAbove:     &above,
		Description:      "cpu",
	}})

	// Both predicates would fire; only the first in evaluation order
	// produces an anomaly.
	a := d.ProcessEvent(dataEvent("system", 1000, map[string]interface{}{"cpu_percent": 150.0}))
	require.Len(t, a, 1)
}

func TestPredicateOrderMaxBeforeMin(t *testing.T) {
	max := 10.0
	min := 20.0 // deliberately overlapping so both would trigger
	d := New([]Rule{{
		ParameterPattern: "x.v",
		MaxAbsolute:      &max,
		MinAbsolute:      &min,
		Description:      "overlap",
	}})

	a := d.ProcessEvent(dataEvent("x", 1000, map[string]interface{}{"v": 15.0}))
	require.Len(t, a, 1)
	assert.Contains(t, a[0].Metadata["reason"], "above maximum")
}

func TestCalibratedOverrideWins(t *testing.T) {
	d := New(DefaultRules(), WithOverrides(map[string]float64{
		"quantum_rng.randomness_score.min": 0.80,
	}))

	// 0.90 is below the static floor of 0.95 but above the calibrated
	// floor of 0.80.
	a := d.ProcessEvent(dataEvent("quantum_rng", 1000, map[string]interface{}{"randomness_score": 0.90}))
	assert.Empty(t, a)

	a = d.ProcessEvent(dataEvent("quantum_rng", 1010, map[string]interface{}{"randomness_score": 0.75}))
	require.Len(t, a, 1)
}

func TestChecksLoggedForBothOutcomes(t *testing.T) {
	calib := newFakeCalibLog()
	d := New(DefaultRules(), WithCalibrationLog(calib))

	d.ProcessEvent(dataEvent("quantum_rng", 1000, map[string]interface{}{"randomness_score": 0.97}))
	d.ProcessEvent(dataEvent("quantum_rng", 1010, map[string]interface{}{"randomness_score": 0.90}))

	require.Len(t, calib.checks, 2)
	assert.Equal(t, "quantum_rng.randomness_score.min", calib.checks[0].name)
	assert.False(t, calib.checks[0].triggered)
	assert.True(t, calib.checks[1].triggered)
	assert.Len(t, calib.values["quantum_rng.randomness_score"], 2)
}

func TestNonNumericFieldsLoggedAndSkipped(t *testing.T) {
	calib := newFakeCalibLog()
	d := New(DefaultRules(), WithCalibrationLog(calib))

	a := d.ProcessEvent(dataEvent("news", 1000, map[string]interface{}{
		"top_headline":           "markets rally",
		"headline_rate_per_hour": 12.0,
	}))
	assert.Empty(t, a)
	assert.Len(t, calib.values["news.top_headline"], 1)
	assert.Len(t, calib.values["news.headline_rate_per_hour"], 1)
}

func TestNestedPayloadFlattening(t *testing.T) {
	max := 2.0
	d := New([]Rule{{
		ParameterPattern: "blockchain.*.block_time_ratio",
		MaxAbsolute:      &max,
		Description:      "slow blocks",
	}})

	a := d.ProcessEvent(dataEvent("blockchain", 1000, map[string]interface{}{
		"bitcoin": map[string]interface{}{
			"block_time_ratio": 3.5,
		},
		"ethereum": map[string]interface{}{
			"block_time_ratio": 1.0,
		},
	}))
	require.Len(t, a, 1)
	assert.Equal(t, "blockchain.bitcoin.block_time_ratio", a[0].Parameter)
}

func TestGlobDoesNotCrossSegments(t *testing.T) {
	max := 1.0
	d := New([]Rule{{
		ParameterPattern: "crypto.*.price",
		MaxAbsolute:      &max,
		Description:      "price",
	}})

	// Two segments under the wildcard: must not match.
	a := d.ProcessEvent(dataEvent("crypto", 1000, map[string]interface{}{
		"btc": map[string]interface{}{
			"spot": map[string]interface{}{"price": 5.0},
		},
	}))
	assert.Empty(t, a)

	a = d.ProcessEvent(dataEvent("crypto", 1010, map[string]interface{}{
		"btc": map[string]interface{}{"price": 5.0},
	}))
	assert.Len(t, a, 1)
}

func TestRuleWithoutPredicateDropped(t *testing.T) {
	d := New([]Rule{{ParameterPattern: "x.y", Description: "empty"}})
	assert.Empty(t, d.ProcessEvent(dataEvent("x", 1000, map[string]interface{}{"y": 1.0})))
}
