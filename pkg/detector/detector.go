// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package detector turns DATA events into anomaly events by evaluating a
// rule set over the flattened payload, and feeds every check outcome to
// the calibration log.
package detector

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"

	"github.com/matrixwatcher/agent/pkg/types"
	"github.com/matrixwatcher/agent/pkg/util/log"
	"github.com/matrixwatcher/agent/pkg/window"
)

// historyCap bounds the per-parameter sliding window.
const historyCap = 1000

// Threshold-name suffixes, shared with the calibration suffix table.
const (
	suffixMax          = ".max"
	suffixMin          = ".min"
	suffixTriggerAbove = ".trigger_above"
	suffixChangePct    = ".change_pct"
)

// Rule is one threshold rule. The pattern is a glob over dotted
// "source.field" keys: '.' is literal and '*' matches within one segment.
// At least one predicate field must be set.
type Rule struct {
	ParameterPattern string
	MinChangePercent *float64
	MinAbsolute      *float64
	MaxAbsolute      *float64
	TriggerAbove     *float64
	Lookback         time.Duration
	Description      string

	compiled glob.Glob
}

// Compile validates the rule and prepares the glob matcher.
func (r *Rule) Compile() error {
	if r.MinChangePercent == nil && r.MinAbsolute == nil && r.MaxAbsolute == nil && r.TriggerAbove == nil {
		return errors.Errorf("rule %q has no predicate", r.ParameterPattern)
	}
	g, err := glob.Compile(r.ParameterPattern, '.')
	if err != nil {
		return errors.Wrapf(err, "compile pattern %q", r.ParameterPattern)
	}
	r.compiled = g
	return nil
}

// CalibrationLog receives every check outcome and every observed value.
type CalibrationLog interface {
	RecordCheck(thresholdName string, value, thresholdValue float64, triggered bool, metadata map[string]interface{}) error
	RecordValue(parameterName string, value interface{}, metadata map[string]interface{}) error
}

// Detector evaluates rules over DATA events. Safe for concurrent use.
type Detector struct {
	m         sync.Mutex
	rules     []Rule
	histories map[string]*window.SlidingWindow
	overrides map[string]float64
	calib     CalibrationLog
}

// Option configures the detector.
type Option func(*Detector)

// WithCalibrationLog attaches the check/value sink.
func WithCalibrationLog(c CalibrationLog) Option {
	return func(d *Detector) { d.calib = c }
}

// WithOverrides merges calibrated threshold values over the static rules.
// Keys are "{parameter}{suffix}", e.g. "quantum_rng.randomness_score.min".
func WithOverrides(overrides map[string]float64) Option {
	return func(d *Detector) {
		for k, v := range overrides {
			d.overrides[k] = v
		}
	}
}

// New builds a detector over the given rules. Rules that fail to compile
// are skipped with an error log.
func New(rules []Rule, opts ...Option) *Detector {
	d := &Detector{
		histories: make(map[string]*window.SlidingWindow),
		overrides: make(map[string]float64),
	}
	for _, o := range opts {
		o(d)
	}
	for _, r := range rules {
		if err := r.Compile(); err != nil {
			log.Errorf("detector: dropping rule: %v", err) //nolint:errcheck
			continue
		}
		d.rules = append(d.rules, r)
	}
	return d
}

// ProcessEvent evaluates every scalar payload field of a DATA event and
// returns the anomalies found, at most one per parameter. A failure on one
// field never stops evaluation of the rest.
func (d *Detector) ProcessEvent(ev types.Event) []types.AnomalyEvent {
	if ev.Type != types.TypeData {
		return nil
	}

	flat := flatten(ev.Source, ev.Payload)

	d.m.Lock()
	defer d.m.Unlock()

	var anomalies []types.AnomalyEvent
	for _, kv := range flat {
		value, numeric := toFloat(kv.value)
		if !numeric {
			d.recordValue(kv.key, kv.value)
			continue
		}
		d.recordValue(kv.key, value)

		hist, ok := d.histories[kv.key]
		if !ok {
			hist = window.New(historyCap)
			d.histories[kv.key] = hist
		}
		hist.Add(ev.Timestamp, value)

		if a := d.evaluateKey(ev, kv.key, value, hist); a != nil {
			anomalies = append(anomalies, *a)
		}
	}
	return anomalies
}

type flatKV struct {
	key   string
	value interface{}
}

// flatten walks the payload depth-first, joining nested keys with dots and
// prefixing the source name.
func flatten(source string, payload map[string]interface{}) []flatKV {
	var out []flatKV
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		for k, v := range m {
			key := prefix + "." + k
			if nested, ok := v.(map[string]interface{}); ok {
				walk(key, nested)
				continue
			}
			out = append(out, flatKV{key: key, value: v})
		}
	}
	walk(source, payload)
	return out
}

// evaluateKey runs every matching rule against one parameter. Predicates
// are checked in a fixed order and the first trigger wins; one parameter
// yields at most one anomaly per event.
func (d *Detector) evaluateKey(ev types.Event, key string, value float64, hist *window.SlidingWindow) *types.AnomalyEvent {
	for i := range d.rules {
		rule := &d.rules[i]
		if !rule.compiled.Match(key) {
			continue
		}

		if rule.MaxAbsolute != nil {
			threshold := d.effective(key+suffixMax, *rule.MaxAbsolute)
			triggered := value > threshold
			d.recordCheck(key+suffixMax, value, threshold, triggered)
			if triggered {
				return d.buildAnomaly(ev, key, value, hist, types.AnomalyHigh,
					fmt.Sprintf("%s: value %.4g above maximum %.4g", rule.Description, value, threshold))
			}
		}
		if rule.MinAbsolute != nil {
			threshold := d.effective(key+suffixMin, *rule.MinAbsolute)
			triggered := value < threshold
			d.recordCheck(key+suffixMin, value, threshold, triggered)
			if triggered {
				return d.buildAnomaly(ev, key, value, hist, types.AnomalyHigh,
					fmt.Sprintf("%s: value %.4g below minimum %.4g", rule.Description, value, threshold))
			}
		}
		if rule.TriggerAbove != nil {
			threshold := d.effective(key+suffixTriggerAbove, *rule.TriggerAbove)
			triggered := value >= threshold
			d.recordCheck(key+suffixTriggerAbove, value, threshold, triggered)
			if triggered {
				return d.buildAnomaly(ev, key, value, hist, types.AnomalyHigh,
					fmt.Sprintf("%s: value %.4g at or above %.4g", rule.Description, value, threshold))
			}
		}
		if rule.MinChangePercent != nil {
			threshold := d.effective(key+suffixChangePct, *rule.MinChangePercent)
			change, ok := d.changePercent(hist, ev.Timestamp, rule.Lookback, value)
			triggered := ok && math.Abs(change) >= threshold
			d.recordCheck(key+suffixChangePct, value, threshold, triggered)
			if triggered {
				sev := changeSeverity(math.Abs(change), threshold)
				return d.buildAnomaly(ev, key, value, hist, sev,
					fmt.Sprintf("%s: changed %.2f%% over %s (threshold %.4g%%)", rule.Description, change, rule.Lookback, threshold))
			}
		}
	}
	return nil
}

// changePercent compares the current value against the earliest sample
// inside the lookback window. A zero old value yields no change (division
// guard), so a stream starting at zero cannot fire.
func (d *Detector) changePercent(hist *window.SlidingWindow, now float64, lookback time.Duration, value float64) (float64, bool) {
	old, ok := hist.EarliestSince(now - lookback.Seconds())
	if !ok || old.Value == 0 {
		return 0, false
	}
	return (value - old.Value) / old.Value * 100, true
}

// changeSeverity maps the excess ratio of a percent-change trigger to a
// severity band.
func changeSeverity(change, threshold float64) types.AnomalySeverity {
	ratio := change / threshold
	switch {
	case ratio >= 3:
		return types.AnomalyCritical
	case ratio >= 2:
		return types.AnomalyHigh
	case ratio >= 1.5:
		return types.AnomalyMedium
	default:
		return types.AnomalyLow
	}
}

// zScore is the synthetic severity mapping carried on anomaly events.
var zScoreFor = map[types.AnomalySeverity]float64{
	types.AnomalyLow:      5,
	types.AnomalyMedium:   7,
	types.AnomalyHigh:     10,
	types.AnomalyCritical: 15,
}

func (d *Detector) buildAnomaly(ev types.Event, key string, value float64, hist *window.SlidingWindow, sev types.AnomalySeverity, reason string) *types.AnomalyEvent {
	mean, std := meanStd(hist)
	return &types.AnomalyEvent{
		Timestamp:    ev.Timestamp,
		Parameter:    key,
		Value:        value,
		Mean:         mean,
		Std:          std,
		ZScore:       zScoreFor[sev],
		SensorSource: ev.Source,
		Metadata: map[string]interface{}{
			"severity": string(sev),
			"reason":   reason,
		},
	}
}

func meanStd(hist *window.SlidingWindow) (float64, float64) {
	samples := hist.Samples()
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Value
	}
	mean := sum / float64(len(samples))
	var sq float64
	for _, s := range samples {
		sq += (s.Value - mean) * (s.Value - mean)
	}
	return mean, math.Sqrt(sq / float64(len(samples)))
}

// UpdateOverrides merges newly calibrated values without a restart.
func (d *Detector) UpdateOverrides(overrides map[string]float64) {
	d.m.Lock()
	defer d.m.Unlock()
	for k, v := range overrides {
		d.overrides[k] = v
	}
}

var knownSuffixes = []string{suffixMax, suffixMin, suffixTriggerAbove, suffixChangePct}

// CurrentThresholds resolves the effective value of each named threshold
// ("{parameter}{suffix}") through the rule set and overrides, the same way
// evaluation does. Names with no matching rule predicate are omitted.
func (d *Detector) CurrentThresholds(names []string) map[string]float64 {
	d.m.Lock()
	defer d.m.Unlock()

	out := make(map[string]float64, len(names))
	for _, name := range names {
		var suffix string
		for _, s := range knownSuffixes {
			if strings.HasSuffix(name, s) {
				suffix = s
				break
			}
		}
		if suffix == "" {
			continue
		}
		param := strings.TrimSuffix(name, suffix)
		for i := range d.rules {
			rule := &d.rules[i]
			if !rule.compiled.Match(param) {
				continue
			}
			var base *float64
			switch suffix {
			case suffixMax:
				base = rule.MaxAbsolute
			case suffixMin:
				base = rule.MinAbsolute
			case suffixTriggerAbove:
				base = rule.TriggerAbove
			case suffixChangePct:
				base = rule.MinChangePercent
			}
			if base == nil {
				continue
			}
			out[name] = d.effective(name, *base)
			break
		}
	}
	return out
}

func (d *Detector) effective(name string, fallback float64) float64 {
	if v, ok := d.overrides[name]; ok {
		return v
	}
	return fallback
}

func (d *Detector) recordCheck(name string, value, threshold float64, triggered bool) {
	if d.calib == nil {
		return
	}
	if err := d.calib.RecordCheck(name, value, threshold, triggered, nil); err != nil {
		log.Debugf("detector: calibration check log failed: %v", err)
	}
}

func (d *Detector) recordValue(name string, value interface{}) {
	if d.calib == nil {
		return
	}
	if err := d.calib.RecordValue(name, value, nil); err != nil {
		log.Debugf("detector: calibration value log failed: %v", err)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		return 0, false
	default:
		return 0, false
	}
}
