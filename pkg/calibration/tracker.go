// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package calibration persists every threshold evaluation and observed
// value, analyzes trigger rates, and periodically recommends (and
// optionally applies) new threshold values.
package calibration

import (
	"bufio"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/matrixwatcher/agent/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// File names inside the calibration directory. Stable between versions.
const (
	hitsFile     = "threshold_hits.jsonl"
	distFile     = "value_distributions.jsonl"
	metadataFile = "tracker_metadata.json"
	appliedFile  = "calibrated_thresholds.json"
	historyFile  = "calibration_history.json"
)

// Hit is one threshold evaluation outcome, triggered or not.
type Hit struct {
	Timestamp      float64                `json:"timestamp"`
	ThresholdName  string                 `json:"threshold_name"`
	Value          float64                `json:"value"`
	ThresholdValue float64                `json:"threshold_value"`
	Triggered      bool                   `json:"triggered"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

type distRecord struct {
	Timestamp     float64                `json:"timestamp"`
	ParameterName string                 `json:"parameter_name"`
	Value         interface{}            `json:"value"`
	NonNumeric    bool                   `json:"non_numeric,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

type trackerMetadata struct {
	StartTime float64 `json:"start_time"`
}

// ThresholdStats summarizes every recorded check for one threshold.
type ThresholdStats struct {
	ThresholdName  string  `json:"threshold_name"`
	TotalChecks    int     `json:"total_checks"`
	TriggeredCount int     `json:"triggered_count"`
	TriggerRate    float64 `json:"trigger_rate"`
	P50            float64 `json:"p50"`
	P90            float64 `json:"p90"`
	P95            float64 `json:"p95"`
	P99            float64 `json:"p99"`
	Min            float64 `json:"min"`
	Max            float64 `json:"max"`
}

// Tracker appends checks and value observations to the calibration
// directory. Safe for concurrent use.
type Tracker struct {
	dir string
	clk clock.Clock

	m         sync.Mutex
	hits      *bufio.Writer
	hitsF     *os.File
	dist      *bufio.Writer
	distF     *os.File
	startTime float64
}

// NewTracker opens (or creates) the calibration directory. The tracker
// start time is written once and survives restarts, so "days collecting"
// measures real elapsed time.
func NewTracker(dir string, clk clock.Clock) (*Tracker, error) {
	if clk == nil {
		clk = clock.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create calibration dir")
	}

	t := &Tracker{dir: dir, clk: clk}

	meta := trackerMetadata{}
	metaPath := filepath.Join(dir, metadataFile)
	if b, err := os.ReadFile(metaPath); err == nil && json.Unmarshal(b, &meta) == nil && meta.StartTime > 0 {
		t.startTime = meta.StartTime
	} else {
		t.startTime = t.nowUnix()
		b, _ := json.Marshal(trackerMetadata{StartTime: t.startTime})
		if err := os.WriteFile(metaPath, b, 0o644); err != nil {
			return nil, errors.Wrap(err, "write tracker metadata")
		}
	}

	var err error
	if t.hitsF, err = os.OpenFile(filepath.Join(dir, hitsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
		return nil, errors.Wrap(err, "open threshold hits")
	}
	if t.distF, err = os.OpenFile(filepath.Join(dir, distFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
		t.hitsF.Close()
		return nil, errors.Wrap(err, "open value distributions")
	}
	t.hits = bufio.NewWriter(t.hitsF)
	t.dist = bufio.NewWriter(t.distF)
	return t, nil
}

func (t *Tracker) nowUnix() float64 {
	return float64(t.clk.Now().UnixNano()) / 1e9
}

// RecordCheck appends one evaluation outcome to the threshold-hits stream.
func (t *Tracker) RecordCheck(thresholdName string, value, thresholdValue float64, triggered bool, metadata map[string]interface{}) error {
	rec := Hit{
		Timestamp:      t.nowUnix(),
		ThresholdName:  thresholdName,
		Value:          value,
		ThresholdValue: thresholdValue,
		Triggered:      triggered,
		Metadata:       metadata,
	}
	t.m.Lock()
	defer t.m.Unlock()
	return t.appendLine(t.hits, rec)
}

// RecordValue appends one observed value to the distribution stream.
// Non-numeric values are kept with a marker so offline analysis can count
// them without treating them as samples.
func (t *Tracker) RecordValue(parameterName string, value interface{}, metadata map[string]interface{}) error {
	rec := distRecord{
		Timestamp:     t.nowUnix(),
		ParameterName: parameterName,
		Value:         value,
		Metadata:      metadata,
	}
	if _, ok := toFloat(value); !ok {
		rec.NonNumeric = true
	}
	t.m.Lock()
	defer t.m.Unlock()
	return t.appendLine(t.dist, rec)
}

func (t *Tracker) appendLine(w *bufio.Writer, rec interface{}) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	if _, err := w.Write(append(b, '\n')); err != nil {
		return errors.Wrap(err, "append record")
	}
	return nil
}

// Flush pushes buffered lines to disk.
func (t *Tracker) Flush() error {
	t.m.Lock()
	defer t.m.Unlock()
	if err := t.hits.Flush(); err != nil {
		return errors.Wrap(err, "flush hits")
	}
	return errors.Wrap(t.dist.Flush(), "flush distributions")
}

// Close flushes and releases the stream files.
func (t *Tracker) Close() error {
	if err := t.Flush(); err != nil {
		return err
	}
	t.m.Lock()
	defer t.m.Unlock()
	if err := t.hitsF.Close(); err != nil {
		return err
	}
	return t.distF.Close()
}

// StartTime returns the unix time the tracker first started collecting.
func (t *Tracker) StartTime() float64 { return t.startTime }

// DaysCollecting returns the elapsed collection time in days.
func (t *Tracker) DaysCollecting() float64 {
	return (t.nowUnix() - t.startTime) / 86400
}

// Analyze computes trigger statistics and value percentiles for one
// threshold from the full hits stream.
func (t *Tracker) Analyze(thresholdName string) (*ThresholdStats, error) {
	if err := t.Flush(); err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(t.dir, hitsFile))
	if err != nil {
		return nil, errors.Wrap(err, "open threshold hits")
	}
	defer f.Close()

	stats := &ThresholdStats{ThresholdName: thresholdName}
	var values []float64

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var hit Hit
		if err := json.Unmarshal(line, &hit); err != nil {
			log.Warnf("calibration: skipping malformed hit line: %v", err) //nolint:errcheck
			continue
		}
		if hit.ThresholdName != thresholdName {
			continue
		}
		stats.TotalChecks++
		if hit.Triggered {
			stats.TriggeredCount++
		}
		values = append(values, hit.Value)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan threshold hits")
	}

	if stats.TotalChecks > 0 {
		stats.TriggerRate = float64(stats.TriggeredCount) / float64(stats.TotalChecks)
	}
	if len(values) > 0 {
		sort.Float64s(values)
		stats.Min = values[0]
		stats.Max = values[len(values)-1]
		stats.P50 = percentile(values, 50)
		stats.P90 = percentile(values, 90)
		stats.P95 = percentile(values, 95)
		stats.P99 = percentile(values, 99)
	}
	return stats, nil
}

// ThresholdNames lists every threshold seen in the hits stream.
func (t *Tracker) ThresholdNames() ([]string, error) {
	if err := t.Flush(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(t.dir, hitsFile))
	if err != nil {
		return nil, errors.Wrap(err, "open threshold hits")
	}
	defer f.Close()

	seen := make(map[string]struct{})
	var names []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var hit Hit
		if err := json.Unmarshal(sc.Bytes(), &hit); err != nil {
			continue
		}
		if _, dup := seen[hit.ThresholdName]; !dup && hit.ThresholdName != "" {
			seen[hit.ThresholdName] = struct{}{}
			names = append(names, hit.ThresholdName)
		}
	}
	sort.Strings(names)
	return names, sc.Err()
}

// percentile interpolates linearly over sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
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
	default:
		return 0, false
	}
}
