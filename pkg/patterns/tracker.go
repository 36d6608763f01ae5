// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package patterns accumulates the empirical joint distribution of
// conditions (anomaly clusters) and named downstream events, and emits
// calibrated probabilities. Patterns are permanent and persisted; the
// condition deque is bounded and evicted past the lookback window.
package patterns

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/matrixwatcher/agent/pkg/types"
	"github.com/matrixwatcher/agent/pkg/util/log"
	"github.com/matrixwatcher/agent/pkg/window"
)

const (
	// Lookback is the horizon within which named events join back to
	// conditions.
	Lookback = 72 * time.Hour

	// conditionCap bounds the in-memory condition deque.
	conditionCap = 5000

	// priceHistoryCap bounds the per-coin price history.
	priceHistoryCap = 10000

	patternsFile   = "patterns.json"
	conditionsFile = "recent_conditions.json"
)

// NamedEvent is one firing of a catalog predicate. Distinct from the bus
// Event type.
type NamedEvent struct {
	Timestamp   float64   `json:"timestamp"`
	EventType   string    `json:"event_type"`
	Category    Category  `json:"category"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	Location    *Location `json:"location,omitempty"`
}

// Probability is one row of probability output.
type Probability struct {
	EventType    string   `json:"event_type"`
	Probability  float64  `json:"probability"`
	AvgTimeHours float64  `json:"avg_time_hours"`
	MinTimeHours float64  `json:"min_time_hours"`
	MaxTimeHours float64  `json:"max_time_hours"`
	Observations int      `json:"observations"`
	Occurrences  int      `json:"occurrences"`
	Description  string   `json:"description"`
	Severity     string   `json:"severity"`
	Category     Category `json:"category"`
	Icon         string   `json:"icon"`
	Color        string   `json:"color"`
}

// CalibrationStats summarizes how well the accumulated probabilities match
// outcomes.
type CalibrationStats struct {
	TotalPatterns         int     `json:"total_patterns"`
	AvgBrierScore         float64 `json:"avg_brier_score"`
	WellCalibratedPercent float64 `json:"well_calibrated_percent"`
}

type storedCondition struct {
	Condition     types.Condition `json:"condition"`
	MatchedEvents map[string]bool `json:"matched_events"`
}

// Tracker owns the pattern table, the condition deque and the price
// history. Safe for concurrent use.
type Tracker struct {
	dir     string
	clk     clock.Clock
	catalog []CatalogEntry

	m            sync.Mutex
	patterns     map[string]map[string]*Pattern
	conditions   []*storedCondition
	priceHistory map[string]*window.SlidingWindow
}

// Option configures the tracker.
type Option func(*Tracker)

// WithClock injects a clock, used by tests.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clk = c }
}

// WithCatalog overrides the named-event catalog.
func WithCatalog(entries []CatalogEntry) Option {
	return func(t *Tracker) { t.catalog = entries }
}

// NewTracker loads any persisted state from dir. The directory path must be
// stable across restarts for history to accumulate.
func NewTracker(dir string, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		dir:          dir,
		clk:          clock.New(),
		catalog:      DefaultCatalog(),
		patterns:     make(map[string]map[string]*Pattern),
		priceHistory: make(map[string]*window.SlidingWindow),
	}
	for _, o := range opts {
		o(t)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create patterns dir")
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) nowUnix() float64 {
	return float64(t.clk.Now().UnixNano()) / 1e9
}

// RecordCondition appends the condition and opens a pattern slot for every
// catalog event type.
func (t *Tracker) RecordCondition(c types.Condition) {
	t.m.Lock()
	defer t.m.Unlock()

	t.conditions = append(t.conditions, &storedCondition{
		Condition:     c,
		MatchedEvents: make(map[string]bool),
	})
	if excess := len(t.conditions) - conditionCap; excess > 0 {
		t.conditions = append(t.conditions[:0], t.conditions[excess:]...)
	}

	key := c.Key()
	byEvent, ok := t.patterns[key]
	if !ok {
		byEvent = make(map[string]*Pattern)
		t.patterns[key] = byEvent
	}
	for _, entry := range t.catalog {
		p, ok := byEvent[entry.EventType]
		if !ok {
			p = newPattern()
			byEvent[entry.EventType] = p
		}
		p.ConditionCount++
		p.recalc()
	}
}

// CheckEvents evaluates every catalog predicate against a raw reading,
// joins firing events with the stored conditions and returns them. Crypto
// readings also feed the price history, once per reading.
func (t *Tracker) CheckEvents(reading types.SensorReading) []NamedEvent {
	t.m.Lock()
	defer t.m.Unlock()

	if reading.Source == "crypto" {
		t.recordPrices(reading)
	}

	var fired []NamedEvent
	for i := range t.catalog {
		entry := &t.catalog[i]
		if entry.Source != reading.Source {
			continue
		}
		if !t.evaluate(entry, reading) {
			continue
		}
		ev := NamedEvent{
			// Stamped with the reading's time, not the tracker clock, so
			// backfilled or replayed readings join conditions consistently.
			// Live readings are stamped at collection, so the two coincide.
			Timestamp:   reading.Timestamp,
			EventType:   entry.EventType,
			Category:    entry.Category,
			Severity:    entry.Severity,
			Description: entry.Description,
			Location:    locationOf(reading.Data),
		}
		t.match(ev)
		fired = append(fired, ev)
	}
	return fired
}

// match joins one named event with every stored condition inside the
// lookback. A condition instance counts at most once per event type; this
// is what keeps probabilities from blowing up when many events fire inside
// a window.
func (t *Tracker) match(ev NamedEvent) {
	for _, sc := range t.conditions {
		dt := ev.Timestamp - sc.Condition.Timestamp
		if dt <= 0 || dt >= Lookback.Seconds() {
			continue
		}
		if sc.MatchedEvents[ev.EventType] {
			continue
		}

		key := sc.Condition.Key()
		byEvent, ok := t.patterns[key]
		if !ok {
			byEvent = make(map[string]*Pattern)
			t.patterns[key] = byEvent
		}
		p, ok := byEvent[ev.EventType]
		if !ok {
			// Condition predates this catalog entry; count the
			// instance so the probability stays <= 1.
			p = newPattern()
			p.ConditionCount = 1
			byEvent[ev.EventType] = p
		}
		p.observe(dt, ev.Location)
		sc.MatchedEvents[ev.EventType] = true
	}
}

// GetProbabilities returns the calibrated probabilities for a condition,
// highest first. Internal categories and suppressed event types are
// excluded.
func (t *Tracker) GetProbabilities(c types.Condition, minObservations int, categoryFilter Category) []Probability {
	if minObservations <= 0 {
		minObservations = 5
	}

	t.m.Lock()
	defer t.m.Unlock()

	byEvent, ok := t.patterns[c.Key()]
	if !ok {
		return nil
	}

	var out []Probability
	for eventType, p := range byEvent {
		entry := t.catalogEntry(eventType)
		if entry == nil || entry.Category == CategoryOther {
			continue
		}
		// Too frequent to be informative.
		if eventType == "earthquake_moderate" {
			continue
		}
		if p.ConditionCount < minObservations || p.ActualProbability <= 0 {
			continue
		}
		minHours := p.MinTimeToEvent / 3600
		maxHours := p.MaxTimeToEvent / 3600
		// A loose time window makes earthquake probabilities useless.
		if entry.Category == CategoryEarthquake && maxHours-minHours >= 12 {
			continue
		}
		if categoryFilter != "" && entry.Category != categoryFilter {
			continue
		}

		// Lock in the prediction for calibration scoring.
		p.PredictedProbability = p.ActualProbability
		p.recalc()

		out = append(out, Probability{
			EventType:    eventType,
			Probability:  p.ActualProbability,
			AvgTimeHours: p.AvgTimeToEvent / 3600,
			MinTimeHours: minHours,
			MaxTimeHours: maxHours,
			Observations: p.ConditionCount,
			Occurrences:  p.EventAfterCount,
			Description:  entry.Description,
			Severity:     entry.Severity,
			Category:     entry.Category,
			Icon:         entry.Icon,
			Color:        entry.Color,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].EventType < out[j].EventType
	})
	return out
}

// Pattern returns a copy of one pattern cell, if present.
func (t *Tracker) Pattern(conditionKey, eventType string) (Pattern, bool) {
	t.m.Lock()
	defer t.m.Unlock()
	if byEvent, ok := t.patterns[conditionKey]; ok {
		if p, ok := byEvent[eventType]; ok {
			return *p, true
		}
	}
	return Pattern{}, false
}

// Calibration summarizes Brier scores over the whole pattern table.
func (t *Tracker) Calibration() CalibrationStats {
	t.m.Lock()
	defer t.m.Unlock()

	stats := CalibrationStats{}
	wellCalibrated := 0
	var brierSum float64
	for _, byEvent := range t.patterns {
		for _, p := range byEvent {
			stats.TotalPatterns++
			brierSum += p.BrierScore
			if p.BrierScore < 0.1 && p.ConditionCount >= 5 {
				wellCalibrated++
			}
		}
	}
	if stats.TotalPatterns > 0 {
		stats.AvgBrierScore = brierSum / float64(stats.TotalPatterns)
		stats.WellCalibratedPercent = float64(wellCalibrated) / float64(stats.TotalPatterns) * 100
	}
	return stats
}

func (t *Tracker) catalogEntry(eventType string) *CatalogEntry {
	for i := range t.catalog {
		if t.catalog[i].EventType == eventType {
			return &t.catalog[i]
		}
	}
	return nil
}

// recordPrices appends the current price of every cataloged coin to its
// history.
func (t *Tracker) recordPrices(reading types.SensorReading) {
	seen := make(map[string]bool)
	for i := range t.catalog {
		entry := &t.catalog[i]
		if entry.Kind != PredPriceMove || seen[entry.Coin] {
			continue
		}
		seen[entry.Coin] = true
		price, ok := priceOf(reading.Data, entry.Coin)
		if !ok {
			continue
		}
		hist, exists := t.priceHistory[entry.Coin]
		if !exists {
			hist = window.New(priceHistoryCap)
			t.priceHistory[entry.Coin] = hist
		}
		hist.Add(reading.Timestamp, price)
	}
}

// BackfillPrices seeds the price history from previously stored crypto
// records, newest restart picking up where the last run left off. Records
// older than the lookback are ignored. Returns the number of samples
// loaded.
func (t *Tracker) BackfillPrices(records []map[string]interface{}) int {
	t.m.Lock()
	defer t.m.Unlock()

	horizon := t.nowUnix() - Lookback.Seconds()
	coins := make(map[string]bool)
	for i := range t.catalog {
		if t.catalog[i].Kind == PredPriceMove {
			coins[t.catalog[i].Coin] = true
		}
	}

	loaded := 0
	for _, rec := range records {
		ts, ok := numField(rec, "timestamp")
		if !ok || ts < horizon {
			continue
		}
		for coin := range coins {
			price, ok := priceOf(rec, coin)
			if !ok {
				continue
			}
			hist, exists := t.priceHistory[coin]
			if !exists {
				hist = window.New(priceHistoryCap)
				t.priceHistory[coin] = hist
			}
			hist.Add(ts, price)
			loaded++
		}
	}
	return loaded
}

// evaluate runs one catalog predicate against a reading.
func (t *Tracker) evaluate(entry *CatalogEntry, reading types.SensorReading) bool {
	data := reading.Data
	switch entry.Kind {
	case PredPriceMove:
		price, ok := priceOf(data, entry.Coin)
		if !ok {
			return false
		}
		hist, exists := t.priceHistory[entry.Coin]
		if !exists {
			return false
		}
		old, ok := hist.LatestAtOrBefore(reading.Timestamp - entry.Window.Seconds())
		if !ok || old.Value == 0 {
			return false
		}
		change := (price - old.Value) / old.Value * 100
		if entry.ChangePct > 0 {
			return change >= entry.ChangePct
		}
		return change <= entry.ChangePct

	case PredFieldThreshold, PredMagnitude:
		v, ok := numField(data, entry.Field)
		if !ok {
			return false
		}
		switch entry.Op {
		case OpLTE:
			return v <= entry.Threshold
		case OpAbsGTE:
			return math.Abs(v) >= entry.Threshold
		default:
			return v >= entry.Threshold
		}

	case PredBlockTimeRatio:
		for key, v := range data {
			if nested, ok := v.(map[string]interface{}); ok {
				bt, ok1 := numField(nested, "block_time_seconds")
				expected, ok2 := numField(nested, "expected_block_time")
				if ok1 && ok2 && expected > 0 && bt >= 2*expected {
					return true
				}
				continue
			}
			if strings.HasSuffix(key, "block_time_ratio") {
				if ratio, ok := asFloat(v); ok && ratio >= 2 {
					return true
				}
			}
		}
		return false

	case PredKpOrWind:
		if kp, ok := numField(data, "kp_index"); ok && kp >= entry.KpThreshold {
			return true
		}
		if entry.WindThreshold > 0 {
			if wind, ok := numField(data, "solar_wind_speed"); ok && wind >= entry.WindThreshold {
				return true
			}
		}
		return false
	}
	return false
}

// Save persists the pattern table and the condition deque, each written to
// a temp file and renamed into place.
func (t *Tracker) Save() error {
	t.m.Lock()
	patternsB, errP := json.MarshalIndent(t.patterns, "", "  ")
	condsB, errC := json.MarshalIndent(t.conditions, "", "  ")
	t.m.Unlock()

	if errP != nil {
		return errors.Wrap(errP, "encode patterns")
	}
	if errC != nil {
		return errors.Wrap(errC, "encode conditions")
	}
	if err := atomicWrite(filepath.Join(t.dir, patternsFile), patternsB); err != nil {
		return err
	}
	return atomicWrite(filepath.Join(t.dir, conditionsFile), condsB)
}

func (t *Tracker) load() error {
	if b, err := os.ReadFile(filepath.Join(t.dir, patternsFile)); err == nil {
		if err := json.Unmarshal(b, &t.patterns); err != nil {
			return errors.Wrap(err, "decode patterns")
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrap(err, "read patterns")
	}

	if b, err := os.ReadFile(filepath.Join(t.dir, conditionsFile)); err == nil {
		var conds []*storedCondition
		if err := json.Unmarshal(b, &conds); err != nil {
			return errors.Wrap(err, "decode conditions")
		}
		horizon := t.nowUnix() - Lookback.Seconds()
		for _, sc := range conds {
			if sc.Condition.Timestamp < horizon {
				continue
			}
			if sc.MatchedEvents == nil {
				sc.MatchedEvents = make(map[string]bool)
			}
			t.conditions = append(t.conditions, sc)
		}
		log.Debugf("patterns: restored %d recent conditions", len(t.conditions))
	} else if !os.IsNotExist(err) {
		return errors.Wrap(err, "read conditions")
	}
	return nil
}

// ConditionCount returns the current condition deque length.
func (t *Tracker) ConditionCount() int {
	t.m.Lock()
	defer t.m.Unlock()
	return len(t.conditions)
}

func atomicWrite(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrap(err, "write temp file")
	}
	return errors.Wrap(os.Rename(tmp, path), "replace file")
}

// priceOf extracts a coin price from either a flat "{coin}.price" key or a
// nested {coin: {price: ...}} map.
func priceOf(data map[string]interface{}, coin string) (float64, bool) {
	if v, ok := data[coin+".price"]; ok {
		return asFloat(v)
	}
	if nested, ok := data[coin].(map[string]interface{}); ok {
		if v, ok := nested["price"]; ok {
			return asFloat(v)
		}
	}
	return 0, false
}

// numField reads a numeric field, accepting flat dotted keys and one level
// of nesting.
func numField(data map[string]interface{}, field string) (float64, bool) {
	if v, ok := data[field]; ok {
		return asFloat(v)
	}
	if i := strings.IndexByte(field, '.'); i > 0 {
		if nested, ok := data[field[:i]].(map[string]interface{}); ok {
			return numField(nested, field[i+1:])
		}
	}
	return 0, false
}

func locationOf(data map[string]interface{}) *Location {
	lat, ok1 := numField(data, "lat")
	lon, ok2 := numField(data, "lon")
	if !ok1 || !ok2 {
		lat, ok1 = numField(data, "latitude")
		lon, ok2 = numField(data, "longitude")
	}
	if ok1 && ok2 {
		return &Location{Lat: lat, Lon: lon}
	}
	return nil
}

func asFloat(v interface{}) (float64, bool) {
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
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
