// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package patterns

import (
	"strconv"
	"time"
)

// Category groups named events. Events in the "other" category are recorded
// but never surfaced in probability output.
type Category string

// Named-event categories.
const (
	CategoryCrypto       Category = "crypto"
	CategoryBlockchain   Category = "blockchain"
	CategoryEarthquake   Category = "earthquake"
	CategorySpaceWeather Category = "space_weather"
	CategoryOther        Category = "other"
)

// PredicateKind selects the evaluation strategy for a catalog entry.
type PredicateKind string

// Predicate kinds. The catalog is data-driven: each entry is a kind plus
// parameters, never code.
const (
	PredPriceMove      PredicateKind = "price_move_over_window"
	PredFieldThreshold PredicateKind = "single_field_threshold"
	PredBlockTimeRatio PredicateKind = "block_time_ratio"
	PredMagnitude      PredicateKind = "magnitude_threshold"
	PredKpOrWind       PredicateKind = "kp_or_wind"
)

// Comparison operators for single-field thresholds.
const (
	OpGTE    = "gte"
	OpLTE    = "lte"
	OpAbsGTE = "abs_gte"
)

// CatalogEntry is one named event definition.
type CatalogEntry struct {
	EventType   string
	Category    Category
	Severity    string
	Description string
	Icon        string
	Color       string

	// Source gates evaluation to readings from one sensor.
	Source string

	Kind PredicateKind

	// price_move_over_window.
	Coin      string
	Window    time.Duration
	ChangePct float64 // signed: positive = pump, negative = dump

	// single_field_threshold and magnitude_threshold.
	Field     string
	Op        string
	Threshold float64

	// kp_or_wind.
	KpThreshold   float64
	WindThreshold float64 // 0 disables the wind alternative
}

// DefaultCatalog is the fixed named-event table.
func DefaultCatalog() []CatalogEntry {
	entries := []CatalogEntry{
		// Blockchain.
		{
			EventType: "blockchain_anomaly", Category: CategoryBlockchain, Severity: "medium",
			Description: "Block production at twice the expected time",
			Icon:        "⛓️", Color: "#f7931a",
			Source: "blockchain", Kind: PredBlockTimeRatio,
		},

		// Earthquakes.
		{
			EventType: "earthquake_moderate", Category: CategoryEarthquake, Severity: "medium",
			Description: "Earthquake of magnitude 5.0 or stronger",
			Icon:        "🌍", Color: "#8b4513",
			Source: "earthquake", Kind: PredMagnitude, Field: "max_magnitude", Threshold: 5.0,
		},
		{
			EventType: "earthquake_strong", Category: CategoryEarthquake, Severity: "high",
			Description: "Earthquake of magnitude 6.0 or stronger",
			Icon:        "🌍", Color: "#a0522d",
			Source: "earthquake", Kind: PredMagnitude, Field: "max_magnitude", Threshold: 6.0,
		},
		{
			EventType: "earthquake_major", Category: CategoryEarthquake, Severity: "critical",
			Description: "Earthquake of magnitude 7.0 or stronger",
			Icon:        "🌋", Color: "#ff4500",
			Source: "earthquake", Kind: PredMagnitude, Field: "max_magnitude", Threshold: 7.0,
		},

		// Space weather.
		{
			EventType: "solar_storm_moderate", Category: CategorySpaceWeather, Severity: "medium",
			Description: "Geomagnetic storm Kp 5+ or solar wind above 700 km/s",
			Icon:        "☀️", Color: "#ffa500",
			Source: "space_weather", Kind: PredKpOrWind, KpThreshold: 5, WindThreshold: 700,
		},
		{
			EventType: "solar_storm_strong", Category: CategorySpaceWeather, Severity: "high",
			Description: "Geomagnetic storm Kp 7+",
			Icon:        "☀️", Color: "#ff8c00",
			Source: "space_weather", Kind: PredKpOrWind, KpThreshold: 7,
		},
		{
			EventType: "solar_storm_extreme", Category: CategorySpaceWeather, Severity: "critical",
			Description: "Geomagnetic storm Kp 9+",
			Icon:        "🌞", Color: "#ff0000",
			Source: "space_weather", Kind: PredKpOrWind, KpThreshold: 9,
		},

		// Volatility snapshots from the ticker payload.
		{
			EventType: "btc_volatility_high", Category: CategoryCrypto, Severity: "high",
			Description: "BTC 24h move of 2.5% or more",
			Icon:        "📈", Color: "#f7931a",
			Source: "crypto", Kind: PredFieldThreshold,
			Field: "btcusdt.price_change_24h_percent", Op: OpAbsGTE, Threshold: 2.5,
		},
		{
			EventType: "btc_volatility_medium", Category: CategoryCrypto, Severity: "medium",
			Description: "BTC 24h move of 1.5% or more",
			Icon:        "📊", Color: "#f7931a",
			Source: "crypto", Kind: PredFieldThreshold,
			Field: "btcusdt.price_change_24h_percent", Op: OpAbsGTE, Threshold: 1.5,
		},

		// Internal-only events: recorded for pattern accumulation, never
		// surfaced in probability output.
		{
			EventType: "news_spike", Category: CategoryOther, Severity: "low",
			Description: "News volume spike",
			Icon:        "📰", Color: "#808080",
			Source: "news", Kind: PredFieldThreshold,
			Field: "headline_rate_per_hour", Op: OpGTE, Threshold: 50,
		},
		{
			EventType: "quantum_anomaly", Category: CategoryOther, Severity: "low",
			Description: "Quantum RNG randomness degraded",
			Icon:        "⚛️", Color: "#800080",
			Source: "quantum_rng", Kind: PredFieldThreshold,
			Field: "randomness_score", Op: OpLTE, Threshold: 0.90,
		},
		{
			EventType: "space_weather_storm", Category: CategoryOther, Severity: "low",
			Description: "Elevated geomagnetic activity",
			Icon:        "🌌", Color: "#4b0082",
			Source: "space_weather", Kind: PredFieldThreshold,
			Field: "kp_index", Op: OpGTE, Threshold: 6,
		},
		{
			EventType: "earthquake_significant", Category: CategoryOther, Severity: "medium",
			Description: "Notable seismic activity",
			Icon:        "🌍", Color: "#8b4513",
			Source: "earthquake", Kind: PredFieldThreshold,
			Field: "max_magnitude", Op: OpGTE, Threshold: 6.0,
		},
	}

	// Pump/dump families share thresholds per horizon.
	type horizon struct {
		suffix string
		window time.Duration
		btcPct float64
		ethPct float64
	}
	horizons := []horizon{
		{"1h", time.Hour, 2.0, 2.5},
		{"4h", 4 * time.Hour, 4.0, 5.0},
		{"24h", 24 * time.Hour, 7.0, 10.0},
	}
	coins := []struct {
		prefix string
		coin   string
		icon   string
		color  string
		pct    func(horizon) float64
	}{
		{"btc", "btcusdt", "₿", "#f7931a", func(h horizon) float64 { return h.btcPct }},
		{"eth", "ethusdt", "Ξ", "#627eea", func(h horizon) float64 { return h.ethPct }},
	}
	for _, c := range coins {
		for _, h := range horizons {
			pct := c.pct(h)
			entries = append(entries,
				CatalogEntry{
					EventType: c.prefix + "_pump_" + h.suffix, Category: CategoryCrypto, Severity: "medium",
					Description: describeMove(c.prefix, pct, h.suffix, true),
					Icon:        c.icon, Color: c.color,
					Source: "crypto", Kind: PredPriceMove,
					Coin: c.coin, Window: h.window, ChangePct: pct,
				},
				CatalogEntry{
					EventType: c.prefix + "_dump_" + h.suffix, Category: CategoryCrypto, Severity: "medium",
					Description: describeMove(c.prefix, pct, h.suffix, false),
					Icon:        c.icon, Color: c.color,
					Source: "crypto", Kind: PredPriceMove,
					Coin: c.coin, Window: h.window, ChangePct: -pct,
				},
			)
		}
	}
	return entries
}

func describeMove(prefix string, pct float64, suffix string, up bool) string {
	dir := "+"
	if !up {
		dir = "-"
	}
	name := "BTC"
	if prefix == "eth" {
		name = "ETH"
	}
	return name + " " + dir + strconv.FormatFloat(pct, 'f', -1, 64) + "% within " + suffix
}
