// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package detector

import "time"

func f(v float64) *float64 { return &v }

// DefaultRules is the static rule catalog. Calibrated overrides from
// calibrated_thresholds.json are merged over these values at boot.
func DefaultRules() []Rule {
	return []Rule{
		// Crypto markets.
		{
			ParameterPattern: "crypto.btcusdt.price_change_24h_percent",
			TriggerAbove:     f(2.5),
			Description:      "BTC 24h volatility high",
		},
		{
			ParameterPattern: "crypto.ethusdt.price_change_24h_percent",
			TriggerAbove:     f(3.0),
			Description:      "ETH 24h volatility high",
		},
		{
			ParameterPattern: "crypto.*.price",
			MinChangePercent: f(5.0),
			Lookback:         time.Hour,
			Description:      "Large price move within an hour",
		},
		{
			ParameterPattern: "crypto.*.volume_24h",
			MinChangePercent: f(100.0),
			Lookback:         time.Hour,
			Description:      "24h volume doubled within an hour",
		},

		// Blockchain block production.
		{
			ParameterPattern: "blockchain.*.block_time_ratio",
			MaxAbsolute:      f(2.0),
			Description:      "Block production slower than twice the expected time",
		},

		// Network probes.
		{
			ParameterPattern: "network.latency_ms",
			MaxAbsolute:      f(500.0),
			Description:      "Probe latency excessive",
		},
		{
			ParameterPattern: "network.packet_loss_percent",
			MaxAbsolute:      f(5.0),
			Description:      "Packet loss excessive",
		},

		// Local clock vs NTP.
		{
			ParameterPattern: "timedrift.offset_ms",
			MaxAbsolute:      f(100.0),
			Description:      "Local clock drifting from NTP",
		},

		// Randomness sources.
		{
			ParameterPattern: "quantum_rng.randomness_score",
			MinAbsolute:      f(0.95),
			Description:      "Quantum RNG randomness degraded",
		},
		{
			ParameterPattern: "random.deviation_score",
			TriggerAbove:     f(3.0),
			Description:      "Pseudo-random bias outside expectation",
		},

		// Earthquakes.
		{
			ParameterPattern: "earthquake.max_magnitude",
			TriggerAbove:     f(5.5),
			Description:      "Significant earthquake observed",
		},
		{
			ParameterPattern: "earthquake.count_24h",
			MinChangePercent: f(150.0),
			Lookback:         24 * time.Hour,
			Description:      "Earthquake rate spiking",
		},

		// Space weather.
		{
			ParameterPattern: "space_weather.kp_index",
			TriggerAbove:     f(5.0),
			Description:      "Geomagnetic storm in progress",
		},
		{
			ParameterPattern: "space_weather.solar_wind_speed",
			TriggerAbove:     f(700.0),
			Description:      "Solar wind speed elevated",
		},

		// News flow.
		{
			ParameterPattern: "news.headline_rate_per_hour",
			MinChangePercent: f(200.0),
			Lookback:         time.Hour,
			Description:      "News volume spiking",
		},

		// Weather.
		{
			ParameterPattern: "weather.pressure_hpa",
			MinChangePercent: f(2.0),
			Lookback:         6 * time.Hour,
			Description:      "Rapid barometric pressure swing",
		},

		// Local host.
		{
			ParameterPattern: "system.cpu_percent",
			MaxAbsolute:      f(95.0),
			Description:      "Host CPU saturated",
		},
		{
			ParameterPattern: "system.memory_percent",
			MaxAbsolute:      f(95.0),
			Description:      "Host memory saturated",
		},
	}
}
