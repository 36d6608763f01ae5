// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config loads the root YAML configuration. Out-of-range values are
// clamped to their component's range and the violations are collected, never
// fatal: the agent always starts with a usable configuration.
package config

import (
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Sensor interval bounds, mirroring the scheduler's clamp.
const (
	MinIntervalSeconds = 0.1
	MaxIntervalSeconds = 3600
)

// SensorConfig is one sensor's entry in the sensors map.
type SensorConfig struct {
	Enabled         bool                   `yaml:"enabled"`
	IntervalSeconds float64                `yaml:"interval_seconds"`
	Priority        string                 `yaml:"priority"`
	CustomParams    map[string]interface{} `yaml:"custom_params"`
}

// StorageConfig configures the JSONL store.
type StorageConfig struct {
	BasePath      string `yaml:"base_path"`
	Compression   bool   `yaml:"compression"`
	MaxFileSizeMb int    `yaml:"max_file_size_mb"`
	BufferSize    int    `yaml:"buffer_size"`
}

// AnalysisConfig configures the detection pipeline.
type AnalysisConfig struct {
	WindowSize           int     `yaml:"window_size"`
	ZScoreThreshold      float64 `yaml:"z_score_threshold"`
	LagRangeSeconds      float64 `yaml:"lag_range_seconds"`
	ClusterWindowSeconds float64 `yaml:"cluster_window_seconds"`
	CorrelationThreshold float64 `yaml:"correlation_threshold"`
	PrecursorThreshold   float64 `yaml:"precursor_threshold"`
}

// TelegramConfig configures the Telegram alert channel. The dispatcher itself
// is a downstream consumer; the core only carries its settings.
type TelegramConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Token           string `yaml:"token"`
	ChatID          string `yaml:"chat_id"`
	CooldownSeconds int    `yaml:"cooldown_seconds"`
}

// AlertingConfig configures alert fan-out.
type AlertingConfig struct {
	Enabled           bool           `yaml:"enabled"`
	WebhookURL        string         `yaml:"webhook_url"`
	CooldownSeconds   int            `yaml:"cooldown_seconds"`
	MinClusterSensors int            `yaml:"min_cluster_sensors"`
	Telegram          TelegramConfig `yaml:"telegram"`
}

// Config is the root configuration document.
type Config struct {
	LogLevel   string                  `yaml:"log_level"`
	HealthPort int                     `yaml:"health_port"`
	DataDir    string                  `yaml:"data_dir"`
	Sensors    map[string]SensorConfig `yaml:"sensors"`
	Storage    StorageConfig           `yaml:"storage"`
	Analysis   AnalysisConfig          `yaml:"analysis"`
	Alerting   AlertingConfig          `yaml:"alerting"`
	APIKeys    map[string]string       `yaml:"api_keys"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:   "info",
		HealthPort: 8080,
		DataDir:    "data",
		Sensors:    make(map[string]SensorConfig),
		Storage: StorageConfig{
			BasePath:      "data/readings",
			MaxFileSizeMb: 100,
			BufferSize:    1000,
		},
		Analysis: AnalysisConfig{
			WindowSize:           100,
			ZScoreThreshold:      3.0,
			LagRangeSeconds:      300,
			ClusterWindowSeconds: 30,
			CorrelationThreshold: 0.7,
			PrecursorThreshold:   0.5,
		},
		Alerting: AlertingConfig{
			CooldownSeconds:   300,
			MinClusterSensors: 3,
		},
		APIKeys: make(map[string]string),
	}
}

// Load reads path into a Config on top of the defaults and normalizes it.
// The returned error aggregates clamped values and is advisory: the Config
// is usable even when it is non-nil. Only an unreadable or unparsable file
// is reported alone, with the defaults returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return Default(), errors.Wrap(err, "parse config")
	}
	return cfg, cfg.Normalize()
}

// Normalize clamps every value to its component's range, substituting the
// default where a value is unusable. The returned multierror lists each
// violation; callers log it and continue.
func (c *Config) Normalize() error {
	var errs *multierror.Error
	def := Default()

	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
	default:
		errs = multierror.Append(errs, errors.Errorf("log_level %q not recognized, using %q", c.LogLevel, def.LogLevel))
		c.LogLevel = def.LogLevel
	}
	if c.HealthPort <= 0 || c.HealthPort > 65535 {
		errs = multierror.Append(errs, errors.Errorf("health_port %d out of range, using %d", c.HealthPort, def.HealthPort))
		c.HealthPort = def.HealthPort
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}

	for name, sc := range c.Sensors {
		if sc.IntervalSeconds == 0 {
			sc.IntervalSeconds = 60
			c.Sensors[name] = sc
			continue
		}
		if sc.IntervalSeconds < MinIntervalSeconds {
			errs = multierror.Append(errs, errors.Errorf("sensors.%s.interval_seconds %g below %g, clamping", name, sc.IntervalSeconds, MinIntervalSeconds))
			sc.IntervalSeconds = MinIntervalSeconds
		}
		if sc.IntervalSeconds > MaxIntervalSeconds {
			errs = multierror.Append(errs, errors.Errorf("sensors.%s.interval_seconds %g above %d, clamping", name, sc.IntervalSeconds, MaxIntervalSeconds))
			sc.IntervalSeconds = MaxIntervalSeconds
		}
		switch sc.Priority {
		case "", "high", "medium", "low":
		default:
			errs = multierror.Append(errs, errors.Errorf("sensors.%s.priority %q not recognized, using medium", name, sc.Priority))
			sc.Priority = "medium"
		}
		c.Sensors[name] = sc
	}

	if c.Storage.BasePath == "" {
		c.Storage.BasePath = def.Storage.BasePath
	}
	if c.Storage.MaxFileSizeMb < 1 || c.Storage.MaxFileSizeMb > 1024 {
		errs = multierror.Append(errs, errors.Errorf("storage.max_file_size_mb %d out of range [1, 1024], using %d", c.Storage.MaxFileSizeMb, def.Storage.MaxFileSizeMb))
		c.Storage.MaxFileSizeMb = def.Storage.MaxFileSizeMb
	}
	if c.Storage.BufferSize < 1 || c.Storage.BufferSize > 100000 {
		errs = multierror.Append(errs, errors.Errorf("storage.buffer_size %d out of range [1, 100000], using %d", c.Storage.BufferSize, def.Storage.BufferSize))
		c.Storage.BufferSize = def.Storage.BufferSize
	}

	if c.Analysis.WindowSize < 10 || c.Analysis.WindowSize > 100000 {
		errs = multierror.Append(errs, errors.Errorf("analysis.window_size %d out of range [10, 100000], using %d", c.Analysis.WindowSize, def.Analysis.WindowSize))
		c.Analysis.WindowSize = def.Analysis.WindowSize
	}
	if c.Analysis.ZScoreThreshold <= 0 {
		errs = multierror.Append(errs, errors.Errorf("analysis.z_score_threshold %g must be positive, using %g", c.Analysis.ZScoreThreshold, def.Analysis.ZScoreThreshold))
		c.Analysis.ZScoreThreshold = def.Analysis.ZScoreThreshold
	}
	if c.Analysis.ClusterWindowSeconds < 1 || c.Analysis.ClusterWindowSeconds > 3600 {
		errs = multierror.Append(errs, errors.Errorf("analysis.cluster_window_seconds %g out of range [1, 3600], using %g", c.Analysis.ClusterWindowSeconds, def.Analysis.ClusterWindowSeconds))
		c.Analysis.ClusterWindowSeconds = def.Analysis.ClusterWindowSeconds
	}
	if c.Analysis.CorrelationThreshold < 0 || c.Analysis.CorrelationThreshold > 1 {
		errs = multierror.Append(errs, errors.Errorf("analysis.correlation_threshold %g out of range [0, 1], using %g", c.Analysis.CorrelationThreshold, def.Analysis.CorrelationThreshold))
		c.Analysis.CorrelationThreshold = def.Analysis.CorrelationThreshold
	}
	if c.Analysis.PrecursorThreshold < 0 || c.Analysis.PrecursorThreshold > 1 {
		errs = multierror.Append(errs, errors.Errorf("analysis.precursor_threshold %g out of range [0, 1], using %g", c.Analysis.PrecursorThreshold, def.Analysis.PrecursorThreshold))
		c.Analysis.PrecursorThreshold = def.Analysis.PrecursorThreshold
	}
	if c.Analysis.LagRangeSeconds < 0 {
		errs = multierror.Append(errs, errors.Errorf("analysis.lag_range_seconds %g must not be negative, using %g", c.Analysis.LagRangeSeconds, def.Analysis.LagRangeSeconds))
		c.Analysis.LagRangeSeconds = def.Analysis.LagRangeSeconds
	}

	if c.Alerting.CooldownSeconds < 0 {
		errs = multierror.Append(errs, errors.Errorf("alerting.cooldown_seconds %d must not be negative, using %d", c.Alerting.CooldownSeconds, def.Alerting.CooldownSeconds))
		c.Alerting.CooldownSeconds = def.Alerting.CooldownSeconds
	}
	if c.Alerting.MinClusterSensors < 1 || c.Alerting.MinClusterSensors > 5 {
		errs = multierror.Append(errs, errors.Errorf("alerting.min_cluster_sensors %d out of range [1, 5], using %d", c.Alerting.MinClusterSensors, def.Alerting.MinClusterSensors))
		c.Alerting.MinClusterSensors = def.Alerting.MinClusterSensors
	}

	return errs.ErrorOrNil()
}
