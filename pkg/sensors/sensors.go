// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package sensors defines the sample-source contract and the SafeCollect
// wrapper that retries, validates and publishes readings. The core treats a
// source as an opaque producer of a flat dictionary; the physics live in
// the per-source subpackages.
package sensors

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/matrixwatcher/agent/pkg/types"
)

// FieldKind describes the expected type of one schema field.
type FieldKind string

// Schema field kinds.
const (
	KindNumber FieldKind = "number"
	KindString FieldKind = "string"
	KindBool   FieldKind = "bool"
	KindAny    FieldKind = "any"
)

// Sensor is anything that produces a reading on demand.
type Sensor interface {
	// Name returns the stable source name used in events and file paths.
	Name() string
	// Collect produces one reading. Failures are transient (wrapped with
	// Transient), rate-limited (ErrRateLimited) or permanent (anything
	// else).
	Collect(ctx context.Context) (types.SensorReading, error)
	// Schema lists required fields and their kinds, used to reject
	// malformed readings.
	Schema() map[string]FieldKind
}

// Config carries the per-sensor collection settings.
type Config struct {
	Enabled      bool                   `yaml:"enabled"`
	Interval     time.Duration          `yaml:"interval"`
	Priority     types.Priority         `yaml:"priority"`
	CustomParams map[string]interface{} `yaml:"custom_params"`
	MaxRetries   int                    `yaml:"max_retries"`
	RetryDelay   time.Duration          `yaml:"retry_delay"`
	Timeout      time.Duration          `yaml:"timeout"`
}

// DefaultConfig returns the standard collection settings.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Interval:   60 * time.Second,
		Priority:   types.PriorityMedium,
		MaxRetries: 3,
		RetryDelay: 1 * time.Second,
		Timeout:    30 * time.Second,
	}
}

// ErrRateLimited puts a source into the rate-limited state: no DATA
// publish, no failure count, the scheduler keeps firing the task.
var ErrRateLimited = errors.New("source rate limited")

type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient marks a collection error as retryable (network hiccup,
// timeout). Unmarked errors are permanent and fail immediately.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
