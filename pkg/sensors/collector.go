// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package sensors

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/matrixwatcher/agent/pkg/types"
	"github.com/matrixwatcher/agent/pkg/util/log"
)

// Publisher is the slice of the event bus the collector needs.
type Publisher interface {
	Publish(types.Event) int
}

// HealthReporter receives the per-source success/failure outcomes.
type HealthReporter interface {
	RecordSuccess(source string)
	RecordFailure(source string, err error)
}

// linearBackOff waits RetryDelay x attempt between tries.
type linearBackOff struct {
	delay   time.Duration
	attempt int
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.delay
}

// Collector wraps sensors with retry, schema validation, event publication
// and health accounting.
type Collector struct {
	bus    Publisher
	health HealthReporter
	now    func() float64
}

// NewCollector builds a collector. health may be nil.
func NewCollector(bus Publisher, health HealthReporter) *Collector {
	return &Collector{
		bus:    bus,
		health: health,
		now:    func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

// SafeCollect runs one collection with the configured retry policy.
// Transient errors are retried with a delay of RetryDelay x attempt, up to
// MaxRetries. On final failure an ERROR event is published and the source
// is marked unhealthy. A valid reading is published as a DATA event.
func (c *Collector) SafeCollect(ctx context.Context, s Sensor, cfg Config) error {
	var reading types.SensorReading

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{delay: cfg.RetryDelay}, uint64(cfg.MaxRetries)),
		ctx,
	)
	err := backoff.Retry(func() error {
		r, err := s.Collect(ctx)
		if err != nil {
			if errors.Is(err, ErrRateLimited) || !IsTransient(err) {
				return backoff.Permanent(err)
			}
			log.Debugf("collector: %s transient failure, will retry: %v", s.Name(), err)
			return err
		}
		reading = r
		return nil
	}, policy)

	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			// Back-off state: not a failure, just no data this cycle.
			log.Debugf("collector: %s rate limited, skipping cycle", s.Name())
			return nil
		}
		c.bus.Publish(types.Event{
			Timestamp: c.now(),
			Source:    s.Name(),
			Type:      types.TypeError,
			Severity:  types.SeverityWarning,
			Payload:   map[string]interface{}{"error": err.Error()},
		})
		if c.health != nil {
			c.health.RecordFailure(s.Name(), err)
		}
		return errors.Wrapf(err, "collect %s", s.Name())
	}

	if err := validate(reading, s.Schema()); err != nil {
		// Malformed readings are dropped without touching the health
		// counters.
		log.Warnf("collector: %s reading dropped: %v", s.Name(), err) //nolint:errcheck
		return nil
	}

	if reading.Timestamp == 0 {
		reading.Timestamp = c.now()
	}
	if reading.Source == "" {
		reading.Source = s.Name()
	}

	c.bus.Publish(reading.ToEvent())
	if c.health != nil {
		c.health.RecordSuccess(s.Name())
	}
	return nil
}

// validate checks a reading against the sensor schema: every listed field
// must be present with the right kind.
func validate(r types.SensorReading, schema map[string]FieldKind) error {
	if r.Data == nil {
		return errors.New("reading has no data")
	}
	for field, kind := range schema {
		v, ok := r.Data[field]
		if !ok {
			return errors.Errorf("missing required field %q", field)
		}
		if !kindMatches(v, kind) {
			return errors.Errorf("field %q is not a %s", field, kind)
		}
	}
	return nil
}

func kindMatches(v interface{}, kind FieldKind) bool {
	switch kind {
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			return true
		}
		return false
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	default:
		return true
	}
}
