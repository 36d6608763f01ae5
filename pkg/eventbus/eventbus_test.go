// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package eventbus

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixwatcher/agent/pkg/types"
)

func dataEvent(source string, sev types.Severity) types.Event {
	return types.Event{
		Timestamp: 1000,
		Source:    source,
		Type:      types.TypeData,
		Severity:  sev,
		Payload:   map[string]interface{}{"value": 1.0},
	}
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := New()

	var got []types.Event
	bus.Subscribe(func(ev types.Event) error {
		got = append(got, ev)
		return nil
	}, nil)

	var anomalies int
	bus.Subscribe(func(ev types.Event) error {
		anomalies++
		return nil
	}, &Filter{EventTypes: []types.EventType{types.TypeAnomaly}})

	n := bus.Publish(dataEvent("crypto", types.SeverityInfo))
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, "crypto", got[0].Source)
	assert.Equal(t, 0, anomalies)
}

func TestFilterBySourceAndSeverity(t *testing.T) {
	bus := New()

	var got int
	bus.Subscribe(func(ev types.Event) error {
		got++
		return nil
	}, &Filter{Sources: []string{"crypto"}, MinSeverity: types.SeverityWarning})

	bus.Publish(dataEvent("crypto", types.SeverityInfo))
	bus.Publish(dataEvent("earthquake", types.SeverityCritical))
	bus.Publish(dataEvent("crypto", types.SeverityCritical))

	assert.Equal(t, 1, got)
}

func TestUnsubscribe(t *testing.T) {
	bus := New()
	id := bus.Subscribe(func(types.Event) error { return nil }, nil)

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	assert.Equal(t, 0, bus.Publish(dataEvent("crypto", types.SeverityInfo)))
}

func TestFailedDeliveryBuffersAndFlushes(t *testing.T) {
	bus := New()

	fail := true
	var delivered []types.Event
	id := bus.Subscribe(func(ev types.Event) error {
		if fail {
			return errors.New("consumer down")
		}
		delivered = append(delivered, ev)
		return nil
	}, nil)

	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, bus.Publish(dataEvent("crypto", types.SeverityInfo)))
	}
	assert.Equal(t, 3, bus.BufferedCount(id))

	fail = false
	assert.Equal(t, 3, bus.FlushBuffer(id))
	assert.Len(t, delivered, 3)
	assert.Equal(t, 0, bus.BufferedCount(id))
}

func TestFlushStopsAtFirstFailure(t *testing.T) {
	bus := New()

	failing := true
	calls := 0
	id := bus.Subscribe(func(ev types.Event) error {
		if failing {
			return errors.New("down")
		}
		calls++
		if calls >= 2 {
			return errors.New("down again")
		}
		return nil
	}, nil)

	for i := 0; i < 4; i++ {
		bus.Publish(dataEvent("crypto", types.SeverityInfo))
	}
	failing = false

	// 1st re-delivery succeeds, 2nd fails, flush stops there.
	assert.Equal(t, 1, bus.FlushBuffer(id))
	assert.Equal(t, 3, bus.BufferedCount(id))
}

func TestBacklogOverflowDropsOldest(t *testing.T) {
	bus := New(WithBacklogSize(2))

	id := bus.Subscribe(func(types.Event) error {
		return errors.New("down")
	}, nil)

	for i := 0; i < 5; i++ {
		bus.Publish(dataEvent("crypto", types.SeverityInfo))
	}

	assert.Equal(t, 2, bus.BufferedCount(id))
	assert.Equal(t, int64(3), bus.Stats().TotalDropped)
}

func TestPanicInConsumerIsContained(t *testing.T) {
	bus := New()
	id := bus.Subscribe(func(types.Event) error {
		panic("boom")
	}, nil)

	assert.NotPanics(t, func() {
		bus.Publish(dataEvent("crypto", types.SeverityInfo))
	})
	assert.Equal(t, 1, bus.BufferedCount(id))
}

func TestStatsAccounting(t *testing.T) {
	bus := New()
	bus.Subscribe(func(types.Event) error { return nil }, nil)
	bus.Subscribe(func(types.Event) error { return errors.New("down") }, nil)

	for i := 0; i < 10; i++ {
		bus.Publish(dataEvent("crypto", types.SeverityInfo))
	}

	st := bus.Stats()
	assert.Equal(t, 2, st.SubscriberCount)
	assert.Equal(t, int64(10), st.TotalPublished)
	assert.Equal(t, int64(10), st.TotalDelivered)
	assert.LessOrEqual(t, st.TotalDelivered+st.TotalDropped, st.TotalPublished*int64(st.SubscriberCount))
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	bus := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(dataEvent("crypto", types.SeverityInfo))
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				id := bus.Subscribe(func(types.Event) error { return nil }, nil)
				bus.Unsubscribe(id)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(800), bus.Stats().TotalPublished)
}
