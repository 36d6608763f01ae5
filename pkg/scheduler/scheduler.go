// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package scheduler drives all periodic work. A single loop scans for due
// tasks every 100ms and hands them, in priority then registration order, to
// a fixed pool of workers. A running task is never re-entered; a firing
// that arrives while the previous run is still in flight is skipped, and
// the next run always counts from completion (sliding schedule).
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/matrixwatcher/agent/pkg/types"
	"github.com/matrixwatcher/agent/pkg/util/log"
)

const (
	// MinInterval and MaxInterval clamp registered task intervals.
	MinInterval = 100 * time.Millisecond
	MaxInterval = 3600 * time.Second

	// DefaultMaxConcurrent is the number of workers, the global cap on
	// tasks in flight.
	DefaultMaxConcurrent = 10

	// DefaultStopTimeout bounds the wait for in-flight tasks on Stop.
	DefaultStopTimeout = 5 * time.Second

	tickInterval   = 100 * time.Millisecond
	acquireTimeout = 1 * time.Second
)

// TaskFunc is one unit of periodic work. The context carries the task
// deadline, max(timeout, 2 x interval).
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	fn       TaskFunc
	interval time.Duration
	timeout  time.Duration
	priority types.Priority
	regOrder int

	running atomic.Bool

	// Guarded by the scheduler mutex.
	paused              bool
	nextRun             time.Time
	runCount            int64
	errorCount          int64
	consecutiveFailures int64
	avgDuration         time.Duration
	lastDrift           time.Duration
}

type dispatch struct {
	t           *task
	scheduledAt time.Time
}

// TaskStats is a snapshot of one task's counters.
type TaskStats struct {
	Name                string         `json:"name"`
	Priority            types.Priority `json:"priority"`
	Paused              bool           `json:"paused"`
	Running             bool           `json:"running"`
	RunCount            int64          `json:"run_count"`
	ErrorCount          int64          `json:"error_count"`
	ConsecutiveFailures int64          `json:"consecutive_failures"`
	AvgDurationMs       float64        `json:"avg_duration_ms"`
	LastDriftMs         float64        `json:"last_drift_ms"`
	NextRun             float64        `json:"next_run"`
}

// Scheduler owns the task table, the dispatch loop and the worker pool.
type Scheduler struct {
	clk           clock.Clock
	maxConcurrent int
	taskTimeout   time.Duration

	m        sync.Mutex
	tasks    map[string]*task
	regCount int
	started  bool
	stopCh   chan struct{}
	pending  chan dispatch

	workers sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithClock injects a clock, used by tests.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clk = c }
}

// WithMaxConcurrent overrides the worker count.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithTaskTimeout sets the base per-task timeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.taskTimeout = d
		}
	}
}

// New returns a stopped scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clk:           clock.New(),
		maxConcurrent: DefaultMaxConcurrent,
		taskTimeout:   30 * time.Second,
		tasks:         make(map[string]*task),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds a periodic task. The interval is clamped to [100ms, 3600s].
// The first run is due immediately.
func (s *Scheduler) Register(name string, fn TaskFunc, interval time.Duration, priority types.Priority) error {
	if fn == nil {
		return errors.New("nil task func")
	}
	if interval < MinInterval {
		log.Warnf("scheduler: task %s interval %s below minimum, clamping to %s", name, interval, MinInterval) //nolint:errcheck
		interval = MinInterval
	}
	if interval > MaxInterval {
		log.Warnf("scheduler: task %s interval %s above maximum, clamping to %s", name, interval, MaxInterval) //nolint:errcheck
		interval = MaxInterval
	}

	s.m.Lock()
	defer s.m.Unlock()
	if _, dup := s.tasks[name]; dup {
		return errors.Errorf("task %q already registered", name)
	}
	s.tasks[name] = &task{
		name:     name,
		fn:       fn,
		interval: interval,
		timeout:  s.taskTimeout,
		priority: priority,
		regOrder: s.regCount,
		nextRun:  s.clk.Now(),
	}
	s.regCount++
	log.Infof("scheduler: registered task %s (interval %s, priority %s)", name, interval, priority)
	return nil
}

// Unregister removes a task, reporting whether it existed. An in-flight run
// completes normally.
func (s *Scheduler) Unregister(name string) bool {
	s.m.Lock()
	defer s.m.Unlock()
	if _, ok := s.tasks[name]; !ok {
		return false
	}
	delete(s.tasks, name)
	return true
}

// Pause stops a task from being dispatched until Resume.
func (s *Scheduler) Pause(name string) bool {
	s.m.Lock()
	defer s.m.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.paused = true
	return true
}

// Resume reactivates a paused task, its next run due immediately.
func (s *Scheduler) Resume(name string) bool {
	s.m.Lock()
	defer s.m.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.paused = false
	t.nextRun = s.clk.Now()
	return true
}

// Start launches the dispatch loop and the workers. Idempotent while
// running.
func (s *Scheduler) Start() {
	s.m.Lock()
	defer s.m.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	// Unbuffered: a send succeeds only when a worker is free, which is
	// what bounds concurrency.
	s.pending = make(chan dispatch)

	for i := 0; i < s.maxConcurrent; i++ {
		s.workers.Add(1)
		go s.worker(s.stopCh)
	}
	go s.loop(s.stopCh)
	log.Infof("scheduler: started with %d workers", s.maxConcurrent)
}

// Stop halts dispatch and waits up to timeout for in-flight tasks. Returns
// an error when tasks were still running at the deadline.
func (s *Scheduler) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	s.m.Lock()
	if !s.started {
		s.m.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	pending := s.pending
	s.m.Unlock()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		log.Info("scheduler: stopped")
	case <-time.After(timeout):
		err = log.Errorf("scheduler: stop timed out after %s with tasks still running", timeout)
	}

	// Abandoned dispatches keep their running flag set; clear them so a
	// restart can fire the tasks again.
	for {
		select {
		case d := <-pending:
			d.t.running.Store(false)
		default:
			return err
		}
	}
}

func (s *Scheduler) loop(stopCh chan struct{}) {
	ticker := s.clk.Ticker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.dispatchDue(stopCh)
		}
	}
}

// dispatchDue scans for due tasks and hands them to the workers in priority
// then registration order. A task that cannot reach a worker within the
// acquire timeout is skipped until its next interval.
func (s *Scheduler) dispatchDue(stopCh chan struct{}) {
	now := s.clk.Now()

	s.m.Lock()
	due := make([]dispatch, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.paused && !t.running.Load() && !t.nextRun.After(now) {
			due = append(due, dispatch{t: t, scheduledAt: t.nextRun})
		}
	}
	s.m.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].t.priority.Rank() != due[j].t.priority.Rank() {
			return due[i].t.priority.Rank() < due[j].t.priority.Rank()
		}
		return due[i].t.regOrder < due[j].t.regOrder
	})

	for _, d := range due {
		if !d.t.running.CompareAndSwap(false, true) {
			continue
		}
		timer := s.clk.Timer(acquireTimeout)
		select {
		case s.pending <- d:
			timer.Stop()
		case <-timer.C:
			log.Warnf("scheduler: task %s skipped, all workers busy", d.t.name) //nolint:errcheck
			s.m.Lock()
			d.t.nextRun = s.clk.Now().Add(d.t.interval)
			s.m.Unlock()
			d.t.running.Store(false)
		case <-stopCh:
			timer.Stop()
			d.t.running.Store(false)
			return
		}
	}
}

func (s *Scheduler) worker(stopCh chan struct{}) {
	defer s.workers.Done()
	for {
		select {
		case <-stopCh:
			return
		case d := <-s.pending:
			s.run(d)
		}
	}
}

func (s *Scheduler) run(d dispatch) {
	t := d.t
	defer t.running.Store(false)

	start := s.clk.Now()
	deadline := t.timeout
	if twice := 2 * t.interval; twice > deadline {
		deadline = twice
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	err := s.invoke(ctx, t)
	end := s.clk.Now()

	s.m.Lock()
	t.runCount++
	t.lastDrift = start.Sub(d.scheduledAt)
	dur := end.Sub(start)
	if t.avgDuration == 0 {
		t.avgDuration = dur
	} else {
		t.avgDuration = time.Duration(0.9*float64(t.avgDuration) + 0.1*float64(dur))
	}
	if err != nil {
		t.errorCount++
		t.consecutiveFailures++
	} else {
		t.consecutiveFailures = 0
	}
	// Sliding schedule: next run counts from completion, not from the
	// previous due time.
	t.nextRun = end.Add(t.interval)
	s.m.Unlock()

	if err != nil {
		log.Errorf("scheduler: task %s failed: %v", t.name, err) //nolint:errcheck
	}
}

// invoke runs the task func, converting a panic into an error so one bad
// task never kills its worker.
func (s *Scheduler) invoke(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	return t.fn(ctx)
}

// Stats snapshots every task's counters, keyed by task name.
func (s *Scheduler) Stats() map[string]TaskStats {
	s.m.Lock()
	defer s.m.Unlock()
	out := make(map[string]TaskStats, len(s.tasks))
	for name, t := range s.tasks {
		out[name] = TaskStats{
			Name:                name,
			Priority:            t.priority,
			Paused:              t.paused,
			Running:             t.running.Load(),
			RunCount:            t.runCount,
			ErrorCount:          t.errorCount,
			ConsecutiveFailures: t.consecutiveFailures,
			AvgDurationMs:       float64(t.avgDuration) / float64(time.Millisecond),
			LastDriftMs:         float64(t.lastDrift) / float64(time.Millisecond),
			NextRun:             float64(t.nextRun.UnixNano()) / 1e9,
		}
	}
	return out
}
