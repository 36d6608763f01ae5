// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"context"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/matrixwatcher/agent/pkg/anomalyindex"
	"github.com/matrixwatcher/agent/pkg/calibration"
	"github.com/matrixwatcher/agent/pkg/cluster"
	"github.com/matrixwatcher/agent/pkg/config"
	"github.com/matrixwatcher/agent/pkg/detector"
	"github.com/matrixwatcher/agent/pkg/eventbus"
	"github.com/matrixwatcher/agent/pkg/health"
	"github.com/matrixwatcher/agent/pkg/patterns"
	"github.com/matrixwatcher/agent/pkg/scheduler"
	"github.com/matrixwatcher/agent/pkg/sensors"
	"github.com/matrixwatcher/agent/pkg/sensors/netprobe"
	"github.com/matrixwatcher/agent/pkg/sensors/random"
	"github.com/matrixwatcher/agent/pkg/sensors/system"
	"github.com/matrixwatcher/agent/pkg/sensors/timedrift"
	"github.com/matrixwatcher/agent/pkg/storage"
	"github.com/matrixwatcher/agent/pkg/types"
	"github.com/matrixwatcher/agent/pkg/util/log"
)

// pipeline owns every long-lived component and the wiring between them.
// Event flow: sensors -> bus (DATA) -> detector -> cluster -> index ->
// pattern tracker -> prediction file. Tracker output never re-enters the
// bus; alert fan-out subscribes downstream.
type pipeline struct {
	cfg *config.Config

	bus         *eventbus.EventBus
	store       *storage.Store
	rules       *detector.Detector
	clusters    *cluster.Detector
	index       *anomalyindex.Aggregator
	tracker     *patterns.Tracker
	predictions *patterns.PredictionWriter
	monitor     *health.Monitor
	healthSrv   *health.Server
	calib       *calibration.Tracker
	calibrator  *calibration.AutoCalibrator
	sched       *scheduler.Scheduler
	collector   *sensors.Collector

	sensors    []sensors.Sensor
	sensorCfgs map[string]sensors.Config
}

func newPipeline(cfg *config.Config) (*pipeline, error) {
	p := &pipeline{cfg: cfg}

	calDir := filepath.Join(cfg.DataDir, "calibration")
	var err error
	if p.calib, err = calibration.NewTracker(calDir, nil); err != nil {
		return nil, err
	}
	p.calibrator = calibration.NewAutoCalibrator(p.calib, calibration.WithAutoApply(true))

	overrides, err := calibration.LoadCalibratedThresholds(calDir)
	if err != nil {
		log.Warnf("pipeline: calibrated thresholds not loaded: %v", err)
		overrides = nil
	} else if len(overrides) > 0 {
		log.Infof("pipeline: loaded %d calibrated thresholds", len(overrides))
	}

	p.rules = detector.New(detector.DefaultRules(),
		detector.WithCalibrationLog(p.calib),
		detector.WithOverrides(overrides))
	p.clusters = cluster.New(
		cluster.WithWindow(time.Duration(cfg.Analysis.ClusterWindowSeconds * float64(time.Second))))
	p.index = anomalyindex.New()

	if p.tracker, err = patterns.NewTracker(filepath.Join(cfg.DataDir, "patterns")); err != nil {
		return nil, err
	}
	if p.predictions, err = patterns.NewPredictionWriter(filepath.Join(cfg.DataDir, "predictions"), nil); err != nil {
		return nil, err
	}

	storeOpts := []storage.Option{
		storage.WithMaxFileSize(int64(cfg.Storage.MaxFileSizeMb) << 20),
		storage.WithBufferSize(cfg.Storage.BufferSize),
		storage.WithCompression(cfg.Storage.Compression),
	}
	if p.store, err = storage.New(cfg.Storage.BasePath, storeOpts...); err != nil {
		return nil, err
	}

	p.bus = eventbus.New()
	p.sched = scheduler.New()
	p.monitor = health.NewMonitor(health.WithDisableCallback(func(name, reason string) {
		// Stop collecting from a dead sensor; an operator re-enables it.
		p.sched.Pause(taskName(name))
	}))
	p.monitor.SetCalibrationStatus(p.calibrator.Status)
	p.healthSrv = health.NewServer(p.monitor, cfg.HealthPort)
	p.collector = sensors.NewCollector(p.bus, p.monitor)

	p.bus.Subscribe(p.handleData, &eventbus.Filter{
		EventTypes: []types.EventType{types.TypeData},
	})

	p.buildSensors()
	p.backfillPrices()

	if err := p.registerTasks(); err != nil {
		return nil, err
	}
	return p, nil
}

// buildSensors instantiates the built-in sources, honoring per-sensor
// configuration. A sensor absent from the config runs with defaults; an
// explicit enabled=false keeps it out.
func (p *pipeline) buildSensors() {
	p.sensorCfgs = make(map[string]sensors.Config)

	add := func(s sensors.Sensor) {
		name := s.Name()
		sc, configured := p.cfg.Sensors[name]
		if configured && !sc.Enabled {
			log.Infof("pipeline: sensor %s disabled by config", name)
			return
		}
		c := sensors.DefaultConfig()
		if configured {
			c.Interval = time.Duration(sc.IntervalSeconds * float64(time.Second))
			if sc.Priority != "" {
				c.Priority = types.Priority(sc.Priority)
			}
			c.CustomParams = sc.CustomParams
		}
		p.sensors = append(p.sensors, s)
		p.sensorCfgs[name] = c
		p.monitor.Register(name)
	}

	add(system.New())
	add(timedrift.New(stringParam(p.cfg.Sensors["timedrift"].CustomParams, "server")))
	add(netprobe.New(stringSliceParam(p.cfg.Sensors["network"].CustomParams, "targets")))
	add(random.New(intParam(p.cfg.Sensors["random"].CustomParams, "samples")))
}

// backfillPrices seeds the pattern tracker's price history from stored
// crypto readings so price-move predicates work right after a restart.
func (p *pipeline) backfillPrices() {
	now := time.Now()
	records, err := p.store.Read("crypto", now.Add(-patterns.Lookback), now)
	if err != nil {
		log.Debugf("pipeline: no crypto history to backfill: %v", err)
		return
	}
	if n := p.tracker.BackfillPrices(records); n > 0 {
		log.Infof("pipeline: backfilled %d price samples", n)
	}
}

func taskName(sensor string) string { return "collect_" + sensor }

func (p *pipeline) registerTasks() error {
	for _, s := range p.sensors {
		s := s
		c := p.sensorCfgs[s.Name()]
		fn := func(ctx context.Context) error {
			return p.collector.SafeCollect(ctx, s, c)
		}
		if err := p.sched.Register(taskName(s.Name()), fn, c.Interval, c.Priority); err != nil {
			return errors.Wrapf(err, "register %s", s.Name())
		}
	}

	if err := p.sched.Register("store_flush", func(ctx context.Context) error {
		if err := p.store.Flush(); err != nil {
			return err
		}
		return p.calib.Flush()
	}, 30*time.Second, types.PriorityLow); err != nil {
		return err
	}

	if err := p.sched.Register("pattern_save", func(ctx context.Context) error {
		return p.tracker.Save()
	}, 5*time.Minute, types.PriorityLow); err != nil {
		return err
	}

	if err := p.sched.Register("auto_calibrate", func(ctx context.Context) error {
		return p.runCalibration()
	}, time.Hour, types.PriorityLow); err != nil {
		return err
	}

	if err := p.sched.Register("anomaly_index", p.logAnomalyIndex, time.Minute, types.PriorityLow); err != nil {
		return err
	}

	return p.sched.Register("health_log", func(ctx context.Context) error {
		snap := p.monitor.Snapshot()
		log.Infof("health: %s, %d/%d sensors healthy, uptime %.0fs",
			snap.Status, snap.SensorsHealthy, snap.SensorsTotal, snap.UptimeSeconds)
		return nil
	}, time.Minute, types.PriorityLow)
}

// handleData is the bus subscription driving the whole analysis chain. One
// DATA event flows through persistence, rule evaluation, clustering, index
// scoring and pattern matching; the chain stays in-process and ordered.
func (p *pipeline) handleData(ev types.Event) error {
	rec := storage.Record{"source": ev.Source, "timestamp": ev.Timestamp}
	for k, v := range ev.Payload {
		rec[k] = v
	}
	if err := p.store.Write(rec); err != nil {
		log.Warnf("pipeline: store write failed for %s: %v", ev.Source, err)
	}

	reading := types.SensorReading{
		Timestamp: ev.Timestamp,
		Source:    ev.Source,
		Data:      ev.Payload,
	}
	p.tracker.CheckEvents(reading)

	for _, a := range p.rules.ProcessEvent(ev) {
		p.bus.Publish(a.ToEvent())
		p.writeAnomaly(a)

		cl := p.clusters.ProcessAnomaly(a)
		log.Debugf("pipeline: anomaly %s -> cluster level %d (%s)", a.Parameter, cl.Level, cl.Description)

		// Every cluster, level 1 included, feeds the index and the pattern
		// table; min_cluster_sensors only gates notifications downstream.
		snap := p.index.ComputeSnapshot(cl.Anomalies)
		cond := cl.Condition(snap.Index, snap.BaselineRatio)
		p.tracker.RecordCondition(cond)

		if probs := p.tracker.GetProbabilities(cond, 0, ""); len(probs) > 0 {
			if err := p.predictions.Publish(cond, probs); err != nil {
				log.Warnf("pipeline: prediction publish failed: %v", err)
			}
		}
	}
	return nil
}

// writeAnomaly persists one detection under its own source so anomalies
// survive restarts alongside the raw readings.
func (p *pipeline) writeAnomaly(a types.AnomalyEvent) {
	rec := storage.Record{
		"source":        "anomalies",
		"timestamp":     a.Timestamp,
		"parameter":     a.Parameter,
		"value":         a.Value,
		"mean":          a.Mean,
		"std":           a.Std,
		"z_score":       a.ZScore,
		"sensor_source": a.SensorSource,
		"severity":      string(a.Severity()),
	}
	if err := p.store.Write(rec); err != nil {
		log.Warnf("pipeline: anomaly write failed for %s: %v", a.Parameter, err)
	}
}

// logAnomalyIndex writes a periodic index snapshot computed from whatever is
// in the cluster window right now. The steady stream keeps the index
// baseline fed through quiet stretches.
func (p *pipeline) logAnomalyIndex(ctx context.Context) error {
	now := float64(time.Now().UnixNano()) / 1e9
	snap := p.index.ComputeSnapshot(p.clusters.RecentAnomalies(now))

	rec := storage.Record{
		"source":           "anomaly_index",
		"timestamp":        snap.Timestamp,
		"index":            snap.Index,
		"status":           string(snap.Status),
		"baseline_ratio":   snap.BaselineRatio,
		"active_anomalies": snap.ActiveAnomalies,
		"breakdown":        snap.Breakdown,
	}
	return p.store.Write(rec)
}

// runCalibration analyzes the recorded checks and folds newly applied
// thresholds back into the live detector.
func (p *pipeline) runCalibration() error {
	names, err := p.calib.ThresholdNames()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	report, err := p.calibrator.Run(p.rules.CurrentThresholds(names))
	if err != nil {
		return err
	}
	if report == nil {
		return nil
	}
	if len(report.Applied) > 0 {
		applied, err := calibration.LoadCalibratedThresholds(filepath.Join(p.cfg.DataDir, "calibration"))
		if err != nil {
			return err
		}
		p.rules.UpdateOverrides(applied)
		log.Infof("pipeline: applied %d calibrated thresholds", len(report.Applied))
	}
	return nil
}

func (p *pipeline) start() {
	p.healthSrv.Start()
	p.sched.Start()
	log.Infof("pipeline: started with %d sensors", len(p.sensors))
}

func (p *pipeline) stop() {
	if err := p.sched.Stop(5 * time.Second); err != nil {
		log.Warnf("pipeline: scheduler stop: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.healthSrv.Stop(ctx); err != nil {
		log.Warnf("pipeline: health server stop: %v", err)
	}

	if err := p.tracker.Save(); err != nil {
		log.Warnf("pipeline: pattern save: %v", err)
	}
	if err := p.store.Flush(); err != nil {
		log.Warnf("pipeline: store flush: %v", err)
	}
	if err := p.calib.Close(); err != nil {
		log.Warnf("pipeline: calibration close: %v", err)
	}
	log.Infof("pipeline: stopped")
}

func stringParam(params map[string]interface{}, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceParam(params map[string]interface{}, key string) []string {
	raw, ok := params[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intParam(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
