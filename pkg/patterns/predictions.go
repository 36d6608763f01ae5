// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package patterns

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/matrixwatcher/agent/pkg/types"
)

// predictionTTL prunes entries on every write.
const predictionTTL = 24 * time.Hour

// PredictionEntry is one row of the prediction file contract.
type PredictionEntry struct {
	ID               string   `json:"id"`
	Condition        string   `json:"condition"`
	ConditionLevel   int      `json:"condition_level"`
	ConditionSources []string `json:"condition_sources"`
	Event            string   `json:"event"`
	Description      string   `json:"description"`
	Probability      int      `json:"probability"` // integer percent
	AvgTimeHours     float64  `json:"avg_time_hours"`
	Observations     int      `json:"observations"`
	Occurrences      int      `json:"occurrences"`
	Category         Category `json:"category"`
	Icon             string   `json:"icon"`
	Color            string   `json:"color"`
	Timestamp        float64  `json:"timestamp"`
}

type predictionFile struct {
	Predictions   []PredictionEntry `json:"predictions"`
	LastUpdate    float64           `json:"last_update"`
	LastUpdateStr string            `json:"last_update_str"`
}

// PredictionWriter maintains logs/predictions/current.json. Writes replace
// the file atomically (temp file + rename).
type PredictionWriter struct {
	path string
	clk  clock.Clock

	m       sync.Mutex
	entries []PredictionEntry
}

// NewPredictionWriter builds a writer rooted at dir, restoring any entries
// a previous process left behind.
func NewPredictionWriter(dir string, clk clock.Clock) (*PredictionWriter, error) {
	if clk == nil {
		clk = clock.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create predictions dir")
	}
	w := &PredictionWriter{
		path: filepath.Join(dir, "current.json"),
		clk:  clk,
	}
	if b, err := os.ReadFile(w.path); err == nil {
		var pf predictionFile
		if json.Unmarshal(b, &pf) == nil {
			w.entries = pf.Predictions
		}
	}
	return w, nil
}

// Publish converts the probabilities for a condition into prediction
// entries and rewrites the file.
func (w *PredictionWriter) Publish(cond types.Condition, probs []Probability) error {
	now := float64(w.clk.Now().UnixNano()) / 1e9

	w.m.Lock()
	for _, p := range probs {
		w.entries = append(w.entries, PredictionEntry{
			ID:               uuid.New().String(),
			Condition:        cond.Key(),
			ConditionLevel:   cond.Level,
			ConditionSources: cond.Sources,
			Event:            p.EventType,
			Description:      p.Description,
			Probability:      int(math.Round(p.Probability * 100)),
			AvgTimeHours:     p.AvgTimeHours,
			Observations:     p.Observations,
			Occurrences:      p.Occurrences,
			Category:         p.Category,
			Icon:             p.Icon,
			Color:            p.Color,
			Timestamp:        now,
		})
	}
	w.m.Unlock()

	return w.Write()
}

// Write prunes stale and suppressed entries and replaces the file.
func (w *PredictionWriter) Write() error {
	now := w.clk.Now()
	nowUnix := float64(now.UnixNano()) / 1e9
	horizon := nowUnix - predictionTTL.Seconds()

	w.m.Lock()
	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.Timestamp < horizon {
			continue
		}
		// Suppressed from public output: fires too often to mean
		// anything.
		if e.Event == "earthquake_moderate" {
			continue
		}
		kept = append(kept, e)
	}
	w.entries = kept

	out := predictionFile{
		Predictions:   append([]PredictionEntry(nil), w.entries...),
		LastUpdate:    nowUnix,
		LastUpdateStr: now.UTC().Format("2006-01-02 15:04:05 UTC"),
	}
	w.m.Unlock()

	if out.Predictions == nil {
		out.Predictions = []PredictionEntry{}
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode predictions")
	}
	return atomicWrite(w.path, b)
}

// Current returns the live entries, newest last.
func (w *PredictionWriter) Current() []PredictionEntry {
	w.m.Lock()
	defer w.m.Unlock()
	out := make([]PredictionEntry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Path returns the prediction file location.
func (w *PredictionWriter) Path() string { return w.path }
