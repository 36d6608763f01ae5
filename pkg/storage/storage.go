// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package storage implements the append-only JSONL store: one directory
// per source, one file per UTC day, size-based rotation, per-source write
// buffering and optional gzip compression.
//
// Layout: {base}/{source}/{YYYY-MM-DD}[.{n}].jsonl[.gz]
package storage

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/matrixwatcher/agent/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultMaxFileSize triggers rotation to the next index.
	DefaultMaxFileSize = 100 * 1024 * 1024
	// DefaultBufferSize is the per-source record buffer.
	DefaultBufferSize = 1000

	writeAttempts = 3
	retryBaseWait = 100 * time.Millisecond
)

// Record is one JSONL line. Every record must carry "timestamp" and
// "source".
type Record = map[string]interface{}

// Stats is a snapshot of store counters.
type Stats struct {
	TotalWritten  int64 `json:"total_written"`
	TotalBuffered int64 `json:"total_buffered"`
	WriteErrors   int64 `json:"write_errors"`
}

type stream struct {
	m      sync.Mutex
	source string
	buffer []Record

	// Rotation state for the current UTC day.
	date  string
	index int
}

// Store writes and reads per-source JSONL files. Each source stream has its
// own mutex; there is no global write lock.
type Store struct {
	basePath    string
	maxFileSize int64
	bufferSize  int
	compress    bool
	clk         clock.Clock

	m       sync.Mutex
	streams map[string]*stream

	written   atomic.Int64
	errors    atomic.Int64
	sleepFunc func(time.Duration)
}

// Option configures the store.
type Option func(*Store)

// WithMaxFileSize overrides the rotation threshold in bytes.
func WithMaxFileSize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxFileSize = n
		}
	}
}

// WithBufferSize overrides the per-source buffer length.
func WithBufferSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithCompression enables gzip output files.
func WithCompression(on bool) Option {
	return func(s *Store) { s.compress = on }
}

// WithClock injects a clock, used by tests for date bucketing.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clk = c }
}

// New builds a store rooted at basePath, creating it if needed.
func New(basePath string, opts ...Option) (*Store, error) {
	s := &Store{
		basePath:    basePath,
		maxFileSize: DefaultMaxFileSize,
		bufferSize:  DefaultBufferSize,
		clk:         clock.New(),
		streams:     make(map[string]*stream),
		sleepFunc:   time.Sleep,
	}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage root")
	}
	return s, nil
}

// Write buffers one record on its source stream, flushing when the buffer
// fills. Records missing timestamp or source are rejected.
func (s *Store) Write(rec Record) error {
	src, _ := rec["source"].(string)
	if src == "" {
		return errors.New("record has no source")
	}
	if _, ok := rec["timestamp"]; !ok {
		return errors.New("record has no timestamp")
	}

	st := s.stream(src)
	st.m.Lock()
	defer st.m.Unlock()
	st.buffer = append(st.buffer, rec)
	if len(st.buffer) >= s.bufferSize {
		return s.flushLocked(st)
	}
	return nil
}

// Flush forces every buffered record to disk. Per-stream failures are
// collected; writing continues for the other streams.
func (s *Store) Flush() error {
	s.m.Lock()
	streams := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.m.Unlock()

	var firstErr error
	for _, st := range streams {
		st.m.Lock()
		err := s.flushLocked(st)
		st.m.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FlushSource flushes one source's buffer.
func (s *Store) FlushSource(source string) error {
	st := s.stream(source)
	st.m.Lock()
	defer st.m.Unlock()
	return s.flushLocked(st)
}

// BufferedCount returns the number of unflushed records for a source.
func (s *Store) BufferedCount(source string) int {
	st := s.stream(source)
	st.m.Lock()
	defer st.m.Unlock()
	return len(st.buffer)
}

// Stats snapshots the store counters.
func (s *Store) Stats() Stats {
	s.m.Lock()
	buffered := int64(0)
	for _, st := range s.streams {
		st.m.Lock()
		buffered += int64(len(st.buffer))
		st.m.Unlock()
	}
	s.m.Unlock()
	return Stats{
		TotalWritten:  s.written.Load(),
		TotalBuffered: buffered,
		WriteErrors:   s.errors.Load(),
	}
}

func (s *Store) stream(source string) *stream {
	s.m.Lock()
	defer s.m.Unlock()
	st, ok := s.streams[source]
	if !ok {
		st = &stream{source: source}
		s.streams[source] = st
	}
	return st
}

// flushLocked writes the buffered records with up to three attempts and a
// linearly increasing wait between them. On final failure the records go
// back into the buffer and the error is surfaced.
func (s *Store) flushLocked(st *stream) error {
	if len(st.buffer) == 0 {
		return nil
	}
	pending := st.buffer
	st.buffer = nil

	lines := make([][]byte, 0, len(pending))
	for _, rec := range pending {
		b, err := json.Marshal(rec)
		if err != nil {
			log.Warnf("storage: dropping unencodable record for %s: %v", st.source, err) //nolint:errcheck
			continue
		}
		lines = append(lines, b)
	}

	var lastErr error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		if lastErr != nil {
			s.sleepFunc(time.Duration(attempt-1) * retryBaseWait)
		}
		if lastErr = s.appendLines(st, lines); lastErr == nil {
			s.written.Add(int64(len(lines)))
			return nil
		}
		log.Warnf("storage: write attempt %d/%d for %s failed: %v", attempt, writeAttempts, st.source, lastErr) //nolint:errcheck
	}

	st.buffer = append(pending, st.buffer...)
	s.errors.Inc()
	return errors.Wrapf(lastErr, "flush %s", st.source)
}

func (s *Store) appendLines(st *stream, lines [][]byte) error {
	path, err := s.currentFile(st)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if s.compress {
		// Each flush appends a complete gzip member; concatenated
		// members read back as one stream.
		gz = gzip.NewWriter(f)
		w = gz
	}
	for _, line := range lines {
		if _, err := w.Write(append(line, '\n')); err != nil {
			return errors.Wrap(err, "write")
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return errors.Wrap(err, "close gzip member")
		}
	}
	return f.Sync()
}

// currentFile resolves the active file for the stream, bumping the rotation
// index when the current file exceeds the size limit. Dates are UTC so a
// local midnight never splits a day across two files.
func (s *Store) currentFile(st *stream) (string, error) {
	dir := filepath.Join(s.basePath, st.source)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create source dir")
	}

	today := s.clk.Now().UTC().Format("2006-01-02")
	if st.date != today {
		st.date = today
		st.index = s.latestIndex(dir, today)
	}

	for {
		path := filepath.Join(dir, s.fileName(st.date, st.index))
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return path, nil
		}
		if err != nil {
			return "", errors.Wrap(err, "stat")
		}
		if info.Size() < s.maxFileSize {
			return path, nil
		}
		st.index++
		log.Infof("storage: rotating %s/%s to index %d", st.source, st.date, st.index)
	}
}

func (s *Store) fileName(date string, index int) string {
	name := date
	if index > 0 {
		name = fmt.Sprintf("%s.%d", date, index)
	}
	name += ".jsonl"
	if s.compress {
		name += ".gz"
	}
	return name
}

var fileRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})(?:\.(\d+))?\.jsonl(?:\.gz)?$`)

// latestIndex finds the highest existing rotation index for a date so a
// restart keeps appending to the newest file.
func (s *Store) latestIndex(dir, date string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	max := 0
	for _, e := range entries {
		m := fileRe.FindStringSubmatch(e.Name())
		if m == nil || m[1] != date {
			continue
		}
		if m[2] != "" {
			if n, err := strconv.Atoi(m[2]); err == nil && n > max {
				max = n
			}
		}
	}
	return max
}

// Read returns the records for one source between two UTC dates inclusive,
// in append order. Malformed lines are skipped with a warning.
func (s *Store) Read(source string, from, to time.Time) ([]Record, error) {
	dir := filepath.Join(s.basePath, source)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read source dir")
	}

	fromDate := from.UTC().Format("2006-01-02")
	toDate := to.UTC().Format("2006-01-02")

	type part struct {
		name  string
		date  string
		index int
	}
	var parts []part
	for _, e := range entries {
		m := fileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if m[1] < fromDate || m[1] > toDate {
			continue
		}
		idx := 0
		if m[2] != "" {
			idx, _ = strconv.Atoi(m[2])
		}
		parts = append(parts, part{name: e.Name(), date: m[1], index: idx})
	}
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].date != parts[j].date {
			return parts[i].date < parts[j].date
		}
		return parts[i].index < parts[j].index
	})

	var out []Record
	for _, p := range parts {
		recs, err := s.readFile(filepath.Join(dir, p.name))
		if err != nil {
			return out, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (s *Store) readFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	defer f.Close()

	var r io.Reader = f
	if filepath.Ext(path) == ".gz" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip")
		}
		defer gz.Close()
		r = gz
	}

	var out []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Warnf("storage: skipping malformed line %d in %s: %v", lineNo, path, err) //nolint:errcheck
			continue
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
