// Package metrics emits named scalar training metrics keyed by global
// step. Sinks are pluggable: a JSONL file for offline analysis, the
// logger for console visibility, and an HTTP endpoint for live watching.
package metrics

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/samcharles93/electra/internal/logger"
)

// Sink consumes one metrics record per logging interval.
type Sink interface {
	Log(step int64, values map[string]float64) error
	Close() error
}

// Record is the serialised form of one emission.
type Record struct {
	RunID  string             `json:"run_id"`
	Step   int64              `json:"step"`
	Time   time.Time          `json:"time"`
	Values map[string]float64 `json:"values"`
}

// JSONLSink appends one JSON record per line to a file. Every record
// carries the run id assigned when the sink was created, so interleaved
// or resumed runs stay distinguishable.
type JSONLSink struct {
	runID string
	mu    sync.Mutex
	f     *os.File
}

// NewJSONL creates (or truncates) the metrics file.
func NewJSONL(path string) (*JSONLSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{runID: uuid.NewString(), f: f}, nil
}

// RunID returns the sink's run identifier.
func (s *JSONLSink) RunID() string { return s.runID }

func (s *JSONLSink) Log(step int64, values map[string]float64) error {
	rec := Record{RunID: s.runID, Step: step, Time: time.Now().UTC(), Values: values}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// LogSink mirrors metrics to the logger.
type LogSink struct {
	log logger.Logger
}

// NewLogSink wraps a logger as a sink.
func NewLogSink(log logger.Logger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Log(step int64, values map[string]float64) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, 2+2*len(keys))
	args = append(args, "step", step)
	for _, k := range keys {
		args = append(args, k, values[k])
	}
	s.log.Info("train metrics", args...)
	return nil
}

func (s *LogSink) Close() error { return nil }

// Multi fans one record out to several sinks, returning the first error.
type Multi []Sink

func (m Multi) Log(step int64, values map[string]float64) error {
	for _, s := range m {
		if err := s.Log(step, values); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
