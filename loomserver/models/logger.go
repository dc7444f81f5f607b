package models

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RunLogger appends JSONL log lines to a per-run file. Output is
// written as it is produced; readers can tail the file while the run
// is still in flight.
type RunLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

func NewRunLogger(baseDir string, id RunID) (*RunLogger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	path := LogFilePath(baseDir, id)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &RunLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

func LogFilePath(baseDir string, id RunID) string {
	return filepath.Join(baseDir, fmt.Sprintf("%s.log", id))
}

func (l *RunLogger) Close() error {
	return l.file.Close()
}

func (l *RunLogger) encode(entry LogLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(entry)
}

// DataWriter returns an io.Writer that records step output on the
// given stream ("stdout" or "stderr").
func (l *RunLogger) DataWriter(job string, idx int, stream string) io.Writer {
	return &dataWriter{
		logger: l,
		job:    job,
		idx:    idx,
		stream: stream,
	}
}

// Control emits a step boundary record: started, success, failed.
func (l *RunLogger) Control(job string, idx int, step string, status Status) error {
	return l.encode(NewControlLogLine(job, idx, step, status))
}

type LogLine struct {
	Kind   string `json:"kind"` // "data" or "control"
	Job    string `json:"job"`
	Step   int    `json:"step"`
	Stream string `json:"stream,omitempty"`
	Data   string `json:"data,omitempty"`
	Name   string `json:"name,omitempty"`
	Status Status `json:"status,omitempty"`
	Time   string `json:"time"`
}

func NewDataLogLine(job string, idx int, line, stream string) LogLine {
	return LogLine{
		Kind:   "data",
		Job:    job,
		Step:   idx,
		Stream: stream,
		Data:   line,
		Time:   time.Now().Format(time.RFC3339Nano),
	}
}

func NewControlLogLine(job string, idx int, step string, status Status) LogLine {
	return LogLine{
		Kind:   "control",
		Job:    job,
		Step:   idx,
		Name:   step,
		Status: status,
		Time:   time.Now().Format(time.RFC3339Nano),
	}
}

type dataWriter struct {
	logger *RunLogger
	job    string
	idx    int
	stream string
}

func (w *dataWriter) Write(p []byte) (int, error) {
	for line := range strings.Lines(string(p)) {
		line = strings.TrimRight(line, "\r\n")
		if err := w.logger.encode(NewDataLogLine(w.job, w.idx, line, w.stream)); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
