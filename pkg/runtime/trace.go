package runtime

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mjelen/payrun/pkg/redact"
)

// TraceEvent is one JSONL record in trace.jsonl.
type TraceEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"ts"`
	RunID     string      `json:"run_id"`
	Connector string      `json:"connector,omitempty"`
	Scenario  string      `json:"scenario,omitempty"`
	Workflow  string      `json:"workflow,omitempty"`
	Step      *StepRecord `json:"step,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// TraceWriter appends redacted events to a JSONL trace file. Safe for
// concurrent use; the matrix goroutines share one writer.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	rules  []*redact.Rule
}

// NewTraceWriter creates a trace writer appending to path. Every event
// passes through the redaction rules before it reaches disk.
func NewTraceWriter(path string, rules []*redact.Rule) (*TraceWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &TraceWriter{
		file:   f,
		writer: bufio.NewWriter(f),
		rules:  rules,
	}, nil
}

// Write appends one event and flushes to disk at the step boundary.
func (tw *TraceWriter) Write(event *TraceEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode trace event: %w", err)
	}
	line := redact.Apply(string(data), tw.rules)

	tw.mu.Lock()
	defer tw.mu.Unlock()
	if _, err := tw.writer.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("flush trace: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("sync trace: %w", err)
	}
	return nil
}

// Close flushes and closes the trace file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if err := tw.writer.Flush(); err != nil {
		return err
	}
	return tw.file.Close()
}
