// Package runtime drives workflow execution: one orchestrator walks one
// workflow against one (connector, scenario) combination, and the runner
// fans combinations out across the matrix with supervised processes around
// them.
package runtime

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/mjelen/payrun/pkg/assertions"
)

// Phase is the orchestrator's run state.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseRunning    Phase = "running"
	PhaseCompleted  Phase = "completed"
	PhaseAborted    Phase = "aborted"
)

// GenerateRunID creates a run ID in format YYYYMMDDTHHmmss-xxxx.
func GenerateRunID() string {
	ts := time.Now().Format("20060102T150405")
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("%s-%x", ts, suffix)
}

// StepRecord captures everything observed while executing one step. Aborted
// runs keep the records accumulated up to the abort.
type StepRecord struct {
	StepID    string `json:"step_id"`
	Title     string `json:"title,omitempty"`
	Operation string `json:"operation"`

	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`

	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`

	Attempts   int `json:"attempts,omitempty"`
	StatusCode int `json:"status_code,omitempty"`

	// ResponseBody is the final attempt's raw body, kept for the trace.
	// Redaction happens when the record is serialized out.
	ResponseBody string `json:"response_body,omitempty"`

	Assertions *assertions.Report `json:"assertions,omitempty"`
	Extracted  map[string]string  `json:"extracted,omitempty"`

	// Diagnostics are non-fatal observations: unparseable bodies,
	// extraction misses, unresolved template variables.
	Diagnostics []string `json:"diagnostics,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Passed reports whether every assertion on the step held. Skipped steps
// pass vacuously.
func (s *StepRecord) Passed() bool {
	if s.Skipped || s.Assertions == nil {
		return true
	}
	return s.Assertions.Passed()
}

// WorkflowResult is the outcome of one workflow against one combination.
type WorkflowResult struct {
	Workflow  string `json:"workflow"`
	Connector string `json:"connector"`
	Scenario  string `json:"scenario"`

	Phase Phase `json:"phase"`
	// AbortReason is set only when Phase is PhaseAborted and names the
	// infrastructure failure that stopped execution.
	AbortReason string `json:"abort_reason,omitempty"`

	Steps []*StepRecord `json:"steps"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// AssertionsPassed reports whether every executed step's assertions held.
func (w *WorkflowResult) AssertionsPassed() bool {
	for _, s := range w.Steps {
		if !s.Passed() {
			return false
		}
	}
	return true
}

// FailureCount counts failed assertion results across all steps.
func (w *WorkflowResult) FailureCount() int {
	n := 0
	for _, s := range w.Steps {
		if s.Assertions != nil {
			n += len(s.Assertions.Failures())
		}
	}
	return n
}

// RunResult aggregates the whole matrix.
type RunResult struct {
	RunID     string            `json:"run_id"`
	Results   []*WorkflowResult `json:"results"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
}

// Aborted reports whether any combination hit an infrastructure failure.
func (r *RunResult) Aborted() bool {
	for _, res := range r.Results {
		if res.Phase == PhaseAborted {
			return true
		}
	}
	return false
}

// ExitCode maps the run outcome to a process exit code. Assertion failures
// stay in the report; only infrastructure failure is non-zero.
func (r *RunResult) ExitCode() int {
	if r.Aborted() {
		return 1
	}
	return 0
}

// FailureCount counts failed assertions across the whole run.
func (r *RunResult) FailureCount() int {
	n := 0
	for _, res := range r.Results {
		n += res.FailureCount()
	}
	return n
}
