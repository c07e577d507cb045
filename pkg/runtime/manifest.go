package runtime

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RunManifest is the run.yaml summary written next to trace.jsonl when a
// run finishes.
type RunManifest struct {
	RunID     string          `yaml:"run_id"`
	StartedAt string          `yaml:"started_at"`
	EndedAt   string          `yaml:"ended_at"`
	ExitCode  int             `yaml:"exit_code"`
	Failures  int             `yaml:"assertion_failures"`
	Results   []ManifestEntry `yaml:"results"`
}

// ManifestEntry summarizes one (workflow, connector, scenario) combination.
type ManifestEntry struct {
	Workflow    string `yaml:"workflow"`
	Connector   string `yaml:"connector"`
	Scenario    string `yaml:"scenario"`
	Phase       string `yaml:"phase"`
	Steps       int    `yaml:"steps"`
	Failures    int    `yaml:"assertion_failures"`
	AbortReason string `yaml:"abort_reason,omitempty"`
}

// BuildManifest produces a manifest from a finished run.
func BuildManifest(r *RunResult) *RunManifest {
	m := &RunManifest{
		RunID:     r.RunID,
		StartedAt: r.StartedAt.UTC().Format(time.RFC3339),
		EndedAt:   r.EndedAt.UTC().Format(time.RFC3339),
		ExitCode:  r.ExitCode(),
		Failures:  r.FailureCount(),
	}
	for _, res := range r.Results {
		m.Results = append(m.Results, ManifestEntry{
			Workflow:    res.Workflow,
			Connector:   res.Connector,
			Scenario:    res.Scenario,
			Phase:       string(res.Phase),
			Steps:       len(res.Steps),
			Failures:    res.FailureCount(),
			AbortReason: res.AbortReason,
		})
	}
	return m
}

// WriteManifest writes run.yaml to path.
func WriteManifest(path string, r *RunResult) error {
	data, err := yaml.Marshal(BuildManifest(r))
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
