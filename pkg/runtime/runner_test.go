package runtime

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mjelen/payrun/pkg/dispatch"
	"github.com/mjelen/payrun/pkg/fixture"
	"github.com/mjelen/payrun/pkg/schema"
)

const runnerFixtures = `
connectors:
  stripe:
    scenarios:
      No3DS:
        card:
          number: "4242424242424242"
          exp_month: "10"
          exp_year: "2030"
          cvc: "123"
        currency: USD
        successful_state: requires_capture
        successful_sync_state: succeeded
`

func runnerRegistry(t *testing.T) *fixture.Registry {
	t.Helper()
	reg, err := fixture.Parse(strings.NewReader(runnerFixtures))
	if err != nil {
		t.Fatalf("parse fixtures: %v", err)
	}
	return reg
}

func TestRunnerExecutesMatrix(t *testing.T) {
	d := dispatch.NewScriptedDispatcher()
	d.Script("POST", "/payments", dispatch.JSONResponse(200,
		`{"payment_id":"pay_1","status":"requires_capture"}`))
	d.Script("POST", "/payments/pay_1/capture", dispatch.JSONResponse(200,
		`{"payment_id":"pay_1","status":"succeeded"}`))

	var (
		mu     sync.Mutex
		events []ProgressEvent
	)
	r := &Runner{
		Workflows:  []*schema.Workflow{manualCaptureWorkflow()},
		Fixtures:   runnerRegistry(t),
		Connectors: []string{"stripe"},
		Logger:     testLogger(),
		BaseURL:    "http://127.0.0.1:9999",
		OutDir:     t.TempDir(),
		NewDispatcher: func(string) dispatch.Dispatcher {
			return d
		},
		Progress: func(ev ProgressEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	}

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(res.Results))
	}
	wr := res.Results[0]
	if wr.Phase != PhaseCompleted {
		t.Errorf("phase = %s (%s)", wr.Phase, wr.AbortReason)
	}
	if !wr.AssertionsPassed() {
		t.Errorf("assertions failed: %+v", wr.Steps)
	}
	if res.ExitCode() != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode())
	}

	// The fixture's expectation flows into the payment-status assertion via
	// the expected_status variable.
	create := wr.Steps[0]
	if !create.Passed() {
		t.Errorf("create step failed: %+v", create.Assertions.Failures())
	}

	if len(events) != 2 {
		t.Errorf("got %d progress events, want start and done", len(events))
	}
}

func TestRunnerWritesArtifacts(t *testing.T) {
	outDir := t.TempDir()
	d := dispatch.NewScriptedDispatcher()
	d.Script("POST", "/payments", dispatch.JSONResponse(200,
		`{"payment_id":"pay_1","status":"requires_capture","card_number":"4242424242424242"}`))
	d.Script("POST", "/payments/pay_1/capture", dispatch.JSONResponse(200,
		`{"payment_id":"pay_1","status":"succeeded"}`))

	r := &Runner{
		Workflows:     []*schema.Workflow{manualCaptureWorkflow()},
		Fixtures:      runnerRegistry(t),
		Connectors:    []string{"stripe"},
		Logger:        testLogger(),
		BaseURL:       "http://127.0.0.1:9999",
		OutDir:        outDir,
		NewDispatcher: func(string) dispatch.Dispatcher { return d },
	}
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	baseDir := filepath.Join(outDir, res.RunID)
	trace, err := os.ReadFile(filepath.Join(baseDir, "trace.jsonl"))
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	if lines := strings.Count(strings.TrimSpace(string(trace)), "\n") + 1; lines != 2 {
		t.Errorf("trace has %d events, want one per step", lines)
	}
	if strings.Contains(string(trace), "4242424242424242") {
		t.Error("full card number reached the trace file")
	}

	manifest, err := os.ReadFile(filepath.Join(baseDir, "run.yaml"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if !strings.Contains(string(manifest), "exit_code: 0") {
		t.Errorf("manifest missing exit code:\n%s", manifest)
	}
	if !strings.Contains(string(manifest), "workflow: manual-capture") {
		t.Errorf("manifest missing combination entry:\n%s", manifest)
	}
}

func TestRunnerUnconfiguredScenarioAborts(t *testing.T) {
	wf := manualCaptureWorkflow()
	wf.Meta.Vars = map[string]string{"scenario": "3DS"} // not in the fixtures

	r := &Runner{
		Workflows:     []*schema.Workflow{wf},
		Fixtures:      runnerRegistry(t),
		Connectors:    []string{"stripe"},
		Logger:        testLogger(),
		BaseURL:       "http://127.0.0.1:9999",
		OutDir:        t.TempDir(),
		NewDispatcher: func(string) dispatch.Dispatcher { return dispatch.NewScriptedDispatcher() },
	}
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Results[0].Phase != PhaseAborted {
		t.Errorf("phase = %s, unconfigured scenario must abort", res.Results[0].Phase)
	}
	if res.ExitCode() != 1 {
		t.Errorf("ExitCode = %d, want 1 for infrastructure failure", res.ExitCode())
	}
}

func TestRunnerIsolatesCombinations(t *testing.T) {
	// Two workflows over one connector: each combination gets its own
	// dispatcher and store, so extraction in one cannot leak into the other.
	wfA := manualCaptureWorkflow()
	wfB := manualCaptureWorkflow()
	wfB.Meta.Name = "manual-capture-b"

	var (
		mu          sync.Mutex
		dispatchers []*dispatch.ScriptedDispatcher
	)
	r := &Runner{
		Workflows:  []*schema.Workflow{wfA, wfB},
		Fixtures:   runnerRegistry(t),
		Connectors: []string{"stripe"},
		Logger:     testLogger(),
		BaseURL:    "http://127.0.0.1:9999",
		OutDir:     t.TempDir(),
		NewDispatcher: func(string) dispatch.Dispatcher {
			d := dispatch.NewScriptedDispatcher()
			d.Script("POST", "/payments", dispatch.JSONResponse(200,
				`{"payment_id":"pay_1","status":"requires_capture"}`))
			d.Script("POST", "/payments/pay_1/capture", dispatch.JSONResponse(200,
				`{"payment_id":"pay_1","status":"succeeded"}`))
			mu.Lock()
			dispatchers = append(dispatchers, d)
			mu.Unlock()
			return d
		},
	}
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(res.Results))
	}
	for _, wr := range res.Results {
		if wr.Phase != PhaseCompleted {
			t.Errorf("%s: phase = %s (%s)", wr.Workflow, wr.Phase, wr.AbortReason)
		}
	}
	if len(dispatchers) != 2 {
		t.Errorf("combinations shared a dispatcher: got %d", len(dispatchers))
	}
	// Deterministic ordering regardless of goroutine scheduling.
	if res.Results[0].Workflow != "manual-capture" || res.Results[1].Workflow != "manual-capture-b" {
		t.Errorf("results not sorted: %s, %s", res.Results[0].Workflow, res.Results[1].Workflow)
	}
}
