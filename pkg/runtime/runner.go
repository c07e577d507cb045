package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mjelen/payrun/pkg/dispatch"
	"github.com/mjelen/payrun/pkg/fixture"
	"github.com/mjelen/payrun/pkg/mockserver"
	"github.com/mjelen/payrun/pkg/poll"
	"github.com/mjelen/payrun/pkg/process"
	"github.com/mjelen/payrun/pkg/redact"
	"github.com/mjelen/payrun/pkg/schema"
	"github.com/mjelen/payrun/pkg/vars"
)

// DefaultScenario is used when a workflow names no scenario in meta.vars.
const DefaultScenario = "No3DS"

// ProgressEvent is emitted as combinations start and finish. Consumed by
// the TUI and the plain progress printer.
type ProgressEvent struct {
	Workflow  string
	Connector string
	Scenario  string
	Phase     Phase
	Done      bool
	Failures  int
}

// Runner executes every workflow against every connector under test, one
// goroutine per combination, with the server under test and the mock
// connector servers supervised around the fan-out.
type Runner struct {
	Workflows  []*schema.Workflow
	Fixtures   *fixture.Registry
	Connectors []string
	Mocks      *mockserver.Manager // nil when dispatching at an external server only
	Logger     *slog.Logger

	BaseURL string // server under test; empty means dispatch at each connector's mock
	APIKey  string
	Auth    map[string]map[string]string // connector -> credential vars

	ServerCommand []string // optional server-under-test argv, spawned per run
	OutDir        string   // artifact root, default .payrun/runs

	// NewDispatcher overrides dispatcher construction. Tests inject
	// scripted dispatchers here.
	NewDispatcher func(baseURL string) dispatch.Dispatcher
	Progress      func(ProgressEvent)
}

type combination struct {
	workflow  *schema.Workflow
	connector string
	scenario  string
	fix       *fixture.Scenario
	abortErr  error // set when the combination cannot run at all
}

// Run executes the matrix. The returned error covers setup failures only;
// per-combination infrastructure failures are recorded as aborted results
// and surface through RunResult.ExitCode.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	outDir := r.OutDir
	if outDir == "" {
		outDir = filepath.Join(".payrun", "runs")
	}

	runID := GenerateRunID()
	baseDir := filepath.Join(outDir, runID)
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	trace, err := NewTraceWriter(filepath.Join(baseDir, "trace.jsonl"), redact.Defaults())
	if err != nil {
		return nil, err
	}
	defer trace.Close()

	if r.Mocks != nil {
		if err := r.Mocks.Validate(r.Connectors); err != nil {
			return nil, err
		}
	}

	result := &RunResult{RunID: runID, StartedAt: time.Now()}

	if len(r.ServerCommand) > 0 {
		sut, err := r.startServerUnderTest(ctx)
		if err != nil {
			return nil, err
		}
		defer sut.Stop()
	}

	down := make(map[string]error)
	if r.Mocks != nil {
		defer r.Mocks.StopAll()
		for _, connector := range r.Connectors {
			if err := r.Mocks.Start(ctx, connector); err != nil {
				r.Logger.Error("mock startup failed",
					slog.String("connector", connector), slog.String("error", err.Error()))
				down[connector] = err
			}
		}
	}

	combos := r.combinations(down)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, c := range combos {
		wg.Add(1)
		go func(c combination) {
			defer wg.Done()
			res := r.runCombination(ctx, runID, trace, c)
			mu.Lock()
			result.Results = append(result.Results, res)
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	sort.Slice(result.Results, func(i, j int) bool {
		a, b := result.Results[i], result.Results[j]
		if a.Workflow != b.Workflow {
			return a.Workflow < b.Workflow
		}
		if a.Connector != b.Connector {
			return a.Connector < b.Connector
		}
		return a.Scenario < b.Scenario
	})
	result.EndedAt = time.Now()

	if err := WriteManifest(filepath.Join(baseDir, "run.yaml"), result); err != nil {
		r.Logger.Warn("manifest write failed", slog.String("error", err.Error()))
	}
	return result, nil
}

// combinations expands workflows x connectors, resolving each combination's
// fixture scenario up front. Combinations that cannot run carry abortErr.
func (r *Runner) combinations(down map[string]error) []combination {
	var combos []combination
	for _, wf := range r.Workflows {
		scenario := wf.Meta.Vars["scenario"]
		if scenario == "" {
			scenario = DefaultScenario
		}
		for _, connector := range r.Connectors {
			c := combination{workflow: wf, connector: connector, scenario: scenario}
			if err, bad := down[connector]; bad {
				c.abortErr = err
			} else if fix, err := r.Fixtures.Lookup(connector, scenario); err != nil {
				c.abortErr = err
			} else {
				c.fix = fix
			}
			combos = append(combos, c)
		}
	}
	return combos
}

func (r *Runner) runCombination(ctx context.Context, runID string, trace *TraceWriter, c combination) *WorkflowResult {
	r.emit(ProgressEvent{
		Workflow: c.workflow.Meta.Name, Connector: c.connector,
		Scenario: c.scenario, Phase: PhaseRunning,
	})

	if c.abortErr != nil {
		res := &WorkflowResult{
			Workflow:    c.workflow.Meta.Name,
			Connector:   c.connector,
			Scenario:    c.scenario,
			Phase:       PhaseAborted,
			AbortReason: c.abortErr.Error(),
			StartedAt:   time.Now(),
			EndedAt:     time.Now(),
		}
		r.emit(ProgressEvent{
			Workflow: res.Workflow, Connector: res.Connector,
			Scenario: res.Scenario, Phase: PhaseAborted, Done: true,
		})
		return res
	}

	store := vars.New(r.Logger)
	seedStore(store, c.connector, c.fix)
	for name, value := range r.Auth[c.connector] {
		store.Set(name, value)
	}

	baseURL := r.BaseURL
	if baseURL == "" && r.Mocks != nil {
		baseURL, _ = r.Mocks.BaseURL(c.connector)
	}
	var d dispatch.Dispatcher
	if r.NewDispatcher != nil {
		d = r.NewDispatcher(baseURL)
	} else {
		d = dispatch.NewHTTPDispatcher(baseURL, r.APIKey)
	}

	o := NewOrchestrator(c.workflow, store, d, r.Logger)
	o.RunID = runID
	o.Connector = c.connector
	o.Scenario = c.scenario
	o.Trace = trace

	res, _ := o.Run(ctx)
	r.emit(ProgressEvent{
		Workflow: res.Workflow, Connector: res.Connector, Scenario: res.Scenario,
		Phase: res.Phase, Done: true, Failures: res.FailureCount(),
	})
	return res
}

// seedStore loads a combination's fixture into its variable store. Workflow
// templates and assertion expectations pull from these names.
func seedStore(store *vars.Store, connector string, fix *fixture.Scenario) {
	store.Set("connector", connector)
	store.Set("card_number", fix.Card.Number)
	store.Set("card_exp_month", fix.Card.ExpMonth)
	store.Set("card_exp_year", fix.Card.ExpYear)
	store.Set("card_cvc", fix.Card.CVC)
	if fix.Card.Holder != "" {
		store.Set("card_holder", fix.Card.Holder)
	}
	store.Set("currency", fix.Currency)
	store.Set("expected_status", fix.SuccessfulState)
	store.Set("expected_sync_status", fix.SuccessfulSyncState)
	if fix.Mandate != nil {
		store.Set("has_mandate", true)
		store.Set("mandate_type", fix.Mandate.Type)
		store.Set("mandate_amount", fix.Mandate.Amount)
		store.Set("mandate_currency", fix.Mandate.Currency)
	} else {
		store.Set("has_mandate", false)
	}
}

func (r *Runner) startServerUnderTest(ctx context.Context) (*process.Handle, error) {
	if r.BaseURL == "" {
		return nil, fmt.Errorf("server command given but no base URL to probe")
	}
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	h, err := process.Start("server-under-test", r.ServerCommand[0], r.ServerCommand[1:], nil, r.Logger)
	if err != nil {
		return nil, err
	}
	p := poll.New(500*time.Millisecond, 60)
	if err := p.WaitForReady(ctx, poll.TCPProber{Addr: u.Host}); err != nil {
		_ = h.Stop()
		return nil, fmt.Errorf("server under test never became ready: %w", err)
	}
	return h, nil
}

func (r *Runner) emit(ev ProgressEvent) {
	if r.Progress != nil {
		r.Progress(ev)
	}
}
