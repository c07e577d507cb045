package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/expr-lang/expr"

	"github.com/mjelen/payrun/pkg/assertions"
	"github.com/mjelen/payrun/pkg/dispatch"
	"github.com/mjelen/payrun/pkg/poll"
	"github.com/mjelen/payrun/pkg/schema"
	"github.com/mjelen/payrun/pkg/vars"
)

// DefaultRetryInterval paces sync steps that poll for a status change.
const DefaultRetryInterval = 5 * time.Second

// Orchestrator executes one workflow against one (connector, scenario)
// combination. Assertion failures are recorded and execution continues;
// only infrastructure failures abort: a dispatch error, a broken when
// guard, or a missing hard-dependency variable.
type Orchestrator struct {
	Workflow   *schema.Workflow
	Store      *vars.Store
	Dispatcher dispatch.Dispatcher
	Sleeper    poll.Sleeper
	Logger     *slog.Logger
	Trace      *TraceWriter // optional

	RunID     string
	Connector string
	Scenario  string

	phase Phase
}

// NewOrchestrator wires an orchestrator with a real sleeper.
func NewOrchestrator(wf *schema.Workflow, store *vars.Store, d dispatch.Dispatcher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Workflow:   wf,
		Store:      store,
		Dispatcher: d,
		Sleeper:    poll.RealSleeper{},
		Logger:     logger,
		phase:      PhaseNotStarted,
	}
}

// Phase returns the current run state.
func (o *Orchestrator) Phase() Phase { return o.phase }

// Run walks the workflow's steps in order. The returned result is always
// populated with the records accumulated so far; err is non-nil exactly
// when the run aborted.
func (o *Orchestrator) Run(ctx context.Context) (*WorkflowResult, error) {
	o.phase = PhaseRunning
	result := &WorkflowResult{
		Workflow:  o.Workflow.Meta.Name,
		Connector: o.Connector,
		Scenario:  o.Scenario,
		Phase:     PhaseRunning,
		StartedAt: time.Now(),
	}

	o.SeedMetaVars()

	var abortErr error
	for _, step := range o.Workflow.Steps {
		rec, err := o.runStep(ctx, step)
		result.Steps = append(result.Steps, rec)
		o.traceStep(rec)
		if err != nil {
			abortErr = fmt.Errorf("step %q: %w", step.ID, err)
			break
		}
	}

	result.EndedAt = time.Now()
	if abortErr != nil {
		o.phase = PhaseAborted
		result.Phase = PhaseAborted
		result.AbortReason = abortErr.Error()
		o.Logger.Error("workflow aborted",
			slog.String("workflow", o.Workflow.Meta.Name),
			slog.String("connector", o.Connector),
			slog.String("error", abortErr.Error()))
		return result, abortErr
	}

	o.phase = PhaseCompleted
	result.Phase = PhaseCompleted
	o.Logger.Info("workflow completed",
		slog.String("workflow", o.Workflow.Meta.Name),
		slog.String("connector", o.Connector),
		slog.Bool("assertions_passed", result.AssertionsPassed()))
	return result, nil
}

// ExecuteStep runs a single step by index and records it in the trace.
// This is the entry point the debug REPL steps through.
func (o *Orchestrator) ExecuteStep(ctx context.Context, index int) (*StepRecord, error) {
	if index < 0 || index >= len(o.Workflow.Steps) {
		return nil, fmt.Errorf("step index %d out of range [0, %d)", index, len(o.Workflow.Steps))
	}
	rec, err := o.runStep(ctx, o.Workflow.Steps[index])
	o.traceStep(rec)
	return rec, err
}

// SeedMetaVars loads meta.vars into the store without overwriting values
// already present. Run does this itself; single-step callers do it once up
// front.
func (o *Orchestrator) SeedMetaVars() {
	for k, v := range o.Workflow.Meta.Vars {
		if !o.Store.Has(k) {
			o.Store.Set(k, o.Store.Render(v))
		}
	}
}

// runStep executes one step. A non-nil error aborts the workflow.
func (o *Orchestrator) runStep(ctx context.Context, step schema.Step) (*StepRecord, error) {
	rec := &StepRecord{
		StepID:    step.ID,
		Title:     step.Title,
		Operation: step.Operation,
		StartedAt: time.Now(),
	}
	defer func() { rec.EndedAt = time.Now() }()

	if step.When != "" {
		matched, err := o.evalWhen(step.When)
		if err != nil {
			return rec, fmt.Errorf("when guard: %w", err)
		}
		if !matched {
			rec.Skipped = true
			rec.SkipReason = fmt.Sprintf("when: %s", step.When)
			o.Logger.Info("step skipped",
				slog.String("step", step.ID), slog.String("when", step.When))
			return rec, nil
		}
	}

	for _, name := range step.Require {
		if !o.Store.Has(name) {
			return rec, fmt.Errorf("required variable %q is not set", name)
		}
	}

	req := o.buildRequest(step.Request)
	rec.Method = req.Method
	rec.Path = req.Path

	maxAttempts := 1
	interval := DefaultRetryInterval
	if step.Retry != nil {
		maxAttempts = step.Retry.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		if step.Retry.IntervalSeconds > 0 {
			interval = time.Duration(step.Retry.IntervalSeconds) * time.Second
		}
	}

	var (
		resp   *dispatch.Response
		body   map[string]any
		report *assertions.Report
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rec.Attempts = attempt

		var err error
		resp, err = o.Dispatcher.Dispatch(ctx, req)
		if err != nil {
			return rec, fmt.Errorf("dispatch %s %s: %w", req.Method, req.Path, err)
		}
		rec.StatusCode = resp.StatusCode
		rec.ResponseBody = string(resp.Body)

		body = map[string]any{}
		if len(resp.Body) > 0 {
			if err := json.Unmarshal(resp.Body, &body); err != nil {
				body = map[string]any{}
				o.diagnose(rec, fmt.Sprintf("response body is not a JSON object: %v", err))
			}
		}

		report = assertions.Evaluate(resp, body, step.Assertions, o.Store)
		rec.Assertions = report

		if attempt == maxAttempts || paymentStatusSettled(report) {
			break
		}
		o.Logger.Info("status not settled, retrying",
			slog.String("step", step.ID),
			slog.Int("attempt", attempt),
			slog.Duration("interval", interval))
		if err := o.Sleeper.Sleep(ctx, interval); err != nil {
			return rec, fmt.Errorf("retry wait: %w", err)
		}
	}

	if len(step.Extract) > 0 {
		rec.Extracted = make(map[string]string)
		for name, pointer := range step.Extract {
			value, ok := assertions.LookupPointer(body, pointer)
			if !ok {
				o.diagnose(rec, fmt.Sprintf("extraction miss: %s not present for variable %q", pointer, name))
				continue
			}
			o.Store.Set(name, value)
			rec.Extracted[name] = vars.Stringify(value)
		}
	}

	if !report.Passed() {
		o.Logger.Warn("step assertions failed",
			slog.String("step", step.ID),
			slog.Int("failures", len(report.Failures())))
	}
	return rec, nil
}

// paymentStatusSettled reports whether every payment-status assertion in
// the report passed. Reports without one count as settled, so only sync
// style steps keep retrying.
func paymentStatusSettled(report *assertions.Report) bool {
	for _, r := range report.Results {
		if r.Type == "payment_status" && !r.Passed {
			return false
		}
	}
	return true
}

func (o *Orchestrator) buildRequest(t *schema.RequestTemplate) *dispatch.Request {
	req := &dispatch.Request{
		Method: t.Method,
		Path:   o.Store.Render(t.Path),
	}
	if len(t.Headers) > 0 {
		req.Headers = make(map[string]string, len(t.Headers))
		for k, v := range t.Headers {
			req.Headers[k] = o.Store.Render(v)
		}
	}
	if t.Body != "" {
		req.Body = []byte(o.Store.Render(t.Body))
	}
	return req
}

// evalWhen evaluates an expr condition against the variable store.
func (o *Orchestrator) evalWhen(condition string) (bool, error) {
	env := o.Store.Snapshot()
	program, err := expr.Compile(condition, expr.Env(env), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", condition, err)
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval condition %q: %w", condition, err)
	}
	matched, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool (got %T)", condition, output)
	}
	return matched, nil
}

func (o *Orchestrator) diagnose(rec *StepRecord, msg string) {
	rec.Diagnostics = append(rec.Diagnostics, msg)
	o.Logger.Warn(msg, slog.String("step", rec.StepID))
}

func (o *Orchestrator) traceStep(rec *StepRecord) {
	if o.Trace == nil {
		return
	}
	event := &TraceEvent{
		Type:      "step_result",
		Timestamp: time.Now(),
		RunID:     o.RunID,
		Connector: o.Connector,
		Scenario:  o.Scenario,
		Workflow:  o.Workflow.Meta.Name,
		Step:      rec,
	}
	if err := o.Trace.Write(event); err != nil {
		o.Logger.Warn("trace write failed", slog.String("error", err.Error()))
	}
}
