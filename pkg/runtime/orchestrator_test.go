package runtime

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mjelen/payrun/pkg/dispatch"
	"github.com/mjelen/payrun/pkg/fixture"
	"github.com/mjelen/payrun/pkg/mockserver"
	"github.com/mjelen/payrun/pkg/schema"
	"github.com/mjelen/payrun/pkg/vars"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

type fakeSleeper struct {
	calls int
}

func (f *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	f.calls++
	return nil
}

func manualCaptureWorkflow() *schema.Workflow {
	return &schema.Workflow{
		APIVersion: "workflow/v1",
		Meta:       schema.Meta{Name: "manual-capture"},
		Steps: []schema.Step{
			{
				ID:        "create_payment",
				Operation: "create",
				Request: &schema.RequestTemplate{
					Method: "POST",
					Path:   "/payments",
					Body:   `{"amount":6540,"currency":"{{currency}}","capture_method":"manual"}`,
				},
				Extract: map[string]string{"payment_id": "/payment_id"},
				Assertions: []schema.Assertion{
					{StatusClass: "2xx"},
					{PaymentStatus: []string{"{{expected_status}}"}},
				},
			},
			{
				ID:        "capture_payment",
				Operation: "capture",
				Require:   []string{"payment_id"},
				Request: &schema.RequestTemplate{
					Method: "POST",
					Path:   "/payments/{{payment_id}}/capture",
				},
				Assertions: []schema.Assertion{
					{PaymentStatus: []string{"succeeded"}},
				},
			},
		},
	}
}

func TestRunManualCaptureFlow(t *testing.T) {
	d := dispatch.NewScriptedDispatcher()
	d.Script("POST", "/payments", dispatch.JSONResponse(200,
		`{"payment_id":"pay_1","status":"requires_capture","amount":6540}`))
	d.Script("POST", "/payments/pay_1/capture", dispatch.JSONResponse(200,
		`{"payment_id":"pay_1","status":"succeeded"}`))

	store := vars.New(testLogger())
	store.Set("currency", "USD")
	store.Set("expected_status", "requires_capture")

	o := NewOrchestrator(manualCaptureWorkflow(), store, d, testLogger())
	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Phase != PhaseCompleted {
		t.Errorf("phase = %s, want %s", res.Phase, PhaseCompleted)
	}
	if !res.AssertionsPassed() {
		t.Errorf("assertions failed: %+v", res.Steps)
	}

	reqs := d.Requests()
	if len(reqs) != 2 {
		t.Fatalf("dispatched %d requests, want 2", len(reqs))
	}
	if reqs[0].Body == nil || !strings.Contains(string(reqs[0].Body), `"currency":"USD"`) {
		t.Errorf("create body not rendered: %s", reqs[0].Body)
	}
	if reqs[1].Path != "/payments/pay_1/capture" {
		t.Errorf("capture path = %q, extraction did not feed the template", reqs[1].Path)
	}
}

func TestAssertionFailureDoesNotAbort(t *testing.T) {
	d := dispatch.NewScriptedDispatcher()
	d.Script("POST", "/payments", dispatch.JSONResponse(200,
		`{"payment_id":"pay_2","status":"failed"}`))
	d.Script("POST", "/payments/pay_2/capture", dispatch.JSONResponse(400,
		`{"status":"failed"}`))

	store := vars.New(testLogger())
	store.Set("currency", "USD")
	store.Set("expected_status", "succeeded")

	o := NewOrchestrator(manualCaptureWorkflow(), store, d, testLogger())
	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Phase != PhaseCompleted {
		t.Errorf("phase = %s, assertion failures must not abort", res.Phase)
	}
	if len(res.Steps) != 2 {
		t.Errorf("executed %d steps, want 2", len(res.Steps))
	}
	if res.AssertionsPassed() {
		t.Error("AssertionsPassed() = true, want recorded failures")
	}
}

func TestMissingRequiredVariableAborts(t *testing.T) {
	d := dispatch.NewScriptedDispatcher()
	// The create response carries no payment_id, so extraction misses and
	// the capture step's hard dependency is unmet.
	d.Script("POST", "/payments", dispatch.JSONResponse(200,
		`{"status":"requires_capture"}`))

	store := vars.New(testLogger())
	store.Set("currency", "USD")
	store.Set("expected_status", "requires_capture")

	o := NewOrchestrator(manualCaptureWorkflow(), store, d, testLogger())
	res, err := o.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded despite missing required variable")
	}
	if res.Phase != PhaseAborted {
		t.Errorf("phase = %s, want %s", res.Phase, PhaseAborted)
	}
	if !strings.Contains(res.AbortReason, "payment_id") {
		t.Errorf("abort reason %q does not name the missing variable", res.AbortReason)
	}
	// The create step's record survives the abort.
	if len(res.Steps) != 2 {
		t.Fatalf("kept %d step records, want 2", len(res.Steps))
	}
	found := false
	for _, diag := range res.Steps[0].Diagnostics {
		if strings.Contains(diag, "extraction miss") {
			found = true
		}
	}
	if !found {
		t.Errorf("extraction miss not diagnosed: %v", res.Steps[0].Diagnostics)
	}
}

func TestDispatchErrorAborts(t *testing.T) {
	d := dispatch.NewScriptedDispatcher() // nothing scripted: every dispatch errors

	store := vars.New(testLogger())
	store.Set("currency", "USD")
	store.Set("expected_status", "requires_capture")

	o := NewOrchestrator(manualCaptureWorkflow(), store, d, testLogger())
	res, err := o.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded despite dispatch failure")
	}
	if res.Phase != PhaseAborted {
		t.Errorf("phase = %s, want %s", res.Phase, PhaseAborted)
	}
}

func TestUnparseableBodyIsDiagnosedNotFatal(t *testing.T) {
	wf := &schema.Workflow{
		APIVersion: "workflow/v1",
		Meta:       schema.Meta{Name: "tolerant-parse"},
		Steps: []schema.Step{{
			ID:        "create_payment",
			Operation: "create",
			Request:   &schema.RequestTemplate{Method: "POST", Path: "/payments"},
			Assertions: []schema.Assertion{
				{StatusClass: "5xx"},
				{Field: &schema.FieldAssertion{Pointer: "/status", Equals: "failed"}},
			},
		}},
	}
	d := dispatch.NewScriptedDispatcher()
	d.Script("POST", "/payments", &dispatch.Response{StatusCode: 500, Body: []byte("<html>gateway error</html>")})

	o := NewOrchestrator(wf, vars.New(testLogger()), d, testLogger())
	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	step := res.Steps[0]
	if len(step.Diagnostics) == 0 {
		t.Error("no diagnostic for unparseable body")
	}
	// Status-class assertion evaluates against the raw response; the field
	// assertion fails against the empty object.
	if step.Assertions.Results[0].Passed != true {
		t.Error("status class assertion should evaluate despite parse failure")
	}
	if step.Assertions.Results[1].Passed {
		t.Error("field assertion passed against an empty body")
	}
}

func TestWhenGuardSkipsStep(t *testing.T) {
	wf := &schema.Workflow{
		APIVersion: "workflow/v1",
		Meta:       schema.Meta{Name: "guarded"},
		Steps: []schema.Step{{
			ID:        "mandate_setup",
			Operation: "mandate_setup",
			When:      "has_mandate",
			Request:   &schema.RequestTemplate{Method: "POST", Path: "/payments"},
		}},
	}
	d := dispatch.NewScriptedDispatcher()
	store := vars.New(testLogger())
	store.Set("has_mandate", false)

	o := NewOrchestrator(wf, store, d, testLogger())
	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Steps[0].Skipped {
		t.Error("step ran despite a false when guard")
	}
	if len(d.Requests()) != 0 {
		t.Errorf("skipped step dispatched %d requests", len(d.Requests()))
	}
}

func TestSyncRetriesUntilStatusSettles(t *testing.T) {
	wf := &schema.Workflow{
		APIVersion: "workflow/v1",
		Meta:       schema.Meta{Name: "sync-retry"},
		Steps: []schema.Step{{
			ID:        "sync_payment",
			Operation: "sync",
			Request:   &schema.RequestTemplate{Method: "GET", Path: "/payments/pay_7"},
			Retry:     &schema.RetrySpec{MaxAttempts: 5, IntervalSeconds: 1},
			Assertions: []schema.Assertion{
				{PaymentStatus: []string{"succeeded"}},
			},
		}},
	}
	d := dispatch.NewScriptedDispatcher()
	d.Script("GET", "/payments/pay_7", dispatch.JSONResponse(200, `{"status":"processing"}`))
	d.Script("GET", "/payments/pay_7", dispatch.JSONResponse(200, `{"status":"processing"}`))
	d.Script("GET", "/payments/pay_7", dispatch.JSONResponse(200, `{"status":"succeeded"}`))

	sleeper := &fakeSleeper{}
	o := NewOrchestrator(wf, vars.New(testLogger()), d, testLogger())
	o.Sleeper = sleeper

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	step := res.Steps[0]
	if step.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", step.Attempts)
	}
	if sleeper.calls != 2 {
		t.Errorf("sleeps = %d, want 2", sleeper.calls)
	}
	if !step.Passed() {
		t.Error("final attempt's status assertion failed")
	}
}

func TestSyncRetryBudgetExhausted(t *testing.T) {
	wf := &schema.Workflow{
		APIVersion: "workflow/v1",
		Meta:       schema.Meta{Name: "sync-retry"},
		Steps: []schema.Step{{
			ID:        "sync_payment",
			Operation: "sync",
			Request:   &schema.RequestTemplate{Method: "GET", Path: "/payments/pay_8"},
			Retry:     &schema.RetrySpec{MaxAttempts: 3, IntervalSeconds: 1},
			Assertions: []schema.Assertion{
				{PaymentStatus: []string{"succeeded"}},
			},
		}},
	}
	d := dispatch.NewScriptedDispatcher()
	for i := 0; i < 3; i++ {
		d.Script("GET", "/payments/pay_8", dispatch.JSONResponse(200, `{"status":"processing"}`))
	}

	o := NewOrchestrator(wf, vars.New(testLogger()), d, testLogger())
	o.Sleeper = &fakeSleeper{}

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	step := res.Steps[0]
	if step.Attempts != 3 {
		t.Errorf("attempts = %d, want the full budget of 3", step.Attempts)
	}
	if step.Passed() {
		t.Error("exhausted retry reported passing assertions")
	}
	if res.Phase != PhaseCompleted {
		t.Errorf("phase = %s, retry exhaustion is an assertion failure, not an abort", res.Phase)
	}
}

func TestMetaVarsSeedTheStore(t *testing.T) {
	wf := &schema.Workflow{
		APIVersion: "workflow/v1",
		Meta: schema.Meta{
			Name: "seeded",
			Vars: map[string]string{"amount": "6540"},
		},
		Steps: []schema.Step{{
			ID:        "create_payment",
			Operation: "create",
			Request: &schema.RequestTemplate{
				Method: "POST", Path: "/payments",
				Body: `{"amount":{{amount}}}`,
			},
		}},
	}
	d := dispatch.NewScriptedDispatcher()
	d.Script("POST", "/payments", dispatch.JSONResponse(200, `{"status":"succeeded"}`))

	o := NewOrchestrator(wf, vars.New(testLogger()), d, testLogger())
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := string(d.Requests()[0].Body); got != `{"amount":6540}` {
		t.Errorf("body = %s", got)
	}
}

func TestRenderedErrorMessageExpectation(t *testing.T) {
	wf := &schema.Workflow{
		APIVersion: "workflow/v1",
		Meta:       schema.Meta{Name: "refund-not-found"},
		Steps: []schema.Step{{
			ID:        "refund_unknown",
			Operation: "refund",
			Request: &schema.RequestTemplate{
				Method: "POST", Path: "/refunds",
				Body: `{"payment_id":"{{order_id}}","amount":200,"currency":"EUR"}`,
			},
			Extract: map[string]string{"refund_id": "/refund_id"},
			Assertions: []schema.Assertion{
				{PaymentStatus: []string{"failed"}},
				{Field: &schema.FieldAssertion{Pointer: "/amount", Equals: 200}},
				{Field: &schema.FieldAssertion{Pointer: "/currency", Equals: "EUR"}},
				{FieldIncludes: &schema.FieldIncludesAssertion{
					Pointer:  "/error/message",
					Template: "{{expected_refund_error}}",
				}},
			},
		}},
	}
	d := dispatch.NewScriptedDispatcher()
	d.Script("POST", "/refunds", dispatch.JSONResponse(200,
		`{"status":"failed","amount":200,"currency":"EUR","error":{"message":"Cannot find any remitted transaction with given order id"}}`))

	store := vars.New(testLogger())
	store.Set("order_id", "pay_ghost")
	store.Set("expected_refund_error", "Cannot find any remitted transaction with given order id")

	o := NewOrchestrator(wf, store, d, testLogger())
	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.AssertionsPassed() {
		t.Errorf("rendered expectation did not match: %+v", res.Steps[0].Assertions.Failures())
	}
	if store.Has("refund_id") {
		t.Error("refund_id set despite the failure response omitting it")
	}
}

func TestMandateSingleUseThreeDSFlow(t *testing.T) {
	wf, errs := schema.ValidateFile("../../examples/workflows/mandate-single-use-3ds.yaml")
	for _, e := range errs {
		if e.Severity != "warning" {
			t.Fatalf("workflow invalid: %v", e)
		}
	}

	fixtures, err := fixture.Load("../../examples/fixtures.yaml")
	if err != nil {
		t.Fatalf("Load fixtures: %v", err)
	}
	fix, err := fixtures.Lookup("stripe", "MandateSingleUse3DS")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if fix.Mandate == nil || fix.Mandate.Amount != 6000 || fix.Mandate.Currency != "USD" {
		t.Fatalf("mandate fixture = %+v, want 6000 USD", fix.Mandate)
	}

	mock := mockserver.NewServer(mockserver.Profile{Name: "Stripe", ThreeDS: true}, testLogger())
	srv := httptest.NewServer(mock.Router())
	defer srv.Close()

	store := vars.New(testLogger())
	seedStore(store, "stripe", fix)

	o := NewOrchestrator(wf, store, dispatch.NewHTTPDispatcher(srv.URL, ""), testLogger())
	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Phase != PhaseCompleted {
		t.Fatalf("phase = %s, abort reason %q", res.Phase, res.AbortReason)
	}
	if len(res.Steps) != 4 {
		t.Fatalf("ran %d steps, want 4", len(res.Steps))
	}
	for _, step := range res.Steps {
		if step.Skipped {
			t.Errorf("step %s skipped (%s)", step.StepID, step.SkipReason)
		}
		if !step.Passed() {
			t.Errorf("step %s failed: %+v", step.StepID, step.Assertions.Failures())
		}
	}
	if res.Steps[0].Assertions == nil || !paymentStatusSettled(res.Steps[0].Assertions) {
		t.Error("creation did not settle at the expected requires_customer_action status")
	}
	if !store.Has("mandate_id") {
		t.Error("mandate_id never extracted from the challenge confirmation")
	}
}
