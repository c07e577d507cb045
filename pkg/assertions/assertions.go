// Package assertions evaluates a workflow step's response against its
// declared expectations: status class, headers, JSON fields and the
// payment status machine.
package assertions

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mjelen/payrun/pkg/dispatch"
	"github.com/mjelen/payrun/pkg/payment"
	"github.com/mjelen/payrun/pkg/schema"
)

// Renderer resolves {{name}} templates in expected values before
// comparison. Satisfied by vars.Store.
type Renderer interface {
	Render(template string) string
}

// Result is the outcome of evaluating a single assertion rule.
type Result struct {
	Type     string `json:"type"` // status_class, header, field, field_includes, payment_status
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message"`
}

// Report aggregates every rule outcome for one step. The engine never
// aborts on first failure; the orchestrator decides continuation policy.
type Report struct {
	Results []*Result `json:"results"`
}

// Passed reports whether every rule passed.
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// Failures returns the failing results.
func (r *Report) Failures() []*Result {
	var out []*Result
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// Evaluate runs every declared rule against the response. body is the
// tolerantly-parsed JSON body (empty map on parse failure); a declared
// assertion over an absent field fails rather than passing vacuously.
func Evaluate(resp *dispatch.Response, body map[string]any, rules []schema.Assertion, renderer Renderer) *Report {
	report := &Report{}
	for _, rule := range rules {
		switch {
		case rule.StatusClass != "":
			report.Results = append(report.Results, EvalStatusClass(resp.StatusCode, rule.StatusClass))
		case rule.Header != nil:
			report.Results = append(report.Results, EvalHeader(resp, rule.Header.Name, rule.Header.Contains))
		case rule.Field != nil:
			report.Results = append(report.Results, EvalFieldEquals(body, rule.Field.Pointer, rule.Field.Equals))
		case rule.FieldIncludes != nil:
			expected := renderer.Render(rule.FieldIncludes.Template)
			report.Results = append(report.Results, EvalFieldIncludes(body, rule.FieldIncludes.Pointer, expected))
		case len(rule.PaymentStatus) > 0:
			allowed := make([]string, len(rule.PaymentStatus))
			for i, s := range rule.PaymentStatus {
				allowed[i] = renderer.Render(s)
			}
			report.Results = append(report.Results, EvalPaymentStatus(body, allowed))
		default:
			report.Results = append(report.Results, &Result{
				Type:    "unknown",
				Passed:  false,
				Message: "no assertion field set",
			})
		}
	}
	return report
}

// EvalStatusClass checks the response status code class. A failing
// status-class rule is always reported, never downgraded.
func EvalStatusClass(code int, class string) *Result {
	passed := false
	switch class {
	case "2xx":
		passed = code >= 200 && code <= 299
	case "4xx":
		passed = code >= 400 && code <= 499
	case "5xx":
		passed = code >= 500 && code <= 599
	}
	msg := fmt.Sprintf("status %d is %s", code, class)
	if !passed {
		msg = fmt.Sprintf("status %d is not %s", code, class)
	}
	return &Result{
		Type:     "status_class",
		Expected: class,
		Actual:   strconv.Itoa(code),
		Passed:   passed,
		Message:  msg,
	}
}

// EvalHeader checks that a named header's value contains a substring.
func EvalHeader(resp *dispatch.Response, name, substring string) *Result {
	actual := resp.Header.Get(name)
	passed := strings.Contains(actual, substring)
	msg := fmt.Sprintf("header %s contains %q", name, substring)
	if !passed {
		msg = fmt.Sprintf("header %s = %q does not contain %q", name, actual, substring)
	}
	return &Result{
		Type:     "header",
		Expected: substring,
		Actual:   actual,
		Passed:   passed,
		Message:  msg,
	}
}

// EvalFieldEquals checks a JSON-pointer-addressed field for literal
// equality. Numbers compare exactly; monetary amounts are integers in
// minor units, so no floating tolerance applies.
func EvalFieldEquals(body map[string]any, pointer string, expected any) *Result {
	actual, found := LookupPointer(body, pointer)
	if !found {
		return &Result{
			Type:     "field",
			Expected: stringify(expected),
			Passed:   false,
			Message:  fmt.Sprintf("field %s absent from response", pointer),
		}
	}
	passed := scalarEqual(actual, expected)
	msg := fmt.Sprintf("field %s = %v", pointer, actual)
	if !passed {
		msg = fmt.Sprintf("field %s = %v, want %v", pointer, actual, expected)
	}
	return &Result{
		Type:     "field",
		Expected: stringify(expected),
		Actual:   stringify(actual),
		Passed:   passed,
		Message:  msg,
	}
}

// EvalFieldIncludes checks a string field contains the expected substring.
// The caller renders the expected value through the variable store first,
// so composed error messages embedding dynamic identifiers compare as one
// fully-resolved string.
func EvalFieldIncludes(body map[string]any, pointer, expected string) *Result {
	actual, found := LookupPointer(body, pointer)
	if !found {
		return &Result{
			Type:     "field_includes",
			Expected: expected,
			Passed:   false,
			Message:  fmt.Sprintf("field %s absent from response", pointer),
		}
	}
	actualStr, ok := actual.(string)
	if !ok {
		return &Result{
			Type:     "field_includes",
			Expected: expected,
			Actual:   stringify(actual),
			Passed:   false,
			Message:  fmt.Sprintf("field %s is not a string", pointer),
		}
	}
	passed := strings.Contains(actualStr, expected)
	msg := fmt.Sprintf("field %s contains %q", pointer, expected)
	if !passed {
		msg = fmt.Sprintf("field %s = %q does not contain %q", pointer, actualStr, expected)
	}
	return &Result{
		Type:     "field_includes",
		Expected: expected,
		Actual:   actualStr,
		Passed:   passed,
		Message:  msg,
	}
}

// EvalPaymentStatus checks the payment status field against the allowed
// set for the operation. A status outside the known state machine always
// fails, even if listed, protecting against silently accepting statuses
// the domain does not define.
func EvalPaymentStatus(body map[string]any, allowed []string) *Result {
	expected := strings.Join(allowed, "|")
	raw, found := LookupPointer(body, "/status")
	if !found {
		return &Result{
			Type:     "payment_status",
			Expected: expected,
			Passed:   false,
			Message:  "status field absent from response",
		}
	}
	actual, ok := raw.(string)
	if !ok {
		return &Result{
			Type:     "payment_status",
			Expected: expected,
			Actual:   stringify(raw),
			Passed:   false,
			Message:  "status field is not a string",
		}
	}

	if !payment.Known(actual) {
		return &Result{
			Type:     "payment_status",
			Expected: expected,
			Actual:   actual,
			Passed:   false,
			Message:  fmt.Sprintf("status %q is outside the known state machine", actual),
		}
	}

	for _, want := range allowed {
		if actual == want {
			return &Result{
				Type:     "payment_status",
				Expected: expected,
				Actual:   actual,
				Passed:   true,
				Message:  fmt.Sprintf("status %q is in the expected set", actual),
			}
		}
	}
	return &Result{
		Type:     "payment_status",
		Expected: expected,
		Actual:   actual,
		Passed:   false,
		Message:  fmt.Sprintf("status %q not in expected set [%s]", actual, strings.Join(allowed, ", ")),
	}
}

// LookupPointer walks a JSON pointer ("/error/message", "/items/0") into a
// decoded body, returning the value and an explicit presence flag.
func LookupPointer(body map[string]any, pointer string) (any, bool) {
	if pointer == "" || pointer == "/" {
		return body, true
	}
	parts := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	var current any = body
	for _, part := range parts {
		// JSON pointer escapes: ~1 is /, ~0 is ~.
		part = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		switch node := current.(type) {
		case map[string]any:
			val, ok := node[part]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// scalarEqual compares decoded JSON scalars. YAML expectations arrive as
// int, JSON bodies decode numbers as float64; both normalize to float64
// before comparing, exactly.
func scalarEqual(actual, expected any) bool {
	af, aNum := asFloat(actual)
	ef, eNum := asFloat(expected)
	if aNum || eNum {
		return aNum && eNum && af == ef
	}
	return actual == expected
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

func stringify(v any) string {
	return fmt.Sprintf("%v", v)
}
