package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mjelen/payrun/pkg/payment"
)

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g. "steps[0].request")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// ValidateFile performs the full 3-phase validation pipeline on a workflow file.
// Phase 1: Structural (strict YAML decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules)
func ValidateFile(path string) (*Workflow, []*ValidationError) {
	wf, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	return wf, Validate(wf)
}

// Validate runs the semantic and domain phases on an already-decoded workflow.
func Validate(wf *Workflow) []*ValidationError {
	var all []*ValidationError
	all = append(all, validateSemantic(wf)...)
	all = append(all, ValidateDomain(wf)...)
	return all
}

// validateSemantic validates the workflow against the generated JSON Schema.
func validateSemantic(wf *Workflow) []*ValidationError {
	semErr := func(msg string) []*ValidationError {
		return []*ValidationError{{Phase: "semantic", Message: msg, Severity: "error"}}
	}

	data, err := json.Marshal(wf)
	if err != nil {
		return semErr(fmt.Sprintf("marshal for schema validation: %v", err))
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return semErr(fmt.Sprintf("generate schema: %v", err))
	}

	var schemaDoc interface{}
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return semErr(fmt.Sprintf("unmarshal schema: %v", err))
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("workflow-v1.json", schemaDoc); err != nil {
		return semErr(fmt.Sprintf("add schema resource: %v", err))
	}
	sch, err := c.Compile("workflow-v1.json")
	if err != nil {
		return semErr(fmt.Sprintf("compile schema: %v", err))
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return semErr(fmt.Sprintf("unmarshal document: %v", err))
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenValidationErrors(ve) {
				errs = append(errs, &ValidationError{
					Phase:    "semantic",
					Path:     strings.Join(cause.InstanceLocation, "/"),
					Message:  fmt.Sprintf("%v", cause.ErrorKind),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, &ValidationError{
				Phase:    "semantic",
				Message:  err.Error(),
				Severity: "error",
			})
		}
		return errs
	}
	return nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

var validOperations = map[string]bool{
	"create":               true,
	"confirm":              true,
	"capture":              true,
	"refund":               true,
	"sync":                 true,
	"mandate_setup":        true,
	"mandate_execute":      true,
	"list_payment_methods": true,
}

// ValidateDomain performs Phase 3 domain-level validation.
// Returns a slice of errors; empty means valid.
func ValidateDomain(wf *Workflow) []*ValidationError {
	var errs []*ValidationError
	domainErr := func(path, msg string) {
		errs = append(errs, &ValidationError{Phase: "domain", Path: path, Message: msg, Severity: "error"})
	}

	if wf.APIVersion != "workflow/v1" {
		domainErr("apiVersion", fmt.Sprintf("unrecognized apiVersion %q, expected %q", wf.APIVersion, "workflow/v1"))
	}
	if wf.Meta.Name == "" {
		domainErr("meta.name", "workflow name is required")
	}
	if len(wf.Steps) == 0 {
		domainErr("steps", "workflow must declare at least one step")
	}

	seen := make(map[string]bool)
	for i, step := range wf.Steps {
		loc := fmt.Sprintf("steps[%d]", i)
		if step.ID == "" {
			domainErr(loc+".id", "step id is required")
		} else if seen[step.ID] {
			domainErr(loc+".id", fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true

		if !validOperations[step.Operation] {
			domainErr(loc+".operation", fmt.Sprintf("unknown operation %q", step.Operation))
		}
		if step.Request == nil {
			domainErr(loc+".request", "step request is required")
		} else {
			if step.Request.Method == "" {
				domainErr(loc+".request.method", "request method is required")
			}
			if !strings.HasPrefix(step.Request.Path, "/") {
				domainErr(loc+".request.path", fmt.Sprintf("path %q must start with /", step.Request.Path))
			}
		}

		for name, pointer := range step.Extract {
			if !strings.HasPrefix(pointer, "/") {
				domainErr(fmt.Sprintf("%s.extract.%s", loc, name),
					fmt.Sprintf("extraction target %q must be a JSON pointer starting with /", pointer))
			}
		}

		for j, a := range step.Assertions {
			aloc := fmt.Sprintf("%s.assertions[%d]", loc, j)
			errs = append(errs, validateAssertion(aloc, a)...)
		}

		if step.Retry != nil && step.Retry.MaxAttempts < 1 {
			domainErr(loc+".retry.max_attempts", "retry budget must be at least 1")
		}
	}
	return errs
}

// validateAssertion enforces the one-field-per-assertion rule and the
// closed payment status set.
func validateAssertion(loc string, a Assertion) []*ValidationError {
	var errs []*ValidationError
	domainErr := func(msg string) {
		errs = append(errs, &ValidationError{Phase: "domain", Path: loc, Message: msg, Severity: "error"})
	}

	set := 0
	if a.StatusClass != "" {
		set++
	}
	if a.Header != nil {
		set++
	}
	if a.Field != nil {
		set++
	}
	if a.FieldIncludes != nil {
		set++
	}
	if len(a.PaymentStatus) > 0 {
		set++
	}
	if set == 0 {
		domainErr("no assertion field set")
	}
	if set > 1 {
		domainErr("exactly one assertion field may be set per rule")
	}

	for _, status := range a.PaymentStatus {
		// Template entries are resolved against fixtures at run time.
		if strings.Contains(status, "{{") {
			continue
		}
		if !payment.Known(status) {
			domainErr(fmt.Sprintf("payment status %q is outside the known state machine (known: %v)",
				status, payment.KnownStatuses()))
		}
	}

	if a.Field != nil && !strings.HasPrefix(a.Field.Pointer, "/") {
		domainErr(fmt.Sprintf("field pointer %q must start with /", a.Field.Pointer))
	}
	if a.FieldIncludes != nil && !strings.HasPrefix(a.FieldIncludes.Pointer, "/") {
		domainErr(fmt.Sprintf("field_includes pointer %q must start with /", a.FieldIncludes.Pointer))
	}
	return errs
}
