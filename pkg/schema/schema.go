// Package schema defines the Go struct types for the workflow YAML schema
// and provides strict YAML parsing.
package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Workflow is the top-level document describing one business workflow
// (payment creation, capture, refund, mandate setup, ...) as a sequence of
// HTTP steps against the payment API.
type Workflow struct {
	APIVersion string `yaml:"apiVersion" json:"apiVersion" jsonschema:"required,enum=workflow/v1"`
	Meta       Meta   `yaml:"meta"       json:"meta"       jsonschema:"required"`
	Steps      []Step `yaml:"steps"      json:"steps"      jsonschema:"required,minItems=1"`
}

// Meta contains workflow metadata and seed variables.
type Meta struct {
	Name        string            `yaml:"name"                  json:"name" jsonschema:"required"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Vars        map[string]string `yaml:"vars,omitempty"        json:"vars,omitempty"`
}

// Step is a single HTTP interaction: a request template, extraction rules
// pulling response fields into the variable store, and assertion rules.
type Step struct {
	ID        string `yaml:"id"              json:"id"        jsonschema:"required"`
	Title     string `yaml:"title,omitempty" json:"title,omitempty"`
	Operation string `yaml:"operation"       json:"operation" jsonschema:"required,enum=create,enum=confirm,enum=capture,enum=refund,enum=sync,enum=mandate_setup,enum=mandate_execute,enum=list_payment_methods"`
	// When is an optional expr guard evaluated against the variable store;
	// false skips the step.
	When    string           `yaml:"when,omitempty"    json:"when,omitempty"`
	Request *RequestTemplate `yaml:"request"           json:"request" jsonschema:"required"`
	// Require names variables that are hard dependencies: the step cannot
	// even be built without them, so a missing one aborts the combination.
	Require []string `yaml:"require,omitempty" json:"require,omitempty"`
	// Extract maps variable names to JSON pointers into the response body.
	// Extraction is opportunistic: an absent field logs a diagnostic and
	// leaves the variable unset.
	Extract    map[string]string `yaml:"extract,omitempty"    json:"extract,omitempty"`
	Assertions []Assertion       `yaml:"assertions,omitempty" json:"assertions,omitempty"`
	// Retry re-dispatches the step until its payment_status assertion
	// passes, used by status-sync steps waiting out intermediate states.
	Retry *RetrySpec `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// RequestTemplate describes the outgoing HTTP request. Path, header values
// and body are templates: every {{name}} is substituted from the variable
// store at execution time.
type RequestTemplate struct {
	Method  string            `yaml:"method"            json:"method" jsonschema:"required,enum=GET,enum=POST,enum=DELETE"`
	Path    string            `yaml:"path"              json:"path"   jsonschema:"required"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty"    json:"body,omitempty"`
}

// RetrySpec bounds the sync-until-status-matches loop.
type RetrySpec struct {
	MaxAttempts     int `yaml:"max_attempts"     json:"max_attempts"     jsonschema:"required,minimum=1"`
	IntervalSeconds int `yaml:"interval_seconds" json:"interval_seconds" jsonschema:"minimum=1"`
}

// Assertion is a declared expectation on a step's response.
// Exactly one field must be set per Assertion object.
type Assertion struct {
	// StatusClass asserts the response status code class, e.g. "2xx".
	StatusClass string `yaml:"status_class,omitempty" json:"status_class,omitempty" jsonschema:"enum=2xx,enum=4xx,enum=5xx"`
	// Header asserts a named header's value contains a substring.
	Header *HeaderAssertion `yaml:"header,omitempty" json:"header,omitempty"`
	// Field asserts a JSON-pointer-addressed field equals a literal.
	Field *FieldAssertion `yaml:"field,omitempty" json:"field,omitempty"`
	// FieldIncludes asserts a string field contains a substring; the
	// expected substring is rendered through the variable store first.
	FieldIncludes *FieldIncludesAssertion `yaml:"field_includes,omitempty" json:"field_includes,omitempty"`
	// PaymentStatus asserts the payment status field equals one of the
	// listed values; entries may be templates ({{expected_status}}). The
	// actual value must additionally belong to the known status machine.
	PaymentStatus []string `yaml:"payment_status,omitempty" json:"payment_status,omitempty"`
}

// HeaderAssertion checks that a header value contains a substring.
type HeaderAssertion struct {
	Name     string `yaml:"name"     json:"name"     jsonschema:"required"`
	Contains string `yaml:"contains" json:"contains" jsonschema:"required"`
}

// FieldAssertion checks a field for literal equality. Numeric comparison is
// exact, monetary amounts being integers in minor units.
type FieldAssertion struct {
	Pointer string `yaml:"pointer" json:"pointer" jsonschema:"required"`
	Equals  any    `yaml:"equals"  json:"equals"`
}

// FieldIncludesAssertion checks a string field contains a rendered template.
type FieldIncludesAssertion struct {
	Pointer  string `yaml:"pointer"  json:"pointer"  jsonschema:"required"`
	Template string `yaml:"template" json:"template" jsonschema:"required"`
}

// LoadFile reads and parses a workflow YAML file with strict unknown-field
// rejection.
func LoadFile(path string) (*Workflow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open workflow: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a workflow from an io.Reader with strict unknown-field
// rejection.
func Load(r io.Reader) (*Workflow, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var wf Workflow
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &wf, nil
}
