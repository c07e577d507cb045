// Package fixture implements the connector configuration registry: the
// per-connector, per-scenario expectation table that parameterizes
// workflows without code changes.
package fixture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mjelen/payrun/pkg/payment"
)

// ErrNotConfigured is returned when no fixture exists for a
// (connector, scenario) pair. The workflow cannot run without fixture
// data, so callers must treat this as a hard error.
var ErrNotConfigured = errors.New("connector scenario not configured")

// Card is a synthetic test card. Never real card data.
type Card struct {
	Number   string `yaml:"number"    json:"number"    jsonschema:"required"`
	ExpMonth string `yaml:"exp_month" json:"exp_month" jsonschema:"required"`
	ExpYear  string `yaml:"exp_year"  json:"exp_year"  jsonschema:"required"`
	Holder   string `yaml:"holder"    json:"holder"`
	CVC      string `yaml:"cvc"       json:"cvc"       jsonschema:"required"`
}

// Mandate describes a stored-authorization variant for recurring scenarios.
type Mandate struct {
	Type     string `yaml:"type"     json:"type"     jsonschema:"required,enum=single_use,enum=multi_use"`
	Amount   int64  `yaml:"amount"   json:"amount"   jsonschema:"required"`
	Currency string `yaml:"currency" json:"currency" jsonschema:"required"`
}

// Scenario is one named payment-method/authentication profile for a
// connector, e.g. "3DS", "No3DS", "MandateSingleUse3DS". Immutable once
// loaded.
type Scenario struct {
	Card     Card     `yaml:"card"     json:"card"     jsonschema:"required"`
	Currency string   `yaml:"currency" json:"currency" jsonschema:"required"`
	// SuccessfulState is the status expected immediately after confirmation.
	// May be terminal or intermediate-but-resumable (requires_customer_action).
	SuccessfulState string `yaml:"successful_state" json:"successful_state" jsonschema:"required"`
	// SuccessfulSyncState is the status expected from a later status sync.
	// Always a terminal status.
	SuccessfulSyncState string   `yaml:"successful_sync_state" json:"successful_sync_state" jsonschema:"required"`
	Mandate             *Mandate `yaml:"mandate,omitempty"     json:"mandate,omitempty"`
}

// connectorFixtures groups the scenarios of one connector in the YAML file.
type connectorFixtures struct {
	Scenarios map[string]*Scenario `yaml:"scenarios" json:"scenarios"`
}

// File is the top-level fixtures document.
type File struct {
	Connectors map[string]connectorFixtures `yaml:"connectors" json:"connectors"`
}

// Registry answers Lookup and ScenariosFor queries. Populated once at
// startup, read-only thereafter, safe for concurrent readers.
type Registry struct {
	connectors map[string]map[string]*Scenario
}

// Load reads and validates a fixtures YAML file.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixtures: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes fixtures from a reader with strict unknown-field rejection
// and checks the registry invariants.
func Parse(r io.Reader) (*Registry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}

	reg := &Registry{connectors: make(map[string]map[string]*Scenario)}
	for connector, cf := range file.Connectors {
		scenarios := make(map[string]*Scenario, len(cf.Scenarios))
		for name, sc := range cf.Scenarios {
			if err := validateScenario(connector, name, sc); err != nil {
				return nil, err
			}
			scenarios[name] = sc
		}
		reg.connectors[connector] = scenarios
	}
	return reg, nil
}

func validateScenario(connector, name string, sc *Scenario) error {
	if sc == nil {
		return fmt.Errorf("fixture %s/%s: empty scenario", connector, name)
	}
	if !payment.Known(sc.SuccessfulState) {
		return fmt.Errorf("fixture %s/%s: successful_state %q is not a payment status (known: %v)",
			connector, name, sc.SuccessfulState, payment.KnownStatuses())
	}
	if !payment.Known(sc.SuccessfulSyncState) {
		return fmt.Errorf("fixture %s/%s: successful_sync_state %q is not a payment status (known: %v)",
			connector, name, sc.SuccessfulSyncState, payment.KnownStatuses())
	}
	if !payment.Terminal(sc.SuccessfulSyncState) {
		return fmt.Errorf("fixture %s/%s: successful_sync_state %q is not terminal",
			connector, name, sc.SuccessfulSyncState)
	}
	if sc.Mandate != nil {
		if sc.Mandate.Type != "single_use" && sc.Mandate.Type != "multi_use" {
			return fmt.Errorf("fixture %s/%s: mandate type %q must be single_use or multi_use",
				connector, name, sc.Mandate.Type)
		}
		if sc.Mandate.Amount <= 0 {
			return fmt.Errorf("fixture %s/%s: mandate amount must be positive", connector, name)
		}
	}
	if sc.Card.Number == "" {
		return fmt.Errorf("fixture %s/%s: card number is required", connector, name)
	}
	return nil
}

// Lookup finds the fixture for a (connector, scenario) pair.
// Returns ErrNotConfigured when the pair has no fixture.
func (r *Registry) Lookup(connector, scenario string) (*Scenario, error) {
	scenarios, ok := r.connectors[connector]
	if !ok {
		return nil, fmt.Errorf("%w: connector %q", ErrNotConfigured, connector)
	}
	sc, ok := scenarios[scenario]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotConfigured, connector, scenario)
	}
	return sc, nil
}

// ScenariosFor enumerates the scenario names configured for a connector,
// sorted for deterministic matrix execution.
func (r *Registry) ScenariosFor(connector string) []string {
	scenarios := r.connectors[connector]
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connectors enumerates the configured connector names, sorted.
func (r *Registry) Connectors() []string {
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
