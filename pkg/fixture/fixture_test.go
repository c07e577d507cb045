package fixture

import (
	"errors"
	"strings"
	"testing"

	"github.com/mjelen/payrun/pkg/payment"
)

const sample = `
connectors:
  stripe:
    scenarios:
      No3DS:
        card:
          number: "4242424242424242"
          exp_month: "10"
          exp_year: "29"
          holder: "joseph Doe"
          cvc: "123"
        currency: USD
        successful_state: succeeded
        successful_sync_state: succeeded
      3DS:
        card:
          number: "4000002760003184"
          exp_month: "10"
          exp_year: "29"
          holder: "joseph Doe"
          cvc: "123"
        currency: USD
        successful_state: requires_customer_action
        successful_sync_state: succeeded
      MandateSingleUse3DS:
        card:
          number: "4000002760003184"
          exp_month: "10"
          exp_year: "29"
          holder: "joseph Doe"
          cvc: "123"
        currency: USD
        successful_state: requires_customer_action
        successful_sync_state: succeeded
        mandate:
          type: single_use
          amount: 6000
          currency: USD
  adyen:
    scenarios:
      No3DS:
        card:
          number: "370000000000002"
          exp_month: "03"
          exp_year: "30"
          holder: "joseph Doe"
          cvc: "7373"
        currency: EUR
        successful_state: requires_capture
        successful_sync_state: requires_capture
`

func TestLookup(t *testing.T) {
	reg, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("parse fixtures: %v", err)
	}

	sc, err := reg.Lookup("stripe", "MandateSingleUse3DS")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if sc.Mandate == nil || sc.Mandate.Type != "single_use" || sc.Mandate.Amount != 6000 {
		t.Errorf("unexpected mandate: %+v", sc.Mandate)
	}
	if sc.SuccessfulState != payment.StatusRequiresCustomerAction {
		t.Errorf("unexpected successful_state: %s", sc.SuccessfulState)
	}
}

func TestLookupNotConfigured(t *testing.T) {
	reg, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Lookup("stripe", "Nope"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := reg.Lookup("worldpay", "No3DS"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured for unknown connector, got %v", err)
	}
}

func TestScenariosForSorted(t *testing.T) {
	reg, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	names := reg.ScenariosFor("stripe")
	want := []string{"3DS", "MandateSingleUse3DS", "No3DS"}
	if len(names) != len(want) {
		t.Fatalf("got %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("at %d: got %s, want %s", i, names[i], want[i])
		}
	}
}

func TestAllSyncStatesTerminal(t *testing.T) {
	reg, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	for _, connector := range reg.Connectors() {
		for _, name := range reg.ScenariosFor(connector) {
			sc, err := reg.Lookup(connector, name)
			if err != nil {
				t.Fatal(err)
			}
			if !payment.Terminal(sc.SuccessfulSyncState) {
				t.Errorf("%s/%s: sync state %q not terminal", connector, name, sc.SuccessfulSyncState)
			}
		}
	}
}

func TestParseRejectsIntermediateSyncState(t *testing.T) {
	bad := `
connectors:
  stripe:
    scenarios:
      No3DS:
        card: {number: "4242424242424242", exp_month: "10", exp_year: "29", cvc: "123"}
        currency: USD
        successful_state: succeeded
        successful_sync_state: processing
`
	if _, err := Parse(strings.NewReader(bad)); err == nil {
		t.Error("expected error for non-terminal sync state")
	}
}

func TestParseRejectsUnknownStatus(t *testing.T) {
	bad := `
connectors:
  stripe:
    scenarios:
      No3DS:
        card: {number: "4242424242424242", exp_month: "10", exp_year: "29", cvc: "123"}
        currency: USD
        successful_state: bogus
        successful_sync_state: succeeded
`
	if _, err := Parse(strings.NewReader(bad)); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	bad := `
connectors:
  stripe:
    scenarios:
      No3DS:
        card: {number: "4242424242424242", exp_month: "10", exp_year: "29", cvc: "123"}
        currency: USD
        successful_state: succeeded
        successful_sync_state: succeeded
        typo_field: true
`
	if _, err := Parse(strings.NewReader(bad)); err == nil {
		t.Error("expected strict decode to reject unknown fields")
	}
}
