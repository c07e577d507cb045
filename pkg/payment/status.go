// Package payment holds the small domain model shared by the fixture
// registry and the assertion engine: the closed set of payment statuses the
// API's state machine can report.
package payment

// Statuses a payment may report. Any value outside this set is a defect in
// the system under test, never silently accepted.
const (
	StatusSucceeded              = "succeeded"
	StatusFailed                 = "failed"
	StatusRequiresCapture        = "requires_capture"
	StatusRequiresCustomerAction = "requires_customer_action"
	StatusProcessing             = "processing"
	StatusCancelled              = "cancelled"
	StatusPartiallyCaptured      = "partially_captured"
)

var known = map[string]bool{
	StatusSucceeded:              true,
	StatusFailed:                 true,
	StatusRequiresCapture:        true,
	StatusRequiresCustomerAction: true,
	StatusProcessing:             true,
	StatusCancelled:              true,
	StatusPartiallyCaptured:      true,
}

// terminal statuses are where a payment can park indefinitely. A
// manual-capture payment rests at requires_capture until an explicit
// capture, so it counts as terminal for sync purposes.
var terminal = map[string]bool{
	StatusSucceeded:         true,
	StatusFailed:            true,
	StatusCancelled:         true,
	StatusPartiallyCaptured: true,
	StatusRequiresCapture:   true,
}

// Known reports whether status belongs to the payment state machine.
func Known(status string) bool { return known[status] }

// Terminal reports whether status is a resting state: a later status sync
// will keep returning it without further interaction.
func Terminal(status string) bool { return terminal[status] }

// KnownStatuses returns the full closed status set, for error messages and
// schema generation.
func KnownStatuses() []string {
	return []string{
		StatusSucceeded,
		StatusFailed,
		StatusRequiresCapture,
		StatusRequiresCustomerAction,
		StatusProcessing,
		StatusCancelled,
		StatusPartiallyCaptured,
	}
}
