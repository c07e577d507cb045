// Package vars implements the run-scoped variable store. Values captured
// from one step's response are substituted into later steps' request
// templates and expected assertion values.
package vars

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
)

// placeholderRe matches {{name}} references in request and assertion templates.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Store maps variable names to their last-observed scalar value (string,
// number, bool or nil). Last write wins. Insertion order is retained only
// for debug output. A Store belongs to exactly one (connector, scenario)
// combination and is never shared across goroutines.
type Store struct {
	values map[string]any
	order  []string
	logger *slog.Logger
}

// New creates an empty store. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		values: make(map[string]any),
		logger: logger,
	}
}

// Set stores a value, overwriting any prior value unconditionally.
// Every write is logged for triage of cross-step data flow.
func (s *Store) Set(name string, value any) {
	if _, seen := s.values[name]; !seen {
		s.order = append(s.order, name)
	}
	s.values[name] = value
	s.logger.Info(fmt.Sprintf("variable %s set to %v", name, value))
}

// Get returns the value and whether it was ever set.
func (s *Store) Get(name string) (any, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Has reports whether name was ever set.
func (s *Store) Has(name string) bool {
	_, ok := s.values[name]
	return ok
}

// Render substitutes every {{name}} occurrence with the stringified current
// value. A name with no stored value substitutes the empty string and emits
// a non-fatal diagnostic; rendering never fails.
func (s *Store) Render(template string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := s.values[name]
		if !ok {
			s.logger.Warn("unresolved variable in template, substituting empty string",
				slog.String("variable", name))
			return ""
		}
		return Stringify(v)
	})
}

// Names returns variable names in insertion order.
func (s *Store) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Snapshot returns a copy of the current values keyed by name. Callers use
// it for condition evaluation and debug dumps; mutating it has no effect
// on the store.
func (s *Store) Snapshot() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Stringify renders a scalar the way it appears in a JSON body: numbers
// without a trailing ".000000", nil as the empty string.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// json.Unmarshal yields float64 for all numbers; monetary amounts
		// are integers in minor units and must not render as 200.000000.
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
