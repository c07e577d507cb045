// Package replay runs workflows against pre-recorded responses instead of
// a live server. A scenario directory holds optional seed variables and an
// ordered set of step responses; the debug REPL and the MCP run tool
// default to replay so nothing touches the network.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mjelen/payrun/pkg/dispatch"
)

// StepResponse is one recorded response, loaded from steps/NNN-<name>.json.
type StepResponse struct {
	Step       string            `json:"step,omitempty"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
	// Repeat serves the same response for N consecutive dispatches, which
	// keeps sync-retry steps replayable.
	Repeat int `json:"repeat,omitempty"`
}

// Scenario is a loaded replay directory.
type Scenario struct {
	Dir       string
	Vars      map[string]string
	Responses []*StepResponse
}

// LoadScenario reads a scenario directory: an optional inputs.yaml with
// seed variables and steps/*.json in filename order.
func LoadScenario(dir string) (*Scenario, error) {
	s := &Scenario{Dir: dir, Vars: make(map[string]string)}

	inputsPath := filepath.Join(dir, "inputs.yaml")
	if data, err := os.ReadFile(inputsPath); err == nil {
		if err := yaml.Unmarshal(data, &s.Vars); err != nil {
			return nil, fmt.Errorf("parse %s: %w", inputsPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", inputsPath, err)
	}

	stepsDir := filepath.Join(dir, "steps")
	entries, err := os.ReadDir(stepsDir)
	if err != nil {
		return nil, fmt.Errorf("read scenario steps: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("scenario %s has no step responses", dir)
	}

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(stepsDir, name))
		if err != nil {
			return nil, fmt.Errorf("read step response %s: %w", name, err)
		}
		var sr StepResponse
		if err := json.Unmarshal(data, &sr); err != nil {
			return nil, fmt.Errorf("parse step response %s: %w", name, err)
		}
		if sr.StatusCode == 0 {
			sr.StatusCode = 200
		}
		s.Responses = append(s.Responses, &sr)
	}
	return s, nil
}

// Dispatcher serves the scenario's responses in order. Each dispatch pops
// the head of the queue; a Repeat count holds a response in place for that
// many dispatches.
type Dispatcher struct {
	mu        sync.Mutex
	queue     []*StepResponse
	remaining int
	requests  []*dispatch.Request
}

// Dispatcher builds a fresh sequential dispatcher over the scenario.
func (s *Scenario) Dispatcher() *Dispatcher {
	queue := make([]*StepResponse, len(s.Responses))
	copy(queue, s.Responses)
	return &Dispatcher{queue: queue}
}

// Requests returns everything dispatched so far, for inspection.
func (d *Dispatcher) Requests() []*dispatch.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*dispatch.Request(nil), d.requests...)
}

func (d *Dispatcher) Dispatch(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)

	if len(d.queue) == 0 {
		return nil, fmt.Errorf("replay scenario exhausted at request %d (%s %s)",
			len(d.requests), req.Method, req.Path)
	}
	sr := d.queue[0]

	if d.remaining == 0 {
		d.remaining = sr.Repeat
		if d.remaining < 1 {
			d.remaining = 1
		}
	}
	d.remaining--
	if d.remaining == 0 {
		d.queue = d.queue[1:]
	}

	resp := &dispatch.Response{StatusCode: sr.StatusCode, Body: []byte(sr.Body)}
	if len(sr.Headers) > 0 {
		resp.Header = make(http.Header, len(sr.Headers))
		for k, v := range sr.Headers {
			// Set canonicalizes the key, so recorded lowercase names still
			// answer Header.Get lookups.
			resp.Header.Set(k, v)
		}
	}
	return resp, nil
}
