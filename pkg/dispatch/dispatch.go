// Package dispatch abstracts how a rendered workflow request reaches the
// payment API: a real HTTP client in live runs, a scripted dispatcher in
// replay mode and tests.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is one rendered HTTP interaction, ready to send.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

// Response is what came back. Body is raw bytes; parsing is the
// orchestrator's concern (and is always tolerant).
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Dispatcher sends a request and returns the response. A transport-level
// failure (connection refused, timeout) is an error; any HTTP status is a
// valid Response.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request) (*Response, error)
}

// HTTPDispatcher sends requests to a live server under test.
type HTTPDispatcher struct {
	BaseURL string
	// APIKey is sent on every request as the api-key header; the admin
	// key the payment API expects for merchant operations.
	APIKey string
	Client *http.Client
}

// NewHTTPDispatcher creates a dispatcher with a bounded default timeout.
func NewHTTPDispatcher(baseURL, apiKey string) *HTTPDispatcher {
	return &HTTPDispatcher{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, d.BaseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", req.Method, req.Path, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if d.APIKey != "" {
		httpReq.Header.Set("api-key", d.APIKey)
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}

	resp, err := d.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body for %s %s: %w", req.Method, req.Path, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// ScriptedDispatcher serves canned responses keyed by "METHOD path",
// consuming each queue in FIFO order. Used by replay mode, the debugger
// and tests. The zero value is not usable; use NewScriptedDispatcher.
type ScriptedDispatcher struct {
	queues   map[string][]*Response
	requests []*Request
}

func NewScriptedDispatcher() *ScriptedDispatcher {
	return &ScriptedDispatcher{queues: make(map[string][]*Response)}
}

// Script appends a canned response for the given method and path.
func (d *ScriptedDispatcher) Script(method, path string, resp *Response) {
	key := method + " " + path
	d.queues[key] = append(d.queues[key], resp)
}

// Requests returns every request dispatched so far, in order.
func (d *ScriptedDispatcher) Requests() []*Request {
	return d.requests
}

func (d *ScriptedDispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.requests = append(d.requests, req)

	key := req.Method + " " + req.Path
	queue := d.queues[key]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no scripted response for %s", key)
	}
	resp := queue[0]
	d.queues[key] = queue[1:]
	return resp, nil
}

// JSONResponse builds a 200 response with a JSON body and content type,
// the common case in scripted scenarios.
func JSONResponse(status int, body string) *Response {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Response{StatusCode: status, Header: h, Body: []byte(body)}
}
