package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// ExecutorCall is one request the fake executor received.
type ExecutorCall struct {
	Header http.Header
	Body   map[string]any
}

// Executor is a fake query executor serving /api/query/execute and
// /api/health.
type Executor struct {
	Server *httptest.Server

	mu       sync.Mutex
	calls    []ExecutorCall
	status   int
	body     string
	delay      time.Duration
	retryAfter string
	healthOK   bool
}

// NewExecutor starts a fake executor that answers every query with a
// two-row success. It is closed on test cleanup.
func NewExecutor(t *testing.T) *Executor {
	t.Helper()

	e := &Executor{
		status:   http.StatusOK,
		body:     `{"success":true,"data":[{"n":1},{"n":2}],"rowCount":2,"executionTime":0.042}`,
		healthOK: true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/query/execute", e.serveQuery)
	mux.HandleFunc("GET /api/health", e.serveHealth)
	e.Server = httptest.NewServer(mux)
	t.Cleanup(e.Server.Close)

	return e
}

// URL is the executor base URL.
func (e *Executor) URL() string { return e.Server.URL }

// Respond sets the status and raw body of subsequent query responses.
func (e *Executor) Respond(status int, body string) {
	e.mu.Lock()
	e.status, e.body = status, body
	e.mu.Unlock()
}

// RetryAfter sets a Retry-After header on subsequent query responses.
func (e *Executor) RetryAfter(v string) {
	e.mu.Lock()
	e.retryAfter = v
	e.mu.Unlock()
}

// Delay makes subsequent query responses wait d first.
func (e *Executor) Delay(d time.Duration) {
	e.mu.Lock()
	e.delay = d
	e.mu.Unlock()
}

// SetHealthy controls the health endpoint.
func (e *Executor) SetHealthy(ok bool) {
	e.mu.Lock()
	e.healthOK = ok
	e.mu.Unlock()
}

// Calls returns the query requests received so far.
func (e *Executor) Calls() []ExecutorCall {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]ExecutorCall(nil), e.calls...)
}

func (e *Executor) serveQuery(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)

	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	e.mu.Lock()
	e.calls = append(e.calls, ExecutorCall{Header: r.Header.Clone(), Body: body})
	status, resp, delay, retryAfter := e.status, e.body, e.delay, e.retryAfter
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")

	if retryAfter != "" {
		w.Header().Set("Retry-After", retryAfter)
	}

	w.WriteHeader(status)
	_, _ = io.WriteString(w, resp)
}

func (e *Executor) serveHealth(w http.ResponseWriter, _ *http.Request) {
	e.mu.Lock()
	ok := e.healthOK
	e.mu.Unlock()

	if !ok {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}

	_, _ = io.WriteString(w, `{"status":"ok"}`)
}
