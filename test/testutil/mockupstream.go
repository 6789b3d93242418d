package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockUpstream is an httptest.Server that simulates a streaming chat
// completions endpoint at /v1/chat/completions.
type MockUpstream struct {
	Server *httptest.Server

	// Fragments are sent as content deltas, one event each.
	Fragments []string
	// OmitStop drops the finish_reason "stop" event and simulates a cut connection.
	OmitStop bool
	// Status overrides the response status; non-2xx replies with ErrorBody.
	Status    int
	ErrorBody string
	// Delay is slept between events.
	Delay time.Duration

	mu          sync.Mutex
	lastBody    []byte
	lastHeaders http.Header
	requests    int
}

// NewMockUpstream creates and starts a mock upstream streaming fragments.
func NewMockUpstream(fragments ...string) *MockUpstream {
	return NewMockUpstreamWith(func(m *MockUpstream) { m.Fragments = fragments })
}

// NewMockUpstreamWith lets configure set the exported fields before the
// server starts; they must not be changed afterwards.
func NewMockUpstreamWith(configure func(*MockUpstream)) *MockUpstream {
	m := &MockUpstream{Status: http.StatusOK}
	configure(m)
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.Server.Close()
}

// URL returns the chat completions endpoint of the mock server.
func (m *MockUpstream) URL() string {
	return m.Server.URL + "/v1/chat/completions"
}

// LastRequest returns the raw body and headers of the most recent request.
func (m *MockUpstream) LastRequest() ([]byte, http.Header) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBody, m.lastHeaders
}

// Requests returns how many requests were received.
func (m *MockUpstream) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

func (m *MockUpstream) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat/completions" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.lastBody = body
	m.lastHeaders = r.Header.Clone()
	m.requests++
	m.mu.Unlock()

	if m.Status < 200 || m.Status >= 300 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(m.Status)
		_, _ = io.WriteString(w, m.ErrorBody)
		return
	}
	m.writeStreaming(w, r)
}

func (m *MockUpstream) writeStreaming(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, hasFlusher := w.(http.Flusher)

	send := func(delta map[string]any, finish any) bool {
		chunk := map[string]any{
			"id":      "chatcmpl-mock",
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   "mock",
			"choices": []any{map[string]any{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		}
		data, _ := json.Marshal(chunk)
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		if hasFlusher {
			flusher.Flush()
		}
		if m.Delay > 0 {
			select {
			case <-time.After(m.Delay):
			case <-r.Context().Done():
				return false
			}
		}
		return true
	}

	if !send(map[string]any{"role": "assistant"}, nil) {
		return
	}
	for _, f := range m.Fragments {
		if !send(map[string]any{"content": f}, nil) {
			return
		}
	}
	if m.OmitStop {
		return
	}
	if !send(map[string]any{}, "stop") {
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if hasFlusher {
		flusher.Flush()
	}
}
