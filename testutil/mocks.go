package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// ResponderRequest is the body the bot bridge posts to the responder.
type ResponderRequest struct {
	Message  string `json:"message"`
	Username string `json:"username"`
}

// MockResponder is an httptest server standing in for the external bot service.
type MockResponder struct {
	*httptest.Server

	mu       sync.Mutex
	handler  http.HandlerFunc
	requests []ResponderRequest
}

// NewMockResponder starts a responder that answers 404 until configured.
func NewMockResponder(t *testing.T) *MockResponder {
	t.Helper()
	m := &MockResponder{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ResponderRequest
		_ = json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck // recorded as-is
		m.mu.Lock()
		m.requests = append(m.requests, req)
		h := m.handler
		m.mu.Unlock()
		if h == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(m.Close)
	return m
}

// Reply answers every request with {"response": text}.
func (m *MockResponder) Reply(text string) {
	m.set(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"response": text}) //nolint:errcheck // test mock response
	})
}

// Fail answers every request with status.
func (m *MockResponder) Fail(status int) {
	m.set(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(status), status)
	})
}

// Raw answers every request with body verbatim.
func (m *MockResponder) Raw(body string) {
	m.set(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body)) //nolint:errcheck // test mock response
	})
}

// Stall waits for d (or the client to give up) before replying.
func (m *MockResponder) Stall(d time.Duration, text string) {
	m.set(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"response": text}) //nolint:errcheck // test mock response
	})
}

// Requests returns a copy of every request received so far.
func (m *MockResponder) Requests() []ResponderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ResponderRequest(nil), m.requests...)
}

func (m *MockResponder) set(h http.HandlerFunc) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}
