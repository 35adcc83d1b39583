package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/onnwee/huddle/chat"
)

// apiResponse is the envelope used by the JSON endpoints.
type apiResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Token   string         `json:"token,omitempty"`
	User    *chat.Identity `json:"user,omitempty"`
	Event   *chat.Event    `json:"event,omitempty"`
}

func failure(msg string) apiResponse {
	return apiResponse{Success: false, Message: msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err), slog.String("component", "http"))
	}
}

// statusFor maps an error class to its HTTP status.
func statusFor(err error) int {
	switch chat.Classify(err) {
	case chat.ErrorClassUnauthenticated:
		return http.StatusUnauthorized
	case chat.ErrorClassValidation:
		return http.StatusBadRequest
	case chat.ErrorClassNotFound:
		return http.StatusNotFound
	case chat.ErrorClassUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err with the status of its class. Internal details are
// logged, not returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := http.StatusText(status)
	if status == http.StatusBadRequest {
		msg = err.Error()
	}
	if status >= 500 {
		slog.Error("request failed", slog.String("path", r.URL.Path), slog.Any("err", err), slog.String("component", "http"))
	}
	writeJSON(w, status, failure(msg))
}

// parseDateQuery reads an RFC 3339 timestamp or a YYYY-MM-DD date. A bare
// date used as an end bound covers the whole day.
func parseDateQuery(r *http.Request, key string, endOfDay bool) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s %q", chat.ErrValidation, key, v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// getEnvInt returns an integer environment variable value or default if not set or invalid.
func getEnvInt(key string, defaultVal int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return defaultVal
}
