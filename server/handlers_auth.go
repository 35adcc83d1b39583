package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/huddle/chat"
	"github.com/onnwee/huddle/telemetry"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleLogin verifies credentials, issues a session token and sets it as an
// HttpOnly cookie. The token is also returned for clients that cannot use cookies.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, failure("invalid json"))
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, failure("username and password are required"))
		return
	}

	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "http_auth"))
	user, err := h.users.FindByCredentials(r.Context(), req.Username, req.Password)
	if errors.Is(err, chat.ErrUnauthenticated) {
		telemetry.Inc(telemetry.AuthFailures)
		log.Info("login rejected", slog.String("username", req.Username))
		writeJSON(w, http.StatusUnauthorized, failure("Invalid username or password"))
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	token, exp, err := h.sessions.Issue(user.ID, user.Username, user.IsAdmin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
	log.Info("login", slog.String("user_id", user.ID), slog.String("username", user.Username))
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Token: token, User: user})
}

// HandleLogout clears the session cookie. Issued tokens stay valid until they expire.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, apiResponse{Success: true})
}
