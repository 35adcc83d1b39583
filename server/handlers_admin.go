package server

import (
	"net/http"
	"slices"

	"github.com/onnwee/huddle/chat"
)

// HandleExportMessages returns every message between startDate and endDate
// (inclusive, both optional) as a JSON array, oldest first.
func (h *Handlers) HandleExportMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start, err := parseDateQuery(r, "startDate", false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	end, err := parseDateQuery(r, "endDate", true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := h.messages.FindByRange(r.Context(), start, end)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []chat.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

type adminUser struct {
	chat.Identity
	Online bool `json:"online"`
}

// HandleAdminUsers lists registered users with their online state.
func (h *Handlers) HandleAdminUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	users, err := h.users.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	online := h.room.Presence().Members()
	out := make([]adminUser, 0, len(users))
	for _, u := range users {
		_, found := slices.BinarySearch(online, u.ID)
		out = append(out, adminUser{Identity: u, Online: found})
	}
	writeJSON(w, http.StatusOK, out)
}
