package server

import (
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/onnwee/huddle/chat"
	"github.com/onnwee/huddle/telemetry"
)

// HandleWebSocket upgrades the request and joins the caller to the room.
// Authentication happens after the upgrade so a failure can be reported with
// an auth-error frame before the socket closes.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("websocket upgrade failed",
			slog.Any("err", err), slog.String("component", "http_ws"))
		return
	}

	ctx := r.Context()
	c, err := h.room.Connect(ctx, tokenFromRequest(r))
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Info("websocket rejected",
			slog.String("remote_addr", clientIP(r)),
			slog.String("class", chat.Classify(err).String()),
			slog.String("component", "http_ws"))
		chat.RejectAuth(ws, err)
		return
	}
	h.room.Serve(ctx, ws, c)
}

type presenceResponse struct {
	RoomCount int      `json:"roomCount"`
	Members   []string `json:"members"`
}

// HandlePresence reports the live room size and the online identity ids.
func (h *Handlers) HandlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p := h.room.Presence()
	members := p.Members()
	if members == nil {
		members = []string{}
	}
	writeJSON(w, http.StatusOK, presenceResponse{RoomCount: p.Count(), Members: members})
}

// formFile parses a multipart body bounded by the upload limit and returns
// the named part.
func (h *Handlers) formFile(w http.ResponseWriter, r *http.Request, field string) (multipart.File, string, error) {
	limit := h.uploads.MaxBytes()
	// Leave room for multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, "", fmt.Errorf("%w: file exceeds upload limit", chat.ErrValidation)
		}
		return nil, "", fmt.Errorf("%w: invalid multipart body", chat.ErrValidation)
	}
	f, hdr, err := r.FormFile(field)
	if err != nil {
		return nil, "", fmt.Errorf("%w: missing %q file field", chat.ErrValidation, field)
	}
	return f, hdr.Filename, nil
}

// HandleUpload stores a shared file and broadcasts it as a file-message.
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims := claimsFrom(r.Context())
	f, name, err := h.formFile(w, r, "file")
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()

	fd, err := h.uploads.SaveFile(name, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ev, err := h.room.SendFile(r.Context(), claims.Subject, fd)
	if err != nil {
		if rmErr := h.uploads.Remove(fd); rmErr != nil {
			slog.Warn("failed to remove orphaned upload", slog.Any("err", rmErr), slog.String("component", "http_upload"))
		}
		writeError(w, r, err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("file shared",
		slog.String("user_id", claims.Subject),
		slog.String("file", fd.Name),
		slog.String("component", "http_upload"))
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Event: ev})
}

// HandleAvatarUpload replaces the caller's avatar and thumbnail.
func (h *Handlers) HandleAvatarUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims := claimsFrom(r.Context())
	f, name, err := h.formFile(w, r, "avatar")
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()

	avatar, thumb, err := h.uploads.SaveAvatar(claims.Subject, name, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := h.users.UpdateAvatar(r.Context(), claims.Subject, avatar, thumb)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, User: user})
}
