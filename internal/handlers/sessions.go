package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/bastion-sec/bastion/internal/auth"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/bastion-sec/bastion/internal/services"
	pkghttp "github.com/bastion-sec/bastion/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// SessionHandler handles session inspection and revocation
type SessionHandler struct {
	sessions *services.SessionService
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(sessions *services.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// SessionView is the externally visible shape of a session
type SessionView struct {
	ID             string    `json:"id"`
	Origin         string    `json:"origin"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Current        bool      `json:"current"`
}

// List returns the caller's active sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}
	currentID, _ := auth.SessionIDFromContext(r.Context())

	sessions, err := h.sessions.List(r.Context(), identity)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, SessionView{
			ID:             s.ID.String(),
			Origin:         s.Origin,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			ExpiresAt:      s.ExpiresAt,
			Current:        s.ID == currentID,
		})
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

// Revoke terminates one of the caller's sessions
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		pkghttp.WriteBadRequest(w, "Invalid session id")
		return
	}

	// Only the owner may revoke; confirm before acting
	owned, err := h.sessions.List(r.Context(), identity)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	found := false
	for _, s := range owned {
		if s.ID == sessionID {
			found = true
			break
		}
	}
	if !found {
		pkghttp.WriteNotFound(w, "Session not found")
		return
	}

	if err := h.sessions.Revoke(r.Context(), sessionID, "user_request"); err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			pkghttp.WriteNotFound(w, "Session not found")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeAll terminates every session of the caller, including the current one
func (h *SessionHandler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	revoked, err := h.sessions.RevokeAll(r.Context(), identity, "user_request")
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{"revoked": revoked})
}
