package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bastion-sec/bastion/internal/auth"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/bastion-sec/bastion/internal/services"
	pkghttp "github.com/bastion-sec/bastion/pkg/http"
)

// AuthHandler handles login and credential change requests
type AuthHandler struct {
	credentials *services.CredentialService
	challenges  *services.ChallengeService
	sessions    *services.SessionService
	tokens      *auth.SessionTokenManager
	ipConfig    *pkghttp.IPConfig
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(
	credentials *services.CredentialService,
	challenges *services.ChallengeService,
	sessions *services.SessionService,
	tokens *auth.SessionTokenManager,
	ipConfig *pkghttp.IPConfig,
) *AuthHandler {
	return &AuthHandler{
		credentials: credentials,
		challenges:  challenges,
		sessions:    sessions,
		tokens:      tokens,
		ipConfig:    ipConfig,
	}
}

// LoginRequest represents the request body for login
type LoginRequest struct {
	Identity string `json:"identity" validate:"required,min=1,max=255"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse is returned on a successful primary authentication. When a
// second factor is enrolled, no session is created yet; the caller must
// complete a challenge.
type LoginResponse struct {
	MFARequired bool                `json:"mfa_required"`
	Methods     []models.MethodKind `json:"methods,omitempty"`
	Session     *SessionResponse    `json:"session,omitempty"`
}

// SessionResponse carries a minted session handle
type SessionResponse struct {
	Handle    string    `json:"handle"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChangePasswordRequest represents the request body for a credential change
type ChangePasswordRequest struct {
	Current   string `json:"current_password" validate:"required"`
	Candidate string `json:"new_password" validate:"required"`
}

// Login verifies the primary credential. If a second factor is enrolled the
// response demands it; otherwise a session is opened immediately.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}
	req.Identity = strings.ToLower(strings.TrimSpace(req.Identity))

	origin := pkghttp.ExtractClientIP(r, h.ipConfig)

	if err := h.credentials.Verify(r.Context(), req.Identity, origin, req.Password); err != nil {
		h.writeAuthError(w, err)
		return
	}

	methods, err := h.challenges.Methods(r.Context(), req.Identity)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	if len(methods) > 0 {
		pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{MFARequired: true, Methods: methods})
		return
	}

	session, err := h.openSession(w, r, req.Identity, origin)
	if err != nil {
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{Session: session})
}

// ChangePassword rotates the caller's credential. Requires a valid session.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	origin := pkghttp.ExtractClientIP(r, h.ipConfig)
	result, err := h.credentials.Change(r.Context(), identity, origin, req.Current, req.Candidate)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUnauthorized):
			pkghttp.WriteUnauthorized(w, "Authentication failed")
		case errors.Is(err, models.ErrBadRequest):
			pkghttp.WriteJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":      "policy_violation",
				"violations": result.Violations,
				"strength":   result.Strength,
			})
		case errors.Is(err, models.ErrStoreUnavailable):
			pkghttp.WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "Service temporarily unavailable")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"strength": result.Strength,
	})
}

// CheckPassword validates a candidate against policy without changing anything
func (h *AuthHandler) CheckPassword(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req struct {
		Candidate string `json:"password" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.credentials.CheckPolicy(r.Context(), identity, req.Candidate)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"valid":      result.Valid,
		"strength":   result.Strength,
		"violations": result.Violations,
	})
}

// openSession creates a session and mints its handle, writing the error
// response itself on failure.
func (h *AuthHandler) openSession(w http.ResponseWriter, r *http.Request, identity, origin string) (*SessionResponse, error) {
	session, err := h.sessions.Create(r.Context(), identity, origin, auth.ClientSignature(r), auth.Fingerprint(r))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrConcurrencyLimit):
			pkghttp.WriteConflict(w, "Active session limit reached")
		case errors.Is(err, models.ErrRiskRejected):
			pkghttp.WriteForbidden(w, "Session rejected")
		case errors.Is(err, models.ErrStoreUnavailable):
			pkghttp.WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "Service temporarily unavailable")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return nil, err
	}

	handle, err := h.tokens.Mint(session)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return nil, err
	}

	return &SessionResponse{
		Handle:    handle,
		SessionID: session.ID.String(),
		ExpiresAt: session.ExpiresAt,
	}, nil
}

func (h *AuthHandler) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrLocked):
		// A locked account answers like a failed login with a retry hint
		pkghttp.WriteTooManyRequests(w, "Too many failed attempts. Please try again later.")
	case errors.Is(err, models.ErrStoreUnavailable):
		pkghttp.WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "Service temporarily unavailable")
	case errors.Is(err, models.ErrUnauthorized):
		pkghttp.WriteUnauthorized(w, "Authentication failed")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
