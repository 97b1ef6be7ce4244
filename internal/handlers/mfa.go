package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bastion-sec/bastion/internal/auth"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/bastion-sec/bastion/internal/services"
	pkghttp "github.com/bastion-sec/bastion/pkg/http"
	"github.com/google/uuid"
)

// MFAHandler handles second-factor challenge and enrollment requests
type MFAHandler struct {
	challenges *services.ChallengeService
	sessions   *services.SessionService
	tokens     *auth.SessionTokenManager
	authH      *AuthHandler
	ipConfig   *pkghttp.IPConfig
}

// NewMFAHandler creates a new MFAHandler
func NewMFAHandler(challenges *services.ChallengeService, sessions *services.SessionService, tokens *auth.SessionTokenManager, authH *AuthHandler, ipConfig *pkghttp.IPConfig) *MFAHandler {
	return &MFAHandler{
		challenges: challenges,
		sessions:   sessions,
		tokens:     tokens,
		authH:      authH,
		ipConfig:   ipConfig,
	}
}

// IssueChallengeRequest asks for a new challenge
type IssueChallengeRequest struct {
	Identity string `json:"identity" validate:"required,min=1,max=255"`
	Method   string `json:"method" validate:"required,oneof=totp oob"`
}

// VerifyChallengeRequest submits a challenge code
type VerifyChallengeRequest struct {
	Identity    string `json:"identity" validate:"required,min=1,max=255"`
	Method      string `json:"method" validate:"required,oneof=totp oob"`
	ChallengeID string `json:"challenge_id,omitempty" validate:"omitempty,uuid"`
	Code        string `json:"code" validate:"required,min=4,max=16"`
}

// BackupCodeRequest submits a recovery code
type BackupCodeRequest struct {
	Identity string `json:"identity" validate:"required,min=1,max=255"`
	Method   string `json:"method" validate:"required,oneof=totp oob"`
	Code     string `json:"code" validate:"required,min=4,max=16"`
}

// EnrollOOBRequest starts an out-of-band enrollment
type EnrollOOBRequest struct {
	Contact string `json:"contact" validate:"required,email"`
}

// Issue starts a challenge for a partially authenticated identity
func (h *MFAHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req IssueChallengeRequest
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
	challenge, err := h.challenges.Issue(r.Context(), req.Identity, origin, models.MethodKind(req.Method))
	if err != nil {
		h.writeChallengeError(w, err)
		return
	}

	resp := map[string]interface{}{
		"method":     challenge.Method,
		"expires_at": challenge.ExpiresAt,
	}
	if challenge.ID != uuid.Nil {
		resp["challenge_id"] = challenge.ID.String()
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// Verify submits a code and, on success, opens a session
func (h *MFAHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}
	req.Identity = strings.ToLower(strings.TrimSpace(req.Identity))

	var challengeID uuid.UUID
	if req.ChallengeID != "" {
		id, err := uuid.Parse(req.ChallengeID)
		if err != nil {
			pkghttp.WriteBadRequest(w, "Invalid challenge id")
			return
		}
		challengeID = id
	}

	origin := pkghttp.ExtractClientIP(r, h.ipConfig)
	if err := h.challenges.Verify(r.Context(), req.Identity, origin, models.MethodKind(req.Method), challengeID, req.Code); err != nil {
		h.writeChallengeError(w, err)
		return
	}

	session, err := h.authH.openSession(w, r, req.Identity, origin)
	if err != nil {
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{Session: session})
}

// VerifyBackup consumes a recovery code and, on success, opens a session
func (h *MFAHandler) VerifyBackup(w http.ResponseWriter, r *http.Request) {
	var req BackupCodeRequest
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
	if err := h.challenges.VerifyBackupCode(r.Context(), req.Identity, origin, models.MethodKind(req.Method), req.Code); err != nil {
		h.writeChallengeError(w, err)
		return
	}

	session, err := h.authH.openSession(w, r, req.Identity, origin)
	if err != nil {
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{Session: session})
}

// EnrollTOTP enrolls the caller in time-based challenges. The response is
// the only place the secret, QR, and backup codes ever appear.
func (h *MFAHandler) EnrollTOTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	setup, err := h.challenges.EnrollTOTP(r.Context(), identity)
	if err != nil {
		h.writeChallengeError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"method":       setup.Enrollment.Method,
		"secret":       setup.Secret,
		"qr_code":      setup.QRCode,
		"backup_codes": setup.BackupCodes,
	})
}

// EnrollOOB enrolls the caller in out-of-band challenges
func (h *MFAHandler) EnrollOOB(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req EnrollOOBRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	setup, err := h.challenges.EnrollOOB(r.Context(), identity, req.Contact)
	if err != nil {
		h.writeChallengeError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"method":       setup.Enrollment.Method,
		"backup_codes": setup.BackupCodes,
	})
}

// Disable removes one of the caller's enrollments
func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	method := models.MethodKind(r.URL.Query().Get("method"))
	if !method.Valid() {
		pkghttp.WriteBadRequest(w, "method must be totp or oob")
		return
	}

	if err := h.challenges.Disable(r.Context(), identity, method); err != nil {
		h.writeChallengeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Methods lists the caller's enrolled challenge methods
func (h *MFAHandler) Methods(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	methods, err := h.challenges.Methods(r.Context(), identity)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{"methods": methods})
}

func (h *MFAHandler) writeChallengeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotEnrolled):
		pkghttp.WriteNotFound(w, "No enrollment for this method")
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, "Already enrolled for this method")
	case errors.Is(err, models.ErrChallengeExpired):
		pkghttp.WriteError(w, http.StatusGone, "challenge_expired", "Challenge has expired")
	case errors.Is(err, models.ErrChallengeConsumed):
		pkghttp.WriteConflict(w, "Challenge already used")
	case errors.Is(err, models.ErrChallengeNotFound):
		pkghttp.WriteNotFound(w, "Challenge not found")
	case errors.Is(err, models.ErrCodeMismatch):
		pkghttp.WriteUnauthorized(w, "Verification failed")
	case errors.Is(err, models.ErrLocked):
		pkghttp.WriteTooManyRequests(w, "Too many failed attempts. Please try again later.")
	case errors.Is(err, models.ErrProviderUnavailable):
		pkghttp.WriteError(w, http.StatusServiceUnavailable, "provider_unavailable", "Challenge provider unavailable")
	case errors.Is(err, models.ErrStoreUnavailable):
		pkghttp.WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "Service temporarily unavailable")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "Invalid request")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
