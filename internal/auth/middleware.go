package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/bastion-sec/bastion/internal/models"
	pkghttp "github.com/bastion-sec/bastion/pkg/http"
	"github.com/google/uuid"
)

// SessionValidator re-validates a session against the store with the caller's
// current origin and client signals. Satisfied by services.SessionService;
// declared here so auth does not import services (which imports auth).
type SessionValidator interface {
	Validate(ctx context.Context, sessionID uuid.UUID, origin, clientSignature, fingerprint string) (*models.Session, error)
}

type contextKey string

const (
	identityKey  contextKey = "identity"
	sessionIDKey contextKey = "session_id"
)

// ContextWithSession stamps an authenticated identity and its session id
// onto the context, the same way SessionMiddleware does after validation.
func ContextWithSession(ctx context.Context, identity string, sessionID uuid.UUID) context.Context {
	ctx = context.WithValue(ctx, identityKey, identity)
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// IdentityFromContext returns the authenticated identity, if any
func IdentityFromContext(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(identityKey).(string)
	return identity, ok
}

// SessionIDFromContext returns the validated session id, if any
func SessionIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(sessionIDKey).(uuid.UUID)
	return id, ok
}

// ClientSignature derives a stable signature from the client's transport
// characteristics. It is a heuristic risk signal, not an authenticator.
func ClientSignature(r *http.Request) string {
	sum := sha256.Sum256([]byte(r.Header.Get("User-Agent") + "|" + r.Header.Get("Accept-Language")))
	return hex.EncodeToString(sum[:8])
}

// Fingerprint returns the client-asserted device fingerprint, if provided
func Fingerprint(r *http.Request) string {
	return r.Header.Get("X-Device-Fingerprint")
}

// SessionMiddleware authenticates requests with a bearer session handle. The
// handle only names the session; every request is re-validated against the
// session store with the caller's current origin and client signals.
func SessionMiddleware(tokens *SessionTokenManager, sessions SessionValidator, ipConfig *pkghttp.IPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				pkghttp.WriteUnauthorized(w, "Missing or malformed authorization header")
				return
			}

			claims, err := tokens.Parse(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				pkghttp.WriteUnauthorized(w, "Invalid session handle")
				return
			}
			sessionID, err := claims.ParsedSessionID()
			if err != nil {
				pkghttp.WriteUnauthorized(w, "Invalid session handle")
				return
			}

			origin := pkghttp.ExtractClientIP(r, ipConfig)
			session, err := sessions.Validate(r.Context(), sessionID, origin, ClientSignature(r), Fingerprint(r))
			if err != nil {
				switch {
				case errors.Is(err, models.ErrSessionExpired),
					errors.Is(err, models.ErrSessionRevoked),
					errors.Is(err, models.ErrSessionNotFound),
					errors.Is(err, models.ErrRiskRejected):
					pkghttp.WriteUnauthorized(w, "Session is no longer valid")
				default:
					pkghttp.WriteInternalError(w, "Internal server error")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session.Identity, session.ID)))
		})
	}
}
