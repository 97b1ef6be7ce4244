package auth_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bastion-sec/bastion/internal/auth"
	"github.com/bastion-sec/bastion/internal/clock"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/bastion-sec/bastion/internal/services"
	"github.com/bastion-sec/bastion/internal/store/memory"
	pkghttp "github.com/bastion-sec/bastion/pkg/http"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Handles are signed tokens whose expiry is checked against the wall clock,
// so the fake clock starts at real now instead of a fixed date.
var middlewareBase = time.Now().UTC().Truncate(time.Second)

type middlewareFixture struct {
	clk      *clock.Fake
	tokens   *auth.SessionTokenManager
	sessions *services.SessionService
	handler  http.Handler

	gotIdentity  string
	gotSessionID uuid.UUID
	called       bool
}

func newMiddlewareFixture(t *testing.T) *middlewareFixture {
	t.Helper()

	clk := clock.NewFake(middlewareBase)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	audit := services.NewAuditService(memory.NewEventSink(), clk, logger, services.DefaultAuditConfig())
	sessions := services.NewSessionService(memory.NewSessionStore(), audit, clk, logger, services.SessionConfig{
		MaxActivePerIdentity: 3,
		EvictionPolicy:       services.EvictionReject,
		IdleTimeout:          30 * time.Minute,
		AbsoluteTimeout:      8 * time.Hour,
		Risk:                 services.DefaultRiskConfig(),
	})

	f := &middlewareFixture{
		clk:      clk,
		tokens:   auth.NewSessionTokenManager("middleware-test-secret-32-chars!"),
		sessions: sessions,
	}

	mw := auth.SessionMiddleware(f.tokens, sessions, &pkghttp.IPConfig{})
	f.handler = mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.called = true
		f.gotIdentity, _ = auth.IdentityFromContext(r.Context())
		f.gotSessionID, _ = auth.SessionIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return f
}

// openSession creates a session matching the default httptest client signals
func (f *middlewareFixture) openSession(t *testing.T) (*models.Session, string) {
	t.Helper()
	sample := httptest.NewRequest(http.MethodGet, "/", nil)
	session, err := f.sessions.Create(context.Background(), "alice", "192.0.2.1",
		auth.ClientSignature(sample), auth.Fingerprint(sample))
	require.NoError(t, err)
	handle, err := f.tokens.Mint(session)
	require.NoError(t, err)
	return session, handle
}

func TestSessionMiddlewareAcceptsValidHandle(t *testing.T) {
	f := newMiddlewareFixture(t)
	session, handle := f.openSession(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+handle)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.called)
	assert.Equal(t, "alice", f.gotIdentity)
	assert.Equal(t, session.ID, f.gotSessionID)
}

func TestSessionMiddlewareRejectsMissingHeader(t *testing.T) {
	f := newMiddlewareFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, f.called)
}

func TestSessionMiddlewareRejectsMalformedHandle(t *testing.T) {
	f := newMiddlewareFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, f.called)
}

func TestSessionMiddlewareRejectsRevokedSession(t *testing.T) {
	f := newMiddlewareFixture(t)
	session, handle := f.openSession(t)
	require.NoError(t, f.sessions.Revoke(context.Background(), session.ID, "test"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+handle)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, f.called)
}

func TestSessionMiddlewareRejectsIdleSession(t *testing.T) {
	f := newMiddlewareFixture(t)
	_, handle := f.openSession(t)

	f.clk.Advance(31 * time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+handle)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, f.called)
}

func TestSessionMiddlewareRejectsUnknownSession(t *testing.T) {
	f := newMiddlewareFixture(t)

	handle, err := f.tokens.Mint(&models.Session{
		ID:        uuid.New(),
		Identity:  "alice",
		CreatedAt: f.clk.Now(),
		ExpiresAt: f.clk.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+handle)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, f.called)
}

func TestClientSignatureStability(t *testing.T) {
	a := httptest.NewRequest(http.MethodGet, "/", nil)
	a.Header.Set("User-Agent", "browser/1.0")
	a.Header.Set("Accept-Language", "en-US")

	b := httptest.NewRequest(http.MethodGet, "/", nil)
	b.Header.Set("User-Agent", "browser/1.0")
	b.Header.Set("Accept-Language", "en-US")

	c := httptest.NewRequest(http.MethodGet, "/", nil)
	c.Header.Set("User-Agent", "other/2.0")
	c.Header.Set("Accept-Language", "en-US")

	assert.Equal(t, auth.ClientSignature(a), auth.ClientSignature(b))
	assert.NotEqual(t, auth.ClientSignature(a), auth.ClientSignature(c))
}

func TestContextWithSessionAccessors(t *testing.T) {
	id := uuid.New()
	ctx := auth.ContextWithSession(context.Background(), "alice", id)

	identity, ok := auth.IdentityFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "alice", identity)

	sessionID, ok := auth.SessionIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, id, sessionID)

	_, ok = auth.IdentityFromContext(context.Background())
	assert.False(t, ok)
}
