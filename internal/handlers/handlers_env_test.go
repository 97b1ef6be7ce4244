package handlers_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bastion-sec/bastion/internal/auth"
	"github.com/bastion-sec/bastion/internal/clock"
	"github.com/bastion-sec/bastion/internal/handlers"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/bastion-sec/bastion/internal/services"
	"github.com/bastion-sec/bastion/internal/store/memory"
	pkgauth "github.com/bastion-sec/bastion/pkg/auth"
	pkghttp "github.com/bastion-sec/bastion/pkg/http"
	"github.com/bastion-sec/bastion/pkg/policy"
	"github.com/stretchr/testify/require"
)

// Session handles are signed tokens whose expiry is checked against the wall
// clock, so the fake clock starts at real now instead of a fixed date.
var testBase = time.Now().UTC().Truncate(time.Second)

const (
	testPassword     = "Correct-Horse9-Battery"
	testHandleSecret = "test-handle-secret-of-decent-len"
)

var testEncryptionKey = []byte("0123456789abcdef0123456789abcdef")

var (
	passwordHashOnce sync.Once
	passwordHash     string
)

// hashedPassword computes the bcrypt fixture once; cost 14 is too slow to
// repeat per test.
func hashedPassword(t *testing.T) string {
	t.Helper()
	passwordHashOnce.Do(func() {
		hash, err := pkgauth.HashPassword(testPassword)
		if err != nil {
			t.Fatalf("hashing fixture password: %v", err)
		}
		passwordHash = hash
	})
	return passwordHash
}

// captureChannel records out-of-band deliveries for inspection
type captureChannel struct {
	mu      sync.Mutex
	sent    []string
	sendErr error
}

func (c *captureChannel) Send(ctx context.Context, contact, subject, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, body)
	return nil
}

// deliveredCode extracts the plaintext code from the last delivered message
func (c *captureChannel) deliveredCode(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent, "no message was delivered")
	line, _, _ := strings.Cut(c.sent[len(c.sent)-1], "\n")
	fields := strings.Fields(line)
	require.NotEmpty(t, fields)
	return fields[len(fields)-1]
}

// handlerEnv runs the full stack over memory stores behind the handlers
type handlerEnv struct {
	clk     *clock.Fake
	sink    *memory.EventSink
	channel *captureChannel
	tokens  *auth.SessionTokenManager

	credentials *memory.CredentialStore
	enrollments *memory.EnrollmentStore

	lockoutSvc   *services.LockoutService
	sessionSvc   *services.SessionService
	auditSvc     *services.AuditService
	challengeSvc *services.ChallengeService

	authH     *handlers.AuthHandler
	mfaH      *handlers.MFAHandler
	sessionsH *handlers.SessionHandler
	auditH    *handlers.AuditHandler
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	clk := clock.NewFake(testBase)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := memory.NewEventSink()
	channel := &captureChannel{}

	credentials := memory.NewCredentialStore()
	enrollments := memory.NewEnrollmentStore()
	challenges := memory.NewChallengeStore()

	audit := services.NewAuditService(sink, clk, logger, services.DefaultAuditConfig())
	lockout := services.NewLockoutService(memory.NewAtomicStore(clk), audit, clk, logger, services.DefaultLockoutConfig())
	sessions := services.NewSessionService(memory.NewSessionStore(), audit, clk, logger, services.SessionConfig{
		MaxActivePerIdentity: 3,
		EvictionPolicy:       services.EvictionReject,
		IdleTimeout:          30 * time.Minute,
		AbsoluteTimeout:      8 * time.Hour,
		Risk:                 services.DefaultRiskConfig(),
	})

	manager, err := auth.NewTOTPManager(testEncryptionKey, "bastion-test", auth.TOTPConfig{Period: 30, Skew: 1})
	require.NoError(t, err)

	providers := map[models.MethodKind]services.ChallengeProvider{
		models.MethodTimeBased: services.NewTOTPProvider(enrollments, manager, clk),
		models.MethodOutOfBand: services.NewOOBProvider(challenges, enrollments, channel, clk, services.DefaultOOBConfig()),
	}
	challengeSvc := services.NewChallengeService(providers, enrollments, manager, lockout, audit, clk, logger,
		services.ChallengeConfig{BackupCodeCount: 2, BackupCodeLength: 8})

	credentialSvc := services.NewCredentialService(
		credentials,
		policy.New(policy.DefaultConfig()),
		lockout,
		sessions,
		audit,
		auth.NewTimingDelay(auth.TimingConfig{}),
		clk,
		logger,
		5,
	)

	tokens := auth.NewSessionTokenManager(testHandleSecret)
	ipConfig := &pkghttp.IPConfig{}

	authH := handlers.NewAuthHandler(credentialSvc, challengeSvc, sessions, tokens, ipConfig)

	return &handlerEnv{
		clk:          clk,
		sink:         sink,
		channel:      channel,
		tokens:       tokens,
		credentials:  credentials,
		enrollments:  enrollments,
		lockoutSvc:   lockout,
		sessionSvc:   sessions,
		auditSvc:     audit,
		challengeSvc: challengeSvc,
		authH:        authH,
		mfaH:         handlers.NewMFAHandler(challengeSvc, sessions, tokens, authH, ipConfig),
		sessionsH:    handlers.NewSessionHandler(sessions),
		auditH:       handlers.NewAuditHandler(audit, lockout, clk),
	}
}

// seedCredential registers alice with the fixture password
func (e *handlerEnv) seedCredential(t *testing.T) {
	t.Helper()
	require.NoError(t, e.credentials.Update(context.Background(), &models.CredentialRecord{
		Identity:  "alice",
		Hash:      hashedPassword(t),
		CreatedAt: testBase.Add(-30 * 24 * time.Hour),
	}))
}

// openSession creates a session for identity directly through the service
func (e *handlerEnv) openSession(t *testing.T, identity, origin string) *models.Session {
	t.Helper()
	session, err := e.sessionSvc.Create(context.Background(), identity, origin, "sig", "fp")
	require.NoError(t, err)
	return session
}

func record() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}
