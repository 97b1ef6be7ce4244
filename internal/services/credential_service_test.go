package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bastion-sec/bastion/internal/auth"
	"github.com/bastion-sec/bastion/internal/models"
	pkgauth "github.com/bastion-sec/bastion/pkg/auth"
	"github.com/bastion-sec/bastion/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "Correct-Horse9-Battery"

var (
	testSecretHashOnce sync.Once
	testSecretHash     string
)

// hashedTestSecret computes the bcrypt fixture once; cost 14 is too slow to
// repeat per test.
func hashedTestSecret(t *testing.T) string {
	t.Helper()
	testSecretHashOnce.Do(func() {
		hash, err := pkgauth.HashPassword(testSecret)
		if err != nil {
			t.Fatalf("hashing fixture secret: %v", err)
		}
		testSecretHash = hash
	})
	return testSecretHash
}

func newCredentialService(env *testEnv, sessions *SessionService) *CredentialService {
	return NewCredentialService(
		env.credentials,
		policy.New(policy.DefaultConfig()),
		env.lockout,
		sessions,
		env.audit,
		auth.NewTimingDelay(auth.TimingConfig{}),
		env.clk,
		testLogger(),
		5,
	)
}

func seedCredential(t *testing.T, env *testEnv) {
	t.Helper()
	require.NoError(t, env.credentials.Update(context.Background(), &models.CredentialRecord{
		Identity:  "alice",
		Hash:      hashedTestSecret(t),
		CreatedAt: testBase.Add(-30 * 24 * time.Hour),
	}))
}

func TestCredential_VerifySuccess(t *testing.T) {
	env := newTestEnv()
	seedCredential(t, env)
	svc := newCredentialService(env, nil)

	require.NoError(t, svc.Verify(context.Background(), "alice", "10.0.0.1", testSecret))

	events := env.eventsOfKind(models.EventKindLoginSuccess)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", *events[0].Identity)
}

func TestCredential_VerifyWrongSecret(t *testing.T) {
	env := newTestEnv()
	seedCredential(t, env)
	svc := newCredentialService(env, nil)

	err := svc.Verify(context.Background(), "alice", "10.0.0.1", "not-the-secret")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	events := env.eventsOfKind(models.EventKindLoginFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "mismatch", events[0].Detail["reason"])
}

func TestCredential_VerifyUnknownIdentity(t *testing.T) {
	env := newTestEnv()
	seedCredential(t, env)
	svc := newCredentialService(env, nil)

	err := svc.Verify(context.Background(), "nobody", "10.0.0.1", "whatever")
	assert.ErrorIs(t, err, models.ErrUnauthorized, "unknown identity maps to the same error as a mismatch")

	// Only the audit trail records the difference
	events := env.eventsOfKind(models.EventKindLoginFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "unknown_identity", events[0].Detail["reason"])
}

func TestCredential_VerifyFeedsLockout(t *testing.T) {
	env := newTestEnv()
	seedCredential(t, env)
	svc := newCredentialService(env, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := svc.Verify(ctx, "alice", "10.0.0.1", "not-the-secret")
		assert.ErrorIs(t, err, models.ErrUnauthorized)
	}

	// Even the correct secret is refused while locked
	err := svc.Verify(ctx, "alice", "10.0.0.1", testSecret)
	assert.ErrorIs(t, err, models.ErrLocked)
}

func TestCredential_VerifySuccessClearsLockoutCounters(t *testing.T) {
	env := newTestEnv()
	seedCredential(t, env)
	svc := newCredentialService(env, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = svc.Verify(ctx, "alice", "10.0.0.1", "not-the-secret")
	}
	require.NoError(t, svc.Verify(ctx, "alice", "10.0.0.1", testSecret))

	// Counter was reset by the success
	for i := 0; i < 4; i++ {
		_ = svc.Verify(ctx, "alice", "10.0.0.1", "not-the-secret")
	}
	require.NoError(t, svc.Verify(ctx, "alice", "10.0.0.1", testSecret))
}

func TestCredential_CheckPolicy(t *testing.T) {
	env := newTestEnv()
	seedCredential(t, env)
	svc := newCredentialService(env, nil)

	result, err := svc.CheckPolicy(context.Background(), "alice", "short")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Violations, policy.ViolationTooShort)

	result, err = svc.CheckPolicy(context.Background(), "alice", "Zx9!mKqW-pLr7Tv")
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestCredential_ChangeRequiresCurrentSecret(t *testing.T) {
	env := newTestEnv()
	seedCredential(t, env)
	svc := newCredentialService(env, nil)

	_, err := svc.Change(context.Background(), "alice", "10.0.0.1", "wrong-current", "Zx9!mKqW-pLr7Tv")
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestCredential_ChangeRejectsPolicyViolations(t *testing.T) {
	env := newTestEnv()
	seedCredential(t, env)
	svc := newCredentialService(env, nil)

	result, err := svc.Change(context.Background(), "alice", "10.0.0.1", testSecret, "weak")
	assert.ErrorIs(t, err, models.ErrBadRequest)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Violations)
}

func TestCredential_ChangeRejectsReuse(t *testing.T) {
	env := newTestEnv()
	seedCredential(t, env)
	svc := newCredentialService(env, nil)

	result, err := svc.Change(context.Background(), "alice", "10.0.0.1", testSecret, testSecret)
	assert.ErrorIs(t, err, models.ErrBadRequest)
	assert.Contains(t, result.Violations, policy.ViolationRecentlyUsed)
}

func TestCredential_ChangeRevokesSessions(t *testing.T) {
	env := newTestEnv()
	seedCredential(t, env)
	sessions := newSessionService(env, testSessionConfig())
	svc := newCredentialService(env, sessions)
	ctx := context.Background()

	session, err := sessions.Create(ctx, "alice", "10.0.0.1", "sig-a", "fp-a")
	require.NoError(t, err)

	const next = "Zx9!mKqW-pLr7Tv"
	result, err := svc.Change(ctx, "alice", "10.0.0.1", testSecret, next)
	require.NoError(t, err)
	assert.True(t, result.Valid)

	_, err = sessions.Validate(ctx, session.ID, "10.0.0.1", "sig-a", "fp-a")
	assert.ErrorIs(t, err, models.ErrSessionRevoked)

	// Old secret retired, new one live
	assert.ErrorIs(t, svc.Verify(ctx, "alice", "10.0.0.1", testSecret), models.ErrUnauthorized)
	require.NoError(t, svc.Verify(ctx, "alice", "10.0.0.2", next))

	events := env.eventsOfKind(models.EventKindPasswordChange)
	require.Len(t, events, 1)
}

func TestCredential_SetEnforcesPolicy(t *testing.T) {
	env := newTestEnv()
	svc := newCredentialService(env, nil)

	_, err := svc.Set(context.Background(), "bob", "password123!")
	assert.ErrorIs(t, err, models.ErrBadRequest)

	result, err := svc.Set(context.Background(), "bob", "Qn7!vRt-Wp2xKm")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	require.NoError(t, svc.Verify(context.Background(), "bob", "10.0.0.1", "Qn7!vRt-Wp2xKm"))
}
