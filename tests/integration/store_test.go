package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/bastion-sec/bastion/internal/models"
	pgstore "github.com/bastion-sec/bastion/internal/store/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDB *TestDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	db, err := SetupTestDatabase(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "integration setup failed: %v\n", err)
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	_ = testDB.Teardown(ctx)
	os.Exit(code)
}

func cleanTables(t *testing.T) {
	t.Helper()
	require.NoError(t, testDB.CleanupTables(context.Background()))
}

// Postgres stores timestamps at microsecond precision
func pgNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func newEvent(identity string, at time.Time, kind string) *models.AuditEvent {
	return &models.AuditEvent{
		ID:        uuid.New(),
		Timestamp: at,
		Identity:  &identity,
		Origin:    "203.0.113.7",
		Kind:      kind,
		Severity:  models.SeverityInfo,
		Outcome:   models.OutcomeFailure,
		Detail:    models.DetailMap{"reason": "mismatch"},
	}
}

func TestEventSinkRoundTrip(t *testing.T) {
	cleanTables(t)
	sink := pgstore.NewEventSink(testDB.DB)
	ctx := context.Background()
	base := pgNow()

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Append(ctx, newEvent("alice", base.Add(time.Duration(i)*time.Minute), models.EventKindLoginFailed)))
	}
	require.NoError(t, sink.Append(ctx, newEvent("bob", base, models.EventKindLoginSuccess)))

	// Ascending order, To exclusive
	events, err := sink.Query(ctx, models.TimeRange{From: base, To: base.Add(2 * time.Minute)}, models.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp), "ascending order")
	}

	identity := "alice"
	events, err = sink.Query(ctx, models.TimeRange{From: base, To: base.Add(time.Hour)}, models.EventFilter{
		Identity: &identity,
		Kinds:    []string{models.EventKindLoginFailed},
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "mismatch", events[0].Detail["reason"])

	events, err = sink.Query(ctx, models.TimeRange{From: base, To: base.Add(time.Hour)}, models.EventFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	purged, err := sink.DeleteBefore(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged, "both events before the cutoff")
}

func newDBSession(identity string, expiresAt time.Time) *models.Session {
	now := pgNow()
	return &models.Session{
		ID:              uuid.New(),
		Identity:        identity,
		Origin:          "10.0.0.1",
		ClientSignature: "sig",
		Fingerprint:     "fp",
		CreatedAt:       now,
		LastActivityAt:  now,
		ExpiresAt:       expiresAt,
	}
}

func TestSessionStoreEnforcesLimit(t *testing.T) {
	cleanTables(t)
	store := pgstore.NewSessionStore(testDB.DB)
	ctx := context.Background()
	now := pgNow()

	for i := 0; i < 2; i++ {
		require.NoError(t, store.Create(ctx, newDBSession("alice", now.Add(time.Hour)), 2, now))
	}
	err := store.Create(ctx, newDBSession("alice", now.Add(time.Hour)), 2, now)
	assert.ErrorIs(t, err, models.ErrConcurrencyLimit)

	// Expired sessions do not count against the budget
	require.NoError(t, store.Create(ctx, newDBSession("bob", now.Add(-time.Minute)), 2, now))
	require.NoError(t, store.Create(ctx, newDBSession("bob", now.Add(time.Hour)), 1, now))
}

func TestSessionStoreCompareAndSwap(t *testing.T) {
	cleanTables(t)
	store := pgstore.NewSessionStore(testDB.DB)
	ctx := context.Background()
	now := pgNow()

	session := newDBSession("alice", now.Add(time.Hour))
	require.NoError(t, store.Create(ctx, session, 0, now))

	first, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	second, err := store.Get(ctx, session.ID)
	require.NoError(t, err)

	first.LastActivityAt = now.Add(time.Minute)
	ok, err := store.CompareAndSwap(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	// The stale copy loses its swap
	second.LastActivityAt = now.Add(2 * time.Minute)
	ok, err = store.CompareAndSwap(ctx, second)
	require.NoError(t, err)
	assert.False(t, ok)

	fresh, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), fresh.LastActivityAt.UTC())

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestSessionStoreDeleteExpired(t *testing.T) {
	cleanTables(t)
	store := pgstore.NewSessionStore(testDB.DB)
	ctx := context.Background()
	now := pgNow()

	require.NoError(t, store.Create(ctx, newDBSession("alice", now.Add(-time.Minute)), 0, now))
	require.NoError(t, store.Create(ctx, newDBSession("alice", now.Add(time.Hour)), 0, now))

	n, err := store.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := store.ListByIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestChallengeStoreConsumeOnce(t *testing.T) {
	cleanTables(t)
	store := pgstore.NewChallengeStore(testDB.DB)
	ctx := context.Background()
	now := pgNow()

	challenge := &models.Challenge{
		ID:        uuid.New(),
		Identity:  "alice",
		Method:    models.MethodOutOfBand,
		CodeHash:  "hash",
		IssuedAt:  now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
	require.NoError(t, store.Create(ctx, challenge))

	consumed, err := store.ConsumeOnce(ctx, challenge.ID)
	require.NoError(t, err)
	assert.True(t, consumed)

	consumed, err = store.ConsumeOnce(ctx, challenge.ID)
	require.NoError(t, err)
	assert.False(t, consumed, "the flip is one-way")

	got, err := store.Get(ctx, challenge.ID)
	require.NoError(t, err)
	assert.True(t, got.Consumed)

	_, err = store.ConsumeOnce(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrChallengeNotFound)

	n, err := store.DeleteExpired(ctx, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEnrollmentStoreTouchAccepted(t *testing.T) {
	cleanTables(t)
	store := pgstore.NewEnrollmentStore(testDB.DB)
	ctx := context.Background()
	now := pgNow()

	require.NoError(t, store.Put(ctx, &models.Enrollment{
		Identity:        "alice",
		Method:          models.MethodTimeBased,
		SecretEncrypted: []byte{1, 2, 3},
		SecretNonce:     []byte{4, 5, 6},
		EnrolledAt:      now,
	}))

	ok, err := store.TouchAccepted(ctx, "alice", models.MethodTimeBased, nil, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// The expected-previous no longer matches: the timestamp moved
	ok, err = store.TouchAccepted(ctx, "alice", models.MethodTimeBased, nil, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	prev := now
	ok, err = store.TouchAccepted(ctx, "alice", models.MethodTimeBased, &prev, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnrollmentStoreBackupCodes(t *testing.T) {
	cleanTables(t)
	store := pgstore.NewEnrollmentStore(testDB.DB)
	ctx := context.Background()
	now := pgNow()

	require.NoError(t, store.Put(ctx, &models.Enrollment{
		Identity:   "alice",
		Method:     models.MethodOutOfBand,
		Contact:    "alice@example.com",
		EnrolledAt: now,
		BackupCodes: []models.BackupCodeEntry{
			{CodeHash: "hash-1", CreatedAt: now},
			{CodeHash: "hash-2", CreatedAt: now},
		},
	}))

	enrollment, err := store.Get(ctx, "alice", models.MethodOutOfBand)
	require.NoError(t, err)
	require.Len(t, enrollment.BackupCodes, 2)

	used := now.Add(time.Minute)
	enrollment.BackupCodes[0].UsedAt = &used
	require.NoError(t, store.UpdateBackupCodes(ctx, "alice", models.MethodOutOfBand, enrollment.BackupCodes))

	again, err := store.Get(ctx, "alice", models.MethodOutOfBand)
	require.NoError(t, err)
	require.NotNil(t, again.BackupCodes[0].UsedAt)
	assert.Nil(t, again.BackupCodes[1].UsedAt)

	require.NoError(t, store.Delete(ctx, "alice", models.MethodOutOfBand))
	_, err = store.Get(ctx, "alice", models.MethodOutOfBand)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCredentialStoreUpsertAndHistory(t *testing.T) {
	cleanTables(t)
	store := pgstore.NewCredentialStore(testDB.DB)
	ctx := context.Background()
	now := pgNow()

	rec := &models.CredentialRecord{Identity: "alice", Hash: "hash-1", CreatedAt: now}
	require.NoError(t, store.Update(ctx, rec))

	got, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hash-1", got.Hash)
	assert.Empty(t, got.History)

	got.AppendHistory(now.Add(time.Minute), 5)
	got.Hash = "hash-2"
	got.CreatedAt = now.Add(time.Minute)
	require.NoError(t, store.Update(ctx, got))

	again, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hash-2", again.Hash)
	require.Len(t, again.History, 1)
	assert.Equal(t, "hash-1", again.History[0].Hash)

	_, err = store.Get(ctx, "nobody")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
