package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bastion-sec/bastion/internal/clock"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func TestAtomicIncrBy(t *testing.T) {
	clk := clock.NewFake(base)
	store := NewAtomicStore(clk)
	ctx := context.Background()

	n, err := store.IncrBy(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.IncrBy(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestAtomicIncrByFreshWindowAfterExpiry(t *testing.T) {
	clk := clock.NewFake(base)
	store := NewAtomicStore(clk)
	ctx := context.Background()

	_, err := store.IncrBy(ctx, "k", 5, time.Minute)
	require.NoError(t, err)

	clk.Advance(61 * time.Second)
	n, err := store.IncrBy(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "expired counter restarts from zero")
}

func TestAtomicIncrByConcurrent(t *testing.T) {
	clk := clock.NewFake(base)
	store := NewAtomicStore(clk)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.IncrBy(ctx, "k", 1, time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := store.IncrBy(ctx, "k", 0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
}

func TestAtomicGetSetDelete(t *testing.T) {
	clk := clock.NewFake(base)
	store := NewAtomicStore(clk)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	clk.Advance(61 * time.Second)
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "expired value is invisible")

	require.NoError(t, store.Delete(ctx, "k"))
}

func TestAtomicCompareAndSet(t *testing.T) {
	clk := clock.NewFake(base)
	store := NewAtomicStore(clk)
	ctx := context.Background()

	// nil old means create-if-absent
	ok, err := store.CompareAndSet(ctx, "k", nil, []byte("v1"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompareAndSet(ctx, "k", nil, []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, ok, "create-if-absent loses when the key exists")

	ok, err = store.CompareAndSet(ctx, "k", []byte("stale"), []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CompareAndSet(ctx, "k", []byte("v1"), []byte("v2"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	value, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)
}

func newSession(identity string, expiresAt time.Time) *models.Session {
	return &models.Session{
		ID:             uuid.New(),
		Identity:       identity,
		Origin:         "10.0.0.1",
		CreatedAt:      base,
		LastActivityAt: base,
		ExpiresAt:      expiresAt,
	}
}

func TestSessionCreateEnforcesLimit(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()
	expiry := base.Add(time.Hour)

	for i := 0; i < 2; i++ {
		require.NoError(t, store.Create(ctx, newSession("alice", expiry), 2, base))
	}

	err := store.Create(ctx, newSession("alice", expiry), 2, base)
	assert.ErrorIs(t, err, models.ErrConcurrencyLimit)

	// Other identities have their own budget
	require.NoError(t, store.Create(ctx, newSession("bob", expiry), 2, base))
}

func TestSessionLimitIgnoresInactive(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()

	revoked := newSession("alice", base.Add(time.Hour))
	revoked.Revoked = true
	require.NoError(t, store.Create(ctx, revoked, 0, base))
	require.NoError(t, store.Create(ctx, newSession("alice", base.Add(-time.Minute)), 0, base))

	// Neither the revoked nor the expired session counts
	require.NoError(t, store.Create(ctx, newSession("alice", base.Add(time.Hour)), 1, base))
}

func TestSessionCompareAndSwap(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()

	session := newSession("alice", base.Add(time.Hour))
	require.NoError(t, store.Create(ctx, session, 0, base))

	first, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	second, err := store.Get(ctx, session.ID)
	require.NoError(t, err)

	first.LastActivityAt = base.Add(time.Minute)
	ok, err := store.CompareAndSwap(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	// The stale copy loses its swap
	second.LastActivityAt = base.Add(2 * time.Minute)
	ok, err = store.CompareAndSwap(ctx, second)
	require.NoError(t, err)
	assert.False(t, ok)

	fresh, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), fresh.LastActivityAt)
}

func TestSessionGetUnknown(t *testing.T) {
	store := NewSessionStore()
	_, err := store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestSessionDeleteExpired(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newSession("alice", base.Add(-time.Minute)), 0, base))
	require.NoError(t, store.Create(ctx, newSession("alice", base.Add(time.Hour)), 0, base))

	n, err := store.DeleteExpired(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := store.ListByIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestChallengeConsumeOnce(t *testing.T) {
	store := NewChallengeStore()
	ctx := context.Background()

	challenge := &models.Challenge{
		ID:        uuid.New(),
		Identity:  "alice",
		Method:    models.MethodOutOfBand,
		IssuedAt:  base,
		ExpiresAt: base.Add(5 * time.Minute),
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
}

func TestChallengeConsumeOnceConcurrent(t *testing.T) {
	store := NewChallengeStore()
	ctx := context.Background()

	challenge := &models.Challenge{ID: uuid.New(), Identity: "alice", ExpiresAt: base.Add(5 * time.Minute)}
	require.NoError(t, store.Create(ctx, challenge))

	var wg sync.WaitGroup
	wins := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ConsumeOnce(ctx, challenge.ID)
			assert.NoError(t, err)
			if ok {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)
	assert.Len(t, wins, 1, "exactly one consumer wins")
}

func TestEnrollmentTouchAccepted(t *testing.T) {
	store := NewEnrollmentStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &models.Enrollment{
		Identity: "alice",
		Method:   models.MethodTimeBased,
	}))

	ok, err := store.TouchAccepted(ctx, "alice", models.MethodTimeBased, nil, base)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same expected-previous again loses: the timestamp moved
	ok, err = store.TouchAccepted(ctx, "alice", models.MethodTimeBased, nil, base.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	prev := base
	ok, err = store.TouchAccepted(ctx, "alice", models.MethodTimeBased, &prev, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnrollmentGetReturnsCopy(t *testing.T) {
	store := NewEnrollmentStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &models.Enrollment{
		Identity:        "alice",
		Method:          models.MethodTimeBased,
		SecretEncrypted: []byte{1, 2, 3},
	}))

	got, err := store.Get(ctx, "alice", models.MethodTimeBased)
	require.NoError(t, err)
	got.SecretEncrypted[0] = 9

	again, err := store.Get(ctx, "alice", models.MethodTimeBased)
	require.NoError(t, err)
	assert.Equal(t, byte(1), again.SecretEncrypted[0], "mutating a returned copy must not touch the store")
}

func TestEventSinkQueryAndDelete(t *testing.T) {
	sink := NewEventSink()
	ctx := context.Background()

	identity := "alice"
	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Append(ctx, &models.AuditEvent{
			ID:        uuid.New(),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Identity:  &identity,
			Kind:      models.EventKindLoginFailed,
			Outcome:   models.OutcomeFailure,
		}))
	}

	events, err := sink.Query(ctx, models.TimeRange{From: base, To: base.Add(2 * time.Minute)}, models.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 2, "To is exclusive")

	events, err = sink.Query(ctx, models.TimeRange{From: base, To: base.Add(time.Hour)}, models.EventFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	n, err := sink.DeleteBefore(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
