package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bastion-sec/bastion/internal/clock"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/bastion-sec/bastion/internal/store/memory"
)

// testBase is a fixed midday timestamp so off-hours risk scoring stays quiet
var testBase = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv wires the services over in-memory stores with a fake clock
type testEnv struct {
	clk         *clock.Fake
	atomic      *memory.AtomicStore
	sessions    *memory.SessionStore
	challenges  *memory.ChallengeStore
	enrollments *memory.EnrollmentStore
	credentials *memory.CredentialStore
	sink        *memory.EventSink

	audit   *AuditService
	lockout *LockoutService
}

func newTestEnv() *testEnv {
	clk := clock.NewFake(testBase)
	sink := memory.NewEventSink()
	logger := testLogger()

	audit := NewAuditService(sink, clk, logger, DefaultAuditConfig())
	atomic := memory.NewAtomicStore(clk)
	lockout := NewLockoutService(atomic, audit, clk, logger, DefaultLockoutConfig())

	return &testEnv{
		clk:         clk,
		atomic:      atomic,
		sessions:    memory.NewSessionStore(),
		challenges:  memory.NewChallengeStore(),
		enrollments: memory.NewEnrollmentStore(),
		credentials: memory.NewCredentialStore(),
		sink:        sink,
		audit:       audit,
		lockout:     lockout,
	}
}

// eventsOfKind returns the recorded events of one kind across all time
func (e *testEnv) eventsOfKind(kind string) []*models.AuditEvent {
	events, _ := e.sink.Query(context.Background(), models.TimeRange{
		From: testBase.Add(-time.Hour),
		To:   testBase.Add(365 * 24 * time.Hour),
	}, models.EventFilter{Kinds: []string{kind}})
	return events
}

// mockEventSink is a function-field mock for failure injection
type mockEventSink struct {
	AppendFunc       func(ctx context.Context, event *models.AuditEvent) error
	QueryFunc        func(ctx context.Context, tr models.TimeRange, filter models.EventFilter) ([]*models.AuditEvent, error)
	DeleteBeforeFunc func(ctx context.Context, t time.Time) (int64, error)
}

func (m *mockEventSink) Append(ctx context.Context, event *models.AuditEvent) error {
	return m.AppendFunc(ctx, event)
}

func (m *mockEventSink) Query(ctx context.Context, tr models.TimeRange, filter models.EventFilter) ([]*models.AuditEvent, error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, tr, filter)
	}
	return nil, nil
}

func (m *mockEventSink) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	if m.DeleteBeforeFunc != nil {
		return m.DeleteBeforeFunc(ctx, t)
	}
	return 0, nil
}

// mockAtomicStore is a function-field mock for store outage scenarios
type mockAtomicStore struct {
	IncrByFunc        func(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	GetFunc           func(ctx context.Context, key string) ([]byte, bool, error)
	SetFunc           func(ctx context.Context, key string, value []byte, ttl time.Duration) error
	CompareAndSetFunc func(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)
	DeleteFunc        func(ctx context.Context, key string) error
}

func (m *mockAtomicStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return m.IncrByFunc(ctx, key, delta, ttl)
}

func (m *mockAtomicStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return m.GetFunc(ctx, key)
}

func (m *mockAtomicStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.SetFunc(ctx, key, value, ttl)
}

func (m *mockAtomicStore) CompareAndSet(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	return m.CompareAndSetFunc(ctx, key, old, value, ttl)
}

func (m *mockAtomicStore) Delete(ctx context.Context, key string) error {
	return m.DeleteFunc(ctx, key)
}

// captureChannel records sent messages for inspection
type captureChannel struct {
	mu      sync.Mutex
	sent    []capturedMessage
	sendErr error
}

type capturedMessage struct {
	Contact string
	Subject string
	Body    string
}

func (c *captureChannel) Send(ctx context.Context, contact, subject, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, capturedMessage{Contact: contact, Subject: subject, Body: body})
	return nil
}

func (c *captureChannel) last() (capturedMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return capturedMessage{}, false
	}
	return c.sent[len(c.sent)-1], true
}
