package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bastion-sec/bastion/internal/clock"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/bastion-sec/bastion/internal/store"
	"github.com/google/uuid"
)

// Session concurrency policies
const (
	EvictionReject      = "reject"
	EvictionEvictOldest = "evict_oldest"
)

// SessionConfig tunes session lifetimes, concurrency, and risk rejection
type SessionConfig struct {
	MaxActivePerIdentity int
	EvictionPolicy       string // reject | evict_oldest, must be set explicitly
	IdleTimeout          time.Duration
	AbsoluteTimeout      time.Duration
	Risk                 RiskConfig
}

// SessionService manages authenticated sessions: creation under a
// concurrency limit, validation with idle/absolute timeouts and risk
// scoring, and revocation.
type SessionService struct {
	sessions store.SessionStore
	audit    *AuditService
	clock    clock.Clock
	logger   *slog.Logger
	scorer   *riskScorer
	config   SessionConfig
}

// NewSessionService creates a new session service
func NewSessionService(sessions store.SessionStore, audit *AuditService, clk clock.Clock, log *slog.Logger, config SessionConfig) *SessionService {
	return &SessionService{
		sessions: sessions,
		audit:    audit,
		clock:    clk,
		logger:   log,
		scorer:   &riskScorer{config: config.Risk},
		config:   config,
	}
}

// Create opens a new session for an authenticated identity. The request is
// risk-scored first; at or above threshold it is rejected without touching
// the store. The concurrency limit is enforced atomically by the session
// store, with the configured policy deciding between rejecting the new
// session and evicting the least recently active one.
func (s *SessionService) Create(ctx context.Context, identity, origin, clientSignature, fingerprint string) (*models.Session, error) {
	now := s.clock.Now().UTC()

	existing, err := s.sessions.ListByIdentity(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: listing sessions: %v", models.ErrStoreUnavailable, err)
	}

	score, signals := s.scorer.scoreCreation(origin, activeOnly(existing, now), now)
	if score >= s.config.Risk.Threshold {
		s.recordSessionEvent(ctx, models.EventKindSessionDenied, identity, origin, models.SeverityWarning, models.OutcomeFailure, models.DetailMap{
			"reason":     "risk",
			"risk_score": score,
			"signals":    signals,
		})
		return nil, fmt.Errorf("%w: score %.2f", models.ErrRiskRejected, score)
	}

	session := &models.Session{
		ID:              uuid.New(),
		Identity:        identity,
		Origin:          origin,
		ClientSignature: clientSignature,
		Fingerprint:     fingerprint,
		CreatedAt:       now,
		LastActivityAt:  now,
		ExpiresAt:       now.Add(s.config.AbsoluteTimeout),
		RiskScore:       score,
	}

	// Eviction can race with other creates, so bound the retries.
	for attempt := 0; attempt < 3; attempt++ {
		err = s.sessions.Create(ctx, session, s.config.MaxActivePerIdentity, now)
		if err == nil {
			s.recordSessionEvent(ctx, models.EventKindSessionCreated, identity, origin, models.SeverityInfo, models.OutcomeSuccess, models.DetailMap{
				"session_id": session.ID.String(),
				"risk_score": score,
			})
			return session, nil
		}
		if !errors.Is(err, models.ErrConcurrencyLimit) {
			return nil, fmt.Errorf("%w: creating session: %v", models.ErrStoreUnavailable, err)
		}
		if s.config.EvictionPolicy != EvictionEvictOldest {
			s.recordSessionEvent(ctx, models.EventKindSessionDenied, identity, origin, models.SeverityWarning, models.OutcomeFailure, models.DetailMap{
				"reason": "concurrency_limit",
				"limit":  s.config.MaxActivePerIdentity,
			})
			return nil, models.ErrConcurrencyLimit
		}
		if err := s.evictOldest(ctx, identity); err != nil {
			return nil, err
		}
	}

	return nil, models.ErrConcurrencyLimit
}

// evictOldest revokes the identity's least recently active session to make
// room for a new one.
func (s *SessionService) evictOldest(ctx context.Context, identity string) error {
	now := s.clock.Now()

	existing, err := s.sessions.ListByIdentity(ctx, identity)
	if err != nil {
		return fmt.Errorf("%w: listing sessions for eviction: %v", models.ErrStoreUnavailable, err)
	}

	var oldest *models.Session
	for _, sess := range activeOnly(existing, now) {
		if oldest == nil || sess.LastActivityAt.Before(oldest.LastActivityAt) {
			oldest = sess
		}
	}
	if oldest == nil {
		return nil
	}

	if err := s.revoke(ctx, oldest, "evicted"); err != nil {
		return err
	}
	return nil
}

// Validate checks that a session may continue and records the activity. The
// checks run in order: existence, revocation, absolute timeout, idle
// timeout, then risk. Idle expiry revokes the session. A risk rejection
// also revokes it, since its continuation signals no longer match its
// creation. Store read errors deny validation.
func (s *SessionService) Validate(ctx context.Context, sessionID uuid.UUID, origin, clientSignature, fingerprint string) (*models.Session, error) {
	now := s.clock.Now().UTC()

	for attempt := 0; attempt < 3; attempt++ {
		session, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			if errors.Is(err, models.ErrSessionNotFound) || errors.Is(err, models.ErrNotFound) {
				return nil, models.ErrSessionNotFound
			}
			return nil, fmt.Errorf("%w: reading session: %v", models.ErrStoreUnavailable, err)
		}

		if session.Revoked {
			return nil, models.ErrSessionRevoked
		}
		if !now.Before(session.ExpiresAt) {
			return nil, models.ErrSessionExpired
		}
		if session.IdleExpired(now, s.config.IdleTimeout) {
			if err := s.revoke(ctx, session, "idle_timeout"); err != nil {
				s.logger.Warn("failed to revoke idle session", slog.String("session_id", sessionID.String()), slog.String("error", err.Error()))
			}
			return nil, models.ErrSessionExpired
		}

		score, signals := s.scorer.scoreValidation(session, origin, clientSignature, fingerprint, now)
		if score >= s.config.Risk.Threshold {
			if err := s.revoke(ctx, session, "risk"); err != nil {
				s.logger.Warn("failed to revoke risky session", slog.String("session_id", sessionID.String()), slog.String("error", err.Error()))
			}
			s.recordSessionEvent(ctx, models.EventKindSessionDenied, session.Identity, origin, models.SeverityCritical, models.OutcomeFailure, models.DetailMap{
				"session_id": session.ID.String(),
				"reason":     "risk",
				"risk_score": score,
				"signals":    signals,
			})
			return nil, fmt.Errorf("%w: score %.2f", models.ErrRiskRejected, score)
		}

		session.LastActivityAt = now
		session.RiskScore = score

		ok, err := s.sessions.CompareAndSwap(ctx, session)
		if err != nil {
			return nil, fmt.Errorf("%w: updating session activity: %v", models.ErrStoreUnavailable, err)
		}
		if !ok {
			// Concurrent update; re-read and re-check
			continue
		}

		s.recordSessionEvent(ctx, models.EventKindSessionValid, session.Identity, origin, models.SeverityInfo, models.OutcomeSuccess, models.DetailMap{
			"session_id": session.ID.String(),
			"risk_score": score,
		})
		return session, nil
	}

	return nil, fmt.Errorf("%w: session update contention", models.ErrStoreUnavailable)
}

// Revoke terminates a session ahead of expiry
func (s *SessionService) Revoke(ctx context.Context, sessionID uuid.UUID, reason string) error {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) || errors.Is(err, models.ErrNotFound) {
			return models.ErrSessionNotFound
		}
		return fmt.Errorf("%w: reading session: %v", models.ErrStoreUnavailable, err)
	}
	if session.Revoked {
		return nil
	}
	return s.revoke(ctx, session, reason)
}

// RevokeAll terminates every active session for an identity, e.g. after a
// password change or a detected compromise. Returns the number revoked.
func (s *SessionService) RevokeAll(ctx context.Context, identity, reason string) (int, error) {
	sessions, err := s.sessions.ListByIdentity(ctx, identity)
	if err != nil {
		return 0, fmt.Errorf("%w: listing sessions: %v", models.ErrStoreUnavailable, err)
	}

	revoked := 0
	for _, session := range sessions {
		if session.Revoked || !session.Active(s.clock.Now()) {
			continue
		}
		if err := s.revoke(ctx, session, reason); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// List returns the identity's sessions that are still active
func (s *SessionService) List(ctx context.Context, identity string) ([]*models.Session, error) {
	sessions, err := s.sessions.ListByIdentity(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: listing sessions: %v", models.ErrStoreUnavailable, err)
	}
	return activeOnly(sessions, s.clock.Now()), nil
}

// SweepExpired removes sessions past their absolute timeout
func (s *SessionService) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.sessions.DeleteExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired sessions: %w", err)
	}
	return n, nil
}

// revoke flips the revoked flag with compare-and-swap, retrying on version
// conflicts. Revocation is a one-way transition so a conflict where the
// session is already revoked counts as done.
func (s *SessionService) revoke(ctx context.Context, session *models.Session, reason string) error {
	for attempt := 0; attempt < 3; attempt++ {
		session.Revoked = true
		ok, err := s.sessions.CompareAndSwap(ctx, session)
		if err != nil {
			return fmt.Errorf("%w: revoking session: %v", models.ErrStoreUnavailable, err)
		}
		if ok {
			s.recordSessionEvent(ctx, models.EventKindSessionRevoked, session.Identity, session.Origin, models.SeverityInfo, models.OutcomeSuccess, models.DetailMap{
				"session_id": session.ID.String(),
				"reason":     reason,
			})
			return nil
		}

		fresh, err := s.sessions.Get(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("%w: re-reading session: %v", models.ErrStoreUnavailable, err)
		}
		if fresh.Revoked {
			return nil
		}
		session = fresh
	}
	return fmt.Errorf("%w: revocation contention", models.ErrStoreUnavailable)
}

func (s *SessionService) recordSessionEvent(ctx context.Context, kind, identity, origin, severity, outcome string, detail models.DetailMap) {
	event := &models.AuditEvent{
		Kind:     kind,
		Identity: &identity,
		Origin:   origin,
		Severity: severity,
		Outcome:  outcome,
		Detail:   detail,
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("failed to record session event",
			slog.String("kind", kind),
			slog.String("error", err.Error()))
	}
}

func activeOnly(sessions []*models.Session, now time.Time) []*models.Session {
	out := make([]*models.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Active(now) {
			out = append(out, s)
		}
	}
	return out
}
