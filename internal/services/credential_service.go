package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bastion-sec/bastion/internal/auth"
	"github.com/bastion-sec/bastion/internal/clock"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/bastion-sec/bastion/internal/store"
	pkgauth "github.com/bastion-sec/bastion/pkg/auth"
	"github.com/bastion-sec/bastion/pkg/policy"
)

// dummyHash absorbs a bcrypt comparison when the identity is unknown, so
// the response time does not reveal whether the identity exists.
const dummyHash = "$2a$14$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// CredentialService verifies and rotates primary credentials. Failures are
// indistinguishable to the caller regardless of whether the identity exists
// or the secret is wrong.
type CredentialService struct {
	credentials store.CredentialStore
	validator   *policy.Validator
	lockout     *LockoutService
	sessions    *SessionService
	audit       *AuditService
	timing      *auth.TimingDelay
	clock       clock.Clock
	logger      *slog.Logger
	historySize int
}

// NewCredentialService creates a new credential service
func NewCredentialService(
	credentials store.CredentialStore,
	validator *policy.Validator,
	lockout *LockoutService,
	sessions *SessionService,
	audit *AuditService,
	timing *auth.TimingDelay,
	clk clock.Clock,
	log *slog.Logger,
	historySize int,
) *CredentialService {
	return &CredentialService{
		credentials: credentials,
		validator:   validator,
		lockout:     lockout,
		sessions:    sessions,
		audit:       audit,
		timing:      timing,
		clock:       clk,
		logger:      log,
		historySize: historySize,
	}
}

// Verify checks the primary credential. Lockout is consulted first and
// denies fail-closed. Unknown identity and wrong secret both return
// ErrUnauthorized after an equalized delay; only the audit trail records
// which it was.
func (s *CredentialService) Verify(ctx context.Context, identity, origin, secret string) error {
	start := s.clock.Now()

	if err := s.lockout.Check(ctx, identity, origin); err != nil {
		return err
	}

	record, err := s.credentials.Get(ctx, identity)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Burn a comparison so the miss costs the same as a mismatch
			_ = pkgauth.ComparePassword(dummyHash, secret)
			s.onFailure(ctx, identity, origin, "unknown_identity")
			s.timing.WaitFrom(start, false)
			return models.ErrUnauthorized
		}
		return fmt.Errorf("%w: reading credential: %v", models.ErrStoreUnavailable, err)
	}

	if pkgauth.ComparePassword(record.Hash, secret) != nil {
		s.onFailure(ctx, identity, origin, "mismatch")
		s.timing.WaitFrom(start, false)
		return models.ErrUnauthorized
	}

	if err := s.lockout.RecordSuccess(ctx, identity, origin); err != nil {
		s.logger.Warn("failed to clear lockout counters", slog.String("error", err.Error()))
	}
	s.recordEvent(ctx, models.EventKindLoginSuccess, identity, origin, models.SeverityInfo, models.OutcomeSuccess, nil)
	s.timing.WaitFrom(start, true)
	return nil
}

// CheckPolicy validates a candidate secret without changing anything,
// letting callers surface violations during entry.
func (s *CredentialService) CheckPolicy(ctx context.Context, identity, candidate string) (policy.Result, error) {
	history, createdAt, err := s.historyFor(ctx, identity)
	if err != nil {
		return policy.Result{}, err
	}
	idc := policy.IdentityContext{Username: identity}
	return s.validator.Validate(candidate, idc, history, createdAt, s.clock.Now()), nil
}

// Change rotates the credential. The current secret must verify, the
// candidate must pass policy including history reuse, and every other
// session of the identity is revoked once the new hash is stored.
func (s *CredentialService) Change(ctx context.Context, identity, origin, current, candidate string) (policy.Result, error) {
	record, err := s.credentials.Get(ctx, identity)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return policy.Result{}, models.ErrUnauthorized
		}
		return policy.Result{}, fmt.Errorf("%w: reading credential: %v", models.ErrStoreUnavailable, err)
	}

	if pkgauth.ComparePassword(record.Hash, current) != nil {
		s.onFailure(ctx, identity, origin, "change_mismatch")
		return policy.Result{}, models.ErrUnauthorized
	}

	now := s.clock.Now().UTC()
	history := historyHashes(record)
	idc := policy.IdentityContext{Username: identity}
	result := s.validator.Validate(candidate, idc, history, record.CreatedAt, now)
	if !result.Valid {
		return result, fmt.Errorf("%w: policy violations", models.ErrBadRequest)
	}

	newHash, err := pkgauth.HashPassword(candidate)
	if err != nil {
		return result, fmt.Errorf("failed to hash credential: %w", err)
	}

	record.AppendHistory(now, s.historySize)
	record.Hash = newHash
	record.CreatedAt = now

	if err := s.credentials.Update(ctx, record); err != nil {
		return result, fmt.Errorf("%w: storing credential: %v", models.ErrStoreUnavailable, err)
	}

	if s.sessions != nil {
		if n, err := s.sessions.RevokeAll(ctx, identity, "password_changed"); err != nil {
			s.logger.Warn("failed to revoke sessions after credential change",
				slog.String("identity", identity),
				slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Info("revoked sessions after credential change",
				slog.String("identity", identity),
				slog.Int("count", n))
		}
	}

	s.recordEvent(ctx, models.EventKindPasswordChange, identity, origin, models.SeverityInfo, models.OutcomeSuccess, models.DetailMap{
		"strength": result.Strength,
	})
	return result, nil
}

// Set provisions a credential for a new identity, subject to policy
func (s *CredentialService) Set(ctx context.Context, identity, candidate string) (policy.Result, error) {
	now := s.clock.Now().UTC()
	idc := policy.IdentityContext{Username: identity}
	result := s.validator.Validate(candidate, idc, nil, now, now)
	if !result.Valid {
		return result, fmt.Errorf("%w: policy violations", models.ErrBadRequest)
	}

	hash, err := pkgauth.HashPassword(candidate)
	if err != nil {
		return result, fmt.Errorf("failed to hash credential: %w", err)
	}

	record := &models.CredentialRecord{
		Identity:  identity,
		Hash:      hash,
		CreatedAt: now,
	}
	if err := s.credentials.Update(ctx, record); err != nil {
		return result, fmt.Errorf("%w: storing credential: %v", models.ErrStoreUnavailable, err)
	}
	return result, nil
}

func (s *CredentialService) historyFor(ctx context.Context, identity string) ([]string, time.Time, error) {
	record, err := s.credentials.Get(ctx, identity)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return historyHashes(record), record.CreatedAt, nil
}

func historyHashes(record *models.CredentialRecord) []string {
	hashes := make([]string, 0, len(record.History)+1)
	for _, entry := range record.History {
		hashes = append(hashes, entry.Hash)
	}
	hashes = append(hashes, record.Hash)
	return hashes
}

func (s *CredentialService) onFailure(ctx context.Context, identity, origin, reason string) {
	decision, err := s.lockout.RecordFailure(ctx, identity, origin)
	detail := models.DetailMap{"reason": reason}
	if err != nil {
		s.logger.Error("failed to record lockout failure", slog.String("error", err.Error()))
	} else if !decision.Allowed {
		detail["locked"] = true
	}
	s.recordEvent(ctx, models.EventKindLoginFailed, identity, origin, models.SeverityWarning, models.OutcomeFailure, detail)
}

func (s *CredentialService) recordEvent(ctx context.Context, kind, identity, origin, severity, outcome string, detail models.DetailMap) {
	event := &models.AuditEvent{
		Kind:     kind,
		Identity: &identity,
		Origin:   origin,
		Severity: severity,
		Outcome:  outcome,
		Detail:   detail,
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("failed to record credential event",
			slog.String("kind", kind),
			slog.String("error", err.Error()))
	}
}
