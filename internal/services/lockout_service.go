package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bastion-sec/bastion/internal/clock"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/bastion-sec/bastion/internal/store"
)

// Lockout subject scopes. Identity and origin counters escalate
// independently: a distributed attack locks the identity, a spraying origin
// locks itself.
const (
	ScopeIdentity = "identity"
	ScopeOrigin   = "origin"
)

// LockoutService tracks authentication failures per identity and per origin
// and escalates repeated failures into progressive locks. All counter math
// happens in the atomic store, never as an in-process read-modify-write.
type LockoutService struct {
	atomic store.AtomicStore
	audit  *AuditService
	clock  clock.Clock
	logger *slog.Logger
	config LockoutConfig
}

// NewLockoutService creates a new lockout service
func NewLockoutService(atomic store.AtomicStore, audit *AuditService, clk clock.Clock, log *slog.Logger, config LockoutConfig) *LockoutService {
	return &LockoutService{
		atomic: atomic,
		audit:  audit,
		clock:  clk,
		logger: log,
		config: config,
	}
}

func counterKey(scope, subject string) string { return "lockout:cnt:" + scope + ":" + subject }
func recordKey(scope, subject string) string  { return "lockout:rec:" + scope + ":" + subject }

// mfaCounterKey holds second-factor failures when they are configured not to
// share the primary counter. Both counters feed the same lock record.
func mfaCounterKey(scope, subject string) string {
	return "lockout:cnt:mfa:" + scope + ":" + subject
}

// Check reports whether authentication may proceed for the identity/origin
// pair. A store error denies the attempt: when lock state cannot be read,
// the safe answer is no.
func (s *LockoutService) Check(ctx context.Context, identity, origin string) error {
	now := s.clock.Now()

	for _, sub := range []struct{ scope, subject string }{
		{ScopeIdentity, identity},
		{ScopeOrigin, origin},
	} {
		if sub.subject == "" {
			continue
		}
		rec, err := s.getRecord(ctx, sub.scope, sub.subject)
		if err != nil {
			return fmt.Errorf("%w: lockout check for %s: %v", models.ErrStoreUnavailable, sub.scope, err)
		}
		if rec != nil && rec.Locked(now) {
			return fmt.Errorf("%w: %s", models.ErrLocked, sub.scope)
		}
	}
	return nil
}

// Status returns the subject's record (nil when clear) and classified state
func (s *LockoutService) Status(ctx context.Context, scope, subject string) (*models.LockoutRecord, LockoutState, error) {
	rec, err := s.getRecord(ctx, scope, subject)
	if err != nil {
		return nil, LockoutClear, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return rec, s.config.classify(rec, s.clock.Now()), nil
}

// RecordFailure registers a primary authentication failure against both the
// identity and the origin. Returns the combined decision: denied when either
// subject is locked.
func (s *LockoutService) RecordFailure(ctx context.Context, identity, origin string) (*models.LockoutDecision, error) {
	return s.recordFailure(ctx, identity, origin, 1, counterKey)
}

// RecordMFAFailure registers a second-factor failure. When the shared
// counter is enabled it feeds the same tally as primary failures; otherwise
// second-factor failures accumulate in a counter of their own. Either
// counter reaching the threshold locks the subject.
func (s *LockoutService) RecordMFAFailure(ctx context.Context, identity, origin string) (*models.LockoutDecision, error) {
	key := counterKey
	if !s.config.MFAShareCounter {
		key = mfaCounterKey
	}
	return s.recordFailure(ctx, identity, origin, s.config.MFAWeight, key)
}

func (s *LockoutService) recordFailure(ctx context.Context, identity, origin string, weight int64, key func(scope, subject string) string) (*models.LockoutDecision, error) {
	decision := &models.LockoutDecision{Allowed: true}

	for _, sub := range []struct{ scope, subject string }{
		{ScopeIdentity, identity},
		{ScopeOrigin, origin},
	} {
		if sub.subject == "" {
			continue
		}
		lockedUntil, err := s.recordSubjectFailure(ctx, sub.scope, sub.subject, weight, key)
		if err != nil {
			return nil, fmt.Errorf("%w: recording failure for %s: %v", models.ErrStoreUnavailable, sub.scope, err)
		}
		if lockedUntil != nil {
			decision.Allowed = false
			if decision.LockedUntil == nil || lockedUntil.After(*decision.LockedUntil) {
				decision.LockedUntil = lockedUntil
			}
		}
	}

	return decision, nil
}

// recordSubjectFailure bumps one subject's counter and, at the threshold,
// transitions the record to locked. Racing attempts may all see the counter
// at or above the threshold; the compare-and-set on the lock record makes
// exactly one of them write the lock and emit its event.
func (s *LockoutService) recordSubjectFailure(ctx context.Context, scope, subject string, weight int64, key func(scope, subject string) string) (*time.Time, error) {
	now := s.clock.Now()

	newCount, err := s.atomic.IncrBy(ctx, key(scope, subject), weight, s.config.Window)
	if err != nil {
		return nil, err
	}

	if newCount >= int64(s.config.Threshold) {
		return s.transitionToLocked(ctx, scope, subject, newCount)
	}

	// Below the threshold; still report an existing lock.
	rec, err := s.getRecord(ctx, scope, subject)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.Locked(now) {
		return rec.LockedUntil, nil
	}
	return nil, nil
}

// transitionToLocked writes the locked record with compare-and-set, bumping
// the escalation level carried over from any previous lock. A lost CAS race
// means another instance locked concurrently; its record wins.
func (s *LockoutService) transitionToLocked(ctx context.Context, scope, subject string, count int64) (*time.Time, error) {
	key := recordKey(scope, subject)
	now := s.clock.Now()

	for attempt := 0; attempt < 3; attempt++ {
		oldBytes, exists, err := s.atomic.Get(ctx, key)
		if err != nil {
			return nil, err
		}

		var old *models.LockoutRecord
		if exists {
			old = &models.LockoutRecord{}
			if err := json.Unmarshal(oldBytes, old); err != nil {
				return nil, fmt.Errorf("corrupt lockout record for %s: %w", key, err)
			}
			if old.Locked(now) {
				// Already locked by a concurrent crossing
				return old.LockedUntil, nil
			}
		}

		level := 0
		first := now
		if old != nil {
			level = old.EscalationLevel
			if !old.FirstFailureAt.IsZero() {
				first = old.FirstFailureAt
			}
		}

		duration := s.config.lockDuration(level)
		until := now.Add(duration)
		rec := &models.LockoutRecord{
			Subject:         subject,
			FailureCount:    int(count),
			FirstFailureAt:  first,
			LockedUntil:     &until,
			EscalationLevel: level + 1,
		}

		newBytes, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}

		var oldCAS []byte
		if exists {
			oldCAS = oldBytes
		}
		ok, err := s.atomic.CompareAndSet(ctx, key, oldCAS, newBytes, duration+s.config.Window)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		// Each lock starts a fresh count. Without the reset the counter
		// would sit at the threshold for the rest of its window and
		// deny every attempt after the lock expires.
		for _, ck := range []string{counterKey(scope, subject), mfaCounterKey(scope, subject)} {
			if err := s.atomic.Delete(ctx, ck); err != nil {
				s.logger.Error("failed to reset failure counter",
					slog.String("key", ck),
					slog.String("error", err.Error()))
			}
		}

		s.recordLockEvent(ctx, scope, subject, rec, duration)
		return &until, nil
	}

	return nil, fmt.Errorf("lockout record contention on %s", key)
}

func (s *LockoutService) recordLockEvent(ctx context.Context, scope, subject string, rec *models.LockoutRecord, duration time.Duration) {
	event := &models.AuditEvent{
		Kind:     models.EventKindLockTriggered,
		Severity: models.SeverityCritical,
		Outcome:  models.OutcomeFailure,
		Detail: models.DetailMap{
			"scope":            scope,
			"failure_count":    rec.FailureCount,
			"escalation_level": rec.EscalationLevel,
			"lock_duration":    duration.String(),
		},
	}
	if scope == ScopeIdentity {
		event.Identity = &subject
	} else {
		event.Origin = subject
	}

	if err := s.audit.Record(ctx, event); err != nil {
		// The lock itself stands; only the durable event write failed.
		s.logger.Error("failed to record lockout event",
			slog.String("scope", scope),
			slog.String("error", err.Error()))
	}
}

// RecordSuccess clears failure counters for both subjects after a verified
// success. A standing lock is untouched: success cannot happen while locked,
// and an admin unlock is the only early exit. When the reset actually
// removes standing state, the transition back to clear is audited.
func (s *LockoutService) RecordSuccess(ctx context.Context, identity, origin string) error {
	for _, sub := range []struct{ scope, subject string }{
		{ScopeIdentity, identity},
		{ScopeOrigin, origin},
	} {
		if sub.subject == "" {
			continue
		}

		cleared := false
		for _, ck := range []string{counterKey(sub.scope, sub.subject), mfaCounterKey(sub.scope, sub.subject)} {
			_, exists, err := s.atomic.Get(ctx, ck)
			if err != nil {
				return fmt.Errorf("%w: reading counter for %s: %v", models.ErrStoreUnavailable, sub.scope, err)
			}
			if !exists {
				continue
			}
			if err := s.atomic.Delete(ctx, ck); err != nil {
				return fmt.Errorf("%w: clearing counter for %s: %v", models.ErrStoreUnavailable, sub.scope, err)
			}
			cleared = true
		}

		rec, err := s.getRecord(ctx, sub.scope, sub.subject)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
		}
		if rec != nil && !rec.Locked(s.clock.Now()) {
			if err := s.atomic.Delete(ctx, recordKey(sub.scope, sub.subject)); err != nil {
				return fmt.Errorf("%w: clearing record for %s: %v", models.ErrStoreUnavailable, sub.scope, err)
			}
			cleared = true
		}

		if cleared {
			s.recordClearEvent(ctx, sub.scope, sub.subject)
		}
	}
	return nil
}

func (s *LockoutService) recordClearEvent(ctx context.Context, scope, subject string) {
	event := &models.AuditEvent{
		Kind:     models.EventKindLockCleared,
		Severity: models.SeverityInfo,
		Outcome:  models.OutcomeSuccess,
		Detail:   models.DetailMap{"scope": scope},
	}
	if scope == ScopeIdentity {
		event.Identity = &subject
	} else {
		event.Origin = subject
	}

	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Error("failed to record lockout clear event",
			slog.String("scope", scope),
			slog.String("error", err.Error()))
	}
}

// Unlock clears a subject's lock and counters ahead of expiry. Admin-only;
// the action is always audited as critical.
func (s *LockoutService) Unlock(ctx context.Context, scope, subject, actor string) error {
	if scope != ScopeIdentity && scope != ScopeOrigin {
		return fmt.Errorf("%w: unknown lockout scope %q", models.ErrBadRequest, scope)
	}

	for _, key := range []string{recordKey(scope, subject), counterKey(scope, subject), mfaCounterKey(scope, subject)} {
		if err := s.atomic.Delete(ctx, key); err != nil {
			return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
		}
	}

	event := &models.AuditEvent{
		Kind:     models.EventKindAdminUnlock,
		Severity: models.SeverityCritical,
		Outcome:  models.OutcomeSuccess,
		Detail: models.DetailMap{
			"scope": scope,
			"actor": actor,
		},
	}
	if scope == ScopeIdentity {
		event.Identity = &subject
	} else {
		event.Origin = subject
	}
	return s.audit.Record(ctx, event)
}

// EscalateFromFinding converts an anomaly finding into protective locks. A
// brute force finding locks both sides of the pair; credential stuffing
// locks the origin alone since its victims are many.
func (s *LockoutService) EscalateFromFinding(ctx context.Context, finding *models.AnomalyFinding) error {
	switch finding.Pattern {
	case models.PatternBruteForce:
		if finding.Identity != "" {
			if _, err := s.forceLock(ctx, ScopeIdentity, finding.Identity); err != nil {
				return err
			}
		}
		if finding.Origin != "" {
			if _, err := s.forceLock(ctx, ScopeOrigin, finding.Origin); err != nil {
				return err
			}
		}
	case models.PatternCredentialStuffing:
		if finding.Origin != "" {
			if _, err := s.forceLock(ctx, ScopeOrigin, finding.Origin); err != nil {
				return err
			}
		}
	default:
		// Session anomalies are advisory only
	}
	return nil
}

// forceLock locks a subject regardless of its counter, used for
// anomaly-driven escalation.
func (s *LockoutService) forceLock(ctx context.Context, scope, subject string) (*time.Time, error) {
	rec, err := s.getRecord(ctx, scope, subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	if rec != nil && rec.Locked(s.clock.Now()) {
		return rec.LockedUntil, nil
	}
	count := int64(s.config.Threshold)
	if rec != nil {
		count = int64(rec.FailureCount)
	}
	until, err := s.transitionToLocked(ctx, scope, subject, count)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return until, nil
}

func (s *LockoutService) getRecord(ctx context.Context, scope, subject string) (*models.LockoutRecord, error) {
	data, exists, err := s.atomic.Get(ctx, recordKey(scope, subject))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	rec := &models.LockoutRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("corrupt lockout record: %w", err)
	}
	return rec, nil
}
