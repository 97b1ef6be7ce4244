package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bastion-sec/bastion/internal/auth"
	"github.com/bastion-sec/bastion/internal/clock"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/bastion-sec/bastion/internal/store"
	pkgauth "github.com/bastion-sec/bastion/pkg/auth"
	"github.com/google/uuid"
)

// ChallengeProvider verifies one kind of second factor. Verify returns nil
// only when the submission is conclusively accepted; every failure mode maps
// to a distinct sentinel error.
type ChallengeProvider interface {
	Issue(ctx context.Context, identity string) (*models.Challenge, error)
	Verify(ctx context.Context, identity string, challengeID uuid.UUID, code string) error
}

// ChallengeConfig tunes enrollment and recovery codes
type ChallengeConfig struct {
	BackupCodeCount  int
	BackupCodeLength int
}

// DefaultChallengeConfig returns production defaults
func DefaultChallengeConfig() ChallengeConfig {
	return ChallengeConfig{
		BackupCodeCount:  10,
		BackupCodeLength: 10,
	}
}

// ChallengeService is the uniform front for second-factor challenges. It
// routes issuance and verification to the enrolled provider, feeds failures
// into the lockout manager, and audits every decision.
type ChallengeService struct {
	providers   map[models.MethodKind]ChallengeProvider
	enrollments store.EnrollmentStore
	totpManager *auth.TOTPManager
	lockout     *LockoutService
	audit       *AuditService
	clock       clock.Clock
	logger      *slog.Logger
	config      ChallengeConfig
}

// NewChallengeService creates a new challenge service
func NewChallengeService(
	providers map[models.MethodKind]ChallengeProvider,
	enrollments store.EnrollmentStore,
	totpManager *auth.TOTPManager,
	lockout *LockoutService,
	audit *AuditService,
	clk clock.Clock,
	log *slog.Logger,
	config ChallengeConfig,
) *ChallengeService {
	return &ChallengeService{
		providers:   providers,
		enrollments: enrollments,
		totpManager: totpManager,
		lockout:     lockout,
		audit:       audit,
		clock:       clk,
		logger:      log,
		config:      config,
	}
}

// Issue starts a challenge of the given method for the identity. The caller
// must already hold a partially authenticated state; issuance is refused
// while the identity or origin is locked.
func (s *ChallengeService) Issue(ctx context.Context, identity, origin string, method models.MethodKind) (*models.Challenge, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("%w: unknown challenge method %q", models.ErrBadRequest, method)
	}
	if err := s.lockout.Check(ctx, identity, origin); err != nil {
		return nil, err
	}

	provider, ok := s.providers[method]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for method %q", models.ErrProviderUnavailable, method)
	}

	challenge, err := provider.Issue(ctx, identity)
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, models.EventKindMFAIssued, identity, origin, models.SeverityInfo, models.OutcomeSuccess, models.DetailMap{
		"method": string(method),
	})
	return challenge, nil
}

// Verify submits a code against a challenge. Lockout is consulted first and
// denies fail-closed; a code mismatch feeds the lockout counters. The error
// taxonomy is preserved so callers can distinguish expiry, consumption, and
// mismatch without learning anything an attacker could not already infer.
func (s *ChallengeService) Verify(ctx context.Context, identity, origin string, method models.MethodKind, challengeID uuid.UUID, code string) error {
	if !method.Valid() {
		return fmt.Errorf("%w: unknown challenge method %q", models.ErrBadRequest, method)
	}
	if err := s.lockout.Check(ctx, identity, origin); err != nil {
		return err
	}

	provider, ok := s.providers[method]
	if !ok {
		return fmt.Errorf("%w: no provider for method %q", models.ErrProviderUnavailable, method)
	}

	err := provider.Verify(ctx, identity, challengeID, code)
	if err == nil {
		if lerr := s.lockout.RecordSuccess(ctx, identity, origin); lerr != nil {
			s.logger.Warn("failed to clear lockout counters", slog.String("error", lerr.Error()))
		}
		s.recordEvent(ctx, models.EventKindMFAVerified, identity, origin, models.SeverityInfo, models.OutcomeSuccess, models.DetailMap{
			"method": string(method),
		})
		return nil
	}

	detail := models.DetailMap{
		"method": string(method),
		"reason": failureReason(err),
	}

	if errors.Is(err, models.ErrCodeMismatch) {
		decision, lerr := s.lockout.RecordMFAFailure(ctx, identity, origin)
		if lerr != nil {
			// Fail closed: if the failure cannot be counted, the attempt
			// cannot be allowed to continue probing.
			return lerr
		}
		if !decision.Allowed {
			detail["locked"] = true
		}
	}

	s.recordEvent(ctx, models.EventKindMFAFailed, identity, origin, models.SeverityWarning, models.OutcomeFailure, detail)
	return err
}

// VerifyBackupCode consumes a single-use recovery code. Matching is
// bcrypt-based since backup codes live long enough to warrant it.
func (s *ChallengeService) VerifyBackupCode(ctx context.Context, identity, origin string, method models.MethodKind, code string) error {
	if err := s.lockout.Check(ctx, identity, origin); err != nil {
		return err
	}

	enrollment, err := s.getEnrollment(ctx, identity, method)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	matched := -1
	for i, entry := range enrollment.BackupCodes {
		if entry.UsedAt != nil {
			continue
		}
		if pkgauth.ComparePassword(entry.CodeHash, code) == nil {
			matched = i
			break
		}
	}

	if matched < 0 {
		decision, lerr := s.lockout.RecordMFAFailure(ctx, identity, origin)
		if lerr != nil {
			return lerr
		}
		detail := models.DetailMap{"method": string(method), "reason": "backup_code_mismatch"}
		if !decision.Allowed {
			detail["locked"] = true
		}
		s.recordEvent(ctx, models.EventKindMFAFailed, identity, origin, models.SeverityWarning, models.OutcomeFailure, detail)
		return models.ErrCodeMismatch
	}

	enrollment.BackupCodes[matched].UsedAt = &now
	if err := s.enrollments.UpdateBackupCodes(ctx, identity, method, enrollment.BackupCodes); err != nil {
		return fmt.Errorf("%w: consuming backup code: %v", models.ErrStoreUnavailable, err)
	}

	if lerr := s.lockout.RecordSuccess(ctx, identity, origin); lerr != nil {
		s.logger.Warn("failed to clear lockout counters", slog.String("error", lerr.Error()))
	}
	s.recordEvent(ctx, models.EventKindMFAVerified, identity, origin, models.SeverityInfo, models.OutcomeSuccess, models.DetailMap{
		"method":      string(method),
		"backup_code": true,
		"remaining":   countUnused(enrollment.BackupCodes),
	})
	return nil
}

// EnrollTOTP creates a time-based enrollment. The plaintext secret, the
// provisioning QR, and the backup codes appear only in the returned setup
// and are never retrievable again.
func (s *ChallengeService) EnrollTOTP(ctx context.Context, identity string) (*models.EnrollmentSetup, error) {
	if existing, err := s.enrollments.Get(ctx, identity, models.MethodTimeBased); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: already enrolled", models.ErrConflict)
	} else if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}

	encrypted, nonce, secret, qrCode, err := s.totpManager.GenerateEnrollment(identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
	}

	plaintextCodes, entries, err := s.generateBackupCodes()
	if err != nil {
		return nil, err
	}

	enrollment := &models.Enrollment{
		Identity:        identity,
		Method:          models.MethodTimeBased,
		SecretEncrypted: encrypted,
		SecretNonce:     nonce,
		EnrolledAt:      s.clock.Now().UTC(),
		BackupCodes:     entries,
	}
	if err := s.enrollments.Put(ctx, enrollment); err != nil {
		return nil, fmt.Errorf("%w: storing enrollment: %v", models.ErrStoreUnavailable, err)
	}

	s.recordEvent(ctx, models.EventKindMFAEnrolled, identity, "", models.SeverityInfo, models.OutcomeSuccess, models.DetailMap{
		"method": string(models.MethodTimeBased),
	})

	return &models.EnrollmentSetup{
		Enrollment:  enrollment,
		Secret:      secret,
		QRCode:      qrCode,
		BackupCodes: plaintextCodes,
	}, nil
}

// EnrollOOB creates an out-of-band enrollment bound to a contact address
func (s *ChallengeService) EnrollOOB(ctx context.Context, identity, contact string) (*models.EnrollmentSetup, error) {
	if contact == "" {
		return nil, fmt.Errorf("%w: contact is required", models.ErrBadRequest)
	}
	if existing, err := s.enrollments.Get(ctx, identity, models.MethodOutOfBand); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: already enrolled", models.ErrConflict)
	} else if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}

	plaintextCodes, entries, err := s.generateBackupCodes()
	if err != nil {
		return nil, err
	}

	enrollment := &models.Enrollment{
		Identity:    identity,
		Method:      models.MethodOutOfBand,
		Contact:     contact,
		EnrolledAt:  s.clock.Now().UTC(),
		BackupCodes: entries,
	}
	if err := s.enrollments.Put(ctx, enrollment); err != nil {
		return nil, fmt.Errorf("%w: storing enrollment: %v", models.ErrStoreUnavailable, err)
	}

	s.recordEvent(ctx, models.EventKindMFAEnrolled, identity, "", models.SeverityInfo, models.OutcomeSuccess, models.DetailMap{
		"method": string(models.MethodOutOfBand),
	})

	return &models.EnrollmentSetup{
		Enrollment:  enrollment,
		BackupCodes: plaintextCodes,
	}, nil
}

// Disable removes an enrollment. Removing a second factor weakens the
// account, so the event is critical and the operation fails if it cannot be
// durably recorded.
func (s *ChallengeService) Disable(ctx context.Context, identity string, method models.MethodKind) error {
	if _, err := s.getEnrollment(ctx, identity, method); err != nil {
		return err
	}

	if err := s.enrollments.Delete(ctx, identity, method); err != nil {
		return fmt.Errorf("%w: deleting enrollment: %v", models.ErrStoreUnavailable, err)
	}

	return s.audit.Record(ctx, &models.AuditEvent{
		Kind:     models.EventKindMFADisabled,
		Identity: &identity,
		Severity: models.SeverityCritical,
		Outcome:  models.OutcomeSuccess,
		Detail:   models.DetailMap{"method": string(method)},
	})
}

// Methods lists the identity's enrolled challenge methods
func (s *ChallengeService) Methods(ctx context.Context, identity string) ([]models.MethodKind, error) {
	var methods []models.MethodKind
	for _, method := range []models.MethodKind{models.MethodTimeBased, models.MethodOutOfBand} {
		_, err := s.enrollments.Get(ctx, identity, method)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
		}
		methods = append(methods, method)
	}
	return methods, nil
}

func (s *ChallengeService) generateBackupCodes() ([]string, []models.BackupCodeEntry, error) {
	now := s.clock.Now().UTC()
	plaintext := make([]string, 0, s.config.BackupCodeCount)
	entries := make([]models.BackupCodeEntry, 0, s.config.BackupCodeCount)

	for i := 0; i < s.config.BackupCodeCount; i++ {
		code, err := pkgauth.GenerateCode(s.config.BackupCodeLength)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: generating backup code: %v", models.ErrProviderUnavailable, err)
		}
		hash, err := pkgauth.HashPassword(code)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: hashing backup code: %v", models.ErrProviderUnavailable, err)
		}
		plaintext = append(plaintext, code)
		entries = append(entries, models.BackupCodeEntry{CodeHash: hash, CreatedAt: now})
	}
	return plaintext, entries, nil
}

func (s *ChallengeService) getEnrollment(ctx context.Context, identity string, method models.MethodKind) (*models.Enrollment, error) {
	enrollment, err := s.enrollments.Get(ctx, identity, method)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotEnrolled
		}
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return enrollment, nil
}

func (s *ChallengeService) recordEvent(ctx context.Context, kind, identity, origin, severity, outcome string, detail models.DetailMap) {
	event := &models.AuditEvent{
		Kind:     kind,
		Identity: &identity,
		Origin:   origin,
		Severity: severity,
		Outcome:  outcome,
		Detail:   detail,
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("failed to record challenge event",
			slog.String("kind", kind),
			slog.String("error", err.Error()))
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrCodeMismatch):
		return "mismatch"
	case errors.Is(err, models.ErrChallengeExpired):
		return "expired"
	case errors.Is(err, models.ErrChallengeConsumed):
		return "consumed"
	case errors.Is(err, models.ErrChallengeNotFound):
		return "not_found"
	case errors.Is(err, models.ErrNotEnrolled):
		return "not_enrolled"
	case errors.Is(err, models.ErrProviderUnavailable):
		return "provider_unavailable"
	default:
		return "error"
	}
}

func countUnused(entries []models.BackupCodeEntry) int {
	n := 0
	for _, e := range entries {
		if e.UsedAt == nil {
			n++
		}
	}
	return n
}
