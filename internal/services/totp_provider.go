package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/bastion-sec/bastion/internal/auth"
	"github.com/bastion-sec/bastion/internal/clock"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/bastion-sec/bastion/internal/store"
	"github.com/google/uuid"
)

// TOTPProvider verifies time-based codes derived from a shared secret. No
// challenge record is persisted; the code space is bound to the clock, and
// the enrollment remembers the last accepted step so that code's replay is
// rejected.
type TOTPProvider struct {
	enrollments store.EnrollmentStore
	manager     *auth.TOTPManager
	clock       clock.Clock
}

// NewTOTPProvider creates a new time-based code provider
func NewTOTPProvider(enrollments store.EnrollmentStore, manager *auth.TOTPManager, clk clock.Clock) *TOTPProvider {
	return &TOTPProvider{
		enrollments: enrollments,
		manager:     manager,
		clock:       clk,
	}
}

// Issue describes the expected challenge. Time-based codes come from the
// enrolled authenticator, so there is nothing to generate or deliver; the
// returned challenge is a descriptor only and is never stored.
func (p *TOTPProvider) Issue(ctx context.Context, identity string) (*models.Challenge, error) {
	if _, err := p.getEnrollment(ctx, identity); err != nil {
		return nil, err
	}

	now := p.clock.Now()
	return &models.Challenge{
		Identity:  identity,
		Method:    models.MethodTimeBased,
		IssuedAt:  now,
		ExpiresAt: now.Add(p.manager.ReplayWindow()),
	}, nil
}

// Verify validates a submitted code at the current time. The step whose
// code was accepted is recorded on the enrollment; resubmitting that step's
// code is rejected as consumed, while a fresh code from a neighboring step
// verifies normally. The compare-and-set on the accepted step makes
// concurrent submissions of the same code resolve to exactly one success.
func (p *TOTPProvider) Verify(ctx context.Context, identity string, _ uuid.UUID, code string) error {
	enrollment, err := p.getEnrollment(ctx, identity)
	if err != nil {
		return err
	}

	secret, err := p.manager.DecryptSecret(enrollment.SecretEncrypted, enrollment.SecretNonce)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
	}

	stepAt, valid, err := p.manager.MatchCode(secret, code, p.clock.Now())
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
	}
	if !valid {
		return models.ErrCodeMismatch
	}

	if enrollment.LastAcceptedAt != nil && enrollment.LastAcceptedAt.Equal(stepAt) {
		return models.ErrChallengeConsumed
	}

	ok, err := p.enrollments.TouchAccepted(ctx, identity, models.MethodTimeBased, enrollment.LastAcceptedAt, stepAt)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	if !ok {
		// A concurrent verification won the race
		return models.ErrChallengeConsumed
	}
	return nil
}

func (p *TOTPProvider) getEnrollment(ctx context.Context, identity string) (*models.Enrollment, error) {
	enrollment, err := p.enrollments.Get(ctx, identity, models.MethodTimeBased)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotEnrolled
		}
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return enrollment, nil
}
