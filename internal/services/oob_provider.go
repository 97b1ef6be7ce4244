package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bastion-sec/bastion/internal/clock"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/bastion-sec/bastion/internal/store"
	pkgauth "github.com/bastion-sec/bastion/pkg/auth"
	"github.com/google/uuid"
)

// OOBConfig tunes out-of-band challenge issuance
type OOBConfig struct {
	CodeLength int
	TTL        time.Duration
	Subject    string
}

// DefaultOOBConfig returns production defaults
func DefaultOOBConfig() OOBConfig {
	return OOBConfig{
		CodeLength: 8,
		TTL:        5 * time.Minute,
		Subject:    "Your verification code",
	}
}

// OOBProvider issues single-use codes delivered over a side channel. Codes
// are stored hashed with a short expiry; consumption is a one-way flip done
// atomically in the store.
type OOBProvider struct {
	challenges  store.ChallengeStore
	enrollments store.EnrollmentStore
	channel     store.MessageChannel
	clock       clock.Clock
	config      OOBConfig
}

// NewOOBProvider creates a new out-of-band challenge provider
func NewOOBProvider(challenges store.ChallengeStore, enrollments store.EnrollmentStore, channel store.MessageChannel, clk clock.Clock, config OOBConfig) *OOBProvider {
	return &OOBProvider{
		challenges:  challenges,
		enrollments: enrollments,
		channel:     channel,
		clock:       clk,
		config:      config,
	}
}

// Issue generates a fresh code, persists its hash, and delivers the
// plaintext over the enrolled contact channel. Delivery failure surfaces as
// provider unavailability; the stored challenge is left to expire.
func (p *OOBProvider) Issue(ctx context.Context, identity string) (*models.Challenge, error) {
	enrollment, err := p.getEnrollment(ctx, identity)
	if err != nil {
		return nil, err
	}

	code, err := pkgauth.GenerateCode(p.config.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("%w: generating code: %v", models.ErrProviderUnavailable, err)
	}

	now := p.clock.Now().UTC()
	challenge := &models.Challenge{
		ID:        uuid.New(),
		Identity:  identity,
		Method:    models.MethodOutOfBand,
		CodeHash:  pkgauth.HashCode(code),
		IssuedAt:  now,
		ExpiresAt: now.Add(p.config.TTL),
	}

	if err := p.challenges.Create(ctx, challenge); err != nil {
		return nil, fmt.Errorf("%w: storing challenge: %v", models.ErrStoreUnavailable, err)
	}

	body := fmt.Sprintf("Your verification code is: %s\n\nThis code expires in %d minutes. If you did not request it, ignore this message.",
		code, int(p.config.TTL.Minutes()))
	if err := p.channel.Send(ctx, enrollment.Contact, p.config.Subject, body); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
	}

	return challenge, nil
}

// Verify checks a submitted code against the referenced challenge. The
// consumed flag is flipped atomically only after the code matches, so a
// double submit of a correct code yields exactly one success and the loser
// sees the challenge as consumed.
func (p *OOBProvider) Verify(ctx context.Context, identity string, challengeID uuid.UUID, code string) error {
	challenge, err := p.challenges.Get(ctx, challengeID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrChallengeNotFound) {
			return models.ErrChallengeNotFound
		}
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}

	// A challenge belonging to someone else is indistinguishable from a
	// missing one.
	if challenge.Identity != identity || challenge.Method != models.MethodOutOfBand {
		return models.ErrChallengeNotFound
	}

	if challenge.Consumed {
		return models.ErrChallengeConsumed
	}
	if challenge.Expired(p.clock.Now()) {
		return models.ErrChallengeExpired
	}
	if !pkgauth.CompareCode(challenge.CodeHash, code) {
		return models.ErrCodeMismatch
	}

	consumed, err := p.challenges.ConsumeOnce(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	if !consumed {
		return models.ErrChallengeConsumed
	}
	return nil
}

func (p *OOBProvider) getEnrollment(ctx context.Context, identity string) (*models.Enrollment, error) {
	enrollment, err := p.enrollments.Get(ctx, identity, models.MethodOutOfBand)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotEnrolled
		}
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return enrollment, nil
}
