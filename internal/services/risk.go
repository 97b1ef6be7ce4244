package services

import (
	"time"

	"github.com/bastion-sec/bastion/internal/models"
)

// RiskConfig holds the signal weights and the rejection threshold. Scores
// accumulate additively; a session at or above Threshold is rejected.
type RiskConfig struct {
	Threshold float64

	OriginNoveltyWeight float64 // origin never seen on this identity's sessions
	SignatureWeight     float64 // client signature differs from the session's
	FingerprintWeight   float64 // device fingerprint differs from the session's
	VelocityWeight      float64 // origin change faster than plausible travel
	OffHoursWeight      float64 // activity inside the configured quiet hours
	VelocityWindow      time.Duration
	OffHoursStart       int // hour of day, UTC, inclusive
	OffHoursEnd         int // hour of day, UTC, exclusive
}

// DefaultRiskConfig returns production defaults
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		Threshold:           0.8,
		OriginNoveltyWeight: 0.3,
		SignatureWeight:     0.4,
		FingerprintWeight:   0.5,
		VelocityWeight:      0.6,
		OffHoursWeight:      0.1,
		VelocityWindow:      5 * time.Minute,
		OffHoursStart:       1,
		OffHoursEnd:         5,
	}
}

// riskScorer derives a risk score from observable session signals. It is
// pure computation; callers supply all state.
type riskScorer struct {
	config RiskConfig
}

// scoreCreation evaluates a new session request against the identity's
// existing sessions.
func (rs *riskScorer) scoreCreation(origin string, existing []*models.Session, now time.Time) (float64, []string) {
	var score float64
	var signals []string

	if len(existing) > 0 && !originSeen(origin, existing) {
		score += rs.config.OriginNoveltyWeight
		signals = append(signals, "origin_novelty")
	}
	if rs.offHours(now) {
		score += rs.config.OffHoursWeight
		signals = append(signals, "off_hours")
	}

	return score, signals
}

// scoreValidation evaluates a validation request against the session it
// claims to continue.
func (rs *riskScorer) scoreValidation(s *models.Session, origin, clientSignature, fingerprint string, now time.Time) (float64, []string) {
	var score float64
	var signals []string

	if origin != "" && origin != s.Origin {
		score += rs.config.OriginNoveltyWeight
		signals = append(signals, "origin_change")

		// Origin changed faster than plausible travel
		if now.Sub(s.LastActivityAt) < rs.config.VelocityWindow {
			score += rs.config.VelocityWeight
			signals = append(signals, "velocity")
		}
	}
	if clientSignature != "" && s.ClientSignature != "" && clientSignature != s.ClientSignature {
		score += rs.config.SignatureWeight
		signals = append(signals, "signature_mismatch")
	}
	if fingerprint != "" && s.Fingerprint != "" && fingerprint != s.Fingerprint {
		score += rs.config.FingerprintWeight
		signals = append(signals, "fingerprint_mismatch")
	}
	if rs.offHours(now) {
		score += rs.config.OffHoursWeight
		signals = append(signals, "off_hours")
	}

	return score, signals
}

func (rs *riskScorer) offHours(now time.Time) bool {
	if rs.config.OffHoursStart == rs.config.OffHoursEnd {
		return false
	}
	hour := now.UTC().Hour()
	if rs.config.OffHoursStart < rs.config.OffHoursEnd {
		return hour >= rs.config.OffHoursStart && hour < rs.config.OffHoursEnd
	}
	return hour >= rs.config.OffHoursStart || hour < rs.config.OffHoursEnd
}

func originSeen(origin string, sessions []*models.Session) bool {
	for _, s := range sessions {
		if s.Origin == origin {
			return true
		}
	}
	return false
}
