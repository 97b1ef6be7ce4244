// Package policy implements the password policy validator: a pure rule
// engine that scores and validates a candidate secret against configuration
// and credential history. It performs no I/O and never reads the clock;
// callers pass the current time explicitly.
package policy

import (
	"math"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// Violation identifies a failed policy rule
type Violation string

const (
	ViolationTooShort          Violation = "too_short"
	ViolationTooLong           Violation = "too_long"
	ViolationMissingUpper      Violation = "missing_uppercase"
	ViolationMissingLower      Violation = "missing_lowercase"
	ViolationMissingDigit      Violation = "missing_digit"
	ViolationMissingSymbol     Violation = "missing_symbol"
	ViolationIdentityDerived   Violation = "contains_identity"
	ViolationCommonPassword    Violation = "common_password"
	ViolationCharacterRun      Violation = "character_run"
	ViolationRecentlyUsed      Violation = "recently_used"
	ViolationCredentialExpired Violation = "credential_expired"
)

// Config holds the policy rules. Every rule is independently togglable;
// zero values disable the corresponding rule.
type Config struct {
	MinLength      int
	MaxLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSymbol  bool
	RejectIdentity bool // reject candidates containing username or email local part
	RejectCommon   bool
	MaxRun         int           // reject runs of more than MaxRun identical or sequential characters
	HistoryDepth   int           // compare against the last HistoryDepth history hashes
	MaxAge         time.Duration // maximum credential age before a change is required
}

// DefaultConfig mirrors common deployment settings
func DefaultConfig() Config {
	return Config{
		MinLength:      8,
		MaxLength:      128,
		RequireUpper:   true,
		RequireLower:   true,
		RequireDigit:   true,
		RequireSymbol:  true,
		RejectIdentity: true,
		RejectCommon:   true,
		MaxRun:         3,
		HistoryDepth:   5,
		MaxAge:         0,
	}
}

// IdentityContext carries identity-derived strings the candidate must not contain
type IdentityContext struct {
	Username string
	Email    string
}

// Result is the outcome of validation. Strength is informational; only
// Violations gates acceptance.
type Result struct {
	Valid      bool
	Strength   int // 0..5
	Violations []Violation
}

// Validator applies a Config to candidate secrets
type Validator struct {
	config Config
}

// New creates a Validator with the given config
func New(config Config) *Validator {
	return &Validator{config: config}
}

// Common weak passwords to reject
var commonPasswords = map[string]bool{
	"password":     true,
	"12345678":     true,
	"qwerty":       true,
	"abc123":       true,
	"password123":  true,
	"password123!": true,
	"123456":       true,
	"admin":        true,
	"letmein":      true,
	"welcome":      true,
	"monkey":       true,
	"dragon":       true,
	"master":       true,
	"123123":       true,
	"passw0rd":     true,
	"shadow":       true,
	"sunshine":     true,
	"princess":     true,
	"starwars":     true,
	"football":     true,
	"trustno1":     true,
}

// Validate checks the candidate against every enabled rule. History entries
// are bcrypt hashes of prior secrets; plaintext is never compared.
// credentialCreatedAt drives the max-age rule; pass the zero value when no
// current credential exists.
func (v *Validator) Validate(candidate string, idc IdentityContext, history []string, credentialCreatedAt, now time.Time) Result {
	cfg := v.config
	violations := make([]Violation, 0)

	if cfg.MinLength > 0 && len(candidate) < cfg.MinLength {
		violations = append(violations, ViolationTooShort)
	}
	if cfg.MaxLength > 0 && len(candidate) > cfg.MaxLength {
		violations = append(violations, ViolationTooLong)
	}

	hasUpper, hasLower, hasDigit, hasSymbol := classCoverage(candidate)
	if cfg.RequireUpper && !hasUpper {
		violations = append(violations, ViolationMissingUpper)
	}
	if cfg.RequireLower && !hasLower {
		violations = append(violations, ViolationMissingLower)
	}
	if cfg.RequireDigit && !hasDigit {
		violations = append(violations, ViolationMissingDigit)
	}
	if cfg.RequireSymbol && !hasSymbol {
		violations = append(violations, ViolationMissingSymbol)
	}

	if cfg.RejectIdentity && containsIdentity(candidate, idc) {
		violations = append(violations, ViolationIdentityDerived)
	}

	if cfg.RejectCommon && commonPasswords[strings.ToLower(candidate)] {
		violations = append(violations, ViolationCommonPassword)
	}

	if cfg.MaxRun > 0 && longestRun(candidate) > cfg.MaxRun {
		violations = append(violations, ViolationCharacterRun)
	}

	if cfg.HistoryDepth > 0 && reusedFromHistory(candidate, history, cfg.HistoryDepth) {
		violations = append(violations, ViolationRecentlyUsed)
	}

	if cfg.MaxAge > 0 && !credentialCreatedAt.IsZero() && now.Sub(credentialCreatedAt) > cfg.MaxAge {
		violations = append(violations, ViolationCredentialExpired)
	}

	return Result{
		Valid:      len(violations) == 0,
		Strength:   strength(candidate, hasUpper, hasLower, hasDigit, hasSymbol),
		Violations: violations,
	}
}

func classCoverage(s string) (hasUpper, hasLower, hasDigit, hasSymbol bool) {
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return
}

func containsIdentity(candidate string, idc IdentityContext) bool {
	lower := strings.ToLower(candidate)

	if idc.Username != "" && len(idc.Username) >= 3 && strings.Contains(lower, strings.ToLower(idc.Username)) {
		return true
	}

	if idc.Email != "" {
		localPart := strings.ToLower(strings.SplitN(idc.Email, "@", 2)[0])
		if len(localPart) >= 3 && strings.Contains(lower, localPart) {
			return true
		}
	}
	return false
}

// longestRun finds the longest run of identical or sequential (ascending or
// descending by one) characters.
func longestRun(s string) int {
	runes := []rune(s)
	if len(runes) == 0 {
		return 0
	}

	longest, identical, ascending, descending := 1, 1, 1, 1
	for i := 1; i < len(runes); i++ {
		diff := runes[i] - runes[i-1]

		if diff == 0 {
			identical++
		} else {
			identical = 1
		}
		if diff == 1 {
			ascending++
		} else {
			ascending = 1
		}
		if diff == -1 {
			descending++
		} else {
			descending = 1
		}

		for _, run := range []int{identical, ascending, descending} {
			if run > longest {
				longest = run
			}
		}
	}
	return longest
}

func reusedFromHistory(candidate string, history []string, depth int) bool {
	start := 0
	if len(history) > depth {
		start = len(history) - depth
	}
	for _, hash := range history[start:] {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil {
			return true
		}
	}
	return false
}

// strength maps satisfied classes plus an entropy estimate to 0..5. It is a
// monotonic function of its inputs.
func strength(candidate string, hasUpper, hasLower, hasDigit, hasSymbol bool) int {
	if candidate == "" {
		return 0
	}

	charset := 0
	if hasUpper {
		charset += 26
	}
	if hasLower {
		charset += 26
	}
	if hasDigit {
		charset += 10
	}
	if hasSymbol {
		charset += 32
	}
	if charset == 0 {
		charset = 26
	}

	bits := float64(len(candidate)) * math.Log2(float64(charset))

	switch {
	case bits >= 90:
		return 5
	case bits >= 70:
		return 4
	case bits >= 55:
		return 3
	case bits >= 40:
		return 2
	case bits >= 28:
		return 1
	default:
		return 0
	}
}
