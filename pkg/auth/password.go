package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost   = 14 // OWASP 2026 recommendation - stronger than cost 12 (Feb 2026)
	SecretKeyLen = 32 // 256 bits
	// Charset: A-Z 2-9 (excluding 0/O/1/I/L which are ambiguous)
	codeCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
)

// HashPassword hashes a secret with bcrypt at the configured cost
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}

// ComparePassword checks a plaintext secret against its bcrypt hash
func ComparePassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

// GenerateCode produces a random code of n characters from an unambiguous
// charset, suitable for out-of-band challenges and backup codes.
func GenerateCode(n int) (string, error) {
	code := make([]byte, n)
	random := make([]byte, n)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("failed to generate random code: %w", err)
	}
	for i := range code {
		code[i] = codeCharset[random[i]%byte(len(codeCharset))]
	}
	return string(code), nil
}

// GenerateSecretKey returns a random 256-bit key, base64 encoded
func GenerateSecretKey() (string, error) {
	bytes := make([]byte, SecretKeyLen)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secret key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(bytes), nil
}
