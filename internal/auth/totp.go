package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

// TOTPConfig holds the code parameters shared by generation and validation
type TOTPConfig struct {
	Period uint // time step in seconds
	Skew   uint // accepted steps of clock drift on each side
}

// TOTPManager handles time-based code generation, secret encryption, and
// validation. Validation takes an explicit timestamp so callers can inject
// their clock.
type TOTPManager struct {
	encryptionKey []byte // 32-byte AES-256 key
	issuer        string // Issuer name for provisioning QR codes
	config        TOTPConfig
}

// NewTOTPManager creates a new TOTP manager
// encryptionKey must be exactly 32 bytes for AES-256
func NewTOTPManager(encryptionKey []byte, issuer string, config TOTPConfig) (*TOTPManager, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}
	if config.Period == 0 {
		config.Period = 30
	}

	return &TOTPManager{
		encryptionKey: encryptionKey,
		issuer:        issuer,
		config:        config,
	}, nil
}

// GenerateEnrollment generates a secret and returns it encrypted for
// storage, plus the plaintext secret and a provisioning QR data URL for the
// one-time setup response.
// Returns: (encryptedSecret, nonce, secret, qrCodeDataURL, error)
func (tm *TOTPManager) GenerateEnrollment(accountName string) ([]byte, []byte, string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountName,
		SecretSize:  32, // 256 bits
		Period:      tm.config.Period,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, nil, "", "", fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	secretBytes := []byte(key.Secret())
	encrypted, nonce, err := tm.EncryptSecret(secretBytes)
	if err != nil {
		return nil, nil, "", "", fmt.Errorf("failed to encrypt secret: %w", err)
	}

	qr, err := qrcode.New(key.URL(), qrcode.Highest)
	if err != nil {
		return nil, nil, "", "", fmt.Errorf("failed to create QR code: %w", err)
	}

	qrImage, err := qr.PNG(200)
	if err != nil {
		return nil, nil, "", "", fmt.Errorf("failed to encode QR code: %w", err)
	}

	qrDataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrImage)

	return encrypted, nonce, key.Secret(), qrDataURL, nil
}

// EncryptSecret encrypts a TOTP secret using AES-256-GCM
// Returns: (encryptedBytes, nonce, error)
func (tm *TOTPManager) EncryptSecret(secretBytes []byte) ([]byte, []byte, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Random nonce (12 bytes for GCM)
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, secretBytes, nil)
	return ciphertext, nonce, nil
}

// DecryptSecret decrypts an encrypted TOTP secret
func (tm *TOTPManager) DecryptSecret(encryptedBytes, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, encryptedBytes, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return plaintext, nil
}

// ValidateCode validates a time-based code against the secret at the given
// time, tolerating the configured skew. Replay rejection is the caller's
// responsibility via the enrollment's last-accepted timestamp.
func (tm *TOTPManager) ValidateCode(secretBytes []byte, code string, at time.Time) (bool, error) {
	opts := totp.ValidateOpts{
		Period:    tm.config.Period,
		Skew:      tm.config.Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}

	valid, err := totp.ValidateCustom(code, string(secretBytes), at, opts)
	if err != nil {
		return false, fmt.Errorf("failed to validate TOTP: %w", err)
	}
	return valid, nil
}

// MatchCode reports whether the code is valid at the given time and, when it
// is, the start of the time step that produced it. The step identifies the
// code uniquely, so callers can reject a resubmission of an accepted code
// without blocking the neighboring steps' codes.
func (tm *TOTPManager) MatchCode(secretBytes []byte, code string, at time.Time) (time.Time, bool, error) {
	period := time.Duration(tm.config.Period) * time.Second
	opts := totp.ValidateOpts{
		Period:    tm.config.Period,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}

	for offset := -int(tm.config.Skew); offset <= int(tm.config.Skew); offset++ {
		stepTime := at.Add(time.Duration(offset) * period).Truncate(period)
		expected, err := totp.GenerateCodeCustom(string(secretBytes), stepTime, opts)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("failed to derive TOTP code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return stepTime, true, nil
		}
	}
	return time.Time{}, false, nil
}

// ReplayWindow is the full validity span of a single code: its step plus the
// configured skew on both sides.
func (tm *TOTPManager) ReplayWindow() time.Duration {
	steps := 2*tm.config.Skew + 1
	return time.Duration(steps) * time.Duration(tm.config.Period) * time.Second
}
