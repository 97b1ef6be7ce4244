package auth

import (
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestManager(t *testing.T) *TOTPManager {
	t.Helper()
	manager, err := NewTOTPManager(testKey, "bastion-test", TOTPConfig{Period: 30, Skew: 1})
	require.NoError(t, err)
	return manager
}

func TestNewTOTPManagerRejectsShortKey(t *testing.T) {
	_, err := NewTOTPManager([]byte("too-short"), "bastion-test", TOTPConfig{})
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	secret := []byte("JBSWY3DPEHPK3PXP")

	encrypted, nonce, err := manager.EncryptSecret(secret)
	require.NoError(t, err)
	assert.NotEqual(t, secret, encrypted)
	assert.Len(t, nonce, 12)

	decrypted, err := manager.DecryptSecret(encrypted, nonce)
	require.NoError(t, err)
	assert.Equal(t, secret, decrypted)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	manager := newTestManager(t)

	encrypted, nonce, err := manager.EncryptSecret([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)

	encrypted[0] ^= 0xff
	_, err = manager.DecryptSecret(encrypted, nonce)
	assert.Error(t, err)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	manager := newTestManager(t)
	other, err := NewTOTPManager([]byte("ffffffffffffffffffffffffffffffff"), "bastion-test", TOTPConfig{})
	require.NoError(t, err)

	encrypted, nonce, err := manager.EncryptSecret([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)

	_, err = other.DecryptSecret(encrypted, nonce)
	assert.Error(t, err)
}

func TestValidateCodeAtInjectedTime(t *testing.T) {
	manager := newTestManager(t)
	secret := "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	valid, err := manager.ValidateCode([]byte(secret), code, at)
	require.NoError(t, err)
	assert.True(t, valid)

	// The same code two minutes later falls outside period plus skew
	valid, err = manager.ValidateCode([]byte(secret), code, at.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestMatchCodeIdentifiesStep(t *testing.T) {
	manager := newTestManager(t)
	secret := "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
	at := time.Date(2026, 3, 2, 12, 0, 10, 0, time.UTC)
	step := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	stepAt, valid, err := manager.MatchCode([]byte(secret), code, at)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, step, stepAt)

	// The same code accepted through skew a step later resolves to the
	// step that produced it, not the current one.
	stepAt, valid, err = manager.MatchCode([]byte(secret), code, at.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, step, stepAt)

	_, valid, err = manager.MatchCode([]byte(secret), "000000", at)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestGenerateEnrollment(t *testing.T) {
	manager := newTestManager(t)

	encrypted, nonce, secret, qrDataURL, err := manager.GenerateEnrollment("alice")
	require.NoError(t, err)
	assert.NotEmpty(t, encrypted)
	assert.Len(t, nonce, 12)
	assert.NotEmpty(t, secret)
	assert.Contains(t, qrDataURL, "data:image/png;base64,")

	decrypted, err := manager.DecryptSecret(encrypted, nonce)
	require.NoError(t, err)
	assert.Equal(t, secret, string(decrypted))
}

func TestReplayWindowCoversSkew(t *testing.T) {
	manager := newTestManager(t)
	assert.Equal(t, 90*time.Second, manager.ReplayWindow())

	noSkew, err := NewTOTPManager(testKey, "bastion-test", TOTPConfig{Period: 30, Skew: 0})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, noSkew.ReplayWindow())
}
