package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashCodeDeterministic(t *testing.T) {
	assert.Equal(t, HashCode("ABCD2345"), HashCode("ABCD2345"))
	assert.NotEqual(t, HashCode("ABCD2345"), HashCode("ABCD2346"))
	assert.Len(t, HashCode("ABCD2345"), 64)
}

func TestCompareCode(t *testing.T) {
	stored := HashCode("ABCD2345")
	assert.True(t, CompareCode(stored, "ABCD2345"))
	assert.False(t, CompareCode(stored, "ABCD2346"))
	assert.False(t, CompareCode(stored, ""))
}

func TestGenerateCodeLengthAndCharset(t *testing.T) {
	code, err := GenerateCode(8)
	require.NoError(t, err)
	assert.Len(t, code, 8)

	for _, r := range code {
		assert.True(t, strings.ContainsRune(codeCharset, r), "unexpected character %q", r)
	}
}

func TestGenerateCodeUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := GenerateCode(10)
		require.NoError(t, err)
		assert.False(t, seen[code], "duplicate code %q", code)
		seen[code] = true
	}
}

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("Zx9!mKqW-pLr7Tv")
	require.NoError(t, err)
	assert.NoError(t, ComparePassword(hash, "Zx9!mKqW-pLr7Tv"))
	assert.Error(t, ComparePassword(hash, "something-else"))
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	_, err := HashPassword("")
	assert.Error(t, err)
}

func TestGenerateSecretKey(t *testing.T) {
	a, err := GenerateSecretKey()
	require.NoError(t, err)
	b, err := GenerateSecretKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
