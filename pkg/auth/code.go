package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashCode hashes a server-generated challenge code for storage. The codes
// are high-entropy and short-lived, so a fast hash is appropriate; bcrypt is
// reserved for user-chosen secrets.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// CompareCode checks a submitted code against its stored hash in constant time
func CompareCode(storedHash, code string) bool {
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(HashCode(code))) == 1
}
