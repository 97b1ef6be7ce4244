package auth

import (
	"fmt"

	"github.com/bastion-sec/bastion/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims binds a signed handle to a server-side session record. The
// handle carries no authority by itself; validation always consults the
// session store.
type SessionClaims struct {
	SessionID string `json:"sid"`
	Identity  string `json:"idt"`
	jwt.RegisteredClaims
}

// SessionTokenManager mints and parses session handle tokens for the
// embedding transport layer.
type SessionTokenManager struct {
	secret string
}

// NewSessionTokenManager creates a new SessionTokenManager
func NewSessionTokenManager(secret string) *SessionTokenManager {
	return &SessionTokenManager{secret: secret}
}

// Mint creates a signed handle expiring with the session's absolute timeout
func (tm *SessionTokenManager) Mint(session *models.Session) (string, error) {
	claims := &SessionClaims{
		SessionID: session.ID.String(),
		Identity:  session.Identity,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(session.CreatedAt),
			NotBefore: jwt.NewNumericDate(session.CreatedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(tm.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign session handle: %w", err)
	}
	return signed, nil
}

// Parse verifies a handle and returns its claims
func (tm *SessionTokenManager) Parse(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(tm.secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse session handle: %w", err)
	}

	if !token.Valid {
		return nil, models.ErrUnauthorized
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("invalid session handle: missing session id")
	}

	return claims, nil
}

// SessionID returns the parsed session id as a UUID
func (c *SessionClaims) ParsedSessionID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.SessionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id in handle: %w", err)
	}
	return id, nil
}
