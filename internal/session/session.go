package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"emberchat/internal/model"
)

// Claims is the token payload issued by the auth service.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Session is the resolved identity the engine stamps on outgoing rows.
type Session struct {
	UserID   string
	Username string
	Token    string
}

// FromToken extracts the identity from a bearer token without verifying
// the signature. The remote store is the authority on whether the token
// is acceptable; the client only needs to know who it is acting as.
func FromToken(token string) (*Session, error) {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse session token: %w", err)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, errors.New("session token carries no user id")
	}
	return &Session{UserID: claims.UserID, Username: claims.Username, Token: token}, nil
}

// FromTokenVerified additionally checks the HMAC signature. Used when the
// client holds the shared secret (local dev setups).
func FromTokenVerified(token, secret string) (*Session, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to validate session token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid session token")
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return &Session{UserID: claims.UserID, Username: claims.Username, Token: token}, nil
}

// GenerateToken mints an HMAC token for the given identity. Used by local
// fixtures and tests.
func GenerateToken(userID, username, secret string) (string, error) {
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(7 * 24 * time.Hour)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Resolve maps the "me" placeholder to the session identity; any other
// sender id passes through.
func (s *Session) Resolve(senderID string) string {
	if senderID == model.SenderMe || senderID == "" {
		return s.UserID
	}
	return senderID
}
