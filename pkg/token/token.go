package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Token types carried in the claims. User tokens are issued by the
// external auth service; system tokens are minted locally so API
// workers can authenticate against the gateway tier without a user
// session.
const (
	TypeUser   = "user"
	TypeSystem = "system"
)

// Claims represents JWT claims shared by all relaypoint processes.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Type     string `json:"type"`
}

// IsSystem reports whether the claims identify a system credential.
func (c *Claims) IsSystem() bool {
	return c.Type == TypeSystem
}

// Manager validates user tokens and mints system tokens. Both sides
// share one HMAC secret; issuance of user tokens is out of scope here.
type Manager struct {
	secret []byte
	issuer string
}

// NewManager creates a token manager for the given shared secret.
func NewManager(secret, issuer string) *Manager {
	return &Manager{secret: []byte(secret), issuer: issuer}
}

// MintSystemToken creates a short-lived system credential used by the
// broadcaster's gateway handshake.
func (m *Manager) MintSystemToken(ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   "system",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type: TypeSystem,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(m.secret)
}

// Validate parses and verifies a token, returning its claims.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
