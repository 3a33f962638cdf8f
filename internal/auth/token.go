// Package auth issues and verifies join tokens. A join token binds a
// websocket connection to one participant of one session, so a client that
// reconnects lands on the same channel and gets its recap.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("auth: invalid token")

const secretSettingKey = "jwt_secret"

// SecretStore persists the signing secret across restarts, so tokens
// handed out before a restart stay valid.
type SecretStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// LoadOrCreateSecret returns the configured secret if there is one, else the
// persisted secret, else a freshly generated secret that it persists.
// store may be nil.
func LoadOrCreateSecret(configured string, store SecretStore) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	if store != nil {
		if h, err := store.GetSetting(secretSettingKey); err == nil && h != "" {
			if b, err := hex.DecodeString(h); err == nil && len(b) == 32 {
				return b, nil
			}
		}
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("auth: generate secret: %w", err)
	}
	if store != nil {
		if err := store.SetSetting(secretSettingKey, hex.EncodeToString(secret)); err != nil {
			return secret, fmt.Errorf("auth: persist secret: %w", err)
		}
	}
	return secret, nil
}

// Claims identify the participant a token was issued to.
type Claims struct {
	Session     string `json:"sid"`
	Participant string `json:"pid"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 join tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. Tokens expire ttl after issue.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}
}

// Issue signs a token for participant in session.
func (i *Issuer) Issue(session, participant string) (string, error) {
	now := i.now()
	claims := Claims{
		Session:     session,
		Participant: participant,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a token's signature and expiry and returns its claims.
func (i *Issuer) Verify(tokenStr string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Session == "" || claims.Participant == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// Peek reads a token's claims without verifying it. Clients use it to learn
// which session a token joins; only the server's Verify is authoritative.
func Peek(tokenStr string) (Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Session == "" || claims.Participant == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
