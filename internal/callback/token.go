package callback

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSigner produces the JWT signatures origins verify on callback
// requests. An empty secret disables signing entirely.
type TokenSigner struct {
	secret  []byte
	expires time.Duration

	now func() time.Time
}

func NewTokenSigner(secret string, expires time.Duration) *TokenSigner {
	return &TokenSigner{
		secret:  []byte(secret),
		expires: expires,
		now:     time.Now,
	}
}

// Enabled reports whether payloads are signed at all.
func (s *TokenSigner) Enabled() bool {
	return len(s.secret) > 0
}

// Sign flattens the payload into JWT claims and signs them.
func (s *TokenSigner) Sign(payload any) (string, error) {
	claims, err := s.claimsFor(payload)
	if err != nil {
		return "", err
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// SignWrapped signs {"payload": body}, the shape carried in the
// Authorization header.
func (s *TokenSigner) SignWrapped(payload any) (string, error) {
	return s.Sign(map[string]any{"payload": payload})
}

func (s *TokenSigner) claimsFor(payload any) (jwt.MapClaims, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal token payload: %w", err)
	}
	claims := jwt.MapClaims{}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("flatten token payload: %w", err)
	}
	now := s.now()
	claims["iat"] = now.Unix()
	if s.expires > 0 {
		claims["exp"] = now.Add(s.expires).Unix()
	}
	return claims, nil
}
