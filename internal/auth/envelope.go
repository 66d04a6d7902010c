package auth

import (
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// EnvelopeClaims is the signed defense-in-depth wrapper around an opaque
// access token: even if the Redis-backed cache is bypassed somehow, the
// envelope's own expiry and signature must also check out. Grounded on
// Traxin77-Iot-gateway's internal/auth Claims/HS256 pattern.
type EnvelopeClaims struct {
	DeviceID string `json:"device_id"`
	TokenID  string `json:"jti"`
	jwt.StandardClaims
}

// EnvelopeSigner signs and verifies token envelopes with a shared secret.
type EnvelopeSigner struct {
	secret []byte
}

// NewEnvelopeSigner builds a signer from a shared secret.
func NewEnvelopeSigner(secret string) *EnvelopeSigner {
	return &EnvelopeSigner{secret: []byte(secret)}
}

// Sign wraps a device ID and token ID in a short-lived signed envelope.
func (s *EnvelopeSigner) Sign(deviceID, tokenID string, ttl time.Duration) (string, error) {
	claims := &EnvelopeClaims{
		DeviceID: deviceID,
		TokenID:  tokenID,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(ttl).Unix(),
			IssuedAt:  time.Now().Unix(),
			Issuer:    "firecore-token-validator",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks the envelope's signature and expiry and returns its claims.
func (s *EnvelopeSigner) Verify(envelope string) (*EnvelopeClaims, error) {
	claims := &EnvelopeClaims{}
	token, err := jwt.ParseWithClaims(envelope, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid envelope")
	}
	return claims, nil
}
