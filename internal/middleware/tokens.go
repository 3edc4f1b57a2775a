package middleware

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/silentrelay/e2ee-core/internal/errs"
)

// Claims is the minimal JWT payload the relay needs to authenticate an
// HTTPS/WebSocket caller: which user, which of their devices.
type Claims struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
	jwt.RegisteredClaims
}

// TokenVerifier validates bearer access tokens issued out-of-band by the
// identity provider, grounded on the teacher's AuthService.ValidateToken
// but trimmed to verification only — this core does not issue, refresh, or
// blacklist tokens itself.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier requires at least a 32-byte secret, matching the
// teacher's minimum JWT secret strength gate.
func NewTokenVerifier(secret string) (*TokenVerifier, error) {
	if len(secret) < 32 {
		return nil, errs.New(errs.BadInput, "middleware.NewTokenVerifier", "JWT secret must be at least 32 bytes")
	}
	return &TokenVerifier{secret: []byte(secret)}, nil
}

// Verify parses and validates tokenString, returning its claims.
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.BadInput, "middleware.TokenVerifier.Verify", "invalid or expired token", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errs.New(errs.BadInput, "middleware.TokenVerifier.Verify", "invalid token claims")
	}
	return claims, nil
}

// Issue mints a short-lived access token for tests and local development,
// where no separate identity provider is wired in front of the relay.
func (v *TokenVerifier) Issue(userID, deviceID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   userID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", errs.Wrap(errs.CryptoError, "middleware.TokenVerifier.Issue", "token signing failed", err)
	}
	return signed, nil
}
