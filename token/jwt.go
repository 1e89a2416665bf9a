package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scivault/ingestd/guard"
)

// ErrInvalidToken covers every way a presented token can fail validation:
// bad signature, expiry, revocation, or a missing descriptor. Callers map
// it to 401 without distinguishing, so probes learn nothing.
var ErrInvalidToken = errors.New("token: invalid token")

// sign creates a signed JWT string from claims, stamping iat and exp.
func sign(key []byte, claims *Claims, ttl time.Duration) (string, error) {
	if err := guard.ValidateKey(key); err != nil {
		return "", fmt.Errorf("token: %w", err)
	}
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// parse validates signature and expiry and returns the structured claims.
// The signing method is pinned to HS256: a token claiming any other alg is
// rejected before the key is ever used.
func parse(key []byte, tokenStr string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
