package token

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scivault/ingestd/catalog"
)

// Claims is the JWT payload minted by the token service. The registered ID
// (jti) points at the stored descriptor so individual tokens stay
// revocable.
type Claims struct {
	jwt.RegisteredClaims
	UserID string            `json:"user_id"`
	Email  string            `json:"email"`
	Name   string            `json:"name,omitempty"`
	Kind   catalog.TokenKind `json:"kind"`
}

// Identity is what a validated token proves about the caller.
type Identity struct {
	UserID  string
	Email   string
	Name    string
	TokenID string
}

// HashToken returns the hex sha256 of the bearer secret. Only this hash is
// stored; the secret itself never touches the catalog.
func HashToken(tokenStr string) string {
	sum := sha256.Sum256([]byte(tokenStr))
	return hex.EncodeToString(sum[:])
}
