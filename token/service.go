// Package token mints, validates, refreshes, and revokes the bearer tokens
// guarding the ingestion API. Tokens are HS256 JWTs whose jti points at a
// stored descriptor carrying the sha256 of the secret, so any single token
// can be revoked server-side before its expiry.
package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/scivault/ingestd/catalog"
)

// ErrBadCredentials means the password did not match the stored hash.
var ErrBadCredentials = errors.New("token: bad credentials")

// ErrInactiveUser means the profile exists but has been deactivated.
var ErrInactiveUser = errors.New("token: inactive user")

// Service issues and checks tokens against the catalog.
type Service struct {
	cat        *catalog.Catalog
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewService returns a Service signing with key.
func NewService(cat *catalog.Catalog, key []byte, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{cat: cat, key: key, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// TokenPair is what a successful login returns.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Login authenticates email and returns a fresh token pair. Unknown users
// are created lazily on first login; for existing users with a stored
// password hash the password must verify. name updates nothing for an
// existing profile, it only seeds a new one.
func (s *Service) Login(ctx context.Context, email, name, password string) (*TokenPair, *catalog.User, error) {
	u, err := s.cat.GetUserByEmail(ctx, email)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		u = &catalog.User{
			UserID:   uuid.NewString(),
			Email:    email,
			Name:     name,
			IsActive: true,
		}
		if password != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return nil, nil, fmt.Errorf("token: hash password: %w", err)
			}
			u.PasswordHash = string(hash)
		}
		if err := s.cat.CreateUser(ctx, u); err != nil {
			if errors.Is(err, catalog.ErrDuplicate) {
				// Lost a creation race; the profile now exists.
				return s.Login(ctx, email, name, password)
			}
			return nil, nil, err
		}
	case err != nil:
		return nil, nil, err
	default:
		if !u.IsActive {
			return nil, nil, ErrInactiveUser
		}
		if u.PasswordHash != "" {
			if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
				return nil, nil, ErrBadCredentials
			}
		}
	}

	pair, err := s.mintPair(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	if err := s.cat.TouchLogin(ctx, u.UserID); err != nil {
		return nil, nil, err
	}
	return pair, u, nil
}

func (s *Service) mintPair(ctx context.Context, u *catalog.User) (*TokenPair, error) {
	access, err := s.mint(ctx, u, catalog.TokenAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.mint(ctx, u, catalog.TokenRefresh, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

func (s *Service) mint(ctx context.Context, u *catalog.User, kind catalog.TokenKind, ttl time.Duration) (string, error) {
	tokenID := uuid.NewString()
	claims := &Claims{
		UserID: u.UserID,
		Email:  u.Email,
		Name:   u.Name,
		Kind:   kind,
	}
	claims.ID = tokenID
	claims.Subject = u.UserID

	tokenStr, err := sign(s.key, claims, ttl)
	if err != nil {
		return "", err
	}
	err = s.cat.InsertToken(ctx, &catalog.Token{
		TokenID:   tokenID,
		UserID:    u.UserID,
		Kind:      kind,
		TokenHash: HashToken(tokenStr),
		ExpiresAt: catalog.FormatTime(claims.ExpiresAt.Time),
	})
	if err != nil {
		return "", err
	}
	return tokenStr, nil
}

// Validate checks a presented bearer token end to end: JWT signature and
// expiry, then the stored descriptor (revocation, hash match, owner still
// active). Every failure is ErrInvalidToken.
func (s *Service) Validate(ctx context.Context, tokenStr string) (*Identity, error) {
	return s.validate(ctx, tokenStr, catalog.TokenAccess)
}

func (s *Service) validate(ctx context.Context, tokenStr string, kind catalog.TokenKind) (*Identity, error) {
	claims, err := parse(s.key, tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind {
		return nil, ErrInvalidToken
	}
	desc, err := s.cat.GetToken(ctx, claims.ID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if desc.Revoked {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(desc.TokenHash), []byte(HashToken(tokenStr))) != 1 {
		return nil, ErrInvalidToken
	}
	u, err := s.cat.GetUserByID(ctx, desc.UserID)
	if err != nil || !u.IsActive {
		return nil, ErrInvalidToken
	}

	// Best-effort bookkeeping; validation does not fail on it.
	_ = s.cat.TouchTokenUse(ctx, desc.TokenID)
	_ = s.cat.TouchActivity(ctx, u.UserID)

	return &Identity{UserID: u.UserID, Email: u.Email, Name: u.Name, TokenID: desc.TokenID}, nil
}

// Refresh exchanges a valid refresh token for a new access token. The
// refresh token itself stays live until expiry or logout.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	id, err := s.validate(ctx, refreshToken, catalog.TokenRefresh)
	if err != nil {
		return nil, err
	}
	u, err := s.cat.GetUserByID(ctx, id.UserID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	access, err := s.mint(ctx, u, catalog.TokenAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// Logout revokes the presented access token and all of the user's refresh
// tokens. Idempotent: a second logout with the same token is a no-op
// failure the caller can ignore.
func (s *Service) Logout(ctx context.Context, tokenStr string) error {
	id, err := s.Validate(ctx, tokenStr)
	if err != nil {
		return err
	}
	if err := s.cat.RevokeToken(ctx, id.TokenID); err != nil {
		return err
	}
	return s.cat.RevokeUserTokens(ctx, id.UserID, catalog.TokenRefresh)
}

// RevokeAll revokes every live token of a user, both kinds.
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	return s.cat.RevokeUserTokens(ctx, userID, "")
}

// PurgeExpired deletes descriptors past expiry. Run periodically by the
// reconciler.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.cat.DeleteExpiredTokens(ctx, time.Now())
}
