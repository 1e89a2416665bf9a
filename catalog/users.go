package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// User is a user profile. Profiles are created lazily on first login and
// never deleted, only marked inactive.
type User struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	TeamID        string `json:"team_id,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	IsActive      bool   `json:"is_active"`
	PasswordHash  string `json:"-"`
	CreatedAt     string `json:"created_at"`
	LastLogin     string `json:"last_login,omitempty"`
	LastActivity  string `json:"last_activity,omitempty"`
}

// TokenKind distinguishes access from refresh tokens.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// Token is a stored token descriptor. The bearer secret itself is never
// stored, only its one-way hash.
type Token struct {
	TokenID   string    `json:"token_id"`
	UserID    string    `json:"user_id"`
	Kind      TokenKind `json:"kind"`
	TokenHash string    `json:"-"`
	CreatedAt string    `json:"created_at"`
	ExpiresAt string    `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	LastUsed  string    `json:"last_used,omitempty"`
}

// CreateUser inserts a new user profile.
func (c *Catalog) CreateUser(ctx context.Context, u *User) error {
	u.CreatedAt = nowRFC3339()
	_, err := c.Exec(ctx, `
		INSERT INTO users (user_id, email, name, team_id, email_verified, is_active, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.UserID, strings.ToLower(u.Email), u.Name, u.TeamID, boolInt(u.EmailVerified), boolInt(u.IsActive), u.PasswordHash, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

const userCols = `user_id, email, name, team_id, email_verified, is_active, password_hash, created_at, last_login, last_activity`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	u := &User{}
	var verified, active int
	err := row.Scan(&u.UserID, &u.Email, &u.Name, &u.TeamID, &verified, &active, &u.PasswordHash,
		&u.CreatedAt, &u.LastLogin, &u.LastActivity)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.EmailVerified = verified == 1
	u.IsActive = active == 1
	return u, nil
}

// GetUserByEmail returns the profile for email, or ErrNotFound.
func (c *Catalog) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE email = ?`, strings.ToLower(email))
	return scanUser(row)
}

// GetUserByID returns the profile for userID, or ErrNotFound.
func (c *Catalog) GetUserByID(ctx context.Context, userID string) (*User, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE user_id = ?`, userID)
	return scanUser(row)
}

// TouchLogin records a successful login.
func (c *Catalog) TouchLogin(ctx context.Context, userID string) error {
	now := nowRFC3339()
	_, err := c.Exec(ctx,
		`UPDATE users SET last_login = ?, last_activity = ? WHERE user_id = ?`, now, now, userID)
	return err
}

// TouchActivity records request activity. Best-effort: callers may ignore
// the error.
func (c *Catalog) TouchActivity(ctx context.Context, userID string) error {
	_, err := c.Exec(ctx,
		`UPDATE users SET last_activity = ? WHERE user_id = ?`, nowRFC3339(), userID)
	return err
}

// SetActive flips the is_active flag. Profiles are never deleted.
func (c *Catalog) SetActive(ctx context.Context, userID string, active bool) error {
	res, err := c.Exec(ctx,
		`UPDATE users SET is_active = ? WHERE user_id = ?`, boolInt(active), userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// InsertToken stores a token descriptor under its owner.
func (c *Catalog) InsertToken(ctx context.Context, t *Token) error {
	t.CreatedAt = nowRFC3339()
	_, err := c.Exec(ctx, `
		INSERT INTO tokens (token_id, user_id, kind, token_hash, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.TokenID, t.UserID, string(t.Kind), t.TokenHash, t.CreatedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// GetToken returns a token descriptor by ID, or ErrNotFound.
func (c *Catalog) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	t := &Token{}
	var revoked int
	var kind string
	err := c.db.QueryRowContext(ctx, `
		SELECT token_id, user_id, kind, token_hash, created_at, expires_at, revoked, last_used
		FROM tokens WHERE token_id = ?`, tokenID).
		Scan(&t.TokenID, &t.UserID, &kind, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt, &revoked, &t.LastUsed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Kind = TokenKind(kind)
	t.Revoked = revoked == 1
	return t, nil
}

// RevokeToken marks one token descriptor revoked.
func (c *Catalog) RevokeToken(ctx context.Context, tokenID string) error {
	res, err := c.Exec(ctx, `UPDATE tokens SET revoked = 1 WHERE token_id = ?`, tokenID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RevokeUserTokens revokes all of a user's tokens of the given kind.
// Empty kind revokes everything.
func (c *Catalog) RevokeUserTokens(ctx context.Context, userID string, kind TokenKind) error {
	if kind == "" {
		_, err := c.Exec(ctx, `UPDATE tokens SET revoked = 1 WHERE user_id = ?`, userID)
		return err
	}
	_, err := c.Exec(ctx,
		`UPDATE tokens SET revoked = 1 WHERE user_id = ? AND kind = ?`, userID, string(kind))
	return err
}

// TouchTokenUse records that a token was presented and validated.
func (c *Catalog) TouchTokenUse(ctx context.Context, tokenID string) error {
	_, err := c.Exec(ctx,
		`UPDATE tokens SET last_used = ? WHERE token_id = ?`, nowRFC3339(), tokenID)
	return err
}

// DeleteExpiredTokens removes descriptors past their expiry. Returns the
// number of rows deleted.
func (c *Catalog) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := c.Exec(ctx,
		`DELETE FROM tokens WHERE expires_at < ?`, FormatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
