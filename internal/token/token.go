// Package token issues and validates the credentials handed to clients:
// short-lived signed access tokens, opaque single-use refresh tokens and
// purpose tokens for password reset and email verification.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TypeAccess            = "access"
	TypePasswordReset     = "password_reset"
	TypeEmailVerification = "email_verification"
)

var (
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenRevoked        = errors.New("token revoked")
	ErrTokenMalformed      = errors.New("token malformed")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")

	ErrRecordNotFound = errors.New("refresh token record not found")
	ErrRecordInactive = errors.New("refresh token record revoked or expired")
)

type Subject struct {
	ID    string
	Email string
	Roles []string
}

type Claims struct {
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	Type  string   `json:"type"`
	jwt.RegisteredClaims
}

func (c Claims) SubjectID() string {
	return c.Subject
}

func (c Claims) TokenID() string {
	return c.ID
}

func (c Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time.UTC()
}

func (c Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Pair struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	ExpiresIn        int64
	RefreshExpiresAt time.Time
	Claims           Claims
}

// Record is the persisted state of one refresh token. Token holds the raw
// value only on records that were just issued; stores keep a hash.
type Record struct {
	Token     string
	SubjectID string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt time.Time
}

func (r Record) Revoked() bool {
	return !r.RevokedAt.IsZero()
}

func (r Record) Active(now time.Time) bool {
	return !r.Revoked() && now.Before(r.ExpiresAt)
}

type RefreshStore interface {
	Create(ctx context.Context, record Record) error
	// Get returns ErrRecordNotFound for unknown tokens.
	Get(ctx context.Context, rawToken string) (Record, error)
	// Rotate revokes the record for oldToken and stores next as one atomic
	// step. It returns ErrRecordInactive when the old record is no longer
	// active, including when a concurrent rotation got there first.
	Rotate(ctx context.Context, oldToken string, next Record, now time.Time) error
	RevokeAll(ctx context.Context, subjectID string, now time.Time) (int64, error)
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
