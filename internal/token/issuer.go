package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"openclip-auth/internal/revocation"
)

const refreshTokenBytes = 32

type TTLs struct {
	Access            time.Duration
	Refresh           time.Duration
	PasswordReset     time.Duration
	EmailVerification time.Duration
}

func DefaultTTLs() TTLs {
	return TTLs{
		Access:            30 * time.Minute,
		Refresh:           30 * 24 * time.Hour,
		PasswordReset:     time.Hour,
		EmailVerification: 48 * time.Hour,
	}
}

func (t TTLs) withDefaults() TTLs {
	defaults := DefaultTTLs()
	if t.Access <= 0 {
		t.Access = defaults.Access
	}
	if t.Refresh <= 0 {
		t.Refresh = defaults.Refresh
	}
	if t.PasswordReset <= 0 {
		t.PasswordReset = defaults.PasswordReset
	}
	if t.EmailVerification <= 0 {
		t.EmailVerification = defaults.EmailVerification
	}
	return t
}

// ResolveFunc loads the current identity for a refresh token's subject. It
// runs before the old token is revoked, so an error leaves the token usable.
type ResolveFunc func(ctx context.Context, subjectID string) (Subject, error)

type Issuer struct {
	secret   []byte
	store    RefreshStore
	registry revocation.Registry
	ttls     TTLs
	now      func() time.Time
}

func NewIssuer(secret string, store RefreshStore, registry revocation.Registry, ttls TTLs) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("token signing secret is required")
	}
	return &Issuer{
		secret:   []byte(secret),
		store:    store,
		registry: registry,
		ttls:     ttls.withDefaults(),
		now:      time.Now,
	}, nil
}

func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

func (i *Issuer) TTLs() TTLs {
	return i.ttls
}

func (i *Issuer) IssueAccessToken(subject Subject) (string, Claims, error) {
	return i.sign(subject, TypeAccess, i.ttls.Access)
}

func (i *Issuer) IssueRefreshToken(ctx context.Context, subjectID string) (string, error) {
	record, err := i.newRefreshRecord(subjectID)
	if err != nil {
		return "", err
	}
	if err := i.store.Create(ctx, record); err != nil {
		return "", err
	}
	return record.Token, nil
}

func (i *Issuer) IssuePair(ctx context.Context, subject Subject) (Pair, error) {
	access, claims, err := i.IssueAccessToken(subject)
	if err != nil {
		return Pair{}, err
	}

	record, err := i.newRefreshRecord(subject.ID)
	if err != nil {
		return Pair{}, err
	}
	if err := i.store.Create(ctx, record); err != nil {
		return Pair{}, err
	}

	return i.pair(access, claims, record), nil
}

// Rotate exchanges a refresh token for a new pair. The old token is revoked
// in the same store operation that persists the new one, and only one of
// several concurrent rotations of the same token can succeed.
func (i *Issuer) Rotate(ctx context.Context, rawToken string, resolve ResolveFunc) (Pair, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Pair{}, ErrInvalidRefreshToken
	}

	current, err := i.store.Get(ctx, rawToken)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Pair{}, ErrInvalidRefreshToken
		}
		return Pair{}, err
	}
	if !current.Active(i.now()) {
		return Pair{}, ErrInvalidRefreshToken
	}

	subject, err := resolve(ctx, current.SubjectID)
	if err != nil {
		return Pair{}, err
	}

	access, claims, err := i.IssueAccessToken(subject)
	if err != nil {
		return Pair{}, err
	}
	next, err := i.newRefreshRecord(subject.ID)
	if err != nil {
		return Pair{}, err
	}

	if err := i.store.Rotate(ctx, rawToken, next, i.now().UTC()); err != nil {
		if errors.Is(err, ErrRecordInactive) || errors.Is(err, ErrRecordNotFound) {
			return Pair{}, ErrInvalidRefreshToken
		}
		return Pair{}, err
	}

	return i.pair(access, claims, next), nil
}

// DecodeAndValidate verifies an access token once and only then consults the
// revocation registry with its jti. Registry failures are returned as is so
// callers fail closed.
func (i *Issuer) DecodeAndValidate(ctx context.Context, rawToken string) (Claims, error) {
	claims, err := i.parse(rawToken, TypeAccess)
	if err != nil {
		return Claims{}, err
	}

	revoked, err := i.registry.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Claims{}, err
	}
	if revoked {
		return Claims{}, ErrTokenRevoked
	}
	return claims, nil
}

// RevokeAccess blacklists an access token for the rest of its lifetime.
func (i *Issuer) RevokeAccess(ctx context.Context, claims Claims) error {
	return i.registry.Revoke(ctx, claims.ID, claims.Expiry().Sub(i.now()))
}

func (i *Issuer) RevokeAllRefresh(ctx context.Context, subjectID string) (int64, error) {
	return i.store.RevokeAll(ctx, subjectID, i.now().UTC())
}

func (i *Issuer) IssuePurposeToken(subject Subject, purpose string) (string, Claims, error) {
	ttl, err := i.purposeTTL(purpose)
	if err != nil {
		return "", Claims{}, err
	}
	return i.sign(Subject{ID: subject.ID, Email: subject.Email}, purpose, ttl)
}

func (i *Issuer) ParsePurposeToken(rawToken, purpose string) (Claims, error) {
	if _, err := i.purposeTTL(purpose); err != nil {
		return Claims{}, err
	}
	return i.parse(rawToken, purpose)
}

// ConsumePurposeToken parses a purpose token and marks it used. A second
// consumption of the same token fails with ErrTokenRevoked.
func (i *Issuer) ConsumePurposeToken(ctx context.Context, rawToken, purpose string) (Claims, error) {
	claims, err := i.ParsePurposeToken(rawToken, purpose)
	if err != nil {
		return Claims{}, err
	}

	won, err := i.registry.RevokeOnce(ctx, claims.ID, claims.Expiry().Sub(i.now()))
	if err != nil {
		return Claims{}, err
	}
	if !won {
		return Claims{}, ErrTokenRevoked
	}
	return claims, nil
}

func (i *Issuer) purposeTTL(purpose string) (time.Duration, error) {
	switch purpose {
	case TypePasswordReset:
		return i.ttls.PasswordReset, nil
	case TypeEmailVerification:
		return i.ttls.EmailVerification, nil
	default:
		return 0, fmt.Errorf("unknown token purpose %q", purpose)
	}
}

func (i *Issuer) sign(subject Subject, tokenType string, ttl time.Duration) (string, Claims, error) {
	now := i.now().UTC()
	claims := Claims{
		Email: subject.Email,
		Roles: subject.Roles,
		Type:  tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign jwt: %w", err)
	}
	return encoded, claims, nil
}

func (i *Issuer) parse(rawToken, tokenType string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(rawToken), &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenMalformed
	}

	if claims.Type != tokenType || claims.Subject == "" || claims.ID == "" {
		return Claims{}, ErrTokenMalformed
	}
	return claims, nil
}

func (i *Issuer) newRefreshRecord(subjectID string) (Record, error) {
	raw := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return Record{}, fmt.Errorf("generate refresh token: %w", err)
	}

	now := i.now().UTC()
	return Record{
		Token:     hex.EncodeToString(raw),
		SubjectID: subjectID,
		CreatedAt: now,
		ExpiresAt: now.Add(i.ttls.Refresh),
	}, nil
}

func (i *Issuer) pair(access string, claims Claims, refresh Record) Pair {
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh.Token,
		TokenType:        "Bearer",
		ExpiresIn:        int64(i.ttls.Access.Seconds()),
		RefreshExpiresAt: refresh.ExpiresAt,
		Claims:           claims,
	}
}
