package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"openclip-auth/internal/credential"
	"openclip-auth/internal/lockout"
	"openclip-auth/internal/observability"
	"openclip-auth/internal/ratelimit"
	"openclip-auth/internal/token"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

var roleRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

type Dependencies struct {
	Users      UserStore
	Vault      *credential.Vault
	Policy     credential.Policy
	Issuer     *token.Issuer
	Guard      lockout.Guard
	Limiter    ratelimit.Limiter
	RateLimits ratelimit.Policies
	Mailer     Mailer
	Logger     *observability.Logger
	Metrics    *observability.Metrics
}

// Service is the only entry point handlers use. Every flow starts with its
// admission checks and then talks to the credential, token and state
// components it was built with.
type Service struct {
	users   UserStore
	vault   *credential.Vault
	policy  credential.Policy
	issuer  *token.Issuer
	guard   lockout.Guard
	limiter ratelimit.Limiter
	limits  ratelimit.Policies
	mailer  Mailer
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewService(deps Dependencies) (*Service, error) {
	switch {
	case deps.Users == nil:
		return nil, errors.New("auth service: user store is required")
	case deps.Vault == nil:
		return nil, errors.New("auth service: credential vault is required")
	case deps.Issuer == nil:
		return nil, errors.New("auth service: token issuer is required")
	case deps.Guard == nil:
		return nil, errors.New("auth service: lockout guard is required")
	case deps.Limiter == nil:
		return nil, errors.New("auth service: rate limiter is required")
	}

	if deps.Logger == nil {
		deps.Logger = observability.Discard()
	}
	if deps.Mailer == nil {
		deps.Mailer = NewLogMailer(deps.Logger)
	}
	if deps.RateLimits == (ratelimit.Policies{}) {
		deps.RateLimits = ratelimit.DefaultPolicies()
	}
	if deps.Policy == (credential.Policy{}) {
		deps.Policy = credential.DefaultPolicy()
	}

	return &Service{
		users:   deps.Users,
		vault:   deps.Vault,
		policy:  deps.Policy,
		issuer:  deps.Issuer,
		guard:   deps.Guard,
		limiter: deps.Limiter,
		limits:  deps.RateLimits,
		mailer:  deps.Mailer,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		now:     time.Now,
	}, nil
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Register(ctx context.Context, input RegisterInput, client string) (User, error) {
	if err := s.admit(ctx, ratelimit.OperationRegister, client, s.limits.Register); err != nil {
		return User{}, err
	}

	if err := s.policy.Validate(input.Password); err != nil {
		return User{}, err
	}
	hash, err := s.vault.Hash(input.Password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	user, err := s.users.Create(ctx, User{
		ID:           id.String(),
		Email:        normalizeEmail(input.Email),
		FullName:     strings.TrimSpace(input.FullName),
		PasswordHash: hash,
		Roles:        []string{RoleUser},
	})
	if err != nil {
		return User{}, err
	}

	s.sendVerification(ctx, user)
	s.logger.Info("user_registered", map[string]any{"user_id": user.ID})
	return user, nil
}

// Login runs the credential state machine: rate limit, lockout, lookup and
// verify, activity check, then issue. Unknown emails and wrong passwords
// take the same path and cost the same bcrypt work.
func (s *Service) Login(ctx context.Context, email, password, client string) (LoginResult, error) {
	if err := s.admit(ctx, ratelimit.OperationLogin, client, s.limits.Login); err != nil {
		s.metrics.LoginOutcome("rate_limited")
		return LoginResult{}, err
	}

	email = normalizeEmail(email)
	if email == "" || password == "" {
		s.metrics.LoginOutcome("invalid_credentials")
		return LoginResult{}, ErrInvalidCredentials
	}

	status, err := s.guard.Check(ctx, email)
	if err != nil {
		return LoginResult{}, err
	}
	if status.Locked {
		s.metrics.LoginOutcome("locked")
		return LoginResult{}, ErrAccountLocked{Until: status.LockedUntil, RetryAfter: status.RetryAfter(s.now())}
	}

	user, err := s.users.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrUserNotFound):
		s.vault.VerifyDummy(password)
		return LoginResult{}, s.loginFailed(ctx, email)
	case err != nil:
		return LoginResult{}, err
	}

	if !s.vault.Verify(password, user.PasswordHash) {
		return LoginResult{}, s.loginFailed(ctx, email)
	}

	if !user.IsActive {
		s.metrics.LoginOutcome("inactive")
		return LoginResult{}, ErrAccountInactive
	}

	if err := s.guard.Clear(ctx, email); err != nil {
		return LoginResult{}, err
	}

	if s.vault.NeedsRehash(user.PasswordHash) {
		s.rehash(ctx, user, password)
	}

	pair, err := s.issuer.IssuePair(ctx, user.Subject())
	if err != nil {
		return LoginResult{}, err
	}

	now := s.now().UTC()
	if err := s.users.TouchLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("touch_last_login_failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	} else {
		user.LastLoginAt = &now
	}

	s.metrics.LoginOutcome("success")
	s.logger.Info("login_succeeded", map[string]any{"user_id": user.ID})
	return LoginResult{User: user, Pair: pair}, nil
}

func (s *Service) loginFailed(ctx context.Context, email string) error {
	status, err := s.guard.RecordFailure(ctx, email)
	if err != nil {
		return err
	}

	s.metrics.LoginOutcome("invalid_credentials")
	fields := map[string]any{"email": email, "failures": status.Failures}
	if status.Locked {
		s.metrics.Lockout()
		fields["locked_until"] = status.LockedUntil
	}
	s.logger.Warn("login_failed", fields)
	return ErrInvalidCredentials
}

func (s *Service) rehash(ctx context.Context, user User, password string) {
	hash, err := s.vault.Hash(password)
	if err == nil {
		err = s.users.UpdatePassword(ctx, user.ID, hash)
	}
	if err != nil {
		s.logger.Warn("password_rehash_failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	}
}

// Refresh rotates a refresh token. Unknown, expired, revoked or already
// rotated tokens, and tokens whose owner is gone or disabled, all come back
// as token.ErrInvalidRefreshToken.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (token.Pair, error) {
	pair, err := s.issuer.Rotate(ctx, refreshToken, s.resolveActiveSubject)
	if err != nil {
		if errors.Is(err, token.ErrInvalidRefreshToken) {
			s.metrics.RefreshOutcome("rejected")
		} else {
			s.metrics.RefreshOutcome("error")
		}
		return token.Pair{}, err
	}

	s.metrics.RefreshOutcome("rotated")
	return pair, nil
}

func (s *Service) resolveActiveSubject(ctx context.Context, subjectID string) (token.Subject, error) {
	user, err := s.users.GetByID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return token.Subject{}, token.ErrInvalidRefreshToken
		}
		return token.Subject{}, err
	}
	if !user.IsActive {
		return token.Subject{}, token.ErrInvalidRefreshToken
	}
	return user.Subject(), nil
}

// Logout revokes every refresh token of the caller and blacklists the access
// token used for the request.
func (s *Service) Logout(ctx context.Context, claims token.Claims) error {
	revoked, err := s.issuer.RevokeAllRefresh(ctx, claims.SubjectID())
	if err != nil {
		return err
	}
	s.metrics.Revoked("refresh", revoked)

	if err := s.issuer.RevokeAccess(ctx, claims); err != nil {
		return err
	}
	s.metrics.Revoked("access", 1)

	s.logger.Info("logout", map[string]any{"user_id": claims.SubjectID(), "revoked_refresh_tokens": revoked})
	return nil
}

func (s *Service) Authenticate(ctx context.Context, accessToken string) (token.Claims, error) {
	claims, err := s.issuer.DecodeAndValidate(ctx, accessToken)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrTokenExpired):
			s.metrics.TokenRejected("expired")
		case errors.Is(err, token.ErrTokenRevoked):
			s.metrics.TokenRejected("revoked")
			s.logger.Warn("revoked_token_presented", map[string]any{})
		case errors.Is(err, token.ErrTokenMalformed):
			s.metrics.TokenRejected("malformed")
		}
		return token.Claims{}, err
	}
	return claims, nil
}

func (s *Service) Me(ctx context.Context, claims token.Claims) (User, error) {
	return s.users.GetByID(ctx, claims.SubjectID())
}

// VerifyEmail activates the account named by a verification token. Verifying
// an already active account succeeds without changes.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string) (User, error) {
	claims, err := s.issuer.ParsePurposeToken(rawToken, token.TypeEmailVerification)
	if err != nil {
		return User{}, err
	}

	user, err := s.users.GetByID(ctx, claims.SubjectID())
	if err != nil {
		return User{}, err
	}
	if !strings.EqualFold(user.Email, claims.Email) {
		return User{}, token.ErrTokenMalformed
	}
	if user.IsActive && user.IsVerified {
		return user, nil
	}

	if err := s.users.Activate(ctx, user.ID); err != nil {
		return User{}, err
	}
	user.IsActive = true
	user.IsVerified = true

	s.logger.Info("email_verified", map[string]any{"user_id": user.ID})
	return user, nil
}

// RequestPasswordReset mails a reset link when the account exists. The
// result is the same whether or not it does.
func (s *Service) RequestPasswordReset(ctx context.Context, email, client string) error {
	if err := s.admit(ctx, ratelimit.OperationPasswordReset, client, s.limits.PasswordReset); err != nil {
		return err
	}

	user, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return err
	}

	raw, _, err := s.issuer.IssuePurposeToken(user.Subject(), token.TypePasswordReset)
	if err != nil {
		return err
	}
	if err := s.mailer.SendPasswordReset(ctx, user.Email, raw); err != nil {
		s.logger.Error("send_password_reset_email_failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	}
	return nil
}

// ResetPassword consumes a single-use reset token, sets the new password and
// ends every session of the account.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	if err := s.policy.Validate(newPassword); err != nil {
		return err
	}

	claims, err := s.issuer.ConsumePurposeToken(ctx, rawToken, token.TypePasswordReset)
	if err != nil {
		return err
	}

	user, err := s.users.GetByID(ctx, claims.SubjectID())
	if err != nil {
		return err
	}

	if err := s.setPassword(ctx, user.ID, newPassword); err != nil {
		return err
	}
	if err := s.guard.Clear(ctx, user.Email); err != nil {
		return err
	}

	s.logger.Info("password_reset", map[string]any{"user_id": user.ID})
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, claims token.Claims, currentPassword, newPassword string) error {
	user, err := s.users.GetByID(ctx, claims.SubjectID())
	if err != nil {
		return err
	}

	// Wrong current passwords count toward the same lockout as logins, so a
	// stolen access token cannot be used to guess the password.
	status, err := s.guard.Check(ctx, user.Email)
	if err != nil {
		return err
	}
	if status.Locked {
		return ErrAccountLocked{Until: status.LockedUntil, RetryAfter: status.RetryAfter(s.now())}
	}
	if !s.vault.Verify(currentPassword, user.PasswordHash) {
		status, err := s.guard.RecordFailure(ctx, user.Email)
		if err != nil {
			return err
		}
		fields := map[string]any{"user_id": user.ID, "failures": status.Failures}
		if status.Locked {
			s.metrics.Lockout()
			fields["locked_until"] = status.LockedUntil
		}
		s.logger.Warn("change_password_failed", fields)
		return ErrCurrentPasswordIncorrect
	}
	if err := s.policy.Validate(newPassword); err != nil {
		return err
	}

	if err := s.setPassword(ctx, user.ID, newPassword); err != nil {
		return err
	}
	if err := s.guard.Clear(ctx, user.Email); err != nil {
		return err
	}

	s.logger.Info("password_changed", map[string]any{"user_id": user.ID})
	return nil
}

func (s *Service) setPassword(ctx context.Context, userID, password string) error {
	hash, err := s.vault.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		return err
	}

	revoked, err := s.issuer.RevokeAllRefresh(ctx, userID)
	if err != nil {
		return err
	}
	s.metrics.Revoked("refresh", revoked)
	return nil
}

func (s *Service) ListUsers(ctx context.Context, claims token.Claims, limit, offset int) ([]User, error) {
	if !claims.HasRole(RoleAdmin) {
		return nil, ErrInsufficientPermissions
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.users.List(ctx, limit, offset)
}

// UpdateRoles replaces a user's roles. The change shows up in access tokens
// issued from the next login or refresh.
func (s *Service) UpdateRoles(ctx context.Context, claims token.Claims, userID string, roles []string) (User, error) {
	if !claims.HasRole(RoleAdmin) {
		return User{}, ErrInsufficientPermissions
	}

	normalized, err := normalizeRoles(roles)
	if err != nil {
		return User{}, err
	}

	user, err := s.users.UpdateRoles(ctx, userID, normalized)
	if err != nil {
		return User{}, err
	}

	s.logger.Info("roles_updated", map[string]any{"user_id": user.ID, "roles": normalized, "by": claims.SubjectID()})
	return user, nil
}

// BootstrapAdmin makes sure the configured admin account exists, is active
// and carries the admin role. Both values empty means nothing to do.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	hash, err := s.vault.Hash(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uuid v7: %w", err)
	}

	user, err := s.users.UpsertAdmin(ctx, User{
		ID:           id.String(),
		Email:        email,
		FullName:     "Administrator",
		PasswordHash: hash,
		Roles:        []string{RoleUser, RoleAdmin},
		IsActive:     true,
		IsVerified:   true,
	})
	if err != nil {
		return err
	}

	s.logger.Info("admin_bootstrapped", map[string]any{"user_id": user.ID})
	return nil
}

func (s *Service) admit(ctx context.Context, operation, client string, policy ratelimit.Policy) error {
	decision, err := s.limiter.Allow(ctx, ratelimit.Key(operation, client), policy)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		s.metrics.RateLimited(operation)
		return ErrRateLimited{Operation: operation, RetryAfter: decision.RetryAfter}
	}
	return nil
}

func (s *Service) sendVerification(ctx context.Context, user User) {
	raw, _, err := s.issuer.IssuePurposeToken(user.Subject(), token.TypeEmailVerification)
	if err == nil {
		err = s.mailer.SendVerification(ctx, user.Email, raw)
	}
	if err != nil {
		s.logger.Error("send_verification_email_failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeRoles(roles []string) ([]string, error) {
	seen := make(map[string]bool, len(roles))
	normalized := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if !roleRegex.MatchString(role) {
			return nil, ErrInvalidRoles
		}
		if !seen[role] {
			seen[role] = true
			normalized = append(normalized, role)
		}
	}
	if len(normalized) == 0 {
		return nil, ErrInvalidRoles
	}
	return normalized, nil
}
