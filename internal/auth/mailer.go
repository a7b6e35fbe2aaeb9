package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"openclip-auth/internal/observability"
)

// Mailer delivers account emails. Rendering and transport belong to the
// implementation.
type Mailer interface {
	SendVerification(ctx context.Context, email, token string) error
	SendPasswordReset(ctx context.Context, email, token string) error
}

func verificationLink(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/verify-email/" + url.PathEscape(token)
}

func passwordResetLink(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/reset-password?token=" + url.QueryEscape(token)
}

// LogMailer stands in when no SMTP server is configured. It records that a
// message would have gone out but never the token itself: anyone reading the
// logs could otherwise take over the account.
type LogMailer struct {
	logger *observability.Logger
}

func NewLogMailer(logger *observability.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendVerification(_ context.Context, email, token string) error {
	m.logger.Info("verification_email_not_sent", map[string]any{
		"email":             email,
		"token_fingerprint": tokenFingerprint(token),
	})
	return nil
}

func (m *LogMailer) SendPasswordReset(_ context.Context, email, token string) error {
	m.logger.Info("password_reset_email_not_sent", map[string]any{
		"email":             email,
		"token_fingerprint": tokenFingerprint(token),
	})
	return nil
}

func tokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}
