package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"openclip-auth/internal/observability"
	"openclip-auth/internal/token"
)

type claimsContextKey struct{}

func ClaimsFromContext(ctx context.Context) (token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(token.Claims)
	return claims, ok
}

func WithClaims(ctx context.Context, claims token.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// Middleware requires a valid, unrevoked bearer access token and puts its
// claims on the request context. A revocation lookup that fails rejects the
// request with a 500 so clients do not discard a token that may be fine.
func Middleware(service *Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		scheme, raw, found := strings.Cut(header, " ")
		raw = strings.TrimSpace(raw)
		if !found || !strings.EqualFold(scheme, "Bearer") || raw == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		claims, err := service.Authenticate(r.Context(), raw)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrTokenExpired):
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "token has expired")
			case errors.Is(err, token.ErrTokenRevoked), errors.Is(err, token.ErrTokenMalformed):
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "invalid token")
			default:
				observability.CaptureError(r, err)
				service.logger.Error("token_validation_failed", map[string]any{"route": r.Pattern, "error": err.Error()})
				writeError(w, http.StatusInternalServerError, "could not validate credentials")
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireRole must run behind Middleware.
func RequireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		if !claims.HasRole(role) {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}
