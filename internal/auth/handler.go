package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"openclip-auth/internal/credential"
	"openclip-auth/internal/observability"
	"openclip-auth/internal/token"
)

const (
	maxJSONBodyBytes  = 1 << 20
	RefreshCookieName = "refresh_token"
	refreshCookiePath = "/auth/refresh"
)

type HandlerOptions struct {
	SecureCookies bool
	Logger        *observability.Logger
}

type Handler struct {
	service  *Service
	validate *validator.Validate
	secure   bool
	logger   *observability.Logger
}

func NewHandler(service *Service, opts HandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		service:  service,
		validate: validate,
		secure:   opts.SecureCookies,
		logger:   opts.Logger,
	}
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,max=128"`
	FullName string `json:"full_name" validate:"required,min=1,max=100"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,max=128"`
}

type passwordResetRequest struct {
	Email string `json:"email" validate:"required,email,max=255"`
}

type passwordResetConfirmRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,max=128"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,max=128"`
}

type updateRolesRequest struct {
	Roles []string `json:"roles" validate:"required,min=1,max=16,dive,required"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !h.decode(w, r, &body) {
		return
	}

	user, err := h.service.Register(r.Context(), RegisterInput{
		Email:    body.Email,
		Password: body.Password,
		FullName: body.FullName,
	}, observability.ClientIP(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to register")
		return
	}

	writeJSON(w, http.StatusCreated, NewUserResponse(user))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.service.Login(r.Context(), body.Email, body.Password, observability.ClientIP(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to login")
		return
	}

	h.setRefreshCookie(w, result.Pair)
	user := NewUserResponse(result.User)
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: result.Pair.AccessToken,
		TokenType:   result.Pair.TokenType,
		ExpiresIn:   result.Pair.ExpiresIn,
		User:        &user,
	})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		h.clearRefreshCookie(w)
		writeError(w, http.StatusUnauthorized, "refresh token not found")
		return
	}

	pair, err := h.service.Refresh(r.Context(), strings.TrimSpace(cookie.Value))
	if err != nil {
		h.clearRefreshCookie(w)
		h.writeServiceError(w, r, err, "failed to refresh token")
		return
	}

	h.setRefreshCookie(w, pair)
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   pair.TokenType,
		ExpiresIn:   pair.ExpiresIn,
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	if err := h.service.Logout(r.Context(), claims); err != nil {
		h.writeServiceError(w, r, err, "failed to logout")
		return
	}

	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out successfully"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	user, err := h.service.Me(r.Context(), claims)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		h.writeServiceError(w, r, err, "failed to load user")
		return
	}

	writeJSON(w, http.StatusOK, NewUserResponse(user))
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.PathValue("token"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid verification token")
		return
	}

	if _, err := h.service.VerifyEmail(r.Context(), raw); err != nil {
		if isTokenError(err) || errors.Is(err, ErrUserNotFound) {
			writeError(w, http.StatusBadRequest, "invalid verification token")
			return
		}
		h.writeServiceError(w, r, err, "failed to verify email")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "email verified successfully"})
}

func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body passwordResetRequest
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), body.Email, observability.ClientIP(r)); err != nil {
		h.writeServiceError(w, r, err, "failed to request password reset")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "if the email exists, a password reset link has been sent"})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body passwordResetConfirmRequest
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		if isTokenError(err) || errors.Is(err, ErrUserNotFound) {
			writeError(w, http.StatusBadRequest, "invalid or expired reset token")
			return
		}
		h.writeServiceError(w, r, err, "failed to reset password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "password reset successfully"})
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var body changePasswordRequest
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.service.ChangePassword(r.Context(), claims, body.CurrentPassword, body.NewPassword); err != nil {
		h.writeServiceError(w, r, err, "failed to change password")
		return
	}

	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "password changed successfully"})
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "skip must be a non-negative integer")
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	users, err := h.service.ListUsers(r.Context(), claims, limit, skip)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list users")
		return
	}

	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, NewUserResponse(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) UpdateRoles(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var body updateRolesRequest
	if !h.decode(w, r, &body) {
		return
	}

	user, err := h.service.UpdateRoles(r.Context(), claims, r.PathValue("id"), body.Roles)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to update roles")
		return
	}

	writeJSON(w, http.StatusOK, NewUserResponse(user))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			writeError(w, http.StatusBadRequest, validationErrors[0].Field()+" is invalid")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, pair token.Pair) {
	issuedAt := time.Now()
	if pair.Claims.IssuedAt != nil {
		issuedAt = pair.Claims.IssuedAt.Time
	}
	maxAge := int(pair.RefreshExpiresAt.Sub(issuedAt).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    pair.RefreshToken,
		Path:     refreshCookiePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var locked ErrAccountLocked
	var limited ErrRateLimited
	var policyErr *credential.PolicyError

	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", retryAfterSeconds(limited.RetryAfter))
		writeError(w, http.StatusTooManyRequests, "too many requests, try again later")
	case errors.As(err, &locked):
		w.Header().Set("Retry-After", retryAfterSeconds(locked.RetryAfter))
		writeError(w, http.StatusForbidden, "account temporarily locked due to too many failed login attempts")
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "incorrect email or password")
	case errors.Is(err, ErrAccountInactive):
		writeError(w, http.StatusForbidden, "account not activated, check your email")
	case errors.Is(err, ErrInsufficientPermissions):
		writeError(w, http.StatusForbidden, "insufficient permissions")
	case errors.Is(err, ErrEmailTaken):
		writeError(w, http.StatusConflict, "user with this email already exists")
	case errors.Is(err, ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, ErrCurrentPasswordIncorrect):
		writeError(w, http.StatusBadRequest, "current password is incorrect")
	case errors.Is(err, ErrInvalidRoles):
		writeError(w, http.StatusBadRequest, "invalid roles")
	case errors.As(err, &policyErr):
		writeError(w, http.StatusBadRequest, policyErr.Error())
	case errors.Is(err, credential.ErrPasswordTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, token.ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
	case errors.Is(err, token.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "token has expired")
	case errors.Is(err, token.ErrTokenRevoked), errors.Is(err, token.ErrTokenMalformed):
		writeError(w, http.StatusUnauthorized, "invalid token")
	default:
		observability.CaptureError(r, err)
		h.logger.Error("auth_request_failed", map[string]any{
			"route": r.Pattern,
			"error": err.Error(),
		})
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func isTokenError(err error) bool {
	return errors.Is(err, token.ErrTokenExpired) ||
		errors.Is(err, token.ErrTokenRevoked) ||
		errors.Is(err, token.ErrTokenMalformed)
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
