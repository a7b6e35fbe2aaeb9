package auth

import "net/http"

func RegisterRoutes(mux *http.ServeMux, handler *Handler, service *Service) {
	protected := func(h http.HandlerFunc) http.Handler {
		return Middleware(service, h)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return Middleware(service, RequireRole(RoleAdmin, h))
	}

	mux.HandleFunc("POST /auth/register", handler.Register)
	mux.HandleFunc("POST /auth/login", handler.Login)
	mux.HandleFunc("POST /auth/refresh", handler.Refresh)
	mux.Handle("POST /auth/logout", protected(handler.Logout))
	mux.Handle("GET /auth/me", protected(handler.Me))
	mux.HandleFunc("POST /auth/verify-email/{token}", handler.VerifyEmail)
	mux.HandleFunc("POST /auth/request-password-reset", handler.RequestPasswordReset)
	mux.HandleFunc("POST /auth/reset-password", handler.ResetPassword)
	mux.Handle("POST /auth/change-password", protected(handler.ChangePassword))
	mux.Handle("GET /auth/users", admin(handler.ListUsers))
	mux.Handle("PUT /auth/users/{id}/roles", admin(handler.UpdateRoles))
}
