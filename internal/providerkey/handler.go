package providerkey

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"openclip-auth/internal/auth"
	"openclip-auth/internal/observability"
)

const maxJSONBodyBytes = 64 << 10

type Handler struct {
	service  *Service
	validate *validator.Validate
	logger   *observability.Logger
}

func NewHandler(service *Service, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Handler{service: service, validate: validator.New(), logger: logger}
}

type saveKeyRequest struct {
	APIKey string `json:"api_key" validate:"required,max=4096"`
}

func RegisterRoutes(mux *http.ServeMux, handler *Handler, authService *auth.Service) {
	admin := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(authService, auth.RequireRole(auth.RoleAdmin, h))
	}

	mux.Handle("GET /admin/provider-keys", admin(handler.List))
	mux.Handle("PUT /admin/provider-keys/{provider}", admin(handler.Save))
	mux.Handle("DELETE /admin/provider-keys/{provider}", admin(handler.Delete))
}

func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body saveKeyRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, "api_key is invalid")
		return
	}

	var updatedBy string
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		updatedBy = claims.SubjectID()
	}

	summary, err := h.service.Save(r.Context(), r.PathValue("provider"), body.APIKey, updatedBy)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to store api key")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.service.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list api keys")
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), r.PathValue("provider")); err != nil {
		h.writeServiceError(w, r, err, "failed to delete api key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, ErrInvalidProvider):
		writeError(w, http.StatusBadRequest, "invalid provider name")
	case errors.Is(err, ErrEmptyKey), errors.Is(err, ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "api_key is invalid")
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "provider key not found")
	default:
		observability.CaptureError(r, err)
		h.logger.Error("provider_key_request_failed", map[string]any{"route": r.Pattern, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
