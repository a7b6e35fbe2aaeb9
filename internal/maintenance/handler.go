package maintenance

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"openclip-auth/internal/observability"
)

type CleanupHandler struct {
	cleaner    *Cleaner
	cronSecret string
}

func NewCleanupHandler(cleaner *Cleaner, cronSecret string) *CleanupHandler {
	return &CleanupHandler{cleaner: cleaner, cronSecret: strings.TrimSpace(cronSecret)}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	scheme, presented, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.cleaner.Run(r.Context())
	if err != nil {
		observability.CaptureError(r, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "cleanup failed", "result": result})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
