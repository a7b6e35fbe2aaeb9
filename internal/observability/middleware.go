package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.statusCode = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestLoggingMiddleware logs one http_request event per request and feeds
// the HTTP metrics. Routes are labelled by their mux pattern, not the raw
// path, so ids in URLs do not blow up label cardinality.
func RequestLoggingMiddleware(logger *Logger, metrics *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now().UTC()

		requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		elapsed := time.Since(start)
		metrics.ObserveHTTP(r.Method, r.Pattern, recorder.statusCode, elapsed)

		logger.Info("http_request", map[string]any{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"route":       r.Pattern,
			"status":      recorder.statusCode,
			"duration_ms": elapsed.Milliseconds(),
			"ip":          ClientIP(r),
		})
	})
}

// RecoverMiddleware turns a handler panic into a 500. It runs inside
// RequestLoggingMiddleware so the request id is already on the response and
// the failed request is still logged and counted.
func RecoverMiddleware(logger *Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			requestID := w.Header().Get(RequestIDHeader)
			stack := string(debug.Stack())
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetRequest(r)
				scope.SetTag("request_id", requestID)
				scope.SetExtra("stack", stack)
				sentry.CaptureException(fmt.Errorf("panic: %v", rec))
			})

			logger.Error("panic_recovered", map[string]any{
				"request_id": requestID,
				"method":     r.Method,
				"route":      r.Pattern,
				"panic":      fmt.Sprint(rec),
			})

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
		}()

		next.ServeHTTP(w, r)
	})
}

// SecurityHeadersMiddleware sets the response headers every JSON endpoint
// should carry. HSTS is only sent when the service is served over TLS in
// production.
func SecurityHeadersMiddleware(production bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		if production {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

type clientIPKey struct{}

// ClientIPMiddleware resolves the caller address once per request. With
// trustedHops > 0 the address is the X-Forwarded-For entry that many places
// from the right, the one the outermost trusted proxy appended. Entries to
// its left are client supplied and never used. With no trusted proxy only the
// socket peer counts.
func ClientIPMiddleware(trustedHops int, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := resolveClientIP(r, trustedHops)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIPKey{}, ip)))
	})
}

// ClientIP identifies the caller for rate limiting and logs. Outside
// ClientIPMiddleware it is the remote address without port.
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return resolveClientIP(r, 0)
}

func resolveClientIP(r *http.Request, trustedHops int) string {
	if trustedHops > 0 {
		var hops []string
		for _, value := range r.Header.Values("X-Forwarded-For") {
			for _, hop := range strings.Split(value, ",") {
				if hop = strings.TrimSpace(hop); hop != "" {
					hops = append(hops, hop)
				}
			}
		}
		// Fewer hops than proxies means the request skipped one of them.
		if len(hops) >= trustedHops {
			return hops[len(hops)-trustedHops]
		}
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}

	return "unknown"
}
