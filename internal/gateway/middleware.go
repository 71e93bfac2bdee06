// ABOUTME: HTTP middleware: CORS with wildcard subdomain origins and request logging
// ABOUTME: Preflight requests are answered before routing

package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	corsAllowedMethods = "GET, POST, PUT, DELETE, OPTIONS, PATCH, HEAD"
	corsMaxAge         = strconv.Itoa(int((10 * time.Minute).Seconds()))
)

// originPattern matches one configured origin. A pattern such as
// "https://*.lovable.app" matches any single- or multi-label subdomain;
// a bare "*" matches every origin.
type originPattern struct {
	exact  string
	prefix string
	suffix string
}

func parseOriginPattern(origin string) originPattern {
	origin = strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
	if origin == "*" {
		return originPattern{exact: origin}
	}
	if before, after, ok := strings.Cut(origin, "*"); ok {
		return originPattern{prefix: before, suffix: after}
	}
	return originPattern{exact: origin}
}

func (p originPattern) matches(origin string) bool {
	if p.exact != "" {
		return p.exact == "*" || p.exact == origin
	}
	if len(origin) <= len(p.prefix)+len(p.suffix) {
		return false
	}
	if !strings.HasPrefix(origin, p.prefix) || !strings.HasSuffix(origin, p.suffix) {
		return false
	}
	host := origin[len(p.prefix) : len(origin)-len(p.suffix)]
	return !strings.ContainsAny(host, "/:@")
}

// corsMiddleware allows credentialed requests from the configured origins.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	patterns := make([]originPattern, 0, len(origins))
	for _, o := range origins {
		if strings.TrimSpace(o) != "" {
			patterns = append(patterns, parseOriginPattern(o))
		}
	}

	allowed := func(origin string) bool {
		origin = strings.ToLower(origin)
		for _, p := range patterns {
			if p.matches(origin) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			if origin == "" || !allowed(origin) {
				if isPreflight(r) {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Expose-Headers", "Retry-After, WWW-Authenticate")

			if isPreflight(r) {
				h.Add("Vary", "Access-Control-Request-Method")
				h.Add("Vary", "Access-Control-Request-Headers")
				h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
				if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
					h.Set("Access-Control-Allow-Headers", reqHeaders)
				}
				h.Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach Flush and deadlines.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// logRequests logs API requests with status and duration.
// Health checks and event streams are not logged.
func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") || strings.HasSuffix(r.URL.Path, "/events") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		g.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
