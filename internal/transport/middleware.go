package transport

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mallquest/backend/internal/authgate"
	"github.com/mallquest/backend/internal/core"
	"github.com/mallquest/backend/internal/tenant"
)

type claimsKey struct{}

// claimsFrom extracts the verified token claims, or nil.
func claimsFrom(ctx context.Context) *authgate.Claims {
	c, _ := ctx.Value(claimsKey{}).(*authgate.Claims)
	return c
}

// withTenant resolves the request host against the tenant registry and
// stores the tenant in the context. Unknown hosts get 404.
func (s *Server) withTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, err := s.tenants.Resolve(r.Context(), r.Host)
		if err != nil {
			if core.IsKind(err, core.KindNotFound) {
				writeError(w, core.E(core.KindNotFound, "unknown mall"))
				return
			}
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithTenant(r.Context(), t)))
	})
}

// withAuth verifies the bearer token, checks it belongs to this tenant and
// stores the claims in the context.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.verifyRequest(r)
		if err != nil {
			if s.metrics != nil {
				s.metrics.AuthFailures.WithLabelValues("bad_token").Inc()
			}
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// verifyRequest authenticates one request against the gate and the resolved
// tenant.
func (s *Server) verifyRequest(r *http.Request) (*authgate.Claims, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, core.E(core.KindUnauthenticated, "missing bearer token")
	}
	claims, err := s.gate.Verify(r.Context(), token)
	if err != nil {
		return nil, err
	}
	if t := tenant.FromContext(r.Context()); t != nil && t.ID != claims.TenantID {
		return nil, core.E(core.KindUnauthenticated, "token does not match this mall")
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	// WebSocket clients cannot always set headers.
	return r.URL.Query().Get("token")
}

// withRateLimit admits the request through the fixed-window limiter. The
// subject is the authenticated user when present, the client IP otherwise.
func (s *Server) withRateLimit(action string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := rateSubject(r)
		if err := s.limiter.Allow(r.Context(), subject, action); err != nil {
			if s.metrics != nil && core.IsKind(err, core.KindRateLimited) {
				s.metrics.RateLimited.WithLabelValues(action).Inc()
			}
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateSubject(r *http.Request) string {
	tenantID := ""
	if t := tenant.FromContext(r.Context()); t != nil {
		tenantID = t.ID
	}
	if c := claimsFrom(r.Context()); c != nil {
		return tenantID + ":" + c.UserID
	}
	return tenantID + ":" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireRole gates a handler to specific roles.
func (s *Server) requireRole(next http.Handler, roles ...core.Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r.Context())
		if claims == nil {
			writeError(w, core.E(core.KindUnauthenticated, "missing bearer token"))
			return
		}
		for _, role := range roles {
			if claims.Role == role {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, core.E(core.KindForbidden, "insufficient role"))
	})
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// withObservability logs each request and feeds the HTTP metrics. route is
// the registered pattern, not the raw path, to bound label cardinality.
func (s *Server) withObservability(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, r.Method, statusClass(rec.status)).Inc()
			s.metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		}
		slog.Info("http", "method", r.Method, "route", route, "status", rec.status,
			"duration_ms", elapsed.Milliseconds())
	})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// withCORS handles preflight and reflects the origin.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
