package handlers

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/redis"
	"github.com/rs/zerolog"
)

// Middleware bundles the proxy's cross-cutting HTTP concerns. The rate
// limit here applies to proxy clients; the pool's own throttle gate is a
// separate mechanism protecting the upstream credentials.
type Middleware struct {
	redis     *redis.Client
	authToken string
	limit     int
	log       zerolog.Logger
}

func NewMiddleware(redisClient *redis.Client, authToken string, limit int, log zerolog.Logger) *Middleware {
	return &Middleware{
		redis:     redisClient,
		authToken: authToken,
		limit:     limit,
		log:       log,
	}
}

// AuthMiddleware checks the shared bearer token when one is configured.
// The pool's upstream credentials are never accepted here.
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "auth_error", "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "auth_error", "invalid authorization header format")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(m.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "auth_error", "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware enforces a fixed per-minute window per client
// address. Redis errors fail open: limiting is protective, not critical.
func (m *Middleware) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.redis == nil {
			next.ServeHTTP(w, r)
			return
		}

		caller := clientAddr(r)
		exceeded, remaining, err := m.redis.CheckRateLimit(r.Context(), caller, m.limit)
		if err != nil {
			m.log.Warn().Err(err).Msg("rate limit check failed; allowing request")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", m.limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if exceeded {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one structured line per request.
func (m *Middleware) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		m.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("remote", clientAddr(r)).
			Msg("request")
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
