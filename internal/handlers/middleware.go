package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/checkfox/go_broker/internal/config"
	"github.com/checkfox/go_broker/internal/logger"
)

// CorrelationHeader carries the request correlation ID in both directions
const CorrelationHeader = "X-Correlation-ID"

// CorrelationMiddleware attaches a correlation ID to the request context,
// reusing the caller's header when present
type CorrelationMiddleware struct{}

// NewCorrelationMiddleware creates a new CorrelationMiddleware
func NewCorrelationMiddleware() *CorrelationMiddleware {
	return &CorrelationMiddleware{}
}

// Wrap adds the correlation ID to the context and the response headers
func (m *CorrelationMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := strings.TrimSpace(r.Header.Get(CorrelationHeader))
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set(CorrelationHeader, correlationID)
		ctx := context.WithValue(r.Context(), logger.CorrelationIDKey, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthMiddleware provides authentication middleware for webhook endpoints
type AuthMiddleware struct {
	config *config.Config
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(cfg *config.Config) *AuthMiddleware {
	return &AuthMiddleware{
		config: cfg,
	}
}

// Authenticate validates the shared secret header if authentication is enabled
func (m *AuthMiddleware) Authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.config.Auth.Enabled {
			next(w, r)
			return
		}

		ctx := r.Context()
		providedSecret := r.Header.Get("X-Shared-Secret")

		if providedSecret == "" {
			logger.Warn(ctx, "Authentication failed: missing X-Shared-Secret header", "path", r.URL.Path)
			respondError(w, ctx, http.StatusUnauthorized, "missing authentication header")
			return
		}

		if providedSecret != m.config.Auth.SharedSecret {
			logger.Warn(ctx, "Authentication failed: invalid shared secret", "path", r.URL.Path)
			respondError(w, ctx, http.StatusUnauthorized, "invalid authentication credentials")
			return
		}

		next(w, r)
	}
}

// RecoveryMiddleware recovers from panics and returns 500 Internal Server Error
type RecoveryMiddleware struct{}

// NewRecoveryMiddleware creates a new RecoveryMiddleware
func NewRecoveryMiddleware() *RecoveryMiddleware {
	return &RecoveryMiddleware{}
}

// Recover wraps a handler with panic recovery
func (m *RecoveryMiddleware) Recover(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				ctx := r.Context()
				if _, ok := ctx.Value(logger.CorrelationIDKey).(string); !ok {
					ctx = context.WithValue(ctx, logger.CorrelationIDKey, uuid.New().String())
				}
				logger.Error(ctx, "Panic recovered", "panic", err, "path", r.URL.Path)
				respondError(w, ctx, http.StatusInternalServerError, "internal server error")
			}
		}()

		next(w, r)
	}
}

// RateLimitMiddleware sheds load on the inbound webhook with a token bucket
type RateLimitMiddleware struct {
	limiter *rate.Limiter
}

// NewRateLimitMiddleware creates a limiter allowing rps requests per second
// with the given burst. A non-positive rps disables limiting.
func NewRateLimitMiddleware(rps float64, burst int) *RateLimitMiddleware {
	if rps <= 0 {
		return &RateLimitMiddleware{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitMiddleware{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Limit rejects requests over the rate with 429
func (m *RateLimitMiddleware) Limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.limiter != nil && !m.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			respondError(w, r.Context(), http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}
