package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"yorkiexchange/internal/auth"
	"yorkiexchange/internal/logging"
	"yorkiexchange/internal/metrics"
	"yorkiexchange/internal/models"
	"yorkiexchange/internal/rate"
	"yorkiexchange/internal/util"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

type ActorResolver interface {
	Authorize(ctx context.Context, token string) (models.Actor, error)
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := uuid.NewString()
		r = r.WithContext(WithRequestID(r.Context(), rid))
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r)
	})
}

// WriteAuthError maps an authorizer error onto the HTTP error contract.
func WriteAuthError(w http.ResponseWriter, r *http.Request, err error) {
	rid := RequestID(r.Context())
	switch {
	case errors.Is(err, auth.ErrInvalidCredential):
		util.WriteError(w, http.StatusUnauthorized, "invalid_token", "", rid)
	case errors.Is(err, auth.ErrForbidden):
		util.WriteError(w, http.StatusForbidden, "forbidden", "", rid)
	default:
		msg := strings.TrimPrefix(err.Error(), auth.ErrBackend.Error()+": ")
		util.WriteError(w, http.StatusBadRequest, msg, "", rid)
	}
}

func logDenied(r *http.Request, token string, err error) {
	logging.Ctx(r.Context()).Warn().
		Err(err).
		Str("event", "authz_denied").
		Str("token_fp", auth.Fingerprint(token)).
		Str("path", r.URL.Path).
		Msg("request not authorized")
}

// Authn admits any caller with a valid bearer token and stores the user id.
func Authn(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r)
			if token == "" {
				util.WriteError(w, http.StatusUnauthorized, "missing_token", "", RequestID(r.Context()))
				return
			}
			uid, err := a.Authenticate(r.Context(), token)
			if err != nil {
				logDenied(r, token, err)
				WriteAuthError(w, r, err)
				return
			}
			ctx := WithUserID(r.Context(), uid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin resolves the bearer token to a privileged actor.
func RequireAdmin(a ActorResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r)
			if token == "" {
				util.WriteError(w, http.StatusUnauthorized, "missing_token", "", RequestID(r.Context()))
				return
			}
			actor, err := a.Authorize(r.Context(), token)
			if err != nil {
				logDenied(r, token, err)
				WriteAuthError(w, r, err)
				return
			}
			ctx := WithActor(r.Context(), actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit admits requests per route and client IP. A limiter error fails
// open so the admin API stays usable when a shared limiter is down.
func RateLimit(l rate.Limiter, route string, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, trustProxy)
			d, err := l.Admit(r.Context(), route+":"+ip)
			if err != nil {
				metrics.RateLimiterErrors.Inc()
				logging.Ctx(r.Context()).Error().Err(err).Str("event", "rate_limiter_error").Str("route", route).Msg("rate limiter unavailable; admitting")
				d.Allowed = true
			}
			if !d.Allowed {
				metrics.RateLimitedTotal.WithLabelValues(route).Inc()
				logging.Ctx(r.Context()).Warn().Str("event", "rate_limited").Str("route", route).Str("client_ip", ip).Dur("retry_after", d.RetryAfter).Msg("request rejected")
				w.Header().Set("Retry-After", retryAfterSeconds(d.RetryAfter))
				util.WriteError(w, http.StatusTooManyRequests, "rate_limited", "", RequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds up and never advertises less than one second.
func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ClientIP is the first X-Forwarded-For hop when trustProxy is set, else
// the remote address, else "unknown".
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	if host == "" {
		return "unknown"
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		d := time.Since(start)
		metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(sr.status), d)
		logging.Ctx(r.Context()).Info().
			Str("event", "request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sr.status).
			Int64("duration_ms", d.Milliseconds()).
			Str("remote_ip", ClientIP(r, false)).
			Msg("request")
	})
}
