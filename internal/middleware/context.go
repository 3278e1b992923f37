package middleware

import (
	"context"
	"net/http"

	"yorkiexchange/internal/logging"
	"yorkiexchange/internal/models"
)

type ctxKey string

const (
	ctxActor  ctxKey = "actor"
	ctxUserID ctxKey = "user_id"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return logging.WithRequestID(ctx, id)
}

func RequestID(ctx context.Context) string {
	return logging.RequestIDFromContext(ctx)
}

func WithActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, ctxActor, a)
}

func Actor(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(ctxActor).(models.Actor)
	return a, ok
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxUserID, id)
}

func UserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}
