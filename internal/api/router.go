package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"yorkiexchange/internal/auth"
	"yorkiexchange/internal/backend"
	"yorkiexchange/internal/config"
	"yorkiexchange/internal/logging"
	"yorkiexchange/internal/middleware"
	"yorkiexchange/internal/models"
	"yorkiexchange/internal/moderation"
	"yorkiexchange/internal/rate"
	"yorkiexchange/internal/service"
	"yorkiexchange/internal/store"
	"yorkiexchange/internal/util"
	"yorkiexchange/internal/validation"
	"yorkiexchange/internal/version"
)

type Handlers struct {
	cfg     config.Config
	svc     *service.Service
	limiter rate.Limiter
}

const maxActionBodyBytes = 64 << 10

func NewRouter(cfg config.Config, svc *service.Service, limiter rate.Limiter) http.Handler {
	if limiter == nil {
		limiter = rate.NewSlidingWindow(cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	h := &Handlers{cfg: cfg, svc: svc, limiter: limiter}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"Retry-After", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", h.Ready)
	r.Handle("/metrics", promhttp.Handler())

	actionLimit := middleware.RateLimit(h.limiter, "admin_action", cfg.TrustProxy)
	r.With(actionLimit).Post("/admin/action", h.AdminAction)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.GlobalRateLimitRPM > 0 {
			r.Use(httprate.Limit(cfg.GlobalRateLimitRPM, time.Minute,
				httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
					return middleware.ClientIP(r, cfg.TrustProxy), nil
				}),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					util.WriteError(w, http.StatusTooManyRequests, "rate_limited", "", middleware.RequestID(r.Context()))
				}),
			))
		}
		r.Get("/version", h.Version)
		r.With(actionLimit).Post("/admin/action", h.AdminAction)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin(h.svc))
			r.Get("/admin/queue", h.AdminQueue)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authn(h.svc))
			r.Post("/me/avatar", h.UploadAvatar)
		})
	})
	return r
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	comps := map[string]any{}
	ok := true
	for name, err := range h.svc.Ready(r.Context()) {
		if err != nil {
			ok = false
			comps[name] = map[string]any{"ok": false, "error": err.Error()}
			continue
		}
		comps[name] = map[string]any{"ok": true}
	}
	ready := map[string]any{
		"checked_at": time.Now().UTC().Format(time.RFC3339),
		"components": comps,
	}
	if ok {
		ready["status"] = "ready"
		util.WriteJSON(w, 200, ready)
		return
	}
	ready["status"] = "degraded"
	util.WriteJSON(w, 503, ready)
}

func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	util.WriteJSON(w, 200, version.Current(h.cfg.BuildID, h.cfg.GitSHA))
}

func (h *Handlers) AdminAction(w http.ResponseWriter, r *http.Request) {
	rid := middleware.RequestID(r.Context())
	token := auth.BearerToken(r)
	if token == "" {
		util.WriteError(w, http.StatusUnauthorized, "missing_token", "", rid)
		return
	}

	var req models.ActionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxActionBodyBytes)).Decode(&req); err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid_body", "body must be a JSON object", rid)
		return
	}
	if err := validation.Struct(req); err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid_body", err.Error(), rid)
		return
	}

	res, err := h.svc.AdminAction(r.Context(), token, req)
	if err != nil {
		h.writeActionError(w, r, token, req, err)
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": res.Label})
}

func (h *Handlers) writeActionError(w http.ResponseWriter, r *http.Request, token string, req models.ActionRequest, err error) {
	rid := middleware.RequestID(r.Context())
	log := logging.Ctx(r.Context())

	var te *moderation.TransitionError
	switch {
	case errors.Is(err, auth.ErrInvalidCredential), errors.Is(err, auth.ErrForbidden), errors.Is(err, auth.ErrBackend):
		log.Warn().Err(err).Str("event", "authz_denied").Str("token_fp", auth.Fingerprint(token)).Str("action", req.Action).Msg("admin action not authorized")
		middleware.WriteAuthError(w, r, err)
		return
	case errors.Is(err, moderation.ErrForbidden):
		util.WriteError(w, http.StatusForbidden, "forbidden", "", rid)
		return
	case errors.Is(err, moderation.ErrUnsupportedAction):
		util.WriteError(w, http.StatusBadRequest, "unsupported_action", "", rid)
		return
	case errors.Is(err, moderation.ErrInvalidMetadata):
		util.WriteError(w, http.StatusBadRequest, "invalid_metadata", err.Error(), rid)
		return
	case errors.As(err, &te):
		log.Warn().Err(err).
			Str("event", "admin_action_failed").
			Str("action", req.Action).
			Str("target_id", req.TargetID).
			Msg("admin action failed")
		if errors.Is(err, moderation.ErrTargetNotFound) {
			util.WriteError(w, http.StatusBadRequest, "target_not_found", te.Reason, rid)
			return
		}
		util.WriteError(w, http.StatusBadRequest, te.Reason, "", rid)
		return
	}
	log.Error().Err(err).Str("event", "admin_action_failed").Str("action", req.Action).Msg("admin action failed")
	util.WriteError(w, http.StatusBadRequest, backend.Message(err), "", rid)
}

func (h *Handlers) AdminQueue(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.Queue(r.Context())
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Str("event", "admin_queue_failed").Msg("queue load failed")
		util.WriteError(w, http.StatusBadRequest, backend.Message(err), "", middleware.RequestID(r.Context()))
		return
	}
	if actor, ok := middleware.Actor(r.Context()); ok {
		logging.Ctx(r.Context()).Info().Str("event", "admin_queue_viewed").Str("actor_id", actor.ID).Msg("moderation queue served")
	}
	util.WriteJSON(w, 200, q)
}

func (h *Handlers) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	rid := middleware.RequestID(r.Context())
	// The multipart envelope gets 1MiB of headroom over the image limit.
	limit := h.cfg.AvatarMaxBytes + (1 << 20)
	if r.ContentLength > limit {
		util.WriteError(w, http.StatusRequestEntityTooLarge, "image_too_large", service.ErrImageTooLarge.Error(), rid)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			util.WriteError(w, http.StatusRequestEntityTooLarge, "image_too_large", service.ErrImageTooLarge.Error(), rid)
			return
		}
		util.WriteError(w, http.StatusBadRequest, "invalid_body", "multipart form is required", rid)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid_body", "multipart field \"file\" is required", rid)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, h.cfg.AvatarMaxBytes+1))
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid_body", err.Error(), rid)
		return
	}

	url, err := h.svc.UploadAvatar(r.Context(), middleware.UserID(r.Context()), data)
	switch {
	case err == nil:
		util.WriteJSON(w, 200, map[string]string{"avatar_url": url})
	case errors.Is(err, service.ErrImageTooLarge):
		util.WriteError(w, http.StatusRequestEntityTooLarge, "image_too_large", err.Error(), rid)
	case errors.Is(err, service.ErrEmptyImage), errors.Is(err, service.ErrUnsupportedImage):
		util.WriteError(w, http.StatusBadRequest, "invalid_image", err.Error(), rid)
	case errors.Is(err, store.ErrNotFound):
		util.WriteError(w, http.StatusNotFound, "profile_not_found", "", rid)
	default:
		logging.Ctx(r.Context()).Error().Err(err).Str("event", "avatar_upload_failed").Msg("avatar upload failed")
		util.WriteError(w, http.StatusBadRequest, backend.Message(err), "", rid)
	}
}
