package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"yorkiexchange/internal/auth"
	"yorkiexchange/internal/config"
	"yorkiexchange/internal/metrics"
	"yorkiexchange/internal/models"
	"yorkiexchange/internal/moderation"
	"yorkiexchange/internal/store"
)

var (
	ErrUnsupportedImage = errors.New("unsupported image type")
	ErrImageTooLarge    = errors.New("image too large")
	ErrEmptyImage       = errors.New("image is empty")
)

var imageExt = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/webp": "webp",
	"image/gif":  "gif",
}

// ObjectStorage stores public files. backend.Client satisfies it.
type ObjectStorage interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string, upsert bool) error
	PublicURL(bucket, path string) string
}

// Probe reports whether one dependency is reachable.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type Service struct {
	cfg        config.Config
	st         store.Store
	authz      *auth.Authorizer
	dispatcher *moderation.Dispatcher
	storage    ObjectStorage
	probes     []Probe
}

func New(cfg config.Config, st store.Store, authz *auth.Authorizer, d *moderation.Dispatcher, storage ObjectStorage, probes ...Probe) *Service {
	return &Service{cfg: cfg, st: st, authz: authz, dispatcher: d, storage: storage, probes: probes}
}

func (s *Service) Authenticate(ctx context.Context, token string) (string, error) {
	return s.authz.Authenticate(ctx, token)
}

func (s *Service) Authorize(ctx context.Context, token string) (models.Actor, error) {
	return s.authz.Authorize(ctx, token)
}

// AdminAction resolves the caller and runs one moderation action on its
// behalf. Every outcome is counted per action.
func (s *Service) AdminAction(ctx context.Context, token string, req models.ActionRequest) (moderation.Result, error) {
	actor, err := s.authz.Authorize(ctx, token)
	if err != nil {
		metrics.RecordAdminAction(actionLabel(req.Action), "denied")
		return moderation.Result{}, err
	}
	res, err := s.dispatcher.Dispatch(ctx, actor, req.Action, req.TargetID, req.Metadata)
	if err != nil {
		metrics.RecordAdminAction(actionLabel(req.Action), outcome(err))
		return moderation.Result{}, err
	}
	metrics.RecordAdminAction(req.Action, "applied")
	return res, nil
}

// actionLabel keeps unknown action names out of metric labels.
func actionLabel(action string) string {
	for _, a := range moderation.Actions() {
		if a == action {
			return action
		}
	}
	return "unknown"
}

func outcome(err error) string {
	switch {
	case errors.Is(err, moderation.ErrUnsupportedAction):
		return "unsupported"
	case errors.Is(err, moderation.ErrInvalidMetadata):
		return "invalid_metadata"
	case errors.Is(err, moderation.ErrTargetNotFound):
		return "not_found"
	case errors.Is(err, moderation.ErrForbidden):
		return "denied"
	default:
		return "failed"
	}
}

func (s *Service) Queue(ctx context.Context) (models.ModerationQueue, error) {
	return s.st.Queue(ctx)
}

// UploadAvatar stores data as the user's avatar and records its public URL.
func (s *Service) UploadAvatar(ctx context.Context, userID string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyImage
	}
	if int64(len(data)) > s.cfg.AvatarMaxBytes {
		return "", ErrImageTooLarge
	}
	ct := mimetype.Detect(data).String()
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ext, ok := imageExt[ct]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedImage, ct)
	}
	path := userID + "/avatar." + ext
	if err := s.storage.Upload(ctx, s.cfg.AvatarBucket, path, data, ct, true); err != nil {
		return "", fmt.Errorf("upload avatar: %w", err)
	}
	url := s.storage.PublicURL(s.cfg.AvatarBucket, path)
	if err := s.st.SetAvatarURL(ctx, userID, url); err != nil {
		return "", fmt.Errorf("save avatar url: %w", err)
	}
	return url, nil
}

// Ready runs every probe and returns the failures by name.
func (s *Service) Ready(ctx context.Context) map[string]error {
	out := make(map[string]error, len(s.probes))
	for _, p := range s.probes {
		out[p.Name] = p.Check(ctx)
	}
	return out
}
