package store

import (
	"context"
	"errors"
	"fmt"

	"yorkiexchange/internal/backend"
	"yorkiexchange/internal/models"
	"yorkiexchange/internal/moderation"
)

var ErrNotFound = errors.New("not found")

// QueueLimit is how many rows of each kind the moderation queue returns.
const QueueLimit = 25

// Store is the row-store surface the service needs. RESTStore and SQLStore
// both satisfy it.
type Store interface {
	moderation.TargetStore
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
	Queue(ctx context.Context) (models.ModerationQueue, error)
	SetAvatarURL(ctx context.Context, userID, url string) error
	MigrateLegacyAdmins(ctx context.Context) (int, error)
}

// RESTStore reads and writes through the backend's PostgREST API with the
// service key.
type RESTStore struct {
	client *backend.Client
}

func NewREST(c *backend.Client) *RESTStore { return &RESTStore{client: c} }

func (s *RESTStore) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var p models.Profile
	err := s.client.From("profiles").Select("id,role,is_admin").Eq("id", userID).Single().Into(ctx, &p)
	if errors.Is(err, backend.ErrNotFound) {
		return models.Profile{}, ErrNotFound
	}
	if err != nil {
		return models.Profile{}, err
	}
	return p, nil
}

func (s *RESTStore) ApplyTransition(ctx context.Context, t moderation.Transition) (int, error) {
	q := s.client.From(t.Collection).Eq("id", t.TargetID)
	if t.Delete {
		return q.Delete(ctx)
	}
	return q.Update(ctx, t.Set)
}

func (s *RESTStore) Queue(ctx context.Context) (models.ModerationQueue, error) {
	var q models.ModerationQueue
	if err := s.client.From("reports").Select("*").Order("created_at", false).Limit(QueueLimit).Into(ctx, &q.Reports); err != nil {
		return q, fmt.Errorf("reports: %w", err)
	}
	if err := s.client.From("listings").Select("*").Eq("status", models.ListingPaused).Order("created_at", false).Limit(QueueLimit).Into(ctx, &q.Listings); err != nil {
		return q, fmt.Errorf("listings: %w", err)
	}
	if err := s.client.From("threads").Select("*").Order("created_at", false).Limit(QueueLimit).Into(ctx, &q.Threads); err != nil {
		return q, fmt.Errorf("threads: %w", err)
	}
	if err := s.client.From("profiles").Select("id,username,role,is_admin,status,avatar_url,created_at").Order("created_at", false).Limit(QueueLimit).Into(ctx, &q.Users); err != nil {
		return q, fmt.Errorf("profiles: %w", err)
	}
	return q, nil
}

func (s *RESTStore) SetAvatarURL(ctx context.Context, userID, url string) error {
	n, err := s.client.From("profiles").Eq("id", userID).Update(ctx, map[string]any{"avatar_url": url})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MigrateLegacyAdmins sets role = 'admin' on every profile still relying on
// the is_admin flag and returns how many were changed.
func (s *RESTStore) MigrateLegacyAdmins(ctx context.Context) (int, error) {
	return s.client.From("profiles").Eq("is_admin", true).Neq("role", models.RoleAdmin).Update(ctx, map[string]any{"role": models.RoleAdmin})
}
