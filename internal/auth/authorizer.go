package auth

import (
	"context"
	"errors"
	"fmt"

	"yorkiexchange/internal/backend"
	"yorkiexchange/internal/logging"
	"yorkiexchange/internal/models"
	"yorkiexchange/internal/store"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrForbidden         = errors.New("forbidden")
	ErrBackend           = errors.New("authorization lookup failed")
)

type IdentityProvider interface {
	GetUser(ctx context.Context, accessToken string) (backend.User, error)
}

type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
}

type Options struct {
	// AcceptLegacyIsAdmin honours profiles.is_admin while rows are migrated
	// to role = 'admin'.
	AcceptLegacyIsAdmin bool
	JWT                 *JWTChecker
}

type Authorizer struct {
	idp      IdentityProvider
	profiles ProfileSource
	opts     Options
}

func NewAuthorizer(idp IdentityProvider, profiles ProfileSource, opts Options) *Authorizer {
	return &Authorizer{idp: idp, profiles: profiles, opts: opts}
}

// Authenticate resolves the user behind token without any privilege check.
func (a *Authorizer) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidCredential
	}
	if a.opts.JWT != nil {
		if _, err := a.opts.JWT.Subject(token); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
	}
	u, err := a.idp.GetUser(ctx, token)
	switch {
	case err == nil && u.ID != "":
		return u.ID, nil
	case errors.Is(err, backend.ErrUnavailable):
		return "", fmt.Errorf("%w: %s", ErrBackend, backend.Message(err))
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	default:
		return "", ErrInvalidCredential
	}
}

// Authorize resolves token to a privileged actor. It never mutates state.
func (a *Authorizer) Authorize(ctx context.Context, token string) (models.Actor, error) {
	uid, err := a.Authenticate(ctx, token)
	if err != nil {
		return models.Actor{}, err
	}
	p, err := a.profiles.GetProfile(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		return models.Actor{}, ErrForbidden
	}
	if err != nil {
		return models.Actor{}, fmt.Errorf("%w: %s", ErrBackend, backend.Message(err))
	}

	switch {
	case p.Role == models.RoleAdmin:
	case p.IsAdmin && a.opts.AcceptLegacyIsAdmin:
		logging.Ctx(ctx).Warn().
			Str("event", "legacy_admin_flag_used").
			Str("profile_id", p.ID).
			Msg("admin granted by legacy is_admin flag; run adminctl migrate-privileges")
	default:
		return models.Actor{}, ErrForbidden
	}
	return models.Actor{ID: p.ID, Role: models.RoleAdmin, Privileged: true}, nil
}
