package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	AppMetadata  map[string]any `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// GetUser exchanges an access token for the user it belongs to. A rejected
// token yields an error matching ErrUnauthorized.
func (c *Client) GetUser(ctx context.Context, accessToken string) (User, error) {
	if strings.TrimSpace(accessToken) == "" {
		return User{}, ErrUnauthorized
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return User{}, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, accessToken)
	resp, err := c.do(req)
	if err != nil {
		var be *Error
		if errors.As(err, &be) && be.Status < 500 && !errors.Is(be, ErrUnauthorized) {
			// GoTrue answers 400/404 for malformed or unknown tokens.
			return User{}, fmt.Errorf("%w: %s", ErrUnauthorized, be.Error())
		}
		return User{}, err
	}
	var u User
	if err := resp.Decode(&u); err != nil {
		return User{}, err
	}
	if u.ID == "" {
		return User{}, fmt.Errorf("%w: empty user id", ErrUnauthorized)
	}
	return u, nil
}
