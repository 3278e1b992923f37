package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTChecker rejects tokens that are malformed, wrongly signed or expired
// before any network round trip. It does not grant anything by itself.
type JWTChecker struct {
	secret []byte
}

func NewJWTChecker(secret string) *JWTChecker {
	if secret == "" {
		return nil
	}
	return &JWTChecker{secret: []byte(secret)}
}

// Subject returns the "sub" claim of a valid HS256 token.
func (c *JWTChecker) Subject(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}
