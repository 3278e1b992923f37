package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"yorkiexchange/internal/backend"
	"yorkiexchange/internal/models"
	"yorkiexchange/internal/store"
)

type fakeIDP struct {
	users map[string]string
	err   error
	calls int
}

func (f *fakeIDP) GetUser(_ context.Context, token string) (backend.User, error) {
	f.calls++
	if f.err != nil {
		return backend.User{}, f.err
	}
	id, ok := f.users[token]
	if !ok {
		return backend.User{}, &backend.Error{Status: 401, Message: "invalid JWT"}
	}
	return backend.User{ID: id}, nil
}

type fakeProfiles struct {
	rows map[string]models.Profile
	err  error
}

func (f *fakeProfiles) GetProfile(_ context.Context, id string) (models.Profile, error) {
	if f.err != nil {
		return models.Profile{}, f.err
	}
	p, ok := f.rows[id]
	if !ok {
		return models.Profile{}, store.ErrNotFound
	}
	return p, nil
}

func newFixture(opts Options) (*Authorizer, *fakeIDP, *fakeProfiles) {
	idp := &fakeIDP{users: map[string]string{
		"tok-admin":  "u-admin",
		"tok-legacy": "u-legacy",
		"tok-member": "u-member",
		"tok-noprof": "u-ghost",
	}}
	profiles := &fakeProfiles{rows: map[string]models.Profile{
		"u-admin":  {ID: "u-admin", Role: models.RoleAdmin},
		"u-legacy": {ID: "u-legacy", Role: models.RoleMember, IsAdmin: true},
		"u-member": {ID: "u-member", Role: models.RoleMember},
	}}
	return NewAuthorizer(idp, profiles, opts), idp, profiles
}

func TestAuthorizeRoleAdmin(t *testing.T) {
	a, _, _ := newFixture(Options{})
	actor, err := a.Authorize(context.Background(), "tok-admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actor.ID != "u-admin" || !actor.Privileged || actor.Role != models.RoleAdmin {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestAuthorizeRejectsInvalidToken(t *testing.T) {
	a, _, _ := newFixture(Options{})
	for _, tok := range []string{"", "tok-unknown"} {
		_, err := a.Authorize(context.Background(), tok)
		if !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("token %q: expected ErrInvalidCredential, got %v", tok, err)
		}
	}
}

func TestAuthorizeForbidden(t *testing.T) {
	a, _, _ := newFixture(Options{})
	for _, tok := range []string{"tok-member", "tok-noprof", "tok-legacy"} {
		_, err := a.Authorize(context.Background(), tok)
		if !errors.Is(err, ErrForbidden) {
			t.Fatalf("token %q: expected ErrForbidden, got %v", tok, err)
		}
	}
}

func TestAuthorizeLegacyFlagBehindOption(t *testing.T) {
	a, _, _ := newFixture(Options{AcceptLegacyIsAdmin: true})
	actor, err := a.Authorize(context.Background(), "tok-legacy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actor.ID != "u-legacy" || !actor.Privileged {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestAuthorizeProfileLookupFailure(t *testing.T) {
	a, _, profiles := newFixture(Options{})
	profiles.err = &backend.Error{Status: 400, Message: "permission denied for table profiles"}
	_, err := a.Authorize(context.Background(), "tok-admin")
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
	if got := err.Error(); got != "authorization lookup failed: permission denied for table profiles" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestAuthorizeBackendUnavailable(t *testing.T) {
	a, idp, _ := newFixture(Options{})
	idp.err = backend.ErrUnavailable
	_, err := a.Authorize(context.Background(), "tok-admin")
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestJWTPrecheckShortCircuits(t *testing.T) {
	secret := "test-secret-test-secret-test-secret"
	valid := signHS256(t, secret, jwt.MapClaims{"sub": "u-admin", "exp": time.Now().Add(time.Hour).Unix()})
	expired := signHS256(t, secret, jwt.MapClaims{"sub": "u-admin", "exp": time.Now().Add(-time.Hour).Unix()})
	wrongKey := signHS256(t, "another-secret-another-secret-xx", jwt.MapClaims{"sub": "u-admin", "exp": time.Now().Add(time.Hour).Unix()})

	idp := &fakeIDP{users: map[string]string{valid: "u-admin"}}
	profiles := &fakeProfiles{rows: map[string]models.Profile{"u-admin": {ID: "u-admin", Role: models.RoleAdmin}}}
	a := NewAuthorizer(idp, profiles, Options{JWT: NewJWTChecker(secret)})

	for _, tok := range []string{expired, wrongKey, "not-a-jwt"} {
		if _, err := a.Authorize(context.Background(), tok); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("expected ErrInvalidCredential, got %v", err)
		}
	}
	if idp.calls != 0 {
		t.Fatalf("rejected tokens must not reach the identity provider, got %d calls", idp.calls)
	}
	if _, err := a.Authorize(context.Background(), valid); err != nil {
		t.Fatalf("valid token: %v", err)
	}
}

func TestNewJWTCheckerDisabledWithoutSecret(t *testing.T) {
	if NewJWTChecker("") != nil {
		t.Fatalf("expected nil checker without secret")
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearer ":      "",
		"":             "",
	}
	for header, want := range cases {
		r := httptest.NewRequest("POST", "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		if got := BearerToken(r); got != want {
			t.Fatalf("header %q: got %q want %q", header, got, want)
		}
	}
}

func TestFingerprintIsStableAndShort(t *testing.T) {
	a, b := Fingerprint("secret-token"), Fingerprint("secret-token")
	if a != b || len(a) != 12 {
		t.Fatalf("unexpected fingerprint %q / %q", a, b)
	}
	if Fingerprint("") != "" {
		t.Fatalf("empty token should have empty fingerprint")
	}
}
