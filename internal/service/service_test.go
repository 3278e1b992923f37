package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yorkiexchange/internal/auth"
	"yorkiexchange/internal/backend"
	"yorkiexchange/internal/config"
	"yorkiexchange/internal/metrics"
	"yorkiexchange/internal/models"
	"yorkiexchange/internal/moderation"
	"yorkiexchange/internal/store"
)

type fakeIdP map[string]string

func (f fakeIdP) GetUser(_ context.Context, token string) (backend.User, error) {
	id, ok := f[token]
	if !ok {
		return backend.User{}, &backend.Error{Status: 401, Message: "invalid JWT"}
	}
	return backend.User{ID: id}, nil
}

type fakeStore struct {
	profiles map[string]models.Profile
	rows     map[string]bool
	avatars  map[string]string
	audits   []models.AuditRecord
}

func (f *fakeStore) GetProfile(_ context.Context, id string) (models.Profile, error) {
	p, ok := f.profiles[id]
	if !ok {
		return models.Profile{}, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) ApplyTransition(_ context.Context, t moderation.Transition) (int, error) {
	if !f.rows[t.Collection+"/"+t.TargetID] {
		return 0, nil
	}
	return 1, nil
}

func (f *fakeStore) Record(_ context.Context, rec models.AuditRecord) error {
	f.audits = append(f.audits, rec)
	return nil
}

func (f *fakeStore) Queue(context.Context) (models.ModerationQueue, error) {
	return models.ModerationQueue{Reports: []models.Report{{ID: "r1"}}}, nil
}

func (f *fakeStore) SetAvatarURL(_ context.Context, id, url string) error {
	if _, ok := f.profiles[id]; !ok {
		return store.ErrNotFound
	}
	f.avatars[id] = url
	return nil
}

func (f *fakeStore) MigrateLegacyAdmins(context.Context) (int, error) { return 0, nil }

type fakeStorage struct {
	bucket, path, contentType string
	upsert                    bool
	err                       error
}

func (f *fakeStorage) Upload(_ context.Context, bucket, path string, _ []byte, contentType string, upsert bool) error {
	f.bucket, f.path, f.contentType, f.upsert = bucket, path, contentType, upsert
	return f.err
}

func (f *fakeStorage) PublicURL(bucket, path string) string {
	return "https://cdn.example/storage/v1/object/public/" + bucket + "/" + path
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeStorage) {
	t.Helper()
	st := &fakeStore{
		profiles: map[string]models.Profile{
			"admin-1": {ID: "admin-1", Role: models.RoleAdmin},
			"u1":      {ID: "u1", Role: models.RoleMember},
		},
		rows:    map[string]bool{"listings/l1": true},
		avatars: map[string]string{},
	}
	authz := auth.NewAuthorizer(fakeIdP{"admin-token": "admin-1", "user-token": "u1"}, st, auth.Options{})
	storage := &fakeStorage{}
	cfg := config.Config{AvatarBucket: "avatars", AvatarMaxBytes: 1024}
	return New(cfg, st, authz, moderation.NewDispatcher(st, st, nil), storage), st, storage
}

func TestAdminActionApplies(t *testing.T) {
	svc, st, _ := newTestService(t)
	before := testutil.ToFloat64(metrics.AdminActionsTotal.WithLabelValues("suspend_listing", "applied"))

	res, err := svc.AdminAction(context.Background(), "admin-token", models.ActionRequest{
		Action:   "suspend_listing",
		TargetID: "l1",
		Metadata: json.RawMessage(`{"reason":"counterfeit"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "suspended", res.Label)
	require.Len(t, st.audits, 1)
	assert.Equal(t, "admin-1", st.audits[0].ActorID)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AdminActionsTotal.WithLabelValues("suspend_listing", "applied")))
}

func TestAdminActionDenied(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AdminAction(ctx, "user-token", models.ActionRequest{Action: "suspend_listing", TargetID: "l1"})
	assert.ErrorIs(t, err, auth.ErrForbidden)
	_, err = svc.AdminAction(ctx, "stolen", models.ActionRequest{Action: "suspend_listing", TargetID: "l1"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
	assert.Empty(t, st.audits)
}

func TestAdminActionOutcomes(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	before := testutil.ToFloat64(metrics.AdminActionsTotal.WithLabelValues("unknown", "unsupported"))

	_, err := svc.AdminAction(ctx, "admin-token", models.ActionRequest{Action: "nuke_everything", TargetID: "l1"})
	assert.ErrorIs(t, err, moderation.ErrUnsupportedAction)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AdminActionsTotal.WithLabelValues("unknown", "unsupported")))

	_, err = svc.AdminAction(ctx, "admin-token", models.ActionRequest{Action: "approve_listing", TargetID: "l404"})
	var te *moderation.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "target not found", te.Error())
	assert.Empty(t, st.audits)
}

func TestQueue(t *testing.T) {
	svc, _, _ := newTestService(t)
	q, err := svc.Queue(context.Background())
	require.NoError(t, err)
	assert.Len(t, q.Reports, 1)
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

func TestUploadAvatar(t *testing.T) {
	svc, st, storage := newTestService(t)

	url, err := svc.UploadAvatar(context.Background(), "u1", pngHeader)
	require.NoError(t, err)
	assert.Equal(t, "avatars", storage.bucket)
	assert.Equal(t, "u1/avatar.png", storage.path)
	assert.Equal(t, "image/png", storage.contentType)
	assert.True(t, storage.upsert)
	assert.Equal(t, "https://cdn.example/storage/v1/object/public/avatars/u1/avatar.png", url)
	assert.Equal(t, url, st.avatars["u1"])
}

func TestUploadAvatarDetectsTypeFromContent(t *testing.T) {
	cases := map[string]struct {
		data []byte
		path string
	}{
		"gif":  {[]byte("GIF89a\x01\x00\x01\x00\x00\x00\x00"), "u1/avatar.gif"},
		"jpeg": {[]byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00"), "u1/avatar.jpg"},
		"webp": {[]byte("RIFF\x24\x00\x00\x00WEBPVP8 \x18\x00\x00\x00"), "u1/avatar.webp"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc, _, storage := newTestService(t)
			_, err := svc.UploadAvatar(context.Background(), "u1", tc.data)
			require.NoError(t, err)
			assert.Equal(t, tc.path, storage.path)
		})
	}

	svc, _, storage := newTestService(t)
	_, err := svc.UploadAvatar(context.Background(), "u1", []byte(`<svg xmlns="http://www.w3.org/2000/svg"><script/></svg>`))
	assert.ErrorIs(t, err, ErrUnsupportedImage)
	assert.Empty(t, storage.path)
}

func TestUploadAvatarRejects(t *testing.T) {
	svc, _, storage := newTestService(t)
	ctx := context.Background()

	_, err := svc.UploadAvatar(ctx, "u1", nil)
	assert.ErrorIs(t, err, ErrEmptyImage)
	_, err = svc.UploadAvatar(ctx, "u1", []byte("plain text, not an image"))
	assert.ErrorIs(t, err, ErrUnsupportedImage)
	_, err = svc.UploadAvatar(ctx, "u1", make([]byte, 2048))
	assert.ErrorIs(t, err, ErrImageTooLarge)
	assert.Empty(t, storage.path)

	storage.err = errors.New("bucket not found")
	_, err = svc.UploadAvatar(ctx, "u1", pngHeader)
	assert.ErrorContains(t, err, "bucket not found")
}

func TestReady(t *testing.T) {
	svc := New(config.Config{}, nil, nil, nil, nil,
		Probe{Name: "backend", Check: func(context.Context) error { return nil }},
		Probe{Name: "journal", Check: func(context.Context) error { return errors.New("disk full") }},
	)
	got := svc.Ready(context.Background())
	assert.NoError(t, got["backend"])
	assert.EqualError(t, got["journal"], "disk full")
}
