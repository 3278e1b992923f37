package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yorkiexchange/internal/config"
	"yorkiexchange/internal/models"
)

func TestOpenSQLStoreAppliesMirrorSchema(t *testing.T) {
	s, closeDB, err := OpenSQLStore("sqlite", filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	defer closeDB()

	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))
	m, err := s.InsertMessage(ctx, models.MessageDraft{ClientID: "c1", ConversationID: "conv", SenderID: "u1", Body: "hi"})
	require.NoError(t, err)
	list, err := s.ListMessages(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, m.ID, list[0].ID)
}

func TestOpenSQLStoreRejectsUnknownDriver(t *testing.T) {
	_, _, err := OpenSQLStore("oracle", "dsn")
	assert.Error(t, err)
}

func TestOpenSQLModeUsesStoreAsRecorder(t *testing.T) {
	cfg := config.Config{
		BackendURL:        "http://127.0.0.1:1",
		BackendServiceKey: "service-key",
		StoreMode:         "sql",
		StoreSQLDriver:    "sqlite",
		StoreSQLDSN:       filepath.Join(t.TempDir(), "mirror.db"),
		RateLimitBackend:  "memory",
		RateLimitMax:      20,
		RateLimitWindow:   time.Minute,
	}
	a, err := Open(cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.SQL)
	assert.Same(t, a.SQL, a.Store)
	assert.Same(t, a.SQL, a.Recorder)

	l, err := a.Limiter(context.Background(), cfg)
	require.NoError(t, err)
	d, err := l.Admit(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
