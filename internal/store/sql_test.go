package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yorkiexchange/internal/db"
	"yorkiexchange/internal/models"
	"yorkiexchange/internal/moderation"
)

func openMirror(t *testing.T) (*SQLStore, *sql.DB) {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "mirror.db"), 1, 1, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqdb.Close() })
	require.NoError(t, db.ApplyMigration(sqdb, db.MirrorSchema))

	seed := []string{
		`INSERT INTO profiles(id,username,role,is_admin,status,created_at) VALUES('admin-1','ada','admin',0,'active','2026-03-01 10:00:00')`,
		`INSERT INTO profiles(id,username,role,is_admin,status,created_at) VALUES('legacy-1','lee','member',1,'active','2026-03-01 11:00:00')`,
		`INSERT INTO profiles(id,username,role,is_admin,status,created_at) VALUES('u1','uma','member',0,'active','2026-03-01 12:00:00')`,
		`INSERT INTO listings(id,user_id,title,status,created_at) VALUES('l1','u1','Bike','active','2026-03-02 10:00:00')`,
		`INSERT INTO listings(id,user_id,title,status,created_at) VALUES('l2','u1','Desk','paused','2026-03-02 11:00:00')`,
		`INSERT INTO listings(id,user_id,title,status,created_at) VALUES('l3','u1','Lamp','paused','2026-03-02 12:00:00')`,
		`INSERT INTO threads(id,title,is_locked,created_at) VALUES('t1','Welcome',0,'2026-03-03 10:00:00')`,
		`INSERT INTO reports(id,reporter_id,target_type,target_id,reason,status,created_at) VALUES('r1','u1','listing','l2','spam','open','2026-03-04 10:00:00')`,
	}
	for _, stmt := range seed {
		_, err := sqdb.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	return NewSQL(sqdb, "sqlite"), sqdb
}

func auditCount(t *testing.T, sqdb *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, sqdb.QueryRow(`SELECT COUNT(*) FROM admin_audit`).Scan(&n))
	return n
}

func TestSQLGetProfile(t *testing.T) {
	s, _ := openMirror(t)
	ctx := context.Background()

	p, err := s.GetProfile(ctx, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, p.Role)
	assert.False(t, p.IsAdmin)

	p, err = s.GetProfile(ctx, "legacy-1")
	require.NoError(t, err)
	assert.True(t, p.IsAdmin)

	_, err = s.GetProfile(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLApplyTransition(t *testing.T) {
	s, sqdb := openMirror(t)
	ctx := context.Background()

	n, err := s.ApplyTransition(ctx, moderation.Transition{Collection: "threads", TargetID: "t1", Set: map[string]any{"is_locked": true}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	var locked bool
	require.NoError(t, sqdb.QueryRow(`SELECT is_locked FROM threads WHERE id='t1'`).Scan(&locked))
	assert.True(t, locked)

	n, err = s.ApplyTransition(ctx, moderation.Transition{Collection: "listings", TargetID: "l1", Delete: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.ApplyTransition(ctx, moderation.Transition{Collection: "listings", TargetID: "missing", Set: map[string]any{"status": "paused"}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = s.ApplyTransition(ctx, moderation.Transition{Collection: "sessions", TargetID: "x", Delete: true})
	assert.Error(t, err)
	_, err = s.ApplyTransition(ctx, moderation.Transition{Collection: "profiles", TargetID: "u1", Set: map[string]any{"role": "admin"}})
	assert.Error(t, err)

	// The status check constraint rejects values outside the state machine.
	_, err = s.ApplyTransition(ctx, moderation.Transition{Collection: "profiles", TargetID: "u1", Set: map[string]any{"status": "deleted"}})
	assert.Error(t, err)
}

func TestSQLApplyAndAudit(t *testing.T) {
	s, sqdb := openMirror(t)
	ctx := context.Background()
	rec := models.AuditRecord{
		ID:         "a1",
		ActorID:    "admin-1",
		Action:     "ban_user",
		TargetType: models.TargetUser,
		TargetID:   "u1",
		CreatedAt:  time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC),
	}

	n, err := s.ApplyAndAudit(ctx, moderation.Transition{Collection: "profiles", TargetID: "u1", Set: map[string]any{"status": "banned"}}, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, auditCount(t, sqdb))

	var meta string
	require.NoError(t, sqdb.QueryRow(`SELECT metadata FROM admin_audit WHERE id='a1'`).Scan(&meta))
	assert.Equal(t, "{}", meta)

	rec.ID = "a2"
	rec.TargetID = "ghost"
	n, err = s.ApplyAndAudit(ctx, moderation.Transition{Collection: "profiles", TargetID: "ghost", Set: map[string]any{"status": "banned"}}, rec)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, auditCount(t, sqdb))

	// A duplicate audit id fails the insert and the transition is rolled back.
	rec.TargetID = "legacy-1"
	rec.ID = "a1"
	_, err = s.ApplyAndAudit(ctx, moderation.Transition{Collection: "profiles", TargetID: "legacy-1", Set: map[string]any{"status": "banned"}}, rec)
	require.Error(t, err)
	var status string
	require.NoError(t, sqdb.QueryRow(`SELECT status FROM profiles WHERE id='legacy-1'`).Scan(&status))
	assert.Equal(t, "active", status)
}

func TestSQLQueue(t *testing.T) {
	s, _ := openMirror(t)
	q, err := s.Queue(context.Background())
	require.NoError(t, err)

	require.Len(t, q.Listings, 2)
	assert.Equal(t, "l3", q.Listings[0].ID)
	assert.Equal(t, "l2", q.Listings[1].ID)
	require.Len(t, q.Reports, 1)
	assert.Equal(t, models.ReportOpen, q.Reports[0].Status)
	require.Len(t, q.Threads, 1)
	assert.False(t, q.Threads[0].IsLocked)
	require.Len(t, q.Users, 3)
	assert.Equal(t, "u1", q.Users[0].ID)
	require.NotNil(t, q.Users[0].CreatedAt)
}

func TestSQLAvatarAndLegacyAdmins(t *testing.T) {
	s, sqdb := openMirror(t)
	ctx := context.Background()

	require.NoError(t, s.SetAvatarURL(ctx, "u1", "https://cdn.example/avatars/u1.png"))
	assert.ErrorIs(t, s.SetAvatarURL(ctx, "nobody", "x"), ErrNotFound)

	n, err := s.MigrateLegacyAdmins(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	var role string
	require.NoError(t, sqdb.QueryRow(`SELECT role FROM profiles WHERE id='legacy-1'`).Scan(&role))
	assert.Equal(t, "admin", role)

	n, err = s.MigrateLegacyAdmins(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLMessages(t *testing.T) {
	s, _ := openMirror(t)
	ctx := context.Background()

	first, err := s.InsertMessage(ctx, models.MessageDraft{ClientID: "c1", ConversationID: "conv", SenderID: "u1", Body: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	_, err = s.InsertMessage(ctx, models.MessageDraft{ConversationID: "conv", SenderID: "u2", Body: "hello"})
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, models.MessageDraft{ConversationID: "other", SenderID: "u2", Body: "elsewhere"})
	require.NoError(t, err)

	// A retry after a lost acknowledgement gets the stored row back.
	again, err := s.InsertMessage(ctx, models.MessageDraft{ClientID: "c1", ConversationID: "conv", SenderID: "u1", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	msgs, err := s.ListMessages(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "c1", msgs[0].ClientID)
	assert.Equal(t, "", msgs[1].ClientID)
	assert.Nil(t, msgs[0].ReadAt)
}

func TestSQLAuditFailureRollsBack(t *testing.T) {
	sqdb, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer sqdb.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE listings SET status=$1 WHERE id=$2`).
		WithArgs("paused", "l1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO admin_audit(id,actor_id,action,target_type,target_id,metadata,created_at) VALUES($1,$2,$3,$4,$5,$6,$7)`).
		WillReturnError(errors.New("permission denied for table admin_audit"))
	mock.ExpectRollback()

	s := NewSQL(sqdb, "pgx")
	_, err = s.ApplyAndAudit(context.Background(),
		moderation.Transition{Collection: "listings", TargetID: "l1", Set: map[string]any{"status": "paused"}},
		models.AuditRecord{ID: "a1", ActorID: "admin-1", Action: "suspend_listing", TargetType: models.TargetListing, TargetID: "l1"},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit:")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMySQLPlaceholders(t *testing.T) {
	sqdb, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer sqdb.Close()

	mock.ExpectExec(`UPDATE profiles SET role=? WHERE is_admin=? AND role<>?`).
		WithArgs("admin", true, "admin").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := NewSQL(sqdb, "mysql").MigrateLegacyAdmins(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
