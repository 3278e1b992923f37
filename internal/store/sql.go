package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"yorkiexchange/internal/models"
	"yorkiexchange/internal/moderation"
)

// Columns a transition may set. Collections and columns are never taken
// from request input, but SQLStore checks both before building a statement.
var (
	sqlCollections = map[string]bool{"listings": true, "threads": true, "reports": true, "profiles": true}
	sqlColumns     = map[string]bool{"status": true, "is_locked": true}
)

// SQLStore talks to the row store directly: the backend's Postgres via pgx,
// a MySQL replica, or a local SQLite mirror.
type SQLStore struct {
	db     *sql.DB
	driver string
}

func NewSQL(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: strings.ToLower(driver)}
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) ph(i int) string {
	if strings.Contains(s.driver, "pgx") || strings.Contains(s.driver, "postgres") {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (s *SQLStore) q(query string) string {
	if s.ph(1) == "?" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.ph(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var p models.Profile
	var role string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id,role,is_admin FROM profiles WHERE id=?`), userID).Scan(&p.ID, &role, &p.IsAdmin)
	if err == sql.ErrNoRows {
		return models.Profile{}, ErrNotFound
	}
	if err != nil {
		return models.Profile{}, err
	}
	p.Role = models.Role(role)
	return p, nil
}

func (s *SQLStore) transitionStmt(t moderation.Transition) (string, []any, error) {
	if !sqlCollections[t.Collection] {
		return "", nil, fmt.Errorf("unknown collection %q", t.Collection)
	}
	if t.Delete {
		return s.q(fmt.Sprintf(`DELETE FROM %s WHERE id=?`, t.Collection)), []any{t.TargetID}, nil
	}
	if len(t.Set) == 0 {
		return "", nil, errors.New("empty transition")
	}
	cols := make([]string, 0, len(t.Set))
	args := make([]any, 0, len(t.Set)+1)
	for _, col := range []string{"status", "is_locked"} {
		v, ok := t.Set[col]
		if !ok {
			continue
		}
		cols = append(cols, col+"=?")
		args = append(args, v)
	}
	for col := range t.Set {
		if !sqlColumns[col] {
			return "", nil, fmt.Errorf("unknown column %q", col)
		}
	}
	args = append(args, t.TargetID)
	return s.q(fmt.Sprintf(`UPDATE %s SET %s WHERE id=?`, t.Collection, strings.Join(cols, ","))), args, nil
}

func (s *SQLStore) apply(ctx context.Context, ex execer, t moderation.Transition) (int, error) {
	stmt, args, err := s.transitionStmt(t)
	if err != nil {
		return 0, err
	}
	res, err := ex.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLStore) ApplyTransition(ctx context.Context, t moderation.Transition) (int, error) {
	return s.apply(ctx, s.db, t)
}

func (s *SQLStore) insertAudit(ctx context.Context, ex execer, rec models.AuditRecord) error {
	meta := string(rec.Metadata)
	if meta == "" {
		meta = "{}"
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx,
		s.q(`INSERT INTO admin_audit(id,actor_id,action,target_type,target_id,metadata,created_at) VALUES(?,?,?,?,?,?,?)`),
		rec.ID, rec.ActorID, rec.Action, string(rec.TargetType), rec.TargetID, meta, rec.CreatedAt.UTC(),
	)
	return err
}

// Record appends one audit record outside any transition.
func (s *SQLStore) Record(ctx context.Context, rec models.AuditRecord) error {
	return s.insertAudit(ctx, s.db, rec)
}

// ApplyAndAudit commits the transition and its audit record together. When
// no row matches, nothing is written.
func (s *SQLStore) ApplyAndAudit(ctx context.Context, t moderation.Transition, rec models.AuditRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	n, err := s.apply(ctx, tx, t)
	if err != nil || n == 0 {
		return n, err
	}
	if err := s.insertAudit(ctx, tx, rec); err != nil {
		return 0, fmt.Errorf("audit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLStore) Queue(ctx context.Context) (models.ModerationQueue, error) {
	var q models.ModerationQueue
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id,reporter_id,target_type,target_id,reason,status,created_at FROM reports ORDER BY created_at DESC LIMIT ?`), QueueLimit)
	if err != nil {
		return q, fmt.Errorf("reports: %w", err)
	}
	q.Reports, err = scanAll(rows, func(r *sql.Rows) (models.Report, error) {
		var v models.Report
		err := r.Scan(&v.ID, &v.ReporterID, &v.TargetType, &v.TargetID, &v.Reason, &v.Status, &v.CreatedAt)
		return v, err
	})
	if err != nil {
		return q, fmt.Errorf("reports: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, s.q(`SELECT id,user_id,title,status,created_at FROM listings WHERE status=? ORDER BY created_at DESC LIMIT ?`), string(models.ListingPaused), QueueLimit)
	if err != nil {
		return q, fmt.Errorf("listings: %w", err)
	}
	q.Listings, err = scanAll(rows, func(r *sql.Rows) (models.Listing, error) {
		var v models.Listing
		err := r.Scan(&v.ID, &v.UserID, &v.Title, &v.Status, &v.CreatedAt)
		return v, err
	})
	if err != nil {
		return q, fmt.Errorf("listings: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, s.q(`SELECT id,title,is_locked,created_at FROM threads ORDER BY created_at DESC LIMIT ?`), QueueLimit)
	if err != nil {
		return q, fmt.Errorf("threads: %w", err)
	}
	q.Threads, err = scanAll(rows, func(r *sql.Rows) (models.Thread, error) {
		var v models.Thread
		err := r.Scan(&v.ID, &v.Title, &v.IsLocked, &v.CreatedAt)
		return v, err
	})
	if err != nil {
		return q, fmt.Errorf("threads: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, s.q(`SELECT id,username,role,is_admin,status,avatar_url,created_at FROM profiles ORDER BY created_at DESC LIMIT ?`), QueueLimit)
	if err != nil {
		return q, fmt.Errorf("profiles: %w", err)
	}
	q.Users, err = scanAll(rows, func(r *sql.Rows) (models.Profile, error) {
		var v models.Profile
		var avatar sql.NullString
		var created sql.NullTime
		err := r.Scan(&v.ID, &v.Username, &v.Role, &v.IsAdmin, &v.Status, &avatar, &created)
		v.AvatarURL = avatar.String
		if created.Valid {
			t := created.Time
			v.CreatedAt = &t
		}
		return v, err
	})
	if err != nil {
		return q, fmt.Errorf("profiles: %w", err)
	}
	return q, nil
}

func scanAll[T any](rows *sql.Rows, scan func(*sql.Rows) (T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetAvatarURL(ctx context.Context, userID, url string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE profiles SET avatar_url=? WHERE id=?`), url, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) MigrateLegacyAdmins(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE profiles SET role=? WHERE is_admin=? AND role<>?`), string(models.RoleAdmin), true, string(models.RoleAdmin))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// InsertMessage is idempotent on client_id: re-sending a draft whose first
// insert landed returns the stored row instead of failing.
func (s *SQLStore) InsertMessage(ctx context.Context, d models.MessageDraft) (models.Message, error) {
	if d.ClientID != "" {
		m, err := s.messageByClientID(ctx, d.ClientID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return models.Message{}, err
		}
	}
	m := models.Message{
		ID:             uuid.NewString(),
		ClientID:       d.ClientID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Body:           d.Body,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO messages(id,client_id,conversation_id,sender_id,body,created_at) VALUES(?,?,?,?,?,?)`),
		m.ID, nullIfEmpty(m.ClientID), m.ConversationID, m.SenderID, m.Body, m.CreatedAt,
	)
	if err != nil {
		// A concurrent insert of the same draft won the unique index.
		if d.ClientID != "" {
			if existing, lerr := s.messageByClientID(ctx, d.ClientID); lerr == nil {
				return existing, nil
			}
		}
		return models.Message{}, err
	}
	return m, nil
}

func (s *SQLStore) messageByClientID(ctx context.Context, clientID string) (models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT id,client_id,conversation_id,sender_id,body,created_at,read_at FROM messages WHERE client_id=?`),
		clientID,
	)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	return m, err
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id,client_id,conversation_id,sender_id,body,created_at,read_at FROM messages WHERE conversation_id=? ORDER BY created_at ASC`),
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	return scanAll(rows, func(r *sql.Rows) (models.Message, error) { return scanMessage(r) })
}

func scanMessage(r interface{ Scan(dest ...any) error }) (models.Message, error) {
	var m models.Message
	var clientID sql.NullString
	var readAt sql.NullTime
	err := r.Scan(&m.ID, &clientID, &m.ConversationID, &m.SenderID, &m.Body, &m.CreatedAt, &readAt)
	m.ClientID = clientID.String
	if readAt.Valid {
		t := readAt.Time
		m.ReadAt = &t
	}
	return m, err
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
