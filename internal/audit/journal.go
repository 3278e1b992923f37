package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"yorkiexchange/internal/db"
	"yorkiexchange/internal/logging"
	"yorkiexchange/internal/metrics"
	"yorkiexchange/internal/models"
)

// Journal stores audit records whose write failed after the transition
// they describe was applied.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// OpenJournal opens (and migrates) the SQLite journal at path.
func OpenJournal(path string) (*Journal, error) {
	sqdb, err := db.OpenSQLite(path, 1, 1, 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.ApplyMigration(sqdb, db.JournalSchema); err != nil {
		_ = sqdb.Close()
		return nil, err
	}
	return NewJournal(sqdb), nil
}

func NewJournal(sqdb *sql.DB) *Journal {
	return &Journal{db: sqdb, now: func() time.Time { return time.Now().UTC() }}
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) Ping(ctx context.Context) error { return j.db.PingContext(ctx) }

func (j *Journal) Orphan(ctx context.Context, rec models.AuditRecord, cause error) error {
	meta := string(rec.Metadata)
	if meta == "" {
		meta = "{}"
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO orphaned_audit(id,actor_id,action,target_type,target_id,metadata,created_at,error,journaled_at) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET error=excluded.error`,
		rec.ID, rec.ActorID, rec.Action, string(rec.TargetType), rec.TargetID, meta, rec.CreatedAt.UTC(), msg, j.now(),
	)
	return err
}

// Pending lists records not yet replayed, oldest first.
func (j *Journal) Pending(ctx context.Context, limit int) ([]models.OrphanedAudit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id,actor_id,action,target_type,target_id,metadata,created_at,error FROM orphaned_audit WHERE replayed_at IS NULL ORDER BY journaled_at ASC, id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.OrphanedAudit
	for rows.Next() {
		var o models.OrphanedAudit
		var targetType, meta string
		if err := rows.Scan(&o.Record.ID, &o.Record.ActorID, &o.Record.Action, &targetType, &o.Record.TargetID, &meta, &o.Record.CreatedAt, &o.Error); err != nil {
			return nil, err
		}
		o.Record.TargetType = models.TargetType(targetType)
		o.Record.Metadata = json.RawMessage(meta)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (j *Journal) markReplayed(ctx context.Context, id string) error {
	_, err := j.db.ExecContext(ctx, `UPDATE orphaned_audit SET replayed_at=?, attempts=attempts+1 WHERE id=?`, j.now(), id)
	return err
}

func (j *Journal) markAttempt(ctx context.Context, id string, cause error) error {
	_, err := j.db.ExecContext(ctx, `UPDATE orphaned_audit SET attempts=attempts+1, error=? WHERE id=?`, cause.Error(), id)
	return err
}

type ReplayResult struct {
	Replayed int
	Failed   int
}

// Replay re-appends pending records through rec. A record that fails stays
// pending; replay continues with the next one.
func (j *Journal) Replay(ctx context.Context, rec Recorder, limit int) (ReplayResult, error) {
	pending, err := j.Pending(ctx, limit)
	if err != nil {
		return ReplayResult{}, err
	}
	var res ReplayResult
	for _, o := range pending {
		if err := rec.Record(ctx, o.Record); err != nil {
			res.Failed++
			metrics.AuditOrphansReplayed.WithLabelValues("failed").Inc()
			logging.Ctx(ctx).Warn().Err(err).Str("event", "audit_replay_failed").Str("audit_id", o.Record.ID).Msg("replay failed")
			if merr := j.markAttempt(ctx, o.Record.ID, err); merr != nil {
				return res, merr
			}
			continue
		}
		if err := j.markReplayed(ctx, o.Record.ID); err != nil {
			return res, err
		}
		res.Replayed++
		metrics.AuditOrphansReplayed.WithLabelValues("ok").Inc()
	}
	return res, nil
}
